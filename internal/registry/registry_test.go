package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bootstrapd/internal/rights"
)

func TestAllocateLookupClose(t *testing.T) {
	r := New()

	recv, err := r.AllocateRecv("owner-a")
	require.NoError(t, err)
	require.NotZero(t, recv.Name)

	owner, ok := r.Lookup(recv.Name)
	require.True(t, ok)
	require.Equal(t, "owner-a", owner)

	require.NoError(t, r.CloseRecv(recv.Name))

	_, ok = r.Lookup(recv.Name)
	require.False(t, ok, "lookup(N) must return nil for any N this registry no longer owns")
	require.True(t, recv.Destroyed())
}

func TestCloseRecvUnownedFails(t *testing.T) {
	r := New()
	err := r.CloseRecv(rights.Name(999))
	require.ErrorIs(t, err, rights.ErrPortDestroyed)
}

func TestGrowsPastInitialCapacity(t *testing.T) {
	r := New()
	var names []rights.Name
	for i := 0; i < initialCapacity*3; i++ {
		recv, err := r.AllocateRecv(i)
		require.NoError(t, err)
		names = append(names, recv.Name)
	}

	// Every allocated name must still resolve to its distinct owner —
	// the invariant "∀ port names N in the Rights Registry: lookup(N)
	// != null" from spec.md §8, exercised across a growth boundary.
	seen := make(map[rights.Name]bool)
	for i, name := range names {
		require.False(t, seen[name], "name %d reused while still live", name)
		seen[name] = true
		owner, ok := r.Lookup(name)
		require.True(t, ok)
		require.Equal(t, i, owner)
	}
}

func TestFreedNamesAreReusedNotLeaked(t *testing.T) {
	r := New()
	recv, err := r.AllocateRecv("first")
	require.NoError(t, err)
	first := recv.Name
	require.NoError(t, r.CloseRecv(first))

	recv2, err := r.AllocateRecv("second")
	require.NoError(t, err)
	require.Equal(t, first, recv2.Name, "freed names should be recycled, matching kernel name reuse")

	owner, ok := r.Lookup(first)
	require.True(t, ok)
	require.Equal(t, "second", owner)
}

func TestSendRefCounting(t *testing.T) {
	r := New()
	recv, err := r.AllocateRecv("svc")
	require.NoError(t, err)

	send := rights.NewSend(recv.Name, recv) // starts with one reference
	r.InsertSend(send)                      // first sight of this name: tracked, no extra ref
	r.InsertSend(send)                      // second holder: bumps to two references

	require.False(t, r.ReleaseSend(send.Name))
	require.True(t, r.ReleaseSend(send.Name), "last reference drop must report true exactly once")

	_, ok := r.SendByName(send.Name)
	require.False(t, ok)
}
