package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootstrapd/internal/demand"
	"bootstrapd/internal/registry"
	"bootstrapd/internal/rights"
	"bootstrapd/internal/wire"
)

func newTestRoot(t *testing.T) (*Job, *registry.Registry, *demand.Dispatcher) {
	t.Helper()
	reg := registry.New()
	disp := demand.New()
	reg.OnLastSendDropped(func(name rights.Name) {
		disp.FireNoSenders(name)
		disp.FireDeadName(name)
	})
	root, err := NewRoot(reg, disp, disp, nil)
	require.NoError(t, err)
	return root, reg, disp
}

func TestDeclareCheckInRejectsSecondCheckIn(t *testing.T) {
	root, _, _ := newTestRoot(t)

	rec, err := root.DeclareService("svc")
	require.NoError(t, err)
	assert.Equal(t, "svc", rec.Name)

	recv, err := root.Checkin(rec)
	require.NoError(t, err)
	assert.NotZero(t, recv.Name)

	// Checking in again fails: the service is now Active.
	_, err = root.Checkin(rec)
	assert.ErrorIs(t, err, wire.ServiceActive.Err())
}

func TestDeclareServiceNameInUse(t *testing.T) {
	root, _, _ := newTestRoot(t)
	_, err := root.DeclareService("svc")
	require.NoError(t, err)

	_, err = root.DeclareService("svc")
	assert.ErrorIs(t, err, wire.NameInUse.Err())
}

func TestSubsetIsolationAndTeardown(t *testing.T) {
	root, reg, _ := newTestRoot(t)

	_, err := registerSend(t, root, reg, "x")
	require.NoError(t, err)

	requestorRec, err := root.DeclareService("requestor")
	require.NoError(t, err)
	requestorSend, ok := requestorRec.SendName()
	require.True(t, ok)
	requestorRight, ok := reg.SendByName(requestorSend)
	require.True(t, ok)

	sb, err := root.Subset(requestorRight)
	require.NoError(t, err)

	_, err = registerSend(t, sb, reg, "x")
	require.NoError(t, err)

	result := sb.LookupService("x", true)
	require.NotNil(t, result.Record)
	nameInSubset, _ := result.Record.SendName()

	rootResult := root.LookupService("x", true)
	require.NotNil(t, rootResult.Record)
	nameInRoot, _ := rootResult.Record.SendName()

	assert.NotEqual(t, nameInSubset, nameInRoot)

	// Dropping the last reference on the requestor send right tears
	// down the subset (spec.md §8 scenario 3).
	reg.ReleaseSend(requestorSend)

	rootResultAfter := root.LookupService("x", true)
	require.NotNil(t, rootResultAfter.Record)
	nameAfter, _ := rootResultAfter.Record.SendName()
	assert.Equal(t, nameInRoot, nameAfter)
}

func TestTombstoneShadowsAncestor(t *testing.T) {
	root, reg, _ := newTestRoot(t)

	_, err := registerSend(t, root, reg, "y")
	require.NoError(t, err)

	requestorRec, err := root.DeclareService("requestor2")
	require.NoError(t, err)
	requestorSend, _ := requestorRec.SendName()
	requestorRight, _ := reg.SendByName(requestorSend)

	sb, err := root.Subset(requestorRight)
	require.NoError(t, err)

	_, err = sb.Register("y", nil)
	require.NoError(t, err)

	result := sb.LookupService("y", true)
	assert.True(t, result.Shadowed)
	assert.Nil(t, result.Record)

	rootResult := root.LookupService("y", true)
	require.NotNil(t, rootResult.Record)
}

func TestSubsetDepthLimit(t *testing.T) {
	root, reg, _ := newTestRoot(t)
	cur := root
	for i := 0; i < MaxSubsetDepth; i++ {
		rec, err := cur.DeclareService("anchor")
		require.NoError(t, err)
		name, _ := rec.SendName()
		send, _ := reg.SendByName(name)
		next, err := cur.Subset(send)
		require.NoError(t, err)
		cur = next
	}

	rec, err := cur.DeclareService("anchor")
	require.NoError(t, err)
	name, _ := rec.SendName()
	send, _ := reg.SendByName(name)
	_, err = cur.Subset(send)
	assert.ErrorIs(t, err, wire.NoMemory.Err())
}

func TestOnDemandTriggerDoesNotDoubleLaunch(t *testing.T) {
	root, _, _ := newTestRoot(t)
	fake := &fakeLauncher{}

	server, err := root.CreateServer(ServerSpec{Cmd: []string{"/bin/true"}, OnDemand: true, MinRelaunchInterval: time.Hour}, fake)
	require.NoError(t, err)

	rec, err := server.DeclareService("ondemand")
	require.NoError(t, err)

	rec.OnDemandTrigger()
	rec.OnDemandTrigger()
	assert.Equal(t, 1, fake.calls, "a second message while the server is still marked running must not relaunch it")

	server.MarkExited()
	rec.OnDemandTrigger()
	assert.Equal(t, 1, fake.calls, "relaunch within MinRelaunchInterval of the last launch must be throttled")
}

type fakeLauncher struct{ calls int }

func (f *fakeLauncher) Launch(j *Job) error {
	f.calls++
	return nil
}

func registerSend(t *testing.T, j *Job, reg *registry.Registry, name string) (uint32, error) {
	t.Helper()
	rec, err := j.DeclareService(name + "#backing")
	if err != nil {
		return 0, err
	}
	sendName, ok := rec.SendName()
	if !ok {
		t.Fatal("expected a send name")
	}
	send, ok := reg.SendByName(sendName)
	if !ok {
		t.Fatal("expected a registered send right")
	}
	if _, err := j.Register(name, send); err != nil {
		return 0, err
	}
	return uint32(sendName), nil
}
