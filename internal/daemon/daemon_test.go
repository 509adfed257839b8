package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootstrapd/internal/config"
	"bootstrapd/internal/wire"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := config.Defaults()
	cfg.MetricsAddr = ""
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func TestDaemonJobCountTracksCreateAndDestroySubset(t *testing.T) {
	d := newTestDaemon(t)
	assert.Equal(t, 1, d.JobCount(), "root job counts as one")

	root := d.Root()
	port, status := d.Surface().CreateService(root.PrivilegedName(), wire.CreateServiceRequest{Name: "requestor"})
	require.Equal(t, wire.Success, status)

	requestorSend, ok := d.reg.SendByName(port)
	require.True(t, ok)

	subsetPort, status := d.Surface().Subset(root.PrivilegedName(), wire.SubsetRequest{RequestorName: uint32(requestorSend.Name)})
	require.Equal(t, wire.Success, status)
	assert.Equal(t, 2, d.JobCount())
	assert.NotZero(t, subsetPort)

	d.reg.ReleaseSend(requestorSend.Name)
	assert.Equal(t, 1, d.JobCount(), "dropping the requestor's last send right tears the subset down")
}

func TestDaemonDeclareCheckInLookUpRoundTrip(t *testing.T) {
	d := newTestDaemon(t)
	root := d.Root()

	servicePort, status := d.Surface().CreateService(root.PrivilegedName(), wire.CreateServiceRequest{Name: "widget"})
	require.Equal(t, wire.Success, status)

	recvPort, status := d.Surface().CheckIn(root.PrivilegedName(), wire.CheckInRequest{Name: "widget"})
	require.Equal(t, wire.Success, status)
	assert.NotZero(t, recvPort)

	lookedUp, msgType, forward, status := d.Surface().LookUp(root.PrivilegedName(), wire.LookUpRequest{Name: "widget"})
	require.Equal(t, wire.Success, status)
	assert.False(t, forward)
	assert.Equal(t, wire.MakeSend, msgType)
	assert.Equal(t, servicePort, lookedUp)
}

func TestDaemonLookUpForwardsToUpstream(t *testing.T) {
	downstream := newTestDaemon(t)
	upstream := newTestDaemon(t)
	downstream.SetUpstream(upstream)

	upstreamPort, status := upstream.Surface().CreateService(upstream.Root().PrivilegedName(), wire.CreateServiceRequest{Name: "z"})
	require.Equal(t, wire.Success, status)

	name, msgType, status := downstream.LookUp(downstream.Root().PrivilegedName(), wire.LookUpRequest{Name: "z"})
	require.Equal(t, wire.Success, status, "spec.md §8 scenario 5: forwards to upstream and succeeds")
	assert.Equal(t, wire.CopySend, msgType)
	assert.Equal(t, upstreamPort, name)
}

func TestDaemonLookUpWithoutUpstreamStaysUnknown(t *testing.T) {
	d := newTestDaemon(t)
	_, msgType, status := d.LookUp(d.Root().PrivilegedName(), wire.LookUpRequest{Name: "nope"})
	assert.Equal(t, wire.UnknownService, status)
	assert.Equal(t, wire.MakeSend, msgType)
}

func TestDaemonRegisterTombstoneShadowsLookup(t *testing.T) {
	d := newTestDaemon(t)
	root := d.Root()

	status := d.Surface().Register(root.PrivilegedName(), wire.RegisterRequest{Name: "gone"})
	require.Equal(t, wire.Success, status)

	_, _, _, status = d.Surface().LookUp(root.PrivilegedName(), wire.LookUpRequest{Name: "gone"})
	assert.Equal(t, wire.UnknownService, status)
}

func TestDaemonUnprivilegedPortCannotCreateService(t *testing.T) {
	d := newTestDaemon(t)
	root := d.Root()

	unprivPort, status := d.Surface().Unprivileged(root.PrivilegedName())
	require.Equal(t, wire.Success, status)

	_, status = d.Surface().CreateService(unprivPort, wire.CreateServiceRequest{Name: "svc"})
	assert.Equal(t, wire.NotPrivileged, status)
}

func TestDaemonCreateServerLaunchesOnDemand(t *testing.T) {
	d := newTestDaemon(t)
	root := d.Root()

	serverPort, status := d.Surface().CreateServer(root.PrivilegedName(), wire.Trailer{UID: 0}, wire.CreateServerRequest{
		Cmd:      []string{"/bin/true"},
		UID:      0,
		OnDemand: true,
	})
	require.Equal(t, wire.Success, status)
	assert.NotZero(t, serverPort)

	_, status = d.Surface().CreateService(serverPort, wire.CreateServiceRequest{Name: "ondemand"})
	require.Equal(t, wire.Success, status)

	bs, status := d.Surface().Status(serverPort, wire.StatusRequest{Name: "ondemand"})
	require.Equal(t, wire.Success, status)
	assert.Equal(t, wire.OnDemand, bs)
}
