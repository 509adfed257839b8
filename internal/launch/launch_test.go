package launch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootstrapd/internal/demand"
	"bootstrapd/internal/job"
	"bootstrapd/internal/registry"
)

func TestLaunchRejectsServerlessJob(t *testing.T) {
	reg := registry.New()
	disp := demand.New()
	root, err := job.NewRoot(reg, disp, disp, nil)
	require.NoError(t, err)

	l := NewOSLauncher()
	err = l.Launch(root)
	assert.Error(t, err, "root has no ServerSpec, nothing to exec")
}

// TestLaunchOnDemandResolvesExited drives the real on-demand path end
// to end: declaring a service on a server Job, delivering a message to
// its receive right the way a transport would, and observing the
// resulting /bin/true process run to completion through Job.Exited()
// (spec.md §4.3's on-demand trigger).
func TestLaunchOnDemandResolvesExited(t *testing.T) {
	reg := registry.New()
	disp := demand.New()
	reg.OnLastSendDropped(disp.FireNoSenders)
	root, err := job.NewRoot(reg, disp, disp, nil)
	require.NoError(t, err)

	l := NewOSLauncher()
	server, err := root.CreateServer(job.ServerSpec{
		Cmd:      []string{"/bin/true"},
		OnDemand: true,
	}, l)
	require.NoError(t, err)

	rec, err := server.DeclareService("ondemand")
	require.NoError(t, err)
	name, ok := rec.SendName()
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	disp.NotifyDeliver(name)
	<-disp.Resume()

	exited := server.Exited()
	require.NotNil(t, exited, "tryLaunch arms the exit future once the process is started")

	_, err, ok = exited.AwaitTimeout(5 * time.Second)
	require.True(t, ok, "/bin/true should exit well within the timeout")
	assert.NoError(t, err)
}

// TestLaunchThrottlesRapidRelaunch confirms a second on-demand trigger
// within MinRelaunchInterval is dropped rather than spawning another
// process (spec.md §4.3's "a server isn't launched twice
// concurrently", SPEC_FULL.md's relaunch-throttling supplement).
func TestLaunchThrottlesRapidRelaunch(t *testing.T) {
	reg := registry.New()
	disp := demand.New()
	reg.OnLastSendDropped(disp.FireNoSenders)
	root, err := job.NewRoot(reg, disp, disp, nil)
	require.NoError(t, err)

	l := NewOSLauncher()
	server, err := root.CreateServer(job.ServerSpec{
		Cmd:                 []string{"/bin/sleep", "0.2"},
		OnDemand:            true,
		MinRelaunchInterval: time.Minute,
	}, l)
	require.NoError(t, err)

	rec, err := server.DeclareService("slow")
	require.NoError(t, err)
	name, ok := rec.SendName()
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	disp.NotifyDeliver(name)
	<-disp.Resume()
	first := server.Exited()
	require.NotNil(t, first)

	// A second message arriving immediately, while the first process is
	// still running and well inside MinRelaunchInterval, must not arm a
	// new exit future.
	disp.NotifyDeliver(name)
	<-disp.Resume()
	assert.Same(t, first, server.Exited(), "throttled relaunch leaves the armed future untouched")
}
