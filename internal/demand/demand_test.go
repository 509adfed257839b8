package demand

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootstrapd/internal/rights"
)

func TestWatchWakesOnDeliver(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	recv := &rights.Recv{Name: 1}
	fired := make(chan struct{}, 1)
	d.Watch(recv, func() { fired <- struct{}{} })

	d.NotifyDeliver(1)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("onPending was never invoked")
	}

	select {
	case <-d.Resume():
	case <-time.After(time.Second):
		t.Fatal("loop never signaled resume after draining")
	}
}

func TestIgnoreStopsFutureWakes(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	recv := &rights.Recv{Name: 2}
	calls := 0
	d.Watch(recv, func() { calls++ })
	d.Ignore(recv)

	d.NotifyDeliver(2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, calls)
}

func TestFireNoSendersIsOneShot(t *testing.T) {
	d := New()
	fired := 0
	d.WatchNoSenders(5, func() { fired++ })

	d.FireNoSenders(5)
	d.FireNoSenders(5)

	assert.Equal(t, 1, fired)
}

func TestFireDeadNameIsOneShot(t *testing.T) {
	d := New()
	fired := 0
	d.WatchDeadName(7, func() { fired++ })

	d.FireDeadName(7)
	d.FireDeadName(7)

	assert.Equal(t, 1, fired)
}

func TestMailboxRecordsNotifications(t *testing.T) {
	d := New()
	d.WatchNoSenders(9, func() {})
	d.FireNoSenders(9)

	select {
	case n := <-d.Mailbox():
		require.Equal(t, NotificationNoSenders, n.Kind)
		require.Equal(t, rights.Name(9), n.Name)
	default:
		t.Fatal("expected a queued notification")
	}
}
