// Package demand implements the Demand Loop & Notification Dispatcher
// (spec.md §4.5): the auxiliary goroutine that watches a set of
// Declared receive rights for incoming messages and wakes the main
// daemon loop when one has work, plus the dead-name/no-senders
// notification bookkeeping spec.md §4.5's table describes.
//
// The teacher's kernel runs each actor on its own goroutine selecting
// over ctx.Done()/inbox (kernel.go's runActor); bootstrapd inverts
// that shape because its "actors" are themselves enqueue-only receive
// rights with nothing to execute, and the single main loop owns all
// Job/Service mutation (spec.md §5). What carries over is the
// select-driven event loop idiom itself.
package demand

import (
	"context"
	"log/slog"
	"sync"

	"bootstrapd/internal/rights"
)

// NotificationKind distinguishes the three notification shapes the
// demand loop can deliver (spec.md §4.5's table), plus the two
// cases the table marks "ignored" and which this package therefore
// never emits: send-once and port-deleted.
type NotificationKind int

const (
	NotificationDeadName NotificationKind = iota
	NotificationNoSenders
	NotificationPortDestroyed
)

// Notification is a single event delivered on the dispatcher's
// mailbox channel (spec.md §4.5, §5's "single per-daemon mailbox").
type Notification struct {
	Kind NotificationKind
	Name rights.Name
}

type watch struct {
	recv *rights.Recv
	fn   func()
}

// Dispatcher is the demand loop's port-set and notification registry.
// It implements service.WatchSet and service.Notifier without
// importing internal/service, which would cycle back here; both
// interfaces are satisfied structurally.
type Dispatcher struct {
	mu sync.Mutex

	watched    map[rights.Name]*watch
	noSenders  map[rights.Name]func()
	deadName   map[rights.Name]func()

	wake   chan struct{}
	resume chan struct{}

	mailbox chan Notification
	log     *slog.Logger

	// onWake and onNotify report to internal/metrics without this
	// package importing it, the same hook style internal/registry uses
	// for OnLastSendDropped.
	onWake   func()
	onNotify func(kind NotificationKind)
}

// OnWake registers fn to be called each time the demand loop wakes for
// a pass (spec.md's demand_wakeups_total counter).
func (d *Dispatcher) OnWake(fn func()) {
	d.mu.Lock()
	d.onWake = fn
	d.mu.Unlock()
}

// OnNotify registers fn to be called every time a notification is
// enqueued on the mailbox (spec.md's notifications_total counter).
func (d *Dispatcher) OnNotify(fn func(kind NotificationKind)) {
	d.mu.Lock()
	d.onNotify = fn
	d.mu.Unlock()
}

// New creates a Dispatcher with its wake/resume handoff channels and
// notification mailbox ready to run.
func New() *Dispatcher {
	return &Dispatcher{
		watched:   make(map[rights.Name]*watch),
		noSenders: make(map[rights.Name]func()),
		deadName:  make(map[rights.Name]func()),
		wake:      make(chan struct{}, 1),
		resume:    make(chan struct{}),
		mailbox:   make(chan Notification, 64),
		log:       slog.Default().With("component", "demand"),
	}
}

// Watch adds recv to the demand port-set: the next message enqueued on
// it invokes onPending and wakes the main loop (spec.md §4.2, §4.5).
func (d *Dispatcher) Watch(recv *rights.Recv, onPending func()) {
	if recv == nil {
		return
	}
	d.mu.Lock()
	d.watched[recv.Name] = &watch{recv: recv, fn: onPending}
	d.mu.Unlock()
}

// Ignore removes recv from the demand port-set, used when a service is
// checked in (spec.md §4.2) or deleted.
func (d *Dispatcher) Ignore(recv *rights.Recv) {
	if recv == nil {
		return
	}
	d.mu.Lock()
	delete(d.watched, recv.Name)
	d.mu.Unlock()
}

// WatchNoSenders arms a one-shot no-senders notification, satisfying
// service.Notifier.
func (d *Dispatcher) WatchNoSenders(name rights.Name, fn func()) {
	d.mu.Lock()
	d.noSenders[name] = fn
	d.mu.Unlock()
}

// WatchDeadName arms a one-shot dead-name notification, satisfying
// service.Notifier (used by internal/job.Subset's requestor teardown).
func (d *Dispatcher) WatchDeadName(name rights.Name, fn func()) {
	d.mu.Lock()
	d.deadName[name] = fn
	d.mu.Unlock()
}

// NotifyDeliver records that a message arrived for name — for a
// transport to call once it accepts a message; no transport in this
// repo calls it (internal/rpcsurface does not), only tests do. If name
// is in the demand port-set and Declared, this wakes the loop (the
// two-byte-pipe analogue, spec.md §4.5 Design Note "Demand loop
// coordination").
func (d *Dispatcher) NotifyDeliver(name rights.Name) {
	d.mu.Lock()
	w, ok := d.watched[name]
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := w.recv.Enqueue(); err != nil {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
		// A wake is already pending; the loop will drain every pending
		// watch entry on its next pass, so coalescing is safe.
	}
}

// FireDeadName resolves name's dead-name watch, if any, and removes it
// (one-shot, spec.md §4.5).
func (d *Dispatcher) FireDeadName(name rights.Name) {
	d.mu.Lock()
	fn, ok := d.deadName[name]
	delete(d.deadName, name)
	d.mu.Unlock()
	if ok {
		d.enqueue(Notification{Kind: NotificationDeadName, Name: name})
		fn()
	}
}

// FireNoSenders resolves name's no-senders watch, if any, and removes
// it (one-shot, spec.md §4.5). internal/daemon installs it as
// internal/registry's OnLastSendDropped hook, so it runs the instant
// ReleaseSend drops a name's last reference.
func (d *Dispatcher) FireNoSenders(name rights.Name) {
	d.mu.Lock()
	fn, ok := d.noSenders[name]
	delete(d.noSenders, name)
	d.mu.Unlock()
	if ok {
		d.enqueue(Notification{Kind: NotificationNoSenders, Name: name})
		fn()
	}
}

// FirePortDestroyed records a receive right's destruction on the
// mailbox for observability; no watcher list exists for it because
// the teardown path that destroys a port already knows what to do
// next (spec.md §4.5's port-destroyed row is informational here).
func (d *Dispatcher) FirePortDestroyed(name rights.Name) {
	d.enqueue(Notification{Kind: NotificationPortDestroyed, Name: name})
}

func (d *Dispatcher) enqueue(n Notification) {
	select {
	case d.mailbox <- n:
	default:
		d.log.Warn("notification mailbox full, dropping", "kind", n.Kind, "name", n.Name)
	}
	d.mu.Lock()
	onNotify := d.onNotify
	d.mu.Unlock()
	if onNotify != nil {
		onNotify(n.Kind)
	}
}

// Mailbox exposes the notification channel for /metrics and tests.
func (d *Dispatcher) Mailbox() <-chan Notification { return d.mailbox }

// Run is the demand loop's goroutine body (spec.md §4.5, §5): block on
// wake, drain every watched port with pending work, then block on
// resume before accepting the next wake so the main loop's processing
// of this pass's work finishes before the next one is signaled. Exits
// when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}

		d.mu.Lock()
		onWake := d.onWake
		d.mu.Unlock()
		if onWake != nil {
			onWake()
		}

		d.mu.Lock()
		var ready []*watch
		for _, w := range d.watched {
			if w.recv.Pending() > 0 {
				ready = append(ready, w)
			}
		}
		d.mu.Unlock()

		for _, w := range ready {
			for w.recv.Drain() {
				w.fn()
			}
		}

		select {
		case d.resume <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}

// Resume returns the channel the main loop reads from to know the
// demand loop has finished a pass and is ready for the next wake
// (spec.md §4.5's wake/resume handoff, the channel-based analogue of
// the two-byte pipe pair).
func (d *Dispatcher) Resume() <-chan struct{} { return d.resume }
