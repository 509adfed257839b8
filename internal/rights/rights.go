// Package rights defines the vocabulary this daemon uses in place of
// literal Mach port rights. bootstrapd is a userspace simulation of a
// kernel-messaging facility (spec.md §1 excludes the literal kernel
// dispatcher); this package plays the role the kernel plays in the
// original, handing out opaque names and tracking the receive/send
// distinction and reference counts that the registry and job/service
// packages build on.
package rights

import "sync/atomic"

// Name is an opaque port name, the small integer the simulated kernel
// hands back on allocation. Name 0 is never issued and is used as the
// zero value meaning "no right."
type Name uint32

// Kind distinguishes a receive right, which has exactly one holder,
// from a send right, which is reference-counted.
type Kind int

const (
	KindRecv Kind = iota
	KindSend
)

// Recv models a receive right: a capability to receive messages sent
// to a given name. Exactly one in-process object owns a Recv at a
// time; ownership transfers (check-in, reclaim) rather than copies.
type Recv struct {
	Name Name

	// destroyed is set once the right has been released back to the
	// simulated kernel. Checked by Send before enqueueing, mirroring
	// the original's dead-name semantics.
	destroyed atomic.Bool

	// pending counts messages queued against this receive right that
	// have not yet been drained. The demand loop inspects this to
	// decide which port-set members have work (spec.md §4.5).
	pending atomic.Int64
}

// Destroy marks the receive right as gone. Subsequent Enqueue calls
// against it report ErrPortDestroyed; no notification is fired here.
func (r *Recv) Destroy() {
	if r == nil {
		return
	}
	r.destroyed.Store(true)
}

func (r *Recv) Destroyed() bool { return r != nil && r.destroyed.Load() }

// Pending reports the number of undelivered messages, used by the
// demand loop to pick which port-set members to dispatch (spec.md §4.5).
func (r *Recv) Pending() int64 {
	if r == nil {
		return 0
	}
	return r.pending.Load()
}

// Enqueue records that a message arrived for this receive right. It
// does not move any bytes — the daemon only needs to know "something
// is waiting," matching the original's deliberate zero-byte receive
// buffer on the demand port-set.
func (r *Recv) Enqueue() error {
	if r == nil || r.destroyed.Load() {
		return ErrPortDestroyed
	}
	r.pending.Add(1)
	return nil
}

// Drain consumes one pending message, returning false if none were
// waiting.
func (r *Recv) Drain() bool {
	if r == nil {
		return false
	}
	for {
		n := r.pending.Load()
		if n <= 0 {
			return false
		}
		if r.pending.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Send models a send right: a reference-counted capability to enqueue
// messages against a Recv. Multiple holders may share the same
// underlying target; the kernel (here, the registry) releases the
// Recv's notifications once the last Send drops.
type Send struct {
	Name   Name
	target *Recv
	refs   atomic.Int32
}

// NewSend creates a send right targeting recv with one reference.
func NewSend(name Name, recv *Recv) *Send {
	s := &Send{Name: name, target: recv}
	s.refs.Store(1)
	return s
}

// Ref increments the reference count, used when handing a copy of the
// right to another holder (the "CopySend" case in spec.md §4.4).
func (s *Send) Ref() {
	if s != nil {
		s.refs.Add(1)
	}
}

// Release drops one reference. It returns true exactly once, the time
// the last reference is dropped — the caller must fire the no-senders
// notification on that transition, not before.
func (s *Send) Release() bool {
	if s == nil {
		return false
	}
	return s.refs.Add(-1) == 0
}

// Enqueue sends a zero-payload notification to the target receive
// right. Returns ErrPortDestroyed if the target is gone (the
// dead-name case).
func (s *Send) Enqueue() error {
	if s == nil {
		return ErrPortDestroyed
	}
	return s.target.Enqueue()
}
