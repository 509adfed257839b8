// Package registry implements the Rights Registry (spec.md §4.1): the
// bookkeeping for kernel-managed communication capabilities and the
// index from an opaque port name to the in-process object that owns
// it.
//
// The index is a flat, contiguous slice indexed directly by the low
// bits of the port name, grown geometrically — not a map — because
// the dispatcher (internal/demand, internal/rpcsurface) runs a lookup
// on every inbound message and the spec is explicit that this must be
// branchless-fast (spec.md §4.1, Design Notes "Port name → object
// index"). This mirrors the shape of the teacher's own
// kernel.Kernel.Actors bookkeeping while swapping its map for the
// array the spec calls for.
package registry

import (
	"log/slog"
	"sync"

	"bootstrapd/internal/rights"
)

// Owner is the in-process object a port name resolves to: a Job, a
// Service Record, or the daemon's notification sink. Concrete owners
// implement whatever interface the caller needs; the registry itself
// only stores and returns the value.
type Owner any

type slot struct {
	occupied bool
	owner    Owner
	recv     *rights.Recv
}

// Registry is safe for concurrent use, though spec.md §5 only expects
// it to be touched from the daemon's single main goroutine; the lock
// exists to make that invariant cheap to enforce rather than to
// support genuine concurrent writers.
type Registry struct {
	mu    sync.Mutex
	slots []slot
	free  []rights.Name
	next  rights.Name
	sends map[rights.Name]*rights.Send
	log   *slog.Logger

	// onLastSendDropped, if set, is invoked (outside the lock) whenever
	// ReleaseSend observes the final reference on a name drop — the
	// hook internal/daemon wires to demand.Dispatcher.FireNoSenders and
	// FireDeadName so those notifications fire regardless of which
	// caller happened to drop the last reference.
	onLastSendDropped func(rights.Name)
}

const initialCapacity = 64

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		slots: make([]slot, initialCapacity),
		sends: make(map[rights.Name]*rights.Send),
		next:  1, // name 0 is reserved for "no right"
		log:   slog.Default().With("component", "registry"),
	}
}

// OnLastSendDropped installs the no-senders callback described above.
// Called once by internal/daemon during wiring.
func (r *Registry) OnLastSendDropped(fn func(rights.Name)) {
	r.mu.Lock()
	r.onLastSendDropped = fn
	r.mu.Unlock()
}

// AllocateRecv requests a fresh receive right from the simulated
// kernel and binds it to owner. Fails with ErrNoMemory only if growth
// itself fails, which in this pure-Go simulation only happens if the
// caller's own bookkeeping is corrupt (name space exhausted at
// 2^32 entries) — included so the error path spec.md §4.1 describes
// has somewhere to go.
func (r *Registry) AllocateRecv(owner Owner) (*rights.Recv, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, err := r.reserveName()
	if err != nil {
		return nil, err
	}

	recv := &rights.Recv{Name: name}
	idx := r.index(name)
	r.slots[idx] = slot{occupied: true, owner: owner, recv: recv}
	r.log.Debug("allocated receive right", "name", name)
	return recv, nil
}

// CloseRecv unbinds and releases a receive right previously allocated
// by this registry. Fails if name was never owned here — an
// invariant violation in the caller (spec.md §7 class 3).
func (r *Registry) CloseRecv(name rights.Name) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.index(name)
	if idx < 0 || idx >= len(r.slots) || !r.slots[idx].occupied || r.slots[idx].recv.Name != name {
		return rights.ErrPortDestroyed
	}
	r.slots[idx].recv.Destroy()
	r.slots[idx] = slot{}
	r.free = append(r.free, name)
	r.log.Debug("closed receive right", "name", name)
	return nil
}

// Lookup resolves name to its owning object, used by the dispatcher to
// route each inbound message before any handler-level logic runs.
func (r *Registry) Lookup(name rights.Name) (Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.index(name)
	if idx < 0 || idx >= len(r.slots) || !r.slots[idx].occupied || r.slots[idx].recv.Name != name {
		return nil, false
	}
	return r.slots[idx].owner, true
}

// RecvByName returns the underlying receive right for name, used by
// the demand loop to build its watched port-set.
func (r *Registry) RecvByName(name rights.Name) (*rights.Recv, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.index(name)
	if idx < 0 || idx >= len(r.slots) || !r.slots[idx].occupied || r.slots[idx].recv.Name != name {
		return nil, false
	}
	return r.slots[idx].recv, true
}

// InsertSend records that the daemon now holds (or holds another
// reference to) a send right, incrementing its reference count.
func (r *Registry) InsertSend(send *rights.Send) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sends[send.Name]; ok && existing == send {
		existing.Ref()
		return
	}
	r.sends[send.Name] = send
}

// ReleaseSend decrements the reference we hold on a send right,
// removing it from the index when the last reference drops. On that
// transition it invokes the OnLastSendDropped hook, if one is set.
func (r *Registry) ReleaseSend(name rights.Name) (lastRef bool) {
	r.mu.Lock()
	send, ok := r.sends[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	lastRef = send.Release()
	if lastRef {
		delete(r.sends, name)
	}
	hook := r.onLastSendDropped
	r.mu.Unlock()

	if lastRef && hook != nil {
		hook(name)
	}
	return lastRef
}

// SendByName returns the send right the registry currently tracks for
// name, if any.
func (r *Registry) SendByName(name rights.Name) (*rights.Send, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sends[name]
	return s, ok
}

// reserveName issues the next available name, reusing a freed slot
// when one exists and growing the backing slice geometrically
// otherwise. Caller holds r.mu.
func (r *Registry) reserveName() (rights.Name, error) {
	if n := len(r.free); n > 0 {
		name := r.free[n-1]
		r.free = r.free[:n-1]
		return name, nil
	}

	name := r.next
	if name == 0 {
		return 0, rights.ErrNoMemory // wrapped past the 32-bit name space
	}
	r.next++

	for int(name) >= len(r.slots) {
		grown := make([]slot, len(r.slots)*2)
		copy(grown, r.slots)
		r.slots = grown
	}
	return name, nil
}

// index maps a port name to its slot. Names are issued sequentially
// starting at 1, so the low bits are simply the name itself modulo
// the current table size; this is the "array indexed by the low bits
// of the port name" scheme spec.md §4.1 and the Design Notes require.
func (r *Registry) index(name rights.Name) int {
	if len(r.slots) == 0 {
		return -1
	}
	return int(name) & (len(r.slots) - 1)
}

// Len reports how many receive rights are currently registered,
// exposed for /metrics (internal/metrics).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s.occupied {
			n++
		}
	}
	return n
}
