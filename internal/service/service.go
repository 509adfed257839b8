// Package service implements the Service Record (spec.md §4.2): the
// per-name entity bound to a Job, its state machine, and the
// algorithms that drive check-in, reclaim, and on-demand triggering.
package service

import (
	"log/slog"

	"github.com/google/uuid"

	"bootstrapd/internal/registry"
	"bootstrapd/internal/rights"
	"bootstrapd/internal/wire"
)

// State is a Service Record's position in the state machine spec.md
// §3 defines: Declared -> Active -> Declared (reclaim) -> ... ->
// Deleted.
type State int

const (
	Declared State = iota
	Active
	Reclaimed
	Deleted
)

func (s State) String() string {
	switch s {
	case Declared:
		return "declared"
	case Active:
		return "active"
	case Reclaimed:
		return "reclaimed"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// JobRef is the minimal view of an owning Job a Service Record needs;
// kept narrow so this package does not import internal/job (which
// imports this package for its Services map) and create a cycle.
type JobRef interface {
	// ID uniquely identifies the owning Job for equality checks
	// ("caller_job = owning_job" in the check-in algorithm).
	ID() uuid.UUID
}

// WatchSet is the demand loop's port-set, as seen by a Service Record
// (spec.md §4.2 `watch()`/`ignore()`).
type WatchSet interface {
	Watch(recv *rights.Recv, onPending func())
	Ignore(recv *rights.Recv)
}

// Record is a Service Record (spec.md §3).
type Record struct {
	ID      uuid.UUID
	Name    string
	Job     JobRef
	Dynamic bool // created by `register`, vs. declaratively by create_service / server config

	state State
	recv  *rights.Recv // held while Declared/Reclaimed; nil while Active (checked out)
	send  *rights.Send // the registry-tracked send right clients resolve via look_up

	// tombstone marks a dynamically-registered record with a null send
	// right; it shadows an ancestor's record of the same name without
	// itself resolving to anything (spec.md §3, §4.2).
	tombstone bool

	registry *registry.Registry
	watches  WatchSet
	log      *slog.Logger

	// OnDemandTrigger and NoSendersHook are set once by internal/job
	// at record-creation time; they are plain fields (not constructor
	// parameters) because job.Job must exist before it can close over
	// itself to build them, and Record must exist before Job can wire
	// them in.
	OnDemandTrigger func()
	NoSendersHook   func()
}

// New creates a Declared Service Record, allocating its receive right
// from reg and registering it in the demand loop's watch set.
func New(name string, job JobRef, dynamic bool, reg *registry.Registry, watches WatchSet) (*Record, error) {
	rec := &Record{
		ID:       uuid.New(),
		Name:     name,
		Job:      job,
		Dynamic:  dynamic,
		state:    Declared,
		registry: reg,
		watches:  watches,
		log:      slog.Default().With("component", "service", "name", name),
	}

	recv, err := reg.AllocateRecv(rec)
	if err != nil {
		return nil, wire.NoMemory.Err()
	}
	rec.recv = recv

	send := rights.NewSend(recv.Name, recv)
	reg.InsertSend(send)
	rec.send = send

	rec.watch()
	return rec, nil
}

// NewTombstone creates a record that shadows an ancestor's same-named
// service without being independently resolvable (spec.md §3's
// "dynamically-registered records with a null send right").
func NewTombstone(name string, job JobRef) *Record {
	return &Record{
		ID:        uuid.New(),
		Name:      name,
		Job:       job,
		Dynamic:   true,
		state:     Declared,
		tombstone: true,
		log:       slog.Default().With("component", "service", "name", name, "tombstone", true),
	}
}

// NewExternal creates a dynamically-registered record whose send
// right was supplied directly by the caller (`register(name, port)`
// for a name already backed by a send right elsewhere). It owns no
// receive right of its own, so it can never be checked in or
// reclaimed — look_up simply hands out references to the right it
// was given.
func NewExternal(name string, job JobRef, send *rights.Send, reg *registry.Registry) *Record {
	reg.InsertSend(send)
	return &Record{
		ID:       uuid.New(),
		Name:     name,
		Job:      job,
		Dynamic:  true,
		state:    Declared,
		send:     send,
		registry: reg,
		log:      slog.Default().With("component", "service", "name", name, "external", true),
	}
}

func (r *Record) State() State       { return r.state }
func (r *Record) IsTombstone() bool  { return r.tombstone }
func (r *Record) SendName() (rights.Name, bool) {
	if r.tombstone || r.send == nil {
		return 0, false
	}
	return r.send.Name, true
}

// Status reports the tri-state value `status` returns (spec.md §6).
func (r *Record) Status(onDemand bool) wire.BootstrapStatus {
	switch r.state {
	case Active:
		return wire.Active
	default:
		if onDemand {
			return wire.OnDemand
		}
		return wire.Inactive
	}
}

// CheckIn implements spec.md §4.2's check-in algorithm: verify
// Declared and ownership, transfer the receive right to the caller,
// and arm a no-senders notification on it.
func (r *Record) CheckIn(callerJob JobRef, notifier Notifier) (*rights.Recv, error) {
	if r.tombstone || r.state == Deleted {
		return nil, wire.UnknownService.Err()
	}
	if callerJob == nil || callerJob.ID() != r.Job.ID() {
		return nil, wire.NotPrivileged.Err()
	}
	if r.state == Active {
		return nil, wire.ServiceActive.Err()
	}
	if r.recv == nil {
		// An externally-registered record (register(name, port)) owns
		// no receive right of its own and so can never be checked in.
		return nil, wire.ServiceActive.Err()
	}

	recv := r.recv
	r.recv = nil
	r.state = Active
	notifier.WatchNoSenders(recv.Name, func() { r.onNoSenders() })
	r.watches.Ignore(recv)
	r.log.Debug("checked in", "port", recv.Name)
	return recv, nil
}

// Reclaim implements spec.md §4.2's reclaim algorithm: the kernel
// returned the checked-out receive right because the server dropped
// it. If a fresh receive right cannot be created (the owning Job is
// already gone), the record is deleted instead.
func (r *Record) Reclaim() {
	if r.state != Active {
		return
	}
	if r.registry == nil {
		r.Delete()
		return
	}
	recv, err := r.registry.AllocateRecv(r)
	if err != nil {
		r.Delete()
		return
	}
	r.recv = recv
	r.state = Declared

	send := rights.NewSend(recv.Name, recv)
	r.registry.InsertSend(send)
	r.send = send

	r.watch()
	r.log.Debug("reclaimed", "port", recv.Name)
}

// Delete removes the record and releases its rights (spec.md §3's
// "any -> Deleted" transitions).
func (r *Record) Delete() {
	if r.state == Deleted {
		return
	}
	// Marked first so the no-senders notification that releasing the
	// send right below can fire does not reclaim this record.
	r.state = Deleted
	if r.recv != nil {
		r.watches.Ignore(r.recv)
		if r.registry != nil {
			_ = r.registry.CloseRecv(r.recv.Name)
		}
		r.recv = nil
	}
	if r.send != nil && r.registry != nil {
		r.registry.ReleaseSend(r.send.Name)
		r.send = nil
	}
	r.log.Debug("deleted")
}

// watch registers the record's receive right with the demand loop so
// an incoming message while Declared triggers the on-demand path
// (spec.md §4.2).
func (r *Record) watch() {
	if r.watches == nil || r.recv == nil {
		return
	}
	r.watches.Watch(r.recv, func() { r.onPending() })
}

// onPending is the demand loop's callback when a message arrives on
// this record's receive right while it is Declared. The message stays
// queued in the kernel; this only decides whether to trigger a
// relaunch, which the caller (internal/job, via OnDemandTrigger) does.
func (r *Record) onPending() {
	if r.state != Declared {
		return
	}
	if r.OnDemandTrigger != nil {
		r.OnDemandTrigger()
	}
}

func (r *Record) onNoSenders() {
	r.log.Debug("no senders")
	if r.NoSendersHook != nil {
		r.NoSendersHook()
	}
}
