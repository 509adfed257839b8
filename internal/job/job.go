// Package job implements the Bootstrap Context (spec.md §3, §4.3):
// the tree of namespaces, each owning zero or more Service Records,
// with parent/child links, subset/requestor teardown, and on-demand
// server association.
package job

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bootstrapd/internal/registry"
	"bootstrapd/internal/rights"
	"bootstrapd/internal/service"
	"bootstrapd/internal/util/future"
	"bootstrapd/internal/wire"
)

// MaxSubsetDepth bounds subset chain depth (spec.md §4.3, §8).
const MaxSubsetDepth = 100

// DefaultMinRelaunchInterval throttles on-demand relaunch of a
// crashing server (SPEC_FULL.md "Server restart throttling",
// recovered from original_source/launchd/src/bootstrap_public.h's
// references to launch throttling).
const DefaultMinRelaunchInterval = time.Second

// ServerSpec describes a server Job's associated process (spec.md
// §3's "optional server spec").
type ServerSpec struct {
	Cmd      []string
	UID      uint32
	OnDemand bool

	MinRelaunchInterval time.Duration

	lastLaunch time.Time
	running    bool

	// exited completes the moment the currently running process exits;
	// re-armed on every launch. Tests and internal/launch use it to
	// observe process exit without polling.
	exited       *future.Future[struct{}]
	resolveExit  func(struct{}, error)
}

// Launcher runs a server Job's command line. The default
// implementation (internal/launch) uses os/exec; tests use a fake.
type Launcher interface {
	Launch(j *Job) error
}

// Job is a Bootstrap Context (spec.md §3).
type Job struct {
	id   uuid.UUID
	name string

	parent   *Job
	children map[*Job]struct{}
	services map[string]*service.Record
	depth    int

	server *ServerSpec

	// requestor is the weak reference whose death tears this Job down
	// (subsets only). Nil for root and server Jobs.
	requestor     *rights.Send
	requestorName rights.Name

	privilegedRecv   *rights.Recv
	unprivilegedRecv *rights.Recv
	unprivilegedSend *rights.Send

	pendingWork int64 // incremented by checkin(), decremented by ack_no_senders()

	reg       *registry.Registry
	watches   service.WatchSet
	notifier  service.Notifier
	launcher  Launcher
	lifecycle Lifecycle
	log       *slog.Logger
}

// ID uniquely identifies this Job; satisfies service.JobRef.
func (j *Job) ID() uuid.UUID { return j.id }

func (j *Job) Name() string     { return j.name }
func (j *Job) Parent() *Job     { return j.parent }
func (j *Job) Depth() int       { return j.depth }
func (j *Job) Server() *ServerSpec { return j.server }

// PrivilegedName is the port name callers use as their bootstrapport
// for operations scoped to this context.
func (j *Job) PrivilegedName() rights.Name {
	if j.privilegedRecv == nil {
		return 0
	}
	return j.privilegedRecv.Name
}

// UnprivilegedName is the companion send right handed to untrusted
// children (spec.md §3).
func (j *Job) UnprivilegedName() rights.Name {
	if j.unprivilegedSend == nil {
		return 0
	}
	return j.unprivilegedSend.Name
}

// IsPrivilegedName reports whether name is this Job's privileged
// bootstrapport, as opposed to its unprivileged sibling — the
// distinction internal/rpcsurface uses to decide which RPCs a caller
// on that port may invoke (spec.md §4.4).
func (j *Job) IsPrivilegedName(name rights.Name) bool {
	return j.privilegedRecv != nil && j.privilegedRecv.Name == name
}

// Lifecycle lets internal/daemon track Job creation and destruction
// for /metrics without this package importing anything metrics-shaped.
type Lifecycle interface {
	Created(*Job)
	Destroyed(*Job)
}

type deps struct {
	reg       *registry.Registry
	watches   service.WatchSet
	notifier  service.Notifier
	lifecycle Lifecycle
}

func newBareJob(name string, parent *Job, d deps) (*Job, error) {
	j := &Job{
		id:        uuid.New(),
		name:      name,
		parent:    parent,
		children:  make(map[*Job]struct{}),
		services:  make(map[string]*service.Record),
		reg:       d.reg,
		watches:   d.watches,
		notifier:  d.notifier,
		lifecycle: d.lifecycle,
		log:       slog.Default().With("component", "job", "name", name),
	}

	recv, err := d.reg.AllocateRecv(j)
	if err != nil {
		return nil, wire.NoMemory.Err()
	}
	j.privilegedRecv = recv

	// The unprivileged port is a distinct name, also owned by this Job,
	// so the dispatcher can tell which privilege level a request
	// arrived on while still routing both to the same context (spec.md
	// §3's bootstrapport / bootstrap_port distinction).
	unprivRecv, err := d.reg.AllocateRecv(j)
	if err != nil {
		_ = d.reg.CloseRecv(recv.Name)
		return nil, wire.NoMemory.Err()
	}
	j.unprivilegedRecv = unprivRecv

	unpriv := rights.NewSend(unprivRecv.Name, unprivRecv)
	d.reg.InsertSend(unpriv)
	j.unprivilegedSend = unpriv

	if parent != nil {
		parent.children[j] = struct{}{}
		j.depth = parent.depth + 1
	}
	if d.lifecycle != nil {
		d.lifecycle.Created(j)
	}
	return j, nil
}

func (j *Job) childDeps() deps {
	return deps{reg: j.reg, watches: j.watches, notifier: j.notifier, lifecycle: j.lifecycle}
}

// NewRoot creates the daemon's root Job (spec.md §4.3's "daemon
// initialization").
func NewRoot(reg *registry.Registry, watches service.WatchSet, notifier service.Notifier, lifecycle Lifecycle) (*Job, error) {
	return newBareJob("root", nil, deps{reg: reg, watches: watches, notifier: notifier, lifecycle: lifecycle})
}

// CreateServer implements `create_server`: a new Job the daemon may
// launch, owned by the caller's context (spec.md §4.3, §4.4).
func (j *Job) CreateServer(spec ServerSpec, launcher Launcher) (*Job, error) {
	if spec.MinRelaunchInterval <= 0 {
		spec.MinRelaunchInterval = DefaultMinRelaunchInterval
	}
	child, err := newBareJob(fmt.Sprintf("server(%v)", spec.Cmd), j, j.childDeps())
	if err != nil {
		return nil, err
	}
	spec.lastLaunch = time.Time{}
	child.server = &spec
	child.launcher = launcher
	return child, nil
}

// Subset implements `subset`: a new anonymous context whose lifetime
// is tied to requestor (spec.md §4.3). Depth is bounded at
// MaxSubsetDepth to prevent pathological recursion.
func (j *Job) Subset(requestor *rights.Send) (*Job, error) {
	if j.depth+1 > MaxSubsetDepth {
		return nil, wire.NoMemory.Err()
	}
	child, err := newBareJob(j.name+"/subset", j, j.childDeps())
	if err != nil {
		return nil, err
	}
	child.requestor = requestor
	child.requestorName = requestor.Name

	if j.notifier != nil {
		j.notifier.WatchDeadName(requestor.Name, func() { child.onRequestorDead() })
	}
	return child, nil
}

func (j *Job) onRequestorDead() {
	j.log.Debug("requestor died, tearing down subset")
	j.Destroy()
}

// Unprivileged implements `unprivileged`: on a privileged port it
// returns the unprivileged sibling; on an already-unprivileged port
// it returns another reference to the same port (spec.md §4.3). Both
// cases take the same path: this adds a reference to the Job's single
// unprivileged send right and returns UnprivilegedName(), and the
// caller (internal/rpcsurface) does not distinguish which port the
// request arrived on.
func (j *Job) Unprivileged() rights.Name {
	if j.unprivilegedSend != nil {
		j.unprivilegedSend.Ref()
	}
	return j.UnprivilegedName()
}

// CheckinWork increments the pending-work counter used to decide
// whether an on-demand server may exit (spec.md §4.3).
func (j *Job) CheckinWork() { j.pendingWork++ }

// AckNoSenders decrements the pending-work counter; when it reaches
// zero and the server is not persistent the Job becomes eligible for
// teardown (spec.md §4.3). Eligibility is advisory here — bootstrapd
// does not force-exit a running server process, matching spec.md §1's
// exclusion of signal/child-reap plumbing.
func (j *Job) AckNoSenders() {
	if j.pendingWork > 0 {
		j.pendingWork--
	}
}

// PendingWork reports the current pending-work count, exposed for
// tests and /metrics.
func (j *Job) PendingWork() int64 { return j.pendingWork }

// MarkExited clears a server Job's running flag so a later message to
// one of its on-demand services can trigger a relaunch, and resolves
// this launch's exit Future. Called by internal/launch's process-exit
// observer, not by anything in this package (bootstrapd does not reap
// children itself, per spec.md §1).
func (j *Job) MarkExited() {
	if j.server == nil {
		return
	}
	j.server.running = false
	if j.server.resolveExit != nil {
		j.server.resolveExit(struct{}{}, nil)
	}
}

// Exited returns a Future that resolves the next time this server
// Job's process exits, or nil if this Job has no server spec. Armed
// fresh on every launch (see tryLaunch), so callers must fetch it
// after observing triggerOnDemand rather than caching it indefinitely.
func (j *Job) Exited() *future.Future[struct{}] {
	if j.server == nil {
		return nil
	}
	return j.server.exited
}

// ForeachService invokes cb for every Service Record directly owned
// by this Job (spec.md §4.3).
func (j *Job) ForeachService(cb func(*service.Record)) {
	for _, rec := range j.services {
		cb(rec)
	}
}

// Program reports the command name of the nearest server Job in this
// Job's chain (self included), or this Job's own diagnostic name if
// none owns a ServerSpec — the value `info` reports per service
// (spec.md §4.4), matching the original's
// job_prog(machservice_job(ms)).
func (j *Job) Program() string {
	if srv := j.nearestServer(); srv != nil && len(srv.server.Cmd) > 0 {
		return srv.server.Cmd[0]
	}
	return j.name
}

// ForeachChild invokes cb for every immediate child of this Job (the
// direct results of CreateServer/Subset still alive), for
// internal/daemon's metrics tree walk.
func (j *Job) ForeachChild(cb func(*Job)) {
	for child := range j.children {
		cb(child)
	}
}

// Destroy tears down this Job and, recursively, all of its children,
// before itself (spec.md §3's "Lifecycle of a Job").
func (j *Job) Destroy() {
	for child := range j.children {
		child.Destroy()
	}
	for _, rec := range j.services {
		rec.Delete()
	}
	j.services = map[string]*service.Record{}

	if j.privilegedRecv != nil {
		_ = j.reg.CloseRecv(j.privilegedRecv.Name)
		j.privilegedRecv = nil
	}
	if j.unprivilegedSend != nil {
		j.reg.ReleaseSend(j.unprivilegedSend.Name)
		j.unprivilegedSend = nil
	}
	if j.unprivilegedRecv != nil {
		_ = j.reg.CloseRecv(j.unprivilegedRecv.Name)
		j.unprivilegedRecv = nil
	}
	if j.parent != nil {
		delete(j.parent.children, j)
		j.parent = nil
	}
	if j.lifecycle != nil {
		j.lifecycle.Destroyed(j)
	}
	j.log.Debug("destroyed")
}
