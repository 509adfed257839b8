// Package rpcsurface implements the Bootstrap RPC Surface (spec.md
// §4.4): the eleven synchronous request handlers, each validating
// privilege against the inbound port before routing through the
// context tree. Handlers never block (spec.md §5) — every method here
// is a direct, synchronous call into the Job/Service graph the
// daemon's single goroutine owns.
package rpcsurface

import (
	"log/slog"
	"time"

	"bootstrapd/internal/demand"
	"bootstrapd/internal/job"
	"bootstrapd/internal/registry"
	"bootstrapd/internal/rights"
	"bootstrapd/internal/service"
	"bootstrapd/internal/wire"
)

// rpcMetrics is the narrow slice of *metrics.Metrics this package
// exercises, kept as an interface so rpcsurface doesn't import
// internal/metrics directly (no cycle either way, but the indirection
// keeps a Surface constructible in tests with no metrics at all).
type rpcMetrics interface {
	ObserveRPC(handler string, status string, seconds float64)
}

// Surface binds the eleven RPC handlers to the daemon's shared state.
type Surface struct {
	reg        *registry.Registry
	dispatcher *demand.Dispatcher
	launcher   job.Launcher

	// pid1Lenient mirrors the "PID 1 lenient" rule (spec.md §8): when
	// true, a non-root caller's create_server with a mismatched
	// server_uid is silently downgraded instead of denied.
	pid1Lenient bool

	metrics rpcMetrics
	log     *slog.Logger
}

// New creates a Surface. reg and dispatcher are the daemon's shared
// registry and notification dispatcher; launcher runs declared
// servers on demand.
func New(reg *registry.Registry, dispatcher *demand.Dispatcher, launcher job.Launcher, pid1Lenient bool) *Surface {
	return &Surface{
		reg:         reg,
		dispatcher:  dispatcher,
		launcher:    launcher,
		pid1Lenient: pid1Lenient,
		log:         slog.Default().With("component", "rpcsurface"),
	}
}

// SetMetrics wires a collector every handler reports its outcome and
// latency to (spec.md's rpc_total/rpc_duration_seconds counters).
func (s *Surface) SetMetrics(m rpcMetrics) { s.metrics = m }

func (s *Surface) observe(handler string, status wire.Status, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveRPC(handler, status.String(), time.Since(start).Seconds())
}

func (s *Surface) resolveJob(name rights.Name) (*job.Job, wire.Status) {
	owner, ok := s.reg.Lookup(name)
	if !ok {
		return nil, wire.NotPrivileged
	}
	j, ok := owner.(*job.Job)
	if !ok {
		return nil, wire.NotPrivileged
	}
	return j, wire.Success
}

// requirePrivileged resolves callerName to its owning Job and rejects
// the call unless callerName is that Job's privileged port (spec.md
// §4.4: register/check_in/create_service require the owning context's
// privileged bootstrap port).
func (s *Surface) requirePrivileged(callerName rights.Name) (*job.Job, wire.Status) {
	j, st := s.resolveJob(callerName)
	if st != wire.Success {
		return nil, st
	}
	if !j.IsPrivilegedName(callerName) {
		return nil, wire.NotPrivileged
	}
	return j, wire.Success
}

// CreateServer implements `create_server(cmd, uid, on_demand) -> server_port`.
// Privilege: the effective caller UID governs which server_uid is
// permitted (spec.md §4.4, §8).
func (s *Surface) CreateServer(callerName rights.Name, trailer wire.Trailer, req wire.CreateServerRequest) (name rights.Name, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("create_server", status, start) }()

	caller, st := s.resolveJob(callerName)
	if st != wire.Success {
		return 0, st
	}

	uid := req.UID
	if uid != trailer.UID {
		switch {
		case trailer.UID == 0:
			// root may create a server running as any uid.
		case s.pid1Lenient:
			uid = trailer.UID
		default:
			s.log.Warn("create_server denied", "caller_uid", trailer.UID, "requested_uid", req.UID)
			return 0, wire.NotPrivileged
		}
	}

	spec := job.ServerSpec{Cmd: req.Cmd, UID: uid, OnDemand: req.OnDemand}
	child, err := caller.CreateServer(spec, s.launcher)
	if err != nil {
		return 0, wire.AsStatus(err)
	}
	s.log.Debug("create_server", "job", child.Name(), "uid", uid, "on_demand", req.OnDemand)
	return child.PrivilegedName(), wire.Success
}

// CreateService implements `create_service(name) -> service_port`.
func (s *Surface) CreateService(callerName rights.Name, req wire.CreateServiceRequest) (name rights.Name, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("create_service", status, start) }()

	if st := wire.ValidateName(req.Name); st != wire.Success {
		return 0, st
	}
	j, st := s.requirePrivileged(callerName)
	if st != wire.Success {
		return 0, st
	}
	rec, err := j.DeclareService(req.Name)
	if err != nil {
		return 0, wire.AsStatus(err)
	}
	name, _ = rec.SendName()
	s.log.Debug("create_service", "name", req.Name, "job", j.Name())
	return name, wire.Success
}

// CheckIn implements `check_in(name) -> service_port`, handing the
// caller the receive right.
func (s *Surface) CheckIn(callerName rights.Name, req wire.CheckInRequest) (name rights.Name, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("check_in", status, start) }()

	if st := wire.ValidateName(req.Name); st != wire.Success {
		return 0, st
	}
	j, st := s.requirePrivileged(callerName)
	if st != wire.Success {
		return 0, st
	}
	result := j.LookupService(req.Name, false)
	if result.Record == nil {
		return 0, wire.UnknownService
	}
	recv, err := j.Checkin(result.Record)
	if err != nil {
		return 0, wire.AsStatus(err)
	}
	s.log.Debug("check_in", "name", req.Name, "job", j.Name())
	return recv.Name, wire.Success
}

// Register implements `register(name, service_port)`.
func (s *Surface) Register(callerName rights.Name, req wire.RegisterRequest) (status wire.Status) {
	start := time.Now()
	defer func() { s.observe("register", status, start) }()

	if st := wire.ValidateName(req.Name); st != wire.Success {
		return st
	}
	j, st := s.requirePrivileged(callerName)
	if st != wire.Success {
		return st
	}

	var send *rights.Send
	if req.SendName != nil {
		existing, ok := s.reg.SendByName(rights.Name(*req.SendName))
		if !ok {
			return wire.UnknownService
		}
		existing.Ref()
		send = existing
	}

	if _, err := j.Register(req.Name, send); err != nil {
		return wire.AsStatus(err)
	}
	s.log.Debug("register", "name", req.Name, "job", j.Name(), "null", send == nil)
	return wire.Success
}

// LookUp implements `look_up(name) -> service_port`. The reply
// distinguishes a freshly minted right (wire.MakeSend) from one this
// context resolved locally versus one that will be satisfied by an
// upstream forward (forward=true; internal/daemon relays to the
// inherited context and relabels the result wire.CopySend — spec.md
// §8 scenario 5, §9's "forwarding" note).
func (s *Surface) LookUp(callerName rights.Name, req wire.LookUpRequest) (name rights.Name, msgType wire.MessageType, forward bool, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("look_up", status, start) }()

	if st := wire.ValidateName(req.Name); st != wire.Success {
		return 0, wire.MakeSend, false, st
	}
	j, st := s.resolveJob(callerName)
	if st != wire.Success {
		return 0, wire.MakeSend, false, st
	}
	result := j.LookupService(req.Name, true)
	switch {
	case result.Record != nil:
		n, ok := result.Record.SendName()
		if !ok {
			return 0, wire.MakeSend, false, wire.UnknownService
		}
		return n, wire.MakeSend, false, wire.Success
	case result.Forward:
		return 0, wire.MakeSend, true, wire.UnknownService
	default:
		return 0, wire.MakeSend, false, wire.UnknownService
	}
}

// LookUpArray implements `look_up_array(names[<=20]) -> (ports[], all_known)`.
func (s *Surface) LookUpArray(callerName rights.Name, req wire.LookUpArrayRequest) (replies []wire.LookUpArrayReply, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("look_up_array", status, start) }()

	if len(req.Names) > wire.MaxLookupArrayNames {
		return nil, wire.BadCount
	}
	j, st := s.resolveJob(callerName)
	if st != wire.Success {
		return nil, st
	}

	replies = make([]wire.LookUpArrayReply, 0, len(req.Names))
	for _, name := range req.Names {
		result := j.LookupService(name, true)
		if result.Record != nil {
			if n, ok := result.Record.SendName(); ok {
				replies = append(replies, wire.LookUpArrayReply{Name: name, SendName: uint32(n), Resolved: true})
				continue
			}
		}
		replies = append(replies, wire.LookUpArrayReply{Name: name, Resolved: false})
	}
	return replies, wire.Success
}

// Status implements `status(name) -> {0,1,2}`.
func (s *Surface) Status(callerName rights.Name, req wire.StatusRequest) (bs wire.BootstrapStatus, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("status", status, start) }()

	j, st := s.resolveJob(callerName)
	if st != wire.Success {
		return wire.Inactive, st
	}
	result := j.LookupService(req.Name, true)
	if result.Record == nil {
		return wire.Inactive, wire.UnknownService
	}
	onDemand := j.Server() != nil && j.Server().OnDemand
	return result.Record.Status(onDemand), wire.Success
}

// Info implements `info() -> (names[], programs[], statuses[])`,
// walking from the caller's Job up through every ancestor and
// counting each one's Service Records (spec.md §4.4: "`info` walks
// from the caller's Job up through ancestors"; the inbound port only
// picks the starting context, not the extent of the walk). Programs
// reports each record's owning server's program, not the declaring
// Job's own name, matching the original's job_prog(machservice_job(ms)).
func (s *Surface) Info(callerName rights.Name) (reply wire.InfoReply, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("info", status, start) }()

	j, st := s.resolveJob(callerName)
	if st != wire.Success {
		return wire.InfoReply{}, st
	}
	reply = wire.InfoReply{}
	for cur := j; cur != nil; cur = cur.Parent() {
		onDemand := cur.Server() != nil && cur.Server().OnDemand
		cur.ForeachService(func(rec *service.Record) {
			if rec.IsTombstone() {
				return
			}
			reply.Names = append(reply.Names, rec.Name)
			reply.Programs = append(reply.Programs, cur.Program())
			reply.Statuses = append(reply.Statuses, rec.Status(onDemand))
		})
	}
	return reply, wire.Success
}

// Subset implements `subset(requestor_port) -> subset_port`.
func (s *Surface) Subset(callerName rights.Name, req wire.SubsetRequest) (name rights.Name, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("subset", status, start) }()

	j, st := s.resolveJob(callerName)
	if st != wire.Success {
		return 0, st
	}
	requestor, ok := s.reg.SendByName(rights.Name(req.RequestorName))
	if !ok {
		return 0, wire.UnknownService
	}
	child, err := j.Subset(requestor)
	if err != nil {
		return 0, wire.AsStatus(err)
	}
	s.log.Debug("subset", "parent", j.Name(), "child", child.Name())
	return child.PrivilegedName(), wire.Success
}

// Parent implements `parent() -> parent_port`. Caller must be UID 0
// (spec.md §4.4; the original's x_bootstrap_parent rejects any other
// uid before doing anything else). On root this returns root itself,
// not null — spec.md §8, §9's documented wart, preserved deliberately
// rather than "fixed".
func (s *Surface) Parent(callerName rights.Name, trailer wire.Trailer) (name rights.Name, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("parent", status, start) }()

	if trailer.UID != 0 {
		return 0, wire.NotPrivileged
	}
	j, st := s.resolveJob(callerName)
	if st != wire.Success {
		return 0, st
	}
	if j.Parent() == nil {
		return j.PrivilegedName(), wire.Success
	}
	return j.Parent().PrivilegedName(), wire.Success
}

// Unprivileged implements `unprivileged() -> unpriv_port`.
func (s *Surface) Unprivileged(callerName rights.Name) (name rights.Name, status wire.Status) {
	start := time.Now()
	defer func() { s.observe("unprivileged", status, start) }()

	j, st := s.resolveJob(callerName)
	if st != wire.Success {
		return 0, st
	}
	return j.Unprivileged(), wire.Success
}
