package job

import (
	"time"

	"bootstrapd/internal/rights"
	"bootstrapd/internal/service"
	"bootstrapd/internal/util/future"
	"bootstrapd/internal/wire"
)

// DeclareService implements `create_service`: a Declared Service
// Record owned by this Job, resolvable but not yet backed by a live
// receiver (spec.md §4.2).
func (j *Job) DeclareService(name string) (*service.Record, error) {
	if _, exists := j.services[name]; exists {
		return nil, wire.NameInUse.Err()
	}
	rec, err := service.New(name, j, false, j.reg, j.watches)
	if err != nil {
		return nil, err
	}
	rec.OnDemandTrigger = func() { j.triggerOnDemand(rec) }
	rec.NoSendersHook = func() {
		rec.Reclaim()
		j.AckNoSenders()
	}
	j.services[name] = rec
	return rec, nil
}

// Register implements `register(name, port)` (spec.md §4.2): dynamic
// (re)binding of a name within this Job's context. A nil send
// installs a tombstone that shadows any ancestor record of the same
// name without itself resolving.
func (j *Job) Register(name string, send *rights.Send) (*service.Record, error) {
	if existing, ok := j.services[name]; ok {
		if !existing.Dynamic {
			return nil, wire.NotPrivileged.Err()
		}
		if existing.State() == service.Active {
			return nil, wire.ServiceActive.Err()
		}
		existing.Delete()
		delete(j.services, name)
	}

	var rec *service.Record
	if send == nil {
		rec = service.NewTombstone(name, j)
	} else {
		rec = service.NewExternal(name, j, send, j.reg)
	}
	j.services[name] = rec
	return rec, nil
}

// LookupResult reports the outcome of a name walk up the Job tree.
type LookupResult struct {
	Record   *service.Record // non-nil on a resolving hit
	Shadowed bool            // hit a tombstone: resolved to "no such service" deliberately
	Forward  bool            // walked off the root unresolved; caller may forward upstream
}

// LookupService implements spec.md §4.2's "ancestor fallback": a name
// not found in this Job is looked up in its parent, and so on, unless
// a tombstone is found first (which shadows any ancestor binding).
// When followAncestors is false only this Job's own bindings are
// consulted (used by `check_in`, which only acts on the caller's own
// records); look_up, look_up_array and status all follow ancestors.
func (j *Job) LookupService(name string, followAncestors bool) LookupResult {
	for cur := j; cur != nil; cur = cur.parent {
		if rec, ok := cur.services[name]; ok {
			if rec.IsTombstone() {
				return LookupResult{Shadowed: true}
			}
			return LookupResult{Record: rec}
		}
		if !followAncestors {
			break
		}
	}
	if followAncestors {
		// Reached the root with nothing found. The root Job may itself
		// be a subset of an upstream bootstrap context outside this
		// daemon's tree (spec.md §4.3's inherited-bootstrap-port case);
		// the caller decides whether to forward there.
		return LookupResult{Forward: true}
	}
	return LookupResult{}
}

// Checkin wraps service.Record.CheckIn, supplying this Job's identity
// and notifier, and tracks pending on-demand work for the owning
// server Job.
func (j *Job) Checkin(rec *service.Record) (*rights.Recv, error) {
	recv, err := rec.CheckIn(j, j.notifier)
	if err != nil {
		return nil, err
	}
	j.CheckinWork()
	return recv, nil
}

func (j *Job) triggerOnDemand(rec *service.Record) {
	server := j.nearestServer()
	if server == nil || server.launcher == nil {
		return
	}
	server.tryLaunch()
}

// nearestServer finds the Job in this chain (self or ancestor) that
// carries a ServerSpec — the process that should be launched when one
// of its declared services receives a message while Declared.
func (j *Job) nearestServer() *Job {
	for cur := j; cur != nil; cur = cur.parent {
		if cur.server != nil {
			return cur
		}
	}
	return nil
}

func (j *Job) tryLaunch() {
	if j.server == nil || j.launcher == nil {
		return
	}
	s := j.server
	if s.running {
		return
	}
	if !s.lastLaunch.IsZero() && time.Since(s.lastLaunch) < s.MinRelaunchInterval {
		j.log.Debug("on-demand relaunch throttled")
		return
	}

	s.lastLaunch = time.Now()
	s.running = true
	s.exited, s.resolveExit = future.NewPending[struct{}]()
	if err := j.launcher.Launch(j); err != nil {
		s.running = false
		j.log.Warn("launch failed", "error", err)
		s.resolveExit(struct{}{}, err)
	}
}
