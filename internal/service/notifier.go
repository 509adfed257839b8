package service

import "bootstrapd/internal/rights"

// Notifier arms the kernel-style notifications a Service Record (and
// internal/job, for subset teardown) depend on. Implemented by
// internal/demand.Dispatcher.
type Notifier interface {
	// WatchNoSenders arms a one-shot no-senders notification on name,
	// invoking fn the moment the last send reference drops.
	WatchNoSenders(name rights.Name, fn func())

	// WatchDeadName arms a one-shot dead-name notification on name,
	// invoking fn the moment the send right it names becomes
	// unresolvable (spec.md §4.5's dead-name row, used by `subset`'s
	// requestor-death teardown).
	WatchDeadName(name rights.Name, fn func())
}
