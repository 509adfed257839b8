// Package wire defines the bootstrap RPC request/reply contract
// (spec.md §6): the fixed request set, status codes, and the
// BootstrapStatus values returned by `status`. This is the Go-level
// analogue of the kernel message-block header/body-descriptor layout
// the original describes — here a request is a typed Go value and a
// reply is another, rather than a packed wire format, since
// bootstrapd carries no literal byte-level IPC layer (spec.md §1
// treats the client-side serialization library as an external
// collaborator).
package wire

import "fmt"

// Status is the bootstrap-level return code carried on every reply,
// independent of any transport-level error.
type Status int

const (
	Success        Status = 0
	NotPrivileged  Status = 1100
	NameInUse      Status = 1101
	UnknownService Status = 1102
	ServiceActive  Status = 1103
	BadCount       Status = 1104
	NoMemory       Status = 1105
)

// String implements the "strerror mapping" spec.md §7 calls out as
// part of the public surface.
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case NotPrivileged:
		return "not privileged"
	case NameInUse:
		return "name in use"
	case UnknownService:
		return "unknown service"
	case ServiceActive:
		return "service already active"
	case BadCount:
		return "bad count"
	case NoMemory:
		return "no memory"
	default:
		return fmt.Sprintf("bootstrap status %d", int(s))
	}
}

// Err adapts a Status to the error interface so handlers can use the
// ordinary `if err != nil` idiom internally while still selecting
// exactly one Status for the reply (spec.md §7 class 1).
func (s Status) Err() error {
	if s == Success {
		return nil
	}
	return statusError{s}
}

type statusError struct{ s Status }

func (e statusError) Error() string { return e.s.String() }

// AsStatus extracts the Status embedded by Err, defaulting to
// NoMemory for any error this package did not itself produce — the
// "invariant violation" fallback spec.md §7 class 3 describes.
func AsStatus(err error) Status {
	if err == nil {
		return Success
	}
	if se, ok := err.(statusError); ok {
		return se.s
	}
	return NoMemory
}

// BootstrapStatus is the tri-state value `status(name)` returns.
type BootstrapStatus int

const (
	Inactive BootstrapStatus = 0
	Active   BootstrapStatus = 1
	OnDemand BootstrapStatus = 2
)

func (b BootstrapStatus) String() string {
	switch b {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case OnDemand:
		return "on-demand"
	default:
		return fmt.Sprintf("bootstrap-status(%d)", int(b))
	}
}

// MessageType distinguishes a freshly minted send right from one
// copied out of an existing holder, the MakeSend/CopySend distinction
// spec.md §4.4 says matters for kernel refcounting.
type MessageType int

const (
	MakeSend MessageType = iota
	CopySend
)

const (
	// MaxNameLength is the maximum encoded length of a service name,
	// exclusive of the terminator (spec.md §6).
	MaxNameLength = 127

	// MaxLookupArrayNames bounds a single look_up_array call.
	MaxLookupArrayNames = 20
)

// ValidateName enforces spec.md §8's boundary behavior ("name exactly
// 127 bytes + terminator is accepted; 128 bytes of content is
// rejected at decode"). There is no dedicated status for a malformed
// request in the original's fixed status set, so a rejected name
// surfaces as BadCount, the same code look_up_array's own bound
// violation uses — both are "the request shape itself is invalid"
// rather than a privilege or namespace outcome.
func ValidateName(name string) Status {
	if name == "" || len(name) > MaxNameLength {
		return BadCount
	}
	return Success
}
