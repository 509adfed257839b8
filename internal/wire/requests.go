package wire

// Trailer carries the caller's security token, delivered out-of-band
// on every real kernel message (spec.md §4.4: "All handlers receive
// the caller's security token (effective UID) from the message
// trailer").
type Trailer struct {
	UID uint32
}

// CreateServerRequest is `create_server(cmd[512], uid, on_demand) -> server_port`.
type CreateServerRequest struct {
	Cmd      []string
	UID      uint32
	OnDemand bool
}

// CreateServiceRequest is `create_service(name[128]) -> service_port`.
type CreateServiceRequest struct {
	Name string
}

// CheckInRequest is `check_in(name[128]) -> service_port`.
type CheckInRequest struct {
	Name string
}

// RegisterRequest is `register(name[128], service_port)`. A nil
// SendName means "register a null send right" — the tombstone /
// un-advertise case (spec.md §4.2).
type RegisterRequest struct {
	Name     string
	SendName *uint32
}

// LookUpRequest is `look_up(name[128]) -> service_port`.
type LookUpRequest struct {
	Name string
}

// LookUpArrayRequest is `look_up_array(name[128]×N<=20) -> (service_port×N, all_known)`.
type LookUpArrayRequest struct {
	Names []string
}

// LookUpArrayReply carries one resolved (or unresolved) entry. A
// reimplementation must not reuse a static buffer across calls
// (spec.md §9 Open Question) — Reply is allocated fresh per call by
// internal/rpcsurface.
type LookUpArrayReply struct {
	Name     string
	SendName uint32
	Resolved bool
}

// StatusRequest is `status(name[128]) -> {0,1,2}`.
type StatusRequest struct {
	Name string
}

// InfoReply is `info() -> (names[], programs[], statuses[])`.
type InfoReply struct {
	Names     []string
	Programs  []string
	Statuses  []BootstrapStatus
}

// SubsetRequest is `subset(requestor_port) -> subset_port`.
type SubsetRequest struct {
	RequestorName uint32
}

// Reply is the common envelope every handler returns: a bootstrap
// status plus whatever payload the particular RPC defines.
type Reply struct {
	Status Status
}
