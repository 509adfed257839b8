package rights

import "errors"

var (
	// ErrPortDestroyed is returned when an operation targets a right
	// whose underlying receive right has already been torn down.
	ErrPortDestroyed = errors.New("rights: port destroyed")

	// ErrAlreadyOwned names the invariant violation of a name already
	// bound to an owner. internal/registry's allocation never returns
	// it: names are issued fresh or from the free list.
	ErrAlreadyOwned = errors.New("rights: name already owned")

	// ErrNoMemory mirrors the kernel's NoMemory return when the
	// simulated allocator refuses to grow further.
	ErrNoMemory = errors.New("rights: no memory")
)
