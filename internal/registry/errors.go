// Package registry holds the authoritative fleet state: node
// identifiers, the instance allocator, the proxy and backend membership
// registries, the heartbeat monitor, and the registration handler that
// orchestrates the join/leave protocol over the bus.
package registry

import "errors"

// Error kinds surfaced by registry operations. Handlers classify every
// failure into one of these before logging or answering a node.
var (
	// ErrAllocationExhausted: every instance slot of the kind is taken.
	ErrAllocationExhausted = errors.New("identifier allocation exhausted")

	// ErrDuplicateRegistration: a node at the same (address, port) is
	// already registered; the existing identifier is reused.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrTimeout: an outstanding future or heartbeat window expired.
	ErrTimeout = errors.New("timeout")

	// ErrPayloadDecode: a payload resisted both typed and tolerant decode.
	ErrPayloadDecode = errors.New("payload decode failed")

	// ErrTransportUnavailable: the transport rejected an operation; state
	// is kept and re-advertised on reconnect.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrInvariantViolation: the operation would corrupt registry state
	// and was rejected without touching it.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound: no record for the identifier.
	ErrNotFound = errors.New("node not found")
)
