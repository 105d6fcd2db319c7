package tarpc

import "github.com/gregorydemay/tarpc/internal/errors"

// Sentinel errors re-exported for callers outside the module.
var (
	// ErrRequestAlreadyInFlight indicates a duplicate request ID on a
	// channel. The duplicate is dropped; the first request is unaffected.
	ErrRequestAlreadyInFlight = errors.ErrRequestAlreadyInFlight

	// ErrChannelClosed indicates the channel has shut down.
	ErrChannelClosed = errors.ErrChannelClosed

	// ErrResponseDropped indicates a response could not be delivered
	// because its request was cancelled or the channel went away.
	ErrResponseDropped = errors.ErrResponseDropped
)

// DecodeError indicates an inbound frame could not be decoded.
type DecodeError = errors.DecodeError
