// Package errors defines the error taxonomy shared across the runtime.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrRequestAlreadyInFlight indicates a request ID that is already
	// being handled on the channel. The duplicate is dropped; the first
	// request is unaffected.
	ErrRequestAlreadyInFlight = errors.New("request id already in flight")

	// ErrChannelClosed indicates the channel has shut down and accepts no
	// further requests or responses.
	ErrChannelClosed = errors.New("channel closed")

	// ErrResponseDropped indicates a response could not be delivered
	// because its request was cancelled or the channel went away.
	ErrResponseDropped = errors.New("response dropped")
)

// DecodeError indicates an inbound frame could not be decoded. It
// preserves the raw line that failed to parse.
type DecodeError struct {
	RawData string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode client message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
