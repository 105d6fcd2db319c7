package tarpc

import (
	"context"
	"errors"
	"fmt"
)

// Request is a single client request tagged with an identifier that the
// matching Response echoes back.
//
// Identifier uniqueness within a channel is the client's responsibility;
// the server drops duplicates without corrupting the first request.
type Request[Req any] struct {
	// ID tags the request. Opaque to the runtime.
	ID uint64 `json:"request_id"` //nolint:tagliatelle // wire format uses snake_case

	// Context carries the deadline and trace identifiers.
	Context CallContext `json:"context"`

	// Message is the request payload.
	Message Req `json:"message"`
}

// Response is the server's answer to the request with the same ID.
// Exactly one of Message and Error is meaningful: a nil Error means the
// service function produced Message, a non-nil Error means it failed.
type Response[Resp any] struct {
	// RequestID echoes the ID of the request being answered.
	RequestID uint64 `json:"request_id"` //nolint:tagliatelle // wire format uses snake_case

	// Message is the service function's result.
	Message Resp `json:"message,omitempty"`

	// Error is set when the service function failed.
	Error *ServerError `json:"error,omitempty"`
}

// CancelRequest asks the server to abandon an in-flight request. It is
// advisory: the request may already have completed by the time it arrives,
// and both outcomes are legal.
type CancelRequest struct {
	// Trace identifies the cancellation for logging.
	Trace TraceContext `json:"trace"`

	// RequestID names the request to abandon.
	RequestID uint64 `json:"request_id"` //nolint:tagliatelle // wire format uses snake_case
}

// ClientMessage is the tagged union of messages a client sends to the
// server: exactly one of Request and Cancel is non-nil.
type ClientMessage[Req any] struct {
	Request *Request[Req]
	Cancel  *CancelRequest
}

// ErrorCode classifies a ServerError.
type ErrorCode string

// Error codes carried in responses.
const (
	// CodeCancelled reports that the request was cancelled before the
	// service function completed.
	CodeCancelled ErrorCode = "cancelled"

	// CodeDeadlineExceeded reports that the request's deadline passed.
	CodeDeadlineExceeded ErrorCode = "deadline_exceeded"

	// CodeInternal reports a failure inside the service function.
	CodeInternal ErrorCode = "internal"
)

// ServerError is a service failure that travels in a Response in place of
// the result message.
type ServerError struct {
	Code   ErrorCode `json:"code"`
	Detail string    `json:"detail"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// AsServerError converts a service function error into a ServerError,
// classifying context cancellation and deadline errors. A nil error maps
// to nil; an error that already is a *ServerError is returned unchanged.
func AsServerError(err error) *ServerError {
	if err == nil {
		return nil
	}

	var se *ServerError
	if errors.As(err, &se) {
		return se
	}

	code := CodeInternal

	switch {
	case errors.Is(err, context.Canceled):
		code = CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeDeadlineExceeded
	}

	return &ServerError{Code: code, Detail: err.Error()}
}
