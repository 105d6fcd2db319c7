package tarpc

import "time"

// DefaultDeadline is the deadline applied by NewCallContext when the caller
// does not choose one.
const DefaultDeadline = 10 * time.Second

// CallContext is the per-request context that travels with every request.
//
// The deadline is an absolute instant on the server's clock; the server
// trusts it as-is and does not attempt to reconcile clock skew with the
// client. The trace context is copied through for logging only.
type CallContext struct {
	// Deadline is the instant after which the request is abandoned. A
	// request whose deadline passes before a response is sent is cancelled
	// and no response is written.
	Deadline time.Time `json:"deadline"`

	// Trace identifies the request for logging and distributed tracing.
	Trace TraceContext `json:"trace"`
}

// NewCallContext returns a call context with a fresh trace context and the
// default deadline measured from now.
func NewCallContext() CallContext {
	return CallContext{
		Deadline: time.Now().Add(DefaultDeadline),
		Trace:    NewTraceContext(),
	}
}
