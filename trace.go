package tarpc

import "github.com/oklog/ulid/v2"

// TraceContext carries opaque trace and span identifiers through the
// runtime. The server core copies it into logs but never interprets it;
// it exists so that a request can be followed across process boundaries.
type TraceContext struct {
	// TraceID identifies the whole trace this request belongs to.
	TraceID string `json:"trace_id"` //nolint:tagliatelle // wire format uses snake_case

	// SpanID identifies this request within the trace.
	SpanID string `json:"span_id"` //nolint:tagliatelle // wire format uses snake_case
}

// NewTraceContext creates a trace context with freshly generated trace and
// span identifiers.
func NewTraceContext() TraceContext {
	return TraceContext{
		TraceID: ulid.Make().String(),
		SpanID:  ulid.Make().String(),
	}
}

func (tc TraceContext) String() string {
	return tc.TraceID + "/" + tc.SpanID
}
