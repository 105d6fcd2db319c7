package tarpc

import "context"

// Transport is a duplex message pipe between the server and one client: a
// stream of ClientMessages inbound and a sink of Responses outbound.
// Framing, serialization, and the underlying byte stream are entirely the
// transport's concern; the channel core never sees bytes.
//
// The default implementation is transports/jsonl. Custom transports can be
// supplied for testing or alternative wire formats.
type Transport[Req, Resp any] interface {
	// ReadMessages starts the inbound half and returns its channels. The
	// message channel is closed on a clean end-of-stream; a read failure is
	// delivered on the error channel and terminates the stream. Once the
	// message channel is closed it stays closed: repeated receives keep
	// reporting end-of-stream.
	ReadMessages(ctx context.Context) (<-chan ClientMessage[Req], <-chan error)

	// Send writes one response. The transport may buffer internally;
	// buffered responses are not guaranteed to reach the client until
	// Flush returns.
	Send(ctx context.Context, resp Response[Resp]) error

	// Flush pushes any internally buffered responses to the client.
	// Transports without internal buffering may make this a no-op.
	Flush(ctx context.Context) error

	// Close tears down both halves of the pipe.
	Close() error
}
