package server

import (
	"context"
	"sync"
	"time"

	"github.com/gregorydemay/tarpc"
)

// fakeTransport implements tarpc.Transport for testing. Inbound messages
// are injected through channels; outbound responses are recorded and can
// be stalled to simulate a slow client.
type fakeTransport[Req, Resp any] struct {
	msgs chan tarpc.ClientMessage[Req]
	errs chan error

	mu        sync.Mutex
	responses []tarpc.Response[Resp]
	flushes   int
	sendErr   error

	// stall, when non-nil, blocks Send until the channel is closed.
	stall chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport[Req, Resp any]() *fakeTransport[Req, Resp] {
	return &fakeTransport[Req, Resp]{
		msgs:   make(chan tarpc.ClientMessage[Req], 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport[Req, Resp]) ReadMessages(
	_ context.Context,
) (<-chan tarpc.ClientMessage[Req], <-chan error) {
	return t.msgs, t.errs
}

func (t *fakeTransport[Req, Resp]) Send(ctx context.Context, resp tarpc.Response[Resp]) error {
	t.mu.Lock()
	stall := t.stall
	sendErr := t.sendErr
	t.mu.Unlock()

	if stall != nil {
		select {
		case <-stall:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if sendErr != nil {
		return sendErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.responses = append(t.responses, resp)

	return nil
}

func (t *fakeTransport[Req, Resp]) Flush(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flushes++

	return nil
}

func (t *fakeTransport[Req, Resp]) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })

	return nil
}

func (t *fakeTransport[Req, Resp]) sendRequest(id uint64, deadline time.Time, msg Req) {
	t.msgs <- tarpc.ClientMessage[Req]{
		Request: &tarpc.Request[Req]{
			ID: id,
			Context: tarpc.CallContext{
				Deadline: deadline,
				Trace:    tarpc.NewTraceContext(),
			},
			Message: msg,
		},
	}
}

func (t *fakeTransport[Req, Resp]) sendCancel(id uint64) {
	t.msgs <- tarpc.ClientMessage[Req]{
		Cancel: &tarpc.CancelRequest{
			Trace:     tarpc.NewTraceContext(),
			RequestID: id,
		},
	}
}

// eof simulates the client closing its write half.
func (t *fakeTransport[Req, Resp]) eof() {
	close(t.msgs)
}

// fail simulates a transport read failure.
func (t *fakeTransport[Req, Resp]) fail(err error) {
	t.errs <- err
}

func (t *fakeTransport[Req, Resp]) getResponses() []tarpc.Response[Resp] {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]tarpc.Response[Resp], len(t.responses))
	copy(result, t.responses)

	return result
}

func response(id uint64, msg string) tarpc.Response[string] {
	return tarpc.Response[string]{RequestID: id, Message: msg}
}

// stallWrites makes Send block until unstallWrites is called.
func (t *fakeTransport[Req, Resp]) stallWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stall = make(chan struct{})
}

func (t *fakeTransport[Req, Resp]) unstallWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()

	close(t.stall)
	t.stall = nil
}
