package server

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregorydemay/tarpc"
	"github.com/gregorydemay/tarpc/internal/clock"
)

func echoUpper(_ context.Context, _ tarpc.CallContext, req string) (string, error) {
	return strings.ToUpper(req), nil
}

// blockingServe returns a service function that signals on started and
// then waits for release or cancellation.
func blockingServe(started chan<- struct{}, release <-chan struct{}) Serve[string, string] {
	return func(ctx context.Context, _ tarpc.CallContext, req string) (string, error) {
		started <- struct{}{}

		select {
		case <-release:
			return strings.ToUpper(req), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func startPump(t *testing.T, transport *fakeTransport[string, string], cfg Config) *Requests[string, string] {
	t.Helper()

	channel := NewBaseChannel(nil, cfg, transport)
	requests := channel.Requests()
	require.NoError(t, requests.Start(context.Background()))
	t.Cleanup(requests.Stop)

	return requests
}

func TestRequests_HappyPath(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())

	execDone := make(chan error, 1)

	go func() { execDone <- requests.Execute(echoUpper) }()

	transport.sendRequest(1, time.Now().Add(5*time.Second), "abc")

	require.Eventually(t, func() bool {
		resps := transport.getResponses()

		return len(resps) == 1 && resps[0].RequestID == 1 && resps[0].Message == "ABC"
	}, 2*time.Second, 5*time.Millisecond, "response did not reach the transport")

	assert.Equal(t, 0, requests.InFlight())

	transport.eof()

	select {
	case err := <-execDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not complete after EOF")
	}
}

func TestRequests_ServiceErrorTravelsInResponse(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())

	go requests.Execute(func(context.Context, tarpc.CallContext, string) (string, error) {
		return "", stderrors.New("boom")
	})

	transport.sendRequest(1, time.Now().Add(5*time.Second), "abc")

	require.Eventually(t, func() bool {
		resps := transport.getResponses()

		return len(resps) == 1 && resps[0].Error != nil
	}, 2*time.Second, 5*time.Millisecond)

	resp := transport.getResponses()[0]
	assert.Equal(t, tarpc.CodeInternal, resp.Error.Code)
	assert.Equal(t, "boom", resp.Error.Detail)
}

func TestRequests_CancelRace(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())

	started := make(chan struct{}, 1)
	release := make(chan struct{})

	handlerCtx := make(chan context.Context, 1)

	go func() {
		for handle := range requests.C() {
			handlerCtx <- handle.Context()

			go handle.Execute(blockingServe(started, release))
		}
	}()

	transport.sendRequest(2, time.Now().Add(5*time.Second), "abc")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler did not start")
	}

	transport.sendCancel(2)

	opCtx := <-handlerCtx

	select {
	case <-opCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Handler was not cancelled")
	}

	require.Eventually(t, func() bool {
		return requests.InFlight() == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Give any stray response time to surface, then confirm none did.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, transport.getResponses(), "no response may be written for a cancelled request")
}

func TestRequests_DeadlineExpiry(t *testing.T) {
	transport := newFakeTransport[string, string]()
	channel := NewBaseChannel(nil, DefaultConfig(), transport)

	clk := new(clock.Simulated)
	channel.inflight.clock = clk

	requests := channel.Requests()
	require.NoError(t, requests.Start(context.Background()))
	t.Cleanup(requests.Stop)

	started := make(chan struct{}, 1)
	release := make(chan struct{})

	go requests.Execute(blockingServe(started, release))

	transport.sendRequest(3, clk.Now().Add(50*time.Millisecond), "abc")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler did not start")
	}

	// Advance the simulated clock past the deadline.
	clk.WaitForTimers(1)
	clk.Run(100 * time.Millisecond)

	require.Eventually(t, func() bool {
		return requests.InFlight() == 0
	}, 2*time.Second, 5*time.Millisecond, "expired request still in flight")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, transport.getResponses(), "no response may be written for an expired request")
}

func TestRequests_DuplicateIDDropped(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	handles := make(chan *InFlightRequest[string, string], 2)

	go func() {
		for handle := range requests.C() {
			handles <- handle

			go handle.Execute(blockingServe(started, release))
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	transport.sendRequest(4, deadline, "abc")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("First handler did not start")
	}

	// The duplicate is dropped without disturbing the first request.
	transport.sendRequest(4, deadline, "abc")

	// A later request proves the channel kept going.
	transport.sendRequest(5, deadline, "def")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Second handler did not start")
	}

	assert.Len(t, handles, 2, "duplicate must not be yielded")

	close(release)

	require.Eventually(t, func() bool {
		return len(transport.getResponses()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	ids := map[uint64]int{}
	for _, resp := range transport.getResponses() {
		ids[resp.RequestID]++
	}

	assert.Equal(t, map[uint64]int{4: 1, 5: 1}, ids, "exactly one response per unique id")
}

func TestRequests_BackPressure(t *testing.T) {
	transport := newFakeTransport[string, string]()
	transport.stallWrites()

	requests := startPump(t, transport, Config{PendingResponseBuffer: 1})

	// One consumer goroutine executes handlers sequentially so the
	// response queue order is deterministic.
	go func() {
		for handle := range requests.C() {
			handle.Execute(echoUpper)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	transport.sendRequest(1, deadline, "a")
	transport.sendRequest(2, deadline, "b")

	// Both handlers complete instantly, but the stalled write side means
	// nothing reaches the transport.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, transport.getResponses())

	transport.unstallWrites()

	require.Eventually(t, func() bool {
		return len(transport.getResponses()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	resps := transport.getResponses()
	assert.Equal(t, uint64(1), resps[0].RequestID, "responses must appear in handler-send order")
	assert.Equal(t, uint64(2), resps[1].RequestID)
}

func TestRequests_GracefulShutdown(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())

	started := make(chan struct{}, 1)
	release := make(chan struct{})

	execDone := make(chan error, 1)

	go func() { execDone <- requests.Execute(blockingServe(started, release)) }()

	transport.sendRequest(6, time.Now().Add(5*time.Second), "abc")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler did not start")
	}

	// EOF on the read half while the handler is still running: the pump
	// must keep pumping until the response is flushed.
	transport.eof()

	select {
	case <-requests.Done():
		t.Fatal("Pump completed while a request was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-execDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not complete after the last handler finished")
	}

	resps := transport.getResponses()
	require.Len(t, resps, 1)
	assert.Equal(t, uint64(6), resps[0].RequestID)

	select {
	case <-transport.closed:
	case <-time.After(time.Second):
		t.Fatal("Transport was not closed on clean shutdown")
	}
}

func TestRequests_StopFiresOutstandingRegistrations(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())

	handles := make(chan *InFlightRequest[string, string], 1)

	go func() {
		for handle := range requests.C() {
			handles <- handle
		}
	}()

	transport.sendRequest(7, time.Now().Add(time.Minute), "abc")

	var handle *InFlightRequest[string, string]

	select {
	case handle = <-handles:
	case <-time.After(2 * time.Second):
		t.Fatal("Request was not yielded")
	}

	requests.Stop()

	// Stop returns only after shutdown, and the registration has fired.
	require.Error(t, handle.Context().Err())

	select {
	case <-requests.Done():
	default:
		t.Fatal("Done must be closed when Stop returns")
	}
}

func TestRequests_TransportErrorFailsPump(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())

	handles := make(chan *InFlightRequest[string, string], 1)

	go func() {
		for handle := range requests.C() {
			handles <- handle
		}
	}()

	transport.sendRequest(8, time.Now().Add(time.Minute), "abc")

	handle := <-handles

	readErr := stderrors.New("connection reset")
	transport.fail(readErr)

	select {
	case <-requests.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not shut down on transport error")
	}

	require.ErrorIs(t, requests.Err(), readErr)
	require.Error(t, handle.Context().Err(), "in-flight requests are cancelled on channel failure")
}

func TestRequests_RespondAfterCancelIsDropped(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())

	handles := make(chan *InFlightRequest[string, string], 1)

	go func() {
		for handle := range requests.C() {
			handles <- handle
		}
	}()

	transport.sendRequest(9, time.Now().Add(time.Minute), "abc")
	handle := <-handles

	transport.sendCancel(9)

	<-handle.Context().Done()

	err := handle.Respond(response(9, "late"))
	require.ErrorIs(t, err, tarpc.ErrResponseDropped)
}
