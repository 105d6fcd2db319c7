package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottler_WithholdsAtLimit(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())
	throttled := requests.MaxConcurrentRequests(1)

	deadline := time.Now().Add(time.Minute)
	transport.sendRequest(1, deadline, "a")
	transport.sendRequest(2, deadline, "b")

	var first *InFlightRequest[string, string]

	select {
	case first = <-throttled.C():
	case <-time.After(2 * time.Second):
		t.Fatal("First request was not delivered")
	}

	require.Equal(t, uint64(1), first.Request().ID)

	// The second request is registered but withheld while the first is
	// still in flight.
	select {
	case handle := <-throttled.C():
		t.Fatalf("Request %d delivered while at limit", handle.Request().ID)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Respond(response(1, "A")))

	select {
	case handle := <-throttled.C():
		assert.Equal(t, uint64(2), handle.Request().ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Second request was not delivered after the first completed")
	}
}

func TestThrottler_CancellationReleasesSlot(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())
	throttled := requests.MaxConcurrentRequests(1)

	deadline := time.Now().Add(time.Minute)
	transport.sendRequest(1, deadline, "a")
	transport.sendRequest(2, deadline, "b")

	first := <-throttled.C()
	require.Equal(t, uint64(1), first.Request().ID)

	// Cancelling the first request frees its slot without a response.
	transport.sendCancel(1)

	select {
	case handle := <-throttled.C():
		assert.Equal(t, uint64(2), handle.Request().ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Second request was not delivered after cancellation")
	}
}

func TestThrottler_StreamClosesWithPump(t *testing.T) {
	transport := newFakeTransport[string, string]()
	requests := startPump(t, transport, DefaultConfig())
	throttled := requests.MaxConcurrentRequests(2)

	transport.eof()

	select {
	case _, ok := <-throttled.C():
		assert.False(t, ok, "stream should close, not deliver")
	case <-time.After(2 * time.Second):
		t.Fatal("Throttled stream did not close")
	}
}
