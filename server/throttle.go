package server

import (
	"log/slog"
	"slices"
)

// Throttler caps the number of concurrent requests on one channel. It
// wraps a Requests pump and withholds new requests while the channel is at
// its limit, resuming when a response departs or a request is cancelled.
//
// Throttling composes above the core: the wrapped pump keeps registering
// requests (so their deadlines and cancellations stay live) and the
// throttler only delays delivery to the consumer.
type Throttler[Req, Resp any] struct {
	log   *slog.Logger
	inner *Requests[Req, Resp]
	limit int
	out   chan *InFlightRequest[Req, Resp]
}

// MaxConcurrentRequests wraps the pump with a throttler that delivers a
// new request only while fewer than limit of the requests it has already
// delivered are still in flight. Consume
// from the throttler's C instead of the pump's.
func (r *Requests[Req, Resp]) MaxConcurrentRequests(limit int) *Throttler[Req, Resp] {
	t := &Throttler[Req, Resp]{
		log:   r.log.With("component", "throttler"),
		inner: r,
		limit: limit,
		out:   make(chan *InFlightRequest[Req, Resp]),
	}

	go t.pump()

	return t
}

// C returns the throttled stream of in-flight requests. It is closed when
// the wrapped pump's stream closes.
func (t *Throttler[Req, Resp]) C() <-chan *InFlightRequest[Req, Resp] {
	return t.out
}

// InFlight returns the number of requests currently in flight on the
// wrapped channel.
func (t *Throttler[Req, Resp]) InFlight() int {
	return t.inner.InFlight()
}

// Execute runs the throttled stream until completion, handling each
// delivered request on its own goroutine, and returns the pump's
// terminating error.
func (t *Throttler[Req, Resp]) Execute(serve Serve[Req, Resp]) error {
	return executeStream(t.C(), t.inner, serve)
}

func (t *Throttler[Req, Resp]) pump() {
	defer close(t.out)

	// Only delivered requests that are still registered count against the
	// limit; the wrapped pump registers requests before delivering them.
	var delivered []*InFlightRequest[Req, Resp]

	reg := t.inner.channel.inflight

	for handle := range t.inner.C() {
		// The broadcast is fetched before the count is checked so a
		// departure in between cannot be missed.
		for {
			removals := reg.removals()

			reg.mu.Lock()
			delivered = slices.DeleteFunc(delivered, func(h *InFlightRequest[Req, Resp]) bool {
				_, ok := reg.entries[h.request.ID]

				return !ok || h.ctx.Err() != nil
			})
			reg.mu.Unlock()

			if len(delivered) < t.limit {
				break
			}

			t.log.Debug("At in-flight limit; pausing delivery",
				"limit", t.limit,
				"request_id", handle.Request().ID,
			)

			select {
			case <-removals:
			case <-t.inner.Done():
				return
			}
		}

		select {
		case t.out <- handle:
			delivered = append(delivered, handle)
		case <-t.inner.Done():
			return
		}
	}
}
