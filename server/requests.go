package server

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"

	"github.com/gregorydemay/tarpc"
	"github.com/gregorydemay/tarpc/internal/errors"
)

// Requests drives a BaseChannel: it pulls requests off the channel and
// yields them as InFlightRequest handles, while concurrently pumping
// handler responses from the fan-in queue back onto the transport.
//
// Reading and writing are interleaved deliberately. Responses must drain
// while requests are still being read, because a slow reader would
// otherwise back-pressure the handlers (queue full) while the handlers
// block waiting to push — the classic single-channel deadlock.
type Requests[Req, Resp any] struct {
	log     *slog.Logger
	channel *BaseChannel[Req, Resp]

	// requests carries yielded handles to the consumer. Closed when the
	// client closes its write half or the pump stops.
	requests chan *InFlightRequest[Req, Resp]

	// pending is the bounded fan-in queue from handlers to the write
	// loop. Capacity is Config.PendingResponseBuffer; handler sends block
	// once it is full.
	pending chan pendingResponse[Resp]

	// readDone is closed when the read loop observes end-of-stream.
	readDone chan struct{}

	errMu sync.Mutex
	err   error

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	done     chan struct{}
}

type pendingResponse[Resp any] struct {
	cc   tarpc.CallContext
	resp tarpc.Response[Resp]
}

// Requests returns the pump for this channel. The pump takes exclusive
// ownership of the channel; call Start to begin processing.
func (ch *BaseChannel[Req, Resp]) Requests() *Requests[Req, Resp] {
	return &Requests[Req, Resp]{
		log:      ch.log.With("component", "requests"),
		channel:  ch,
		requests: make(chan *InFlightRequest[Req, Resp]),
		pending:  make(chan pendingResponse[Resp], ch.config.PendingResponseBuffer),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the pump. The read loop, write loop, and deadline expiry
// loop each run on their own goroutine until the channel terminates or
// ctx is cancelled.
func (r *Requests[Req, Resp]) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.channel.start(runCtx)

	r.wg.Go(func() { r.channel.inflight.expireLoop(runCtx) })
	r.wg.Go(func() { r.readLoop(runCtx) })
	r.wg.Go(func() { r.writeLoop(runCtx) })

	go func() {
		r.wg.Wait()
		r.channel.Close()
		close(r.done)
	}()

	return nil
}

// C returns the stream of in-flight requests. The channel is closed when
// the client closes its write half or the pump stops; consumers should
// then wait on Done and check Err.
func (r *Requests[Req, Resp]) C() <-chan *InFlightRequest[Req, Resp] {
	return r.requests
}

// InFlight returns the number of requests currently in flight.
func (r *Requests[Req, Resp]) InFlight() int {
	return r.channel.InFlightRequests()
}

// Done returns a channel that is closed once the pump has fully shut down
// and the transport is closed.
func (r *Requests[Req, Resp]) Done() <-chan struct{} {
	return r.done
}

// Err returns the error that terminated the pump, if any. It is nil after
// a clean shutdown (client closed its write half and all responses were
// flushed). Call it only after Done is closed.
func (r *Requests[Req, Resp]) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	return r.err
}

// Stop aborts the pump. Every outstanding cancel registration fires before
// Stop returns. Safe to call multiple times.
func (r *Requests[Req, Resp]) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done

			return
		}

		// Never started; nothing is running.
		r.channel.Close()
		close(r.done)
	})
}

func (r *Requests[Req, Resp]) fail(err error) {
	r.errMu.Lock()

	if r.err == nil {
		r.err = err
	}

	r.errMu.Unlock()
}

// readLoop pulls requests off the channel, registers them, and yields
// them. A duplicate request ID is dropped without closing the channel: the
// first request is already being processed.
func (r *Requests[Req, Resp]) readLoop(ctx context.Context) {
	defer close(r.requests)
	defer close(r.readDone)

	for {
		req, err := r.channel.Receive(ctx)
		if err != nil {
			switch {
			case stderrors.Is(err, io.EOF):
				r.log.Debug("Client closed the read half")
			case ctx.Err() != nil:
			default:
				r.log.Debug("Transport error on read", "error", err)
				r.fail(err)
				r.cancel()
			}

			return
		}

		r.log.Debug("Handling request",
			"trace_id", req.Context.Trace.TraceID,
			"request_id", req.ID,
			"deadline", req.Context.Deadline,
		)

		opCtx, err := r.channel.StartRequest(ctx, req.ID, req.Context.Deadline)
		if err != nil {
			if stderrors.Is(err, errors.ErrRequestAlreadyInFlight) {
				r.log.Info("Request ID delivered more than once",
					"trace_id", req.Context.Trace.TraceID,
					"request_id", req.ID,
				)

				continue
			}

			// Registry stopped; the channel is shutting down.
			return
		}

		handle := &InFlightRequest[Req, Resp]{
			log:       r.log,
			request:   req,
			ctx:       opCtx,
			responses: r.pending,
		}

		select {
		case r.requests <- handle:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop moves responses from the fan-in queue to the transport. It
// drains everything immediately available before flushing, then blocks
// until a response arrives, an in-flight entry departs, or the read half
// closes. When the read half is closed, the queue is drained, and nothing
// is in flight, the channel shuts down cleanly.
func (r *Requests[Req, Resp]) writeLoop(ctx context.Context) {
	defer r.cancel()

	readDone := r.readDone
	readClosed := false

	for {
		// Prefer responses that are already queued.
		select {
		case pr := <-r.pending:
			if !r.send(ctx, pr) {
				return
			}

			continue
		default:
		}

		if err := r.channel.Flush(ctx); err != nil {
			if ctx.Err() == nil {
				r.fail(err)
			}

			return
		}

		// Fetch the broadcast before evaluating the shutdown condition so a
		// removal between the check and the select cannot be missed.
		removals := r.channel.inflight.removals()

		if readClosed && r.channel.InFlightRequests() == 0 && len(r.pending) == 0 {
			r.log.Debug("Read half closed and all responses flushed; closing write half")

			return
		}

		select {
		case pr := <-r.pending:
			if !r.send(ctx, pr) {
				return
			}

		case <-readDone:
			readClosed = true
			readDone = nil

		case <-removals:

		case <-ctx.Done():
			return
		}
	}
}

// send stages one response onto the transport, reporting whether the
// write loop should continue.
func (r *Requests[Req, Resp]) send(ctx context.Context, pr pendingResponse[Resp]) bool {
	r.log.Debug("Staging response",
		"trace_id", pr.cc.Trace.TraceID,
		"request_id", pr.resp.RequestID,
		"in_flight", r.channel.InFlightRequests(),
	)

	if err := r.channel.Send(ctx, pr.resp); err != nil {
		if ctx.Err() == nil {
			r.fail(err)
		}

		return false
	}

	return true
}

// InFlightRequest is a request yielded by a Requests pump. It carries the
// request itself, a sender into the channel's fan-in response queue, and
// the cancel registration the handler runs under.
type InFlightRequest[Req, Resp any] struct {
	log       *slog.Logger
	request   tarpc.Request[Req]
	ctx       context.Context
	responses chan<- pendingResponse[Resp]
}

// Request returns the request being handled.
func (ifr *InFlightRequest[Req, Resp]) Request() tarpc.Request[Req] {
	return ifr.request
}

// Context returns the cancel registration: a context that is cancelled
// when the client cancels this request, the request deadline passes, or
// the channel shuts down. Handlers dispatching manually must honor it.
func (ifr *InFlightRequest[Req, Resp]) Context() context.Context {
	return ifr.ctx
}

// Execute runs the request through serve and sends the result back to the
// channel that yielded it. serve runs under the cancel registration, which
// fires when the client cancels the request, the request deadline is
// reached, or the channel shuts down; Execute waits for serve to return,
// so serve stops early only if it observes that context. If the
// registration fired, any result is discarded: the client is no longer
// waiting.
//
// A non-nil error from serve travels to the client in Response.Error; it
// does not affect the channel.
func (ifr *InFlightRequest[Req, Resp]) Execute(serve Serve[Req, Resp]) {
	result, err := serve(ifr.ctx, ifr.request.Context, ifr.request.Message)

	if ifr.ctx.Err() != nil {
		ifr.log.Debug("Dropping response for aborted request",
			"trace_id", ifr.request.Context.Trace.TraceID,
			"request_id", ifr.request.ID,
		)

		return
	}

	resp := tarpc.Response[Resp]{RequestID: ifr.request.ID}
	if err != nil {
		resp.Error = tarpc.AsServerError(err)
	} else {
		resp.Message = result
	}

	// Delivery failure means the request was aborted or the pump went
	// away; either way the response is silently dropped.
	_ = ifr.Respond(resp)
}

// Respond sends a response for this request into the channel's fan-in
// queue. At most one response may be sent per request. The send blocks
// while the queue is full, creating back-pressure onto the handler, and
// fails with ErrResponseDropped if the request is aborted or the pump
// shuts down first.
func (ifr *InFlightRequest[Req, Resp]) Respond(resp tarpc.Response[Resp]) error {
	if ifr.ctx.Err() != nil {
		return errors.ErrResponseDropped
	}

	select {
	case ifr.responses <- pendingResponse[Resp]{cc: ifr.request.Context, resp: resp}:
		return nil
	case <-ifr.ctx.Done():
		return errors.ErrResponseDropped
	}
}
