package server

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gregorydemay/tarpc"
	"github.com/gregorydemay/tarpc/internal/clock"
)

// BaseChannel is the server end of one open connection with a client. It
// wraps a Transport and keeps track of in-flight requests, converting the
// transport's stream of ClientMessages into a stream of plain requests.
//
// Cancellation messages are not surfaced: BaseChannel handles them
// internally by firing the corresponding in-flight request's cancel
// handle. Expired deadlines are handled the same way by the registry's
// timer.
//
// A BaseChannel is fail-stop: a transport error aborts the channel, and
// closing the channel fires the cancel handles of every request still in
// flight.
type BaseChannel[Req, Resp any] struct {
	log       *slog.Logger
	config    Config
	transport tarpc.Transport[Req, Resp]
	inflight  *inFlightRequests

	// Inbound halves, populated by start.
	msgs <-chan tarpc.ClientMessage[Req]
	errs <-chan error

	closeOnce sync.Once
	done      chan struct{}
}

// NewBaseChannel creates a channel backed by transport and configured with
// cfg. A nil logger disables logging.
func NewBaseChannel[Req, Resp any](
	log *slog.Logger,
	cfg Config,
	transport tarpc.Transport[Req, Resp],
) *BaseChannel[Req, Resp] {
	if log == nil {
		log = tarpc.NopLogger()
	}

	log = log.With("component", "channel")

	return &BaseChannel[Req, Resp]{
		log:       log,
		config:    cfg.withDefaults(),
		transport: transport,
		inflight:  newInFlightRequests(log, clock.System{}),
		done:      make(chan struct{}),
	}
}

// Transport returns the underlying transport. Useful for deriving a
// client key (e.g. the remote address) in a channel filter.
func (ch *BaseChannel[Req, Resp]) Transport() tarpc.Transport[Req, Resp] {
	return ch.transport
}

// Config returns the channel's configuration.
func (ch *BaseChannel[Req, Resp]) Config() Config {
	return ch.config
}

// InFlightRequests returns the number of requests currently in flight over
// this channel.
func (ch *BaseChannel[Req, Resp]) InFlightRequests() int {
	return ch.inflight.len()
}

// start begins reading from the transport. Called once by the Requests
// pump that owns this channel.
func (ch *BaseChannel[Req, Resp]) start(ctx context.Context) {
	ch.msgs, ch.errs = ch.transport.ReadMessages(ctx)
}

// Receive returns the next request from the client. Cancellation messages
// are consumed internally: the matching in-flight request is aborted and
// reading continues. Receive returns io.EOF once the client closes its
// write half, and keeps returning it on subsequent calls.
func (ch *BaseChannel[Req, Resp]) Receive(ctx context.Context) (tarpc.Request[Req], error) {
	var zero tarpc.Request[Req]

	for {
		select {
		case msg, ok := <-ch.msgs:
			if !ok {
				return zero, io.EOF
			}

			switch {
			case msg.Request != nil:
				return *msg.Request, nil

			case msg.Cancel != nil:
				ch.handleCancel(msg.Cancel)

			default:
				ch.log.Warn("Discarding client message that is neither request nor cancel")
			}

		case err, ok := <-ch.errs:
			if !ok {
				return zero, io.EOF
			}

			if err != nil {
				return zero, err
			}

		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (ch *BaseChannel[Req, Resp]) handleCancel(cancel *tarpc.CancelRequest) {
	if ch.inflight.cancel(cancel.RequestID) {
		ch.log.Debug("Request cancelled",
			"trace_id", cancel.Trace.TraceID,
			"request_id", cancel.RequestID,
			"in_flight", ch.inflight.len(),
		)

		return
	}

	ch.log.Debug("Received cancellation, but response handler is already complete",
		"trace_id", cancel.Trace.TraceID,
		"request_id", cancel.RequestID,
	)
}

// StartRequest registers a request ID with the channel. The request is
// tracked until a response with the same ID is sent, a cancellation for it
// arrives, or the deadline expires. The returned context is the cancel
// registration the request handler runs under.
func (ch *BaseChannel[Req, Resp]) StartRequest(
	ctx context.Context,
	id uint64,
	deadline time.Time,
) (context.Context, error) {
	return ch.inflight.start(ctx, id, deadline)
}

// Send hands a response to the transport. The in-flight entry for the
// response's request ID is removed first, so a deadline can never fire on
// an ID whose handler already completed, even if the transport write
// fails afterwards.
func (ch *BaseChannel[Req, Resp]) Send(ctx context.Context, resp tarpc.Response[Resp]) error {
	ch.inflight.remove(resp.RequestID)

	return ch.transport.Send(ctx, resp)
}

// Flush pushes buffered responses out to the client.
func (ch *BaseChannel[Req, Resp]) Flush(ctx context.Context) error {
	return ch.transport.Flush(ctx)
}

// Close tears down the transport and fires the cancel handle of every
// request still in flight. It is safe to call multiple times.
func (ch *BaseChannel[Req, Resp]) Close() error {
	var err error

	ch.closeOnce.Do(func() {
		ch.inflight.stop()
		err = ch.transport.Close()
		close(ch.done)
	})

	return err
}

// Done returns a channel that is closed when the channel has shut down.
func (ch *BaseChannel[Req, Resp]) Done() <-chan struct{} {
	return ch.done
}
