package server

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gregorydemay/tarpc"
)

// Serve is a service function: given a call context and a request message,
// it asynchronously produces a response message. The context is the
// request's cancel registration; implementations should observe it at
// their blocking points.
//
// A returned error travels to the client in Response.Error rather than
// aborting the channel. Serve values are shared across concurrently
// executing requests and must be safe for concurrent use.
type Serve[Req, Resp any] func(ctx context.Context, cc tarpc.CallContext, req Req) (Resp, error)

// Execute runs the pump until completion, handling every request
// concurrently on its own goroutine. It returns after all handlers have
// finished and the channel has shut down, with the error that terminated
// the pump (nil on clean shutdown).
func (r *Requests[Req, Resp]) Execute(serve Serve[Req, Resp]) error {
	return executeStream(r.C(), r, serve)
}

func executeStream[Req, Resp any](
	stream <-chan *InFlightRequest[Req, Resp],
	pump *Requests[Req, Resp],
	serve Serve[Req, Resp],
) error {
	var handlers sync.WaitGroup

	for handle := range stream {
		handlers.Go(func() { handle.Execute(serve) })
	}

	handlers.Wait()
	<-pump.Done()

	return pump.Err()
}

// Run drives the server: each channel yielded by incoming is handled on
// its own goroutine, and each request within a channel on another. A
// channel whose requests stream errors out is logged and dropped; it does
// not tear down the rest of the server. Run returns once incoming is
// closed or ctx is cancelled, after all channels have completed.
func Run[Req, Resp any](
	ctx context.Context,
	log *slog.Logger,
	incoming <-chan *BaseChannel[Req, Resp],
	serve Serve[Req, Resp],
) error {
	if log == nil {
		log = tarpc.NopLogger()
	}

	log = log.With("component", "server")

	group, groupCtx := errgroup.WithContext(ctx)

loop:
	for {
		select {
		case ch, ok := <-incoming:
			if !ok {
				break loop
			}

			group.Go(func() error {
				requests := ch.Requests()
				if err := requests.Start(groupCtx); err != nil {
					log.Warn("Failed to start channel", "error", err)

					return nil
				}

				if err := requests.Execute(serve); err != nil {
					log.Info("Requests stream errored out", "error", err)
				}

				return nil
			})

		case <-ctx.Done():
			break loop
		}
	}

	err := group.Wait()
	log.Info("Server shutting down")

	if err != nil {
		return err
	}

	return ctx.Err()
}
