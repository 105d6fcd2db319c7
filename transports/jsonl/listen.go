package jsonl

import (
	"context"
	"log/slog"
	"net"

	"github.com/gregorydemay/tarpc"
	"github.com/gregorydemay/tarpc/server"
)

// Listen accepts connections from lis and yields one ready BaseChannel per
// connection. The stream closes when ctx is cancelled or the listener
// fails; cancelling ctx also closes the listener so Accept unblocks.
//
// The result composes directly with server.MaxChannelsPerKey and
// server.Run.
func Listen[Req, Resp any](
	ctx context.Context,
	log *slog.Logger,
	lis net.Listener,
	cfg server.Config,
) <-chan *server.BaseChannel[Req, Resp] {
	if log == nil {
		log = tarpc.NopLogger()
	}

	log = log.With("component", "listener")
	out := make(chan *server.BaseChannel[Req, Resp])

	go func() {
		defer close(out)

		stop := context.AfterFunc(ctx, func() { lis.Close() })
		defer stop()

		for {
			conn, err := lis.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("Accept failed", "error", err)
				}

				return
			}

			log.Debug("Accepted connection", "remote_addr", conn.RemoteAddr())

			channel := server.NewBaseChannel[Req, Resp](log, cfg, New[Req, Resp](log, conn))

			select {
			case out <- channel:
			case <-ctx.Done():
				channel.Close()

				return
			}
		}
	}()

	return out
}
