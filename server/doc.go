// Package server implements the server-side channel core of the RPC
// runtime: it accepts many concurrent requests over one transport, tracks
// their deadlines, processes out-of-band cancellations, and funnels
// handler responses back onto the shared connection.
//
// The pieces compose bottom-up:
//
//   - BaseChannel wraps one Transport and demultiplexes client messages
//     into a request stream, handling cancellations internally.
//   - Requests drives a BaseChannel: it yields InFlightRequest handles to
//     user code and pumps their responses back to the transport.
//   - InFlightRequest runs a service function under cancellation and
//     sends its result into the channel's fan-in queue.
//   - Throttler and MaxChannelsPerKey are optional admission-control
//     wrappers layered on top.
//   - Run spawns every accepted channel, and every request within a
//     channel, onto its own goroutine.
//
// Example usage:
//
//	incoming := jsonl.Listen[string, string](ctx, log, lis, server.DefaultConfig())
//	err := server.Run(ctx, log, incoming,
//		func(ctx context.Context, cc tarpc.CallContext, req string) (string, error) {
//			return strings.ToUpper(req), nil
//		})
package server
