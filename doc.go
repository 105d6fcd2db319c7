// Package tarpc provides the building blocks of a multiplexed RPC runtime.
//
// A single bidirectional transport between a client and a server carries
// interleaved request and cancellation messages in one direction and
// response messages in the other. Requests are tagged with a 64-bit
// identifier; responses echo that identifier, so many requests can be in
// flight on one connection at the same time.
//
// This package holds the wire-level data model (Request, Response,
// ClientMessage), the call context carried with every request (deadline and
// trace identifiers), and the Transport contract that concrete transports
// implement. The server-side channel core that tracks in-flight requests,
// honors deadlines, and processes cancellations lives in the server
// package; a newline-delimited JSON transport lives in transports/jsonl.
package tarpc
