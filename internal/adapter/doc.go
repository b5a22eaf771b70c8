// Package adapter owns the connection to a single MCP backend.
//
// Each backend gets one Adapter, which layers the transport-agnostic
// JSON-RPC machinery over a Transport implementation:
//
//   - StdioTransport spawns the backend as a child process and frames
//     messages as newline-delimited JSON over its standard streams.
//   - SSETransport reaches a remote backend over an HTTP event stream for
//     inbound messages and a POST endpoint for outbound requests.
//
// The Adapter provides request/reply correlation with per-request
// deadlines, the MCP initialize handshake with capability caching, a retry
// supervisor that restarts a lost transport with exponential backoff, a
// per-backend circuit breaker, and rolling request statistics.
//
// # Concurrency
//
// A transport's reader goroutine delivers inbound messages through the
// MessageSink interface; any goroutine may call SendRequest concurrently.
// The in-flight request table is the single cancellation point: replies,
// deadlines, transport loss and Stop all resolve awaiters by removing their
// table entry, so every request is resolved exactly once.
package adapter
