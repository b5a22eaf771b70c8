// Package gateway is the MCP-facing facade clients talk to.
//
// It accepts inbound JSON-RPC over three HTTP endpoints - a long-lived SSE
// stream (/sse), its paired message endpoint (/message) and a stateless RPC
// endpoint (/rpc) - and implements the MCP method set by querying the
// registry for catalogs and the router for namespaced dispatch.
//
// A client that opens /sse gets a session: the first event on the stream
// names the message endpoint and the session id, replies to session-bound
// requests are additionally pushed onto the stream as message events, and a
// comment heartbeat keeps the connection alive. Idle sessions are evicted
// by a periodic sweep.
package gateway
