package adapter

import "context"

// Transport is the wire-level capability an adapter drives. The two
// implementations are the stdio child-process transport and the SSE
// event-stream transport; everything above these four primitives lives in
// the transport-agnostic Adapter.
type Transport interface {
	// Start brings the transport up: spawn the child process or open the
	// event stream. It returns once inbound messages can flow.
	Start(ctx context.Context) error

	// Stop tears the transport down. It is safe to call on a transport
	// that never started.
	Stop(ctx context.Context) error

	// IsConnected reports whether the transport can currently carry
	// messages.
	IsConnected() bool

	// SendRaw writes one framed JSON-RPC message. The write is atomic per
	// message; concurrent senders never interleave.
	SendRaw(ctx context.Context, payload []byte) error
}

// MessageSink receives inbound traffic and lifecycle faults from a
// Transport. The Adapter is the only implementation; transports hold it as
// an interface to keep the dependency one-way.
type MessageSink interface {
	// HandleRawMessage delivers one inbound framed message.
	HandleRawMessage(data []byte)

	// HandleTransportClosed reports that the transport terminated
	// unexpectedly. It is not called for Stop-initiated teardown.
	HandleTransportClosed(err error)
}

// TransportFactory builds the transport for a backend, with the adapter
// already wired in as the sink. Tests substitute fakes here.
type TransportFactory func(sink MessageSink) (Transport, error)
