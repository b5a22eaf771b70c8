package adapter

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds that callers branch on. Transport and
// policy faults wrap these so errors.Is works across the adapter boundary.
var (
	// ErrSpawnFailed is returned when a stdio backend's command cannot be
	// located or executed.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrHandshakeTimeout is returned when the MCP initialize exchange does
	// not complete within the configured timeout.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrProcessExited is reported by the stdio transport when the child
	// terminates without Stop having been called.
	ErrProcessExited = errors.New("process exited")

	// ErrRequestTimeout fails an in-flight request whose deadline elapsed
	// before a matching reply arrived.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrTransportLost cancels in-flight requests when the transport goes
	// away underneath them.
	ErrTransportLost = errors.New("transport lost")

	// ErrStopped cancels in-flight requests when the adapter is stopped.
	ErrStopped = errors.New("adapter stopped")

	// ErrNotConnected is returned for sends on a transport that is not up.
	ErrNotConnected = errors.New("not connected")

	// ErrCircuitOpen rejects requests while the circuit breaker is open.
	// No bytes reach the transport for these.
	ErrCircuitOpen = errors.New("circuit open")
)

// CircuitOpenError carries the breaker snapshot alongside ErrCircuitOpen so
// the gateway can report breaker state in the JSON-RPC error data.
type CircuitOpenError struct {
	Status BreakerStatus
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open (failures=%d, since=%s)", e.Status.ConsecutiveFailures, e.Status.LastStateChange.Format("15:04:05"))
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }
