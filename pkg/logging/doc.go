// Package logging provides the structured logging system for mcpgate.
//
// It is a thin layer over Go's standard slog package that gives every log
// entry a subsystem identifier, so output from the different parts of the
// gateway (Adapter, StdioTransport, SSETransport, Registry, Gateway,
// Bootstrap) can be filtered by log
// aggregation tooling.
//
// # Usage
//
//	import "mcpgate/pkg/logging"
//
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//
//	logging.Info("Registry", "Registered backend %s", name)
//	logging.Debug("Adapter", "Request %d completed in %s", id, elapsed)
//	logging.Error("Gateway", err, "Failed to route call for %s", name)
//
// Level filtering happens at the handler, so messages below the configured
// level cost no allocations.
//
// The package is safe for concurrent use from multiple goroutines.
package logging
