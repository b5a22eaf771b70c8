// Package registry owns the set of backend adapters.
//
// The registry admits backends from configuration, constructs the adapter
// matching each backend's transport, merges capabilities from healthy
// backends into one deterministic catalog (registration order across
// backends, backend order within), runs the periodic liveness probe, and
// fans shutdown out to every adapter concurrently.
//
// Registration order is the only ordering the registry promises: clients
// get a reproducible catalog between runs as long as the configuration
// order is stable.
package registry
