package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mcpgate/internal/adapter"
	"mcpgate/internal/config"
	"mcpgate/internal/protocol"
	"mcpgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// maxTransitionHistory caps the per-backend health transition ring.
const maxTransitionHistory = 100

// healthProbeTimeout bounds a single liveness ping.
const healthProbeTimeout = 10 * time.Second

// Backend is the registry's view of one adapter. *adapter.Adapter is the
// production implementation; tests substitute fakes through the build seam.
type Backend interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsConnected() bool
	Health() adapter.Health
	MarkUnhealthy(err error)
	Capabilities() *adapter.Capabilities
	SendRequest(ctx context.Context, method string, params interface{}) (*protocol.Message, error)
	Ping(ctx context.Context) error
	Status() adapter.Status
}

// BuildFunc constructs the backend for a configuration with the given
// event wiring.
type BuildFunc func(cfg config.BackendConfig, version string, events adapter.Events) (Backend, error)

// HealthTransition is one recorded health state change.
type HealthTransition struct {
	From adapter.Health `json:"from"`
	To   adapter.Health `json:"to"`
	At   time.Time      `json:"at"`
}

// ToolEntry is a tool annotated with its origin backend.
type ToolEntry struct {
	Server string
	Tool   mcp.Tool
}

// ResourceEntry is a resource annotated with its origin backend.
type ResourceEntry struct {
	Server   string
	Resource mcp.Resource
}

// PromptEntry is a prompt annotated with its origin backend.
type PromptEntry struct {
	Server string
	Prompt mcp.Prompt
}

// MergedCapabilities is the flat catalog across all healthy backends.
type MergedCapabilities struct {
	Tools     []ToolEntry
	Resources []ResourceEntry
	Prompts   []PromptEntry
}

// Registry owns the set of adapters. Registration order is preserved so the
// merged catalog is deterministic between runs.
type Registry struct {
	version string
	build   BuildFunc

	mu          sync.RWMutex
	backends    map[string]Backend
	order       []string
	transitions map[string][]HealthTransition

	stopHealth   chan struct{}
	healthOnce   sync.Once
	shutdownOnce sync.Once

	// OnHealthChanged, when set before any registration, observes every
	// backend health transition.
	OnHealthChanged func(name string, oldHealth, newHealth adapter.Health)
}

// New creates an empty registry. The version string is reported to backends
// as the gateway's clientInfo during the handshake.
func New(version string) *Registry {
	r := &Registry{
		version:     version,
		backends:    make(map[string]Backend),
		order:       nil,
		transitions: make(map[string][]HealthTransition),
		stopHealth:  make(chan struct{}),
	}
	r.build = func(cfg config.BackendConfig, v string, events adapter.Events) (Backend, error) {
		return adapter.New(cfg, v, events)
	}
	return r
}

// NewWithBuilder creates a registry with a custom backend constructor.
// Tests use this to register fakes.
func NewWithBuilder(version string, build BuildFunc) *Registry {
	r := New(version)
	r.build = build
	return r
}

// RegisterServer admits a backend: validates its configuration, constructs
// the adapter for its transport, wires event handling, and — unless lazy
// start is requested — attempts a synchronous start. A start failure is
// logged but does not prevent registration; the adapter stays present and
// unhealthy so the supervisor and status surface can report it.
func (r *Registry) RegisterServer(ctx context.Context, cfg config.BackendConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("backend %q: %w", cfg.Name, err)
	}

	r.mu.Lock()
	if _, exists := r.backends[cfg.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("backend %q already registered", cfg.Name)
	}
	r.mu.Unlock()

	events := adapter.Events{
		HealthChange: func(name string, oldHealth, newHealth adapter.Health) {
			r.recordTransition(name, oldHealth, newHealth)
		},
		Notification: func(name, method string, params json.RawMessage) {
			logging.Debug("Registry", "Backend %s notification %s", name, method)
		},
		Unhealthy: func(name string, err error) {
			logging.Warn("Registry", "Backend %s terminally unhealthy: %v", name, err)
		},
	}

	b, err := r.build(cfg, r.version, events)
	if err != nil {
		return fmt.Errorf("backend %q: %w", cfg.Name, err)
	}

	r.mu.Lock()
	if _, exists := r.backends[cfg.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("backend %q already registered", cfg.Name)
	}
	r.backends[cfg.Name] = b
	r.order = append(r.order, cfg.Name)
	r.mu.Unlock()

	logging.Info("Registry", "Registered backend %s (%s)", cfg.Name, cfg.Transport)

	if !cfg.LazyStart {
		if err := b.Start(ctx); err != nil {
			logging.Warn("Registry", "Backend %s failed to start: %v", cfg.Name, err)
		}
	}
	return nil
}

// UnregisterServer stops a backend and removes it from the registry.
func (r *Registry) UnregisterServer(ctx context.Context, name string) error {
	r.mu.Lock()
	b, exists := r.backends[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("backend %q not found", name)
	}
	delete(r.backends, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	delete(r.transitions, name)
	r.mu.Unlock()

	if err := b.Stop(ctx); err != nil {
		logging.Warn("Registry", "Error stopping backend %s: %v", name, err)
	}
	logging.Info("Registry", "Unregistered backend %s", name)
	return nil
}

// Get returns the backend for an identifier.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// GetEnsureStarted is the lazy-start hot path: a backend that has never
// been started (or was cleanly stopped) is started on first use. Unhealthy
// backends are left to the retry supervisor; starting them here would mask
// their failure history.
func (r *Registry) GetEnsureStarted(ctx context.Context, name string) (Backend, error) {
	b, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("backend %q not found", name)
	}
	if b.Health() == adapter.HealthStopped {
		if err := b.Start(ctx); err != nil {
			return nil, fmt.Errorf("backend %q failed to start: %w", name, err)
		}
	}
	return b, nil
}

// Names returns the backend identifiers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// GetMergedCapabilities walks every healthy backend in registration order
// and returns the flat catalog, each entry annotated with its origin.
// Within a backend the backend's own ordering is preserved.
func (r *Registry) GetMergedCapabilities() MergedCapabilities {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	backends := make(map[string]Backend, len(r.backends))
	for n, b := range r.backends {
		backends[n] = b
	}
	r.mu.RUnlock()

	var merged MergedCapabilities
	for _, name := range names {
		b := backends[name]
		if b.Health() != adapter.HealthHealthy {
			continue
		}
		caps := b.Capabilities()
		if caps == nil {
			continue
		}
		for _, tool := range caps.Tools {
			merged.Tools = append(merged.Tools, ToolEntry{Server: name, Tool: tool})
		}
		for _, resource := range caps.Resources {
			merged.Resources = append(merged.Resources, ResourceEntry{Server: name, Resource: resource})
		}
		for _, prompt := range caps.Prompts {
			merged.Prompts = append(merged.Prompts, PromptEntry{Server: name, Prompt: prompt})
		}
	}
	return merged
}

// StartHealthChecks installs the periodic liveness probe. Connected
// backends get a JSON-RPC ping; any error, error reply or disconnected
// transport flips the backend to unhealthy and records the transition.
func (r *Registry) StartHealthChecks(ctx context.Context, interval time.Duration) {
	r.healthOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-r.stopHealth:
					return
				case <-ticker.C:
					r.probeAll(ctx)
				}
			}
		}()
		logging.Info("Registry", "Health checks running every %s", interval)
	})
}

func (r *Registry) probeAll(ctx context.Context) {
	for _, name := range r.Names() {
		b, ok := r.Get(name)
		if !ok {
			continue
		}
		switch b.Health() {
		case adapter.HealthStopped, adapter.HealthStarting:
			continue
		}
		if !b.IsConnected() {
			if b.Health() == adapter.HealthHealthy {
				b.MarkUnhealthy(adapter.ErrNotConnected)
			}
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		err := b.Ping(pctx)
		cancel()
		if err != nil && b.Health() == adapter.HealthHealthy {
			logging.Warn("Registry", "Backend %s failed health check: %v", name, err)
			b.MarkUnhealthy(err)
		}
	}
}

// recordTransition appends to the capped per-backend transition ring and
// forwards to the observer.
func (r *Registry) recordTransition(name string, oldHealth, newHealth adapter.Health) {
	r.mu.Lock()
	ring := append(r.transitions[name], HealthTransition{From: oldHealth, To: newHealth, At: time.Now()})
	if len(ring) > maxTransitionHistory {
		ring = ring[len(ring)-maxTransitionHistory:]
	}
	r.transitions[name] = ring
	r.mu.Unlock()

	logging.Info("Registry", "Backend %s health: %s -> %s", name, oldHealth, newHealth)
	if r.OnHealthChanged != nil {
		r.OnHealthChanged(name, oldHealth, newHealth)
	}
}

// Transitions returns the recorded health transitions for a backend.
func (r *Registry) Transitions(name string) []HealthTransition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ring := r.transitions[name]
	out := make([]HealthTransition, len(ring))
	copy(out, ring)
	return out
}

// BackendStatus is the operator-facing snapshot of one backend.
type BackendStatus struct {
	adapter.Status
	Transitions []HealthTransition `json:"transitions,omitempty"`
}

// Status returns snapshots for all backends in registration order.
func (r *Registry) Status() []BackendStatus {
	names := r.Names()
	statuses := make([]BackendStatus, 0, len(names))
	for _, name := range names {
		b, ok := r.Get(name)
		if !ok {
			continue
		}
		statuses = append(statuses, BackendStatus{
			Status:      b.Status(),
			Transitions: r.Transitions(name),
		})
	}
	return statuses
}

// Shutdown stops every backend concurrently, waits for all of them, then
// clears the registry.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() { close(r.stopHealth) })

	r.mu.Lock()
	backends := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		g.Go(func() error {
			if err := b.Stop(gctx); err != nil {
				logging.Warn("Registry", "Error stopping backend %s: %v", b.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	r.mu.Lock()
	r.backends = make(map[string]Backend)
	r.order = nil
	r.transitions = make(map[string][]HealthTransition)
	r.mu.Unlock()

	logging.Info("Registry", "Shut down %d backends", len(backends))
	return err
}
