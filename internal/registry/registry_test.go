package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mcpgate/internal/adapter"
	"mcpgate/internal/config"
	"mcpgate/internal/protocol"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name string

	mu       sync.Mutex
	health   adapter.Health
	caps     *adapter.Capabilities
	startErr error
	pingErr  error
	starts   int
	stops    int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		f.health = adapter.HealthUnhealthy
		return f.startErr
	}
	f.health = adapter.HealthHealthy
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.health = adapter.HealthStopped
	return nil
}

func (f *fakeBackend) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health == adapter.HealthHealthy
}

func (f *fakeBackend) Health() adapter.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeBackend) MarkUnhealthy(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = adapter.HealthUnhealthy
}

func (f *fakeBackend) Capabilities() *adapter.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps
}

func (f *fakeBackend) SendRequest(ctx context.Context, method string, params interface{}) (*protocol.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeBackend) Status() adapter.Status {
	return adapter.Status{Name: f.name, Health: f.Health()}
}

func (f *fakeBackend) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// newFakeRegistry builds a registry whose builder returns pre-seeded fakes
// by backend name.
func newFakeRegistry(fakes map[string]*fakeBackend) *Registry {
	return NewWithBuilder("test", func(cfg config.BackendConfig, version string, events adapter.Events) (Backend, error) {
		b, ok := fakes[cfg.Name]
		if !ok {
			b = &fakeBackend{name: cfg.Name, health: adapter.HealthStopped}
			fakes[cfg.Name] = b
		}
		return b, nil
	})
}

func stdioCfg(name string) config.BackendConfig {
	return config.BackendConfig{
		Name:       name,
		Transport:  config.TransportStdio,
		Command:    "unused",
		Timeout:    config.DefaultRequestTimeout,
		MaxRetries: 1,
	}
}

func TestRegisterStartsBackend(t *testing.T) {
	fakes := map[string]*fakeBackend{}
	r := newFakeRegistry(fakes)

	require.NoError(t, r.RegisterServer(context.Background(), stdioCfg("fs")))

	starts, _ := fakes["fs"].counts()
	assert.Equal(t, 1, starts)

	b, ok := r.Get("fs")
	require.True(t, ok)
	assert.Equal(t, adapter.HealthHealthy, b.Health())
}

func TestRegisterRejectsInvalidAndDuplicateNames(t *testing.T) {
	r := newFakeRegistry(map[string]*fakeBackend{})

	assert.Error(t, r.RegisterServer(context.Background(), stdioCfg("1bad")))

	require.NoError(t, r.RegisterServer(context.Background(), stdioCfg("fs")))
	err := r.RegisterServer(context.Background(), stdioCfg("fs"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterKeepsFailedBackends(t *testing.T) {
	fakes := map[string]*fakeBackend{
		"broken": {name: "broken", health: adapter.HealthStopped, startErr: errors.New("spawn failed")},
	}
	r := newFakeRegistry(fakes)

	// A start failure is logged, not returned: the backend stays present
	// and unhealthy.
	require.NoError(t, r.RegisterServer(context.Background(), stdioCfg("broken")))
	b, ok := r.Get("broken")
	require.True(t, ok)
	assert.Equal(t, adapter.HealthUnhealthy, b.Health())
}

func TestLazyStart(t *testing.T) {
	fakes := map[string]*fakeBackend{}
	r := newFakeRegistry(fakes)

	cfg := stdioCfg("lazy")
	cfg.LazyStart = true
	require.NoError(t, r.RegisterServer(context.Background(), cfg))

	starts, _ := fakes["lazy"].counts()
	assert.Equal(t, 0, starts)

	b, err := r.GetEnsureStarted(context.Background(), "lazy")
	require.NoError(t, err)
	assert.Equal(t, adapter.HealthHealthy, b.Health())
	starts, _ = fakes["lazy"].counts()
	assert.Equal(t, 1, starts)

	// Already started: no second start.
	_, err = r.GetEnsureStarted(context.Background(), "lazy")
	require.NoError(t, err)
	starts, _ = fakes["lazy"].counts()
	assert.Equal(t, 1, starts)
}

func TestGetEnsureStartedUnknownBackend(t *testing.T) {
	r := newFakeRegistry(map[string]*fakeBackend{})
	_, err := r.GetEnsureStarted(context.Background(), "missing")
	assert.Error(t, err)
}

func TestGetEnsureStartedLeavesUnhealthyAlone(t *testing.T) {
	fakes := map[string]*fakeBackend{
		"sick": {name: "sick", health: adapter.HealthStopped},
	}
	r := newFakeRegistry(fakes)
	require.NoError(t, r.RegisterServer(context.Background(), stdioCfg("sick")))

	fakes["sick"].MarkUnhealthy(errors.New("crashed"))
	startsBefore, _ := fakes["sick"].counts()

	b, err := r.GetEnsureStarted(context.Background(), "sick")
	require.NoError(t, err)
	assert.Equal(t, adapter.HealthUnhealthy, b.Health())
	startsAfter, _ := fakes["sick"].counts()
	assert.Equal(t, startsBefore, startsAfter, "unhealthy backends belong to the supervisor")
}

func capsWithTool(name string) *adapter.Capabilities {
	return &adapter.Capabilities{
		Tools:     []mcp.Tool{{Name: name}},
		Resources: []mcp.Resource{{URI: "file:///" + name, Name: name}},
		Prompts:   []mcp.Prompt{{Name: name + "_prompt"}},
	}
}

func TestMergedCapabilitiesSkipUnhealthy(t *testing.T) {
	fakes := map[string]*fakeBackend{
		"alpha": {name: "alpha", health: adapter.HealthStopped, caps: capsWithTool("a")},
		"beta":  {name: "beta", health: adapter.HealthStopped, caps: capsWithTool("b")},
	}
	r := newFakeRegistry(fakes)
	require.NoError(t, r.RegisterServer(context.Background(), stdioCfg("alpha")))
	require.NoError(t, r.RegisterServer(context.Background(), stdioCfg("beta")))

	merged := r.GetMergedCapabilities()
	require.Len(t, merged.Tools, 2)
	require.Len(t, merged.Resources, 2)
	require.Len(t, merged.Prompts, 2)

	// Registration order drives catalog order.
	assert.Equal(t, "alpha", merged.Tools[0].Server)
	assert.Equal(t, "beta", merged.Tools[1].Server)

	// Unhealthy backends drop out of the merge entirely.
	fakes["beta"].MarkUnhealthy(errors.New("gone"))
	merged = r.GetMergedCapabilities()
	require.Len(t, merged.Tools, 1)
	assert.Equal(t, "alpha", merged.Tools[0].Server)
}

func TestProbeMarksFailingBackendsUnhealthy(t *testing.T) {
	fakes := map[string]*fakeBackend{}
	r := newFakeRegistry(fakes)
	require.NoError(t, r.RegisterServer(context.Background(), stdioCfg("fs")))
	require.Equal(t, adapter.HealthHealthy, fakes["fs"].Health())

	fakes["fs"].mu.Lock()
	fakes["fs"].pingErr = errors.New("ping: no reply")
	fakes["fs"].mu.Unlock()

	r.probeAll(context.Background())
	assert.Equal(t, adapter.HealthUnhealthy, fakes["fs"].Health())
}

func TestProbeSkipsStoppedBackends(t *testing.T) {
	fakes := map[string]*fakeBackend{}
	r := newFakeRegistry(fakes)
	cfg := stdioCfg("lazy")
	cfg.LazyStart = true
	require.NoError(t, r.RegisterServer(context.Background(), cfg))

	r.probeAll(context.Background())
	assert.Equal(t, adapter.HealthStopped, fakes["lazy"].Health())
}

func TestTransitionRingIsCapped(t *testing.T) {
	r := newFakeRegistry(map[string]*fakeBackend{})
	for i := 0; i < maxTransitionHistory+20; i++ {
		r.recordTransition("fs", adapter.HealthHealthy, adapter.HealthUnhealthy)
	}
	assert.Len(t, r.Transitions("fs"), maxTransitionHistory)
}

func TestUnregisterStopsAndRemoves(t *testing.T) {
	fakes := map[string]*fakeBackend{}
	r := newFakeRegistry(fakes)
	require.NoError(t, r.RegisterServer(context.Background(), stdioCfg("fs")))

	require.NoError(t, r.UnregisterServer(context.Background(), "fs"))
	_, stops := fakes["fs"].counts()
	assert.Equal(t, 1, stops)
	_, ok := r.Get("fs")
	assert.False(t, ok)

	assert.Error(t, r.UnregisterServer(context.Background(), "fs"))
}

func TestShutdownStopsEverything(t *testing.T) {
	fakes := map[string]*fakeBackend{}
	r := newFakeRegistry(fakes)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.RegisterServer(context.Background(), stdioCfg(name)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	for name, f := range fakes {
		_, stops := f.counts()
		assert.Equal(t, 1, stops, "backend %s", name)
	}
	assert.Empty(t, r.Names())

	// Shutdown is safe to call twice.
	require.NoError(t, r.Shutdown(ctx))
}
