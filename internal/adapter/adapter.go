package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/protocol"
	"mcpgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// Health is the adapter lifecycle state.
type Health string

const (
	HealthStopped   Health = "stopped"
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Retry supervisor tuning. Delays follow min(max, base*2^attempt) plus a
// uniform jitter of up to jitterFraction*base. An attempt only counts as
// recovered once the transport survives the stability window; a backend that
// crashes right after its handshake keeps consuming attempts until the
// budget is exhausted.
const (
	retryBaseDelay       = time.Second
	retryMaxDelay        = 30 * time.Second
	retryJitterFraction  = 0.1
	retryStabilityWindow = retryBaseDelay
)

// Events are the adapter's wiring-time callback slots. All fields are
// optional; nil slots are skipped. Callbacks are invoked without adapter
// locks held.
type Events struct {
	// HealthChange fires on every health transition.
	HealthChange func(name string, oldHealth, newHealth Health)
	// Notification fires for inbound messages that carry a method and are
	// not replies: notifications, and requests the backend initiates.
	Notification func(name, method string, params json.RawMessage)
	// Unhealthy fires once when the retry supervisor exhausts its budget.
	Unhealthy func(name string, err error)
}

// Capabilities is the cached result of the MCP handshake with a backend.
type Capabilities struct {
	ServerInfo mcp.Implementation
	Server     mcp.ServerCapabilities
	Tools      []mcp.Tool
	Resources  []mcp.Resource
	Prompts    []mcp.Prompt
}

// StatsSnapshot is the JSON-friendly view of the rolling request statistics.
type StatsSnapshot struct {
	TotalRequests int64     `json:"totalRequests"`
	TotalErrors   int64     `json:"totalErrors"`
	LastRequestAt time.Time `json:"lastRequestAt,omitempty"`
	LastErrorAt   time.Time `json:"lastErrorAt,omitempty"`
	AvgLatencyMs  float64   `json:"avgLatencyMs"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
	LastError     string    `json:"lastError,omitempty"`
}

// Status is the operator-facing snapshot of one adapter.
type Status struct {
	Name          string        `json:"name"`
	Transport     string        `json:"transport"`
	Health        Health        `json:"health"`
	Connected     bool          `json:"connected"`
	Breaker       BreakerStatus `json:"breaker"`
	RetryAttempts int           `json:"retryAttempts"`
	Stats         StatsSnapshot `json:"stats"`
}

type requestOutcome struct {
	msg *protocol.Message
	err error
}

type pendingRequest struct {
	ch    chan requestOutcome
	timer *time.Timer
	start time.Time
}

// Adapter owns one backend's JSON-RPC session: request/reply correlation,
// the MCP handshake, retry supervision and the circuit breaker. The wire
// itself is behind the Transport interface.
type Adapter struct {
	cfg     config.BackendConfig
	version string
	events  Events
	breaker *CircuitBreaker

	transport Transport

	mu       sync.Mutex
	health   Health
	caps     *Capabilities
	pending  map[int64]*pendingRequest
	stopping bool

	nextID atomic.Int64

	// rolling statistics, guarded by mu
	totalRequests int64
	totalErrors   int64
	lastRequestAt time.Time
	lastErrorAt   time.Time
	avgLatency    time.Duration
	startedAt     time.Time
	lastError     string

	// retry supervisor, guarded by retryMu
	retryMu       sync.Mutex
	retryAttempts int
	retryTimer    *time.Timer
	lastStartedAt time.Time
}

// New builds an adapter for the backend with the transport selected by its
// configuration.
func New(cfg config.BackendConfig, version string, events Events) (*Adapter, error) {
	a := newAdapter(cfg, version, events)
	switch cfg.Transport {
	case config.TransportStdio:
		a.transport = NewStdioTransport(cfg, a)
	case config.TransportSSE:
		t, err := NewSSETransport(cfg, a)
		if err != nil {
			return nil, err
		}
		a.transport = t
	default:
		return nil, fmt.Errorf("unknown transport %q for backend %s", cfg.Transport, cfg.Name)
	}
	return a, nil
}

// NewWithTransport builds an adapter over a caller-supplied transport. Tests
// use this to drive the JSON-RPC machinery over a fake wire.
func NewWithTransport(cfg config.BackendConfig, version string, events Events, factory TransportFactory) (*Adapter, error) {
	a := newAdapter(cfg, version, events)
	t, err := factory(a)
	if err != nil {
		return nil, err
	}
	a.transport = t
	return a, nil
}

func newAdapter(cfg config.BackendConfig, version string, events Events) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = config.DefaultRequestTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = config.DefaultMaxRetries
	}
	if version == "" {
		version = "dev"
	}
	return &Adapter{
		cfg:     cfg,
		version: version,
		events:  events,
		breaker: NewCircuitBreaker(DefaultBreakerConfig()),
		health:  HealthStopped,
		pending: make(map[int64]*pendingRequest),
	}
}

// Name returns the backend identifier this adapter serves.
func (a *Adapter) Name() string { return a.cfg.Name }

// Health returns the current lifecycle state.
func (a *Adapter) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

// IsConnected reports whether the underlying transport is up.
func (a *Adapter) IsConnected() bool { return a.transport.IsConnected() }

// Capabilities returns the cached handshake result, or nil before the first
// successful handshake.
func (a *Adapter) Capabilities() *Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

// Start brings the transport up and runs the MCP handshake. Calling Start on
// a healthy adapter is an idempotent no-op; the cached capabilities remain
// valid.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.health == HealthHealthy || a.health == HealthStarting {
		a.mu.Unlock()
		return nil
	}
	a.stopping = false
	a.mu.Unlock()
	a.setHealth(HealthStarting)

	if err := a.transport.Start(ctx); err != nil {
		a.recordFault(err)
		a.setHealth(HealthUnhealthy)
		return fmt.Errorf("backend %s: %w", a.cfg.Name, err)
	}

	if err := a.handshake(ctx); err != nil {
		a.recordFault(err)
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.transport.Stop(stopCtx)
		cancel()
		a.setHealth(HealthUnhealthy)
		return fmt.Errorf("backend %s: %w", a.cfg.Name, err)
	}

	a.mu.Lock()
	a.startedAt = time.Now()
	a.mu.Unlock()
	a.retryMu.Lock()
	a.lastStartedAt = time.Now()
	a.retryMu.Unlock()

	a.setHealth(HealthHealthy)
	logging.Info("Adapter", "Backend %s started (%s transport)", a.cfg.Name, a.cfg.Transport)
	return nil
}

// Stop cancels all in-flight requests and tears the transport down.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.health == HealthStopped {
		a.mu.Unlock()
		return nil
	}
	a.stopping = true
	a.mu.Unlock()

	a.stopRetryTimer()
	a.cancelPending(ErrStopped)

	err := a.transport.Stop(ctx)
	a.setHealth(HealthStopped)
	logging.Info("Adapter", "Backend %s stopped", a.cfg.Name)
	return err
}

// MarkUnhealthy flips the adapter to unhealthy, recording the reason. The
// registry's liveness probe uses this when a ping fails.
func (a *Adapter) MarkUnhealthy(err error) {
	a.recordFault(err)
	a.setHealth(HealthUnhealthy)
}

// SendRequest issues a JSON-RPC request and waits for the matching reply,
// the per-request deadline, or ctx cancellation, whichever comes first. A
// backend-reported error object is returned as a normal reply; the error
// return is reserved for transport and policy failures.
func (a *Adapter) SendRequest(ctx context.Context, method string, params interface{}) (*protocol.Message, error) {
	if err := a.breaker.Allow(); err != nil {
		return nil, err
	}

	id := a.nextID.Add(1)
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	pr := &pendingRequest{
		ch:    make(chan requestOutcome, 1),
		start: time.Now(),
	}

	a.mu.Lock()
	if a.stopping || a.health == HealthStopped {
		a.mu.Unlock()
		return nil, ErrNotConnected
	}
	a.pending[id] = pr
	pr.timer = time.AfterFunc(a.cfg.Timeout, func() { a.expireRequest(id) })
	a.mu.Unlock()

	if err := a.transport.SendRaw(ctx, payload); err != nil {
		a.resolveRequest(id, requestOutcome{err: err}, true)
		return nil, fmt.Errorf("backend %s: %w", a.cfg.Name, err)
	}

	select {
	case out := <-pr.ch:
		if out.err != nil {
			return nil, fmt.Errorf("backend %s: %w", a.cfg.Name, out.err)
		}
		return out.msg, nil
	case <-ctx.Done():
		a.resolveRequest(id, requestOutcome{}, false)
		return nil, ctx.Err()
	}
}

// SendNotification writes a JSON-RPC notification and does not wait.
func (a *Adapter) SendNotification(ctx context.Context, method string, params interface{}) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return a.transport.SendRaw(ctx, payload)
}

// Ping sends the JSON-RPC ping method and reports any transport error or
// error reply.
func (a *Adapter) Ping(ctx context.Context) error {
	resp, err := a.SendRequest(ctx, protocol.MethodPing, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Status returns the operator-facing snapshot of this adapter.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	snap := StatsSnapshot{
		TotalRequests: a.totalRequests,
		TotalErrors:   a.totalErrors,
		LastRequestAt: a.lastRequestAt,
		LastErrorAt:   a.lastErrorAt,
		AvgLatencyMs:  float64(a.avgLatency) / float64(time.Millisecond),
		LastError:     a.lastError,
	}
	if !a.startedAt.IsZero() && a.health == HealthHealthy {
		snap.UptimeSeconds = time.Since(a.startedAt).Seconds()
	}
	health := a.health
	a.mu.Unlock()

	a.retryMu.Lock()
	attempts := a.retryAttempts
	a.retryMu.Unlock()

	return Status{
		Name:          a.cfg.Name,
		Transport:     string(a.cfg.Transport),
		Health:        health,
		Connected:     a.transport.IsConnected(),
		Breaker:       a.breaker.Status(),
		RetryAttempts: attempts,
		Stats:         snap,
	}
}

// Breaker exposes the circuit breaker, mainly for tests and the status
// surface.
func (a *Adapter) Breaker() *CircuitBreaker { return a.breaker }

// HandleRawMessage is the MessageSink entry point for inbound framed
// messages from the transport.
func (a *Adapter) HandleRawMessage(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		logging.Warn("Adapter", "Backend %s sent a malformed message: %v", a.cfg.Name, err)
		return
	}

	if id, ok := msg.NumericID(); ok && msg.Method == "" {
		a.dispatchReply(id, msg)
		return
	}

	if msg.Method != "" {
		logging.Debug("Adapter", "Backend %s notification: %s", a.cfg.Name, msg.Method)
		if a.events.Notification != nil {
			a.events.Notification(a.cfg.Name, msg.Method, msg.Params)
		}
		return
	}

	logging.Debug("Adapter", "Backend %s sent a message with neither a numeric id nor a method", a.cfg.Name)
}

// HandleTransportClosed is the MessageSink entry point for unexpected
// transport termination. It cancels in-flight requests and hands control to
// the retry supervisor.
func (a *Adapter) HandleTransportClosed(err error) {
	a.mu.Lock()
	if a.stopping || a.health == HealthStopped {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	logging.Warn("Adapter", "Backend %s transport lost: %v", a.cfg.Name, err)
	a.recordFault(err)
	a.cancelPending(ErrTransportLost)
	a.setHealth(HealthUnhealthy)

	// A transport that stayed up past the stability window recovered for
	// real; its crash starts a fresh attempt budget. One that died right
	// after the handshake keeps consuming the current budget.
	a.retryMu.Lock()
	if !a.lastStartedAt.IsZero() && time.Since(a.lastStartedAt) >= retryStabilityWindow {
		a.retryAttempts = 0
	}
	a.retryMu.Unlock()

	a.scheduleRetry()
}

func (a *Adapter) dispatchReply(id int64, msg *protocol.Message) {
	a.mu.Lock()
	pr, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		pr.timer.Stop()
	}
	a.mu.Unlock()
	if !ok {
		logging.Debug("Adapter", "Backend %s reply for unknown request id %d", a.cfg.Name, id)
		return
	}

	latency := time.Since(pr.start)
	if msg.Error != nil {
		a.recordError(msg.Error)
		a.breaker.RecordFailure()
	} else {
		a.recordSuccess(latency)
		a.breaker.RecordSuccess()
	}
	pr.ch <- requestOutcome{msg: msg}
}

// expireRequest fires when a request's deadline elapses before a reply.
func (a *Adapter) expireRequest(id int64) {
	a.mu.Lock()
	pr, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	a.recordError(ErrRequestTimeout)
	a.breaker.RecordFailure()
	pr.ch <- requestOutcome{err: ErrRequestTimeout}
}

// resolveRequest evicts a pending entry outside the reply path: send
// failures (deliver=true routes the outcome to any concurrent waiter) and
// ctx cancellation (deliver=false, the caller already returned).
func (a *Adapter) resolveRequest(id int64, out requestOutcome, deliver bool) {
	a.mu.Lock()
	pr, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		pr.timer.Stop()
	}
	a.mu.Unlock()
	if ok && deliver {
		pr.ch <- out
	}
}

// cancelPending fails every in-flight request with the given reason.
func (a *Adapter) cancelPending(reason error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[int64]*pendingRequest)
	a.mu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		pr.ch <- requestOutcome{err: reason}
	}
	if len(pending) > 0 {
		logging.Debug("Adapter", "Backend %s cancelled %d in-flight requests: %v", a.cfg.Name, len(pending), reason)
	}
}

// handshake runs the MCP initialize exchange and caches the backend's
// capabilities. List failures are tolerated; the backend stays usable with
// a partial capability set.
func (a *Adapter) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	initParams := struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ClientCapabilities `json:"capabilities"`
		ClientInfo      mcp.Implementation     `json:"clientInfo"`
	}{
		ProtocolVersion: protocol.MCPProtocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.Implementation{Name: "mcp-gateway", Version: a.version},
	}

	resp, err := a.SendRequest(hctx, protocol.MethodInitialize, initParams)
	if err != nil {
		if errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %w", resp.Error)
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &initResult); err != nil {
		return fmt.Errorf("malformed initialize result: %w", err)
	}

	if err := a.SendNotification(hctx, protocol.NotificationInitialized, nil); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	caps := &Capabilities{
		ServerInfo: initResult.ServerInfo,
		Server:     initResult.Capabilities,
	}

	if initResult.Capabilities.Tools != nil {
		if tools, err := a.fetchTools(hctx); err != nil {
			logging.Warn("Adapter", "Backend %s tools/list failed: %v", a.cfg.Name, err)
		} else {
			caps.Tools = tools
		}
	}
	if initResult.Capabilities.Resources != nil {
		if resources, err := a.fetchResources(hctx); err != nil {
			logging.Warn("Adapter", "Backend %s resources/list failed: %v", a.cfg.Name, err)
		} else {
			caps.Resources = resources
		}
	}
	if initResult.Capabilities.Prompts != nil {
		if prompts, err := a.fetchPrompts(hctx); err != nil {
			logging.Warn("Adapter", "Backend %s prompts/list failed: %v", a.cfg.Name, err)
		} else {
			caps.Prompts = prompts
		}
	}

	a.mu.Lock()
	a.caps = caps
	a.mu.Unlock()

	logging.Debug("Adapter", "Backend %s handshake complete: %d tools, %d resources, %d prompts",
		a.cfg.Name, len(caps.Tools), len(caps.Resources), len(caps.Prompts))
	return nil
}

func (a *Adapter) fetchTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := a.SendRequest(ctx, protocol.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (a *Adapter) fetchResources(ctx context.Context) ([]mcp.Resource, error) {
	resp, err := a.SendRequest(ctx, protocol.MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result mcp.ListResourcesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (a *Adapter) fetchPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	resp, err := a.SendRequest(ctx, protocol.MethodPromptsList, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result mcp.ListPromptsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// scheduleRetry plans the next restart attempt, or marks the adapter
// terminally unhealthy once the budget is spent.
func (a *Adapter) scheduleRetry() {
	a.retryMu.Lock()

	if a.retryAttempts >= a.cfg.MaxRetries {
		a.retryMu.Unlock()
		err := fmt.Errorf("backend %s: gave up after %d restart attempts", a.cfg.Name, a.cfg.MaxRetries)
		logging.Error("Adapter", err, "Backend %s is terminally unhealthy", a.cfg.Name)
		if a.events.Unhealthy != nil {
			a.events.Unhealthy(a.cfg.Name, err)
		}
		return
	}

	attempt := a.retryAttempts
	a.retryAttempts++
	delay := retryDelay(attempt)
	a.retryTimer = time.AfterFunc(delay, a.retryStart)
	a.retryMu.Unlock()

	logging.Info("Adapter", "Backend %s restart attempt %d scheduled in %s", a.cfg.Name, attempt+1, delay)
}

func (a *Adapter) retryStart() {
	a.mu.Lock()
	if a.stopping || a.health == HealthStopped {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logging.Warn("Adapter", "Backend %s restart failed: %v", a.cfg.Name, err)
		a.scheduleRetry()
	}
}

func (a *Adapter) stopRetryTimer() {
	a.retryMu.Lock()
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	a.retryAttempts = 0
	a.retryMu.Unlock()
}

// retryDelay computes the supervisor backoff for the given attempt number.
func retryDelay(attempt int) time.Duration {
	delay := retryBaseDelay << uint(attempt)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Float64() * retryJitterFraction * float64(retryBaseDelay))
	return delay + jitter
}

func (a *Adapter) setHealth(next Health) {
	a.mu.Lock()
	old := a.health
	if old == next {
		a.mu.Unlock()
		return
	}
	a.health = next
	a.mu.Unlock()

	if a.events.HealthChange != nil {
		a.events.HealthChange(a.cfg.Name, old, next)
	}
}

func (a *Adapter) recordSuccess(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
	a.lastRequestAt = time.Now()
	// cumulative moving average
	a.avgLatency += (latency - a.avgLatency) / time.Duration(a.totalRequests)
}

// recordError notes a failed request outcome.
func (a *Adapter) recordError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
	a.totalErrors++
	now := time.Now()
	a.lastRequestAt = now
	a.lastErrorAt = now
	if err != nil {
		a.lastError = err.Error()
	}
}

// recordFault notes a lifecycle failure (spawn, handshake, transport loss)
// without skewing the request counters.
func (a *Adapter) recordFault(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastErrorAt = time.Now()
	if err != nil {
		a.lastError = err.Error()
	}
}
