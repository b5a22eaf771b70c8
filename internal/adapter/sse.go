package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mcpgate/internal/config"
	"mcpgate/pkg/logging"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// sseConnectTimeout bounds how long Start waits for the backend's endpoint
// event before giving up.
const sseConnectTimeout = 30 * time.Second

// SSETransport reaches a remote backend over an HTTP event stream. The
// backend's first event, tagged "endpoint", names the POST target and a
// session id; subsequent "message" events carry JSON-RPC payloads inbound,
// and outbound requests go out as POSTs to the remembered endpoint.
type SSETransport struct {
	cfg     config.BackendConfig
	sink    MessageSink
	client  *http.Client
	baseURL *url.URL
	tokens  *tokenSource // nil when the backend needs no bearer token

	mu        sync.Mutex
	connected bool
	stopping  bool
	cancel    context.CancelFunc
	endpoint  string
	sessionID string
}

// NewSSETransport builds the event-stream transport for a backend.
func NewSSETransport(cfg config.BackendConfig, sink MessageSink) (*SSETransport, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", cfg.URL, err)
	}
	t := &SSETransport{
		cfg:     cfg,
		sink:    sink,
		client:  &http.Client{},
		baseURL: base,
	}
	if cfg.Auth != nil {
		t.tokens = newTokenSource(cfg.Auth)
	}
	return t, nil
}

// Start opens the event stream and waits for the endpoint event.
func (t *SSETransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.stopping = false
	t.mu.Unlock()

	resp, err := t.openStream(ctx)
	if err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	endpointReady := make(chan struct{})
	go t.readStream(streamCtx, resp.Body, endpointReady)

	select {
	case <-endpointReady:
	case <-ctx.Done():
		cancel()
		resp.Body.Close()
		return fmt.Errorf("waiting for endpoint event: %w", ctx.Err())
	case <-time.After(sseConnectTimeout):
		cancel()
		resp.Body.Close()
		return fmt.Errorf("backend %s sent no endpoint event within %s", t.cfg.Name, sseConnectTimeout)
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel() // release the watcher of a previously lost stream
	}
	t.cancel = cancel
	t.connected = true
	t.mu.Unlock()

	logging.Debug("SSETransport", "Backend %s stream open, endpoint %s", t.cfg.Name, t.postTarget())
	return nil
}

// Stop closes the event stream.
func (t *SSETransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stopping = true
	t.connected = false
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// IsConnected reports whether the event stream is up.
func (t *SSETransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.stopping
}

// SendRaw posts one JSON-RPC message to the backend's message endpoint. A
// 401 triggers one silent token refresh and a single retry; any other
// non-2xx status fails the request.
func (t *SSETransport) SendRaw(ctx context.Context, payload []byte) error {
	target := t.postTarget()
	if target == "" {
		return ErrNotConnected
	}

	resp, err := t.post(ctx, target, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && t.tokens != nil {
		drain(resp)
		t.tokens.invalidate()
		resp, err = t.post(ctx, target, payload)
		if err != nil {
			return err
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("message endpoint returned %s", resp.Status)
	}
	return nil
}

func (t *SSETransport) post(ctx context.Context, target string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	if err := t.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("message post: %w", err)
	}
	return resp, nil
}

// openStream issues the GET for the event stream, refreshing the bearer
// token once on a 401.
func (t *SSETransport) openStream(ctx context.Context) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid stream request: %w", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
		if err := t.authorize(ctx, req); err != nil {
			return nil, err
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("stream connect: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized && t.tokens != nil && attempt == 0 {
			drain(resp)
			t.tokens.invalidate()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			drain(resp)
			return nil, fmt.Errorf("stream connect returned %s", resp.Status)
		}
		return resp, nil
	}
}

func (t *SSETransport) authorize(ctx context.Context, req *http.Request) error {
	if t.tokens == nil {
		return nil
	}
	token, err := t.tokens.token(ctx)
	if err != nil {
		return fmt.Errorf("token acquisition: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// readStream parses the event stream: "endpoint" events memorize the POST
// target and session id, "message" events (the default event type) are
// handed to the sink.
func (t *SSETransport) readStream(ctx context.Context, body io.ReadCloser, endpointReady chan struct{}) {
	defer body.Close()

	go func() {
		<-ctx.Done()
		body.Close()
	}()

	var (
		eventName   string
		data        []string
		gotEndpoint bool
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				payload := strings.Join(data, "\n")
				switch eventName {
				case "endpoint":
					if !gotEndpoint && t.handleEndpointEvent(payload) {
						gotEndpoint = true
						close(endpointReady)
					}
				case "", "message":
					t.sink.HandleRawMessage([]byte(payload))
				default:
					logging.Debug("SSETransport", "Backend %s ignoring event %q", t.cfg.Name, eventName)
				}
			}
			eventName = ""
			data = data[:0]
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	t.mu.Lock()
	wasStopping := t.stopping || ctx.Err() != nil
	t.connected = false
	t.mu.Unlock()

	if !wasStopping {
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		t.sink.HandleTransportClosed(fmt.Errorf("%w: event stream ended: %v", ErrTransportLost, err))
	}
}

func (t *SSETransport) handleEndpointEvent(payload string) bool {
	var ev struct {
		Endpoint  string `json:"endpoint"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Endpoint == "" {
		logging.Warn("SSETransport", "Backend %s sent a malformed endpoint event: %s", t.cfg.Name, payload)
		return false
	}

	ref, err := url.Parse(ev.Endpoint)
	if err != nil {
		logging.Warn("SSETransport", "Backend %s endpoint %q unparseable: %v", t.cfg.Name, ev.Endpoint, err)
		return false
	}

	t.mu.Lock()
	t.endpoint = t.baseURL.ResolveReference(ref).String()
	t.sessionID = ev.SessionID
	t.mu.Unlock()
	return true
}

func (t *SSETransport) postTarget() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected && t.endpoint == "" {
		return ""
	}
	return t.endpoint
}

func drain(resp *http.Response) {
	if resp == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// tokenSource caches a client-credentials bearer token and refreshes it
// inside the configured window before expiry.
type tokenSource struct {
	mu            sync.Mutex
	cc            *clientcredentials.Config
	refreshBefore time.Duration
	tok           *oauth2.Token
}

func newTokenSource(cfg *config.TokenConfig) *tokenSource {
	return &tokenSource{
		cc: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		},
		refreshBefore: cfg.RefreshBefore,
	}
}

func (ts *tokenSource) token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.tok != nil && ts.tok.AccessToken != "" {
		if ts.tok.Expiry.IsZero() || time.Until(ts.tok.Expiry) > ts.refreshBefore {
			return ts.tok.AccessToken, nil
		}
	}

	tok, err := ts.cc.Token(ctx)
	if err != nil {
		return "", err
	}
	ts.tok = tok
	return tok.AccessToken, nil
}

func (ts *tokenSource) invalidate() {
	ts.mu.Lock()
	ts.tok = nil
	ts.mu.Unlock()
}
