package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseClient consumes a client event stream in the background.
type sseClient struct {
	resp *http.Response

	mu     sync.Mutex
	events []sseEvent

	endpoint  string
	sessionID string
}

type sseEvent struct {
	Name string
	Data string
}

func dialSSE(t *testing.T, baseURL string) *sseClient {
	t.Helper()
	resp, err := http.Get(baseURL + "/sse")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	c := &sseClient{resp: resp}
	first := make(chan sseEvent, 1)
	go c.consume(first)

	select {
	case ev := <-first:
		require.Equal(t, "endpoint", ev.Name)
		var endpoint struct {
			Endpoint  string `json:"endpoint"`
			SessionID string `json:"sessionId"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &endpoint))
		require.Equal(t, "/message", endpoint.Endpoint)
		require.NotEmpty(t, endpoint.SessionID)
		c.endpoint = endpoint.Endpoint
		c.sessionID = endpoint.SessionID
	case <-time.After(2 * time.Second):
		t.Fatal("no endpoint event received")
	}
	return c
}

func (c *sseClient) consume(first chan sseEvent) {
	scanner := bufio.NewScanner(c.resp.Body)
	var name, data string
	sentFirst := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				ev := sseEvent{Name: name, Data: data}
				if !sentFirst {
					sentFirst = true
					first <- ev
				} else {
					c.mu.Lock()
					c.events = append(c.events, ev)
					c.mu.Unlock()
				}
			}
			name, data = "", ""
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func (c *sseClient) close() { c.resp.Body.Close() }

func (c *sseClient) messages() []sseEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sseEvent, len(c.events))
	copy(out, c.events)
	return out
}

func postJSON(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestSSESessionAndMessageFanout(t *testing.T) {
	g, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	client := dialSSE(t, srv.URL)
	defer client.close()
	assert.Equal(t, 1, g.Sessions().Count())

	resp := postJSON(t, srv.URL+"/message", client.sessionID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal(t, float64(1), reply["id"])

	// The same reply also arrives on the session's stream.
	require.Eventually(t, func() bool {
		return len(client.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ev := client.messages()[0]
	assert.Equal(t, "message", ev.Name)
	assert.Contains(t, ev.Data, `"id":1`)
}

func TestSSEStreamsAreIsolated(t *testing.T) {
	g, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	client1 := dialSSE(t, srv.URL)
	defer client1.close()
	client2 := dialSSE(t, srv.URL)
	defer client2.close()
	require.NotEqual(t, client1.sessionID, client2.sessionID)

	resp := postJSON(t, srv.URL+"/message", client1.sessionID, `{"jsonrpc":"2.0","id":101,"method":"initialize"}`)
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/message", client2.sessionID, `{"jsonrpc":"2.0","id":202,"method":"initialize"}`)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return len(client1.messages()) >= 1 && len(client2.messages()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give any misdirected delivery a moment to show up.
	time.Sleep(100 * time.Millisecond)

	for _, ev := range client1.messages() {
		assert.Contains(t, ev.Data, `"id":101`)
		assert.NotContains(t, ev.Data, `"id":202`)
	}
	for _, ev := range client2.messages() {
		assert.Contains(t, ev.Data, `"id":202`)
	}
}

func TestClientDisconnectReleasesSession(t *testing.T) {
	g, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	client := dialSSE(t, srv.URL)
	require.Equal(t, 1, g.Sessions().Count())

	client.close()
	require.Eventually(t, func() bool {
		return g.Sessions().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRPCEndpointIsStateless(t *testing.T) {
	g, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/rpc", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.Len(t, reply.Result.Tools, 1)
	assert.Equal(t, "fs__read_file", reply.Result.Tools[0].Name)

	assert.Equal(t, 0, g.Sessions().Count(), "stateless calls must not mint sessions")
}

func TestStatusEndpoint(t *testing.T) {
	g, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Version  string `json:"version"`
		Sessions int    `json:"sessions"`
		Backends []struct {
			Name   string `json:"name"`
			Health string `json:"health"`
		} `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "1.0.0-test", status.Version)
	require.Len(t, status.Backends, 1)
	assert.Equal(t, "fs", status.Backends[0].Name)
	assert.Equal(t, "healthy", status.Backends[0].Health)
}

func TestMethodRestrictions(t *testing.T) {
	g, _ := newTestGateway(t)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/message")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/sse", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
