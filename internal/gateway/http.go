package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mcpgate/pkg/logging"
)

const (
	// heartbeatInterval is how often a comment line is written on client
	// event streams.
	heartbeatInterval = 30 * time.Second

	// maxRequestBody bounds inbound JSON-RPC bodies.
	maxRequestBody = 10 * 1024 * 1024

	// messagePath is the POST endpoint announced in the endpoint event.
	messagePath = "/message"
)

// Handler assembles the gateway's HTTP surface: the client event-stream
// endpoint, its paired message endpoint, the stateless RPC endpoint, and
// the operator status page.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", g.HandleSSE)
	mux.HandleFunc(messagePath, g.HandleMessage)
	mux.HandleFunc("/rpc", g.HandleRPC)
	mux.HandleFunc("/status", g.HandleStatus)
	return mux
}

// HandleSSE serves a long-lived client event stream. The first event names
// the paired message endpoint and the freshly minted session id; replies to
// requests bound to the session are pushed as message events; a comment
// heartbeat keeps intermediaries from reaping the connection.
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sess := g.sessions.Create()
	defer g.sessions.Remove(sess.ID)

	endpoint, _ := json.Marshal(map[string]string{
		"endpoint":  messagePath,
		"sessionId": sess.ID,
	})
	if _, err := fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint); err != nil {
		return
	}
	flusher.Flush()

	logging.Info("Gateway", "Client stream %s connected from %s", sess.ID, r.RemoteAddr)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logging.Info("Gateway", "Client stream %s disconnected", sess.ID)
			return
		case <-sess.done:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				logging.Debug("Gateway", "Client stream %s heartbeat failed: %v", sess.ID, err)
				return
			}
			flusher.Flush()
		case payload := <-sess.events:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload); err != nil {
				logging.Debug("Gateway", "Client stream %s write failed: %v", sess.ID, err)
				return
			}
			flusher.Flush()
		}
	}
}

// HandleMessage accepts a JSON-RPC request bound to an event-stream session
// via the X-Session-ID header (or sessionId query parameter). The reply is
// returned in the HTTP response and additionally pushed onto the session's
// stream.
func (g *Gateway) HandleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	g.serveRPC(w, r, sessionID)
}

// HandleRPC accepts a stateless JSON-RPC request; the reply is returned
// only in the HTTP response.
func (g *Gateway) HandleRPC(w http.ResponseWriter, r *http.Request) {
	g.serveRPC(w, r, "")
}

func (g *Gateway) serveRPC(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	reply := g.HandleRaw(r.Context(), body, sessionID)
	payload, err := reply.Encode()
	if err != nil {
		http.Error(w, "failed to encode reply", http.StatusInternalServerError)
		return
	}

	if sessionID != "" {
		g.sessions.Publish(sessionID, payload)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// HandleStatus reports per-backend health, circuit state, retry counters
// and rolling statistics for operators.
func (g *Gateway) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := map[string]interface{}{
		"version":       g.version,
		"uptimeSeconds": time.Since(g.started).Seconds(),
		"sessions":      g.sessions.Count(),
		"backends":      g.registry.Status(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		logging.Debug("Gateway", "Failed to write status: %v", err)
	}
}
