package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mcpgate/internal/adapter"
	"mcpgate/internal/protocol"
	"mcpgate/internal/registry"
	"mcpgate/internal/router"
	"mcpgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// handlerFunc processes one dispatched request. The returned message is the
// complete reply envelope.
type handlerFunc func(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message

// Gateway is the MCP-facing facade: it accepts inbound JSON-RPC, maintains
// client sessions, and implements the MCP method set by querying the
// registry and router.
type Gateway struct {
	registry *registry.Registry
	router   *router.Router
	sessions *SessionStore
	version  string
	started  time.Time

	handlers map[string]handlerFunc
}

// New assembles the gateway over a registry.
func New(reg *registry.Registry, version string, sessionTimeout time.Duration) *Gateway {
	g := &Gateway{
		registry: reg,
		router:   router.New(reg),
		sessions: NewSessionStore(sessionTimeout),
		version:  version,
		started:  time.Now(),
	}
	g.handlers = map[string]handlerFunc{
		protocol.MethodInitialize:             g.handleInitialize,
		protocol.MethodPing:                   g.handlePing,
		protocol.MethodToolsList:              g.handleToolsList,
		protocol.MethodToolsCall:              g.handleToolsCall,
		protocol.MethodResourcesList:          g.handleResourcesList,
		protocol.MethodResourcesRead:          g.handleResourcesRead,
		protocol.MethodResourcesTemplatesList: g.handleResourceTemplatesList,
		protocol.MethodPromptsList:            g.handlePromptsList,
		protocol.MethodPromptsGet:             g.handlePromptsGet,
		protocol.NotificationInitialized:      g.handleAck,
		protocol.NotificationCancelled:        g.handleAck,
	}
	return g
}

// Sessions exposes the session store to the HTTP surface.
func (g *Gateway) Sessions() *SessionStore { return g.sessions }

// Router exposes the router, mainly for tests.
func (g *Gateway) Router() *router.Router { return g.router }

// StartSessionSweeper launches the periodic idle-session eviction.
func (g *Gateway) StartSessionSweeper(ctx context.Context) {
	g.sessions.StartSweeper(ctx)
}

// HandleRaw processes one inbound JSON-RPC message and returns the reply
// envelope. A non-empty session id binds the call to an existing
// event-stream session and refreshes its activity timestamp.
func (g *Gateway) HandleRaw(ctx context.Context, body []byte, sessionID string) *protocol.Message {
	msg, err := protocol.Parse(body)
	if err != nil {
		return protocol.NewError(nil, protocol.CodeInvalidRequest, "invalid JSON-RPC request", nil)
	}
	return g.Handle(ctx, msg, sessionID)
}

// Handle dispatches a parsed request by method.
func (g *Gateway) Handle(ctx context.Context, msg *protocol.Message, sessionID string) *protocol.Message {
	if msg.JSONRPC != "" && msg.JSONRPC != protocol.Version {
		return protocol.NewError(msg.ID, protocol.CodeInvalidRequest, fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC), nil)
	}
	if msg.Method == "" {
		return protocol.NewError(msg.ID, protocol.CodeInvalidRequest, "missing method", nil)
	}

	var sess *Session
	if sessionID != "" {
		if s, ok := g.sessions.Get(sessionID); ok {
			sess = s
			s.Touch()
		}
	}

	handler, ok := g.handlers[msg.Method]
	if !ok {
		return protocol.NewError(msg.ID, protocol.CodeMethodNotFound, fmt.Sprintf("method %q not found", msg.Method), nil)
	}

	logging.Debug("Gateway", "Dispatching %s (session=%s)", msg.Method, sessionID)
	return handler(ctx, sess, msg)
}

func (g *Gateway) handleInitialize(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	var params struct {
		ClientInfo mcp.Implementation `json:"clientInfo"`
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err == nil && sess != nil {
			sess.SetClientInfo(params.ClientInfo.Name, params.ClientInfo.Version)
		}
	}

	merged := g.registry.GetMergedCapabilities()
	caps := map[string]interface{}{}
	if len(merged.Tools) > 0 {
		caps["tools"] = map[string]interface{}{}
	}
	if len(merged.Resources) > 0 {
		caps["resources"] = map[string]interface{}{}
	}
	if len(merged.Prompts) > 0 {
		caps["prompts"] = map[string]interface{}{}
	}

	result := map[string]interface{}{
		"protocolVersion": protocol.MCPProtocolVersion,
		"capabilities":    caps,
		"serverInfo":      mcp.Implementation{Name: "mcp-gateway", Version: g.version},
		"instructions":    g.instructions(),
	}
	return protocol.NewResult(msg.ID, result)
}

// instructions describes the federation to the client: which backends are
// known and how their items are namespaced.
func (g *Gateway) instructions() string {
	names := g.registry.Names()
	var b strings.Builder
	b.WriteString("This gateway federates multiple MCP backends.")
	if len(names) > 0 {
		b.WriteString(" Known backends: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(".")
	}
	b.WriteString(" Tools and prompts are namespaced as <backend>__<name>; resources as <backend>://<uri>.")
	return b.String()
}

func (g *Gateway) handlePing(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	return protocol.NewResult(msg.ID, map[string]interface{}{})
}

func (g *Gateway) handleAck(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	return protocol.NewResult(msg.ID, map[string]interface{}{})
}

func (g *Gateway) handleToolsList(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	merged := g.registry.GetMergedCapabilities()
	tools := make([]mcp.Tool, 0, len(merged.Tools))
	for _, entry := range merged.Tools {
		tool := entry.Tool
		tool.Name = router.EncodeName(entry.Server, tool.Name)
		tools = append(tools, tool)
	}
	return protocol.NewResult(msg.ID, map[string]interface{}{"tools": tools})
}

func (g *Gateway) handleResourcesList(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	merged := g.registry.GetMergedCapabilities()
	resources := make([]mcp.Resource, 0, len(merged.Resources))
	for _, entry := range merged.Resources {
		resource := entry.Resource
		resource.URI = router.EncodeURI(entry.Server, resource.URI)
		resources = append(resources, resource)
	}
	return protocol.NewResult(msg.ID, map[string]interface{}{"resources": resources})
}

func (g *Gateway) handlePromptsList(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	merged := g.registry.GetMergedCapabilities()
	prompts := make([]mcp.Prompt, 0, len(merged.Prompts))
	for _, entry := range merged.Prompts {
		prompt := entry.Prompt
		prompt.Name = router.EncodeName(entry.Server, prompt.Name)
		prompts = append(prompts, prompt)
	}
	return protocol.NewResult(msg.ID, map[string]interface{}{"prompts": prompts})
}

func (g *Gateway) handleResourceTemplatesList(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	return protocol.NewResult(msg.ID, map[string]interface{}{"resourceTemplates": []interface{}{}})
}

func (g *Gateway) handleToolsCall(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return protocol.NewError(msg.ID, protocol.CodeInvalidParams, "tools/call requires a name", nil)
	}
	resp, err := g.router.RouteToolCall(ctx, params.Name, params.Arguments)
	return g.relay(msg.ID, resp, err)
}

func (g *Gateway) handleResourcesRead(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.URI == "" {
		return protocol.NewError(msg.ID, protocol.CodeInvalidParams, "resources/read requires a uri", nil)
	}
	resp, err := g.router.RouteResourceRead(ctx, params.URI)
	return g.relay(msg.ID, resp, err)
}

func (g *Gateway) handlePromptsGet(ctx context.Context, sess *Session, msg *protocol.Message) *protocol.Message {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return protocol.NewError(msg.ID, protocol.CodeInvalidParams, "prompts/get requires a name", nil)
	}
	resp, err := g.router.RoutePromptGet(ctx, params.Name, params.Arguments)
	return g.relay(msg.ID, resp, err)
}

// relay turns a routed backend reply into the client reply: backend results
// and backend-reported errors pass through verbatim with the client's id
// restored; routing and transport failures map onto the gateway's error
// codes.
func (g *Gateway) relay(id json.RawMessage, resp *protocol.Message, err error) *protocol.Message {
	if err != nil {
		return g.errorReply(id, err)
	}
	if resp.Error != nil {
		return &protocol.Message{JSONRPC: protocol.Version, ID: protocol.EchoID(id), Error: resp.Error}
	}
	return protocol.NewRawResult(id, resp.Result)
}

func (g *Gateway) errorReply(id json.RawMessage, err error) *protocol.Message {
	var routeErr *router.RouteError
	if errors.As(err, &routeErr) {
		return protocol.NewError(id, routeErr.Code, routeErr.Message, nil)
	}

	var circuitErr *adapter.CircuitOpenError
	if errors.As(err, &circuitErr) {
		return protocol.NewError(id, protocol.CodeInternalError, "circuit breaker is open", map[string]interface{}{
			"reason":  "circuit open",
			"breaker": circuitErr.Status,
		})
	}

	switch {
	case errors.Is(err, adapter.ErrRequestTimeout):
		return protocol.NewError(id, protocol.CodeInternalError, "request timed out", nil)
	case errors.Is(err, adapter.ErrTransportLost), errors.Is(err, adapter.ErrNotConnected):
		return protocol.NewError(id, protocol.CodeBackendUnavailable, err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return protocol.NewError(id, protocol.CodeInternalError, err.Error(), nil)
	default:
		return protocol.NewError(id, protocol.CodeBackendUnavailable, err.Error(), nil)
	}
}
