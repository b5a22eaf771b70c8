package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"mcpgate/internal/adapter"
	"mcpgate/internal/config"
	"mcpgate/internal/protocol"
	"mcpgate/internal/registry"
)

// NameSeparator joins a backend identifier and an item name. It is reserved:
// backend identifiers must not contain it.
const NameSeparator = "__"

// uriPattern decodes a namespaced resource URI. The identifier character
// class excludes ':' and '/', so the match always stops at the outermost
// "://" and nested scheme-style URIs round-trip.
var uriPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_-]*)://(.+)$`)

// EncodeName namespaces a tool or prompt name with its backend identifier.
func EncodeName(server, name string) string {
	return server + NameSeparator + name
}

// DecodeName splits a namespaced tool or prompt name. It reports false when
// the separator is missing, either half is empty, or the identifier half is
// not a valid backend identifier.
func DecodeName(exposed string) (server, name string, ok bool) {
	idx := strings.Index(exposed, NameSeparator)
	if idx <= 0 || idx+len(NameSeparator) >= len(exposed) {
		return "", "", false
	}
	server = exposed[:idx]
	name = exposed[idx+len(NameSeparator):]
	if !config.BackendNamePattern.MatchString(server) {
		return "", "", false
	}
	return server, name, true
}

// EncodeURI namespaces a resource URI with its backend identifier.
func EncodeURI(server, uri string) string {
	return server + "://" + uri
}

// DecodeURI splits a namespaced resource URI on the outermost scheme-style
// prefix. It reports false when the prefix is missing, the identifier half
// does not start with a letter, or the remainder is empty.
func DecodeURI(exposed string) (server, uri string, ok bool) {
	m := uriPattern.FindStringSubmatch(exposed)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// RouteError carries the JSON-RPC error the gateway should return for a
// routing refusal.
type RouteError struct {
	Code    int
	Message string
}

func (e *RouteError) Error() string { return e.Message }

// Router dispatches namespaced tool, resource and prompt calls to the
// owning backend's adapter.
type Router struct {
	registry *registry.Registry
}

// New creates a router over the given registry.
func New(reg *registry.Registry) *Router {
	return &Router{registry: reg}
}

// RouteToolCall parses a namespaced tool name and forwards the call with
// the original name and the arguments verbatim. The backend's reply is
// returned untouched; the caller restores the client-supplied request id.
func (r *Router) RouteToolCall(ctx context.Context, exposedName string, arguments json.RawMessage) (*protocol.Message, error) {
	server, name, ok := DecodeName(exposedName)
	if !ok {
		return nil, &RouteError{Code: protocol.CodeInvalidParams, Message: fmt.Sprintf("unparseable tool name %q", exposedName)}
	}
	b, err := r.target(ctx, server)
	if err != nil {
		return nil, err
	}
	params := map[string]interface{}{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	return b.SendRequest(ctx, protocol.MethodToolsCall, params)
}

// RouteResourceRead parses a namespaced resource URI and forwards the read.
func (r *Router) RouteResourceRead(ctx context.Context, exposedURI string) (*protocol.Message, error) {
	server, uri, ok := DecodeURI(exposedURI)
	if !ok {
		return nil, &RouteError{Code: protocol.CodeInvalidParams, Message: fmt.Sprintf("unparseable resource uri %q", exposedURI)}
	}
	b, err := r.target(ctx, server)
	if err != nil {
		return nil, err
	}
	return b.SendRequest(ctx, protocol.MethodResourcesRead, map[string]interface{}{"uri": uri})
}

// RoutePromptGet parses a namespaced prompt name and forwards the get.
func (r *Router) RoutePromptGet(ctx context.Context, exposedName string, arguments json.RawMessage) (*protocol.Message, error) {
	server, name, ok := DecodeName(exposedName)
	if !ok {
		return nil, &RouteError{Code: protocol.CodeInvalidParams, Message: fmt.Sprintf("unparseable prompt name %q", exposedName)}
	}
	b, err := r.target(ctx, server)
	if err != nil {
		return nil, err
	}
	params := map[string]interface{}{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	return b.SendRequest(ctx, protocol.MethodPromptsGet, params)
}

// target resolves a backend identifier to a healthy adapter, lazy-starting
// stopped ones.
func (r *Router) target(ctx context.Context, server string) (registry.Backend, error) {
	b, err := r.registry.GetEnsureStarted(ctx, server)
	if err != nil {
		return nil, &RouteError{Code: protocol.CodeBackendUnavailable, Message: err.Error()}
	}
	if b.Health() != adapter.HealthHealthy {
		return nil, &RouteError{Code: protocol.CodeBackendUnavailable, Message: fmt.Sprintf("backend %q is not healthy (%s)", server, b.Health())}
	}
	return b, nil
}
