package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version used on every message.
const Version = "2.0"

// MCPProtocolVersion is the MCP revision spoken to backends and clients.
const MCPProtocolVersion = "2024-11-05"

// MCP method names handled by the gateway and sent to backends.
const (
	MethodInitialize             = "initialize"
	MethodPing                   = "ping"
	MethodToolsList              = "tools/list"
	MethodToolsCall              = "tools/call"
	MethodResourcesList          = "resources/list"
	MethodResourcesRead          = "resources/read"
	MethodResourcesTemplatesList = "resources/templates/list"
	MethodPromptsList            = "prompts/list"
	MethodPromptsGet             = "prompts/get"
	NotificationInitialized      = "notifications/initialized"
	NotificationCancelled        = "notifications/cancelled"
)

// JSON-RPC error codes used by the gateway.
const (
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeBackendUnavailable = -32000
)

// Message is the JSON-RPC 2.0 envelope. Request, response and notification
// are all carried by the same struct; the populated fields decide which one
// it is. Params and Result stay opaque: the gateway routes them, it does not
// interpret them.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsResponse reports whether the message is a reply to an earlier request.
func (m *Message) IsResponse() bool {
	return len(m.ID) > 0 && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the message is a request without an id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// NumericID extracts the message id as an int64. It reports false for absent
// or non-numeric ids.
func (m *Message) NumericID() (int64, bool) {
	if len(m.ID) == 0 {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// Parse decodes a single framed JSON-RPC message.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(bytes.TrimSpace(data), &msg); err != nil {
		return nil, fmt.Errorf("malformed jsonrpc message: %w", err)
	}
	return &msg, nil
}

// NewRequest builds a request envelope with a numeric id.
func NewRequest(id int64, method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	idRaw, _ := json.Marshal(id)
	return &Message{JSONRPC: Version, ID: idRaw, Method: method, Params: raw}, nil
}

// NewNotification builds a request envelope without an id.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success reply echoing the given raw id. An absent id is
// echoed as 0, matching what connection-probing clients expect.
func NewResult(id json.RawMessage, result interface{}) *Message {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewError(id, CodeInternalError, fmt.Sprintf("failed to encode result: %v", err), nil)
	}
	return &Message{JSONRPC: Version, ID: EchoID(id), Result: raw}
}

// NewRawResult builds a success reply carrying an already-encoded result.
func NewRawResult(id json.RawMessage, result json.RawMessage) *Message {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: EchoID(id), Result: result}
}

// NewError builds an error reply echoing the given raw id.
func NewError(id json.RawMessage, code int, message string, data interface{}) *Message {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return &Message{JSONRPC: Version, ID: EchoID(id), Error: e}
}

// EchoID returns the id to place on a reply. Clients may omit the id on
// inbound messages; those are answered with id 0.
func EchoID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 || bytes.Equal(bytes.TrimSpace(id), []byte("null")) {
		return json.RawMessage("0")
	}
	return id
}

// Encode marshals a message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return raw, nil
}
