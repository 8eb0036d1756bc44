package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	jsonRPCVersion = "2.0"

	// DefaultProtocolVersion is announced in initialize when none is configured.
	DefaultProtocolVersion = "2025-06-18"
)

// Method names exchanged between host and worker.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodCancelled   = "notifications/cancelled"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodPing        = "ping"
	MethodClose       = "close"
)

// JSON-RPC error codes produced by the worker server.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotInitialized = -32002
)

// Kind classifies a decoded message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is a JSON-RPC 2.0 envelope. Correlation ids start at 1, so a zero
// ID marks a notification. Only numeric ids are supported: a peer that sends
// a string id fails decoding and the frame is treated as a framing error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind reports whether m is a request, notification or response.
func (m Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != 0:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != 0 && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// RequestError wraps protocol failures in request flow.
type RequestError struct {
	Method string
	Err    error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: request %q failed: %v", e.Method, e.Err)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClientInfo identifies the host when opening a session.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerInfo describes the worker.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is sent in the initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult is returned by the initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// SupportsTools reports whether the worker declared tool calling.
func (r InitializeResult) SupportsTools() bool {
	_, ok := r.Capabilities["tools"]
	return ok
}

// Tool describes one tool from tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is returned by tools/list.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolsCallParams is sent in tools/call.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is a content item returned by tools/call.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolsCallResult is returned by tools/call.
type ToolsCallResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError"`
}

// CancelledParams is the payload of notifications/cancelled.
type CancelledParams struct {
	RequestID int64  `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// Outcome is the result of one tool invocation: a success payload or a
// failure message. Both are plain text.
type Outcome struct {
	IsError bool
	Text    string
}

// Success returns a successful outcome carrying payload.
func Success(payload string) Outcome {
	return Outcome{Text: payload}
}

// Failure returns a failed outcome carrying message.
func Failure(message string) Outcome {
	return Outcome{IsError: true, Text: message}
}

// Failuref formats a failed outcome.
func Failuref(format string, args ...any) Outcome {
	return Failure(fmt.Sprintf(format, args...))
}

// Err returns a *ToolExecutionError for failed outcomes and nil otherwise.
func (o Outcome) Err(tool string) error {
	if !o.IsError {
		return nil
	}
	return &ToolExecutionError{Tool: tool, Message: o.Text}
}

// Result encodes the outcome as a single text content block.
func (o Outcome) Result() ToolsCallResult {
	return ToolsCallResult{
		Content: []ContentBlock{{Type: "text", Text: o.Text}},
		IsError: o.IsError,
	}
}

// OutcomeOf flattens a tools/call result into an Outcome by joining its text
// blocks with newlines.
func OutcomeOf(result ToolsCallResult) Outcome {
	parts := make([]string, 0, len(result.Content))
	for _, block := range result.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return Outcome{IsError: result.IsError, Text: strings.Join(parts, "\n")}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
