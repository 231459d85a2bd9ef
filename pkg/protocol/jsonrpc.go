// Package protocol defines the wire types shared by the relay, the guard
// pipeline, and the upstream MCP client connections: JSON-RPC 2.0 envelopes
// and the small slice of MCP method/result shapes the relay has to look
// inside of (tools/list, tool calls) in order to run phase-gated guards.
package protocol

import "encoding/json"

// JSONRPCVersion is the only version this gateway speaks.
const JSONRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request or notification (ID is nil for a notification).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes plus the application range this gateway uses
// for guard denials (spec §6 "application-defined error code").
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	// ErrCodeGuardDenied is returned to the client when a guard chain denies
	// a request or rewrites a response into an error.
	ErrCodeGuardDenied = -32001
)

// NewErrorResponse builds an error response carrying the original request id
// verbatim, per the wire-level invariant that synthesized responses must
// preserve the originating id.
func NewErrorResponse(id json.RawMessage, code int, message string, data json.RawMessage) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// NewResultResponse builds a success response carrying the original request id.
func NewResultResponse(id json.RawMessage, result json.RawMessage) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// Well-known MCP method names the relay inspects to decide which guard
// phase applies; the gateway answers any other method with a
// method-not-found error.
const (
	MethodInitialize       = "initialize"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodPromptsList      = "prompts/list"
	MethodResourcesList    = "resources/list"
	MethodResourceTemplates = "resources/templates/list"
	MethodPing             = "ping"
)

// Tool is the wire shape of a single MCP tool descriptor, as carried in a
// tools/list result. Kept minimal and decoupled from mark3labs/mcp-go's own
// type so guards can operate on it without an upstream-client dependency.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the result payload of a tools/list response.
type ToolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Prompt is the wire shape of a single MCP prompt descriptor.
type Prompt struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// PromptsListResult is the result payload of a prompts/list response.
type PromptsListResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// Resource is the wire shape of a single MCP resource descriptor.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesListResult is the result payload of a resources/list response.
type ResourcesListResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ResourceTemplate is the wire shape of a single MCP resource template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplatesListResult is the result payload of a
// resources/templates/list response.
type ResourceTemplatesListResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

// ToolCallParams is the params payload of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Implementation describes a client or server name/version pair, used in the
// initialize handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result payload of an initialize response.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      Implementation         `json:"serverInfo"`
}
