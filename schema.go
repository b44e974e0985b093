package caphub

import (
	"encoding/json"
	"fmt"
)

// RequestID identifies a request/response pair on the wire. IDs are assigned
// from a process-wide monotonic counter and are never reused. Some servers
// echo IDs back as JSON strings rather than numbers, so unmarshaling accepts
// both forms.
type RequestID int64

// Frame is the JSON-RPC 2.0 envelope exchanged over every transport. Which
// fields are populated determines what the frame is:
//   - Request: ID, Method, and Params are set
//   - Response: ID and exactly one of Result or Error are set
//   - Notification: Method is set, ID is absent
type Frame struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID correlates request and response frames. Zero means absent, which
	// marks the frame as a notification; assigned IDs start at one.
	ID RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the method parameters as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response payload as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains the error object if the request failed.
	Error *FrameError `json:"error,omitempty"`
}

// FrameError is the error object carried by a failed response frame, following
// the JSON-RPC 2.0 error format. It is surfaced verbatim to the caller of the
// request it answers.
type FrameError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Tool describes a callable tool discovered from a server. InputSchema is the
// JSON Schema of the arguments accepted by CallTool and is kept raw; the hub
// never interprets it.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource describes a readable resource discovered from a server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Content is one entry of a tool or resource result payload.
type Content struct {
	Type string `json:"type"`

	// For type "text".
	Text string `json:"text,omitempty"`

	// For binary content types.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is the envelope returned by tool invocations and resource reads.
// IsError indicates a tool-level failure, with details in Content; transport
// and protocol failures are returned as Go errors instead.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Info identifies a client or server implementation by name and version. It is
// exchanged during the initialize handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CallToolParams carries the tool name and its arguments for a tools/call
// request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ReadResourceParams carries the resource URI for a resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

type listResourcesResult struct {
	Resources []Resource `json:"resources"`
}

type initializeParams struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Capabilities    struct{} `json:"capabilities"`
	ClientInfo      Info     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      Info   `json:"serverInfo"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for
	// communication.
	JSONRPCVersion = "2.0"

	// MethodToolsList is the method name for retrieving a server's tool catalog.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodResourcesList is the method name for retrieving a server's
	// resource catalog.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading a specific resource.
	MethodResourcesRead = "resources/read"

	methodInitialize = "initialize"
	methodPing       = "ping"

	methodNotificationsInitialized = "notifications/initialized"

	protocolVersion = "2024-11-05"

	// SessionHeader is the response header through which a request/response
	// HTTP server assigns a session token. Once received, the token is
	// attached to every subsequent request on that connection.
	SessionHeader = "Mcp-Session-Id"
)

// isResponse reports whether the frame answers an earlier request rather than
// initiating one.
func (f Frame) isResponse() bool {
	return f.ID != 0 && f.Method == ""
}

// isValidResponse reports whether the frame carries exactly one of result or
// error. Frames violating this invariant are dropped, never dispatched.
func (f Frame) isValidResponse() bool {
	return (f.Result != nil) != (f.Error != nil)
}

// UnmarshalJSON implements json.Unmarshaler to accept request identifiers
// encoded as either JSON numbers or numeric strings.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case float64:
		*r = RequestID(v)
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return fmt.Errorf("non-numeric request id %q", v)
		}
		*r = RequestID(n)
	case nil:
		*r = 0
	default:
		return fmt.Errorf("invalid request id type: %T", v)
	}

	return nil
}

func (f FrameError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", f.Code, f.Message)
}
