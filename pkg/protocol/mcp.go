package protocol

import "encoding/json"

const (
	// LatestProtocolVersion is the newest protocol revision spoken by the bridge
	LatestProtocolVersion = "2025-03-26"

	// Methods for lifecycle management
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"

	// Methods for server features
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
	MethodSetLogLevel = "logging/setLevel"

	// Methods for client features
	MethodListRoots = "roots/list"

	// Notifications
	MethodLogMessage = "notifications/message"
	MethodProgress   = "notifications/progress"
	MethodCancelled  = "notifications/cancelled"
)

// SupportedProtocolVersions lists the revisions accepted during negotiation,
// newest first.
var SupportedProtocolVersions = []string{LatestProtocolVersion, "2024-11-05"}

// IsSupportedVersion reports whether v is one of SupportedProtocolVersions.
func IsSupportedVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Implementation names a client or server implementation
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams defines the parameters for the initialize request
type InitializeParams struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ClientInfo      Implementation             `json:"clientInfo"`
}

// ToolsCapability advertises tool support
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities describes the features offered by the server
type ServerCapabilities struct {
	Tools   *ToolsCapability `json:"tools,omitempty"`
	Logging *struct{}        `json:"logging,omitempty"`
}

// InitializeResult defines the response for the initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool represents a tool in the MCP protocol
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// PaginatedParams are the parameters of list methods
type PaginatedParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult defines the response for listing tools
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// RequestMeta carries optional request metadata
type RequestMeta struct {
	ProgressToken interface{} `json:"progressToken,omitempty"`
}

// CallToolParams defines parameters for calling a tool
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *RequestMeta    `json:"_meta,omitempty"`
}

// Content is a single content block of a tool result
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a text content block
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// CallToolResult defines the response for tool calls
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// LogLevel represents the severity level of a log message
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// SetLevelParams defines the parameters for logging/setLevel
type SetLevelParams struct {
	Level LogLevel `json:"level"`
}

// LoggingMessageParams defines the parameters for notifications/message
type LoggingMessageParams struct {
	Level  LogLevel    `json:"level"`
	Logger string      `json:"logger,omitempty"`
	Data   interface{} `json:"data"`
}

// ProgressParams defines the parameters for notifications/progress
type ProgressParams struct {
	ProgressToken interface{} `json:"progressToken"`
	Progress      float64     `json:"progress"`
	Total         float64     `json:"total,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// CancelledParams defines the parameters for notifications/cancelled
type CancelledParams struct {
	RequestID interface{} `json:"requestId"`
	Reason    string      `json:"reason,omitempty"`
}

// Root is a filesystem or URI root exposed by the client
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResult is the client's answer to roots/list
type ListRootsResult struct {
	Roots []Root `json:"roots"`
}
