package mcp

import "encoding/json"

// LatestProtocolVersion is the newest protocol revision this server speaks.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists revisions accepted during the handshake,
// newest first. The handshake negotiates down to the newest version both
// sides support.
var SupportedProtocolVersions = []string{LatestProtocolVersion, "2025-03-26"}

// Method names for requests and notifications.
type Method string

const (
	InitializeMethod          Method = "initialize"
	InitializedNotification   Method = "notifications/initialized"
	PingMethod                Method = "ping"
	ToolsListMethod           Method = "tools/list"
	ToolsCallMethod           Method = "tools/call"
	ElicitationPromptMethod   Method = "elicitation/prompt"
	ElicitationAnswerMethod   Method = "elicitation/answer"
	ElicitationCancelMethod   Method = "elicitation/cancel"
	StreamChunkNotification   Method = "notifications/stream/chunk"
	StreamDoneNotification    Method = "notifications/stream/done"
	CancelledNotification     Method = "notifications/cancelled"
)

// Implementation identifies a client or server implementation.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities declares what the connecting client can handle.
type ClientCapabilities struct {
	Elicitation *struct{} `json:"elicitation,omitempty"`
	Streaming   *struct{} `json:"streaming,omitempty"`
}

// SupportsElicitation reports whether the client declared elicitation support.
func (c ClientCapabilities) SupportsElicitation() bool {
	return c.Elicitation != nil
}

// SupportsStreaming reports whether the client declared streaming support.
func (c ClientCapabilities) SupportsStreaming() bool {
	return c.Streaming != nil
}

// ServerCapabilities advertises the server's feature surface.
type ServerCapabilities struct {
	Tools       *struct{} `json:"tools,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
	Streaming   *struct{} `json:"streaming,omitempty"`
}

// InitializeRequest is the first message on every new connection.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      Implementation     `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

// InitializeResult completes the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// ToolAnnotations carries capability flags the dispatcher reads but does not
// define. Interactive tools are advertised so clients lacking elicitation
// support can decline them gracefully.
type ToolAnnotations struct {
	Interactive bool `json:"interactive,omitempty"`
	Streaming   bool `json:"streaming,omitempty"`
}

// Tool describes one invocable tool.
type Tool struct {
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	InputSchema   json.RawMessage  `json:"inputSchema"`
	RequiredScope string           `json:"requiredScope,omitempty"`
	Annotations   *ToolAnnotations `json:"annotations,omitempty"`
}

// ListToolsResult is the tools/list response payload.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest is the tools/call request payload.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the tools/call response payload.
type CallToolResult struct {
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// PromptType identifies the elicitation prompt shape.
type PromptType string

const (
	PromptConfirmation  PromptType = "confirmation"
	PromptInput         PromptType = "input"
	PromptChoice        PromptType = "choice"
	PromptFileSelection PromptType = "file_selection"
)

// Choice is one selectable option of a choice prompt.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// PromptSpec is the structured prompt sent to the client. Only the fields
// relevant to Type are populated.
type PromptSpec struct {
	Type    PromptType `json:"type"`
	Title   string     `json:"title,omitempty"`
	Message string     `json:"message"`

	// Confirmation.
	DefaultBool *bool `json:"defaultBool,omitempty"`

	// Input.
	DefaultText string `json:"defaultText,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	MinLength   *int   `json:"minLength,omitempty"`
	MaxLength   *int   `json:"maxLength,omitempty"`
	Multiline   bool   `json:"multiline,omitempty"`

	// Choice.
	Choices       []Choice `json:"choices,omitempty"`
	MinSelections int      `json:"minSelections,omitempty"`
	MaxSelections int      `json:"maxSelections,omitempty"`

	// File selection.
	Extensions     []string `json:"extensions,omitempty"`
	AllowMultiple  bool     `json:"allowMultiple,omitempty"`
	StartDirectory string   `json:"startDirectory,omitempty"`
}

// ElicitationPromptParams is the elicitation/prompt notification payload.
type ElicitationPromptParams struct {
	PromptID       string     `json:"promptId"`
	Spec           PromptSpec `json:"spec"`
	TimeoutSeconds int        `json:"timeoutSeconds,omitempty"`
}

// AnswerAction discriminates how the human resolved a prompt.
type AnswerAction string

const (
	AnswerActionAnswer  AnswerAction = "answer"
	AnswerActionDecline AnswerAction = "decline"
	AnswerActionCancel  AnswerAction = "cancel"
)

// ElicitationAnswerParams is the client's elicitation/answer request payload.
type ElicitationAnswerParams struct {
	PromptID string          `json:"promptId"`
	Action   AnswerAction    `json:"action"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// ElicitationAnswerResult acknowledges a processed answer.
type ElicitationAnswerResult struct {
	Accepted bool `json:"accepted"`
}

// ElicitationCancelParams cancels a pending prompt from the client side.
type ElicitationCancelParams struct {
	PromptID string `json:"promptId"`
}

// StreamChunkParams is the notifications/stream/chunk payload.
type StreamChunkParams struct {
	OperationID string          `json:"operationId"`
	Seq         uint64          `json:"seq"`
	Data        json.RawMessage `json:"data"`
}

// StreamDoneParams terminates a stream with either a result or an error.
type StreamDoneParams struct {
	OperationID string          `json:"operationId"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}
