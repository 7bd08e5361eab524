// Package claudecode implements the stream-json protocol spoken by the
// claude CLI: newline-delimited JSON over stdin/stdout, with control
// requests flowing in both directions.
package claudecode

import "encoding/json"

// Message types.
const (
	// MessageTypeSystem is the initial system message carrying session info.
	MessageTypeSystem = "system"
	// MessageTypeAssistant carries text, thinking, and tool_use blocks.
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the terminal message of a turn.
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a CLI-to-host control request.
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse answers a control request.
	MessageTypeControlResponse = "control_response"
	// MessageTypeUser is a prompt sent to the CLI.
	MessageTypeUser = "user"
	// MessageTypeStreamEvent carries incremental content deltas.
	MessageTypeStreamEvent = "stream_event"
)

// Control request subtypes.
const (
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
	SubtypeInitialize   = "initialize"
	SubtypeInterrupt    = "interrupt"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Content block types.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
	BlockImage    = "image"
)

// CLIMessage is a line read from the CLI's stdout. Type determines which
// fields are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// system
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	// assistant
	Message *AssistantMessage `json:"message,omitempty"`

	// stream_event
	Event *StreamEvent `json:"event,omitempty"`

	// result: a string on errors, an object otherwise.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`

	// Raw line kept for handlers that need block-level parsing.
	RawContent json.RawMessage `json:"-"`
}

// GetResultString returns the result when it is a bare string, "" otherwise.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// AssistantMessage is the body of an assistant message.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// ContentBlock is one block of assistant or user content.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is an inline base64 image payload.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// StreamEvent is an incremental update inside a stream_event message.
type StreamEvent struct {
	Type  string      `json:"type"` // "content_block_delta", "content_block_start", ...
	Index int         `json:"index,omitempty"`
	Delta *BlockDelta `json:"delta,omitempty"`
}

// BlockDelta carries the delta payload of a content_block_delta event.
type BlockDelta struct {
	Type     string `json:"type"` // "text_delta" or "thinking_delta"
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ControlRequest is a CLI-to-host control request, used for tool permission
// checks and hook callbacks.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// hook_callback
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`
}

// ControlResponseMessage answers a control request from the CLI.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	Subtype string            `json:"subtype"` // "success" or "error"
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult resolves a can_use_tool request.
type PermissionResult struct {
	Behavior     string `json:"behavior"` // "allow" or "deny"
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
	Interrupt    *bool  `json:"interrupt,omitempty"`
}

// SDKControlRequest is a host-to-CLI control request (initialize, interrupt).
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody is the body of a host-to-CLI control request.
type SDKControlRequestBody struct {
	Subtype string         `json:"subtype"`
	Hooks   map[string]any `json:"hooks,omitempty"`
}

// IncomingControlResponse is the CLI's answer to a host control request.
// The request id lives inside the response object.
type IncomingControlResponse struct {
	Subtype   string                  `json:"subtype"`
	RequestID string                  `json:"request_id"`
	Error     string                  `json:"error,omitempty"`
	Response  *InitializeResponseData `json:"response,omitempty"`
}

// InitializeResponseData is the payload of a successful initialize response.
type InitializeResponseData struct {
	Commands []string `json:"commands,omitempty"`
	Model    string   `json:"model,omitempty"`
}

// UserMessage is a prompt sent to the CLI. Content is either a plain string
// or a []ContentBlock when images are attached.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody holds the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content any    `json:"content"`
}
