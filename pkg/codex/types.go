// Package codex implements the app-server JSON-RPC protocol used by the
// codex backend. The wire format is a JSON-RPC 2.0 variant over
// newline-delimited JSON that omits the "jsonrpc":"2.0" header.
package codex

import "encoding/json"

// Request is an outgoing JSON-RPC request (no jsonrpc field).
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is an incoming JSON-RPC response.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a server-to-client message without an id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Client-to-server method names.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Server-to-client notification methods.
const (
	NotifyThreadStarted         = "thread/started"
	NotifyTurnStarted           = "turn/started"
	NotifyTurnCompleted         = "turn/completed"
	NotifyItemStarted           = "item/started"
	NotifyItemCompleted         = "item/completed"
	NotifyItemAgentMessageDelta = "item/agentMessage/delta"
	NotifyItemReasoningDelta    = "item/reasoning/textDelta"
	NotifyItemMcpToolCallStart  = "item/mcpToolCall/started"
	NotifyItemMcpToolCallDone   = "item/mcpToolCall/completed"
	NotifyError                 = "error"
)

// Turn statuses reported by turn/completed.
const (
	TurnStatusCompleted     = "completed"
	TurnStatusFailed        = "failed"
	TurnStatusInterrupted   = "interrupted"
	TurnStatusNeedsApproval = "needsApproval"
)

// InitializeParams for initialize.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model           string            `json:"model,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	ApprovalPolicy  string            `json:"approvalPolicy,omitempty"`
	Sandbox         string            `json:"sandbox,omitempty"`
	ConfigOverrides map[string]string `json:"config,omitempty"`
	McpServers      json.RawMessage   `json:"mcpServers,omitempty"`
}

// Thread is a backend conversation handle.
type Thread struct {
	ID        string `json:"id"`
	Preview   string `json:"preview,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID        string            `json:"threadId"`
	Cwd             string            `json:"cwd,omitempty"`
	ApprovalPolicy  string            `json:"approvalPolicy,omitempty"`
	Sandbox         string            `json:"sandbox,omitempty"`
	ConfigOverrides map[string]string `json:"config,omitempty"`
	McpServers      json.RawMessage   `json:"mcpServers,omitempty"`
}

// ThreadResumeResult from thread/resume.
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one element of the turn input array.
type UserInput struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"` // data URL for inline images
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// Turn is the turn descriptor embedded in turn results.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *Error `json:"error,omitempty"`
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// Item is one produced artifact of a turn.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"` // "agentMessage", "reasoning", "mcpToolCall"
	Status string `json:"status,omitempty"`

	// agentMessage
	Text string `json:"text,omitempty"`

	// reasoning: content arrives either as a plain string or as typed parts.
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// mcpToolCall
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// ContentPart is one element of a typed content array.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// FlexibleContent unmarshals from either a string or a []ContentPart.
type FlexibleContent []ContentPart

func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}
	*fc = nil
	return nil
}

// Text concatenates the textual parts.
func (fc FlexibleContent) Text() string {
	var out string
	for _, p := range fc {
		out += p.Text
	}
	return out
}

// ThreadStartedParams for thread/started.
type ThreadStartedParams struct {
	Thread *Thread `json:"thread"`
}

// TurnStartedParams for turn/started.
type TurnStartedParams struct {
	ThreadID string `json:"threadId"`
	Turn     *Turn  `json:"turn,omitempty"`
}

// TurnCompletedParams for turn/completed. Status is one of the TurnStatus
// constants; ErrorInfo is populated on failed turns.
type TurnCompletedParams struct {
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId"`
	Status    string `json:"status"`
	ErrorInfo *Error `json:"error,omitempty"`
}

// ItemStartedParams for item/started.
type ItemStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed.
type ItemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta.
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ReasoningDeltaParams for item/reasoning/textDelta.
type ReasoningDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// McpToolCallParams for item/mcpToolCall/started and completed.
type McpToolCallParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ErrorParams for the error notification.
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
