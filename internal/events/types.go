// Package events provides the event model shared by the agent manager,
// the orchestrator, and the SSE broadcaster.
package events

import (
	"time"

	"github.com/parlorhq/parlor/internal/conversation"
)

// Stream event types, in the order a turn produces them. new_message is
// broadcast only after the message row is committed.
const (
	TypeStreamStart   = "stream_start"
	TypeContentDelta  = "content_delta"
	TypeThinkingDelta = "thinking_delta"
	TypeStreamEnd     = "stream_end"
	TypeNewMessage    = "new_message"
	TypeKeepalive     = "keepalive"
	TypeShutdown      = "shutdown"
)

// StreamEvent is one SSE payload. TempID correlates the start, deltas, and
// end of a single turn before a message id exists.
type StreamEvent struct {
	Type      string `json:"type"`
	TempID    string `json:"temp_id,omitempty"`
	RoomID    int64  `json:"room_id,omitempty"`
	AgentID   int64  `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`

	// Delta carries the increment for content_delta and thinking_delta.
	Delta string `json:"delta,omitempty"`
	// Seq orders deltas within a turn. A catch-up snapshot carries the seq
	// it was taken at so subscribers can drop deltas already folded in.
	Seq int64 `json:"seq,omitempty"`

	// stream_start catch-up snapshot for late subscribers.
	ResponseSoFar string `json:"response_so_far,omitempty"`
	ThinkingSoFar string `json:"thinking_so_far,omitempty"`

	// stream_end payload. ResponseText is nil on skipped or empty turns.
	ResponseText     *string  `json:"response_text,omitempty"`
	ThinkingText     string   `json:"thinking_text,omitempty"`
	SessionID        string   `json:"session_id,omitempty"`
	MemoryEntries    []string `json:"memory_entries,omitempty"`
	PolicyCheckCalls []string `json:"policy_check_calls,omitempty"`
	Skipped          bool     `json:"skipped,omitempty"`
	Error            string   `json:"error,omitempty"`

	// Message is set on new_message events.
	Message *conversation.Message `json:"message,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Keepalive builds the periodic liveness event.
func Keepalive() StreamEvent {
	return StreamEvent{Type: TypeKeepalive, Timestamp: time.Now().UTC()}
}

// Shutdown builds the terminal sentinel delivered to every subscriber.
func Shutdown() StreamEvent {
	return StreamEvent{Type: TypeShutdown}
}
