// Package backend defines the uniform abstraction over the two
// coding-assistant runtimes that drive persona agents: a long-lived
// in-process CLI client ("claude") and a JSON-RPC app-server
// subprocess ("codex"). The orchestrator only ever sees these
// interfaces; backend-specific stream shapes are flattened by the
// per-backend StreamParser.
package backend

import (
	"context"
	"fmt"

	"github.com/parlorhq/parlor/internal/conversation"
)

// Kind names a backend family.
type Kind string

const (
	KindClaude Kind = "claude"
	KindCodex  Kind = "codex"
)

// SessionRecoveryError signals that the backend no longer knows the
// persisted continuity handle. The response generator catches it exactly
// once and retries with full history under a fresh session.
type SessionRecoveryError struct {
	OldSessionID string
}

func (e *SessionRecoveryError) Error() string {
	return fmt.Sprintf("session %q is no longer resumable", e.OldSessionID)
}

// ContentBlock is one element of a query payload. Text and image blocks
// may interleave so image position in the context is preserved.
type ContentBlock struct {
	Type  string // "text" or "image"
	Text  string
	Image *conversation.Image
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ImageBlock builds an image content block.
func ImageBlock(img conversation.Image) ContentBlock {
	return ContentBlock{Type: "image", Image: &img}
}

// Hooks carries the capture callbacks for in-band tool detection. The
// claude provider wires them to CLI control requests; the codex parser
// reports the same signals itself, leaving these unused.
type Hooks struct {
	OnSkip        func()
	OnPolicyCheck func(situation string)
}

// BaseOptions is the backend-agnostic turn configuration assembled by the
// response generator.
type BaseOptions struct {
	RoomID       int64
	AgentID      int64
	AgentName    string
	AgentGroup   string
	PersonaDir   string
	SystemPrompt string
	Model        string
	// SessionID is the persisted continuity handle, empty for a fresh session.
	SessionID           string
	HasSituationBuilder bool
}

// Options is the backend-specific client configuration. The pool reads the
// session id through the interface and never inspects concrete fields.
type Options interface {
	Kind() Kind
	SessionID() string
}

// RawEvent is one backend-native stream event, interpreted only by the
// matching StreamParser.
type RawEvent any

// Client is one live backend connection serving a single (room, agent) task.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Query submits the turn input. The send itself must not block on slow
	// reception; responses arrive via ReceiveResponse.
	Query(ctx context.Context, blocks []ContentBlock) error
	// ReceiveResponse yields raw events until the turn terminates, then
	// closes the channel.
	ReceiveResponse() <-chan RawEvent
	Interrupt(ctx context.Context) error
	// SessionID reports the continuity handle observed so far, "" if none.
	SessionID() string
	Options() Options
	SetOptions(opts Options)
}

// ParsedMessage is the additive, backend-neutral shape of one raw event.
type ParsedMessage struct {
	ResponseText     string
	ThinkingText     string
	SessionID        string
	SkipUsed         bool
	MemoryEntries    []string
	PolicyCheckCalls []string
	Completed        bool
	// ErrorText is set when the backend reports a failed turn.
	ErrorText string
}

// StreamParser converts raw events into parsed messages. Implementations
// are pure: the accumulated response and thinking are passed in so delta
// computation stays with the caller.
type StreamParser interface {
	Parse(event RawEvent, accResponse, accThinking string) ParsedMessage
}

// Provider builds clients and parsers for one backend kind.
type Provider interface {
	Kind() Kind
	BuildOptions(base BaseOptions, hooks *Hooks) Options
	CreateClient(opts Options) (Client, error)
	Parser() StreamParser
	CheckAvailability(ctx context.Context) bool
	// SessionFieldName names the continuity handle in logs and bindings
	// ("session_id" for claude, "thread_id" for codex).
	SessionFieldName() string
}
