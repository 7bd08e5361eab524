package codexsrv

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parlorhq/parlor/internal/backend"
)

func event(method, params string) Event {
	return Event{Method: method, Params: json.RawMessage(params)}
}

func TestParser_ThreadStarted(t *testing.T) {
	parsed := Parser{}.Parse(event("thread/started", `{"thread":{"id":"th_1"}}`), "", "")
	assert.Equal(t, "th_1", parsed.SessionID)
}

func TestParser_Deltas(t *testing.T) {
	p := Parser{}

	parsed := p.Parse(event("item/agentMessage/delta", `{"threadId":"th_1","delta":"Hel"}`), "", "")
	assert.Equal(t, "Hel", parsed.ResponseText)

	parsed = p.Parse(event("item/agentMessage/delta", `{"threadId":"th_1","delta":"lo"}`), parsed.ResponseText, "")
	assert.Equal(t, "Hello", parsed.ResponseText)

	parsed = p.Parse(event("item/reasoning/textDelta", `{"threadId":"th_1","delta":"hmm"}`), parsed.ResponseText, "")
	assert.Equal(t, "hmm", parsed.ThinkingText)
	assert.Equal(t, "Hello", parsed.ResponseText)
}

func TestParser_CompletedItemsDoNotDoubleCount(t *testing.T) {
	p := Parser{}

	parsed := p.Parse(event("item/completed",
		`{"item":{"id":"it_1","type":"agentMessage","text":"Hello"}}`), "Hello", "")
	assert.Equal(t, "Hello", parsed.ResponseText)

	// A completed item longer than the streamed state extends it.
	parsed = p.Parse(event("item/completed",
		`{"item":{"id":"it_1","type":"agentMessage","text":"Hello there"}}`), "Hello", "")
	assert.Equal(t, "Hello there", parsed.ResponseText)

	parsed = p.Parse(event("item/completed",
		`{"item":{"id":"it_2","type":"reasoning","content":[{"type":"text","text":"deep thought"}]}}`), "", "")
	assert.Equal(t, "deep thought", parsed.ThinkingText)
}

func TestParser_ToolCalls(t *testing.T) {
	p := Parser{}

	parsed := p.Parse(event("item/mcpToolCall/started",
		`{"item":{"id":"it_3","type":"mcpToolCall","tool":"mcp__parlor__skip","arguments":{}}}`), "", "")
	assert.True(t, parsed.SkipUsed)

	parsed = p.Parse(event("item/mcpToolCall/started",
		`{"item":{"id":"it_4","type":"mcpToolCall","tool":"policy_check","arguments":{"situation":"crossing a line"}}}`), "", "")
	assert.Equal(t, []string{"crossing a line"}, parsed.PolicyCheckCalls)

	parsed = p.Parse(event("item/mcpToolCall/started",
		`{"item":{"id":"it_5","type":"mcpToolCall","tool":"memorize","arguments":{"memory_entry":"met bob"}}}`), "", "")
	assert.Equal(t, []string{"met bob"}, parsed.MemoryEntries)

	// The completed notification for the same call does not double-capture.
	parsed = p.Parse(event("item/mcpToolCall/completed",
		`{"item":{"id":"it_5","type":"mcpToolCall","tool":"memorize","arguments":{"memory_entry":"met bob"}}}`), "", "")
	assert.Empty(t, parsed.MemoryEntries)
}

func TestParser_TurnCompleted(t *testing.T) {
	p := Parser{}

	tests := []struct {
		name      string
		params    string
		completed bool
		errorText string
	}{
		{"completed", `{"threadId":"th_1","turnId":"tu_1","status":"completed"}`, true, ""},
		{"interrupted", `{"threadId":"th_1","turnId":"tu_1","status":"interrupted"}`, true, ""},
		{"failed with info", `{"threadId":"th_1","turnId":"tu_1","status":"failed","error":{"code":1,"message":"model overloaded"}}`, true, "model overloaded"},
		{"failed without info", `{"threadId":"th_1","turnId":"tu_1","status":"failed"}`, true, "turn failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := p.Parse(event("turn/completed", tt.params), "", "")
			assert.Equal(t, tt.completed, parsed.Completed)
			assert.Equal(t, tt.errorText, parsed.ErrorText)
		})
	}
}

func TestParser_UnknownEventIsNeutral(t *testing.T) {
	parsed := Parser{}.Parse(event("turn/started", `{"threadId":"th_1","turn":{"id":"tu_1"}}`), "abc", "def")
	assert.Equal(t, backend.ParsedMessage{ResponseText: "abc", ThinkingText: "def"}, parsed)
}
