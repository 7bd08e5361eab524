package claude

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/pkg/claudecode"
)

func cliMessage(t *testing.T, raw string) *claudecode.CLIMessage {
	t.Helper()
	var msg claudecode.CLIMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return &msg
}

func TestParser_SessionID(t *testing.T) {
	parsed := Parser{}.Parse(cliMessage(t, `{"type":"system","subtype":"init","session_id":"sess-1"}`), "", "")
	assert.Equal(t, "sess-1", parsed.SessionID)
	assert.False(t, parsed.Completed)
}

func TestParser_StreamDeltas(t *testing.T) {
	p := Parser{}

	parsed := p.Parse(cliMessage(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}}`), "", "")
	assert.Equal(t, "Hel", parsed.ResponseText)

	parsed = p.Parse(cliMessage(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}}`), parsed.ResponseText, parsed.ThinkingText)
	assert.Equal(t, "Hello", parsed.ResponseText)

	parsed = p.Parse(cliMessage(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}}`), parsed.ResponseText, parsed.ThinkingText)
	assert.Equal(t, "Hello", parsed.ResponseText)
	assert.Equal(t, "hmm", parsed.ThinkingText)
}

func TestParser_AssistantBlocksDoNotDoubleCount(t *testing.T) {
	// The full assistant message restates already-streamed text; the parser
	// keeps the longer state instead of appending.
	parsed := Parser{}.Parse(cliMessage(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`), "Hello", "")
	assert.Equal(t, "Hello", parsed.ResponseText)
}

func TestParser_MemorizeToolUse(t *testing.T) {
	parsed := Parser{}.Parse(cliMessage(t,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"mcp__parlor__memorize","input":{"memory_entry":"likes tea"}}]}}`), "", "")
	assert.Equal(t, []string{"likes tea"}, parsed.MemoryEntries)
}

func TestParser_Result(t *testing.T) {
	parsed := Parser{}.Parse(cliMessage(t, `{"type":"result","is_error":false,"result":"ok"}`), "Hello", "")
	assert.True(t, parsed.Completed)
	assert.Empty(t, parsed.ErrorText)
	assert.Equal(t, "Hello", parsed.ResponseText)

	parsed = Parser{}.Parse(cliMessage(t, `{"type":"result","is_error":true,"result":"rate limited"}`), "", "")
	assert.True(t, parsed.Completed)
	assert.Equal(t, "rate limited", parsed.ErrorText)
}

func TestIsTool(t *testing.T) {
	assert.True(t, isTool("skip", "skip"))
	assert.True(t, isTool("mcp__parlor__skip", "skip"))
	assert.False(t, isTool("skipper", "skip"))
	assert.False(t, isTool("mcp__parlor__policy_check", "skip"))
}

func TestProvider_BuildOptions(t *testing.T) {
	p := NewProvider(configFor("claude", "sonnet"), testLogger(t))
	hooks := &backend.Hooks{}
	opts := p.BuildOptions(backend.BaseOptions{
		RoomID: 1, AgentID: 2, AgentName: "ada", AgentGroup: "cast",
		SessionID: "sess-1", HasSituationBuilder: true,
	}, hooks)

	o := opts.(*Options)
	assert.Equal(t, backend.KindClaude, o.Kind())
	assert.Equal(t, "sess-1", o.SessionID())
	assert.Equal(t, "sonnet", o.Model)
	assert.Contains(t, o.Env, "AGENT_NAME=ada")
	assert.Contains(t, o.Env, "ROOM_ID=1")
	assert.Contains(t, o.Env, "HAS_SITUATION_BUILDER=true")
	assert.Same(t, hooks, o.Hooks)
}
