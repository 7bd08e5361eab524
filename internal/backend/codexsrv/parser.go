package codexsrv

import (
	"encoding/json"
	"strings"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/pkg/codex"
)

// Parser flattens app-server notifications into the backend-neutral shape.
// Unlike the claude backend there are no hooks; skip, policy_check, and
// memorize are all recognized from mcpToolCall items here.
type Parser struct{}

// Parse interprets one notification. Text fields are cumulative extensions
// of the accumulated state.
func (Parser) Parse(event backend.RawEvent, accResponse, accThinking string) backend.ParsedMessage {
	ev, ok := event.(Event)
	if !ok {
		return backend.ParsedMessage{ResponseText: accResponse, ThinkingText: accThinking}
	}

	parsed := backend.ParsedMessage{
		ResponseText: accResponse,
		ThinkingText: accThinking,
	}

	switch ev.Method {
	case codex.NotifyThreadStarted:
		var p codex.ThreadStartedParams
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.Thread != nil {
			parsed.SessionID = p.Thread.ID
		}

	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if err := json.Unmarshal(ev.Params, &p); err == nil {
			parsed.ResponseText += p.Delta
		}

	case codex.NotifyItemReasoningDelta:
		var p codex.ReasoningDeltaParams
		if err := json.Unmarshal(ev.Params, &p); err == nil {
			parsed.ThinkingText += p.Delta
		}

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.Item != nil {
			applyCompletedItem(&parsed, p.Item, accResponse, accThinking)
		}

	case codex.NotifyItemMcpToolCallStart, codex.NotifyItemMcpToolCallDone:
		var p codex.McpToolCallParams
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.Item != nil {
			// Started and completed both fire for a call; capture once.
			if ev.Method == codex.NotifyItemMcpToolCallStart {
				applyToolCall(&parsed, p.Item)
			}
		}

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if err := json.Unmarshal(ev.Params, &p); err == nil {
			parsed.Completed = true
			if p.Status == codex.TurnStatusFailed {
				if p.ErrorInfo != nil && p.ErrorInfo.Message != "" {
					parsed.ErrorText = p.ErrorInfo.Message
				} else {
					parsed.ErrorText = "turn failed"
				}
			}
		}

	case codex.NotifyError:
		var p codex.ErrorParams
		if err := json.Unmarshal(ev.Params, &p); err == nil && p.Message != "" {
			parsed.ErrorText = p.Message
		}
	}

	return parsed
}

// applyCompletedItem folds a completed-item shape in. Completed items
// restate streamed deltas; take the longer state rather than appending.
func applyCompletedItem(parsed *backend.ParsedMessage, item *codex.Item, accResponse, accThinking string) {
	switch item.Type {
	case "agentMessage":
		text := item.Text
		if text == "" {
			text = item.Content.Text()
		}
		if len(text) > len(accResponse) {
			parsed.ResponseText = text
		}
	case "reasoning":
		thinking := item.Content.Text()
		if thinking == "" {
			thinking = item.Summary.Text()
		}
		if len(thinking) > len(accThinking) {
			parsed.ThinkingText = thinking
		}
	case "mcpToolCall":
		applyToolCall(parsed, item)
	}
}

func applyToolCall(parsed *backend.ParsedMessage, item *codex.Item) {
	name := item.Tool
	switch {
	case isTool(name, "skip"):
		parsed.SkipUsed = true
	case isTool(name, "policy_check"):
		var args struct {
			Situation string `json:"situation"`
		}
		if err := json.Unmarshal(item.Arguments, &args); err == nil && args.Situation != "" {
			parsed.PolicyCheckCalls = append(parsed.PolicyCheckCalls, args.Situation)
		}
	case isTool(name, "memorize"):
		var args struct {
			MemoryEntry string `json:"memory_entry"`
		}
		if err := json.Unmarshal(item.Arguments, &args); err == nil && args.MemoryEntry != "" {
			parsed.MemoryEntries = append(parsed.MemoryEntries, args.MemoryEntry)
		}
	}
}

func isTool(name, base string) bool {
	return name == base || strings.HasSuffix(name, "__"+base)
}

var _ backend.StreamParser = Parser{}
