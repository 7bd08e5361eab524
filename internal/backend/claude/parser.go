package claude

import (
	"strings"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/pkg/claudecode"
)

// isTool matches a tool invocation by its base name; MCP tools arrive
// namespaced ("mcp__parlor__skip").
func isTool(name, base string) bool {
	return name == base || strings.HasSuffix(name, "__"+base)
}

// Parser flattens CLI stream-json messages into the backend-neutral shape.
// Skip and policy_check are captured by the control-request hooks, not
// here; only memorize is surfaced from tool_use blocks.
type Parser struct{}

// Parse interprets one CLI message. Text fields are cumulative extensions
// of the accumulated state.
func (Parser) Parse(event backend.RawEvent, accResponse, accThinking string) backend.ParsedMessage {
	msg, ok := event.(*claudecode.CLIMessage)
	if !ok {
		return backend.ParsedMessage{ResponseText: accResponse, ThinkingText: accThinking}
	}

	parsed := backend.ParsedMessage{
		ResponseText: accResponse,
		ThinkingText: accThinking,
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		parsed.SessionID = msg.SessionID

	case claudecode.MessageTypeStreamEvent:
		if msg.Event != nil && msg.Event.Delta != nil {
			switch msg.Event.Delta.Type {
			case "text_delta":
				parsed.ResponseText += msg.Event.Delta.Text
			case "thinking_delta":
				parsed.ThinkingText += msg.Event.Delta.Thinking
			}
		}

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			break
		}
		// Full blocks restate what partial deltas already streamed; take
		// the longer of the two rather than appending twice.
		var text, thinking string
		for _, block := range msg.Message.Content {
			switch block.Type {
			case claudecode.BlockText:
				text += block.Text
			case claudecode.BlockThinking:
				thinking += block.Thinking
			case claudecode.BlockToolUse:
				if isTool(block.Name, "memorize") {
					if entry, ok := block.Input["memory_entry"].(string); ok && entry != "" {
						parsed.MemoryEntries = append(parsed.MemoryEntries, entry)
					}
				}
			}
		}
		if len(text) > len(accResponse) {
			parsed.ResponseText = text
		}
		if len(thinking) > len(accThinking) {
			parsed.ThinkingText = thinking
		}

	case claudecode.MessageTypeResult:
		parsed.Completed = true
		if msg.IsError {
			if errText := msg.GetResultString(); errText != "" {
				parsed.ErrorText = errText
			} else {
				parsed.ErrorText = "backend reported an error"
			}
		}
	}

	return parsed
}

var _ backend.StreamParser = Parser{}
