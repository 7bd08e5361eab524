package prompts

// Tool descriptions shared by the MCP tool server and the prompt text.
// Keeping them here keeps the wording identical in both places.
var toolDescriptions = map[string]string{
	"skip":         "Stay silent this turn. Call this instead of replying when your character has nothing meaningful to add.",
	"memorize":     "Record a durable fact about the world or another participant. The entry is appended to your persona's recent events.",
	"recall":       "Look up a long-term memory by its subtitle from your persona's memory index.",
	"read":         "Read your character guidelines and persona configuration.",
	"policy_check": "Describe a situation your character is about to act on and get a judgement on whether it crosses a line.",
	"current_time": "Get the current wall-clock time.",
}

// ToolDescription returns the description for a tool name, empty when
// unknown.
func ToolDescription(name string) string {
	return toolDescriptions[name]
}
