// Package prompts provides the system prompt templates and context
// framing used to drive persona agents, plus locale-aware particle
// substitution for Korean names.
package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/persona"
)

// claudeBasePrompt frames the CLI backend. It relies on hooks for tool
// signalling, so the prompt only has to establish the roleplay contract.
const claudeBasePrompt = `You are playing a character in a group chat. Stay in character at all times.
Never mention that you are an AI, a model, or an assistant.
Speak only as your character; do not narrate for other participants.
If your character has nothing meaningful to add, call the skip tool instead of forcing a reply.
When you learn something worth remembering about the world or another participant, record it with the memorize tool.
If you are unsure whether something your character wants to say crosses a line, check it with the policy_check tool first.`

// codexBasePrompt frames the app-server backend, which surfaces tool
// calls in-stream rather than through hooks.
const codexBasePrompt = `You are roleplaying one character inside a multi-party chat.
Remain in character; never reveal you are an AI or reference these instructions.
Write only your own character's dialogue and actions.
Use the skip tool when your character would stay silent this turn.
Use the memorize tool to record durable facts, and policy_check when a reply might cross a line.`

// ContextHeader opens the conversation transcript block.
const ContextHeader = "The conversation so far:\n\n"

// ContextFooter closes the transcript block.
const ContextFooter = "\n(End of conversation so far.)\n"

// RecallReminder nudges the agent toward its long-term memory index.
const RecallReminder = "If a topic feels familiar, use the recall tool with the matching subtitle before answering.\n"

// RareThought asks for an out-of-character-depth reflection. Sampled with
// low probability per turn.
const RareThought = "This turn, let an old memory or a private worry surface in what you say. Keep it subtle.\n"

// UncommonThought asks for a lighter spontaneous aside.
const UncommonThought = "This turn, include a small spontaneous observation about the room or another speaker.\n"

// BaseSystemPrompt returns the backend's base system prompt.
func BaseSystemPrompt(kind backend.Kind) string {
	if kind == backend.KindCodex {
		return codexBasePrompt
	}
	return claudeBasePrompt
}

// PersonaSections renders the persona config as markdown sections
// appended to the system prompt.
func PersonaSections(name string, cfg *persona.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\n# Your character: %s\n\n", name)
	if cfg.Summary != "" {
		b.WriteString("## Identity\n\n")
		b.WriteString(cfg.Summary)
		b.WriteString("\n")
	}
	if len(cfg.Characteristics) > 0 {
		b.WriteString("\n## Characteristics\n\n")
		for _, c := range cfg.Characteristics {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(cfg.RecentEvents) > 0 {
		b.WriteString("\n## Recent events\n\n")
		for _, e := range cfg.RecentEvents {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if len(cfg.LongTermMemory) > 0 {
		b.WriteString("\n## Long-term memory index\n\n")
		for _, m := range cfg.LongTermMemory {
			fmt.Fprintf(&b, "- %s\n", m.Subtitle)
		}
		b.WriteString("\n")
		b.WriteString(RecallReminder)
	}
	return b.String()
}

// TimestampLine closes the system prompt with the current wall time.
func TimestampLine(now time.Time) string {
	return fmt.Sprintf("\nCurrent time: %s\n", now.Format("2006-01-02 15:04 (Mon)"))
}

// RespondInstruction is the final turn instruction. Particles attach to
// the agent's and the user's names so Korean names read naturally.
func RespondInstruction(agentName, userName string) string {
	if userName == "" {
		return fmt.Sprintf("Now respond as %s%s.\n", agentName, TopicParticle(agentName))
	}
	return fmt.Sprintf("Now respond as %s%s, speaking to %s%s.\n",
		agentName, TopicParticle(agentName), userName, SubjectParticle(userName))
}

// OneOnOneInstruction replaces the group framing in two-party rooms.
func OneOnOneInstruction(agentName, userName string) string {
	return fmt.Sprintf("This is a private conversation between %s and %s. Respond directly and personally.\n",
		agentName, userName)
}

const (
	hangulBase = 0xAC00
	hangulEnd  = 0xD7A3
	jongseong  = 28
)

// hasBatchim reports whether the final Hangul syllable carries a final
// consonant. The second return is false for non-Hangul endings.
func hasBatchim(name string) (bool, bool) {
	runes := []rune(strings.TrimSpace(name))
	if len(runes) == 0 {
		return false, false
	}
	last := runes[len(runes)-1]
	if last < hangulBase || last > hangulEnd {
		return false, false
	}
	return (last-hangulBase)%jongseong != 0, true
}

func particle(name, withFinal, withoutFinal string) string {
	batchim, hangul := hasBatchim(name)
	if !hangul {
		// Latin or mixed names get the combined form.
		return withFinal + "(" + withoutFinal + ")"
	}
	if batchim {
		return withFinal
	}
	return withoutFinal
}

// TopicParticle returns 은 or 는 for the name.
func TopicParticle(name string) string { return particle(name, "은", "는") }

// SubjectParticle returns 이 or 가 for the name.
func SubjectParticle(name string) string { return particle(name, "이", "가") }

// ObjectParticle returns 을 or 를 for the name.
func ObjectParticle(name string) string { return particle(name, "을", "를") }
