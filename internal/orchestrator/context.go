package orchestrator

import (
	"strings"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/conversation"
)

// turnContext is the assembled input for one agent turn.
type turnContext struct {
	blocks []backend.ContentBlock
	// userName is the display name drawn from the first user message.
	userName string
	// hasSituationBuilder reports a situation_builder message in the window.
	hasSituationBuilder bool
	// userSpoke reports at least one user message in the window.
	userSpoke bool
}

// buildTurnContext formats the history window into content blocks. Text is
// a rolling "{speaker}:\n{content}\n\n" buffer; a message carrying images
// splits the buffer there so image position is preserved.
func buildTurnContext(msgs []*conversation.Message, includeSkipped bool) turnContext {
	var tc turnContext
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			tc.blocks = append(tc.blocks, backend.TextBlock(buf.String()))
			buf.Reset()
		}
	}

	for _, msg := range msgs {
		if msg.IsSkipped() && !includeSkipped {
			continue
		}
		if msg.ParticipantType == conversation.ParticipantSystem {
			continue
		}
		if msg.ParticipantType == conversation.ParticipantUser {
			tc.userSpoke = true
			if tc.userName == "" && msg.ParticipantName != "" {
				tc.userName = msg.ParticipantName
			}
		}
		if msg.ParticipantType == conversation.ParticipantSituationBuilder {
			tc.hasSituationBuilder = true
		}

		buf.WriteString(speakerLabel(msg))
		buf.WriteString(":\n")
		buf.WriteString(msg.Content)
		buf.WriteString("\n\n")

		if len(msg.Images) > 0 {
			flush()
			for _, img := range msg.Images {
				tc.blocks = append(tc.blocks, backend.ImageBlock(img))
			}
		}
	}
	flush()
	return tc
}

func speakerLabel(msg *conversation.Message) string {
	if msg.ParticipantName != "" {
		return msg.ParticipantName
	}
	switch msg.ParticipantType {
	case conversation.ParticipantUser:
		return "User"
	case conversation.ParticipantSituationBuilder:
		return "Narrator"
	default:
		return msg.Role
	}
}

// isOneOnOne reports a two-party conversation: exactly one agent, the user
// has spoken, and no situation builder frames the scene.
func isOneOnOne(agentCount int, tc turnContext) bool {
	return agentCount == 1 && tc.userSpoke && !tc.hasSituationBuilder
}
