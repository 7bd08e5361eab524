// Package conversation defines the chat-room data model and the turn tape
// that plans which agents speak in a round.
package conversation

import (
	"fmt"
	"strings"
	"time"
)

// SkippedContent is the literal content persisted for an audited skipped turn.
// Messages carrying it are invisible to other agents when building context.
const SkippedContent = "(skipped)"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Participant types.
const (
	ParticipantUser             = "user"
	ParticipantCharacter        = "character"
	ParticipantSituationBuilder = "situation_builder"
	ParticipantSystem           = "system"
)

// Room is a multi-party chat scope.
type Room struct {
	ID         int64   `db:"id" json:"id"`
	OwnerID    int64   `db:"owner_id" json:"owner_id"`
	AgentIDs   []int64 `db:"-" json:"agent_ids"`
	IsPaused   bool    `db:"is_paused" json:"is_paused"`
	IsFinished bool    `db:"is_finished" json:"is_finished"`
	// Backend is the preferred backend name ("claude" or "codex").
	Backend string `db:"backend" json:"backend"`
	// MaxFollowups caps orchestrator-initiated rounds after the last user message.
	MaxFollowups   int       `db:"max_followups" json:"max_followups"`
	FollowupCount  int       `db:"followup_count" json:"followup_count"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
	LastReadAt     time.Time `db:"last_read_at" json:"last_read_at"`
}

// Agent is a persona participating in rooms.
type Agent struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
	// Priority orders speaking: positive speaks earlier, zero is regular,
	// negative speaks later.
	Priority int `db:"priority" json:"priority"`
	// Transparent agents do not trigger interrupt agents when they speak.
	Transparent bool `db:"transparent" json:"transparent"`
	// InterruptEveryTurn agents react to every non-transparent utterance.
	InterruptEveryTurn bool `db:"interrupt_every_turn" json:"interrupt_every_turn"`
	// Group selects persona overrides.
	Group string `db:"group_label" json:"group"`
	// PersonaDir is the agent's persona folder name.
	PersonaDir string `db:"persona_dir" json:"persona_dir"`
}

// Image is an inline image attached to a message.
type Image struct {
	Base64    string `json:"base64"`
	MediaType string `json:"media_type"`
}

// Message is one entry in a room's append-only, timestamp-ordered sequence.
type Message struct {
	ID      int64   `db:"id" json:"id"`
	RoomID  int64   `db:"room_id" json:"room_id"`
	Role    string  `db:"role" json:"role"`
	Content string  `db:"content" json:"content"`
	Images  []Image `db:"-" json:"images,omitempty"`
	// Thinking is the reasoning text captured alongside an assistant message.
	Thinking string `db:"thinking" json:"thinking,omitempty"`
	// PolicyCheckCalls records situations the agent submitted to the
	// policy_check tool during this turn.
	PolicyCheckCalls []string `db:"-" json:"policy_check_calls,omitempty"`
	ParticipantType  string   `db:"participant_type" json:"participant_type"`
	ParticipantName  string   `db:"participant_name" json:"participant_name,omitempty"`
	// AgentID back-references the authoring agent for assistant messages.
	AgentID   *int64    `db:"agent_id" json:"agent_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsSkipped reports whether the message is an audited skip marker.
func (m *Message) IsSkipped() bool {
	return m.Content == SkippedContent
}

// TaskID identifies one agent's turn slot in a room. It keys the client
// pool, the active-client map, and the streaming-state map.
type TaskID struct {
	RoomID  int64
	AgentID int64
}

func (t TaskID) String() string {
	return fmt.Sprintf("%d/%d", t.RoomID, t.AgentID)
}

// SessionBinding holds the backend continuity handle for (room, agent, backend).
type SessionBinding struct {
	RoomID    int64  `db:"room_id"`
	AgentID   int64  `db:"agent_id"`
	Backend   string `db:"backend"`
	SessionID string `db:"session_id"`
}

// CellKind discriminates tape cells.
type CellKind int

const (
	// CellSequential runs a single agent; later cells wait for its stream end.
	CellSequential CellKind = iota
	// CellInterrupt runs interrupt agents, concurrently when there are many.
	CellInterrupt
)

func (k CellKind) String() string {
	switch k {
	case CellSequential:
		return "sequential"
	case CellInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// TurnCell is one slot in a tape.
type TurnCell struct {
	Kind     CellKind
	AgentIDs []int64
	// TriggeringAgentID is set on interrupt cells provoked by a speaker;
	// that speaker is never a member of AgentIDs.
	TriggeringAgentID *int64
}

// Tape is the ordered speaking plan for one round.
type Tape []TurnCell

// ParseMention extracts the agent mentioned with a leading @name token from
// a user message. Returns nil when no member agent is addressed.
func ParseMention(content string, agents []*Agent) *int64 {
	for _, tok := range strings.Fields(content) {
		if !strings.HasPrefix(tok, "@") {
			continue
		}
		name := strings.TrimRight(strings.TrimPrefix(tok, "@"), ".,!?:;")
		for _, a := range agents {
			if strings.EqualFold(a.Name, name) {
				id := a.ID
				return &id
			}
		}
	}
	return nil
}
