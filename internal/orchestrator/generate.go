package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/agentmgr"
	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/conversation/store"
	"github.com/parlorhq/parlor/internal/events"
	"github.com/parlorhq/parlor/internal/prompts"
)

// generateFor runs one agent's turn and reports whether the agent
// actually spoke (produced a persisted message).
func (o *Orchestrator) generateFor(ctx context.Context, roomID, agentID int64, cellStart time.Time) bool {
	log := o.logger.WithRoomID(roomID).WithAgentID(agentID)

	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		log.Error("failed to load room", zap.Error(err))
		return false
	}
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		log.Error("failed to load agent", zap.Error(err))
		return false
	}
	roomAgents, err := o.store.GetRoomAgents(ctx, roomID)
	if err != nil {
		log.Error("failed to load room agents", zap.Error(err))
		return false
	}

	kind := o.backendKind(room)
	sessionID, err := o.store.GetSessionBinding(ctx, roomID, agentID, string(kind))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("failed to load session binding", zap.Error(err))
		return false
	}

	msgs, err := o.store.GetMessagesAfterAgent(ctx, roomID, agentID, o.cfg.HistoryLimit)
	if err != nil {
		log.Error("failed to load history window", zap.Error(err))
		return false
	}

	rc, err := o.assembleContext(roomID, agent, kind, sessionID, msgs, len(roomAgents), false)
	if err != nil {
		log.Error("failed to assemble context", zap.Error(err))
		return false
	}

	ch, err := o.agents.GenerateResponse(ctx, rc)

	// A stale continuity handle gets exactly one retry: full room history
	// under a brand-new session.
	var recovery *backend.SessionRecoveryError
	if errors.As(err, &recovery) {
		log.Warn("session no longer resumable, retrying with full history",
			zap.String("old_session_id", recovery.OldSessionID))
		full, histErr := o.store.GetAllMessages(ctx, roomID)
		if histErr != nil {
			log.Error("failed to load full history for recovery", zap.Error(histErr))
			return false
		}
		rc, err = o.assembleContext(roomID, agent, kind, "", full, len(roomAgents), true)
		if err != nil {
			log.Error("failed to assemble recovery context", zap.Error(err))
			return false
		}
		ch, err = o.agents.GenerateResponse(ctx, rc)
	}
	if err != nil {
		log.Error("turn failed before streaming", zap.Error(err))
		return false
	}

	end, ok := o.relay(ctx, roomID, ch)
	if !ok {
		return false
	}

	if end.SessionID != "" && end.SessionID != sessionID {
		if err := o.store.SetSessionBinding(ctx, roomID, agentID, string(kind), end.SessionID); err != nil {
			log.Error("failed to update session binding", zap.Error(err))
		}
	}
	for _, entry := range end.MemoryEntries {
		// The memorize tool already wrote the entry to the persona file.
		log.Info("memory entry recorded", zap.String("entry", entry))
	}

	return o.settleTurn(ctx, room, agent, cellStart, end)
}

func (o *Orchestrator) backendKind(room *conversation.Room) backend.Kind {
	switch room.Backend {
	case string(backend.KindClaude):
		return backend.KindClaude
	case string(backend.KindCodex):
		return backend.KindCodex
	default:
		return o.defaultKind
	}
}

// assembleContext builds the turn's ResponseContext: history blocks framed
// by header/footer, sampled thought instructions, and the system prompt.
func (o *Orchestrator) assembleContext(roomID int64, agent *conversation.Agent, kind backend.Kind, sessionID string,
	msgs []*conversation.Message, agentCount int, recovery bool) (agentmgr.ResponseContext, error) {

	includeSkipped := recovery && o.cfg.RecoveryIncludeSkipped
	tc := buildTurnContext(msgs, includeSkipped)

	cfg, err := o.personas.Load(agent.PersonaDir)
	if err != nil {
		return agentmgr.ResponseContext{}, err
	}
	cfg = cfg.ForGroup(agent.Group)

	oneOnOne := isOneOnOne(agentCount, tc)

	var sys strings.Builder
	sys.WriteString(prompts.BaseSystemPrompt(kind))
	sys.WriteString(prompts.PersonaSections(agent.Name, cfg))
	if oneOnOne {
		sys.WriteString("\n")
		sys.WriteString(prompts.OneOnOneInstruction(agent.Name, tc.userName))
	}
	sys.WriteString(prompts.TimestampLine(time.Now()))

	var tail strings.Builder
	tail.WriteString(prompts.ContextFooter)
	if special := o.sampleThought(); special != "" {
		tail.WriteString(special)
	}
	tail.WriteString(prompts.RespondInstruction(agent.Name, tc.userName))

	blocks := make([]backend.ContentBlock, 0, len(tc.blocks)+2)
	blocks = append(blocks, backend.TextBlock(prompts.ContextHeader))
	blocks = append(blocks, tc.blocks...)
	blocks = append(blocks, backend.TextBlock(tail.String()))

	return agentmgr.ResponseContext{
		Backend: kind,
		Base: backend.BaseOptions{
			RoomID:              roomID,
			AgentID:             agent.ID,
			AgentName:           agent.Name,
			AgentGroup:          agent.Group,
			PersonaDir:          o.personas.Dir(agent.PersonaDir),
			SystemPrompt:        sys.String(),
			SessionID:           sessionID,
			HasSituationBuilder: tc.hasSituationBuilder,
		},
		Blocks: blocks,
	}, nil
}

// sampleThought draws at most one special instruction for the turn.
func (o *Orchestrator) sampleThought() string {
	o.rngMu.Lock()
	r := o.rng.Float64()
	o.rngMu.Unlock()
	if r < o.cfg.RareThoughtProbability {
		return prompts.RareThought
	}
	if r < o.cfg.RareThoughtProbability+o.cfg.UncommonThoughtProbability {
		return prompts.UncommonThought
	}
	return ""
}

// relay forwards stream events to SSE subscribers, holding back the final
// stream_end for the persistence decision.
func (o *Orchestrator) relay(ctx context.Context, roomID int64, ch <-chan events.StreamEvent) (events.StreamEvent, bool) {
	var end events.StreamEvent
	got := false
	for ev := range ch {
		if ev.Type == events.TypeStreamEnd {
			end = ev
			got = true
			continue
		}
		o.broadcaster.Broadcast(roomID, ev)
	}
	return end, got
}

// settleTurn applies the persist/broadcast decision matrix to the turn's
// final state.
func (o *Orchestrator) settleTurn(ctx context.Context, room *conversation.Room,
	agent *conversation.Agent, cellStart time.Time, end events.StreamEvent) bool {
	log := o.logger.WithRoomID(room.ID).WithAgentID(agent.ID)

	if end.Error != "" {
		log.Error("turn ended with error", zap.String("error", end.Error))
		o.broadcaster.Broadcast(room.ID, end)
		return false
	}

	interrupted := o.userMessageAfter(room.ID, cellStart) || ctx.Err() != nil
	paused := false
	if fresh, err := o.store.GetRoom(ctx, room.ID); err == nil {
		paused = fresh.IsPaused
	}

	if end.Skipped || end.ResponseText == nil || interrupted || paused {
		discard := end
		discard.ResponseText = nil
		discard.Skipped = true
		o.broadcaster.Broadcast(room.ID, discard)

		// Audited skips leave a marker row; interruption and pause leave
		// nothing at all.
		if end.Skipped && !interrupted && !paused && o.cfg.PersistSkipped {
			agentID := agent.ID
			marker := &conversation.Message{
				RoomID:          room.ID,
				Role:            conversation.RoleAssistant,
				Content:         conversation.SkippedContent,
				ParticipantType: conversation.ParticipantCharacter,
				ParticipantName: agent.Name,
				AgentID:         &agentID,
			}
			if err := o.store.SaveMessage(context.Background(), marker); err != nil {
				log.Error("failed to persist skip marker", zap.Error(err))
			}
		}
		return false
	}

	agentID := agent.ID
	msg := &conversation.Message{
		RoomID:           room.ID,
		Role:             conversation.RoleAssistant,
		Content:          *end.ResponseText,
		Thinking:         end.ThinkingText,
		PolicyCheckCalls: end.PolicyCheckCalls,
		ParticipantType:  conversation.ParticipantCharacter,
		ParticipantName:  agent.Name,
		AgentID:          &agentID,
	}
	if err := o.store.SaveMessage(ctx, msg); err != nil {
		log.Error("failed to persist assistant message", zap.Error(err))
		discard := end
		discard.ResponseText = nil
		discard.Skipped = true
		o.broadcaster.Broadcast(room.ID, discard)
		return false
	}
	if err := o.store.TouchRoomActivity(ctx, room.ID); err != nil {
		log.Warn("failed to touch room activity", zap.Error(err))
	}

	// stream_end first, then new_message after the commit.
	o.broadcaster.Broadcast(room.ID, end)
	o.publishMessage(ctx, msg)
	return true
}
