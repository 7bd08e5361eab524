// Package orchestrator drives conversation rounds: it turns a user
// message (or a scheduler tick) into a tape of speaking turns, executes
// the cells in order, and decides per turn what is persisted and
// broadcast.
package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/agentmgr"
	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/conversation/store"
	"github.com/parlorhq/parlor/internal/events"
	"github.com/parlorhq/parlor/internal/events/bus"
	"github.com/parlorhq/parlor/internal/persona"
)

// Broadcaster is the SSE fan-out the orchestrator relays turn events to.
type Broadcaster interface {
	Broadcast(roomID int64, ev events.StreamEvent) int
}

// AgentManager is the streaming core driving individual turns.
type AgentManager interface {
	GenerateResponse(ctx context.Context, rc agentmgr.ResponseContext) (<-chan events.StreamEvent, error)
	InterruptRoom(ctx context.Context, roomID int64)
}

// Orchestrator owns round execution for all rooms in the process.
type Orchestrator struct {
	store       store.Store
	agents      AgentManager
	broadcaster Broadcaster
	bus         bus.EventBus
	personas    *persona.Loader
	cfg         config.OrchestratorConfig
	defaultKind backend.Kind

	tape *conversation.TapeGenerator

	rngMu sync.Mutex
	rng   *rand.Rand

	mu          sync.Mutex
	lastUserMsg map[int64]time.Time
	rounds      map[int64]*roundHandle

	wg     sync.WaitGroup
	logger *logger.Logger
}

// New creates the orchestrator. The RNG seeds both the tape shuffle and
// the per-turn thought sampling so tests can pin outcomes.
func New(st store.Store, agents AgentManager, broadcaster Broadcaster, eventBus bus.EventBus,
	personas *persona.Loader, cfg config.OrchestratorConfig, defaultKind backend.Kind,
	rng *rand.Rand, log *logger.Logger) *Orchestrator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Orchestrator{
		store:       st,
		agents:      agents,
		broadcaster: broadcaster,
		bus:         eventBus,
		personas:    personas,
		cfg:         cfg,
		defaultKind: defaultKind,
		tape:        conversation.NewTapeGenerator(rng),
		rng:         rng,
		lastUserMsg: make(map[int64]time.Time),
		rounds:      make(map[int64]*roundHandle),
		logger:      log.WithFields(zap.String("component", "orchestrator")),
	}
}

// HandleUserMessage ingests a user message: it persists the message,
// interrupts any in-flight round, and enqueues a fresh initial round.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, roomID int64, content string, images []conversation.Image) (*conversation.Message, error) {
	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	msg := &conversation.Message{
		RoomID:          roomID,
		Role:            conversation.RoleUser,
		Content:         content,
		Images:          images,
		ParticipantType: conversation.ParticipantUser,
	}
	if err := o.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := o.store.TouchRoomActivity(ctx, roomID); err != nil {
		o.logger.Warn("failed to touch room activity", zap.Int64("room_id", roomID), zap.Error(err))
	}
	// A fresh user message re-arms follow-ups and un-finishes the room.
	if err := o.store.ResetFollowupCount(ctx, roomID); err != nil {
		o.logger.Warn("failed to reset followup count", zap.Int64("room_id", roomID), zap.Error(err))
	}
	o.publishMessage(ctx, msg)

	o.mu.Lock()
	o.lastUserMsg[roomID] = time.Now()
	o.mu.Unlock()

	o.agents.InterruptRoom(ctx, roomID)

	agents, err := o.store.GetRoomAgents(ctx, roomID)
	if err != nil {
		return msg, err
	}
	mentioned := conversation.ParseMention(content, agents)

	if room.IsPaused {
		return msg, nil
	}
	o.enqueueRound(roomID, func(roundCtx context.Context) {
		o.runInitialRound(roundCtx, roomID, mentioned)
	})
	return msg, nil
}

type roundHandle struct {
	cancel context.CancelFunc
}

// enqueueRound cancels the room's running round and starts a new one.
func (o *Orchestrator) enqueueRound(roomID int64, run func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &roundHandle{cancel: cancel}

	o.mu.Lock()
	if prev, ok := o.rounds[roomID]; ok {
		prev.cancel()
	}
	o.rounds[roomID] = handle
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			if o.rounds[roomID] == handle {
				delete(o.rounds, roomID)
			}
			o.mu.Unlock()
			cancel()
		}()
		run(ctx)
	}()
}

func (o *Orchestrator) runInitialRound(ctx context.Context, roomID int64, mentioned *int64) {
	members, interrupts, err := o.loadParticipants(ctx, roomID)
	if err != nil {
		o.logger.Error("failed to load round participants", zap.Int64("room_id", roomID), zap.Error(err))
		return
	}
	o.rngMu.Lock()
	tape := o.tape.Initial(members, interrupts, mentioned)
	o.rngMu.Unlock()
	o.publishRound(ctx, roomID, bus.SubjectRoundStarted)
	o.runTape(ctx, roomID, tape)
}

// RunFollowupRound drives one orchestrator-initiated round. Called by the
// background scheduler once its gates pass.
func (o *Orchestrator) RunFollowupRound(ctx context.Context, roomID int64) error {
	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.IsPaused || room.IsFinished {
		return nil
	}

	members, interrupts, err := o.loadParticipants(ctx, roomID)
	if err != nil {
		return err
	}
	if err := o.store.IncrementFollowupCount(ctx, roomID); err != nil {
		return err
	}

	o.rngMu.Lock()
	tape := o.tape.Followup(members, interrupts)
	o.rngMu.Unlock()
	o.publishRound(ctx, roomID, bus.SubjectRoundStarted)
	o.runTape(ctx, roomID, tape)
	return nil
}

func (o *Orchestrator) loadParticipants(ctx context.Context, roomID int64) (members, interrupts []*conversation.Agent, err error) {
	agents, err := o.store.GetRoomAgents(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	for _, a := range agents {
		if a.InterruptEveryTurn {
			interrupts = append(interrupts, a)
		} else {
			members = append(members, a)
		}
	}
	return members, interrupts, nil
}

// runTape executes one round. Cells run strictly in order; interrupt-cell
// agents run concurrently. A user message newer than the cell start
// pre-empts the rest of the round.
func (o *Orchestrator) runTape(ctx context.Context, roomID int64, tape conversation.Tape) {
	anySpoke := false
	completed := true

	for _, cell := range tape {
		if len(cell.AgentIDs) == 0 {
			continue
		}
		if ctx.Err() != nil {
			completed = false
			break
		}
		cellStart := time.Now()

		switch cell.Kind {
		case conversation.CellSequential:
			spoke := o.generateFor(ctx, roomID, cell.AgentIDs[0], cellStart)
			anySpoke = anySpoke || spoke
		case conversation.CellInterrupt:
			var wg sync.WaitGroup
			var mu sync.Mutex
			for _, agentID := range cell.AgentIDs {
				wg.Add(1)
				go func(id int64) {
					defer wg.Done()
					spoke := o.generateFor(ctx, roomID, id, cellStart)
					mu.Lock()
					anySpoke = anySpoke || spoke
					mu.Unlock()
				}(agentID)
			}
			wg.Wait()
		}

		if o.userMessageAfter(roomID, cellStart) {
			completed = false
			break
		}
	}

	o.publishRound(ctx, roomID, bus.SubjectRoundFinished)

	// A complete round where nobody had anything to say finishes the room.
	// An empty tape counts: a room of zero agents finishes immediately.
	if completed && !anySpoke {
		if err := o.store.MarkRoomFinished(context.Background(), roomID); err != nil {
			o.logger.Error("failed to mark room finished", zap.Int64("room_id", roomID), zap.Error(err))
			return
		}
		o.logger.Info("room finished, every agent skipped", zap.Int64("room_id", roomID))
		o.publishRound(ctx, roomID, bus.SubjectRoomFinished)
	}
}

// userMessageAfter reports whether a user message for the room arrived
// after the given instant.
func (o *Orchestrator) userMessageAfter(roomID int64, t time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	last, ok := o.lastUserMsg[roomID]
	return ok && last.After(t)
}

func (o *Orchestrator) publishMessage(ctx context.Context, msg *conversation.Message) {
	if o.bus == nil {
		return
	}
	ev := bus.NewEvent(bus.SubjectMessageCreated, "orchestrator", map[string]interface{}{
		"room_id": msg.RoomID,
		"message": msg,
	})
	if err := o.bus.Publish(ctx, bus.SubjectMessageCreated, ev); err != nil {
		o.logger.Warn("failed to publish message event", zap.Int64("room_id", msg.RoomID), zap.Error(err))
	}
}

func (o *Orchestrator) publishRound(ctx context.Context, roomID int64, subject string) {
	if o.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, "orchestrator", map[string]interface{}{"room_id": roomID})
	if err := o.bus.Publish(ctx, subject, ev); err != nil {
		o.logger.Warn("failed to publish round event",
			zap.Int64("room_id", roomID), zap.String("subject", subject), zap.Error(err))
	}
}

// PauseRoom pauses the room and interrupts anything in flight.
func (o *Orchestrator) PauseRoom(ctx context.Context, roomID int64) error {
	if err := o.store.SetRoomPaused(ctx, roomID, true); err != nil {
		return err
	}
	o.agents.InterruptRoom(ctx, roomID)
	o.mu.Lock()
	if handle, ok := o.rounds[roomID]; ok {
		handle.cancel()
	}
	o.mu.Unlock()
	o.publishRound(ctx, roomID, bus.SubjectRoomPaused)
	return nil
}

// ResumeRoom clears the pause flag.
func (o *Orchestrator) ResumeRoom(ctx context.Context, roomID int64) error {
	return o.store.SetRoomPaused(ctx, roomID, false)
}

// Shutdown cancels running rounds and waits for them to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	for _, handle := range o.rounds {
		handle.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("shutdown wait expired with rounds still running")
	}
}
