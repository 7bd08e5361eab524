// Package agentmgr owns the live backend clients and the per-turn
// streaming state. GenerateResponse is the streaming core: it drives one
// agent turn end to end and emits stream events over a channel.
package agentmgr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/backend/pool"
	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/events"
)

// eventBuffer sizes the per-turn event channel. The orchestrator consumes
// promptly; the buffer only absorbs short relay stalls.
const eventBuffer = 64

// StreamingState is the rolling accumulator for one in-flight turn,
// exposed so late SSE subscribers can catch up mid-stream.
type StreamingState struct {
	TempID       string
	RoomID       int64
	AgentID      int64
	AgentName    string
	ResponseText string
	ThinkingText string
	SkipUsed     bool
	// Seq counts accumulator updates; snapshots carry it so catch-up
	// subscribers can discard deltas the snapshot already contains.
	Seq int64
}

// ResponseContext carries everything GenerateResponse needs for one turn.
type ResponseContext struct {
	Backend backend.Kind
	Base    backend.BaseOptions
	Blocks  []backend.ContentBlock
}

// Manager tracks active clients, streaming state, and lazily created
// per-backend client pools.
type Manager struct {
	registry     *backend.Registry
	poolCfg      config.PoolConfig
	queryTimeout time.Duration

	mu        sync.Mutex
	active    map[conversation.TaskID]backend.Client
	streaming map[conversation.TaskID]*StreamingState
	pools     map[backend.Kind]*pool.Pool

	logger *logger.Logger
}

// New creates the manager.
func New(registry *backend.Registry, poolCfg config.PoolConfig, queryTimeout time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		registry:     registry,
		poolCfg:      poolCfg,
		queryTimeout: queryTimeout,
		active:       make(map[conversation.TaskID]backend.Client),
		streaming:    make(map[conversation.TaskID]*StreamingState),
		pools:        make(map[backend.Kind]*pool.Pool),
		logger:       log.WithFields(zap.String("component", "agent-manager")),
	}
}

func (m *Manager) poolFor(kind backend.Kind) (*pool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[kind]; ok {
		return p, nil
	}
	provider, err := m.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	p := pool.New(provider,
		int64(m.poolCfg.MaxConcurrentConnects),
		m.poolCfg.DisconnectTimeoutDuration(),
		m.logger)
	m.pools[kind] = p
	return p, nil
}

// hookCapture collects skip and policy_check signals delivered out of band
// by CLI hooks. The codex parser reports the same signals in-stream.
type hookCapture struct {
	mu     sync.Mutex
	skip   bool
	policy []string
}

func (h *hookCapture) hooks() *backend.Hooks {
	return &backend.Hooks{
		OnSkip: func() {
			h.mu.Lock()
			h.skip = true
			h.mu.Unlock()
		},
		OnPolicyCheck: func(situation string) {
			h.mu.Lock()
			h.policy = append(h.policy, situation)
			h.mu.Unlock()
		},
	}
}

func (h *hookCapture) snapshot() (bool, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skip, append([]string(nil), h.policy...)
}

// GenerateResponse runs one turn. Setup failures, including
// SessionRecoveryError from a stale thread, return synchronously; once the
// query is sent all outcomes arrive on the channel, terminated by a single
// stream_end. Cancelling ctx yields stream_end{skipped:true} without
// evicting the pooled client.
func (m *Manager) GenerateResponse(ctx context.Context, rc ResponseContext) (<-chan events.StreamEvent, error) {
	taskID := conversation.TaskID{RoomID: rc.Base.RoomID, AgentID: rc.Base.AgentID}
	tempID := uuid.New().String()

	provider, err := m.registry.Get(rc.Backend)
	if err != nil {
		return nil, err
	}

	capture := &hookCapture{}
	opts := provider.BuildOptions(rc.Base, capture.hooks())

	p, err := m.poolFor(rc.Backend)
	if err != nil {
		return nil, err
	}
	client, reused, err := p.GetOrCreate(ctx, taskID, opts)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("client ready",
		zap.String("task_id", taskID.String()),
		zap.Bool("reused", reused))

	state := &StreamingState{
		TempID:    tempID,
		RoomID:    rc.Base.RoomID,
		AgentID:   rc.Base.AgentID,
		AgentName: rc.Base.AgentName,
	}
	m.mu.Lock()
	m.active[taskID] = client
	m.streaming[taskID] = state
	m.mu.Unlock()

	// The send must not hang on a wedged backend even when reception is slow.
	queryCtx, cancelQuery := context.WithTimeout(ctx, m.queryTimeout)
	err = client.Query(queryCtx, rc.Blocks)
	cancelQuery()
	if err != nil {
		m.clearTask(taskID)
		p.Cleanup(taskID)
		return nil, err
	}

	out := make(chan events.StreamEvent, eventBuffer)
	go m.consume(ctx, p, provider, client, capture, taskID, state, rc, out)
	return out, nil
}

// consume drains the client's event stream, folds it through the parser
// and accumulator, and relays deltas until stream end.
func (m *Manager) consume(ctx context.Context, p *pool.Pool, provider backend.Provider,
	client backend.Client, capture *hookCapture, taskID conversation.TaskID,
	state *StreamingState, rc ResponseContext, out chan<- events.StreamEvent) {
	defer close(out)

	parser := provider.Parser()
	acc := &backend.Accumulator{}
	policySeen := 0

	m.emit(ctx, out, events.StreamEvent{
		Type:      events.TypeStreamStart,
		TempID:    state.TempID,
		RoomID:    rc.Base.RoomID,
		AgentID:   rc.Base.AgentID,
		AgentName: rc.Base.AgentName,
	})

	raw := client.ReceiveResponse()
	for {
		select {
		case <-ctx.Done():
			m.clearTask(taskID)
			m.emit(context.Background(), out, events.StreamEvent{
				Type:    events.TypeStreamEnd,
				TempID:  state.TempID,
				RoomID:  rc.Base.RoomID,
				AgentID: rc.Base.AgentID,
				Skipped: true,
			})
			return

		case ev, ok := <-raw:
			if !ok {
				m.finish(ctx, p, taskID, state, rc, acc, out)
				return
			}

			parsed := parser.Parse(ev, acc.ResponseText, acc.ThinkingText)
			responseDelta, thinkingDelta := acc.Apply(parsed)

			// Hook captures arrive out of band for the CLI backend.
			skip, policy := capture.snapshot()
			if skip {
				acc.SkipUsed = true
			}
			if len(policy) > policySeen {
				acc.PolicyCheckCalls = append(acc.PolicyCheckCalls, policy[policySeen:]...)
				policySeen = len(policy)
			}

			// After a skip the remaining content is the agent's reason for
			// skipping; it must not reach the UI or the DB. Thinking continues.
			if acc.SkipUsed {
				acc.ResponseText = ""
				responseDelta = ""
			}

			seq := m.updateState(taskID, state, acc)

			if responseDelta != "" {
				m.emit(ctx, out, events.StreamEvent{
					Type:    events.TypeContentDelta,
					TempID:  state.TempID,
					RoomID:  rc.Base.RoomID,
					AgentID: rc.Base.AgentID,
					Delta:   responseDelta,
					Seq:     seq,
				})
			}
			if thinkingDelta != "" {
				m.emit(ctx, out, events.StreamEvent{
					Type:    events.TypeThinkingDelta,
					TempID:  state.TempID,
					RoomID:  rc.Base.RoomID,
					AgentID: rc.Base.AgentID,
					Delta:   thinkingDelta,
					Seq:     seq,
				})
			}
		}
	}
}

func (m *Manager) finish(ctx context.Context, p *pool.Pool, taskID conversation.TaskID,
	state *StreamingState, rc ResponseContext, acc *backend.Accumulator, out chan<- events.StreamEvent) {
	m.clearTask(taskID)

	end := events.StreamEvent{
		Type:             events.TypeStreamEnd,
		TempID:           state.TempID,
		RoomID:           rc.Base.RoomID,
		AgentID:          rc.Base.AgentID,
		AgentName:        rc.Base.AgentName,
		ThinkingText:     acc.ThinkingText,
		SessionID:        acc.SessionID,
		MemoryEntries:    acc.MemoryEntries,
		PolicyCheckCalls: acc.PolicyCheckCalls,
		Skipped:          acc.SkipUsed,
	}
	if acc.ErrorText != "" {
		end.Error = acc.ErrorText
		p.Cleanup(taskID)
	} else if !acc.SkipUsed && acc.ResponseText != "" {
		text := acc.ResponseText
		end.ResponseText = &text
	}
	m.emit(ctx, out, end)
}

func (m *Manager) emit(ctx context.Context, out chan<- events.StreamEvent, ev events.StreamEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (m *Manager) updateState(taskID conversation.TaskID, state *StreamingState, acc *backend.Accumulator) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streaming[taskID]; !ok {
		return state.Seq
	}
	state.ResponseText = acc.ResponseText
	state.ThinkingText = acc.ThinkingText
	state.SkipUsed = acc.SkipUsed
	state.Seq++
	return state.Seq
}

func (m *Manager) clearTask(taskID conversation.TaskID) {
	m.mu.Lock()
	delete(m.active, taskID)
	delete(m.streaming, taskID)
	m.mu.Unlock()
}

// StreamingSnapshot returns copies of the room's in-flight turn states so
// new SSE subscribers can synthesize catch-up stream_start events.
func (m *Manager) StreamingSnapshot(roomID int64) []StreamingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StreamingState
	for taskID, state := range m.streaming {
		if taskID.RoomID == roomID {
			out = append(out, *state)
		}
	}
	return out
}

// InterruptRoom interrupts every active turn in the room. Per-client
// failures are logged and ignored; pooled clients stay resumable.
func (m *Manager) InterruptRoom(ctx context.Context, roomID int64) {
	m.interrupt(ctx, func(taskID conversation.TaskID) bool { return taskID.RoomID == roomID })
}

// InterruptAll interrupts every active turn process-wide.
func (m *Manager) InterruptAll(ctx context.Context) {
	m.interrupt(ctx, func(conversation.TaskID) bool { return true })
}

func (m *Manager) interrupt(ctx context.Context, match func(conversation.TaskID) bool) {
	m.mu.Lock()
	var targets []struct {
		taskID conversation.TaskID
		client backend.Client
	}
	for taskID, client := range m.active {
		if match(taskID) {
			targets = append(targets, struct {
				taskID conversation.TaskID
				client backend.Client
			}{taskID, client})
			delete(m.active, taskID)
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		if err := t.client.Interrupt(ctx); err != nil {
			m.logger.Warn("interrupt failed",
				zap.String("task_id", t.taskID.String()),
				zap.Error(err))
		}
	}
}

// ActiveCount reports the number of in-flight turns.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CleanupRoom evicts and disconnects every pooled client for the room.
func (m *Manager) CleanupRoom(roomID int64) {
	m.mu.Lock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.CleanupRoom(roomID)
	}
}

// Shutdown interrupts everything and drains every pool within the context
// deadline.
func (m *Manager) Shutdown(ctx context.Context) {
	m.InterruptAll(ctx)
	m.mu.Lock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.ShutdownAll(ctx)
	}
}
