package codexsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/appserver"
	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/pkg/codex"
)

const (
	eventBuffer        = 256
	threadStartTimeout = 30 * time.Second
	interruptTimeout   = 5 * time.Second
)

// Event is one app-server notification routed to the parser.
type Event struct {
	Method string
	Params json.RawMessage
}

// Client drives turns on a pooled app-server instance. The instance is
// shared across rooms for the same agent; the instance turn lock serializes
// them.
type Client struct {
	opts *Options
	pool *appserver.Pool

	mu          sync.Mutex
	inst        *appserver.Instance
	threadID    string
	turnID      string
	events      chan backend.RawEvent
	releaseTurn func()
	connected   bool

	logger *logger.Logger
}

// NewClient creates an unconnected client.
func NewClient(opts *Options, pool *appserver.Pool, log *logger.Logger) *Client {
	return &Client{
		opts: opts,
		pool: pool,
		logger: log.WithFields(
			zap.String("component", "codex-backend"),
			zap.Int64("room_id", opts.Base.RoomID),
			zap.Int64("agent_id", opts.Base.AgentID)),
	}
}

func (c *Client) agentKey() string {
	return fmt.Sprintf("agent-%d", c.opts.Base.AgentID)
}

// Connect acquires the agent's app-server instance and, when a thread id
// is persisted, makes it usable there. A failed resume surfaces as a
// SessionRecoveryError.
func (c *Client) Connect(ctx context.Context) error {
	inst, err := c.pool.GetOrCreateInstance(ctx, c.agentKey(), c.opts.Startup)
	if err != nil {
		return err
	}

	threadID := c.opts.Base.SessionID
	if threadID != "" {
		if err := c.pool.EnsureThread(ctx, inst, threadID, codex.ThreadResumeParams{
			Cwd:            c.opts.Startup.Cwd,
			ApprovalPolicy: c.opts.Startup.ApprovalPolicy,
			Sandbox:        c.opts.Startup.Sandbox,
		}); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.inst = inst
	c.threadID = threadID
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Query starts a turn: opens the thread when absent, then issues
// turn/start. The instance turn lock is held until the turn completes.
func (c *Client) Query(ctx context.Context, blocks []backend.ContentBlock) error {
	c.mu.Lock()
	inst := c.inst
	connected := c.connected
	c.mu.Unlock()
	if !connected || inst == nil {
		return fmt.Errorf("client not connected")
	}

	release, err := inst.AcquireTurn(ctx)
	if err != nil {
		return err
	}

	events := make(chan backend.RawEvent, eventBuffer)
	c.mu.Lock()
	c.events = events
	c.releaseTurn = release
	c.turnID = ""
	c.mu.Unlock()

	inst.Transport.SetNotificationHandler(c.handleNotification)

	if c.currentThreadID() == "" {
		if err := c.startThread(ctx, inst); err != nil {
			c.endTurn()
			return err
		}
	}

	input := make([]codex.UserInput, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			input = append(input, codex.UserInput{Type: "text", Text: b.Text})
		case "image":
			if b.Image == nil {
				continue
			}
			img, err := backend.ReencodeImage(*b.Image, backend.MediaTypePNG)
			if err != nil {
				c.logger.Warn("failed to re-encode image, sending original", zap.Error(err))
				img = *b.Image
			}
			input = append(input, codex.UserInput{
				Type: "image",
				URL:  fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Base64),
			})
		}
	}

	if _, err := inst.Transport.SendRequestNoWait(codex.MethodTurnStart, codex.TurnStartParams{
		ThreadID: c.currentThreadID(),
		Input:    input,
	}); err != nil {
		c.endTurn()
		return fmt.Errorf("transport not ready: %w", err)
	}
	return nil
}

func (c *Client) startThread(ctx context.Context, inst *appserver.Instance) error {
	resp, err := inst.Transport.SendRequest(ctx, codex.MethodThreadStart, codex.ThreadStartParams{
		Model:           c.opts.Model,
		Cwd:             c.opts.Startup.Cwd,
		ApprovalPolicy:  c.opts.Startup.ApprovalPolicy,
		Sandbox:         c.opts.Startup.Sandbox,
		ConfigOverrides: c.opts.Startup.ConfigOverrides,
		McpServers:      c.opts.Startup.McpServers,
	}, threadStartTimeout)
	if err != nil {
		return fmt.Errorf("thread start failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("thread start rejected: %s", resp.Error.Message)
	}

	var result codex.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
		return fmt.Errorf("thread start returned no thread")
	}

	c.mu.Lock()
	c.threadID = result.Thread.ID
	events := c.events
	c.mu.Unlock()
	c.pool.BindThread(inst, result.Thread.ID)

	// Synthesize a thread/started event so the parser observes the new id.
	params, _ := json.Marshal(codex.ThreadStartedParams{Thread: result.Thread})
	if events != nil {
		events <- Event{Method: codex.NotifyThreadStarted, Params: params}
	}
	return nil
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	var scoped struct {
		ThreadID string      `json:"threadId"`
		Turn     *codex.Turn `json:"turn"`
	}
	_ = json.Unmarshal(params, &scoped)

	c.mu.Lock()
	if scoped.ThreadID != "" && scoped.ThreadID != c.threadID {
		c.mu.Unlock()
		return
	}
	if method == codex.NotifyTurnStarted && scoped.Turn != nil {
		c.turnID = scoped.Turn.ID
	}
	events := c.events
	terminal := method == codex.NotifyTurnCompleted
	c.mu.Unlock()

	if events == nil {
		return
	}
	select {
	case events <- Event{Method: method, Params: params}:
	default:
		c.logger.Warn("event buffer full, dropping notification", zap.String("method", method))
	}
	if terminal {
		c.endTurn()
	}
}

// endTurn closes the event stream and releases the instance turn lock.
func (c *Client) endTurn() {
	c.mu.Lock()
	events := c.events
	release := c.releaseTurn
	c.events = nil
	c.releaseTurn = nil
	c.mu.Unlock()

	if events != nil {
		close(events)
	}
	if release != nil {
		release()
	}
}

// ReceiveResponse returns the current turn's event stream.
func (c *Client) ReceiveResponse() <-chan backend.RawEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		closed := make(chan backend.RawEvent)
		close(closed)
		return closed
	}
	return c.events
}

// Interrupt aborts the in-flight turn.
func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	inst := c.inst
	threadID := c.threadID
	turnID := c.turnID
	c.mu.Unlock()
	if inst == nil || threadID == "" {
		return fmt.Errorf("no active connection")
	}
	_, err := inst.Transport.SendRequest(ctx, codex.MethodTurnInterrupt, codex.TurnInterruptParams{
		ThreadID: threadID,
		TurnID:   turnID,
	}, interruptTimeout)
	return err
}

// Disconnect detaches from the instance. The subprocess itself is pool
// property and outlives the client.
func (c *Client) Disconnect(ctx context.Context) error {
	c.endTurn()
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.inst = nil
	c.mu.Unlock()
	if !wasConnected {
		return fmt.Errorf("no active connection")
	}
	return nil
}

// SessionID reports the thread id observed so far.
func (c *Client) SessionID() string {
	return c.currentThreadID()
}

func (c *Client) currentThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Options returns the client options.
func (c *Client) Options() backend.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// SetOptions replaces the client options in place.
func (c *Client) SetOptions(opts backend.Options) {
	o, ok := opts.(*Options)
	if !ok {
		return
	}
	c.mu.Lock()
	c.opts = o
	c.mu.Unlock()
}

var _ backend.Client = (*Client)(nil)
