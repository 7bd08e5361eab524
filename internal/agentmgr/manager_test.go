package agentmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/events"
)

const fakeKind backend.Kind = "fake"

type fakeOptions struct {
	base backend.BaseOptions
}

func (o *fakeOptions) Kind() backend.Kind { return fakeKind }
func (o *fakeOptions) SessionID() string  { return o.base.SessionID }

// fakeClient streams whatever the test pushes into its events channel.
type fakeClient struct {
	mu          sync.Mutex
	opts        backend.Options
	events      chan backend.RawEvent
	queried     bool
	interrupted bool
	sessionID   string
}

func (c *fakeClient) Connect(ctx context.Context) error    { return nil }
func (c *fakeClient) Disconnect(ctx context.Context) error { return nil }

func (c *fakeClient) Query(ctx context.Context, blocks []backend.ContentBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queried = true
	return nil
}

func (c *fakeClient) ReceiveResponse() <-chan backend.RawEvent { return c.events }

func (c *fakeClient) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = true
	return nil
}

func (c *fakeClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *fakeClient) Options() backend.Options        { return c.opts }
func (c *fakeClient) SetOptions(opts backend.Options) { c.opts = opts }

// fakeParser treats raw events as pre-parsed messages.
type fakeParser struct{}

func (fakeParser) Parse(event backend.RawEvent, accResponse, accThinking string) backend.ParsedMessage {
	if msg, ok := event.(backend.ParsedMessage); ok {
		return msg
	}
	return backend.ParsedMessage{ResponseText: accResponse, ThinkingText: accThinking}
}

type fakeProvider struct {
	mu    sync.Mutex
	last  *fakeClient
	hooks *backend.Hooks
}

func (p *fakeProvider) Kind() backend.Kind { return fakeKind }

func (p *fakeProvider) BuildOptions(base backend.BaseOptions, hooks *backend.Hooks) backend.Options {
	p.mu.Lock()
	p.hooks = hooks
	p.mu.Unlock()
	return &fakeOptions{base: base}
}

func (p *fakeProvider) CreateClient(opts backend.Options) (backend.Client, error) {
	c := &fakeClient{opts: opts, events: make(chan backend.RawEvent, 16)}
	p.mu.Lock()
	p.last = c
	p.mu.Unlock()
	return c, nil
}

func (p *fakeProvider) Parser() backend.StreamParser               { return fakeParser{} }
func (p *fakeProvider) CheckAvailability(ctx context.Context) bool { return true }
func (p *fakeProvider) SessionFieldName() string                   { return "session_id" }

func (p *fakeProvider) client() *fakeClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func newTestManager(t *testing.T) (*Manager, *fakeProvider) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	provider := &fakeProvider{}
	registry := backend.NewRegistry()
	registry.Register(provider)

	mgr := New(registry, config.PoolConfig{
		MaxConcurrentConnects: 10,
		DisconnectTimeout:     1,
	}, time.Second, log)
	return mgr, provider
}

func testContext(roomID, agentID int64) ResponseContext {
	return ResponseContext{
		Backend: fakeKind,
		Base:    backend.BaseOptions{RoomID: roomID, AgentID: agentID, AgentName: "ada"},
		Blocks:  []backend.ContentBlock{backend.TextBlock("hello")},
	}
}

func collect(t *testing.T, ch <-chan events.StreamEvent) []events.StreamEvent {
	t.Helper()
	var out []events.StreamEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream events")
		}
	}
}

func TestGenerateResponse_HappyPath(t *testing.T) {
	mgr, provider := newTestManager(t)

	ch, err := mgr.GenerateResponse(context.Background(), testContext(1, 2))
	require.NoError(t, err)

	client := provider.client()
	require.NotNil(t, client)
	client.events <- backend.ParsedMessage{SessionID: "s1", ResponseText: "Hi"}
	client.events <- backend.ParsedMessage{ResponseText: "Hi there", ThinkingText: "pondering"}
	client.events <- backend.ParsedMessage{ResponseText: "Hi there", ThinkingText: "pondering", Completed: true}
	close(client.events)

	evs := collect(t, ch)
	require.GreaterOrEqual(t, len(evs), 4)
	assert.Equal(t, events.TypeStreamStart, evs[0].Type)
	assert.NotEmpty(t, evs[0].TempID)

	end := evs[len(evs)-1]
	assert.Equal(t, events.TypeStreamEnd, end.Type)
	require.NotNil(t, end.ResponseText)
	assert.Equal(t, "Hi there", *end.ResponseText)
	assert.Equal(t, "pondering", end.ThinkingText)
	assert.Equal(t, "s1", end.SessionID)
	assert.False(t, end.Skipped)

	var combined string
	for _, ev := range evs {
		if ev.Type == events.TypeContentDelta {
			combined += ev.Delta
		}
	}
	assert.Equal(t, "Hi there", combined)

	assert.Equal(t, 0, mgr.ActiveCount())
}

func TestGenerateResponse_SkipSuppressesContent(t *testing.T) {
	mgr, provider := newTestManager(t)

	ch, err := mgr.GenerateResponse(context.Background(), testContext(1, 2))
	require.NoError(t, err)

	client := provider.client()
	client.events <- backend.ParsedMessage{ResponseText: "I will "}
	client.events <- backend.ParsedMessage{ResponseText: "I will ", SkipUsed: true}
	// Post-skip content is the reason for skipping and must stay private.
	client.events <- backend.ParsedMessage{ResponseText: "nothing to add here", ThinkingText: "quiet turn"}
	client.events <- backend.ParsedMessage{Completed: true}
	close(client.events)

	evs := collect(t, ch)
	end := evs[len(evs)-1]
	assert.Equal(t, events.TypeStreamEnd, end.Type)
	assert.True(t, end.Skipped)
	assert.Nil(t, end.ResponseText)
	assert.Equal(t, "quiet turn", end.ThinkingText)

	for _, ev := range evs[2:] {
		assert.NotEqual(t, events.TypeContentDelta, ev.Type,
			"content deltas after skip must be suppressed")
	}
	var thinking string
	for _, ev := range evs {
		if ev.Type == events.TypeThinkingDelta {
			thinking += ev.Delta
		}
	}
	assert.Equal(t, "quiet turn", thinking, "thinking deltas continue after skip")
}

func TestGenerateResponse_HookSkip(t *testing.T) {
	mgr, provider := newTestManager(t)

	ch, err := mgr.GenerateResponse(context.Background(), testContext(1, 2))
	require.NoError(t, err)

	client := provider.client()
	client.events <- backend.ParsedMessage{ResponseText: "partial"}

	provider.mu.Lock()
	hooks := provider.hooks
	provider.mu.Unlock()
	hooks.OnSkip()
	hooks.OnPolicyCheck("gray area")

	client.events <- backend.ParsedMessage{ResponseText: "partial reason", Completed: true}
	close(client.events)

	evs := collect(t, ch)
	end := evs[len(evs)-1]
	assert.True(t, end.Skipped)
	assert.Nil(t, end.ResponseText)
	assert.Equal(t, []string{"gray area"}, end.PolicyCheckCalls)
}

func TestGenerateResponse_CancellationKeepsPooledClient(t *testing.T) {
	mgr, provider := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := mgr.GenerateResponse(ctx, testContext(1, 2))
	require.NoError(t, err)

	client := provider.client()
	client.events <- backend.ParsedMessage{ResponseText: "mid"}

	// Drain until the first delta so the stream is known live, then cancel.
	for ev := range ch {
		if ev.Type == events.TypeContentDelta {
			break
		}
	}
	cancel()

	evs := collect(t, ch)
	require.NotEmpty(t, evs)
	end := evs[len(evs)-1]
	assert.Equal(t, events.TypeStreamEnd, end.Type)
	assert.True(t, end.Skipped)

	p, err := mgr.poolFor(fakeKind)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size(), "cancellation must not evict the pooled client")
	assert.Equal(t, 0, mgr.ActiveCount())
}

func TestGenerateResponse_ErrorEvictsPooledClient(t *testing.T) {
	mgr, provider := newTestManager(t)

	ch, err := mgr.GenerateResponse(context.Background(), testContext(1, 2))
	require.NoError(t, err)

	client := provider.client()
	client.events <- backend.ParsedMessage{ErrorText: "model overloaded", Completed: true}
	close(client.events)

	evs := collect(t, ch)
	end := evs[len(evs)-1]
	assert.Equal(t, events.TypeStreamEnd, end.Type)
	assert.Equal(t, "model overloaded", end.Error)
	assert.Nil(t, end.ResponseText)

	p, err := mgr.poolFor(fakeKind)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Size(), "a failed turn evicts the pooled client")
}

func TestInterruptRoom(t *testing.T) {
	mgr, provider := newTestManager(t)

	ch1, err := mgr.GenerateResponse(context.Background(), testContext(1, 2))
	require.NoError(t, err)
	c1 := provider.client()

	ch2, err := mgr.GenerateResponse(context.Background(), testContext(9, 3))
	require.NoError(t, err)
	c2 := provider.client()

	require.Equal(t, 2, mgr.ActiveCount())
	mgr.InterruptRoom(context.Background(), 1)

	c1.mu.Lock()
	interrupted1 := c1.interrupted
	c1.mu.Unlock()
	c2.mu.Lock()
	interrupted2 := c2.interrupted
	c2.mu.Unlock()
	assert.True(t, interrupted1)
	assert.False(t, interrupted2, "other rooms are untouched")

	close(c1.events)
	close(c2.events)
	collect(t, ch1)
	collect(t, ch2)
}

func TestStreamingSnapshot(t *testing.T) {
	mgr, provider := newTestManager(t)

	ch, err := mgr.GenerateResponse(context.Background(), testContext(1, 2))
	require.NoError(t, err)

	client := provider.client()
	client.events <- backend.ParsedMessage{ResponseText: "partial answer", ThinkingText: "hm"}

	// Wait until the delta is observable, then snapshot.
	for ev := range ch {
		if ev.Type == events.TypeContentDelta {
			break
		}
	}

	snaps := mgr.StreamingSnapshot(1)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(2), snaps[0].AgentID)
	assert.Equal(t, "partial answer", snaps[0].ResponseText)
	assert.Empty(t, mgr.StreamingSnapshot(42))

	close(client.events)
	collect(t, ch)
}
