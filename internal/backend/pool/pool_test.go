package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
)

type fakeOptions struct {
	sessionID string
}

func (o fakeOptions) Kind() backend.Kind { return backend.KindClaude }
func (o fakeOptions) SessionID() string  { return o.sessionID }

type fakeClient struct {
	mu          sync.Mutex
	opts        backend.Options
	sessionID   string
	disconnects atomic.Int32
	events      chan backend.RawEvent
}

func (c *fakeClient) Connect(ctx context.Context) error { return nil }
func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.disconnects.Add(1)
	return nil
}
func (c *fakeClient) Query(ctx context.Context, blocks []backend.ContentBlock) error { return nil }
func (c *fakeClient) ReceiveResponse() <-chan backend.RawEvent                       { return c.events }
func (c *fakeClient) Interrupt(ctx context.Context) error                            { return nil }
func (c *fakeClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}
func (c *fakeClient) Options() backend.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}
func (c *fakeClient) SetOptions(opts backend.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = opts
}

type fakeProvider struct {
	mu       sync.Mutex
	created  int
	failures []error // consumed per CreateClient call
	clients  []*fakeClient
}

func (p *fakeProvider) Kind() backend.Kind { return backend.KindClaude }
func (p *fakeProvider) BuildOptions(base backend.BaseOptions, hooks *backend.Hooks) backend.Options {
	return fakeOptions{sessionID: base.SessionID}
}
func (p *fakeProvider) CreateClient(opts backend.Options) (backend.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeClient{opts: opts, sessionID: opts.SessionID(), events: make(chan backend.RawEvent)}
	p.clients = append(p.clients, c)
	return c, nil
}
func (p *fakeProvider) Parser() backend.StreamParser               { return nil }
func (p *fakeProvider) CheckAvailability(ctx context.Context) bool { return true }
func (p *fakeProvider) SessionFieldName() string                   { return "session_id" }

func newTestPool(t *testing.T, provider *fakeProvider) *Pool {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return New(provider, 10, time.Second, log)
}

func task(room, agent int64) conversation.TaskID {
	return conversation.TaskID{RoomID: room, AgentID: agent}
}

func TestPool_GetOrCreateIsIdempotent(t *testing.T) {
	provider := &fakeProvider{}
	p := newTestPool(t, provider)
	ctx := context.Background()

	opts := fakeOptions{sessionID: "s1"}
	c1, reused, err := p.GetOrCreate(ctx, task(1, 1), opts)
	require.NoError(t, err)
	assert.False(t, reused)

	c2, reused, err := p.GetOrCreate(ctx, task(1, 1), opts)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, provider.created)
}

func TestPool_SessionDivergenceEvictsWithoutDisconnect(t *testing.T) {
	provider := &fakeProvider{}
	p := newTestPool(t, provider)
	ctx := context.Background()

	c1, _, err := p.GetOrCreate(ctx, task(1, 1), fakeOptions{sessionID: "s1"})
	require.NoError(t, err)

	c2, reused, err := p.GetOrCreate(ctx, task(1, 1), fakeOptions{sessionID: "s2"})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotSame(t, c1, c2)
	// The old client is evicted but never disconnected inline.
	assert.Zero(t, c1.(*fakeClient).disconnects.Load())
}

func TestPool_EmptySessionReusesClient(t *testing.T) {
	provider := &fakeProvider{}
	p := newTestPool(t, provider)
	ctx := context.Background()

	c1, _, err := p.GetOrCreate(ctx, task(1, 1), fakeOptions{sessionID: "s1"})
	require.NoError(t, err)

	// A fresh-session request does not force eviction.
	c2, reused, err := p.GetOrCreate(ctx, task(1, 1), fakeOptions{sessionID: ""})
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Same(t, c1, c2)
}

func TestPool_RetriesTransportErrors(t *testing.T) {
	provider := &fakeProvider{failures: []error{
		errors.New("transport not ready"),
		errors.New("transport not ready"),
	}}
	p := newTestPool(t, provider)

	_, reused, err := p.GetOrCreate(context.Background(), task(1, 1), fakeOptions{})
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, 3, provider.created)
}

func TestPool_NonTransportErrorsSurfaceImmediately(t *testing.T) {
	provider := &fakeProvider{failures: []error{errors.New("auth rejected")}}
	p := newTestPool(t, provider)

	_, _, err := p.GetOrCreate(context.Background(), task(1, 1), fakeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth rejected")
	assert.Equal(t, 1, provider.created)
}

func TestPool_CleanupDisconnectsInBackground(t *testing.T) {
	provider := &fakeProvider{}
	p := newTestPool(t, provider)
	ctx := context.Background()

	c, _, err := p.GetOrCreate(ctx, task(1, 1), fakeOptions{sessionID: "s1"})
	require.NoError(t, err)

	p.Cleanup(task(1, 1))
	assert.Zero(t, p.Size())

	assert.Eventually(t, func() bool {
		return c.(*fakeClient).disconnects.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPool_CleanupRoom(t *testing.T) {
	provider := &fakeProvider{}
	p := newTestPool(t, provider)
	ctx := context.Background()

	for _, tid := range []conversation.TaskID{task(1, 1), task(1, 2), task(2, 1)} {
		_, _, err := p.GetOrCreate(ctx, tid, fakeOptions{})
		require.NoError(t, err)
	}

	p.CleanupRoom(1)
	assert.Equal(t, 1, p.Size())
}

func TestPool_ShutdownAll(t *testing.T) {
	provider := &fakeProvider{}
	p := newTestPool(t, provider)
	ctx := context.Background()

	for _, tid := range []conversation.TaskID{task(1, 1), task(2, 1)} {
		_, _, err := p.GetOrCreate(ctx, tid, fakeOptions{})
		require.NoError(t, err)
	}

	p.ShutdownAll(ctx)
	assert.Zero(t, p.Size())
	for _, c := range provider.clients {
		assert.Equal(t, int32(1), c.disconnects.Load())
	}
}
