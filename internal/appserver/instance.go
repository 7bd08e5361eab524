package appserver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Instance is one live app-server subprocess serving a single agent. The
// turn lock serializes turns; the backend itself cannot multiplex turns on
// one process.
type Instance struct {
	ID       string
	AgentKey string

	Transport Transport

	turnLock chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
	threads      map[string]struct{}
}

// NewInstance wraps a transport.
func NewInstance(agentKey string, transport Transport) *Instance {
	return &Instance{
		ID:           uuid.New().String(),
		AgentKey:     agentKey,
		Transport:    transport,
		turnLock:     make(chan struct{}, 1),
		lastActivity: time.Now(),
		threads:      make(map[string]struct{}),
	}
}

// AcquireTurn blocks until the instance is free for a turn or the context
// expires. The returned release function must be called at turn end.
func (i *Instance) AcquireTurn(ctx context.Context) (func(), error) {
	select {
	case i.turnLock <- struct{}{}:
		i.Touch()
		return func() { <-i.turnLock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Touch records activity, deferring idle eviction.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastActivity = time.Now()
	i.mu.Unlock()
}

// IdleFor reports how long the instance has been inactive.
func (i *Instance) IdleFor(now time.Time) time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return now.Sub(i.lastActivity)
}

// LastActivity returns the last recorded activity time.
func (i *Instance) LastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

// AddThread records thread ownership on the instance.
func (i *Instance) AddThread(threadID string) {
	i.mu.Lock()
	i.threads[threadID] = struct{}{}
	i.mu.Unlock()
}

// OwnsThread reports whether the instance has seen the thread.
func (i *Instance) OwnsThread(threadID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.threads[threadID]
	return ok
}

// Healthy proxies the transport health flag.
func (i *Instance) Healthy() bool {
	return i.Transport.Healthy()
}
