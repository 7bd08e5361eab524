// Package pool reuses backend clients per (room, agent) task. A global
// semaphore bounds concurrent connects, per-task locks prevent duplicate
// creation, and disconnects run detached so they never block a turn.
package pool

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
)

const (
	connectAttempts = 3
	connectBackoff  = 300 * time.Millisecond
)

// Pool keeps at most one live client per task.
type Pool struct {
	provider backend.Provider

	mu      sync.Mutex
	clients map[conversation.TaskID]backend.Client
	locks   map[conversation.TaskID]*sync.Mutex

	connectSem        *semaphore.Weighted
	disconnectTimeout time.Duration

	background sync.WaitGroup
	logger     *logger.Logger
}

// New creates a pool for one provider. maxConnects bounds concurrent
// connection creation process-wide.
func New(provider backend.Provider, maxConnects int64, disconnectTimeout time.Duration, log *logger.Logger) *Pool {
	return &Pool{
		provider:          provider,
		clients:           make(map[conversation.TaskID]backend.Client),
		locks:             make(map[conversation.TaskID]*sync.Mutex),
		connectSem:        semaphore.NewWeighted(maxConnects),
		disconnectTimeout: disconnectTimeout,
		logger: log.WithFields(
			zap.String("component", "client-pool"),
			zap.String("backend", string(provider.Kind()))),
	}
}

// GetOrCreate returns the task's client, creating and connecting one when
// absent. The second return reports whether an existing client was reused.
func (p *Pool) GetOrCreate(ctx context.Context, taskID conversation.TaskID, opts backend.Options) (backend.Client, bool, error) {
	if client, ok := p.tryReuse(taskID, opts); ok {
		return client, true, nil
	}

	lock := p.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have created the client while we waited.
	if client, ok := p.tryReuse(taskID, opts); ok {
		return client, true, nil
	}

	client, err := p.connect(ctx, taskID, opts)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	p.clients[taskID] = client
	p.mu.Unlock()
	return client, false, nil
}

// tryReuse returns an existing healthy client after the session check. A
// client whose session diverges from the requested one is evicted from the
// map but not disconnected inline; its lifecycle belongs to the goroutine
// that built it.
func (p *Pool) tryReuse(taskID conversation.TaskID, opts backend.Options) (backend.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	client, ok := p.clients[taskID]
	if !ok {
		return nil, false
	}

	existing := client.SessionID()
	requested := opts.SessionID()
	if existing != "" && requested != "" && existing != requested {
		p.logger.Info("evicting client on session change",
			zap.String("task_id", taskID.String()),
			zap.String("existing", existing),
			zap.String("requested", requested))
		delete(p.clients, taskID)
		return nil, false
	}

	client.SetOptions(opts)
	return client, true
}

func (p *Pool) connect(ctx context.Context, taskID conversation.TaskID, opts backend.Options) (backend.Client, error) {
	if err := p.connectSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.connectSem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client, err := p.provider.CreateClient(opts)
		if err == nil {
			err = client.Connect(ctx)
			if err == nil {
				return client, nil
			}
		}
		lastErr = err

		if !isTransportError(err) {
			return nil, err
		}
		if attempt < connectAttempts {
			backoff := connectBackoff * time.Duration(1<<(attempt-1))
			p.logger.Warn("transient connect failure, retrying",
				zap.String("task_id", taskID.String()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// isTransportError matches transient transport failures worth retrying.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "transport")
}

// Cleanup removes the task's client and disconnects it in the background
// under a bounded timeout, detached from the caller's context.
func (p *Pool) Cleanup(taskID conversation.TaskID) {
	p.mu.Lock()
	client, ok := p.clients[taskID]
	if ok {
		delete(p.clients, taskID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.disconnectBackground(taskID, client)
}

func (p *Pool) disconnectBackground(taskID conversation.TaskID, client backend.Client) {
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.disconnectTimeout)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil && !isBenignDisconnectError(err) {
			p.logger.Warn("background disconnect failed",
				zap.String("task_id", taskID.String()),
				zap.Error(err))
		}
	}()
}

func isBenignDisconnectError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no active connection") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "already closed")
}

// CleanupRoom removes every client belonging to the room.
func (p *Pool) CleanupRoom(roomID int64) {
	p.mu.Lock()
	var evicted []struct {
		taskID conversation.TaskID
		client backend.Client
	}
	for taskID, client := range p.clients {
		if taskID.RoomID == roomID {
			evicted = append(evicted, struct {
				taskID conversation.TaskID
				client backend.Client
			}{taskID, client})
			delete(p.clients, taskID)
		}
	}
	p.mu.Unlock()

	for _, e := range evicted {
		p.disconnectBackground(e.taskID, e.client)
	}
}

// ShutdownAll cleans up every client and waits for the background
// disconnects to finish or the context to expire.
func (p *Pool) ShutdownAll(ctx context.Context) {
	p.mu.Lock()
	tasks := make([]conversation.TaskID, 0, len(p.clients))
	for taskID := range p.clients {
		tasks = append(tasks, taskID)
	}
	p.mu.Unlock()

	for _, taskID := range tasks {
		p.Cleanup(taskID)
	}

	done := make(chan struct{})
	go func() {
		p.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown wait expired with disconnects still pending")
	}
}

// Size reports the number of pooled clients.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *Pool) taskLock(taskID conversation.TaskID) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[taskID] = lock
	}
	return lock
}
