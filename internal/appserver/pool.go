package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/pkg/codex"
)

const requestTimeout = 60 * time.Second

// TransportFactory builds a transport for a startup config. Injected so
// tests can run against in-memory fakes.
type TransportFactory func(cfg StartupConfig) (Transport, error)

// Pool keeps at most MaxInstances live app-server subprocesses, one per
// agent, evicting the most idle when full and reaping idle ones in the
// background.
type Pool struct {
	cfg        config.AppServerConfig
	factory    TransportFactory
	threads    *ThreadSessionManager
	mu         sync.Mutex
	instances  map[string]*Instance
	spawning   map[string]chan struct{}
	logger     *logger.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup
	background sync.WaitGroup
}

// NewPool creates the pool. A nil factory uses the stdio transport.
func NewPool(cfg config.AppServerConfig, factory TransportFactory, log *logger.Logger) *Pool {
	p := &Pool{
		cfg:       cfg,
		factory:   factory,
		threads:   NewThreadSessionManager(),
		instances: make(map[string]*Instance),
		spawning:  make(map[string]chan struct{}),
		logger:    log.WithFields(zap.String("component", "appserver-pool")),
		stopCh:    make(chan struct{}),
	}
	if p.factory == nil {
		p.factory = func(sc StartupConfig) (Transport, error) {
			return NewStdioTransport(sc, log)
		}
	}
	return p
}

// Threads exposes the thread ownership manager.
func (p *Pool) Threads() *ThreadSessionManager {
	return p.threads
}

// Start launches the idle sweeper.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.sweepLoop()
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	idleTimeout := p.cfg.IdleTimeoutDuration()
	now := time.Now()

	p.mu.Lock()
	var reaped []*Instance
	for key, inst := range p.instances {
		if inst.IdleFor(now) > idleTimeout {
			delete(p.instances, key)
			reaped = append(reaped, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range reaped {
		p.logger.Info("reaping idle app-server instance",
			zap.String("agent_key", inst.AgentKey),
			zap.String("instance_id", inst.ID))
		p.retire(inst)
	}
}

// retire releases the instance's threads and closes its transport in the
// background.
func (p *Pool) retire(inst *Instance) {
	p.threads.ReleaseInstance(inst.ID)
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := inst.Transport.Close(ctx); err != nil {
			p.logger.Warn("failed to close app-server transport",
				zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}()
}

// GetOrCreateInstance returns the agent's instance, spawning one when
// absent or unhealthy. At capacity the most idle instance is evicted
// first. Concurrent calls for the same agent share a single spawn.
func (p *Pool) GetOrCreateInstance(ctx context.Context, agentKey string, startup StartupConfig) (*Instance, error) {
	for {
		p.mu.Lock()
		if inst, ok := p.instances[agentKey]; ok {
			if inst.Healthy() {
				inst.Touch()
				p.mu.Unlock()
				return inst, nil
			}
			// Dead process: evict and respawn.
			delete(p.instances, agentKey)
			p.mu.Unlock()
			p.retire(inst)
			continue
		}

		wait, inFlight := p.spawning[agentKey]
		if !inFlight {
			break
		}
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Still holding p.mu: claim the spawn slot before releasing it.
	done := make(chan struct{})
	p.spawning[agentKey] = done

	var victim *Instance
	if len(p.instances) >= p.cfg.MaxInstances {
		victim = p.mostIdleLocked()
		if victim != nil {
			delete(p.instances, victim.AgentKey)
		}
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.spawning, agentKey)
		p.mu.Unlock()
		close(done)
	}()

	if victim != nil {
		p.logger.Info("evicting app-server instance at capacity",
			zap.String("agent_key", victim.AgentKey))
		p.retire(victim)
	}

	transport, err := p.factory(startup)
	if err != nil {
		return nil, fmt.Errorf("failed to create app-server transport: %w", err)
	}

	inst := NewInstance(agentKey, transport)
	if err := p.initialize(ctx, inst); err != nil {
		_ = transport.Close(ctx)
		return nil, err
	}

	p.mu.Lock()
	p.instances[agentKey] = inst
	p.mu.Unlock()

	p.logger.Info("app-server instance created",
		zap.String("agent_key", agentKey),
		zap.String("instance_id", inst.ID))
	return inst, nil
}

func (p *Pool) mostIdleLocked() *Instance {
	var victim *Instance
	for _, inst := range p.instances {
		if victim == nil || inst.LastActivity().Before(victim.LastActivity()) {
			victim = inst
		}
	}
	return victim
}

func (p *Pool) initialize(ctx context.Context, inst *Instance) error {
	_, err := inst.Transport.SendRequest(ctx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "parlor", Version: "1.0"},
	}, requestTimeout)
	if err != nil {
		return fmt.Errorf("app-server initialize failed: %w", err)
	}
	if err := inst.Transport.SendNotification(codex.MethodInitialized, nil); err != nil {
		return fmt.Errorf("app-server initialized notification failed: %w", err)
	}
	return nil
}

// EnsureThread makes the persisted thread usable on the given instance.
// When the thread's owning instance is gone it issues thread/resume; a
// resume failure surfaces as a SessionRecoveryError so the caller can
// replay full history under a fresh thread.
func (p *Pool) EnsureThread(ctx context.Context, inst *Instance, threadID string, resume codex.ThreadResumeParams) error {
	if threadID == "" {
		return nil
	}
	if owner, ok := p.threads.Lookup(threadID); ok && owner.InstanceID == inst.ID && inst.OwnsThread(threadID) {
		return nil
	}

	resume.ThreadID = threadID
	resp, err := inst.Transport.SendRequest(ctx, codex.MethodThreadResume, resume, requestTimeout)
	if err != nil {
		return &backend.SessionRecoveryError{OldSessionID: threadID}
	}
	if resp.Error != nil {
		p.logger.Warn("thread resume rejected",
			zap.String("thread_id", threadID),
			zap.String("error", resp.Error.Message))
		return &backend.SessionRecoveryError{OldSessionID: threadID}
	}

	var result codex.ThreadResumeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
		return &backend.SessionRecoveryError{OldSessionID: threadID}
	}

	inst.AddThread(result.Thread.ID)
	p.threads.Bind(result.Thread.ID, inst.AgentKey, inst.ID)
	return nil
}

// BindThread records a freshly created thread.
func (p *Pool) BindThread(inst *Instance, threadID string) {
	inst.AddThread(threadID)
	p.threads.Bind(threadID, inst.AgentKey, inst.ID)
}

// Size reports the number of live instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Shutdown stops the sweeper and retires every instance, waiting up to the
// context deadline for transports to close.
func (p *Pool) Shutdown(ctx context.Context) {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instances = make(map[string]*Instance)
	p.mu.Unlock()

	for _, inst := range instances {
		p.retire(inst)
	}

	done := make(chan struct{})
	go func() {
		p.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown wait expired with transports still closing")
	}
}
