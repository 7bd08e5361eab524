// Package scheduler drives follow-up rounds for idle rooms in the
// background.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/conversation/store"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// RoundRunner drives one follow-up round for a room.
type RoundRunner interface {
	RunFollowupRound(ctx context.Context, roomID int64) error
}

// Scheduler periodically scans active rooms and starts follow-up rounds
// for the idle ones, bounded by a cross-room semaphore.
type Scheduler struct {
	store  store.Store
	runner RoundRunner
	cfg    config.SchedulerConfig
	sem    *semaphore.Weighted
	logger *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(st store.Store, runner RoundRunner, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		runner: runner,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRooms)),
		logger: log.WithFields(zap.String("component", "scheduler")),
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.logger.Info("scheduler starting",
		zap.Duration("tick_interval", s.cfg.TickIntervalDuration()),
		zap.Duration("idle_threshold", s.cfg.IdleThresholdDuration()),
		zap.Int("max_concurrent_rooms", s.cfg.MaxConcurrentRooms))

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the loop and waits for in-flight rounds to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs one scan. Exported so tests can drive the scheduler without
// waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	rooms, err := s.store.ListActiveRooms(ctx)
	if err != nil {
		s.logger.Error("failed to list active rooms", zap.Error(err))
		return
	}

	now := time.Now()
	for _, room := range rooms {
		if !s.eligible(room, now) {
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.wg.Add(1)
		go func(roomID int64) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			if err := s.runner.RunFollowupRound(ctx, roomID); err != nil {
				s.logger.Error("follow-up round failed",
					zap.Int64("room_id", roomID), zap.Error(err))
			}
		}(room.ID)
	}
}

// eligible gates a room for a follow-up round: not paused or finished,
// idle beyond the threshold, and under its follow-up ceiling.
func (s *Scheduler) eligible(room *conversation.Room, now time.Time) bool {
	if room.IsPaused || room.IsFinished {
		return false
	}
	if room.MaxFollowups > 0 && room.FollowupCount >= room.MaxFollowups {
		return false
	}
	return now.Sub(room.LastActivityAt) >= s.cfg.IdleThresholdDuration()
}
