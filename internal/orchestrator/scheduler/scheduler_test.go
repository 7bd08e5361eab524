package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/conversation/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []int64
	release chan struct{}
}

func (f *fakeRunner) RunFollowupRound(ctx context.Context, roomID int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, roomID)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	return nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig, runner RoundRunner) (*Scheduler, *store.SQLiteStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	st, err := store.OpenSQLite(config.DatabaseConfig{
		Path:          filepath.Join(t.TempDir(), "parlor.db"),
		BusyTimeoutMS: 1000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(st, runner, cfg, log), st
}

func seedRoom(t *testing.T, st *store.SQLiteStore, mutate func(*conversation.Room)) *conversation.Room {
	t.Helper()
	room := &conversation.Room{OwnerID: 1, Backend: "claude", MaxFollowups: 3}
	if mutate != nil {
		mutate(room)
	}
	require.NoError(t, st.CreateRoom(context.Background(), room))
	return room
}

func TestTick_RunsIdleRooms(t *testing.T) {
	runner := &fakeRunner{}
	s, st := newTestScheduler(t, config.SchedulerConfig{IdleThreshold: 0, MaxConcurrentRooms: 4}, runner)

	seedRoom(t, st, nil)
	seedRoom(t, st, nil)

	s.Tick(context.Background())
	s.wg.Wait()

	assert.Equal(t, 2, runner.callCount())
}

func TestTick_SkipsPausedRooms(t *testing.T) {
	runner := &fakeRunner{}
	s, st := newTestScheduler(t, config.SchedulerConfig{IdleThreshold: 0, MaxConcurrentRooms: 4}, runner)

	room := seedRoom(t, st, nil)
	require.NoError(t, st.SetRoomPaused(context.Background(), room.ID, true))

	s.Tick(context.Background())
	s.wg.Wait()

	assert.Zero(t, runner.callCount())
}

func TestTick_SkipsRecentlyActiveRooms(t *testing.T) {
	runner := &fakeRunner{}
	s, st := newTestScheduler(t, config.SchedulerConfig{IdleThreshold: 3600, MaxConcurrentRooms: 4}, runner)

	room := seedRoom(t, st, nil)
	require.NoError(t, st.TouchRoomActivity(context.Background(), room.ID))

	s.Tick(context.Background())
	s.wg.Wait()

	assert.Zero(t, runner.callCount())
}

func TestTick_RespectsFollowupCeiling(t *testing.T) {
	runner := &fakeRunner{}
	s, st := newTestScheduler(t, config.SchedulerConfig{IdleThreshold: 0, MaxConcurrentRooms: 4}, runner)

	room := seedRoom(t, st, func(r *conversation.Room) { r.MaxFollowups = 1 })
	require.NoError(t, st.IncrementFollowupCount(context.Background(), room.ID))

	s.Tick(context.Background())
	s.wg.Wait()

	assert.Zero(t, runner.callCount())
}

func TestTick_UnlimitedFollowupsWhenCeilingUnset(t *testing.T) {
	runner := &fakeRunner{}
	s, st := newTestScheduler(t, config.SchedulerConfig{IdleThreshold: 0, MaxConcurrentRooms: 4}, runner)

	room := seedRoom(t, st, func(r *conversation.Room) { r.MaxFollowups = 0 })
	for i := 0; i < 5; i++ {
		require.NoError(t, st.IncrementFollowupCount(context.Background(), room.ID))
	}

	s.Tick(context.Background())
	s.wg.Wait()

	assert.Equal(t, 1, runner.callCount())
}

func TestTick_BoundsConcurrentRooms(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s, st := newTestScheduler(t, config.SchedulerConfig{IdleThreshold: 0, MaxConcurrentRooms: 1}, runner)

	seedRoom(t, st, nil)
	seedRoom(t, st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	tickDone := make(chan struct{})
	go func() {
		s.Tick(ctx)
		close(tickDone)
	}()

	// One round starts; the second acquire parks behind the semaphore.
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount())

	cancel()
	<-tickDone
	close(runner.release)
	s.wg.Wait()
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestScheduler(t, config.SchedulerConfig{TickInterval: 3600, IdleThreshold: 0, MaxConcurrentRooms: 1}, runner)

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrSchedulerAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}
