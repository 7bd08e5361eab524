package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/agentmgr"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/events"
	"github.com/parlorhq/parlor/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestBroadcast_DeliversToRoomSubscribers(t *testing.T) {
	b := NewBroadcaster(10, testLogger(t))

	c1 := b.Subscribe(1)
	c2 := b.Subscribe(1)
	other := b.Subscribe(2)

	n := b.Broadcast(1, events.StreamEvent{Type: events.TypeContentDelta, Delta: "hi"})
	assert.Equal(t, 2, n)

	assert.Equal(t, "hi", (<-c1.Queue).Delta)
	assert.Equal(t, "hi", (<-c2.Queue).Delta)
	select {
	case <-other.Queue:
		t.Fatal("event leaked to another room")
	default:
	}
}

func TestBroadcast_DropsOnFullQueue(t *testing.T) {
	b := NewBroadcaster(1, testLogger(t))
	conn := b.Subscribe(1)

	assert.Equal(t, 1, b.Broadcast(1, events.StreamEvent{Type: events.TypeContentDelta, Delta: "a"}))
	assert.Equal(t, 0, b.Broadcast(1, events.StreamEvent{Type: events.TypeContentDelta, Delta: "b"}))

	// Only the first event survives.
	assert.Equal(t, "a", (<-conn.Queue).Delta)
	select {
	case ev := <-conn.Queue:
		t.Fatalf("unexpected queued event %q", ev.Delta)
	default:
	}
}

func TestUnsubscribe_DeletesEmptyRoomSet(t *testing.T) {
	b := NewBroadcaster(10, testLogger(t))
	conn := b.Subscribe(1)
	require.Equal(t, 1, b.SubscriberCount(1))

	b.Unsubscribe(conn)
	assert.Equal(t, 0, b.SubscriberCount(1))
	assert.Equal(t, 0, b.Broadcast(1, events.StreamEvent{Type: events.TypeKeepalive}))
}

func TestShutdown_SendsSentinelEverywhere(t *testing.T) {
	b := NewBroadcaster(10, testLogger(t))
	c1 := b.Subscribe(1)
	c2 := b.Subscribe(2)

	b.Shutdown()
	assert.Equal(t, events.TypeShutdown, (<-c1.Queue).Type)
	assert.Equal(t, events.TypeShutdown, (<-c2.Queue).Type)
	assert.Equal(t, 0, b.SubscriberCount(1))

	// Subscribing after shutdown yields the sentinel immediately.
	late := b.Subscribe(3)
	assert.Equal(t, events.TypeShutdown, (<-late.Queue).Type)
}

type fakeStates struct {
	snaps []agentmgr.StreamingState
}

func (f *fakeStates) StreamingSnapshot(roomID int64) []agentmgr.StreamingState {
	return f.snaps
}

func TestCatchUpEvents(t *testing.T) {
	states := &fakeStates{snaps: []agentmgr.StreamingState{{
		TempID:       "t1",
		RoomID:       1,
		AgentID:      7,
		AgentName:    "ada",
		ResponseText: "partial",
		ThinkingText: "hm",
	}}}
	h := NewHandler(NewBroadcaster(10, testLogger(t)), states, time.Second, testLogger(t))

	evs := h.CatchUpEvents(1)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeStreamStart, evs[0].Type)
	assert.Equal(t, "t1", evs[0].TempID)
	assert.Equal(t, "partial", evs[0].ResponseSoFar)
	assert.Equal(t, "hm", evs[0].ThinkingSoFar)
}

func TestBridge_RelaysCommittedMessages(t *testing.T) {
	log := testLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	b := NewBroadcaster(10, log)
	bridge, err := NewBridge(memBus, b, log)
	require.NoError(t, err)
	defer func() { _ = bridge.Close() }()

	conn := b.Subscribe(1)

	agentID := int64(7)
	msg := &conversation.Message{
		ID:              42,
		RoomID:          1,
		Role:            conversation.RoleAssistant,
		Content:         "hello",
		ParticipantType: conversation.ParticipantCharacter,
		AgentID:         &agentID,
	}
	err = memBus.Publish(context.Background(), bus.SubjectMessageCreated,
		bus.NewEvent(bus.SubjectMessageCreated, "orchestrator", map[string]interface{}{
			"room_id": msg.RoomID,
			"message": msg,
		}))
	require.NoError(t, err)

	select {
	case ev := <-conn.Queue:
		assert.Equal(t, events.TypeNewMessage, ev.Type)
		require.NotNil(t, ev.Message)
		assert.Equal(t, int64(42), ev.Message.ID)
		assert.Equal(t, "hello", ev.Message.Content)
		assert.Equal(t, int64(7), ev.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not relay the message")
	}
}
