package streaming

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/events"
	"github.com/parlorhq/parlor/internal/events/bus"
)

// Bridge relays committed-message events from the event bus to SSE
// subscribers. The orchestrator publishes to the bus after the DB commit,
// so subscribers never see a message id they cannot read back.
type Bridge struct {
	broadcaster *Broadcaster
	sub         bus.Subscription
	logger      *logger.Logger
}

type messageCreatedPayload struct {
	RoomID  int64                 `json:"room_id"`
	Message *conversation.Message `json:"message"`
}

// NewBridge subscribes to message-created events and starts relaying.
func NewBridge(eventBus bus.EventBus, broadcaster *Broadcaster, log *logger.Logger) (*Bridge, error) {
	b := &Bridge{
		broadcaster: broadcaster,
		logger:      log.WithFields(zap.String("component", "sse-bridge")),
	}
	sub, err := eventBus.Subscribe(bus.SubjectMessageCreated, b.handle)
	if err != nil {
		return nil, err
	}
	b.sub = sub
	return b, nil
}

func (b *Bridge) handle(ctx context.Context, event *bus.Event) error {
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	var payload messageCreatedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if payload.Message == nil {
		b.logger.Warn("message-created event without message", zap.String("event_id", event.ID))
		return nil
	}

	b.broadcaster.Broadcast(payload.RoomID, events.StreamEvent{
		Type:    events.TypeNewMessage,
		RoomID:  payload.RoomID,
		AgentID: derefAgent(payload.Message.AgentID),
		Message: payload.Message,
	})
	return nil
}

func derefAgent(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

// Close stops the relay.
func (b *Bridge) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
