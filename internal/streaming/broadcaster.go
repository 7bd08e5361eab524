// Package streaming fans turn events out to SSE subscribers. Each
// subscriber owns a bounded queue; a slow consumer loses events rather
// than stalling the room.
package streaming

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/events"
)

// Connection is one subscriber's queue.
type Connection struct {
	ClientID string
	RoomID   int64
	Queue    chan events.StreamEvent
}

// Broadcaster maintains per-room subscriber sets.
type Broadcaster struct {
	mu       sync.Mutex
	rooms    map[int64]map[*Connection]struct{}
	queueCap int
	closed   bool
	logger   *logger.Logger
}

// NewBroadcaster creates the broadcaster. queueCap bounds each subscriber
// queue.
func NewBroadcaster(queueCap int, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		rooms:    make(map[int64]map[*Connection]struct{}),
		queueCap: queueCap,
		logger:   log.WithFields(zap.String("component", "sse-broadcaster")),
	}
}

// Subscribe adds a subscriber to the room.
func (b *Broadcaster) Subscribe(roomID int64) *Connection {
	conn := &Connection{
		ClientID: uuid.New().String()[:8],
		RoomID:   roomID,
		Queue:    make(chan events.StreamEvent, b.queueCap),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Late subscriber after shutdown gets the sentinel immediately.
		conn.Queue <- events.Shutdown()
		return conn
	}
	subs, ok := b.rooms[roomID]
	if !ok {
		subs = make(map[*Connection]struct{})
		b.rooms[roomID] = subs
	}
	subs[conn] = struct{}{}

	b.logger.Debug("subscriber added",
		zap.Int64("room_id", roomID),
		zap.String("client_id", conn.ClientID),
		zap.Int("room_subscribers", len(subs)))
	return conn
}

// Unsubscribe removes a subscriber; empty room sets are deleted.
func (b *Broadcaster) Unsubscribe(conn *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.rooms[conn.RoomID]
	if !ok {
		return
	}
	delete(subs, conn)
	if len(subs) == 0 {
		delete(b.rooms, conn.RoomID)
	}
}

// Broadcast enqueues the event on every room subscriber with a
// non-blocking put and returns the number of deliveries. Overflowing
// subscribers drop the event.
func (b *Broadcaster) Broadcast(roomID int64, ev events.StreamEvent) int {
	b.mu.Lock()
	var conns []*Connection
	for conn := range b.rooms[roomID] {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	delivered := 0
	for _, conn := range conns {
		select {
		case conn.Queue <- ev:
			delivered++
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				zap.Int64("room_id", roomID),
				zap.String("client_id", conn.ClientID),
				zap.String("event_type", ev.Type))
		}
	}
	return delivered
}

// SubscriberCount reports the room's subscriber count.
func (b *Broadcaster) SubscriberCount(roomID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[roomID])
}

// Shutdown delivers the sentinel to every subscriber and clears the map.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for roomID, subs := range b.rooms {
		for conn := range subs {
			select {
			case conn.Queue <- events.Shutdown():
			default:
				b.logger.Warn("subscriber missed shutdown sentinel",
					zap.Int64("room_id", roomID),
					zap.String("client_id", conn.ClientID))
			}
		}
	}
	b.rooms = make(map[int64]map[*Connection]struct{})
}
