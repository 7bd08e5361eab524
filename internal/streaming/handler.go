package streaming

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/agentmgr"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/events"
)

// StreamStateSource exposes the mid-stream accumulators used to catch up
// late subscribers.
type StreamStateSource interface {
	StreamingSnapshot(roomID int64) []agentmgr.StreamingState
}

// Handler serves the SSE endpoint for one room.
type Handler struct {
	broadcaster *Broadcaster
	states      StreamStateSource
	keepAlive   time.Duration
	logger      *logger.Logger
}

// NewHandler creates the SSE handler.
func NewHandler(broadcaster *Broadcaster, states StreamStateSource, keepAlive time.Duration, log *logger.Logger) *Handler {
	return &Handler{
		broadcaster: broadcaster,
		states:      states,
		keepAlive:   keepAlive,
		logger:      log.WithFields(zap.String("component", "sse-handler")),
	}
}

// ServeRoom streams the room's events until the client disconnects or the
// broadcaster shuts down. The caller has already authorized the room.
func (h *Handler) ServeRoom(c *gin.Context, roomID int64) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	conn := h.broadcaster.Subscribe(roomID)
	defer h.broadcaster.Unsubscribe(conn)

	// Catch up on turns already mid-stream so the client renders partial
	// text instead of joining blind. The snapshot seq per turn marks which
	// queued deltas it already contains.
	floor := make(map[string]int64)
	for _, ev := range h.CatchUpEvents(roomID) {
		floor[ev.TempID] = ev.Seq
		c.SSEvent("message", ev)
	}
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-conn.Queue:
			if ev.Type == events.TypeShutdown {
				c.SSEvent("message", ev)
				return false
			}
			if dropCaughtUp(floor, ev) {
				return true
			}
			c.SSEvent("message", ev)
			return true
		case <-time.After(h.keepAlive):
			c.SSEvent("message", events.Keepalive())
			return true
		case <-clientGone:
			return false
		}
	})

	h.logger.Debug("sse stream closed",
		zap.Int64("room_id", roomID),
		zap.String("client_id", conn.ClientID))
}

// CatchUpEvents synthesizes stream_start events for every turn currently
// mid-stream in the room.
func (h *Handler) CatchUpEvents(roomID int64) []events.StreamEvent {
	if h.states == nil {
		return nil
	}
	var out []events.StreamEvent
	for _, s := range h.states.StreamingSnapshot(roomID) {
		out = append(out, events.StreamEvent{
			Type:          events.TypeStreamStart,
			TempID:        s.TempID,
			RoomID:        s.RoomID,
			AgentID:       s.AgentID,
			AgentName:     s.AgentName,
			ResponseSoFar: s.ResponseText,
			ThinkingSoFar: s.ThinkingText,
			Seq:           s.Seq,
		})
	}
	return out
}

// dropCaughtUp reports whether a queued event duplicates content already
// delivered in a catch-up snapshot, pruning the floor once a turn passes it.
func dropCaughtUp(floor map[string]int64, ev events.StreamEvent) bool {
	seq, ok := floor[ev.TempID]
	if !ok {
		return false
	}
	switch ev.Type {
	case events.TypeStreamStart:
		// The live start for a turn the snapshot already introduced.
		return true
	case events.TypeContentDelta, events.TypeThinkingDelta:
		if ev.Seq <= seq {
			return true
		}
		delete(floor, ev.TempID)
		return false
	default:
		delete(floor, ev.TempID)
		return false
	}
}
