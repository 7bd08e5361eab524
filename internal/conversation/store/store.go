// Package store holds the persistence contract for rooms, agents, messages,
// and session bindings, plus the sqlite implementation.
package store

import (
	"context"
	"errors"

	"github.com/parlorhq/parlor/internal/conversation"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract the orchestration engine consumes.
type Store interface {
	CreateRoom(ctx context.Context, room *conversation.Room) error
	GetRoom(ctx context.Context, id int64) (*conversation.Room, error)
	ListActiveRooms(ctx context.Context) ([]*conversation.Room, error)
	MarkRoomFinished(ctx context.Context, id int64) error
	SetRoomPaused(ctx context.Context, id int64, paused bool) error
	TouchRoomActivity(ctx context.Context, id int64) error
	IncrementFollowupCount(ctx context.Context, id int64) error
	ResetFollowupCount(ctx context.Context, id int64) error
	DeleteRoom(ctx context.Context, id int64) error

	CreateAgent(ctx context.Context, agent *conversation.Agent) error
	GetAgent(ctx context.Context, id int64) (*conversation.Agent, error)
	GetRoomAgents(ctx context.Context, roomID int64) ([]*conversation.Agent, error)
	AddRoomAgent(ctx context.Context, roomID, agentID int64) error

	// SaveMessage appends a message; the store assigns id and timestamp.
	SaveMessage(ctx context.Context, msg *conversation.Message) error
	// GetAllMessages returns the room's messages in timestamp order.
	GetAllMessages(ctx context.Context, roomID int64) ([]*conversation.Message, error)
	// GetMessagesAfterAgent returns messages strictly after the agent's last
	// authored message, oldest first, capped at limit.
	GetMessagesAfterAgent(ctx context.Context, roomID, agentID int64, limit int) ([]*conversation.Message, error)

	GetSessionBinding(ctx context.Context, roomID, agentID int64, backend string) (string, error)
	SetSessionBinding(ctx context.Context, roomID, agentID int64, backend, sessionID string) error

	Close() error
}
