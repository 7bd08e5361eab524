package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/conversation"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id INTEGER NOT NULL DEFAULT 0,
	is_paused INTEGER NOT NULL DEFAULT 0,
	is_finished INTEGER NOT NULL DEFAULT 0,
	backend TEXT NOT NULL DEFAULT 'claude',
	max_followups INTEGER NOT NULL DEFAULT 3,
	followup_count INTEGER NOT NULL DEFAULT 0,
	last_activity_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_read_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	priority INTEGER NOT NULL DEFAULT 0,
	transparent INTEGER NOT NULL DEFAULT 0,
	interrupt_every_turn INTEGER NOT NULL DEFAULT 0,
	group_label TEXT NOT NULL DEFAULT '',
	persona_dir TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS room_agents (
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	agent_id INTEGER NOT NULL REFERENCES agents(id),
	position INTEGER NOT NULL,
	PRIMARY KEY (room_id, agent_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	images TEXT NOT NULL DEFAULT '[]',
	thinking TEXT NOT NULL DEFAULT '',
	policy_check_calls TEXT NOT NULL DEFAULT '[]',
	participant_type TEXT NOT NULL DEFAULT 'user',
	participant_name TEXT NOT NULL DEFAULT '',
	agent_id INTEGER,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at, id);

CREATE TABLE IF NOT EXISTS session_bindings (
	room_id INTEGER NOT NULL,
	agent_id INTEGER NOT NULL,
	backend TEXT NOT NULL,
	session_id TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (room_id, agent_id, backend)
);
`

// SQLiteStore implements Store over a sqlite database file.
// A single writer connection serializes writes; WAL mode keeps readers
// unblocked.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (and bootstraps) the sqlite store at cfg.Path.
func OpenSQLite(cfg config.DatabaseConfig) (*SQLiteStore, error) {
	path := cfg.Path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to prepare database path: %w", err)
			}
		}
	}

	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, busy,
	)
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on&cache=shared"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type roomRow struct {
	ID             int64     `db:"id"`
	OwnerID        int64     `db:"owner_id"`
	IsPaused       bool      `db:"is_paused"`
	IsFinished     bool      `db:"is_finished"`
	Backend        string    `db:"backend"`
	MaxFollowups   int       `db:"max_followups"`
	FollowupCount  int       `db:"followup_count"`
	LastActivityAt time.Time `db:"last_activity_at"`
	LastReadAt     time.Time `db:"last_read_at"`
}

func (r roomRow) toRoom() *conversation.Room {
	return &conversation.Room{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		IsPaused:       r.IsPaused,
		IsFinished:     r.IsFinished,
		Backend:        r.Backend,
		MaxFollowups:   r.MaxFollowups,
		FollowupCount:  r.FollowupCount,
		LastActivityAt: r.LastActivityAt,
		LastReadAt:     r.LastReadAt,
	}
}

// CreateRoom inserts the room and its member list.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *conversation.Room) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (owner_id, is_paused, is_finished, backend, max_followups, followup_count, last_activity_at, last_read_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		room.OwnerID, room.IsPaused, room.IsFinished, room.Backend, room.MaxFollowups, room.FollowupCount, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert room: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read room id: %w", err)
	}
	room.ID = id
	room.LastActivityAt = now
	room.LastReadAt = now

	for i, agentID := range room.AgentIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO room_agents (room_id, agent_id, position) VALUES (?, ?, ?)`,
			id, agentID, i); err != nil {
			return fmt.Errorf("failed to insert room agent: %w", err)
		}
	}
	return nil
}

// GetRoom loads a room with its ordered member agent ids.
func (s *SQLiteStore) GetRoom(ctx context.Context, id int64) (*conversation.Room, error) {
	var row roomRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM rooms WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	room := row.toRoom()

	if err := s.db.SelectContext(ctx, &room.AgentIDs,
		`SELECT agent_id FROM room_agents WHERE room_id = ? ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("failed to load room agents: %w", err)
	}
	return room, nil
}

// ListActiveRooms returns rooms that are neither paused nor finished.
func (s *SQLiteStore) ListActiveRooms(ctx context.Context) ([]*conversation.Room, error) {
	var rows []roomRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM rooms WHERE is_paused = 0 AND is_finished = 0 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list active rooms: %w", err)
	}
	rooms := make([]*conversation.Room, 0, len(rows))
	for _, r := range rows {
		room := r.toRoom()
		if err := s.db.SelectContext(ctx, &room.AgentIDs,
			`SELECT agent_id FROM room_agents WHERE room_id = ? ORDER BY position`, room.ID); err != nil {
			return nil, fmt.Errorf("failed to load room agents: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// MarkRoomFinished flags the room finished.
func (s *SQLiteStore) MarkRoomFinished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rooms SET is_finished = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark room finished: %w", err)
	}
	return nil
}

// SetRoomPaused sets the pause flag.
func (s *SQLiteStore) SetRoomPaused(ctx context.Context, id int64, paused bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rooms SET is_paused = ? WHERE id = ?`, paused, id)
	if err != nil {
		return fmt.Errorf("failed to set room paused: %w", err)
	}
	return nil
}

// TouchRoomActivity bumps last_activity_at to now.
func (s *SQLiteStore) TouchRoomActivity(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch room activity: %w", err)
	}
	return nil
}

// IncrementFollowupCount bumps the post-user follow-up round counter.
func (s *SQLiteStore) IncrementFollowupCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET followup_count = followup_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment followup count: %w", err)
	}
	return nil
}

// ResetFollowupCount zeroes the counter; called when a user message arrives.
func (s *SQLiteStore) ResetFollowupCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET followup_count = 0, is_finished = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to reset followup count: %w", err)
	}
	return nil
}

// DeleteRoom removes the room; messages and membership cascade.
func (s *SQLiteStore) DeleteRoom(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

// CreateAgent inserts an agent.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *conversation.Agent) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, priority, transparent, interrupt_every_turn, group_label, persona_dir)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agent.Name, agent.Priority, agent.Transparent, agent.InterruptEveryTurn, agent.Group, agent.PersonaDir)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read agent id: %w", err)
	}
	agent.ID = id
	return nil
}

// GetAgent loads an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, id int64) (*conversation.Agent, error) {
	var agent conversation.Agent
	if err := s.db.GetContext(ctx, &agent, `SELECT * FROM agents WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return &agent, nil
}

// GetRoomAgents loads the room's member agents in membership order.
func (s *SQLiteStore) GetRoomAgents(ctx context.Context, roomID int64) ([]*conversation.Agent, error) {
	var agents []*conversation.Agent
	if err := s.db.SelectContext(ctx, &agents,
		`SELECT a.* FROM agents a
		 JOIN room_agents ra ON ra.agent_id = a.id
		 WHERE ra.room_id = ? ORDER BY ra.position`, roomID); err != nil {
		return nil, fmt.Errorf("failed to load room agents: %w", err)
	}
	return agents, nil
}

// AddRoomAgent appends an agent to the room's member list.
func (s *SQLiteStore) AddRoomAgent(ctx context.Context, roomID, agentID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_agents (room_id, agent_id, position)
		 SELECT ?, ?, COALESCE(MAX(position) + 1, 0) FROM room_agents WHERE room_id = ?`,
		roomID, agentID, roomID)
	if err != nil {
		return fmt.Errorf("failed to add room agent: %w", err)
	}
	return nil
}

type messageRow struct {
	ID               int64         `db:"id"`
	RoomID           int64         `db:"room_id"`
	Role             string        `db:"role"`
	Content          string        `db:"content"`
	Images           string        `db:"images"`
	Thinking         string        `db:"thinking"`
	PolicyCheckCalls string        `db:"policy_check_calls"`
	ParticipantType  string        `db:"participant_type"`
	ParticipantName  string        `db:"participant_name"`
	AgentID          sql.NullInt64 `db:"agent_id"`
	CreatedAt        time.Time     `db:"created_at"`
}

func (r messageRow) toMessage() (*conversation.Message, error) {
	msg := &conversation.Message{
		ID:              r.ID,
		RoomID:          r.RoomID,
		Role:            r.Role,
		Content:         r.Content,
		Thinking:        r.Thinking,
		ParticipantType: r.ParticipantType,
		ParticipantName: r.ParticipantName,
		CreatedAt:       r.CreatedAt,
	}
	if r.AgentID.Valid {
		id := r.AgentID.Int64
		msg.AgentID = &id
	}
	if r.Images != "" && r.Images != "[]" {
		if err := json.Unmarshal([]byte(r.Images), &msg.Images); err != nil {
			return nil, fmt.Errorf("failed to decode images: %w", err)
		}
	}
	if r.PolicyCheckCalls != "" && r.PolicyCheckCalls != "[]" {
		if err := json.Unmarshal([]byte(r.PolicyCheckCalls), &msg.PolicyCheckCalls); err != nil {
			return nil, fmt.Errorf("failed to decode policy check calls: %w", err)
		}
	}
	return msg, nil
}

// SaveMessage appends a message; the store assigns id and timestamp.
// Message order within a room is the store-assigned (created_at, id) order.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *conversation.Message) error {
	images := "[]"
	if len(msg.Images) > 0 {
		data, err := json.Marshal(msg.Images)
		if err != nil {
			return fmt.Errorf("failed to encode images: %w", err)
		}
		images = string(data)
	}
	policyCalls := "[]"
	if len(msg.PolicyCheckCalls) > 0 {
		data, err := json.Marshal(msg.PolicyCheckCalls)
		if err != nil {
			return fmt.Errorf("failed to encode policy check calls: %w", err)
		}
		policyCalls = string(data)
	}

	now := time.Now().UTC()
	var agentID interface{}
	if msg.AgentID != nil {
		agentID = *msg.AgentID
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, role, content, images, thinking, policy_check_calls, participant_type, participant_name, agent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.RoomID, msg.Role, msg.Content, images, msg.Thinking, policyCalls,
		msg.ParticipantType, msg.ParticipantName, agentID, now)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return nil
}

// GetAllMessages returns the room's messages in timestamp order.
func (s *SQLiteStore) GetAllMessages(ctx context.Context, roomID int64) ([]*conversation.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM messages WHERE room_id = ? ORDER BY created_at, id`, roomID); err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	return rowsToMessages(rows)
}

// GetMessagesAfterAgent returns messages strictly after the agent's last
// authored message, oldest first, capped at limit. When the agent has never
// spoken, it returns the most recent limit messages.
func (s *SQLiteStore) GetMessagesAfterAgent(ctx context.Context, roomID, agentID int64, limit int) ([]*conversation.Message, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM (
			SELECT * FROM messages
			WHERE room_id = ?
			  AND id > COALESCE((SELECT MAX(id) FROM messages WHERE room_id = ? AND agent_id = ?), 0)
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at, id`,
		roomID, roomID, agentID, limit); err != nil {
		return nil, fmt.Errorf("failed to load messages after agent: %w", err)
	}
	return rowsToMessages(rows)
}

func rowsToMessages(rows []messageRow) ([]*conversation.Message, error) {
	msgs := make([]*conversation.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// GetSessionBinding returns the stored session id, or "" when absent.
func (s *SQLiteStore) GetSessionBinding(ctx context.Context, roomID, agentID int64, backend string) (string, error) {
	var sessionID string
	err := s.db.GetContext(ctx, &sessionID,
		`SELECT session_id FROM session_bindings WHERE room_id = ? AND agent_id = ? AND backend = ?`,
		roomID, agentID, backend)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session binding: %w", err)
	}
	return sessionID, nil
}

// SetSessionBinding upserts the session id for (room, agent, backend).
func (s *SQLiteStore) SetSessionBinding(ctx context.Context, roomID, agentID int64, backend, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_bindings (room_id, agent_id, backend, session_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (room_id, agent_id, backend) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		roomID, agentID, backend, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set session binding: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
