package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/conversation/store"
	"github.com/parlorhq/parlor/internal/streaming"
)

type fakeOrchestrator struct {
	store    store.Store
	messages []string
	paused   []int64
	resumed  []int64
	err      error
}

func (f *fakeOrchestrator) HandleUserMessage(ctx context.Context, roomID int64, content string, images []conversation.Image) (*conversation.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.messages = append(f.messages, content)
	msg := &conversation.Message{
		RoomID:          roomID,
		Role:            conversation.RoleUser,
		Content:         content,
		Images:          images,
		ParticipantType: conversation.ParticipantUser,
	}
	if err := f.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (f *fakeOrchestrator) PauseRoom(ctx context.Context, roomID int64) error {
	f.paused = append(f.paused, roomID)
	return f.store.SetRoomPaused(ctx, roomID, true)
}

func (f *fakeOrchestrator) ResumeRoom(ctx context.Context, roomID int64) error {
	f.resumed = append(f.resumed, roomID)
	return f.store.SetRoomPaused(ctx, roomID, false)
}

type apiFixture struct {
	router  *gin.Engine
	store   *store.SQLiteStore
	orch    *fakeOrchestrator
	tickets *streaming.TicketIssuer
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	st, err := store.OpenSQLite(config.DatabaseConfig{
		Path:          filepath.Join(t.TempDir(), "parlor.db"),
		BusyTimeoutMS: 1000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	orch := &fakeOrchestrator{store: st}
	broadcaster := streaming.NewBroadcaster(16, log)
	t.Cleanup(broadcaster.Shutdown)
	sse := streaming.NewHandler(broadcaster, nil, time.Second, log)
	tickets := streaming.NewTicketIssuer("test-secret", time.Minute)

	router := gin.New()
	Register(router, st, orch, sse, tickets, log)

	return &apiFixture{router: router, store: st, orch: orch, tickets: tickets}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) seedRoom(t *testing.T) *conversation.Room {
	t.Helper()
	agent := &conversation.Agent{Name: "ada", PersonaDir: "ada"}
	require.NoError(t, f.store.CreateAgent(context.Background(), agent))
	room := &conversation.Room{OwnerID: 1, Backend: "claude", AgentIDs: []int64{agent.ID}}
	require.NoError(t, f.store.CreateRoom(context.Background(), room))
	require.NoError(t, f.store.AddRoomAgent(context.Background(), room.ID, agent.ID))
	return room
}

func TestCreateAndGetAgent(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/agents", gin.H{
		"name": "ada", "persona_dir": "ada", "priority": 1,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created conversation.Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/agents/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/agents/9999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRoom(t *testing.T) {
	f := newAPIFixture(t)
	agent := &conversation.Agent{Name: "ada", PersonaDir: "ada"}
	require.NoError(t, f.store.CreateAgent(context.Background(), agent))

	w := f.do(t, http.MethodPost, "/api/v1/rooms", gin.H{
		"owner_id": 1, "agent_ids": []int64{agent.ID}, "backend": "codex", "max_followups": 2,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created conversation.Room
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotZero(t, created.ID)

	agents, err := f.store.GetRoomAgents(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "ada", agents[0].Name)
}

func TestPostMessage(t *testing.T) {
	f := newAPIFixture(t)
	room := f.seedRoom(t)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/messages", room.ID), gin.H{
		"content": "hello everyone",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"hello everyone"}, f.orch.messages)

	// Missing content is rejected before reaching the orchestrator.
	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/messages", room.ID), gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/rooms/abc/messages", gin.H{"content": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPauseResume(t *testing.T) {
	f := newAPIFixture(t)
	room := f.seedRoom(t)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/pause", room.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	fresh, err := f.store.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.True(t, fresh.IsPaused)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/resume", room.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	fresh, err = f.store.GetRoom(context.Background(), room.ID)
	require.NoError(t, err)
	assert.False(t, fresh.IsPaused)
}

func TestMintTicket(t *testing.T) {
	f := newAPIFixture(t)
	room := f.seedRoom(t)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/stream-ticket", room.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Ticket string `json:"ticket"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	granted, err := f.tickets.Validate(resp.Ticket)
	require.NoError(t, err)
	assert.Equal(t, room.ID, granted)

	w = f.do(t, http.MethodPost, "/api/v1/rooms/9999/stream-ticket", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamAuthorization(t *testing.T) {
	f := newAPIFixture(t)
	room := f.seedRoom(t)
	other := f.seedRoom(t)

	w := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/rooms/%d/stream", room.ID), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/rooms/%d/stream?ticket=garbage", room.ID), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// A ticket for one room does not open another.
	ticket, err := f.tickets.Mint(other.ID)
	require.NoError(t, err)
	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/rooms/%d/stream?ticket=%s", room.ID, ticket), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
