// Package httpapi exposes the engine over HTTP: room and agent CRUD,
// message ingestion, round control, and the SSE stream endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/conversation/store"
	"github.com/parlorhq/parlor/internal/streaming"
)

// RoundOrchestrator is the round-driving surface the API consumes.
type RoundOrchestrator interface {
	HandleUserMessage(ctx context.Context, roomID int64, content string, images []conversation.Image) (*conversation.Message, error)
	PauseRoom(ctx context.Context, roomID int64) error
	ResumeRoom(ctx context.Context, roomID int64) error
}

// Handlers holds the API dependencies.
type Handlers struct {
	store   store.Store
	orch    RoundOrchestrator
	sse     *streaming.Handler
	tickets *streaming.TicketIssuer
	logger  *logger.Logger
}

// Register wires all routes onto the router.
func Register(router *gin.Engine, st store.Store, orch RoundOrchestrator,
	sse *streaming.Handler, tickets *streaming.TicketIssuer, log *logger.Logger) {
	h := &Handlers{
		store:   st,
		orch:    orch,
		sse:     sse,
		tickets: tickets,
		logger:  log.WithFields(zap.String("component", "httpapi")),
	}

	api := router.Group("/api/v1")

	api.POST("/agents", h.createAgent)
	api.GET("/agents/:id", h.getAgent)

	api.POST("/rooms", h.createRoom)
	api.GET("/rooms/:id", h.getRoom)
	api.GET("/rooms/:id/messages", h.listMessages)
	api.POST("/rooms/:id/messages", h.postMessage)
	api.POST("/rooms/:id/pause", h.pauseRoom)
	api.POST("/rooms/:id/resume", h.resumeRoom)
	api.POST("/rooms/:id/stream-ticket", h.mintTicket)
	api.GET("/rooms/:id/stream", h.streamRoom)
}

func (h *Handlers) roomID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, false
	}
	return id, true
}

type createAgentRequest struct {
	Name               string `json:"name" binding:"required"`
	Priority           int    `json:"priority"`
	Transparent        bool   `json:"transparent"`
	InterruptEveryTurn bool   `json:"interrupt_every_turn"`
	Group              string `json:"group"`
	PersonaDir         string `json:"persona_dir" binding:"required"`
}

func (h *Handlers) createAgent(c *gin.Context) {
	var body createAgentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent := &conversation.Agent{
		Name:               body.Name,
		Priority:           body.Priority,
		Transparent:        body.Transparent,
		InterruptEveryTurn: body.InterruptEveryTurn,
		Group:              body.Group,
		PersonaDir:         body.PersonaDir,
	}
	if err := h.store.CreateAgent(c.Request.Context(), agent); err != nil {
		h.logger.Error("failed to create agent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create agent"})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *Handlers) getAgent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return
	}
	agent, err := h.store.GetAgent(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
		return
	}
	c.JSON(http.StatusOK, agent)
}

type createRoomRequest struct {
	OwnerID      int64   `json:"owner_id"`
	AgentIDs     []int64 `json:"agent_ids" binding:"required"`
	Backend      string  `json:"backend"`
	MaxFollowups int     `json:"max_followups"`
}

func (h *Handlers) createRoom(c *gin.Context) {
	var body createRoomRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room := &conversation.Room{
		OwnerID:      body.OwnerID,
		AgentIDs:     body.AgentIDs,
		Backend:      body.Backend,
		MaxFollowups: body.MaxFollowups,
	}
	ctx := c.Request.Context()
	if err := h.store.CreateRoom(ctx, room); err != nil {
		h.logger.Error("failed to create room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		return
	}
	for _, agentID := range body.AgentIDs {
		if err := h.store.AddRoomAgent(ctx, room.ID, agentID); err != nil {
			h.logger.Error("failed to add room agent",
				zap.Int64("room_id", room.ID), zap.Int64("agent_id", agentID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add room agent"})
			return
		}
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handlers) getRoom(c *gin.Context) {
	id, ok := h.roomID(c)
	if !ok {
		return
	}
	room, err := h.store.GetRoom(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room"})
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *Handlers) listMessages(c *gin.Context) {
	id, ok := h.roomID(c)
	if !ok {
		return
	}
	msgs, err := h.store.GetAllMessages(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type postMessageRequest struct {
	Content string               `json:"content" binding:"required"`
	Images  []conversation.Image `json:"images"`
}

func (h *Handlers) postMessage(c *gin.Context) {
	id, ok := h.roomID(c)
	if !ok {
		return
	}
	var body postMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.orch.HandleUserMessage(c.Request.Context(), id, body.Content, body.Images)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to handle user message", zap.Int64("room_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to handle message"})
		return
	}
	c.JSON(http.StatusAccepted, msg)
}

func (h *Handlers) pauseRoom(c *gin.Context) {
	id, ok := h.roomID(c)
	if !ok {
		return
	}
	if err := h.orch.PauseRoom(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to pause room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *Handlers) resumeRoom(c *gin.Context) {
	id, ok := h.roomID(c)
	if !ok {
		return
	}
	if err := h.orch.ResumeRoom(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// mintTicket issues a short-lived SSE ticket for the room. EventSource
// cannot set headers, so browsers fetch a ticket here first.
func (h *Handlers) mintTicket(c *gin.Context) {
	id, ok := h.roomID(c)
	if !ok {
		return
	}
	if _, err := h.store.GetRoom(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	ticket, err := h.tickets.Mint(id)
	if err != nil {
		h.logger.Error("failed to mint ticket", zap.Int64("room_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint ticket"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket})
}

// streamRoom authorizes the SSE subscription with a ticket from either the
// Authorization header or the ticket query parameter, then hands the
// connection to the streaming handler.
func (h *Handlers) streamRoom(c *gin.Context) {
	id, ok := h.roomID(c)
	if !ok {
		return
	}

	ticket := c.Query("ticket")
	if ticket == "" {
		ticket = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if ticket == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ticket required"})
		return
	}

	grantedRoom, err := h.tickets.Validate(ticket)
	if err != nil || grantedRoom != id {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid ticket"})
		return
	}

	h.sse.ServeRoom(c, id)
}
