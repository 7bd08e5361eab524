package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/common/logger"
)

// RequestHandler handles control requests coming from the CLI. The handler
// is expected to answer via SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler receives every non-control message line.
type MessageHandler func(msg *CLIMessage)

type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// Client drives one claude CLI subprocess over its stdio streams.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	writeMu sync.Mutex
	mu      sync.RWMutex
	done    chan struct{}
}

// NewClient creates a client over the CLI's stdio streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "claudecode-client")),
		done:            make(chan struct{}),
		pendingRequests: make(map[string]*pendingRequest),
	}
}

// SetRequestHandler registers the control-request handler.
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler registers the streaming message handler.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start launches the read loop. The returned channel closes once the loop
// is consuming stdout.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop shuts down the read loop. Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Initialize performs the streaming-mode handshake and waits for the CLI's
// initialize response.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResponseData, error) {
	requestID := uuid.New().String()

	pending := &pendingRequest{ch: make(chan *IncomingControlResponse, 1)}
	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()
	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   SDKControlRequestBody{Subtype: SubtypeInitialize},
	}
	if err := c.send(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to send initialize request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("initialize request timed out after %v", timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("initialize failed: %s", resp.Error)
		}
		return resp.Response, nil
	}
}

// Interrupt asks the CLI to abort the in-flight turn.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.send(ctx, &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   SDKControlRequestBody{Subtype: SubtypeInterrupt},
	})
}

// SendControlResponse answers a CLI control request. The write is bounded
// by the client lifetime rather than a caller deadline.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(context.Background(), resp)
}

// SendUserMessage sends a plain text prompt.
func (c *Client) SendUserMessage(ctx context.Context, content string) error {
	return c.send(ctx, &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
}

// SendUserMessageBlocks sends a prompt with mixed content blocks, used when
// images accompany the text.
func (c *Client) SendUserMessageBlocks(ctx context.Context, blocks []ContentBlock) error {
	return c.send(ctx, &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: blocks},
	})
}

// send writes one line. A wedged process must not hang the caller past
// its deadline, so the write runs aside and the caller waits on ctx.
func (c *Client) send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	written := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		_, err := c.stdin.Write(data)
		c.writeMu.Unlock()
		written <- err
	}()

	select {
	case err := <-written:
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("client stopped")
	}
	c.logger.Debug("sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Assistant messages can carry large base64 payloads.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.String("line", string(line)))
		return
	}

	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	if msg.Type == MessageTypeControlResponse {
		var wrapper struct {
			Response *IncomingControlResponse `json:"response"`
		}
		if err := json.Unmarshal(line, &wrapper); err == nil && wrapper.Response != nil {
			c.handleControlResponse(wrapper.Response)
		}
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		msg.RawContent = raw
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	c.logger.Warn("received control request but no handler registered",
		zap.String("request_id", requestID),
		zap.String("subtype", req.Subtype))
	if err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: "error", Error: "no handler registered"},
	}); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[resp.RequestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("received control response for unknown request",
			zap.String("request_id", resp.RequestID))
		return
	}

	select {
	case pending.ch <- resp:
	default:
		c.logger.Warn("pending request channel full", zap.String("request_id", resp.RequestID))
	}
}
