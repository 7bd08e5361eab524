package claude

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/pkg/claudecode"
)

const eventBuffer = 256

// Client owns one long-lived claude CLI subprocess. One turn is in flight
// at a time; Query opens a fresh event stream that the result message
// terminates.
type Client struct {
	opts *Options

	cmd   *exec.Cmd
	proto *claudecode.Client
	stdin io.WriteCloser

	mu            sync.Mutex
	sessionID     string
	mcpConfigPath string
	events        chan backend.RawEvent
	connected     bool
	exited        chan struct{}
	stopping      bool

	logger *logger.Logger
}

// NewClient creates an unconnected client.
func NewClient(opts *Options, log *logger.Logger) *Client {
	return &Client{
		opts: opts,
		logger: log.WithFields(
			zap.String("component", "claude-backend"),
			zap.Int64("room_id", opts.Base.RoomID),
			zap.Int64("agent_id", opts.Base.AgentID)),
	}
}

func (c *Client) args() []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if c.opts.Base.SystemPrompt != "" {
		args = append(args, "--system-prompt", c.opts.Base.SystemPrompt)
	}
	if c.opts.McpConfigPath != "" {
		args = append(args, "--mcp-config", c.opts.McpConfigPath)
	}
	if c.opts.Base.SessionID != "" {
		args = append(args, "--resume", c.opts.Base.SessionID)
	}
	return args
}

// Connect spawns the CLI and performs the streaming handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	if c.opts.McpConfigPath == "" && c.opts.ToolServer != "" {
		path, err := writeMCPConfig(c.opts.ToolServer, c.opts.Env)
		if err != nil {
			return err
		}
		c.opts.McpConfigPath = path
		c.mcpConfigPath = path
	}

	cmd := exec.Command(c.opts.Binary, c.args()...)
	cmd.Env = append(os.Environ(), c.opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transport not ready: failed to start claude: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.exited = make(chan struct{})
	c.proto = claudecode.NewClient(stdin, stdout, c.logger)
	c.proto.SetRequestHandler(c.handleControlRequest)
	c.proto.SetMessageHandler(c.handleMessage)
	<-c.proto.Start(context.Background())

	go c.monitorExit()

	c.connected = true
	c.sessionID = c.opts.Base.SessionID
	c.logger.Info("claude client connected", zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (c *Client) monitorExit() {
	err := c.cmd.Wait()
	c.mu.Lock()
	stopping := c.stopping
	c.connected = false
	events := c.events
	c.events = nil
	close(c.exited)
	c.mu.Unlock()

	if events != nil {
		close(events)
	}
	if err != nil && !stopping {
		c.logger.Error("claude process exited unexpectedly", zap.Error(err))
	}
}

// handleControlRequest answers CLI tool permission checks and feeds the
// hook captures: a skip or policy_check invocation is recorded before the
// tool is allowed to run.
func (c *Client) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype == claudecode.SubtypeCanUseTool || req.Subtype == claudecode.SubtypeHookCallback {
		c.captureToolSignal(req)
	}

	if err := c.proto.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result:  &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow},
		},
	}); err != nil {
		c.logger.Warn("failed to answer control request", zap.Error(err))
	}
}

func (c *Client) captureToolSignal(req *claudecode.ControlRequest) {
	hooks := c.opts.Hooks
	if hooks == nil {
		return
	}

	name := req.ToolName
	input := req.Input
	if req.Subtype == claudecode.SubtypeHookCallback {
		name, _ = req.HookInput["tool_name"].(string)
		input, _ = req.HookInput["tool_input"].(map[string]any)
	}

	switch {
	case isTool(name, "skip"):
		if hooks.OnSkip != nil {
			hooks.OnSkip()
		}
	case isTool(name, "policy_check"):
		if hooks.OnPolicyCheck != nil {
			situation, _ := input["situation"].(string)
			hooks.OnPolicyCheck(situation)
		}
	}
}

func (c *Client) handleMessage(msg *claudecode.CLIMessage) {
	c.mu.Lock()
	if msg.Type == claudecode.MessageTypeSystem && msg.SessionID != "" {
		c.sessionID = msg.SessionID
	}
	events := c.events
	terminal := msg.Type == claudecode.MessageTypeResult
	if terminal {
		c.events = nil
	}
	c.mu.Unlock()

	if events == nil {
		return
	}
	select {
	case events <- msg:
	default:
		c.logger.Warn("event buffer full, dropping message", zap.String("type", msg.Type))
	}
	if terminal {
		close(events)
	}
}

// Query submits the turn input and opens a fresh event stream.
func (c *Client) Query(ctx context.Context, blocks []backend.ContentBlock) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("client not connected")
	}
	c.events = make(chan backend.RawEvent, eventBuffer)
	c.mu.Unlock()

	if len(blocks) == 1 && blocks[0].Type == "text" {
		return c.proto.SendUserMessage(ctx, blocks[0].Text)
	}

	cliBlocks := make([]claudecode.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			cliBlocks = append(cliBlocks, claudecode.ContentBlock{Type: claudecode.BlockText, Text: b.Text})
		case "image":
			if b.Image == nil {
				continue
			}
			img, err := backend.ReencodeImage(*b.Image, backend.MediaTypeWebP)
			if err != nil {
				c.logger.Warn("failed to re-encode image, sending original", zap.Error(err))
				img = *b.Image
			}
			cliBlocks = append(cliBlocks, claudecode.ContentBlock{
				Type: claudecode.BlockImage,
				Source: &claudecode.ImageSource{
					Type:      "base64",
					MediaType: img.MediaType,
					Data:      img.Base64,
				},
			})
		}
	}
	return c.proto.SendUserMessageBlocks(ctx, cliBlocks)
}

// ReceiveResponse returns the current turn's event stream.
func (c *Client) ReceiveResponse() <-chan backend.RawEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		closed := make(chan backend.RawEvent)
		close(closed)
		return closed
	}
	return c.events
}

// Interrupt aborts the in-flight turn.
func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("no active connection")
	}
	return c.proto.Interrupt(ctx)
}

// Disconnect terminates the subprocess: SIGTERM with a bounded wait, then
// SIGKILL.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected && c.cmd == nil {
		c.mu.Unlock()
		return fmt.Errorf("no active connection")
	}
	c.stopping = true
	cmd := c.cmd
	exited := c.exited
	if c.mcpConfigPath != "" {
		_ = os.Remove(c.mcpConfigPath)
		c.mcpConfigPath = ""
	}
	c.mu.Unlock()

	if c.proto != nil {
		c.proto.Stop()
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = syscall.Kill(cmd.Process.Pid, syscall.SIGTERM)
	select {
	case <-exited:
		return nil
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("claude process did not exit after kill")
	}
}

// SessionID reports the continuity handle observed so far.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Options returns the client options.
func (c *Client) Options() backend.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// SetOptions replaces the client options in place.
func (c *Client) SetOptions(opts backend.Options) {
	o, ok := opts.(*Options)
	if !ok {
		return
	}
	c.mu.Lock()
	c.opts = o
	c.mu.Unlock()
}

var _ backend.Client = (*Client)(nil)
