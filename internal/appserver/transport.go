// Package appserver manages the per-agent app-server subprocesses that
// back the codex provider: transports, instance lifecycle, the LRU pool,
// and thread ownership.
package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/pkg/codex"
)

// NotificationHandler receives every server notification.
type NotificationHandler func(method string, params json.RawMessage)

// Transport exchanges app-server protocol messages with one server.
type Transport interface {
	SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (*codex.Response, error)
	// SendRequestNoWait submits a request whose outcome arrives via
	// notifications, returning the request id.
	SendRequestNoWait(method string, params interface{}) (int64, error)
	SendNotification(method string, params interface{}) error
	SetNotificationHandler(handler NotificationHandler)
	Healthy() bool
	Close(ctx context.Context) error
}

// StartupConfig parameterizes an app-server launch.
type StartupConfig struct {
	Binary           string
	DisabledFeatures []string
	ConfigOverrides  map[string]string
	Model            string
	Cwd              string
	Sandbox          string
	ApprovalPolicy   string
	// Env entries are appended to the inherited environment; they carry the
	// tool-server contract (AGENT_NAME, AGENT_ID, ...).
	Env []string
	// McpServers is the baked-in tool-server subprocess configuration
	// passed at thread/start.
	McpServers json.RawMessage
}

func (c StartupConfig) args() []string {
	args := []string{"app-server"}
	for _, f := range c.DisabledFeatures {
		args = append(args, "--disable", f)
	}
	for k, v := range c.ConfigOverrides {
		args = append(args, "-c", fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

// StdioTransport owns an app-server subprocess and speaks the protocol
// over its stdio.
type StdioTransport struct {
	cmd    *exec.Cmd
	client *codex.Client
	stdin  io.WriteCloser

	healthy atomic.Bool
	exited  chan struct{}
	cancel  context.CancelFunc

	mu       sync.Mutex
	stopping bool
	logger   *logger.Logger
}

// NewStdioTransport spawns the subprocess and starts the read loop.
func NewStdioTransport(cfg StartupConfig, log *logger.Logger) (*StdioTransport, error) {
	cmd := exec.Command(cfg.Binary, cfg.args()...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start app-server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
		cancel: cancel,
		logger: log.WithFields(
			zap.String("component", "appserver-transport"),
			zap.Int("pid", cmd.Process.Pid)),
	}
	t.healthy.Store(true)
	t.client = codex.NewClient(&healthTrackingWriter{w: stdin, t: t}, stdout, log)
	t.client.Start(ctx)
	go t.monitorExit()

	t.logger.Info("app-server started", zap.String("binary", cfg.Binary))
	return t, nil
}

// healthTrackingWriter flips the transport unhealthy on broken-pipe writes.
type healthTrackingWriter struct {
	w io.Writer
	t *StdioTransport
}

func (h *healthTrackingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	if err != nil {
		h.t.healthy.Store(false)
	}
	return n, err
}

func (t *StdioTransport) monitorExit() {
	err := t.cmd.Wait()
	t.healthy.Store(false)

	t.mu.Lock()
	stopping := t.stopping
	t.mu.Unlock()

	if err != nil && !stopping {
		t.logger.Error("app-server exited unexpectedly", zap.Error(err))
	}
	close(t.exited)
	t.client.Stop()
}

// SendRequest performs a call with a bounded wait.
func (t *StdioTransport) SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (*codex.Response, error) {
	if !t.Healthy() {
		return nil, fmt.Errorf("transport not ready: app-server is down")
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.client.Call(callCtx, method, params)
}

// SendRequestNoWait submits a streaming request.
func (t *StdioTransport) SendRequestNoWait(method string, params interface{}) (int64, error) {
	if !t.Healthy() {
		return 0, fmt.Errorf("transport not ready: app-server is down")
	}
	return t.client.CallNoWait(method, params)
}

// SendNotification sends a one-way message.
func (t *StdioTransport) SendNotification(method string, params interface{}) error {
	return t.client.Notify(method, params)
}

// SetNotificationHandler registers the notification callback.
func (t *StdioTransport) SetNotificationHandler(handler NotificationHandler) {
	t.client.SetNotificationHandler(handler)
}

// Healthy reports whether the subprocess is usable.
func (t *StdioTransport) Healthy() bool {
	return t.healthy.Load()
}

// Close terminates the subprocess: SIGTERM, bounded wait, then SIGKILL.
// Pending request futures are failed by the client shutdown.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		<-t.exited
		return nil
	}
	t.stopping = true
	t.mu.Unlock()

	t.healthy.Store(false)
	t.cancel()
	_ = t.stdin.Close()

	select {
	case <-t.exited:
		return nil
	default:
	}

	pid := t.cmd.Process.Pid
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		_ = t.cmd.Process.Kill()
	}

	select {
	case <-t.exited:
		return nil
	case <-time.After(5 * time.Second):
		t.logger.Warn("app-server did not exit, killing")
		_ = t.cmd.Process.Kill()
	case <-ctx.Done():
		_ = t.cmd.Process.Kill()
	}

	select {
	case <-t.exited:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("app-server did not exit after kill")
	}
	return nil
}
