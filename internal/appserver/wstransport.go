package appserver

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/pkg/codex"
)

// WSTransport speaks the app-server protocol over a websocket. Message
// framing replaces line framing; classification is otherwise identical to
// the stdio transport, so the same protocol client is reused behind a
// stream adapter.
type WSTransport struct {
	conn    *websocket.Conn
	client  *codex.Client
	healthy atomic.Bool
	cancel  context.CancelFunc
	logger  *logger.Logger
}

// WSConfig parameterizes a websocket connection.
type WSConfig struct {
	URL string
	// MaxMessageSizeKB bounds inbound messages; base64 images run large.
	MaxMessageSizeKB int64
}

// NewWSTransport dials the server and starts the read loop. Compression is
// left off; inline image payloads do not benefit from it.
func NewWSTransport(ctx context.Context, cfg WSConfig, log *logger.Logger) (*WSTransport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: false,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial app-server: %w", err)
	}
	if cfg.MaxMessageSizeKB > 0 {
		conn.SetReadLimit(cfg.MaxMessageSizeKB * 1024)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t := &WSTransport{
		conn:   conn,
		cancel: cancel,
		logger: log.WithFields(
			zap.String("component", "appserver-ws-transport"),
			zap.String("url", cfg.URL)),
	}
	t.healthy.Store(true)

	reader, writer := &wsReader{t: t}, &wsWriter{t: t}
	t.client = codex.NewClient(writer, reader, log)
	t.client.Start(loopCtx)

	t.logger.Info("app-server websocket connected")
	return t, nil
}

// wsWriter maps one Write call (a framed line) to one websocket message,
// stripping the trailing newline the line framing adds.
type wsWriter struct {
	t *WSTransport
}

func (w *wsWriter) Write(p []byte) (int, error) {
	msg := p
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	if err := w.t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		w.t.healthy.Store(false)
		return 0, err
	}
	return len(p), nil
}

// wsReader replays websocket messages as newline-terminated lines.
type wsReader struct {
	t   *WSTransport
	buf []byte
}

func (r *wsReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		_, msg, err := r.t.conn.ReadMessage()
		if err != nil {
			r.t.healthy.Store(false)
			return 0, io.EOF
		}
		r.buf = append(msg, '\n')
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// SendRequest performs a call with a bounded wait.
func (t *WSTransport) SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (*codex.Response, error) {
	if !t.Healthy() {
		return nil, fmt.Errorf("transport not ready: websocket is down")
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.client.Call(callCtx, method, params)
}

// SendRequestNoWait submits a streaming request.
func (t *WSTransport) SendRequestNoWait(method string, params interface{}) (int64, error) {
	if !t.Healthy() {
		return 0, fmt.Errorf("transport not ready: websocket is down")
	}
	return t.client.CallNoWait(method, params)
}

// SendNotification sends a one-way message.
func (t *WSTransport) SendNotification(method string, params interface{}) error {
	return t.client.Notify(method, params)
}

// SetNotificationHandler registers the notification callback.
func (t *WSTransport) SetNotificationHandler(handler NotificationHandler) {
	t.client.SetNotificationHandler(handler)
}

// Healthy reports whether the connection is usable.
func (t *WSTransport) Healthy() bool {
	return t.healthy.Load()
}

// Close tears the connection down and fails pending calls.
func (t *WSTransport) Close(ctx context.Context) error {
	t.healthy.Store(false)
	t.cancel()
	t.client.Stop()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
