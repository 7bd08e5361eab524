package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/common/logger"
)

type fakeCLI struct {
	in  *io.PipeReader // host -> cli
	out *io.PipeWriter // cli -> host
}

func newClientPair(t *testing.T) (*Client, *fakeCLI) {
	t.Helper()
	hostIn, cliOut := io.Pipe()
	cliIn, hostOut := io.Pipe()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	c := NewClient(hostOut, hostIn, log)
	t.Cleanup(func() {
		c.Stop()
		_ = cliOut.Close()
		_ = hostOut.Close()
	})
	return c, &fakeCLI{in: cliIn, out: cliOut}
}

func (f *fakeCLI) write(t *testing.T, msg string) {
	t.Helper()
	_, err := f.out.Write([]byte(msg + "\n"))
	require.NoError(t, err)
}

func (f *fakeCLI) readLine(t *testing.T) map[string]any {
	t.Helper()
	line, err := bufio.NewReader(f.in).ReadBytes('\n')
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(line, &m))
	return m
}

func TestClient_MessageDispatch(t *testing.T) {
	c, cli := newClientPair(t)

	msgs := make(chan *CLIMessage, 4)
	c.SetMessageHandler(func(m *CLIMessage) { msgs <- m })
	<-c.Start(context.Background())

	cli.write(t, `{"type":"system","subtype":"init","session_id":"sess-1"}`)
	cli.write(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"hello"}]}}`)
	cli.write(t, `{"type":"result","is_error":false,"result":"done"}`)

	sys := waitMsg(t, msgs)
	assert.Equal(t, MessageTypeSystem, sys.Type)
	assert.Equal(t, "sess-1", sys.SessionID)

	asst := waitMsg(t, msgs)
	require.NotNil(t, asst.Message)
	require.Len(t, asst.Message.Content, 2)
	assert.Equal(t, "hmm", asst.Message.Content[0].Thinking)
	assert.Equal(t, "hello", asst.Message.Content[1].Text)

	res := waitMsg(t, msgs)
	assert.Equal(t, MessageTypeResult, res.Type)
	assert.Equal(t, "done", res.GetResultString())
}

func TestClient_ControlRequestRoundTrip(t *testing.T) {
	c, cli := newClientPair(t)

	c.SetRequestHandler(func(requestID string, req *ControlRequest) {
		assert.Equal(t, SubtypeCanUseTool, req.Subtype)
		assert.Equal(t, "skip", req.ToolName)
		_ = c.SendControlResponse(&ControlResponseMessage{
			Type:      MessageTypeControlResponse,
			RequestID: requestID,
			Response: &ControlResponse{
				Subtype: "success",
				Result:  &PermissionResult{Behavior: BehaviorAllow},
			},
		})
	})
	<-c.Start(context.Background())

	cli.write(t, `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"skip","input":{}}}`)

	resp := cli.readLine(t)
	assert.Equal(t, "control_response", resp["type"])
	assert.Equal(t, "req-1", resp["request_id"])
}

func TestClient_InitializeHandshake(t *testing.T) {
	c, cli := newClientPair(t)
	<-c.Start(context.Background())

	type result struct {
		data *InitializeResponseData
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.Initialize(context.Background(), 2*time.Second)
		done <- result{data, err}
	}()

	req := cli.readLine(t)
	requestID := req["request_id"].(string)
	reply, err := json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   map[string]any{"model": "claude-sonnet"},
		},
	})
	require.NoError(t, err)
	cli.write(t, string(reply))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.NotNil(t, r.data)
		assert.Equal(t, "claude-sonnet", r.data.Model)
	case <-time.After(2 * time.Second):
		t.Fatal("initialize did not complete")
	}
}

func TestClient_SendUserMessageBlocks(t *testing.T) {
	c, cli := newClientPair(t)
	<-c.Start(context.Background())

	go func() {
		_ = c.SendUserMessageBlocks(context.Background(), []ContentBlock{
			{Type: BlockText, Text: "describe this"},
			{Type: BlockImage, Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
		})
	}()

	msg := cli.readLine(t)
	assert.Equal(t, "user", msg["type"])
	body := msg["message"].(map[string]any)
	content := body["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "text", content[0].(map[string]any)["type"])
	assert.Equal(t, "image", content[1].(map[string]any)["type"])
}

func waitMsg(t *testing.T, ch <-chan *CLIMessage) *CLIMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

// wedgedWriter blocks every write until released, like a CLI that stopped
// draining its stdin.
type wedgedWriter struct {
	release chan struct{}
}

func (w *wedgedWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestClient_SendRespectsContextOnWedgedStdin(t *testing.T) {
	w := &wedgedWriter{release: make(chan struct{})}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	c := NewClient(w, strings.NewReader(""), log)
	t.Cleanup(func() {
		c.Stop()
		close(w.release)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = c.SendUserMessage(ctx, "hello")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_SendUnblocksOnStop(t *testing.T) {
	w := &wedgedWriter{release: make(chan struct{})}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	c := NewClient(w, strings.NewReader(""), log)
	t.Cleanup(func() { close(w.release) })

	done := make(chan error, 1)
	go func() { done <- c.SendUserMessage(context.Background(), "hello") }()

	time.Sleep(20 * time.Millisecond)
	c.Stop()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not unblock on stop")
	}
}
