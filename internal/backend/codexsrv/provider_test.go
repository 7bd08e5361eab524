package codexsrv

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
)

func TestProvider_BuildOptionsRegistersToolServer(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	p := NewProvider(config.CodexConfig{
		Binary:           "codex",
		ToolServerBinary: "parlortool",
	}, nil, log)

	o := p.BuildOptions(backend.BaseOptions{
		RoomID: 3, AgentID: 9, AgentName: "bob",
	}, nil).(*Options)

	require.NotEmpty(t, o.Startup.McpServers)

	var servers map[string]struct {
		Command string            `json:"command"`
		Env     map[string]string `json:"env"`
	}
	require.NoError(t, json.Unmarshal(o.Startup.McpServers, &servers))

	spec, ok := servers["parlor-tools"]
	require.True(t, ok, "tool server not registered")
	assert.Equal(t, "parlortool", spec.Command)
	assert.Equal(t, "bob", spec.Env["AGENT_NAME"])
	assert.Equal(t, "3", spec.Env["ROOM_ID"])
}

func TestMcpServersJSONEmptyBinary(t *testing.T) {
	assert.Nil(t, mcpServersJSON("", []string{"AGENT_NAME=ada"}))
}
