package claude

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// toolServerName is the MCP server key the CLI prefixes tool names with,
// so skip surfaces as mcp__parlor-tools__skip.
const toolServerName = "parlor-tools"

type mcpServerSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

type mcpConfig struct {
	McpServers map[string]mcpServerSpec `json:"mcpServers"`
}

// writeMCPConfig materializes the --mcp-config file registering the tool
// server, carrying the agent environment contract to the subprocess.
// The caller removes the file on disconnect.
func writeMCPConfig(binary string, env []string) (string, error) {
	cfg := mcpConfig{
		McpServers: map[string]mcpServerSpec{
			toolServerName: {
				Command: binary,
				Args:    []string{},
				Env:     envMap(env),
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal mcp config: %w", err)
	}

	f, err := os.CreateTemp("", "parlor-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create mcp config file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write mcp config file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to close mcp config file: %w", err)
	}
	return f.Name(), nil
}

func envMap(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if k, v, ok := strings.Cut(e, "="); ok {
			out[k] = v
		}
	}
	return out
}
