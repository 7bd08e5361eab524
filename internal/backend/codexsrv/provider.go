package codexsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/parlorhq/parlor/internal/appserver"
	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
)

// Provider builds app-server-backed clients sharing one instance pool.
type Provider struct {
	cfg    config.CodexConfig
	pool   *appserver.Pool
	logger *logger.Logger
}

// NewProvider creates the provider around a running pool.
func NewProvider(cfg config.CodexConfig, pool *appserver.Pool, log *logger.Logger) *Provider {
	return &Provider{cfg: cfg, pool: pool, logger: log}
}

// Kind identifies the backend family.
func (p *Provider) Kind() backend.Kind { return backend.KindCodex }

// BuildOptions translates the backend-agnostic turn configuration into
// app-server options. Hooks are unused; the parser recognizes tool calls
// itself.
func (p *Provider) BuildOptions(base backend.BaseOptions, hooks *backend.Hooks) backend.Options {
	model := base.Model
	if model == "" {
		model = p.cfg.Model
	}
	env := toolServerEnv(base)
	return &Options{
		Base:  base,
		Model: model,
		Startup: appserver.StartupConfig{
			Binary:           p.cfg.Binary,
			DisabledFeatures: p.cfg.DisabledFeatures,
			ConfigOverrides:  p.cfg.ConfigOverrides,
			Model:            model,
			Sandbox:          p.cfg.Sandbox,
			ApprovalPolicy:   p.cfg.ApprovalPolicy,
			Env:              env,
			McpServers:       mcpServersJSON(p.cfg.ToolServerBinary, env),
		},
	}
}

// mcpServersJSON builds the thread/start mcpServers payload registering
// the tool server with the agent environment contract.
func mcpServersJSON(binary string, env []string) json.RawMessage {
	if binary == "" {
		return nil
	}
	envs := make(map[string]string, len(env))
	for _, e := range env {
		if k, v, ok := strings.Cut(e, "="); ok {
			envs[k] = v
		}
	}
	data, err := json.Marshal(map[string]any{
		"parlor-tools": map[string]any{
			"command": binary,
			"env":     envs,
		},
	})
	if err != nil {
		return nil
	}
	return data
}

func toolServerEnv(base backend.BaseOptions) []string {
	return []string{
		fmt.Sprintf("AGENT_NAME=%s", base.AgentName),
		fmt.Sprintf("AGENT_ID=%d", base.AgentID),
		fmt.Sprintf("AGENT_GROUP=%s", base.AgentGroup),
		fmt.Sprintf("CONFIG_FILE=%s", base.PersonaDir),
		fmt.Sprintf("ROOM_ID=%d", base.RoomID),
		fmt.Sprintf("PROVIDER=%s", backend.KindCodex),
		fmt.Sprintf("HAS_SITUATION_BUILDER=%t", base.HasSituationBuilder),
	}
}

// CreateClient builds an unconnected client.
func (p *Provider) CreateClient(opts backend.Options) (backend.Client, error) {
	o, ok := opts.(*Options)
	if !ok {
		return nil, fmt.Errorf("codex provider given %T options", opts)
	}
	return NewClient(o, p.pool, p.logger), nil
}

// Parser returns the stream parser.
func (p *Provider) Parser() backend.StreamParser { return Parser{} }

// CheckAvailability reports whether the app-server binary is reachable.
// The websocket variant skips the lookup; availability is the dial.
func (p *Provider) CheckAvailability(ctx context.Context) bool {
	if p.cfg.WebSocketURL != "" {
		return true
	}
	_, err := exec.LookPath(p.cfg.Binary)
	return err == nil
}

// SessionFieldName names the continuity handle.
func (p *Provider) SessionFieldName() string { return "thread_id" }

var _ backend.Provider = (*Provider)(nil)
