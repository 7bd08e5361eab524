package claude

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/parlorhq/parlor/internal/backend"
	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
)

// Provider builds claude CLI clients.
type Provider struct {
	cfg    config.ClaudeConfig
	logger *logger.Logger
}

// NewProvider creates the provider.
func NewProvider(cfg config.ClaudeConfig, log *logger.Logger) *Provider {
	return &Provider{cfg: cfg, logger: log}
}

// Kind identifies the backend family.
func (p *Provider) Kind() backend.Kind { return backend.KindClaude }

// BuildOptions translates the backend-agnostic turn configuration into CLI
// options, wiring the hook captures and the tool-server environment.
func (p *Provider) BuildOptions(base backend.BaseOptions, hooks *backend.Hooks) backend.Options {
	model := base.Model
	if model == "" {
		model = p.cfg.Model
	}
	return &Options{
		Base:       base,
		Hooks:      hooks,
		Binary:     p.cfg.Binary,
		Model:      model,
		ToolServer: p.cfg.ToolServerBinary,
		Env:        toolServerEnv(base, backend.KindClaude),
	}
}

// toolServerEnv builds the environment contract inherited by the
// tool-server subprocess.
func toolServerEnv(base backend.BaseOptions, kind backend.Kind) []string {
	return []string{
		fmt.Sprintf("AGENT_NAME=%s", base.AgentName),
		fmt.Sprintf("AGENT_ID=%d", base.AgentID),
		fmt.Sprintf("AGENT_GROUP=%s", base.AgentGroup),
		fmt.Sprintf("CONFIG_FILE=%s", base.PersonaDir),
		fmt.Sprintf("ROOM_ID=%d", base.RoomID),
		fmt.Sprintf("PROVIDER=%s", kind),
		fmt.Sprintf("HAS_SITUATION_BUILDER=%t", base.HasSituationBuilder),
	}
}

// CreateClient builds an unconnected client.
func (p *Provider) CreateClient(opts backend.Options) (backend.Client, error) {
	o, ok := opts.(*Options)
	if !ok {
		return nil, fmt.Errorf("claude provider given %T options", opts)
	}
	return NewClient(o, p.logger), nil
}

// Parser returns the stream parser.
func (p *Provider) Parser() backend.StreamParser { return Parser{} }

// CheckAvailability reports whether the CLI binary is reachable.
func (p *Provider) CheckAvailability(ctx context.Context) bool {
	_, err := exec.LookPath(p.cfg.Binary)
	return err == nil
}

// SessionFieldName names the continuity handle.
func (p *Provider) SessionFieldName() string { return "session_id" }

var _ backend.Provider = (*Provider)(nil)
