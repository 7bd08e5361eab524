package tools

import (
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/persona"
)

const serverName = "parlor-tools"
const serverVersion = "1.0.0"

// GuidelinesFileName is the optional free-form guidelines file inside an
// agent's persona folder, surfaced by the read tool.
const GuidelinesFileName = "guidelines.md"

// Server exposes the persona tools to one agent over MCP.
type Server struct {
	env      Env
	personas *persona.Loader
	// agentDir is the persona folder name relative to the loader root.
	agentDir string
	logger   *logger.Logger
}

// New builds the tool server for the identity carried in env.
func New(env Env, log *logger.Logger) *Server {
	dir := env.personaDir()
	return &Server{
		env:      env,
		personas: persona.NewLoader(filepath.Dir(dir)),
		agentDir: filepath.Base(dir),
		logger: log.WithFields(
			zap.String("component", "tool-server"),
			zap.String("agent_name", env.AgentName),
			zap.Int64("room_id", env.RoomID)),
	}
}

// ServeStdio registers the tools and blocks serving MCP on stdin/stdout.
func (s *Server) ServeStdio() error {
	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.logger.Info("tool server listening on stdio",
		zap.String("provider", s.env.Provider))
	return server.ServeStdio(mcpServer)
}
