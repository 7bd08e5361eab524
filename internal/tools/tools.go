package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/prompts"
)

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(
		mcp.NewTool("skip",
			mcp.WithDescription(prompts.ToolDescription("skip")),
		),
		s.skipHandler(),
	)

	m.AddTool(
		mcp.NewTool("memorize",
			mcp.WithDescription(prompts.ToolDescription("memorize")),
			mcp.WithString("memory_entry",
				mcp.Required(),
				mcp.Description("The fact to record, one or two sentences"),
			),
		),
		s.memorizeHandler(),
	)

	m.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription(prompts.ToolDescription("recall")),
			mcp.WithString("subtitle",
				mcp.Required(),
				mcp.Description("The subtitle of the memory to look up"),
			),
		),
		s.recallHandler(),
	)

	m.AddTool(
		mcp.NewTool("read",
			mcp.WithDescription(prompts.ToolDescription("read")),
		),
		s.readHandler(),
	)

	m.AddTool(
		mcp.NewTool("policy_check",
			mcp.WithDescription(prompts.ToolDescription("policy_check")),
			mcp.WithString("situation",
				mcp.Required(),
				mcp.Description("The situation your character is about to act on"),
			),
		),
		s.policyCheckHandler(),
	)

	m.AddTool(
		mcp.NewTool("current_time",
			mcp.WithDescription(prompts.ToolDescription("current_time")),
		),
		s.currentTimeHandler(),
	)

	s.logger.Info("registered tools", zap.Int("count", 6))
}

// skipHandler acknowledges the call. The engine detects the skip in-band
// from the stream; the tool result only matters to the model.
func (s *Server) skipHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.logger.Info("skip requested")
		return mcp.NewToolResultText("Understood. You stay silent this turn; do not produce a reply."), nil
	}
}

func (s *Server) memorizeHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entry, err := req.RequireString("memory_entry")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if strings.TrimSpace(entry) == "" {
			return mcp.NewToolResultError("memory_entry must not be empty"), nil
		}

		if err := s.personas.Memorize(s.agentDir, entry); err != nil {
			s.logger.Error("failed to persist memory entry", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to record memory: %v", err)), nil
		}

		s.logger.Info("memory entry recorded", zap.String("entry", entry))
		return mcp.NewToolResultText("Recorded."), nil
	}
}

func (s *Server) recallHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		subtitle, err := req.RequireString("subtitle")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cfg, err := s.personas.Load(s.agentDir)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load persona: %v", err)), nil
		}

		if content, ok := cfg.Recall(subtitle); ok {
			return mcp.NewToolResultText(content), nil
		}

		subtitles := make([]string, 0, len(cfg.LongTermMemory))
		for _, e := range cfg.LongTermMemory {
			subtitles = append(subtitles, e.Subtitle)
		}
		if len(subtitles) == 0 {
			return mcp.NewToolResultError("No long-term memories exist yet."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf(
			"No memory titled %q. Available subtitles: %s", subtitle, strings.Join(subtitles, ", "))), nil
	}
}

// readHandler returns the agent's guidelines file when one exists,
// otherwise the rendered persona sections.
func (s *Server) readHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		guidelines := filepath.Join(s.personas.Dir(s.agentDir), GuidelinesFileName)
		if data, err := os.ReadFile(guidelines); err == nil {
			return mcp.NewToolResultText(string(data)), nil
		}

		cfg, err := s.personas.Load(s.agentDir)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load persona: %v", err)), nil
		}
		rendered := prompts.PersonaSections(s.env.AgentName, cfg.ForGroup(s.env.AgentGroup))
		return mcp.NewToolResultText(rendered), nil
	}
}

// policyCheckHandler acknowledges the call. The situation text is captured
// in-band by the engine and stored with the resulting message.
func (s *Server) policyCheckHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		situation, err := req.RequireString("situation")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		s.logger.Info("policy check submitted", zap.String("situation", situation))
		return mcp.NewToolResultText(
			"Noted. Use your character's judgement; avoid actions that would harm other participants."), nil
	}
}

func (s *Server) currentTimeHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(prompts.TimestampLine(time.Now())), nil
	}
}
