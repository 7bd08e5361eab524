// Package claude implements the backend provider driving persona agents
// through the claude CLI in stream-json mode.
package claude

import "github.com/parlorhq/parlor/internal/backend"

// Options configures one CLI client.
type Options struct {
	Base  backend.BaseOptions
	Hooks *backend.Hooks

	Binary string
	Model  string
	// ToolServer is the tool-server executable advertised to the CLI over
	// MCP. Connect materializes it into McpConfigPath.
	ToolServer string
	// McpConfigPath points the CLI at the tool-server configuration.
	McpConfigPath string
	// Env entries carry the tool-server contract to child processes.
	Env []string
}

// Kind identifies the backend family.
func (o *Options) Kind() backend.Kind { return backend.KindClaude }

// SessionID returns the resume session id, "" for a fresh session.
func (o *Options) SessionID() string { return o.Base.SessionID }
