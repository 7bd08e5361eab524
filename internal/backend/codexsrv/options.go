// Package codexsrv implements the backend provider driving persona agents
// through codex app-server subprocesses pooled per agent.
package codexsrv

import (
	"github.com/parlorhq/parlor/internal/appserver"
	"github.com/parlorhq/parlor/internal/backend"
)

// Options configures one app-server-backed client.
type Options struct {
	Base backend.BaseOptions

	Startup appserver.StartupConfig
	Model   string
}

// Kind identifies the backend family.
func (o *Options) Kind() backend.Kind { return backend.KindCodex }

// SessionID returns the persisted thread id, "" for a fresh thread.
func (o *Options) SessionID() string { return o.Base.SessionID }
