// Package tools implements the MCP tool server spawned by both backends.
// It runs as a subprocess speaking MCP over stdio and inherits its agent
// identity from the environment.
package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/parlorhq/parlor/internal/persona"
)

// Env is the environment contract passed by the spawning backend.
type Env struct {
	AgentName  string
	AgentID    int64
	AgentGroup string
	// ConfigPath is the agent's persona folder, or its config.yaml directly.
	ConfigPath          string
	RoomID              int64
	Provider            string
	HasSituationBuilder bool
}

// EnvFromProcess reads the contract from the process environment.
func EnvFromProcess() (Env, error) {
	e := Env{
		AgentName:  os.Getenv("AGENT_NAME"),
		AgentGroup: os.Getenv("AGENT_GROUP"),
		ConfigPath: os.Getenv("CONFIG_FILE"),
		Provider:   os.Getenv("PROVIDER"),
	}
	if e.AgentName == "" {
		return Env{}, fmt.Errorf("AGENT_NAME is not set")
	}
	if e.ConfigPath == "" {
		return Env{}, fmt.Errorf("CONFIG_FILE is not set")
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Env{}, fmt.Errorf("invalid AGENT_ID %q: %w", v, err)
		}
		e.AgentID = id
	}
	if v := os.Getenv("ROOM_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Env{}, fmt.Errorf("invalid ROOM_ID %q: %w", v, err)
		}
		e.RoomID = id
	}
	if v := os.Getenv("HAS_SITUATION_BUILDER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Env{}, fmt.Errorf("invalid HAS_SITUATION_BUILDER %q: %w", v, err)
		}
		e.HasSituationBuilder = b
	}
	return e, nil
}

// personaDir normalizes ConfigPath to the agent's persona folder.
func (e Env) personaDir() string {
	if filepath.Base(e.ConfigPath) == persona.ConfigFileName {
		return filepath.Dir(e.ConfigPath)
	}
	return e.ConfigPath
}
