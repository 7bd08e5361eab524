// Package main is the entry point for the parlortool binary, the MCP
// tool server each backend spawns per agent. It speaks MCP over stdio,
// so all logging goes to stderr.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/common/logger"
	"github.com/parlorhq/parlor/internal/tools"
)

func main() {
	env, err := tools.EnvFromProcess()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid tool-server environment: %v\n", err)
		os.Exit(1)
	}

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := tools.New(env, log).ServeStdio(); err != nil {
		log.Fatal("tool server exited", zap.Error(err))
	}
}
