package claude

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/common/config"
	"github.com/parlorhq/parlor/internal/common/logger"
)

func configFor(binary, model string) config.ClaudeConfig {
	return config.ClaudeConfig{Binary: binary, Model: model}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}
