// Package config provides configuration management for Parlor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Parlor.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Backends     BackendsConfig     `mapstructure:"backends"`
	Pool         PoolConfig         `mapstructure:"pool"`
	AppServer    AppServerConfig    `mapstructure:"appServer"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Streaming    StreamingConfig    `mapstructure:"streaming"`
	Persona      PersonaConfig      `mapstructure:"persona"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the sqlite database configuration.
type DatabaseConfig struct {
	// Path is the sqlite database file. ":memory:" opens an in-memory store.
	Path string `mapstructure:"path"`
	// BusyTimeoutMS is the sqlite busy timeout in milliseconds.
	BusyTimeoutMS int `mapstructure:"busyTimeoutMs"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// BackendsConfig holds per-backend runtime configuration.
type BackendsConfig struct {
	// Default is the backend used when a room does not name one.
	Default string       `mapstructure:"default"`
	Claude  ClaudeConfig `mapstructure:"claude"`
	Codex   CodexConfig  `mapstructure:"codex"`
}

// ClaudeConfig configures the Claude Code CLI backend.
type ClaudeConfig struct {
	Binary string `mapstructure:"binary"`
	Model  string `mapstructure:"model"`
	// ToolServerBinary is the agent tool-server executable exposed to the
	// CLI over MCP.
	ToolServerBinary string `mapstructure:"toolServerBinary"`
}

// CodexConfig configures the Codex app-server backend.
type CodexConfig struct {
	Binary string `mapstructure:"binary"`
	Model  string `mapstructure:"model"`
	// DisabledFeatures become `--disable <feature>` launch flags.
	DisabledFeatures []string `mapstructure:"disabledFeatures"`
	// ConfigOverrides become `-c key=value` launch flags.
	ConfigOverrides map[string]string `mapstructure:"configOverrides"`
	Sandbox         string            `mapstructure:"sandbox"`
	ApprovalPolicy  string            `mapstructure:"approvalPolicy"`
	// ToolServerBinary is the agent tool-server executable passed to the
	// app-server as an MCP server at thread start.
	ToolServerBinary string `mapstructure:"toolServerBinary"`
	// WebSocketURL selects the websocket transport instead of subprocess stdio.
	WebSocketURL       string `mapstructure:"webSocketUrl"`
	WebSocketMaxSizeKB int    `mapstructure:"webSocketMaxSizeKb"`
}

// PoolConfig holds client pool configuration.
type PoolConfig struct {
	// MaxConcurrentConnects bounds concurrent client connection creation.
	MaxConcurrentConnects int `mapstructure:"maxConcurrentConnects"`
	// DisconnectTimeout bounds background disconnects, in seconds.
	DisconnectTimeout int `mapstructure:"disconnectTimeout"`
}

// AppServerConfig holds the app-server subprocess pool configuration.
type AppServerConfig struct {
	// MaxInstances caps live app-server subprocesses; LRU eviction past it.
	MaxInstances int `mapstructure:"maxInstances"`
	// IdleTimeout reaps instances idle beyond it, in seconds.
	IdleTimeout int `mapstructure:"idleTimeout"`
	// SweepInterval is the reaper period, in seconds.
	SweepInterval int `mapstructure:"sweepInterval"`
}

// OrchestratorConfig holds conversation round configuration.
type OrchestratorConfig struct {
	// HistoryLimit caps the per-agent context window, in messages.
	HistoryLimit int `mapstructure:"historyLimit"`
	// RareThoughtProbability gates the rare-thought instruction per turn.
	RareThoughtProbability float64 `mapstructure:"rareThoughtProbability"`
	// UncommonThoughtProbability gates the uncommon-thought instruction per turn.
	UncommonThoughtProbability float64 `mapstructure:"uncommonThoughtProbability"`
	// RecoveryIncludeSkipped includes "(skipped)" messages in the full-history
	// replay performed during session recovery.
	RecoveryIncludeSkipped bool `mapstructure:"recoveryIncludeSkipped"`
	// PersistSkipped writes "(skipped)" messages for audit when true.
	PersistSkipped bool `mapstructure:"persistSkipped"`
	// QueryTimeout bounds the backend query send, in seconds.
	QueryTimeout int `mapstructure:"queryTimeout"`
}

// SchedulerConfig holds the background follow-up scheduler configuration.
type SchedulerConfig struct {
	// TickInterval is the scheduler period, in seconds.
	TickInterval int `mapstructure:"tickInterval"`
	// IdleThreshold is the room inactivity gate before a follow-up round, in seconds.
	IdleThreshold int `mapstructure:"idleThreshold"`
	// MaxConcurrentRooms bounds rooms driven concurrently.
	MaxConcurrentRooms int `mapstructure:"maxConcurrentRooms"`
}

// StreamingConfig holds SSE broadcaster configuration.
type StreamingConfig struct {
	// KeepAliveInterval is the SSE keep-alive period, in seconds.
	KeepAliveInterval int `mapstructure:"keepAliveInterval"`
	// QueueCapacity bounds each subscriber queue.
	QueueCapacity int `mapstructure:"queueCapacity"`
	// TicketSecret signs short-lived SSE tickets.
	TicketSecret string `mapstructure:"ticketSecret"`
	// TicketTTL is the ticket lifetime, in seconds.
	TicketTTL int `mapstructure:"ticketTtl"`
}

// PersonaConfig holds persona loader configuration.
type PersonaConfig struct {
	// Dir is the root directory of per-agent persona folders.
	Dir string `mapstructure:"dir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DisconnectTimeoutDuration returns the disconnect timeout as a time.Duration.
func (p *PoolConfig) DisconnectTimeoutDuration() time.Duration {
	return time.Duration(p.DisconnectTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (a *AppServerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (a *AppServerConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(a.SweepInterval) * time.Second
}

// TickIntervalDuration returns the tick interval as a time.Duration.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// IdleThresholdDuration returns the idle threshold as a time.Duration.
func (s *SchedulerConfig) IdleThresholdDuration() time.Duration {
	return time.Duration(s.IdleThreshold) * time.Second
}

// KeepAliveDuration returns the keep-alive interval as a time.Duration.
func (s *StreamingConfig) KeepAliveDuration() time.Duration {
	return time.Duration(s.KeepAliveInterval) * time.Second
}

// TicketTTLDuration returns the ticket lifetime as a time.Duration.
func (s *StreamingConfig) TicketTTLDuration() time.Duration {
	return time.Duration(s.TicketTTL) * time.Second
}

// QueryTimeoutDuration returns the query timeout as a time.Duration.
func (o *OrchestratorConfig) QueryTimeoutDuration() time.Duration {
	return time.Duration(o.QueryTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PARLOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "parlor.db")
	v.SetDefault("database.busyTimeoutMs", 5000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "parlor")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Backend defaults
	v.SetDefault("backends.default", "claude")
	v.SetDefault("backends.claude.binary", "claude")
	v.SetDefault("backends.claude.model", "")
	v.SetDefault("backends.claude.toolServerBinary", "parlortool")
	v.SetDefault("backends.codex.binary", "codex")
	v.SetDefault("backends.codex.model", "")
	v.SetDefault("backends.codex.sandbox", "read-only")
	v.SetDefault("backends.codex.approvalPolicy", "never")
	v.SetDefault("backends.codex.webSocketUrl", "")
	v.SetDefault("backends.codex.webSocketMaxSizeKb", 10240)
	v.SetDefault("backends.codex.toolServerBinary", "parlortool")

	// Pool defaults
	v.SetDefault("pool.maxConcurrentConnects", 10)
	v.SetDefault("pool.disconnectTimeout", 5)

	// App-server pool defaults
	v.SetDefault("appServer.maxInstances", 10)
	v.SetDefault("appServer.idleTimeout", 600)
	v.SetDefault("appServer.sweepInterval", 60)

	// Orchestrator defaults
	v.SetDefault("orchestrator.historyLimit", 120)
	v.SetDefault("orchestrator.rareThoughtProbability", 0.05)
	v.SetDefault("orchestrator.uncommonThoughtProbability", 0.15)
	v.SetDefault("orchestrator.recoveryIncludeSkipped", true)
	v.SetDefault("orchestrator.persistSkipped", false)
	v.SetDefault("orchestrator.queryTimeout", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.tickInterval", 30)
	v.SetDefault("scheduler.idleThreshold", 120)
	v.SetDefault("scheduler.maxConcurrentRooms", 3)

	// Streaming defaults
	v.SetDefault("streaming.keepAliveInterval", 30)
	v.SetDefault("streaming.queueCapacity", 100)
	v.SetDefault("streaming.ticketSecret", "")
	v.SetDefault("streaming.ticketTtl", 60)

	// Persona defaults
	v.SetDefault("persona.dir", "personas")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PARLOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/parlor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PARLOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the camelCase config key.
	_ = v.BindEnv("backends.claude.binary", "PARLOR_BACKENDS_CLAUDE_BINARY")
	_ = v.BindEnv("backends.codex.binary", "PARLOR_BACKENDS_CODEX_BINARY")
	_ = v.BindEnv("streaming.ticketSecret", "PARLOR_STREAMING_TICKET_SECRET")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/parlor/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.Backends.Default {
	case "claude", "codex":
	default:
		errs = append(errs, "backends.default must be one of: claude, codex")
	}

	if cfg.Pool.MaxConcurrentConnects <= 0 {
		errs = append(errs, "pool.maxConcurrentConnects must be positive")
	}
	if cfg.AppServer.MaxInstances <= 0 {
		errs = append(errs, "appServer.maxInstances must be positive")
	}
	if cfg.Scheduler.MaxConcurrentRooms <= 0 {
		errs = append(errs, "scheduler.maxConcurrentRooms must be positive")
	}
	if cfg.Streaming.QueueCapacity <= 0 {
		errs = append(errs, "streaming.queueCapacity must be positive")
	}
	if p := cfg.Orchestrator.RareThoughtProbability; p < 0 || p > 1 {
		errs = append(errs, "orchestrator.rareThoughtProbability must be within [0, 1]")
	}
	if p := cfg.Orchestrator.UncommonThoughtProbability; p < 0 || p > 1 {
		errs = append(errs, "orchestrator.uncommonThoughtProbability must be within [0, 1]")
	}

	// Generate a dev ticket secret when unset so SSE tickets still work locally.
	if cfg.Streaming.TicketSecret == "" {
		cfg.Streaming.TicketSecret = fmt.Sprintf("dev-secret-change-in-production-%d", time.Now().UnixNano())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
