// Package persona loads per-agent persona configuration from YAML files.
// The loader caches parsed configs; the cache is an injected object so
// tests and the tool server can own their own instance.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the persona file inside each agent folder.
const ConfigFileName = "config.yaml"

// MemoryEntry is one long-term memory record, looked up by subtitle.
type MemoryEntry struct {
	Subtitle string `yaml:"subtitle"`
	Content  string `yaml:"content"`
}

// Override replaces persona sections for a specific agent group. Empty
// fields fall through to the base config.
type Override struct {
	Summary         string   `yaml:"summary,omitempty"`
	Characteristics []string `yaml:"characteristics,omitempty"`
}

// Config is one agent's persona blob.
type Config struct {
	Summary         string        `yaml:"summary"`
	Characteristics []string      `yaml:"characteristics,omitempty"`
	RecentEvents    []string      `yaml:"recent_events,omitempty"`
	LongTermMemory  []MemoryEntry `yaml:"long_term_memory,omitempty"`
	// Overrides are keyed by group label.
	Overrides map[string]Override `yaml:"overrides,omitempty"`
}

// ForGroup returns the config with the group's overrides applied.
func (c *Config) ForGroup(group string) *Config {
	if group == "" || c.Overrides == nil {
		return c
	}
	ov, ok := c.Overrides[group]
	if !ok {
		return c
	}
	out := *c
	if ov.Summary != "" {
		out.Summary = ov.Summary
	}
	if len(ov.Characteristics) > 0 {
		out.Characteristics = ov.Characteristics
	}
	return &out
}

// Recall returns the long-term memory entry with the given subtitle.
func (c *Config) Recall(subtitle string) (string, bool) {
	for _, e := range c.LongTermMemory {
		if e.Subtitle == subtitle {
			return e.Content, true
		}
	}
	return "", false
}

// Loader reads and caches persona configs under a root directory.
type Loader struct {
	root string

	mu    sync.RWMutex
	cache map[string]*Config
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{root: dir, cache: make(map[string]*Config)}
}

// Path returns the persona file path for an agent folder.
func (l *Loader) Path(agentDir string) string {
	return filepath.Join(l.root, agentDir, ConfigFileName)
}

// Dir returns the agent folder path.
func (l *Loader) Dir(agentDir string) string {
	return filepath.Join(l.root, agentDir)
}

// Load returns the agent's persona config, reading it once and caching.
func (l *Loader) Load(agentDir string) (*Config, error) {
	l.mu.RLock()
	cfg, ok := l.cache[agentDir]
	l.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg, err := l.read(agentDir)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[agentDir] = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read(agentDir string) (*Config, error) {
	data, err := os.ReadFile(l.Path(agentDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read persona config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse persona config: %w", err)
	}
	return &cfg, nil
}

// Invalidate drops the cached config so the next Load re-reads the file.
func (l *Loader) Invalidate(agentDir string) {
	l.mu.Lock()
	delete(l.cache, agentDir)
	l.mu.Unlock()
}

// Memorize appends an entry to the agent's recent events and persists the
// file. The cache entry is refreshed in place.
func (l *Loader) Memorize(agentDir, entry string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, ok := l.cache[agentDir]
	if !ok {
		read, err := l.read(agentDir)
		if err != nil {
			return err
		}
		cfg = read
	}

	updated := *cfg
	updated.RecentEvents = append(append([]string(nil), cfg.RecentEvents...), entry)

	data, err := yaml.Marshal(&updated)
	if err != nil {
		return fmt.Errorf("failed to encode persona config: %w", err)
	}
	if err := os.WriteFile(l.Path(agentDir), data, 0o644); err != nil {
		return fmt.Errorf("failed to write persona config: %w", err)
	}

	l.cache[agentDir] = &updated
	return nil
}
