// Package config holds the daemon configuration: a YAML file under the
// user config directory with a thread-safe manager around it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/broadify/bridge/internal/logger"
)

// Config is everything the daemon reads at startup. Durations are
// unit-suffixed integers in YAML; use the accessors for time.Duration.
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogPretty  bool   `json:"log_pretty" yaml:"log_pretty"`
	// HelperDir overrides the helper binary search path; empty uses the
	// executable directory and the development layout.
	HelperDir  string `json:"helper_dir,omitempty" yaml:"helper_dir,omitempty"`
	PreviewFPS int    `json:"preview_fps" yaml:"preview_fps"`

	Framebus FramebusConfig `json:"framebus" yaml:"framebus"`
	Output   OutputConfig   `json:"output" yaml:"output"`
}

// FramebusConfig tunes the shared memory transport.
type FramebusConfig struct {
	SlotCount uint32 `json:"slot_count" yaml:"slot_count"`
}

// OutputConfig tunes helper supervision.
type OutputConfig struct {
	ReadyTimeoutMs   int `json:"ready_timeout_ms" yaml:"ready_timeout_ms"`
	StopGraceMs      int `json:"stop_grace_ms" yaml:"stop_grace_ms"`
	MaxRestarts      int `json:"max_restarts" yaml:"max_restarts"`
	RestartBackoffMs int `json:"restart_backoff_ms" yaml:"restart_backoff_ms"`
}

func (o OutputConfig) ReadyTimeout() time.Duration {
	return time.Duration(o.ReadyTimeoutMs) * time.Millisecond
}

func (o OutputConfig) StopGrace() time.Duration {
	return time.Duration(o.StopGraceMs) * time.Millisecond
}

func (o OutputConfig) RestartBackoff() time.Duration {
	return time.Duration(o.RestartBackoffMs) * time.Millisecond
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		ServerPort: 8089,
		LogLevel:   "info",
		PreviewFPS: 10,
		Framebus:   FramebusConfig{SlotCount: 3},
		Output: OutputConfig{
			ReadyTimeoutMs:   10000,
			StopGraceMs:      3000,
			MaxRestarts:      3,
			RestartBackoffMs: 500,
		},
	}
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("config: server_port %d out of range", c.ServerPort)
	}
	if c.Framebus.SlotCount < 2 {
		return fmt.Errorf("config: framebus.slot_count %d below minimum 2", c.Framebus.SlotCount)
	}
	if c.PreviewFPS < 1 {
		return fmt.Errorf("config: preview_fps %d must be positive", c.PreviewFPS)
	}
	if c.Output.ReadyTimeoutMs < 0 || c.Output.StopGraceMs < 0 || c.Output.RestartBackoffMs < 0 {
		return fmt.Errorf("config: output timings must not be negative")
	}
	if c.Output.MaxRestarts < 0 {
		return fmt.Errorf("config: output.max_restarts must not be negative")
	}
	return nil
}

// Manager loads, serves and persists the configuration.
type Manager struct {
	configPath string

	mu     sync.RWMutex
	config *Config
}

// NewManager reads the config file, creating it with defaults when absent.
// An empty path means ~/.config/broadify-bridge/config.yaml.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".config", "broadify-bridge", "config.yaml")
	}

	m := &Manager{configPath: path}
	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, writing defaults")
		m.config = Default()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("config: write default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", path).
		Msg("Config loaded")
	return m, nil
}

// load parses the file over the defaults, so absent keys keep their
// default values.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", m.configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return Default()
	}
	cfg := *m.config
	return &cfg
}

// Update validates, swaps in and persists a new configuration.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// Save writes the current configuration to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()
	if cfg == nil {
		cfg = Default()
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", m.configPath, err)
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Path returns the backing file location.
func (m *Manager) Path() string { return m.configPath }
