// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	// DataDir is the directory holding the config file
	DataDir string `yaml:"-"`

	// WatchRoot is the directory tree containing conversation JSONL files
	WatchRoot string `yaml:"watch_root"`

	// ListenAddr is the address the WebSocket server binds to
	ListenAddr string `yaml:"listen_addr"`

	// AuthToken authenticates WebSocket clients (empty disables auth)
	AuthToken string `yaml:"auth_token"`

	// SentinelVar is the tmux environment variable marking in-scope sessions
	SentinelVar string `yaml:"sentinel_var"`

	// PromptChar is the terminal prompt character used when extracting
	// user input lines from pane scrollback
	PromptChar string `yaml:"prompt_char"`

	// DebounceMs is the per-conversation file-event debounce window
	DebounceMs int `yaml:"debounce_ms"`

	// WaitingConfirmMs is how long a pending-approval waiting state must
	// hold before it is reported
	WaitingConfirmMs int `yaml:"waiting_confirm_ms"`

	// InitialScanAgeSec skips files older than this during the initial scan
	InitialScanAgeSec int `yaml:"initial_scan_age_sec"`

	// ResolverIntervalSec is how often tmux state and mappings are refreshed
	ResolverIntervalSec int `yaml:"resolver_interval_sec"`

	// ApprovalTools are tool names that require user approval before running
	ApprovalTools []string `yaml:"approval_tools"`

	// Debug enables debug logging
	Debug bool `yaml:"debug"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		DataDir:             defaultDataDir(),
		WatchRoot:           defaultWatchRoot(),
		ListenAddr:          "127.0.0.1:8790",
		SentinelVar:         "COMPANION_SESSION",
		PromptChar:          "❯",
		DebounceMs:          150,
		WaitingConfirmMs:    3000,
		InitialScanAgeSec:   120,
		ResolverIntervalSec: 5,
		ApprovalTools:       DefaultApprovalTools(),
	}
}

// DefaultApprovalTools returns the default approval-required tool set.
func DefaultApprovalTools() []string {
	return []string{"Bash", "Write", "Edit", "Task", "NotebookEdit", "EnterPlanMode"}
}

// Load loads configuration from the config file, falling back to defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(cfg.ConfigFile())
	if err != nil {
		if os.IsNotExist(err) {
			// Config file doesn't exist, use defaults
			return cfg, nil
		}
		return nil, err
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, err
	}

	mergeConfig(cfg, &fileCfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeConfig merges file configuration into the default configuration.
// Only non-zero values from file are applied.
func mergeConfig(dst, src *Config) {
	if src.WatchRoot != "" {
		dst.WatchRoot = src.WatchRoot
	}
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.AuthToken != "" {
		dst.AuthToken = src.AuthToken
	}
	if src.SentinelVar != "" {
		dst.SentinelVar = src.SentinelVar
	}
	if src.PromptChar != "" {
		dst.PromptChar = src.PromptChar
	}
	if src.DebounceMs != 0 {
		dst.DebounceMs = src.DebounceMs
	}
	if src.WaitingConfirmMs != 0 {
		dst.WaitingConfirmMs = src.WaitingConfirmMs
	}
	if src.InitialScanAgeSec != 0 {
		dst.InitialScanAgeSec = src.InitialScanAgeSec
	}
	if src.ResolverIntervalSec != 0 {
		dst.ResolverIntervalSec = src.ResolverIntervalSec
	}
	if len(src.ApprovalTools) > 0 {
		dst.ApprovalTools = src.ApprovalTools
	}
	if src.Debug {
		dst.Debug = true
	}
}

// Validate checks configuration values for consistency.
func (c *Config) Validate() error {
	if c.DebounceMs < 0 {
		return fmt.Errorf("debounce_ms must be >= 0, got %d", c.DebounceMs)
	}
	if c.WaitingConfirmMs < 0 {
		return fmt.Errorf("waiting_confirm_ms must be >= 0, got %d", c.WaitingConfirmMs)
	}
	if c.InitialScanAgeSec < 0 {
		return fmt.Errorf("initial_scan_age_sec must be >= 0, got %d", c.InitialScanAgeSec)
	}
	if c.ResolverIntervalSec <= 0 {
		return fmt.Errorf("resolver_interval_sec must be > 0, got %d", c.ResolverIntervalSec)
	}
	if len(c.ApprovalTools) == 0 {
		return fmt.Errorf("approval_tools must not be empty")
	}
	return nil
}

// Debounce returns the debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// WaitingConfirm returns the waiting-confirmation delay as a duration.
func (c *Config) WaitingConfirm() time.Duration {
	return time.Duration(c.WaitingConfirmMs) * time.Millisecond
}

// InitialScanAge returns the initial-scan age filter as a duration.
func (c *Config) InitialScanAge() time.Duration {
	return time.Duration(c.InitialScanAgeSec) * time.Second
}

// ResolverInterval returns the resolver refresh interval as a duration.
func (c *Config) ResolverInterval() time.Duration {
	return time.Duration(c.ResolverIntervalSec) * time.Second
}

// ConfigFile returns the path to the config file.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

// MappingFile returns the path of the persisted session mapping file.
func (c *Config) MappingFile() string {
	return filepath.Join(c.WatchRoot, "companion-session-mappings.json")
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "companiond")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".companiond"
	}
	return filepath.Join(home, ".config", "companiond")
}

// defaultWatchRoot returns the default conversation log root.
func defaultWatchRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}
