package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Session  SessionConfig  `json:"session"`
	Assemble AssembleConfig `json:"assemble"`
	Store    StoreConfig    `json:"store"`
	mu       sync.RWMutex
}

type SessionConfig struct {
	TimeoutSeconds         int    `json:"timeout_seconds" env:"CTXBUDGET_SESSION_TIMEOUT_SECONDS"`
	CleanupIntervalSeconds int    `json:"cleanup_interval_seconds" env:"CTXBUDGET_SESSION_CLEANUP_INTERVAL_SECONDS"`
	CleanupSchedule        string `json:"cleanup_schedule" env:"CTXBUDGET_SESSION_CLEANUP_SCHEDULE"`
	MaxFilesPerSession     int    `json:"max_files_per_session" env:"CTXBUDGET_SESSION_MAX_FILES"`
	MaxTokensPerSession    int    `json:"max_tokens_per_session" env:"CTXBUDGET_SESSION_MAX_TOKENS"`
	// MaxSessionsPerUser is advisory; enforced by callers, not the manager.
	MaxSessionsPerUser int `json:"max_sessions_per_user" env:"CTXBUDGET_SESSION_MAX_PER_USER"`
}

type AssembleConfig struct {
	TotalTokenBudget int     `json:"total_token_budget" env:"CTXBUDGET_ASSEMBLE_TOTAL_BUDGET"`
	ReservedFraction float64 `json:"reserved_fraction" env:"CTXBUDGET_ASSEMBLE_RESERVED_FRACTION"`
	CharsPerToken    int     `json:"chars_per_token" env:"CTXBUDGET_ASSEMBLE_CHARS_PER_TOKEN"`
}

type StoreConfig struct {
	Enabled bool   `json:"enabled" env:"CTXBUDGET_STORE_ENABLED"`
	Path    string `json:"path" env:"CTXBUDGET_STORE_PATH"`
}

func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			TimeoutSeconds:         1800,
			CleanupIntervalSeconds: 60,
			CleanupSchedule:        "",
			MaxFilesPerSession:     10,
			MaxTokensPerSession:    50000,
			MaxSessionsPerUser:     20,
		},
		Assemble: AssembleConfig{
			TotalTokenBudget: 8192,
			ReservedFraction: 0.3,
			CharsPerToken:    4,
		},
		Store: StoreConfig{
			Enabled: false,
			Path:    "~/.ctxbudget/state/sessions.db",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// StorePath returns the resolved session database path.
func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.Path)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
