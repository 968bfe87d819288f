// Package config loads server configuration from a YAML file with
// environment variable overrides. Security-sensitive defaults fail
// closed.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/rotation"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	BaseURL       string `yaml:"base_url"`
	DBUrl         string `yaml:"db_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	LogLevel      string `yaml:"log_level"`

	// MasterKeyB64 is the base64 data encryption key. When empty the
	// server boots on a random bootstrap key; data written under it does
	// not survive a restart.
	MasterKeyB64 string `yaml:"master_key"`

	// AdminToken authenticates the management API and CLI.
	AdminToken string `yaml:"admin_token"`

	Pool     storage.PoolConfig `yaml:"pool"`
	Rotation rotation.Config    `yaml:"rotation"`
}

// Load reads path (if it exists), applies defaults and env overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:    ":8081",
		MigrationsDir: "migrations",
		LogLevel:      "info",
		Pool:          storage.DefaultPoolConfig(),
		Rotation:      rotation.DefaultConfig(),
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MASTER_ENCRYPTION_KEY"); v != "" {
		cfg.MasterKeyB64 = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("KEY_ROTATION_ENABLED"); v != "" {
		cfg.Rotation.Enabled = v == "true" || v == "1"
	}
	if n, ok := envInt("KEY_ROTATION_INTERVAL_DAYS"); ok {
		cfg.Rotation.IntervalDays = n
	}
	if n, ok := envInt("KEY_ROTATION_HOUR"); ok {
		cfg.Rotation.RotationHour = n
	}
	if n, ok := envInt("DB_MAX_CONNECTIONS"); ok {
		cfg.Pool.MaxConns = int32(n)
	}
	if n, ok := envInt("DB_MIN_CONNECTIONS"); ok {
		cfg.Pool.MinConns = int32(n)
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// MasterKey decodes the configured master key. Returns nil when no key
// is configured, which callers treat as "generate a bootstrap key".
func (c *Config) MasterKey() ([]byte, error) {
	if c.MasterKeyB64 == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	return key, nil
}

// CookieSecure reports whether session cookies must carry the Secure
// attribute. Unset or non-http base URLs fail closed to secure; only an
// explicit http:// development URL disables it.
func (c *Config) CookieSecure() bool {
	if c.BaseURL == "" {
		return true
	}
	return !strings.HasPrefix(strings.ToLower(c.BaseURL), "http://")
}
