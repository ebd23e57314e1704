// Package config provides runtime configuration for Fleetrack.
// It uses Viper to load settings from files, environment variables, and
// smart defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for Fleetrack.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`
	DBPath     string `mapstructure:"db_path"`

	// ── Security ─────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for dashboard session tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	// JWTExpiry: session token lifetime; re-login required after expiry.
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
	// DeviceTokenKey: HMAC key device tokens are derived from. Changing it
	// invalidates every enrolled agent.
	DeviceTokenKey string `mapstructure:"device_token_key"`
	// AdminUser / AdminPass: bootstrap credentials, created only when the
	// users table is empty.
	AdminUser string `mapstructure:"admin_user"`
	AdminPass string `mapstructure:"admin_pass"`

	// ── Fleet behaviour ──────────────────────────────────────────────────────
	// OnlineThreshold: a device is considered online while
	// now - last_seen < OnlineThreshold. Derived at read time, never stored.
	OnlineThreshold time.Duration `mapstructure:"online_threshold"`
	// CommandTTL: queued/in_progress commands older than this are swept to
	// expired.
	CommandTTL time.Duration `mapstructure:"command_ttl"`
	// SweepInterval: how often the expiry sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// RateLimitEnabled: per-device/per-IP request throttling on the API.
	RateLimitEnabled bool `mapstructure:"rate_limit_enabled"`

	// ── Agent ────────────────────────────────────────────────────────────────
	AgentServerURL         string        `mapstructure:"agent_server_url"`
	AgentInterval          time.Duration `mapstructure:"agent_interval"`
	AgentInventoryInterval time.Duration `mapstructure:"agent_inventory_interval"`
	AgentStatePath         string        `mapstructure:"agent_state_path"`
}

// Load reads config from file (./config.yaml or ~/.fleetrack/config.yaml)
// and falls back to defaults. Environment variables with prefix FLEET_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)
	v.SetDefault("db_path", "fleetrack.db")

	// Security defaults — MUST be overridden in production via config.yaml
	// or env vars.
	v.SetDefault("jwt_secret", "fleetrack-dev-secret-change-me-now!")
	v.SetDefault("jwt_expiry", 24*time.Hour)
	v.SetDefault("device_token_key", "fleetrack-dev-device-key-change-me")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")

	v.SetDefault("online_threshold", 10*time.Minute)
	v.SetDefault("command_ttl", 30*time.Minute)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("rate_limit_enabled", true)

	v.SetDefault("agent_server_url", "http://127.0.0.1:8080")
	v.SetDefault("agent_interval", 60*time.Second)
	v.SetDefault("agent_inventory_interval", 30*time.Minute)
	v.SetDefault("agent_state_path", "fleetrack-agent.json")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.fleetrack")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port %d", c.ServerPort)
	}
	if c.JWTExpiry < time.Minute {
		return fmt.Errorf("jwt_expiry must be at least 1 minute")
	}
	if c.OnlineThreshold <= 0 {
		return fmt.Errorf("online_threshold must be positive")
	}
	if c.CommandTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("command_ttl and sweep_interval must be positive")
	}
	return nil
}
