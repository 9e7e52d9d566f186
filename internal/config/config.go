// Package config loads and validates the relay's runtime configuration from
// an optional per-environment YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Mode            string        `mapstructure:"mode"` // "release" or "dev"
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Call session timers.
	RingTimeout         time.Duration `mapstructure:"ring_timeout"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	TerminalGracePeriod time.Duration `mapstructure:"terminal_grace_period"`
	EvictInterval       time.Duration `mapstructure:"evict_interval"`

	// Per-connection signaling limits.
	SendQueueDepth       int           `mapstructure:"send_queue_depth"`
	MaxMessageBytes      int64         `mapstructure:"max_message_bytes"`
	MaxMessagesPerSecond int           `mapstructure:"max_messages_per_second"`
	WSIdleTimeout        time.Duration `mapstructure:"ws_idle_timeout"`
	WSPingInterval       time.Duration `mapstructure:"ws_ping_interval"`

	AuthMode       AuthMode `mapstructure:"auth_mode"`
	APIKey         string   `mapstructure:"api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))

	v.SetEnvPrefix("PAIRLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("handshake_timeout", "15s")
	v.SetDefault("terminal_grace_period", "30s")
	v.SetDefault("evict_interval", "10s")
	v.SetDefault("send_queue_depth", 64)
	v.SetDefault("max_message_bytes", 65536)
	v.SetDefault("max_messages_per_second", 50)
	v.SetDefault("ws_idle_timeout", "60s")
	v.SetDefault("ws_ping_interval", "20s")
	v.SetDefault("auth_mode", "none")
	v.SetDefault("api_key", "")
	v.SetDefault("allowed_origins", []string{})

	// The config file is optional; defaults plus env overrides are a complete
	// configuration.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0")
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("ring_timeout must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be > 0")
	}
	if c.TerminalGracePeriod <= 0 {
		return fmt.Errorf("terminal_grace_period must be > 0")
	}
	if c.EvictInterval <= 0 {
		return fmt.Errorf("evict_interval must be > 0")
	}
	if c.SendQueueDepth <= 0 {
		return fmt.Errorf("send_queue_depth must be > 0")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be > 0")
	}
	if c.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("max_messages_per_second must be > 0")
	}
	if c.WSIdleTimeout <= 0 {
		return fmt.Errorf("ws_idle_timeout must be > 0")
	}
	if c.WSPingInterval <= 0 || c.WSPingInterval >= c.WSIdleTimeout {
		return fmt.Errorf("ws_ping_interval must be > 0 and < ws_idle_timeout")
	}
	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("api_key must be set when auth_mode is %q", AuthModeAPIKey)
		}
	default:
		return fmt.Errorf("unsupported auth_mode %q", c.AuthMode)
	}
	return nil
}
