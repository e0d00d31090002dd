// Package config loads warden configuration from the environment.
//
// Variables are prefixed with the section name, for example
// WARDEN_GUARD_RELEASE_GRACE or WARDEN_STORE_BACKEND.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Challenge policies
const (
	PolicyConcurrent = "concurrent"
	PolicySupersede  = "supersede"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig
	Guard   GuardConfig
	Gate    GateConfig
	Store   StoreConfig
	Events  EventsConfig
	Logging LogConfig
}

// ServerConfig holds the host HTTP adapter configuration
type ServerConfig struct {
	Addr string `envconfig:"ADDR" default:"127.0.0.1:9000"`
	// Token is the bearer token the host must send; empty disables the check
	Token string `envconfig:"TOKEN"`
}

// GuardConfig tunes the foreground guard
type GuardConfig struct {
	ReleaseGrace    time.Duration `envconfig:"RELEASE_GRACE" default:"3s"`
	AuthGrace       time.Duration `envconfig:"AUTH_GRACE" default:"2s"`
	SelfPackage     string        `envconfig:"SELF_PACKAGE" default:"com.layer3.warden"`
	Surfaces        []string      `envconfig:"SURFACES"`
	ChallengePolicy string        `envconfig:"CHALLENGE_POLICY" default:"concurrent"`
}

// GateConfig tunes the authentication gate and its prompts
type GateConfig struct {
	MaxAttempts        int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	PromptTimeout      time.Duration `envconfig:"PROMPT_TIMEOUT" default:"2m"`
	BiometricAvailable bool          `envconfig:"BIOMETRIC_AVAILABLE" default:"true"`
	CredentialFallback bool          `envconfig:"CREDENTIAL_FALLBACK" default:"true"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend  string `envconfig:"BACKEND" default:"memory"`
	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
}

// EventsConfig selects where foreground events come from
type EventsConfig struct {
	Source        string `envconfig:"SOURCE" default:"http"`
	ConsumerGroup string `envconfig:"CONSUMER_GROUP" default:"warden"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// Load loads configuration from the environment
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("warden", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express
func (c *Config) Validate() error {
	switch c.Guard.ChallengePolicy {
	case PolicyConcurrent, PolicySupersede:
	default:
		return fmt.Errorf("invalid challenge policy %q", c.Guard.ChallengePolicy)
	}
	if c.Guard.ReleaseGrace <= 0 {
		return fmt.Errorf("release grace must be positive")
	}
	if c.Gate.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid store backend %q", c.Store.Backend)
	}
	switch c.Events.Source {
	case "http", "redis":
	default:
		return fmt.Errorf("invalid event source %q", c.Events.Source)
	}
	return nil
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: "127.0.0.1:9000"},
		Guard: GuardConfig{
			ReleaseGrace:    3 * time.Second,
			AuthGrace:       2 * time.Second,
			SelfPackage:     "com.layer3.warden",
			ChallengePolicy: PolicyConcurrent,
		},
		Gate: GateConfig{
			MaxAttempts:        5,
			PromptTimeout:      2 * time.Minute,
			BiometricAvailable: true,
			CredentialFallback: true,
		},
		Store:   StoreConfig{Backend: "memory", RedisURL: "redis://localhost:6379/0"},
		Events:  EventsConfig{Source: "http", ConsumerGroup: "warden"},
		Logging: LogConfig{Level: "info"},
	}
}
