package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus/internal/agent"
)

// Config is agentrtd's on-disk configuration. It is deliberately small next
// to internal/config.Config: that type's schema describes the channel-bot
// gateway (Telegram/Discord/Slack adapters, skills, marketplace, RAG, ...)
// this binary does not run, and decoding into it would either silently
// ignore agentrtd's own sections or reject them under strict field
// checking. agentrtd has its own schema instead, reusing agent.Template's
// existing yaml tags directly rather than re-declaring them.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Provider ProviderConfig `yaml:"provider"`
	Billing  BillingConfig  `yaml:"billing"`

	// Workspace is the filesystem root server-local file/exec tools are
	// confined to.
	Workspace string `yaml:"workspace"`

	Templates       []*agent.Template `yaml:"templates"`
	CostModeRouting map[string]string `yaml:"cost_mode_routing"`

	WebSearch WebSearchConfig `yaml:"web_search"`
}

// ServerConfig configures the websocket listener (spec.md §4.6).
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the process-wide slog logger, grounded on
// internal/observability.LogConfig's Level/Format split.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig configures the C5 gating chain's auth stage. An empty
// JWTSecret leaves authentication disabled - every action proceeds
// anonymous, matching Gate's nil-Auth behavior.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	TokenExpiry string `yaml:"token_expiry"` // parsed with time.ParseDuration
}

// ProviderConfig names the LLM backend(s) templates can route to.
type ProviderConfig struct {
	Anthropic *AnthropicConfig `yaml:"anthropic"`
}

// AnthropicConfig mirrors providers.AnthropicConfig's fields this binary
// cares about setting from a config file.
type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// BillingConfig seeds internal/billing.Service's in-memory ledger at
// startup. Real deployments with persistent billing swap Service for a
// different agent.BillingService implementation; this stays wired to the
// reference one.
type BillingConfig struct {
	UserGrants map[string]float64 `yaml:"user_grants"`
	OrgGrants  map[string]float64 `yaml:"org_grants"`
}

// WebSearchConfig enables the web_search tool when a backend is
// configured; web_fetch needs no configuration and is always registered.
type WebSearchConfig struct {
	SearXNGURL  string `yaml:"searxng_url"`
	BraveAPIKey string `yaml:"brave_api_key"`
}

// LoadConfig reads and parses path. An empty path is rejected the same way
// internal/config.LoadRaw rejects one - fail fast rather than silently
// running with zero templates and no provider.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8089"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Workspace == "" {
		c.Workspace = "."
	}
}
