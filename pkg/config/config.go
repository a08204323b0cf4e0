// Package config loads the service configuration from YAML with
// environment fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/orchestrator"
	"github.com/veldtlabs/concierge/internal/tools"
)

// Config is the full service configuration.
type Config struct {
	// Provider selects the model backend: "openai", "gemini".
	Provider string `yaml:"provider"`

	// API keys. Environment variables win when the file omits them.
	OpenAIKey string `yaml:"openai_key"`
	GeminiKey string `yaml:"gemini_key"`

	// Server is the public API surface.
	Server ServerConfig `yaml:"server"`

	// Redis mirrors durable session facts. Empty address disables the
	// mirror; sessions then live in memory only.
	Redis RedisConfig `yaml:"redis"`

	// Search backend for the search tool.
	Search SearchConfig `yaml:"search"`

	// Selector routes features onto model tiers.
	Selector budget.SelectorConfig `yaml:"selector"`

	// Ledger bounds spend per identity.
	Ledger budget.LedgerConfig `yaml:"ledger"`

	// Turns bounds turn admission and streaming.
	Turns orchestrator.Config `yaml:"turns"`

	// Tools tunes gateway admission per tool.
	Tools tools.Config `yaml:"tools"`

	// SweepSpec schedules background cleanup (cron syntax).
	SweepSpec string `yaml:"sweep_spec"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	AdminSecret string `yaml:"admin_secret"`
}

// RedisConfig holds the fact-mirror connection settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// SearchConfig holds the search backend settings.
type SearchConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Load reads the configuration file, applies defaults, and pulls
// secrets from the environment when the file omits them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Default returns a runnable configuration with no file at all.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 30 * 24 * time.Hour
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 1m"
	}
	if c.Selector.LiteModel == "" {
		c.Selector = budget.DefaultSelectorConfig()
	}
}

func (c *Config) applyEnv() {
	if c.OpenAIKey == "" {
		c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.GeminiKey == "" {
		c.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.Server.AdminSecret == "" {
		c.Server.AdminSecret = os.Getenv("CONCIERGE_ADMIN_SECRET")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Redis.Password == "" {
		c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if c.Search.APIKey == "" {
		c.Search.APIKey = os.Getenv("SEARCH_API_KEY")
	}
}

// Validate checks the configuration before startup.
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("openai_key (or OPENAI_API_KEY) is required for the openai provider")
		}
	case "gemini":
		if c.GeminiKey == "" {
			return fmt.Errorf("gemini_key (or GEMINI_API_KEY) is required for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	if c.Ledger.CeilingUSD < 0 || c.Ledger.AnonCeilingUSD < 0 {
		return fmt.Errorf("ledger ceilings must not be negative")
	}
	if c.Ledger.CeilingUSD > 0 && c.Ledger.AnonCeilingUSD > c.Ledger.CeilingUSD {
		return fmt.Errorf("anon_ceiling_usd must not exceed ceiling_usd")
	}
	return nil
}
