package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/FairForge/aura/internal/api"
	"github.com/FairForge/aura/internal/billing"
	"github.com/FairForge/aura/internal/database"
	"github.com/FairForge/aura/internal/notify"
	"github.com/FairForge/aura/internal/ratelimit"
	"github.com/FairForge/aura/internal/rules"
	"github.com/FairForge/aura/internal/scheduler"
	"github.com/FairForge/aura/internal/sensors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AURA_"

// Rule sources
const (
	SourceMemory   = "memory"
	SourceFile     = "file"
	SourcePostgres = "postgres"
)

type Config struct {
	Server    api.Config          `yaml:"server" envPrefix:"SERVER_"`
	Scheduler scheduler.Config    `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Engine    EngineConfig        `yaml:"engine" envPrefix:"ENGINE_"`
	History   rules.HistoryConfig `yaml:"history" envPrefix:"HISTORY_"`
	Database  database.Config     `yaml:"database" envPrefix:"DB_"`
	Rules     RulesConfig         `yaml:"rules" envPrefix:"RULES_"`
	Sensors   SensorsConfig       `yaml:"sensors" envPrefix:"SENSORS_"`
	Notify    NotifyConfig        `yaml:"notify" envPrefix:"NOTIFY_"`
	Billing   BillingConfig       `yaml:"billing" envPrefix:"BILLING_"`
	RateLimit RateLimitConfig     `yaml:"rate_limit"`
	Log       LogConfig           `yaml:"log" envPrefix:"LOG_"`
}

type EngineConfig struct {
	Policy          string `yaml:"policy" env:"POLICY"`
	TriggerLogLimit int    `yaml:"trigger_log_limit" env:"TRIGGER_LOG_LIMIT"`
}

type RulesConfig struct {
	Source   string        `yaml:"source" env:"SOURCE"`
	File     string        `yaml:"file" env:"FILE"`
	Watch    bool          `yaml:"watch" env:"WATCH"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

type SensorsConfig struct {
	CatalogFile string             `yaml:"catalog_file" env:"CATALOG_FILE"`
	HTTP        sensors.HTTPConfig `yaml:"http" envPrefix:"HTTP_"`
}

type NotifyConfig struct {
	Log       bool                 `yaml:"log" env:"LOG"`
	Webhook   notify.WebhookConfig `yaml:"webhook" envPrefix:"WEBHOOK_"`
	Endpoints []notify.Endpoint    `yaml:"endpoints"`
}

type BillingConfig struct {
	Enforce       bool              `yaml:"enforce" env:"ENFORCE"`
	StripeKey     string            `yaml:"stripe_key" env:"STRIPE_KEY"`
	WebhookSecret string            `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
	Prices        map[string]string `yaml:"prices"` // stripe price id -> plan
	PlanCacheTTL  time.Duration     `yaml:"plan_cache_ttl" env:"PLAN_CACHE_TTL"`
}

type RateLimitConfig struct {
	Defaults map[string]ratelimit.OperationConfig            `yaml:"defaults"`
	Tiers    map[string]map[string]ratelimit.OperationConfig `yaml:"tiers"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// Default returns a config that runs entirely in memory
func Default() *Config {
	cfg := &Config{
		Scheduler: scheduler.DefaultConfig(),
		History:   rules.DefaultHistoryConfig(),
		Engine: EngineConfig{
			Policy:          string(rules.PolicyUniform),
			TriggerLogLimit: rules.DefaultTriggerLogLimit,
		},
		Rules: RulesConfig{
			Source:   SourceMemory,
			CacheTTL: 30 * time.Second,
		},
		Notify: NotifyConfig{
			Log:     true,
			Webhook: notify.DefaultWebhookConfig(),
		},
		Billing: BillingConfig{PlanCacheTTL: 10 * time.Minute},
		Log:     LogConfig{Level: "info"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// LoadDotEnv loads .env files into the environment. Missing files are ignored;
// variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path (optional), applies AURA_* environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyDefaults fills zero values of every section
func (c *Config) ApplyDefaults() {
	c.Server.ApplyDefaults()
	c.Scheduler.ApplyDefaults()
	c.History.ApplyDefaults()
	c.Notify.Webhook.ApplyDefaults()
	c.Sensors.HTTP.ApplyDefaults()
	if c.Engine.Policy == "" {
		c.Engine.Policy = string(rules.PolicyUniform)
	}
	if c.Engine.TriggerLogLimit <= 0 {
		c.Engine.TriggerLogLimit = rules.DefaultTriggerLogLimit
	}
	if c.Rules.Source == "" {
		c.Rules.Source = SourceMemory
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Rules.Source == SourcePostgres {
		c.Database.ApplyDefaults()
	}
}

// Validate returns the first configuration problem found
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if _, err := rules.ParsePolicyMode(c.Engine.Policy); err != nil {
		return fmt.Errorf("config: engine.policy: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch c.Rules.Source {
	case SourceMemory:
	case SourceFile:
		if c.Rules.File == "" {
			return errors.New("config: rules.file is required for the file source")
		}
	case SourcePostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			return errors.New("config: database.host and database.database are required for the postgres source")
		}
	default:
		return fmt.Errorf("config: unknown rules.source %q", c.Rules.Source)
	}

	if c.Sensors.HTTP.Endpoint != "" {
		if err := c.Sensors.HTTP.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	for price, plan := range c.Billing.Prices {
		if _, err := billing.ParsePlan(plan); err != nil {
			return fmt.Errorf("config: billing.prices[%s]: %w", price, err)
		}
	}
	for tier := range c.RateLimit.Tiers {
		if _, err := billing.ParsePlan(tier); err != nil {
			return fmt.Errorf("config: rate_limit.tiers: %w", err)
		}
	}
	return nil
}

// PriceTable converts the configured price map into plans. Call after Validate.
func (c *Config) PriceTable() map[string]billing.Plan {
	out := make(map[string]billing.Plan, len(c.Billing.Prices))
	for price, plan := range c.Billing.Prices {
		out[price] = billing.Plan(plan)
	}
	return out
}

// NewLogger builds the process logger
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
