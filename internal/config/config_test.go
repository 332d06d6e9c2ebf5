package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/aura/internal/billing"
	"github.com/FairForge/aura/internal/ratelimit"
	"github.com/FairForge/aura/internal/rules"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, SourceMemory, cfg.Rules.Source)
	assert.Equal(t, string(rules.PolicyUniform), cfg.Engine.Policy)
	assert.Equal(t, 1000, cfg.History.MaxTimestamps)
	assert.True(t, cfg.Notify.Log)
	assert.Equal(t, 3, cfg.Notify.Webhook.MaxRetries)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "aura.yaml", `
server:
  port: 9000
scheduler:
  interval: 1m
  concurrency: 4
engine:
  policy: sliding_window
rules:
  source: file
  file: /etc/aura/rules.yaml
  watch: true
notify:
  log: false
  endpoints:
    - aura_id: aura-1
      url: https://hooks.example.com/aura
      channels: [push]
billing:
  enforce: true
  prices:
    price_pro: pro
rate_limit:
  defaults:
    sense_fetch: {rate_per_second: 2, burst: 4}
  tiers:
    pro:
      sense_fetch: {rate_per_second: 10, burst: 20}
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.CycleTimeout, "unset fields keep defaults")
	assert.Equal(t, "sliding_window", cfg.Engine.Policy)
	assert.Equal(t, SourceFile, cfg.Rules.Source)
	assert.True(t, cfg.Rules.Watch)
	assert.False(t, cfg.Notify.Log)
	require.Len(t, cfg.Notify.Endpoints, 1)
	assert.Equal(t, []string{"push"}, cfg.Notify.Endpoints[0].Channels)
	assert.Equal(t, map[string]billing.Plan{"price_pro": billing.PlanPro}, cfg.PriceTable())
	assert.Equal(t, ratelimit.OperationConfig{RatePerSecond: 2, Burst: 4}, cfg.RateLimit.Defaults[ratelimit.OpSenseFetch])
	assert.Equal(t, 20, cfg.RateLimit.Tiers["pro"][ratelimit.OpSenseFetch].Burst)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "aura.yaml", "server:\n  port: 9000\n")

	t.Setenv("AURA_SERVER_PORT", "9100")
	t.Setenv("AURA_SCHEDULER_INTERVAL", "5s")
	t.Setenv("AURA_RULES_SOURCE", "postgres")
	t.Setenv("AURA_DB_HOST", "db.internal")
	t.Setenv("AURA_DB_NAME", "aura")
	t.Setenv("AURA_SENSORS_HTTP_ENDPOINT", "https://senses.example.com")
	t.Setenv("AURA_SENSORS_HTTP_TOKEN", "secret-token")
	t.Setenv("AURA_BILLING_STRIPE_KEY", "sk_test_123")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, SourcePostgres, cfg.Rules.Source)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "aura", cfg.Database.Database)
	assert.Equal(t, 5432, cfg.Database.Port, "database defaults apply for postgres")
	assert.Equal(t, "secret-token", cfg.Sensors.HTTP.Token)
	assert.Equal(t, "sk_test_123", cfg.Billing.StripeKey)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, cfg.Rules.Source)
}

func TestLoad_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown field":      "server:\n  prot: 9000\n",
		"bad policy":         "engine:\n  policy: bursty\n",
		"bad log level":      "log:\n  level: loud\n",
		"file without path":  "rules:\n  source: file\n",
		"postgres sans host": "rules:\n  source: postgres\n",
		"unknown source":     "rules:\n  source: redis\n",
		"bad price plan":     "billing:\n  prices:\n    price_x: gold\n",
		"bad tier":           "rate_limit:\n  tiers:\n    gold:\n      api: {rate_per_second: 1, burst: 1}\n",
		"bad sensor url":     "sensors:\n  http:\n    endpoint: ftp://senses\n",
		"port out of range":  "server:\n  port: 70000\n",
		"short retention":    "history:\n  retention: 1h\n",
		"few timestamps":     "history:\n  max_timestamps: 10\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "aura.yaml", content))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "AURA_TEST_DOTENV=from-file\n")
	t.Setenv("AURA_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("AURA_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("AURA_TEST_DOTENV"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLogConfig_NewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "warn"}.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))

	_, err = LogConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
