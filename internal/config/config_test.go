package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/dispatch"
	"github.com/sells-group/studyforge/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "studyforge.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2*time.Minute, cfg.AI.CallTimeout)
	assert.Equal(t, 5, cfg.AI.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "gpt-4o-mini", cfg.AI.DefaultModels[model.ProviderOpenAI])
	assert.InDelta(t, 5.0, cfg.AI.RateLimits[model.ProviderAnthropic].RPS, 0.001)
	assert.Equal(t, 3, cfg.AI.LedgerRetry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.AI.LedgerRetry.InitialBackoff)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
	assert.Equal(t, 15*time.Minute, cfg.Dispatch.StaleAfter)
	assert.InDelta(t, 0.88, cfg.Resolve.MatchThreshold, 0.001)
	assert.InDelta(t, 0.6, cfg.Resolve.SuggestThreshold, 0.001)
	assert.Equal(t, "local", cfg.Files.Backend)
	assert.Equal(t, "data/files", cfg.Files.LocalDir)
	assert.True(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Len(t, cfg.AI.Routes, 7, "default routes cover every task")
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/studyforge
log:
  level: debug
  format: console
server:
  port: 9090
dispatch:
  workers: 4
  stages:
    vision_parse:
      max_attempts: 5
      initial_backoff: 10s
      workers: 1
ai:
  routes:
    - task: VISION_PARSE
      provider: openai
      model: gpt-4o
      max_tokens: 4096
      active: true
pricing:
  rates:
    openai:
      gpt-4o: {input: 2.0, output: 8.0}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Dispatch.Workers)

	policy := cfg.Dispatch.Policy(model.StageVisionParse)
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 10*time.Second, policy.InitialBackoff)
	assert.Equal(t, 1, cfg.Dispatch.WorkersFor(model.StageVisionParse))

	require.Len(t, cfg.AI.Routes, 1)
	assert.Equal(t, model.ProviderOpenAI, cfg.AI.Routes[0].Provider)

	rates, err := cfg.Rates()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, rates[model.ProviderOpenAI]["gpt-4o"].Input, 0.001)
	assert.InDelta(t, 0.15, rates[model.ProviderOpenAI]["gpt-4o-mini"].Input, 0.001, "built-in rates survive")

	// Defaults still apply for unset values
	assert.Equal(t, "data/files", cfg.Files.LocalDir)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("STUDYFORGE_STORE_DRIVER", "postgres")
	t.Setenv("STUDYFORGE_LOG_LEVEL", "warn")
	t.Setenv("STUDYFORGE_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestRates_PricingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("anthropic:\n  claude-haiku-4-5-20251001: {input: 0.8, output: 4.0}\n"), 0o644))

	cfg := &Config{Pricing: PricingConfig{File: path}}
	rates, err := cfg.Rates()
	require.NoError(t, err)
	assert.InDelta(t, 0.8, rates[model.ProviderAnthropic]["claude-haiku-4-5-20251001"].Input, 0.001)

	cfg.Pricing.File = filepath.Join(dir, "missing.yaml")
	_, err = cfg.Rates()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes validation in every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "studyforge.db"
	cfg.Server.Port = 8080
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Files.Backend = "local"
	cfg.Monitoring.FailureRateThreshold = 0.2
	cfg.AI.Routes = DefaultRoutes()
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "migrate", "cli"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_Postgres(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/studyforge"
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateServe_CollectsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Anthropic.Key = ""
	cfg.Files.Backend = "s3"
	cfg.Monitoring.FailureRateThreshold = 1.5

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "anthropic.key or openai.key is required")
	assert.Contains(t, err.Error(), "files.s3.bucket is required")
	assert.Contains(t, err.Error(), "failure_rate_threshold")

	// The CLI modes do not need the serving settings.
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidate_StagesAndRoutes(t *testing.T) {
	cfg := validDefaults()
	cfg.Dispatch.Stages = map[string]dispatch.StagePolicy{"summarize": {MaxAttempts: 1}}
	cfg.AI.Routes = append(cfg.AI.Routes, model.TaskConfig{Task: "TRANSLATE", Provider: model.ProviderOpenAI, Model: "gpt-4o", MaxTokens: 10})

	err := cfg.Validate("cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage summarize")
	assert.Contains(t, err.Error(), "ai.routes TRANSLATE")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
