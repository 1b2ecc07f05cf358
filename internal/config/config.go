package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/studyforge/internal/ai"
	"github.com/sells-group/studyforge/internal/cost"
	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/dispatch"
	"github.com/sells-group/studyforge/internal/filestore"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resolve"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Anthropic  ProviderConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     ProviderConfig   `yaml:"openai" mapstructure:"openai"`
	AI         ai.Config        `yaml:"ai" mapstructure:"ai"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Dispatch   dispatch.Config  `yaml:"dispatch" mapstructure:"dispatch"`
	Resolve    resolve.Config   `yaml:"resolve" mapstructure:"resolve"`
	Files      filestore.Config `yaml:"files" mapstructure:"files"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver      string        `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string        `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        db.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ProviderConfig holds one AI provider's credentials.
type ProviderConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PricingConfig overrides the built-in rate table. File, when set, is a
// YAML rate table loaded last.
type PricingConfig struct {
	File  string     `yaml:"file" mapstructure:"file"`
	Rates cost.Rates `yaml:"rates" mapstructure:"rates"`
}

// MonitoringConfig configures the pipeline health monitor.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	DLQThreshold         int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	QueueStallMinutes    int     `yaml:"queue_stall_minutes" mapstructure:"queue_stall_minutes"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxUploadMB     int64         `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STUDYFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "studyforge.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_upload_mb", 25)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("openai.key", "")
	v.SetDefault("ai.call_timeout", "2m")
	v.SetDefault("ai.circuit_breaker.failure_threshold", 5)
	v.SetDefault("ai.circuit_breaker.reset_timeout", "30s")
	v.SetDefault("ai.default_models.anthropic", "claude-haiku-4-5-20251001")
	v.SetDefault("ai.default_models.openai", "gpt-4o-mini")
	v.SetDefault("ai.rate_limits.anthropic.rps", 5)
	v.SetDefault("ai.rate_limits.anthropic.burst", 5)
	v.SetDefault("ai.rate_limits.openai.rps", 5)
	v.SetDefault("ai.rate_limits.openai.burst", 5)
	v.SetDefault("ai.ledger_retry.max_attempts", 3)
	v.SetDefault("ai.ledger_retry.initial_backoff", "200ms")
	v.SetDefault("ai.ledger_retry.max_backoff", "2s")
	v.SetDefault("ai.ledger_retry.multiplier", 2.0)
	v.SetDefault("pricing.file", "")
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.poll_interval", "1s")
	v.SetDefault("dispatch.stale_after", "15m")
	v.SetDefault("dispatch.sweep_interval", "1m")
	v.SetDefault("resolve.match_threshold", resolve.DefaultMatchThreshold)
	v.SetDefault("resolve.suggest_threshold", resolve.DefaultSuggestThreshold)
	v.SetDefault("files.backend", "local")
	v.SetDefault("files.local_dir", "data/files")
	v.SetDefault("files.s3.region", "us-east-1")
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.cost_threshold_usd", 0)
	v.SetDefault("monitoring.dlq_threshold", 10)
	v.SetDefault("monitoring.queue_stall_minutes", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.AI.Routes) == 0 {
		cfg.AI.Routes = DefaultRoutes()
	}

	return &cfg, nil
}

// Validate checks the settings a mode needs. Modes: "serve", "migrate",
// "cli". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "migrate", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if c.Anthropic.Key == "" && c.OpenAI.Key == "" {
			errs = append(errs, "anthropic.key or openai.key is required")
		}
		switch c.Files.Backend {
		case "", "local":
		case "s3":
			if c.Files.S3.Bucket == "" {
				errs = append(errs, "files.s3.bucket is required for the s3 backend")
			}
		default:
			errs = append(errs, "files.backend must be local or s3")
		}
		if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
	}

	for stage := range c.Dispatch.Stages {
		if !model.Stage(strings.ToUpper(stage)).Valid() {
			errs = append(errs, "dispatch.stages has unknown stage "+stage)
		}
	}
	for _, r := range c.AI.Routes {
		if err := r.Validate(); err != nil {
			errs = append(errs, "ai.routes "+string(r.Task)+": "+err.Error())
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Rates merges the built-in rate table with configured rates and the
// optional pricing file, later sources winning per model.
func (c *Config) Rates() (cost.Rates, error) {
	rates := cost.DefaultRates().Merge(c.Pricing.Rates)
	if c.Pricing.File == "" {
		return rates, nil
	}
	fromFile, err := cost.LoadRatesFile(c.Pricing.File)
	if err != nil {
		return nil, eris.Wrap(err, "config: load pricing file")
	}
	return rates.Merge(fromFile), nil
}

// DefaultRoutes is the task routing seeded into an empty store.
func DefaultRoutes() []model.TaskConfig {
	return []model.TaskConfig{
		{Task: model.TaskVisionParse, Provider: model.ProviderAnthropic, Model: "claude-sonnet-4-5-20250929", MaxTokens: 8192, Active: true},
		{Task: model.TaskContentClassify, Provider: model.ProviderAnthropic, Model: "claude-haiku-4-5-20251001", MaxTokens: 1024, Active: true},
		{Task: model.TaskKnowledgeExtraction, Provider: model.ProviderAnthropic, Model: "claude-sonnet-4-5-20250929", MaxTokens: 4096, Active: true},
		{Task: model.TaskFlashcardGeneration, Provider: model.ProviderAnthropic, Model: "claude-sonnet-4-5-20250929", Temperature: 0.4, MaxTokens: 4096, Active: true},
		{Task: model.TaskQuestionGeneration, Provider: model.ProviderOpenAI, Model: "gpt-4o", Temperature: 0.4, MaxTokens: 4096, Active: true},
		{Task: model.TaskEmbedding, Provider: model.ProviderOpenAI, Model: "text-embedding-3-small", MaxTokens: 8191, Active: false},
		{Task: model.TaskExamQuestionAnalysis, Provider: model.ProviderAnthropic, Model: "claude-sonnet-4-5-20250929", MaxTokens: 2048, Active: false},
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
