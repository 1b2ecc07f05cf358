package ai

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

// DefaultMaxTokens applies to override routes for tasks without a config.
const DefaultMaxTokens = 4096

// Config tunes provider calls.
type Config struct {
	CallTimeout    time.Duration                `yaml:"call_timeout" mapstructure:"call_timeout"`
	RateLimits     map[model.Provider]RateLimit `yaml:"rate_limits" mapstructure:"rate_limits"`
	CircuitBreaker BreakerConfig                `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	DefaultModels  map[model.Provider]string    `yaml:"default_models" mapstructure:"default_models"`
	Routes         []model.TaskConfig           `yaml:"routes" mapstructure:"routes"`
	LedgerRetry    resilience.RetryConfig       `yaml:"ledger_retry" mapstructure:"ledger_retry"`
}

// RateLimit is a per-provider token bucket.
type RateLimit struct {
	RPS   float64 `yaml:"rps" mapstructure:"rps"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// ConfigSet is the routing snapshot a call resolves against.
type ConfigSet struct {
	Tasks         map[model.TaskType]model.TaskConfig
	DefaultModels map[model.Provider]string
}

// ConfigSource produces a fresh snapshot per call, so route edits apply to
// the next call without a restart.
type ConfigSource interface {
	ConfigSet(ctx context.Context) (ConfigSet, error)
}

// StaticConfig is a fixed snapshot.
type StaticConfig ConfigSet

func (s StaticConfig) ConfigSet(context.Context) (ConfigSet, error) { return ConfigSet(s), nil }

// TaskConfigStore reads and writes stored routes.
type TaskConfigStore interface {
	TaskConfigs(ctx context.Context) ([]model.TaskConfig, error)
	UpsertTaskConfig(ctx context.Context, cfg model.TaskConfig) error
}

// StoreConfig reads task routes from the store on every call.
type StoreConfig struct {
	Store         TaskConfigStore
	DefaultModels map[model.Provider]string
}

func (s StoreConfig) ConfigSet(ctx context.Context) (ConfigSet, error) {
	cfgs, err := s.Store.TaskConfigs(ctx)
	if err != nil {
		return ConfigSet{}, eris.Wrap(err, "ai: load task configs")
	}
	set := ConfigSet{
		Tasks:         make(map[model.TaskType]model.TaskConfig, len(cfgs)),
		DefaultModels: s.DefaultModels,
	}
	for _, c := range cfgs {
		set.Tasks[c.Task] = c
	}
	return set, nil
}

// Route is a resolved (provider, model) pair with its call parameters.
type Route struct {
	Task        model.TaskType
	Provider    model.Provider
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Resolve picks the route for task: an override first, then the task's
// active config. An override naming only a provider takes the task
// config's model when the providers agree, else the provider default.
func Resolve(set ConfigSet, task model.TaskType, override *Override) (Route, error) {
	if !task.Valid() {
		return Route{}, resilience.NewTerminalError(eris.Errorf("ai: unknown task %q", task), resilience.KindNoRoute)
	}
	cfg, hasCfg := set.Tasks[task]
	hasCfg = hasCfg && cfg.Active

	if override != nil && override.Provider != "" {
		if !override.Provider.Valid() {
			return Route{}, resilience.NewTerminalError(eris.Errorf("ai: unknown provider %q", override.Provider), resilience.KindNoRoute)
		}
		r := Route{Task: task, Provider: override.Provider, Model: override.Model, MaxTokens: DefaultMaxTokens}
		if hasCfg {
			r.Temperature, r.MaxTokens = cfg.Temperature, cfg.MaxTokens
		}
		if r.Model == "" {
			if hasCfg && cfg.Provider == override.Provider {
				r.Model = cfg.Model
			} else {
				r.Model = set.DefaultModels[override.Provider]
			}
		}
		if r.Model == "" {
			return Route{}, resilience.NewTerminalError(
				eris.Errorf("ai: no default model for provider %s", override.Provider), resilience.KindNoRoute)
		}
		return r, nil
	}

	if !hasCfg {
		return Route{}, eris.Wrapf(ErrNoActiveConfig, "ai: resolve %s", task)
	}
	return Route{
		Task:        task,
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, nil
}

// SeedTaskConfigs stores the configured routes for tasks that have none
// yet. Routes edited at runtime are never overwritten.
func SeedTaskConfigs(ctx context.Context, st TaskConfigStore, routes []model.TaskConfig) error {
	existing, err := st.TaskConfigs(ctx)
	if err != nil {
		return eris.Wrap(err, "ai: load task configs")
	}
	have := make(map[model.TaskType]bool, len(existing))
	for _, c := range existing {
		have[c.Task] = true
	}
	for _, r := range routes {
		if have[r.Task] {
			continue
		}
		if err := r.Validate(); err != nil {
			return eris.Wrapf(err, "ai: seed route %s", r.Task)
		}
		if err := st.UpsertTaskConfig(ctx, r); err != nil {
			return eris.Wrapf(err, "ai: seed route %s", r.Task)
		}
		have[r.Task] = true
		zap.L().Info("seeded task route",
			zap.String("component", "ai"),
			zap.String("task", string(r.Task)),
			zap.String("provider", string(r.Provider)),
			zap.String("model", r.Model),
		)
	}
	return nil
}
