// Package dispatch drives the fixed pipeline stages: it enqueues stage jobs,
// runs them on per-stage worker pools and applies each stage's retry policy.
package dispatch

import (
	"strings"
	"time"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

const (
	defaultWorkers       = 2
	defaultPollInterval  = time.Second
	defaultStaleAfter    = 15 * time.Minute
	defaultSweepInterval = time.Minute
)

// StagePolicy is the retry budget of one stage. Zero fields fall back to
// 3 attempts, 2s initial backoff, doubling.
type StagePolicy struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Workers        int           `yaml:"workers" mapstructure:"workers"`
}

// Config controls the dispatcher. Stages is keyed by stage name.
type Config struct {
	Workers       int                    `yaml:"workers" mapstructure:"workers"`
	PollInterval  time.Duration          `yaml:"poll_interval" mapstructure:"poll_interval"`
	StaleAfter    time.Duration          `yaml:"stale_after" mapstructure:"stale_after"`
	SweepInterval time.Duration          `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Stages        map[string]StagePolicy `yaml:"stages" mapstructure:"stages"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// stagePolicy looks a stage up by its canonical name, falling back to the
// lower-case form viper produces for map keys.
func (c Config) stagePolicy(stage model.Stage) StagePolicy {
	if p, ok := c.Stages[string(stage)]; ok {
		return p
	}
	for k, p := range c.Stages {
		if model.Stage(strings.ToUpper(k)) == stage {
			return p
		}
	}
	return StagePolicy{}
}

// Policy returns the retry config for a stage. Stage jobs never jitter so
// the schedule is predictable from the attempt count.
func (c Config) Policy(stage model.Stage) resilience.RetryConfig {
	p := c.stagePolicy(stage)
	return resilience.FromStagePolicy(p.MaxAttempts, p.InitialBackoff, p.MaxBackoff, p.Multiplier)
}

// WorkersFor returns the pool size of a stage.
func (c Config) WorkersFor(stage model.Stage) int {
	if p := c.stagePolicy(stage); p.Workers > 0 {
		return p.Workers
	}
	if c.Workers > 0 {
		return c.Workers
	}
	return defaultWorkers
}
