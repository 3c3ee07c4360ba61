// Package config holds the configuration of a computation: trace merge policy, scheduler and
// iteration bounds, logging and metrics. Configurations are loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the configuration of a computation.
type Config struct {
	Trace     TraceConfig     `json:"trace"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Iterate   IterateConfig   `json:"iterate"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// TraceConfig is the merge policy of traces.
type TraceConfig struct {
	// MaxBatches is the batch count above which adjacent batches are merged.
	MaxBatches int `json:"maxBatches"`
	// MergeFactor merges the newest two batches while the older is at most MergeFactor times
	// larger than the newer.
	MergeFactor int `json:"mergeFactor"`
	// CompactOnAdvance physically compacts traces whenever their compaction frontier
	// advances.
	CompactOnAdvance bool `json:"compactOnAdvance"`
}

// SchedulerConfig bounds the work done per operator step.
type SchedulerConfig struct {
	// BatchesPerStep is the number of queued input batches an operator processes per step.
	BatchesPerStep int `json:"batchesPerStep"`
}

// IterateConfig bounds iterations.
type IterateConfig struct {
	// MaxRounds is the round count after which an iteration fails with a did-not-converge
	// error.
	MaxRounds int `json:"maxRounds"`
	// RoundsPerStep is the number of rounds executed per step before yielding.
	RoundsPerStep int `json:"roundsPerStep"`
}

// LoggingConfig configures the logger of the command line tool.
type LoggingConfig struct {
	// Level is the verbosity: "error", "info", "debug" or a number, higher is more verbose.
	Level string `json:"level"`
	// Development enables human-readable development logging.
	Development bool `json:"development"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Trace:     TraceConfig{MaxBatches: 16, MergeFactor: 2},
		Scheduler: SchedulerConfig{BatchesPerStep: 16},
		Iterate:   IterateConfig{MaxRounds: 10000, RoundsPerStep: 64},
		Logging:   LoggingConfig{Level: "info"},
		Metrics:   MetricsConfig{Namespace: "ddflow"},
	}
}

// Parse parses a YAML configuration. Unset fields keep their defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads a YAML configuration from a file.
func Load(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(b)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch {
	case c.Trace.MaxBatches < 1:
		return fmt.Errorf("%w: trace.maxBatches must be positive, got %d", ErrInvalidConfig, c.Trace.MaxBatches)
	case c.Trace.MergeFactor < 1:
		return fmt.Errorf("%w: trace.mergeFactor must be positive, got %d", ErrInvalidConfig, c.Trace.MergeFactor)
	case c.Scheduler.BatchesPerStep < 1:
		return fmt.Errorf("%w: scheduler.batchesPerStep must be positive, got %d", ErrInvalidConfig,
			c.Scheduler.BatchesPerStep)
	case c.Iterate.MaxRounds < 1:
		return fmt.Errorf("%w: iterate.maxRounds must be positive, got %d", ErrInvalidConfig, c.Iterate.MaxRounds)
	case c.Iterate.RoundsPerStep < 1:
		return fmt.Errorf("%w: iterate.roundsPerStep must be positive, got %d", ErrInvalidConfig,
			c.Iterate.RoundsPerStep)
	}
	return nil
}

// String renders the configuration as YAML.
func (c *Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%#v", c)
	}
	return string(b)
}
