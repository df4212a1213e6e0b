package orchestrator

import (
	"errors"
	"time"
)

// Defaults for Config.
const (
	DefaultGroupSize         = 30
	DefaultMiniBatchSize     = 5
	DefaultMaxExecutionTime  = 6 * time.Minute
	DefaultSafetyMargin      = time.Minute
	DefaultMinGroupTime      = time.Minute
	DefaultContinuationDelay = 7 * time.Minute
	DefaultBusyRetryDelay    = 2 * time.Minute
	DefaultNewRunLockWait    = 10 * time.Second
	DefaultContinueLockWait  = 30 * time.Second
)

// Config bounds the work done by a single invocation.
type Config struct {
	GroupSize     int `mapstructure:"group_size"`
	MiniBatchSize int `mapstructure:"mini_batch_size"`
	// MaxExecutionTime is the host's hard limit per invocation; the
	// orchestrator stops dispatching SafetyMargin before it.
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`
	SafetyMargin     time.Duration `mapstructure:"safety_margin"`
	// MinGroupTime is the budget a group must have left to start.
	MinGroupTime      time.Duration `mapstructure:"min_group_time"`
	ContinuationDelay time.Duration `mapstructure:"continuation_delay"`
	BusyRetryDelay    time.Duration `mapstructure:"busy_retry_delay"`
	NewRunLockWait    time.Duration `mapstructure:"new_run_lock_wait"`
	ContinueLockWait  time.Duration `mapstructure:"continue_lock_wait"`
	ArchiveStoreID    string        `mapstructure:"archive_store_id"`
}

// DefaultConfig returns the production budget.
func DefaultConfig() Config {
	return Config{
		GroupSize:         DefaultGroupSize,
		MiniBatchSize:     DefaultMiniBatchSize,
		MaxExecutionTime:  DefaultMaxExecutionTime,
		SafetyMargin:      DefaultSafetyMargin,
		MinGroupTime:      DefaultMinGroupTime,
		ContinuationDelay: DefaultContinuationDelay,
		BusyRetryDelay:    DefaultBusyRetryDelay,
		NewRunLockWait:    DefaultNewRunLockWait,
		ContinueLockWait:  DefaultContinueLockWait,
	}
}

// Budget is the effective time an invocation may spend dispatching.
func (c Config) Budget() time.Duration {
	return c.MaxExecutionTime - c.SafetyMargin
}

// Validate checks sizes and durations.
func (c Config) Validate() error {
	switch {
	case c.GroupSize <= 0 || c.MiniBatchSize <= 0:
		return errors.New("group and mini-batch sizes must be positive")
	case c.MiniBatchSize > c.GroupSize:
		return errors.New("mini-batch size must not exceed group size")
	case c.Budget() <= 0:
		return errors.New("max execution time must exceed the safety margin")
	case c.MinGroupTime < 0 || c.ContinuationDelay <= 0 || c.BusyRetryDelay <= 0:
		return errors.New("continuation delays must be positive")
	case c.NewRunLockWait < 0 || c.ContinueLockWait < 0:
		return errors.New("lock waits must not be negative")
	}
	return nil
}
