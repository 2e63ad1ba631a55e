package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/bulkquery/pkg/retry"
)

// Config holds the engine configuration.
type Config struct {
	// Model is recorded on every record when the Dispatcher does not
	// implement Modeler.
	Model string

	// RPS is the target dispatch starts per second.
	RPS float64

	// MaxInflight caps concurrent outstanding calls.
	MaxInflight int

	// MaxWorkers bounds the pool; the pool size is min(MaxWorkers, 2*MaxInflight).
	MaxWorkers int

	// MaxRetries is the total number of attempts per item.
	MaxRetries int

	// MaxSchemaRetries bounds retries after schema validation failures.
	MaxSchemaRetries int

	// PerRequestTimeout bounds each attempt.
	PerRequestTimeout time.Duration

	// CheckpointPath is the NDJSON log file.
	CheckpointPath string

	// FlushEvery syncs the log every N records; it is always synced on close.
	FlushEvery int

	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetryAfter time.Duration

	// Deadline stops new dispatches after the given run time. Zero disables it.
	Deadline time.Duration

	// MaxAttachments rejects items with more attachments. Zero disables it.
	MaxAttachments int

	// ProgressEvery logs progress every N recorded items. Zero disables it.
	ProgressEvery int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		RPS:               2,
		MaxInflight:       2,
		MaxWorkers:        8,
		MaxRetries:        5,
		MaxSchemaRetries:  1,
		PerRequestTimeout: 120 * time.Second,
		CheckpointPath:    "checkpoint.ndjson",
		FlushEvery:        10,
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		MaxRetryAfter:     60 * time.Second,
		MaxAttachments:    5,
		ProgressEvery:     50,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.RPS <= 0 {
		errs = append(errs, fmt.Errorf("rps must be positive, got %v", c.RPS))
	}
	if c.MaxInflight <= 0 {
		errs = append(errs, fmt.Errorf("max_inflight must be positive, got %d", c.MaxInflight))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries))
	}
	if c.MaxSchemaRetries < 0 {
		errs = append(errs, fmt.Errorf("max_schema_retries must not be negative, got %d", c.MaxSchemaRetries))
	}
	if c.PerRequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("per_request_timeout must not be negative, got %v", c.PerRequestTimeout))
	}
	if c.CheckpointPath == "" {
		errs = append(errs, errors.New("checkpoint_path is required"))
	}
	if c.Deadline < 0 {
		errs = append(errs, fmt.Errorf("deadline must not be negative, got %v", c.Deadline))
	}
	return errors.Join(errs...)
}

// PoolSize returns the number of workers: min(MaxWorkers, 2*MaxInflight).
func (c Config) PoolSize() int {
	return min(c.MaxWorkers, 2*c.MaxInflight)
}

func (c Config) policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = c.MaxRetries
	p.MaxSchemaRetries = c.MaxSchemaRetries
	p.AttemptTimeout = c.PerRequestTimeout
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.MaxRetryAfter > 0 {
		p.MaxRetryAfter = c.MaxRetryAfter
	}
	return p
}
