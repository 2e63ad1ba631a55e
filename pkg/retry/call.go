package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkquery_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulkquery_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkquery_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Gate is a scoped admission check, typically a rate limiter. The returned
// release function must be called exactly once when the attempt ends.
type Gate interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Throttler is implemented by gates that can pause every caller after a
// server-imposed rate limit.
type Throttler interface {
	Throttle(ctx context.Context, d time.Duration)
}

// Attempt performs one remote call. attempt is 1-based.
type Attempt func(ctx context.Context, attempt int) error

// Result describes how a Call ended.
type Result struct {
	Attempts       int
	SchemaFailures int
	Sleeps         int
	LastClass      ErrorClass
}

// Call executes attempts under a Gate with the retry Policy.
type Call struct {
	Policy *Policy
	Gate   Gate

	// CallContext, when set, parents each attempt instead of the ctx passed to
	// Do. The Do ctx still bounds waiting and backoff, so a dispatch deadline
	// stops new attempts while in-flight ones run to completion.
	CallContext context.Context

	// OnRetry, when set, is called after a failed attempt that will be
	// retried, before the backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)

	Logger zerolog.Logger
}

// Do runs fn until it succeeds, fails fatally, or attempts are exhausted.
//
// Errors:
//   - the fatal error itself (not wrapped) when Policy classifies it Fatal
//   - ErrRetryExhausted wrapping the last error
//   - ErrInterrupted wrapping ctx.Err() when ctx ends before the next attempt
func (c Call) Do(ctx context.Context, fn Attempt) (Result, error) {
	p := c.Policy
	if p == nil {
		def := DefaultPolicy()
		p = &def
	}
	parent := c.CallContext
	if parent == nil {
		parent = ctx
	}

	var res Result
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}

		err := c.attempt(ctx, parent, p, attempt, fn)
		if err == nil {
			res.Attempts = attempt
			res.LastClass = ""
			if attempt > 1 {
				c.Logger.Info().Int("attempt", attempt).Msg("Call succeeded after retry")
			}
			return res, nil
		}

		if ie, ok := err.(*interruptedError); ok {
			return res, ie.err
		}

		res.Attempts = attempt
		class := ClassOf(err)
		res.LastClass = class
		if class == ErrorClassSchema {
			res.SchemaFailures++
		}

		if !p.ShouldRetry(err, attempt, res.SchemaFailures) {
			if attempt >= p.MaxAttempts && (p.Classify(err) == Retryable || class == ErrorClassSchema) {
				retryExhaustedTotal.WithLabelValues(string(class)).Inc()
				c.Logger.Warn().
					Str("error_class", string(class)).
					Int("max_attempts", p.MaxAttempts).
					Msg("Retry attempts exhausted")
				return res, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
			}
			return res, err
		}

		hint := RetryAfterOf(err)
		delay := p.NextDelay(attempt, hint)
		if hint > 0 && class == ErrorClassRateLimit {
			if t, ok := c.Gate.(Throttler); ok {
				t.Throttle(ctx, delay)
			}
		}

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		c.Logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying after backoff")

		if c.OnRetry != nil {
			c.OnRetry(attempt, err, delay)
		}

		res.Sleeps++
		if err := p.sleep(ctx, delay); err != nil {
			c.Logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context ended during retry backoff")
			return res, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
	}
}

// interruptedError marks a failure to start an attempt (gate wait ended).
type interruptedError struct{ err error }

func (e *interruptedError) Error() string { return e.err.Error() }
func (e *interruptedError) Unwrap() error { return e.err }

// attempt acquires the gate, runs fn and releases the gate on every exit path.
func (c Call) attempt(ctx, parent context.Context, p *Policy, n int, fn Attempt) error {
	release := func() {}
	if c.Gate != nil {
		r, err := c.Gate.Acquire(ctx)
		if err != nil {
			return &interruptedError{err: fmt.Errorf("%w: %w", ErrInterrupted, err)}
		}
		release = r
	}
	defer release()

	actx := parent
	if p.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(parent, p.AttemptTimeout)
		defer cancel()
	}

	return fn(actx, n)
}
