// Package retry classifies remote call failures and computes backoff delays.
// It also provides Call, the single rate-limited retrying call used by the
// engine's workers and by provider upload subtasks.
package retry

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"math"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// Verdict is the outcome of classifying an error.
type Verdict int

const (
	// Fatal errors are recorded immediately and never retried.
	Fatal Verdict = iota

	// Retryable errors are retried while attempts remain.
	Retryable
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	if v == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Policy holds the retry configuration.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// MaxSchemaRetries bounds how many times a schema validation failure is retried.
	MaxSchemaRetries int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff (before jitter).
	MaxDelay time.Duration

	// MaxRetryAfter caps server-supplied Retry-After hints.
	MaxRetryAfter time.Duration

	// AttemptTimeout bounds each individual attempt. Zero disables it.
	AttemptTimeout time.Duration

	// Jitter returns a value in [0,1). Defaults to math/rand.
	Jitter func() float64

	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the default retry configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      5,
		MaxSchemaRetries: 1,
		BaseDelay:        1 * time.Second,
		MaxDelay:         30 * time.Second,
		MaxRetryAfter:    60 * time.Second,
		AttemptTimeout:   120 * time.Second,
	}
}

// Classify decides whether err is worth retrying. Only rate limits,
// timeouts, server errors and transient network failures are; anything
// unrecognised is fatal.
func (p *Policy) Classify(err error) Verdict {
	switch ClassOf(err) {
	case ErrorClassRateLimit, ErrorClassTimeout, ErrorClassServer, ErrorClassNetwork:
		return Retryable
	default:
		return Fatal
	}
}

// ClassOf returns the ErrorClass of err.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return ErrorClassSchema
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		if reqErr.ErrorClass != "" {
			return reqErr.ErrorClass
		}
		return ErrorClassClient
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.ErrorClass != "" {
		return svcErr.ErrorClass
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	case errors.Is(err, context.Canceled):
		return ErrorClassCanceled
	case errors.Is(err, fs.ErrNotExist):
		return ErrorClassNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorClassClient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorClassTimeout
		}
		return ErrorClassNetwork
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return ErrorClassNetwork
	}

	return ErrorClassUnknown
}

// NextDelay returns how long to wait before the attempt following attempt.
// A positive server hint wins (capped at MaxRetryAfter); otherwise the delay is
// min(MaxDelay, BaseDelay*2^(attempt-1)) scaled by a jitter factor in [1.0, 1.25).
func (p *Policy) NextDelay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if p.MaxRetryAfter > 0 && hint > p.MaxRetryAfter {
			return p.MaxRetryAfter
		}
		return hint
	}

	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}

	return time.Duration(backoff * (1 + p.jitter()*0.25))
}

// ShouldRetry reports whether another attempt is allowed after err failed
// attempt number attempt. schemaFailures counts schema validation failures so far,
// including this one.
func (p *Policy) ShouldRetry(err error, attempt, schemaFailures int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if ClassOf(err) == ErrorClassSchema {
		return schemaFailures <= p.MaxSchemaRetries
	}
	return p.Classify(err) == Retryable
}

func (p *Policy) jitter() float64 {
	if p.Jitter != nil {
		return p.Jitter()
	}
	return rand.Float64()
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
