package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrIncomplete is returned by Summary.Err when not every item ended in
	// a Success outcome.
	ErrIncomplete = errors.New("batch incomplete")

	// ErrDeadlineReached marks a run stopped by its deadline or by
	// cancellation before every item was dispatched.
	ErrDeadlineReached = errors.New("run deadline reached")
)

// Stats counts item outcomes during a run. Counter fields use atomic
// operations for safe access from worker goroutines.
type Stats struct {
	total            atomic.Int64
	skipped          atomic.Int64
	previouslyFailed atomic.Int64
	succeeded        atomic.Int64
	failed           atomic.Int64
	recorded         atomic.Int64
	cached           atomic.Int64
	attempts         atomic.Int64
	retries          atomic.Int64
	inFlight         atomic.Int64
}

// Total returns the number of items received.
func (s *Stats) Total() int64 { return s.total.Load() }

// Skipped returns the number of items already recorded or duplicated in the batch.
func (s *Stats) Skipped() int64 { return s.skipped.Load() }

// Succeeded returns the number of Success records written this run.
func (s *Stats) Succeeded() int64 { return s.succeeded.Load() }

// Failed returns the number of Error records written this run.
func (s *Stats) Failed() int64 { return s.failed.Load() }

// Recorded returns the number of records written this run.
func (s *Stats) Recorded() int64 { return s.recorded.Load() }

// InFlight returns the number of attempts currently running.
func (s *Stats) InFlight() int64 { return s.inFlight.Load() }

// Retries returns the number of backoff sleeps taken.
func (s *Stats) Retries() int64 { return s.retries.Load() }

// Summary is the outcome of a run.
type Summary struct {
	RunID            string        `json:"run_id"`
	Total            int64         `json:"total"`
	Skipped          int64         `json:"skipped"`
	PreviouslyFailed int64         `json:"previously_failed"`
	Succeeded        int64         `json:"succeeded"`
	Failed           int64         `json:"failed"`
	Cached           int64         `json:"cached"`
	Unresolved       int64         `json:"unresolved"`
	Attempts         int64         `json:"attempts"`
	Retries          int64         `json:"retries"`
	DeadlineReached  bool          `json:"deadline_reached"`
	Duration         time.Duration `json:"duration"`
}

// Snapshot returns the current counters as a Summary.
func (s *Stats) Snapshot() Summary {
	sum := Summary{
		Total:            s.total.Load(),
		Skipped:          s.skipped.Load(),
		PreviouslyFailed: s.previouslyFailed.Load(),
		Succeeded:        s.succeeded.Load(),
		Failed:           s.failed.Load(),
		Cached:           s.cached.Load(),
		Attempts:         s.attempts.Load(),
		Retries:          s.retries.Load(),
	}
	sum.Unresolved = sum.Total - sum.Skipped - sum.Succeeded - sum.Failed
	if sum.Unresolved < 0 {
		sum.Unresolved = 0
	}
	return sum
}

// Err returns nil when every item ended in Success, now or in an earlier
// run. Otherwise it wraps ErrIncomplete, and ErrDeadlineReached when the
// run was cut short.
func (s Summary) Err() error {
	bad := s.Failed + s.PreviouslyFailed + s.Unresolved
	if bad == 0 {
		return nil
	}
	if s.DeadlineReached && s.Unresolved > 0 {
		return fmt.Errorf("%w: %w: %d failed, %d unresolved of %d",
			ErrIncomplete, ErrDeadlineReached, s.Failed+s.PreviouslyFailed, s.Unresolved, s.Total)
	}
	return fmt.Errorf("%w: %d failed, %d unresolved of %d",
		ErrIncomplete, s.Failed+s.PreviouslyFailed, s.Unresolved, s.Total)
}
