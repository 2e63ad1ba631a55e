package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request gating.
var (
	limiterWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulkquery_limiter_wait_seconds",
		Help:    "Time spent waiting for a dispatch slot",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"limiter"})

	limiterInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulkquery_limiter_in_flight",
		Help: "Number of dispatch slots currently held",
	}, []string{"limiter"})
)

// Config holds the limiter parameters.
type Config struct {
	// Name labels the limiter in logs and metrics.
	Name string

	// RPS is the target request starts per second.
	RPS float64

	// MaxInFlight caps the number of concurrently held slots.
	MaxInFlight int
}

// Limiter paces dispatch starts and caps concurrent in-flight calls.
//
// Acquire blocks until a slot is free, any quota cooldown has elapsed and at
// least 1/RPS has passed since the previous start. It never fails except when
// ctx ends. The release function it returns must be called exactly once;
// calling it again is a no-op.
type Limiter struct {
	cfg     Config
	sem     *semaphore.Weighted
	pace    *rate.Limiter
	tracker *Tracker
	logger  zerolog.Logger

	inFlight   atomic.Int64
	dispatched atomic.Int64
}

// NewLimiter creates a limiter. A nil tracker gets a private in-memory one.
func NewLimiter(cfg Config, tracker *Tracker, logger zerolog.Logger) (*Limiter, error) {
	if cfg.RPS <= 0 {
		return nil, fmt.Errorf("rps must be positive, got %v", cfg.RPS)
	}
	if cfg.MaxInFlight <= 0 {
		return nil, fmt.Errorf("max in-flight must be positive, got %d", cfg.MaxInFlight)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if tracker == nil {
		tracker = NewTracker(nil, cfg.Name, logger)
	}

	return &Limiter{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		pace:    rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		tracker: tracker,
		logger:  logger.With().Str("limiter", cfg.Name).Logger(),
	}, nil
}

// Acquire reserves a dispatch slot.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for in-flight slot: %w", err)
	}

	if err := l.tracker.Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, fmt.Errorf("wait for quota cooldown: %w", err)
	}

	if err := l.pace.Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}

	waited := time.Since(start)
	limiterWaitSeconds.WithLabelValues(l.cfg.Name).Observe(waited.Seconds())
	n := l.inFlight.Add(1)
	l.dispatched.Add(1)
	limiterInFlight.WithLabelValues(l.cfg.Name).Set(float64(n))

	l.logger.Debug().
		Int64("in_flight", n).
		Dur("waited", waited).
		Msg("Dispatch slot acquired")

	var once sync.Once
	return func() {
		once.Do(func() {
			n := l.inFlight.Add(-1)
			limiterInFlight.WithLabelValues(l.cfg.Name).Set(float64(n))
			l.sem.Release(1)
		})
	}, nil
}

// Throttle pauses all new dispatches for d. Errors from a shared tracker are
// logged; the caller's own backoff still applies.
func (l *Limiter) Throttle(ctx context.Context, d time.Duration) {
	if err := l.tracker.Block(ctx, time.Now().Add(d)); err != nil {
		l.logger.Warn().Err(err).Dur("cooldown", d).Msg("Failed to record quota cooldown")
	}
}

// Tracker returns the quota tracker consulted by Acquire.
func (l *Limiter) Tracker() *Tracker {
	return l.tracker
}

// Snapshot returns the current limiter state.
func (l *Limiter) Snapshot(ctx context.Context) LimiterState {
	s := LimiterState{
		Name:        l.cfg.Name,
		RPS:         l.cfg.RPS,
		MaxInFlight: l.cfg.MaxInFlight,
		InFlight:    int(l.inFlight.Load()),
		Dispatched:  l.dispatched.Load(),
	}
	if q, err := l.tracker.GetState(ctx); err == nil && q.IsBlocked(time.Now()) {
		s.CooldownUntil = q.BlockedUntil
	}
	return s
}
