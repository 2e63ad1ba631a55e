// Package engine executes a batch of independent work items against a slow,
// quota-limited and unreliable remote service.
//
// An Engine paces dispatch starts with a shared ratelimit.Limiter, retries
// transient failures with retry.Call, validates each answer against the
// item's output schema and appends exactly one checkpoint.Record per item to
// an append-only log. Items already present in the log are skipped, so a
// run can be repeated against the same log until every item is recorded.
//
// Per-item failures never abort a run; they become Error records. Only a
// checkpoint write failure halts the batch.
package engine

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/bulkquery/pkg/checkpoint"
	"github.com/Sternrassler/bulkquery/pkg/ratelimit"
	"github.com/Sternrassler/bulkquery/pkg/retry"
)

// Prometheus metrics for dispatching.
var (
	dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkquery_dispatches_total",
		Help: "Total number of dispatch attempts by outcome",
	}, []string{"outcome"})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulkquery_dispatch_duration_seconds",
		Help:    "Duration of single dispatch attempts",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkquery_items_total",
		Help: "Total number of work items by final state",
	}, []string{"state"})
)

// Engine is the composition root of a bulk run. Construct it once with New
// and call Run; an Engine may run several batches one after another.
type Engine struct {
	cfg        Config
	dispatcher Dispatcher
	model      string
	logger     zerolog.Logger

	limiter    *ratelimit.Limiter
	tracker    *ratelimit.Tracker
	recorder   Recorder
	cache      ResponseCache
	observer   Observer
	policyHook func(*retry.Policy)

	mu      sync.Mutex
	current *runState
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithLimiter shares an existing limiter instead of building one from Config.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithTracker attaches a quota tracker to the limiter built from Config.
func WithTracker(t *ratelimit.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// WithRecorder replaces the checkpoint log opened from Config.CheckpointPath.
// The caller owns its lifetime.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithCache enables the response cache.
func WithCache(c ResponseCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithObserver reports every item state change to fn.
func WithObserver(fn Observer) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithPolicy adjusts the retry policy derived from Config.
func WithPolicy(fn func(*retry.Policy)) Option {
	return func(e *Engine) { e.policyHook = fn }
}

// New creates an Engine for dispatcher d.
func New(cfg Config, d Dispatcher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}

	e := &Engine{
		cfg:        cfg,
		dispatcher: d,
		model:      cfg.Model,
		logger:     zerolog.Nop(),
	}
	if m, ok := d.(Modeler); ok && m.Model() != "" {
		e.model = m.Model()
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.limiter == nil {
		l, err := ratelimit.NewLimiter(ratelimit.Config{
			Name:        "dispatch",
			RPS:         cfg.RPS,
			MaxInFlight: cfg.MaxInflight,
		}, e.tracker, e.logger)
		if err != nil {
			return nil, err
		}
		e.limiter = l
	}

	return e, nil
}

// Limiter returns the dispatch limiter.
func (e *Engine) Limiter() *ratelimit.Limiter {
	return e.limiter
}

// Model returns the model ID stamped on records.
func (e *Engine) Model() string {
	return e.model
}

// Run processes items and returns when every item is recorded, the
// deadline is reached or ctx is canceled. Canceling ctx stops new
// dispatches; attempts already in flight finish or time out.
//
// The returned error is non-nil only when the run could not continue
// (checkpoint I/O failure). Use Summary.Err to turn per-item outcomes into
// an exit status.
func (e *Engine) Run(ctx context.Context, items []WorkItem) (Summary, error) {
	return e.run(ctx, slices.Values(items), int64(len(items)))
}

// RunSeq is Run for a streamed batch. Items not consumed before the
// deadline are not counted in the Summary.
func (e *Engine) RunSeq(ctx context.Context, items iter.Seq[WorkItem]) (Summary, error) {
	return e.run(ctx, items, -1)
}

// job is one item handed from the feeder to a worker.
type job struct {
	item      WorkItem
	schema    *jsonschema.Schema
	schemaErr error
}

// runState is the per-run wiring shared by workers. Only stats and the
// recorder are mutated concurrently.
type runState struct {
	id       string
	started  time.Time
	finished time.Time // guarded by Engine.mu
	logger   zerolog.Logger
	stats    *Stats
	recorder Recorder
	policy   *retry.Policy
	callCtx  context.Context
}

func (e *Engine) run(ctx context.Context, items iter.Seq[WorkItem], total int64) (sum Summary, err error) {
	r := &runState{
		id:      ulid.Make().String(),
		started: time.Now(),
		stats:   &Stats{},
	}
	r.logger = e.logger.With().Str("run_id", r.id).Logger()
	if total >= 0 {
		r.stats.total.Store(total)
	}

	r.recorder = e.recorder
	if r.recorder == nil {
		log, openErr := checkpoint.Open(e.cfg.CheckpointPath, e.cfg.FlushEvery,
			r.logger.With().Str("component", "checkpoint").Logger())
		if openErr != nil {
			return Summary{RunID: r.id}, openErr
		}
		r.recorder = log
		defer func() {
			if closeErr := log.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
	}

	policy := e.cfg.policy()
	if e.policyHook != nil {
		e.policyHook(&policy)
	}
	r.policy = &policy

	e.mu.Lock()
	e.current = r
	e.mu.Unlock()

	var (
		dispatchCtx    context.Context
		cancelDispatch context.CancelFunc
	)
	if e.cfg.Deadline > 0 {
		dispatchCtx, cancelDispatch = context.WithTimeout(ctx, e.cfg.Deadline)
	} else {
		dispatchCtx, cancelDispatch = context.WithCancel(ctx)
	}
	defer cancelDispatch()

	callCtx, cancelCalls := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCalls()
	r.callCtx = callCtx

	r.logger.Info().
		Str("model", e.model).
		Int64("total", total).
		Float64("rps", e.cfg.RPS).
		Int("max_inflight", e.cfg.MaxInflight).
		Int("workers", e.cfg.PoolSize()).
		Msg("Starting run")

	g, gctx := errgroup.WithContext(dispatchCtx)
	jobs := make(chan job)

	g.Go(func() error {
		defer close(jobs)
		return e.feed(gctx, items, total < 0, jobs, r)
	})

	for w := 0; w < e.cfg.PoolSize(); w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j, ok := <-jobs:
					if !ok {
						return nil
					}
					if err := e.process(gctx, j, r); err != nil {
						cancelCalls()
						return err
					}
				}
			}
		})
	}

	err = g.Wait()

	e.mu.Lock()
	r.finished = time.Now()
	e.mu.Unlock()

	sum = r.stats.Snapshot()
	sum.RunID = r.id
	sum.Duration = r.finished.Sub(r.started)
	sum.DeadlineReached = dispatchCtx.Err() != nil && sum.Unresolved > 0
	itemsTotal.WithLabelValues("unresolved").Add(float64(sum.Unresolved))

	if err != nil {
		r.logger.Error().Err(err).Msg("Run halted")
		return sum, err
	}

	ev := r.logger.Info()
	if sum.DeadlineReached {
		ev = r.logger.Warn()
	}
	ev.
		Int64("total", sum.Total).
		Int64("skipped", sum.Skipped).
		Int64("succeeded", sum.Succeeded).
		Int64("failed", sum.Failed).
		Int64("unresolved", sum.Unresolved).
		Int64("retries", sum.Retries).
		Dur("duration", sum.Duration).
		Bool("deadline_reached", sum.DeadlineReached).
		Msg("Run finished")

	return sum, nil
}

// feed hands unrecorded items to workers. It owns the batch-local dedupe set
// and schema cache, so neither is shared with workers.
func (e *Engine) feed(ctx context.Context, items iter.Seq[WorkItem], count bool, jobs chan<- job, r *runState) error {
	seen := make(map[string]struct{})
	schemas := newSchemaSet()

	for item := range items {
		if ctx.Err() != nil {
			return nil
		}
		if count {
			r.stats.total.Add(1)
		}

		if item.ID == "" {
			r.logger.Warn().Msg("Work item without item_id left unresolved")
			continue
		}
		if _, dup := seen[item.ID]; dup {
			r.stats.skipped.Add(1)
			itemsTotal.WithLabelValues("skipped").Inc()
			r.logger.Warn().Str("item_id", item.ID).Msg("Duplicate item_id in batch, skipping")
			continue
		}
		seen[item.ID] = struct{}{}

		if succeeded, found := r.recorder.Lookup(item.ID); found {
			r.stats.skipped.Add(1)
			if !succeeded {
				r.stats.previouslyFailed.Add(1)
			}
			itemsTotal.WithLabelValues("skipped").Inc()
			r.logger.Debug().Str("item_id", item.ID).Msg("Item already recorded, skipping")
			continue
		}

		sch, schErr := schemas.compile(item.OutputSchema)
		select {
		case jobs <- job{item: item, schema: sch, schemaErr: schErr}:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// Progress is a point-in-time view of the current or last run.
type Progress struct {
	RunID     string                 `json:"run_id"`
	StartedAt time.Time              `json:"started_at"`
	Running   bool                   `json:"running"`
	Model     string                 `json:"model"`
	Summary   Summary                `json:"summary"`
	InFlight  int64                  `json:"in_flight"`
	Limiter   ratelimit.LimiterState `json:"limiter"`
}

// Progress returns the state of the current or last run. It returns false
// before the first run starts.
func (e *Engine) Progress(ctx context.Context) (Progress, bool) {
	e.mu.Lock()
	r := e.current
	var finished time.Time
	if r != nil {
		finished = r.finished
	}
	e.mu.Unlock()
	if r == nil {
		return Progress{}, false
	}

	sum := r.stats.Snapshot()
	sum.RunID = r.id
	if finished.IsZero() {
		sum.Duration = time.Since(r.started)
	} else {
		sum.Duration = finished.Sub(r.started)
	}
	return Progress{
		RunID:     r.id,
		StartedAt: r.started,
		Running:   finished.IsZero(),
		Model:     e.model,
		Summary:   sum,
		InFlight:  r.stats.InFlight(),
		Limiter:   e.limiter.Snapshot(ctx),
	}, true
}
