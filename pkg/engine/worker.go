package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulkquery/pkg/checkpoint"
	"github.com/Sternrassler/bulkquery/pkg/retry"
)

// process drives one item from Pending to Recorded. It returns an error only
// when the record could not be written; every other failure becomes an
// Error record, and an interrupted dispatch leaves the item unresolved.
func (e *Engine) process(ctx context.Context, j job, r *runState) error {
	item := j.item
	logger := r.logger.With().Str("item_id", item.ID).Logger()
	st := newItemState(item.ID, logger, e.observer)

	if j.schemaErr != nil {
		st.to(StateFatalFailure)
		return e.record(st, r, logger, failureRecord(item.ID, e.model, j.schemaErr, nil, 0))
	}

	if err := e.preflight(item); err != nil {
		st.to(StateFatalFailure)
		return e.record(st, r, logger, failureRecord(item.ID, e.model, err, nil, 1))
	}

	if e.cache != nil {
		if rec, ok := e.fromCache(ctx, j, logger); ok {
			st.to(StateSucceeded)
			r.stats.cached.Add(1)
			return e.record(st, r, logger, rec)
		}
	}

	toSend := item
	if p, ok := e.dispatcher.(Preparer); ok {
		prepared, err := p.Prepare(ctx, item)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, retry.ErrInterrupted) {
				logger.Info().Err(err).Msg("Preparation interrupted, item left unresolved")
				return nil
			}
			st.to(StateFatalFailure)
			return e.record(st, r, logger, failureRecord(item.ID, e.model, err, nil, 0))
		}
		toSend = prepared
	}

	var (
		output  json.RawMessage
		lastRaw json.RawMessage
	)

	st.to(StateDispatching)
	call := retry.Call{
		Policy:      r.policy,
		Gate:        e.limiter,
		CallContext: r.callCtx,
		Logger:      logger,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			st.to(StateRetryableFailure)
			st.to(StateDispatching)
			r.stats.retries.Add(1)
		},
	}

	res, err := call.Do(ctx, func(actx context.Context, attempt int) error {
		st.to(StateInFlight)
		r.stats.attempts.Add(1)
		r.stats.inFlight.Add(1)
		defer r.stats.inFlight.Add(-1)

		start := time.Now()
		resp, err := e.dispatcher.Dispatch(actx, toSend)
		dispatchDuration.Observe(time.Since(start).Seconds())
		if len(resp.Raw) > 0 {
			lastRaw = resp.Raw
		}
		if err != nil {
			dispatchesTotal.WithLabelValues("error").Inc()
			return err
		}

		out, err := validateOutput(resp.Output, j.schema)
		if err != nil {
			dispatchesTotal.WithLabelValues("invalid").Inc()
			return err
		}
		dispatchesTotal.WithLabelValues("success").Inc()
		output = out
		return nil
	})

	if err == nil {
		st.to(StateSucceeded)
		if e.cache != nil {
			if cerr := e.cache.Store(r.callCtx, e.model, item, Response{Output: string(output), Raw: lastRaw}); cerr != nil {
				logger.Warn().Err(cerr).Msg("Failed to store response in cache")
			}
		}
		return e.record(st, r, logger, checkpoint.NewSuccess(item.ID, e.model, output, lastRaw, res.Attempts))
	}

	// A halted run cancels calls still in flight; their outcome is unknown.
	if errors.Is(err, retry.ErrInterrupted) || r.callCtx.Err() != nil {
		logger.Info().
			Int("attempt", res.Attempts).
			Msg("Dispatch stopped before completion, item left unresolved")
		return nil
	}

	if st.state == StateInFlight && errors.Is(err, retry.ErrRetryExhausted) {
		st.to(StateRetryableFailure)
	}
	st.to(StateFatalFailure)
	return e.record(st, r, logger, failureRecord(item.ID, e.model, err, lastRaw, res.Attempts))
}

// fromCache returns a Success record for a cached response that still
// passes the item's schema.
func (e *Engine) fromCache(ctx context.Context, j job, logger zerolog.Logger) (checkpoint.Record, bool) {
	resp, err := e.cache.Lookup(ctx, e.model, j.item)
	if err != nil {
		logger.Warn().Err(err).Msg("Cache lookup failed")
		return checkpoint.Record{}, false
	}
	if resp == nil {
		return checkpoint.Record{}, false
	}

	out, err := validateOutput(resp.Output, j.schema)
	if err != nil {
		logger.Debug().Err(err).Msg("Cached response no longer valid, dispatching")
		return checkpoint.Record{}, false
	}

	rec := checkpoint.NewSuccess(j.item.ID, e.model, out, resp.Raw, 0)
	rec.Cached = true
	return rec, true
}

// record appends rec and updates counters. An append failure halts the run.
func (e *Engine) record(st *itemState, r *runState, logger zerolog.Logger, rec checkpoint.Record) error {
	if err := r.recorder.Append(rec); err != nil {
		var ioErr *checkpoint.IOError
		if !errors.As(err, &ioErr) {
			err = &checkpoint.IOError{Op: "append", Err: err}
		}
		logger.Error().Err(err).Msg("Checkpoint write failed, halting run")
		return err
	}
	st.to(StateRecorded)

	if rec.Succeeded() {
		r.stats.succeeded.Add(1)
		itemsTotal.WithLabelValues("succeeded").Inc()
		logger.Debug().Int("attempt", rec.AttemptCount).Bool("cached", rec.Cached).Msg("Item succeeded")
	} else {
		r.stats.failed.Add(1)
		itemsTotal.WithLabelValues("failed").Inc()
		logger.Error().
			Str("error_class", rec.ErrorClass).
			Int("attempt", rec.AttemptCount).
			Str("error", *rec.Error).
			Msg("Item failed")
	}

	n := r.stats.recorded.Add(1)
	if every := int64(e.cfg.ProgressEvery); every > 0 && n%every == 0 {
		sum := r.stats.Snapshot()
		r.logger.Info().
			Int64("done", n).
			Int64("total", sum.Total-sum.Skipped).
			Int64("succeeded", sum.Succeeded).
			Int64("failed", sum.Failed).
			Int64("in_flight", r.stats.InFlight()).
			Msg("Progress")
	}
	return nil
}

// preflight rejects items that cannot succeed before any network call:
// too many attachments, or local attachment files that are missing.
func (e *Engine) preflight(item WorkItem) error {
	if limit := e.cfg.MaxAttachments; limit > 0 && len(item.Attachments) > limit {
		return retry.NewRequestError(retry.ErrorClassClient,
			fmt.Sprintf("%d attachments exceed the limit of %d", len(item.Attachments), limit), nil)
	}

	for _, a := range item.Attachments {
		path, ok := LocalPath(a.Ref)
		if !ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return retry.NewRequestError(retry.ErrorClassNotFound,
				fmt.Sprintf("attachment %q unreadable", a.Label), err)
		}
		if info.IsDir() {
			return retry.NewRequestError(retry.ErrorClassClient,
				fmt.Sprintf("attachment %q is a directory", a.Label), nil)
		}
	}
	return nil
}

// LocalPath returns the file path of a local attachment reference. Refs
// with a URL scheme other than file:// are remote.
func LocalPath(ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil || len(u.Scheme) <= 1 {
		// No scheme, or a Windows drive letter.
		return ref, true
	}
	if u.Scheme == "file" {
		return u.Path, true
	}
	return "", false
}

func failureRecord(itemID, model string, err error, raw json.RawMessage, attempts int) checkpoint.Record {
	return checkpoint.NewFailure(itemID, model, string(retry.ClassOf(err)), err.Error(), raw, attempts)
}
