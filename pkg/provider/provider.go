// Package provider implements engine.Dispatcher for the remote services a
// bulk run talks to: Gemini generateContent (with Files API uploads), OpenAI
// chat completions and the US Census one-line address geocoder.
//
// Clients are explicit handles built from a Config; none of them keeps
// global state. Each response's status is mapped onto the retry error
// taxonomy so the engine can decide what to retry.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulkquery/pkg/ratelimit"
	"github.com/Sternrassler/bulkquery/pkg/retry"
)

// Prometheus metrics for provider HTTP calls.
var (
	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkquery_provider_requests_total",
		Help: "Total provider HTTP requests by provider, operation and status",
	}, []string{"provider", "operation", "status"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulkquery_provider_request_duration_seconds",
		Help:    "Provider HTTP request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider", "operation"})
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// errorExcerptBytes bounds the body excerpt carried in a ServiceError.
const errorExcerptBytes = 512

// transport is the HTTP plumbing shared by all clients.
type transport struct {
	name    string
	client  *http.Client
	tracker *ratelimit.Tracker
	logger  zerolog.Logger
}

func newTransport(name string, client *http.Client, tracker *ratelimit.Tracker, logger zerolog.Logger) transport {
	if client == nil {
		client = &http.Client{}
	}
	return transport{
		name:    name,
		client:  client,
		tracker: tracker,
		logger:  logger.With().Str("provider", name).Logger(),
	}
}

// do sends req and returns the response body. A non-2xx status becomes a
// *retry.ServiceError; the body is returned alongside it so the caller can
// record it. Rate limit headers are fed to the tracker on every response.
func (t transport) do(req *http.Request, operation string) ([]byte, error) {
	start := time.Now()
	resp, err := t.client.Do(req)
	providerRequestDuration.WithLabelValues(t.name, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		providerRequestsTotal.WithLabelValues(t.name, operation, "error").Inc()
		return nil, transportError(req.Context(), err)
	}
	defer resp.Body.Close()

	providerRequestsTotal.WithLabelValues(t.name, operation, strconv.Itoa(resp.StatusCode)).Inc()

	if t.tracker != nil {
		if err := t.tracker.UpdateFromHeaders(req.Context(), resp.Header); err != nil {
			t.logger.Debug().Err(err).Msg("Ignoring malformed rate limit headers")
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(req.Context(), fmt.Errorf("read response body: %w", err))
	}

	t.logger.Debug().
		Str("operation", operation).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Int("bytes", len(body)).
		Msg("Provider response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, retry.NewStatusError(resp.StatusCode, resp.Header, excerpt(body))
	}
	return body, nil
}

// transportError classifies a failure that produced no HTTP response.
func transportError(ctx context.Context, err error) error {
	class := retry.ClassOf(err)
	if class == retry.ErrorClassUnknown {
		class = retry.ErrorClassNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		class = retry.ErrorClassTimeout
	}
	return &retry.ServiceError{
		ErrorClass: class,
		Message:    "request failed",
		Err:        err,
	}
}

func excerpt(body []byte) string {
	if len(body) > errorExcerptBytes {
		return string(body[:errorExcerptBytes]) + "..."
	}
	return string(body)
}
