package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulkquery/pkg/engine"
	"github.com/Sternrassler/bulkquery/pkg/retry"
)

// Census defaults.
const (
	DefaultCensusEndpoint  = "https://geocoding.geo.census.gov/geocoder/locations/onelineaddress"
	DefaultCensusBenchmark = "Public_AR_Current"
)

// CensusConfig configures a Census geocoder client.
type CensusConfig struct {
	Endpoint   string
	Benchmark  string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Census geocodes one-line addresses. The item prompt is the address; the
// output is a JSON object describing the best match.
type Census struct {
	cfg       CensusConfig
	transport transport
}

var (
	_ engine.Dispatcher = (*Census)(nil)
	_ engine.Modeler    = (*Census)(nil)
)

// NewCensus creates a Census geocoder client.
func NewCensus(cfg CensusConfig) *Census {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultCensusEndpoint
	}
	if cfg.Benchmark == "" {
		cfg.Benchmark = DefaultCensusBenchmark
	}
	return &Census{
		cfg:       cfg,
		transport: newTransport("census", cfg.HTTPClient, nil, cfg.Logger),
	}
}

// Model returns the geocoder benchmark, which plays the role of a model ID.
func (c *Census) Model() string {
	return "census/" + c.cfg.Benchmark
}

// GeocodeResult is the recorded output of one geocoding request.
type GeocodeResult struct {
	Query          string   `json:"query"`
	Matched        bool     `json:"matched"`
	MatchedAddress string   `json:"matched_address,omitempty"`
	Lng            *float64 `json:"lng,omitempty"`
	Lat            *float64 `json:"lat,omitempty"`
	TigerLineID    string   `json:"tigerline_id,omitempty"`
	Side           string   `json:"side,omitempty"`
}

type censusResponse struct {
	Result struct {
		AddressMatches []struct {
			MatchedAddress string `json:"matchedAddress"`
			Coordinates    struct {
				X *float64 `json:"x"`
				Y *float64 `json:"y"`
			} `json:"coordinates"`
			TigerLine struct {
				TigerLineID string `json:"tigerLineId"`
				Side        string `json:"side"`
			} `json:"tigerLine"`
		} `json:"addressMatches"`
	} `json:"result"`
	Errors []string `json:"errors"`
}

// Dispatch geocodes item.Prompt.
func (c *Census) Dispatch(ctx context.Context, item engine.WorkItem) (engine.Response, error) {
	query := strings.TrimSpace(item.Prompt)
	if query == "" {
		return engine.Response{}, retry.NewRequestError(retry.ErrorClassClient, "empty address", nil)
	}

	params := url.Values{
		"address":   {query},
		"benchmark": {c.cfg.Benchmark},
		"format":    {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return engine.Response{}, retry.NewRequestError(retry.ErrorClassClient, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.transport.do(req, "geocode")
	raw := rawJSON(body)
	if err != nil {
		return engine.Response{Raw: raw}, err
	}

	var res censusResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return engine.Response{Raw: raw}, &retry.ServiceError{
			StatusCode: http.StatusOK,
			ErrorClass: retry.ErrorClassServer,
			Message:    "unparseable geocoder response",
			Err:        err,
		}
	}
	if len(res.Errors) > 0 {
		return engine.Response{Raw: raw}, retry.NewRequestError(retry.ErrorClassClient,
			"geocoder rejected address: "+strings.Join(res.Errors, "; "), nil)
	}

	out := GeocodeResult{Query: query}
	if matches := res.Result.AddressMatches; len(matches) > 0 {
		m := matches[0]
		out.Matched = true
		out.MatchedAddress = m.MatchedAddress
		out.Lng = m.Coordinates.X
		out.Lat = m.Coordinates.Y
		out.TigerLineID = m.TigerLine.TigerLineID
		out.Side = m.TigerLine.Side
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return engine.Response{Raw: raw}, fmt.Errorf("encode geocode result: %w", err)
	}
	return engine.Response{Output: string(encoded), Raw: raw}, nil
}

// OneLineAddress builds the address string the geocoder expects for a
// street intersection, e.g. "BROADWAY AND W 42 ST, New York, NY".
func OneLineAddress(streets []string, city, state, zip string) string {
	names := make([]string, 0, len(streets))
	for _, s := range streets {
		if s = normalizeStreet(s); s != "" {
			names = append(names, s)
		}
	}

	parts := make([]string, 0, 4)
	for _, p := range []string{strings.Join(names, " AND "), city, state, zip} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func normalizeStreet(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
