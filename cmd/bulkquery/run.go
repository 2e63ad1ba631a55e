package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/bulkquery/pkg/cache"
	"github.com/Sternrassler/bulkquery/pkg/engine"
	"github.com/Sternrassler/bulkquery/pkg/logging"
	"github.com/Sternrassler/bulkquery/pkg/provider"
	"github.com/Sternrassler/bulkquery/pkg/ratelimit"
	"github.com/Sternrassler/bulkquery/pkg/server"
)

// runOptions are the run flags that do not map onto engine.Config.
type runOptions struct {
	input      string
	provider   string
	model      string
	redisURL   string
	cacheTTL   time.Duration
	noCache    bool
	statusAddr string

	geminiKey       string
	geminiEndpoint  string
	inline          bool
	openaiKey       string
	openaiBaseURL   string
	censusEndpoint  string
	censusBenchmark string
}

func runCmd(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg := engine.DefaultConfig()
	var opts runOptions

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.input, "input", getEnv("BULKQUERY_INPUT", "-"), "NDJSON work items (- for stdin)")
	fs.StringVar(&opts.provider, "provider", getEnv("BULKQUERY_PROVIDER", "gemini"), "remote service: gemini, openai or census")
	fs.StringVar(&opts.model, "model", getEnv("BULKQUERY_MODEL", ""), "model ID (provider default when empty)")
	fs.StringVar(&cfg.CheckpointPath, "checkpoint", getEnv("BULKQUERY_CHECKPOINT", cfg.CheckpointPath), "checkpoint log path")
	fs.Float64Var(&cfg.RPS, "rps", getEnvFloat("BULKQUERY_RPS", cfg.RPS), "dispatch starts per second")
	fs.IntVar(&cfg.MaxInflight, "max-inflight", getEnvInt("BULKQUERY_MAX_INFLIGHT", cfg.MaxInflight), "maximum concurrent calls")
	fs.IntVar(&cfg.MaxWorkers, "max-workers", getEnvInt("BULKQUERY_MAX_WORKERS", cfg.MaxWorkers), "maximum worker pool size")
	fs.IntVar(&cfg.MaxRetries, "max-retries", getEnvInt("BULKQUERY_MAX_RETRIES", cfg.MaxRetries), "total attempts per item")
	fs.IntVar(&cfg.MaxSchemaRetries, "max-schema-retries", getEnvInt("BULKQUERY_MAX_SCHEMA_RETRIES", cfg.MaxSchemaRetries), "retries after schema validation failures")
	fs.DurationVar(&cfg.PerRequestTimeout, "timeout", getEnvDuration("BULKQUERY_TIMEOUT", cfg.PerRequestTimeout), "per-request timeout")
	fs.DurationVar(&cfg.Deadline, "deadline", getEnvDuration("BULKQUERY_DEADLINE", cfg.Deadline), "stop dispatching after this run time (0 = none)")
	fs.IntVar(&cfg.FlushEvery, "flush-every", getEnvInt("BULKQUERY_FLUSH_EVERY", cfg.FlushEvery), "sync the checkpoint log every N records")
	fs.IntVar(&cfg.MaxAttachments, "max-attachments", getEnvInt("BULKQUERY_MAX_ATTACHMENTS", cfg.MaxAttachments), "maximum attachments per item (0 = unlimited)")
	fs.IntVar(&cfg.ProgressEvery, "progress-every", getEnvInt("BULKQUERY_PROGRESS_EVERY", cfg.ProgressEvery), "log progress every N records")
	fs.StringVar(&opts.redisURL, "redis", getEnv("REDIS_URL", ""), "Redis address or URL for shared cooldowns and the response cache")
	fs.DurationVar(&opts.cacheTTL, "cache-ttl", getEnvDuration("BULKQUERY_CACHE_TTL", cache.DefaultTTL), "response cache TTL")
	fs.BoolVar(&opts.noCache, "no-cache", getEnvBool("BULKQUERY_NO_CACHE", false), "disable the response cache")
	fs.StringVar(&opts.statusAddr, "status-addr", getEnv("BULKQUERY_STATUS_ADDR", ""), "serve /health, /progress and /metrics on this address")
	fs.StringVar(&opts.geminiKey, "gemini-api-key", getEnv("GEMINI_API_KEY", ""), "Gemini API key")
	fs.StringVar(&opts.geminiEndpoint, "gemini-endpoint", getEnv("GEMINI_ENDPOINT", ""), "Gemini API root")
	fs.BoolVar(&opts.inline, "inline-attachments", getEnvBool("BULKQUERY_INLINE_ATTACHMENTS", false), "send local files inline instead of uploading them")
	fs.StringVar(&opts.openaiKey, "openai-api-key", getEnv("OPENAI_API_KEY", ""), "OpenAI API key")
	fs.StringVar(&opts.openaiBaseURL, "openai-base-url", getEnv("OPENAI_BASE_URL", ""), "OpenAI API base URL")
	fs.StringVar(&opts.censusEndpoint, "census-endpoint", getEnv("CENSUS_ENDPOINT", ""), "Census geocoder endpoint")
	fs.StringVar(&opts.censusBenchmark, "census-benchmark", getEnv("CENSUS_BENCHMARK", ""), "Census geocoder benchmark")
	level, pretty := logFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	logger := setupLogger(*level, *pretty, stderr)
	cfg.Model = opts.model

	items, err := loadItems(opts.input, stdin)
	if err != nil {
		logger.Error().Err(err).Str("input", opts.input).Msg("Failed to read work items")
		return exitError
	}

	var rdb *redis.Client
	if opts.redisURL != "" {
		rdb, err = connectRedis(ctx, opts.redisURL)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect to Redis")
			return exitError
		}
		defer rdb.Close()
		logger.Info().Str("redis", rdb.Options().Addr).Msg("Connected to Redis")
	}

	tracker := ratelimit.NewTracker(rdb, opts.provider, logging.NewLogger("ratelimit"))
	d, err := newDispatcher(opts, tracker)
	if err != nil {
		logger.Error().Err(err).Str("provider", opts.provider).Msg("Failed to create provider client")
		return exitError
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logging.NewLogger("engine")),
		engine.WithTracker(tracker),
	}
	if rdb != nil && !opts.noCache {
		engineOpts = append(engineOpts, engine.WithCache(cache.NewManager(rdb, opts.provider, opts.cacheTTL)))
	}

	eng, err := engine.New(cfg, d, engineOpts...)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return exitError
	}

	if opts.statusAddr != "" {
		srvCtx, stopServer := context.WithCancel(context.Background())
		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			if err := server.New(opts.statusAddr, eng, logging.NewLogger("server")).Run(srvCtx); err != nil {
				logger.Error().Err(err).Msg("Status server failed")
			}
		}()
		defer func() {
			stopServer()
			<-srvDone
		}()
	}

	sum, err := eng.Run(ctx, items)
	if werr := writeJSON(stdout, sum); werr != nil {
		logger.Error().Err(werr).Msg("Failed to write summary")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Run halted")
		return exitError
	}
	if err := sum.Err(); err != nil {
		logger.Warn().Err(err).Msg("Run finished with unfinished items")
		return exitIncomplete
	}
	return exitOK
}

func newDispatcher(opts runOptions, tracker *ratelimit.Tracker) (engine.Dispatcher, error) {
	logger := logging.NewLogger("provider")
	switch opts.provider {
	case "gemini":
		return provider.NewGemini(provider.GeminiConfig{
			APIKey:            opts.geminiKey,
			Model:             opts.model,
			Endpoint:          opts.geminiEndpoint,
			Tracker:           tracker,
			Logger:            logger,
			InlineAttachments: opts.inline,
		})
	case "openai":
		return provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:  opts.openaiKey,
			Model:   opts.model,
			BaseURL: opts.openaiBaseURL,
			Tracker: tracker,
			Logger:  logger,
		})
	case "census":
		return provider.NewCensus(provider.CensusConfig{
			Endpoint:  opts.censusEndpoint,
			Benchmark: opts.censusBenchmark,
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", opts.provider)
	}
}

// connectRedis accepts a plain host:port or a redis:// URL.
func connectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

func loadItems(path string, stdin io.Reader) ([]engine.WorkItem, error) {
	if path == "-" {
		return readItems(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readItems(f)
}

// readItems decodes one WorkItem per non-blank line.
func readItems(r io.Reader) ([]engine.WorkItem, error) {
	var items []engine.WorkItem
	br := bufio.NewReader(r)
	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read line %d: %w", lineNo, err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var item engine.WorkItem
			if derr := json.Unmarshal(trimmed, &item); derr != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, derr)
			}
			items = append(items, item)
		}
		if errors.Is(err, io.EOF) {
			return items, nil
		}
	}
}
