// Command bulkquery runs a batch of work items against a rate-limited remote
// service, checkpointing every outcome so the batch can be resumed.
//
// Usage:
//
//	bulkquery run -input items.ndjson -checkpoint run.ndjson -provider gemini
//	bulkquery status -checkpoint run.ndjson
//	bulkquery export -checkpoint run.ndjson -db records.db
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulkquery/pkg/checkpoint"
	"github.com/Sternrassler/bulkquery/pkg/export"
	"github.com/Sternrassler/bulkquery/pkg/logging"
)

// Exit codes.
const (
	exitOK         = 0
	exitIncomplete = 1
	exitError      = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitError
	}

	switch args[0] {
	case "run":
		return runCmd(ctx, args[1:], stdin, stdout, stderr)
	case "status":
		return statusCmd(args[1:], stdout, stderr)
	case "export":
		return exportCmd(ctx, args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitError
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: bulkquery <command> [flags]

commands:
  run     process work items, appending outcomes to a checkpoint log
  status  summarize a checkpoint log
  export  load a checkpoint log into a SQLite database

Run "bulkquery <command> -h" for command flags.`)
}

// logFlags registers the logging flags shared by all commands.
func logFlags(fs *flag.FlagSet) (level *string, pretty *bool) {
	level = fs.String("log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	pretty = fs.Bool("log-pretty", getEnvBool("LOG_PRETTY", false), "human-readable console logs")
	return level, pretty
}

func setupLogger(level string, pretty bool, out io.Writer) zerolog.Logger {
	return logging.Setup(logging.Config{
		Level:  logging.LogLevel(level),
		Pretty: pretty,
		Output: out,
	})
}

func statusCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("checkpoint", getEnv("BULKQUERY_CHECKPOINT", "checkpoint.ndjson"), "checkpoint log path")
	level, pretty := logFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	logger := setupLogger(*level, *pretty, stderr)
	stats, err := checkpoint.Summarize(*path, logger)
	if err != nil {
		logger.Error().Err(err).Str("checkpoint", *path).Msg("Failed to read checkpoint log")
		return exitError
	}
	if err := writeJSON(stdout, stats); err != nil {
		return exitError
	}
	if stats.Failed > 0 {
		return exitIncomplete
	}
	return exitOK
}

func exportCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("checkpoint", getEnv("BULKQUERY_CHECKPOINT", "checkpoint.ndjson"), "checkpoint log path")
	dbPath := fs.String("db", getEnv("BULKQUERY_EXPORT_DB", "records.db"), "SQLite database path")
	level, pretty := logFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	logger := setupLogger(*level, *pretty, stderr)
	store, err := export.Open(*dbPath, logging.NewLogger("export"))
	if err != nil {
		logger.Error().Err(err).Str("db", *dbPath).Msg("Failed to open export database")
		return exitError
	}
	defer store.Close()

	res, err := store.ExportLog(ctx, *path)
	if err != nil {
		logger.Error().Err(err).Str("checkpoint", *path).Msg("Export failed")
		return exitError
	}
	if err := writeJSON(stdout, res); err != nil {
		return exitError
	}
	return exitOK
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
