package checkpoint

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the checkpoint log.
var (
	appendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkquery_checkpoint_appends_total",
		Help: "Total number of records appended to the checkpoint log",
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkquery_checkpoint_errors_total",
		Help: "Total number of checkpoint I/O errors by operation",
	}, []string{"operation"})

	malformedLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bulkquery_checkpoint_malformed_lines_total",
		Help: "Total number of malformed checkpoint lines skipped on load",
	})
)

// Log is an open checkpoint log. It is safe for concurrent use; a single
// mutex serializes appends so lines never interleave.
type Log struct {
	path       string
	flushEvery int
	logger     zerolog.Logger

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	done    map[string]bool
	pending int
	closed  bool
	stats   Stats
}

// Open loads the done-set from path and opens the file for appending,
// creating it and its directory if needed. A partial trailing line is
// truncated away; a complete last record missing its newline is kept and
// terminated. flushEvery <= 0 flushes only on Close.
func Open(path string, flushEvery int, logger zerolog.Logger) (*Log, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errorsTotal.WithLabelValues("open").Inc()
			return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		errorsTotal.WithLabelValues("open").Inc()
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}

	done := make(map[string]bool)
	stats, offset, err := scan(f, path, logger, func(rec Record) error {
		done[rec.ItemID] = rec.Succeeded()
		return nil
	})
	if err != nil {
		f.Close()
		errorsTotal.WithLabelValues("read").Inc()
		return nil, err
	}

	if stats.PartialTail {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			errorsTotal.WithLabelValues("truncate").Inc()
			return nil, &IOError{Op: "truncate", Path: path, Err: err}
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		errorsTotal.WithLabelValues("seek").Inc()
		return nil, &IOError{Op: "seek", Path: path, Err: err}
	}
	if stats.UnterminatedTail {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			errorsTotal.WithLabelValues("write").Inc()
			return nil, &IOError{Op: "write", Path: path, Err: err}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			errorsTotal.WithLabelValues("sync").Inc()
			return nil, &IOError{Op: "sync", Path: path, Err: err}
		}
	}

	logger.Info().
		Str("path", path).
		Int("done", len(done)).
		Int("malformed", stats.Malformed).
		Bool("partial_tail", stats.PartialTail).
		Bool("unterminated_tail", stats.UnterminatedTail).
		Msg("Checkpoint log opened")

	return &Log{
		path:       path,
		flushEvery: flushEvery,
		logger:     logger,
		f:          f,
		w:          bufio.NewWriter(f),
		done:       done,
		stats:      stats,
	}, nil
}

// Path returns the file path of the log.
func (l *Log) Path() string {
	return l.path
}

// LoadStats returns what Open found in the existing file.
func (l *Log) LoadStats() Stats {
	return l.stats
}

// Contains reports whether itemID already has a record.
func (l *Log) Contains(itemID string) bool {
	_, found := l.Lookup(itemID)
	return found
}

// Lookup reports whether itemID has a record and whether that record is a
// Success.
func (l *Log) Lookup(itemID string) (succeeded, found bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	succeeded, found = l.done[itemID]
	return succeeded, found
}

// Len returns the number of distinct item IDs recorded.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done)
}

// Append writes rec as one line. Every flushEvery appends the buffer is
// flushed and the file synced.
func (l *Log) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		errorsTotal.WithLabelValues("encode").Inc()
		return &IOError{Op: "encode", Path: l.path, Err: err}
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return &IOError{Op: "append", Path: l.path, Err: ErrClosed}
	}

	if _, err := l.w.Write(line); err != nil {
		errorsTotal.WithLabelValues("write").Inc()
		return &IOError{Op: "write", Path: l.path, Err: err}
	}
	l.done[rec.ItemID] = rec.Succeeded()
	l.pending++
	appendsTotal.Inc()

	if l.flushEvery > 0 && l.pending >= l.flushEvery {
		return l.flushLocked()
	}
	return nil
}

// Flush writes buffered records and syncs the file.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if err := l.w.Flush(); err != nil {
		errorsTotal.WithLabelValues("flush").Inc()
		return &IOError{Op: "flush", Path: l.path, Err: err}
	}
	if err := l.f.Sync(); err != nil {
		errorsTotal.WithLabelValues("sync").Inc()
		return &IOError{Op: "sync", Path: l.path, Err: err}
	}
	if l.pending > 0 {
		l.logger.Debug().Int("records", l.pending).Msg("Checkpoint flushed")
	}
	l.pending = 0
	return nil
}

// Close flushes, syncs and closes the log. Calling Close twice is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	flushErr := l.flushLocked()
	if err := l.f.Close(); err != nil && flushErr == nil {
		errorsTotal.WithLabelValues("close").Inc()
		return &IOError{Op: "close", Path: l.path, Err: err}
	}
	return flushErr
}
