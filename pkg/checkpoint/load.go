package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
)

// Stats summarizes the contents of a checkpoint log.
type Stats struct {
	Records     int  `json:"records"`
	Succeeded   int  `json:"succeeded"`
	Failed      int  `json:"failed"`
	Cached      int  `json:"cached"`
	Duplicates  int  `json:"duplicates"`
	Malformed   int  `json:"malformed"`
	PartialTail bool `json:"partial_tail"`

	// UnterminatedTail marks a complete last record missing its newline.
	UnterminatedTail bool `json:"unterminated_tail,omitempty"`
}

// Load returns the set of item IDs recorded at path. A missing file yields an
// empty set. Malformed lines are logged and skipped.
func Load(path string, logger zerolog.Logger) (map[string]struct{}, Stats, error) {
	done := make(map[string]struct{})
	stats, err := Scan(path, logger, func(rec Record) error {
		done[rec.ItemID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, stats, err
	}
	return done, stats, nil
}

// Summarize counts the records at path without keeping them.
func Summarize(path string, logger zerolog.Logger) (Stats, error) {
	return Scan(path, logger, nil)
}

// Scan calls fn for every well-formed record at path, in file order.
// Duplicate item IDs are counted and only the first record is passed to fn.
// An error from fn stops the scan and is returned as is.
func Scan(path string, logger zerolog.Logger, fn func(Record) error) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Stats{}, nil
		}
		return Stats{}, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	stats, _, err := scan(f, path, logger, fn)
	return stats, err
}

// scan reads newline-terminated records from r. It returns the byte offset
// just past the last record, which is where appends may resume. A final line
// without its newline still counts when it holds a complete record; then
// stats.UnterminatedTail is set and the offset includes that line.
func scan(r io.Reader, path string, logger zerolog.Logger, fn func(Record) error) (Stats, int64, error) {
	var (
		stats  Stats
		offset int64
		lineNo int
	)
	seen := make(map[string]struct{})
	br := bufio.NewReaderSize(r, 64*1024)

	for {
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return stats, offset, &IOError{Op: "read", Path: path, Err: readErr}
		}
		atEOF := errors.Is(readErr, io.EOF)
		if atEOF && len(line) == 0 {
			return stats, offset, nil
		}
		lineNo++

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			offset += int64(len(line))
			if atEOF {
				return stats, offset, nil
			}
			continue
		}

		var rec Record
		err := json.Unmarshal(trimmed, &rec)
		if err == nil && rec.ItemID == "" {
			err = errors.New("missing item_id")
		}

		if atEOF {
			if err != nil {
				stats.PartialTail = true
				logger.Warn().
					Str("path", path).
					Int("line", lineNo).
					Int("bytes", len(line)).
					Msg("Discarding partial trailing checkpoint line")
				return stats, offset, nil
			}
			stats.UnterminatedTail = true
			logger.Warn().
				Str("path", path).
				Int("line", lineNo).
				Msg("Keeping complete trailing checkpoint line without newline")
		}
		offset += int64(len(line))

		if err != nil {
			stats.Malformed++
			malformedLinesTotal.Inc()
			logger.Warn().
				Err(err).
				Str("path", path).
				Int("line", lineNo).
				Msg("Skipping malformed checkpoint line")
			continue
		}

		if _, dup := seen[rec.ItemID]; !dup {
			seen[rec.ItemID] = struct{}{}
			stats.Records++
			if rec.Succeeded() {
				stats.Succeeded++
			} else {
				stats.Failed++
			}
			if rec.Cached {
				stats.Cached++
			}
			if fn != nil {
				if err := fn(rec); err != nil {
					return stats, offset, err
				}
			}
		} else {
			stats.Duplicates++
		}

		if atEOF {
			return stats, offset, nil
		}
	}
}
