// Package export loads checkpoint logs into SQLite for downstream analysis.
package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulkquery/pkg/checkpoint"

	_ "modernc.org/sqlite"
)

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS records (
    item_id       TEXT PRIMARY KEY,
    model         TEXT NOT NULL,
    status        TEXT NOT NULL,
    output_text   TEXT,
    error         TEXT,
    error_class   TEXT,
    raw_response  TEXT,
    attempt_count INTEGER NOT NULL,
    cached        INTEGER NOT NULL DEFAULT 0,
    source        TEXT NOT NULL,
    exported_at   DATETIME NOT NULL
)`

const createStatusIndex = `CREATE INDEX IF NOT EXISTS records_status ON records (status)`

// Record statuses stored in the status column.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Store is a SQLite database holding exported records.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Result describes one export.
type Result struct {
	Log      checkpoint.Stats `json:"log"`
	Inserted int              `json:"inserted"`
	Existing int              `json:"existing"`
}

// Open opens the SQLite database at dbPath and creates the schema.
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []struct{ what, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy timeout", "PRAGMA busy_timeout = 5000"},
		{"create records table", createRecordsTable},
		{"create status index", createStatusIndex},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt.what, err)
		}
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ExportLog copies every record of the checkpoint log at logPath into the
// records table in one transaction. Items already present keep their row,
// matching the log's first-record-wins rule.
func (s *Store) ExportLog(ctx context.Context, logPath string) (Result, error) {
	var res Result

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (
			item_id, model, status, output_text, error, error_class,
			raw_response, attempt_count, cached, source, exported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO NOTHING`)
	if err != nil {
		return res, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	stats, err := checkpoint.Scan(logPath, s.logger, func(rec checkpoint.Record) error {
		status := StatusSuccess
		if !rec.Succeeded() {
			status = StatusError
		}
		r, err := stmt.ExecContext(ctx,
			rec.ItemID, rec.Model, status, nullJSON(rec.OutputText), rec.Error, nullString(rec.ErrorClass),
			nullJSON(rec.RawResponse), rec.AttemptCount, rec.Cached, logPath, now,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ItemID, err)
		}
		if n, _ := r.RowsAffected(); n > 0 {
			res.Inserted++
		} else {
			res.Existing++
		}
		return nil
	})
	res.Log = stats
	if err != nil {
		return res, err
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit export: %w", err)
	}

	s.logger.Info().
		Str("source", logPath).
		Int("records", stats.Records).
		Int("inserted", res.Inserted).
		Int("existing", res.Existing).
		Int("malformed", stats.Malformed).
		Msg("Checkpoint log exported")
	return res, nil
}

// Get retrieves an exported record by item ID.
func (s *Store) Get(ctx context.Context, itemID string) (*checkpoint.Record, error) {
	var (
		rec        checkpoint.Record
		output     sql.NullString
		errMsg     sql.NullString
		errorClass sql.NullString
		raw        sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, model, output_text, error, error_class, raw_response, attempt_count, cached
		FROM records WHERE item_id = ?`, itemID,
	).Scan(&rec.ItemID, &rec.Model, &output, &errMsg, &errorClass, &raw, &rec.AttemptCount, &rec.Cached)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	if output.Valid {
		rec.OutputText = []byte(output.String)
	}
	if errMsg.Valid {
		rec.Error = &errMsg.String
	}
	rec.ErrorClass = errorClass.String
	if raw.Valid {
		rec.RawResponse = []byte(raw.String)
	}
	return &rec, nil
}

// Counts returns the number of exported records per status.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM records GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func nullJSON(b []byte) sql.NullString {
	if len(b) == 0 || string(b) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
