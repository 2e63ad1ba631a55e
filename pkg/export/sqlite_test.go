package export

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulkquery/pkg/checkpoint"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeLog(t *testing.T, records ...checkpoint.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.ndjson")
	l, err := checkpoint.Open(path, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("checkpoint.Open() error = %v", err)
	}
	for _, rec := range records {
		if err := l.Append(rec); err != nil {
			t.Fatalf("Append(%s) error = %v", rec.ItemID, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	defer s.Close()

	counts, err := s.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("Counts() = %v, want empty", counts)
	}
}

func TestExportLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cached := checkpoint.NewSuccess("c", "gemini-2.0-flash", json.RawMessage(`{"label":"tree"}`), nil, 0)
	cached.Cached = true
	logPath := writeLog(t,
		checkpoint.NewSuccess("a", "gemini-2.0-flash", json.RawMessage(`{"label":"roof"}`), json.RawMessage(`{"candidates":[]}`), 1),
		checkpoint.NewFailure("b", "gemini-2.0-flash", "not_found", "attachment missing", nil, 1),
		cached,
	)

	res, err := s.ExportLog(ctx, logPath)
	if err != nil {
		t.Fatalf("ExportLog() error = %v", err)
	}
	if res.Inserted != 3 || res.Existing != 0 {
		t.Errorf("ExportLog() inserted = %d, existing = %d, want 3, 0", res.Inserted, res.Existing)
	}
	if res.Log.Records != 3 {
		t.Errorf("Log.Records = %d, want 3", res.Log.Records)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts[StatusSuccess] != 2 || counts[StatusError] != 1 {
		t.Errorf("Counts() = %v, want success=2 error=1", counts)
	}

	a, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get(a) error = %v", err)
	}
	if string(a.OutputText) != `{"label":"roof"}` {
		t.Errorf("a.OutputText = %s", a.OutputText)
	}
	if string(a.RawResponse) != `{"candidates":[]}` {
		t.Errorf("a.RawResponse = %s", a.RawResponse)
	}
	if !a.Succeeded() || a.AttemptCount != 1 || a.Model != "gemini-2.0-flash" {
		t.Errorf("a = %+v", a)
	}

	b, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get(b) error = %v", err)
	}
	if b.Succeeded() || *b.Error != "attachment missing" || b.ErrorClass != "not_found" {
		t.Errorf("b = %+v", b)
	}
	if b.OutputText != nil {
		t.Errorf("b.OutputText = %s, want nil", b.OutputText)
	}

	c, err := s.Get(ctx, "c")
	if err != nil {
		t.Fatalf("Get(c) error = %v", err)
	}
	if !c.Cached || c.AttemptCount != 0 {
		t.Errorf("c = %+v, want cached with 0 attempts", c)
	}
}

func TestExportLog_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	logPath := writeLog(t,
		checkpoint.NewSuccess("a", "m", json.RawMessage(`{}`), nil, 1),
		checkpoint.NewSuccess("b", "m", json.RawMessage(`{}`), nil, 1),
	)

	if _, err := s.ExportLog(ctx, logPath); err != nil {
		t.Fatalf("first ExportLog() error = %v", err)
	}
	res, err := s.ExportLog(ctx, logPath)
	if err != nil {
		t.Fatalf("second ExportLog() error = %v", err)
	}
	if res.Inserted != 0 || res.Existing != 2 {
		t.Errorf("second ExportLog() inserted = %d, existing = %d, want 0, 2", res.Inserted, res.Existing)
	}
}

func TestExportLog_SkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	logPath := writeLog(t, checkpoint.NewSuccess("a", "m", json.RawMessage(`{}`), nil, 1))
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.WriteString("not json\n{\"item_id\":\"trunc"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	f.Close()

	res, err := s.ExportLog(ctx, logPath)
	if err != nil {
		t.Fatalf("ExportLog() error = %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", res.Inserted)
	}
	if res.Log.Malformed != 1 {
		t.Errorf("Log.Malformed = %d, want 1", res.Log.Malformed)
	}
	if !res.Log.PartialTail {
		t.Error("Log.PartialTail = false, want true")
	}
}

func TestExportLog_MissingLog(t *testing.T) {
	s := newTestStore(t)

	res, err := s.ExportLog(context.Background(), filepath.Join(t.TempDir(), "missing.ndjson"))
	if err != nil {
		t.Fatalf("ExportLog() error = %v", err)
	}
	if res.Inserted != 0 {
		t.Errorf("Inserted = %d, want 0", res.Inserted)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}
