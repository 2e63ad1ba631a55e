package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulkquery/internal/testutil"
	"github.com/Sternrassler/bulkquery/pkg/checkpoint"
	"github.com/Sternrassler/bulkquery/pkg/engine"
)

const censusPath = "/geocoder/locations/onelineaddress"

const censusMatch = `{"result":{"addressMatches":[{"matchedAddress":"BROADWAY & W 42ND ST, NEW YORK, NY, 10036",
"coordinates":{"x":-73.98656,"y":40.75594},"tigerLine":{"tigerLineId":"59659429","side":"L"}}]}}`

func runArgs(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.ndjson")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func writeCheckpoint(t *testing.T, records ...checkpoint.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.ndjson")
	l, err := checkpoint.Open(path, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("checkpoint.Open() error = %v", err)
	}
	for _, rec := range records {
		if err := l.Append(rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func TestRun_Commands(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
	}{
		{name: "no command", args: nil, wantCode: exitError},
		{name: "unknown command", args: []string{"frobnicate"}, wantCode: exitError},
		{name: "help", args: []string{"help"}, wantCode: exitOK},
		{name: "bad flag", args: []string{"status", "-nope"}, wantCode: exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runArgs(t, "", tt.args...)
			if code != tt.wantCode {
				t.Errorf("run() = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("BULKQUERY_TEST_STRING", "value")
	t.Setenv("BULKQUERY_TEST_INT", "7")
	t.Setenv("BULKQUERY_TEST_FLOAT", "0.5")
	t.Setenv("BULKQUERY_TEST_BOOL", "true")
	t.Setenv("BULKQUERY_TEST_DURATION", "90s")
	t.Setenv("BULKQUERY_TEST_BAD", "not-a-number")

	if got := getEnv("BULKQUERY_TEST_STRING", "default"); got != "value" {
		t.Errorf("getEnv() = %q, want value", got)
	}
	if got := getEnv("BULKQUERY_TEST_UNSET", "default"); got != "default" {
		t.Errorf("getEnv(unset) = %q, want default", got)
	}
	if got := getEnvInt("BULKQUERY_TEST_INT", 1); got != 7 {
		t.Errorf("getEnvInt() = %d, want 7", got)
	}
	if got := getEnvInt("BULKQUERY_TEST_BAD", 1); got != 1 {
		t.Errorf("getEnvInt(bad) = %d, want 1", got)
	}
	if got := getEnvFloat("BULKQUERY_TEST_FLOAT", 2); got != 0.5 {
		t.Errorf("getEnvFloat() = %v, want 0.5", got)
	}
	if got := getEnvBool("BULKQUERY_TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}
	if got := getEnvDuration("BULKQUERY_TEST_DURATION", 0); got.Seconds() != 90 {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}
}

func TestReadItems(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantIDs []string
		wantErr string
	}{
		{name: "empty", input: ""},
		{
			name:    "blank lines and no trailing newline",
			input:   "{\"item_id\":\"a\",\"prompt\":\"p\"}\n\n  \n{\"item_id\":\"b\",\"prompt\":\"q\"}",
			wantIDs: []string{"a", "b"},
		},
		{
			name:    "attachments and schema",
			input:   `{"item_id":"a","prompt":"p","attachments":[{"label":"Image","ref":"img.png"}],"output_schema":{"type":"object"}}` + "\n",
			wantIDs: []string{"a"},
		},
		{
			name:    "malformed line",
			input:   "{\"item_id\":\"a\"}\nnot json\n",
			wantErr: "line 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := readItems(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("readItems() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("readItems() error = %v", err)
			}
			if len(items) != len(tt.wantIDs) {
				t.Fatalf("len(items) = %d, want %d", len(items), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if items[i].ID != id {
					t.Errorf("items[%d].ID = %q, want %q", i, items[i].ID, id)
				}
			}
		})
	}
}

func TestStatusCmd(t *testing.T) {
	path := writeCheckpoint(t,
		checkpoint.NewSuccess("a", "m", json.RawMessage(`{}`), nil, 1),
		checkpoint.NewFailure("b", "m", "client", "bad request", nil, 1),
	)

	code, stdout, _ := runArgs(t, "", "status", "-checkpoint", path)
	if code != exitIncomplete {
		t.Errorf("status exit = %d, want %d", code, exitIncomplete)
	}

	var stats checkpoint.Stats
	if err := json.Unmarshal([]byte(stdout), &stats); err != nil {
		t.Fatalf("decode stats: %v\n%s", err, stdout)
	}
	if stats.Records != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExportCmd(t *testing.T) {
	path := writeCheckpoint(t,
		checkpoint.NewSuccess("a", "m", json.RawMessage(`{}`), nil, 1),
		checkpoint.NewSuccess("b", "m", json.RawMessage(`{}`), nil, 2),
	)
	db := filepath.Join(t.TempDir(), "records.db")

	code, stdout, stderr := runArgs(t, "", "export", "-checkpoint", path, "-db", db)
	if code != exitOK {
		t.Fatalf("export exit = %d, want 0\n%s", code, stderr)
	}
	if !strings.Contains(stdout, `"inserted": 2`) {
		t.Errorf("export output = %s, want 2 inserted", stdout)
	}
	if _, err := os.Stat(db); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestRunCmd_CensusBatchAndResume(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.Script(censusPath, testutil.NewJSONResponse(censusMatch))

	input := writeInput(t, `{"item_id":"a","prompt":"BROADWAY AND W 42 ST, New York, NY"}
{"item_id":"b","prompt":"MAIN ST AND 1ST AVE, Springfield, IL"}
{"item_id":"c","prompt":"ELM ST AND OAK AVE, Portland, OR"}
`)
	ckpt := filepath.Join(t.TempDir(), "run.ndjson")
	args := []string{
		"run",
		"-provider", "census",
		"-census-endpoint", mock.URL() + censusPath,
		"-input", input,
		"-checkpoint", ckpt,
		"-rps", "100",
		"-max-inflight", "2",
	}

	code, stdout, stderr := runArgs(t, "", args...)
	if code != exitOK {
		t.Fatalf("run exit = %d, want 0\n%s", code, stderr)
	}

	var sum engine.Summary
	if err := json.Unmarshal([]byte(stdout), &sum); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, stdout)
	}
	if sum.Succeeded != 3 {
		t.Errorf("Succeeded = %d, want 3", sum.Succeeded)
	}
	if got := mock.RequestCount(censusPath); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}

	code, stdout, _ = runArgs(t, "", args...)
	if code != exitOK {
		t.Fatalf("second run exit = %d, want 0", code)
	}
	if err := json.Unmarshal([]byte(stdout), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Skipped != 3 {
		t.Errorf("second run Skipped = %d, want 3", sum.Skipped)
	}
	if got := mock.RequestCount(censusPath); got != 3 {
		t.Errorf("requests after resume = %d, want 3", got)
	}
}

func TestRunCmd_StdinAndIncompleteExit(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.Script(censusPath, testutil.NewJSONResponse(censusMatch))

	stdin := `{"item_id":"ok","prompt":"BROADWAY AND W 42 ST, New York, NY"}
{"item_id":"empty","prompt":"   "}
`
	ckpt := filepath.Join(t.TempDir(), "run.ndjson")
	code, _, _ := runArgs(t, stdin,
		"run",
		"-provider", "census",
		"-census-endpoint", mock.URL()+censusPath,
		"-checkpoint", ckpt,
		"-rps", "100",
	)
	if code != exitIncomplete {
		t.Errorf("run exit = %d, want %d", code, exitIncomplete)
	}

	stats, err := checkpoint.Summarize(ckpt, zerolog.Nop())
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want 1 succeeded and 1 failed", stats)
	}
}

func TestRunCmd_SetupErrors(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	input := writeInput(t, `{"item_id":"a","prompt":"p"}`+"\n")

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown provider", args: []string{"-provider", "nope", "-input", input}},
		{name: "gemini without key", args: []string{"-provider", "gemini", "-input", input}},
		{name: "openai without key", args: []string{"-provider", "openai", "-input", input}},
		{name: "missing input", args: []string{"-provider", "census", "-input", filepath.Join(t.TempDir(), "missing")}},
		{name: "invalid rps", args: []string{"-provider", "census", "-input", input, "-rps", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"run", "-checkpoint", filepath.Join(t.TempDir(), "run.ndjson")}, tt.args...)
			code, _, _ := runArgs(t, "", args...)
			if code != exitError {
				t.Errorf("run exit = %d, want %d", code, exitError)
			}
		})
	}
}
