package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/bulkquery/internal/testutil"
	"github.com/Sternrassler/bulkquery/pkg/engine"
	"github.com/Sternrassler/bulkquery/pkg/retry"
)

const geminiPath = "/v1beta/models/gemini-test:generateContent"

func newTestGemini(t *testing.T, mock *testutil.MockService, mutate func(*GeminiConfig)) *Gemini {
	t.Helper()
	cfg := GeminiConfig{
		APIKey:     "test-key",
		Model:      "gemini-test",
		Endpoint:   mock.URL(),
		HTTPClient: mock.Client(),
		UploadRPS:  1000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGemini(cfg)
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	g.UploadPolicy().Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return g
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewGemini_Defaults(t *testing.T) {
	if _, err := NewGemini(GeminiConfig{}); err == nil {
		t.Error("NewGemini() without api key should fail")
	}

	g, err := NewGemini(GeminiConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	if g.Model() != DefaultGeminiModel {
		t.Errorf("Model() = %v, want %v", g.Model(), DefaultGeminiModel)
	}
	if g.UploadPolicy().MaxAttempts != 3 {
		t.Errorf("upload MaxAttempts = %d, want 3", g.UploadPolicy().MaxAttempts)
	}
}

func TestGemini_Dispatch(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.Script(geminiPath, testutil.NewJSONResponse(testutil.GeminiText(`{"label":"roof"}`)))

	g := newTestGemini(t, mock, nil)
	item := engine.WorkItem{
		ID:           "a",
		Prompt:       "What is in the tile?",
		Attachments:  []engine.Attachment{{Label: "tile", Ref: "https://files.example/v1beta/files/abc"}},
		OutputSchema: json.RawMessage(`{"type":"object"}`),
	}

	resp, err := g.Dispatch(context.Background(), item)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.Output != `{"label":"roof"}` {
		t.Errorf("Output = %v, want %v", resp.Output, `{"label":"roof"}`)
	}
	if !strings.Contains(string(resp.Raw), `"finishReason":"STOP"`) {
		t.Errorf("Raw = %s, want the full response body", resp.Raw)
	}

	if got := mock.LastHeader(geminiPath).Get("X-Goog-Api-Key"); got != "test-key" {
		t.Errorf("api key header = %q, want %q", got, "test-key")
	}

	var sent geminiRequest
	if err := json.Unmarshal([]byte(mock.Bodies(geminiPath)[0]), &sent); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	parts := sent.Contents[0].Parts
	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3", len(parts))
	}
	if parts[0].Text != item.Prompt || parts[1].Text != "Label: tile" {
		t.Errorf("text parts = %q, %q", parts[0].Text, parts[1].Text)
	}
	if parts[2].FileData == nil || parts[2].FileData.FileURI != item.Attachments[0].Ref {
		t.Errorf("file part = %+v, want uri %s", parts[2].FileData, item.Attachments[0].Ref)
	}
	if string(sent.GenerationConfig.ResponseJSONSchema) != `{"type":"object"}` {
		t.Errorf("responseJsonSchema = %s", sent.GenerationConfig.ResponseJSONSchema)
	}
}

func TestGemini_Dispatch_Errors(t *testing.T) {
	tests := []struct {
		name           string
		response       testutil.MockResponse
		wantClass      retry.ErrorClass
		wantRetryAfter time.Duration
	}{
		{"rate limited", testutil.NewRateLimitResponse("3"), retry.ErrorClassRateLimit, 3 * time.Second},
		{"overloaded", testutil.NewServerErrorResponse(), retry.ErrorClassServer, 0},
		{"bad key", testutil.NewErrorResponse(http.StatusUnauthorized, "API key not valid"), retry.ErrorClassAuth, 0},
		{"bad request", testutil.NewErrorResponse(http.StatusBadRequest, "invalid argument"), retry.ErrorClassClient, 0},
		{"unknown model", testutil.NewErrorResponse(http.StatusNotFound, "model not found"), retry.ErrorClassNotFound, 0},
		{"gateway timeout", testutil.NewErrorResponse(http.StatusGatewayTimeout, "deadline"), retry.ErrorClassTimeout, 0},
		{
			"blocked prompt",
			testutil.NewJSONResponse(`{"promptFeedback":{"blockReason":"SAFETY"}}`),
			retry.ErrorClassClient, 0,
		},
		{"no candidates", testutil.NewJSONResponse(`{"candidates":[]}`), retry.ErrorClassSchema, 0},
		{"not json", testutil.NewJSONResponse(`<html>`), retry.ErrorClassSchema, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockService()
			defer mock.Close()
			mock.Script(geminiPath, tt.response)

			resp, err := newTestGemini(t, mock, nil).Dispatch(context.Background(), engine.WorkItem{ID: "a", Prompt: "p"})
			if err == nil {
				t.Fatal("Dispatch() error = nil, want error")
			}
			if got := retry.ClassOf(err); got != tt.wantClass {
				t.Errorf("ClassOf() = %v, want %v (err: %v)", got, tt.wantClass, err)
			}
			if got := retry.RetryAfterOf(err); got != tt.wantRetryAfter {
				t.Errorf("RetryAfterOf() = %v, want %v", got, tt.wantRetryAfter)
			}
			if len(resp.Raw) == 0 {
				t.Error("Raw is empty, want the error body")
			}
		})
	}
}

func TestGemini_PrepareUploadsOncePerFile(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.SetHandler("/upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get("X-Goog-Upload-File-Name")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"file":{"name":"files/` + name + `","uri":"https://files.example/` + name + `","mimeType":"` + r.Header.Get("Content-Type") + `","state":"ACTIVE"}}`))
	})
	mock.Script(geminiPath, testutil.NewJSONResponse(testutil.GeminiText(`{}`)))

	tile := writeFile(t, "tile.png", "png-bytes")
	doc := writeFile(t, "plan.pdf", "pdf-bytes")
	item := engine.WorkItem{
		ID:     "a",
		Prompt: "p",
		Attachments: []engine.Attachment{
			{Label: "tile", Ref: tile},
			{Label: "plan", Ref: doc},
			{Label: "remote", Ref: "https://elsewhere.example/x.png"},
		},
	}

	g := newTestGemini(t, mock, nil)
	prepared, err := g.Prepare(context.Background(), item)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	want := []string{"https://files.example/tile.png", "https://files.example/plan.pdf", "https://elsewhere.example/x.png"}
	for i, a := range prepared.Attachments {
		if a.Ref != want[i] {
			t.Errorf("Attachments[%d].Ref = %v, want %v", i, a.Ref, want[i])
		}
	}
	if item.Attachments[0].Ref != tile {
		t.Error("Prepare() modified the input item")
	}

	if _, err := g.Prepare(context.Background(), item); err != nil {
		t.Fatalf("second Prepare() error = %v", err)
	}
	if got := mock.RequestCount("/upload/v1beta/files"); got != 2 {
		t.Errorf("uploads = %d, want 2", got)
	}

	if _, err := g.Dispatch(context.Background(), prepared); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	body := mock.Bodies(geminiPath)[0]
	if !strings.Contains(body, `"mimeType":"image/png","fileUri":"https://files.example/tile.png"`) {
		t.Errorf("request body = %s, want file part with image/png", body)
	}
}

func TestGemini_PrepareRetriesUpload(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.Script("/upload/v1beta/files",
		testutil.NewServerErrorResponse(),
		testutil.NewJSONResponse(`{"file":{"uri":"https://files.example/1","mimeType":"image/png"}}`),
	)

	g := newTestGemini(t, mock, nil)
	prepared, err := g.Prepare(context.Background(), engine.WorkItem{
		ID:          "a",
		Attachments: []engine.Attachment{{Label: "tile", Ref: writeFile(t, "t.png", "x")}},
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if prepared.Attachments[0].Ref != "https://files.example/1" {
		t.Errorf("Ref = %v, want https://files.example/1", prepared.Attachments[0].Ref)
	}
	if got := mock.RequestCount("/upload/v1beta/files"); got != 2 {
		t.Errorf("upload attempts = %d, want 2", got)
	}
}

func TestGemini_PrepareFailures(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.Script("/upload/v1beta/files", testutil.NewErrorResponse(http.StatusForbidden, "denied"))

	g := newTestGemini(t, mock, nil)

	_, err := g.Prepare(context.Background(), engine.WorkItem{
		Attachments: []engine.Attachment{{Label: "gone", Ref: filepath.Join(t.TempDir(), "gone.png")}},
	})
	if got := retry.ClassOf(err); got != retry.ErrorClassNotFound {
		t.Errorf("missing file ClassOf() = %v, want %v", got, retry.ErrorClassNotFound)
	}
	if mock.RequestCount("/upload/v1beta/files") != 0 {
		t.Error("missing file should not be uploaded")
	}

	_, err = g.Prepare(context.Background(), engine.WorkItem{
		Attachments: []engine.Attachment{{Label: "tile", Ref: writeFile(t, "t.png", "x")}},
	})
	if got := retry.ClassOf(err); got != retry.ErrorClassAuth {
		t.Errorf("forbidden upload ClassOf() = %v, want %v", got, retry.ErrorClassAuth)
	}
	if errors.Is(err, retry.ErrRetryExhausted) {
		t.Error("auth failure should not be retried")
	}
}

func TestGemini_InlineAttachments(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()
	mock.Script(geminiPath, testutil.NewJSONResponse(testutil.GeminiText(`{}`)))

	g := newTestGemini(t, mock, func(c *GeminiConfig) { c.InlineAttachments = true })
	item := engine.WorkItem{ID: "a", Attachments: []engine.Attachment{{Label: "tile", Ref: writeFile(t, "t.png", "abc")}}}

	prepared, err := g.Prepare(context.Background(), item)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := g.Dispatch(context.Background(), prepared); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	body := mock.Bodies(geminiPath)[0]
	if !strings.Contains(body, `"inlineData":{"mimeType":"image/png","data":"YWJj"}`) {
		t.Errorf("request body = %s, want inline base64 data", body)
	}
}

func TestMimeTypeOf(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"a.png", "image/png"},
		{"a.PNG", "image/png"},
		{"a.pdf", "application/pdf"},
		{"a.unknownext", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := mimeTypeOf(tt.path); got != tt.want {
			t.Errorf("mimeTypeOf(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
