package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/bulkquery/pkg/engine"
	"github.com/Sternrassler/bulkquery/pkg/ratelimit"
	"github.com/Sternrassler/bulkquery/pkg/retry"
)

// Gemini defaults.
const (
	DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel    = "gemini-2.5-flash"
)

// GeminiConfig configures a Gemini client.
type GeminiConfig struct {
	APIKey string
	Model  string

	// Endpoint is the API root; the upload endpoint is derived from it.
	Endpoint string

	HTTPClient *http.Client
	Tracker    *ratelimit.Tracker
	Logger     zerolog.Logger

	// InlineAttachments sends local files as base64 inline data instead of
	// uploading them through the Files API first.
	InlineAttachments bool

	// UploadConcurrency bounds concurrent uploads per item and overall.
	UploadConcurrency int

	// UploadRPS paces upload starts.
	UploadRPS float64

	// UploadAttempts is the total number of attempts per upload.
	UploadAttempts int

	Temperature *float64
}

// Gemini calls the generateContent API. Local attachments are uploaded
// through the Files API in Prepare; each distinct file is uploaded once per
// client.
type Gemini struct {
	cfg       GeminiConfig
	transport transport

	uploadLimiter *ratelimit.Limiter
	uploadPolicy  retry.Policy

	group   singleflight.Group
	mu      sync.Mutex
	uploads map[string]uploadedFile // local path -> uploaded file
	mimes   map[string]string       // file URI -> MIME type
}

type uploadedFile struct {
	URI      string
	MIMEType string
}

var (
	_ engine.Dispatcher = (*Gemini)(nil)
	_ engine.Preparer   = (*Gemini)(nil)
	_ engine.Modeler    = (*Gemini)(nil)
)

// NewGemini creates a Gemini client.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultGeminiEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	if cfg.UploadRPS <= 0 {
		cfg.UploadRPS = 5
	}
	if cfg.UploadAttempts <= 0 {
		cfg.UploadAttempts = 3
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Name:        "upload",
		RPS:         cfg.UploadRPS,
		MaxInFlight: cfg.UploadConcurrency,
	}, nil, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("upload limiter: %w", err)
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.UploadAttempts

	return &Gemini{
		cfg:           cfg,
		transport:     newTransport("gemini", cfg.HTTPClient, cfg.Tracker, cfg.Logger),
		uploadLimiter: limiter,
		uploadPolicy:  policy,
		uploads:       make(map[string]uploadedFile),
		mimes:         make(map[string]string),
	}, nil
}

// Model returns the model ID.
func (g *Gemini) Model() string {
	return g.cfg.Model
}

// UploadPolicy exposes the upload retry policy for adjustment before use.
func (g *Gemini) UploadPolicy() *retry.Policy {
	return &g.uploadPolicy
}

// Prepare uploads the item's local attachments and returns a copy whose
// refs point at the uploaded files. Uploads run concurrently and are all
// joined before Prepare returns.
func (g *Gemini) Prepare(ctx context.Context, item engine.WorkItem) (engine.WorkItem, error) {
	if g.cfg.InlineAttachments || len(item.Attachments) == 0 {
		return item, nil
	}

	out := item
	out.Attachments = make([]engine.Attachment, len(item.Attachments))
	copy(out.Attachments, item.Attachments)

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.UploadConcurrency)
	for i, a := range item.Attachments {
		path, local := engine.LocalPath(a.Ref)
		if !local {
			continue
		}
		eg.Go(func() error {
			f, err := g.upload(egctx, path)
			if err != nil {
				return fmt.Errorf("upload attachment %q: %w", a.Label, err)
			}
			out.Attachments[i].Ref = f.URI
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return engine.WorkItem{}, err
	}
	return out, nil
}

// upload returns the uploaded file for path, uploading it on first use.
// Concurrent requests for the same path share one upload.
func (g *Gemini) upload(ctx context.Context, path string) (uploadedFile, error) {
	g.mu.Lock()
	f, ok := g.uploads[path]
	g.mu.Unlock()
	if ok {
		return f, nil
	}

	v, err, _ := g.group.Do(path, func() (interface{}, error) {
		data, err := readAttachment(path, filepath.Base(path))
		if err != nil {
			return nil, err
		}
		mimeType := mimeTypeOf(path)

		var f uploadedFile
		call := retry.Call{
			Policy: &g.uploadPolicy,
			Gate:   g.uploadLimiter,
			Logger: g.transport.logger.With().Str("file", filepath.Base(path)).Logger(),
		}
		if _, err := call.Do(ctx, func(actx context.Context, attempt int) error {
			var err error
			f, err = g.uploadOnce(actx, filepath.Base(path), mimeType, data)
			return err
		}); err != nil {
			return nil, err
		}

		g.mu.Lock()
		g.uploads[path] = f
		g.mimes[f.URI] = f.MIMEType
		g.mu.Unlock()
		return f, nil
	})
	if err != nil {
		return uploadedFile{}, err
	}
	return v.(uploadedFile), nil
}

type fileResource struct {
	File struct {
		Name     string `json:"name"`
		URI      string `json:"uri"`
		MIMEType string `json:"mimeType"`
		State    string `json:"state"`
	} `json:"file"`
}

func (g *Gemini) uploadOnce(ctx context.Context, displayName, mimeType string, data []byte) (uploadedFile, error) {
	url := g.cfg.Endpoint + "/upload/v1beta/files?uploadType=media"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return uploadedFile{}, retry.NewRequestError(retry.ErrorClassClient, "build upload request", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-Goog-Api-Key", g.cfg.APIKey)
	req.Header.Set("X-Goog-Upload-Protocol", "raw")
	req.Header.Set("X-Goog-Upload-File-Name", displayName)

	body, err := g.transport.do(req, "upload")
	if err != nil {
		return uploadedFile{}, err
	}

	var res fileResource
	if err := json.Unmarshal(body, &res); err != nil || res.File.URI == "" {
		return uploadedFile{}, &retry.ServiceError{
			StatusCode: http.StatusOK,
			ErrorClass: retry.ErrorClassServer,
			Message:    "upload response without file uri",
			Err:        err,
		}
	}
	if res.File.MIMEType == "" {
		res.File.MIMEType = mimeType
	}
	return uploadedFile{URI: res.File.URI, MIMEType: res.File.MIMEType}, nil
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	FileData   *geminiFileData `json:"fileData,omitempty"`
	InlineData *geminiBlob     `json:"inlineData,omitempty"`
}

type geminiFileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseMIMEType   string          `json:"responseMimeType,omitempty"`
	ResponseJSONSchema json.RawMessage `json:"responseJsonSchema,omitempty"`
	Temperature        *float64        `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Dispatch sends one generateContent request.
func (g *Gemini) Dispatch(ctx context.Context, item engine.WorkItem) (engine.Response, error) {
	payload, err := g.buildRequest(item)
	if err != nil {
		return engine.Response{}, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.cfg.Endpoint, g.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return engine.Response{}, retry.NewRequestError(retry.ErrorClassClient, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", g.cfg.APIKey)

	body, err := g.transport.do(req, "generate")
	raw := rawJSON(body)
	if err != nil {
		return engine.Response{Raw: raw}, err
	}

	var res geminiResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return engine.Response{Raw: raw}, &retry.SchemaError{Err: fmt.Errorf("parse gemini response: %w", err)}
	}
	if len(res.Candidates) == 0 {
		if res.PromptFeedback != nil && res.PromptFeedback.BlockReason != "" {
			return engine.Response{Raw: raw}, retry.NewRequestError(retry.ErrorClassClient,
				"prompt blocked: "+res.PromptFeedback.BlockReason, nil)
		}
		return engine.Response{Raw: raw}, &retry.SchemaError{Err: errors.New("gemini returned no candidates")}
	}

	var text strings.Builder
	for _, p := range res.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return engine.Response{Output: text.String(), Raw: raw}, nil
}

func (g *Gemini) buildRequest(item engine.WorkItem) ([]byte, error) {
	parts := []geminiPart{{Text: item.Prompt}}
	for _, a := range item.Attachments {
		if a.Label != "" {
			parts = append(parts, geminiPart{Text: "Label: " + a.Label})
		}
		part, err := g.attachmentPart(a)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	req := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseMIMEType: "application/json",
			Temperature:      g.cfg.Temperature,
		},
	}
	if len(item.OutputSchema) > 0 {
		req.GenerationConfig.ResponseJSONSchema = item.OutputSchema
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, retry.NewRequestError(retry.ErrorClassClient, "encode request", err)
	}
	return payload, nil
}

func (g *Gemini) attachmentPart(a engine.Attachment) (geminiPart, error) {
	path, local := engine.LocalPath(a.Ref)
	if !local {
		g.mu.Lock()
		mimeType := g.mimes[a.Ref]
		g.mu.Unlock()
		return geminiPart{FileData: &geminiFileData{MIMEType: mimeType, FileURI: a.Ref}}, nil
	}

	data, err := readAttachment(path, a.Label)
	if err != nil {
		return geminiPart{}, err
	}
	return geminiPart{InlineData: &geminiBlob{
		MIMEType: mimeTypeOf(path),
		Data:     base64.StdEncoding.EncodeToString(data),
	}}, nil
}

// mimeTypeOf guesses a MIME type from the file extension.
func mimeTypeOf(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// rawJSON returns body as a JSON value for records: verbatim when it is
// valid JSON, otherwise as a JSON string.
func rawJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	b, _ := json.Marshal(string(body))
	return b
}

// readAttachment reads a local attachment. Failures are fatal.
func readAttachment(path, label string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		class := retry.ErrorClassClient
		if errors.Is(err, fs.ErrNotExist) {
			class = retry.ErrorClassNotFound
		}
		return nil, retry.NewRequestError(class, fmt.Sprintf("read attachment %q", label), err)
	}
	return data, nil
}
