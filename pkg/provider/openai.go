package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulkquery/pkg/engine"
	"github.com/Sternrassler/bulkquery/pkg/ratelimit"
	"github.com/Sternrassler/bulkquery/pkg/retry"
)

// OpenAI defaults.
const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-4o-mini"
)

// OpenAIConfig configures an OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string

	// ImageDetail is the vision detail level ("low", "high", "auto").
	ImageDetail string

	HTTPClient *http.Client

	// Tracker receives the x-ratelimit-* headers of every response.
	Tracker *ratelimit.Tracker
	Logger  zerolog.Logger
}

// OpenAI calls the chat completions API with a json_schema response format.
// Local image attachments are sent inline as data URLs.
type OpenAI struct {
	cfg       OpenAIConfig
	transport transport
}

var (
	_ engine.Dispatcher = (*OpenAI)(nil)
	_ engine.Modeler    = (*OpenAI)(nil)
)

// NewOpenAI creates an OpenAI client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ImageDetail == "" {
		cfg.ImageDetail = "high"
	}
	return &OpenAI{
		cfg:       cfg,
		transport: newTransport("openai", cfg.HTTPClient, cfg.Tracker, cfg.Logger),
	}, nil
}

// Model returns the model ID.
func (o *OpenAI) Model() string {
	return o.cfg.Model
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string  `json:"content"`
			Refusal *string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Dispatch sends one chat completion request.
func (o *OpenAI) Dispatch(ctx context.Context, item engine.WorkItem) (engine.Response, error) {
	payload, err := o.buildRequest(item)
	if err != nil {
		return engine.Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return engine.Response{}, retry.NewRequestError(retry.ErrorClassClient, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	body, err := o.transport.do(req, "chat")
	raw := rawJSON(body)
	if err != nil {
		return engine.Response{Raw: raw}, err
	}

	var res chatResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return engine.Response{Raw: raw}, &retry.SchemaError{Err: fmt.Errorf("parse chat response: %w", err)}
	}
	if len(res.Choices) == 0 {
		return engine.Response{Raw: raw}, &retry.SchemaError{Err: errors.New("chat response has no choices")}
	}
	msg := res.Choices[0].Message
	if msg.Refusal != nil && *msg.Refusal != "" {
		return engine.Response{Raw: raw}, retry.NewRequestError(retry.ErrorClassClient, "model refused: "+*msg.Refusal, nil)
	}
	return engine.Response{Output: msg.Content, Raw: raw}, nil
}

func (o *OpenAI) buildRequest(item engine.WorkItem) ([]byte, error) {
	content := []contentPart{{Type: "text", Text: item.Prompt}}
	for _, a := range item.Attachments {
		url, err := imageRef(a)
		if err != nil {
			return nil, err
		}
		if a.Label != "" {
			content = append(content, contentPart{Type: "text", Text: "Label: " + a.Label})
		}
		content = append(content, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: url, Detail: o.cfg.ImageDetail},
		})
	}

	req := chatRequest{
		Model:    o.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: content}},
	}
	if len(item.OutputSchema) > 0 {
		req.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: "output", Schema: item.OutputSchema},
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, retry.NewRequestError(retry.ErrorClassClient, "encode request", err)
	}
	return payload, nil
}

// imageRef returns the image_url value for an attachment: remote URLs pass
// through, local images become base64 data URLs.
func imageRef(a engine.Attachment) (string, error) {
	path, local := engine.LocalPath(a.Ref)
	if !local {
		return a.Ref, nil
	}
	mimeType := mimeTypeOf(path)
	if !strings.HasPrefix(mimeType, "image/") {
		return "", retry.NewRequestError(retry.ErrorClassClient,
			fmt.Sprintf("attachment %q: unsupported type %s", a.Label, mimeType), nil)
	}
	data, err := readAttachment(path, a.Label)
	if err != nil {
		return "", err
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
