package engine

import (
	"context"
	"encoding/json"

	"github.com/Sternrassler/bulkquery/pkg/checkpoint"
)

// Attachment is a labelled resource reference sent along with a prompt.
// Ref is a local file path or a provider URI (e.g. an uploaded file name).
type Attachment struct {
	Label string `json:"label"`
	Ref   string `json:"ref"`
}

// WorkItem is one unit of batched work. It is immutable once a run starts.
type WorkItem struct {
	ID           string          `json:"item_id"`
	Prompt       string          `json:"prompt"`
	Attachments  []Attachment    `json:"attachments,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Response is what a Dispatcher returns for one call. Output is the model's
// answer text, expected to be JSON; Raw is the untouched service response.
type Response struct {
	Output string
	Raw    json.RawMessage
}

// Dispatcher performs the remote call for one work item. Implementations
// must be safe for concurrent use. A Response returned together with an
// error still contributes its Raw body to the error record.
type Dispatcher interface {
	Dispatch(ctx context.Context, item WorkItem) (Response, error)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, item WorkItem) (Response, error)

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, item WorkItem) (Response, error) {
	return f(ctx, item)
}

// Modeler is implemented by dispatchers that know which service model they
// call. The model ID is stamped on every record.
type Modeler interface {
	Model() string
}

// Preparer is implemented by dispatchers that need per-item setup before
// the main request, such as uploading attachments. Prepare runs once per
// item, outside the dispatch limiter, and returns the item to dispatch.
type Preparer interface {
	Prepare(ctx context.Context, item WorkItem) (WorkItem, error)
}

// ResponseCache stores validated responses for identical requests.
type ResponseCache interface {
	Lookup(ctx context.Context, model string, item WorkItem) (*Response, error)
	Store(ctx context.Context, model string, item WorkItem, resp Response) error
}

// Recorder is the durable done-set plus append-only record sink.
// *checkpoint.Log implements it.
type Recorder interface {
	Lookup(itemID string) (succeeded, found bool)
	Append(rec checkpoint.Record) error
}
