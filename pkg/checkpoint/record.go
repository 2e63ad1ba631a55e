// Package checkpoint implements the append-only execution log that makes a
// bulk run resumable.
//
// Each line of the log is one self-contained JSON Record. Item IDs present in
// the log are "done" and are skipped by later runs against the same file. A
// trailing line without a terminating newline is the remains of a crash during
// an append: it is discarded on Open and never counted as done.
package checkpoint

import (
	"encoding/json"
)

// Record is the durable outcome of processing one work item.
//
// Exactly one of OutputText and Error is set. OutputText holds the validated
// JSON output; Error holds a human readable message and ErrorClass its
// classification.
type Record struct {
	ItemID       string          `json:"item_id"`
	Model        string          `json:"model"`
	OutputText   json.RawMessage `json:"output_text"`
	Error        *string         `json:"error"`
	ErrorClass   string          `json:"error_class,omitempty"`
	RawResponse  json.RawMessage `json:"raw_response"`
	AttemptCount int             `json:"attempt_count"`
	Cached       bool            `json:"cached,omitempty"`
}

// Succeeded reports whether the record carries a Success outcome.
func (r *Record) Succeeded() bool {
	return r.Error == nil
}

// NewSuccess builds a Success record.
func NewSuccess(itemID, model string, output, raw json.RawMessage, attempts int) Record {
	return Record{
		ItemID:       itemID,
		Model:        model,
		OutputText:   output,
		RawResponse:  normalizeRaw(raw),
		AttemptCount: attempts,
	}
}

// NewFailure builds an Error record.
func NewFailure(itemID, model, errorClass, message string, raw json.RawMessage, attempts int) Record {
	return Record{
		ItemID:       itemID,
		Model:        model,
		Error:        &message,
		ErrorClass:   errorClass,
		RawResponse:  normalizeRaw(raw),
		AttemptCount: attempts,
	}
}

// normalizeRaw keeps raw as-is when it is valid JSON and otherwise stores it
// as a JSON string so a record line always encodes.
func normalizeRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}
