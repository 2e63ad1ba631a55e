package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Sternrassler/bulkquery/pkg/retry"
)

// schemaSet compiles output schemas once per distinct document. It is owned
// by the feeding goroutine; workers only read the compiled *jsonschema.Schema.
type schemaSet struct {
	compiled map[string]*jsonschema.Schema
	failed   map[string]error
}

func newSchemaSet() *schemaSet {
	return &schemaSet{
		compiled: make(map[string]*jsonschema.Schema),
		failed:   make(map[string]error),
	}
}

// compile returns the compiled schema for doc. An empty doc yields nil,
// which accepts any JSON output.
func (s *schemaSet) compile(doc json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, nil
	}
	key := string(doc)
	if sch, ok := s.compiled[key]; ok {
		return sch, nil
	}
	if err, ok := s.failed[key]; ok {
		return nil, err
	}

	sch, err := jsonschema.CompileString(fmt.Sprintf("output_schema_%d.json", len(s.compiled)+len(s.failed)), key)
	if err != nil {
		err = retry.NewRequestError(retry.ErrorClassClient, "invalid output schema", err)
		s.failed[key] = err
		return nil, err
	}
	s.compiled[key] = sch
	return sch, nil
}

// validateOutput parses the model output as JSON and checks it against sch.
// It returns the compact JSON to record, or a *retry.SchemaError.
func validateOutput(output string, sch *jsonschema.Schema) (json.RawMessage, error) {
	text := stripCodeFence(output)
	if text == "" {
		return nil, &retry.SchemaError{Err: errors.New("empty output")}
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, &retry.SchemaError{Err: fmt.Errorf("output is not JSON: %w", err)}
	}
	if dec.More() {
		return nil, &retry.SchemaError{Err: errors.New("output has trailing data after the JSON value")}
	}

	if sch != nil {
		if err := sch.Validate(v); err != nil {
			return nil, &retry.SchemaError{Err: err}
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		return nil, &retry.SchemaError{Err: err}
	}
	return buf.Bytes(), nil
}

// stripCodeFence removes a surrounding markdown code fence, which chat
// models often add around JSON answers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
