package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Sternrassler/bulkquery/pkg/engine"
)

// KeyPrefix is prepended to every cache key.
const KeyPrefix = "bulkquery:cache"

// CacheKey identifies one cacheable request.
type CacheKey struct {
	// Provider is the service family (e.g., "gemini", "openai")
	Provider string

	// Model is the model ID the request is sent to
	Model string

	// Digest is the hex SHA-256 of the request payload
	Digest string
}

// String generates a deterministic cache key string.
// Format: bulkquery:cache:provider:model:digest
//
// Example:
//
//	bulkquery:cache:gemini:gemini-2.5-flash:9f86d081884c7d65...
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}
	if k.Provider != "" {
		parts = append(parts, k.Provider)
	}
	if k.Model != "" {
		parts = append(parts, k.Model)
	}
	return strings.Join(append(parts, k.Digest), ":")
}

// KeyFor builds the key for item sent to model. The item ID is not part of
// the key: two items asking the same question share an answer.
func KeyFor(provider, model string, item engine.WorkItem) CacheKey {
	return CacheKey{
		Provider: provider,
		Model:    model,
		Digest:   Digest(item),
	}
}

// Digest hashes the prompt, the attachments in order and the compacted
// output schema.
func Digest(item engine.WorkItem) string {
	h := sha256.New()
	writeField(h, "prompt", item.Prompt)
	for _, a := range item.Attachments {
		writeField(h, "label", a.Label)
		writeField(h, "ref", attachmentIdentity(a.Ref))
	}
	if len(item.OutputSchema) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, item.OutputSchema); err != nil {
			buf.Reset()
			buf.Write(item.OutputSchema)
		}
		writeField(h, "schema", buf.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length-prefixed field so adjacent values cannot collide.
func writeField(h interface{ Write([]byte) (int, error) }, name, value string) {
	fmt.Fprintf(h, "%s:%d:%s;", name, len(value), value)
}

// attachmentIdentity extends a local path with size and mtime.
func attachmentIdentity(ref string) string {
	path, local := engine.LocalPath(ref)
	if !local {
		return ref
	}
	info, err := os.Stat(path)
	if err != nil {
		return ref
	}
	return fmt.Sprintf("%s@%d@%d", ref, info.Size(), info.ModTime().UnixNano())
}
