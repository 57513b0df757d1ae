package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// persistedContext is the on-disk shape of one context: the full data
// mapping with namespaces nested under their own key, plus the timestamp
// metadata.
type persistedContext struct {
	Data       map[string]any            `json:"data"`
	Namespaces map[string]map[string]any `json:"namespaces,omitempty"`
	Metadata   map[string]any            `json:"metadata"`
}

// fileStore writes one JSON file per context id under dir.
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithMessagef(err, "create storage dir %q", dir)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// write persists one context record, redacting sensitive fields first.
func (s *fileStore) write(id string, record *persistedContext) error {
	redacted := &persistedContext{
		Data:     redactMap(record.Data),
		Metadata: redactMap(record.Metadata),
	}
	if len(record.Namespaces) > 0 {
		redacted.Namespaces = make(map[string]map[string]any, len(record.Namespaces))
		for ns, bucket := range record.Namespaces {
			redacted.Namespaces[ns] = redactMap(bucket)
		}
	}
	raw, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return errors.WithMessagef(err, "marshal context %q", id)
	}
	if err := os.WriteFile(s.path(id), raw, 0o644); err != nil {
		return errors.WithMessagef(err, "write context %q", id)
	}
	return nil
}

func (s *fileStore) read(id string) (*persistedContext, error) {
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithMessagef(ContextNotFoundError, "id %q", id)
		}
		return nil, errors.WithMessagef(err, "read context %q", id)
	}
	var record persistedContext
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, errors.WithMessagef(err, "unmarshal context %q", id)
	}
	if record.Data == nil {
		record.Data = make(map[string]any)
	}
	return &record, nil
}

func (s *fileStore) remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.WithMessagef(err, "delete context %q", id)
	}
	return nil
}

func (s *fileStore) exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// isSensitiveKey matches the configured sensitive field name substrings,
// case-insensitive.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// redactMap replaces the value of every sensitive key with the redaction
// marker, recursing through nested maps and lists.
func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = RedactionMarker
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return redactMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
