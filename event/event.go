package event

import (
	"time"
)

// DefaultPriority is assumed for events published without an explicit
// priority. Lower values are processed first.
const DefaultPriority = 100

// Event is an immutable typed notification. Producers create one and hand it
// to the Manager; subscribers only read it.
type Event struct {
	Type      string
	Data      map[string]any
	Timestamp time.Time
	Priority  int
}

// New creates an event with the default priority.
func New(eventType string, data map[string]any) *Event {
	return NewWithPriority(eventType, data, DefaultPriority)
}

// NewWithPriority creates an event with an explicit priority. Lower values
// are drained first within one processing pass.
func NewWithPriority(eventType string, data map[string]any, priority int) *Event {
	if data == nil {
		data = make(map[string]any)
	}
	return &Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Priority:  priority,
	}
}

// Get reads one payload field.
func (e *Event) Get(key string) (any, bool) {
	v, ok := e.Data[key]
	return v, ok
}

// GetString reads one payload field as a string.
func (e *Event) GetString(key string) (string, bool) {
	v, ok := e.Data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// MatchesPattern reports whether eventType matches pattern. A pattern is
// either an exact type name or a single-level wildcard like "market.*",
// which matches "market.update" but not "market.update.retry".
func MatchesPattern(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	const wildcard = ".*"
	if len(pattern) <= len(wildcard) || pattern[len(pattern)-len(wildcard):] != wildcard {
		return false
	}
	prefix := pattern[:len(pattern)-1] // keep the trailing dot
	if len(eventType) <= len(prefix) || eventType[:len(prefix)] != prefix {
		return false
	}
	rest := eventType[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '.' {
			return false
		}
	}
	return rest != ""
}
