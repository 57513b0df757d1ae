package event

import (
	"sync"

	"github.com/google/uuid"
)

// Handler consumes one delivered event. A returned error is routed to the
// manager's error handler and never reaches the publisher.
type Handler func(*Event) error

// Filter decides whether a matched event is delivered to one subscription.
type Filter func(*Event) bool

// DefaultSubscriptionPriority is assumed when Subscribe is called without
// WithPriority. Lower values run first.
const DefaultSubscriptionPriority = 100

type subscription struct {
	pattern  string
	handler  Handler
	priority int
	filter   Filter
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithPriority orders this subscription's handler relative to other matching
// handlers for the same event. Lower runs first.
func WithPriority(priority int) SubscribeOption {
	return func(s *subscription) { s.priority = priority }
}

// WithFilter delivers only events the predicate accepts.
func WithFilter(filter Filter) SubscribeOption {
	return func(s *subscription) { s.filter = filter }
}

// Subscriber is an identity holding a set of (pattern, handler, priority,
// filter) subscriptions. Register it with a Manager to receive events.
type Subscriber struct {
	id   string
	name string

	mu   sync.RWMutex
	subs []*subscription
}

// NewSubscriber creates an empty subscriber.
func NewSubscriber(name string) *Subscriber {
	return &Subscriber{
		id:   uuid.NewString(),
		name: name,
	}
}

func (s *Subscriber) ID() string   { return s.id }
func (s *Subscriber) Name() string { return s.name }

// Subscribe adds a handler for every event whose type matches pattern.
// Patterns are exact type names or a single-level wildcard suffix such as
// "market.*".
func (s *Subscriber) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) {
	sub := &subscription{
		pattern:  pattern,
		handler:  handler,
		priority: DefaultSubscriptionPriority,
	}
	for _, opt := range opts {
		opt(sub)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Unsubscribe removes every subscription registered for pattern.
func (s *Subscriber) Unsubscribe(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.pattern != pattern {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
}

// IsSubscribed reports whether any subscription was registered for exactly
// this pattern.
func (s *Subscriber) IsSubscribed(pattern string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.pattern == pattern {
			return true
		}
	}
	return false
}

// Patterns lists the registered subscription patterns in subscribe order.
func (s *Subscriber) Patterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.pattern)
	}
	return out
}

// matching returns the subscriptions that accept e, in subscribe order.
func (s *Subscriber) matching(e *Event) []*subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*subscription
	for _, sub := range s.subs {
		if !MatchesPattern(sub.pattern, e.Type) {
			continue
		}
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		out = append(out, sub)
	}
	return out
}
