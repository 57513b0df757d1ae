package event

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	QueueFullError     = errors.New("event queue is full")
	ManagerClosedError = errors.New("event manager is closed")
)

// ErrorHandler receives every error or panic raised by a subscriber handler.
type ErrorHandler func(*Event, error)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxQueueSize bounds the pending queue; Publish fails with
// QueueFullError once the bound is reached. Zero means unbounded.
func WithMaxQueueSize(n int) ManagerOption {
	return func(m *Manager) { m.maxQueueSize = n }
}

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// Manager is the publish/subscribe bus. Publish only enqueues; delivery
// happens when a caller drains the queue with Process or ProcessAsync.
// The queue, the subscriber registry and the history log are all guarded by
// the manager mutex, so any number of goroutines may publish concurrently.
type Manager struct {
	logger       *slog.Logger
	maxQueueSize int

	mu          sync.Mutex
	queue       []*Event
	subscribers []*Subscriber // registration order
	errHandler  ErrorHandler
	historyOn   bool
	history     []*Event
	closed      bool

	asyncWG sync.WaitGroup
}

// NewManager creates an empty bus.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterSubscriber adds sub to the registry. Registering the same
// subscriber twice is a no-op.
func (m *Manager) RegisterSubscriber(sub *Subscriber) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.subscribers {
		if existing.ID() == sub.ID() {
			return
		}
	}
	m.subscribers = append(m.subscribers, sub)
}

// DeregisterSubscriber removes sub from the registry. Unknown subscribers
// are ignored.
func (m *Manager) DeregisterSubscriber(sub *Subscriber) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.subscribers {
		if existing.ID() == sub.ID() {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

// Subscribers returns the registered subscribers in registration order.
func (m *Manager) Subscribers() []*Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subscriber, len(m.subscribers))
	copy(out, m.subscribers)
	return out
}

// SetErrorHandler installs the callback receiving handler errors and
// recovered panics. Without one, failures are logged and dropped.
func (m *Manager) SetErrorHandler(fn ErrorHandler) {
	m.mu.Lock()
	m.errHandler = fn
	m.mu.Unlock()
}

// EnableHistory starts recording every dispatched event for Replay.
func (m *Manager) EnableHistory() {
	m.mu.Lock()
	m.historyOn = true
	m.mu.Unlock()
}

// History returns the dispatched events recorded so far, oldest first.
func (m *Manager) History() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, len(m.history))
	copy(out, m.history)
	return out
}

// Publish enqueues e for a later Process pass. It never blocks on handlers.
func (m *Manager) Publish(e *Event) error {
	if e == nil {
		return errors.New("nil event")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ManagerClosedError
	}
	if m.maxQueueSize > 0 && len(m.queue) >= m.maxQueueSize {
		return errors.WithMessagef(QueueFullError, "limit %d", m.maxQueueSize)
	}
	m.queue = append(m.queue, e)
	return nil
}

// PendingCount reports the current queue depth.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Process drains the pending queue on the calling goroutine. Each drained
// batch is ordered by ascending event priority (stable, so equal-priority
// events keep publish order), then every event is dispatched to all matching
// subscriptions in ascending subscription priority, ties broken by
// registration order. Events published from inside a handler are drained in
// the same call.
func (m *Manager) Process(ctx context.Context) error {
	for {
		batch := m.takeBatch()
		if len(batch) == 0 {
			return nil
		}
		for _, e := range batch {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			m.dispatch(e)
		}
	}
}

// ProcessAsync drains the queue on a background goroutine and returns
// immediately. WaitForCompletion blocks until every async pass finished.
func (m *Manager) ProcessAsync() {
	m.asyncWG.Add(1)
	go func() {
		defer m.asyncWG.Done()
		if err := m.Process(context.Background()); err != nil {
			m.logger.Error("async event processing failed", "err", err)
		}
	}()
}

// WaitForCompletion blocks until every ProcessAsync pass started so far has
// drained, or ctx expires.
func (m *Manager) WaitForCompletion(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.asyncWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay re-delivers the recorded events of exactly eventType, in original
// dispatch order, to the currently registered matching subscriptions.
// Replayed deliveries are not recorded again.
func (m *Manager) Replay(eventType string) error {
	m.mu.Lock()
	if !m.historyOn {
		m.mu.Unlock()
		return errors.New("event history is not enabled")
	}
	var toReplay []*Event
	for _, e := range m.history {
		if e.Type == eventType {
			toReplay = append(toReplay, e)
		}
	}
	m.mu.Unlock()

	for _, e := range toReplay {
		m.deliver(e)
	}
	return nil
}

// Close rejects further publishes. Already queued events may still be
// drained by Process.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// takeBatch removes the whole pending queue and returns it priority-sorted.
func (m *Manager) takeBatch() []*Event {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority < batch[j].Priority
	})
	return batch
}

// dispatch delivers one event and records it when history is on.
func (m *Manager) dispatch(e *Event) {
	m.deliver(e)
	m.mu.Lock()
	if m.historyOn {
		m.history = append(m.history, e)
	}
	m.mu.Unlock()
}

// deliver invokes every matching handler for e. A handler error or panic is
// reported to the error handler and never stops delivery to the rest.
// Collecting matches in registration order and sorting stably gives the
// priority-then-registration ordering the contract promises.
func (m *Manager) deliver(e *Event) {
	m.mu.Lock()
	subscribers := make([]*Subscriber, len(m.subscribers))
	copy(subscribers, m.subscribers)
	errHandler := m.errHandler
	m.mu.Unlock()

	var matched []*subscription
	for _, sub := range subscribers {
		matched = append(matched, sub.matching(e)...)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].priority < matched[j].priority
	})

	for _, sub := range matched {
		if err := m.invoke(sub.handler, e); err != nil {
			if errHandler != nil {
				errHandler(e, err)
			} else {
				m.logger.Warn("event handler failed", "type", e.Type, "err", err)
			}
		}
	}
}

// invoke runs one handler, converting a panic into an error.
func (m *Manager) invoke(h Handler, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h(e)
}
