package state

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CreateContextParams configures one new context. Every field is optional.
type CreateContextParams struct {
	ID           string
	Name         string
	Parent       *Context
	TTL          time.Duration
	MaxSize      int
	TrackHistory bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// Manager creates, caches, persists, expires and searches contexts. The
// cache is mutex-guarded; persistence is best-effort file storage under the
// configured directory.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	store  *fileStore

	mu          sync.RWMutex
	contexts    map[string]*Context
	onCreated   []func(*Context)
	onChanged   []func(*Context)
	onDestroyed []func(*Context)
}

// NewManager validates cfg and prepares the storage directory. A missing
// required config key is a construction-time error.
func NewManager(cfg Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := newFileStore(cfg.StorageDir)
	if err != nil {
		return nil, errors.WithMessagef(InvalidConfigError, "%v", err)
	}
	m := &Manager{
		cfg:      cfg,
		logger:   slog.Default(),
		store:    store,
		contexts: make(map[string]*Context),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the resolved configuration the manager runs with.
func (m *Manager) Config() Config { return m.cfg }

// CreateContext builds and caches a new context. A duplicate id is an
// error.
func (m *Manager) CreateContext(params CreateContextParams) (*Context, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := params.Name
	if name == "" {
		name = id
	}

	opts := []ContextOption{WithID(id)}
	if params.Parent != nil {
		opts = append(opts, WithParent(params.Parent))
	}
	if params.TTL > 0 {
		opts = append(opts, WithTTL(params.TTL))
	}
	if params.MaxSize > 0 {
		opts = append(opts, WithMaxSize(params.MaxSize))
	}
	if params.TrackHistory {
		opts = append(opts, WithHistoryTracking())
	}
	c := NewContext(name, opts...)

	m.mu.Lock()
	if _, exists := m.contexts[id]; exists {
		m.mu.Unlock()
		return nil, errors.WithMessagef(ContextExistsError, "id %q", id)
	}
	m.contexts[id] = c
	created := make([]func(*Context), len(m.onCreated))
	copy(created, m.onCreated)
	m.mu.Unlock()

	c.setOnChange(m.fireChanged)
	for _, fn := range created {
		fn(c)
	}
	return c, nil
}

// Context returns a cached context by id.
func (m *Manager) Context(id string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	return c, ok
}

// HasContext reports whether id is cached.
func (m *Manager) HasContext(id string) bool {
	_, ok := m.Context(id)
	return ok
}

// ContextIDs lists the cached context ids.
func (m *Manager) ContextIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		out = append(out, id)
	}
	return out
}

// DestroyContext drops a context from the cache. The persisted file, if
// any, stays until DeleteContext.
func (m *Manager) DestroyContext(id string) bool {
	m.mu.Lock()
	c, ok := m.contexts[id]
	if ok {
		delete(m.contexts, id)
	}
	destroyed := make([]func(*Context), len(m.onDestroyed))
	copy(destroyed, m.onDestroyed)
	m.mu.Unlock()
	if !ok {
		return false
	}
	for _, fn := range destroyed {
		fn(c)
	}
	return true
}

// ClearAll drops every cached context.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	dropped := m.contexts
	m.contexts = make(map[string]*Context)
	destroyed := make([]func(*Context), len(m.onDestroyed))
	copy(destroyed, m.onDestroyed)
	m.mu.Unlock()
	for _, c := range dropped {
		for _, fn := range destroyed {
			fn(c)
		}
	}
}

// SaveContext persists a context snapshot to its file, with sensitive
// fields redacted. Persistence is best-effort: failures are logged and
// reported as false, never raised.
func (m *Manager) SaveContext(c *Context) bool {
	if c == nil {
		return false
	}
	data, namespaces, metadata := c.persistSnapshot()
	record := &persistedContext{Data: data, Namespaces: namespaces, Metadata: metadata}
	if err := m.store.write(c.ID(), record); err != nil {
		m.logger.Warn("saving context failed", "id", c.ID(), "err", err)
		return false
	}
	return true
}

// LoadContext reads a previously saved context back into the cache. A
// cached context with the same id is refreshed in place.
func (m *Manager) LoadContext(id string) (*Context, error) {
	record, err := m.store.read(id)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	c, cached := m.contexts[id]
	m.mu.RUnlock()
	if !cached {
		name := id
		if n, ok := record.Metadata["name"].(string); ok && n != "" {
			name = n
		}
		var createErr error
		c, createErr = m.CreateContext(CreateContextParams{ID: id, Name: name})
		if createErr != nil {
			return nil, createErr
		}
	}
	c.restorePersisted(record.Data, record.Namespaces)
	return c, nil
}

// DeleteContext removes the persisted file for id. The cached instance, if
// any, is untouched.
func (m *Manager) DeleteContext(id string) bool {
	if err := m.store.remove(id); err != nil {
		m.logger.Warn("deleting context file failed", "id", id, "err", err)
		return false
	}
	return true
}

// IsPersisted reports whether a file exists for id.
func (m *Manager) IsPersisted(id string) bool {
	return m.store.exists(id)
}

// CleanupOldContexts drops every cached context idle longer than its TTL,
// or longer than the configured max context age when it has none. Persisted
// files of dropped contexts are removed too. Returns how many contexts were
// dropped.
func (m *Manager) CleanupOldContexts() int {
	maxAge := time.Duration(m.cfg.MaxContextAge) * time.Second
	now := time.Now()

	m.mu.Lock()
	var expired []*Context
	for id, c := range m.contexts {
		limit := maxAge
		if c.TTL() > 0 {
			limit = c.TTL()
		}
		if limit > 0 && now.Sub(c.ModifiedAt()) > limit {
			expired = append(expired, c)
			delete(m.contexts, id)
		}
	}
	destroyed := make([]func(*Context), len(m.onDestroyed))
	copy(destroyed, m.onDestroyed)
	m.mu.Unlock()

	for _, c := range expired {
		if err := m.store.remove(c.ID()); err != nil {
			m.logger.Warn("removing expired context file failed", "id", c.ID(), "err", err)
		}
		for _, fn := range destroyed {
			fn(c)
		}
	}
	return len(expired)
}

// Search returns every cached context the predicate accepts.
func (m *Manager) Search(pred func(*Context) bool) []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Context
	for _, c := range m.contexts {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}

// OnContextCreated registers a callback fired for every context the manager
// creates.
func (m *Manager) OnContextCreated(fn func(*Context)) {
	m.mu.Lock()
	m.onCreated = append(m.onCreated, fn)
	m.mu.Unlock()
}

// OnContextChanged registers a callback fired after every mutation of a
// managed context.
func (m *Manager) OnContextChanged(fn func(*Context)) {
	m.mu.Lock()
	m.onChanged = append(m.onChanged, fn)
	m.mu.Unlock()
}

// OnContextDestroyed registers a callback fired when a managed context is
// dropped.
func (m *Manager) OnContextDestroyed(fn func(*Context)) {
	m.mu.Lock()
	m.onDestroyed = append(m.onDestroyed, fn)
	m.mu.Unlock()
}

func (m *Manager) fireChanged(c *Context) {
	m.mu.RLock()
	changed := make([]func(*Context), len(m.onChanged))
	copy(changed, m.onChanged)
	m.mu.RUnlock()
	for _, fn := range changed {
		fn(c)
	}
}
