package state

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ValidationRule checks a value before it is written under its key.
type ValidationRule func(value any) error

// HistoryEntry is one recorded version of a tracked key.
type HistoryEntry struct {
	Value     any
	Timestamp time.Time
}

// Context is a mutable key/value bag shared across one workflow execution or
// session. All mutating operations are serialized by an internal mutex;
// Update gives callers an atomic read-modify-write so concurrent increments
// are never lost.
type Context struct {
	id        string
	name      string
	createdAt time.Time

	mu         sync.RWMutex
	data       map[string]any
	namespaces map[string]map[string]any
	metadata   map[string]any
	modifiedAt time.Time

	parent *Context

	ttl          time.Duration
	maxSize      int
	trackHistory bool
	history      map[string][]HistoryEntry

	rules map[string]ValidationRule

	snapshots map[string]*snapshotRecord
	tx        *txRecord

	services    map[string]any
	taskResults map[string]any

	cancelled  atomic.Bool
	progressFn func(fraction float64)

	onChange func(*Context)
}

type snapshotRecord struct {
	data       map[string]any
	namespaces map[string]map[string]any
}

type txRecord struct {
	data       map[string]any
	namespaces map[string]map[string]any
}

// ContextOption configures a new Context.
type ContextOption func(*Context)

func WithID(id string) ContextOption {
	return func(c *Context) { c.id = id }
}

func WithParent(parent *Context) ContextOption {
	return func(c *Context) { c.parent = parent }
}

func WithTTL(ttl time.Duration) ContextOption {
	return func(c *Context) { c.ttl = ttl }
}

// WithMaxSize caps the JSON-serialized size of the default namespace.
func WithMaxSize(bytes int) ContextOption {
	return func(c *Context) { c.maxSize = bytes }
}

func WithHistoryTracking() ContextOption {
	return func(c *Context) { c.trackHistory = true }
}

func NewContext(name string, opts ...ContextOption) *Context {
	now := time.Now()
	c := &Context{
		name:        name,
		createdAt:   now,
		modifiedAt:  now,
		data:        make(map[string]any),
		namespaces:  make(map[string]map[string]any),
		metadata:    make(map[string]any),
		history:     make(map[string][]HistoryEntry),
		rules:       make(map[string]ValidationRule),
		snapshots:   make(map[string]*snapshotRecord),
		services:    make(map[string]any),
		taskResults: make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	return c
}

func (c *Context) ID() string           { return c.id }
func (c *Context) Name() string         { return c.name }
func (c *Context) CreatedAt() time.Time { return c.createdAt }
func (c *Context) Parent() *Context     { return c.parent }
func (c *Context) TTL() time.Duration   { return c.ttl }
func (c *Context) TracksHistory() bool  { return c.trackHistory }

func (c *Context) ModifiedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modifiedAt
}

// Get looks up key in the local data, falling back through the parent chain.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	v, ok := c.data[key]
	c.mu.RUnlock()
	if ok {
		return v, true
	}
	if c.parent != nil {
		return c.parent.Get(key)
	}
	return nil, false
}

// GetDefault returns def when key is absent from the whole chain.
func (c *Context) GetDefault(key string, def any) any {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Set writes key locally. A validation rule failure or a size-limit breach
// leaves the prior value untouched.
func (c *Context) Set(key string, value any) error {
	c.mu.Lock()
	if err := c.checkWrite(key, value); err != nil {
		c.mu.Unlock()
		return err
	}
	c.writeLocked(key, value)
	c.mu.Unlock()
	c.fireChanged()
	return nil
}

// checkWrite runs the validation rule and size check for one prospective
// write. Caller holds the write lock.
func (c *Context) checkWrite(key string, value any) error {
	if err := c.checkRule(key, value); err != nil {
		return err
	}
	return c.checkSizeWith(map[string]any{key: value})
}

func (c *Context) checkRule(key string, value any) error {
	if rule, ok := c.rules[key]; ok {
		if err := rule(value); err != nil {
			return errors.WithMessagef(ValidationFailedError, "key %q: %v", key, err)
		}
	}
	return nil
}

// checkSizeWith sizes the data as it would look with every pending write
// applied, so a batch cannot slip over the limit through keys that each fit
// alone. Caller holds the write lock.
func (c *Context) checkSizeWith(writes map[string]any) error {
	if c.maxSize <= 0 {
		return nil
	}
	candidate := make(map[string]any, len(c.data)+len(writes))
	for k, v := range c.data {
		candidate[k] = v
	}
	for k, v := range writes {
		candidate[k] = v
	}
	raw, err := json.Marshal(candidate)
	if err == nil && len(raw) > c.maxSize {
		return errors.WithMessagef(SizeExceededError, "limit %d bytes, would be %d", c.maxSize, len(raw))
	}
	return nil
}

func (c *Context) writeLocked(key string, value any) {
	c.data[key] = value
	c.modifiedAt = time.Now()
	if c.trackHistory {
		c.history[key] = append(c.history[key], HistoryEntry{Value: value, Timestamp: c.modifiedAt})
	}
}

// Update applies fn to the current value of key while holding the context
// lock, so concurrent read-modify-write sequences never lose updates.
func (c *Context) Update(key string, fn func(current any) any) error {
	c.mu.Lock()
	cur, ok := c.data[key]
	if !ok && c.parent != nil {
		cur, _ = c.parent.Get(key)
	}
	next := fn(cur)
	if err := c.checkWrite(key, next); err != nil {
		c.mu.Unlock()
		return err
	}
	c.writeLocked(key, next)
	c.mu.Unlock()
	c.fireChanged()
	return nil
}

func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes key from the local data only; a parent value with the same
// key becomes visible again.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.modifiedAt = time.Now()
	c.mu.Unlock()
	c.fireChanged()
}

func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

func (c *Context) Clear() {
	c.mu.Lock()
	c.data = make(map[string]any)
	c.modifiedAt = time.Now()
	c.mu.Unlock()
	c.fireChanged()
}

// Merge writes every pair of m, validating each key and the combined size
// first. Nothing is applied when any check fails.
func (c *Context) Merge(m map[string]any) error {
	c.mu.Lock()
	for k, v := range m {
		if err := c.checkRule(k, v); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	if err := c.checkSizeWith(m); err != nil {
		c.mu.Unlock()
		return err
	}
	for k, v := range m {
		c.writeLocked(k, v)
	}
	c.mu.Unlock()
	c.fireChanged()
	return nil
}

// Append adds item to the list stored under key, creating the list when the
// key is absent. The grown list passes through the same validation and size
// checks as a Set of it.
func (c *Context) Append(key string, item any) error {
	c.mu.Lock()
	var next []any
	if cur, ok := c.data[key]; ok {
		list, isList := cur.([]any)
		if !isList {
			c.mu.Unlock()
			return errors.WithMessagef(NotAppendableError, "key %q holds %T", key, cur)
		}
		next = append(list, item)
	} else {
		next = []any{item}
	}
	if err := c.checkWrite(key, next); err != nil {
		c.mu.Unlock()
		return err
	}
	c.writeLocked(key, next)
	c.mu.Unlock()
	c.fireChanged()
	return nil
}

// SetBatch applies all pairs or none.
func (c *Context) SetBatch(m map[string]any) error {
	return c.Merge(m)
}

func (c *Context) GetBatch(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

func (c *Context) RemoveBatch(keys []string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.data, k)
	}
	c.modifiedAt = time.Now()
	c.mu.Unlock()
	c.fireChanged()
}

// SetNS writes into a named namespace. The default namespace aliases the
// plain Set/Get surface.
func (c *Context) SetNS(ns, key string, value any) error {
	if ns == DefaultNamespace {
		return c.Set(key, value)
	}
	c.mu.Lock()
	bucket, ok := c.namespaces[ns]
	if !ok {
		bucket = make(map[string]any)
		c.namespaces[ns] = bucket
	}
	bucket[key] = value
	c.modifiedAt = time.Now()
	c.mu.Unlock()
	c.fireChanged()
	return nil
}

func (c *Context) GetNS(ns, key string) (any, bool) {
	if ns == DefaultNamespace {
		return c.Get(key)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	bucket, ok := c.namespaces[ns]
	if !ok {
		return nil, false
	}
	v, ok := bucket[key]
	return v, ok
}

func (c *Context) ClearNamespace(ns string) {
	c.mu.Lock()
	if ns == DefaultNamespace {
		c.data = make(map[string]any)
	} else {
		delete(c.namespaces, ns)
	}
	c.modifiedAt = time.Now()
	c.mu.Unlock()
	c.fireChanged()
}

// Namespaces lists the default namespace plus every named one in use.
func (c *Context) Namespaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := []string{DefaultNamespace}
	for ns := range c.namespaces {
		out = append(out, ns)
	}
	return out
}

// CreateSnapshot captures a deep copy of the data and namespaces and returns
// the snapshot id.
func (c *Context) CreateSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.NewString()
	c.snapshots[id] = &snapshotRecord{
		data:       deepCopyMap(c.data),
		namespaces: deepCopyNamespaces(c.namespaces),
	}
	return id
}

// RestoreSnapshot replaces the current data with the captured key set,
// removing keys added since the snapshot was taken.
func (c *Context) RestoreSnapshot(id string) error {
	c.mu.Lock()
	snap, ok := c.snapshots[id]
	if !ok {
		c.mu.Unlock()
		return errors.WithMessagef(SnapshotNotFoundError, "id %q", id)
	}
	c.data = deepCopyMap(snap.data)
	c.namespaces = deepCopyNamespaces(snap.namespaces)
	c.modifiedAt = time.Now()
	c.mu.Unlock()
	c.fireChanged()
	return nil
}

func (c *Context) BeginTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return TransactionActiveError
	}
	c.tx = &txRecord{
		data:       deepCopyMap(c.data),
		namespaces: deepCopyNamespaces(c.namespaces),
	}
	return nil
}

func (c *Context) CommitTransaction() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return NoTransactionError
	}
	c.tx = nil
	return nil
}

// RollbackTransaction discards every write and delete made since
// BeginTransaction, restoring the exact prior key set.
func (c *Context) RollbackTransaction() error {
	c.mu.Lock()
	if c.tx == nil {
		c.mu.Unlock()
		return NoTransactionError
	}
	c.data = c.tx.data
	c.namespaces = c.tx.namespaces
	c.tx = nil
	c.modifiedAt = time.Now()
	c.mu.Unlock()
	c.fireChanged()
	return nil
}

// SetValidationRules installs per-key rules consulted on every write.
func (c *Context) SetValidationRules(rules map[string]ValidationRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, r := range rules {
		c.rules[k] = r
	}
}

// History returns the recorded versions of key, oldest first.
func (c *Context) History(key string) ([]HistoryEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.trackHistory {
		return nil, HistoryDisabledError
	}
	entries := c.history[key]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// RevertToVersion re-applies the value recorded at index, appending a new
// history entry rather than truncating the log.
func (c *Context) RevertToVersion(key string, index int) error {
	c.mu.Lock()
	if !c.trackHistory {
		c.mu.Unlock()
		return HistoryDisabledError
	}
	entries := c.history[key]
	if index < 0 || index >= len(entries) {
		c.mu.Unlock()
		return errors.WithMessagef(VersionNotFoundError, "key %q index %d of %d", key, index, len(entries))
	}
	c.writeLocked(key, entries[index].Value)
	c.mu.Unlock()
	c.fireChanged()
	return nil
}

func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	c.metadata[key] = value
	c.modifiedAt = time.Now()
	c.mu.Unlock()
}

func (c *Context) GetMetadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

func (c *Context) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.metadata)
}

func (c *Context) RemoveMetadata(key string) {
	c.mu.Lock()
	delete(c.metadata, key)
	c.mu.Unlock()
}

// RegisterService exposes a dependency to task code running against this
// context.
func (c *Context) RegisterService(name string, svc any) {
	c.mu.Lock()
	c.services[name] = svc
	c.mu.Unlock()
}

func (c *Context) Service(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[name]
	return svc, ok
}

// SetTaskResult records an upstream task's output so later tasks can read
// it. Called by the workflow executor.
func (c *Context) SetTaskResult(taskName string, result any) {
	c.mu.Lock()
	c.taskResults[taskName] = result
	c.mu.Unlock()
}

func (c *Context) TaskResult(taskName string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.taskResults[taskName]
	return r, ok
}

// Cancel sets the cooperative cancellation flag. Running tasks are expected
// to poll IsCancelled; nothing is preempted.
func (c *Context) Cancel() {
	c.cancelled.Store(true)
}

func (c *Context) IsCancelled() bool {
	return c.cancelled.Load()
}

// SetProgressReporter installs the callback invoked by ReportProgress.
func (c *Context) SetProgressReporter(fn func(fraction float64)) {
	c.mu.Lock()
	c.progressFn = fn
	c.mu.Unlock()
}

func (c *Context) ReportProgress(fraction float64) {
	c.mu.RLock()
	fn := c.progressFn
	c.mu.RUnlock()
	if fn != nil {
		fn(fraction)
	}
}

// ExportData returns a deep copy of the default-namespace data for copying
// into another context.
func (c *Context) ExportData() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.data)
}

func (c *Context) ImportData(data map[string]any) error {
	return c.Merge(data)
}

// setOnChange wires the owning manager's change notification.
func (c *Context) setOnChange(fn func(*Context)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Context) fireChanged() {
	c.mu.RLock()
	fn := c.onChange
	c.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

// persistSnapshot captures what SaveContext writes to disk.
func (c *Context) persistSnapshot() (map[string]any, map[string]map[string]any, map[string]any) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta := deepCopyMap(c.metadata)
	meta["created_at"] = c.createdAt.Format(time.RFC3339Nano)
	meta["modified_at"] = c.modifiedAt.Format(time.RFC3339Nano)
	meta["name"] = c.name
	return deepCopyMap(c.data), deepCopyNamespaces(c.namespaces), meta
}

// restorePersisted loads data previously written by SaveContext.
func (c *Context) restorePersisted(data map[string]any, namespaces map[string]map[string]any) {
	c.mu.Lock()
	c.data = data
	if namespaces != nil {
		c.namespaces = namespaces
	}
	c.modifiedAt = time.Now()
	c.mu.Unlock()
}

// deepCopyMap copies nested maps and slices; scalar and opaque values are
// shared.
func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyNamespaces(ns map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(ns))
	for name, bucket := range ns {
		out[name] = deepCopyMap(bucket)
	}
	return out
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
