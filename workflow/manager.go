package workflow

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/quantaleaf/orchest/state"
)

var AlreadyRegisteredError = errors.New("workflow already registered")

// ExecutionRecord is one entry of a workflow's execution history.
type ExecutionRecord struct {
	WorkflowName   string
	Version        string
	IsSuccess      bool
	FailedTaskName string
	Err            error
	StartedAt      time.Time
	Duration       time.Duration
}

// TaskStats aggregates per-task execution timings.
type TaskStats struct {
	Count         int64
	TotalDuration time.Duration
	LastDuration  time.Duration
}

func (s *TaskStats) AverageDuration() time.Duration {
	if s == nil || s.Count == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Count)
}

// WorkflowMetrics aggregates one workflow's execution timings.
type WorkflowMetrics struct {
	ExecutionCount int64
	SuccessCount   int64
	TotalDuration  time.Duration
	LastDuration   time.Duration
	TaskStats      map[string]*TaskStats
}

func (m *WorkflowMetrics) AverageDuration() time.Duration {
	if m == nil || m.ExecutionCount == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.ExecutionCount)
}

// ExecuteOptions selects the context and version for one execution. A nil
// Context makes the manager create a fresh one.
type ExecuteOptions struct {
	Context *state.Context
	Version string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithExecutionLock serializes Execute per workflow name through lock, for
// hosts sharing one definition store across processes. maxHold bounds how
// long one execution may hold the lock.
func WithExecutionLock(lock ExecutionLock, maxHold time.Duration) ManagerOption {
	return func(m *Manager) {
		m.execLock = lock
		m.lockHold = maxHold
	}
}

// Manager owns the registered workflow definitions, keyed by (name,
// version), and runs them. All registry access is mutex-guarded; any number
// of goroutines may execute workflows concurrently.
type Manager struct {
	logger   *slog.Logger
	execLock ExecutionLock
	lockHold time.Duration

	mu           sync.RWMutex
	workflows    map[string]map[string]*Workflow
	versionOrder map[string][]string // registration order per name
	running      map[string][]*state.Context
	historyOn    bool
	historyLimit int
	history      map[string][]*ExecutionRecord
	store        HistoryStore
	metrics      map[string]*WorkflowMetrics
	hooks        ExecutionHooks
	progress     ProgressListener
}

// NewManager creates an empty workflow manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:       slog.Default(),
		workflows:    make(map[string]map[string]*Workflow),
		versionOrder: make(map[string][]string),
		running:      make(map[string][]*state.Context),
		history:      make(map[string][]*ExecutionRecord),
		metrics:      make(map[string]*WorkflowMetrics),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a validated workflow definition under its (name, version)
// key. Registering the same pair twice is an error.
func (m *Manager) Register(w *Workflow) error {
	if w == nil || w.Name == "" {
		return errors.New("workflow must have a name")
	}
	if err := Validate(w); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.workflows[w.Name]
	if !ok {
		versions = make(map[string]*Workflow)
		m.workflows[w.Name] = versions
	}
	if _, exists := versions[w.Version]; exists {
		return errors.WithMessagef(AlreadyRegisteredError, "%s@%s", w.Name, w.Version)
	}
	versions[w.Version] = w
	m.versionOrder[w.Name] = append(m.versionOrder[w.Name], w.Version)
	return nil
}

// Unregister removes every version of name.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	delete(m.workflows, name)
	delete(m.versionOrder, name)
	m.mu.Unlock()
}

// Has reports whether any version of name is registered.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workflows[name]) > 0
}

// Get returns one registered workflow. An empty version resolves to the
// latest registered one.
func (m *Manager) Get(name, version string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLocked(name, version)
}

// Names lists the registered workflow names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.workflows))
	for name := range m.workflows {
		out = append(out, name)
	}
	return out
}

// Versions lists the registered versions of name in registration order.
func (m *Manager) Versions(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.versionOrder[name]))
	copy(out, m.versionOrder[name])
	return out
}

// SetHooks installs the execution hooks dispatcher invoked synchronously
// around every workflow and task.
func (m *Manager) SetHooks(hooks ExecutionHooks) {
	m.mu.Lock()
	m.hooks = hooks
	m.mu.Unlock()
}

// SetProgressListener installs the progress callback.
func (m *Manager) SetProgressListener(fn ProgressListener) {
	m.mu.Lock()
	m.progress = fn
	m.mu.Unlock()
}

// EnableExecutionHistory keeps the most recent limit execution records per
// workflow. Zero means DefaultHistoryLimit.
func (m *Manager) EnableExecutionHistory(limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	m.mu.Lock()
	m.historyOn = true
	m.historyLimit = limit
	m.mu.Unlock()
}

// DefaultHistoryLimit bounds the in-memory execution history per workflow.
const DefaultHistoryLimit = 100

// ExecutionHistory returns the recorded executions of name, oldest first.
func (m *Manager) ExecutionHistory(name string) ([]*ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.historyOn {
		return nil, HistoryDisabledError
	}
	records := m.history[name]
	out := make([]*ExecutionRecord, len(records))
	copy(out, records)
	return out, nil
}

// SetHistoryStore additionally persists every execution record through
// store. Persistence is best-effort: a store failure is logged, never
// surfaced to the executing caller.
func (m *Manager) SetHistoryStore(store HistoryStore) {
	m.mu.Lock()
	m.store = store
	m.mu.Unlock()
}

// StoredHistory reads the durably persisted execution records of name from
// the history store, oldest first. Fails with HistoryDisabledError when no
// store is configured.
func (m *Manager) StoredHistory(ctx context.Context, name string) ([]*ExecutionRecord, error) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return nil, HistoryDisabledError
	}
	asc := true
	rows, err := store.QueryRecords(ctx, &QueryExecutionRecordParams{
		WorkflowNameIn: []string{name},
		OrderbyIDAsc:   &asc,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionRecord, len(rows))
	for i, po := range rows {
		out[i] = po.toRecord()
	}
	return out, nil
}

// Metrics returns the aggregated execution metrics of name, or nil when it
// never ran.
func (m *Manager) Metrics(name string) *WorkflowMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	met, ok := m.metrics[name]
	if !ok {
		return nil
	}
	copied := *met
	copied.TaskStats = make(map[string]*TaskStats, len(met.TaskStats))
	for k, v := range met.TaskStats {
		stat := *v
		copied.TaskStats[k] = &stat
	}
	return &copied
}

// Execute runs one workflow to completion on the calling goroutine and
// returns its structured result. Task failures are reported inside the
// result; the error return covers lookup, validation and lock failures
// only.
func (m *Manager) Execute(ctx context.Context, name string, opts *ExecuteOptions) (*Result, error) {
	if opts == nil {
		opts = &ExecuteOptions{}
	}
	m.mu.RLock()
	w, err := m.resolveLocked(name, opts.Version)
	hooks := m.hooks
	progress := m.progress
	execLock := m.execLock
	lockHold := m.lockHold
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if err := Validate(w); err != nil {
		return nil, err
	}

	c := opts.Context
	if c == nil {
		c = state.NewContext(name + "-execution")
	}

	m.trackRunning(name, c)
	defer m.untrackRunning(name, c)

	var res *Result
	runOnce := func(context.Context) error {
		res = newExecutor(w, &observer{hooks: hooks, progress: progress}).run(c)
		return nil
	}
	if execLock != nil {
		if err := execLock.NonBlockingSynchronized(ctx, "workflow_execute:"+name, lockHold, runOnce); err != nil {
			return nil, err
		}
	} else {
		_ = runOnce(ctx)
	}

	m.record(ctx, w, res)
	return res, nil
}

// Execution is the handle returned by ExecuteAsync. Wait on Done or one of
// the Result variants; there is no implicit background wait.
type Execution struct {
	done   chan struct{}
	result *Result
	err    error
}

// Done is closed once the execution finished.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Result blocks until the execution finished or ctx expires.
func (e *Execution) Result(ctx context.Context) (*Result, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return nil, errors.WithMessagef(ExecutionTimeoutError, "%v", ctx.Err())
	}
}

// ResultTimeout blocks for at most d.
func (e *Execution) ResultTimeout(d time.Duration) (*Result, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-time.After(d):
		return nil, errors.WithMessagef(ExecutionTimeoutError, "after %s", d)
	}
}

// ExecuteAsync starts the execution on a background goroutine and returns
// immediately.
func (m *Manager) ExecuteAsync(ctx context.Context, name string, opts *ExecuteOptions) *Execution {
	exec := &Execution{done: make(chan struct{})}
	go func() {
		defer close(exec.done)
		exec.result, exec.err = m.Execute(ctx, name, opts)
	}()
	return exec
}

// Cancel cooperatively cancels every running execution of name by flagging
// its context. Running tasks are expected to poll Context.IsCancelled;
// nothing is preempted.
func (m *Manager) Cancel(name string) error {
	m.mu.RLock()
	_, registered := m.workflows[name]
	active := make([]*state.Context, len(m.running[name]))
	copy(active, m.running[name])
	m.mu.RUnlock()
	if !registered {
		return errors.WithMessagef(WorkflowNotFoundError, "%q", name)
	}
	for _, c := range active {
		c.Cancel()
	}
	return nil
}

// RunningCount reports how many executions of name are in flight.
func (m *Manager) RunningCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.running[name])
}

func (m *Manager) trackRunning(name string, c *state.Context) {
	m.mu.Lock()
	m.running[name] = append(m.running[name], c)
	m.mu.Unlock()
}

func (m *Manager) untrackRunning(name string, c *state.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.running[name]
	for i, existing := range active {
		if existing == c {
			m.running[name] = append(active[:i], active[i+1:]...)
			return
		}
	}
}

// record updates history, metrics and the optional durable store after one
// execution.
func (m *Manager) record(ctx context.Context, w *Workflow, res *Result) {
	rec := &ExecutionRecord{
		WorkflowName:   w.Name,
		Version:        w.Version,
		IsSuccess:      res.IsSuccess,
		FailedTaskName: res.FailedTaskName,
		Err:            res.Err,
		StartedAt:      res.StartedAt,
		Duration:       res.Duration,
	}

	m.mu.Lock()
	if m.historyOn {
		records := append(m.history[w.Name], rec)
		if len(records) > m.historyLimit {
			records = records[len(records)-m.historyLimit:]
		}
		m.history[w.Name] = records
	}
	met, ok := m.metrics[w.Name]
	if !ok {
		met = &WorkflowMetrics{TaskStats: make(map[string]*TaskStats)}
		m.metrics[w.Name] = met
	}
	met.ExecutionCount++
	if res.IsSuccess {
		met.SuccessCount++
	}
	met.TotalDuration += res.Duration
	met.LastDuration = res.Duration
	for taskName, tr := range res.TaskResults {
		stat, ok := met.TaskStats[taskName]
		if !ok {
			stat = &TaskStats{}
			met.TaskStats[taskName] = stat
		}
		stat.Count++
		stat.TotalDuration += tr.Duration
		stat.LastDuration = tr.Duration
	}
	store := m.store
	m.mu.Unlock()

	if store != nil {
		if _, err := store.SaveRecord(ctx, recordPo(rec)); err != nil {
			m.logger.Warn("persisting execution record failed", "workflow", w.Name, "err", err)
		}
	}
}

// resolveLocked finds one workflow under the read lock. An empty version
// picks the highest registered version by numeric dotted comparison,
// falling back to registration order for non-numeric versions.
func (m *Manager) resolveLocked(name, version string) (*Workflow, error) {
	versions, ok := m.workflows[name]
	if !ok || len(versions) == 0 {
		return nil, errors.WithMessagef(WorkflowNotFoundError, "%q", name)
	}
	if version != "" {
		w, ok := versions[version]
		if !ok {
			return nil, errors.WithMessagef(VersionNotFoundError, "%s@%s", name, version)
		}
		return w, nil
	}
	order := m.versionOrder[name]
	latest := order[0]
	for _, v := range order[1:] {
		if compareVersions(v, latest) >= 0 {
			latest = v
		}
	}
	return versions[latest], nil
}

// compareVersions compares dotted version strings segment by segment,
// numerically where both segments parse, lexically otherwise.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if as[i] != bs[i] {
				if as[i] < bs[i] {
					return -1
				}
				return 1
			}
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}
