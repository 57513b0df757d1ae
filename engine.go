package orchest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/quantaleaf/orchest/event"
	"github.com/quantaleaf/orchest/state"
	"github.com/quantaleaf/orchest/workflow"
)

var (
	ComponentExistsError   = errors.New("component already registered")
	ComponentNotFoundError = errors.New("component not found")
	PluginExistsError      = errors.New("plugin already registered")
	EngineStoppedError     = errors.New("engine has been shut down")
)

// Keys the built-in managers are registered under in the component
// registry.
const (
	ComponentEventManager    = "event_manager"
	ComponentWorkflowManager = "workflow_manager"
	ComponentContextManager  = "context_manager"
)

// Component is the optional lifecycle contract for registered components.
// Anything may be registered; only implementors of Component are driven
// through Initialize and Shutdown.
type Component interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Plugin extends the engine. It receives the engine at initialize time and
// may register subscribers, services or components of its own.
type Plugin interface {
	Initialize(ctx context.Context, engine *Engine) error
	Shutdown(ctx context.Context) error
}

// Option configures a new Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger    *slog.Logger
	cfg       EngineConfig
	stateCfg  *state.Config
	wfOptions []workflow.ManagerOption
}

// WithLogger replaces the default slog logger on the engine and its
// managers.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithEngineConfig applies a resolved engine configuration.
func WithEngineConfig(cfg EngineConfig) Option {
	return func(o *engineOptions) { o.cfg = cfg }
}

// WithStateConfig replaces the default context persistence configuration.
func WithStateConfig(cfg state.Config) Option {
	return func(o *engineOptions) { o.stateCfg = &cfg }
}

// WithWorkflowOptions forwards options to the built-in workflow manager,
// e.g. an execution lock.
func WithWorkflowOptions(opts ...workflow.ManagerOption) Option {
	return func(o *engineOptions) { o.wfOptions = append(o.wfOptions, opts...) }
}

// Engine is the process-wide coordinator. It owns one event manager, one
// workflow manager and one context manager, plus the component, plugin and
// service registries, named execution hooks, and a small shared state
// store. Construct one per process and pass it by reference; there is no
// ambient singleton.
type Engine struct {
	cfg       EngineConfig
	logger    *slog.Logger
	events    *event.Manager
	workflows *workflow.Manager
	contexts  *state.Manager
	hooks     *hookRegistry
	monitor   *performanceMonitor

	mu             sync.RWMutex
	components     map[string]any
	componentOrder []string
	plugins        map[string]Plugin
	pluginOrder    []string
	services       map[string]any
	stateStore     map[string]any
	initialized    bool
	stopped        bool

	workflowSem chan struct{}
}

// New builds an engine with its three managers wired together. The context
// manager defaults to file persistence under the OS temp directory; pass
// WithStateConfig to place it elsewhere.
func New(opts ...Option) (*Engine, error) {
	options := &engineOptions{
		logger: slog.Default(),
		cfg:    DefaultEngineConfig(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if err := options.cfg.Validate(); err != nil {
		return nil, err
	}

	stateCfg := state.Config{
		PersistenceType: "file",
		StorageDir:      filepath.Join(os.TempDir(), "orchest", "contexts"),
	}
	if options.stateCfg != nil {
		stateCfg = *options.stateCfg
	}
	contexts, err := state.NewManager(stateCfg, state.WithLogger(options.logger))
	if err != nil {
		return nil, err
	}

	eventOpts := []event.ManagerOption{event.WithLogger(options.logger)}
	if options.cfg.MaxQueueSize > 0 {
		eventOpts = append(eventOpts, event.WithMaxQueueSize(options.cfg.MaxQueueSize))
	}

	wfOpts := append([]workflow.ManagerOption{workflow.WithLogger(options.logger)}, options.wfOptions...)

	e := &Engine{
		cfg:        options.cfg,
		logger:     options.logger,
		events:     event.NewManager(eventOpts...),
		workflows:  workflow.NewManager(wfOpts...),
		contexts:   contexts,
		hooks:      newHookRegistry(),
		monitor:    newPerformanceMonitor(),
		components: make(map[string]any),
		plugins:    make(map[string]Plugin),
		services:   make(map[string]any),
		stateStore: make(map[string]any),
	}
	if options.cfg.MaxConcurrentWorkflows > 0 {
		e.workflowSem = make(chan struct{}, options.cfg.MaxConcurrentWorkflows)
	}

	e.workflows.SetHooks(engineHooks{engine: e})
	e.contexts.OnContextCreated(e.injectServices)

	e.components[ComponentEventManager] = e.events
	e.components[ComponentWorkflowManager] = e.workflows
	e.components[ComponentContextManager] = e.contexts

	return e, nil
}

// Events returns the built-in event manager.
func (e *Engine) Events() *event.Manager { return e.events }

// Workflows returns the built-in workflow manager.
func (e *Engine) Workflows() *workflow.Manager { return e.workflows }

// Contexts returns the built-in context manager.
func (e *Engine) Contexts() *state.Manager { return e.contexts }

// Config returns the resolved engine configuration.
func (e *Engine) Config() EngineConfig { return e.cfg }

// Initialize drives every registered component and plugin through its
// initialize step, in registration order. Calling it twice is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return EngineStoppedError
	}
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = true
	componentOrder := append([]string(nil), e.componentOrder...)
	pluginOrder := append([]string(nil), e.pluginOrder...)
	e.mu.Unlock()

	for _, key := range componentOrder {
		if err := e.initializeComponent(ctx, key); err != nil {
			return err
		}
	}
	for _, name := range pluginOrder {
		e.mu.RLock()
		p := e.plugins[name]
		e.mu.RUnlock()
		if err := p.Initialize(ctx, e); err != nil {
			return errors.WithMessagef(err, "initialize plugin %q", name)
		}
	}
	e.logger.Info("engine initialized", "name", e.cfg.Name, "version", e.cfg.Version)
	return nil
}

// IsInitialized reports whether Initialize completed.
func (e *Engine) IsInitialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized && !e.stopped
}

// Shutdown tears down every plugin and component exactly once, in reverse
// registration order, then closes the event bus. Subsequent calls are
// no-ops.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.initialized = false
	pluginOrder := append([]string(nil), e.pluginOrder...)
	componentOrder := append([]string(nil), e.componentOrder...)
	plugins := make(map[string]Plugin, len(e.plugins))
	for k, v := range e.plugins {
		plugins[k] = v
	}
	components := make(map[string]any, len(e.components))
	for k, v := range e.components {
		components[k] = v
	}
	e.mu.Unlock()

	var firstErr error
	for i := len(pluginOrder) - 1; i >= 0; i-- {
		name := pluginOrder[i]
		if err := plugins[name].Shutdown(ctx); err != nil {
			e.logger.Error("plugin shutdown failed", "plugin", name, "err", err)
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "shutdown plugin %q", name)
			}
		}
	}
	for i := len(componentOrder) - 1; i >= 0; i-- {
		key := componentOrder[i]
		comp, ok := components[key].(Component)
		if !ok {
			continue
		}
		if err := comp.Shutdown(ctx); err != nil {
			e.logger.Error("component shutdown failed", "component", key, "err", err)
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "shutdown component %q", key)
			}
		}
	}
	e.events.Close()
	e.logger.Info("engine shut down", "name", e.cfg.Name)
	return firstErr
}

// RegisterComponent adds an arbitrary component under key. When the engine
// is already initialized and the component implements Component, it is
// initialized immediately.
func (e *Engine) RegisterComponent(key string, comp any) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return EngineStoppedError
	}
	if _, exists := e.components[key]; exists {
		e.mu.Unlock()
		return errors.WithMessagef(ComponentExistsError, "key %q", key)
	}
	e.components[key] = comp
	e.componentOrder = append(e.componentOrder, key)
	initialized := e.initialized
	e.mu.Unlock()

	e.monitor.countOperation("register_component")
	if initialized {
		return e.initializeComponent(context.Background(), key)
	}
	return nil
}

func (e *Engine) initializeComponent(ctx context.Context, key string) error {
	e.mu.RLock()
	comp, ok := e.components[key].(Component)
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := comp.Initialize(ctx); err != nil {
		return errors.WithMessagef(err, "initialize component %q", key)
	}
	return nil
}

// Component looks up a registered component, including the built-in
// managers.
func (e *Engine) Component(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	comp, ok := e.components[key]
	return comp, ok
}

// RegisterPlugin adds a plugin. When the engine is already initialized the
// plugin is initialized immediately.
func (e *Engine) RegisterPlugin(name string, p Plugin) error {
	if p == nil {
		return errors.New("nil plugin")
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return EngineStoppedError
	}
	if _, exists := e.plugins[name]; exists {
		e.mu.Unlock()
		return errors.WithMessagef(PluginExistsError, "name %q", name)
	}
	e.plugins[name] = p
	e.pluginOrder = append(e.pluginOrder, name)
	initialized := e.initialized
	e.mu.Unlock()

	e.monitor.countOperation("register_plugin")
	if initialized {
		if err := p.Initialize(context.Background(), e); err != nil {
			return errors.WithMessagef(err, "initialize plugin %q", name)
		}
	}
	return nil
}

// RegisterService exposes a dependency to task code: every context the
// engine's context manager creates afterwards carries it, reachable via
// state.Context.Service.
func (e *Engine) RegisterService(name string, svc any) {
	e.mu.Lock()
	e.services[name] = svc
	e.mu.Unlock()
	e.monitor.countOperation("register_service")
}

// Service looks up a registered service.
func (e *Engine) Service(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	svc, ok := e.services[name]
	return svc, ok
}

// injectServices copies the registered services into a freshly created
// context.
func (e *Engine) injectServices(c *state.Context) {
	e.mu.RLock()
	services := make(map[string]any, len(e.services))
	for k, v := range e.services {
		services[k] = v
	}
	e.mu.RUnlock()
	for name, svc := range services {
		c.RegisterService(name, svc)
	}
}

// SetState writes one key of the process-wide engine state store.
func (e *Engine) SetState(key string, value any) {
	e.mu.Lock()
	e.stateStore[key] = value
	e.mu.Unlock()
	e.monitor.countOperation("set_state")
}

// State reads one key of the engine state store.
func (e *Engine) State(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.stateStore[key]
	return v, ok
}

// StateDefault reads one key, falling back to def.
func (e *Engine) StateDefault(key string, def any) any {
	if v, ok := e.State(key); ok {
		return v
	}
	return def
}

// RegisterHook adds fn to one of the named hook points and returns an id
// for UnregisterHook.
func (e *Engine) RegisterHook(name string, fn HookFunc) int {
	return e.hooks.register(name, fn)
}

// UnregisterHook removes a previously registered hook.
func (e *Engine) UnregisterHook(name string, id int) bool {
	return e.hooks.unregister(name, id)
}

// ExecuteWorkflow runs a registered workflow against c (nil for a fresh
// context), bounded by the configured workflow concurrency limit.
func (e *Engine) ExecuteWorkflow(ctx context.Context, name string, c *state.Context) (*workflow.Result, error) {
	if e.workflowSem != nil {
		select {
		case e.workflowSem <- struct{}{}:
			defer func() { <-e.workflowSem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.monitor.countOperation("execute_workflow")
	return e.workflows.Execute(ctx, name, &workflow.ExecuteOptions{Context: c})
}

// PublishEvent enqueues an event on the built-in bus.
func (e *Engine) PublishEvent(ev *event.Event) error {
	e.monitor.countOperation("publish_event")
	return e.events.Publish(ev)
}

// ProcessEvents drains the event queue on the calling goroutine.
func (e *Engine) ProcessEvents(ctx context.Context) error {
	return e.events.Process(ctx)
}

// ProcessEventsAsync drains the event queue on background workers, one per
// configured worker pool slot.
func (e *Engine) ProcessEventsAsync() {
	workers := e.cfg.WorkerPoolSize
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.events.ProcessAsync()
	}
}

// WaitForEvents blocks until every async event processing pass drained.
func (e *Engine) WaitForEvents(ctx context.Context) error {
	return e.events.WaitForCompletion(ctx)
}

// EnablePerformanceMonitoring starts recording per-workflow and per-task
// timings plus operation counters.
func (e *Engine) EnablePerformanceMonitoring() {
	e.monitor.enable()
}

// PerformanceStats returns a copy of everything recorded so far.
func (e *Engine) PerformanceStats() PerformanceStats {
	return e.monitor.stats()
}
