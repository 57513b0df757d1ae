package orchest

import (
	"sync"

	"github.com/quantaleaf/orchest/state"
	"github.com/quantaleaf/orchest/workflow"
)

// Hook names accepted by RegisterHook.
const (
	HookBeforeWorkflow = "before_workflow_execution"
	HookAfterWorkflow  = "after_workflow_execution"
	HookBeforeTask     = "before_task_execution"
	HookAfterTask      = "after_task_execution"
)

// HookEvent carries what is known at the hook's point in the execution.
// Result fields are nil for the before hooks.
type HookEvent struct {
	Workflow       string
	Task           string
	Context        *state.Context
	WorkflowResult *workflow.Result
	TaskResult     *workflow.TaskResult
}

// HookFunc observes one execution point. Hooks run synchronously on the
// executing goroutine.
type HookFunc func(*HookEvent)

type hookEntry struct {
	id int
	fn HookFunc
}

// hookRegistry holds the named hook lists under its own mutex.
type hookRegistry struct {
	mu     sync.RWMutex
	hooks  map[string][]hookEntry
	nextID int
}

func newHookRegistry() *hookRegistry {
	return &hookRegistry{hooks: make(map[string][]hookEntry)}
}

func (r *hookRegistry) register(name string, fn HookFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.hooks[name] = append(r.hooks[name], hookEntry{id: r.nextID, fn: fn})
	return r.nextID
}

func (r *hookRegistry) unregister(name string, id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.hooks[name]
	for i, entry := range entries {
		if entry.id == id {
			r.hooks[name] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *hookRegistry) run(name string, ev *HookEvent) {
	r.mu.RLock()
	entries := make([]hookEntry, len(r.hooks[name]))
	copy(entries, r.hooks[name])
	r.mu.RUnlock()
	for _, entry := range entries {
		entry.fn(ev)
	}
}

// engineHooks adapts the engine's hook registry and performance monitor to
// the workflow manager's ExecutionHooks contract.
type engineHooks struct {
	engine *Engine
}

func (h engineHooks) BeforeWorkflow(workflowName string, c *state.Context) {
	h.engine.hooks.run(HookBeforeWorkflow, &HookEvent{Workflow: workflowName, Context: c})
}

func (h engineHooks) AfterWorkflow(workflowName string, r *workflow.Result) {
	h.engine.monitor.recordWorkflow(workflowName, r.Duration)
	h.engine.hooks.run(HookAfterWorkflow, &HookEvent{Workflow: workflowName, Context: r.Context, WorkflowResult: r})
}

func (h engineHooks) BeforeTask(workflowName, taskName string, c *state.Context) {
	h.engine.hooks.run(HookBeforeTask, &HookEvent{Workflow: workflowName, Task: taskName, Context: c})
}

func (h engineHooks) AfterTask(workflowName, taskName string, r *workflow.TaskResult) {
	h.engine.monitor.recordTask(workflowName, taskName, r.Duration)
	h.engine.hooks.run(HookAfterTask, &HookEvent{Workflow: workflowName, Task: taskName, TaskResult: r})
}
