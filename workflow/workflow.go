package workflow

import (
	"github.com/quantaleaf/orchest/state"
)

// Step is the tagged union over the two things a conditional branch can
// target: a single Task or a nested Workflow. Both expose one execute
// capability; the executor records the outcome through the StepOutcome
// variant that is set.
type Step interface {
	StepName() string
	ExecuteStep(c *state.Context) *StepOutcome
}

// StepOutcome carries exactly one of a task result or a nested workflow
// result, matching the Step variant that produced it.
type StepOutcome struct {
	Task     *TaskResult
	Workflow *Result
}

type taskStep struct {
	task *Task
}

// TaskStep wraps a task as a branch target.
func TaskStep(t *Task) Step { return &taskStep{task: t} }

func (s *taskStep) StepName() string { return s.task.Name }

func (s *taskStep) ExecuteStep(c *state.Context) *StepOutcome {
	return &StepOutcome{Task: s.task.run(c)}
}

type workflowStep struct {
	workflow *Workflow
}

// WorkflowStep wraps a nested workflow as a branch target.
func WorkflowStep(w *Workflow) Step { return &workflowStep{workflow: w} }

func (s *workflowStep) StepName() string { return s.workflow.Name }

func (s *workflowStep) ExecuteStep(c *state.Context) *StepOutcome {
	return &StepOutcome{Workflow: newExecutor(s.workflow, nil).run(c)}
}

// branch routes execution after one task based on a field of its result.
type branch struct {
	field   string
	targets map[any]Step
}

// unit is one slot in the workflow body: a single task, a parallel group of
// tasks, or a subworkflow. Units run in declaration order unless
// dependencies force a different task order.
type unit struct {
	task  *Task
	group []*Task
	sub   *Workflow
}

// Workflow is a named, versioned graph of tasks with dependency, branching
// and parallelism rules. Build one with AddTask and friends, then register
// it with a Manager or execute it directly through the manager API.
type Workflow struct {
	Name    string
	Version string

	units     []unit
	taskIndex map[string]*Task
	deps      map[string][]string // task -> tasks it depends on
	branches  map[string]*branch  // task -> conditional branch

	errorHandler func(c *state.Context, err error)
	abortOnError bool
	transformer  func(*Result) any
}

// NewWorkflow creates an empty workflow. An empty version defaults to
// "1.0.0".
func NewWorkflow(name string, version string) *Workflow {
	if version == "" {
		version = "1.0.0"
	}
	return &Workflow{
		Name:         name,
		Version:      version,
		taskIndex:    make(map[string]*Task),
		deps:         make(map[string][]string),
		branches:     make(map[string]*branch),
		abortOnError: true,
	}
}

// AddTask appends a task to the declaration order.
func (w *Workflow) AddTask(t *Task) *Workflow {
	w.units = append(w.units, unit{task: t})
	w.taskIndex[t.Name] = t
	return w
}

// AddDependency declares that taskName must not start before dependsOn
// completed. The dependency relation must stay acyclic; a cycle fails
// validation before execution starts.
func (w *Workflow) AddDependency(taskName, dependsOn string) *Workflow {
	w.deps[taskName] = append(w.deps[taskName], dependsOn)
	return w
}

// AddConditionalBranch routes execution after taskName: when its result
// carries outputField, the step registered for that field value runs next,
// then declaration order resumes. A value with no registered step is a
// no-op.
func (w *Workflow) AddConditionalBranch(taskName, outputField string, targets map[any]Step) *Workflow {
	w.branches[taskName] = &branch{field: outputField, targets: targets}
	return w
}

// AddParallelTasks appends a group whose members run concurrently. The
// workflow proceeds once every member finished; each member's result is
// tracked individually.
func (w *Workflow) AddParallelTasks(tasks ...*Task) *Workflow {
	w.units = append(w.units, unit{group: tasks})
	for _, t := range tasks {
		w.taskIndex[t.Name] = t
	}
	return w
}

// AddSubworkflow appends a nested workflow executed as one unit. Its task
// results are reported under SubworkflowResults, keyed by its name.
func (w *Workflow) AddSubworkflow(sub *Workflow) *Workflow {
	w.units = append(w.units, unit{sub: sub})
	return w
}

// SetErrorHandler installs a handler invoked on the first task failure. The
// result records ErrorHandled; IsSuccess stays false.
func (w *Workflow) SetErrorHandler(fn func(c *state.Context, err error)) *Workflow {
	w.errorHandler = fn
	return w
}

// SetAbortOnError controls whether a task failure stops the workflow.
// Default true; when false, remaining tasks still run and the result stays
// unsuccessful.
func (w *Workflow) SetAbortOnError(abort bool) *Workflow {
	w.abortOnError = abort
	return w
}

// SetResultTransformer derives TransformedResult from the finished Result.
func (w *Workflow) SetResultTransformer(fn func(*Result) any) *Workflow {
	w.transformer = fn
	return w
}

// Task looks up a declared task by name.
func (w *Workflow) Task(name string) (*Task, bool) {
	t, ok := w.taskIndex[name]
	return t, ok
}

// TaskNames lists every declared task in declaration order, parallel group
// members in group order.
func (w *Workflow) TaskNames() []string {
	var out []string
	for _, u := range w.units {
		switch {
		case u.task != nil:
			out = append(out, u.task.Name)
		case u.group != nil:
			for _, t := range u.group {
				out = append(out, t.Name)
			}
		}
	}
	return out
}

// hasDependencies reports whether any dependency edges were declared.
func (w *Workflow) hasDependencies() bool {
	return len(w.deps) > 0
}
