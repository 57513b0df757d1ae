package workflow

import (
	"sync"
	"time"

	"github.com/quantaleaf/orchest/state"
)

// Result is the structured outcome handed back for every execution. Callers
// never see a raw task error; failures are reported through IsSuccess,
// FailedTaskName and Err.
type Result struct {
	WorkflowName       string
	IsSuccess          bool
	TaskResults        map[string]*TaskResult
	SubworkflowResults map[string]*Result
	FailedTaskName     string
	Err                error
	ErrorHandled       bool
	TransformedResult  any
	Context            *state.Context
	StartedAt          time.Time
	Duration           time.Duration
}

// ExecutionHooks observe execution synchronously: before/after the whole
// workflow and before/after each task, in that nesting order.
type ExecutionHooks interface {
	BeforeWorkflow(workflowName string, c *state.Context)
	AfterWorkflow(workflowName string, r *Result)
	BeforeTask(workflowName, taskName string, c *state.Context)
	AfterTask(workflowName, taskName string, r *TaskResult)
}

// ProgressListener receives (workflow, task, fraction) after each completed
// unit. The final call reports an empty task name and fraction 1.
type ProgressListener func(workflowName, taskName string, fraction float64)

// observer bundles the optional execution callbacks threaded through an
// execution, including direct subworkflow units.
type observer struct {
	hooks    ExecutionHooks
	progress ProgressListener
}

func (o *observer) beforeWorkflow(name string, c *state.Context) {
	if o != nil && o.hooks != nil {
		o.hooks.BeforeWorkflow(name, c)
	}
}

func (o *observer) afterWorkflow(name string, r *Result) {
	if o != nil && o.hooks != nil {
		o.hooks.AfterWorkflow(name, r)
	}
}

func (o *observer) beforeTask(workflowName, taskName string, c *state.Context) {
	if o != nil && o.hooks != nil {
		o.hooks.BeforeTask(workflowName, taskName, c)
	}
}

func (o *observer) afterTask(workflowName, taskName string, r *TaskResult) {
	if o != nil && o.hooks != nil {
		o.hooks.AfterTask(workflowName, taskName, r)
	}
}

func (o *observer) reportProgress(workflowName, taskName string, fraction float64) {
	if o != nil && o.progress != nil {
		o.progress(workflowName, taskName, fraction)
	}
}

// executor runs one workflow once against one context.
type executor struct {
	w   *Workflow
	obs *observer
}

func newExecutor(w *Workflow, obs *observer) *executor {
	return &executor{w: w, obs: obs}
}

// run executes every unit and assembles the result. The caller has already
// validated the workflow.
func (ex *executor) run(c *state.Context) *Result {
	res := &Result{
		WorkflowName:       ex.w.Name,
		IsSuccess:          true,
		TaskResults:        make(map[string]*TaskResult),
		SubworkflowResults: make(map[string]*Result),
		Context:            c,
		StartedAt:          time.Now(),
	}
	_ = c.Set(ContextKeyWorkflowName, ex.w.Name)
	ex.obs.beforeWorkflow(ex.w.Name, c)

	units := ex.orderedUnits()
	for i, u := range units {
		if c.IsCancelled() {
			ex.markRemaining(res, units[i:], Cancelled())
			res.IsSuccess = false
			res.Err = CancelledError
			break
		}
		proceed := true
		switch {
		case u.task != nil:
			proceed = ex.runTask(res, c, u.task)
		case u.group != nil:
			proceed = ex.runGroup(res, c, u.group)
		case u.sub != nil:
			proceed = ex.runSubworkflow(res, c, u.sub)
		}
		ex.obs.reportProgress(ex.w.Name, unitName(u), float64(i+1)/float64(len(units)))
		if !proceed {
			placeholder := Skipped()
			if failed, ok := res.TaskResults[res.FailedTaskName]; ok && failed.Status == TaskStatusCancelled {
				placeholder = Cancelled()
			}
			ex.markRemaining(res, units[i+1:], placeholder)
			break
		}
	}

	if ex.w.transformer != nil {
		res.TransformedResult = ex.w.transformer(res)
	}
	res.Duration = time.Since(res.StartedAt)
	ex.obs.reportProgress(ex.w.Name, "", 1)
	ex.obs.afterWorkflow(ex.w.Name, res)
	return res
}

// orderedUnits applies the topological order when dependencies exist,
// otherwise declaration order. Parallel groups and subworkflows keep their
// declared positions; only single-task units are reordered.
func (ex *executor) orderedUnits() []unit {
	if !ex.w.hasDependencies() {
		return ex.w.units
	}
	ordered, err := topoOrder(ex.w)
	if err != nil {
		// Validation ran before execution; an error here cannot happen.
		return ex.w.units
	}
	out := make([]unit, 0, len(ex.w.units))
	next := 0
	for _, u := range ex.w.units {
		if u.task != nil {
			out = append(out, unit{task: ordered[next]})
			next++
		} else {
			out = append(out, u)
		}
	}
	return out
}

// runTask executes one task, records its result, and follows a conditional
// branch or a dynamically generated workflow when the result calls for one.
// The return value reports whether execution should proceed.
func (ex *executor) runTask(res *Result, c *state.Context, t *Task) bool {
	r := ex.execute(c, t)
	res.TaskResults[t.Name] = r
	if !r.IsSuccess() {
		return ex.fail(res, c, t.Name, r)
	}
	if !ex.followDynamic(res, c, r) {
		return false
	}
	return ex.followBranch(res, c, t.Name, r)
}

// execute wraps one task run with the task hooks and publishes the result
// into the context for downstream tasks.
func (ex *executor) execute(c *state.Context, t *Task) *TaskResult {
	ex.obs.beforeTask(ex.w.Name, t.Name, c)
	r := t.run(c)
	c.SetTaskResult(t.Name, r)
	ex.obs.afterTask(ex.w.Name, t.Name, r)
	return r
}

// runGroup fans the group members out on their own goroutines and blocks
// until all returned. Each member's result is tracked individually; the
// first failing member in group order decides the failure handling.
func (ex *executor) runGroup(res *Result, c *state.Context, group []*Task) bool {
	results := make([]*TaskResult, len(group))
	var wg sync.WaitGroup
	for i, t := range group {
		wg.Add(1)
		go func(i int, t *Task) {
			defer wg.Done()
			results[i] = ex.execute(c, t)
		}(i, t)
	}
	wg.Wait()

	proceed := true
	for i, t := range group {
		res.TaskResults[t.Name] = results[i]
	}
	for i, t := range group {
		if !results[i].IsSuccess() {
			proceed = ex.fail(res, c, t.Name, results[i])
			break
		}
	}
	return proceed
}

// runSubworkflow executes a nested workflow as one unit, reporting its task
// results separately under the subworkflow's name.
func (ex *executor) runSubworkflow(res *Result, c *state.Context, sub *Workflow) bool {
	subRes := newExecutor(sub, ex.obs).run(c)
	res.SubworkflowResults[sub.Name] = subRes
	if subRes.IsSuccess {
		return true
	}
	res.IsSuccess = false
	if res.FailedTaskName == "" {
		res.FailedTaskName = subRes.FailedTaskName
		res.Err = subRes.Err
	}
	return !ex.w.abortOnError
}

// followDynamic runs a workflow the finished task built at runtime and put
// in its result under ResultKeyWorkflow.
func (ex *executor) followDynamic(res *Result, c *state.Context, r *TaskResult) bool {
	v, ok := r.Get(ResultKeyWorkflow)
	if !ok {
		return true
	}
	dyn, ok := v.(*Workflow)
	if !ok {
		return true
	}
	return ex.runSubworkflow(res, c, dyn)
}

// followBranch runs the conditional branch target selected by the task's
// output field, if any. Selection is a pure function of the field value; an
// unmatched value is a no-op.
func (ex *executor) followBranch(res *Result, c *state.Context, taskName string, r *TaskResult) bool {
	br, ok := ex.w.branches[taskName]
	if !ok {
		return true
	}
	value, ok := r.Get(br.field)
	if !ok {
		return true
	}
	step, ok := br.targets[value]
	if !ok {
		return true
	}
	outcome := step.ExecuteStep(c)
	switch {
	case outcome.Task != nil:
		res.TaskResults[step.StepName()] = outcome.Task
		c.SetTaskResult(step.StepName(), outcome.Task)
		if !outcome.Task.IsSuccess() {
			return ex.fail(res, c, step.StepName(), outcome.Task)
		}
	case outcome.Workflow != nil:
		res.SubworkflowResults[step.StepName()] = outcome.Workflow
		if !outcome.Workflow.IsSuccess {
			res.IsSuccess = false
			if res.FailedTaskName == "" {
				res.FailedTaskName = outcome.Workflow.FailedTaskName
				res.Err = outcome.Workflow.Err
			}
			return !ex.w.abortOnError
		}
	}
	return true
}

// fail records one task failure, invokes the workflow error handler when one
// is set, and decides whether execution continues. A cancelled task always
// stops the workflow.
func (ex *executor) fail(res *Result, c *state.Context, taskName string, r *TaskResult) bool {
	res.IsSuccess = false
	if res.FailedTaskName == "" {
		res.FailedTaskName = taskName
		res.Err = r.Err
	}
	if ex.w.errorHandler != nil {
		ex.w.errorHandler(c, r.Err)
		res.ErrorHandled = true
	}
	if r.Status == TaskStatusCancelled {
		return false
	}
	return !ex.w.abortOnError
}

// markRemaining records placeholder results for every task that will not
// run.
func (ex *executor) markRemaining(res *Result, units []unit, placeholder *TaskResult) {
	for _, u := range units {
		switch {
		case u.task != nil:
			if _, done := res.TaskResults[u.task.Name]; !done {
				res.TaskResults[u.task.Name] = placeholder
			}
		case u.group != nil:
			for _, t := range u.group {
				if _, done := res.TaskResults[t.Name]; !done {
					res.TaskResults[t.Name] = placeholder
				}
			}
		}
	}
}

func unitName(u unit) string {
	switch {
	case u.task != nil:
		return u.task.Name
	case u.sub != nil:
		return u.sub.Name
	case len(u.group) > 0:
		return u.group[0].Name
	}
	return ""
}
