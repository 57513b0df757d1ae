package workflow

import (
	"time"

	"github.com/pkg/errors"

	"github.com/quantaleaf/orchest/state"
)

// TaskFunc is the work contract: read and write the shared context, return a
// result or an error. A nil result with a nil error counts as success with
// no data.
type TaskFunc func(c *state.Context) (*TaskResult, error)

// TaskResult is the immutable outcome of one task execution.
type TaskResult struct {
	Status   TaskStatus
	Data     map[string]any
	Err      error
	Attempts int
	Duration time.Duration
}

// Success builds a successful result carrying data.
func Success(data map[string]any) *TaskResult {
	if data == nil {
		data = make(map[string]any)
	}
	return &TaskResult{Status: TaskStatusSuccess, Data: data}
}

// Failure builds an error result.
func Failure(err error) *TaskResult {
	return &TaskResult{Status: TaskStatusError, Err: err}
}

// Skipped marks a task that never ran because an earlier task aborted the
// workflow.
func Skipped() *TaskResult {
	return &TaskResult{Status: TaskStatusSkipped}
}

// Cancelled marks a task that never ran because the execution was cancelled.
func Cancelled() *TaskResult {
	return &TaskResult{Status: TaskStatusCancelled, Err: CancelledError}
}

func (r *TaskResult) IsSuccess() bool { return r != nil && r.Status == TaskStatusSuccess }

// Get reads one output field.
func (r *TaskResult) Get(key string) (any, bool) {
	if r == nil || r.Data == nil {
		return nil, false
	}
	v, ok := r.Data[key]
	return v, ok
}

// Task is the smallest unit of orchestrated work. Stateless across
// invocations; anything it needs beyond the context arrives via the
// context's service locator.
type Task struct {
	Name  string
	Fn    TaskFunc
	Async bool

	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
}

// NewTask wraps fn as a named task.
func NewTask(name string, fn TaskFunc) *Task {
	return &Task{Name: name, Fn: fn, maxAttempts: 1}
}

// SetRetryPolicy re-invokes a failing task until it succeeds or maxAttempts
// total attempts were made, sleeping delay between attempts.
func (t *Task) SetRetryPolicy(maxAttempts int, delay time.Duration) *Task {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	t.maxAttempts = maxAttempts
	t.retryDelay = delay
	return t
}

// SetTimeout bounds one attempt's wall time. An exceeded attempt yields a
// *TimeoutError; the attempt's goroutine is abandoned.
func (t *Task) SetTimeout(d time.Duration) *Task {
	t.timeout = d
	return t
}

// SetAsync marks the task as asynchronous. The executor treats async tasks
// like any other; the flag is advisory for hosts scheduling their own work.
func (t *Task) SetAsync(async bool) *Task {
	t.Async = async
	return t
}

func (t *Task) MaxAttempts() int          { return t.maxAttempts }
func (t *Task) RetryDelay() time.Duration { return t.retryDelay }
func (t *Task) Timeout() time.Duration    { return t.timeout }

// run executes the task against c, applying the retry and timeout policy.
// The returned result always has Status, Attempts and Duration filled in;
// run never propagates a raw task error to the caller.
func (t *Task) run(c *state.Context) *TaskResult {
	start := time.Now()
	var result *TaskResult
	attempts := 0
	for attempts < t.maxAttempts {
		if c.IsCancelled() {
			cancelled := Cancelled()
			cancelled.Attempts = attempts
			cancelled.Duration = time.Since(start)
			return cancelled
		}
		attempts++
		result = t.attempt(c)
		if result.IsSuccess() {
			break
		}
		if attempts < t.maxAttempts && t.retryDelay > 0 {
			time.Sleep(t.retryDelay)
		}
	}
	result.Attempts = attempts
	result.Duration = time.Since(start)
	return result
}

// attempt runs Fn once, enforcing the timeout when one is set.
func (t *Task) attempt(c *state.Context) *TaskResult {
	if t.timeout <= 0 {
		return t.invoke(c)
	}
	done := make(chan *TaskResult, 1)
	go func() {
		done <- t.invoke(c)
	}()
	select {
	case r := <-done:
		return r
	case <-time.After(t.timeout):
		return Failure(&TimeoutError{TaskName: t.Name, Limit: t.timeout})
	}
}

// invoke calls Fn, converting panics and raw errors into error results.
func (t *Task) invoke(c *state.Context) (result *TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			result = Failure(errors.Errorf("task %q panic: %v", t.Name, r))
		}
	}()
	r, err := t.Fn(c)
	if err != nil {
		return Failure(errors.WithMessagef(err, "task %q", t.Name))
	}
	if r == nil {
		return Success(nil)
	}
	return r
}
