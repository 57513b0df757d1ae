package workflow

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	WorkflowNotFoundError = errors.New("workflow not found")
	VersionNotFoundError  = errors.New("workflow version not found")
	EmptyWorkflowError    = errors.New("workflow has no tasks")
	DuplicateTaskError    = errors.New("duplicate task name")
	UnknownTaskError      = errors.New("reference to unknown task")
	GroupDependencyError  = errors.New("dependency references a parallel group task")
	CycleDetectedError    = errors.New("dependency cycle detected")
	CancelledError        = errors.New("workflow execution cancelled")
	HistoryDisabledError  = errors.New("execution history is not enabled")
	NoFactoryError        = errors.New("no task factory for key")
	ExecutionTimeoutError = errors.New("timed out waiting for execution result")
)

// TimeoutError marks a task that exceeded its configured timeout. The task
// goroutine is abandoned, not preempted.
type TimeoutError struct {
	TaskName string
	Limit    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q exceeded timeout of %s", e.TaskName, e.Limit)
}

// IsTimeout reports whether err (or its cause) is a task timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

type TaskStatus = string

const (
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusError     TaskStatus = "error"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ContextKeyWorkflowName is set on the execution context before the first
// task runs, so task code can tell which workflow invoked it.
const ContextKeyWorkflowName = "workflow_name"

// ResultKeyWorkflow marks a task result field carrying a dynamically built
// *Workflow that the executor runs inline as a subworkflow.
const ResultKeyWorkflow = "workflow"
