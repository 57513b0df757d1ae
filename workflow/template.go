package workflow

import (
	"github.com/pkg/errors"
)

// TaskFactory builds a concrete task from a factory key and the template's
// merged parameters. Hosts register one factory per family of tasks.
type TaskFactory interface {
	CreateTask(factoryKey, taskName string, params map[string]any) (*Task, error)
}

// TaskFactoryFunc adapts a plain function to TaskFactory.
type TaskFactoryFunc func(factoryKey, taskName string, params map[string]any) (*Task, error)

func (f TaskFactoryFunc) CreateTask(factoryKey, taskName string, params map[string]any) (*Task, error) {
	return f(factoryKey, taskName, params)
}

type taskTemplate struct {
	taskName   string
	factoryKey string
}

// Template describes a reusable workflow shape: an ordered list of task
// slots, each resolved through a TaskFactory at instantiation time. Task
// functions are closures and cannot round-trip through serialization;
// templates plus factories are how definitions are rebuilt.
type Template struct {
	name   string
	tasks  []taskTemplate
	params map[string]any
}

// NewTemplate creates an empty template.
func NewTemplate(name string) *Template {
	return &Template{
		name:   name,
		params: make(map[string]any),
	}
}

func (t *Template) Name() string { return t.name }

// AddTaskTemplate appends a task slot built by the factory registered under
// factoryKey.
func (t *Template) AddTaskTemplate(taskName, factoryKey string) *Template {
	t.tasks = append(t.tasks, taskTemplate{taskName: taskName, factoryKey: factoryKey})
	return t
}

// SetParameter sets a default parameter handed to every task factory call.
func (t *Template) SetParameter(key string, value any) *Template {
	t.params[key] = value
	return t
}

// Instantiate builds a workflow named workflowName from the template,
// merging overrides on top of the template parameters. Override values win.
func (t *Template) Instantiate(workflowName string, factory TaskFactory, overrides map[string]any) (*Workflow, error) {
	if factory == nil {
		return nil, errors.WithMessage(NoFactoryError, "nil factory")
	}
	if len(t.tasks) == 0 {
		return nil, errors.WithMessagef(EmptyWorkflowError, "template %q", t.name)
	}

	merged := make(map[string]any, len(t.params)+len(overrides))
	for k, v := range t.params {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	w := NewWorkflow(workflowName, "")
	for _, tt := range t.tasks {
		task, err := factory.CreateTask(tt.factoryKey, tt.taskName, merged)
		if err != nil {
			return nil, errors.WithMessagef(err, "template %q task %q", t.name, tt.taskName)
		}
		if task == nil {
			return nil, errors.WithMessagef(NoFactoryError, "%q", tt.factoryKey)
		}
		w.AddTask(task)
	}
	return w, nil
}
