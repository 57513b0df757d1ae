package workflow

import (
	"github.com/pkg/errors"
)

// Validate checks a workflow definition before execution: it must declare at
// least one task, task names must be unique, every dependency and branch
// must reference a declared task, dependencies may only connect standalone
// tasks (parallel group members keep the group's position and cannot be
// ordered individually), and the dependency relation must be a DAG.
func Validate(w *Workflow) error {
	if w == nil || len(w.units) == 0 {
		return EmptyWorkflowError
	}

	seen := make(map[string]bool)
	for _, name := range w.TaskNames() {
		if seen[name] {
			return errors.WithMessagef(DuplicateTaskError, "task %q", name)
		}
		seen[name] = true
	}

	standalone := make(map[string]bool)
	for _, u := range w.units {
		if u.task != nil {
			standalone[u.task.Name] = true
		}
	}

	for task, dependsOn := range w.deps {
		if !seen[task] {
			return errors.WithMessagef(UnknownTaskError, "dependency declared for %q", task)
		}
		if !standalone[task] {
			return errors.WithMessagef(GroupDependencyError, "dependency declared for %q", task)
		}
		for _, dep := range dependsOn {
			if !seen[dep] {
				return errors.WithMessagef(UnknownTaskError, "%q depends on %q", task, dep)
			}
			if !standalone[dep] {
				return errors.WithMessagef(GroupDependencyError, "%q depends on %q", task, dep)
			}
		}
	}

	for task := range w.branches {
		if !seen[task] {
			return errors.WithMessagef(UnknownTaskError, "branch declared for %q", task)
		}
	}

	if w.hasDependencies() {
		if _, err := topoOrder(w); err != nil {
			return err
		}
	}

	for _, u := range w.units {
		if u.sub != nil {
			if err := Validate(u.sub); err != nil {
				return errors.WithMessagef(err, "subworkflow %q", u.sub.Name)
			}
		}
	}
	return nil
}

// topoOrder returns the single-task units in topological order, breaking
// ties by declaration order (Kahn's algorithm with ordered selection).
// Parallel groups and subworkflows keep their declared positions and are not
// part of the dependency relation.
func topoOrder(w *Workflow) ([]*Task, error) {
	var tasks []*Task
	index := make(map[string]int)
	for _, u := range w.units {
		if u.task != nil {
			index[u.task.Name] = len(tasks)
			tasks = append(tasks, u.task)
		}
	}

	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indegree[t.Name] = 0
	}
	for task, dependsOn := range w.deps {
		for _, dep := range dependsOn {
			indegree[task]++
			dependents[dep] = append(dependents[dep], task)
		}
	}

	ordered := make([]*Task, 0, len(tasks))
	done := make(map[string]bool, len(tasks))
	for len(ordered) < len(tasks) {
		next := ""
		for _, t := range tasks {
			if !done[t.Name] && indegree[t.Name] == 0 {
				next = t.Name
				break
			}
		}
		if next == "" {
			return nil, errors.WithMessagef(CycleDetectedError, "workflow %q", w.Name)
		}
		done[next] = true
		ordered = append(ordered, tasks[index[next]])
		for _, dep := range dependents[next] {
			indegree[dep]--
		}
	}
	return ordered, nil
}
