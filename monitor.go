package orchest

import (
	"sync"
	"time"
)

// OperationStats aggregates timings for one workflow or task.
type OperationStats struct {
	Count         int64
	TotalDuration time.Duration
	LastDuration  time.Duration
}

// AverageDuration is the mean over every recorded execution.
func (s OperationStats) AverageDuration() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Count)
}

// PerformanceStats is a point-in-time copy of everything the monitor
// recorded: per-workflow and per-task timings (tasks keyed as
// "workflow.task") plus per-operation counters.
type PerformanceStats struct {
	Workflows map[string]OperationStats
	Tasks     map[string]OperationStats
	Counters  map[string]int64
}

// performanceMonitor records execution timings and operation counts. It is
// a no-op until enabled.
type performanceMonitor struct {
	mu        sync.Mutex
	enabled   bool
	workflows map[string]*OperationStats
	tasks     map[string]*OperationStats
	counters  map[string]int64
}

func newPerformanceMonitor() *performanceMonitor {
	return &performanceMonitor{
		workflows: make(map[string]*OperationStats),
		tasks:     make(map[string]*OperationStats),
		counters:  make(map[string]int64),
	}
}

func (m *performanceMonitor) enable() {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
}

func (m *performanceMonitor) recordWorkflow(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	record(m.workflows, name, d)
	m.counters["workflow_execution"]++
}

func (m *performanceMonitor) recordTask(workflowName, taskName string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	record(m.tasks, workflowName+"."+taskName, d)
	m.counters["task_execution"]++
}

func (m *performanceMonitor) countOperation(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.counters[name]++
	m.counters["component_operations"]++
}

func (m *performanceMonitor) stats() PerformanceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := PerformanceStats{
		Workflows: make(map[string]OperationStats, len(m.workflows)),
		Tasks:     make(map[string]OperationStats, len(m.tasks)),
		Counters:  make(map[string]int64, len(m.counters)),
	}
	for k, v := range m.workflows {
		out.Workflows[k] = *v
	}
	for k, v := range m.tasks {
		out.Tasks[k] = *v
	}
	for k, v := range m.counters {
		out.Counters[k] = v
	}
	return out
}

func record(stats map[string]*OperationStats, key string, d time.Duration) {
	s, ok := stats[key]
	if !ok {
		s = &OperationStats{}
		stats[key] = s
	}
	s.Count++
	s.TotalDuration += d
	s.LastDuration = d
}
