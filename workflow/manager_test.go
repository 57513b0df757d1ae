package workflow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantaleaf/orchest/state"
	"github.com/quantaleaf/orchest/workflow"
)

func noopWorkflow(name, version string) *workflow.Workflow {
	w := workflow.NewWorkflow(name, version)
	w.AddTask(workflow.NewTask("noop", func(c *state.Context) (*workflow.TaskResult, error) {
		return workflow.Success(nil), nil
	}))
	return w
}

func TestRegistry(t *testing.T) {
	m := workflow.NewManager()

	require.NoError(t, m.Register(noopWorkflow("pipeline", "1.0.0")))
	assert.True(t, m.Has("pipeline"))
	assert.False(t, m.Has("other"))

	t.Run("duplicate name+version is rejected", func(t *testing.T) {
		err := m.Register(noopWorkflow("pipeline", "1.0.0"))
		assert.ErrorIs(t, errors.Cause(err), workflow.AlreadyRegisteredError)
	})

	t.Run("same name new version is fine", func(t *testing.T) {
		require.NoError(t, m.Register(noopWorkflow("pipeline", "1.1.0")))
		assert.Equal(t, []string{"1.0.0", "1.1.0"}, m.Versions("pipeline"))
	})

	t.Run("explicit version lookup", func(t *testing.T) {
		w, err := m.Get("pipeline", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", w.Version)

		_, err = m.Get("pipeline", "9.9.9")
		assert.ErrorIs(t, errors.Cause(err), workflow.VersionNotFoundError)
	})

	t.Run("empty version resolves the highest", func(t *testing.T) {
		require.NoError(t, m.Register(noopWorkflow("pipeline", "2.0.0")))
		require.NoError(t, m.Register(noopWorkflow("pipeline", "1.2.0")))
		w, err := m.Get("pipeline", "")
		require.NoError(t, err)
		assert.Equal(t, "2.0.0", w.Version)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := m.Get("ghost", "")
		assert.ErrorIs(t, errors.Cause(err), workflow.WorkflowNotFoundError)

		_, err = m.Execute(context.Background(), "ghost", nil)
		assert.ErrorIs(t, errors.Cause(err), workflow.WorkflowNotFoundError)
	})

	t.Run("unregister removes every version", func(t *testing.T) {
		m.Unregister("pipeline")
		assert.False(t, m.Has("pipeline"))
	})
}

func TestExecuteAsync(t *testing.T) {
	m := workflow.NewManager()

	release := make(chan struct{})
	w := workflow.NewWorkflow("slow-async", "")
	w.AddTask(workflow.NewTask("wait", func(c *state.Context) (*workflow.TaskResult, error) {
		<-release
		return workflow.Success(map[string]any{"done": true}), nil
	}))
	require.NoError(t, m.Register(w))

	exec := m.ExecuteAsync(context.Background(), "slow-async", nil)

	select {
	case <-exec.Done():
		t.Fatal("execution finished before the task was released")
	case <-time.After(20 * time.Millisecond):
	}

	t.Run("result wait times out", func(t *testing.T) {
		_, err := exec.ResultTimeout(10 * time.Millisecond)
		assert.ErrorIs(t, errors.Cause(err), workflow.ExecutionTimeoutError)
	})

	close(release)
	res, err := exec.Result(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsSuccess)
}

func TestCancelCooperative(t *testing.T) {
	m := workflow.NewManager()

	started := make(chan struct{})
	w := workflow.NewWorkflow("cancellable", "")
	w.AddTask(workflow.NewTask("poll", func(c *state.Context) (*workflow.TaskResult, error) {
		close(started)
		for i := 0; i < 200; i++ {
			if c.IsCancelled() {
				return workflow.Cancelled(), nil
			}
			time.Sleep(5 * time.Millisecond)
		}
		return workflow.Success(nil), nil
	}))
	w.AddTask(workflow.NewTask("later", func(c *state.Context) (*workflow.TaskResult, error) {
		return workflow.Success(nil), nil
	}))
	require.NoError(t, m.Register(w))

	exec := m.ExecuteAsync(context.Background(), "cancellable", nil)
	<-started
	require.NoError(t, m.Cancel("cancellable"))

	res, err := exec.Result(context.Background())
	require.NoError(t, err)
	assert.False(t, res.IsSuccess)
	assert.Equal(t, workflow.TaskStatusCancelled, res.TaskResults["poll"].Status)
	assert.Equal(t, workflow.TaskStatusCancelled, res.TaskResults["later"].Status,
		"tasks after the cancelled one must not run")

	t.Run("cancel unknown workflow", func(t *testing.T) {
		err := m.Cancel("ghost")
		assert.ErrorIs(t, errors.Cause(err), workflow.WorkflowNotFoundError)
	})
}

func TestExecutionHistory(t *testing.T) {
	m := workflow.NewManager()

	t.Run("disabled by default", func(t *testing.T) {
		_, err := m.ExecutionHistory("anything")
		assert.ErrorIs(t, err, workflow.HistoryDisabledError)
	})

	m.EnableExecutionHistory(3)
	require.NoError(t, m.Register(noopWorkflow("audited", "")))

	for i := 0; i < 5; i++ {
		_, err := m.Execute(context.Background(), "audited", nil)
		require.NoError(t, err)
	}

	records, err := m.ExecutionHistory("audited")
	require.NoError(t, err)
	assert.Len(t, records, 3, "history is bounded to the configured limit")
	for _, rec := range records {
		assert.Equal(t, "audited", rec.WorkflowName)
		assert.True(t, rec.IsSuccess)
	}
}

func TestMetrics(t *testing.T) {
	m := workflow.NewManager()
	require.NoError(t, m.Register(noopWorkflow("measured", "")))

	assert.Nil(t, m.Metrics("measured"), "no metrics before the first run")

	for i := 0; i < 3; i++ {
		_, err := m.Execute(context.Background(), "measured", nil)
		require.NoError(t, err)
	}

	met := m.Metrics("measured")
	require.NotNil(t, met)
	assert.Equal(t, int64(3), met.ExecutionCount)
	assert.Equal(t, int64(3), met.SuccessCount)
	require.Contains(t, met.TaskStats, "noop")
	assert.Equal(t, int64(3), met.TaskStats["noop"].Count)
	assert.GreaterOrEqual(t, met.AverageDuration(), time.Duration(0))
}

func TestProgressListener(t *testing.T) {
	m := workflow.NewManager()

	var mu sync.Mutex
	var fractions []float64
	m.SetProgressListener(func(workflowName, taskName string, fraction float64) {
		mu.Lock()
		fractions = append(fractions, fraction)
		mu.Unlock()
	})

	w := workflow.NewWorkflow("progressive", "")
	for _, name := range []string{"a", "b"} {
		w.AddTask(appendTask(name))
	}
	require.NoError(t, m.Register(w))

	_, err := m.Execute(context.Background(), "progressive", &workflow.ExecuteOptions{Context: state.NewContext("p")})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, fractions)
	assert.Equal(t, 0.5, fractions[0])
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
}

func TestConcurrentExecutions(t *testing.T) {
	m := workflow.NewManager()

	shared := state.NewContext("shared")
	require.NoError(t, shared.Set("count", 0))

	w := workflow.NewWorkflow("incrementer", "")
	w.AddTask(workflow.NewTask("inc", func(c *state.Context) (*workflow.TaskResult, error) {
		for i := 0; i < 10; i++ {
			if err := c.Update("count", func(cur any) any { return cur.(int) + 1 }); err != nil {
				return nil, err
			}
		}
		return workflow.Success(nil), nil
	}))
	require.NoError(t, m.Register(w))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Execute(context.Background(), "incrementer", &workflow.ExecuteOptions{Context: shared})
			assert.NoError(t, err)
			assert.True(t, res.IsSuccess)
		}()
	}
	wg.Wait()

	v, _ := shared.Get("count")
	assert.Equal(t, 50, v, "five concurrent executions, no lost updates")
}

func TestExecutionLockSerializesExecute(t *testing.T) {
	m := workflow.NewManager(
		workflow.WithExecutionLock(workflow.NewLocalExecutionLock(), time.Minute),
	)

	entered := make(chan struct{})
	release := make(chan struct{})
	w := workflow.NewWorkflow("locked", "")
	w.AddTask(workflow.NewTask("hold", func(c *state.Context) (*workflow.TaskResult, error) {
		close(entered)
		<-release
		return workflow.Success(nil), nil
	}))
	require.NoError(t, m.Register(w))

	exec := m.ExecuteAsync(context.Background(), "locked", nil)
	<-entered

	// The second execution must fail immediately instead of waiting.
	_, err := m.Execute(context.Background(), "locked", nil)
	require.Error(t, err)
	assert.ErrorIs(t, errors.Cause(err), workflow.LockFailedError)

	close(release)
	res, err := exec.Result(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsSuccess)
}
