package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantaleaf/orchest"
	"github.com/quantaleaf/orchest/event"
	"github.com/quantaleaf/orchest/state"
	"github.com/quantaleaf/orchest/workflow"
)

func newEngine(t *testing.T, opts ...orchest.Option) *orchest.Engine {
	t.Helper()
	opts = append(opts, orchest.WithStateConfig(state.Config{
		PersistenceType: "file",
		StorageDir:      t.TempDir(),
	}))
	e, err := orchest.New(opts...)
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

// An event on the bus triggers a workflow, and the workflow's last task
// publishes a completion event back onto the bus.
func TestEventDrivenPipeline(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	w := workflow.NewWorkflow("process-order", "")
	w.AddTask(workflow.NewTask("validate", func(c *state.Context) (*workflow.TaskResult, error) {
		id, ok := c.Get("order_id")
		if !ok {
			return workflow.Failure(errors.New("missing order id")), nil
		}
		return workflow.Success(map[string]any{"order_id": id}), nil
	}))
	w.AddTask(workflow.NewTask("notify", func(c *state.Context) (*workflow.TaskResult, error) {
		id, _ := c.Get("order_id")
		err := e.PublishEvent(event.New("order.processed", map[string]any{"order_id": id}))
		if err != nil {
			return workflow.Failure(err), nil
		}
		return workflow.Success(nil), nil
	}))
	require.NoError(t, e.Workflows().Register(w))

	var mu sync.Mutex
	var results []*workflow.Result
	trigger := event.NewSubscriber("order-trigger")
	trigger.Subscribe("order.*", func(ev *event.Event) error {
		c, err := e.Contexts().CreateContext(state.CreateContextParams{})
		if err != nil {
			return err
		}
		if err := c.Merge(ev.Data); err != nil {
			return err
		}
		res, err := e.ExecuteWorkflow(context.Background(), "process-order", c)
		if err != nil {
			return err
		}
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
		return nil
	}, event.WithFilter(func(ev *event.Event) bool {
		return ev.Type == "order.created"
	}))
	e.Events().RegisterSubscriber(trigger)

	var processed []any
	audit := event.NewSubscriber("order-audit")
	audit.Subscribe("order.processed", func(ev *event.Event) error {
		id, _ := ev.Get("order_id")
		processed = append(processed, id)
		return nil
	})
	e.Events().RegisterSubscriber(audit)

	require.NoError(t, e.PublishEvent(event.New("order.created", map[string]any{"order_id": "ord-1"})))
	require.NoError(t, e.PublishEvent(event.New("order.created", map[string]any{"order_id": "ord-2"})))
	require.NoError(t, e.PublishEvent(event.New("order.cancelled", map[string]any{"order_id": "ord-3"})))
	require.NoError(t, e.ProcessEvents(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2, "only order.created events trigger the workflow")
	for _, res := range results {
		assert.True(t, res.IsSuccess)
	}
	assert.ElementsMatch(t, []any{"ord-1", "ord-2"}, processed,
		"events published mid-drain are handled in the same pass")
}

func TestConcurrentEngineExecutions(t *testing.T) {
	e := newEngine(t, orchest.WithEngineConfig(orchest.EngineConfig{MaxConcurrentWorkflows: 2}))

	w := workflow.NewWorkflow("ingest", "")
	w.AddTask(workflow.NewTask("stamp", func(c *state.Context) (*workflow.TaskResult, error) {
		time.Sleep(5 * time.Millisecond)
		src, _ := c.Get("source")
		return workflow.Success(map[string]any{"source": src}), nil
	}))
	require.NoError(t, e.Workflows().Register(w))

	const n = 5
	results := make([]*workflow.Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := state.NewContext(fmt.Sprintf("run-%d", i))
			if errs[i] = c.Set("source", fmt.Sprintf("feed-%d", i)); errs[i] != nil {
				return
			}
			results[i], errs[i] = e.ExecuteWorkflow(context.Background(), "ingest", c)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.True(t, results[i].IsSuccess)
		src, ok := results[i].TaskResults["stamp"].Get("source")
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("feed-%d", i), src, "executions must not share state")
	}

	metrics := e.Workflows().Metrics("ingest")
	require.NotNil(t, metrics)
	assert.Equal(t, int64(n), metrics.ExecutionCount)
	assert.Equal(t, int64(n), metrics.SuccessCount)
}

func TestContextPersistenceAcrossManagers(t *testing.T) {
	dir := t.TempDir()
	cfg := state.Config{PersistenceType: "file", StorageDir: dir}

	first, err := state.NewManager(cfg)
	require.NoError(t, err)
	c, err := first.CreateContext(state.CreateContextParams{ID: "session-1"})
	require.NoError(t, err)
	require.NoError(t, c.Set("account", "acct-42"))
	require.NoError(t, c.Set("api_token", "super-secret"))
	require.NoError(t, c.SetNS("broker", "endpoint", "wss://feed"))
	require.True(t, first.SaveContext(c))

	second, err := state.NewManager(cfg)
	require.NoError(t, err)
	loaded, err := second.LoadContext("session-1")
	require.NoError(t, err)

	account, ok := loaded.Get("account")
	require.True(t, ok)
	assert.Equal(t, "acct-42", account)

	endpoint, ok := loaded.GetNS("broker", "endpoint")
	require.True(t, ok)
	assert.Equal(t, "wss://feed", endpoint)

	token, ok := loaded.Get("api_token")
	require.True(t, ok)
	assert.Equal(t, state.RedactionMarker, token, "sensitive values never reach disk in the clear")
}

func TestExecutionLockSerializesEngineRuns(t *testing.T) {
	e := newEngine(t, orchest.WithWorkflowOptions(
		workflow.WithExecutionLock(workflow.NewLocalExecutionLock(), time.Minute),
	))

	entered := make(chan struct{})
	release := make(chan struct{})
	w := workflow.NewWorkflow("exclusive", "")
	w.AddTask(workflow.NewTask("hold", func(c *state.Context) (*workflow.TaskResult, error) {
		close(entered)
		<-release
		return workflow.Success(nil), nil
	}))
	require.NoError(t, e.Workflows().Register(w))

	done := make(chan error, 1)
	go func() {
		_, err := e.ExecuteWorkflow(context.Background(), "exclusive", nil)
		done <- err
	}()
	<-entered

	_, err := e.ExecuteWorkflow(context.Background(), "exclusive", nil)
	require.Error(t, err)
	assert.ErrorIs(t, errors.Cause(err), workflow.LockFailedError)

	close(release)
	require.NoError(t, <-done)

	_, err = e.ExecuteWorkflow(context.Background(), "exclusive", nil)
	assert.NoError(t, err, "the lock is free again once the first run finished")
}

// A nested scenario: subworkflow, conditional branch, parallel group and a
// shared context flowing through all of them.
func TestCompositeWorkflowScenario(t *testing.T) {
	e := newEngine(t)

	enrich := workflow.NewWorkflow("enrich", "")
	enrich.AddTask(workflow.NewTask("lookup", func(c *state.Context) (*workflow.TaskResult, error) {
		if err := c.Set("region", "eu-west"); err != nil {
			return workflow.Failure(err), nil
		}
		return workflow.Success(nil), nil
	}))

	escalate := workflow.NewTask("escalate", func(c *state.Context) (*workflow.TaskResult, error) {
		return workflow.Success(map[string]any{"escalated": true}), nil
	})

	main := workflow.NewWorkflow("triage", "")
	main.AddTask(workflow.NewTask("classify", func(c *state.Context) (*workflow.TaskResult, error) {
		sev, _ := c.Get("severity")
		return workflow.Success(map[string]any{"severity": sev}), nil
	}))
	main.AddConditionalBranch("classify", "severity", map[any]workflow.Step{
		"critical": workflow.TaskStep(escalate),
	})
	main.AddSubworkflow(enrich)
	main.AddParallelTasks(
		workflow.NewTask("page", func(c *state.Context) (*workflow.TaskResult, error) {
			return workflow.Success(nil), nil
		}),
		workflow.NewTask("log", func(c *state.Context) (*workflow.TaskResult, error) {
			region, _ := c.Get("region")
			return workflow.Success(map[string]any{"region": region}), nil
		}),
	)
	require.NoError(t, e.Workflows().Register(main))

	c := state.NewContext("incident")
	require.NoError(t, c.Set("severity", "critical"))
	res, err := e.ExecuteWorkflow(context.Background(), "triage", c)
	require.NoError(t, err)
	require.True(t, res.IsSuccess)

	escalated, ok := res.TaskResults["escalate"].Get("escalated")
	require.True(t, ok, "the critical branch runs")
	assert.Equal(t, true, escalated)

	require.Contains(t, res.SubworkflowResults, "enrich")
	assert.True(t, res.SubworkflowResults["enrich"].IsSuccess)

	region, ok := res.TaskResults["log"].Get("region")
	require.True(t, ok)
	assert.Equal(t, "eu-west", region, "subworkflow writes are visible to later tasks")
}
