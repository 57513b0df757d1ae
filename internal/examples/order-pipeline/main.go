package main

// An end-to-end tour: an engine with file-backed contexts, a workflow with
// retry, branching and a parallel group, triggered by events on the bus.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/quantaleaf/orchest"
	"github.com/quantaleaf/orchest/event"
	"github.com/quantaleaf/orchest/state"
	"github.com/quantaleaf/orchest/workflow"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	engine, err := orchest.New(
		orchest.WithLogger(logger),
		orchest.WithEngineConfig(orchest.EngineConfig{
			Name:                   "order-pipeline",
			MaxConcurrentWorkflows: 4,
		}),
		orchest.WithStateConfig(state.Config{
			PersistenceType: "file",
			StorageDir:      filepath.Join(os.TempDir(), "order-pipeline", "contexts"),
		}),
	)
	if err != nil {
		logger.Error("engine construction failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := engine.Initialize(ctx); err != nil {
		logger.Error("engine initialize failed", "err", err)
		os.Exit(1)
	}
	defer engine.Shutdown(ctx)

	engine.RegisterService("inventory", &inventoryService{stock: map[string]int{
		"widget": 3,
		"gadget": 0,
	}})

	if err := engine.Workflows().Register(buildProcessOrder()); err != nil {
		logger.Error("workflow registration failed", "err", err)
		os.Exit(1)
	}

	// Every order.created event starts one workflow execution with its own
	// context seeded from the event payload.
	trigger := event.NewSubscriber("order-trigger")
	trigger.Subscribe("order.created", func(ev *event.Event) error {
		c, err := engine.Contexts().CreateContext(state.CreateContextParams{})
		if err != nil {
			return err
		}
		if err := c.Merge(ev.Data); err != nil {
			return err
		}
		res, err := engine.ExecuteWorkflow(context.Background(), "process-order", c)
		if err != nil {
			return err
		}
		item, _ := c.Get("item")
		fmt.Printf("order for %v: success=%v tasks=%d\n", item, res.IsSuccess, len(res.TaskResults))
		engine.Contexts().SaveContext(c)
		return nil
	})
	engine.Events().RegisterSubscriber(trigger)

	for _, item := range []string{"widget", "gadget"} {
		if err := engine.PublishEvent(event.New("order.created", map[string]any{"item": item, "quantity": 1})); err != nil {
			logger.Error("publish failed", "err", err)
		}
	}
	if err := engine.ProcessEvents(ctx); err != nil {
		logger.Error("event processing failed", "err", err)
	}
}

type inventoryService struct {
	stock map[string]int
}

func (s *inventoryService) Reserve(item string, quantity int) error {
	if s.stock[item] < quantity {
		return errors.Errorf("out of stock: %s", item)
	}
	s.stock[item] -= quantity
	return nil
}

func buildProcessOrder() *workflow.Workflow {
	reserve := workflow.NewTask("reserve", func(c *state.Context) (*workflow.TaskResult, error) {
		svc, ok := c.Service("inventory")
		if !ok {
			return nil, errors.New("inventory service not registered")
		}
		item, _ := c.Get("item")
		quantity := c.GetDefault("quantity", 1).(int)
		if err := svc.(*inventoryService).Reserve(item.(string), quantity); err != nil {
			return workflow.Success(map[string]any{"availability": "backorder"}), nil
		}
		return workflow.Success(map[string]any{"availability": "in-stock"}), nil
	}).SetRetryPolicy(3, 50*time.Millisecond)

	backorder := workflow.NewTask("backorder", func(c *state.Context) (*workflow.TaskResult, error) {
		return workflow.Success(map[string]any{"eta": "2w"}), nil
	})

	w := workflow.NewWorkflow("process-order", "1.0.0")
	w.AddTask(reserve)
	w.AddConditionalBranch("reserve", "availability", map[any]workflow.Step{
		"backorder": workflow.TaskStep(backorder),
	})
	w.AddParallelTasks(
		workflow.NewTask("invoice", func(c *state.Context) (*workflow.TaskResult, error) {
			return workflow.Success(nil), nil
		}),
		workflow.NewTask("confirm", func(c *state.Context) (*workflow.TaskResult, error) {
			return workflow.Success(nil), nil
		}),
	)
	return w
}
