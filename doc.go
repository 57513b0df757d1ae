// Package orchest is an in-process orchestration engine: a typed pub/sub
// event bus, a workflow/task execution engine, and a shared context store,
// coordinated by one Engine instance.
//
// The Engine owns one manager per concern and is constructed explicitly;
// pass it by reference to collaborators instead of reaching for a
// singleton:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/quantaleaf/orchest"
//	    "github.com/quantaleaf/orchest/state"
//	    "github.com/quantaleaf/orchest/workflow"
//	)
//
//	func main() {
//	    engine, _ := orchest.New(orchest.WithStateConfig(state.Config{
//	        PersistenceType: "file",
//	        StorageDir:      "/var/lib/myapp/contexts",
//	    }))
//	    engine.Initialize(context.Background())
//	    defer engine.Shutdown(context.Background())
//
//	    wf := workflow.NewWorkflow("order_pipeline", "1.0.0")
//	    wf.AddTask(workflow.NewTask("validate", func(c *state.Context) (*workflow.TaskResult, error) {
//	        c.Set("validated", true)
//	        return workflow.Success(map[string]any{"ok": true}), nil
//	    }))
//	    engine.Workflows().Register(wf)
//
//	    result, _ := engine.ExecuteWorkflow(context.Background(), "order_pipeline", nil)
//	    _ = result.IsSuccess
//	}
//
// Workflows are named, versioned graphs of tasks with explicit
// dependencies, conditional branches, parallel groups and nested
// subworkflows. Tasks read and write a shared state.Context, may publish
// events, and carry optional retry and timeout policy. Event subscribers
// can trigger further workflow executions, which is how event-driven
// pipelines are built.
//
// External surfaces (HTTP, CLI, domain modules) couple to the core only
// through the Engine's component/plugin/service registries, event
// publish/subscribe, workflow execution, and the context handed to them.
package orchest
