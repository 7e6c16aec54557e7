package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/outpost-labs/muster/internal/activities"
	"github.com/outpost-labs/muster/internal/agents"
	"github.com/outpost-labs/muster/internal/db"
	"github.com/outpost-labs/muster/internal/events"
	"github.com/outpost-labs/muster/internal/mcp"
	"github.com/outpost-labs/muster/pkg/types"
)

// TaskQueueName is the durable queue agent task workflows run on
const TaskQueueName = "muster-tasks"

// WorkflowInput is the serializable input to the task workflow
type WorkflowInput struct {
	Request     types.AgentExecutionRequest `json:"request"`
	ExecutionID string                      `json:"execution_id"`
}

// DurableRunner wraps the activity set so every call becomes a checkpointed
// workflow step. Outside a workflow context the calls pass straight
// through, which keeps the engine runnable in tests and demos.
type DurableRunner struct {
	Set *activities.Set
}

func durable[T any](ctx context.Context, retries int, fn func(context.Context) (T, error)) (T, error) {
	dctx, ok := ctx.(dbos.DBOSContext)
	if !ok {
		return fn(ctx)
	}
	if retries > 0 {
		return dbos.RunAsStep(dctx, fn, dbos.WithStepMaxRetries(retries))
	}
	return dbos.RunAsStep(dctx, fn)
}

func (d *DurableRunner) BuildAgentConfig(ctx context.Context, agentID string) (agents.RuntimeConfig, error) {
	return durable(ctx, 0, func(stepCtx context.Context) (agents.RuntimeConfig, error) {
		return d.Set.BuildAgentConfig(stepCtx, agentID)
	})
}

func (d *DurableRunner) DiscoverTools(ctx context.Context, cfg agents.RuntimeConfig) ([]mcp.ToolDef, error) {
	return durable(ctx, 0, func(stepCtx context.Context) ([]mcp.ToolDef, error) {
		return d.Set.DiscoverTools(stepCtx, cfg)
	})
}

func (d *DurableRunner) CallLLM(ctx context.Context, in activities.LLMCallInput) (activities.LLMCallOutput, error) {
	return durable(ctx, 3, func(stepCtx context.Context) (activities.LLMCallOutput, error) {
		return d.Set.CallLLM(stepCtx, in)
	})
}

func (d *DurableRunner) ExecuteTool(ctx context.Context, in activities.ToolCallInput) (activities.ToolCallOutput, error) {
	return durable(ctx, 3, func(stepCtx context.Context) (activities.ToolCallOutput, error) {
		return d.Set.ExecuteTool(stepCtx, in)
	})
}

func (d *DurableRunner) PublishEvents(ctx context.Context, batch []*events.Event) error {
	_, err := durable(ctx, 0, func(stepCtx context.Context) (bool, error) {
		return true, d.Set.PublishEvents(stepCtx, batch)
	})
	return err
}

// Coordinator owns workflow registration and enqueueing on the durable
// queue, and finalizes task records when runs end.
type Coordinator struct {
	dbosCtx   dbos.DBOSContext
	queue     dbos.WorkflowQueue
	engine    *Engine
	store     *db.Store
	publisher *events.Publisher
	signals   *SignalRegistry
	runs      *RunRegistry
}

func NewCoordinator(dbosCtx dbos.DBOSContext, engine *Engine, store *db.Store, publisher *events.Publisher, signals *SignalRegistry, runs *RunRegistry) *Coordinator {
	queue := dbos.NewWorkflowQueue(dbosCtx, TaskQueueName,
		dbos.WithQueueBasePollingInterval(100*time.Millisecond),
	)
	return &Coordinator{
		dbosCtx:   dbosCtx,
		queue:     queue,
		engine:    engine,
		store:     store,
		publisher: publisher,
		signals:   signals,
		runs:      runs,
	}
}

// RegisterWorkflows must run before dbos.Launch
func (c *Coordinator) RegisterWorkflows() {
	dbos.RegisterWorkflow(c.dbosCtx, c.ExecuteTaskWorkflow)
}

// Enqueue schedules a task run on the durable queue. The execution ID
// doubles as the workflow ID, so resubmitting the same attempt is
// deduplicated instead of double-executed.
func (c *Coordinator) Enqueue(req types.AgentExecutionRequest, executionID string) error {
	_, err := dbos.RunWorkflow(c.dbosCtx, c.ExecuteTaskWorkflow, WorkflowInput{
		Request:     req,
		ExecutionID: executionID,
	},
		dbos.WithQueue(c.queue.Name),
		dbos.WithWorkflowID(executionID),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task workflow: %w", err)
	}
	return nil
}

// ExecuteTaskWorkflow is the durable workflow for one task attempt. DBOS
// checkpoints each step; on restart the run resumes from the last
// completed step rather than from scratch.
func (c *Coordinator) ExecuteTaskWorkflow(ctx dbos.DBOSContext, in WorkflowInput) (types.AgentExecutionResult, error) {
	taskID := in.Request.TaskID

	task, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (*types.Task, error) {
		return c.store.MarkRunning(stepCtx, taskID, in.ExecutionID)
	})
	if err != nil {
		return types.AgentExecutionResult{}, fmt.Errorf("failed to mark task %s running: %w", taskID, err)
	}
	if task.Status.IsTerminal() {
		// A finalized record means this attempt already ran to
		// completion before a restart. Nothing left to do.
		log.Printf("[workflow] task %s already terminal (%s), skipping re-execution", taskID, task.Status)
		return types.AgentExecutionResult{Success: task.Status == types.TaskStatusCompleted, FinalResponse: task.Result}, nil
	}

	c.publishStep(ctx, events.NewEvent(events.EventTaskStatusChanged, taskID, map[string]any{
		"status":       string(types.TaskStatusRunning),
		"execution_id": in.ExecutionID,
	}))

	result := c.engine.Execute(ctx, in.Request, in.ExecutionID)

	_, err = dbos.RunAsStep(ctx, func(stepCtx context.Context) (bool, error) {
		return true, c.finalize(stepCtx, taskID, result)
	}, dbos.WithStepMaxRetries(3))
	if err != nil {
		return result, fmt.Errorf("failed to finalize task %s: %w", taskID, err)
	}

	c.signals.Clear(taskID)
	c.runs.Delete(taskID)
	return result, nil
}

// finalize writes the terminal record, persists the conversation, and
// emits the terminal event. The record update lands before the event so
// a consumer that reacts to the event always reads consistent state.
func (c *Coordinator) finalize(ctx context.Context, taskID string, result types.AgentExecutionResult) error {
	status := terminalStatus(result)
	if err := c.store.FinalizeTask(ctx, taskID, status, result.FinalResponse, result.ErrorMessage, result.ErrorCode); err != nil {
		return err
	}
	if len(result.History) > 0 {
		if err := c.store.SaveConversation(ctx, taskID, result.History); err != nil {
			log.Printf("[workflow] failed to save conversation for %s: %v", taskID, err)
		}
	}

	batch := []*events.Event{
		events.NewEvent(events.EventTaskStatusChanged, taskID, map[string]any{
			"status": string(status),
		}),
		events.NewEvent(terminalEventType(status), taskID, map[string]any{
			"success":    result.Success,
			"iterations": result.Iterations,
			"tool_calls": result.ToolCalls,
			"cost_usd":   result.TotalCost,
			"error_code": string(result.ErrorCode),
		}),
	}
	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, batch); err != nil {
			log.Printf("[workflow] failed to publish terminal events for %s: %v", taskID, err)
		}
	}
	return nil
}

func (c *Coordinator) publishStep(ctx dbos.DBOSContext, evts ...*events.Event) {
	if c.publisher == nil {
		return
	}
	_, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (bool, error) {
		return true, c.publisher.Publish(stepCtx, evts)
	})
	if err != nil {
		log.Printf("[workflow] event publish step failed: %v", err)
	}
}

func terminalStatus(result types.AgentExecutionResult) types.TaskStatus {
	switch {
	case result.Success:
		return types.TaskStatusCompleted
	case result.ErrorCode == types.ErrorCodeCancelled:
		return types.TaskStatusCancelled
	default:
		return types.TaskStatusFailed
	}
}

func terminalEventType(status types.TaskStatus) events.EventType {
	switch status {
	case types.TaskStatusCompleted:
		return events.EventTaskCompleted
	case types.TaskStatusCancelled:
		return events.EventTaskCancelled
	default:
		return events.EventTaskFailed
	}
}
