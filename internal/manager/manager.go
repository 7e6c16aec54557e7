// Package manager owns the task run lifecycle: submission, pause, resume,
// cancellation, and status queries. It enforces at most one active run
// per task.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/outpost-labs/muster/internal/db"
	"github.com/outpost-labs/muster/internal/events"
	"github.com/outpost-labs/muster/internal/workflow"
	"github.com/outpost-labs/muster/pkg/types"
)

var (
	// ErrAlreadyRunning rejects a submit while a run is active
	ErrAlreadyRunning = errors.New("task already has an active run")
	// ErrNotRunning rejects pause/resume/cancel on a task with no active run
	ErrNotRunning = errors.New("task has no active run")
	// ErrTerminal rejects operations on finalized tasks
	ErrTerminal = errors.New("task is already in a terminal state")
)

// Enqueuer schedules a task attempt for durable execution
type Enqueuer interface {
	Enqueue(req types.AgentExecutionRequest, executionID string) error
}

// StatusReport combines the persisted task record with the live run
// snapshot, when one exists.
type StatusReport struct {
	Task     *types.Task              `json:"task"`
	Snapshot *types.ExecutionSnapshot `json:"snapshot,omitempty"`
}

// Manager coordinates run control for tasks
type Manager struct {
	store     *db.Store
	enqueuer  Enqueuer
	signals   *workflow.SignalRegistry
	runs      *workflow.RunRegistry
	publisher *events.Publisher

	// submitMu serializes the status check against the enqueue so two
	// concurrent submits cannot both observe a submittable task.
	submitMu sync.Mutex
}

func New(store *db.Store, enqueuer Enqueuer, signals *workflow.SignalRegistry, runs *workflow.RunRegistry, publisher *events.Publisher) *Manager {
	return &Manager{
		store:     store,
		enqueuer:  enqueuer,
		signals:   signals,
		runs:      runs,
		publisher: publisher,
	}
}

// Submit starts a new run attempt for the task. Running tasks are
// rejected; terminal tasks get a fresh attempt with a new execution ID.
func (m *Manager) Submit(ctx context.Context, taskID string) (string, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status.IsActive() {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, taskID)
	}

	executionID := nextExecutionID(task)
	m.signals.Clear(taskID)

	if err := m.enqueuer.Enqueue(buildRequest(task), executionID); err != nil {
		return "", fmt.Errorf("failed to submit task %s: %w", taskID, err)
	}

	// The record must show the run before the caller hears about it. The
	// workflow marks running again as its first step; that re-mark is a
	// no-op against this update.
	if _, err := m.store.MarkRunning(ctx, taskID, executionID); err != nil {
		return "", fmt.Errorf("failed to record run for task %s: %w", taskID, err)
	}
	log.Printf("[manager] submitted task %s as %s", taskID, executionID)
	return executionID, nil
}

// Cancel stops a task. A run in flight is signaled and observes the
// cancellation at its next checkpoint; a task that never started is
// finalized directly.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, taskID)
	}

	if task.Status == types.TaskStatusRunning {
		m.signals.Cancel(taskID)
		return nil
	}

	// Never started: no workflow to signal, finalize in place.
	if err := m.store.FinalizeTask(ctx, taskID, types.TaskStatusCancelled, "", "cancelled before execution", types.ErrorCodeCancelled); err != nil {
		return err
	}
	if m.publisher != nil {
		batch := []*events.Event{
			events.NewEvent(events.EventTaskStatusChanged, taskID, map[string]any{
				"status": string(types.TaskStatusCancelled),
			}),
			events.NewEvent(events.EventTaskCancelled, taskID, map[string]any{
				"reason": "cancelled before execution",
			}),
		}
		if err := m.publisher.Publish(ctx, batch); err != nil {
			log.Printf("[manager] failed to publish cancel events for %s: %v", taskID, err)
		}
	}
	return nil
}

// Pause asks a running task to hold at its next checkpoint
func (m *Manager) Pause(ctx context.Context, taskID string) error {
	if err := m.requireRunning(ctx, taskID); err != nil {
		return err
	}
	m.signals.Pause(taskID)
	return nil
}

// Resume lets a paused task continue
func (m *Manager) Resume(ctx context.Context, taskID string) error {
	if err := m.requireRunning(ctx, taskID); err != nil {
		return err
	}
	m.signals.Resume(taskID)
	return nil
}

// GetStatus reports the persisted record along with live progress when
// the run is in flight.
func (m *Manager) GetStatus(ctx context.Context, taskID string) (*StatusReport, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Task: task}
	if snap, ok := m.runs.Get(taskID); ok {
		report.Snapshot = &snap
	}
	return report, nil
}

func (m *Manager) requireRunning(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, taskID)
	}
	if task.Status != types.TaskStatusRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	return nil
}

// nextExecutionID derives a deterministic attempt ID. The durable queue
// deduplicates on it, so a retried submit of the same attempt cannot
// start a second workflow.
func nextExecutionID(task *types.Task) string {
	attempt := 1
	if task.ExecutionID != "" {
		var prev int
		if _, err := fmt.Sscanf(task.ExecutionID, "muster-task-"+task.ID+"-attempt-%d", &prev); err == nil {
			attempt = prev + 1
		}
	}
	return fmt.Sprintf("muster-task-%s-attempt-%d", task.ID, attempt)
}

func buildRequest(task *types.Task) types.AgentExecutionRequest {
	req := types.AgentExecutionRequest{
		TaskID:  task.ID,
		AgentID: task.AgentID,
		UserID:  task.UserID,
		Query:   task.Query,
	}
	if v, ok := task.Parameters["max_iterations"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			req.MaxIterations = n
		}
	}
	if v, ok := task.Parameters["timeout_seconds"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			req.TimeoutSeconds = n
		}
	}
	if v, ok := task.Parameters["budget_usd"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			req.BudgetUSD = f
		}
	}
	return req
}
