// Package service is the application layer behind the HTTP API: task and
// agent CRUD, run submission through the protocol adapter registry, and
// event queries and streams.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/outpost-labs/muster/internal/agents"
	"github.com/outpost-labs/muster/internal/db"
	"github.com/outpost-labs/muster/internal/events"
	"github.com/outpost-labs/muster/internal/manager"
	"github.com/outpost-labs/muster/pkg/types"
)

var (
	// ErrValidation flags a request the caller can fix
	ErrValidation = errors.New("validation failed")
	// ErrTaskActive rejects deleting a task while it runs
	ErrTaskActive = errors.New("task has an active run")
)

const defaultStreamTimeout = 10 * time.Minute

// TaskService wires storage, the run manager, the adapter registry, and
// the event pipeline behind one API surface.
type TaskService struct {
	store      *db.Store
	manager    *manager.Manager
	bus        *events.Bus
	eventStore *events.Store
	adapters   *agents.Registry

	// StreamTimeout bounds how long a live event stream may stay open.
	StreamTimeout time.Duration
}

func New(store *db.Store, mgr *manager.Manager, bus *events.Bus, eventStore *events.Store) *TaskService {
	s := &TaskService{
		store:         store,
		manager:       mgr,
		bus:           bus,
		eventStore:    eventStore,
		StreamTimeout: defaultStreamTimeout,
	}
	// The native adapter routes back into this service; remote protocol
	// adapters register per agent on top of it.
	s.adapters = agents.NewRegistry(agents.NewNativeAdapter(s, s))
	return s
}

// Adapters exposes the registry so alternative protocol adapters can be
// attached per agent.
func (s *TaskService) Adapters() *agents.Registry { return s.adapters }

// CreateTask validates and persists a new task in pending state
func (s *TaskService) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := s.store.GetAgent(ctx, task.AgentID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown agent %s", ErrValidation, task.AgentID)
		}
		return nil, err
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// SubmitTask starts a run for the task through its agent's protocol
// adapter.
func (s *TaskService) SubmitTask(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.adapters.For(task.AgentID).SendTask(ctx, task)
}

// Submit implements agents.TaskRunner for the native adapter
func (s *TaskService) Submit(ctx context.Context, taskID string) (*types.Task, error) {
	if _, err := s.manager.Submit(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.GetTask(ctx, taskID)
}

func (s *TaskService) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// GetStatus combines the task record with live run progress
func (s *TaskService) GetStatus(ctx context.Context, taskID string) (*manager.StatusReport, error) {
	return s.manager.GetStatus(ctx, taskID)
}

func (s *TaskService) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// DeleteTask removes a task record. Active runs must be cancelled first.
func (s *TaskService) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsActive() {
		return fmt.Errorf("%w: %s", ErrTaskActive, taskID)
	}
	return s.store.DeleteTask(ctx, taskID)
}

func (s *TaskService) CancelTask(ctx context.Context, taskID string) error {
	return s.manager.Cancel(ctx, taskID)
}

func (s *TaskService) PauseTask(ctx context.Context, taskID string) error {
	return s.manager.Pause(ctx, taskID)
}

func (s *TaskService) ResumeTask(ctx context.Context, taskID string) error {
	return s.manager.Resume(ctx, taskID)
}

// GetConversation returns the persisted turn history for a task
func (s *TaskService) GetConversation(ctx context.Context, taskID string) ([]types.ConversationTurn, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.GetConversation(ctx, taskID)
}

// QueryEvents returns a task's durable event history in emission order
func (s *TaskService) QueryEvents(ctx context.Context, taskID string, limit int) ([]*events.Event, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.eventStore.QueryByTask(ctx, taskID, limit)
}

// FollowTask follows a task's live events through its agent's adapter.
// For a task already finalized it replays the stored history and ends.
// The returned cancel function must be called when the consumer is done.
func (s *TaskService) FollowTask(ctx context.Context, taskID string) (<-chan *events.Event, context.CancelFunc, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.streamTimeout())

	if task.Status.IsTerminal() {
		stored, err := s.eventStore.QueryByTask(streamCtx, taskID, 0)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		ch := make(chan *events.Event, len(stored))
		for _, e := range stored {
			ch <- e
		}
		close(ch)
		return ch, cancel, nil
	}

	ch, err := s.adapters.For(task.AgentID).StreamTask(streamCtx, taskID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return ch, cancel, nil
}

// StreamEvents implements agents.EventStreamer: a live bus subscription
// for one task that ends at the task's terminal event.
func (s *TaskService) StreamEvents(ctx context.Context, taskID string) (<-chan *events.Event, error) {
	streamer := events.NewStreamer(s.bus, events.Filter{TaskID: taskID})
	return streamer.Start(ctx)
}

func (s *TaskService) streamTimeout() time.Duration {
	if s.StreamTimeout > 0 {
		return s.StreamTimeout
	}
	return defaultStreamTimeout
}

// Agent CRUD

func (s *TaskService) CreateAgent(ctx context.Context, agent *db.AgentRecord) error {
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return err
	}
	return nil
}

func (s *TaskService) GetAgent(ctx context.Context, agentID string) (*db.AgentRecord, error) {
	return s.store.GetAgent(ctx, agentID)
}

func (s *TaskService) ListAgents(ctx context.Context) ([]*db.AgentRecord, error) {
	return s.store.ListAgents(ctx)
}

func (s *TaskService) DeleteAgent(ctx context.Context, agentID string) error {
	return s.store.DeleteAgent(ctx, agentID)
}
