package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/outpost-labs/muster/internal/events"
	"github.com/outpost-labs/muster/pkg/types"
)

// Capabilities describes what an adapter supports
type Capabilities struct {
	Protocol  string `json:"protocol"`
	Streaming bool   `json:"streaming"`
	Tools     bool   `json:"tools"`
}

// Adapter routes task traffic for one protocol. One variant per protocol,
// selected at registration time; no inheritance, just the interface.
type Adapter interface {
	SendTask(ctx context.Context, task *types.Task) (*types.Task, error)
	StreamTask(ctx context.Context, taskID string) (<-chan *events.Event, error)
	GetCapabilities() Capabilities
	HealthCheck(ctx context.Context) error
}

// TaskRunner is the slice of the task manager the native adapter needs
type TaskRunner interface {
	Submit(ctx context.Context, taskID string) (*types.Task, error)
}

// EventStreamer opens live event streams for a task
type EventStreamer interface {
	StreamEvents(ctx context.Context, taskID string) (<-chan *events.Event, error)
}

// Registry maps agent ids to their protocol adapters
type Registry struct {
	mu       sync.RWMutex
	byAgent  map[string]Adapter
	fallback Adapter
}

// NewRegistry creates a registry with a fallback adapter for agents with
// no explicit registration
func NewRegistry(fallback Adapter) *Registry {
	return &Registry{
		byAgent:  make(map[string]Adapter),
		fallback: fallback,
	}
}

// Register binds an agent id to an adapter
func (r *Registry) Register(agentID string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgent[agentID] = adapter
}

// For returns the adapter for an agent id
func (r *Registry) For(agentID string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byAgent[agentID]; ok {
		return a
	}
	return r.fallback
}

// NativeAdapter executes tasks on the in-process workflow engine
type NativeAdapter struct {
	runner   TaskRunner
	streamer EventStreamer
}

// NewNativeAdapter creates the default adapter
func NewNativeAdapter(runner TaskRunner, streamer EventStreamer) *NativeAdapter {
	return &NativeAdapter{runner: runner, streamer: streamer}
}

// SendTask submits the task to the workflow engine
func (a *NativeAdapter) SendTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	return a.runner.Submit(ctx, task.ID)
}

// StreamTask opens a live event stream for the task
func (a *NativeAdapter) StreamTask(ctx context.Context, taskID string) (<-chan *events.Event, error) {
	return a.streamer.StreamEvents(ctx, taskID)
}

// GetCapabilities describes the native adapter
func (a *NativeAdapter) GetCapabilities() Capabilities {
	return Capabilities{Protocol: "native", Streaming: true, Tools: true}
}

// HealthCheck reports whether the engine is reachable
func (a *NativeAdapter) HealthCheck(ctx context.Context) error {
	if a.runner == nil {
		return fmt.Errorf("native adapter has no task runner")
	}
	return nil
}

// MockAdapter records sent tasks and serves canned streams; test support
type MockAdapter struct {
	mu   sync.Mutex
	Sent []string
}

// SendTask records the task id and echoes the task back
func (a *MockAdapter) SendTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Sent = append(a.Sent, task.ID)
	return task, nil
}

// StreamTask returns an immediately closed stream
func (a *MockAdapter) StreamTask(ctx context.Context, taskID string) (<-chan *events.Event, error) {
	ch := make(chan *events.Event)
	close(ch)
	return ch, nil
}

// GetCapabilities describes the mock adapter
func (a *MockAdapter) GetCapabilities() Capabilities {
	return Capabilities{Protocol: "mock"}
}

// HealthCheck always succeeds
func (a *MockAdapter) HealthCheck(ctx context.Context) error { return nil }
