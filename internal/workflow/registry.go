package workflow

import (
	"sync"
	"sync/atomic"

	"github.com/outpost-labs/muster/pkg/types"
)

// taskSignals carries the control flags for one running task. The loop
// reads them at its checkpoint; API handlers flip them from other
// goroutines.
type taskSignals struct {
	paused    atomic.Bool
	cancelled atomic.Bool
}

// SignalRegistry tracks pause and cancel requests for in-flight tasks.
// Signals are advisory until the loop observes them.
type SignalRegistry struct {
	mu      sync.Mutex
	signals map[string]*taskSignals
}

func NewSignalRegistry() *SignalRegistry {
	return &SignalRegistry{signals: make(map[string]*taskSignals)}
}

func (r *SignalRegistry) get(taskID string) *taskSignals {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[taskID]
	if !ok {
		s = &taskSignals{}
		r.signals[taskID] = s
	}
	return s
}

func (r *SignalRegistry) Pause(taskID string)  { r.get(taskID).paused.Store(true) }
func (r *SignalRegistry) Resume(taskID string) { r.get(taskID).paused.Store(false) }
func (r *SignalRegistry) Cancel(taskID string) { r.get(taskID).cancelled.Store(true) }

func (r *SignalRegistry) IsPaused(taskID string) bool    { return r.get(taskID).paused.Load() }
func (r *SignalRegistry) IsCancelled(taskID string) bool { return r.get(taskID).cancelled.Load() }

// Clear drops all signals for a task. Called when a run finishes so a
// later attempt starts clean.
func (r *SignalRegistry) Clear(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.signals, taskID)
}

// RunRegistry exposes live progress snapshots for running tasks. The
// engine updates it as the loop advances; status queries read it without
// touching the workflow.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]types.ExecutionSnapshot
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]types.ExecutionSnapshot)}
}

func (r *RunRegistry) Set(taskID string, snap types.ExecutionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[taskID] = snap
}

// Update applies fn to the current snapshot under the lock
func (r *RunRegistry) Update(taskID string, fn func(*types.ExecutionSnapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.runs[taskID]
	fn(&snap)
	r.runs[taskID] = snap
}

func (r *RunRegistry) Get(taskID string) (types.ExecutionSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.runs[taskID]
	return snap, ok
}

func (r *RunRegistry) Delete(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, taskID)
}
