// Package events provides the execution event pipeline: typed events, a
// live fan-out bus, a durable per-task store, and a publisher that feeds
// both.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents the type of execution event
type EventType string

const (
	// EventTaskStatusChanged is emitted whenever a task's status moves
	EventTaskStatusChanged EventType = "task.status_changed"
	// EventTaskStarted is emitted when a workflow run begins executing
	EventTaskStarted EventType = "task.started"
	// EventTaskCompleted is a terminal event for a successful run
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed is a terminal event for a failed run
	EventTaskFailed EventType = "task.failed"
	// EventTaskCancelled is a terminal event for an externally cancelled run
	EventTaskCancelled EventType = "task.cancelled"
	// EventTaskPaused is emitted when a pause signal takes effect
	EventTaskPaused EventType = "task.paused"
	// EventTaskResumed is emitted when a paused run continues
	EventTaskResumed EventType = "task.resumed"
	// EventLLMCallStarted is emitted before each model invocation
	EventLLMCallStarted EventType = "llm.call.started"
	// EventLLMCallCompleted is emitted after each model invocation
	EventLLMCallCompleted EventType = "llm.call.completed"
	// EventToolCallStarted is emitted before each tool invocation
	EventToolCallStarted EventType = "tool.call.started"
	// EventToolCallCompleted is emitted after each tool invocation
	EventToolCallCompleted EventType = "tool.call.completed"
)

// IsTerminal reports whether this event type ends a task's event stream
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return true
	}
	return false
}

// Event represents a single execution event. Events are append-only: once
// persisted they are never mutated.
type Event struct {
	ID        string         `json:"id" db:"id"`
	Type      EventType      `json:"type" db:"type"`
	Timestamp int64          `json:"timestamp" db:"timestamp"`
	TaskID    string         `json:"task_id" db:"task_id"`
	Data      map[string]any `json:"data,omitempty" db:"data"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// NewEvent creates an event stamped with the current time. Timestamps are
// UnixNano so events appended within the same second still order totally.
func NewEvent(eventType EventType, taskID string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		TaskID:    taskID,
		Data:      data,
	}
}

// MarshalData converts the Data map to JSON for storage
func (e *Event) MarshalData() ([]byte, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	return json.Marshal(e.Data)
}

// UnmarshalData parses JSON data into the Data map
func (e *Event) UnmarshalData(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &e.Data)
}

// Filter selects events for queries and subscriptions
type Filter struct {
	TaskID string      `json:"task_id,omitempty"`
	Types  []EventType `json:"types,omitempty"`
	Since  int64       `json:"since,omitempty"`
	Limit  int         `json:"limit,omitempty"`
}

// Matches reports whether an event passes the filter
func (f Filter) Matches(e *Event) bool {
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.Since > 0 && e.Timestamp < f.Since {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
