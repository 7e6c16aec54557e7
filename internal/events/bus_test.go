package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	assert.Equal(t, 2, bus.SubscriberCount())

	event := NewEvent(EventTaskStarted, "task-1", map[string]any{"k": "v"})
	require.NoError(t, bus.Publish(context.Background(), event))

	assert.Equal(t, event, <-a)
	assert.Equal(t, event, <-b)
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slow := bus.Subscribe("slow")

	// Fill the subscriber's buffer, then publish past it.
	for i := 0; i < 150; i++ {
		require.NoError(t, bus.Publish(context.Background(), NewEvent(EventLLMCallStarted, "task-1", nil)))
	}

	// The buffered 100 are there; the overflow was dropped, not blocked on.
	assert.Len(t, slow, 100)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("a")
	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventTaskStarted, "task-1", nil)))
	assert.Empty(t, ch)
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()
	assert.Error(t, bus.Publish(context.Background(), NewEvent(EventTaskStarted, "task-1", nil)))
}

func TestStreamerFiltersByTask(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	streamer := NewStreamer(bus, Filter{TaskID: "task-1"})
	out, err := streamer.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, NewEvent(EventLLMCallStarted, "task-2", nil)))
	require.NoError(t, bus.Publish(ctx, NewEvent(EventLLMCallStarted, "task-1", nil)))
	require.NoError(t, bus.Publish(ctx, NewEvent(EventTaskCompleted, "task-1", nil)))

	var got []*Event
	for e := range out {
		got = append(got, e)
	}

	// Only task-1 events, ending at its terminal event.
	require.Len(t, got, 2)
	assert.Equal(t, EventLLMCallStarted, got[0].Type)
	assert.Equal(t, "task-1", got[0].TaskID)
	assert.Equal(t, EventTaskCompleted, got[1].Type)
}

func TestStreamerEndsOnContextCancel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	streamer := NewStreamer(bus, Filter{TaskID: "task-1"})
	out, err := streamer.Start(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream did not close after context cancel")
	}
}

func TestEventTypeIsTerminal(t *testing.T) {
	assert.True(t, EventTaskCompleted.IsTerminal())
	assert.True(t, EventTaskFailed.IsTerminal())
	assert.True(t, EventTaskCancelled.IsTerminal())
	assert.False(t, EventTaskStarted.IsTerminal())
	assert.False(t, EventLLMCallCompleted.IsTerminal())
}
