package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-labs/muster/internal/events"
)

func startedManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	m.Start(2)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRegisterRequiresURL(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Register(&Webhook{}))
}

func TestRegisterAssignsID(t *testing.T) {
	m := NewManager()
	wh := &Webhook{URL: "http://example.com/hook", Enabled: true}
	require.NoError(t, m.Register(wh))
	assert.NotEmpty(t, wh.ID)
	assert.NotZero(t, wh.CreatedAt)

	got, err := m.Get(wh.ID)
	require.NoError(t, err)
	assert.Equal(t, wh.URL, got.URL)

	require.NoError(t, m.Unregister(wh.ID))
	_, err = m.Get(wh.ID)
	assert.Error(t, err)
}

func TestDeliverySignsAndPostsPayload(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotHeaders = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := startedManager(t)
	wh := &Webhook{URL: srv.URL, Secret: "s3cret", Enabled: true}
	require.NoError(t, m.Register(wh))

	m.Notify(events.NewEvent(events.EventTaskCompleted, "task-1", map[string]any{"success": true}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotBody != nil
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, wh.ID, gotHeaders.Get("X-Webhook-ID"))
	assert.Equal(t, string(events.EventTaskCompleted), gotHeaders.Get("X-Webhook-Event"))
	assert.Contains(t, string(gotBody), "task-1")

	sig := gotHeaders.Get("X-Webhook-Signature")
	require.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, VerifySignature(gotBody, strings.TrimPrefix(sig, "sha256="), "s3cret"))
	assert.False(t, VerifySignature(gotBody, strings.TrimPrefix(sig, "sha256="), "wrong"))
}

func TestNotifyFiltersByEventSubscription(t *testing.T) {
	var mu sync.Mutex
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	m := startedManager(t)
	require.NoError(t, m.Register(&Webhook{
		URL:     srv.URL,
		Events:  []events.EventType{events.EventTaskFailed},
		Enabled: true,
	}))

	m.Notify(events.NewEvent(events.EventTaskStarted, "task-1", nil))
	m.Notify(events.NewEvent(events.EventTaskFailed, "task-1", nil))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 1
	})
	// The unsubscribed event never arrives.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits)
}

func TestNotifySkipsDisabledWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("disabled webhook should not be called")
	}))
	defer srv.Close()

	m := startedManager(t)
	require.NoError(t, m.Register(&Webhook{URL: srv.URL, Enabled: false}))
	m.Notify(events.NewEvent(events.EventTaskCompleted, "task-1", nil))
	time.Sleep(50 * time.Millisecond)
}

func TestDeliveryHistoryRecordsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := startedManager(t)
	require.NoError(t, m.Register(&Webhook{URL: srv.URL, Enabled: true}))
	m.Notify(events.NewEvent(events.EventTaskCompleted, "task-1", nil))

	waitFor(t, func() bool { return len(m.GetDeliveryHistory(0)) == 1 })

	history := m.GetDeliveryHistory(0)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, http.StatusBadGateway, history[0].StatusCode)
	assert.Equal(t, "HTTP 502", history[0].Error)
}

func TestFollowPipesBusEvents(t *testing.T) {
	var mu sync.Mutex
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	bus := events.NewBus()
	defer bus.Close()

	m := startedManager(t)
	require.NoError(t, m.Register(&Webhook{URL: srv.URL, Enabled: true}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Follow(ctx, bus)

	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.EventTaskCompleted, "task-1", nil)))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 1
	})
}
