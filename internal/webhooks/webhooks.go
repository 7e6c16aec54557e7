// Package webhooks delivers task lifecycle events to registered HTTP
// endpoints. Delivery is asynchronous with HMAC request signing.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-labs/muster/internal/events"
)

// Webhook is a configured endpoint subscription
type Webhook struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Secret    string             `json:"secret,omitempty"`
	Events    []events.EventType `json:"events"`
	Headers   map[string]string  `json:"headers,omitempty"`
	Enabled   bool               `json:"enabled"`
	CreatedAt int64              `json:"created_at"`
}

// Payload is the JSON body posted to endpoints
type Payload struct {
	Event      events.EventType `json:"event"`
	Timestamp  int64            `json:"timestamp"`
	TaskID     string           `json:"task_id"`
	WebhookID  string           `json:"webhook_id"`
	DeliveryID string           `json:"delivery_id"`
	Data       map[string]any   `json:"data"`
}

// DeliveryResult records one delivery attempt
type DeliveryResult struct {
	WebhookID  string
	DeliveryID string
	Event      events.EventType
	StatusCode int
	Success    bool
	Error      string
	DurationMS int64
	Timestamp  int64
}

type deliveryTask struct {
	webhook *Webhook
	payload *Payload
}

// Manager manages webhook registration and delivery
type Manager struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
	logger   *log.Logger
	client   *http.Client
	delivery chan *deliveryTask
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// Delivery history (circular buffer)
	deliveryHistory []*DeliveryResult
	historyMutex    sync.Mutex
	historySize     int
	historyPos      int
}

func NewManager() *Manager {
	return &Manager{
		webhooks:        make(map[string]*Webhook),
		logger:          log.New(os.Stdout, "[webhooks] ", log.LstdFlags),
		client:          &http.Client{Timeout: 30 * time.Second},
		delivery:        make(chan *deliveryTask, 1000),
		stopCh:          make(chan struct{}),
		deliveryHistory: make([]*DeliveryResult, 0, 100),
		historySize:     100,
	}
}

// Start begins processing webhook deliveries
func (m *Manager) Start(workers int) {
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.deliveryWorker()
	}
}

// Stop waits for in-flight deliveries or the context deadline
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register registers a new webhook. An empty event list subscribes to
// every event.
func (m *Manager) Register(webhook *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if webhook.ID == "" {
		webhook.ID = uuid.New().String()
	}
	if webhook.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if webhook.Events == nil {
		webhook.Events = []events.EventType{}
	}

	webhook.CreatedAt = time.Now().Unix()
	m.webhooks[webhook.ID] = webhook

	m.logger.Printf("registered webhook %s -> %s", webhook.ID, webhook.URL)
	return nil
}

// Unregister removes a webhook
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.webhooks[id]; !exists {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(m.webhooks, id)
	return nil
}

// Get retrieves a webhook by ID
func (m *Manager) Get(id string) (*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	webhook, exists := m.webhooks[id]
	if !exists {
		return nil, fmt.Errorf("webhook %s not found", id)
	}
	cp := *webhook
	return &cp, nil
}

// List returns all registered webhooks
func (m *Manager) List() []*Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Webhook, 0, len(m.webhooks))
	for _, webhook := range m.webhooks {
		cp := *webhook
		result = append(result, &cp)
	}
	return result
}

// Notify fans one task event out to every subscribed endpoint
func (m *Manager) Notify(event *events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, webhook := range m.webhooks {
		if !webhook.Enabled || !isSubscribed(webhook, event.Type) {
			continue
		}

		payload := &Payload{
			Event:      event.Type,
			Timestamp:  time.Now().Unix(),
			TaskID:     event.TaskID,
			WebhookID:  webhook.ID,
			DeliveryID: uuid.New().String(),
			Data:       event.Data,
		}

		select {
		case m.delivery <- &deliveryTask{webhook: webhook, payload: payload}:
		default:
			m.logger.Printf("delivery queue full, dropping webhook %s", webhook.ID)
		}
	}
}

// Follow subscribes the manager to the event bus until the context ends.
// Bus events flow through Notify; a full delivery queue drops rather than
// blocks.
func (m *Manager) Follow(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe("webhooks")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer bus.Unsubscribe(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				m.Notify(event)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// GetDeliveryHistory returns recent delivery results, oldest first
func (m *Manager) GetDeliveryHistory(limit int) []*DeliveryResult {
	m.historyMutex.Lock()
	defer m.historyMutex.Unlock()

	if limit <= 0 || limit > len(m.deliveryHistory) {
		limit = len(m.deliveryHistory)
	}

	result := make([]*DeliveryResult, limit)
	start := (m.historyPos - limit + len(m.deliveryHistory)) % max(len(m.deliveryHistory), 1)
	for i := 0; i < limit; i++ {
		pos := (start + i) % len(m.deliveryHistory)
		result[i] = m.deliveryHistory[pos]
	}
	return result
}

func isSubscribed(webhook *Webhook, event events.EventType) bool {
	if len(webhook.Events) == 0 {
		return true
	}
	for _, e := range webhook.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (m *Manager) deliveryWorker() {
	defer m.wg.Done()

	for {
		select {
		case task := <-m.delivery:
			m.deliver(task)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) deliver(task *deliveryTask) {
	start := time.Now()

	result := &DeliveryResult{
		WebhookID:  task.webhook.ID,
		DeliveryID: task.payload.DeliveryID,
		Event:      task.payload.Event,
		Timestamp:  start.Unix(),
	}

	body, err := json.Marshal(task.payload)
	if err != nil {
		result.Error = fmt.Sprintf("failed to marshal payload: %v", err)
		m.recordDelivery(result)
		return
	}

	req, err := http.NewRequest(http.MethodPost, task.webhook.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		m.recordDelivery(result)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Muster-Webhooks/1.0")
	req.Header.Set("X-Webhook-ID", task.webhook.ID)
	req.Header.Set("X-Webhook-Delivery-ID", task.payload.DeliveryID)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", task.payload.Timestamp))
	req.Header.Set("X-Webhook-Event", string(task.payload.Event))
	for k, v := range task.webhook.Headers {
		req.Header.Set(k, v)
	}
	if task.webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, task.webhook.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		m.recordDelivery(result)
		m.logger.Printf("%s delivery to %s failed: %v", task.payload.Event, task.webhook.URL, err)
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.DurationMS = time.Since(start).Milliseconds()
	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		m.logger.Printf("%s delivery to %s failed: HTTP %d", task.payload.Event, task.webhook.URL, resp.StatusCode)
	}

	m.recordDelivery(result)
}

func (m *Manager) recordDelivery(result *DeliveryResult) {
	m.historyMutex.Lock()
	defer m.historyMutex.Unlock()

	if len(m.deliveryHistory) < m.historySize {
		m.deliveryHistory = append(m.deliveryHistory, result)
	} else {
		m.deliveryHistory[m.historyPos] = result
		m.historyPos = (m.historyPos + 1) % m.historySize
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an HMAC signature produced by delivery
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := sign(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}
