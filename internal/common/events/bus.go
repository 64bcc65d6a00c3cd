// Package events provides an event bus for publish/subscribe messaging.
// The engine emits domain events for external policy automation; delivery
// is at-least-once, so every event carries an ID consumers can dedupe by.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WithTenant adds a tenant ID to the event
func (e Event) WithTenant(tenantID string) Event {
	e.TenantID = tenantID
	return e
}

// JSON serializes the event to JSON
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventHandler processes events
type EventHandler func(ctx context.Context, event Event) error

// Subscription represents an event subscription
type Subscription struct {
	ID        string
	EventType string
	Handler   EventHandler
}

// Bus is the event bus interface
type Bus interface {
	// Publish publishes an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishAsync publishes an event asynchronously
	PublishAsync(ctx context.Context, event Event)

	// Subscribe subscribes to events of a specific type ("*" for all)
	Subscribe(eventType string, handler EventHandler) *Subscription

	// Unsubscribe removes a subscription
	Unsubscribe(sub *Subscription)

	// Close shuts down the event bus
	Close() error
}

// MemoryBus is an in-memory event bus implementation
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*Subscription
	closed        bool
	wg            sync.WaitGroup
	errorHandler  func(error)
}

// NewMemoryBus creates a new in-memory event bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*Subscription),
		errorHandler:  func(err error) {},
	}
}

// SetErrorHandler sets the error handler for async operations
func (b *MemoryBus) SetErrorHandler(handler func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errorHandler = handler
}

// Publish publishes an event synchronously
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	handlers := make([]*Subscription, 0)
	if subs, ok := b.subscriptions[event.Type]; ok {
		handlers = append(handlers, subs...)
	}
	if subs, ok := b.subscriptions["*"]; ok {
		handlers = append(handlers, subs...)
	}
	b.mu.RUnlock()

	var lastErr error
	for _, sub := range handlers {
		if err := sub.Handler(ctx, event); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// PublishAsync publishes an event asynchronously. The waitgroup Add
// happens under the same lock Publish checks closed with, so Close
// never misses an in-flight delivery.
func (b *MemoryBus) PublishAsync(ctx context.Context, event Event) {
	b.mu.RLock()
	if b.closed {
		handler := b.errorHandler
		b.mu.RUnlock()
		handler(fmt.Errorf("event bus is closed"))
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.wg.Done()
		if err := b.Publish(ctx, event); err != nil {
			b.mu.RLock()
			handler := b.errorHandler
			b.mu.RUnlock()
			handler(err)
		}
	}()
}

// Subscribe subscribes to events of a specific type
func (b *MemoryBus) Subscribe(eventType string, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: eventType,
		Handler:   handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscriptions[eventType] = append(b.subscriptions[eventType], sub)

	return sub
}

// Unsubscribe removes a subscription
func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscriptions[sub.EventType]; ok {
		for i, s := range subs {
			if s.ID == sub.ID {
				b.subscriptions[sub.EventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Close shuts down the event bus
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	// Wait for async handlers to complete
	b.wg.Wait()
	return nil
}

// Governance event types consumed by external policy automation
const (
	EventDriftAlertCreated        = "drift.alert_created"
	EventSoDViolationCreated      = "sod.violation_created"
	EventAccessReviewOverdue      = "access_review.overdue"
	EventComplianceCheckCompleted = "compliance.check_completed"
)
