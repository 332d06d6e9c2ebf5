package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is an in-process publish/subscribe channel for domain events
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(pattern string, handler Handler) error
}

// Event represents something that happened to an Aura or its rules
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	AuraID    string            `json:"aura_id,omitempty"`
	RuleID    string            `json:"rule_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Type categorizes events
type Type string

// Event types
const (
	RuleCreated         Type = "rule.created"
	RuleUpdated         Type = "rule.updated"
	RuleDeleted         Type = "rule.deleted"
	RuleReset           Type = "rule.reset"
	RuleTriggered       Type = "rule.triggered"
	AuraDeleted         Type = "aura.deleted"
	SubscriptionUpdated Type = "subscription.updated"
)

// New creates an event with an id and timestamp
func New(t Type, auraID, ruleID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		AuraID:    auraID,
		RuleID:    ruleID,
		Timestamp: time.Now().UTC(),
	}
}

// Handler processes events
type Handler func(ctx context.Context, event Event) error

// SimpleEventBus is a basic in-memory implementation.
// Handlers run synchronously on the publisher's goroutine, outside the lock.
type SimpleEventBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	events    []Event
	maxEvents int
}

// NewSimpleEventBus creates a bus that keeps the last maxEvents for replay
func NewSimpleEventBus(maxEvents int) *SimpleEventBus {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &SimpleEventBus{
		handlers:  make(map[string][]Handler),
		events:    make([]Event, 0, maxEvents),
		maxEvents: maxEvents,
	}
}

// Publish records the event and calls every matching handler.
// Handler errors are joined; one failing handler does not stop the rest.
func (eb *SimpleEventBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eb.mu.Lock()
	eb.events = append(eb.events, event)
	if len(eb.events) > eb.maxEvents {
		eb.events = eb.events[1:]
	}

	var matched []Handler
	for pattern, handlers := range eb.handlers {
		if matchesPattern(string(event.Type), pattern) {
			matched = append(matched, handlers...)
		}
	}
	eb.mu.Unlock()

	var errs []error
	for _, handler := range matched {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a handler for a type, a "prefix.*" pattern, or "*"
func (eb *SimpleEventBus) Subscribe(pattern string, handler Handler) error {
	if pattern == "" {
		return errors.New("events: pattern is required")
	}
	if handler == nil {
		return errors.New("events: handler is required")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[pattern] = append(eb.handlers[pattern], handler)
	return nil
}

// Replay returns recorded events with from <= timestamp < to
func (eb *SimpleEventBus) Replay(from, to time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, event := range eb.events {
		if !event.Timestamp.Before(from) && event.Timestamp.Before(to) {
			result = append(result, event)
		}
	}
	return result
}

func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || eventType == pattern {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}
