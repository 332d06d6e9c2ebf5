package events

import (
	"context"

	"go.uber.org/zap"
)

// EventLogger writes every event it sees to a zap logger
type EventLogger struct {
	logger *zap.Logger
}

// NewEventLogger creates a logger subscriber
func NewEventLogger(logger *zap.Logger) *EventLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLogger{logger: logger}
}

// Attach subscribes the logger to all events on bus
func (el *EventLogger) Attach(bus Bus) error {
	return bus.Subscribe("*", el.Handle)
}

// Handle logs one event
func (el *EventLogger) Handle(ctx context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.AuraID != "" {
		fields = append(fields, zap.String("aura_id", event.AuraID))
	}
	if event.RuleID != "" {
		fields = append(fields, zap.String("rule_id", event.RuleID))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String(k, v))
	}
	el.logger.Debug("event", fields...)
	return nil
}
