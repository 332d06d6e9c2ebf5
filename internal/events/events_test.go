package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		eventType string
		pattern   string
		want      bool
	}{
		{"rule.updated", "rule.updated", true},
		{"rule.updated", "*", true},
		{"rule.updated", "rule.*", true},
		{"aura.deleted", "rule.*", false},
		{"rules.updated", "rule.*", false},
		{"rule.updated", "rule.deleted", false},
	}

	for _, tt := range tests {
		t.Run(tt.eventType+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesPattern(tt.eventType, tt.pattern))
		})
	}
}

func TestSimpleEventBus_Publish(t *testing.T) {
	bus := NewSimpleEventBus(10)
	ctx := context.Background()

	var got []Event
	require.NoError(t, bus.Subscribe("rule.*", func(ctx context.Context, e Event) error {
		got = append(got, e)
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, New(RuleUpdated, "aura-1", "rule-1")))
	require.NoError(t, bus.Publish(ctx, New(AuraDeleted, "aura-1", "")))

	require.Len(t, got, 1)
	assert.Equal(t, RuleUpdated, got[0].Type)
	assert.Equal(t, "rule-1", got[0].RuleID)
	assert.NotEmpty(t, got[0].ID)
}

func TestSimpleEventBus_HandlerErrors(t *testing.T) {
	bus := NewSimpleEventBus(10)
	called := 0

	_ = bus.Subscribe("*", func(ctx context.Context, e Event) error {
		called++
		return errors.New("boom")
	})
	_ = bus.Subscribe(string(RuleDeleted), func(ctx context.Context, e Event) error {
		called++
		return nil
	})

	err := bus.Publish(context.Background(), Event{Type: RuleDeleted})
	assert.Error(t, err)
	assert.Equal(t, 2, called, "a failing handler does not stop the others")
}

func TestSimpleEventBus_Subscribe_Validation(t *testing.T) {
	bus := NewSimpleEventBus(0)
	assert.Error(t, bus.Subscribe("", func(context.Context, Event) error { return nil }))
	assert.Error(t, bus.Subscribe("*", nil))
}

func TestSimpleEventBus_Replay(t *testing.T) {
	bus := NewSimpleEventBus(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_ = bus.Publish(context.Background(), Event{Type: RuleTriggered, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	all := bus.Replay(base, base.Add(time.Hour))
	require.Len(t, all, 2, "only maxEvents are retained")
	assert.Equal(t, base.Add(time.Minute), all[0].Timestamp)

	assert.Len(t, bus.Replay(base, base.Add(2*time.Minute)), 1)
}

func TestEventLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bus := NewSimpleEventBus(10)
	require.NoError(t, NewEventLogger(zap.New(core)).Attach(bus))

	ev := New(RuleTriggered, "aura-1", "rule-1")
	ev.Metadata = map[string]string{"message": "hi"}
	require.NoError(t, bus.Publish(context.Background(), ev))

	entries := logs.FilterMessage("event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "rule.triggered", fields["type"])
	assert.Equal(t, "aura-1", fields["aura_id"])
	assert.Equal(t, "hi", fields["message"])
}
