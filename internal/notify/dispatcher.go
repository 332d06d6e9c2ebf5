// internal/notify/dispatcher.go
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/aura/internal/rules"
)

// Notification is the delivery form of a fired rule
type Notification struct {
	AuraID      string           `json:"aura_id"`
	RuleID      string           `json:"rule_id"`
	RuleName    string           `json:"rule_name"`
	Type        rules.ActionType `json:"type"`
	Message     string           `json:"message"`
	Channels    []string         `json:"channels,omitempty"`
	Priority    int              `json:"priority,omitempty"`
	TriggeredAt time.Time        `json:"triggered_at"`
}

// FromResult converts an evaluation result
func FromResult(r rules.Result) Notification {
	return Notification{
		AuraID:      r.Rule.AuraID,
		RuleID:      r.Rule.ID,
		RuleName:    r.Rule.Name,
		Type:        r.Rule.Action.Type,
		Message:     r.Message,
		Channels:    r.Rule.Action.Channels,
		Priority:    r.Rule.Action.Priority,
		TriggeredAt: r.TriggeredAt,
	}
}

// FromResults converts a batch, keeping order
func FromResults(results []rules.Result) []Notification {
	out := make([]Notification, 0, len(results))
	for _, r := range results {
		out = append(out, FromResult(r))
	}
	return out
}

// Dispatcher delivers notifications
type Dispatcher interface {
	Dispatch(ctx context.Context, notifications []Notification) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, notifications []Notification) error

// Dispatch calls f
func (f DispatcherFunc) Dispatch(ctx context.Context, notifications []Notification) error {
	return f(ctx, notifications)
}

// LogDispatcher writes notifications to the log. It is the delivery path for
// in-app notifications and messages, which clients pick up from the trigger log.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a log dispatcher
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Dispatch logs each notification
func (d *LogDispatcher) Dispatch(ctx context.Context, notifications []Notification) error {
	for _, n := range notifications {
		d.logger.Info("rule triggered",
			zap.String("aura_id", n.AuraID),
			zap.String("rule_id", n.RuleID),
			zap.String("rule_name", n.RuleName),
			zap.String("action_type", string(n.Type)),
			zap.String("message", n.Message),
			zap.Strings("channels", n.Channels),
			zap.Time("triggered_at", n.TriggeredAt),
		)
	}
	return nil
}

// Router sends each notification to the dispatcher for its action type
type Router struct {
	routes   map[rules.ActionType]Dispatcher
	fallback Dispatcher
}

// NewRouter creates a router; fallback handles action types with no route
func NewRouter(fallback Dispatcher) *Router {
	return &Router{routes: make(map[rules.ActionType]Dispatcher), fallback: fallback}
}

// Route registers d for an action type
func (r *Router) Route(t rules.ActionType, d Dispatcher) *Router {
	r.routes[t] = d
	return r
}

// Dispatch groups notifications by route. Every route is attempted and the
// failures are joined.
func (r *Router) Dispatch(ctx context.Context, notifications []Notification) error {
	type batch struct {
		d     Dispatcher
		items []Notification
	}
	var order []rules.ActionType
	batches := make(map[rules.ActionType]*batch)

	for _, n := range notifications {
		d, ok := r.routes[n.Type]
		if !ok {
			d = r.fallback
		}
		if d == nil {
			continue
		}
		b, ok := batches[n.Type]
		if !ok {
			b = &batch{d: d}
			batches[n.Type] = b
			order = append(order, n.Type)
		}
		b.items = append(b.items, n)
	}

	var errs []error
	for _, t := range order {
		b := batches[t]
		if err := b.d.Dispatch(ctx, b.items); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout sends every notification to every dispatcher
type Fanout []Dispatcher

// Dispatch calls each dispatcher and joins the failures
func (f Fanout) Dispatch(ctx context.Context, notifications []Notification) error {
	var errs []error
	for _, d := range f {
		if err := d.Dispatch(ctx, notifications); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
