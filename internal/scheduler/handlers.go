package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/FairForge/aura/internal/events"
	"github.com/FairForge/aura/internal/rules"
)

// HandleEvents keeps trigger history in step with rule changes.
// An edited, re-enabled, reset or deleted rule starts with a clean
// history; a deleted Aura is forgotten.
func (s *Scheduler) HandleEvents(bus events.Bus) error {
	resetRule := func(ctx context.Context, e events.Event) error {
		if e.AuraID != "" && e.RuleID != "" {
			s.deps.Registry.ResetRule(e.AuraID, e.RuleID)
		}
		return nil
	}
	for _, t := range []events.Type{events.RuleUpdated, events.RuleReset, events.RuleDeleted} {
		if err := bus.Subscribe(string(t), resetRule); err != nil {
			return err
		}
	}

	return bus.Subscribe(string(events.AuraDeleted), func(ctx context.Context, e events.Event) error {
		s.forget(e.AuraID)
		return nil
	})
}

func (s *Scheduler) forget(auraID string) {
	s.deps.Registry.Drop(auraID)
	if s.deps.Limiter != nil {
		s.deps.Limiter.Forget(auraID)
	}

	// A held lane stays so a concurrent evaluation keeps excluding others
	s.lanesMu.Lock()
	defer s.lanesMu.Unlock()
	if l, ok := s.lanes[auraID]; ok && l.TryLock() {
		delete(s.lanes, auraID)
		l.Unlock()
	}
}

// SkipLogger returns an observer that logs data-quality skips as warnings
func SkipLogger(logger *zap.Logger) rules.Observer {
	return func(rule rules.BehaviorRule, outcome rules.Outcome) {
		if outcome.Triggered || !outcome.Reason.DataQuality() {
			return
		}
		logger.Warn("rule skipped",
			zap.String("aura_id", rule.AuraID),
			zap.String("rule_id", rule.ID),
			zap.String("sensor", rule.Trigger.Sensor),
			zap.String("reason", string(outcome.Reason)),
			zap.String("detail", outcome.Detail))
	}
}

// Observers combines several observers into one
func Observers(observers ...rules.Observer) rules.Observer {
	return func(rule rules.BehaviorRule, outcome rules.Outcome) {
		for _, o := range observers {
			if o != nil {
				o(rule, outcome)
			}
		}
	}
}
