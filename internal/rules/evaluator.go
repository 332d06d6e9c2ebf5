// internal/rules/evaluator.go
package rules

import (
	"github.com/FairForge/aura/internal/sensors"
)

// Outcome is the per-rule decision of one evaluation
type Outcome struct {
	Triggered bool
	Reason    SkipReason
	Detail    string
}

// Observer sees every rule's outcome, triggered or not
type Observer func(rule BehaviorRule, outcome Outcome)

// Evaluator decides which rules fire for a context snapshot.
// It performs no I/O and is safe for concurrent use across Auras as long as
// each call gets that Aura's own history.
type Evaluator struct {
	catalog  sensors.Catalog
	policy   PolicyMode
	observer Observer
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithPolicy selects the frequency policy
func WithPolicy(mode PolicyMode) Option {
	return func(e *Evaluator) { e.policy = mode }
}

// WithObserver registers an outcome observer
func WithObserver(fn Observer) Option {
	return func(e *Evaluator) { e.observer = fn }
}

// NewEvaluator creates an evaluator. A nil catalog means the built-in one.
func NewEvaluator(catalog sensors.Catalog, opts ...Option) *Evaluator {
	if catalog == nil {
		catalog = sensors.DefaultCatalog()
	}
	e := &Evaluator{catalog: catalog, policy: PolicyUniform}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every rule against rc and returns the rules that fired, in
// input order. Fired rules are recorded in history at rc.Now. Bad data in one
// rule never affects the others. A nil history panics.
func (e *Evaluator) Evaluate(rules []BehaviorRule, rc RuleContext, history TriggerHistory) []Result {
	if history == nil {
		panic("rules: Evaluate called with nil history")
	}
	if rc.Now.IsZero() {
		panic("rules: Evaluate called with zero RuleContext.Now")
	}

	var results []Result
	fired := make(map[string]struct{}, len(rules))

	for _, rule := range rules {
		outcome := e.evaluateRule(rule, rc, history, fired)
		if outcome.Triggered {
			history.RecordTrigger(rule.ID, rc.Now)
			fired[rule.ID] = struct{}{}
			results = append(results, Result{
				Rule:        rule,
				Message:     rule.Action.Message,
				TriggeredAt: rc.Now,
			})
		}
		if e.observer != nil {
			e.observer(rule, outcome)
		}
	}

	return results
}

func (e *Evaluator) evaluateRule(rule BehaviorRule, rc RuleContext, history TriggerHistory, fired map[string]struct{}) Outcome {
	if !rule.Enabled {
		return Outcome{Reason: SkipDisabled}
	}
	if _, dup := fired[rule.ID]; dup {
		return Outcome{Reason: SkipCoolingDown, Detail: "already fired this cycle"}
	}

	trigger := rule.Trigger
	if !history.CanTrigger(rule.ID, rc.Now, e.policy.MinimumInterval(trigger)) {
		return Outcome{Reason: SkipCoolingDown}
	}
	if e.policy == PolicySlidingWindow && !WindowAllows(trigger, history.Timestamps(rule.ID), rc.Now) {
		return Outcome{Reason: SkipFrequencyCap}
	}
	if trigger.Kind == KindScheduled && !inSchedule(trigger.Schedule, rc) {
		return Outcome{Reason: SkipOutsideSchedule}
	}

	meta, ok := e.catalog.Lookup(trigger.Sensor)
	if !ok {
		return Outcome{Reason: SkipUnknownSensor, Detail: trigger.Sensor}
	}
	actual, ok := rc.SenseData[trigger.Sensor]
	if !ok || actual == nil {
		return Outcome{Reason: SkipMissingReading, Detail: trigger.Sensor}
	}

	cmp := CompareDetailed(meta, trigger.Operator, trigger.Value, actual)
	if !cmp.Satisfied {
		return Outcome{Reason: cmp.Reason, Detail: cmp.Detail}
	}
	return Outcome{Triggered: true}
}

func inSchedule(s *Schedule, rc RuleContext) bool {
	if s == nil {
		return true
	}
	if len(s.TimesOfDay) > 0 {
		match := false
		for _, t := range s.TimesOfDay {
			if t == rc.TimeOfDay {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(s.DaysOfWeek) > 0 {
		for _, d := range s.DaysOfWeek {
			if d == rc.DayOfWeek {
				return true
			}
		}
		return false
	}
	return true
}

var defaultEvaluator = NewEvaluator(nil)

// Evaluate runs rules with the built-in catalog and the uniform policy
func Evaluate(rules []BehaviorRule, rc RuleContext, history TriggerHistory) []Result {
	return defaultEvaluator.Evaluate(rules, rc, history)
}
