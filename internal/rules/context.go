// internal/rules/context.go
package rules

import "time"

// TimeOfDay is the coarse part of day derived from the wall clock
type TimeOfDay string

// Parts of day
const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
)

// Valid reports whether t is a known part of day
func (t TimeOfDay) Valid() bool {
	return t == Morning || t == Afternoon || t == Evening
}

// TimeOfDayAt buckets the hour of t: before 12 is morning, before 18 afternoon.
func TimeOfDayAt(t time.Time) TimeOfDay {
	switch h := t.Hour(); {
	case h < 12:
		return Morning
	case h < 18:
		return Afternoon
	default:
		return Evening
	}
}

// Personality holds an Aura's trait sliders, each 0-100.
// The evaluator carries it for message rendering only.
type Personality struct {
	Warmth      int `json:"warmth" yaml:"warmth"`
	Playfulness int `json:"playfulness" yaml:"playfulness"`
	Verbosity   int `json:"verbosity" yaml:"verbosity"`
	Empathy     int `json:"empathy" yaml:"empathy"`
	Creativity  int `json:"creativity" yaml:"creativity"`
}

// DefaultPersonality is the balanced profile new Auras start with
func DefaultPersonality() Personality {
	return Personality{Warmth: 50, Playfulness: 50, Verbosity: 50, Empathy: 50, Creativity: 50}
}

// RuleContext is the per-cycle input to the evaluator
type RuleContext struct {
	SenseData   map[string]any
	Personality Personality
	TimeOfDay   TimeOfDay
	DayOfWeek   string
	Now         time.Time
}

// NewRuleContext derives time-of-day and weekday from now
func NewRuleContext(now time.Time, senseData map[string]any, personality Personality) RuleContext {
	if senseData == nil {
		senseData = map[string]any{}
	}
	return RuleContext{
		SenseData:   senseData,
		Personality: personality,
		TimeOfDay:   TimeOfDayAt(now),
		DayOfWeek:   now.Weekday().String(),
		Now:         now,
	}
}
