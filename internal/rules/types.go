// internal/rules/types.go
package rules

import (
	"errors"
	"time"
)

var (
	// ErrInvalidRule wraps every validation failure
	ErrInvalidRule = errors.New("rules: invalid rule")
	// ErrUnknownSensor means the rule names a sensor the catalog does not know
	ErrUnknownSensor = errors.New("rules: unknown sensor")
	// ErrRuleNotFound is returned by stores for missing ids
	ErrRuleNotFound = errors.New("rules: rule not found")
	// ErrDuplicateRule is returned by stores on id collisions
	ErrDuplicateRule = errors.New("rules: rule already exists")
	// ErrReadOnly is returned by stores that cannot be written through the API
	ErrReadOnly = errors.New("rules: store is read-only")
	// ErrUnknownAura is returned by stores that require the Aura to exist first
	ErrUnknownAura = errors.New("rules: unknown aura")
)

// Operator is a trigger comparison operator
type Operator string

// Operators
const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpBetween      Operator = "between"
	OpContains     Operator = "contains"
)

// TriggerKind is the closed set of trigger variants
type TriggerKind string

// Trigger kinds
const (
	KindSimple                TriggerKind = "simple"
	KindScheduled             TriggerKind = "scheduled"
	KindProactiveNotification TriggerKind = "proactive_notification"
)

// Valid reports whether k is a known kind
func (k TriggerKind) Valid() bool {
	switch k {
	case KindSimple, KindScheduled, KindProactiveNotification:
		return true
	default:
		return false
	}
}

// ActionType is the closed set of action variants
type ActionType string

// Action types
const (
	ActionNotification ActionType = "notification"
	ActionMessage      ActionType = "message"
	ActionWebhook      ActionType = "webhook"
)

// Valid reports whether a is a known action type
func (a ActionType) Valid() bool {
	switch a {
	case ActionNotification, ActionMessage, ActionWebhook:
		return true
	default:
		return false
	}
}

// FrequencyPeriod is the window a frequency limit applies to
type FrequencyPeriod string

// Frequency periods
const (
	PeriodHour  FrequencyPeriod = "hour"
	PeriodDay   FrequencyPeriod = "day"
	PeriodWeek  FrequencyPeriod = "week"
	PeriodMonth FrequencyPeriod = "month"
)

// Schedule restricts scheduled triggers to parts of the day and week.
// Empty lists match everything.
type Schedule struct {
	TimesOfDay []TimeOfDay `json:"times_of_day,omitempty" yaml:"times_of_day,omitempty"`
	DaysOfWeek []string    `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
}

// Trigger is the condition half of a behavior rule.
// Cooldown and MinimumGap are in seconds.
type Trigger struct {
	Kind            TriggerKind     `json:"kind,omitempty" yaml:"kind,omitempty"`
	Sensor          string          `json:"sensor" yaml:"sensor"`
	Operator        Operator        `json:"operator" yaml:"operator"`
	Value           any             `json:"value" yaml:"value"`
	Cooldown        int             `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	FrequencyLimit  int             `json:"frequency_limit,omitempty" yaml:"frequency_limit,omitempty"`
	FrequencyPeriod FrequencyPeriod `json:"frequency_period,omitempty" yaml:"frequency_period,omitempty"`
	MinimumGap      int             `json:"minimum_gap,omitempty" yaml:"minimum_gap,omitempty"`
	Schedule        *Schedule       `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Action is what happens when a rule fires
type Action struct {
	Type     ActionType `json:"type" yaml:"type"`
	Message  string     `json:"message" yaml:"message"`
	Channels []string   `json:"channels,omitempty" yaml:"channels,omitempty"`
	Priority int        `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// BehaviorRule is a trigger/action pair owned by one Aura.
// Priority is for display ordering only.
type BehaviorRule struct {
	ID        string    `json:"id" yaml:"id"`
	AuraID    string    `json:"aura_id" yaml:"aura_id"`
	Name      string    `json:"name" yaml:"name"`
	Trigger   Trigger   `json:"trigger" yaml:"trigger"`
	Action    Action    `json:"action" yaml:"action"`
	Priority  int       `json:"priority" yaml:"priority"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// ApplyDefaults fills in the default trigger kind and action type
func (r *BehaviorRule) ApplyDefaults() {
	if r.Trigger.Kind == "" {
		r.Trigger.Kind = KindSimple
	}
	if r.Action.Type == "" {
		r.Action.Type = ActionNotification
	}
}

// Result is a rule that fired during an evaluation cycle
type Result struct {
	Rule        BehaviorRule `json:"rule"`
	Message     string       `json:"message"`
	TriggeredAt time.Time    `json:"triggered_at"`
}

// SkipReason explains why a rule did not fire
type SkipReason string

// Skip reasons
const (
	SkipNone                SkipReason = ""
	SkipDisabled            SkipReason = "disabled"
	SkipCoolingDown         SkipReason = "cooling_down"
	SkipFrequencyCap        SkipReason = "frequency_cap"
	SkipOutsideSchedule     SkipReason = "outside_schedule"
	SkipUnknownSensor       SkipReason = "unknown_sensor"
	SkipMissingReading      SkipReason = "missing_reading"
	SkipMalformedValue      SkipReason = "malformed_value"
	SkipUnsupportedOperator SkipReason = "unsupported_operator"
	SkipConditionFalse      SkipReason = "condition_not_met"
)

// DataQuality reports whether the reason points at bad rule or sensor data
// rather than an ordinary negative outcome. Callers log these as warnings.
func (r SkipReason) DataQuality() bool {
	switch r {
	case SkipUnknownSensor, SkipMissingReading, SkipMalformedValue, SkipUnsupportedOperator:
		return true
	default:
		return false
	}
}
