// internal/rules/validate.go
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/FairForge/aura/internal/sensors"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Validate checks a rule at the creation boundary so evaluation never sees
// a shape it cannot handle. Call ApplyDefaults first.
func (r *BehaviorRule) Validate(catalog sensors.Catalog) error {
	if r.AuraID == "" {
		return invalid("aura_id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name is required")
	}
	if err := r.Trigger.validate(catalog); err != nil {
		return err
	}
	return r.Action.validate()
}

func (t *Trigger) validate(catalog sensors.Catalog) error {
	if !t.Kind.Valid() {
		return invalid("unknown trigger kind %q", t.Kind)
	}
	if t.Sensor == "" {
		return invalid("trigger sensor is required")
	}

	if catalog == nil {
		catalog = sensors.DefaultCatalog()
	}
	meta, ok := catalog.Lookup(t.Sensor)
	if !ok {
		return fmt.Errorf("%w: %w: %s", ErrInvalidRule, ErrUnknownSensor, t.Sensor)
	}
	if !Supports(meta.Type, t.Operator) {
		return invalid("operator %q not allowed for %s sensor %s (allowed: %v)", t.Operator, meta.Type, meta.ID, OperatorsFor(meta.Type))
	}
	if err := validateValue(meta, t.Operator, t.Value); err != nil {
		return err
	}

	if t.Cooldown < 0 {
		return invalid("cooldown must not be negative")
	}
	if t.MinimumGap < 0 {
		return invalid("minimum_gap must not be negative")
	}
	if t.FrequencyLimit < 0 {
		return invalid("frequency_limit must not be negative")
	}
	if t.FrequencyLimit > MaxFrequencyLimit {
		return invalid("frequency_limit must be at most %d", MaxFrequencyLimit)
	}
	if t.UsesFrequency() {
		if _, ok := PeriodDuration(t.FrequencyPeriod); !ok {
			return invalid("frequency_period must be one of hour, day, week, month")
		}
		if t.FrequencyLimit == 0 {
			return invalid("frequency_limit is required with frequency_period")
		}
	}

	if t.Kind == KindScheduled {
		if t.Schedule == nil || (len(t.Schedule.TimesOfDay) == 0 && len(t.Schedule.DaysOfWeek) == 0) {
			return invalid("scheduled trigger needs times_of_day or days_of_week")
		}
	}
	if t.Schedule != nil {
		for _, tod := range t.Schedule.TimesOfDay {
			if !tod.Valid() {
				return invalid("unknown time of day %q", tod)
			}
		}
		for _, d := range t.Schedule.DaysOfWeek {
			if !validWeekday(d) {
				return invalid("unknown day of week %q", d)
			}
		}
	}
	return nil
}

func validateValue(meta sensors.Metadata, op Operator, value any) error {
	value = unwrapValue(value)
	switch meta.Type {
	case sensors.TypeNumeric, sensors.TypeDuration:
		if op == OpBetween {
			if _, _, ok := toRange(value); !ok {
				return invalid("between needs a [min, max] pair of numbers")
			}
			return nil
		}
		if _, ok := toFloat(value); !ok {
			return invalid("value for %s must be numeric", meta.ID)
		}
	case sensors.TypeEnum:
		s, ok := value.(string)
		if !ok {
			return invalid("value for %s must be a string", meta.ID)
		}
		if !meta.HasEnumValue(s) {
			return invalid("%q is not a value of %s", s, meta.ID)
		}
	case sensors.TypeBoolean:
		if _, ok := toBool(value); !ok {
			return invalid("value for %s must be boolean", meta.ID)
		}
	case sensors.TypeText:
		s, ok := value.(string)
		if !ok || s == "" {
			return invalid("value for %s must be a non-empty string", meta.ID)
		}
	}
	return nil
}

func (a *Action) validate() error {
	if !a.Type.Valid() {
		return invalid("unknown action type %q", a.Type)
	}
	if strings.TrimSpace(a.Message) == "" {
		return invalid("action message is required")
	}
	return nil
}

func validWeekday(s string) bool {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == s {
			return true
		}
	}
	return false
}
