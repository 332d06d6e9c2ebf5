// internal/rules/compare.go
package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/FairForge/aura/internal/sensors"
)

// Comparison is the outcome of matching one reading against a trigger
type Comparison struct {
	Satisfied bool
	Reason    SkipReason
	Detail    string
}

func satisfied(ok bool) Comparison {
	if ok {
		return Comparison{Satisfied: true}
	}
	return Comparison{Reason: SkipConditionFalse}
}

func rejected(reason SkipReason, format string, args ...any) Comparison {
	return Comparison{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

var operatorsByType = map[sensors.ValueType][]Operator{
	sensors.TypeNumeric:  {OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpBetween},
	sensors.TypeDuration: {OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpBetween},
	sensors.TypeEnum:     {OpEqual, OpNotEqual},
	sensors.TypeBoolean:  {OpEqual},
	sensors.TypeText:     {OpContains},
}

// OperatorsFor lists the operators a sensor type accepts
func OperatorsFor(t sensors.ValueType) []Operator {
	return append([]Operator(nil), operatorsByType[t]...)
}

// Supports reports whether op is legal for sensor type t
func Supports(t sensors.ValueType, op Operator) bool {
	for _, o := range operatorsByType[t] {
		if o == op {
			return true
		}
	}
	return false
}

// Compare reports whether actual satisfies op/threshold for the sensor.
// It never panics; anything it cannot interpret is simply not satisfied.
func Compare(meta sensors.Metadata, op Operator, threshold, actual any) bool {
	return CompareDetailed(meta, op, threshold, actual).Satisfied
}

// CompareDetailed is Compare with the reason a comparison failed.
//
// Text sensors support only "contains", a case-insensitive substring match.
func CompareDetailed(meta sensors.Metadata, op Operator, threshold, actual any) Comparison {
	actual = unwrapValue(actual)
	if actual == nil {
		return rejected(SkipMissingReading, "no reading for %s", meta.ID)
	}
	if !Supports(meta.Type, op) {
		return rejected(SkipUnsupportedOperator, "operator %q not supported for %s sensor", op, meta.Type)
	}

	switch meta.Type {
	case sensors.TypeNumeric, sensors.TypeDuration:
		return compareNumeric(op, threshold, actual)
	case sensors.TypeEnum:
		return compareEnum(op, threshold, actual)
	case sensors.TypeBoolean:
		return compareBoolean(threshold, actual)
	case sensors.TypeText:
		return compareText(threshold, actual)
	default:
		return rejected(SkipUnsupportedOperator, "unknown sensor type %q", meta.Type)
	}
}

func compareNumeric(op Operator, threshold, actual any) Comparison {
	a, ok := toFloat(actual)
	if !ok {
		return rejected(SkipMalformedValue, "reading %v is not numeric", actual)
	}

	if op == OpBetween {
		lo, hi, ok := toRange(threshold)
		if !ok {
			return rejected(SkipMalformedValue, "between needs [min, max], got %v", threshold)
		}
		// min > max is an empty range
		return satisfied(a >= lo && a <= hi)
	}

	t, ok := toFloat(unwrapValue(threshold))
	if !ok {
		return rejected(SkipMalformedValue, "threshold %v is not numeric", threshold)
	}

	switch op {
	case OpEqual:
		return satisfied(a == t)
	case OpNotEqual:
		return satisfied(a != t)
	case OpLess:
		return satisfied(a < t)
	case OpLessEqual:
		return satisfied(a <= t)
	case OpGreater:
		return satisfied(a > t)
	case OpGreaterEqual:
		return satisfied(a >= t)
	}
	return rejected(SkipUnsupportedOperator, "operator %q", op)
}

func compareEnum(op Operator, threshold, actual any) Comparison {
	a, ok := actual.(string)
	if !ok {
		return rejected(SkipMalformedValue, "enum reading %v is not a string", actual)
	}
	t, ok := unwrapValue(threshold).(string)
	if !ok {
		return rejected(SkipMalformedValue, "enum threshold %v is not a string", threshold)
	}

	if op == OpNotEqual {
		return satisfied(a != t)
	}
	return satisfied(a == t)
}

func compareBoolean(threshold, actual any) Comparison {
	a, ok := toBool(actual)
	if !ok {
		return rejected(SkipMalformedValue, "reading %v is not boolean", actual)
	}
	t, ok := toBool(unwrapValue(threshold))
	if !ok {
		return rejected(SkipMalformedValue, "threshold %v is not boolean", threshold)
	}
	return satisfied(a == t)
}

func compareText(threshold, actual any) Comparison {
	a, ok := actual.(string)
	if !ok {
		return rejected(SkipMalformedValue, "text reading %v is not a string", actual)
	}
	t, ok := unwrapValue(threshold).(string)
	if !ok {
		return rejected(SkipMalformedValue, "text threshold %v is not a string", threshold)
	}
	return satisfied(strings.Contains(strings.ToLower(a), strings.ToLower(t)))
}

// unwrapValue reduces {value, label} style objects to their value
func unwrapValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if inner, ok := x["value"]; ok {
			return inner
		}
	case map[string]string:
		if inner, ok := x["value"]; ok {
			return inner
		}
	case sensors.EnumValue:
		return x.Value
	case *sensors.EnumValue:
		if x != nil {
			return x.Value
		}
		return nil
	}
	return v
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func toRange(v any) (float64, float64, bool) {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case []float64:
		for _, f := range x {
			items = append(items, f)
		}
	case []int:
		for _, i := range x {
			items = append(items, i)
		}
	case map[string]any:
		items = []any{x["min"], x["max"]}
	default:
		return 0, 0, false
	}

	if len(items) != 2 {
		return 0, 0, false
	}
	lo, ok := toFloat(items[0])
	if !ok {
		return 0, 0, false
	}
	hi, ok := toFloat(items[1])
	if !ok {
		return 0, 0, false
	}
	return lo, hi, true
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off":
			return false, true
		}
		return false, false
	}

	if f, ok := toFloat(v); ok {
		switch f {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	}
	return false, false
}
