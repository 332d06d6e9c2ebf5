// internal/rules/schema.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ruleSchema checks the shape of a rule document before it is decoded.
// Semantic checks that need the sensor catalog live in Validate.
const ruleSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "trigger", "action"],
  "properties": {
    "id": {"type": "string"},
    "aura_id": {"type": "string"},
    "name": {"type": "string", "minLength": 1, "maxLength": 200},
    "priority": {"type": "integer"},
    "enabled": {"type": "boolean"},
    "trigger": {
      "type": "object",
      "required": ["sensor", "operator", "value"],
      "properties": {
        "kind": {"enum": ["simple", "scheduled", "proactive_notification"]},
        "sensor": {"type": "string", "minLength": 1},
        "operator": {"enum": ["==", "!=", "<", "<=", ">", ">=", "between", "contains"]},
        "value": {"type": ["number", "string", "boolean", "array", "object"]},
        "cooldown": {"type": "integer", "minimum": 0},
        "frequency_limit": {"type": "integer", "minimum": 0, "maximum": 1000},
        "frequency_period": {"enum": ["hour", "day", "week", "month"]},
        "minimum_gap": {"type": "integer", "minimum": 0},
        "schedule": {
          "type": "object",
          "properties": {
            "times_of_day": {"type": "array", "items": {"enum": ["morning", "afternoon", "evening"]}},
            "days_of_week": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    },
    "action": {
      "type": "object",
      "required": ["message"],
      "properties": {
        "type": {"enum": ["notification", "message", "webhook"]},
        "message": {"type": "string", "minLength": 1},
        "channels": {"type": "array", "items": {"type": "string"}},
        "priority": {"type": "integer"}
      }
    }
  }
}`

var compiledRuleSchema = mustCompileSchema(ruleSchema)

func mustCompileSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("rules: compile schema: %v", err))
	}
	return schema
}

// DecodeRule checks a JSON rule document against the rule schema and decodes
// it. Numbers in trigger values are decoded as float64.
func DecodeRule(data []byte) (BehaviorRule, error) {
	var rule BehaviorRule

	result, err := compiledRuleSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return rule, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return rule, fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(msgs, "; "))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&rule); err != nil {
		return rule, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	rule.ApplyDefaults()
	return rule, nil
}
