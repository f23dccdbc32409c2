package domain

import (
	"fmt"
	"strings"
)

// ConditionKind is the closed set of guard operators. The evaluator switches
// exhaustively over these; an unknown kind is a validation error, never a
// silently-false guard.
type ConditionKind string

const (
	ConditionEquals      ConditionKind = "eq"
	ConditionNotEquals   ConditionKind = "neq"
	ConditionGreater     ConditionKind = "gt"
	ConditionGreaterEq   ConditionKind = "gte"
	ConditionLess        ConditionKind = "lt"
	ConditionLessEq      ConditionKind = "lte"
	ConditionContains    ConditionKind = "contains"
	ConditionNotContains ConditionKind = "not_contains"
	ConditionIn          ConditionKind = "in"
	ConditionNotIn       ConditionKind = "not_in"
	ConditionExists      ConditionKind = "exists"
	ConditionMatches     ConditionKind = "matches"
)

// Condition is one guard clause on a transition. All conditions on a
// transition are ANDed.
type Condition struct {
	Field        string
	Kind         ConditionKind
	Value        string
	Values       []string
	DisplayOrder int
}

func (c Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("condition field is required")
	}
	switch c.Kind {
	case ConditionExists:
		return nil
	case ConditionIn, ConditionNotIn:
		if len(trimNonEmpty(c.Values)) == 0 {
			return fmt.Errorf("condition %s on %q requires values", c.Kind, c.Field)
		}
		return nil
	case ConditionEquals, ConditionNotEquals, ConditionContains, ConditionNotContains, ConditionMatches:
		if strings.TrimSpace(c.Value) == "" {
			return fmt.Errorf("condition %s on %q requires a value", c.Kind, c.Field)
		}
		return nil
	case ConditionGreater, ConditionGreaterEq, ConditionLess, ConditionLessEq:
		if strings.TrimSpace(c.Value) == "" {
			return fmt.Errorf("condition %s on %q requires a value", c.Kind, c.Field)
		}
		return nil
	default:
		return fmt.Errorf("unsupported condition kind %q", c.Kind)
	}
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, item := range values {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
