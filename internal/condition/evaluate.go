// Package condition evaluates transition guard clauses against a record's
// field map. All clauses on a transition are ANDed; evaluation is
// side-effect-free.
package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/relaycrm/relay-go/internal/domain"
)

// EvaluateAll reports whether every condition passes against the record data.
func EvaluateAll(conditions []domain.Condition, record domain.FieldMap) bool {
	for _, cond := range conditions {
		if !Evaluate(cond, record) {
			return false
		}
	}
	return true
}

// Failed returns human-readable descriptions of the failing conditions,
// used in attempt-rejection messages.
func Failed(conditions []domain.Condition, record domain.FieldMap) []string {
	var failed []string
	for _, cond := range conditions {
		if !Evaluate(cond, record) {
			failed = append(failed, fmt.Sprintf("%s %s %s", cond.Field, cond.Kind, cond.Value))
		}
	}
	return failed
}

// Evaluate applies one guard clause. The switch is exhaustive over
// domain.ConditionKind; unknown kinds never pass (they are rejected at save
// time by validation).
func Evaluate(cond domain.Condition, record domain.FieldMap) bool {
	value, ok := resolveField(record, cond.Field)

	switch cond.Kind {
	case domain.ConditionExists:
		return ok
	case domain.ConditionEquals:
		return ok && compareEqual(value, cond.Value)
	case domain.ConditionNotEquals:
		return ok && !compareEqual(value, cond.Value)
	case domain.ConditionIn:
		return ok && compareIn(value, cond.Values)
	case domain.ConditionNotIn:
		return ok && !compareIn(value, cond.Values)
	case domain.ConditionContains:
		return ok && compareContains(value, cond.Value)
	case domain.ConditionNotContains:
		return ok && !compareContains(value, cond.Value)
	case domain.ConditionMatches:
		return ok && compareRegex(value, cond.Value)
	case domain.ConditionGreater, domain.ConditionGreaterEq, domain.ConditionLess, domain.ConditionLessEq:
		return ok && compareNumber(value, cond.Value, cond.Kind)
	default:
		return false
	}
}

// Present reports whether a field resolves to a non-empty value.
func Present(record domain.FieldMap, field string) bool {
	_, ok := resolveField(record, field)
	return ok
}

// Resolve looks a field up by dot path.
func Resolve(record domain.FieldMap, field string) (any, bool) {
	return resolveField(record, field)
}

// resolveField supports dot-path traversal into nested maps and arrays, the
// same way record stores flatten related data into the field map.
func resolveField(record domain.FieldMap, field string) (any, bool) {
	key := strings.TrimSpace(field)
	if key == "" || len(record) == 0 {
		return nil, false
	}
	if value, ok := record[key]; ok {
		return value, present(value)
	}

	parts := strings.Split(key, ".")
	var current any = map[string]any(record)
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[part]
			if !ok {
				return nil, false
			}
			current = next
		case domain.FieldMap:
			next, ok := typed[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, false
			}
			current = typed[index]
		default:
			return nil, false
		}
	}
	return current, present(current)
}

func present(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(typed) != ""
	case []any:
		return len(typed) > 0
	case []string:
		return len(typed) > 0
	default:
		return true
	}
}

func compareEqual(value any, target string) bool {
	target = normalize(target)
	switch typed := value.(type) {
	case string:
		return normalize(typed) == target
	case bool:
		return strconv.FormatBool(typed) == target
	case []string:
		for _, item := range typed {
			if normalize(item) == target {
				return true
			}
		}
		return false
	case []any:
		for _, item := range typed {
			if normalize(fmt.Sprint(item)) == target {
				return true
			}
		}
		return false
	default:
		if left, lok := toFloat64(value); lok {
			if right, rok := toFloat64(target); rok {
				return left == right
			}
		}
		return normalize(fmt.Sprint(value)) == target
	}
}

func compareIn(value any, targets []string) bool {
	normalized := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if v := normalize(t); v != "" {
			normalized[v] = struct{}{}
		}
	}
	if len(normalized) == 0 {
		return false
	}

	contains := func(v string) bool {
		_, ok := normalized[v]
		return ok
	}
	switch typed := value.(type) {
	case string:
		return contains(normalize(typed))
	case []string:
		for _, item := range typed {
			if contains(normalize(item)) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range typed {
			if contains(normalize(fmt.Sprint(item))) {
				return true
			}
		}
		return false
	default:
		return contains(normalize(fmt.Sprint(value)))
	}
}

func compareContains(value any, target string) bool {
	target = normalize(target)
	if target == "" {
		return false
	}
	switch typed := value.(type) {
	case string:
		return strings.Contains(normalize(typed), target)
	case []string:
		for _, item := range typed {
			if normalize(item) == target {
				return true
			}
		}
		return false
	case []any:
		for _, item := range typed {
			if normalize(fmt.Sprint(item)) == target {
				return true
			}
		}
		return false
	default:
		return strings.Contains(normalize(fmt.Sprint(value)), target)
	}
}

func compareRegex(value any, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	switch typed := value.(type) {
	case string:
		return re.MatchString(typed)
	default:
		return re.MatchString(fmt.Sprint(value))
	}
}

func compareNumber(value any, target string, kind domain.ConditionKind) bool {
	left, ok := toFloat64(value)
	if !ok {
		return false
	}
	right, ok := toFloat64(target)
	if !ok {
		return false
	}
	switch kind {
	case domain.ConditionGreater:
		return left > right
	case domain.ConditionGreaterEq:
		return left >= right
	case domain.ConditionLess:
		return left < right
	case domain.ConditionLessEq:
		return left <= right
	default:
		return false
	}
}

func toFloat64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
