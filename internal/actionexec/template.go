package actionexec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relaycrm/relay-go/internal/condition"
	"github.com/relaycrm/relay-go/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolveTemplate substitutes {{field}} placeholders with record values.
// Dot paths traverse nested data; unresolvable placeholders become "".
func ResolveTemplate(template string, record domain.FieldMap) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		value, ok := condition.Resolve(record, path)
		if !ok {
			return ""
		}
		return stringify(value)
	})
}

// resolveValue keeps a raw value's type when the whole string is a single
// placeholder, so numeric and boolean fields survive update_field untouched.
func resolveValue(raw any, record domain.FieldMap) any {
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	trimmed := strings.TrimSpace(s)
	if match := placeholderPattern.FindStringSubmatch(trimmed); match != nil && match[0] == trimmed {
		if value, found := condition.Resolve(record, strings.TrimSpace(match[1])); found {
			return value
		}
		return nil
	}
	return ResolveTemplate(s, record)
}

func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case nil:
		return ""
	case float64:
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%g", typed)
	default:
		return fmt.Sprint(typed)
	}
}
