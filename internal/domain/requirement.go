package domain

import (
	"fmt"
	"strings"
)

// RequirementKind is the closed set of requirement gates. A requirement
// models a datum that must exist before a transition can complete; it is
// evaluated at execution time, not just offer time, because it may be
// satisfied asynchronously.
type RequirementKind string

const (
	// RequirementField requires a named field to carry a non-empty value in
	// the record data or the accumulated requirements data.
	RequirementField RequirementKind = "field"
	// RequirementNote requires a free-text note supplied under the
	// requirement's field key.
	RequirementNote RequirementKind = "note"
	// RequirementAttachment requires an object to exist in the attachment
	// store for the record, or an attachment reference in requirements data.
	RequirementAttachment RequirementKind = "attachment"
	// RequirementChecklist requires every configured item to be checked off.
	RequirementChecklist RequirementKind = "checklist"
)

type Requirement struct {
	ID           string
	Kind         RequirementKind
	Field        string
	Label        string
	Description  string
	Required     bool
	Config       Metadata
	DisplayOrder int
}

func (r Requirement) Validate() error {
	switch r.Kind {
	case RequirementField, RequirementNote, RequirementAttachment:
		if strings.TrimSpace(r.Field) == "" {
			return fmt.Errorf("%s requirement needs a field name", r.Kind)
		}
		return nil
	case RequirementChecklist:
		if strings.TrimSpace(r.Field) == "" {
			return fmt.Errorf("checklist requirement needs a field name")
		}
		if len(r.ChecklistItems()) == 0 {
			return fmt.Errorf("checklist requirement %q needs items", r.Field)
		}
		return nil
	default:
		return fmt.Errorf("unsupported requirement kind %q", r.Kind)
	}
}

// ChecklistItems returns the configured checklist entries, tolerating both
// []string and []any decodings of the stored config.
func (r Requirement) ChecklistItems() []string {
	raw, ok := r.Config["items"]
	if !ok {
		return nil
	}
	switch typed := raw.(type) {
	case []string:
		return trimNonEmpty(typed)
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				items = append(items, strings.TrimSpace(s))
			}
		}
		return items
	default:
		return nil
	}
}
