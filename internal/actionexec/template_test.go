package actionexec

import (
	"testing"

	"github.com/relaycrm/relay-go/internal/domain"
)

func TestResolveTemplate(t *testing.T) {
	record := domain.FieldMap{
		"name":    "Acme renewal",
		"amount":  12500.0,
		"contact": map[string]any{"email": "buyer@acme.test"},
	}

	cases := []struct {
		name     string
		template string
		want     string
	}{
		{"plain", "no placeholders", "no placeholders"},
		{"single", "Deal {{name}} updated", "Deal Acme renewal updated"},
		{"spaced", "Deal {{ name }} updated", "Deal Acme renewal updated"},
		{"number", "Total: {{amount}}", "Total: 12500"},
		{"dotted", "Mail {{contact.email}}", "Mail buyer@acme.test"},
		{"missing", "Hello {{ghost}}!", "Hello !"},
		{"multiple", "{{name}} / {{amount}}", "Acme renewal / 12500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveTemplate(tc.template, record); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveValue(t *testing.T) {
	record := domain.FieldMap{"amount": 12500.0, "active": true, "name": "Acme"}

	if got := resolveValue("{{amount}}", record); got != 12500.0 {
		t.Fatalf("whole placeholder = %v (%T), want native float", got, got)
	}
	if got := resolveValue("{{active}}", record); got != true {
		t.Fatalf("bool placeholder = %v, want true", got)
	}
	if got := resolveValue("amount: {{amount}}", record); got != "amount: 12500" {
		t.Fatalf("interpolated = %v", got)
	}
	if got := resolveValue(42, record); got != 42 {
		t.Fatalf("non-string passthrough = %v", got)
	}
	if got := resolveValue("{{ghost}}", record); got != nil {
		t.Fatalf("missing placeholder = %v, want nil", got)
	}
}
