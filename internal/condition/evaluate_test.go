package condition

import (
	"testing"

	"github.com/relaycrm/relay-go/internal/domain"
)

func testRecord() domain.FieldMap {
	return domain.FieldMap{
		"stage":    "Negotiation",
		"amount":   12500.0,
		"priority": "high",
		"tags":     []any{"enterprise", "renewal"},
		"notes":    "",
		"contact":  map[string]any{"email": "buyer@acme.test", "phones": []any{"111", "222"}},
	}
}

func TestEvaluateOperators(t *testing.T) {
	record := testRecord()
	cases := []struct {
		name string
		cond domain.Condition
		want bool
	}{
		{"eq case-insensitive", domain.Condition{Field: "stage", Kind: domain.ConditionEquals, Value: "negotiation"}, true},
		{"eq mismatch", domain.Condition{Field: "stage", Kind: domain.ConditionEquals, Value: "closed"}, false},
		{"eq numeric string", domain.Condition{Field: "amount", Kind: domain.ConditionEquals, Value: "12500"}, true},
		{"neq", domain.Condition{Field: "stage", Kind: domain.ConditionNotEquals, Value: "closed"}, true},
		{"gt", domain.Condition{Field: "amount", Kind: domain.ConditionGreater, Value: "10000"}, true},
		{"gt fails", domain.Condition{Field: "amount", Kind: domain.ConditionGreater, Value: "20000"}, false},
		{"gte boundary", domain.Condition{Field: "amount", Kind: domain.ConditionGreaterEq, Value: "12500"}, true},
		{"lt", domain.Condition{Field: "amount", Kind: domain.ConditionLess, Value: "20000"}, true},
		{"lte boundary", domain.Condition{Field: "amount", Kind: domain.ConditionLessEq, Value: "12500"}, true},
		{"in", domain.Condition{Field: "priority", Kind: domain.ConditionIn, Values: []string{"high", "urgent"}}, true},
		{"not_in", domain.Condition{Field: "priority", Kind: domain.ConditionNotIn, Values: []string{"low"}}, true},
		{"in over list field", domain.Condition{Field: "tags", Kind: domain.ConditionIn, Values: []string{"renewal"}}, true},
		{"contains substring", domain.Condition{Field: "stage", Kind: domain.ConditionContains, Value: "negoti"}, true},
		{"contains list member", domain.Condition{Field: "tags", Kind: domain.ConditionContains, Value: "enterprise"}, true},
		{"not_contains", domain.Condition{Field: "stage", Kind: domain.ConditionNotContains, Value: "zzz"}, true},
		{"exists", domain.Condition{Field: "stage", Kind: domain.ConditionExists}, true},
		{"exists empty string", domain.Condition{Field: "notes", Kind: domain.ConditionExists}, false},
		{"exists missing", domain.Condition{Field: "ghost", Kind: domain.ConditionExists}, false},
		{"matches", domain.Condition{Field: "contact.email", Kind: domain.ConditionMatches, Value: `@acme\.test$`}, true},
		{"matches bad pattern", domain.Condition{Field: "stage", Kind: domain.ConditionMatches, Value: `([`}, false},
		{"dot path", domain.Condition{Field: "contact.email", Kind: domain.ConditionEquals, Value: "buyer@acme.test"}, true},
		{"array index path", domain.Condition{Field: "contact.phones.1", Kind: domain.ConditionEquals, Value: "222"}, true},
		{"missing field never passes eq", domain.Condition{Field: "ghost", Kind: domain.ConditionEquals, Value: "x"}, false},
		{"missing field never passes neq", domain.Condition{Field: "ghost", Kind: domain.ConditionNotEquals, Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(tc.cond, record); got != tc.want {
				t.Fatalf("Evaluate(%+v) = %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

func TestEvaluateAllIsConjunction(t *testing.T) {
	record := testRecord()
	conds := []domain.Condition{
		{Field: "stage", Kind: domain.ConditionEquals, Value: "negotiation"},
		{Field: "amount", Kind: domain.ConditionGreater, Value: "10000"},
	}
	if !EvaluateAll(conds, record) {
		t.Fatalf("all-passing set evaluated false")
	}

	conds = append(conds, domain.Condition{Field: "priority", Kind: domain.ConditionEquals, Value: "low"})
	if EvaluateAll(conds, record) {
		t.Fatalf("set with one failure evaluated true")
	}
	if failed := Failed(conds, record); len(failed) != 1 {
		t.Fatalf("failed = %v, want one entry", failed)
	}

	if !EvaluateAll(nil, record) {
		t.Fatalf("empty condition set should pass")
	}
}

func TestPresentAndResolve(t *testing.T) {
	record := testRecord()
	if !Present(record, "stage") {
		t.Fatalf("stage should be present")
	}
	if Present(record, "notes") {
		t.Fatalf("empty string should not be present")
	}
	value, ok := Resolve(record, "contact.email")
	if !ok || value != "buyer@acme.test" {
		t.Fatalf("resolve = %v, %v", value, ok)
	}
}
