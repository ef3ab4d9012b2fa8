package analyzer

import (
	"testing"

	"github.com/arcadia/abml/internal/diagnostics"
)

func TestCheckReportsTypeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{
			"context default mismatch",
			`
version: "1.0"
context:
  energy:
    type: int
    default: plenty
channels:
  main:
    - halt
`,
			"T001",
		},
		{
			"assignment to declared type",
			`
version: "1.0"
context:
  energy: int
channels:
  main:
    - set: { energy: "wrong" }
`,
			"T001",
		},
		{
			"for_each over a scalar",
			`
version: "1.0"
context:
  energy: int
channels:
  main:
    - for_each:
        in: energy
        do:
          - halt
`,
			"T002",
		},
		{
			"repeat with non-int times",
			`
version: "1.0"
context:
  label: string
channels:
  main:
    - repeat:
        times: "${label}"
        do:
          - halt
`,
			"T003",
		},
		{
			"non-bool condition",
			`
version: "1.0"
channels:
  main:
    - cond:
        - when: 5 + 3
          do:
            - halt
`,
			"T004",
		},
		{
			"arithmetic on mixed types",
			`
version: "1.0"
channels:
  main:
    - set: { x: "${'a' * 2}" }
`,
			"T005",
		},
		{
			"missing object field",
			`
version: "1.0"
context:
  pos:
    type: "object{x: float, y: float}"
channels:
  main:
    - set: { z: "${pos.altitude}" }
`,
			"T006",
		},
		{
			"list index with string key",
			`
version: "1.0"
context:
  items:
    type: list<int>
channels:
  main:
    - set: { x: "${items['k']}" }
`,
			"T007",
		},
		{
			"unknown function",
			`
version: "1.0"
channels:
  main:
    - set: { x: "${summon(3)}" }
`,
			"T008",
		},
		{
			"builtin arity",
			`
version: "1.0"
channels:
  main:
    - set: { x: "${len()}" }
`,
			"T008",
		},
		{
			"element type flows into loop body",
			`
version: "1.0"
context:
  names:
    type: list<string>
  total: int
channels:
  main:
    - for_each:
        in: names
        as: n
        do:
          - set: { total: "${n}" }
`,
			"T001",
		},
	}

	for _, tt := range tests {
		doc := parseDoc(t, "test.abml", tt.src)
		diags := Check(doc)
		if !hasCode(diags, tt.code) {
			t.Errorf("%s: diags = %v, want %s", tt.name, codesOf(diags), tt.code)
		}
	}
}

func TestCheckAcceptsWellTypedDocument(t *testing.T) {
	doc := parseDoc(t, "test.abml", `
version: "1.0"
context:
  energy:
    type: int
    default: 100
  pace:
    type: float
    default: 1.5
  title: string
  spots:
    type: list<string>
flows:
  tire:
    params: [amount]
    actions:
      - set: { energy: "${energy - amount}" }
channels:
  main:
    - cond:
        - when: energy > 10 && !is_null(title)
          do:
            - set: { pace: "${pace * 2}" }
    - for_each:
        in: spots
        as: spot
        do:
          - scout: { where: "${upper(spot)}" }
    - call: tire
      args: { amount: 5 }
    - wait_for: scouted
      timeout: 3s
`)
	if diags := Check(doc); diagnostics.HasErrors(diags) {
		t.Errorf("unexpected diagnostics: %v", codesOf(diags))
	}
}

func TestSafeMemberAccessSuppressesFieldError(t *testing.T) {
	doc := parseDoc(t, "test.abml", `
version: "1.0"
context:
  pos:
    type: "object{x: float}"
channels:
  main:
    - set: { z: "${pos?.altitude ?? 0}" }
`)
	if diags := Check(doc); diagnostics.HasErrors(diags) {
		t.Errorf("safe access should not error: %v", codesOf(diags))
	}
}
