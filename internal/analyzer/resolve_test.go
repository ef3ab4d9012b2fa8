package analyzer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/document"
)

// mapLoader serves imports from an in-memory path -> source table.
type mapLoader map[string]string

func (m mapLoader) Load(path string) (*ast.Document, error) {
	src, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("document %q not found", path)
	}
	p := &document.Parser{}
	doc, diags := p.Parse(path, []byte(src))
	if diagnostics.HasErrors(diags) {
		return nil, diagnostics.FirstError(diags)
	}
	return doc, nil
}

func parseDoc(t *testing.T, file, src string) *ast.Document {
	t.Helper()
	p := &document.Parser{}
	doc, diags := p.Parse(file, []byte(src))
	if diagnostics.HasErrors(diags) {
		t.Fatalf("parse %s: %v", file, diagnostics.FirstError(diags))
	}
	return doc
}

func codesOf(diags []*diagnostics.Diagnostic) []string {
	var out []string
	for _, d := range diags {
		out = append(out, d.Code)
	}
	return out
}

func hasCode(diags []*diagnostics.Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestImportFlattening(t *testing.T) {
	loader := mapLoader{
		"shared.yaml": `
version: "1.0"
flows:
  wave:
    actions:
      - call: bow
  bow:
    actions:
      - emit: greeted
`,
	}
	doc := parseDoc(t, "main.abml", `
version: "1.0"
imports:
  - document: shared.yaml
    as: social
channels:
  main:
    - call: social.wave
    - wait_for: greeted
`)
	r := &Resolver{Loader: loader}
	resolved, diags := r.Resolve(doc)
	if diagnostics.HasErrors(diags) {
		t.Fatalf("resolve: %v (%v)", diagnostics.FirstError(diags), codesOf(diags))
	}

	if resolved.Flow("social.wave") == nil || resolved.Flow("social.bow") == nil {
		t.Fatal("imported flows missing under their qualified names")
	}
	// the sibling call inside wave must have been rewritten
	wave := resolved.Flow("social.wave")
	call, ok := wave.Actions[0].(*ast.CallAction)
	if !ok || call.Flow != "social.bow" {
		t.Errorf("qualified call = %#v", wave.Actions[0])
	}
	// the original document is untouched
	if doc.Flow("social.wave") != nil {
		t.Error("resolve mutated its input")
	}
}

func TestCircularImport(t *testing.T) {
	loader := mapLoader{
		"a.yaml": `
version: "1.0"
imports:
  - document: b.yaml
    as: b
flows:
  fa:
    actions:
      - halt
`,
		"b.yaml": `
version: "1.0"
imports:
  - document: a.yaml
    as: a
flows:
  fb:
    actions:
      - halt
`,
	}
	doc := parseDoc(t, "a.yaml", loader["a.yaml"])
	r := &Resolver{Loader: loader}
	_, diags := r.Resolve(doc)
	if !hasCode(diags, "S001") {
		t.Fatalf("diags = %v, want S001", codesOf(diags))
	}
	d := diagnostics.FirstError(diags)
	if !strings.Contains(d.Message, "a.yaml") || !strings.Contains(d.Message, "b.yaml") {
		t.Errorf("cycle message = %q", d.Message)
	}
}

func TestUnknownFlowReference(t *testing.T) {
	doc := parseDoc(t, "main.abml", `
version: "1.0"
channels:
  main:
    - call: nowhere
`)
	_, diags := (&Resolver{}).Resolve(doc)
	if !hasCode(diags, "S002") {
		t.Errorf("diags = %v, want S002", codesOf(diags))
	}
}

func TestWaitWithoutEmitter(t *testing.T) {
	// no timeout: error
	doc := parseDoc(t, "main.abml", `
version: "1.0"
channels:
  main:
    - wait_for: ghost
`)
	_, diags := (&Resolver{}).Resolve(doc)
	d := diagnostics.FirstError(diags)
	if d == nil || d.Code != "S003" {
		t.Fatalf("diags = %v, want S003 error", codesOf(diags))
	}

	// with a timeout the wait can still resolve, so only warn
	doc = parseDoc(t, "main.abml", `
version: "1.0"
channels:
  main:
    - wait_for: ghost
      timeout: 5s
`)
	_, diags = (&Resolver{}).Resolve(doc)
	if diagnostics.HasErrors(diags) {
		t.Errorf("timeout wait should not error: %v", diagnostics.FirstError(diags))
	}
	if !hasCode(diags, "S003") {
		t.Errorf("diags = %v, want S003 warning", codesOf(diags))
	}
}

func TestExternalWaitReferences(t *testing.T) {
	// @channel.point references another document's sync point, so the
	// local-emitter requirement does not apply
	doc := parseDoc(t, "main.abml", `
version: "1.0"
channels:
  main:
    - wait_for: "@scout.arrived"
`)
	_, diags := (&Resolver{}).Resolve(doc)
	if len(diags) != 0 {
		t.Errorf("well-formed external wait flagged: %v", codesOf(diags))
	}

	doc = parseDoc(t, "main.abml", `
version: "1.0"
channels:
  main:
    - wait_for: "@arrived"
`)
	_, diags = (&Resolver{}).Resolve(doc)
	d := diagnostics.FirstError(diags)
	if d == nil || d.Code != "S003" {
		t.Errorf("malformed external wait diags = %v, want S003 error", codesOf(diags))
	}
}

func TestDuplicateNames(t *testing.T) {
	doc := parseDoc(t, "main.abml", `
version: "1.0"
flows:
  go_home:
    actions:
      - continuation_point:
          name: pause_here
          timeout: 1s
channels:
  main:
    - call: go_home
    - continuation_point:
        name: pause_here
        timeout: 1s
`)
	_, diags := (&Resolver{}).Resolve(doc)
	if !hasCode(diags, "S004") {
		t.Errorf("diags = %v, want S004 for duplicate continuation point", codesOf(diags))
	}
}

func TestUncalledFlowWarning(t *testing.T) {
	doc := parseDoc(t, "main.abml", `
version: "1.0"
flows:
  orphan:
    actions:
      - halt
channels:
  main:
    - halt
`)
	_, diags := (&Resolver{}).Resolve(doc)
	if diagnostics.HasErrors(diags) {
		t.Fatalf("unexpected error: %v", diagnostics.FirstError(diags))
	}
	if !hasCode(diags, "S005") {
		t.Errorf("diags = %v, want S005 warning", codesOf(diags))
	}
}

func TestEmitInsideNestedBlocksSatisfiesWait(t *testing.T) {
	doc := parseDoc(t, "main.abml", `
version: "1.0"
context:
  ready:
    type: bool
    default: true
flows:
  helper:
    actions:
      - cond:
          - when: ready
            do:
              - emit: armed
channels:
  a:
    - call: helper
  b:
    - wait_for: armed
`)
	_, diags := (&Resolver{}).Resolve(doc)
	if diagnostics.HasErrors(diags) {
		t.Errorf("nested emit not collected: %v", diagnostics.FirstError(diags))
	}
}
