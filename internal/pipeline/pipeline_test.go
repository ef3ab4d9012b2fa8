package pipeline

import (
	"strings"
	"testing"

	"github.com/arcadia/abml/internal/diagnostics"
)

const goodDoc = `
version: "1.0"
metadata:
  name: lantern
context:
  lit:
    type: bool
    default: false
flows:
  ignite:
    actions:
      - set: { lit: true }
      - emit: glowing
channels:
  keeper:
    - call: ignite
    - wait_for: glowing
`

func TestCompileChainsAllStages(t *testing.T) {
	ctx := Compile(&Context{File: "lantern.abml", Source: []byte(goodDoc)})
	if ctx.HasErrors() {
		t.Fatalf("diagnostics: %v", diagnostics.FirstError(ctx.Diagnostics))
	}
	if ctx.Document == nil || ctx.Resolved == nil || ctx.Model == nil {
		t.Fatalf("stage outputs missing: doc=%v resolved=%v model=%v",
			ctx.Document != nil, ctx.Resolved != nil, ctx.Model != nil)
	}
	if ctx.Model.Name != "lantern" {
		t.Errorf("model name = %q", ctx.Model.Name)
	}
}

func TestErrorsFromEveryStageAccumulate(t *testing.T) {
	// one parse-clean document with a semantic error and a type error
	src := `
version: "1.0"
context:
  count: int
channels:
  main:
    - set: { count: "words" }
    - call: missing_flow
`
	ctx := Compile(&Context{File: "bad.abml", Source: []byte(src)})
	if !ctx.HasErrors() {
		t.Fatal("expected errors")
	}
	var sawSemantic, sawType bool
	for _, d := range ctx.Diagnostics {
		if strings.HasPrefix(d.Code, "S") {
			sawSemantic = true
		}
		if strings.HasPrefix(d.Code, "T") {
			sawType = true
		}
	}
	if !sawSemantic || !sawType {
		t.Errorf("diagnostics = %v; want both S and T codes", ctx.Diagnostics)
	}
	if ctx.Model != nil {
		t.Error("model must not be produced from an erroneous document")
	}
}

func TestParseErrorShortCircuitsCompile(t *testing.T) {
	ctx := Compile(&Context{File: "broken.abml", Source: []byte("channels: {")})
	if !ctx.HasErrors() {
		t.Fatal("expected a parse error")
	}
	if ctx.Model != nil {
		t.Error("model produced despite parse failure")
	}
}

func TestCustomPipelineOrder(t *testing.T) {
	ctx := New(ParseProcessor{}, CompileProcessor{}).Run(&Context{
		File:   "lantern.abml",
		Source: []byte(goodDoc),
	})
	if ctx.HasErrors() || ctx.Model == nil {
		t.Fatalf("parse+compile pipeline failed: %v", ctx.Diagnostics)
	}
	if ctx.Resolved != nil {
		t.Error("resolution ran without its processor")
	}
}
