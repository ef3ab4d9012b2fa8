package document

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/diagnostics"
)

func mustParse(t *testing.T, src string) *ast.Document {
	t.Helper()
	p := &Parser{}
	doc, diags := p.Parse("test.abml", []byte(src))
	if diagnostics.HasErrors(diags) {
		t.Fatalf("parse: %v", diagnostics.FirstError(diags))
	}
	return doc
}

func errCode(t *testing.T, src string) string {
	t.Helper()
	p := &Parser{}
	_, diags := p.Parse("test.abml", []byte(src))
	d := diagnostics.FirstError(diags)
	if d == nil {
		t.Fatalf("expected an error for:\n%s", src)
	}
	return d.Code
}

func TestParseFullDocument(t *testing.T) {
	doc := mustParse(t, `
version: "1.2"
metadata:
  name: guard_post
  description: perimeter duty
  deterministic: true
context:
  alert_level: int
  post:
    type: string
    scope: entity
    default: north_gate
errors:
  default:
    - log: { message: "unhandled" }
goals:
  hold_position:
    priority: 2.5
    preconditions:
      - alert_level < 3
    effects:
      position_held: true
flows:
  sound_alarm:
    description: ring the bell
    params: [volume]
    cost: 1.5
    actions:
      - bell: { loudness: "${volume}" }
  quick_check:
    - emit: checked
channels:
  watch:
    - call: quick_check
    - wait_for: checked
`)

	if doc.Version != "1.2" || doc.Metadata.Name != "guard_post" || !doc.Metadata.Deterministic {
		t.Errorf("header = %q %q det=%v", doc.Version, doc.Metadata.Name, doc.Metadata.Deterministic)
	}
	if len(doc.Context) != 2 {
		t.Fatalf("context = %d decls", len(doc.Context))
	}
	if doc.Context[0].Name != "alert_level" || doc.Context[0].Type.String() != "int" {
		t.Errorf("shorthand decl = %+v", doc.Context[0])
	}
	post := doc.Context[1]
	if post.Scope != ast.ScopeEntity || post.Default == nil {
		t.Errorf("post decl = %+v", post)
	}
	if len(doc.Errors) != 1 || doc.Errors[0].Category != "default" {
		t.Errorf("errors = %+v", doc.Errors)
	}
	if len(doc.Goals) != 1 || doc.Goals[0].Priority != 2.5 || len(doc.Goals[0].Preconditions) != 1 {
		t.Errorf("goals = %+v", doc.Goals)
	}

	alarm := doc.Flow("sound_alarm")
	if alarm == nil || alarm.Cost != 1.5 || len(alarm.Params) != 1 || alarm.Params[0] != "volume" {
		t.Fatalf("flow = %+v", alarm)
	}
	if doc.Flow("quick_check") == nil || len(doc.Flow("quick_check").Actions) != 1 {
		t.Error("sequence-shorthand flow not parsed")
	}
	if doc.Channel("watch") == nil || len(doc.Channel("watch").Actions) != 2 {
		t.Errorf("channels = %+v", doc.Channels)
	}
}

func TestActionForms(t *testing.T) {
	doc := mustParse(t, `
version: "1.0"
flows:
  target:
    - return
channels:
  main:
    - set: { a: 1, b: "two" }
    - call: target
      args: { x: 5 }
    - say: "hello there"
    - scan:
        radius: 20
      mode: await_completion
      on_error:
        - return
    - wait_for:
        any_of: [quick, slow]
        timeout: 2s
        on_timeout:
          - halt
    - continuation_point:
        name: stand_by
        timeout: 10s
    - halt
`)
	acts := doc.Channel("main").Actions
	if len(acts) != 7 {
		t.Fatalf("got %d actions", len(acts))
	}

	set := acts[0].(*ast.SetAction)
	if len(set.Assignments) != 2 || set.Assignments[0].Name != "a" || set.Assignments[1].Name != "b" {
		t.Errorf("set = %+v", set.Assignments)
	}

	call := acts[1].(*ast.CallAction)
	if call.Flow != "target" || len(call.Args) != 1 || call.Args[0].Name != "x" {
		t.Errorf("call = %+v", call)
	}

	// scalar shorthand becomes the conventional value param
	say := acts[2].(*ast.DomainAction)
	if say.Name != "say" || len(say.Params) != 1 || say.Params[0].Name != "value" {
		t.Errorf("say = %+v", say)
	}

	scan := acts[3].(*ast.DomainAction)
	if scan.Mode != ast.ModeAwaitCompletion || len(scan.OnError) != 1 || len(scan.Params) != 1 {
		t.Errorf("scan = %+v", scan)
	}

	wait := acts[4].(*ast.WaitForAction)
	if !wait.AnyOf || len(wait.Points) != 2 || wait.Timeout != 2*time.Second || len(wait.OnTimeout) != 1 {
		t.Errorf("wait = %+v", wait)
	}

	cont := acts[5].(*ast.ContinuationPointAction)
	if cont.Name != "stand_by" || cont.Timeout != 10*time.Second {
		t.Errorf("cont = %+v", cont)
	}

	if _, ok := acts[6].(*ast.HaltAction); !ok {
		t.Errorf("halt = %#v", acts[6])
	}
}

func TestWaitForScalarAndSiblingTimeout(t *testing.T) {
	doc := mustParse(t, `
version: "1.0"
channels:
  main:
    - wait_for: ready
      timeout: 500ms
`)
	wait := doc.Channel("main").Actions[0].(*ast.WaitForAction)
	if len(wait.Points) != 1 || wait.Points[0] != "ready" || wait.AnyOf {
		t.Errorf("wait = %+v", wait)
	}
	if !wait.HasTimeout || wait.Timeout != 500*time.Millisecond {
		t.Errorf("timeout = %v has=%v", wait.Timeout, wait.HasTimeout)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{"missing version", "channels:\n  main:\n    - halt\n", "P005"},
		{"unknown scalar action", "version: \"1.0\"\nchannels:\n  main:\n    - explode\n", "P001"},
		{
			"two domain action keys",
			"version: \"1.0\"\nchannels:\n  main:\n    - fire: {}\n      reload: {}\n",
			"P001",
		},
		{
			"repeat zero times",
			"version: \"1.0\"\nchannels:\n  main:\n    - repeat:\n        times: 0\n        do:\n          - halt\n",
			"S005",
		},
		{
			"continuation point without timeout",
			"version: \"1.0\"\nchannels:\n  main:\n    - continuation_point:\n        name: p\n",
			"P005",
		},
		{
			"on_timeout without timeout",
			"version: \"1.0\"\nchannels:\n  main:\n    - wait_for: x\n      on_timeout:\n        - halt\n",
			"P005",
		},
		{"cond without branches", "version: \"1.0\"\nchannels:\n  main:\n    - cond: []\n", "P005"},
	}
	for _, tt := range tests {
		if code := errCode(t, tt.src); code != tt.code {
			t.Errorf("%s: code = %s, want %s", tt.name, code, tt.code)
		}
	}
}

func TestStrictModeUpgradesUnknownKeys(t *testing.T) {
	src := "version: \"1.0\"\nbogus_section: 1\nchannels:\n  main:\n    - halt\n"

	p := &Parser{}
	_, diags := p.Parse("test.abml", []byte(src))
	if diagnostics.HasErrors(diags) {
		t.Error("lenient mode should only warn on unknown top-level keys")
	}
	if len(diags) == 0 {
		t.Error("expected a warning")
	}

	p = &Parser{Strict: true}
	_, diags = p.Parse("test.abml", []byte(src))
	if !diagnostics.HasErrors(diags) {
		t.Error("strict mode should reject unknown top-level keys")
	}
}

func TestFSLoader(t *testing.T) {
	dir := t.TempDir()
	src := "version: \"1.0\"\nflows:\n  f:\n    - return\n"
	if err := os.WriteFile(filepath.Join(dir, "lib.yaml"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewFSLoader(dir, false)
	doc, err := l.Load("lib.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Flow("f") == nil {
		t.Error("loaded document is missing its flow")
	}

	// cached: the same pointer comes back
	again, err := l.Load("lib.yaml")
	if err != nil || again != doc {
		t.Errorf("cache miss: %p vs %p (%v)", again, doc, err)
	}

	if _, err := l.Load("absent.yaml"); err == nil {
		t.Error("missing file must error")
	}

	bad := "version: \"1.0\"\nchannels:\n  main:\n    - explode\n"
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Load("bad.yaml"); err == nil {
		t.Error("documents with parse errors must not load")
	}
}
