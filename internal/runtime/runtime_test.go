package runtime

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/compiler"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/document"
	"github.com/arcadia/abml/internal/vm"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func compileSrc(t *testing.T, src string) *compiler.Model {
	t.Helper()
	p := &document.Parser{}
	doc, diags := p.Parse("test.abml", []byte(src))
	if diagnostics.HasErrors(diags) {
		t.Fatalf("parse: %v", diagnostics.FirstError(diags))
	}
	model, diags := compiler.Compile(doc)
	if diagnostics.HasErrors(diags) {
		t.Fatalf("compile: %v", diagnostics.FirstError(diags))
	}
	return model
}

// recorder captures domain action dispatches in order.
type recorder struct {
	calls []Invocation
}

func (r *recorder) handle(inv Invocation) Outcome {
	r.calls = append(r.calls, inv)
	return Outcome{Result: vm.BoolVal(true)}
}

func (r *recorder) names() []string {
	var out []string
	for _, c := range r.calls {
		out = append(out, c.Action)
	}
	return out
}

func (r *recorder) registry() *Registry {
	reg := NewRegistry()
	reg.RegisterFallback(r.handle)
	return reg
}

func startExec(t *testing.T, model *compiler.Model, cfg Config) *Execution {
	t.Helper()
	ex, err := New(model, cfg)
	if err != nil {
		t.Fatalf("new execution: %v", err)
	}
	if err := ex.Start(baseTime); err != nil {
		t.Fatalf("start: %v", err)
	}
	return ex
}

func TestCausalEmitChainResolvesInOneTick(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  a:
    - emit: first
  b:
    - wait_for: first
    - emit: second
  c:
    - wait_for: second
    - emit: third
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Completed != 3 || !ex.Done() {
		t.Fatalf("summary = %+v, done = %v", s, ex.Done())
	}
	for _, p := range []string{"first", "second", "third"} {
		if !ex.Latched(p) {
			t.Errorf("sync point %q not latched", p)
		}
	}
}

func TestBarrierWaitsForAllPoints(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  gate:
    - wait_for: [left, right]
    - passed: {}
  left_arm:
    - emit: left
  right_arm:
    - emit: right
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	// gate is scheduled first, suspends, then the arms emit; the progress
	// loop must release it within the same tick
	s := ex.Tick(baseTime.Add(time.Second))
	if s.Completed != 3 {
		t.Fatalf("summary = %+v", s)
	}
	if got := rec.names(); len(got) != 1 || got[0] != "passed" {
		t.Errorf("calls = %v", got)
	}
}

func TestAnyOfReleasesOnFirstPoint(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  racer:
    - wait_for:
        any_of: [alpha, beta]
    - won: {}
  source:
    - emit: beta
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	ex.Tick(baseTime.Add(time.Second))
	if !ex.Done() {
		t.Fatalf("racer did not finish: %v", ex.Channel("racer").Status())
	}
	if ex.Latched("alpha") {
		t.Error("alpha should never latch")
	}
	if got := rec.names(); len(got) != 1 || got[0] != "won" {
		t.Errorf("calls = %v", got)
	}
}

func TestWaitTimeoutRunsOnTimeout(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  lonely:
    - wait_for: rescue
      timeout: 5s
      on_timeout:
        - gave_up: {}
    - after_wait: {}
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Waiting != 1 {
		t.Fatalf("before deadline: %+v", s)
	}
	s = ex.Tick(baseTime.Add(6 * time.Second))
	if s.Completed != 1 {
		t.Fatalf("after deadline: %+v", s)
	}
	want := []string{"gave_up", "after_wait"}
	if got := rec.names(); !equalStrings(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestSatisfiedWaitSkipsOnTimeout(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  waiter:
    - wait_for: go
      timeout: 5s
      on_timeout:
        - gave_up: {}
    - proceeded: {}
  starter:
    - emit: go
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	ex.Tick(baseTime.Add(time.Second))
	want := []string{"proceeded"}
	if got := rec.names(); !equalStrings(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestUnsatisfiableWaitAborts(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  stuck:
    - wait_for: ghost
    - never: {}
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Aborted != 1 {
		t.Fatalf("summary = %+v", s)
	}
	ch := ex.Channel("stuck")
	if !strings.Contains(ch.Fault(), "can never be satisfied") {
		t.Errorf("fault = %q", ch.Fault())
	}
	if len(rec.calls) != 0 {
		t.Errorf("calls = %v", rec.names())
	}
}

const contDoc = `
version: "1.0"
channels:
  main:
    - continuation_point:
        name: decide
        timeout: 3s
        default:
          - fallback: {}
    - after: {}
`

func TestContinuationPointTimeoutRunsDefault(t *testing.T) {
	rec := &recorder{}
	ex := startExec(t, compileSrc(t, contDoc), Config{Registry: rec.registry()})

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Waiting != 1 || ex.Channel("main").Status() != StatusWaitingForExtension {
		t.Fatalf("before deadline: %+v, status %v", s, ex.Channel("main").Status())
	}
	s = ex.Tick(baseTime.Add(4 * time.Second))
	if s.Completed != 1 {
		t.Fatalf("after deadline: %+v", s)
	}
	want := []string{"fallback", "after"}
	if got := rec.names(); !equalStrings(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestInjectedExtensionSkipsDefault(t *testing.T) {
	rec := &recorder{}
	ex := startExec(t, compileSrc(t, contDoc), Config{Registry: rec.registry()})

	ex.Tick(baseTime.Add(time.Second))

	ran := false
	err := ex.InjectExtension("decide", Extension{Handler: func(ctx *ExtensionContext) error {
		ran = true
		if ctx.Point != "decide" || ctx.Channel != "main" {
			t.Errorf("context = %q/%q", ctx.Point, ctx.Channel)
		}
		ctx.Set("choice", vm.StrVal("left"))
		return nil
	}})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}

	s := ex.Tick(baseTime.Add(2 * time.Second))
	if s.Completed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if !ran {
		t.Fatal("extension handler never ran")
	}
	want := []string{"after"}
	if got := rec.names(); !equalStrings(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestInjectExtensionValidation(t *testing.T) {
	ex := startExec(t, compileSrc(t, contDoc), Config{Registry: (&recorder{}).registry()})

	if err := ex.InjectExtension("nowhere", Extension{Handler: func(*ExtensionContext) error { return nil }}); err == nil {
		t.Error("unknown point must be rejected")
	}
	if err := ex.InjectExtension("decide", Extension{}); err == nil {
		t.Error("empty extension must be rejected")
	}
}

func TestRegisteredFragmentExtension(t *testing.T) {
	frag, diags := compiler.CompileFragment([]ast.Action{
		&ast.DomainAction{Name: "extra", Mode: ast.ModeFireAndForget},
	})
	if diagnostics.HasErrors(diags) {
		t.Fatalf("fragment: %v", diagnostics.FirstError(diags))
	}

	rec := &recorder{}
	ex, err := New(compileSrc(t, contDoc), Config{Registry: rec.registry()})
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.RegisterExtension("decide", Extension{Fragment: frag}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ex.Start(baseTime); err != nil {
		t.Fatal(err)
	}

	// the pre-bound extension runs the fragment in place of suspending
	s := ex.Tick(baseTime.Add(time.Second))
	if s.Completed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	want := []string{"extra", "after"}
	if got := rec.names(); !equalStrings(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestRepeatCountsIterations(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
context:
  counter:
    type: int
    default: 0
channels:
  main:
    - repeat:
        times: 3
        do:
          - set: { counter: "${counter + 1}" }
    - report: { n: "${counter}" }
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	ex.Tick(baseTime.Add(time.Second))
	if len(rec.calls) != 1 {
		t.Fatalf("calls = %v", rec.names())
	}
	if n := rec.calls[0].Param("n"); !n.Equals(vm.IntVal(3)) {
		t.Errorf("counter = %s, want 3", n.Inspect())
	}
}

func TestForEachVisitsInOrder(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  main:
    - for_each:
        in: "${['ash', 'birch', 'cedar']}"
        as: tree
        do:
          - visit: { name: "${tree}" }
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	ex.Tick(baseTime.Add(time.Second))
	want := []string{"ash", "birch", "cedar"}
	if len(rec.calls) != len(want) {
		t.Fatalf("calls = %v", rec.names())
	}
	for i, w := range want {
		if got := rec.calls[i].Param("name"); !got.Equals(vm.StrVal(w)) {
			t.Errorf("visit %d = %s, want %q", i, got.Inspect(), w)
		}
	}
}

func TestAwaitCompletion(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  main:
    - fetch: { url: "vault://key" }
      mode: await_completion
    - report: { got: "${result}" }
`)
	rec := &recorder{}
	reg := rec.registry()
	var invID uint64
	reg.Register("fetch", func(inv Invocation) Outcome {
		if !inv.Await {
			t.Error("fetch should be an await_completion dispatch")
		}
		invID = inv.ID
		return Outcome{Pending: true}
	})
	ex := startExec(t, model, Config{Registry: reg})

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Waiting != 1 || ex.Channel("main").Status() != StatusWaitingForAction {
		t.Fatalf("summary = %+v, status %v", s, ex.Channel("main").Status())
	}

	ex.CompleteAction(invID, Outcome{Result: vm.StrVal("payload")})
	s = ex.Tick(baseTime.Add(2 * time.Second))
	if s.Completed != 1 {
		t.Fatalf("after completion: %+v", s)
	}
	if len(rec.calls) != 1 || !rec.calls[0].Param("got").Equals(vm.StrVal("payload")) {
		t.Errorf("report calls = %v", rec.names())
	}
}

func TestAwaitCompletionSynchronousOutcome(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  main:
    - roll: {}
      mode: await_completion
    - report: { got: "${result}" }
`)
	rec := &recorder{}
	reg := rec.registry()
	reg.Register("roll", func(inv Invocation) Outcome {
		return Outcome{Result: vm.IntVal(6)}
	})
	ex := startExec(t, model, Config{Registry: reg})

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Completed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if len(rec.calls) != 1 || !rec.calls[0].Param("got").Equals(vm.IntVal(6)) {
		t.Errorf("report calls = %v", rec.names())
	}
}

func TestActionOnErrorBlock(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  main:
    - risky: {}
      on_error:
        - recovered: { cat: "${error_category}", msg: "${error_message}" }
    - after: {}
`)
	rec := &recorder{}
	reg := rec.registry()
	reg.Register("risky", func(Invocation) Outcome {
		return Outcome{Err: fmt.Errorf("line snapped"), Category: "gear_failure"}
	})
	ex := startExec(t, model, Config{Registry: reg})

	ex.Tick(baseTime.Add(time.Second))
	want := []string{"recovered", "after"}
	if got := rec.names(); !equalStrings(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if cat := rec.calls[0].Param("cat"); !cat.Equals(vm.StrVal("gear_failure")) {
		t.Errorf("cat = %s", cat.Inspect())
	}
	if msg := rec.calls[0].Param("msg"); !msg.Equals(vm.StrVal("line snapped")) {
		t.Errorf("msg = %s", msg.Inspect())
	}
}

func TestDocumentErrorTableResumesAfterHandler(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
errors:
  gear_failure:
    - handled: {}
  default:
    - generic: {}
channels:
  main:
    - risky: {}
    - after: {}
`)
	rec := &recorder{}
	reg := rec.registry()
	reg.Register("risky", func(Invocation) Outcome {
		return Outcome{Err: fmt.Errorf("boom"), Category: "gear_failure"}
	})
	ex := startExec(t, model, Config{Registry: reg})

	ex.Tick(baseTime.Add(time.Second))
	want := []string{"handled", "after"}
	if got := rec.names(); !equalStrings(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestDefaultErrorHandlerFallback(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
errors:
  default:
    - generic: {}
channels:
  main:
    - risky: {}
    - after: {}
`)
	rec := &recorder{}
	reg := rec.registry()
	reg.Register("risky", func(Invocation) Outcome {
		return Outcome{Err: fmt.Errorf("boom"), Category: "unmapped"}
	})
	ex := startExec(t, model, Config{Registry: reg})

	ex.Tick(baseTime.Add(time.Second))
	want := []string{"generic", "after"}
	if got := rec.names(); !equalStrings(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestUnhandledErrorAbortsChannel(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  main:
    - risky: {}
    - after: {}
`)
	rec := &recorder{}
	reg := rec.registry()
	reg.Register("risky", func(Invocation) Outcome {
		return Outcome{Err: fmt.Errorf("boom"), Category: "meltdown"}
	})
	ex := startExec(t, model, Config{Registry: reg})

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Aborted != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if fault := ex.Channel("main").Fault(); !strings.Contains(fault, "meltdown") {
		t.Errorf("fault = %q", fault)
	}
	if len(rec.calls) != 0 {
		t.Errorf("calls = %v", rec.names())
	}
}

func TestFlowCallBindsArgs(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
flows:
  greet:
    params: [who]
    actions:
      - say: { to: "${who}" }
channels:
  main:
    - call: greet
      args: { who: "ward" }
    - call: greet
      args: { who: "mara" }
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	ex.Tick(baseTime.Add(time.Second))
	if len(rec.calls) != 2 {
		t.Fatalf("calls = %v", rec.names())
	}
	if to := rec.calls[0].Param("to"); !to.Equals(vm.StrVal("ward")) {
		t.Errorf("first call to = %s", to.Inspect())
	}
	if to := rec.calls[1].Param("to"); !to.Equals(vm.StrVal("mara")) {
		t.Errorf("second call to = %s", to.Inspect())
	}
}

func TestGotoReplacesFlow(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
flows:
  first_leg:
    actions:
      - emit: visited_first
      - goto: second_leg
  second_leg:
    actions:
      - emit: visited_second
channels:
  main:
    - call: first_leg
    - landed: {}
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	ex.Tick(baseTime.Add(time.Second))
	if !ex.Done() {
		t.Fatalf("status = %v", ex.Channel("main").Status())
	}
	if !ex.Latched("visited_first") || !ex.Latched("visited_second") {
		t.Error("goto skipped a flow body")
	}
	// second_leg's implicit return must pop back into the channel body
	if got := rec.names(); !equalStrings(got, []string{"landed"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestCondBranches(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
context:
  heat:
    type: int
    default: 80
channels:
  main:
    - cond:
        - when: heat > 100
          do:
            - vent: {}
        - when: heat > 50
          do:
            - simmer: {}
        - else:
            - stoke: {}
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	ex.Tick(baseTime.Add(time.Second))
	if got := rec.names(); !equalStrings(got, []string{"simmer"}) {
		t.Errorf("calls = %v", got)
	}
}

func TestEntityScopeWritesThroughProvider(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
context:
  mood:
    type: string
    scope: entity
channels:
  main:
    - set: { mood: "wary" }
    - report: { m: "${entity.mood}" }
`)
	rec := &recorder{}
	entity := NewMapProvider()
	ex := startExec(t, model, Config{Registry: rec.registry(), Entity: entity})

	ex.Tick(baseTime.Add(time.Second))
	if v, ok := entity.Get("mood"); !ok || !v.Equals(vm.StrVal("wary")) {
		t.Errorf("provider mood = %v, %v", v, ok)
	}
	if len(rec.calls) != 1 || !rec.calls[0].Param("m").Equals(vm.StrVal("wary")) {
		t.Errorf("report calls = %v", rec.names())
	}
}

func TestChannelSpecialVariables(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  sentry:
    - report: { ch: "${channel}", id: "${execution_id}" }
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	ex.Tick(baseTime.Add(time.Second))
	if len(rec.calls) != 1 {
		t.Fatalf("calls = %v", rec.names())
	}
	if ch := rec.calls[0].Param("ch"); !ch.Equals(vm.StrVal("sentry")) {
		t.Errorf("channel = %s", ch.Inspect())
	}
	if id := rec.calls[0].Param("id"); !id.Equals(vm.StrVal(ex.ID().String())) {
		t.Errorf("execution_id = %s", id.Inspect())
	}
}

func TestRuntimeErrorRecoverySubstitutesNull(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  main:
    - set: { broken: "${1 / 0}" }
    - report: { v: "${broken ?? 'rescued'}" }
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Completed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if len(rec.calls) != 1 || !rec.calls[0].Param("v").Equals(vm.StrVal("rescued")) {
		t.Errorf("report calls = %v", rec.names())
	}
}

func TestAbortStopsAllChannels(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  a:
    - wait_for: never_a
      timeout: 1h
  b:
    - wait_for: never_b
      timeout: 1h
`)
	ex := startExec(t, model, Config{Registry: (&recorder{}).registry()})

	ex.Tick(baseTime.Add(time.Second))
	ex.Abort("operator stop")
	s := ex.Tick(baseTime.Add(2 * time.Second))
	if s.Aborted != 2 || !ex.Done() {
		t.Fatalf("summary = %+v", s)
	}
	for _, ch := range ex.Channels() {
		if ch.Fault() != "operator stop" {
			t.Errorf("channel %s fault = %q", ch.Name(), ch.Fault())
		}
	}
}

func TestExternalWaitFailsFastOnUnknownChannel(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  solo:
    - wait_for: "@radio.signal"
    - report: {}
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Aborted != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if fault := ex.Channel("solo").Fault(); !strings.Contains(fault, `unknown sync channel "radio"`) {
		t.Errorf("fault = %q", fault)
	}
	if len(rec.calls) != 0 {
		t.Errorf("calls = %v", rec.names())
	}
}

func TestHostEmitReleasesExternalWait(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  solo:
    - wait_for: "@radio.signal"
    - report: {}
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})
	ex.BindExternal("radio")

	s := ex.Tick(baseTime.Add(time.Second))
	if s.Waiting != 1 || s.Aborted != 0 {
		t.Fatalf("bound external wait should stay pending: %+v", s)
	}

	ex.Emit("@radio.signal")
	s = ex.Tick(baseTime.Add(2 * time.Second))
	if s.Completed != 1 || !equalStrings(rec.names(), []string{"report"}) {
		t.Fatalf("summary = %+v calls = %v", s, rec.names())
	}
}

func TestExternalWaitWithTimeoutFallsBack(t *testing.T) {
	model := compileSrc(t, `
version: "1.0"
channels:
  solo:
    - wait_for: "@radio.signal"
      timeout: 3s
      on_timeout:
        - gave_up: {}
    - report: {}
`)
	rec := &recorder{}
	ex := startExec(t, model, Config{Registry: rec.registry()})

	// unbound, but the timeout keeps the wait resolvable
	s := ex.Tick(baseTime.Add(time.Second))
	if s.Waiting != 1 || s.Aborted != 0 {
		t.Fatalf("summary = %+v", s)
	}
	s = ex.Tick(baseTime.Add(5 * time.Second))
	if s.Completed != 1 || !equalStrings(rec.names(), []string{"gave_up", "report"}) {
		t.Fatalf("summary = %+v calls = %v", s, rec.names())
	}
}

func TestStartTwiceFails(t *testing.T) {
	ex := startExec(t, compileSrc(t, contDoc), Config{Registry: (&recorder{}).registry()})
	if err := ex.Start(baseTime); err == nil {
		t.Error("second start must fail")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
