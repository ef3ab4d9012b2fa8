package compiler

import (
	"fmt"
	"sort"
	"time"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/vm"
)

// Compiler lowers one document (or one injected fragment) into bytecode.
type Compiler struct {
	file  string
	c     chunk
	diags []*diagnostics.Diagnostic

	consts     []Constant
	constIndex map[Constant]int

	model    *Model
	flowIdx  map[string]int
	contSeen map[string]bool
	loopSeq  int

	// fragment mode forbids suspension sites and flow transfers
	fragment bool
}

// Compile lowers a resolved document into its behavior model. The returned
// diagnostics carry any lowering errors; the model is only usable when none
// are of error severity.
func Compile(doc *ast.Document) (*Model, []*diagnostics.Diagnostic) {
	cp := &Compiler{
		file:       doc.File,
		constIndex: map[Constant]int{},
		contSeen:   map[string]bool{},
		flowIdx:    map[string]int{},
		model: &Model{
			FormatVersion: FormatVersion,
			Name:          doc.Metadata.Name,
			DocVersion:    doc.Version,
			Description:   doc.Metadata.Description,
			Deterministic: doc.Metadata.Deterministic,
			InitOffset:    -1,
		},
	}

	// Sorted tables keep compilation deterministic regardless of source
	// order, and flow indices must exist before any body references them.
	flows := append([]*ast.Flow(nil), doc.Flows...)
	sort.Slice(flows, func(i, j int) bool { return flows[i].Name < flows[j].Name })
	for i, f := range flows {
		cp.flowIdx[f.Name] = i
	}
	channels := append([]*ast.Channel(nil), doc.Channels...)
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })

	cp.compileContext(doc.Context)

	for _, f := range flows {
		entry := cp.c.pos()
		cp.compileActions(f.Actions)
		cp.c.emit(vm.OP_RETURN, f.Pos.Line)
		cp.model.Flows = append(cp.model.Flows, FlowEntry{
			Name:        f.Name,
			Description: f.Description,
			Params:      f.Params,
			Entry:       entry,
			Cost:        f.Cost,
		})
	}

	for _, ch := range channels {
		entry := cp.c.pos()
		cp.compileActions(ch.Actions)
		cp.c.emit(vm.OP_HALT, ch.Pos.Line)
		cp.model.Channels = append(cp.model.Channels, ChannelEntry{Name: ch.Name, Entry: entry})
	}

	cp.compileErrorHandlers(doc.Errors)

	// Planner regions come last; execution never falls into them.
	for i, f := range flows {
		cp.model.Flows[i].Preconditions = cp.compileExprRegions(f.Preconditions)
		cp.model.Flows[i].Effects = cp.compileEffectRegions(f.Effects)
	}
	goals := append([]*ast.Goal(nil), doc.Goals...)
	sort.Slice(goals, func(i, j int) bool { return goals[i].Name < goals[j].Name })
	for _, g := range goals {
		cp.model.Goals = append(cp.model.Goals, GoalEntry{
			Name:          g.Name,
			Priority:      g.Priority,
			Cost:          g.Cost,
			Preconditions: cp.compileExprRegions(g.Preconditions),
			Effects:       cp.compileEffectRegions(g.Effects),
		})
	}

	cp.model.Constants = cp.consts
	cp.model.Code = cp.c.code
	cp.model.Lines = cp.c.runs
	return cp.model, cp.diags
}

// Fragment is a compiled extension body, injectable at a continuation point
// without recompiling the owning document. It carries its own constant pool
// and action table; suspension sites are not permitted inside.
type Fragment struct {
	Code      []byte
	Constants []Constant
	Actions   []ActionSpec
}

// MaterializeConstants mirrors Model.MaterializeConstants for fragments.
func (f *Fragment) MaterializeConstants() []vm.Value {
	out := make([]vm.Value, len(f.Constants))
	for i, c := range f.Constants {
		out[i] = c.Value()
	}
	return out
}

// CompileFragment lowers a list of actions into an injectable fragment.
// wait_for, continuation_point, call and goto are rejected: a fragment must
// run to completion within the channel it extends.
func CompileFragment(actions []ast.Action) (*Fragment, []*diagnostics.Diagnostic) {
	cp := &Compiler{
		constIndex: map[Constant]int{},
		contSeen:   map[string]bool{},
		flowIdx:    map[string]int{},
		model:      &Model{InitOffset: -1},
		fragment:   true,
	}
	cp.compileActions(actions)
	cp.c.emit(vm.OP_RETURN, 0)
	return &Fragment{
		Code:      cp.c.code,
		Constants: cp.consts,
		Actions:   cp.model.Actions,
	}, cp.diags
}

// CompileExpression lowers a single expression into a standalone region
// ending in OP_EXPR_END, for direct evaluation with vm.Machine.Run.
func CompileExpression(e ast.Expr) (code []byte, consts []vm.Value, err error) {
	cp := &Compiler{
		constIndex: map[Constant]int{},
		contSeen:   map[string]bool{},
		flowIdx:    map[string]int{},
		model:      &Model{InitOffset: -1},
		fragment:   true,
	}
	cp.compileExpr(e)
	cp.c.emit(vm.OP_EXPR_END, e.GetPos().Line)
	if d := diagnostics.FirstError(cp.diags); d != nil {
		return nil, nil, d
	}
	vals := make([]vm.Value, len(cp.consts))
	for i, c := range cp.consts {
		vals[i] = c.Value()
	}
	return cp.c.code, vals, nil
}

func (cp *Compiler) errorf(pos ast.Pos, code, format string, args ...any) {
	cp.diags = append(cp.diags, diagnostics.NewErrorAt(code, cp.file, pos.Line, pos.Column, fmt.Sprintf(format, args...)))
}

// compileContext records declarations and lowers a shared init region that
// assigns every declared default in source order.
func (cp *Compiler) compileContext(decls []*ast.VarDecl) {
	hasDefault := false
	for _, d := range decls {
		typeName := "any"
		if d.Type != nil {
			typeName = d.Type.String()
		}
		cp.model.Context = append(cp.model.Context, ContextVar{
			Name:       d.Name,
			Type:       typeName,
			Scope:      string(d.Scope),
			HasDefault: d.Default != nil,
		})
		if d.Default != nil {
			hasDefault = true
		}
	}
	if !hasDefault {
		return
	}
	cp.model.InitOffset = cp.c.pos()
	for _, d := range decls {
		if d.Default == nil {
			continue
		}
		cp.compileExpr(d.Default)
		cp.emitVarOp(vm.OP_SET_VAR, d.Name, d.Pos.Line)
	}
	cp.c.emit(vm.OP_EXPR_END, 0)
}

func (cp *Compiler) compileErrorHandlers(handlers []*ast.ErrorHandler) {
	sorted := append([]*ast.ErrorHandler(nil), handlers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Category < sorted[j].Category })
	for _, h := range sorted {
		entry := cp.c.pos()
		cp.compileActions(h.Actions)
		cp.c.emit(vm.OP_RETURN, h.Pos.Line)
		cp.model.Errors = append(cp.model.Errors, ErrorEntry{Category: h.Category, Entry: entry})
	}
}

func (cp *Compiler) compileExprRegions(exprs []ast.Expr) []int {
	var offs []int
	for _, e := range exprs {
		offs = append(offs, cp.c.pos())
		cp.compileExpr(e)
		cp.c.emit(vm.OP_EXPR_END, e.GetPos().Line)
	}
	return offs
}

func (cp *Compiler) compileEffectRegions(effects []*ast.Assignment) []int {
	var offs []int
	for _, a := range effects {
		offs = append(offs, cp.c.pos())
		cp.compileExpr(a.Value)
		cp.emitVarOp(vm.OP_SET_VAR, a.Name, a.Pos.Line)
		cp.c.emit(vm.OP_EXPR_END, a.Pos.Line)
	}
	return offs
}

func (cp *Compiler) compileActions(actions []ast.Action) {
	for _, a := range actions {
		cp.compileAction(a)
	}
}

func (cp *Compiler) compileAction(a ast.Action) {
	switch act := a.(type) {
	case *ast.CondAction:
		cp.compileCond(act)
	case *ast.ForEachAction:
		cp.compileForEach(act)
	case *ast.RepeatAction:
		cp.compileRepeat(act)
	case *ast.SetAction:
		for _, as := range act.Assignments {
			cp.compileExpr(as.Value)
			cp.emitVarOp(vm.OP_SET_VAR, as.Name, as.Pos.Line)
		}
	case *ast.CallAction:
		cp.compileCall(act)
	case *ast.GotoAction:
		cp.compileGoto(act)
	case *ast.ReturnAction:
		cp.c.emit(vm.OP_RETURN, act.Pos.Line)
	case *ast.HaltAction:
		cp.c.emit(vm.OP_HALT, act.Pos.Line)
	case *ast.EmitAction:
		cp.mustEmitU16(vm.OP_EMIT, cp.stringConst(act.Point), act.Pos)
	case *ast.WaitForAction:
		cp.compileWaitFor(act)
	case *ast.ContinuationPointAction:
		cp.compileContinuationPoint(act)
	case *ast.DomainAction:
		cp.compileDomainAction(act)
	default:
		cp.errorf(a.GetPos(), "C001", "unsupported action node %T", a)
	}
}

func (cp *Compiler) compileCond(act *ast.CondAction) {
	var endJumps []int
	for _, br := range act.Branches {
		cp.compileExpr(br.When)
		elseJump := cp.c.emitJump(vm.OP_JUMP_IF_FALSE, br.Pos.Line)
		cp.compileActions(br.Do)
		endJumps = append(endJumps, cp.c.emitJump(vm.OP_JUMP, br.Pos.Line))
		cp.patch(elseJump, br.Pos)
	}
	cp.compileActions(act.Else)
	for _, j := range endJumps {
		cp.patch(j, act.Pos)
	}
}

func (cp *Compiler) compileForEach(act *ast.ForEachAction) {
	it := cp.hiddenVar()
	cp.compileExpr(act.In)
	max := act.Max
	if max < 0 || max > maxOperand {
		cp.errorf(act.Pos, "C002", "for_each max %d out of range", act.Max)
		max = 0
	}
	cp.mustEmitU16(vm.OP_ITER_NEW, max, act.Pos)
	cp.emitVarOp(vm.OP_SET_VAR, it, act.Pos.Line)

	start := cp.c.pos()
	cp.emitVarOp(vm.OP_GET_VAR, it, act.Pos.Line)
	exit := cp.c.emitJump(vm.OP_ITER_NEXT, act.Pos.Line)
	cp.emitVarOp(vm.OP_SET_VAR, act.As, act.Pos.Line)
	cp.c.emit(vm.OP_POP, act.Pos.Line)
	cp.compileActions(act.Do)
	if err := cp.c.emitLoop(start, act.Pos.Line); err != nil {
		cp.errorf(act.Pos, "C003", "%v", err)
	}
	cp.patch(exit, act.Pos)
}

func (cp *Compiler) compileRepeat(act *ast.RepeatAction) {
	counter := cp.hiddenVar()
	cp.compileExpr(act.Times)
	cp.emitVarOp(vm.OP_SET_VAR, counter, act.Pos.Line)

	start := cp.c.pos()
	cp.emitVarOp(vm.OP_GET_VAR, counter, act.Pos.Line)
	cp.mustEmitU16(vm.OP_CONST, cp.intConst(0), act.Pos)
	cp.c.emit(vm.OP_GT, act.Pos.Line)
	end := cp.c.emitJump(vm.OP_JUMP_IF_FALSE, act.Pos.Line)

	cp.compileActions(act.Do)

	cp.emitVarOp(vm.OP_GET_VAR, counter, act.Pos.Line)
	cp.mustEmitU16(vm.OP_CONST, cp.intConst(1), act.Pos)
	cp.c.emit(vm.OP_SUB, act.Pos.Line)
	cp.emitVarOp(vm.OP_SET_VAR, counter, act.Pos.Line)
	if err := cp.c.emitLoop(start, act.Pos.Line); err != nil {
		cp.errorf(act.Pos, "C003", "%v", err)
	}
	cp.patch(end, act.Pos)
}

func (cp *Compiler) compileCall(act *ast.CallAction) {
	if cp.fragment {
		cp.errorf(act.Pos, "C004", "call is not allowed inside an extension fragment")
		return
	}
	idx, ok := cp.flowIdx[act.Flow]
	if !ok {
		cp.errorf(act.Pos, "C005", "unknown flow %q", act.Flow)
		return
	}
	cp.compileArgMap(act.Args, act.Pos)
	cp.mustEmitU16(vm.OP_CALL_FLOW, idx, act.Pos)
}

func (cp *Compiler) compileGoto(act *ast.GotoAction) {
	if cp.fragment {
		cp.errorf(act.Pos, "C004", "goto is not allowed inside an extension fragment")
		return
	}
	idx, ok := cp.flowIdx[act.Flow]
	if !ok {
		cp.errorf(act.Pos, "C005", "unknown flow %q", act.Flow)
		return
	}
	cp.mustEmitU16(vm.OP_GOTO_FLOW, idx, act.Pos)
}

func (cp *Compiler) compileWaitFor(act *ast.WaitForAction) {
	if cp.fragment {
		cp.errorf(act.Pos, "C004", "wait_for is not allowed inside an extension fragment")
		return
	}
	idx := len(cp.model.Waits)
	cp.model.Waits = append(cp.model.Waits, WaitSpec{
		Points:     act.Points,
		AnyOf:      act.AnyOf,
		Timeout:    act.Timeout,
		HasTimeout: act.HasTimeout,
	})
	cp.mustEmitU16(vm.OP_WAIT, idx, act.Pos)

	// A satisfied wait resumes right here; the jump carries it past the
	// timeout block.
	if len(act.OnTimeout) > 0 {
		end := cp.c.emitJump(vm.OP_JUMP, act.Pos.Line)
		cp.model.Waits[idx].TimeoutOffset = cp.c.pos()
		cp.compileActions(act.OnTimeout)
		cp.patch(end, act.Pos)
	} else {
		cp.model.Waits[idx].TimeoutOffset = cp.c.pos()
	}
}

func (cp *Compiler) compileContinuationPoint(act *ast.ContinuationPointAction) {
	if cp.fragment {
		cp.errorf(act.Pos, "C004", "continuation_point is not allowed inside an extension fragment")
		return
	}
	if cp.contSeen[act.Name] {
		cp.errorf(act.Pos, "C006", "duplicate continuation point %q", act.Name)
		return
	}
	cp.contSeen[act.Name] = true

	idx := len(cp.model.ContinuationPoints)
	cp.model.ContinuationPoints = append(cp.model.ContinuationPoints, ContinuationPoint{
		Name:    act.Name,
		Hash:    HashName(act.Name),
		Timeout: act.Timeout,
	})
	cp.mustEmitU16(vm.OP_CONT, idx, act.Pos)

	// Timeout falls into the default block and then through to the resume
	// offset; an injected extension skips the default block entirely.
	cp.model.ContinuationPoints[idx].DefaultOffset = cp.c.pos()
	cp.compileActions(act.Default)
	cp.model.ContinuationPoints[idx].ResumeOffset = cp.c.pos()
}

func (cp *Compiler) compileDomainAction(act *ast.DomainAction) {
	cp.compileArgMap(act.Params, act.Pos)

	idx := len(cp.model.Actions)
	cp.model.Actions = append(cp.model.Actions, ActionSpec{
		Name:          act.Name,
		Mode:          string(act.Mode),
		OnErrorOffset: -1,
	})
	cp.mustEmitU16(vm.OP_ACTION, idx, act.Pos)

	if len(act.OnError) > 0 {
		end := cp.c.emitJump(vm.OP_JUMP, act.Pos.Line)
		cp.model.Actions[idx].OnErrorOffset = cp.c.pos()
		cp.compileActions(act.OnError)
		cp.patch(end, act.Pos)
	}
}

// compileArgMap lowers named arguments into an ordered map on the stack.
func (cp *Compiler) compileArgMap(args []*ast.Assignment, pos ast.Pos) {
	for _, a := range args {
		cp.mustEmitU16(vm.OP_CONST, cp.stringConst(a.Name), pos)
		cp.compileExpr(a.Value)
	}
	cp.mustEmitU16(vm.OP_MAKE_MAP, len(args), pos)
}

func (cp *Compiler) hiddenVar() string {
	cp.loopSeq++
	return fmt.Sprintf("__loop%d", cp.loopSeq)
}

func (cp *Compiler) emitVarOp(op vm.Opcode, name string, line int) {
	if err := cp.c.emitU16(op, cp.stringConst(name), line); err != nil {
		cp.errorf(ast.Pos{Line: line}, "C003", "%v", err)
	}
}

func (cp *Compiler) mustEmitU16(op vm.Opcode, operand int, pos ast.Pos) {
	if err := cp.c.emitU16(op, operand, pos.Line); err != nil {
		cp.errorf(pos, "C003", "%v", err)
	}
}

func (cp *Compiler) patch(at int, pos ast.Pos) {
	if err := cp.c.patchJump(at); err != nil {
		cp.errorf(pos, "C003", "%v", err)
	}
}

// Constant pool

func (cp *Compiler) addConst(c Constant) int {
	if i, ok := cp.constIndex[c]; ok {
		return i
	}
	i := len(cp.consts)
	cp.consts = append(cp.consts, c)
	cp.constIndex[c] = i
	return i
}

func (cp *Compiler) stringConst(s string) int {
	return cp.addConst(Constant{Kind: ConstString, Str: s})
}

func (cp *Compiler) intConst(v int64) int {
	return cp.addConst(Constant{Kind: ConstInt, Num: v})
}

func (cp *Compiler) floatConst(v float64) int {
	return cp.addConst(Constant{Kind: ConstFloat, Flt: v})
}

func (cp *Compiler) durationConst(d time.Duration) int {
	return cp.addConst(Constant{Kind: ConstDuration, Num: int64(d)})
}
