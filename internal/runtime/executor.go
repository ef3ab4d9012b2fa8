package runtime

import (
	"errors"
	"fmt"

	"github.com/arcadia/abml/internal/compiler"
	"github.com/arcadia/abml/internal/vm"
)

// maxStepsPerSlice bounds one channel's work inside a single tick, catching
// runaway bytecode that the compile-time loop bounds should already prevent.
const maxStepsPerSlice = 1_000_000

func (ex *Execution) codeFor(fr *frame) ([]byte, []vm.Value) {
	if fr.fragCode != nil {
		return fr.fragCode, fr.fragConsts
	}
	return ex.model.Code, ex.consts
}

func (ex *Execution) actionsFor(fr *frame) []compiler.ActionSpec {
	if fr.fragCode != nil {
		return fr.fragActions
	}
	return ex.model.Actions
}

// runChannel steps ch until it suspends, completes or aborts.
func (ex *Execution) runChannel(ch *Channel) {
	env := scope{ex: ex, ch: ch}
	steps := 0
	for ch.status == StatusRunning {
		steps++
		if steps > maxStepsPerSlice {
			ch.abort("step budget exceeded")
			return
		}

		fr := ch.top()
		code, consts := ex.codeFor(fr)
		at := fr.pc
		next, trap, err := ch.machine.Step(code, consts, at, env)
		if err != nil {
			if !ex.recoverEvalError(ch, code, at, next, err) {
				return
			}
			continue
		}

		switch trap.Kind {
		case vm.TrapNone:
			fr.pc = next

		case vm.TrapCallFlow:
			fr.pc = next
			flow := ex.model.Flows[trap.Operand]
			args, perr := ch.machine.Pop()
			if perr != nil {
				ch.abort(perr.Error())
				return
			}
			nf := newFrame(flow.Entry)
			if m, ok := args.AsMap(); ok {
				for _, k := range m.Keys {
					nf.locals[k] = m.Entries[k]
				}
			}
			ch.push(nf)

		case vm.TrapGotoFlow:
			flow := ex.model.Flows[trap.Operand]
			fr.pc = flow.Entry
			fr.locals = map[string]vm.Value{}

		case vm.TrapReturn:
			if !ch.pop() {
				ch.complete()
			}

		case vm.TrapHalt, vm.TrapExprEnd:
			ch.complete()

		case vm.TrapEmit:
			fr.pc = next
			point := consts[trap.Operand].AsString()
			if !ex.latched[point] {
				ex.log.Debugf("channel %s: sync point %q reported", ch.name, point)
			}
			ex.latched[point] = true

		case vm.TrapWait:
			fr.pc = next
			spec := ex.model.Waits[trap.Operand]
			if ex.waitSatisfied(spec) {
				continue
			}
			if !spec.HasTimeout {
				if channel, bad := ex.unreachableExternal(spec); bad {
					ch.abort(fmt.Sprintf("unknown sync channel %q", channel))
					return
				}
			}
			ch.status = StatusWaitingForSyncPoint
			ch.waitIdx = trap.Operand
			ch.hasDeadline = spec.HasTimeout
			if spec.HasTimeout {
				ch.waitDeadline = ex.now.Add(spec.Timeout)
			}

		case vm.TrapCont:
			fr.pc = next
			cp := ex.model.ContinuationPoints[trap.Operand]
			if ext, ok := ex.extensions[cp.Name]; ok {
				ex.applyExtension(ch, cp, ext)
				continue
			}
			ch.status = StatusWaitingForExtension
			ch.contIdx = trap.Operand
			ch.contDeadline = ex.now.Add(cp.Timeout)

		case vm.TrapAction:
			fr.pc = next
			specs := ex.actionsFor(fr)
			spec := specs[trap.Operand]
			params, perr := ch.machine.Pop()
			if perr != nil {
				ch.abort(perr.Error())
				return
			}
			ex.dispatchAction(ch, fr, spec, params)

		default:
			ch.abort(fmt.Sprintf("unexpected trap %d", trap.Kind))
			return
		}
	}
}

// recoverEvalError applies the null-safe skip semantics to a recoverable
// expression error: log it, substitute null when the failed instruction
// should have produced a value, and continue at the next instruction.
// Returns false when the channel aborted instead.
func (ex *Execution) recoverEvalError(ch *Channel, code []byte, at, next int, err error) bool {
	var evalErr *vm.EvalError
	if !errors.As(err, &evalErr) {
		// stack corruption is not recoverable
		ch.abort(err.Error())
		return false
	}
	line := ch.lineFor(ex, at)
	ex.log.Warningf("channel %s (line %d): %v", ch.name, line, evalErr)
	fr := ch.top()
	fr.pc = next
	if producesValue(vm.Opcode(code[at])) {
		if perr := ch.machine.Push(vm.NullVal()); perr != nil {
			ch.abort(perr.Error())
			return false
		}
	}
	return true
}

func (ch *Channel) lineFor(ex *Execution, pc int) int {
	if ch.top().fragCode != nil {
		return 0
	}
	return ex.model.LineAt(pc)
}

// producesValue reports whether op leaves a result on the stack, which the
// error recovery must substitute with null to keep the stack balanced.
func producesValue(op vm.Opcode) bool {
	switch op {
	case vm.OP_CONST, vm.OP_ADD, vm.OP_SUB, vm.OP_MUL, vm.OP_DIV, vm.OP_MOD, vm.OP_NEG,
		vm.OP_EQ, vm.OP_NE, vm.OP_LT, vm.OP_LE, vm.OP_GT, vm.OP_GE,
		vm.OP_NOT, vm.OP_IN, vm.OP_CONCAT, vm.OP_MAKE_LIST, vm.OP_MAKE_MAP,
		vm.OP_CALL_BUILTIN, vm.OP_ITER_NEW:
		return true
	}
	return false
}

func (ex *Execution) dispatchAction(ch *Channel, fr *frame, spec compiler.ActionSpec, params vm.Value) {
	ex.seq++
	inv := Invocation{
		ID:      ex.seq,
		Action:  spec.Name,
		Channel: ch.name,
		Await:   spec.Mode == string(awaitCompletion),
	}
	if m, ok := params.AsMap(); ok {
		inv.Params = m
	}

	h, err := ex.registry.resolve(spec.Name)
	if err != nil {
		ex.routeError(ch, fr, spec.OnErrorOffset, "unregistered_action", err)
		return
	}

	out := h(inv)
	if !inv.Await {
		// fire_and_forget still routes synchronous failures; a pending
		// outcome just runs on
		if out.Err != nil {
			ex.routeError(ch, fr, spec.OnErrorOffset, categoryOf(out), out.Err)
		}
		return
	}
	if out.Pending {
		ch.status = StatusWaitingForAction
		ch.pendingID = inv.ID
		ch.pendingSpec = spec
		ex.pending[inv.ID] = ch
		return
	}
	ex.finishAction(ch, fr, spec, out)
}

const awaitCompletion = "await_completion"

func categoryOf(out Outcome) string {
	if out.Category != "" {
		return out.Category
	}
	return "action_failed"
}

// finishAction applies a completed invocation's outcome: bind the result or
// route the failure.
func (ex *Execution) finishAction(ch *Channel, fr *frame, spec compiler.ActionSpec, out Outcome) {
	if out.Err != nil {
		ex.routeError(ch, fr, spec.OnErrorOffset, categoryOf(out), out.Err)
		return
	}
	fr.locals["result"] = out.Result
}

// routeError applies the three-stage error policy: the action's own
// on_error block, then the document errors table, then channel abort.
func (ex *Execution) routeError(ch *Channel, fr *frame, onErrOffset int, category string, err error) {
	ex.log.Warningf("channel %s: %s: %v", ch.name, category, err)
	if onErrOffset >= 0 {
		fr.locals["error_message"] = vm.StrVal(err.Error())
		fr.locals["error_category"] = vm.StrVal(category)
		fr.pc = onErrOffset
		return
	}
	if entry, ok := ex.model.ErrorHandler(category); ok {
		nf := newFrame(entry.Entry)
		nf.locals["error_message"] = vm.StrVal(err.Error())
		nf.locals["error_category"] = vm.StrVal(category)
		ch.push(nf)
		return
	}
	ch.abort(fmt.Sprintf("%s: %v", category, err))
}
