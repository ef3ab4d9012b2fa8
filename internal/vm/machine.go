package vm

import (
	"errors"
	"fmt"
	"time"
)

// MaxStackDepth is the fixed operand stack size. Expressions are small;
// the compiler's recursion bound keeps well under this.
const MaxStackDepth = 256

var (
	errStackOverflow  = errors.New("stack overflow")
	errStackUnderflow = errors.New("stack underflow")
)

// EvalError is a runtime evaluation error scoped to a single expression.
// Per the error design these are recoverable: the executor logs them and
// routes to on_error branches rather than aborting outright.
type EvalError struct {
	Offset int
	Msg    string
}

func (e *EvalError) Error() string { return fmt.Sprintf("evaluation error at %04d: %s", e.Offset, e.Msg) }

// Env is the variable-binding environment an expression evaluates against.
// Get must resolve unbound names to null, never fail.
type Env interface {
	Get(name string) Value
	Set(name string, v Value)
}

// TrapKind classifies instructions the expression machine does not execute
// itself; the document executor interprets them.
type TrapKind byte

const (
	TrapNone TrapKind = iota
	TrapCallFlow
	TrapGotoFlow
	TrapReturn
	TrapAction
	TrapEmit
	TrapWait
	TrapCont
	TrapHalt
	TrapExprEnd
)

// Trap reports a control instruction encountered by Step, with its decoded
// operand (a table index or name constant index, depending on the kind).
type Trap struct {
	Kind    TrapKind
	Operand int
}

// Machine is a reusable expression evaluator. One machine belongs to one
// channel (or one standalone evaluation); it is not safe for concurrent
// use and holds no references between evaluations beyond the value stack.
type Machine struct {
	stack [MaxStackDepth]Value
	sp    int

	// Now is the scheduler tick time, consumed by the now() builtin.
	Now time.Time
}

// Reset clears the operand stack, dropping object references.
func (m *Machine) Reset() {
	for i := 0; i < m.sp; i++ {
		m.stack[i] = Value{}
	}
	m.sp = 0
}

// Depth returns the current operand stack depth.
func (m *Machine) Depth() int { return m.sp }

// Push makes a value available to the next instruction (used by the
// executor to bind call arguments and action results).
func (m *Machine) Push(v Value) error {
	if m.sp >= MaxStackDepth {
		return errStackOverflow
	}
	m.stack[m.sp] = v
	m.sp++
	return nil
}

// Pop removes and returns the top of the stack.
func (m *Machine) Pop() (Value, error) {
	if m.sp == 0 {
		return NullVal(), errStackUnderflow
	}
	m.sp--
	v := m.stack[m.sp]
	m.stack[m.sp] = Value{}
	return v, nil
}

// PopN removes the top n values, returned in push order. The returned
// slice aliases an internal buffer only until the next stack operation.
func (m *Machine) PopN(n int) ([]Value, error) {
	if n > m.sp {
		return nil, errStackUnderflow
	}
	m.sp -= n
	out := make([]Value, n)
	copy(out, m.stack[m.sp:m.sp+n])
	for i := m.sp; i < m.sp+n; i++ {
		m.stack[i] = Value{}
	}
	return out, nil
}

func (m *Machine) peek() (Value, error) {
	if m.sp == 0 {
		return NullVal(), errStackUnderflow
	}
	return m.stack[m.sp-1], nil
}

func readU16(code []byte, pc int) int {
	return int(code[pc])<<8 | int(code[pc+1])
}

// Run evaluates a standalone expression region starting at pc, returning
// its value. The region must end with OP_EXPR_END or OP_HALT. Control
// instructions are not permitted in standalone expressions.
func (m *Machine) Run(code []byte, consts []Value, pc int, env Env) (Value, error) {
	m.Reset()
	for {
		next, trap, err := m.Step(code, consts, pc, env)
		if err != nil {
			return NullVal(), err
		}
		switch trap.Kind {
		case TrapNone:
			pc = next
		case TrapExprEnd, TrapHalt:
			if m.sp == 0 {
				return NullVal(), nil
			}
			return m.Pop()
		default:
			return NullVal(), &EvalError{Offset: pc, Msg: "control instruction in expression context"}
		}
	}
}

// Step executes the single instruction at pc. Pure value instructions
// update the stack and return the next pc; control instructions are
// decoded and returned as a trap with the pc advanced past their operands.
func (m *Machine) Step(code []byte, consts []Value, pc int, env Env) (int, Trap, error) {
	if pc >= len(code) {
		return pc, Trap{Kind: TrapHalt}, nil
	}
	op := Opcode(code[pc])
	base := pc
	pc++

	evalErr := func(format string, args ...any) (int, Trap, error) {
		return pc, Trap{}, &EvalError{Offset: base, Msg: fmt.Sprintf(format, args...)}
	}

	switch op {
	case OP_CONST:
		idx := readU16(code, pc)
		pc += 2
		if idx >= len(consts) {
			return evalErr("invalid constant index %d", idx)
		}
		if err := m.Push(consts[idx]); err != nil {
			return pc, Trap{}, err
		}

	case OP_NULL:
		if err := m.Push(NullVal()); err != nil {
			return pc, Trap{}, err
		}
	case OP_TRUE:
		if err := m.Push(BoolVal(true)); err != nil {
			return pc, Trap{}, err
		}
	case OP_FALSE:
		if err := m.Push(BoolVal(false)); err != nil {
			return pc, Trap{}, err
		}

	case OP_POP:
		if _, err := m.Pop(); err != nil {
			return pc, Trap{}, err
		}
	case OP_DUP:
		v, err := m.peek()
		if err != nil {
			return pc, Trap{}, err
		}
		if err := m.Push(v); err != nil {
			return pc, Trap{}, err
		}

	case OP_ADD, OP_SUB, OP_MUL, OP_DIV, OP_MOD:
		right, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		left, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		res, aerr := arith(op, left, right)
		if aerr != nil {
			return evalErr("%v", aerr)
		}
		if err := m.Push(res); err != nil {
			return pc, Trap{}, err
		}

	case OP_NEG:
		v, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		switch v.Type {
		case ValInt:
			err = m.Push(IntVal(-v.AsInt()))
		case ValFloat:
			err = m.Push(FloatVal(-v.AsFloat()))
		case ValDuration:
			err = m.Push(DurationVal(-v.AsDuration()))
		default:
			return evalErr("cannot negate %s", v.TypeName())
		}
		if err != nil {
			return pc, Trap{}, err
		}

	case OP_EQ, OP_NE:
		right, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		left, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		eq := left.Equals(right)
		if op == OP_NE {
			eq = !eq
		}
		if err := m.Push(BoolVal(eq)); err != nil {
			return pc, Trap{}, err
		}

	case OP_LT, OP_LE, OP_GT, OP_GE:
		right, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		left, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		cmp, ok := left.Compare(right)
		if !ok {
			return evalErr("cannot compare %s with %s", left.TypeName(), right.TypeName())
		}
		var res bool
		switch op {
		case OP_LT:
			res = cmp < 0
		case OP_LE:
			res = cmp <= 0
		case OP_GT:
			res = cmp > 0
		case OP_GE:
			res = cmp >= 0
		}
		if err := m.Push(BoolVal(res)); err != nil {
			return pc, Trap{}, err
		}

	case OP_NOT:
		v, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		b, terr := v.Truthy()
		if terr != nil {
			return evalErr("%v", terr)
		}
		if err := m.Push(BoolVal(!b)); err != nil {
			return pc, Trap{}, err
		}

	case OP_IN:
		coll, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		x, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		res, merr := memberOf(x, coll)
		if merr != nil {
			return evalErr("%v", merr)
		}
		if err := m.Push(res); err != nil {
			return pc, Trap{}, err
		}

	case OP_CONCAT:
		n := readU16(code, pc)
		pc += 2
		parts, err := m.PopN(n)
		if err != nil {
			return pc, Trap{}, err
		}
		total := 0
		strs := make([]string, n)
		for i, p := range parts {
			strs[i] = p.Inspect()
			total += len(strs[i])
		}
		var sb []byte
		sb = make([]byte, 0, total)
		for _, s := range strs {
			sb = append(sb, s...)
		}
		if err := m.Push(StrVal(string(sb))); err != nil {
			return pc, Trap{}, err
		}

	case OP_MEMBER:
		idx := readU16(code, pc)
		pc += 2
		obj, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		name := consts[idx].AsString()
		member, _ := obj.Member(name)
		if err := m.Push(member); err != nil {
			return pc, Trap{}, err
		}

	case OP_INDEX:
		idx, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		obj, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		elem, _ := obj.Index(idx)
		if err := m.Push(elem); err != nil {
			return pc, Trap{}, err
		}

	case OP_MAKE_LIST:
		n := readU16(code, pc)
		pc += 2
		elems, err := m.PopN(n)
		if err != nil {
			return pc, Trap{}, err
		}
		if err := m.Push(ListVal(&List{Elems: elems})); err != nil {
			return pc, Trap{}, err
		}

	case OP_MAKE_MAP:
		n := readU16(code, pc)
		pc += 2
		pairs, err := m.PopN(n * 2)
		if err != nil {
			return pc, Trap{}, err
		}
		mp := NewMap()
		for i := 0; i < n; i++ {
			key := pairs[i*2]
			if !key.IsString() {
				return evalErr("map key must be a string, got %s", key.TypeName())
			}
			mp.Set(key.AsString(), pairs[i*2+1])
		}
		if err := m.Push(MapVal(mp)); err != nil {
			return pc, Trap{}, err
		}

	case OP_CALL_BUILTIN:
		idx := int(code[pc])
		argc := int(code[pc+1])
		pc += 2
		if idx >= len(Builtins) {
			return evalErr("invalid builtin index %d", idx)
		}
		b := Builtins[idx]
		if b.Arity >= 0 && argc != b.Arity {
			return evalErr("%s expects %d arguments, got %d", b.Name, b.Arity, argc)
		}
		args, err := m.PopN(argc)
		if err != nil {
			return pc, Trap{}, err
		}
		res, berr := b.Fn(m, args)
		if berr != nil {
			return evalErr("%v", berr)
		}
		if err := m.Push(res); err != nil {
			return pc, Trap{}, err
		}

	case OP_GET_VAR:
		idx := readU16(code, pc)
		pc += 2
		if err := m.Push(env.Get(consts[idx].AsString())); err != nil {
			return pc, Trap{}, err
		}

	case OP_SET_VAR:
		idx := readU16(code, pc)
		pc += 2
		v, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		env.Set(consts[idx].AsString(), v)

	case OP_JUMP:
		off := readU16(code, pc)
		pc += 2 + off

	case OP_JUMP_IF_FALSE, OP_JUMP_IF_TRUE:
		off := readU16(code, pc)
		pc += 2
		v, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		b, terr := v.Truthy()
		if terr != nil {
			return evalErr("%v", terr)
		}
		if (op == OP_JUMP_IF_FALSE && !b) || (op == OP_JUMP_IF_TRUE && b) {
			pc += off
		}

	case OP_JUMP_IF_NOT_NULL:
		off := readU16(code, pc)
		pc += 2
		v, err := m.peek()
		if err != nil {
			return pc, Trap{}, err
		}
		if v.IsNull() {
			// fall through to the alternative, dropping the null
			if _, err := m.Pop(); err != nil {
				return pc, Trap{}, err
			}
		} else {
			pc += off
		}

	case OP_LOOP:
		off := readU16(code, pc)
		pc += 2
		pc -= off

	case OP_ITER_NEW:
		max := readU16(code, pc)
		pc += 2
		coll, err := m.Pop()
		if err != nil {
			return pc, Trap{}, err
		}
		it, ierr := newIterator(coll, max)
		if ierr != nil {
			return evalErr("%v", ierr)
		}
		if err := m.Push(ObjVal(it)); err != nil {
			return pc, Trap{}, err
		}

	case OP_ITER_NEXT:
		off := readU16(code, pc)
		pc += 2
		top, err := m.peek()
		if err != nil {
			return pc, Trap{}, err
		}
		it, ok := top.Obj.(*iterator)
		if !ok {
			// a recovered iterator-creation error leaves null here; treat
			// it as an exhausted iteration
			if _, err := m.Pop(); err != nil {
				return pc, Trap{}, err
			}
			pc += off
			break
		}
		if next, ok := it.next(); ok {
			if err := m.Push(next); err != nil {
				return pc, Trap{}, err
			}
		} else {
			if _, err := m.Pop(); err != nil {
				return pc, Trap{}, err
			}
			pc += off
		}

	// Control instructions: decoded, not executed.
	case OP_CALL_FLOW:
		idx := readU16(code, pc)
		return pc + 2, Trap{Kind: TrapCallFlow, Operand: idx}, nil
	case OP_GOTO_FLOW:
		idx := readU16(code, pc)
		return pc + 2, Trap{Kind: TrapGotoFlow, Operand: idx}, nil
	case OP_RETURN:
		return pc, Trap{Kind: TrapReturn}, nil
	case OP_ACTION:
		idx := readU16(code, pc)
		return pc + 2, Trap{Kind: TrapAction, Operand: idx}, nil
	case OP_EMIT:
		idx := readU16(code, pc)
		return pc + 2, Trap{Kind: TrapEmit, Operand: idx}, nil
	case OP_WAIT:
		idx := readU16(code, pc)
		return pc + 2, Trap{Kind: TrapWait, Operand: idx}, nil
	case OP_CONT:
		idx := readU16(code, pc)
		return pc + 2, Trap{Kind: TrapCont, Operand: idx}, nil
	case OP_HALT:
		return pc, Trap{Kind: TrapHalt}, nil
	case OP_EXPR_END:
		return pc, Trap{Kind: TrapExprEnd}, nil

	default:
		return evalErr("unknown opcode 0x%02x", byte(op))
	}

	return pc, Trap{}, nil
}

func arith(op Opcode, left, right Value) (Value, error) {
	// String concatenation via +
	if op == OP_ADD && left.IsString() && right.IsString() {
		return StrVal(left.AsString() + right.AsString()), nil
	}

	// Durations add and subtract with each other, scale by numbers.
	if left.Type == ValDuration || right.Type == ValDuration {
		return durationArith(op, left, right)
	}

	if !left.IsNumeric() || !right.IsNumeric() {
		return NullVal(), fmt.Errorf("arithmetic on non-numeric types %s and %s", left.TypeName(), right.TypeName())
	}

	if left.Type == ValInt && right.Type == ValInt {
		a, b := left.AsInt(), right.AsInt()
		switch op {
		case OP_ADD:
			return IntVal(a + b), nil
		case OP_SUB:
			return IntVal(a - b), nil
		case OP_MUL:
			return IntVal(a * b), nil
		case OP_DIV:
			if b == 0 {
				return NullVal(), fmt.Errorf("division by zero")
			}
			return IntVal(a / b), nil
		case OP_MOD:
			if b == 0 {
				return NullVal(), fmt.Errorf("division by zero")
			}
			return IntVal(a % b), nil
		}
	}

	a, b := left.ToFloat(), right.ToFloat()
	switch op {
	case OP_ADD:
		return FloatVal(a + b), nil
	case OP_SUB:
		return FloatVal(a - b), nil
	case OP_MUL:
		return FloatVal(a * b), nil
	case OP_DIV:
		if b == 0 {
			return NullVal(), fmt.Errorf("division by zero")
		}
		return FloatVal(a / b), nil
	case OP_MOD:
		return NullVal(), fmt.Errorf("modulo requires integer operands")
	}
	return NullVal(), fmt.Errorf("unsupported arithmetic opcode")
}

func durationArith(op Opcode, left, right Value) (Value, error) {
	switch {
	case left.Type == ValDuration && right.Type == ValDuration:
		switch op {
		case OP_ADD:
			return DurationVal(left.AsDuration() + right.AsDuration()), nil
		case OP_SUB:
			return DurationVal(left.AsDuration() - right.AsDuration()), nil
		}
	case left.Type == ValDuration && right.IsNumeric():
		if op == OP_MUL {
			return DurationVal(time.Duration(float64(left.AsDuration()) * right.ToFloat())), nil
		}
		if op == OP_DIV && right.ToFloat() != 0 {
			return DurationVal(time.Duration(float64(left.AsDuration()) / right.ToFloat())), nil
		}
	case left.IsNumeric() && right.Type == ValDuration:
		if op == OP_MUL {
			return DurationVal(time.Duration(left.ToFloat() * float64(right.AsDuration()))), nil
		}
	}
	return NullVal(), fmt.Errorf("unsupported duration arithmetic (%s %s %s)",
		left.TypeName(), OpcodeNames[op], right.TypeName())
}

// DefaultIterationCap bounds for_each loops that declare no explicit max.
const DefaultIterationCap = 10000

// iterator drives bounded for_each loops over lists and maps.
type iterator struct {
	elems []Value
	pos   int
	limit int
}

func newIterator(coll Value, max int) (*iterator, error) {
	if max <= 0 {
		max = DefaultIterationCap
	}
	it := &iterator{}
	switch o := coll.Obj.(type) {
	case *List:
		it.elems = o.Elems
	case *Map:
		it.elems = make([]Value, len(o.Keys))
		for i, k := range o.Keys {
			it.elems[i] = StrVal(k)
		}
	default:
		if coll.IsNull() {
			return it, nil
		}
		return nil, fmt.Errorf("for_each requires a list or map, got %s", coll.TypeName())
	}
	it.limit = len(it.elems)
	if it.limit > max {
		it.limit = max
	}
	return it, nil
}

func (it *iterator) next() (Value, bool) {
	if it.pos >= it.limit {
		return NullVal(), false
	}
	v := it.elems[it.pos]
	it.pos++
	return v, true
}

func (it *iterator) TypeName() string { return "iterator" }
func (it *iterator) Inspect() string  { return "<iterator>" }
