package vm

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Builtin is one entry of the fixed built-in function table. Arity < 0
// means variadic; otherwise calls are checked against the exact count.
type Builtin struct {
	Name  string
	Arity int
	Fn    func(m *Machine, args []Value) (Value, error)
}

// Builtins is the fixed, ordered built-in function set. Order is part of
// the bytecode contract: OP_CALL_BUILTIN references entries by index, so
// new builtins must only ever be appended.
var Builtins = []Builtin{
	// Collection
	{Name: "len", Arity: 1, Fn: builtinLen},
	{Name: "contains", Arity: 2, Fn: builtinContains},
	{Name: "first", Arity: 1, Fn: builtinFirst},
	{Name: "last", Arity: 1, Fn: builtinLast},
	{Name: "keys", Arity: 1, Fn: builtinKeys},
	{Name: "values", Arity: 1, Fn: builtinValues},

	// String
	{Name: "upper", Arity: 1, Fn: builtinUpper},
	{Name: "lower", Arity: 1, Fn: builtinLower},
	{Name: "trim", Arity: 1, Fn: builtinTrim},
	{Name: "split", Arity: 2, Fn: builtinSplit},
	{Name: "join", Arity: 2, Fn: builtinJoin},
	{Name: "capitalize", Arity: 1, Fn: builtinCapitalize},
	{Name: "truncate", Arity: 2, Fn: builtinTruncate},
	{Name: "default", Arity: 2, Fn: builtinDefault},

	// Math
	{Name: "min", Arity: 2, Fn: builtinMin},
	{Name: "max", Arity: 2, Fn: builtinMax},
	{Name: "abs", Arity: 1, Fn: builtinAbs},
	{Name: "floor", Arity: 1, Fn: builtinFloor},
	{Name: "ceil", Arity: 1, Fn: builtinCeil},
	{Name: "round", Arity: 1, Fn: builtinRound},
	{Name: "clamp", Arity: 3, Fn: builtinClamp},

	// Time
	{Name: "now", Arity: 0, Fn: builtinNow},
	{Name: "seconds", Arity: 1, Fn: builtinSeconds},
	{Name: "millis", Arity: 1, Fn: builtinMillis},

	// Type introspection
	{Name: "typeof", Arity: 1, Fn: builtinTypeof},
	{Name: "is_null", Arity: 1, Fn: builtinIsNull},
}

var builtinIndex = func() map[string]int {
	idx := make(map[string]int, len(Builtins))
	for i, b := range Builtins {
		idx[b.Name] = i
	}
	return idx
}()

// BuiltinIndex returns the table index for name, or -1 when unknown.
func BuiltinIndex(name string) int {
	if i, ok := builtinIndex[name]; ok {
		return i
	}
	return -1
}

func builtinLen(_ *Machine, args []Value) (Value, error) {
	switch o := args[0].Obj.(type) {
	case *StringObj:
		return IntVal(int64(len([]rune(o.Value)))), nil
	case *List:
		return IntVal(int64(len(o.Elems))), nil
	case *Map:
		return IntVal(int64(len(o.Keys))), nil
	}
	if args[0].IsNull() {
		return IntVal(0), nil
	}
	return NullVal(), fmt.Errorf("len: unsupported type %s", args[0].TypeName())
}

func builtinContains(_ *Machine, args []Value) (Value, error) {
	return memberOf(args[1], args[0])
}

// memberOf implements both contains(coll, x) and `x in coll`.
func memberOf(x, coll Value) (Value, error) {
	switch o := coll.Obj.(type) {
	case *StringObj:
		if !x.IsString() {
			return BoolVal(false), nil
		}
		return BoolVal(strings.Contains(o.Value, x.AsString())), nil
	case *List:
		for _, e := range o.Elems {
			if e.Equals(x) {
				return BoolVal(true), nil
			}
		}
		return BoolVal(false), nil
	case *Map:
		if !x.IsString() {
			return BoolVal(false), nil
		}
		_, ok := o.Get(x.AsString())
		return BoolVal(ok), nil
	}
	if coll.IsNull() {
		return BoolVal(false), nil
	}
	return NullVal(), fmt.Errorf("in: unsupported collection type %s", coll.TypeName())
}

func builtinFirst(_ *Machine, args []Value) (Value, error) {
	if l, ok := args[0].AsList(); ok && len(l.Elems) > 0 {
		return l.Elems[0], nil
	}
	return NullVal(), nil
}

func builtinLast(_ *Machine, args []Value) (Value, error) {
	if l, ok := args[0].AsList(); ok && len(l.Elems) > 0 {
		return l.Elems[len(l.Elems)-1], nil
	}
	return NullVal(), nil
}

func builtinKeys(_ *Machine, args []Value) (Value, error) {
	if m, ok := args[0].AsMap(); ok {
		out := &List{Elems: make([]Value, len(m.Keys))}
		for i, k := range m.Keys {
			out.Elems[i] = StrVal(k)
		}
		return ListVal(out), nil
	}
	return NullVal(), nil
}

func builtinValues(_ *Machine, args []Value) (Value, error) {
	if m, ok := args[0].AsMap(); ok {
		out := &List{Elems: make([]Value, len(m.Keys))}
		for i, k := range m.Keys {
			out.Elems[i] = m.Entries[k]
		}
		return ListVal(out), nil
	}
	return NullVal(), nil
}

func builtinUpper(_ *Machine, args []Value) (Value, error) {
	return StrVal(strings.ToUpper(args[0].Inspect())), nil
}

func builtinLower(_ *Machine, args []Value) (Value, error) {
	return StrVal(strings.ToLower(args[0].Inspect())), nil
}

func builtinTrim(_ *Machine, args []Value) (Value, error) {
	return StrVal(strings.TrimSpace(args[0].Inspect())), nil
}

func builtinSplit(_ *Machine, args []Value) (Value, error) {
	parts := strings.Split(args[0].Inspect(), args[1].Inspect())
	out := &List{Elems: make([]Value, len(parts))}
	for i, p := range parts {
		out.Elems[i] = StrVal(p)
	}
	return ListVal(out), nil
}

func builtinJoin(_ *Machine, args []Value) (Value, error) {
	l, ok := args[0].AsList()
	if !ok {
		return NullVal(), fmt.Errorf("join: first argument must be a list, got %s", args[0].TypeName())
	}
	parts := make([]string, len(l.Elems))
	for i, e := range l.Elems {
		parts[i] = e.Inspect()
	}
	return StrVal(strings.Join(parts, args[1].Inspect())), nil
}

func builtinCapitalize(_ *Machine, args []Value) (Value, error) {
	s := args[0].Inspect()
	if s == "" {
		return StrVal(s), nil
	}
	runes := []rune(s)
	return StrVal(strings.ToUpper(string(runes[0])) + string(runes[1:])), nil
}

func builtinTruncate(_ *Machine, args []Value) (Value, error) {
	if !args[1].IsInt() {
		return NullVal(), fmt.Errorf("truncate: length must be an int, got %s", args[1].TypeName())
	}
	s := []rune(args[0].Inspect())
	n := args[1].AsInt()
	if n < 0 {
		n = 0
	}
	if int64(len(s)) <= n {
		return StrVal(string(s)), nil
	}
	return StrVal(string(s[:n]) + "…"), nil
}

// builtinDefault is the template `default` filter: substitute the fallback
// when the input is null or an empty string.
func builtinDefault(_ *Machine, args []Value) (Value, error) {
	if args[0].IsNull() || (args[0].IsString() && args[0].AsString() == "") {
		return args[1], nil
	}
	return args[0], nil
}

func numericPair(name string, a, b Value) (float64, float64, error) {
	if !a.IsNumeric() || !b.IsNumeric() {
		return 0, 0, fmt.Errorf("%s: numeric arguments required, got %s and %s", name, a.TypeName(), b.TypeName())
	}
	return a.ToFloat(), b.ToFloat(), nil
}

func numericResult(a, b Value, f float64) Value {
	if a.Type == ValInt && b.Type == ValInt {
		return IntVal(int64(f))
	}
	return FloatVal(f)
}

func builtinMin(_ *Machine, args []Value) (Value, error) {
	a, b, err := numericPair("min", args[0], args[1])
	if err != nil {
		return NullVal(), err
	}
	return numericResult(args[0], args[1], math.Min(a, b)), nil
}

func builtinMax(_ *Machine, args []Value) (Value, error) {
	a, b, err := numericPair("max", args[0], args[1])
	if err != nil {
		return NullVal(), err
	}
	return numericResult(args[0], args[1], math.Max(a, b)), nil
}

func builtinAbs(_ *Machine, args []Value) (Value, error) {
	switch args[0].Type {
	case ValInt:
		v := args[0].AsInt()
		if v < 0 {
			v = -v
		}
		return IntVal(v), nil
	case ValFloat:
		return FloatVal(math.Abs(args[0].AsFloat())), nil
	default:
		return NullVal(), fmt.Errorf("abs: numeric argument required, got %s", args[0].TypeName())
	}
}

func builtinFloor(_ *Machine, args []Value) (Value, error) {
	if !args[0].IsNumeric() {
		return NullVal(), fmt.Errorf("floor: numeric argument required, got %s", args[0].TypeName())
	}
	return IntVal(int64(math.Floor(args[0].ToFloat()))), nil
}

func builtinCeil(_ *Machine, args []Value) (Value, error) {
	if !args[0].IsNumeric() {
		return NullVal(), fmt.Errorf("ceil: numeric argument required, got %s", args[0].TypeName())
	}
	return IntVal(int64(math.Ceil(args[0].ToFloat()))), nil
}

func builtinRound(_ *Machine, args []Value) (Value, error) {
	if !args[0].IsNumeric() {
		return NullVal(), fmt.Errorf("round: numeric argument required, got %s", args[0].TypeName())
	}
	return IntVal(int64(math.Round(args[0].ToFloat()))), nil
}

func builtinClamp(_ *Machine, args []Value) (Value, error) {
	if !args[0].IsNumeric() || !args[1].IsNumeric() || !args[2].IsNumeric() {
		return NullVal(), fmt.Errorf("clamp: numeric arguments required")
	}
	v, lo, hi := args[0].ToFloat(), args[1].ToFloat(), args[2].ToFloat()
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	if args[0].Type == ValInt && args[1].Type == ValInt && args[2].Type == ValInt {
		return IntVal(int64(v)), nil
	}
	return FloatVal(v), nil
}

// builtinNow returns the scheduler's tick time, not the wall clock, so
// deterministic documents stay deterministic.
func builtinNow(m *Machine, _ []Value) (Value, error) {
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}
	return IntVal(now.UnixMilli()), nil
}

func builtinSeconds(_ *Machine, args []Value) (Value, error) {
	if !args[0].IsNumeric() {
		return NullVal(), fmt.Errorf("seconds: numeric argument required, got %s", args[0].TypeName())
	}
	return DurationVal(time.Duration(args[0].ToFloat() * float64(time.Second))), nil
}

func builtinMillis(_ *Machine, args []Value) (Value, error) {
	if !args[0].IsNumeric() {
		return NullVal(), fmt.Errorf("millis: numeric argument required, got %s", args[0].TypeName())
	}
	return DurationVal(time.Duration(args[0].ToFloat() * float64(time.Millisecond))), nil
}

func builtinTypeof(_ *Machine, args []Value) (Value, error) {
	return StrVal(args[0].TypeName()), nil
}

func builtinIsNull(_ *Machine, args []Value) (Value, error) {
	return BoolVal(args[0].IsNull()), nil
}
