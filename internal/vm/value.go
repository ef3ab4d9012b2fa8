// Package vm implements the ABML expression virtual machine: a tagged-union
// value type and a small stack machine evaluating compiled expression
// bytecode against a variable-binding environment.
package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ValueType identifies the type of value stored in the Value struct.
type ValueType uint8

const (
	ValNull ValueType = iota
	ValBool
	ValInt
	ValFloat
	ValDuration
	ValObj // heap objects: strings, lists, maps, namespaces
)

// Value is a stack-allocated tagged union. Small primitives (null, bool,
// int, float, duration) live in the Data word and never touch the heap.
type Value struct {
	Type ValueType
	Data uint64 // int64 bits, float64 bits, bool (0/1), or duration nanos
	Obj  Object // heap objects (pointers), nil for primitives
}

// Object is the interface for heap-allocated values.
type Object interface {
	TypeName() string
	Inspect() string
}

// StringObj wraps an immutable string value.
type StringObj struct {
	Value string
}

func (s *StringObj) TypeName() string { return "string" }
func (s *StringObj) Inspect() string  { return s.Value }

// List is a mutable ordered collection. Lists are passed by reference; the
// VM never copies them on access.
type List struct {
	Elems []Value
}

func (l *List) TypeName() string { return "list" }
func (l *List) Inspect() string {
	parts := make([]string, len(l.Elems))
	for i, e := range l.Elems {
		parts[i] = e.Inspect()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Map is an ordered string-keyed collection. Keys preserves insertion order
// so inspection and iteration stay deterministic.
type Map struct {
	Keys    []string
	Entries map[string]Value
}

func NewMap() *Map {
	return &Map{Entries: map[string]Value{}}
}

func (m *Map) Set(key string, v Value) {
	if _, exists := m.Entries[key]; !exists {
		m.Keys = append(m.Keys, key)
	}
	m.Entries[key] = v
}

func (m *Map) Get(key string) (Value, bool) {
	v, ok := m.Entries[key]
	return v, ok
}

func (m *Map) TypeName() string { return "map" }
func (m *Map) Inspect() string {
	parts := make([]string, len(m.Keys))
	for i, k := range m.Keys {
		parts[i] = k + ": " + m.Entries[k].Inspect()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Namespace is an object whose members resolve dynamically, used to expose
// external variable providers (entity.*, world.*) as first-class values.
type Namespace interface {
	Object
	Member(name string) (Value, bool)
}

// Constructors

func NullVal() Value { return Value{Type: ValNull} }

func BoolVal(v bool) Value {
	var data uint64
	if v {
		data = 1
	}
	return Value{Type: ValBool, Data: data}
}

func IntVal(v int64) Value { return Value{Type: ValInt, Data: uint64(v)} }

func FloatVal(v float64) Value { return Value{Type: ValFloat, Data: math.Float64bits(v)} }

func DurationVal(d time.Duration) Value { return Value{Type: ValDuration, Data: uint64(d)} }

func StrVal(s string) Value { return Value{Type: ValObj, Obj: &StringObj{Value: s}} }

func ListVal(l *List) Value { return Value{Type: ValObj, Obj: l} }

func MapVal(m *Map) Value { return Value{Type: ValObj, Obj: m} }

func ObjVal(o Object) Value {
	if o == nil {
		return NullVal()
	}
	return Value{Type: ValObj, Obj: o}
}

// Accessors

func (v Value) AsInt() int64              { return int64(v.Data) }
func (v Value) AsFloat() float64          { return math.Float64frombits(v.Data) }
func (v Value) AsBool() bool              { return v.Data == 1 }
func (v Value) AsDuration() time.Duration { return time.Duration(v.Data) }

func (v Value) IsNull() bool { return v.Type == ValNull }
func (v Value) IsBool() bool { return v.Type == ValBool }
func (v Value) IsInt() bool  { return v.Type == ValInt }

// IsNumeric reports whether v participates in arithmetic.
func (v Value) IsNumeric() bool {
	return v.Type == ValInt || v.Type == ValFloat || v.Type == ValDuration
}

func (v Value) IsString() bool {
	_, ok := v.Obj.(*StringObj)
	return v.Type == ValObj && ok
}

// AsString returns the string payload; empty for non-strings.
func (v Value) AsString() string {
	if s, ok := v.Obj.(*StringObj); ok {
		return s.Value
	}
	return ""
}

func (v Value) AsList() (*List, bool) {
	l, ok := v.Obj.(*List)
	return l, ok
}

func (v Value) AsMap() (*Map, bool) {
	m, ok := v.Obj.(*Map)
	return m, ok
}

// ToFloat widens any numeric value to float64.
func (v Value) ToFloat() float64 {
	switch v.Type {
	case ValInt:
		return float64(int64(v.Data))
	case ValFloat:
		return math.Float64frombits(v.Data)
	case ValDuration:
		return float64(time.Duration(v.Data))
	default:
		return 0
	}
}

// TypeName returns the runtime type tag used by typeof() and diagnostics.
func (v Value) TypeName() string {
	switch v.Type {
	case ValNull:
		return "null"
	case ValBool:
		return "bool"
	case ValInt:
		return "int"
	case ValFloat:
		return "float"
	case ValDuration:
		return "duration"
	case ValObj:
		if v.Obj != nil {
			return v.Obj.TypeName()
		}
		return "null"
	default:
		return "unknown"
	}
}

// Inspect returns a display representation; it is also the stringification
// used by templates and interpolation.
func (v Value) Inspect() string {
	switch v.Type {
	case ValNull:
		return ""
	case ValBool:
		return strconv.FormatBool(v.Data == 1)
	case ValInt:
		return strconv.FormatInt(int64(v.Data), 10)
	case ValFloat:
		return strconv.FormatFloat(math.Float64frombits(v.Data), 'g', -1, 64)
	case ValDuration:
		return time.Duration(v.Data).String()
	case ValObj:
		if v.Obj != nil {
			return v.Obj.Inspect()
		}
		return ""
	default:
		return "<?>"
	}
}

// Equals implements == with implicit int/float widening.
func (v Value) Equals(other Value) bool {
	if v.Type != other.Type {
		if v.IsNumeric() && other.IsNumeric() && v.Type != ValDuration && other.Type != ValDuration {
			return v.ToFloat() == other.ToFloat()
		}
		return false
	}
	switch v.Type {
	case ValNull:
		return true
	case ValBool, ValInt, ValDuration:
		return v.Data == other.Data
	case ValFloat:
		return v.AsFloat() == other.AsFloat()
	case ValObj:
		return objectsEqual(v.Obj, other.Obj)
	default:
		return false
	}
}

func objectsEqual(a, b Object) bool {
	switch x := a.(type) {
	case *StringObj:
		y, ok := b.(*StringObj)
		return ok && x.Value == y.Value
	case *List:
		y, ok := b.(*List)
		if !ok || len(x.Elems) != len(y.Elems) {
			return false
		}
		for i := range x.Elems {
			if !x.Elems[i].Equals(y.Elems[i]) {
				return false
			}
		}
		return true
	case *Map:
		y, ok := b.(*Map)
		if !ok || len(x.Entries) != len(y.Entries) {
			return false
		}
		for k, xv := range x.Entries {
			yv, ok := y.Entries[k]
			if !ok || !xv.Equals(yv) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Compare orders two values; ok is false for incomparable operand types.
func (v Value) Compare(other Value) (cmp int, ok bool) {
	if v.IsNumeric() && other.IsNumeric() {
		a, b := v.ToFloat(), other.ToFloat()
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		default:
			return 0, true
		}
	}
	if v.IsString() && other.IsString() {
		return strings.Compare(v.AsString(), other.AsString()), true
	}
	return 0, false
}

// Member resolves property access. Unknown members resolve to null per the
// null-safety design; ok reports whether the member actually existed.
func (v Value) Member(name string) (Value, bool) {
	if v.Type != ValObj || v.Obj == nil {
		return NullVal(), false
	}
	switch o := v.Obj.(type) {
	case *Map:
		return o.Get(name)
	case Namespace:
		return o.Member(name)
	default:
		return NullVal(), false
	}
}

// Index resolves subscript access: list[int], map[string], string[int].
func (v Value) Index(idx Value) (Value, bool) {
	switch o := v.Obj.(type) {
	case *List:
		if !idx.IsInt() {
			return NullVal(), false
		}
		i := idx.AsInt()
		if i < 0 || i >= int64(len(o.Elems)) {
			return NullVal(), false
		}
		return o.Elems[i], true
	case *Map:
		if !idx.IsString() {
			return NullVal(), false
		}
		return o.Get(idx.AsString())
	case *StringObj:
		if !idx.IsInt() {
			return NullVal(), false
		}
		runes := []rune(o.Value)
		i := idx.AsInt()
		if i < 0 || i >= int64(len(runes)) {
			return NullVal(), false
		}
		return StrVal(string(runes[i])), true
	default:
		return NullVal(), false
	}
}

// Truthy implements condition semantics: null and false are false, true is
// true; every other type is an evaluation error surfaced by the caller.
func (v Value) Truthy() (bool, error) {
	switch v.Type {
	case ValNull:
		return false, nil
	case ValBool:
		return v.Data == 1, nil
	default:
		return false, fmt.Errorf("condition must be a bool, got %s", v.TypeName())
	}
}
