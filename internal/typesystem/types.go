// Package typesystem implements the ABML declared-type grammar:
//
//	bool | int | float | string | null | duration | any
//	list<T> | map<K,V> | enum(a, b, ...) | object{field: T, ...}
package typesystem

import (
	"fmt"
	"strings"
)

// Type is the interface for all types in our system.
type Type interface {
	String() string
	typeNode()
}

// TCon is a type constant (bool, int, float, string, null, duration, any).
type TCon struct {
	Name string
}

func (t TCon) String() string { return t.Name }
func (t TCon) typeNode()      {}

// TList is a homogeneous list type list<T>.
type TList struct {
	Elem Type
}

func (t TList) String() string { return fmt.Sprintf("list<%s>", t.Elem) }
func (t TList) typeNode()      {}

// TMap is a map type map<K,V>.
type TMap struct {
	Key Type
	Val Type
}

func (t TMap) String() string { return fmt.Sprintf("map<%s,%s>", t.Key, t.Val) }
func (t TMap) typeNode()      {}

// TEnum is a closed set of string members.
type TEnum struct {
	Members []string
}

func (t TEnum) String() string { return fmt.Sprintf("enum(%s)", strings.Join(t.Members, ",")) }
func (t TEnum) typeNode()      {}

// TObject is a structural record type with a fixed field order.
type TObject struct {
	Order  []string
	Fields map[string]Type
}

func (t TObject) String() string {
	var b strings.Builder
	b.WriteString("object{")
	for i, name := range t.Order {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(t.Fields[name].String())
	}
	b.WriteString("}")
	return b.String()
}
func (t TObject) typeNode() {}

// Convenience constants for the primitive types.
var (
	Bool     = TCon{Name: "bool"}
	Int      = TCon{Name: "int"}
	Float    = TCon{Name: "float"}
	String   = TCon{Name: "string"}
	Null     = TCon{Name: "null"}
	Duration = TCon{Name: "duration"}
	Any      = TCon{Name: "any"}
)

// IsAny reports whether t defers type checking to runtime.
func IsAny(t Type) bool {
	c, ok := t.(TCon)
	return ok && c.Name == "any"
}

// IsNumeric reports whether t supports arithmetic.
func IsNumeric(t Type) bool {
	c, ok := t.(TCon)
	return ok && (c.Name == "int" || c.Name == "float" || c.Name == "duration")
}

// Assignable reports whether a value of type `from` may be bound where `to`
// is expected. `any` on either side defers to runtime; null is assignable
// everywhere per the null-safety design.
func Assignable(from, to Type) bool {
	if from == nil || to == nil {
		return true
	}
	if IsAny(from) || IsAny(to) {
		return true
	}
	if fc, ok := from.(TCon); ok && fc.Name == "null" {
		return true
	}
	if fc, ok := from.(TCon); ok {
		if tc, ok := to.(TCon); ok {
			if fc.Name == tc.Name {
				return true
			}
			// int widens to float
			return fc.Name == "int" && tc.Name == "float"
		}
	}
	// enum members are strings on the wire
	if _, ok := to.(TEnum); ok {
		if fc, ok := from.(TCon); ok && fc.Name == "string" {
			return true
		}
	}
	switch ft := from.(type) {
	case TList:
		tt, ok := to.(TList)
		return ok && Assignable(ft.Elem, tt.Elem)
	case TMap:
		tt, ok := to.(TMap)
		return ok && Assignable(ft.Key, tt.Key) && Assignable(ft.Val, tt.Val)
	case TObject:
		tt, ok := to.(TObject)
		if !ok {
			return false
		}
		for name, want := range tt.Fields {
			got, ok := ft.Fields[name]
			if !ok || !Assignable(got, want) {
				return false
			}
		}
		return true
	}
	return from.String() == to.String()
}

// Merge returns the common type of two branches: equal types stay, int/float
// widen to float, null yields to the other side, everything else degrades to any.
func Merge(a, b Type) Type {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.String() == b.String() {
		return a
	}
	if ac, ok := a.(TCon); ok {
		if bc, ok := b.(TCon); ok {
			if ac.Name == "null" {
				return b
			}
			if bc.Name == "null" {
				return a
			}
			if (ac.Name == "int" && bc.Name == "float") || (ac.Name == "float" && bc.Name == "int") {
				return Float
			}
		}
	}
	return Any
}
