package analyzer

import (
	"fmt"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/typesystem"
	"github.com/arcadia/abml/internal/vm"
)

// Checker infers expression types against the declared context and reports
// type errors. Unknown names and `any` defer to runtime checks, so the
// checker only flags what it can prove wrong.
type Checker struct {
	file  string
	vars  map[string]typesystem.Type
	diags []*diagnostics.Diagnostic
}

// Check type-checks every expression in the document.
func Check(doc *ast.Document) []*diagnostics.Diagnostic {
	c := &Checker{file: doc.File, vars: map[string]typesystem.Type{}}
	for _, d := range doc.Context {
		if d.Type != nil {
			c.vars[d.Name] = d.Type
		}
		if d.Default != nil {
			got := c.infer(d.Default)
			if d.Type != nil && !typesystem.Assignable(got, d.Type) {
				c.errorf(d.Pos, "T001", "default for %s has type %s, declared %s", d.Name, got, d.Type)
			}
		}
	}
	for _, f := range doc.Flows {
		c.checkFlow(f)
	}
	for _, ch := range doc.Channels {
		c.checkActions(ch.Actions)
	}
	for _, h := range doc.Errors {
		c.checkActions(h.Actions)
	}
	for _, g := range doc.Goals {
		for _, p := range g.Preconditions {
			c.requireBool(p)
		}
		for _, e := range g.Effects {
			c.infer(e.Value)
		}
	}
	return c.diags
}

func (c *Checker) errorf(pos ast.Pos, code, format string, args ...any) {
	c.diags = append(c.diags, diagnostics.NewErrorAt(code, c.file, pos.Line, pos.Column, fmt.Sprintf(format, args...)))
}

func (c *Checker) checkFlow(f *ast.Flow) {
	// params shadow context declarations for the duration of the flow
	saved := map[string]typesystem.Type{}
	for _, p := range f.Params {
		if t, ok := c.vars[p]; ok {
			saved[p] = t
		}
		c.vars[p] = typesystem.Any
	}
	for _, p := range f.Preconditions {
		c.requireBool(p)
	}
	c.checkActions(f.Actions)
	for _, p := range f.Params {
		if t, ok := saved[p]; ok {
			c.vars[p] = t
		} else {
			delete(c.vars, p)
		}
	}
}

func (c *Checker) checkActions(actions []ast.Action) {
	for _, a := range actions {
		c.checkAction(a)
	}
}

func (c *Checker) checkAction(a ast.Action) {
	switch act := a.(type) {
	case *ast.CondAction:
		for _, br := range act.Branches {
			c.requireBool(br.When)
			c.checkActions(br.Do)
		}
		c.checkActions(act.Else)
	case *ast.ForEachAction:
		in := c.infer(act.In)
		elem := typesystem.Type(typesystem.Any)
		switch t := in.(type) {
		case typesystem.TList:
			elem = t.Elem
		case typesystem.TMap:
			elem = t.Key
		default:
			if !typesystem.IsAny(in) {
				if con, ok := in.(typesystem.TCon); !ok || con.Name != "null" {
					c.errorf(act.Pos, "T002", "for_each requires a list or map, got %s", in)
				}
			}
		}
		saved, had := c.vars[act.As]
		c.vars[act.As] = elem
		c.checkActions(act.Do)
		if had {
			c.vars[act.As] = saved
		} else {
			delete(c.vars, act.As)
		}
	case *ast.RepeatAction:
		t := c.infer(act.Times)
		if !typesystem.IsAny(t) && t.String() != "int" {
			c.errorf(act.Pos, "T003", "repeat times must be an int, got %s", t)
		}
		c.checkActions(act.Do)
	case *ast.SetAction:
		for _, as := range act.Assignments {
			got := c.infer(as.Value)
			if want, ok := c.vars[as.Name]; ok {
				if !typesystem.Assignable(got, want) {
					c.errorf(as.Pos, "T001", "cannot assign %s to %s (%s)", got, as.Name, want)
				}
			} else {
				// first assignment of an undeclared local fixes its type
				c.vars[as.Name] = got
			}
		}
	case *ast.CallAction:
		for _, as := range act.Args {
			c.infer(as.Value)
		}
	case *ast.WaitForAction:
		c.checkActions(act.OnTimeout)
	case *ast.ContinuationPointAction:
		c.checkActions(act.Default)
	case *ast.DomainAction:
		for _, p := range act.Params {
			c.infer(p.Value)
		}
		c.checkActions(act.OnError)
	}
}

func (c *Checker) requireBool(e ast.Expr) {
	t := c.infer(e)
	if typesystem.IsAny(t) {
		return
	}
	if con, ok := t.(typesystem.TCon); ok && (con.Name == "bool" || con.Name == "null") {
		return
	}
	c.errorf(e.GetPos(), "T004", "condition must be a bool, got %s", t)
}

// infer computes the static type of e, reporting provable errors along
// the way.
func (c *Checker) infer(e ast.Expr) typesystem.Type {
	switch ex := e.(type) {
	case *ast.NullLiteral:
		return typesystem.Null
	case *ast.BoolLiteral:
		return typesystem.Bool
	case *ast.IntLiteral:
		return typesystem.Int
	case *ast.FloatLiteral:
		return typesystem.Float
	case *ast.DurationLiteral:
		return typesystem.Duration
	case *ast.StringLiteral:
		return typesystem.String
	case *ast.TemplateExpr:
		for _, p := range ex.Parts {
			c.infer(p)
		}
		return typesystem.String
	case *ast.Identifier:
		if t, ok := c.vars[ex.Value]; ok {
			return t
		}
		// provider namespaces and unbound names resolve at runtime
		return typesystem.Any
	case *ast.ListLiteral:
		var elem typesystem.Type
		for _, el := range ex.Elements {
			elem = typesystem.Merge(elem, c.infer(el))
		}
		if elem == nil {
			elem = typesystem.Any
		}
		return typesystem.TList{Elem: elem}
	case *ast.MapLiteral:
		var val typesystem.Type
		for _, v := range ex.Values {
			val = typesystem.Merge(val, c.infer(v))
		}
		if val == nil {
			val = typesystem.Any
		}
		return typesystem.TMap{Key: typesystem.String, Val: val}
	case *ast.PrefixExpr:
		return c.inferPrefix(ex)
	case *ast.InfixExpr:
		return c.inferInfix(ex)
	case *ast.TernaryExpr:
		c.requireBool(ex.Cond)
		return typesystem.Merge(c.infer(ex.Then), c.infer(ex.Else))
	case *ast.MemberExpr:
		return c.inferMember(ex)
	case *ast.IndexExpr:
		return c.inferIndex(ex)
	case *ast.CallExpr:
		return c.inferCall(ex.GetPos(), ex.Function, ex.Args)
	case *ast.FilterExpr:
		args := append([]ast.Expr{ex.Input}, ex.Args...)
		return c.inferCall(ex.GetPos(), ex.Name, args)
	default:
		return typesystem.Any
	}
}

func (c *Checker) inferPrefix(ex *ast.PrefixExpr) typesystem.Type {
	t := c.infer(ex.Right)
	switch ex.Operator {
	case "!":
		if !typesystem.IsAny(t) && t.String() != "bool" && t.String() != "null" {
			c.errorf(ex.GetPos(), "T004", "operator ! requires a bool, got %s", t)
		}
		return typesystem.Bool
	case "-":
		if !typesystem.IsAny(t) && !typesystem.IsNumeric(t) {
			c.errorf(ex.GetPos(), "T005", "cannot negate %s", t)
		}
		return t
	}
	return typesystem.Any
}

func (c *Checker) inferInfix(ex *ast.InfixExpr) typesystem.Type {
	switch ex.Operator {
	case "&&", "||":
		c.requireBool(ex.Left)
		c.requireBool(ex.Right)
		return typesystem.Bool
	case "??":
		left := c.infer(ex.Left)
		right := c.infer(ex.Right)
		return typesystem.Merge(left, right)
	case "==", "!=":
		c.infer(ex.Left)
		c.infer(ex.Right)
		return typesystem.Bool
	case "<", "<=", ">", ">=":
		left := c.infer(ex.Left)
		right := c.infer(ex.Right)
		if !comparable2(left, right) {
			c.errorf(ex.GetPos(), "T005", "cannot compare %s with %s", left, right)
		}
		return typesystem.Bool
	case "in":
		c.infer(ex.Left)
		coll := c.infer(ex.Right)
		switch coll.(type) {
		case typesystem.TList, typesystem.TMap:
		default:
			if !typesystem.IsAny(coll) && coll.String() != "string" && coll.String() != "null" {
				c.errorf(ex.GetPos(), "T005", "operator in requires a collection, got %s", coll)
			}
		}
		return typesystem.Bool
	case "+", "-", "*", "/", "%":
		return c.inferArith(ex)
	}
	return typesystem.Any
}

func comparable2(a, b typesystem.Type) bool {
	if typesystem.IsAny(a) || typesystem.IsAny(b) {
		return true
	}
	if typesystem.IsNumeric(a) && typesystem.IsNumeric(b) {
		return true
	}
	return a.String() == "string" && b.String() == "string"
}

func (c *Checker) inferArith(ex *ast.InfixExpr) typesystem.Type {
	left := c.infer(ex.Left)
	right := c.infer(ex.Right)
	if typesystem.IsAny(left) || typesystem.IsAny(right) {
		return typesystem.Any
	}
	if ex.Operator == "+" && left.String() == "string" && right.String() == "string" {
		return typesystem.String
	}
	if left.String() == "duration" || right.String() == "duration" {
		if durationResult(ex.Operator, left, right) {
			return typesystem.Duration
		}
		c.errorf(ex.GetPos(), "T005", "invalid duration arithmetic: %s %s %s", left, ex.Operator, right)
		return typesystem.Duration
	}
	if !typesystem.IsNumeric(left) || !typesystem.IsNumeric(right) {
		c.errorf(ex.GetPos(), "T005", "operator %s requires numeric operands, got %s and %s", ex.Operator, left, right)
		return typesystem.Any
	}
	if left.String() == "int" && right.String() == "int" {
		return typesystem.Int
	}
	return typesystem.Float
}

func durationResult(op string, left, right typesystem.Type) bool {
	l, r := left.String(), right.String()
	switch {
	case l == "duration" && r == "duration":
		return op == "+" || op == "-"
	case l == "duration":
		return (op == "*" || op == "/") && (r == "int" || r == "float")
	case r == "duration":
		return op == "*" && (l == "int" || l == "float")
	}
	return false
}

func (c *Checker) inferMember(ex *ast.MemberExpr) typesystem.Type {
	obj := c.infer(ex.Object)
	switch t := obj.(type) {
	case typesystem.TObject:
		if ft, ok := t.Fields[ex.Property]; ok {
			return ft
		}
		if !ex.Safe {
			c.errorf(ex.GetPos(), "T006", "%s has no field %q", t, ex.Property)
		}
		return typesystem.Null
	case typesystem.TMap:
		return typesystem.Merge(t.Val, typesystem.Null)
	}
	// any, null and namespaces defer to runtime null propagation
	return typesystem.Any
}

func (c *Checker) inferIndex(ex *ast.IndexExpr) typesystem.Type {
	obj := c.infer(ex.Object)
	idx := c.infer(ex.Index)
	switch t := obj.(type) {
	case typesystem.TList:
		if !typesystem.IsAny(idx) && idx.String() != "int" {
			c.errorf(ex.GetPos(), "T007", "list index must be an int, got %s", idx)
		}
		return typesystem.Merge(t.Elem, typesystem.Null)
	case typesystem.TMap:
		if !typesystem.Assignable(idx, t.Key) {
			c.errorf(ex.GetPos(), "T007", "map key must be %s, got %s", t.Key, idx)
		}
		return typesystem.Merge(t.Val, typesystem.Null)
	}
	if !typesystem.IsAny(obj) && obj.String() != "string" && obj.String() != "null" {
		c.errorf(ex.GetPos(), "T007", "cannot index %s", obj)
	}
	return typesystem.Any
}

// builtinResults maps builtins with a known non-any result type.
var builtinResults = map[string]typesystem.Type{
	"len":        typesystem.Int,
	"contains":   typesystem.Bool,
	"keys":       typesystem.TList{Elem: typesystem.String},
	"upper":      typesystem.String,
	"lower":      typesystem.String,
	"trim":       typesystem.String,
	"split":      typesystem.TList{Elem: typesystem.String},
	"join":       typesystem.String,
	"capitalize": typesystem.String,
	"truncate":   typesystem.String,
	"floor":      typesystem.Int,
	"ceil":       typesystem.Int,
	"round":      typesystem.Int,
	"now":        typesystem.Int,
	"seconds":    typesystem.Duration,
	"millis":     typesystem.Duration,
	"typeof":     typesystem.String,
	"is_null":    typesystem.Bool,
}

func (c *Checker) inferCall(pos ast.Pos, name string, args []ast.Expr) typesystem.Type {
	idx := vm.BuiltinIndex(name)
	if idx < 0 {
		c.errorf(pos, "T008", "unknown function %q", name)
		return typesystem.Any
	}
	b := vm.Builtins[idx]
	if b.Arity >= 0 && len(args) != b.Arity {
		c.errorf(pos, "T008", "%s expects %d arguments, got %d", name, b.Arity, len(args))
	}
	for _, a := range args {
		c.infer(a)
	}
	if t, ok := builtinResults[name]; ok {
		return t
	}
	return typesystem.Any
}
