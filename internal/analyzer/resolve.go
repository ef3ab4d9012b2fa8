// Package analyzer performs semantic resolution and static type checking on
// parsed documents: import flattening with cycle detection, flow and sync
// point reference binding, and expression type inference against the
// declared context.
package analyzer

import (
	"fmt"
	"strings"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/diagnostics"
)

// Loader resolves an import path to a parsed document.
type Loader interface {
	Load(path string) (*ast.Document, error)
}

// Resolver flattens imports and binds references. Resolve returns a new
// document whose flow set includes every imported flow under its qualified
// "alias.name", ready for compilation.
type Resolver struct {
	Loader Loader

	diags    []*diagnostics.Diagnostic
	visiting []string // import path stack for cycle reporting
}

func (r *Resolver) errorf(file string, pos ast.Pos, code, format string, args ...any) {
	r.diags = append(r.diags, diagnostics.NewErrorAt(code, file, pos.Line, pos.Column, fmt.Sprintf(format, args...)))
}

func (r *Resolver) warnf(file string, pos ast.Pos, code, format string, args ...any) {
	r.diags = append(r.diags, diagnostics.NewWarningAt(code, file, pos.Line, pos.Column, fmt.Sprintf(format, args...)))
}

// Resolve flattens doc's imports and checks references. The input document
// is not modified.
func (r *Resolver) Resolve(doc *ast.Document) (*ast.Document, []*diagnostics.Diagnostic) {
	r.diags = nil
	r.visiting = []string{doc.File}

	out := *doc
	out.Flows = append([]*ast.Flow(nil), doc.Flows...)

	emits := map[string]bool{}
	collectEmits(doc.Flows, doc.Channels, "", emits)

	r.flattenImports(doc, &out, emits)
	r.checkDuplicates(&out)
	r.checkReferences(&out, emits)
	r.checkReachability(&out)
	return &out, r.diags
}

func (r *Resolver) flattenImports(doc *ast.Document, out *ast.Document, emits map[string]bool) {
	for _, imp := range doc.Imports {
		if imp.Document == "" {
			continue // type-only import, nothing to flatten
		}
		if i := indexOf(r.visiting, imp.Document); i >= 0 {
			cycle := append(r.visiting[i:], imp.Document)
			r.errorf(doc.File, imp.Pos, "S001", "circular import: %s", strings.Join(cycle, " -> "))
			continue
		}
		if r.Loader == nil {
			r.errorf(doc.File, imp.Pos, "S002", "no loader configured for import %q", imp.Document)
			continue
		}
		sub, err := r.Loader.Load(imp.Document)
		if err != nil {
			r.errorf(doc.File, imp.Pos, "S002", "%v", err)
			continue
		}

		r.visiting = append(r.visiting, imp.Document)
		// imported documents may import further documents themselves
		subOut := *sub
		subOut.Flows = append([]*ast.Flow(nil), sub.Flows...)
		subEmits := map[string]bool{}
		collectEmits(sub.Flows, sub.Channels, "", subEmits)
		r.flattenImports(sub, &subOut, subEmits)
		r.visiting = r.visiting[:len(r.visiting)-1]

		for _, f := range subOut.Flows {
			qf := qualifyFlow(f, imp.Alias, flowNames(subOut.Flows))
			out.Flows = append(out.Flows, qf)
		}
		// imported channels do not run; their emits still satisfy waits
		collectEmits(subOut.Flows, subOut.Channels, "", emits)
	}
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func flowNames(flows []*ast.Flow) map[string]bool {
	names := make(map[string]bool, len(flows))
	for _, f := range flows {
		names[f.Name] = true
	}
	return names
}

// qualifyFlow copies a flow under its import-qualified name, rewriting
// bare call/goto targets that refer to sibling flows of the same document.
func qualifyFlow(f *ast.Flow, alias string, siblings map[string]bool) *ast.Flow {
	out := *f
	out.Name = alias + "." + f.Name
	out.Actions = qualifyActions(f.Actions, alias, siblings)
	return &out
}

func qualifyActions(actions []ast.Action, alias string, siblings map[string]bool) []ast.Action {
	out := make([]ast.Action, len(actions))
	for i, a := range actions {
		out[i] = qualifyAction(a, alias, siblings)
	}
	return out
}

func qualifyAction(a ast.Action, alias string, siblings map[string]bool) ast.Action {
	switch act := a.(type) {
	case *ast.CallAction:
		if siblings[act.Flow] {
			c := *act
			c.Flow = alias + "." + act.Flow
			return &c
		}
	case *ast.GotoAction:
		if siblings[act.Flow] {
			c := *act
			c.Flow = alias + "." + act.Flow
			return &c
		}
	case *ast.CondAction:
		c := *act
		c.Branches = make([]*ast.CondBranch, len(act.Branches))
		for i, br := range act.Branches {
			nb := *br
			nb.Do = qualifyActions(br.Do, alias, siblings)
			c.Branches[i] = &nb
		}
		c.Else = qualifyActions(act.Else, alias, siblings)
		return &c
	case *ast.ForEachAction:
		c := *act
		c.Do = qualifyActions(act.Do, alias, siblings)
		return &c
	case *ast.RepeatAction:
		c := *act
		c.Do = qualifyActions(act.Do, alias, siblings)
		return &c
	case *ast.WaitForAction:
		c := *act
		c.OnTimeout = qualifyActions(act.OnTimeout, alias, siblings)
		return &c
	case *ast.ContinuationPointAction:
		c := *act
		c.Default = qualifyActions(act.Default, alias, siblings)
		return &c
	case *ast.DomainAction:
		c := *act
		c.OnError = qualifyActions(act.OnError, alias, siblings)
		return &c
	}
	return a
}

func collectEmits(flows []*ast.Flow, channels []*ast.Channel, prefix string, into map[string]bool) {
	var walk func(actions []ast.Action)
	walk = func(actions []ast.Action) {
		for _, a := range actions {
			switch act := a.(type) {
			case *ast.EmitAction:
				into[prefix+act.Point] = true
			case *ast.CondAction:
				for _, br := range act.Branches {
					walk(br.Do)
				}
				walk(act.Else)
			case *ast.ForEachAction:
				walk(act.Do)
			case *ast.RepeatAction:
				walk(act.Do)
			case *ast.WaitForAction:
				walk(act.OnTimeout)
			case *ast.ContinuationPointAction:
				walk(act.Default)
			case *ast.DomainAction:
				walk(act.OnError)
			}
		}
	}
	for _, f := range flows {
		walk(f.Actions)
	}
	for _, c := range channels {
		walk(c.Actions)
	}
}

func (r *Resolver) checkDuplicates(doc *ast.Document) {
	flows := map[string]bool{}
	for _, f := range doc.Flows {
		if flows[f.Name] {
			r.errorf(doc.File, f.Pos, "S004", "duplicate flow %q", f.Name)
		}
		flows[f.Name] = true
	}
	channels := map[string]bool{}
	for _, c := range doc.Channels {
		if channels[c.Name] {
			r.errorf(doc.File, c.Pos, "S004", "duplicate channel %q", c.Name)
		}
		channels[c.Name] = true
	}
	conts := map[string]bool{}
	walkActions(doc, func(a ast.Action) {
		if cp, ok := a.(*ast.ContinuationPointAction); ok {
			if conts[cp.Name] {
				r.errorf(doc.File, cp.Pos, "S004", "duplicate continuation point %q", cp.Name)
			}
			conts[cp.Name] = true
		}
	})
}

// checkReferences validates call/goto targets and emit/wait pairing. A wait
// whose points nothing emits can never resolve: without a timeout that is an
// error, with one it still deserves a warning.
func (r *Resolver) checkReferences(doc *ast.Document, emits map[string]bool) {
	flows := flowNames(doc.Flows)
	walkActions(doc, func(a ast.Action) {
		switch act := a.(type) {
		case *ast.CallAction:
			if !flows[act.Flow] {
				r.errorf(doc.File, act.Pos, "S002", "call references unknown flow %q", act.Flow)
			}
		case *ast.GotoAction:
			if !flows[act.Flow] {
				r.errorf(doc.File, act.Pos, "S002", "goto references unknown flow %q", act.Flow)
			}
		case *ast.WaitForAction:
			for _, p := range act.Points {
				if strings.HasPrefix(p, "@") {
					if !validExternalRef(p) {
						r.errorf(doc.File, act.Pos, "S003", "external wait %q must use the @channel.point form", p)
					}
					continue
				}
				if emits[p] {
					continue
				}
				if act.HasTimeout {
					r.warnf(doc.File, act.Pos, "S003", "nothing emits sync point %q; only the timeout can release this wait", p)
				} else {
					r.errorf(doc.File, act.Pos, "S003", "wait_for %q has no emitter and no timeout", p)
				}
			}
		}
	})
}

// validExternalRef reports whether p names a sync point owned by another
// running document, in the @channel.point form.
func validExternalRef(p string) bool {
	channel, point, ok := strings.Cut(strings.TrimPrefix(p, "@"), ".")
	return ok && channel != "" && point != ""
}

// checkReachability warns about flows no call, goto or import ever reaches.
func (r *Resolver) checkReachability(doc *ast.Document) {
	called := map[string]bool{}
	walkActions(doc, func(a ast.Action) {
		switch act := a.(type) {
		case *ast.CallAction:
			called[act.Flow] = true
		case *ast.GotoAction:
			called[act.Flow] = true
		}
	})
	for _, f := range doc.Flows {
		if !called[f.Name] && !strings.Contains(f.Name, ".") {
			r.warnf(doc.File, f.Pos, "S005", "flow %q is never called", f.Name)
		}
	}
}

// walkActions visits every action in the document, including nested blocks
// and the errors table.
func walkActions(doc *ast.Document, visit func(ast.Action)) {
	var walk func(actions []ast.Action)
	walk = func(actions []ast.Action) {
		for _, a := range actions {
			visit(a)
			switch act := a.(type) {
			case *ast.CondAction:
				for _, br := range act.Branches {
					walk(br.Do)
				}
				walk(act.Else)
			case *ast.ForEachAction:
				walk(act.Do)
			case *ast.RepeatAction:
				walk(act.Do)
			case *ast.WaitForAction:
				walk(act.OnTimeout)
			case *ast.ContinuationPointAction:
				walk(act.Default)
			case *ast.DomainAction:
				walk(act.OnError)
			}
		}
	}
	for _, f := range doc.Flows {
		walk(f.Actions)
	}
	for _, c := range doc.Channels {
		walk(c.Actions)
	}
	for _, h := range doc.Errors {
		walk(h.Actions)
	}
}
