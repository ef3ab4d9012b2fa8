package runtime

import (
	"github.com/arcadia/abml/internal/compiler"
	"github.com/arcadia/abml/internal/vm"
)

// Extension is injectable behavior for a continuation point: either an
// imperative handler or a separately compiled action fragment. Exactly one
// of the two fields must be set.
type Extension struct {
	Handler  func(ctx *ExtensionContext) error
	Fragment *compiler.Fragment
}

func (e Extension) valid() bool {
	return (e.Handler != nil) != (e.Fragment != nil)
}

// ExtensionContext gives an imperative extension handler scoped access to
// the suspended channel's variables.
type ExtensionContext struct {
	Point   string
	Channel string

	env vm.Env
}

// Get reads a variable through the channel's scope chain.
func (c *ExtensionContext) Get(name string) vm.Value { return c.env.Get(name) }

// Set writes a variable through the channel's scope chain.
func (c *ExtensionContext) Set(name string, v vm.Value) { c.env.Set(name, v) }

// applyExtension runs ext against a channel positioned at cp, leaving the
// channel running at the resume offset (the default block is skipped).
func (ex *Execution) applyExtension(ch *Channel, cp compiler.ContinuationPoint, ext Extension) {
	fr := ch.top()
	switch {
	case ext.Handler != nil:
		ctx := &ExtensionContext{Point: cp.Name, Channel: ch.name, env: scope{ex: ex, ch: ch}}
		if err := ext.Handler(ctx); err != nil {
			ex.routeError(ch, fr, -1, "extension_failed", err)
			return
		}
		fr.pc = cp.ResumeOffset
	case ext.Fragment != nil:
		fr.pc = cp.ResumeOffset
		nf := newFrame(0)
		nf.fragCode = ext.Fragment.Code
		nf.fragConsts = ext.Fragment.MaterializeConstants()
		nf.fragActions = ext.Fragment.Actions
		ch.push(nf)
	}
	ch.status = StatusRunning
}
