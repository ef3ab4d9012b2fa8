package runtime

import (
	"fmt"

	"github.com/arcadia/abml/internal/vm"
)

// Invocation carries one domain action dispatch to its handler.
type Invocation struct {
	// ID identifies this dispatch for CompleteAction.
	ID uint64
	// Action is the domain action name from the document.
	Action string
	// Channel is the dispatching channel's name.
	Channel string
	// Params holds the evaluated parameters in declaration order.
	Params *vm.Map
	// Await is true for await_completion dispatches; the channel stays
	// suspended until the outcome (or a later CompleteAction) arrives.
	Await bool
}

// Param returns a named parameter, or null.
func (inv Invocation) Param(name string) vm.Value {
	if inv.Params == nil {
		return vm.NullVal()
	}
	v, _ := inv.Params.Get(name)
	return v
}

// Outcome is a handler's verdict on an invocation.
type Outcome struct {
	// Pending defers completion: the caller must later call
	// Execution.CompleteAction with the invocation ID. Only meaningful
	// for await_completion dispatches.
	Pending bool
	// Result is bound to the `result` variable in the dispatching scope.
	Result vm.Value
	// Err marks the action failed; Category selects the error handler
	// ("default" when empty).
	Err      error
	Category string
}

// Handler executes one domain action.
type Handler func(inv Invocation) Outcome

// Registry maps domain action names to caller-supplied handlers.
type Registry struct {
	handlers map[string]Handler
	fallback Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to an action name, replacing any previous one.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// RegisterFallback binds the handler used for action names with no direct
// registration.
func (r *Registry) RegisterFallback(h Handler) {
	r.fallback = h
}

func (r *Registry) resolve(name string) (Handler, error) {
	if r == nil {
		return nil, fmt.Errorf("no handler registry configured")
	}
	if h, ok := r.handlers[name]; ok {
		return h, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no handler registered for action %q", name)
}
