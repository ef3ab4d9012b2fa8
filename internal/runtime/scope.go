package runtime

import (
	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/vm"
)

// scope implements vm.Env for one channel, resolving names through the
// scope chain: frame locals, then document variables, then the entity and
// world providers. Unbound names read as null.
//
// Writes route by declared scope; names without a context declaration are
// channel-local and live in the current frame.
type scope struct {
	ex *Execution
	ch *Channel
}

func (s scope) Get(name string) vm.Value {
	if fr := s.ch.top(); fr != nil {
		if v, ok := fr.locals[name]; ok {
			return v
		}
	}
	switch name {
	case "entity":
		return vm.ObjVal(&providerNamespace{name: "entity", provider: s.ex.entity})
	case "world":
		return vm.ObjVal(&providerNamespace{name: "world", provider: s.ex.world})
	case "channel":
		return vm.StrVal(s.ch.name)
	case "execution_id":
		return vm.StrVal(s.ex.id.String())
	}
	if v, ok := s.ex.docVars[name]; ok {
		return v
	}
	switch s.ex.declScopes[name] {
	case ast.ScopeEntity:
		if s.ex.entity != nil {
			if v, ok := s.ex.entity.Get(name); ok {
				return v
			}
		}
	case ast.ScopeWorld:
		if s.ex.world != nil {
			if v, ok := s.ex.world.Get(name); ok {
				return v
			}
		}
	}
	return vm.NullVal()
}

func (s scope) Set(name string, v vm.Value) {
	switch s.ex.declScopes[name] {
	case ast.ScopeDocument:
		s.ex.docVars[name] = v
		return
	case ast.ScopeEntity:
		if s.ex.entity != nil && s.ex.entity.Set(name, v) {
			return
		}
		s.ex.docVars[name] = v
		return
	case ast.ScopeWorld:
		if s.ex.world != nil && s.ex.world.Set(name, v) {
			return
		}
		s.ex.docVars[name] = v
		return
	}
	if fr := s.ch.top(); fr != nil {
		fr.locals[name] = v
		return
	}
	s.ex.docVars[name] = v
}

// docScope implements vm.Env for the context-default init region, which
// runs before any channel exists. All writes land in document scope unless
// a provider claims them.
type docScope struct {
	ex *Execution
}

func (s docScope) Get(name string) vm.Value {
	if v, ok := s.ex.docVars[name]; ok {
		return v
	}
	switch name {
	case "entity":
		return vm.ObjVal(&providerNamespace{name: "entity", provider: s.ex.entity})
	case "world":
		return vm.ObjVal(&providerNamespace{name: "world", provider: s.ex.world})
	}
	return vm.NullVal()
}

func (s docScope) Set(name string, v vm.Value) {
	switch s.ex.declScopes[name] {
	case ast.ScopeEntity:
		if s.ex.entity != nil && s.ex.entity.Set(name, v) {
			return
		}
	case ast.ScopeWorld:
		if s.ex.world != nil && s.ex.world.Set(name, v) {
			return
		}
	}
	s.ex.docVars[name] = v
}
