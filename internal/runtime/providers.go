// Package runtime executes compiled behavior models: it owns the channel
// scheduler, the suspension machinery (sync points, continuation points,
// awaited actions) and the bridge to caller-supplied domain handlers and
// variable providers.
package runtime

import (
	"sync"

	"github.com/arcadia/abml/internal/vm"
)

// Provider supplies an external variable scope (entity or world state).
// Implementations must be safe for use from the scheduler goroutine only;
// cross-goroutine providers should synchronize internally.
type Provider interface {
	Get(name string) (vm.Value, bool)
	Set(name string, v vm.Value) bool
}

// MapProvider is a Provider backed by an in-memory map, suitable for tests
// and for worlds the caller mutates between ticks.
type MapProvider struct {
	mu   sync.RWMutex
	vars map[string]vm.Value
}

func NewMapProvider() *MapProvider {
	return &MapProvider{vars: map[string]vm.Value{}}
}

func (p *MapProvider) Get(name string) (vm.Value, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.vars[name]
	return v, ok
}

func (p *MapProvider) Set(name string, v vm.Value) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vars[name] = v
	return true
}

// providerNamespace exposes a Provider as a member-resolvable object, so
// expressions can address it as a value (entity.health, world.time_of_day).
type providerNamespace struct {
	name     string
	provider Provider
}

func (n *providerNamespace) TypeName() string { return "namespace" }
func (n *providerNamespace) Inspect() string  { return "<" + n.name + ">" }

func (n *providerNamespace) Member(name string) (vm.Value, bool) {
	if n.provider == nil {
		return vm.NullVal(), false
	}
	return n.provider.Get(name)
}

var _ vm.Namespace = (*providerNamespace)(nil)
