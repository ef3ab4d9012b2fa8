package runtime

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/compiler"
	"github.com/arcadia/abml/internal/vm"
)

// Config carries the caller-supplied collaborators of one execution.
type Config struct {
	// Entity and World supply the externally owned variable scopes; nil
	// scopes read as null and swallow writes into document scope.
	Entity Provider
	World  Provider
	// Registry dispatches domain actions. Executions without one abort
	// channels on the first domain action.
	Registry *Registry
	// Logger defaults to the "abml.runtime" logger.
	Logger commonlog.Logger
}

// Execution is one running instance of a compiled behavior model. It is
// driven by Tick from a single goroutine; CompleteAction, InjectExtension
// and Abort may be called from any goroutine and take effect at the start
// of the next tick.
type Execution struct {
	id     uuid.UUID
	model  *compiler.Model
	consts []vm.Value
	log    commonlog.Logger

	entity   Provider
	world    Provider
	registry *Registry

	declScopes map[string]ast.ScopeKind
	docVars    map[string]vm.Value

	channels   []*Channel
	latched    map[string]bool
	externals  map[string]bool
	extensions map[string]Extension

	pending map[uint64]*Channel
	seq     uint64
	now     time.Time
	started bool

	mu  sync.Mutex
	ops []func()
}

// Summary reports channel states after a tick.
type Summary struct {
	Running   int
	Waiting   int
	Completed int
	Aborted   int
}

// New prepares an execution of model. The model is shared read-only; every
// execution gets its own variables, channels and sync point state.
func New(model *compiler.Model, cfg Config) (*Execution, error) {
	if err := model.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = commonlog.GetLogger("abml.runtime")
	}
	ex := &Execution{
		id:         uuid.New(),
		model:      model,
		consts:     model.MaterializeConstants(),
		log:        log,
		entity:     cfg.Entity,
		world:      cfg.World,
		registry:   cfg.Registry,
		declScopes: map[string]ast.ScopeKind{},
		docVars:    map[string]vm.Value{},
		latched:    map[string]bool{},
		externals:  map[string]bool{},
		extensions: map[string]Extension{},
		pending:    map[uint64]*Channel{},
	}
	for _, cv := range model.Context {
		ex.declScopes[cv.Name] = ast.ScopeKind(cv.Scope)
	}
	// model channels are already in sorted name order; keeping that order
	// for scheduling makes interleaving deterministic
	for _, ce := range model.Channels {
		ex.channels = append(ex.channels, &Channel{name: ce.Name, entry: ce.Entry})
	}
	return ex, nil
}

func (ex *Execution) ID() uuid.UUID { return ex.id }

// Channels returns the execution's channels in scheduling order.
func (ex *Execution) Channels() []*Channel { return ex.channels }

// Channel returns the named channel, or nil.
func (ex *Execution) Channel(name string) *Channel {
	for _, ch := range ex.channels {
		if ch.name == name {
			return ch
		}
	}
	return nil
}

// Latched reports whether the named sync point has been reported during
// this execution. Sync points latch: once reported they stay reported.
func (ex *Execution) Latched(point string) bool { return ex.latched[point] }

// Done reports whether every channel has reached a terminal state.
func (ex *Execution) Done() bool {
	for _, ch := range ex.channels {
		if !ch.status.Terminal() {
			return false
		}
	}
	return true
}

// RegisterExtension pre-binds an extension to a continuation point: any
// channel reaching the point takes the extension instead of suspending.
func (ex *Execution) RegisterExtension(point string, ext Extension) error {
	if !ext.valid() {
		return fmt.Errorf("extension must set exactly one of Handler and Fragment")
	}
	if ex.model.ContinuationIndex(point) < 0 {
		return fmt.Errorf("model has no continuation point %q", point)
	}
	ex.extensions[point] = ext
	return nil
}

// InjectExtension delivers an extension to a channel currently suspended at
// the named continuation point. The delivery happens at the start of the
// next tick; if no channel is waiting there by then it is dropped with a
// warning.
func (ex *Execution) InjectExtension(point string, ext Extension) error {
	if !ext.valid() {
		return fmt.Errorf("extension must set exactly one of Handler and Fragment")
	}
	if ex.model.ContinuationIndex(point) < 0 {
		return fmt.Errorf("model has no continuation point %q", point)
	}
	ex.enqueue(func() { ex.deliverExtension(point, ext) })
	return nil
}

// BindExternal declares that the named channel of another execution is
// started and bridged by the host. Waits on its @channel.point references
// stay pending instead of failing fast.
func (ex *Execution) BindExternal(channel string) {
	ex.enqueue(func() { ex.externals[channel] = true })
}

// Emit latches a sync point from outside the execution, at the start of
// the next tick. Hosts use it to bridge @channel.point references between
// executions; emitting an external point also binds its channel.
func (ex *Execution) Emit(point string) {
	ex.enqueue(func() {
		if channel, _, ok := splitExternal(point); ok {
			ex.externals[channel] = true
		}
		ex.latched[point] = true
	})
}

// CompleteAction finishes a pending await_completion invocation.
func (ex *Execution) CompleteAction(id uint64, out Outcome) {
	ex.enqueue(func() { ex.completePending(id, out) })
}

// Abort terminates every channel at the start of the next tick.
func (ex *Execution) Abort(reason string) {
	ex.enqueue(func() {
		for _, ch := range ex.channels {
			if !ch.status.Terminal() {
				ch.abort(reason)
			}
		}
	})
}

func (ex *Execution) enqueue(op func()) {
	ex.mu.Lock()
	ex.ops = append(ex.ops, op)
	ex.mu.Unlock()
}

func (ex *Execution) drain() {
	ex.mu.Lock()
	ops := ex.ops
	ex.ops = nil
	ex.mu.Unlock()
	for _, op := range ops {
		op()
	}
}

// Start assigns context defaults and readies every channel. It must be
// called once, before the first tick.
func (ex *Execution) Start(now time.Time) error {
	if ex.started {
		return fmt.Errorf("execution %s already started", ex.id)
	}
	ex.started = true
	ex.now = now
	if ex.model.InitOffset >= 0 {
		var m vm.Machine
		m.Now = now
		if _, err := m.Run(ex.model.Code, ex.consts, ex.model.InitOffset, docScope{ex: ex}); err != nil {
			return fmt.Errorf("context defaults: %w", err)
		}
	}
	for _, ch := range ex.channels {
		ch.frames = []*frame{newFrame(ch.entry)}
		ch.status = StatusRunning
	}
	ex.log.Infof("execution %s of %q started with %d channels", ex.id, ex.model.Name, len(ex.channels))
	return nil
}

// Tick advances the execution at the injected clock time: external
// operations are drained, expired deadlines fire, and every runnable
// channel runs until it suspends or finishes. The inner loop repeats until
// no channel can make further progress, so a causal chain of emits and
// waits resolves within a single tick.
func (ex *Execution) Tick(now time.Time) Summary {
	ex.now = now
	for _, ch := range ex.channels {
		ch.machine.Now = now
	}

	ex.drain()
	ex.expireDeadlines()

	for {
		progressed := false
		for _, ch := range ex.channels {
			if ch.status == StatusWaitingForSyncPoint && ex.waitSatisfied(ex.model.Waits[ch.waitIdx]) {
				ch.status = StatusRunning
			}
			if ch.status == StatusRunning {
				ex.runChannel(ch)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	ex.detectStalledWaits()
	return ex.summary()
}

func (ex *Execution) summary() Summary {
	var s Summary
	for _, ch := range ex.channels {
		switch ch.status {
		case StatusRunning, StatusIdle:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusAborted:
			s.Aborted++
		default:
			s.Waiting++
		}
	}
	return s
}

func (ex *Execution) expireDeadlines() {
	for _, ch := range ex.channels {
		switch ch.status {
		case StatusWaitingForSyncPoint:
			if ch.hasDeadline && !ex.now.Before(ch.waitDeadline) {
				spec := ex.model.Waits[ch.waitIdx]
				ex.log.Debugf("channel %s: wait for %v timed out", ch.name, spec.Points)
				ch.top().pc = spec.TimeoutOffset
				ch.status = StatusRunning
			}
		case StatusWaitingForExtension:
			if !ex.now.Before(ch.contDeadline) {
				cp := ex.model.ContinuationPoints[ch.contIdx]
				ex.log.Debugf("channel %s: continuation point %q timed out, running default", ch.name, cp.Name)
				ch.top().pc = cp.DefaultOffset
				ch.status = StatusRunning
			}
		}
	}
}

func (ex *Execution) waitSatisfied(spec compiler.WaitSpec) bool {
	if spec.AnyOf {
		for _, p := range spec.Points {
			if ex.latched[p] {
				return true
			}
		}
		return false
	}
	for _, p := range spec.Points {
		if !ex.latched[p] {
			return false
		}
	}
	return true
}

// splitExternal decomposes an @channel.point reference to a sync point
// owned by another execution.
func splitExternal(point string) (channel, name string, ok bool) {
	if !strings.HasPrefix(point, "@") {
		return "", "", false
	}
	channel, name, ok = strings.Cut(point[1:], ".")
	if channel == "" || name == "" {
		return "", "", false
	}
	return channel, name, true
}

// unreachableExternal reports an external channel reference that the host
// never bound, which makes a timeoutless wait on it unsatisfiable. An
// any_of wait is only doomed when every one of its points is unreachable.
func (ex *Execution) unreachableExternal(spec compiler.WaitSpec) (string, bool) {
	if spec.AnyOf {
		first := ""
		for _, p := range spec.Points {
			channel, _, ext := splitExternal(p)
			if !ext || ex.externals[channel] || ex.latched[p] {
				return "", false
			}
			if first == "" {
				first = channel
			}
		}
		return first, first != ""
	}
	for _, p := range spec.Points {
		if channel, _, ext := splitExternal(p); ext && !ex.externals[channel] && !ex.latched[p] {
			return channel, true
		}
	}
	return "", false
}

// hostSatisfiable reports whether an emit from the host on a bound
// external channel could still release the wait.
func (ex *Execution) hostSatisfiable(spec compiler.WaitSpec) bool {
	for _, p := range spec.Points {
		if channel, _, ext := splitExternal(p); ext && ex.externals[channel] && !ex.latched[p] {
			return true
		}
	}
	return false
}

// detectStalledWaits aborts the execution when every live channel is
// blocked on a sync point with no timeout: nothing internal can ever latch
// another point, so the waits are unsatisfiable.
func (ex *Execution) detectStalledWaits() {
	stalled := 0
	live := 0
	for _, ch := range ex.channels {
		if ch.status.Terminal() {
			continue
		}
		live++
		if ch.status == StatusWaitingForSyncPoint && !ch.hasDeadline &&
			!ex.hostSatisfiable(ex.model.Waits[ch.waitIdx]) {
			stalled++
		}
	}
	if live == 0 || stalled != live {
		return
	}
	for _, ch := range ex.channels {
		if ch.status == StatusWaitingForSyncPoint {
			spec := ex.model.Waits[ch.waitIdx]
			msg := fmt.Sprintf("wait for %v can never be satisfied", spec.Points)
			ex.log.Errorf("channel %s: %s", ch.name, msg)
			ch.abort(msg)
		}
	}
}

func (ex *Execution) deliverExtension(point string, ext Extension) {
	idx := ex.model.ContinuationIndex(point)
	for _, ch := range ex.channels {
		if ch.status == StatusWaitingForExtension && ch.contIdx == idx {
			ex.applyExtension(ch, ex.model.ContinuationPoints[idx], ext)
			return
		}
	}
	ex.log.Warningf("extension for %q dropped: no channel is waiting there", point)
}

func (ex *Execution) completePending(id uint64, out Outcome) {
	ch, ok := ex.pending[id]
	if !ok || ch.status != StatusWaitingForAction || ch.pendingID != id {
		ex.log.Warningf("completion for unknown invocation %d dropped", id)
		return
	}
	delete(ex.pending, id)
	ch.status = StatusRunning
	ex.finishAction(ch, ch.top(), ch.pendingSpec, out)
}
