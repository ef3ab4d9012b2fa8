package runtime

import (
	"time"

	"github.com/arcadia/abml/internal/compiler"
	"github.com/arcadia/abml/internal/vm"
)

// Status is a channel's scheduling state.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusWaitingForSyncPoint
	StatusWaitingForExtension
	StatusWaitingForAction
	StatusCompleted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusWaitingForSyncPoint:
		return "waiting_for_sync_point"
	case StatusWaitingForExtension:
		return "waiting_for_extension"
	case StatusWaitingForAction:
		return "waiting_for_action"
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the channel can make no further progress.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// frame is one entry of a channel's call stack: the channel body, a called
// flow, an error handler, or an injected extension fragment. A fragment
// frame overrides the code region; every other frame runs model code.
type frame struct {
	pc     int
	locals map[string]vm.Value

	// non-nil only for extension fragment frames
	fragCode    []byte
	fragConsts  []vm.Value
	fragActions []compiler.ActionSpec
}

func newFrame(pc int) *frame {
	return &frame{pc: pc, locals: map[string]vm.Value{}}
}

// Channel is one logically-parallel strand of an execution.
type Channel struct {
	name   string
	entry  int
	status Status

	frames  []*frame
	machine vm.Machine

	// suspension state, meaningful per status
	waitIdx      int
	waitDeadline time.Time
	hasDeadline  bool
	contIdx      int
	contDeadline time.Time
	pendingID    uint64
	pendingSpec  compiler.ActionSpec

	fault string
}

func (ch *Channel) Name() string   { return ch.name }
func (ch *Channel) Status() Status { return ch.status }

// Fault returns the abort reason, empty unless the channel aborted.
func (ch *Channel) Fault() string { return ch.fault }

func (ch *Channel) top() *frame {
	return ch.frames[len(ch.frames)-1]
}

func (ch *Channel) push(f *frame) {
	ch.frames = append(ch.frames, f)
}

// pop drops the top frame; returns false when the channel stack is empty
// afterwards (the channel body returned).
func (ch *Channel) pop() bool {
	ch.frames[len(ch.frames)-1] = nil
	ch.frames = ch.frames[:len(ch.frames)-1]
	return len(ch.frames) > 0
}

func (ch *Channel) complete() {
	ch.frames = nil
	ch.machine.Reset()
	ch.status = StatusCompleted
}

func (ch *Channel) abort(reason string) {
	ch.frames = nil
	ch.machine.Reset()
	ch.fault = reason
	ch.status = StatusAborted
}
