// Package compiler lowers parsed ABML documents into a compiled behavior
// model: one flat bytecode stream plus the constant pool and the tables the
// executor needs (flows, channels, continuation points, waits, actions,
// error handlers, planner goals). Every table is built in sorted name order
// so compiling the same document always yields the same bytes.
package compiler

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/arcadia/abml/internal/vm"
)

// FormatVersion is the compiled model format revision. Decoders reject
// models with a newer version than they understand.
const FormatVersion = 1

// ConstKind tags a serialized constant pool entry.
type ConstKind uint8

const (
	ConstNull ConstKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstDuration
	ConstString
)

// Constant is a serializable constant pool entry. Only plain scalars are
// pooled; lists and maps are built by instructions at runtime.
type Constant struct {
	Kind ConstKind `cbor:"k"`
	Num  int64     `cbor:"n,omitempty"` // int value, duration nanos, bool 0/1
	Flt  float64   `cbor:"f,omitempty"`
	Str  string    `cbor:"s,omitempty"`
}

// Value materializes the constant as a runtime value.
func (c Constant) Value() vm.Value {
	switch c.Kind {
	case ConstBool:
		return vm.BoolVal(c.Num == 1)
	case ConstInt:
		return vm.IntVal(c.Num)
	case ConstFloat:
		return vm.FloatVal(c.Flt)
	case ConstDuration:
		return vm.DurationVal(time.Duration(c.Num))
	case ConstString:
		return vm.StrVal(c.Str)
	default:
		return vm.NullVal()
	}
}

// LineRun maps a bytecode offset range to a source line, run-length encoded:
// instructions from PC up to the next run's PC carry Line.
type LineRun struct {
	PC   int `cbor:"p"`
	Line int `cbor:"l"`
}

// FlowEntry describes one compiled flow. Preconditions and effects are
// standalone expression regions used by planners, not by normal execution.
type FlowEntry struct {
	Name          string   `cbor:"name"`
	Description   string   `cbor:"desc,omitempty"`
	Params        []string `cbor:"params,omitempty"`
	Entry         int      `cbor:"entry"`
	Cost          float64  `cbor:"cost,omitempty"`
	Preconditions []int    `cbor:"pre,omitempty"`
	Effects       []int    `cbor:"eff,omitempty"`
}

// ChannelEntry describes one compiled channel.
type ChannelEntry struct {
	Name  string `cbor:"name"`
	Entry int    `cbor:"entry"`
}

// ContinuationPoint is a compiled pause location. An execution suspended
// here resumes at ResumeOffset when an extension arrives, or runs the
// default block at DefaultOffset when Timeout elapses first.
type ContinuationPoint struct {
	Name          string        `cbor:"name"`
	Hash          uint64        `cbor:"hash"`
	DefaultOffset int           `cbor:"def"`
	ResumeOffset  int           `cbor:"resume"`
	Timeout       time.Duration `cbor:"timeout"`
}

// WaitSpec describes one wait_for site. A satisfied wait resumes right
// after the OP_WAIT instruction; an expired one resumes at TimeoutOffset.
type WaitSpec struct {
	Points        []string      `cbor:"points"`
	AnyOf         bool          `cbor:"any,omitempty"`
	Timeout       time.Duration `cbor:"timeout,omitempty"`
	HasTimeout    bool          `cbor:"hastimeout,omitempty"`
	TimeoutOffset int           `cbor:"toff"`
}

// ActionSpec describes one domain action site. OnErrorOffset is -1 when
// the site declares no on_error block.
type ActionSpec struct {
	Name          string `cbor:"name"`
	Mode          string `cbor:"mode"`
	OnErrorOffset int    `cbor:"onerr"`
}

// ErrorEntry is one compiled handler of the document-level errors table.
// The handler region ends with OP_RETURN.
type ErrorEntry struct {
	Category string `cbor:"cat"`
	Entry    int    `cbor:"entry"`
}

// GoalEntry carries planner metadata. The engine never evaluates goals; it
// exposes the compiled precondition and effect regions to external planners.
type GoalEntry struct {
	Name          string  `cbor:"name"`
	Priority      float64 `cbor:"prio,omitempty"`
	Cost          float64 `cbor:"cost,omitempty"`
	Preconditions []int   `cbor:"pre,omitempty"`
	Effects       []int   `cbor:"eff,omitempty"`
}

// ContextVar records a context declaration for the runtime scope chain.
type ContextVar struct {
	Name       string `cbor:"name"`
	Type       string `cbor:"type"`
	Scope      string `cbor:"scope"`
	HasDefault bool   `cbor:"hasdef,omitempty"`
}

// Model is the complete compiled form of one ABML document. It is what the
// artifact container serializes and what the runtime loads.
type Model struct {
	FormatVersion uint16 `cbor:"fmt"`
	Name          string `cbor:"name"`
	DocVersion    string `cbor:"docver"`
	Description   string `cbor:"desc,omitempty"`
	Deterministic bool   `cbor:"det,omitempty"`

	Constants []Constant `cbor:"consts"`
	Code      []byte     `cbor:"code"`
	Lines     []LineRun  `cbor:"lines,omitempty"`

	// InitOffset is the region that assigns context defaults; -1 when the
	// document declares none.
	InitOffset int          `cbor:"init"`
	Context    []ContextVar `cbor:"ctx,omitempty"`

	Flows              []FlowEntry         `cbor:"flows,omitempty"`
	Channels           []ChannelEntry      `cbor:"channels,omitempty"`
	ContinuationPoints []ContinuationPoint `cbor:"conts,omitempty"`
	Waits              []WaitSpec          `cbor:"waits,omitempty"`
	Actions            []ActionSpec        `cbor:"actions,omitempty"`
	Errors             []ErrorEntry        `cbor:"errors,omitempty"`
	Goals              []GoalEntry         `cbor:"goals,omitempty"`
}

// MaterializeConstants converts the serialized constant pool into runtime
// values. Done once at load; the result is shared read-only by all channels.
func (m *Model) MaterializeConstants() []vm.Value {
	out := make([]vm.Value, len(m.Constants))
	for i, c := range m.Constants {
		out[i] = c.Value()
	}
	return out
}

// FlowIndex returns the table index of the named flow, or -1.
func (m *Model) FlowIndex(name string) int {
	for i := range m.Flows {
		if m.Flows[i].Name == name {
			return i
		}
	}
	return -1
}

// ChannelIndex returns the table index of the named channel, or -1.
func (m *Model) ChannelIndex(name string) int {
	for i := range m.Channels {
		if m.Channels[i].Name == name {
			return i
		}
	}
	return -1
}

// ContinuationIndex returns the table index of the named continuation
// point, or -1.
func (m *Model) ContinuationIndex(name string) int {
	for i := range m.ContinuationPoints {
		if m.ContinuationPoints[i].Name == name {
			return i
		}
	}
	return -1
}

// ErrorHandler returns the errors-table entry for category, falling back
// to the "default" category; ok is false when neither exists.
func (m *Model) ErrorHandler(category string) (ErrorEntry, bool) {
	var def ErrorEntry
	hasDefault := false
	for _, e := range m.Errors {
		if e.Category == category {
			return e, true
		}
		if e.Category == "default" {
			def, hasDefault = e, true
		}
	}
	return def, hasDefault
}

// LineAt resolves a bytecode offset to its source line (0 when unknown).
func (m *Model) LineAt(pc int) int {
	line := 0
	for _, r := range m.Lines {
		if r.PC > pc {
			break
		}
		line = r.Line
	}
	return line
}

// Validate performs structural checks on a decoded model before execution.
func (m *Model) Validate() error {
	if m.FormatVersion > FormatVersion {
		return fmt.Errorf("model format version %d is newer than supported %d", m.FormatVersion, FormatVersion)
	}
	if len(m.Channels) == 0 {
		return fmt.Errorf("model %q has no channels", m.Name)
	}
	for _, ch := range m.Channels {
		if ch.Entry < 0 || ch.Entry >= len(m.Code) {
			return fmt.Errorf("channel %q entry %d out of range", ch.Name, ch.Entry)
		}
	}
	for _, f := range m.Flows {
		if f.Entry < 0 || f.Entry >= len(m.Code) {
			return fmt.Errorf("flow %q entry %d out of range", f.Name, f.Entry)
		}
	}
	if !sort.SliceIsSorted(m.Flows, func(i, j int) bool { return m.Flows[i].Name < m.Flows[j].Name }) {
		return fmt.Errorf("flow table is not sorted")
	}
	if !sort.SliceIsSorted(m.Channels, func(i, j int) bool { return m.Channels[i].Name < m.Channels[j].Name }) {
		return fmt.Errorf("channel table is not sorted")
	}
	return nil
}

// HashName is the stable identifier hash used for continuation points
// (FNV-1a 64) so resumable state survives recompilation of unrelated parts.
func HashName(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}
