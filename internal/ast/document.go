// Package ast defines the abstract syntax trees produced by the document
// parser and the expression parser. Nodes preserve source order and
// line/column provenance for error reporting.
package ast

import (
	"time"

	"github.com/arcadia/abml/internal/typesystem"
)

// Pos is a source location within a document.
type Pos struct {
	Line   int
	Column int
}

// Node is the base interface for all AST nodes.
type Node interface {
	GetPos() Pos
}

// Document is the root node of every parsed ABML document.
type Document struct {
	File     string
	Version  string
	Metadata Metadata
	Imports  []*Import
	Context  []*VarDecl
	Errors   []*ErrorHandler
	Goals    []*Goal
	Flows    []*Flow
	Channels []*Channel
}

func (d *Document) GetPos() Pos { return Pos{Line: 1, Column: 1} }

// Flow returns the flow with the given name, or nil.
func (d *Document) Flow(name string) *Flow {
	for _, f := range d.Flows {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Channel returns the channel with the given name, or nil.
func (d *Document) Channel(name string) *Channel {
	for _, c := range d.Channels {
		if c.Name == name {
			return c
		}
	}
	return nil
}

type Metadata struct {
	Name          string
	Description   string
	Deterministic bool
}

// Import brings another document's flows and channels into scope under an
// alias, or pulls in a shared type schema.
type Import struct {
	Pos      Pos
	Document string // path of the imported document ("" for type imports)
	Alias    string
	Types    string // path of an imported type schema ("" for document imports)
}

func (i *Import) GetPos() Pos { return i.Pos }

// ScopeKind names the variable scope a context declaration lives in.
type ScopeKind string

const (
	ScopeLocal    ScopeKind = "local"
	ScopeDocument ScopeKind = "document"
	ScopeEntity   ScopeKind = "entity"
	ScopeWorld    ScopeKind = "world"
)

// VarDecl is a single declaration from the document's context block.
type VarDecl struct {
	Pos     Pos
	Name    string
	Type    typesystem.Type
	Default Expr // optional
	Scope   ScopeKind
}

func (v *VarDecl) GetPos() Pos { return v.Pos }

// ErrorHandler is one entry of the document-level errors table: a named
// error category and the actions that handle it.
type ErrorHandler struct {
	Pos      Pos
	Category string
	Actions  []Action
}

func (e *ErrorHandler) GetPos() Pos { return e.Pos }

// Goal carries planner metadata. The engine never plans; it only exposes
// this block to an external planner.
type Goal struct {
	Pos           Pos
	Name          string
	Priority      float64
	Cost          float64
	Preconditions []Expr
	Effects       []*Assignment
}

func (g *Goal) GetPos() Pos { return g.Pos }

// Flow is a named, callable sequence of actions.
type Flow struct {
	Pos           Pos
	Name          string
	Description   string
	Params        []string
	Preconditions []Expr
	Effects       []*Assignment
	Cost          float64
	Actions       []Action
}

func (f *Flow) GetPos() Pos { return f.Pos }

// Channel is a named logically-parallel sequence of actions started when the
// execution starts.
type Channel struct {
	Pos     Pos
	Name    string
	Actions []Action
}

func (c *Channel) GetPos() Pos { return c.Pos }

// Assignment is an ordered name/value pair (set actions, call args, effects).
type Assignment struct {
	Pos   Pos
	Name  string
	Value Expr
}

func (a *Assignment) GetPos() Pos { return a.Pos }

// Action is a single step within a flow or channel.
type Action interface {
	Node
	actionNode()
}

// CondBranch is one `when/do` arm of a cond action.
type CondBranch struct {
	Pos  Pos
	When Expr
	Do   []Action
}

// CondAction is a multi-way conditional branch.
type CondAction struct {
	Pos      Pos
	Branches []*CondBranch
	Else     []Action
}

func (a *CondAction) GetPos() Pos { return a.Pos }
func (a *CondAction) actionNode() {}

// ForEachAction iterates over a collection. Iteration is always bounded:
// Max caps the number of iterations (0 means the engine default cap).
type ForEachAction struct {
	Pos Pos
	In  Expr
	As  string
	Max int
	Do  []Action
}

func (a *ForEachAction) GetPos() Pos { return a.Pos }
func (a *ForEachAction) actionNode() {}

// RepeatAction executes its body a bounded number of times.
type RepeatAction struct {
	Pos   Pos
	Times Expr
	Do    []Action
}

func (a *RepeatAction) GetPos() Pos { return a.Pos }
func (a *RepeatAction) actionNode() {}

// SetAction assigns one or more scoped variables, in source order.
type SetAction struct {
	Pos         Pos
	Assignments []*Assignment
}

func (a *SetAction) GetPos() Pos { return a.Pos }
func (a *SetAction) actionNode() {}

// CallAction invokes a flow and returns to the caller on flow return.
type CallAction struct {
	Pos  Pos
	Flow string
	Args []*Assignment
}

func (a *CallAction) GetPos() Pos { return a.Pos }
func (a *CallAction) actionNode() {}

// GotoAction transfers control to a flow without pushing a return frame.
type GotoAction struct {
	Pos  Pos
	Flow string
}

func (a *GotoAction) GetPos() Pos { return a.Pos }
func (a *GotoAction) actionNode() {}

// ReturnAction returns from the current flow invocation.
type ReturnAction struct {
	Pos Pos
}

func (a *ReturnAction) GetPos() Pos { return a.Pos }
func (a *ReturnAction) actionNode() {}

// HaltAction completes the whole channel immediately.
type HaltAction struct {
	Pos Pos
}

func (a *HaltAction) GetPos() Pos { return a.Pos }
func (a *HaltAction) actionNode() {}

// EmitAction reports arrival at a named sync point.
type EmitAction struct {
	Pos   Pos
	Point string
}

func (a *EmitAction) GetPos() Pos { return a.Pos }
func (a *EmitAction) actionNode() {}

// WaitForAction blocks on sync points. AnyOf selects race semantics
// (first reported point wins); otherwise all points are required.
type WaitForAction struct {
	Pos        Pos
	Points     []string
	AnyOf      bool
	Timeout    time.Duration
	HasTimeout bool
	OnTimeout  []Action
}

func (a *WaitForAction) GetPos() Pos { return a.Pos }
func (a *WaitForAction) actionNode() {}

// ContinuationPointAction is a compiled pause location: execution stops
// here awaiting an externally injected extension, falling back to the
// Default actions when Timeout elapses.
type ContinuationPointAction struct {
	Pos     Pos
	Name    string
	Timeout time.Duration
	Default []Action
}

func (a *ContinuationPointAction) GetPos() Pos { return a.Pos }
func (a *ContinuationPointAction) actionNode() {}

// ActionMode selects the completion semantics of a domain action.
type ActionMode string

const (
	ModeFireAndForget   ActionMode = "fire_and_forget"
	ModeAwaitCompletion ActionMode = "await_completion"
)

// DomainAction is an opaque action dispatched by name to a caller-registered
// handler. The compiler does not interpret its semantics.
type DomainAction struct {
	Pos     Pos
	Name    string
	Params  []*Assignment
	Mode    ActionMode
	OnError []Action
}

func (a *DomainAction) GetPos() Pos { return a.Pos }
func (a *DomainAction) actionNode() {}
