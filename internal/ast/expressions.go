package ast

import (
	"time"

	"github.com/arcadia/abml/internal/token"
)

// Expr is a Node produced by the expression parser.
type Expr interface {
	Node
	exprNode()
	GetToken() token.Token
}

func tokenPos(t token.Token) Pos { return Pos{Line: t.Line, Column: t.Column} }

// Identifier is a bare name, possibly the head of a member chain
// (local variable, context variable, or a provider namespace such as
// entity/world/event/args).
type Identifier struct {
	Token token.Token
	Value string
}

func (e *Identifier) exprNode()             {}
func (e *Identifier) GetPos() Pos           { return tokenPos(e.Token) }
func (e *Identifier) GetToken() token.Token { return e.Token }

type IntLiteral struct {
	Token token.Token
	Value int64
}

func (e *IntLiteral) exprNode()             {}
func (e *IntLiteral) GetPos() Pos           { return tokenPos(e.Token) }
func (e *IntLiteral) GetToken() token.Token { return e.Token }

type FloatLiteral struct {
	Token token.Token
	Value float64
}

func (e *FloatLiteral) exprNode()             {}
func (e *FloatLiteral) GetPos() Pos           { return tokenPos(e.Token) }
func (e *FloatLiteral) GetToken() token.Token { return e.Token }

type StringLiteral struct {
	Token token.Token
	Value string
}

func (e *StringLiteral) exprNode()             {}
func (e *StringLiteral) GetPos() Pos           { return tokenPos(e.Token) }
func (e *StringLiteral) GetToken() token.Token { return e.Token }

type BoolLiteral struct {
	Token token.Token
	Value bool
}

func (e *BoolLiteral) exprNode()             {}
func (e *BoolLiteral) GetPos() Pos           { return tokenPos(e.Token) }
func (e *BoolLiteral) GetToken() token.Token { return e.Token }

type NullLiteral struct {
	Token token.Token
}

func (e *NullLiteral) exprNode()             {}
func (e *NullLiteral) GetPos() Pos           { return tokenPos(e.Token) }
func (e *NullLiteral) GetToken() token.Token { return e.Token }

// DurationLiteral is a literal like 500ms, 3s or 2m.
type DurationLiteral struct {
	Token token.Token
	Value time.Duration
}

func (e *DurationLiteral) exprNode()             {}
func (e *DurationLiteral) GetPos() Pos           { return tokenPos(e.Token) }
func (e *DurationLiteral) GetToken() token.Token { return e.Token }

type ListLiteral struct {
	Token    token.Token
	Elements []Expr
}

func (e *ListLiteral) exprNode()             {}
func (e *ListLiteral) GetPos() Pos           { return tokenPos(e.Token) }
func (e *ListLiteral) GetToken() token.Token { return e.Token }

// PrefixExpr is a unary operation: !x, -x.
type PrefixExpr struct {
	Token    token.Token
	Operator string
	Right    Expr
}

func (e *PrefixExpr) exprNode()             {}
func (e *PrefixExpr) GetPos() Pos           { return tokenPos(e.Token) }
func (e *PrefixExpr) GetToken() token.Token { return e.Token }

// InfixExpr is a binary operation, including `in` and the null-coalescing
// operator `??` (which compiles with short-circuit semantics).
type InfixExpr struct {
	Token    token.Token
	Left     Expr
	Operator string
	Right    Expr
}

func (e *InfixExpr) exprNode()             {}
func (e *InfixExpr) GetPos() Pos           { return tokenPos(e.Token) }
func (e *InfixExpr) GetToken() token.Token { return e.Token }

// TernaryExpr is cond ? then : else.
type TernaryExpr struct {
	Token token.Token
	Cond  Expr
	Then  Expr
	Else  Expr
}

func (e *TernaryExpr) exprNode()             {}
func (e *TernaryExpr) GetPos() Pos           { return tokenPos(e.Token) }
func (e *TernaryExpr) GetToken() token.Token { return e.Token }

// MemberExpr is property access: a.b or a?.b. Safe access differs only in
// static typing; at runtime both propagate null per the null-safety design.
type MemberExpr struct {
	Token    token.Token
	Object   Expr
	Property string
	Safe     bool
}

func (e *MemberExpr) exprNode()             {}
func (e *MemberExpr) GetPos() Pos           { return tokenPos(e.Token) }
func (e *MemberExpr) GetToken() token.Token { return e.Token }

// IndexExpr is subscript access: a[i].
type IndexExpr struct {
	Token  token.Token
	Object Expr
	Index  Expr
}

func (e *IndexExpr) exprNode()             {}
func (e *IndexExpr) GetPos() Pos           { return tokenPos(e.Token) }
func (e *IndexExpr) GetToken() token.Token { return e.Token }

// CallExpr invokes one of the fixed built-in functions.
type CallExpr struct {
	Token    token.Token
	Function string
	Args     []Expr
}

func (e *CallExpr) exprNode()             {}
func (e *CallExpr) GetPos() Pos           { return tokenPos(e.Token) }
func (e *CallExpr) GetToken() token.Token { return e.Token }

// MapLiteral is an ordered key/value literal built from a YAML mapping value.
type MapLiteral struct {
	Token  token.Token
	Keys   []string
	Values []Expr
}

func (e *MapLiteral) exprNode()             {}
func (e *MapLiteral) GetPos() Pos           { return tokenPos(e.Token) }
func (e *MapLiteral) GetToken() token.Token { return e.Token }

// TemplateExpr is the parsed form of a scalar containing {{...}} template
// segments or ${...} interpolations amid literal text. Parts are
// concatenated into a display string.
type TemplateExpr struct {
	Token token.Token
	Parts []Expr
}

func (e *TemplateExpr) exprNode()             {}
func (e *TemplateExpr) GetPos() Pos           { return tokenPos(e.Token) }
func (e *TemplateExpr) GetToken() token.Token { return e.Token }

// FilterExpr applies a template filter to its input: {{ name | truncate: 10 }}.
type FilterExpr struct {
	Token token.Token
	Input Expr
	Name  string
	Args  []Expr
}

func (e *FilterExpr) exprNode()             {}
func (e *FilterExpr) GetPos() Pos           { return tokenPos(e.Token) }
func (e *FilterExpr) GetToken() token.Token { return e.Token }
