// Package parser implements the operator-precedence parser for ABML ${...}
// expressions and the {{...}} template syntax.
package parser

import (
	"fmt"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/lexer"
	"github.com/arcadia/abml/internal/token"
)

// Operator precedence levels, lowest binds loosest.
const (
	LOWEST   = iota
	TERNARY  // ?:
	COALESCE // ??
	OR       // ||
	AND      // &&
	EQUALITY // == !=
	COMPARE  // < <= > >= in
	SUM      // + -
	PRODUCT  // * / %
	PREFIX   // ! -x
	ACCESS   // . ?. [] ()
)

var precedences = map[token.TokenType]int{
	token.QUESTION: TERNARY,
	token.COALESCE: COALESCE,
	token.OR:       OR,
	token.AND:      AND,
	token.EQ:       EQUALITY,
	token.NOT_EQ:   EQUALITY,
	token.LT:       COMPARE,
	token.LE:       COMPARE,
	token.GT:       COMPARE,
	token.GE:       COMPARE,
	token.IN:       COMPARE,
	token.PLUS:     SUM,
	token.MINUS:    SUM,
	token.ASTERISK: PRODUCT,
	token.SLASH:    PRODUCT,
	token.PERCENT:  PRODUCT,
	token.DOT:      ACCESS,
	token.SAFE_DOT: ACCESS,
	token.LBRACKET: ACCESS,
	token.LPAREN:   ACCESS,
}

// MaxRecursionDepth bounds expression nesting to keep malformed input from
// exhausting the Go stack.
const MaxRecursionDepth = 200

type (
	prefixParseFn func() ast.Expr
	infixParseFn  func(ast.Expr) ast.Expr
)

type Parser struct {
	l *lexer.Lexer

	curToken  token.Token
	peekToken token.Token

	depth  int
	errors []*diagnostics.Diagnostic

	prefixParseFns map[token.TokenType]prefixParseFn
	infixParseFns  map[token.TokenType]infixParseFn
}

func New(l *lexer.Lexer) *Parser {
	p := &Parser{l: l}

	p.prefixParseFns = map[token.TokenType]prefixParseFn{
		token.IDENT:    p.parseIdentifier,
		token.INT:      p.parseIntLiteral,
		token.FLOAT:    p.parseFloatLiteral,
		token.STRING:   p.parseStringLiteral,
		token.DURATION: p.parseDurationLiteral,
		token.TRUE:     p.parseBoolLiteral,
		token.FALSE:    p.parseBoolLiteral,
		token.NULL:     p.parseNullLiteral,
		token.BANG:     p.parsePrefixExpr,
		token.MINUS:    p.parsePrefixExpr,
		token.LPAREN:   p.parseGroupedExpr,
		token.LBRACKET: p.parseListLiteral,
	}
	p.infixParseFns = map[token.TokenType]infixParseFn{
		token.PLUS:     p.parseInfixExpr,
		token.MINUS:    p.parseInfixExpr,
		token.ASTERISK: p.parseInfixExpr,
		token.SLASH:    p.parseInfixExpr,
		token.PERCENT:  p.parseInfixExpr,
		token.EQ:       p.parseInfixExpr,
		token.NOT_EQ:   p.parseInfixExpr,
		token.LT:       p.parseInfixExpr,
		token.LE:       p.parseInfixExpr,
		token.GT:       p.parseInfixExpr,
		token.GE:       p.parseInfixExpr,
		token.AND:      p.parseInfixExpr,
		token.OR:       p.parseInfixExpr,
		token.IN:       p.parseInfixExpr,
		token.COALESCE: p.parseCoalesceExpr,
		token.QUESTION: p.parseTernaryExpr,
		token.DOT:      p.parseMemberExpr,
		token.SAFE_DOT: p.parseMemberExpr,
		token.LBRACKET: p.parseIndexExpr,
		token.LPAREN:   p.parseCallExpr,
	}

	// Prime curToken and peekToken.
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses a complete expression and requires the whole input to be
// consumed.
func (p *Parser) Parse() (ast.Expr, []*diagnostics.Diagnostic) {
	expr := p.parseExpression(LOWEST)
	if expr != nil && !p.peekTokenIs(token.EOF) && !p.curTokenIs(token.EOF) {
		p.errorf(p.peekToken, "unexpected %q after expression", p.peekToken.Lexeme)
	}
	return expr, p.errors
}

func (p *Parser) Errors() []*diagnostics.Diagnostic { return p.errors }

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.l.NextToken()
}

func (p *Parser) curTokenIs(t token.TokenType) bool  { return p.curToken.Type == t }
func (p *Parser) peekTokenIs(t token.TokenType) bool { return p.peekToken.Type == t }

func (p *Parser) expectPeek(t token.TokenType) bool {
	if p.peekTokenIs(t) {
		p.nextToken()
		return true
	}
	p.errorf(p.peekToken, "expected %q, got %q", string(t), p.peekToken.Lexeme)
	return false
}

func (p *Parser) peekPrecedence() int {
	if prec, ok := precedences[p.peekToken.Type]; ok {
		return prec
	}
	return LOWEST
}

func (p *Parser) curPrecedence() int {
	if prec, ok := precedences[p.curToken.Type]; ok {
		return prec
	}
	return LOWEST
}

func (p *Parser) errorf(tok token.Token, format string, args ...any) {
	p.errors = append(p.errors, diagnostics.NewError("P002", tok, fmt.Sprintf(format, args...)))
}

func (p *Parser) parseExpression(precedence int) ast.Expr {
	p.depth++
	defer func() { p.depth-- }()

	if p.depth > MaxRecursionDepth {
		p.errorf(p.curToken, "expression too complex: recursion depth limit exceeded")
		return nil
	}

	prefix := p.prefixParseFns[p.curToken.Type]
	if prefix == nil {
		p.errorf(p.curToken, "unexpected token %q", p.curToken.Lexeme)
		return nil
	}
	leftExp := prefix()

	for !p.peekTokenIs(token.EOF) && precedence < p.peekPrecedence() {
		infix := p.infixParseFns[p.peekToken.Type]
		if infix == nil {
			return leftExp
		}
		p.nextToken()
		leftExp = infix(leftExp)
		if leftExp == nil {
			return nil
		}
	}

	return leftExp
}
