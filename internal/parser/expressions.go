package parser

import (
	"strconv"
	"time"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/token"
)

func (p *Parser) parseIdentifier() ast.Expr {
	return &ast.Identifier{Token: p.curToken, Value: p.curToken.Literal}
}

func (p *Parser) parseIntLiteral() ast.Expr {
	v, err := strconv.ParseInt(p.curToken.Literal, 10, 64)
	if err != nil {
		p.errorf(p.curToken, "could not parse %q as integer", p.curToken.Literal)
		return nil
	}
	return &ast.IntLiteral{Token: p.curToken, Value: v}
}

func (p *Parser) parseFloatLiteral() ast.Expr {
	v, err := strconv.ParseFloat(p.curToken.Literal, 64)
	if err != nil {
		p.errorf(p.curToken, "could not parse %q as float", p.curToken.Literal)
		return nil
	}
	return &ast.FloatLiteral{Token: p.curToken, Value: v}
}

func (p *Parser) parseStringLiteral() ast.Expr {
	return &ast.StringLiteral{Token: p.curToken, Value: p.curToken.Literal}
}

func (p *Parser) parseDurationLiteral() ast.Expr {
	d, err := time.ParseDuration(p.curToken.Literal)
	if err != nil {
		p.errorf(p.curToken, "could not parse %q as duration", p.curToken.Literal)
		return nil
	}
	return &ast.DurationLiteral{Token: p.curToken, Value: d}
}

func (p *Parser) parseBoolLiteral() ast.Expr {
	return &ast.BoolLiteral{Token: p.curToken, Value: p.curTokenIs(token.TRUE)}
}

func (p *Parser) parseNullLiteral() ast.Expr {
	return &ast.NullLiteral{Token: p.curToken}
}

func (p *Parser) parsePrefixExpr() ast.Expr {
	expr := &ast.PrefixExpr{Token: p.curToken, Operator: p.curToken.Lexeme}
	p.nextToken()
	expr.Right = p.parseExpression(PREFIX)
	if expr.Right == nil {
		return nil
	}
	return expr
}

func (p *Parser) parseInfixExpr(left ast.Expr) ast.Expr {
	expr := &ast.InfixExpr{Token: p.curToken, Left: left, Operator: p.curToken.Lexeme}
	precedence := p.curPrecedence()
	p.nextToken()
	expr.Right = p.parseExpression(precedence)
	if expr.Right == nil {
		return nil
	}
	return expr
}

// parseCoalesceExpr parses `a ?? b` right-associatively so that chains
// fall through left to right at runtime.
func (p *Parser) parseCoalesceExpr(left ast.Expr) ast.Expr {
	expr := &ast.InfixExpr{Token: p.curToken, Left: left, Operator: "??"}
	precedence := p.curPrecedence()
	p.nextToken()
	expr.Right = p.parseExpression(precedence - 1)
	if expr.Right == nil {
		return nil
	}
	return expr
}

func (p *Parser) parseTernaryExpr(left ast.Expr) ast.Expr {
	expr := &ast.TernaryExpr{Token: p.curToken, Cond: left}
	p.nextToken()
	expr.Then = p.parseExpression(TERNARY)
	if expr.Then == nil {
		return nil
	}
	if !p.expectPeek(token.COLON) {
		return nil
	}
	p.nextToken()
	// Right-associative: a ? b : c ? d : e groups as a ? b : (c ? d : e).
	expr.Else = p.parseExpression(TERNARY - 1)
	if expr.Else == nil {
		return nil
	}
	return expr
}

func (p *Parser) parseMemberExpr(left ast.Expr) ast.Expr {
	safe := p.curTokenIs(token.SAFE_DOT)
	opToken := p.curToken
	if !p.expectPeek(token.IDENT) {
		return nil
	}
	return &ast.MemberExpr{Token: opToken, Object: left, Property: p.curToken.Literal, Safe: safe}
}

func (p *Parser) parseIndexExpr(left ast.Expr) ast.Expr {
	expr := &ast.IndexExpr{Token: p.curToken, Object: left}
	p.nextToken()
	expr.Index = p.parseExpression(LOWEST)
	if expr.Index == nil {
		return nil
	}
	if !p.expectPeek(token.RBRACKET) {
		return nil
	}
	return expr
}

// parseCallExpr parses a built-in function call. Only bare identifiers are
// callable; the expression language has no user-defined functions.
func (p *Parser) parseCallExpr(left ast.Expr) ast.Expr {
	ident, ok := left.(*ast.Identifier)
	if !ok {
		p.errorf(p.curToken, "only built-in functions are callable")
		return nil
	}
	expr := &ast.CallExpr{Token: p.curToken, Function: ident.Value}
	expr.Args = p.parseExpressionList(token.RPAREN)
	return expr
}

func (p *Parser) parseGroupedExpr() ast.Expr {
	p.nextToken()
	expr := p.parseExpression(LOWEST)
	if !p.expectPeek(token.RPAREN) {
		return nil
	}
	return expr
}

func (p *Parser) parseListLiteral() ast.Expr {
	lit := &ast.ListLiteral{Token: p.curToken}
	lit.Elements = p.parseExpressionList(token.RBRACKET)
	return lit
}

func (p *Parser) parseExpressionList(end token.TokenType) []ast.Expr {
	var list []ast.Expr

	if p.peekTokenIs(end) {
		p.nextToken()
		return list
	}

	p.nextToken()
	first := p.parseExpression(LOWEST)
	if first == nil {
		return nil
	}
	list = append(list, first)

	for p.peekTokenIs(token.COMMA) {
		p.nextToken()
		p.nextToken()
		next := p.parseExpression(LOWEST)
		if next == nil {
			return nil
		}
		list = append(list, next)
	}

	if !p.expectPeek(end) {
		return nil
	}
	return list
}
