package parser

import (
	"strings"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/lexer"
	"github.com/arcadia/abml/internal/token"
)

// ParseExpression parses src as a single ${...}-style expression (without
// the wrapper). line/column locate the expression within its document.
func ParseExpression(src string, line, column int) (ast.Expr, []*diagnostics.Diagnostic) {
	p := New(lexer.NewAt(src, line, column))
	return p.Parse()
}

// ParseValue parses a document scalar value. Four shapes are recognized:
//
//   - "${expr}" (nothing else)         → the typed expression itself
//   - text with embedded ${...}        → string concatenation of the parts
//   - text with {{ value | filters }}  → template producing a display string
//   - anything else                    → plain string literal
func ParseValue(scalar string, line, column int) (ast.Expr, []*diagnostics.Diagnostic) {
	// Pure expression: the scalar is exactly one ${...}.
	if strings.HasPrefix(scalar, "${") && strings.HasSuffix(scalar, "}") {
		inner := scalar[2 : len(scalar)-1]
		if !strings.Contains(inner, "${") && !strings.Contains(inner, "}") || isBalancedExpr(inner) {
			return ParseExpression(inner, line, column+2)
		}
	}

	if !strings.Contains(scalar, "${") && !strings.Contains(scalar, "{{") {
		lit := &ast.StringLiteral{
			Token: token.Token{Type: token.STRING, Lexeme: scalar, Literal: scalar, Line: line, Column: column},
			Value: scalar,
		}
		return lit, nil
	}

	return parseInterpolated(scalar, line, column)
}

// isBalancedExpr reports whether every '}' in src closes an earlier opening
// brace, i.e. the scalar "${...}" wraps a single expression.
func isBalancedExpr(src string) bool {
	depth := 0
	inString := rune(0)
	for _, ch := range src {
		if inString != 0 {
			if ch == inString {
				inString = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			inString = ch
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// parseInterpolated splits a scalar into literal text, ${...} interpolations
// and {{...}} template segments, producing a TemplateExpr whose parts are
// concatenated into a display string at runtime.
func parseInterpolated(scalar string, line, column int) (ast.Expr, []*diagnostics.Diagnostic) {
	tmpl := &ast.TemplateExpr{
		Token: token.Token{Type: token.STRING, Lexeme: scalar, Line: line, Column: column},
	}
	var diags []*diagnostics.Diagnostic

	appendLiteral := func(text string) {
		if text == "" {
			return
		}
		tmpl.Parts = append(tmpl.Parts, &ast.StringLiteral{
			Token: token.Token{Type: token.STRING, Lexeme: text, Literal: text, Line: line, Column: column},
			Value: text,
		})
	}

	i := 0
	for i < len(scalar) {
		exprStart := strings.Index(scalar[i:], "${")
		tmplStart := strings.Index(scalar[i:], "{{")

		if exprStart < 0 && tmplStart < 0 {
			appendLiteral(scalar[i:])
			break
		}

		// Take whichever opener comes first.
		if exprStart >= 0 && (tmplStart < 0 || exprStart <= tmplStart) {
			start := i + exprStart
			appendLiteral(scalar[i:start])
			end := findClose(scalar, start+2, '}')
			if end < 0 {
				diags = append(diags, diagnostics.NewErrorAt("P003", "", line, column+start,
					"unterminated ${...} expression"))
				return tmpl, diags
			}
			inner := scalar[start+2 : end]
			expr, errs := ParseExpression(inner, line, column+start+2)
			diags = append(diags, errs...)
			if expr != nil {
				tmpl.Parts = append(tmpl.Parts, expr)
			}
			i = end + 1
			continue
		}

		start := i + tmplStart
		appendLiteral(scalar[i:start])
		end := strings.Index(scalar[start+2:], "}}")
		if end < 0 {
			diags = append(diags, diagnostics.NewErrorAt("P003", "", line, column+start,
				"unterminated {{...}} template"))
			return tmpl, diags
		}
		end = start + 2 + end
		inner := scalar[start+2 : end]
		expr, errs := parseTemplateSegment(inner, line, column+start+2)
		diags = append(diags, errs...)
		if expr != nil {
			tmpl.Parts = append(tmpl.Parts, expr)
		}
		i = end + 2
	}

	return tmpl, diags
}

// findClose scans for the closing delimiter, honoring nested braces and
// quoted strings inside the expression.
func findClose(src string, from int, close byte) int {
	depth := 0
	inString := byte(0)
	for i := from; i < len(src); i++ {
		ch := src[i]
		if inString != 0 {
			if ch == inString {
				inString = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			inString = ch
		case '{':
			depth++
		case '}':
			if depth == 0 && close == '}' {
				return i
			}
			depth--
		}
	}
	return -1
}

// parseTemplateSegment parses the inside of {{ ... }}: an expression
// followed by an optional Liquid-like filter pipeline.
func parseTemplateSegment(src string, line, column int) (ast.Expr, []*diagnostics.Diagnostic) {
	p := New(lexer.NewAt(src, line, column))
	expr := p.parseTemplatePipeline()
	if expr != nil && !p.peekTokenIs(token.EOF) && !p.curTokenIs(token.EOF) {
		p.errorf(p.peekToken, "unexpected %q in template", p.peekToken.Lexeme)
	}
	return expr, p.errors
}

func (p *Parser) parseTemplatePipeline() ast.Expr {
	expr := p.parseExpression(LOWEST)
	if expr == nil {
		return nil
	}

	for p.peekTokenIs(token.PIPE) {
		p.nextToken()
		pipeTok := p.curToken
		if !p.expectPeek(token.IDENT) {
			return nil
		}
		filter := &ast.FilterExpr{Token: pipeTok, Input: expr, Name: p.curToken.Literal}

		if p.peekTokenIs(token.COLON) {
			p.nextToken()
			p.nextToken()
			arg := p.parseExpression(LOWEST)
			if arg == nil {
				return nil
			}
			filter.Args = append(filter.Args, arg)
			for p.peekTokenIs(token.COMMA) {
				p.nextToken()
				p.nextToken()
				arg := p.parseExpression(LOWEST)
				if arg == nil {
					return nil
				}
				filter.Args = append(filter.Args, arg)
			}
		}

		expr = filter
	}

	return expr
}
