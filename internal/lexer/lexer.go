// Package lexer tokenizes ABML ${...} expression source.
package lexer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/arcadia/abml/internal/token"
)

type Lexer struct {
	input        string
	position     int  // current position in input (points to current char)
	readPosition int  // current reading position in input (after current char)
	ch           rune // current char under examination
	line         int  // current line number
	column       int  // current column number
}

// New creates a lexer positioned at line/column (1,0); use NewAt when the
// expression is embedded in a larger document.
func New(input string) *Lexer {
	return NewAt(input, 1, 0)
}

// NewAt creates a lexer whose reported positions start at the given
// document line and column, so diagnostics point into the source document
// rather than into the extracted expression text.
func NewAt(input string, line, column int) *Lexer {
	l := &Lexer{input: input, line: line, column: column}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.column = 0
	}

	if l.readPosition >= len(l.input) {
		l.ch = 0
		l.position = l.readPosition
		l.readPosition++
		l.column++
		return
	}

	r, w := utf8.DecodeRuneInString(l.input[l.readPosition:])
	l.ch = r
	l.position = l.readPosition
	l.readPosition += w
	l.column++
}

func (l *Lexer) peekChar() rune {
	if l.readPosition >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPosition:])
	return r
}

func (l *Lexer) NextToken() token.Token {
	var tok token.Token

	l.skipWhitespace()

	switch l.ch {
	case '+':
		tok = l.newToken(token.PLUS)
	case '-':
		tok = l.newToken(token.MINUS)
	case '*':
		tok = l.newToken(token.ASTERISK)
	case '/':
		tok = l.newToken(token.SLASH)
	case '%':
		tok = l.newToken(token.PERCENT)
	case '=':
		if l.peekChar() == '=' {
			l.readChar()
			tok = l.twoCharToken(token.EQ, "==")
		} else {
			tok = l.newToken(token.ILLEGAL)
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok = l.twoCharToken(token.NOT_EQ, "!=")
		} else {
			tok = l.newToken(token.BANG)
		}
	case '<':
		if l.peekChar() == '=' {
			l.readChar()
			tok = l.twoCharToken(token.LE, "<=")
		} else {
			tok = l.newToken(token.LT)
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = l.twoCharToken(token.GE, ">=")
		} else {
			tok = l.newToken(token.GT)
		}
	case '&':
		if l.peekChar() == '&' {
			l.readChar()
			tok = l.twoCharToken(token.AND, "&&")
		} else {
			tok = l.newToken(token.ILLEGAL)
		}
	case '|':
		if l.peekChar() == '|' {
			l.readChar()
			tok = l.twoCharToken(token.OR, "||")
		} else {
			tok = l.newToken(token.PIPE)
		}
	case '?':
		switch l.peekChar() {
		case '.':
			l.readChar()
			tok = l.twoCharToken(token.SAFE_DOT, "?.")
		case '?':
			l.readChar()
			tok = l.twoCharToken(token.COALESCE, "??")
		default:
			tok = l.newToken(token.QUESTION)
		}
	case ':':
		tok = l.newToken(token.COLON)
	case '.':
		tok = l.newToken(token.DOT)
	case ',':
		tok = l.newToken(token.COMMA)
	case '(':
		tok = l.newToken(token.LPAREN)
	case ')':
		tok = l.newToken(token.RPAREN)
	case '[':
		tok = l.newToken(token.LBRACKET)
	case ']':
		tok = l.newToken(token.RBRACKET)
	case '\'', '"':
		return l.readString(l.ch)
	case 0:
		tok = token.Token{Type: token.EOF, Line: l.line, Column: l.column}
	default:
		if isIdentStart(l.ch) {
			return l.readIdentifier()
		}
		if unicode.IsDigit(l.ch) {
			return l.readNumber()
		}
		tok = l.newToken(token.ILLEGAL)
	}

	l.readChar()
	return tok
}

func (l *Lexer) newToken(t token.TokenType) token.Token {
	s := string(l.ch)
	return token.Token{Type: t, Lexeme: s, Literal: s, Line: l.line, Column: l.column}
}

func (l *Lexer) twoCharToken(t token.TokenType, literal string) token.Token {
	return token.Token{Type: t, Lexeme: literal, Literal: literal, Line: l.line, Column: l.column}
}

func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

func isIdentStart(ch rune) bool {
	return unicode.IsLetter(ch) || ch == '_'
}

func isIdentPart(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

func (l *Lexer) readIdentifier() token.Token {
	line, col := l.line, l.column
	start := l.position
	for isIdentPart(l.ch) {
		l.readChar()
	}
	lit := l.input[start:l.position]
	return token.Token{Type: token.LookupIdent(lit), Lexeme: lit, Literal: lit, Line: line, Column: col}
}

// durationUnits are the recognized duration suffixes, longest first so that
// "ms" wins over "m" followed by "s".
var durationUnits = []string{"ms", "us", "ns", "h", "m", "s"}

func (l *Lexer) readNumber() token.Token {
	line, col := l.line, l.column
	start := l.position
	for unicode.IsDigit(l.ch) {
		l.readChar()
	}

	isFloat := false
	if l.ch == '.' && unicode.IsDigit(l.peekChar()) {
		isFloat = true
		l.readChar()
		for unicode.IsDigit(l.ch) {
			l.readChar()
		}
	}

	// Duration suffix: 500ms, 3s, 1.5h
	if isIdentStart(l.ch) {
		suffixStart := l.position
		for isIdentPart(l.ch) {
			l.readChar()
		}
		suffix := l.input[suffixStart:l.position]
		for _, unit := range durationUnits {
			if suffix == unit {
				lit := l.input[start:l.position]
				return token.Token{Type: token.DURATION, Lexeme: lit, Literal: lit, Line: line, Column: col}
			}
		}
		lit := l.input[start:l.position]
		return token.Token{Type: token.ILLEGAL, Lexeme: lit, Literal: lit, Line: line, Column: col}
	}

	lit := l.input[start:l.position]
	t := token.INT
	if isFloat {
		t = token.FLOAT
	}
	return token.Token{Type: t, Lexeme: lit, Literal: lit, Line: line, Column: col}
}

func (l *Lexer) readString(quote rune) token.Token {
	line, col := l.line, l.column
	l.readChar() // consume opening quote

	var sb strings.Builder
	for l.ch != quote && l.ch != 0 {
		if l.ch == '\\' {
			switch l.peekChar() {
			case 'n':
				sb.WriteByte('\n')
				l.readChar()
			case 't':
				sb.WriteByte('\t')
				l.readChar()
			case '\\':
				sb.WriteByte('\\')
				l.readChar()
			case quote:
				sb.WriteRune(quote)
				l.readChar()
			default:
				sb.WriteRune(l.ch)
			}
		} else {
			sb.WriteRune(l.ch)
		}
		l.readChar()
	}

	if l.ch == 0 {
		return token.Token{Type: token.ILLEGAL, Lexeme: sb.String(), Literal: "unterminated string", Line: line, Column: col}
	}
	l.readChar() // consume closing quote

	lit := sb.String()
	return token.Token{Type: token.STRING, Lexeme: lit, Literal: lit, Line: line, Column: col}
}
