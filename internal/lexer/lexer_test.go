package lexer

import (
	"testing"

	"github.com/arcadia/abml/internal/token"
)

func TestNextToken(t *testing.T) {
	input := `health.current + 5 * 2 >= threshold && !alerted || name == 'ward'
items[0] ?. hp ?? 30 ? 'ok' : "low"
500ms 1.5h in true false null x | upper`

	expected := []struct {
		typ     token.TokenType
		literal string
	}{
		{token.IDENT, "health"},
		{token.DOT, "."},
		{token.IDENT, "current"},
		{token.PLUS, "+"},
		{token.INT, "5"},
		{token.ASTERISK, "*"},
		{token.INT, "2"},
		{token.GE, ">="},
		{token.IDENT, "threshold"},
		{token.AND, "&&"},
		{token.BANG, "!"},
		{token.IDENT, "alerted"},
		{token.OR, "||"},
		{token.IDENT, "name"},
		{token.EQ, "=="},
		{token.STRING, "ward"},
		{token.IDENT, "items"},
		{token.LBRACKET, "["},
		{token.INT, "0"},
		{token.RBRACKET, "]"},
		{token.SAFE_DOT, "?."},
		{token.IDENT, "hp"},
		{token.COALESCE, "??"},
		{token.INT, "30"},
		{token.QUESTION, "?"},
		{token.STRING, "ok"},
		{token.COLON, ":"},
		{token.STRING, "low"},
		{token.DURATION, "500ms"},
		{token.DURATION, "1.5h"},
		{token.IN, "in"},
		{token.TRUE, "true"},
		{token.FALSE, "false"},
		{token.NULL, "null"},
		{token.IDENT, "x"},
		{token.PIPE, "|"},
		{token.IDENT, "upper"},
		{token.EOF, ""},
	}

	l := New(input)
	for i, exp := range expected {
		tok := l.NextToken()
		if tok.Type != exp.typ {
			t.Fatalf("token %d: type = %q, want %q (literal %q)", i, tok.Type, exp.typ, tok.Literal)
		}
		if tok.Literal != exp.literal {
			t.Fatalf("token %d: literal = %q, want %q", i, tok.Literal, exp.literal)
		}
	}
}

func TestStringEscapes(t *testing.T) {
	l := New(`'a\nb' "tab\there" 'quote\'s'`)
	for i, want := range []string{"a\nb", "tab\there", "quote's"} {
		tok := l.NextToken()
		if tok.Type != token.STRING || tok.Literal != want {
			t.Errorf("string %d = %q (%s), want %q", i, tok.Literal, tok.Type, want)
		}
	}
}

func TestUnterminatedString(t *testing.T) {
	l := New("'never closed")
	if tok := l.NextToken(); tok.Type != token.ILLEGAL {
		t.Errorf("type = %q, want ILLEGAL", tok.Type)
	}
}

func TestDurationSuffixes(t *testing.T) {
	tests := []struct {
		input string
		typ   token.TokenType
	}{
		{"10ns", token.DURATION},
		{"10us", token.DURATION},
		{"10ms", token.DURATION},
		{"10s", token.DURATION},
		{"10m", token.DURATION},
		{"10h", token.DURATION},
		{"0.5s", token.DURATION},
		{"10", token.INT},
		{"10.5", token.FLOAT},
		{"10x", token.ILLEGAL},
		{"10sec", token.ILLEGAL},
	}
	for _, tt := range tests {
		tok := New(tt.input).NextToken()
		if tok.Type != tt.typ {
			t.Errorf("%q: type = %q, want %q", tt.input, tok.Type, tt.typ)
		}
	}
}

func TestPositions(t *testing.T) {
	l := NewAt("a +\n  b", 10, 0)
	a := l.NextToken()
	plus := l.NextToken()
	b := l.NextToken()

	if a.Line != 10 || a.Column != 1 {
		t.Errorf("a at %d:%d, want 10:1", a.Line, a.Column)
	}
	if plus.Line != 10 || plus.Column != 3 {
		t.Errorf("+ at %d:%d, want 10:3", plus.Line, plus.Column)
	}
	if b.Line != 11 || b.Column != 3 {
		t.Errorf("b at %d:%d, want 11:3", b.Line, b.Column)
	}
}

func TestIllegalOperators(t *testing.T) {
	for _, input := range []string{"=", "&", "@"} {
		if tok := New(input).NextToken(); tok.Type != token.ILLEGAL {
			t.Errorf("%q: type = %q, want ILLEGAL", input, tok.Type)
		}
	}
}
