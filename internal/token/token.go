// Package token defines the lexical tokens of ABML expressions.
package token

type TokenType string

// Token is a single lexical unit with source provenance.
type Token struct {
	Type    TokenType
	Lexeme  string
	Literal string
	Line    int
	Column  int
}

const (
	ILLEGAL TokenType = "ILLEGAL"
	EOF     TokenType = "EOF"

	// Identifiers and literals
	IDENT    TokenType = "IDENT"
	INT      TokenType = "INT"
	FLOAT    TokenType = "FLOAT"
	STRING   TokenType = "STRING"
	DURATION TokenType = "DURATION"

	// Operators
	PLUS     TokenType = "+"
	MINUS    TokenType = "-"
	ASTERISK TokenType = "*"
	SLASH    TokenType = "/"
	PERCENT  TokenType = "%"

	EQ     TokenType = "=="
	NOT_EQ TokenType = "!="
	LT     TokenType = "<"
	LE     TokenType = "<="
	GT     TokenType = ">"
	GE     TokenType = ">="

	AND  TokenType = "&&"
	OR   TokenType = "||"
	BANG TokenType = "!"

	QUESTION TokenType = "?"
	COLON    TokenType = ":"
	DOT      TokenType = "."
	SAFE_DOT TokenType = "?."
	COALESCE TokenType = "??"
	PIPE     TokenType = "|"

	COMMA    TokenType = ","
	LPAREN   TokenType = "("
	RPAREN   TokenType = ")"
	LBRACKET TokenType = "["
	RBRACKET TokenType = "]"

	// Keywords
	IN    TokenType = "IN"
	TRUE  TokenType = "TRUE"
	FALSE TokenType = "FALSE"
	NULL  TokenType = "NULL"
)

var keywords = map[string]TokenType{
	"in":    IN,
	"true":  TRUE,
	"false": FALSE,
	"null":  NULL,
}

// LookupIdent returns the keyword token type for ident, or IDENT.
func LookupIdent(ident string) TokenType {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	return IDENT
}
