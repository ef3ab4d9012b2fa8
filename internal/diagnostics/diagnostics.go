// Package diagnostics provides coded compile and runtime diagnostics with
// source provenance for error reporting.
package diagnostics

import (
	"fmt"

	"github.com/arcadia/abml/internal/token"
)

type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// Diagnostic is a single coded message tied to a source location.
//
// Code prefixes group diagnostics by phase:
//
//	P: document/expression parse errors
//	T: type errors
//	S: semantic resolution errors (references, imports, loops)
//	C: code generation errors (limits, unknown references at lowering)
//	R: runtime evaluation errors
type Diagnostic struct {
	Code     string
	Severity Severity
	Message  string
	File     string
	Line     int
	Column   int
}

func NewError(code string, tok token.Token, message string) *Diagnostic {
	return &Diagnostic{
		Code:     code,
		Severity: SeverityError,
		Message:  message,
		Line:     tok.Line,
		Column:   tok.Column,
	}
}

func NewErrorAt(code, file string, line, column int, message string) *Diagnostic {
	return &Diagnostic{
		Code:     code,
		Severity: SeverityError,
		Message:  message,
		File:     file,
		Line:     line,
		Column:   column,
	}
}

func NewWarningAt(code, file string, line, column int, message string) *Diagnostic {
	return &Diagnostic{
		Code:     code,
		Severity: SeverityWarning,
		Message:  message,
		File:     file,
		Line:     line,
		Column:   column,
	}
}

func (d *Diagnostic) Error() string {
	loc := d.File
	if d.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", d.File, d.Line, d.Column)
	}
	sev := "error"
	if d.Severity == SeverityWarning {
		sev = "warning"
	}
	if loc == "" {
		return fmt.Sprintf("%s[%s]: %s", sev, d.Code, d.Message)
	}
	return fmt.Sprintf("%s: %s[%s]: %s", loc, sev, d.Code, d.Message)
}

// HasErrors reports whether any diagnostic in the list is an error.
func HasErrors(diags []*Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// FirstError returns the first error-severity diagnostic, or nil.
func FirstError(diags []*Diagnostic) *Diagnostic {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return d
		}
	}
	return nil
}
