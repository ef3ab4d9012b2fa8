// Package document parses ABML YAML documents into the AST. Parsing works
// on the yaml.v3 node tree directly so every AST node keeps line/column
// provenance for diagnostics.
package document

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/parser"
	"github.com/arcadia/abml/internal/token"
	"github.com/arcadia/abml/internal/typesystem"
)

// Parser converts YAML source into an ast.Document. The zero value is a
// non-strict parser; strict mode turns unknown keys into errors.
type Parser struct {
	Strict bool

	file  string
	diags []*diagnostics.Diagnostic
}

// topLevelKeys is the closed set of recognized document sections.
var topLevelKeys = map[string]bool{
	"version":  true,
	"metadata": true,
	"imports":  true,
	"context":  true,
	"errors":   true,
	"goals":    true,
	"flows":    true,
	"channels": true,
}

// Parse parses src into a document AST. The returned diagnostics may
// contain both errors and warnings; the document is usable only when no
// error-severity diagnostics are present.
func (p *Parser) Parse(file string, src []byte) (*ast.Document, []*diagnostics.Diagnostic) {
	p.file = file
	p.diags = nil

	var root yaml.Node
	if err := yaml.Unmarshal(src, &root); err != nil {
		p.errAt(1, 1, "P001", "malformed YAML: %v", err)
		return nil, p.diags
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		p.errAt(1, 1, "P001", "empty document")
		return nil, p.diags
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		p.errNode(top, "P001", "document root must be a mapping")
		return nil, p.diags
	}

	doc := &ast.Document{File: file}
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, val := top.Content[i], top.Content[i+1]
		switch key.Value {
		case "version":
			doc.Version = val.Value
		case "metadata":
			p.parseMetadata(val, doc)
		case "imports":
			doc.Imports = p.parseImports(val)
		case "context":
			doc.Context = p.parseContext(val)
		case "errors":
			doc.Errors = p.parseErrors(val)
		case "goals":
			doc.Goals = p.parseGoals(val)
		case "flows":
			doc.Flows = p.parseFlows(val)
		case "channels":
			doc.Channels = p.parseChannels(val)
		default:
			if p.Strict {
				p.errNode(key, "P004", "unknown top-level key %q", key.Value)
			} else {
				p.warnNode(key, "P004", "ignoring unknown top-level key %q", key.Value)
			}
		}
	}

	if doc.Version == "" {
		p.errAt(top.Line, top.Column, "P005", "missing required key %q", "version")
	}
	return doc, p.diags
}

func (p *Parser) parseMetadata(node *yaml.Node, doc *ast.Document) {
	if !p.requireMapping(node, "metadata") {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "name":
			doc.Metadata.Name = val.Value
		case "description":
			doc.Metadata.Description = val.Value
		case "deterministic":
			doc.Metadata.Deterministic = p.scalarBool(val)
		default:
			p.warnNode(key, "P004", "ignoring unknown metadata key %q", key.Value)
		}
	}
}

func (p *Parser) parseImports(node *yaml.Node) []*ast.Import {
	if !p.requireSequence(node, "imports") {
		return nil
	}
	var imports []*ast.Import
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			p.errNode(item, "P001", "import entry must be a mapping")
			continue
		}
		imp := &ast.Import{Pos: pos(item)}
		for i := 0; i+1 < len(item.Content); i += 2 {
			key, val := item.Content[i], item.Content[i+1]
			switch key.Value {
			case "document":
				imp.Document = val.Value
			case "as":
				imp.Alias = val.Value
			case "types":
				imp.Types = val.Value
			default:
				p.warnNode(key, "P004", "ignoring unknown import key %q", key.Value)
			}
		}
		if imp.Document == "" && imp.Types == "" {
			p.errNode(item, "P005", "import entry needs a %q or %q key", "document", "types")
			continue
		}
		if imp.Document != "" && imp.Alias == "" {
			imp.Alias = strings.TrimSuffix(baseName(imp.Document), ".yaml")
		}
		imports = append(imports, imp)
	}
	return imports
}

func (p *Parser) parseContext(node *yaml.Node) []*ast.VarDecl {
	if !p.requireMapping(node, "context") {
		return nil
	}
	var decls []*ast.VarDecl
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		decl := &ast.VarDecl{Pos: pos(key), Name: key.Value, Type: typesystem.Any, Scope: ast.ScopeDocument}

		if val.Kind == yaml.ScalarNode {
			// Shorthand: name: type
			decl.Type = p.parseTypeString(val)
			decls = append(decls, decl)
			continue
		}
		if val.Kind != yaml.MappingNode {
			p.errNode(val, "P001", "context entry %q must be a type or a mapping", key.Value)
			continue
		}
		for j := 0; j+1 < len(val.Content); j += 2 {
			k, v := val.Content[j], val.Content[j+1]
			switch k.Value {
			case "type":
				decl.Type = p.parseTypeString(v)
			case "default":
				decl.Default = p.parseValueNode(v)
			case "scope":
				switch ast.ScopeKind(v.Value) {
				case ast.ScopeLocal, ast.ScopeDocument, ast.ScopeEntity, ast.ScopeWorld:
					decl.Scope = ast.ScopeKind(v.Value)
				default:
					p.errNode(v, "P001", "unknown scope %q for variable %q", v.Value, key.Value)
				}
			default:
				p.warnNode(k, "P004", "ignoring unknown context key %q", k.Value)
			}
		}
		decls = append(decls, decl)
	}
	return decls
}

func (p *Parser) parseErrors(node *yaml.Node) []*ast.ErrorHandler {
	if !p.requireMapping(node, "errors") {
		return nil
	}
	var handlers []*ast.ErrorHandler
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		handlers = append(handlers, &ast.ErrorHandler{
			Pos:      pos(key),
			Category: key.Value,
			Actions:  p.parseActions(val),
		})
	}
	return handlers
}

func (p *Parser) parseGoals(node *yaml.Node) []*ast.Goal {
	if !p.requireMapping(node, "goals") {
		return nil
	}
	var goals []*ast.Goal
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		goal := &ast.Goal{Pos: pos(key), Name: key.Value}
		if !p.requireMapping(val, "goal "+key.Value) {
			continue
		}
		for j := 0; j+1 < len(val.Content); j += 2 {
			k, v := val.Content[j], val.Content[j+1]
			switch k.Value {
			case "priority":
				goal.Priority = p.scalarFloat(v)
			case "cost":
				goal.Cost = p.scalarFloat(v)
			case "preconditions":
				goal.Preconditions = p.parseExprList(v)
			case "effects":
				goal.Effects = p.parseAssignments(v)
			default:
				p.warnNode(k, "P004", "ignoring unknown goal key %q", k.Value)
			}
		}
		goals = append(goals, goal)
	}
	return goals
}

func (p *Parser) parseFlows(node *yaml.Node) []*ast.Flow {
	if !p.requireMapping(node, "flows") {
		return nil
	}
	var flows []*ast.Flow
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		flow := &ast.Flow{Pos: pos(key), Name: key.Value}
		if val.Kind == yaml.SequenceNode {
			// Shorthand: flow is just an action list.
			flow.Actions = p.parseActions(val)
			flows = append(flows, flow)
			continue
		}
		if !p.requireMapping(val, "flow "+key.Value) {
			continue
		}
		for j := 0; j+1 < len(val.Content); j += 2 {
			k, v := val.Content[j], val.Content[j+1]
			switch k.Value {
			case "description":
				flow.Description = v.Value
			case "params":
				flow.Params = p.parseStringList(v)
			case "preconditions":
				flow.Preconditions = p.parseExprList(v)
			case "effects":
				flow.Effects = p.parseAssignments(v)
			case "cost":
				flow.Cost = p.scalarFloat(v)
			case "actions":
				flow.Actions = p.parseActions(v)
			default:
				p.warnNode(k, "P004", "ignoring unknown flow key %q", k.Value)
			}
		}
		flows = append(flows, flow)
	}
	return flows
}

func (p *Parser) parseChannels(node *yaml.Node) []*ast.Channel {
	if !p.requireMapping(node, "channels") {
		return nil
	}
	var channels []*ast.Channel
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		ch := &ast.Channel{Pos: pos(key), Name: key.Value}
		switch val.Kind {
		case yaml.SequenceNode:
			ch.Actions = p.parseActions(val)
		case yaml.MappingNode:
			for j := 0; j+1 < len(val.Content); j += 2 {
				k, v := val.Content[j], val.Content[j+1]
				if k.Value == "actions" {
					ch.Actions = p.parseActions(v)
				} else {
					p.warnNode(k, "P004", "ignoring unknown channel key %q", k.Value)
				}
			}
		default:
			p.errNode(val, "P001", "channel %q must be an action list", key.Value)
			continue
		}
		channels = append(channels, ch)
	}
	return channels
}

// --- shared helpers ---

func pos(n *yaml.Node) ast.Pos { return ast.Pos{Line: n.Line, Column: n.Column} }

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func (p *Parser) errNode(n *yaml.Node, code, format string, args ...any) {
	p.errAt(n.Line, n.Column, code, format, args...)
}

func (p *Parser) errAt(line, col int, code, format string, args ...any) {
	p.diags = append(p.diags, diagnostics.NewErrorAt(code, p.file, line, col, fmt.Sprintf(format, args...)))
}

func (p *Parser) warnNode(n *yaml.Node, code, format string, args ...any) {
	p.diags = append(p.diags, diagnostics.NewWarningAt(code, p.file, n.Line, n.Column, fmt.Sprintf(format, args...)))
}

func (p *Parser) requireMapping(n *yaml.Node, what string) bool {
	if n.Kind != yaml.MappingNode {
		p.errNode(n, "P001", "%s must be a mapping", what)
		return false
	}
	return true
}

func (p *Parser) requireSequence(n *yaml.Node, what string) bool {
	if n.Kind != yaml.SequenceNode {
		p.errNode(n, "P001", "%s must be a list", what)
		return false
	}
	return true
}

func (p *Parser) scalarBool(n *yaml.Node) bool {
	v, err := strconv.ParseBool(n.Value)
	if err != nil {
		p.errNode(n, "P001", "expected a boolean, got %q", n.Value)
		return false
	}
	return v
}

func (p *Parser) scalarFloat(n *yaml.Node) float64 {
	v, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		p.errNode(n, "P001", "expected a number, got %q", n.Value)
		return 0
	}
	return v
}

func (p *Parser) scalarInt(n *yaml.Node) int {
	v, err := strconv.Atoi(n.Value)
	if err != nil {
		p.errNode(n, "P001", "expected an integer, got %q", n.Value)
		return 0
	}
	return v
}

func (p *Parser) scalarDuration(n *yaml.Node) time.Duration {
	d, err := time.ParseDuration(n.Value)
	if err != nil {
		p.errNode(n, "P001", "expected a duration (e.g. 500ms), got %q", n.Value)
		return 0
	}
	if d < 0 {
		p.errNode(n, "P001", "duration must not be negative: %q", n.Value)
		return 0
	}
	return d
}

func (p *Parser) parseTypeString(n *yaml.Node) typesystem.Type {
	t, err := typesystem.ParseType(n.Value)
	if err != nil {
		p.errNode(n, "T001", "%v", err)
		return typesystem.Any
	}
	return t
}

func (p *Parser) parseStringList(n *yaml.Node) []string {
	if !p.requireSequence(n, "list") {
		return nil
	}
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		out = append(out, item.Value)
	}
	return out
}

// parseExprScalar parses a scalar holding a condition or value expression.
// Bare expressions ("energy > 10") and wrapped ones ("${energy > 10}") are
// both accepted.
func (p *Parser) parseExprScalar(n *yaml.Node) ast.Expr {
	src := n.Value
	var expr ast.Expr
	var errs []*diagnostics.Diagnostic
	if strings.Contains(src, "${") || strings.Contains(src, "{{") {
		expr, errs = parser.ParseValue(src, n.Line, n.Column)
	} else {
		expr, errs = parser.ParseExpression(src, n.Line, n.Column)
	}
	p.adoptDiags(errs)
	return expr
}

func (p *Parser) adoptDiags(errs []*diagnostics.Diagnostic) {
	for _, d := range errs {
		if d.File == "" {
			d.File = p.file
		}
		p.diags = append(p.diags, d)
	}
}

// parseValueNode converts an arbitrary YAML value node into an expression.
func (p *Parser) parseValueNode(n *yaml.Node) ast.Expr {
	switch n.Kind {
	case yaml.ScalarNode:
		return p.parseScalarValue(n)
	case yaml.SequenceNode:
		lit := &ast.ListLiteral{Token: nodeToken(n)}
		for _, item := range n.Content {
			if e := p.parseValueNode(item); e != nil {
				lit.Elements = append(lit.Elements, e)
			}
		}
		return lit
	case yaml.MappingNode:
		lit := &ast.MapLiteral{Token: nodeToken(n)}
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			e := p.parseValueNode(val)
			if e == nil {
				continue
			}
			lit.Keys = append(lit.Keys, key.Value)
			lit.Values = append(lit.Values, e)
		}
		return lit
	default:
		p.errNode(n, "P001", "unsupported value node")
		return nil
	}
}

func nodeToken(n *yaml.Node) token.Token {
	return token.Token{Line: n.Line, Column: n.Column, Lexeme: n.Value}
}

// parseScalarValue maps YAML scalar tags to literals; untagged strings go
// through the interpolation-aware value parser.
func (p *Parser) parseScalarValue(n *yaml.Node) ast.Expr {
	switch n.Tag {
	case "!!int":
		v, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			p.errNode(n, "P001", "bad integer %q", n.Value)
			return nil
		}
		return &ast.IntLiteral{Token: nodeToken(n), Value: v}
	case "!!float":
		v, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			p.errNode(n, "P001", "bad float %q", n.Value)
			return nil
		}
		return &ast.FloatLiteral{Token: nodeToken(n), Value: v}
	case "!!bool":
		return &ast.BoolLiteral{Token: nodeToken(n), Value: n.Value == "true"}
	case "!!null":
		return &ast.NullLiteral{Token: nodeToken(n)}
	default:
		// Bare duration scalars (3s, 500ms) are common in timeout positions.
		if d, err := time.ParseDuration(n.Value); err == nil && looksLikeDuration(n.Value) {
			return &ast.DurationLiteral{Token: nodeToken(n), Value: d}
		}
		expr, errs := parser.ParseValue(n.Value, n.Line, n.Column)
		p.adoptDiags(errs)
		return expr
	}
}

func looksLikeDuration(s string) bool {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return false
	}
	last := s[len(s)-1]
	return last == 's' || last == 'm' || last == 'h'
}

func (p *Parser) parseExprList(n *yaml.Node) []ast.Expr {
	if !p.requireSequence(n, "expression list") {
		return nil
	}
	var out []ast.Expr
	for _, item := range n.Content {
		if e := p.parseExprScalar(item); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// parseAssignments parses an ordered name → value mapping.
func (p *Parser) parseAssignments(n *yaml.Node) []*ast.Assignment {
	if !p.requireMapping(n, "assignment block") {
		return nil
	}
	var out []*ast.Assignment
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		e := p.parseValueNode(val)
		if e == nil {
			continue
		}
		out = append(out, &ast.Assignment{Pos: pos(key), Name: key.Value, Value: e})
	}
	return out
}
