// Package pipeline chains the compilation stages: document parsing,
// semantic resolution, type checking and code generation. Stages keep
// running after errors so a single pass collects diagnostics from every
// phase.
package pipeline

import (
	"github.com/arcadia/abml/internal/analyzer"
	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/compiler"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/document"
)

// Context carries the artifacts of one compilation through the stages.
type Context struct {
	File   string
	Source []byte

	// Strict upgrades unknown-key warnings to errors in the document
	// parser.
	Strict bool
	// Loader resolves imports; nil disables import flattening.
	Loader analyzer.Loader

	Document    *ast.Document
	Resolved    *ast.Document
	Model       *compiler.Model
	Diagnostics []*diagnostics.Diagnostic
}

// HasErrors reports whether any stage produced an error diagnostic.
func (c *Context) HasErrors() bool {
	return diagnostics.HasErrors(c.Diagnostics)
}

// Processor is a single pipeline stage.
type Processor interface {
	Process(ctx *Context) *Context
}

// Pipeline is a sequence of processing stages.
type Pipeline struct {
	processors []Processor
}

func New(processors ...Processor) *Pipeline {
	return &Pipeline{processors: processors}
}

// Run executes the pipeline.
func (p *Pipeline) Run(ctx *Context) *Context {
	for _, processor := range p.processors {
		ctx = processor.Process(ctx)
	}
	return ctx
}

// ParseProcessor parses the YAML document into its AST.
type ParseProcessor struct{}

func (ParseProcessor) Process(ctx *Context) *Context {
	p := &document.Parser{Strict: ctx.Strict}
	doc, diags := p.Parse(ctx.File, ctx.Source)
	ctx.Document = doc
	ctx.Diagnostics = append(ctx.Diagnostics, diags...)
	return ctx
}

// ResolveProcessor flattens imports and binds references.
type ResolveProcessor struct{}

func (ResolveProcessor) Process(ctx *Context) *Context {
	if ctx.Document == nil {
		return ctx
	}
	r := &analyzer.Resolver{Loader: ctx.Loader}
	resolved, diags := r.Resolve(ctx.Document)
	ctx.Resolved = resolved
	ctx.Diagnostics = append(ctx.Diagnostics, diags...)
	return ctx
}

// CheckProcessor runs static type inference.
type CheckProcessor struct{}

func (CheckProcessor) Process(ctx *Context) *Context {
	doc := ctx.Resolved
	if doc == nil {
		doc = ctx.Document
	}
	if doc == nil {
		return ctx
	}
	ctx.Diagnostics = append(ctx.Diagnostics, analyzer.Check(doc)...)
	return ctx
}

// CompileProcessor lowers the resolved document to a behavior model. It
// only runs when the earlier stages left no errors.
type CompileProcessor struct{}

func (CompileProcessor) Process(ctx *Context) *Context {
	doc := ctx.Resolved
	if doc == nil {
		doc = ctx.Document
	}
	if doc == nil || ctx.HasErrors() {
		return ctx
	}
	model, diags := compiler.Compile(doc)
	ctx.Diagnostics = append(ctx.Diagnostics, diags...)
	if !diagnostics.HasErrors(diags) {
		ctx.Model = model
	}
	return ctx
}

// Compile runs the full stage chain over one source buffer.
func Compile(ctx *Context) *Context {
	return New(
		ParseProcessor{},
		ResolveProcessor{},
		CheckProcessor{},
		CompileProcessor{},
	).Run(ctx)
}
