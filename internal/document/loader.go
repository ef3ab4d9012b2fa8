package document

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arcadia/abml/internal/ast"
	"github.com/arcadia/abml/internal/diagnostics"
)

// FSLoader loads imported documents from the filesystem, caching parsed
// results so a document shared by several import paths parses once.
type FSLoader struct {
	// Root is the directory import paths are resolved against.
	Root string
	// Strict is passed through to the parser for every loaded document.
	Strict bool

	cache map[string]*ast.Document
}

func NewFSLoader(root string, strict bool) *FSLoader {
	return &FSLoader{Root: root, Strict: strict, cache: map[string]*ast.Document{}}
}

// Load parses the document at path (relative paths resolve against Root).
// Parse diagnostics of imported documents are returned as an error: an
// import is only usable when it compiles cleanly.
func (l *FSLoader) Load(path string) (*ast.Document, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(l.Root, path)
	}
	full = filepath.Clean(full)

	if doc, ok := l.cache[full]; ok {
		return doc, nil
	}

	src, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("load import %q: %w", path, err)
	}

	p := &Parser{Strict: l.Strict}
	doc, diags := p.Parse(full, src)
	if diagnostics.HasErrors(diags) {
		return nil, fmt.Errorf("import %q: %w", path, diagnostics.FirstError(diags))
	}

	if l.cache == nil {
		l.cache = map[string]*ast.Document{}
	}
	l.cache[full] = doc
	return doc, nil
}
