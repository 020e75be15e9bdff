package parser

import (
	"fmt"
	"log/slog"
)

// Registry dispatches a file extension to the Parser that handles it, and
// aggregates every registered parser's NodeTypeDefinitions into the
// auto-derived tables the embedding engine and the index provisioner consult.
type Registry struct {
	parsers   map[string]Parser
	nodeTypes map[string]NodeTypeDefinition // label -> definition
}

// NewRegistry registers the built-in parsers: Markdown, source code,
// structured data, PDF, DOCX, XLSX, and PPTX. Later calls to Register
// override earlier ones for the same extension, logging a warning, so a
// caller can swap in a custom parser for a format without forking this
// package.
func NewRegistry() *Registry {
	r := &Registry{
		parsers:   make(map[string]Parser),
		nodeTypes: make(map[string]NodeTypeDefinition),
	}
	for _, p := range []Parser{
		&LegacyParser{},
		&MarkdownParser{},
		&CodeParser{},
		&DataParser{},
		&TextParser{},
		&PDFParser{},
		&DOCXParser{},
		&XLSXParser{},
		&PPTXParser{},
	} {
		for _, f := range p.SupportedFormats() {
			r.Register(f, p)
		}
	}
	// ImageFile nodes are produced by several document parsers (PDF, DOCX,
	// PPTX) rather than owned by a single one, so the label is registered
	// directly here instead of through a TypeProvider. It has no embeddable
	// fields: an image carries no extracted text, so it skips straight to
	// "ready" once linked.
	r.nodeTypes["ImageFile"] = NodeTypeDefinition{Label: "ImageFile"}
	return r
}

// Get returns the parser registered for a format (a file extension without
// the leading dot), or an error if none is registered.
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser for format: %s", format)
	}
	return p, nil
}

// Register binds a format to a parser. Re-registering a format that already
// has a parser overwrites it — last registration wins — which is how a host
// application layers a specialized parser (e.g. a paid external API) over
// the built-ins without editing this package.
func (r *Registry) Register(format string, p Parser) {
	if existing, ok := r.parsers[format]; ok && existing != p {
		slog.Warn("parser registry: overriding parser for format", "format", format)
	}
	r.parsers[format] = p
	if tp, ok := p.(TypeProvider); ok {
		for _, nt := range tp.NodeTypes() {
			r.nodeTypes[nt.Label] = nt
		}
	}
}

// NodeType returns the definition registered for a label, if any.
func (r *Registry) NodeType(label string) (NodeTypeDefinition, bool) {
	nt, ok := r.nodeTypes[label]
	return nt, ok
}

// EmbeddingFieldTable returns, for every known label, the list of fields the
// embedding engine should chunk and embed. Built fresh from the current
// registrations rather than cached, since Register can run after startup.
func (r *Registry) EmbeddingFieldTable() map[string][]string {
	table := make(map[string][]string, len(r.nodeTypes))
	for label, nt := range r.nodeTypes {
		table[label] = nt.EmbeddingFields()
	}
	return table
}

// IndexPlan lists every (label, field) pair that needs a vector index and a
// full-text index, derived from the same NodeTypeDefinitions. The store's
// index provisioner walks this list with "IF NOT EXISTS" semantics rather
// than the registry hardcoding SQL.
type IndexTarget struct {
	Label string
	Field string
}

func (r *Registry) IndexPlan() []IndexTarget {
	var plan []IndexTarget
	for label, nt := range r.nodeTypes {
		for _, f := range nt.EmbeddingFields() {
			plan = append(plan, IndexTarget{Label: label, Field: f})
		}
	}
	return plan
}
