package parser

// FieldSpec describes one embeddable or storable field a node type exposes.
// A parser declares these once; the registry derives the embedding-field
// list and the index-provisioning plan from them instead of every caller
// re-deriving the same thing.
type FieldSpec struct {
	Name     string // "name", "content", "description"
	Embed    bool   // whether the embedding engine should chunk+embed this field
	Required bool
}

// ChunkingConfig overrides the embedding engine's default char-based
// chunking thresholds for a specific node type. A nil *ChunkingConfig on a
// NodeTypeDefinition means "use the engine default".
type ChunkingConfig struct {
	TriggerChars int // content at or above this length gets split into chunks
	TargetChars  int // target size of each chunk
	OverlapChars int // characters of trailing overlap carried into the next chunk
}

// NodeTypeDefinition is the declarative description a parser contributes to
// the registry: what label it produces, which properties that label always
// carries, which field serves as the content-hash source, and which fields
// are embeddable. The ingestion orchestrator and the embedding engine read
// this table instead of hardcoding per-format knowledge.
type NodeTypeDefinition struct {
	Label            string
	Fields           []FieldSpec
	ContentHashField string
	Chunking         *ChunkingConfig
}

// EmbeddingFields returns the names of every field marked Embed.
func (d NodeTypeDefinition) EmbeddingFields() []string {
	var out []string
	for _, f := range d.Fields {
		if f.Embed {
			out = append(out, f.Name)
		}
	}
	return out
}

// TypeProvider is implemented by parsers that want to contribute one or more
// node type definitions to the registry. A parser that does not implement it
// contributes no node type definitions.
type TypeProvider interface {
	NodeTypes() []NodeTypeDefinition
}
