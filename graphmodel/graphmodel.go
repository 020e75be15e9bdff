// Package graphmodel defines the node and relationship vocabulary that every
// parser, the ingestion orchestrator, and the search planner share. It mirrors
// the way the store package used to hang its document/chunk/entity structs
// off a single schema: here the schema is a generic property graph instead,
// so the vocabulary lives in its own package rather than inside store.
package graphmodel

import (
	"crypto/sha1" //nolint:gosec // used by shortHash only, not for security
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

// Label identifies the type of a node in the graph.
type Label string

const (
	LabelProject             Label = "Project"
	LabelDirectory           Label = "Directory"
	LabelFile                Label = "File"
	LabelScope               Label = "Scope"
	LabelMarkdownDocument    Label = "MarkdownDocument"
	LabelMarkdownSection     Label = "MarkdownSection"
	LabelCodeBlock           Label = "CodeBlock"
	LabelDataFile            Label = "DataFile"
	LabelWebPage             Label = "WebPage"
	LabelMediaFile           Label = "MediaFile"
	LabelImageFile           Label = "ImageFile"
	LabelThreeDFile          Label = "ThreeDFile"
	LabelDocumentFile        Label = "DocumentFile"
	LabelPDFDocument         Label = "PDFDocument"
	LabelWordDocument        Label = "WordDocument"
	LabelSpreadsheetDocument Label = "SpreadsheetDocument"
	LabelEmbeddingChunk      Label = "EmbeddingChunk"
)

// RelType identifies the type of a directed relationship between two nodes.
type RelType string

const (
	RelBelongsTo          RelType = "BELONGS_TO"
	RelInDirectory        RelType = "IN_DIRECTORY"
	RelDefinedIn          RelType = "DEFINED_IN"
	RelContains           RelType = "CONTAINS"
	RelNextChunk          RelType = "NEXT_CHUNK"
	RelHasEmbeddingChunk  RelType = "HAS_EMBEDDING_CHUNK"
	RelConsumes           RelType = "CONSUMES"
	RelPendingImport      RelType = "PENDING_IMPORT"
	RelGeneratedFrom      RelType = "GENERATED_FROM"
)

// uuidNamespace roots every deterministic node id generated by this module.
// Changing it would silently reassign every existing node's identity, so it
// is fixed once and never regenerated.
var uuidNamespace = uuid.MustParse("8f14e45f-ceea-467e-bd93-5c1a1f3b0b6d")

// NodeUUID derives a stable identifier for a node from its label and the
// natural key a parser considers unique for that label (usually a path, or a
// path plus a byte range). The same (label, key) pair always yields the same
// UUID, which is what lets re-ingesting an unchanged file be a no-op and lets
// a relationship reference a node before that node has been created.
func NodeUUID(label Label, key string) uuid.UUID {
	return uuid.NewHash(sha256.New(), uuidNamespace, []byte(string(label)+"\x00"+key), 8)
}

// ContentHash returns the hex-encoded SHA-256 digest of content, used to
// detect whether a node's underlying bytes changed since the last time it
// was ingested.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// shortHash is used where a full SHA-256 digest would be overkill, e.g. to
// keep ChunkUUID's natural key short across the (node, field) pairs it
// disambiguates.
func shortHash(parts ...string) string {
	h := sha1.New() //nolint:gosec
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ChunkUUID derives a stable identifier for an embedding chunk from its
// parent node's uuid, the field it was extracted from, and its sequence
// number, so re-embedding unchanged content reproduces the same chunk row
// instead of accumulating duplicates.
func ChunkUUID(nodeUUID, field string, seq int) uuid.UUID {
	key := shortHash(nodeUUID, field) + "#" + strconv.Itoa(seq)
	return NodeUUID(LabelEmbeddingChunk, key)
}
