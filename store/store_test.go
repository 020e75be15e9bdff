//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ragforge/ragforge/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustProject(t *testing.T, s *Store, id, root string) *Project {
	t.Helper()
	p := &Project{ID: id, RootPath: root, DisplayName: id}
	if err := s.UpsertProject(context.Background(), p); err != nil {
		t.Fatalf("upserting project: %v", err)
	}
	return p
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Project CRUD
// ---------------------------------------------------------------------------

func TestUpsertAndGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")

	got, err := s.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.RootPath != "/repo" {
		t.Fatalf("expected root /repo, got %s", got.RootPath)
	}
}

func TestGetProjectByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")

	got, err := s.GetProjectByPath(ctx, "/repo")
	if err != nil {
		t.Fatalf("GetProjectByPath: %v", err)
	}
	if got.ID != "proj1" {
		t.Fatalf("expected proj1, got %s", got.ID)
	}
}

func TestGetProjectByPathNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetProjectByPath(context.Background(), "/nope"); err == nil {
		t.Fatal("expected error for unregistered path")
	}
}

func TestListProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "a", "/a")
	mustProject(t, s, "b", "/b")

	got, err := s.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(got))
	}
}

func TestSetWatchState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")

	if err := s.SetWatchState(ctx, "proj1", "active"); err != nil {
		t.Fatalf("SetWatchState: %v", err)
	}
	got, err := s.GetProject(ctx, "proj1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.WatchState != "active" {
		t.Fatalf("expected watch_state active, got %s", got.WatchState)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")

	n := &Node{UUID: "n1", Label: "File", ProjectID: "proj1", SourcePath: "/repo/a.md"}
	if err := s.UpsertNode(ctx, n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if err := s.DeleteProject(ctx, "proj1"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := s.GetNode(ctx, "n1"); err == nil {
		t.Fatal("expected node to be gone after project delete")
	}
}

// ---------------------------------------------------------------------------
// Node CRUD and state machine
// ---------------------------------------------------------------------------

func TestUpsertAndGetNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")

	n := &Node{
		UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1",
		SourcePath: "/repo/README.md", ContentHash: "abc",
		Props: map[string]any{"name": "README.md", "content": "hello"},
	}
	if err := s.UpsertNode(ctx, n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	got, err := s.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.State != state.Discovered {
		t.Fatalf("expected default state discovered, got %s", got.State)
	}
	if got.Props["content"] != "hello" {
		t.Fatalf("expected props to round-trip, got %v", got.Props)
	}
}

func TestUpsertNodePreservesState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")

	n := &Node{UUID: "n1", Label: "File", ProjectID: "proj1", SourcePath: "/repo/a.md"}
	if err := s.UpsertNode(ctx, n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if err := s.SetNodeState(ctx, "n1", state.Discovered, state.Parsing); err != nil {
		t.Fatalf("SetNodeState: %v", err)
	}

	// A second upsert (content changed) must not reset state back to discovered.
	n.ContentHash = "new-hash"
	if err := s.UpsertNode(ctx, n); err != nil {
		t.Fatalf("re-upserting node: %v", err)
	}
	got, err := s.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.State != state.Parsing {
		t.Fatalf("expected state to remain parsing, got %s", got.State)
	}
}

func TestSetNodeStateRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	n := &Node{UUID: "n1", Label: "File", ProjectID: "proj1", SourcePath: "/repo/a.md"}
	s.UpsertNode(ctx, n)

	if err := s.SetNodeState(ctx, "n1", state.Discovered, state.Ready); err == nil {
		t.Fatal("expected error for discovered->ready, which is not a legal transition")
	}
}

func TestSetNodeStateLosesClaimRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	n := &Node{UUID: "n1", Label: "File", ProjectID: "proj1", SourcePath: "/repo/a.md"}
	s.UpsertNode(ctx, n)

	if err := s.SetNodeState(ctx, "n1", state.Discovered, state.Parsing); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// A second claim from the same "from" state has already been consumed.
	if err := s.SetNodeState(ctx, "n1", state.Discovered, state.Parsing); err == nil {
		t.Fatal("expected second claim from a stale state to fail")
	}
}

func TestGetNodeByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	n := &Node{UUID: "n1", Label: "File", ProjectID: "proj1", SourcePath: "/repo/a.md"}
	s.UpsertNode(ctx, n)

	got, err := s.GetNodeByPath(ctx, "proj1", "/repo/a.md")
	if err != nil {
		t.Fatalf("GetNodeByPath: %v", err)
	}
	if got.UUID != "n1" {
		t.Fatalf("expected n1, got %s", got.UUID)
	}
}

func TestMarkEmbeddedAndSetSchemaHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	n := &Node{UUID: "n1", Label: "File", ProjectID: "proj1", SourcePath: "/repo/a.md"}
	s.UpsertNode(ctx, n)

	if err := s.MarkEmbedded(ctx, "n1", "ollama", "nomic-embed-text"); err != nil {
		t.Fatalf("MarkEmbedded: %v", err)
	}
	if err := s.SetSchemaHash(ctx, "n1", "deadbeef"); err != nil {
		t.Fatalf("SetSchemaHash: %v", err)
	}
	got, err := s.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.EmbeddingProvider != "ollama" || got.EmbeddingModel != "nomic-embed-text" {
		t.Fatalf("expected embedding stamp to persist, got %+v", got)
	}
	if got.SchemaHash != "deadbeef" {
		t.Fatalf("expected schema hash to persist, got %s", got.SchemaHash)
	}
}

func TestDeleteNodesByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "File", ProjectID: "proj1", SourcePath: "/repo/a.md"})
	s.UpsertNode(ctx, &Node{UUID: "n2", Label: "MarkdownSection", ProjectID: "proj1", SourcePath: "/repo/a.md"})
	s.UpsertNode(ctx, &Node{UUID: "n3", Label: "File", ProjectID: "proj1", SourcePath: "/repo/b.md"})

	if err := s.DeleteNodesByPath(ctx, "proj1", "/repo/a.md"); err != nil {
		t.Fatalf("DeleteNodesByPath: %v", err)
	}
	if _, err := s.GetNode(ctx, "n1"); err == nil {
		t.Fatal("expected n1 deleted")
	}
	if _, err := s.GetNode(ctx, "n2"); err == nil {
		t.Fatal("expected n2 deleted")
	}
	if _, err := s.GetNode(ctx, "n3"); err != nil {
		t.Fatal("n3 belongs to a different path and should survive")
	}
}

func TestListNodesByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1", SourcePath: "/repo/a.md", State: state.Linked})
	s.UpsertNode(ctx, &Node{UUID: "n2", Label: "MarkdownDocument", ProjectID: "proj1", SourcePath: "/repo/b.md"})

	got, err := s.ListNodesByState(ctx, "proj1", "MarkdownDocument", state.Linked)
	if err != nil {
		t.Fatalf("ListNodesByState: %v", err)
	}
	if len(got) != 1 || got[0].UUID != "n1" {
		t.Fatalf("expected only n1 in linked state, got %+v", got)
	}
}

func TestCountNodesByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "File", ProjectID: "proj1", State: state.Discovered})
	s.UpsertNode(ctx, &Node{UUID: "n2", Label: "File", ProjectID: "proj1", State: state.Linked})

	counts, err := s.CountNodesByState(ctx, "proj1")
	if err != nil {
		t.Fatalf("CountNodesByState: %v", err)
	}
	if counts[state.Discovered] != 1 || counts[state.Linked] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestMoveNodeAndRepathNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "File", ProjectID: "proj1", SourcePath: "sub/a.md"})

	if err := s.MoveNode(ctx, "n1", "proj1", "renamed/a.md"); err != nil {
		t.Fatalf("MoveNode: %v", err)
	}
	got, _ := s.GetNode(ctx, "n1")
	if got.SourcePath != "renamed/a.md" {
		t.Fatalf("expected renamed path, got %s", got.SourcePath)
	}

	mustProject(t, s, "proj2", "/monorepo")
	if err := s.RepathNodes(ctx, "proj1", "proj2", "child"); err != nil {
		t.Fatalf("RepathNodes: %v", err)
	}
	got, _ = s.GetNode(ctx, "n1")
	if got.ProjectID != "proj2" {
		t.Fatalf("expected node migrated to proj2, got %s", got.ProjectID)
	}
	if got.SourcePath != filepath.Join("child", "renamed/a.md") {
		t.Fatalf("expected prefixed path, got %s", got.SourcePath)
	}
}

// ---------------------------------------------------------------------------
// Relationships
// ---------------------------------------------------------------------------

func TestUpsertRelationshipAndGetOutgoing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "a", Label: "File", ProjectID: "proj1"})
	s.UpsertNode(ctx, &Node{UUID: "b", Label: "Directory", ProjectID: "proj1"})

	rel := &Relationship{FromUUID: "a", RelType: "IN_DIRECTORY", ToUUID: "b"}
	if err := s.UpsertRelationship(ctx, rel); err != nil {
		t.Fatalf("UpsertRelationship: %v", err)
	}
	// Re-upserting the same (from, type, to) tuple must not duplicate it.
	if err := s.UpsertRelationship(ctx, rel); err != nil {
		t.Fatalf("re-upserting relationship: %v", err)
	}

	out, err := s.GetOutgoing(ctx, "a", "IN_DIRECTORY")
	if err != nil {
		t.Fatalf("GetOutgoing: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one relationship, got %d", len(out))
	}

	in, err := s.GetIncoming(ctx, "b", "IN_DIRECTORY")
	if err != nil {
		t.Fatalf("GetIncoming: %v", err)
	}
	if len(in) != 1 || in[0].FromUUID != "a" {
		t.Fatalf("expected incoming relationship from a, got %+v", in)
	}
}

func TestDeleteRelationshipsFrom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "a", Label: "File", ProjectID: "proj1"})
	s.UpsertNode(ctx, &Node{UUID: "b", Label: "Directory", ProjectID: "proj1"})
	s.UpsertRelationship(ctx, &Relationship{FromUUID: "a", RelType: "IN_DIRECTORY", ToUUID: "b"})

	if err := s.DeleteRelationshipsFrom(ctx, "a", "IN_DIRECTORY"); err != nil {
		t.Fatalf("DeleteRelationshipsFrom: %v", err)
	}
	out, _ := s.GetOutgoing(ctx, "a", "IN_DIRECTORY")
	if len(out) != 0 {
		t.Fatalf("expected relationships removed, got %d", len(out))
	}
}

// ---------------------------------------------------------------------------
// Chunks, vector search, FTS
// ---------------------------------------------------------------------------

func insertChunk(t *testing.T, s *Store, nodeUUID, content string, vec []float32) *Chunk {
	t.Helper()
	ctx := context.Background()
	c := &Chunk{
		UUID: nodeUUID + "-c", NodeUUID: nodeUUID, ProjectID: "proj1",
		Field: "content", Seq: 0, StartChar: 0, EndChar: len(content), Content: content,
	}
	if err := s.InsertChunks(ctx, []*Chunk{c}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if vec != nil {
		if err := s.InsertEmbedding(ctx, c.ID, "ollama", "nomic-embed-text", vec); err != nil {
			t.Fatalf("InsertEmbedding: %v", err)
		}
	}
	return c
}

func TestInsertAndGetChunksByNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1"})
	insertChunk(t, s, "n1", "hello world", nil)

	got, err := s.GetChunksByNode(ctx, "n1", "content")
	if err != nil {
		t.Fatalf("GetChunksByNode: %v", err)
	}
	if len(got) != 1 || got[0].Content != "hello world" {
		t.Fatalf("unexpected chunks: %+v", got)
	}
}

func TestDeleteChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1"})
	insertChunk(t, s, "n1", "hello world", nil)

	if err := s.DeleteChunks(ctx, "n1", "content"); err != nil {
		t.Fatalf("DeleteChunks: %v", err)
	}
	got, err := s.GetChunksByNode(ctx, "n1", "content")
	if err != nil {
		t.Fatalf("GetChunksByNode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no chunks left, got %d", len(got))
	}
}

func TestVectorSearchTopK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1"})
	s.UpsertNode(ctx, &Node{UUID: "n2", Label: "MarkdownDocument", ProjectID: "proj1"})
	s.UpsertNode(ctx, &Node{UUID: "n3", Label: "MarkdownDocument", ProjectID: "proj1"})

	insertChunk(t, s, "n1", "exact match", []float32{1, 0, 0, 0})
	insertChunk(t, s, "n2", "close match", []float32{0.9, 0.1, 0, 0})
	insertChunk(t, s, "n3", "far match", []float32{0, 0, 0, 1})

	matches, err := s.VectorSearch(ctx, []string{"proj1"}, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected top 2 matches, got %d", len(matches))
	}
	if matches[0].NodeUUID != "n1" {
		t.Fatalf("expected n1 as the closest match, got %s", matches[0].NodeUUID)
	}
}

func TestVectorSearchRespectsProjectFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo1")
	mustProject(t, s, "proj2", "/repo2")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1"})
	s.UpsertNode(ctx, &Node{UUID: "n2", Label: "MarkdownDocument", ProjectID: "proj2"})
	insertChunk(t, s, "n1", "in proj1", []float32{1, 0, 0, 0})

	c2 := &Chunk{UUID: "n2-c", NodeUUID: "n2", ProjectID: "proj2", Field: "content", Content: "in proj2"}
	s.InsertChunks(ctx, []*Chunk{c2})
	s.InsertEmbedding(ctx, c2.ID, "ollama", "nomic-embed-text", []float32{1, 0, 0, 0})

	matches, err := s.VectorSearch(ctx, []string{"proj1"}, []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	for _, m := range matches {
		if m.ProjectID != "proj1" {
			t.Fatalf("expected only proj1 results, got %s", m.ProjectID)
		}
	}
}

func TestFTSSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1"})
	insertChunk(t, s, "n1", "the quick brown fox jumps over the lazy dog", nil)

	matches, err := s.FTSSearch(ctx, []string{"proj1"}, "fox", 10)
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
}

func TestFTSSearchNoMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1"})
	insertChunk(t, s, "n1", "the quick brown fox", nil)

	matches, err := s.FTSSearch(ctx, []string{"proj1"}, "elephant", 10)
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %d", len(matches))
	}
}

// ---------------------------------------------------------------------------
// Schema drift sampling
// ---------------------------------------------------------------------------

func TestSampleSchemaHashStableForSameKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1", Props: map[string]any{"name": "a", "content": "x"}})
	s.UpsertNode(ctx, &Node{UUID: "n2", Label: "MarkdownDocument", ProjectID: "proj1", Props: map[string]any{"content": "y", "name": "b"}})

	h1, err := s.SampleSchemaHash(ctx, "proj1", "MarkdownDocument", 10)
	if err != nil {
		t.Fatalf("SampleSchemaHash: %v", err)
	}
	h2, err := s.SampleSchemaHash(ctx, "proj1", "MarkdownDocument", 10)
	if err != nil {
		t.Fatalf("SampleSchemaHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash across calls, got %s vs %s", h1, h2)
	}
}

func TestSampleSchemaHashChangesWithSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1", Props: map[string]any{"content": "x"}})

	before, err := s.SampleSchemaHash(ctx, "proj1", "MarkdownDocument", 10)
	if err != nil {
		t.Fatalf("SampleSchemaHash: %v", err)
	}

	s.UpsertNode(ctx, &Node{UUID: "n2", Label: "MarkdownDocument", ProjectID: "proj1", Props: map[string]any{"content": "y", "extra_field": "z"}})
	after, err := s.SampleSchemaHash(ctx, "proj1", "MarkdownDocument", 10)
	if err != nil {
		t.Fatalf("SampleSchemaHash: %v", err)
	}
	if before == after {
		t.Fatal("expected schema hash to change once a new property key appears")
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustProject(t, s, "proj1", "/repo")
	s.UpsertNode(ctx, &Node{UUID: "n1", Label: "MarkdownDocument", ProjectID: "proj1"})
	insertChunk(t, s, "n1", "hello", []float32{1, 0, 0, 0})

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Projects != 1 || stats.Nodes != 1 || stats.Chunks != 1 || stats.EmbeddedChunks != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestLogQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.LogQuery(ctx, []string{"proj1"}, "fox", "hybrid", 3, 42); err != nil {
		t.Fatalf("LogQuery: %v", err)
	}
}
