//go:build cgo

package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ragforge/ragforge/llm"
	"github.com/ragforge/ragforge/lock"
	"github.com/ragforge/ragforge/state"
	"github.com/ragforge/ragforge/store"
)

// fakeEmbedder returns a fixed vector regardless of input text, so vector
// search tests can assert on which chunks rank nearest without depending on
// a real embedding model.
type fakeEmbedder struct{ vec []float32 }

func (f *fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, nil
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath, 4)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedNodeWithChunk(t *testing.T, s *store.Store, projectID, uuid, path, content string, vec []float32) {
	t.Helper()
	ctx := context.Background()
	n := &store.Node{
		UUID: uuid, Label: "MarkdownSection", ProjectID: projectID,
		SourcePath: path, State: state.Ready,
		Props: map[string]any{"content": content},
	}
	if err := s.UpsertNode(ctx, n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	chunk := &store.Chunk{
		UUID: uuid + "-c0", NodeUUID: uuid, ProjectID: projectID,
		Field: "content", Seq: 0, StartChar: 0, EndChar: len(content), Content: content,
		ContentHash: "h",
	}
	if err := s.InsertChunks(ctx, []*store.Chunk{chunk}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if err := s.InsertEmbedding(ctx, chunk.ID, "test", "test-model", vec); err != nil {
		t.Fatalf("InsertEmbedding: %v", err)
	}
}

func TestKeywordSearchFindsMatchingContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertProject(ctx, &store.Project{ID: "proj1", RootPath: "/repo"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	seedNodeWithChunk(t, s, "proj1", "n1", "/repo/a.md", "the quick brown fox", []float32{1, 0, 0, 0})
	seedNodeWithChunk(t, s, "proj1", "n2", "/repo/b.md", "a lazy dog sleeps", []float32{0, 1, 0, 0})

	eng := New(s, &fakeEmbedder{vec: []float32{1, 0, 0, 0}}, lock.NewManager(), DefaultConfig())
	resp, err := eng.Search(ctx, "fox", SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].NodeUUID != "n1" {
		t.Fatalf("expected exactly node n1 to match, got %+v", resp.Results)
	}
}

func TestSemanticSearchRanksNearestVector(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertProject(ctx, &store.Project{ID: "proj1", RootPath: "/repo"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	seedNodeWithChunk(t, s, "proj1", "n1", "/repo/a.md", "alpha content", []float32{1, 0, 0, 0})
	seedNodeWithChunk(t, s, "proj1", "n2", "/repo/b.md", "beta content", []float32{0, 0, 0, 1})

	eng := New(s, &fakeEmbedder{vec: []float32{1, 0, 0, 0}}, lock.NewManager(), DefaultConfig())
	resp, err := eng.Search(ctx, "anything", SearchOptions{Semantic: true, Limit: 10, MinScore: 0})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) == 0 || resp.Results[0].NodeUUID != "n1" {
		t.Fatalf("expected n1 to rank first (exact vector match), got %+v", resp.Results)
	}
	if resp.Results[0].MatchedRange == nil {
		t.Fatal("expected semantic hit to carry a matched range")
	}
}

func TestHybridSearchBoostsSemanticHitsConfirmedByKeyword(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertProject(ctx, &store.Project{ID: "proj1", RootPath: "/repo"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	seedNodeWithChunk(t, s, "proj1", "n1", "/repo/a.md", "widget assembly instructions", []float32{1, 0, 0, 0})
	seedNodeWithChunk(t, s, "proj1", "n2", "/repo/b.md", "unrelated topic entirely", []float32{0.9, 0.1, 0, 0})

	eng := New(s, &fakeEmbedder{vec: []float32{1, 0, 0, 0}}, lock.NewManager(), DefaultConfig())
	resp, err := eng.Search(ctx, "widget", SearchOptions{Semantic: true, Hybrid: true, Limit: 10, MinScore: 0})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) == 0 || resp.Results[0].NodeUUID != "n1" {
		t.Fatalf("expected the keyword+semantic double match to rank first, got %+v", resp.Results)
	}
}

func TestSearchAppliesGlobFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertProject(ctx, &store.Project{ID: "proj1", RootPath: "/repo"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	seedNodeWithChunk(t, s, "proj1", "n1", "/repo/a.md", "matching keyword term", []float32{1, 0, 0, 0})
	seedNodeWithChunk(t, s, "proj1", "n2", "/repo/a.txt", "matching keyword term", []float32{1, 0, 0, 0})

	eng := New(s, &fakeEmbedder{vec: []float32{1, 0, 0, 0}}, lock.NewManager(), DefaultConfig())
	resp, err := eng.Search(ctx, "matching", SearchOptions{Limit: 10, Glob: "*.md"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].NodeUUID != "n1" {
		t.Fatalf("expected glob to restrict to the .md file, got %+v", resp.Results)
	}
}

func TestSearchRespectsExplicitProjectList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertProject(ctx, &store.Project{ID: "proj1", RootPath: "/repo1"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	if err := s.UpsertProject(ctx, &store.Project{ID: "proj2", RootPath: "/repo2"}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	seedNodeWithChunk(t, s, "proj1", "n1", "/repo1/a.md", "shared keyword", []float32{1, 0, 0, 0})
	seedNodeWithChunk(t, s, "proj2", "n2", "/repo2/a.md", "shared keyword", []float32{1, 0, 0, 0})

	eng := New(s, &fakeEmbedder{vec: []float32{1, 0, 0, 0}}, lock.NewManager(), DefaultConfig())
	resp, err := eng.Search(ctx, "shared", SearchOptions{Limit: 10, Projects: []string{"proj1"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ProjectID != "proj1" {
		t.Fatalf("expected only proj1's node, got %+v", resp.Results)
	}
}

func TestSearchExcludesTouchedFilesByDefault(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertProject(ctx, &store.Project{ID: "touched-files", RootPath: "", Synthetic: true}); err != nil {
		t.Fatalf("UpsertProject: %v", err)
	}
	seedNodeWithChunk(t, s, "touched-files", "n1", "/tmp/scratch.md", "orphan keyword", []float32{1, 0, 0, 0})

	eng := New(s, &fakeEmbedder{vec: []float32{1, 0, 0, 0}}, lock.NewManager(), DefaultConfig())
	resp, err := eng.Search(ctx, "orphan", SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("expected touched-files excluded by default, got %+v", resp.Results)
	}

	resp, err = eng.Search(ctx, "orphan", SearchOptions{Limit: 10, TouchedFilesBasePath: "/tmp"})
	if err != nil {
		t.Fatalf("Search with touched files base path: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected touched-files included once a base path is set, got %+v", resp.Results)
	}
}

func TestBuildFTSQueryEscapesAndDedupes(t *testing.T) {
	got := buildFTSQuery(`"hello" hello world!`, 0)
	want := "hello OR world"
	if got != want {
		t.Fatalf("buildFTSQuery = %q, want %q", got, want)
	}
}

func TestBuildFTSQueryAppliesFuzzyPrefix(t *testing.T) {
	got := buildFTSQuery("running", 2)
	if got != "runni*" {
		t.Fatalf("buildFTSQuery with fuzzy distance = %q, want %q", got, "runni*")
	}
}

func TestBuildFTSQueryEmptyAfterCleaning(t *testing.T) {
	if got := buildFTSQuery("!!!", 0); got != "" {
		t.Fatalf("expected empty query for all-punctuation input, got %q", got)
	}
}

func TestIsSynthesisQueryDetectsExhaustiveIntent(t *testing.T) {
	if !isSynthesisQuery("list all references to the part number") {
		t.Fatal("expected exhaustive phrase to be detected")
	}
	if isSynthesisQuery("what is the voltage rating") {
		t.Fatal("expected a point-lookup query not to be flagged as synthesis")
	}
}

func TestPaginateClampsToLength(t *testing.T) {
	results := []Result{{NodeUUID: "a"}, {NodeUUID: "b"}, {NodeUUID: "c"}}
	got := paginate(results, 1, 10)
	if len(got) != 2 || got[0].NodeUUID != "b" {
		t.Fatalf("unexpected page: %+v", got)
	}
	if got := paginate(results, 5, 10); got != nil {
		t.Fatalf("expected nil for out-of-range offset, got %+v", got)
	}
}
