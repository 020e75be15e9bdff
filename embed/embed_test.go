//go:build cgo

package embed

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ragforge/ragforge/llm"
	"github.com/ragforge/ragforge/lock"
	"github.com/ragforge/ragforge/parser"
	"github.com/ragforge/ragforge/state"
	"github.com/ragforge/ragforge/store"
)

// fakeProvider returns a deterministic, fixed-length vector per text so
// tests can assert on call counts and failures without a real model.
type fakeProvider struct {
	dim     int
	failN   int // fail the first failN calls to Embed
	calls   int
	failAll bool
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failAll || f.calls <= f.failN {
		return nil, errFake
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

var errFake = &fakeError{"fake provider failure"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func newTestEngine(t *testing.T, provider llm.Provider) (*Engine, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath, 4)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := parser.NewRegistry()
	locks := lock.NewManager()
	cfg := DefaultConfig()
	cfg.Provider = "ollama"
	cfg.Model = "nomic-embed-text"
	cfg.LockTimeout = 0
	return New(s, reg, provider, locks, cfg), s
}

func mustProject(t *testing.T, s *store.Store, id, root string) {
	t.Helper()
	if err := s.UpsertProject(context.Background(), &store.Project{ID: id, RootPath: root}); err != nil {
		t.Fatalf("upserting project: %v", err)
	}
}

func TestRunEmbedsLinkedNodeAndMarksReady(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, &fakeProvider{dim: 4})
	mustProject(t, s, "proj1", "/repo")

	n := &store.Node{
		UUID: "n1", Label: "MarkdownSection", ProjectID: "proj1",
		SourcePath: "/repo/a.md", State: state.Linked,
		Props: map[string]any{"name": "a.md", "content": "hello world"},
	}
	if err := s.UpsertNode(ctx, n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	if err := e.Run(ctx, "proj1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := s.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.State != state.Ready {
		t.Fatalf("expected node advanced to ready, got %s", got.State)
	}
	if got.EmbeddingProvider != "ollama" || got.EmbeddingModel != "nomic-embed-text" {
		t.Fatalf("expected embedding stamp, got %+v", got)
	}

	chunks, err := s.GetChunksByNode(ctx, "n1", "content")
	if err != nil {
		t.Fatalf("GetChunksByNode: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for a short field, got %d", len(chunks))
	}
}

func TestRunSkipsNodesNotLinked(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, &fakeProvider{dim: 4})
	mustProject(t, s, "proj1", "/repo")

	n := &store.Node{
		UUID: "n1", Label: "MarkdownSection", ProjectID: "proj1",
		Props: map[string]any{"content": "hello"},
	} // default state: discovered
	s.UpsertNode(ctx, n)

	if err := e.Run(ctx, "proj1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks, _ := s.GetChunksByNode(ctx, "n1", "content")
	if len(chunks) != 0 {
		t.Fatal("expected node in discovered state to be untouched")
	}
}

func TestRunIsIncrementalOnUnchangedContent(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{dim: 4}
	e, s := newTestEngine(t, provider)
	mustProject(t, s, "proj1", "/repo")

	n := &store.Node{
		UUID: "n1", Label: "MarkdownSection", ProjectID: "proj1",
		State: state.Linked, Props: map[string]any{"content": "stable content"},
	}
	s.UpsertNode(ctx, n)
	if err := e.Run(ctx, "proj1"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	firstCalls := provider.calls

	// The node is back in "linked" (as a reparse would leave it) but its
	// content field is unchanged; the second pass must not re-embed it.
	if err := s.SetNodeState(ctx, "n1", state.Ready, state.Dirty); err != nil {
		t.Fatalf("SetNodeState to dirty: %v", err)
	}
	if err := s.SetNodeState(ctx, "n1", state.Dirty, state.Parsing); err != nil {
		t.Fatalf("SetNodeState to parsing: %v", err)
	}
	if err := s.SetNodeState(ctx, "n1", state.Parsing, state.Parsed); err != nil {
		t.Fatalf("SetNodeState to parsed: %v", err)
	}
	if err := s.SetNodeState(ctx, "n1", state.Parsed, state.Linked); err != nil {
		t.Fatalf("SetNodeState to linked: %v", err)
	}

	if err := e.Run(ctx, "proj1"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if provider.calls != firstCalls {
		t.Fatalf("expected no new Embed calls for unchanged content, had %d then %d", firstCalls, provider.calls)
	}
}

func TestRunChunksOverLongField(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, &fakeProvider{dim: 4})
	e.cfg.Chunking.TriggerChars = 50
	e.cfg.Chunking.TargetChars = 40
	e.cfg.Chunking.OverlapChars = 5
	mustProject(t, s, "proj1", "/repo")

	long := strings.Repeat("word ", 40)
	n := &store.Node{
		UUID: "n1", Label: "MarkdownSection", ProjectID: "proj1",
		State: state.Linked, Props: map[string]any{"content": long},
	}
	s.UpsertNode(ctx, n)

	if err := e.Run(ctx, "proj1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks, err := s.GetChunksByNode(ctx, "n1", "content")
	if err != nil {
		t.Fatalf("GetChunksByNode: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected long field split into multiple chunks, got %d", len(chunks))
	}
}

func TestRunFallsBackToPerTextOnBatchFailure(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{dim: 4, failN: 3} // every batch-level retry attempt fails
	e, s := newTestEngine(t, provider)
	mustProject(t, s, "proj1", "/repo")

	n := &store.Node{
		UUID: "n1", Label: "MarkdownSection", ProjectID: "proj1",
		State: state.Linked, Props: map[string]any{"content": "hello world"},
	}
	s.UpsertNode(ctx, n)

	if err := e.Run(ctx, "proj1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks, err := s.GetChunksByNode(ctx, "n1", "content")
	if err != nil {
		t.Fatalf("GetChunksByNode: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected the per-text fallback to still embed the field, got %d chunks", len(chunks))
	}
}

func TestRunReturnsErrorWhenAllTasksFail(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, &fakeProvider{dim: 4, failAll: true})
	mustProject(t, s, "proj1", "/repo")

	n := &store.Node{
		UUID: "n1", Label: "MarkdownSection", ProjectID: "proj1",
		State: state.Linked, Props: map[string]any{"content": "hello"},
	}
	s.UpsertNode(ctx, n)

	if err := e.Run(ctx, "proj1"); err == nil {
		t.Fatal("expected an error when every embedding call fails")
	}
}

func TestTruncateCutsOnWordBoundary(t *testing.T) {
	text := "one two three four five"
	got := truncate(text, 10)
	if strings.HasSuffix(got, "thre") {
		t.Fatalf("expected truncation to land on a word boundary, got %q", got)
	}
	if len(got) > 10 {
		t.Fatalf("expected result within maxLen, got %q (%d chars)", got, len(got))
	}
}

func TestTruncateNoOpUnderLimit(t *testing.T) {
	text := "short"
	if got := truncate(text, 100); got != text {
		t.Fatalf("expected no-op for text under limit, got %q", got)
	}
}

func TestFieldHashStableAndSensitiveToContent(t *testing.T) {
	a := fieldHash("hello")
	b := fieldHash("hello")
	c := fieldHash("world")
	if a != b {
		t.Fatal("expected identical text to hash identically")
	}
	if a == c {
		t.Fatal("expected different text to hash differently")
	}
}
