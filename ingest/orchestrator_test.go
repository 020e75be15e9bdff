//go:build cgo

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ragforge/ragforge/graphmodel"
	"github.com/ragforge/ragforge/lock"
	"github.com/ragforge/ragforge/parser"
	"github.com/ragforge/ragforge/state"
	"github.com/ragforge/ragforge/store"
)

func fileUUIDFor(absPath string) string {
	return graphmodel.NodeUUID(graphmodel.LabelFile, absPath).String()
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath, 4)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	o := New(s, parser.NewRegistry(), lock.NewManager(), DefaultConfig())
	return o, s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestRegisterProjectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)
	root := t.TempDir()

	id1, err := o.RegisterProject(ctx, root, TypeIndexed, "demo")
	if err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}
	id2, err := o.RegisterProject(ctx, root, TypeIndexed, "demo")
	if err != nil {
		t.Fatalf("RegisterProject (second call): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the same project id on repeat registration, got %q and %q", id1, id2)
	}
}

func TestRegisterProjectMigratesChildProject(t *testing.T) {
	ctx := context.Background()
	o, s := newTestOrchestrator(t)
	root := t.TempDir()
	childDir := filepath.Join(root, "child")
	if err := os.MkdirAll(childDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	childID, err := o.RegisterProject(ctx, childDir, TypeIndexed, "child")
	if err != nil {
		t.Fatalf("registering child: %v", err)
	}
	writeFile(t, childDir, "a.md", "# Title\n\nbody text")
	if err := o.processUpsert(ctx, mustProject(t, s, childID), filepath.Join(childDir, "a.md")); err != nil {
		t.Fatalf("processUpsert: %v", err)
	}

	parentID, err := o.RegisterProject(ctx, root, TypeIndexed, "parent")
	if err != nil {
		t.Fatalf("registering parent: %v", err)
	}
	if parentID == childID {
		t.Fatalf("expected a new project id for the parent")
	}

	if _, err := s.GetProject(ctx, childID); err == nil {
		t.Fatalf("expected child project to be removed after migration")
	}
	nodes, err := s.ListNodesByPathPrefix(ctx, parentID, "")
	if err != nil {
		t.Fatalf("ListNodesByPathPrefix: %v", err)
	}
	if len(nodes) == 0 {
		t.Fatalf("expected the child's nodes to have migrated under the parent project")
	}
}

// TestRegisterProjectMigrationProducesProjectRelativePaths guards against the
// source_path corruption RepathNodes produces when a node's path is absolute
// instead of project-relative: a child project registered at root/sub that
// migrates under a new parent at root must end up with its file node's path
// rewritten to exactly "sub/a.py", not a doubled or still-absolute string.
func TestRegisterProjectMigrationProducesProjectRelativePaths(t *testing.T) {
	ctx := context.Background()
	o, s := newTestOrchestrator(t)
	root := t.TempDir()
	subDir := filepath.Join(root, "sub")
	if err := os.MkdirAll(subDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	childID, err := o.RegisterProject(ctx, subDir, TypeIndexed, "sub")
	if err != nil {
		t.Fatalf("registering child: %v", err)
	}
	path := writeFile(t, subDir, "a.py", "def f():\n    return 1\n")
	if err := o.processUpsert(ctx, mustProject(t, s, childID), path); err != nil {
		t.Fatalf("processUpsert: %v", err)
	}

	fileUUID := fileUUIDFor(path)
	before, err := s.GetNode(ctx, fileUUID)
	if err != nil {
		t.Fatalf("GetNode before migration: %v", err)
	}
	if before.SourcePath != "a.py" {
		t.Fatalf("expected project-relative source path %q before migration, got %q", "a.py", before.SourcePath)
	}

	parentID, err := o.RegisterProject(ctx, root, TypeIndexed, "parent")
	if err != nil {
		t.Fatalf("registering parent: %v", err)
	}
	if parentID == childID {
		t.Fatalf("expected a new project id for the parent")
	}

	after, err := s.GetNode(ctx, fileUUID)
	if err != nil {
		t.Fatalf("GetNode after migration: %v", err)
	}
	if after.ProjectID != parentID {
		t.Fatalf("expected migrated node to belong to parent project %q, got %q", parentID, after.ProjectID)
	}
	if after.SourcePath != "sub/a.py" {
		t.Fatalf("expected migrated source path %q, got %q", "sub/a.py", after.SourcePath)
	}
}

func TestProcessUpsertLinksMarkdownFileAndSections(t *testing.T) {
	ctx := context.Background()
	o, s := newTestOrchestrator(t)
	root := t.TempDir()

	projID, err := o.RegisterProject(ctx, root, TypeIndexed, "demo")
	if err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}
	path := writeFile(t, root, "doc.md", "# Intro\n\nhello world\n\n## Details\n\nmore text")

	proj := mustProject(t, s, projID)
	if err := o.processUpsert(ctx, proj, path); err != nil {
		t.Fatalf("processUpsert: %v", err)
	}

	counts, err := s.CountNodesByState(ctx, projID)
	if err != nil {
		t.Fatalf("CountNodesByState: %v", err)
	}
	if counts[state.Linked] == 0 {
		t.Fatalf("expected at least one node in state linked, got counts %+v", counts)
	}

	sections, err := s.ListNodesByState(ctx, projID, "MarkdownSection", state.Linked)
	if err != nil {
		t.Fatalf("ListNodesByState: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("expected 2 markdown sections, got %d", len(sections))
	}
}

func TestProcessUpsertIsIdempotentOnUnchangedContent(t *testing.T) {
	ctx := context.Background()
	o, s := newTestOrchestrator(t)
	root := t.TempDir()

	projID, err := o.RegisterProject(ctx, root, TypeIndexed, "demo")
	if err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}
	path := writeFile(t, root, "doc.md", "# Intro\n\nunchanged content")
	proj := mustProject(t, s, projID)

	if err := o.processUpsert(ctx, proj, path); err != nil {
		t.Fatalf("processUpsert (first): %v", err)
	}
	fileUUID := fileUUIDFor(path)
	before, err := s.GetNode(ctx, fileUUID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}

	if err := o.processUpsert(ctx, proj, path); err != nil {
		t.Fatalf("processUpsert (second, unchanged): %v", err)
	}
	after, err := s.GetNode(ctx, fileUUID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if before.ContentHash != after.ContentHash {
		t.Fatalf("expected content hash to stay stable across idempotent re-parse")
	}
}

func TestProcessUpsertRemovesStaleChildSections(t *testing.T) {
	ctx := context.Background()
	o, s := newTestOrchestrator(t)
	root := t.TempDir()

	projID, err := o.RegisterProject(ctx, root, TypeIndexed, "demo")
	if err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}
	path := writeFile(t, root, "doc.md", "# One\n\ntext\n\n## Two\n\nmore text")
	proj := mustProject(t, s, projID)
	if err := o.processUpsert(ctx, proj, path); err != nil {
		t.Fatalf("processUpsert (first): %v", err)
	}

	writeFile(t, root, "doc.md", "# One\n\ntext only now")
	if err := o.processUpsert(ctx, proj, path); err != nil {
		t.Fatalf("processUpsert (second): %v", err)
	}

	sections, err := s.ListNodesByState(ctx, projID, "MarkdownSection", state.Linked)
	if err != nil {
		t.Fatalf("ListNodesByState: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("expected the removed heading's section to be pruned, got %d sections", len(sections))
	}
}

func TestProcessDeletionRemovesFileNodes(t *testing.T) {
	ctx := context.Background()
	o, s := newTestOrchestrator(t)
	root := t.TempDir()

	projID, err := o.RegisterProject(ctx, root, TypeIndexed, "demo")
	if err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}
	path := writeFile(t, root, "doc.md", "# Title\n\nbody")
	proj := mustProject(t, s, projID)
	if err := o.processUpsert(ctx, proj, path); err != nil {
		t.Fatalf("processUpsert: %v", err)
	}

	if err := o.processDeletion(ctx, proj, path); err != nil {
		t.Fatalf("processDeletion: %v", err)
	}
	if _, err := s.GetNode(ctx, fileUUIDFor(path)); err == nil {
		t.Fatalf("expected file node to be gone after deletion")
	}
}

func mustProject(t *testing.T, s *store.Store, id string) *store.Project {
	t.Helper()
	p, err := s.GetProject(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	return p
}
