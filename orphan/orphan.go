// Package orphan implements the touched-files subsystem described in §4.6:
// files opened or imported outside any registered project are tracked under
// the synthetic project "touched-files" so that ad hoc reads and searches
// share the same content store as indexed projects. It reuses the ingestion
// orchestrator's node vocabulary and state machine rather than keeping a
// parallel one, the way the teacher's store package reused a single schema
// for every document type instead of branching per format.
package orphan

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ragforge/ragforge/graphmodel"
	"github.com/ragforge/ragforge/state"
	"github.com/ragforge/ragforge/store"
)

// ProjectID is the synthetic project every orphan file is grouped under.
const ProjectID = "touched-files"

// EnsureProject upserts the synthetic touched-files project row, idempotent
// across repeated calls.
func EnsureProject(ctx context.Context, s *store.Store) error {
	return s.UpsertProject(ctx, &store.Project{
		ID: ProjectID, RootPath: "", DisplayName: "Touched Files", Synthetic: true,
	})
}

// TouchResult reports what TouchFile did to the node it found or created.
type TouchResult struct {
	Created       bool
	PreviousState state.State
	NewState      state.State
}

// TouchFile ensures absPath is represented as a File node under the
// touched-files project, creating its Directory ancestry along the way, and
// applies the state transition §4.6 prescribes: missing->discovered,
// mentioned->discovered, and discovered|mentioned->parsing when
// initialState is "parsing". Any other request leaves state untouched.
func TouchFile(ctx context.Context, s *store.Store, absPath string, initialState state.State) (*TouchResult, error) {
	if err := EnsureProject(ctx, s); err != nil {
		return nil, fmt.Errorf("orphan: ensuring touched-files project: %w", err)
	}
	absPath, err := filepath.Abs(absPath)
	if err != nil {
		return nil, fmt.Errorf("orphan: resolving path: %w", err)
	}

	if err := EnsureDirectoryChain(ctx, s, absPath); err != nil {
		return nil, err
	}

	fileUUID := graphmodel.NodeUUID(graphmodel.LabelFile, absPath).String()
	existing, _ := s.GetNode(ctx, fileUUID)

	result := &TouchResult{}
	now := time.Now().UTC().Format(time.RFC3339)

	if existing == nil {
		node := &store.Node{
			UUID: fileUUID, Label: string(graphmodel.LabelFile), ProjectID: ProjectID,
			SourcePath: absPath, State: state.Discovered,
			Props: map[string]any{
				"absolute_path": absPath,
				"name":          filepath.Base(absPath),
				"access_count":  float64(1),
				"last_accessed": now,
			},
		}
		if err := s.UpsertNode(ctx, node); err != nil {
			return nil, fmt.Errorf("orphan: creating touched file node: %w", err)
		}
		result.Created = true
		result.PreviousState = ""
		result.NewState = state.Discovered
		if initialState == state.Parsing {
			if err := s.SetNodeState(ctx, fileUUID, state.Discovered, state.Parsing); err != nil {
				return nil, fmt.Errorf("orphan: claiming touched file: %w", err)
			}
			result.NewState = state.Parsing
		}
		return result, nil
	}

	result.PreviousState = existing.State
	result.NewState = existing.State

	newState := existing.State
	switch {
	case existing.State == state.Mentioned:
		newState = state.Discovered
	}
	if newState != existing.State {
		if err := s.SetNodeState(ctx, fileUUID, existing.State, newState); err != nil {
			return nil, fmt.Errorf("orphan: promoting touched file: %w", err)
		}
	}
	if initialState == state.Parsing && (newState == state.Discovered || newState == state.Mentioned) {
		if err := s.SetNodeState(ctx, fileUUID, newState, state.Parsing); err != nil {
			return nil, fmt.Errorf("orphan: claiming touched file: %w", err)
		}
		newState = state.Parsing
	}
	result.NewState = newState

	if existing.Props == nil {
		existing.Props = make(map[string]any)
	}
	accessCount := 1.0
	if v, ok := existing.Props["access_count"].(float64); ok {
		accessCount = v + 1
	}
	existing.Props["access_count"] = accessCount
	existing.Props["last_accessed"] = now
	if err := s.UpsertNode(ctx, existing); err != nil {
		return nil, fmt.Errorf("orphan: recording touched file access: %w", err)
	}

	return result, nil
}

// EnsureDirectoryChain mirrors ingest.Orchestrator.ensureDirectories but
// walks from the filesystem root, since orphans share no common project
// root to compute an offset from. Exported so the orchestrator can reuse it
// when a change lands on a touched-files path outside any live watcher.
func EnsureDirectoryChain(ctx context.Context, s *store.Store, absFilePath string) error {
	dir := filepath.Dir(absFilePath)
	parts := strings.Split(filepath.ToSlash(dir), "/")

	var parentUUID string
	cur := ""
	for _, part := range parts {
		if part == "" {
			cur = "/"
			continue
		}
		if cur == "" {
			cur = part
		} else if cur == "/" {
			cur = "/" + part
		} else {
			cur = cur + "/" + part
		}
		uuid := graphmodel.NodeUUID(graphmodel.LabelDirectory, cur).String()
		node := &store.Node{
			UUID: uuid, Label: string(graphmodel.LabelDirectory), ProjectID: ProjectID,
			SourcePath: cur, State: state.Linked,
			Props: map[string]any{"name": part, "path": cur},
		}
		if err := s.UpsertNode(ctx, node); err != nil {
			return fmt.Errorf("orphan: upserting directory node: %w", err)
		}
		if parentUUID != "" {
			if err := s.UpsertRelationship(ctx, &store.Relationship{
				FromUUID: uuid, RelType: string(graphmodel.RelInDirectory), ToUUID: parentUUID,
			}); err != nil {
				return err
			}
		}
		parentUUID = uuid
	}
	return nil
}

// CreateMentionedFile idempotently creates a File{state:mentioned} for
// target and a PENDING_IMPORT edge from the importer's File node, per
// §4.6. scopeUUID may be empty when the importer's import statement cannot
// be attributed to a specific Scope.
func CreateMentionedFile(ctx context.Context, s *store.Store, importerFileUUID, target string, symbols []string, importPath, scopeUUID string) error {
	if err := EnsureProject(ctx, s); err != nil {
		return fmt.Errorf("orphan: ensuring touched-files project: %w", err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("orphan: resolving import target: %w", err)
	}

	targetUUID := graphmodel.NodeUUID(graphmodel.LabelFile, absTarget).String()
	if _, err := s.GetNode(ctx, targetUUID); err != nil {
		if err := EnsureDirectoryChain(ctx, s, absTarget); err != nil {
			return err
		}
		node := &store.Node{
			UUID: targetUUID, Label: string(graphmodel.LabelFile), ProjectID: ProjectID,
			SourcePath: absTarget, State: state.Mentioned,
			Props: map[string]any{
				"absolute_path": absTarget,
				"name":          filepath.Base(absTarget),
			},
		}
		if err := s.UpsertNode(ctx, node); err != nil {
			return fmt.Errorf("orphan: creating mentioned file node: %w", err)
		}
	}

	symbolsAny := make([]any, len(symbols))
	for i, sym := range symbols {
		symbolsAny[i] = sym
	}
	return s.UpsertRelationship(ctx, &store.Relationship{
		FromUUID: importerFileUUID, RelType: string(graphmodel.RelPendingImport), ToUUID: targetUUID,
		Props: map[string]any{
			"import_path": importPath,
			"symbols":     symbolsAny,
			"scope_uuid":  scopeUUID,
		},
	})
}

// ResolvePendingImports is invoked exactly when absPath transitions into
// "linked". For every incoming PENDING_IMPORT edge it matches target scopes
// whose name or exportedAs is in the edge's symbol list, merges a CONSUMES
// edge from the importing scope (or File, if no scope was recorded), and
// removes the PENDING_IMPORT edge regardless of whether a match was found —
// invariant 6 forbids a PENDING_IMPORT edge surviving a resolution attempt.
func ResolvePendingImports(ctx context.Context, s *store.Store, absPath string) error {
	fileUUID := graphmodel.NodeUUID(graphmodel.LabelFile, absPath).String()

	incoming, err := s.GetIncoming(ctx, fileUUID, string(graphmodel.RelPendingImport))
	if err != nil {
		return fmt.Errorf("orphan: listing pending imports: %w", err)
	}
	if len(incoming) == 0 {
		return nil
	}

	scopes, err := targetScopes(ctx, s, fileUUID)
	if err != nil {
		return fmt.Errorf("orphan: collecting target scopes: %w", err)
	}

	for _, edge := range incoming {
		symbols := stringSlice(edge.Props["symbols"])
		scopeUUID, _ := edge.Props["scope_uuid"].(string)
		sourceUUID := scopeUUID
		if sourceUUID == "" {
			sourceUUID = edge.FromUUID
		}

		for _, sc := range scopes {
			if matchesSymbol(sc, symbols) {
				if err := s.UpsertRelationship(ctx, &store.Relationship{
					FromUUID: sourceUUID, RelType: string(graphmodel.RelConsumes), ToUUID: sc.UUID,
				}); err != nil {
					return fmt.Errorf("orphan: recording consumes edge: %w", err)
				}
			}
		}

		if err := s.DeleteRelationship(ctx, edge.FromUUID, string(graphmodel.RelPendingImport), fileUUID); err != nil {
			return fmt.Errorf("orphan: clearing pending import: %w", err)
		}
	}
	return nil
}

// targetScopes walks DEFINED_IN (container->File) and then CONTAINS edges
// to enumerate every Scope node belonging to a File.
func targetScopes(ctx context.Context, s *store.Store, fileUUID string) ([]*store.Node, error) {
	containers, err := s.GetIncoming(ctx, fileUUID, string(graphmodel.RelDefinedIn))
	if err != nil {
		return nil, err
	}

	var scopes []*store.Node
	frontier := make([]string, 0, len(containers))
	for _, c := range containers {
		frontier = append(frontier, c.FromUUID)
	}
	for len(frontier) > 0 {
		var next []string
		for _, uuid := range frontier {
			children, err := s.GetOutgoing(ctx, uuid, string(graphmodel.RelContains))
			if err != nil {
				return nil, err
			}
			for _, rel := range children {
				node, err := s.GetNode(ctx, rel.ToUUID)
				if err != nil {
					continue
				}
				if node.Label == string(graphmodel.LabelScope) {
					scopes = append(scopes, node)
				}
				next = append(next, rel.ToUUID)
			}
		}
		frontier = next
	}
	return scopes, nil
}

func matchesSymbol(sc *store.Node, symbols []string) bool {
	if len(symbols) == 0 {
		return false
	}
	name, _ := sc.Props["name"].(string)
	exportedAs, _ := sc.Props["exported_as"].(string)
	for _, sym := range symbols {
		if sym == name || (exportedAs != "" && sym == exportedAs) {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// MigrateOrphansToProject rewrites every touched-files node (File content
// and its Directory ancestry alike) whose absolute path sits under
// projectRoot so that it belongs to projectID instead, replacing its
// absolute source path with one relative to projectRoot and converting
// intra-project PENDING_IMPORT edges to CONSUMES. Migrating the Directory
// nodes in place, rather than deleting and re-creating them under the new
// project, is what leaves no orphan Directory shadow behind.
func MigrateOrphansToProject(ctx context.Context, s *store.Store, projectID, projectRoot string) error {
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return fmt.Errorf("orphan: resolving project root: %w", err)
	}

	nodes, err := s.ListNodesByPathPrefix(ctx, ProjectID, absRoot)
	if err != nil {
		return fmt.Errorf("orphan: listing orphans under %s: %w", absRoot, err)
	}
	if len(nodes) == 0 {
		return nil
	}

	migrated := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		rel, err := filepath.Rel(absRoot, n.SourcePath)
		if err != nil {
			continue
		}
		newPath := filepath.ToSlash(rel)
		if err := s.MoveNode(ctx, n.UUID, projectID, newPath); err != nil {
			return fmt.Errorf("orphan: migrating node %s: %w", n.UUID, err)
		}
		if err := s.UpsertRelationship(ctx, &store.Relationship{
			FromUUID: n.UUID, RelType: string(graphmodel.RelBelongsTo), ToUUID: projectID,
		}); err != nil {
			return err
		}
		migrated[n.UUID] = true
	}

	for uuid := range migrated {
		pending, err := s.GetOutgoing(ctx, uuid, string(graphmodel.RelPendingImport))
		if err != nil {
			continue
		}
		for _, edge := range pending {
			if !migrated[edge.ToUUID] {
				continue // target is still outside the project, leave it pending
			}
			if err := s.UpsertRelationship(ctx, &store.Relationship{
				FromUUID: edge.FromUUID, RelType: string(graphmodel.RelConsumes), ToUUID: edge.ToUUID,
			}); err != nil {
				return err
			}
			if err := s.DeleteRelationship(ctx, edge.FromUUID, string(graphmodel.RelPendingImport), edge.ToUUID); err != nil {
				return err
			}
		}
	}

	return nil
}
