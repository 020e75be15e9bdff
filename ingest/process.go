package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ragforge/ragforge/graphmodel"
	"github.com/ragforge/ragforge/lock"
	"github.com/ragforge/ragforge/orphan"
	"github.com/ragforge/ragforge/state"
	"github.com/ragforge/ragforge/store"
)

// linkSequence lists, for every state a file can be found in when a change
// arrives, the remaining states it must pass through to reach "linked". It
// is the same table state.transitions encodes, spelled out here because the
// orchestrator always drives a file all the way to "linked" synchronously
// rather than stopping partway.
var linkSequence = map[state.State][]state.State{
	state.Mentioned:  {state.Discovered, state.Parsing, state.Parsed, state.Linked},
	state.Discovered: {state.Parsing, state.Parsed, state.Linked},
	state.Parsing:    {state.Parsed, state.Linked},
	state.Parsed:     {state.Linked},
	state.Dirty:      {state.Parsing, state.Parsed, state.Linked},
	state.Failed:     {state.Parsing, state.Parsed, state.Linked},
	state.Ready:      {state.Dirty, state.Parsing, state.Parsed, state.Linked},
}

func (o *Orchestrator) advanceToLinked(ctx context.Context, uuid string, from state.State) error {
	steps, ok := linkSequence[from]
	if !ok {
		return nil // already Linked
	}
	cur := from
	for _, next := range steps {
		if err := o.store.SetNodeState(ctx, uuid, cur, next); err != nil {
			return fmt.Errorf("ingest: advancing %s from %s to %s: %w", uuid, cur, next, err)
		}
		cur = next
	}
	return nil
}

// processDeletion removes every node derived from a deleted file.
func (o *Orchestrator) processDeletion(ctx context.Context, proj *store.Project, absPath string) error {
	if err := o.store.DeleteNodesByPath(ctx, proj.ID, relName(proj.RootPath, absPath)); err != nil {
		return fmt.Errorf("ingest: deleting nodes for %s: %w", absPath, err)
	}
	slog.Info("ingest: removed nodes for deleted file", "path", absPath, "project", proj.ID)
	return nil
}

// processUpsert parses path, diffs it against the stored graph fragment,
// and drives every touched node to "linked". A parse error marks the File
// node "failed" and is returned to the caller so the batch summary can
// report it without aborting the rest of the batch.
func (o *Orchestrator) processUpsert(ctx context.Context, proj *store.Project, absPath string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(absPath), "."))
	p, err := o.reg.Get(ext)
	if err != nil {
		return fmt.Errorf("ingest: %s: %w", absPath, err)
	}

	data, err := readFile(absPath)
	if err != nil {
		return fmt.Errorf("ingest: reading %s: %w", absPath, err)
	}
	hash := graphmodel.ContentHash(data)

	fileUUID := graphmodel.NodeUUID(graphmodel.LabelFile, absPath).String()
	existing, err := o.store.GetNode(ctx, fileUUID)
	if err == nil && existing.ContentHash == hash {
		return nil // idempotent parse: unchanged content, nothing to do
	}

	if proj.ID == orphan.ProjectID {
		if err := orphan.EnsureDirectoryChain(ctx, o.store, absPath); err != nil {
			return err
		}
	} else if _, err := o.ensureDirectories(ctx, proj.ID, proj.RootPath, absPath); err != nil {
		return err
	}

	fileState := state.Discovered
	if existing != nil {
		fileState = existing.State
		if fileState == state.Mentioned {
			if err := o.store.SetNodeState(ctx, fileUUID, state.Mentioned, state.Discovered); err != nil {
				return fmt.Errorf("ingest: promoting mentioned file: %w", err)
			}
			fileState = state.Discovered
		}
		if !canReparse(fileState) {
			slog.Warn("ingest: file claimed by another pass, deferring", "path", absPath, "state", fileState)
			return nil
		}
	}

	fileNode := &store.Node{
		UUID: fileUUID, Label: string(graphmodel.LabelFile), ProjectID: proj.ID,
		SourcePath: relName(proj.RootPath, absPath), ContentHash: hash,
		Props: map[string]any{
			"absolute_path": absPath,
			"name":          filepath.Base(absPath),
			"extension":     ext,
			"lineCount":     countLines(data),
		},
	}
	if existing == nil {
		fileNode.State = state.Discovered
	}
	if err := o.store.UpsertNode(ctx, fileNode); err != nil {
		return fmt.Errorf("ingest: upserting file node: %w", err)
	}
	if err := o.advancePast(ctx, fileUUID, fileState, state.Parsing); err != nil {
		return err
	}

	parsed, perr := p.Parse(ctx, absPath)
	if perr != nil {
		o.store.SetNodeState(ctx, fileUUID, state.Parsing, state.Failed)
		return fmt.Errorf("ingest: parsing %s: %w", absPath, perr)
	}

	frag := materialize(ext, absPath, proj.ID, proj.RootPath, parsed)

	var oldChildren map[string]bool
	if existing != nil {
		oldChildren, _ = o.collectDescendants(ctx, frag.container.UUID)
	}

	containerIsNew := existing == nil
	if err := o.store.UpsertNode(ctx, frag.container); err != nil {
		return fmt.Errorf("ingest: upserting container node: %w", err)
	}
	if err := o.store.UpsertRelationship(ctx, &store.Relationship{
		FromUUID: frag.container.UUID, RelType: string(graphmodel.RelDefinedIn), ToUUID: fileUUID,
	}); err != nil {
		return err
	}
	if err := o.store.UpsertRelationship(ctx, &store.Relationship{
		FromUUID: frag.container.UUID, RelType: string(graphmodel.RelBelongsTo), ToUUID: proj.ID,
	}); err != nil {
		return err
	}

	containerFrom := state.Discovered
	if !containerIsNew {
		if prev, err := o.store.GetNode(ctx, frag.container.UUID); err == nil {
			containerFrom = prev.State
		}
	}
	if err := o.advanceToLinked(ctx, frag.container.UUID, containerFrom); err != nil {
		return err
	}

	for _, child := range frag.children {
		childFrom := state.Discovered
		if prev, err := o.store.GetNode(ctx, child.UUID); err == nil {
			childFrom = prev.State
		}
		if err := o.store.UpsertNode(ctx, child); err != nil {
			return fmt.Errorf("ingest: upserting child node: %w", err)
		}
		if err := o.store.UpsertRelationship(ctx, &store.Relationship{
			FromUUID: child.UUID, RelType: string(graphmodel.RelBelongsTo), ToUUID: proj.ID,
		}); err != nil {
			return err
		}
		if err := o.advanceToLinked(ctx, child.UUID, childFrom); err != nil {
			return err
		}
	}
	for _, rel := range frag.relations {
		if err := o.store.UpsertRelationship(ctx, rel); err != nil {
			return fmt.Errorf("ingest: upserting relationship: %w", err)
		}
	}

	for uuid := range oldChildren {
		if !frag.childUUIDs[uuid] {
			if err := o.store.DeleteNode(ctx, uuid); err != nil {
				slog.Warn("ingest: failed to prune stale child", "uuid", uuid, "error", err)
			}
		}
	}

	if err := o.store.SetNodeState(ctx, fileUUID, state.Parsing, state.Parsed); err != nil {
		return err
	}
	if err := o.store.SetNodeState(ctx, fileUUID, state.Parsed, state.Linked); err != nil {
		return err
	}
	// File nodes carry no embeddable fields, so the embedding engine never
	// visits them; mark the file ready here so a later change can re-parse it.
	if err := o.store.SetNodeState(ctx, fileUUID, state.Linked, state.Ready); err != nil {
		return err
	}

	if err := orphan.ResolvePendingImports(ctx, o.store, absPath); err != nil {
		slog.Warn("ingest: resolving pending imports failed", "path", absPath, "error", err)
	}

	return nil
}

// advancePast moves a node from its current state straight to target,
// stepping through any intermediate states linkSequence prescribes, used to
// get a file's own state to "parsing" before parsing begins (it may start
// from discovered, dirty, mentioned, or a previously failed attempt).
func (o *Orchestrator) advancePast(ctx context.Context, uuid string, from, target state.State) error {
	if from == target {
		return nil
	}
	steps, ok := linkSequence[from]
	if !ok {
		return nil
	}
	cur := from
	for _, next := range steps {
		if err := o.store.SetNodeState(ctx, uuid, cur, next); err != nil {
			return fmt.Errorf("ingest: advancing %s from %s to %s: %w", uuid, cur, next, err)
		}
		cur = next
		if cur == target {
			return nil
		}
	}
	return nil
}

// canReparse reports whether a file currently in s may be claimed for a new
// parse pass. A node sitting in "linked" is mid-flight to the embedding
// engine and has no direct edge back to "parsing" in the state machine; a
// file that changes again before embedding catches up is deferred to the
// next batch rather than forced through an illegal transition.
func canReparse(s state.State) bool {
	return state.Claimable(s) || s == state.Ready
}

// collectDescendants walks CONTAINS edges from a container node and returns
// the set of every node reachable, used to detect children a re-parse no
// longer produces.
func (o *Orchestrator) collectDescendants(ctx context.Context, containerUUID string) (map[string]bool, error) {
	out := make(map[string]bool)
	frontier := []string{containerUUID}
	for len(frontier) > 0 {
		next := frontier[:0]
		for _, uuid := range frontier {
			rels, err := o.store.GetOutgoing(ctx, uuid, string(graphmodel.RelContains))
			if err != nil {
				return out, err
			}
			for _, r := range rels {
				if !out[r.ToUUID] {
					out[r.ToUUID] = true
					next = append(next, r.ToUUID)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// processBatch handles one debounced change under the ingestion lock,
// matching §5's rule that every file's own events are processed in arrival
// order and the batch's timeout scales with its size.
func (o *Orchestrator) processBatch(ctx context.Context, projectID string, changes []batchItem) {
	proj, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		slog.Error("ingest: batch for unknown project", "project", projectID, "error", err)
		return
	}

	tok, err := o.locks.Ingestion.Acquire(ctx, lock.BatchTimeout(len(changes)), "queue_file_change", projectID)
	if err != nil {
		slog.Error("ingest: could not acquire ingestion lock", "project", projectID, "error", err)
		return
	}
	defer o.locks.Ingestion.Release(tok)

	// Deletions before upserts, per §4.3's ordering rule.
	for _, c := range changes {
		if c.removed {
			if err := o.processDeletion(ctx, proj, c.path); err != nil {
				slog.Error("ingest: deletion failed", "path", c.path, "error", err)
			}
		}
	}
	linked := false
	for _, c := range changes {
		if c.removed {
			continue
		}
		if err := o.processUpsert(ctx, proj, c.path); err != nil {
			slog.Error("ingest: upsert failed", "path", c.path, "error", err)
			continue
		}
		linked = true
	}

	if linked && o.onLinked != nil {
		o.onLinked(ctx, projectID)
	}
}

type batchItem struct {
	path    string
	removed bool
}

// countLines returns the number of lines in data, matching the common
// text-editor convention that a trailing newline doesn't start an extra
// empty line.
func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte("\n"))
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}
