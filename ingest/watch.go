package ingest

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ragforge/ragforge/orphan"
	"github.com/ragforge/ragforge/store"
	"github.com/ragforge/ragforge/watch"
)

// StartWatching begins debounced filesystem watching for a registered
// project and launches the goroutine that folds its watcher's Changes into
// ingestion batches. Calling it twice for the same path is a no-op.
func (o *Orchestrator) StartWatching(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("ingest: resolving project path: %w", err)
	}
	proj, err := o.store.GetProjectByPath(ctx, absPath)
	if err != nil {
		return fmt.Errorf("ingest: project not registered: %s", absPath)
	}

	o.mu.Lock()
	if _, ok := o.watchers[proj.ID]; ok {
		o.mu.Unlock()
		return nil
	}

	w, err := watch.New(absPath, o.cfg.Debounce)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("ingest: creating watcher: %w", err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	o.watchers[proj.ID] = w
	o.cancels[proj.ID] = cancel
	o.mu.Unlock()

	if err := w.Start(watchCtx); err != nil {
		cancel()
		o.mu.Lock()
		delete(o.watchers, proj.ID)
		delete(o.cancels, proj.ID)
		o.mu.Unlock()
		return fmt.Errorf("ingest: starting watcher: %w", err)
	}

	if err := o.store.SetWatchState(ctx, proj.ID, "watching"); err != nil {
		return fmt.Errorf("ingest: recording watch state: %w", err)
	}

	go o.drain(watchCtx, proj.ID, w)
	return nil
}

// drain collects Changes off a watcher's channel and submits them as
// batches once the channel falls quiet, matching §5's rule that a batch of
// concurrent edits is processed together under a single lock acquisition.
// Each wait for the first change of a new batch blocks; once one arrives,
// any further changes already buffered on the channel are folded in without
// blocking before the batch is submitted.
func (o *Orchestrator) drain(ctx context.Context, projectID string, w *watch.Watcher) {
	addChange := func(pending []batchItem, seen map[string]int, change watch.Change) []batchItem {
		item := batchItem{path: change.Path, removed: change.Kind == watch.Removed}
		if idx, ok := seen[change.Path]; ok {
			pending[idx] = item
			return pending
		}
		seen[change.Path] = len(pending)
		return append(pending, item)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-w.C:
			if !ok {
				return
			}
			pending := []batchItem{}
			seen := make(map[string]int)
			pending = addChange(pending, seen, change)

			draining := true
			for draining {
				select {
				case change, ok := <-w.C:
					if !ok {
						draining = false
						break
					}
					pending = addChange(pending, seen, change)
				default:
					draining = false
				}
			}

			o.processBatch(ctx, projectID, pending)
		}
	}
}

// StopWatching tears down a project's watcher, if one is running.
func (o *Orchestrator) StopWatching(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("ingest: resolving project path: %w", err)
	}
	proj, err := o.store.GetProjectByPath(ctx, absPath)
	if err != nil {
		return nil // nothing registered, nothing to stop
	}

	o.mu.Lock()
	w, ok := o.watchers[proj.ID]
	cancel := o.cancels[proj.ID]
	delete(o.watchers, proj.ID)
	delete(o.cancels, proj.ID)
	o.mu.Unlock()

	if !ok {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	w.Stop()
	return o.store.SetWatchState(ctx, proj.ID, "stopped")
}

// Pause suspends a project's watcher without tearing it down, per the
// pause_watching contract: events that arrive while paused are dropped
// rather than queued for replay.
func (o *Orchestrator) Pause(ctx context.Context, path string) error {
	w, projID, err := o.watcherFor(ctx, path)
	if err != nil {
		return err
	}
	w.Pause()
	return o.store.SetWatchState(ctx, projID, "paused")
}

// Resume re-enables a paused project's watcher.
func (o *Orchestrator) Resume(ctx context.Context, path string) error {
	w, projID, err := o.watcherFor(ctx, path)
	if err != nil {
		return err
	}
	w.Resume()
	return o.store.SetWatchState(ctx, projID, "watching")
}

func (o *Orchestrator) watcherFor(ctx context.Context, path string) (*watch.Watcher, string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("ingest: resolving project path: %w", err)
	}
	proj, err := o.store.GetProjectByPath(ctx, absPath)
	if err != nil {
		return nil, "", fmt.Errorf("ingest: project not registered: %s", absPath)
	}
	o.mu.Lock()
	w, ok := o.watchers[proj.ID]
	o.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("ingest: project %s is not being watched", proj.ID)
	}
	return w, proj.ID, nil
}

// QueueFileChange injects a synthetic change for a path outside normal
// fsnotify delivery — used by the tool layer's queue_file_change entry
// point to force a re-parse through the standard batch-processing flow.
func (o *Orchestrator) QueueFileChange(ctx context.Context, path string, removed bool) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("ingest: resolving path: %w", err)
	}

	proj, err := o.projectForPath(ctx, absPath)
	if err != nil {
		return err
	}

	o.mu.Lock()
	w, ok := o.watchers[proj.ID]
	o.mu.Unlock()

	kind := watch.Updated
	if removed {
		kind = watch.Removed
	}
	if ok {
		w.QueueManual(absPath, kind)
		return nil
	}

	// No live watcher (e.g. a quick-ingest project): process synchronously.
	item := batchItem{path: absPath, removed: removed}
	o.processBatch(ctx, proj.ID, []batchItem{item})
	return nil
}

// projectForPath returns the registered project that owns absPath, or the
// synthetic touched-files project if no registered project contains it.
func (o *Orchestrator) projectForPath(ctx context.Context, absPath string) (*store.Project, error) {
	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: listing projects: %w", err)
	}
	for _, p := range projects {
		if p.Synthetic {
			continue
		}
		if withinRoot(absPath, p.RootPath) {
			return p, nil
		}
	}

	if err := orphan.EnsureProject(ctx, o.store); err != nil {
		return nil, fmt.Errorf("ingest: ensuring touched-files project: %w", err)
	}
	return o.store.GetProject(ctx, orphan.ProjectID)
}
