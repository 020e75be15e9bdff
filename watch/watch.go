// Package watch implements the debounced filesystem watcher the ingestion
// orchestrator drives per project. It is grounded in fsnotify, the one
// watcher library the broader example corpus reached for consistently
// (dozens of the retrieved go.mod manifests list it), wired here in the
// debounce-then-mailbox-actor shape the module calls for: rapid repeated
// writes to the same file coalesce into a single pending change instead of
// queuing one event per write.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind classifies a single coalesced filesystem change.
type ChangeKind string

const (
	Created ChangeKind = "created"
	Updated ChangeKind = "updated"
	Removed ChangeKind = "removed"
)

// Change is a single debounced filesystem event ready for the orchestrator
// to fold into a batch.
type Change struct {
	Path string
	Kind ChangeKind
}

// Watcher watches one project root and emits debounced Changes on C. It is
// a mailbox actor: QueueManual lets the orchestrator inject a change (from
// its QueueFileChange) through the same debounce path a real fsnotify event
// would take.
type Watcher struct {
	root     string
	debounce time.Duration
	fsw      *fsnotify.Watcher

	C chan Change

	mu      sync.Mutex
	pending map[string]*pendingChange
	paused  bool

	cancel context.CancelFunc
	done   chan struct{}
}

type pendingChange struct {
	kind  ChangeKind
	timer *time.Timer
}

// New creates a Watcher rooted at root. debounce <= 0 uses the module
// default of 500ms.
func New(root string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     root,
		debounce: debounce,
		fsw:      fsw,
		C:        make(chan Change, 256),
		pending:  make(map[string]*pendingChange),
		done:     make(chan struct{}),
	}
	return w, nil
}

// Start begins watching the project root recursively and emitting debounced
// Changes until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.loop(ctx)
	return nil
}

// Stop halts the watcher and releases its fsnotify handle.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	w.fsw.Close()
}

// Pause suspends event emission without tearing down the underlying
// fsnotify watch; events that arrive while paused are dropped, matching the
// orchestrator's pause_watching contract (no queued backlog to replay).
func (w *Watcher) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume re-enables event emission.
func (w *Watcher) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

// QueueManual injects a change through the same debounce path a real
// fsnotify event takes, used by the orchestrator's QueueFileChange to fold a
// synthetic edit into the normal batch-processing flow.
func (w *Watcher) QueueManual(path string, kind ChangeKind) {
	w.schedule(path, kind)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("watch: fsnotify error", "root", w.root, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Op&fsnotify.Create != 0:
		w.schedule(ev.Name, Created)
	case ev.Op&fsnotify.Write != 0:
		w.schedule(ev.Name, Updated)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.schedule(ev.Name, Removed)
	}
}

// schedule coalesces repeated events for the same path into a single Change
// fired after the debounce window elapses. A later event for the same path
// resets the timer and overwrites the pending kind (last write wins, except
// Removed always wins since there's nothing left to further update).
func (w *Watcher) schedule(path string, kind ChangeKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paused {
		return
	}

	if existing, ok := w.pending[path]; ok {
		existing.timer.Stop()
		if existing.kind != Removed {
			existing.kind = kind
		}
		existing.timer.Reset(w.debounce)
		return
	}

	pc := &pendingChange{kind: kind}
	pc.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		paused := w.paused
		w.mu.Unlock()
		if paused {
			return
		}
		w.C <- Change{Path: path, Kind: pc.kind}
	})
	w.pending[path] = pc
}

// addRecursive walks root and registers a watch on every directory, since
// fsnotify only watches the directories it's explicitly told about.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(p); err != nil {
				slog.Warn("watch: failed to add directory", "path", p, "error", err)
			}
		}
		return nil
	})
}
