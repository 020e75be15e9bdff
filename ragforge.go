// Package ragforge wires the node state machine, parser registry, ingestion
// orchestrator, embedding engine, and hybrid search planner into the single
// entry point a host application embeds. It is grounded in goreason.go's
// engine (provider construction, component wiring, a single exported
// interface hiding the concrete struct) generalized from a document-ingest
// pipeline to the project-scoped knowledge-graph pipeline the rest of this
// module implements.
package ragforge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ragforge/ragforge/chunker"
	"github.com/ragforge/ragforge/embed"
	"github.com/ragforge/ragforge/graphmodel"
	"github.com/ragforge/ragforge/ingest"
	"github.com/ragforge/ragforge/llm"
	"github.com/ragforge/ragforge/lock"
	"github.com/ragforge/ragforge/orphan"
	"github.com/ragforge/ragforge/parser"
	"github.com/ragforge/ragforge/retrieval"
	"github.com/ragforge/ragforge/state"
	"github.com/ragforge/ragforge/store"
)

// Engine is the entry point a host application (CLI, MCP server, or
// embedding library consumer) drives. Every method corresponds to one of
// the tool-callback entry points the design assigns to the core: project
// lifecycle, file-change intake, and search.
type Engine interface {
	// RegisterProject idempotently registers path as an indexable root and
	// returns its project id.
	RegisterProject(ctx context.Context, path string, typ ingest.ProjectType, displayName string) (string, error)

	// StartWatching begins debounced filesystem watching for a registered
	// project.
	StartWatching(ctx context.Context, path string) error

	// StopWatching tears down a project's watcher.
	StopWatching(ctx context.Context, path string) error

	// Pause suspends a project's watcher without tearing it down.
	Pause(ctx context.Context, path string) error

	// Resume re-enables a paused project's watcher.
	Resume(ctx context.Context, path string) error

	// QueueFileChange injects a file-change event outside normal watcher
	// delivery, used by tool handlers that edit files directly.
	QueueFileChange(ctx context.Context, path string, removed bool) error

	// ForgetProject deletes every node belonging to the project rooted at
	// path and removes the project row.
	ForgetProject(ctx context.Context, path string) error

	// TouchFile ensures path is represented as a File node, creating it
	// under the synthetic touched-files project if it belongs to no
	// registered project.
	TouchFile(ctx context.Context, path string, initialState state.State) (*orphan.TouchResult, error)

	// UpdateMediaContent records externally-fetched media content (e.g. a
	// pasted image description or transcript) against path without reading
	// the file from disk, then queues it for embedding.
	UpdateMediaContent(ctx context.Context, path, content string) error

	// IngestWebPage records a fetched web page's content under the
	// synthetic touched-files project, keyed by URL, then queues it for
	// embedding.
	IngestWebPage(ctx context.Context, url, content string) error

	// Search runs the hybrid search planner.
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) (*retrieval.SearchResponse, error)

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg           Config
	store         *store.Store
	embedProvider llm.Provider
	parsers       *parser.Registry
	locks         *lock.Manager
	orchestrator  *ingest.Orchestrator
	embedder      *embed.Engine
	retriever     *retrieval.Engine
}

// New creates a new RagForge engine with the given configuration, opening
// (and creating, if necessary) its backing SQLite database and constructing
// every component described in §4.
func New(cfg Config) (Engine, error) {
	dbPath := cfg.resolveDBPath()
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ragforge: creating storage directory: %w", err)
		}
	}

	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultConfig().LockTimeout
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, newStoreUnavailable(err)
	}

	embedProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, newProviderUnavailable(err)
	}

	reg := parser.NewRegistry()
	locks := lock.NewManager()

	orchestrator := ingest.New(s, reg, locks, ingest.Config{
		Debounce:    cfg.WatchDebounce,
		LockTimeout: cfg.LockTimeout,
	})

	chunking := chunker.DefaultConfig()
	if cfg.ChunkTriggerChars > 0 {
		chunking.TriggerChars = cfg.ChunkTriggerChars
	}
	if cfg.ChunkTargetChars > 0 {
		chunking.TargetChars = cfg.ChunkTargetChars
	}
	if cfg.ChunkOverlapChars > 0 {
		chunking.OverlapChars = cfg.ChunkOverlapChars
	}

	embedder := embed.New(s, reg, embedProvider, locks, embed.Config{
		Provider:    cfg.Embedding.Provider,
		Model:       cfg.Embedding.Model,
		BatchSize:   cfg.EmbeddingBatchSize,
		Chunking:    chunking,
		LockTimeout: cfg.LockTimeout,
	})
	orchestrator.OnLinked(embedder.Run)

	retrieverCfg := retrieval.DefaultConfig()
	if cfg.WeightVector > 0 {
		retrieverCfg.WeightVector = cfg.WeightVector
	}
	if cfg.WeightFTS > 0 {
		retrieverCfg.WeightFTS = cfg.WeightFTS
	}
	retrieverCfg.EmbeddingLockTimeout = cfg.LockTimeout
	retrieverCfg.IngestionLockTimeout = cfg.LockTimeout
	retriever := retrieval.New(s, embedProvider, locks, retrieverCfg)

	ctx := context.Background()
	if err := orphan.EnsureProject(ctx, s); err != nil {
		s.Close()
		return nil, fmt.Errorf("ragforge: ensuring touched-files project: %w", err)
	}

	return &engine{
		cfg:           cfg,
		store:         s,
		embedProvider: embedProvider,
		parsers:       reg,
		locks:         locks,
		orchestrator:  orchestrator,
		embedder:      embedder,
		retriever:     retriever,
	}, nil
}

func (e *engine) RegisterProject(ctx context.Context, path string, typ ingest.ProjectType, displayName string) (string, error) {
	id, err := e.orchestrator.RegisterProject(ctx, path, typ, displayName)
	if err != nil {
		return "", err
	}
	if err := e.embedder.DetectDrift(ctx, id); err != nil {
		return id, fmt.Errorf("ragforge: detecting schema drift: %w", err)
	}
	return id, nil
}

func (e *engine) StartWatching(ctx context.Context, path string) error {
	return e.orchestrator.StartWatching(ctx, path)
}

func (e *engine) StopWatching(ctx context.Context, path string) error {
	return e.orchestrator.StopWatching(ctx, path)
}

func (e *engine) Pause(ctx context.Context, path string) error {
	return e.orchestrator.Pause(ctx, path)
}

func (e *engine) Resume(ctx context.Context, path string) error {
	return e.orchestrator.Resume(ctx, path)
}

func (e *engine) QueueFileChange(ctx context.Context, path string, removed bool) error {
	return e.orchestrator.QueueFileChange(ctx, path, removed)
}

func (e *engine) ForgetProject(ctx context.Context, path string) error {
	return e.orchestrator.ForgetProject(ctx, path)
}

func (e *engine) TouchFile(ctx context.Context, path string, initialState state.State) (*orphan.TouchResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("ragforge: resolving path: %w", err)
	}
	return orphan.TouchFile(ctx, e.store, absPath, initialState)
}

// UpdateMediaContent and IngestWebPage both materialize externally-sourced
// content with no file on disk for the ingestion orchestrator's parser
// dispatch to read, so they write a node directly under the touched-files
// project (following orphan.TouchFile's MERGE-by-key convention) and then
// drive it through the same state machine every parsed file passes through
// before handing it to the embedding engine.
func (e *engine) UpdateMediaContent(ctx context.Context, path, content string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("ragforge: resolving path: %w", err)
	}
	if err := orphan.EnsureDirectoryChain(ctx, e.store, absPath); err != nil {
		return err
	}
	return e.writeOrphanContent(ctx, absPath, graphmodel.LabelMediaFile, content)
}

func (e *engine) IngestWebPage(ctx context.Context, url, content string) error {
	return e.writeOrphanContent(ctx, url, graphmodel.LabelWebPage, content)
}

func (e *engine) writeOrphanContent(ctx context.Context, key string, label graphmodel.Label, content string) error {
	if err := orphan.EnsureProject(ctx, e.store); err != nil {
		return fmt.Errorf("ragforge: ensuring touched-files project: %w", err)
	}

	uuid := graphmodel.NodeUUID(label, key).String()
	hash := graphmodel.ContentHash([]byte(content))
	existing, _ := e.store.GetNode(ctx, uuid)
	if existing != nil && existing.ContentHash == hash {
		return nil // unchanged content, nothing to do
	}

	nodeState := state.Discovered
	if existing != nil {
		nodeState = existing.State
	}
	node := &store.Node{
		UUID: uuid, Label: string(label), ProjectID: orphan.ProjectID,
		SourcePath: key, ContentHash: hash, State: nodeState,
		Props: map[string]any{"content": content, "source": key},
	}
	if err := e.store.UpsertNode(ctx, node); err != nil {
		return fmt.Errorf("ragforge: upserting %s node: %w", label, err)
	}

	for nodeState != state.Linked {
		next, ok := advanceOne(nodeState)
		if !ok {
			break
		}
		if err := e.store.SetNodeState(ctx, uuid, nodeState, next); err != nil {
			return fmt.Errorf("ragforge: advancing %s: %w", uuid, err)
		}
		nodeState = next
	}

	return e.embedder.Run(ctx, orphan.ProjectID)
}

// advanceOne returns the next state on the shortest path to "linked" for
// content that arrives pre-extracted rather than from a file parse, so it
// bypasses the parsing stage outright.
func advanceOne(from state.State) (state.State, bool) {
	switch from {
	case state.Discovered, state.Mentioned:
		return state.Parsing, true
	case state.Parsing:
		return state.Parsed, true
	case state.Parsed:
		return state.Linked, true
	case state.Dirty, state.Failed:
		return state.Parsing, true
	case state.Ready:
		return state.Dirty, true
	default:
		return "", false
	}
}

func (e *engine) Search(ctx context.Context, query string, opts retrieval.SearchOptions) (*retrieval.SearchResponse, error) {
	return e.retriever.Search(ctx, query, opts)
}

func (e *engine) Store() *store.Store {
	return e.store
}

func (e *engine) Close() error {
	return e.store.Close()
}
