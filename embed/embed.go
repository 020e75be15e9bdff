// Package embed implements the embedding engine described in the design's
// §4.4: it drains nodes sitting in the "linked" state, chunks and embeds
// their registered fields, and advances them to "ready". It is grounded in
// the teacher's engine.embedChunks (batch embedding with per-text fallback
// and word-boundary truncation) generalized from a single chunks table keyed
// by document id to the registry-driven (label, field) table this module
// derives from package parser, and in store.Store's chunks/vec_chunks/
// chunks_fts trio for persistence.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ragforge/ragforge/chunker"
	"github.com/ragforge/ragforge/graphmodel"
	"github.com/ragforge/ragforge/llm"
	"github.com/ragforge/ragforge/lock"
	"github.com/ragforge/ragforge/parser"
	"github.com/ragforge/ragforge/state"
	"github.com/ragforge/ragforge/store"
)

// Config tunes the engine's batching, truncation, and incremental hash-cache
// behavior. Chunking thresholds fall back to chunker.DefaultConfig, and a
// node type's own *parser.ChunkingConfig (if declared) overrides them.
type Config struct {
	Provider      string
	Model         string
	BatchSize     int
	MaxTextLength int
	Incremental   bool
	Chunking      chunker.Config
	LockTimeout   time.Duration
	SchemaSamples int
}

// DefaultConfig returns the module's documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		MaxTextLength: 4000,
		Incremental:   true,
		Chunking:      chunker.DefaultConfig(),
		LockTimeout:   30 * time.Minute,
		SchemaSamples: 1,
	}
}

// Engine drains nodes in the "linked" state, embeds their registered fields,
// and advances them to "ready".
type Engine struct {
	store    *store.Store
	reg      *parser.Registry
	provider llm.Provider
	locks    *lock.Manager
	cfg      Config
}

// New constructs an Engine. provider is normally the same llm.Provider the
// host application configured for embeddings (see Config.Embedding in the
// root package); its reported provider/model strings are what gets stamped
// on every node and chunk this engine writes.
func New(s *store.Store, reg *parser.Registry, provider llm.Provider, locks *lock.Manager, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxTextLength == 0 {
		cfg.MaxTextLength = def.MaxTextLength
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.SchemaSamples == 0 {
		cfg.SchemaSamples = def.SchemaSamples
	}
	if (cfg.Chunking == chunker.Config{}) {
		cfg.Chunking = def.Chunking
	}
	return &Engine{store: s, reg: reg, provider: provider, locks: locks, cfg: cfg}
}

// task is one unit of text to embed: either a whole small field (seq 0) or
// one piece of a chunked field, plus enough bookkeeping for the write phase
// to know which node and field it belongs to.
type task struct {
	node      *store.Node
	field     string
	seq       int
	start     int
	end       int
	startLine int
	endLine   int
	text      string
	rawHash   string // hash of the field's full, pre-chunking text
}

// Run drives one multi-embedding pass over every registered (label, field)
// for a single project: collect, delete stale chunks, embed in batches, and
// write results back, advancing each fully-embedded node to "ready". It is
// normally wired as the ingestion orchestrator's LinkedHook, invoked once per
// batch that links at least one node (see ingest.Orchestrator.OnLinked).
func (e *Engine) Run(ctx context.Context, projectID string) error {
	tok, err := e.locks.Embedding.Acquire(ctx, e.cfg.LockTimeout, "embed_run", projectID)
	if err != nil {
		return fmt.Errorf("embed: acquiring embedding lock: %w", err)
	}
	defer e.locks.Embedding.Release(tok)

	tasks, err := e.collect(ctx, projectID)
	if err != nil {
		return fmt.Errorf("embed: collect phase: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	slog.Info("embed: collected tasks", "project", projectID, "count", len(tasks))

	if err := e.deleteStale(ctx, tasks); err != nil {
		return fmt.Errorf("embed: delete-stale-chunks phase: %w", err)
	}

	vectors, failed := e.embedBatches(ctx, tasks)
	if len(vectors) == 0 {
		return fmt.Errorf("embed: all %d tasks failed", len(tasks))
	}
	if failed > 0 {
		slog.Warn("embed: some tasks failed and were skipped", "failed", failed, "total", len(tasks))
	}

	return e.write(ctx, vectors)
}

// collect fetches every node in "linked" state for every registered (label,
// field) pair, skips fields whose hash-cache entry is still current, and
// splits oversize fields into chunker pieces.
func (e *Engine) collect(ctx context.Context, projectID string) ([]task, error) {
	var tasks []task
	for label, fields := range e.reg.EmbeddingFieldTable() {
		nodes, err := e.store.ListNodesByState(ctx, projectID, label, state.Linked)
		if err != nil {
			return nil, fmt.Errorf("listing %s nodes: %w", label, err)
		}
		if len(nodes) == 0 {
			continue
		}

		cc := e.cfg.Chunking
		if nt, ok := e.reg.NodeType(label); ok && nt.Chunking != nil {
			cc = chunker.Config{
				TriggerChars: nt.Chunking.TriggerChars,
				TargetChars:  nt.Chunking.TargetChars,
				OverlapChars: nt.Chunking.OverlapChars,
			}
		}
		chk := chunker.New(cc)

		for _, n := range nodes {
			before := len(tasks)
			for _, field := range fields {
				raw, ok := n.Props[field].(string)
				if !ok || strings.TrimSpace(raw) == "" {
					continue
				}

				if e.cfg.Incremental && e.cacheHit(n, field, raw) {
					continue
				}

				hash := fieldHash(raw)
				if len(raw) >= cc.TriggerChars {
					for _, piece := range chk.Chunk(raw) {
						tasks = append(tasks, task{
							node: n, field: field, seq: piece.Seq,
							start: piece.StartChar, end: piece.EndChar,
							startLine: piece.StartLine, endLine: piece.EndLine,
							text:    piece.Text,
							rawHash: hash,
						})
					}
				} else {
					tasks = append(tasks, task{
						node: n, field: field, seq: 0,
						start: 0, end: len(raw),
						startLine: 1, endLine: lineCount(raw),
						text:    truncate(raw, e.cfg.MaxTextLength),
						rawHash: hash,
					})
				}
			}

			// A reparse that left every field's hash-cache entry current
			// (e.g. a touch that didn't change content) produces no tasks
			// for this node; its embeddings are already valid, so it can
			// advance straight to "ready" without waiting on a batch.
			if len(tasks) == before && allFieldsEmbedded(e.reg, n) {
				if err := e.store.SetNodeState(ctx, n.UUID, state.Linked, state.Ready); err != nil {
					slog.Warn("embed: could not fast-path node to ready", "uuid", n.UUID, "error", err)
				}
			}
		}
	}
	return tasks, nil
}

// lineCount returns the 1-based line number of text's last character, used
// for fields too short to chunk (the whole field is one "piece" spanning
// every line it has).
func lineCount(text string) int {
	if text == "" {
		return 1
	}
	return strings.Count(text, "\n") + 1
}

// fieldHash returns the hex-encoded SHA-256 digest the incremental
// hash-cache compares against, stored on the node as a
// "embedding_hash_<field>" prop alongside the parser's own fields.
func fieldHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// cacheHit reports whether field's current text already has an up-to-date
// embedding: same content hash, same provider, same model. It is the
// multi-field analogue of Node.ContentHash, which only tracks the parser's
// view of the whole node, not each embeddable field independently.
func (e *Engine) cacheHit(n *store.Node, field, text string) bool {
	if n.EmbeddingProvider != e.cfg.Provider || n.EmbeddingModel != e.cfg.Model {
		return false
	}
	stored, ok := n.Props["embedding_hash_"+field].(string)
	return ok && stored == fieldHash(text)
}

// truncate cuts text to maxLen on a word boundary, mirroring the teacher's
// truncateForEmbed.
func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	cut := strings.LastIndex(text[:maxLen], " ")
	if cut <= 0 {
		cut = maxLen
	}
	return text[:cut]
}

// deleteStale removes every existing chunk row for each (node, field) pair
// this pass is about to re-embed, so a field that shrank from many chunks to
// one (or vice versa) doesn't leave orphaned rows behind.
func (e *Engine) deleteStale(ctx context.Context, tasks []task) error {
	seen := make(map[string]bool)
	for _, t := range tasks {
		key := t.node.UUID + "\x00" + t.field
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := e.store.DeleteChunks(ctx, t.node.UUID, t.field); err != nil {
			return fmt.Errorf("deleting stale chunks for %s/%s: %w", t.node.UUID, t.field, err)
		}
	}
	return nil
}

// embedded pairs a task with the vector the provider returned for it.
type embedded struct {
	task
	vector []float32
}

// embedBatches sends tasks to the provider in Config.BatchSize groups. A
// batch that fails outright is retried with exponential backoff before
// falling back to embedding its texts one at a time, so a single oversized
// or malformed text cannot sink the rest of the batch.
func (e *Engine) embedBatches(ctx context.Context, tasks []task) ([]embedded, int) {
	var out []embedded
	var failed int

	for i := 0; i < len(tasks); i += e.cfg.BatchSize {
		end := i + e.cfg.BatchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		batch := tasks[i:end]
		texts := make([]string, len(batch))
		for j, t := range batch {
			texts[j] = t.text
		}

		vectors, err := e.embedWithRetry(ctx, texts, 3)
		if err != nil {
			slog.Warn("embed: batch failed, falling back to per-text", "start", i, "end", end, "error", err)
			for j, t := range batch {
				single, serr := e.embedWithRetry(ctx, []string{t.text}, 2)
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					slog.Warn("embed: task failed", "node", t.node.UUID, "field", t.field, "seq", t.seq, "error", serr)
					failed++
					continue
				}
				out = append(out, embedded{task: batch[j], vector: single[0]})
			}
			continue
		}

		for j, v := range vectors {
			if len(v) == 0 {
				failed++
				continue
			}
			out = append(out, embedded{task: batch[j], vector: v})
		}
	}
	return out, failed
}

// embedWithRetry calls the provider's Embed, retrying transient failures
// with exponential backoff (200ms, 400ms, 800ms, ...) up to attempts times.
func (e *Engine) embedWithRetry(ctx context.Context, texts []string, attempts int) ([][]float32, error) {
	var lastErr error
	delay := 200 * time.Millisecond
	for i := 0; i < attempts; i++ {
		vectors, err := e.provider.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

// write persists every successful embedding and advances each node whose
// every embeddable field now has a current embedding from "linked" to
// "ready".
func (e *Engine) write(ctx context.Context, vectors []embedded) error {
	byNodeField := make(map[string][]embedded)
	nodes := make(map[string]*store.Node)
	for _, v := range vectors {
		key := v.node.UUID + "\x00" + v.field
		byNodeField[key] = append(byNodeField[key], v)
		nodes[v.node.UUID] = v.node
	}

	touched := make(map[string]bool)
	for key, group := range byNodeField {
		n := group[0].node
		chunks := make([]*store.Chunk, len(group))
		for i, v := range group {
			chunks[i] = &store.Chunk{
				UUID:        graphmodel.ChunkUUID(n.UUID, v.field, v.seq).String(),
				NodeUUID:    n.UUID,
				ProjectID:   n.ProjectID,
				Field:       v.field,
				Seq:         v.seq,
				StartChar:   v.start,
				EndChar:     v.end,
				StartLine:   v.startLine,
				EndLine:     v.endLine,
				Content:     v.text,
				ContentHash: fieldHash(v.text),
			}
		}
		if err := e.store.InsertChunks(ctx, chunks); err != nil {
			return fmt.Errorf("writing chunks for %s: %w", key, err)
		}
		for i, c := range chunks {
			if err := e.store.InsertEmbedding(ctx, c.ID, e.cfg.Provider, e.cfg.Model, group[i].vector); err != nil {
				return fmt.Errorf("writing embedding for chunk %s: %w", c.UUID, err)
			}
		}

		n.Props["embedding_hash_"+group[0].field] = group[0].rawHash
		touched[n.UUID] = true
	}

	for uuid := range touched {
		n := nodes[uuid]
		n.EmbeddingProvider = e.cfg.Provider
		n.EmbeddingModel = e.cfg.Model
		if err := e.store.UpsertNode(ctx, n); err != nil {
			return fmt.Errorf("stamping embedding hashes on %s: %w", uuid, err)
		}
		if err := e.store.MarkEmbedded(ctx, uuid, e.cfg.Provider, e.cfg.Model); err != nil {
			return fmt.Errorf("marking %s embedded: %w", uuid, err)
		}
		if allFieldsEmbedded(e.reg, n) {
			if err := e.store.SetNodeState(ctx, uuid, state.Linked, state.Ready); err != nil {
				slog.Warn("embed: could not advance node to ready", "uuid", uuid, "error", err)
			}
		}
	}
	return nil
}

// allFieldsEmbedded reports whether every embeddable field this node's label
// declares now has a current hash-cache entry, the condition §4.1 requires
// before a node may move from "linked" to "ready".
func allFieldsEmbedded(reg *parser.Registry, n *store.Node) bool {
	nt, ok := reg.NodeType(n.Label)
	if !ok {
		return true
	}
	for _, field := range nt.EmbeddingFields() {
		raw, ok := n.Props[field].(string)
		if !ok || strings.TrimSpace(raw) == "" {
			continue // field has nothing to embed, doesn't block readiness
		}
		hash, ok := n.Props["embedding_hash_"+field].(string)
		if !ok || hash != fieldHash(raw) {
			return false
		}
	}
	return true
}

// DetectDrift samples each label's stored nodes, compares the sampled schema
// hash to what's recorded on each node, and marks drifted nodes "dirty" so
// the ingestion orchestrator re-parses and this engine re-embeds them on the
// next pass. Intended to run once per project at startup.
func (e *Engine) DetectDrift(ctx context.Context, projectID string) error {
	for label := range e.reg.EmbeddingFieldTable() {
		hash, err := e.store.SampleSchemaHash(ctx, projectID, label, e.cfg.SchemaSamples)
		if err != nil {
			return fmt.Errorf("sampling schema hash for %s: %w", label, err)
		}

		nodes, err := e.store.ListNodesByState(ctx, projectID, label, state.Ready)
		if err != nil {
			return fmt.Errorf("listing %s nodes: %w", label, err)
		}
		for _, n := range nodes {
			if n.SchemaHash == "" {
				if err := e.store.SetSchemaHash(ctx, n.UUID, hash); err != nil {
					return err
				}
				continue
			}
			if n.SchemaHash != hash {
				if err := e.store.SetNodeState(ctx, n.UUID, state.Ready, state.Dirty); err != nil {
					slog.Warn("embed: could not mark drifted node dirty", "uuid", n.UUID, "error", err)
					continue
				}
				if err := e.store.SetSchemaHash(ctx, n.UUID, hash); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
