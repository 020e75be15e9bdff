// Package retrieval implements the hybrid search planner: keyword-only,
// semantic-only, and combined execution paths over the store's chunk index,
// grounded in the teacher's retrieval.Engine (parallel vector/FTS search over
// channels, RRF fusion) and generalized from the teacher's single per-document
// chunk table to the registry-driven (label, field) chunk space package embed
// writes into.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ragforge/ragforge/lock"
	"github.com/ragforge/ragforge/llm"
	"github.com/ragforge/ragforge/orphan"
	"github.com/ragforge/ragforge/store"
)

// MatchedRange locates the span within a node's content that produced a
// semantic hit, so a caller can highlight or excerpt around it. The chunk
// index does not carry the source field name alongside the offsets, so
// unlike spec.md's literal per-field description this only reports the
// character and line span.
type MatchedRange struct {
	StartChar int `json:"startChar"`
	EndChar   int `json:"endChar"`
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

// Result is a single scored hit, normalized back to its parent node.
type Result struct {
	ChunkUUID     string           `json:"chunkUuid"`
	NodeUUID      string           `json:"uuid"`
	ProjectID     string           `json:"projectId"`
	Label         string           `json:"label"`
	FilePath      string           `json:"filePath"`
	FileLineCount int              `json:"fileLineCount,omitempty"`
	Content       string           `json:"content"`
	Score         float64          `json:"score"`
	BM25Rank      int              `json:"bm25Rank,omitempty"`
	VectorRank    int              `json:"vectorRank,omitempty"`
	MatchedRange  *MatchedRange    `json:"matchedRange,omitempty"`
	RRFDetails    *FusedResultInfo `json:"rrfDetails,omitempty"`
}

// Config holds retrieval engine defaults, overridable per search via
// SearchOptions.
type Config struct {
	WeightVector  float64
	WeightFTS     float64
	BoostFactor   float64 // semantic-first BM25 boost factor, default 0.3
	TopBM25Only   int     // N top BM25-only hits folded in during hybrid search, default 5
	EmbeddingLockTimeout time.Duration
	IngestionLockTimeout time.Duration
}

// DefaultConfig returns the planner defaults from spec.md §4.5.
func DefaultConfig() Config {
	return Config{
		WeightVector:         1.0,
		WeightFTS:            1.0,
		BoostFactor:          0.3,
		TopBM25Only:          5,
		EmbeddingLockTimeout: 5 * time.Minute,
		IngestionLockTimeout: 5 * time.Minute,
	}
}

// SearchOptions configures a single search operation, matching the option
// set spec.md §4.5 assigns to `search(query, options)`.
type SearchOptions struct {
	Projects             []string // exact project allow-list; ignores per-project exclusion when set
	NodeTypes            []string // restrict results to these labels
	Semantic             bool
	Hybrid               bool
	Glob                 string // shell glob applied to FilePath
	BasePath             string
	Limit                int
	Offset               int
	MinScore             float64
	TouchedFilesBasePath string // when set, include touched-files nodes under this absolute path
	FuzzyDistance        int    // 0, 1, or 2
	UseRRF               bool   // fall back to Reciprocal Rank Fusion instead of the BM25-boost strategy
	RRFK                 int    // overrides rrfK when UseRRF is set
}

// SearchTrace records the breakdown of a search for diagnostics.
type SearchTrace struct {
	Path          string                     `json:"path"` // "keyword", "semantic", or "hybrid"
	VecResults    int                        `json:"vecResults"`
	FTSResults    int                        `json:"ftsResults"`
	FusedResults  int                        `json:"fusedResults"`
	VecWeight     float64                    `json:"vecWeight"`
	FTSWeight     float64                    `json:"ftsWeight"`
	SynthesisMode bool                       `json:"synthesisMode"`
	FTSQuery      string                     `json:"ftsQuery"`
	ElapsedMs     int64                      `json:"elapsedMs"`
	PerResult     map[string]FusedResultInfo `json:"perResult,omitempty"`
}

// SearchResponse is the top-level return value of Search.
type SearchResponse struct {
	Results          []Result      `json:"results"`
	TotalCount       int           `json:"totalCount"`
	SearchedProjects []string      `json:"searchedProjects"`
	Trace            *SearchTrace  `json:"trace"`
}

// Engine performs hybrid retrieval combining vector and FTS5 search.
type Engine struct {
	store    *store.Store
	embedder llm.Provider
	locks    *lock.Manager
	cfg      Config
}

// New creates a retrieval engine. embedder is used to embed the query text
// for semantic and hybrid searches.
func New(s *store.Store, embedder llm.Provider, locks *lock.Manager, cfg Config) *Engine {
	if cfg.WeightVector == 0 {
		cfg.WeightVector = 1.0
	}
	if cfg.WeightFTS == 0 {
		cfg.WeightFTS = 1.0
	}
	if cfg.BoostFactor == 0 {
		cfg.BoostFactor = 0.3
	}
	if cfg.TopBM25Only == 0 {
		cfg.TopBM25Only = 5
	}
	return &Engine{store: s, embedder: embedder, locks: locks, cfg: cfg}
}

// Search runs the keyword-only, semantic-only, or hybrid execution path
// chosen by opts, per spec.md §4.5.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (*SearchResponse, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	projectIDs, err := e.resolveProjects(ctx, opts)
	if err != nil {
		return nil, err
	}

	trace := &SearchTrace{VecWeight: e.cfg.WeightVector, FTSWeight: e.cfg.WeightFTS}
	if isSynthesisQuery(query) {
		trace.SynthesisMode = true
		if opts.Limit < 40 {
			opts.Limit = 40
		}
	}

	var results []Result
	switch {
	case !opts.Semantic:
		trace.Path = "keyword"
		results, err = e.keywordSearch(ctx, projectIDs, query, opts, trace)
	case opts.Semantic && !opts.Hybrid:
		trace.Path = "semantic"
		results, err = e.semanticSearch(ctx, projectIDs, query, opts, trace)
	default:
		trace.Path = "hybrid"
		results, err = e.hybridSearch(ctx, projectIDs, query, opts, trace)
	}
	if err != nil {
		return nil, err
	}

	results = filterResults(results, opts)
	total := len(results)
	results = paginate(results, opts.Offset, opts.Limit)

	if err := e.enrich(ctx, results); err != nil {
		slog.Warn("retrieval: result enrichment failed", "error", err)
	}

	return &SearchResponse{
		Results:          results,
		TotalCount:       total,
		SearchedProjects: projectIDs,
		Trace:            trace,
	}, nil
}

// resolveProjects implements spec.md §4.5's project filter: an explicit
// Projects list is used exactly as given; otherwise every registered project
// is searched except the synthetic "touched-files" project, which is either
// excluded entirely or included restricted to TouchedFilesBasePath. The
// store's Project type carries no per-project "excluded" flag of its own —
// unlike the original spec's property graph, this schema has no column for
// it — so the only exclusion this planner can apply beyond an explicit
// allow-list is the touched-files special case.
func (e *Engine) resolveProjects(ctx context.Context, opts SearchOptions) ([]string, error) {
	if len(opts.Projects) > 0 {
		return opts.Projects, nil
	}

	all, err := e.store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieval: listing projects: %w", err)
	}
	ids := make([]string, 0, len(all))
	for _, p := range all {
		if p.ID == orphan.ProjectID && opts.TouchedFilesBasePath == "" {
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// keywordSearch issues a single BM25 query across the chunk index and merges
// hits back to their parent nodes, first occurrence wins.
func (e *Engine) keywordSearch(ctx context.Context, projectIDs []string, query string, opts SearchOptions, trace *SearchTrace) ([]Result, error) {
	if err := e.waitIngestion(ctx); err != nil {
		return nil, err
	}

	ftsQuery := buildFTSQuery(query, opts.FuzzyDistance)
	trace.FTSQuery = ftsQuery
	if ftsQuery == "" {
		return nil, nil
	}

	matches, err := e.store.FTSSearch(ctx, projectIDs, ftsQuery, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("retrieval: fts search: %w", err)
	}
	trace.FTSResults = len(matches)

	results, err := e.toResults(ctx, matches)
	if err != nil {
		return nil, err
	}
	deduped := dedupeByNode(results)
	for i := range deduped {
		deduped[i].RRFDetails = &FusedResultInfo{Methods: []string{"fts"}, SearchType: "keyword"}
	}
	return deduped, nil
}

// semanticSearch embeds the query once, retrieves the top candidate chunks,
// keeps only the highest-scoring chunk per parent node, and attaches a
// matchedRange describing the hit.
func (e *Engine) semanticSearch(ctx context.Context, projectIDs []string, query string, opts SearchOptions, trace *SearchTrace) ([]Result, error) {
	if err := e.waitEmbedding(ctx); err != nil {
		return nil, err
	}

	k := opts.Limit * 3
	if k > 100 {
		k = 100
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = 0.3
	}

	matches, err := e.vectorSearch(ctx, projectIDs, query, k)
	if err != nil {
		return nil, err
	}
	trace.VecResults = len(matches)

	filtered := matches[:0]
	for _, m := range matches {
		if m.Score >= minScore {
			filtered = append(filtered, m)
		}
	}

	results, err := e.toResultsWithRange(ctx, filtered)
	if err != nil {
		return nil, err
	}
	deduped := dedupeByNode(results)
	for i := range deduped {
		deduped[i].RRFDetails = &FusedResultInfo{Methods: []string{"vector"}, SearchType: "semantic"}
	}
	sort.SliceStable(deduped, func(i, j int) bool { return deduped[i].Score > deduped[j].Score })
	return deduped, nil
}

// hybridSearch runs the semantic and keyword paths over an expanded
// candidate set and combines them with the semantic-first BM25 boost: a
// semantic hit that also appears in the BM25 results has its score
// multiplied by 1 + boostFactor/sqrt(bm25Rank); the top TopBM25Only BM25-only
// hits are folded in with a synthetic score so strong exact matches surface
// even without semantic similarity. A pure RRF fusion is retained behind
// opts.UseRRF for parity with the retained rrf.go fallback.
func (e *Engine) hybridSearch(ctx context.Context, projectIDs []string, query string, opts SearchOptions, trace *SearchTrace) ([]Result, error) {
	expanded := opts
	expanded.Limit = opts.Limit * 3
	if expanded.Limit > 150 {
		expanded.Limit = 150
	}

	semantic, err := e.semanticSearch(ctx, projectIDs, query, expanded, trace)
	if err != nil {
		return nil, err
	}
	keyword, err := e.keywordSearch(ctx, projectIDs, query, expanded, trace)
	if err != nil {
		return nil, err
	}

	if opts.UseRRF {
		fused, info := fuseRRF(semantic, keyword, e.cfg.WeightVector, e.cfg.WeightFTS, opts.Limit, opts.RRFK)
		trace.FusedResults = len(fused)
		trace.PerResult = info
		return fused, nil
	}

	bm25Rank := make(map[string]int, len(keyword))
	for i, r := range keyword {
		bm25Rank[r.NodeUUID] = i + 1
	}

	boosted := make([]Result, len(semantic))
	copy(boosted, semantic)
	seen := make(map[string]bool, len(boosted))
	for i := range boosted {
		seen[boosted[i].NodeUUID] = true
		if rank, ok := bm25Rank[boosted[i].NodeUUID]; ok {
			boostApplied := e.cfg.BoostFactor / math.Sqrt(float64(rank))
			boosted[i].Score *= 1 + boostApplied
			boosted[i].BM25Rank = rank
			boosted[i].RRFDetails = &FusedResultInfo{
				Methods:      []string{"vector", "fts"},
				SearchType:   "hybrid",
				BoostApplied: boostApplied,
			}
		} else {
			boosted[i].RRFDetails = &FusedResultInfo{
				Methods:    []string{"vector"},
				SearchType: "semantic",
			}
		}
	}

	added := 0
	for _, r := range keyword {
		if added >= e.cfg.TopBM25Only {
			break
		}
		if seen[r.NodeUUID] {
			continue
		}
		synthetic := r
		synthetic.Score = 0.4 - 0.05*float64(added)
		synthetic.RRFDetails = &FusedResultInfo{Methods: []string{"fts"}, SearchType: "keyword"}
		boosted = append(boosted, synthetic)
		seen[r.NodeUUID] = true
		added++
	}

	sort.SliceStable(boosted, func(i, j int) bool { return boosted[i].Score > boosted[j].Score })
	if len(boosted) > opts.Limit {
		boosted = boosted[:opts.Limit]
	}
	trace.FusedResults = len(boosted)
	return boosted, nil
}

func (e *Engine) vectorSearch(ctx context.Context, projectIDs []string, query string, k int) ([]store.ChunkMatch, error) {
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("retrieval: empty query embedding")
	}
	return e.store.VectorSearch(ctx, projectIDs, vecs[0], k)
}

// toResults resolves each chunk match's parent node and converts it to a
// Result. A node that no longer exists (deleted between the chunk index
// write and this read) is skipped rather than failing the whole search.
func (e *Engine) toResults(ctx context.Context, matches []store.ChunkMatch) ([]Result, error) {
	return e.convertResults(ctx, matches, false)
}

// toResultsWithRange is toResults but also attaches each hit's MatchedRange,
// used by the semantic path per spec.md §4.5.
func (e *Engine) toResultsWithRange(ctx context.Context, matches []store.ChunkMatch) ([]Result, error) {
	return e.convertResults(ctx, matches, true)
}

func (e *Engine) convertResults(ctx context.Context, matches []store.ChunkMatch, withRange bool) ([]Result, error) {
	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		n, err := e.store.GetNode(ctx, m.NodeUUID)
		if err != nil {
			continue
		}
		r := Result{
			ChunkUUID:  m.ChunkUUID,
			NodeUUID:   m.NodeUUID,
			ProjectID:  m.ProjectID,
			Label:      n.Label,
			FilePath:   n.SourcePath,
			Content:    m.Content,
			Score:      m.Score,
			BM25Rank:   m.BM25Rank,
			VectorRank: m.VectorRank,
		}
		if withRange {
			r.MatchedRange = &MatchedRange{
				StartChar: m.StartChar,
				EndChar:   m.EndChar,
				StartLine: m.StartLine,
				EndLine:   m.EndLine,
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// dedupeByNode keeps the first (highest-scoring, since callers sort or the
// store already ranks) occurrence of each node, per spec.md's "merge,
// deduplicate by uuid" rule.
func dedupeByNode(results []Result) []Result {
	seen := make(map[string]bool, len(results))
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if seen[r.NodeUUID] {
			continue
		}
		seen[r.NodeUUID] = true
		out = append(out, r)
	}
	return out
}

// filterResults applies the planner's node-type, base-path, glob, and
// min-score filters, in that order, to the merged result set.
func filterResults(results []Result, opts SearchOptions) []Result {
	var allowedTypes map[string]bool
	if len(opts.NodeTypes) > 0 {
		allowedTypes = make(map[string]bool, len(opts.NodeTypes))
		for _, t := range opts.NodeTypes {
			allowedTypes[t] = true
		}
	}

	out := results[:0]
	for _, r := range results {
		if allowedTypes != nil && !allowedTypes[r.Label] {
			continue
		}
		if r.ProjectID == orphan.ProjectID && opts.TouchedFilesBasePath != "" &&
			!strings.HasPrefix(r.FilePath, opts.TouchedFilesBasePath) {
			continue
		}
		if opts.BasePath != "" && !strings.HasPrefix(r.FilePath, opts.BasePath) {
			continue
		}
		if opts.Glob != "" {
			if ok, _ := filepath.Match(opts.Glob, r.FilePath); !ok {
				continue
			}
		}
		if opts.MinScore > 0 && r.Score < opts.MinScore {
			continue
		}
		out = append(out, r)
	}
	return out
}

func paginate(results []Result, offset, limit int) []Result {
	if offset >= len(results) {
		return nil
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}

// enrich fills FileLineCount for each unique (projectId, file) pair with a
// single batched lookup per pair, per spec.md §4.5's result enrichment rule.
// The node's own props carry the line count the parser recorded, so no extra
// store method is needed beyond GetNode (already called by toResults); this
// pass re-reads the File node once per unique path instead of once per hit.
func (e *Engine) enrich(ctx context.Context, results []Result) error {
	lineCounts := make(map[string]int)
	for i := range results {
		key := results[i].ProjectID + "\x00" + results[i].FilePath
		if lc, ok := lineCounts[key]; ok {
			results[i].FileLineCount = lc
			continue
		}
		fileNode, err := e.store.GetNodeByPath(ctx, results[i].ProjectID, results[i].FilePath)
		if err != nil {
			continue
		}
		lc := 0
		if v, ok := fileNode.Props["lineCount"]; ok {
			switch n := v.(type) {
			case float64:
				lc = int(n)
			case int:
				lc = n
			}
		}
		lineCounts[key] = lc
		results[i].FileLineCount = lc
	}
	return nil
}

func (e *Engine) waitEmbedding(ctx context.Context) error {
	if e.locks == nil {
		return nil
	}
	tok, err := e.locks.Embedding.Acquire(ctx, e.cfg.EmbeddingLockTimeout, "search", "retrieval")
	if err != nil {
		return err
	}
	e.locks.Embedding.Release(tok)
	return nil
}

func (e *Engine) waitIngestion(ctx context.Context) error {
	if e.locks == nil {
		return nil
	}
	tok, err := e.locks.Ingestion.Acquire(ctx, e.cfg.IngestionLockTimeout, "search", "retrieval")
	if err != nil {
		return err
	}
	e.locks.Ingestion.Release(tok)
	return nil
}
