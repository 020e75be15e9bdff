// Package store wraps the SQLite database that backs every RagForge project:
// the property graph (nodes, relationships), the embedding chunks, and their
// vector and full-text indexes. It generalizes the teacher's document/
// chunk/entity-specific schema into a single nodes/relationships/chunks
// triple capable of representing any label or relationship type in package
// graphmodel, while keeping the teacher's connection-pool tuning, the
// sqlite-vec/FTS5 virtual-table wiring, and the versioned-migration pattern
// unchanged.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ragforge/ragforge/state"
)

func init() {
	sqlite_vec.Auto()
}

// Store wraps the SQLite database for all RagForge persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (creating if necessary) the SQLite database at dbPath, applies
// the schema and any pending migrations, and tunes the connection pool the
// way the teacher's store did: a handful of connections since SQLite only
// truly parallelizes reads, WAL so a long embedding write doesn't stall a
// concurrent search.
func New(dbPath string, embeddingDim int) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{db: db, embeddingDim: embeddingDim}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

// Project is a registered root that the orchestrator watches and the search
// planner can scope queries to.
type Project struct {
	ID          string
	RootPath    string
	DisplayName string
	Synthetic   bool
	WatchState  string
	CreatedAt   time.Time
}

// UpsertProject registers a project, or updates its display name if a
// project with the same id already exists.
func (s *Store) UpsertProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, root_path, display_name, synthetic, watch_state)
		VALUES (?, ?, ?, ?, 'stopped')
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name
	`, p.ID, p.RootPath, p.DisplayName, boolToInt(p.Synthetic))
	return err
}

// GetProject looks up a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root_path, display_name, synthetic, watch_state, created_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByPath looks up a project by its root filesystem path.
func (s *Store) GetProjectByPath(ctx context.Context, rootPath string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, root_path, display_name, synthetic, watch_state, created_at
		FROM projects WHERE root_path = ?`, rootPath)
	return scanProject(row)
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var synthetic int
	if err := row.Scan(&p.ID, &p.RootPath, &p.DisplayName, &synthetic, &p.WatchState, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Synthetic = synthetic != 0
	return &p, nil
}

// ListProjects returns every registered project.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, root_path, display_name, synthetic, watch_state, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		var synthetic int
		if err := rows.Scan(&p.ID, &p.RootPath, &p.DisplayName, &synthetic, &p.WatchState, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Synthetic = synthetic != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SetWatchState updates a project's watcher lifecycle state (stopped,
// running, paused).
func (s *Store) SetWatchState(ctx context.Context, projectID, watchState string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET watch_state = ? WHERE id = ?`, watchState, projectID)
	return err
}

// DeleteProject removes a project and every node, relationship, and chunk
// that belongs to it.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relationships WHERE from_uuid IN (SELECT uuid FROM nodes WHERE project_id = ?)
			   OR to_uuid IN (SELECT uuid FROM nodes WHERE project_id = ?)`, projectID, projectID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE project_id = ?`, projectID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE project_id = ?`, projectID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID)
		return err
	})
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

// Node is a single vertex in the property graph: a project, a directory, a
// file, or a piece of content a parser extracted from a file.
type Node struct {
	UUID              string
	Label             string
	ProjectID         string
	SourcePath        string
	ContentHash       string
	State             state.State
	EmbeddedAt        *time.Time
	EmbeddingProvider string
	EmbeddingModel    string
	SchemaHash        string
	Props             map[string]any
}

// UpsertNode inserts a node or, if one with the same uuid already exists,
// replaces its mutable fields while leaving its state untouched (state
// transitions go through SetNodeState so they can be validated).
func (s *Store) UpsertNode(ctx context.Context, n *Node) error {
	propsJSON, err := json.Marshal(n.Props)
	if err != nil {
		return fmt.Errorf("marshaling node props: %w", err)
	}
	if n.State == "" {
		n.State = state.Discovered
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (uuid, label, project_id, source_path, content_hash, state, props, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(uuid) DO UPDATE SET
			source_path  = excluded.source_path,
			content_hash = excluded.content_hash,
			props        = excluded.props,
			updated_at   = CURRENT_TIMESTAMP
	`, n.UUID, n.Label, n.ProjectID, n.SourcePath, n.ContentHash, string(n.State), string(propsJSON))
	return err
}

// GetNode fetches a single node by its UUID.
func (s *Store) GetNode(ctx context.Context, uuid string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, label, project_id, source_path, content_hash, state,
		       embedded_at, embedding_provider, embedding_model, schema_hash, props
		FROM nodes WHERE uuid = ?`, uuid)
	return scanNode(row)
}

// GetNodeByPath fetches the node representing a given source path within a
// project, if one exists.
func (s *Store) GetNodeByPath(ctx context.Context, projectID, path string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, label, project_id, source_path, content_hash, state,
		       embedded_at, embedding_provider, embedding_model, schema_hash, props
		FROM nodes WHERE project_id = ? AND source_path = ?`, projectID, path)
	return scanNode(row)
}

func scanNode(row *sql.Row) (*Node, error) {
	var n Node
	var embeddedAt sql.NullTime
	var propsJSON string
	var stateStr string
	if err := row.Scan(&n.UUID, &n.Label, &n.ProjectID, &n.SourcePath, &n.ContentHash, &stateStr,
		&embeddedAt, &n.EmbeddingProvider, &n.EmbeddingModel, &n.SchemaHash, &propsJSON); err != nil {
		return nil, err
	}
	n.State = state.State(stateStr)
	if embeddedAt.Valid {
		n.EmbeddedAt = &embeddedAt.Time
	}
	if propsJSON != "" {
		_ = json.Unmarshal([]byte(propsJSON), &n.Props)
	}
	return &n, nil
}

// SetNodeState performs an atomic claim-and-transition: the row is only
// updated if its current state still matches `from`, which is what lets two
// concurrent ingestion passes race for the same file without both winning.
func (s *Store) SetNodeState(ctx context.Context, uuid string, from, to state.State) error {
	if err := state.Validate(from, to); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET state = ?, state_changed_at = CURRENT_TIMESTAMP
		WHERE uuid = ? AND state = ?`, string(to), uuid, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: node %s was not in state %q (lost the claim race)", uuid, from)
	}
	return nil
}

// MarkEmbedded stamps a node with the provider/model that embedded it.
func (s *Store) MarkEmbedded(ctx context.Context, uuid, provider, model string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET embedded_at = CURRENT_TIMESTAMP, embedding_provider = ?, embedding_model = ?
		WHERE uuid = ?`, provider, model, uuid)
	return err
}

// SetSchemaHash records the sampled schema hash used for drift detection.
func (s *Store) SetSchemaHash(ctx context.Context, uuid, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET schema_hash = ? WHERE uuid = ?`, hash, uuid)
	return err
}

// DeleteNode removes a node, its chunks, and every relationship touching it.
func (s *Store) DeleteNode(ctx context.Context, uuid string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE from_uuid = ? OR to_uuid = ?`, uuid, uuid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE node_uuid = ?`, uuid); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE uuid = ?`, uuid)
		return err
	})
}

// DeleteNodesByPath removes every node (the File node and any content node
// derived from it) sharing a project/source_path pair, used when a watched
// file is deleted so structural and content nodes disappear together.
func (s *Store) DeleteNodesByPath(ctx context.Context, projectID, sourcePath string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid FROM nodes WHERE project_id = ? AND source_path = ?`, projectID, sourcePath)
	if err != nil {
		return err
	}
	var uuids []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return err
		}
		uuids = append(uuids, u)
	}
	rows.Close()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range uuids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE from_uuid = ? OR to_uuid = ?`, u, u); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE node_uuid = ?`, u); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE project_id = ? AND source_path = ?`, projectID, sourcePath)
		return err
	})
}

// MoveNode reassigns a single node's project_id and source_path directly,
// used by the orphan subsystem to adopt a touched file into a project one
// node at a time rather than in the bulk, whole-project-prefix style
// RepathNodes performs.
func (s *Store) MoveNode(ctx context.Context, uuid, newProjectID, newSourcePath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET project_id = ?, source_path = ? WHERE uuid = ?`,
		newProjectID, newSourcePath, uuid)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE chunks SET project_id = ? WHERE node_uuid = ?`, newProjectID, uuid)
	return err
}

// RepathNodes moves every node of oldProjectID to newProjectID, prefixing
// its source_path with pathPrefix and "/" (unchanged when pathPrefix is
// empty); used by project containment migration.
func (s *Store) RepathNodes(ctx context.Context, oldProjectID, newProjectID, pathPrefix string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid, source_path FROM nodes WHERE project_id = ?`, oldProjectID)
	if err != nil {
		return err
	}
	type pair struct{ uuid, path string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.uuid, &p.path); err != nil {
			rows.Close()
			return err
		}
		pairs = append(pairs, p)
	}
	rows.Close()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range pairs {
			newPath := p.path
			if pathPrefix != "" {
				newPath = pathPrefix + "/" + p.path
			}
			if _, err := tx.ExecContext(ctx, `UPDATE nodes SET project_id = ?, source_path = ? WHERE uuid = ?`,
				newProjectID, newPath, p.uuid); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE chunks SET project_id = ? WHERE node_uuid = ?`, newProjectID, p.uuid); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListNodesByState returns every node for a project in a given label and
// state, used by the embedding engine to find linked nodes to embed and
// ready nodes to check for schema drift.
func (s *Store) ListNodesByState(ctx context.Context, projectID, label string, st state.State) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, label, project_id, source_path, content_hash, state,
		       embedded_at, embedding_provider, embedding_model, schema_hash, props
		FROM nodes WHERE project_id = ? AND label = ? AND state = ?`, projectID, label, string(st))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	var out []*Node
	for rows.Next() {
		var n Node
		var embeddedAt sql.NullTime
		var propsJSON, stateStr string
		if err := rows.Scan(&n.UUID, &n.Label, &n.ProjectID, &n.SourcePath, &n.ContentHash, &stateStr,
			&embeddedAt, &n.EmbeddingProvider, &n.EmbeddingModel, &n.SchemaHash, &propsJSON); err != nil {
			return nil, err
		}
		n.State = state.State(stateStr)
		if embeddedAt.Valid {
			n.EmbeddedAt = &embeddedAt.Time
		}
		if propsJSON != "" {
			_ = json.Unmarshal([]byte(propsJSON), &n.Props)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// ListNodesByPathPrefix returns every node in a project whose source_path is
// pathPrefix itself or sits beneath it, used to find which orphans a newly
// registered project root should absorb.
func (s *Store) ListNodesByPathPrefix(ctx context.Context, projectID, pathPrefix string) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, label, project_id, source_path, content_hash, state,
		       embedded_at, embedding_provider, embedding_model, schema_hash, props
		FROM nodes WHERE project_id = ? AND (source_path = ? OR source_path LIKE ?)`,
		projectID, pathPrefix, pathPrefix+"/%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// CountNodesByState returns, for a project, how many nodes sit in each
// lifecycle state.
func (s *Store) CountNodesByState(ctx context.Context, projectID string) (map[state.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM nodes WHERE project_id = ? GROUP BY state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[state.State]int)
	for _, st := range state.All() {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[state.State(st)] = n
	}
	return counts, rows.Err()
}

// ---------------------------------------------------------------------------
// Relationships
// ---------------------------------------------------------------------------

// Relationship is a single directed edge between two node (or chunk) UUIDs.
type Relationship struct {
	FromUUID string
	RelType  string
	ToUUID   string
	Props    map[string]any
}

// UpsertRelationship creates an edge, or is a no-op if the identical
// (from, type, to) edge already exists — the MERGE-style semantics the
// ingestion orchestrator relies on when re-processing an unchanged file.
func (s *Store) UpsertRelationship(ctx context.Context, r *Relationship) error {
	propsJSON, err := json.Marshal(r.Props)
	if err != nil {
		return fmt.Errorf("marshaling relationship props: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relationships (from_uuid, rel_type, to_uuid, props)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_uuid, rel_type, to_uuid) DO UPDATE SET props = excluded.props
	`, r.FromUUID, r.RelType, r.ToUUID, string(propsJSON))
	return err
}

// DeleteRelationshipsFrom removes every outgoing edge of relType from a node,
// used before re-linking a node that is being re-parsed.
func (s *Store) DeleteRelationshipsFrom(ctx context.Context, fromUUID, relType string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM relationships WHERE from_uuid = ? AND rel_type = ?`, fromUUID, relType)
	return err
}

// DeleteRelationship removes a single edge, used once a PENDING_IMPORT edge
// has been matched and converted into a CONSUMES edge.
func (s *Store) DeleteRelationship(ctx context.Context, fromUUID, relType, toUUID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM relationships WHERE from_uuid = ? AND rel_type = ? AND to_uuid = ?`,
		fromUUID, relType, toUUID)
	return err
}

// GetOutgoing returns every edge of relType leaving fromUUID.
func (s *Store) GetOutgoing(ctx context.Context, fromUUID, relType string) ([]*Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_uuid, rel_type, to_uuid, props FROM relationships
		WHERE from_uuid = ? AND rel_type = ?`, fromUUID, relType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// GetIncoming returns every edge of relType arriving at toUUID.
func (s *Store) GetIncoming(ctx context.Context, toUUID, relType string) ([]*Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_uuid, rel_type, to_uuid, props FROM relationships
		WHERE to_uuid = ? AND rel_type = ?`, toUUID, relType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func scanRelationships(rows *sql.Rows) ([]*Relationship, error) {
	var out []*Relationship
	for rows.Next() {
		var r Relationship
		var propsJSON string
		if err := rows.Scan(&r.FromUUID, &r.RelType, &r.ToUUID, &propsJSON); err != nil {
			return nil, err
		}
		if propsJSON != "" {
			_ = json.Unmarshal([]byte(propsJSON), &r.Props)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Chunks
// ---------------------------------------------------------------------------

// Chunk is one EmbeddingChunk: a slice of a single field (name/content/
// description) of a parent node, sized for a single embedding call.
type Chunk struct {
	ID                int64
	UUID              string
	NodeUUID          string
	ProjectID         string
	Field             string
	Seq               int
	StartChar         int
	EndChar           int
	StartLine         int
	EndLine           int
	Content           string
	ContentHash       string
	EmbeddingProvider string
	EmbeddingModel    string
}

// InsertChunks inserts a batch of chunks for a single node/field pair in one
// transaction and fills in each chunk's database-assigned ID. EmbeddingChunks
// chain to each other and to their parent via the relationships table
// instead of a parent_chunk_id column, so unlike the teacher's InsertChunks
// no temp-ID remapping pass is needed here.
func (s *Store) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (uuid, node_uuid, project_id, field, seq, start_char, end_char, start_line, end_line, content, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			res, err := stmt.ExecContext(ctx, c.UUID, c.NodeUUID, c.ProjectID, c.Field, c.Seq,
				c.StartChar, c.EndChar, c.StartLine, c.EndLine, c.Content, c.ContentHash)
			if err != nil {
				return fmt.Errorf("inserting chunk %s: %w", c.UUID, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			c.ID = id
		}
		return nil
	})
}

// DeleteChunks removes every chunk (and their vector/FTS index rows, via
// trigger) for a node's field, used before re-embedding a changed field.
func (s *Store) DeleteChunks(ctx context.Context, nodeUUID, field string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid FROM chunks WHERE node_uuid = ? AND field = ?`, nodeUUID, field)
	if err != nil {
		return err
	}
	var uuids []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return err
		}
		uuids = append(uuids, u)
	}
	rows.Close()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, u := range uuids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE from_uuid = ? OR to_uuid = ?`, u, u); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE node_uuid = ? AND field = ?`, nodeUUID, field)
		return err
	})
}

// GetChunksByNode returns every chunk of a node's field, ordered by
// sequence.
func (s *Store) GetChunksByNode(ctx context.Context, nodeUUID, field string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uuid, node_uuid, project_id, field, seq, start_char, end_char, start_line, end_line, content, content_hash
		FROM chunks WHERE node_uuid = ? AND field = ? ORDER BY seq`, nodeUUID, field)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.UUID, &c.NodeUUID, &c.ProjectID, &c.Field, &c.Seq,
			&c.StartChar, &c.EndChar, &c.StartLine, &c.EndLine, &c.Content, &c.ContentHash); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// InsertEmbedding writes (or replaces) the vector for a chunk and stamps it
// with the provider/model that produced it.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, provider, model string, vec []float32) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO vec_chunks(chunk_id, embedding) VALUES (?, ?)`,
			chunkID, serializeFloat32(vec)); err != nil {
			return fmt.Errorf("writing vector: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE chunks SET embedding_provider = ?, embedding_model = ?, embedded_at = CURRENT_TIMESTAMP
			WHERE id = ?`, provider, model, chunkID)
		return err
	})
}

// ChunkMatch is a single scored hit from either search path, before the
// planner normalizes chunk hits back to their parent nodes.
type ChunkMatch struct {
	ChunkUUID  string
	NodeUUID   string
	ProjectID  string
	Content    string
	StartChar  int
	EndChar    int
	StartLine  int
	EndLine    int
	Score      float64
	BM25Rank   int // 1-based rank within its own FTS result set, 0 if not an FTS hit
	VectorRank int // 1-based rank within its own vector result set, 0 if not a vector hit
}

// VectorSearch returns the k nearest chunks to vec across the given
// projects (all projects if projectIDs is empty), using sqlite-vec's MATCH
// operator exactly as the teacher's VectorSearch did.
func (s *Store) VectorSearch(ctx context.Context, projectIDs []string, vec []float32, k int) ([]ChunkMatch, error) {
	extra, args := projectFilter(projectIDs, "c.project_id")
	if extra != "" {
		extra = strings.Replace(extra, "WHERE", "AND", 1)
	}
	query := fmt.Sprintf(`
		SELECT c.uuid, c.node_uuid, c.project_id, c.content, c.start_char, c.end_char, c.start_line, c.end_line, v.distance
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ? %s
		ORDER BY v.distance ASC`, extra)

	args = append([]any{serializeFloat32(vec), k}, args...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []ChunkMatch
	rank := 0
	for rows.Next() {
		rank++
		var m ChunkMatch
		var distance float64
		if err := rows.Scan(&m.ChunkUUID, &m.NodeUUID, &m.ProjectID, &m.Content, &m.StartChar, &m.EndChar, &m.StartLine, &m.EndLine, &distance); err != nil {
			return nil, err
		}
		m.Score = 1 / (1 + distance) // L2 distance (vec0's default metric) -> similarity-like score
		m.VectorRank = rank
		out = append(out, m)
	}
	return out, rows.Err()
}

// FTSSearch runs a BM25-ranked keyword search over chunk content, scoped to
// the given projects.
func (s *Store) FTSSearch(ctx context.Context, projectIDs []string, ftsQuery string, limit int) ([]ChunkMatch, error) {
	where, args := projectFilter(projectIDs, "c.project_id")
	whereClause := "WHERE chunks_fts MATCH ?"
	if where != "" {
		whereClause = where + " AND chunks_fts MATCH ?"
	}
	query := fmt.Sprintf(`
		SELECT c.uuid, c.node_uuid, c.project_id, c.content, c.start_char, c.end_char, c.start_line, c.end_line, bm25(chunks_fts) AS rank
		FROM chunks_fts f
		JOIN chunks c ON c.id = f.rowid
		%s
		ORDER BY rank LIMIT ?`, whereClause)

	args = append(args, ftsQuery, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var out []ChunkMatch
	rank := 0
	for rows.Next() {
		rank++
		var m ChunkMatch
		var bm25 float64
		if err := rows.Scan(&m.ChunkUUID, &m.NodeUUID, &m.ProjectID, &m.Content, &m.StartChar, &m.EndChar, &m.StartLine, &m.EndLine, &bm25); err != nil {
			return nil, err
		}
		// bm25() in FTS5 returns a negative number, more negative meaning a
		// better match; flip its sign so score grows with relevance like
		// every other score in the module.
		m.Score = -bm25
		m.BM25Rank = rank
		out = append(out, m)
	}
	return out, rows.Err()
}

// projectFilter builds a "WHERE col IN (?, ?, ...)" fragment, or "" if
// projectIDs is empty (meaning: search every project).
func projectFilter(projectIDs []string, col string) (string, []any) {
	if len(projectIDs) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(projectIDs))
	args := make([]any, len(projectIDs))
	for i, id := range projectIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	return fmt.Sprintf("WHERE %s IN (%s)", col, strings.Join(placeholders, ",")), args
}

// ---------------------------------------------------------------------------
// Schema-drift detection
// ---------------------------------------------------------------------------

// SampleSchemaHash hashes the sorted prop-key set of up to n nodes of a
// label, the way the embedding engine checks whether newly discovered nodes
// of a known label still look like the ones it has already indexed.
func (s *Store) SampleSchemaHash(ctx context.Context, projectID, label string, n int) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT props FROM nodes WHERE project_id = ? AND label = ? ORDER BY RANDOM() LIMIT ?`,
		projectID, label, n)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	keySet := make(map[string]bool)
	for rows.Next() {
		var propsJSON string
		if err := rows.Scan(&propsJSON); err != nil {
			return "", err
		}
		var props map[string]any
		if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
			continue
		}
		for k := range props {
			keySet[k] = true
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.Sum256([]byte(strings.Join(keys, "\x00")))
	return hex.EncodeToString(h[:]), nil
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// DBStats summarizes the database for health checks and the CLI status
// command.
type DBStats struct {
	Projects       int
	Nodes          int
	Relationships  int
	Chunks         int
	EmbeddedChunks int
}

// Stats gathers row counts across the main tables.
func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	var st DBStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&st.Projects); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&st.Nodes); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relationships`).Scan(&st.Relationships); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&st.Chunks); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE embedded_at IS NOT NULL`).Scan(&st.EmbeddedChunks); err != nil {
		return nil, err
	}
	return &st, nil
}

// LogQuery records a search for later analysis, mirroring the teacher's
// query_log audit trail.
func (s *Store) LogQuery(ctx context.Context, projectIDs []string, query, mode string, resultCount int, elapsedMs int64) error {
	ids, _ := json.Marshal(projectIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (project_ids, query, mode, result_count, elapsed_ms)
		VALUES (?, ?, ?, ?, ?)`, string(ids), query, mode, resultCount, elapsedMs)
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// inTx runs fn inside a transaction, committing on success and rolling back
// on any error or panic.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 packs a float32 vector into the little-endian byte layout
// sqlite-vec expects.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
