package store

import "fmt"

// schemaSQL returns the full DDL for a fresh database. It generalizes the
// teacher's document/chunk/entity-specific schema into three tables capable
// of representing the full node and relationship vocabulary in package
// graphmodel: nodes, relationships, and chunks, plus the same vec0/FTS5
// virtual-table-and-trigger pattern the teacher used to keep a search index
// in sync with its source table.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	root_path     TEXT NOT NULL UNIQUE,
	display_name  TEXT,
	synthetic     INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
	watch_state   TEXT NOT NULL DEFAULT 'stopped'
);

CREATE TABLE IF NOT EXISTS nodes (
	uuid               TEXT PRIMARY KEY,
	label              TEXT NOT NULL,
	project_id         TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	source_path        TEXT,
	content_hash       TEXT,
	state              TEXT NOT NULL DEFAULT 'discovered',
	state_changed_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
	embedded_at        DATETIME,
	embedding_provider TEXT,
	embedding_model    TEXT,
	schema_hash        TEXT,
	props              TEXT NOT NULL DEFAULT '{}',
	created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_nodes_project_label ON nodes(project_id, label);
CREATE INDEX IF NOT EXISTS idx_nodes_path ON nodes(project_id, source_path);
CREATE INDEX IF NOT EXISTS idx_nodes_state ON nodes(project_id, state);

CREATE TABLE IF NOT EXISTS relationships (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	from_uuid   TEXT NOT NULL,
	rel_type    TEXT NOT NULL,
	to_uuid     TEXT NOT NULL,
	props       TEXT NOT NULL DEFAULT '{}',
	created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(from_uuid, rel_type, to_uuid)
);

CREATE INDEX IF NOT EXISTS idx_rel_from ON relationships(from_uuid, rel_type);
CREATE INDEX IF NOT EXISTS idx_rel_to ON relationships(to_uuid, rel_type);

CREATE TABLE IF NOT EXISTS chunks (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid               TEXT NOT NULL UNIQUE,
	node_uuid          TEXT NOT NULL REFERENCES nodes(uuid) ON DELETE CASCADE,
	project_id         TEXT NOT NULL,
	field              TEXT NOT NULL,
	seq                INTEGER NOT NULL,
	start_char         INTEGER NOT NULL,
	end_char           INTEGER NOT NULL,
	start_line         INTEGER NOT NULL DEFAULT 1,
	end_line           INTEGER NOT NULL DEFAULT 1,
	content            TEXT NOT NULL,
	content_hash       TEXT NOT NULL,
	embedding_provider TEXT,
	embedding_model    TEXT,
	embedded_at        DATETIME
);

CREATE INDEX IF NOT EXISTS idx_chunks_node ON chunks(node_uuid, field, seq);
CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
	chunk_id INTEGER PRIMARY KEY,
	embedding float[%d]
);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	content,
	content=chunks,
	content_rowid=id,
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
	INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
	DELETE FROM vec_chunks WHERE chunk_id = old.id;
END;

CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
	INSERT INTO chunks_fts(chunks_fts, rowid, content) VALUES ('delete', old.id, old.content);
	INSERT INTO chunks_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TABLE IF NOT EXISTS query_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	project_ids    TEXT,
	query          TEXT NOT NULL,
	mode           TEXT NOT NULL,
	result_count   INTEGER,
	elapsed_ms     INTEGER,
	created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
);
`, embeddingDim)
}
