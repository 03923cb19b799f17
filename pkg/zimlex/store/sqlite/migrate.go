package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// targetSchemaVersion is the version the migration chain converges on.
const targetSchemaVersion = 3

// migrate applies the forward-only schema steps gated by PRAGMA
// user_version. Every step is idempotent: re-running after a crash
// before the version bump is safe.
func migrate(ctx context.Context, db *sql.DB, enableFTS bool) error {
	var version int64
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if version < 1 {
		if _, err := db.ExecContext(ctx, schemaV1); err != nil {
			return fmt.Errorf("sqlite: migrate to v1: %w", err)
		}
		version = 1
		if err := setVersion(ctx, db, version); err != nil {
			return err
		}
	}

	if version < 2 {
		// Columns that v1 databases written by older binaries may lack.
		for _, col := range []struct{ table, column, definition string }{
			{"pages", "extraction_confidence", "REAL NOT NULL DEFAULT 0.0"},
			{"definitions", "normalized_text", "TEXT NOT NULL DEFAULT ''"},
			{"definitions", "confidence", "REAL NOT NULL DEFAULT 0.0"},
			{"ingestion_runs", "run_ulid", "TEXT NOT NULL DEFAULT ''"},
		} {
			if err := ensureColumn(ctx, db, col.table, col.column, col.definition); err != nil {
				return fmt.Errorf("sqlite: migrate to v2: %w", err)
			}
		}
		if _, err := db.ExecContext(ctx, schemaV2); err != nil {
			return fmt.Errorf("sqlite: migrate to v2: %w", err)
		}
		version = 2
		if err := setVersion(ctx, db, version); err != nil {
			return err
		}
	}

	if version < 3 {
		if _, err := db.ExecContext(ctx, schemaV3); err != nil {
			return fmt.Errorf("sqlite: migrate to v3: %w", err)
		}
		version = 3
		if err := setVersion(ctx, db, version); err != nil {
			return err
		}
	}

	// The FTS table lives outside the versioned chain: it is derived
	// state and can be toggled per run.
	if enableFTS {
		if _, err := db.ExecContext(ctx, `
CREATE VIRTUAL TABLE IF NOT EXISTS page_fts
USING fts5(page_id UNINDEXED, title, url, plain_text);
`); err != nil {
			return fmt.Errorf("sqlite: create fts table: %w", err)
		}
	}

	return nil
}

func setVersion(ctx context.Context, db *sql.DB, version int64) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("sqlite: set schema version %d: %w", version, err)
	}
	return nil
}

// ensureColumn adds a column when it is missing. PRAGMA table_info on a
// missing table yields zero rows, in which case there is nothing to do:
// the CREATE TABLE statements carry the full definition.
func ensureColumn(ctx context.Context, db *sql.DB, table, column, definition string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return err
	}
	defer rows.Close()

	tableExists := false
	for rows.Next() {
		tableExists = true
		var (
			cid                int64
			name, colType      string
			notNull, isPrimary int64
			dflt               sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &isPrimary); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !tableExists {
		return nil
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition))
	return err
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS pages (
	id INTEGER PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	namespace TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	cluster_number INTEGER,
	blob_number INTEGER,
	redirect_url TEXT,
	content_hash TEXT,
	raw_html TEXT,
	plain_text TEXT,
	extraction_confidence REAL NOT NULL DEFAULT 0.0,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS definitions (
	id INTEGER PRIMARY KEY,
	page_id INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	language TEXT NOT NULL,
	def_order INTEGER NOT NULL,
	definition_text TEXT NOT NULL,
	normalized_text TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0.0,
	UNIQUE(page_id, language, def_order)
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id INTEGER PRIMARY KEY,
	run_ulid TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	scanned INTEGER NOT NULL,
	filtered INTEGER NOT NULL,
	ingested INTEGER NOT NULL,
	definitions INTEGER NOT NULL,
	relations INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL
);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS relations (
	id INTEGER PRIMARY KEY,
	page_id INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	language TEXT NOT NULL,
	relation_type TEXT NOT NULL,
	rel_order INTEGER NOT NULL,
	source_text TEXT NOT NULL,
	target_term TEXT NOT NULL,
	normalized_target TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0.0,
	UNIQUE(page_id, language, relation_type, rel_order, target_term)
);

CREATE TABLE IF NOT EXISTS lemma_aliases (
	id INTEGER PRIMARY KEY,
	page_id INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	language TEXT,
	alias TEXT NOT NULL,
	normalized_alias TEXT NOT NULL,
	source TEXT NOT NULL,
	UNIQUE(page_id, language, alias, source)
);

CREATE TABLE IF NOT EXISTS ingestion_checkpoints (
	name TEXT PRIMARY KEY,
	last_index INTEGER NOT NULL,
	scanned INTEGER NOT NULL DEFAULT 0,
	filtered INTEGER NOT NULL DEFAULT 0,
	ingested INTEGER NOT NULL DEFAULT 0,
	definitions INTEGER NOT NULL DEFAULT 0,
	relations INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS reindex_state (
	name TEXT PRIMARY KEY,
	last_updated_at TEXT NOT NULL DEFAULT ''
);
`

const schemaV3 = `
CREATE INDEX IF NOT EXISTS idx_pages_title ON pages(title);
CREATE INDEX IF NOT EXISTS idx_pages_updated_at ON pages(updated_at);
CREATE INDEX IF NOT EXISTS idx_definitions_page ON definitions(page_id);
CREATE INDEX IF NOT EXISTS idx_definitions_language ON definitions(language);
CREATE INDEX IF NOT EXISTS idx_definitions_norm ON definitions(normalized_text);
CREATE INDEX IF NOT EXISTS idx_relations_page ON relations(page_id);
CREATE INDEX IF NOT EXISTS idx_relations_type ON relations(relation_type);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(normalized_target);
CREATE INDEX IF NOT EXISTS idx_aliases_page ON lemma_aliases(page_id);
CREATE INDEX IF NOT EXISTS idx_aliases_norm ON lemma_aliases(normalized_alias);
`
