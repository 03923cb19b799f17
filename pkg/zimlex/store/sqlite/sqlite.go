package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/openlexica/zimlex/pkg/zimlex/internalerr"
	"github.com/openlexica/zimlex/pkg/zimlex/store"
)

// Options control connection setup and the optional full-text index.
type Options struct {
	JournalMode   string
	Synchronous   string
	CacheSizeKiB  int
	BusyTimeoutMS int
	EnableFTS     bool
}

// DefaultOptions returns the connection settings used when none are given.
func DefaultOptions() Options {
	return Options{
		JournalMode:   "WAL",
		Synchronous:   "NORMAL",
		CacheSizeKiB:  65536,
		BusyTimeoutMS: 5000,
		EnableFTS:     true,
	}
}

type sqliteStore struct {
	db        *sql.DB
	enableFTS bool
}

// Open opens (creating if necessary) the SQLite database at path.
// Pragmas are applied through the DSN so every pooled connection gets
// them. The write handle is meant to be owned by a single goroutine.
func Open(ctx context.Context, path string, opts Options) (store.Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: %w: empty database path", internalerr.ErrInvalidInput)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create parent directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w: %v", path, internalerr.ErrStoreUnavailable, err)
	}

	return &sqliteStore{db: db, enableFTS: opts.EnableFTS}, nil
}

func dsn(path string, opts Options) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeoutMS))
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", opts.JournalMode))
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", opts.Synchronous))
	q.Add("_pragma", fmt.Sprintf("cache_size(-%d)", opts.CacheSizeKiB))
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) FTSEnabled() bool {
	return s.enableFTS
}

func (s *sqliteStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db, s.enableFTS)
}

// Begin opens a write transaction.
func (s *sqliteStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	return &sqliteTx{tx: tx, enableFTS: s.enableFTS}, nil
}

type sqliteTx struct {
	tx        *sql.Tx
	enableFTS bool
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

// ReplacePage upserts the page by URL and replaces its dependent rows as
// a set within the caller's transaction.
func (t *sqliteTx) ReplacePage(ctx context.Context, b store.PageBundle) (int64, error) {
	p := b.Page
	var pageID int64
	err := t.tx.QueryRowContext(ctx, `
INSERT INTO pages (
	url, title, namespace, mime_type, cluster_number, blob_number,
	redirect_url, content_hash, raw_html, plain_text,
	extraction_confidence, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
ON CONFLICT(url) DO UPDATE SET
	title=excluded.title,
	namespace=excluded.namespace,
	mime_type=excluded.mime_type,
	cluster_number=excluded.cluster_number,
	blob_number=excluded.blob_number,
	redirect_url=excluded.redirect_url,
	content_hash=excluded.content_hash,
	raw_html=excluded.raw_html,
	plain_text=excluded.plain_text,
	extraction_confidence=excluded.extraction_confidence,
	updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now')
RETURNING id;
`, p.URL, p.Title, p.Namespace, p.MimeType, p.Cluster, p.Blob,
		p.RedirectURL, nullIfEmpty(p.ContentHash), nullIfEmpty(p.RawHTML), nullIfEmpty(p.PlainText),
		p.Confidence).Scan(&pageID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: upsert page %s: %w", p.URL, err)
	}

	for _, table := range []string{"definitions", "relations", "lemma_aliases"} {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE page_id=?`, pageID); err != nil {
			return 0, fmt.Errorf("sqlite: clear %s: %w", table, err)
		}
	}

	if err := t.insertDefinitions(ctx, pageID, b.Definitions); err != nil {
		return 0, err
	}
	if err := t.insertRelations(ctx, pageID, b.Relations); err != nil {
		return 0, err
	}
	if err := t.insertAliases(ctx, pageID, b.Aliases); err != nil {
		return 0, err
	}

	if t.enableFTS {
		if _, err := t.tx.ExecContext(ctx, `DELETE FROM page_fts WHERE page_id=?`, pageID); err != nil {
			return 0, fmt.Errorf("sqlite: clear fts row: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx, `
INSERT INTO page_fts (page_id, title, url, plain_text) VALUES (?, ?, ?, ?)
`, pageID, p.Title, p.URL, p.PlainText); err != nil {
			return 0, fmt.Errorf("sqlite: insert fts row: %w", err)
		}
	}

	return pageID, nil
}

func (t *sqliteTx) insertDefinitions(ctx context.Context, pageID int64, defs []store.Definition) error {
	if len(defs) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
INSERT INTO definitions (page_id, language, def_order, definition_text, normalized_text, confidence)
VALUES (?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, d := range defs {
		if _, err := stmt.ExecContext(ctx, pageID, d.Language, d.Order, d.Text, d.Normalized, d.Confidence); err != nil {
			return fmt.Errorf("sqlite: insert definition: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) insertRelations(ctx context.Context, pageID int64, rels []store.Relation) error {
	if len(rels) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
INSERT INTO relations (page_id, language, relation_type, rel_order, source_text, target_term, normalized_target, confidence)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rels {
		if _, err := stmt.ExecContext(ctx, pageID, r.Language, r.Kind, r.Order, r.Source, r.Target, r.Normalized, r.Confidence); err != nil {
			return fmt.Errorf("sqlite: insert relation: %w", err)
		}
	}
	return nil
}

func (t *sqliteTx) insertAliases(ctx context.Context, pageID int64, aliases []store.Alias) error {
	if len(aliases) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
INSERT INTO lemma_aliases (page_id, language, alias, normalized_alias, source)
VALUES (?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, a := range aliases {
		if _, err := stmt.ExecContext(ctx, pageID, a.Language, a.Alias, a.Normalized, a.Source); err != nil {
			return fmt.Errorf("sqlite: insert alias: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) LoadCheckpoint(ctx context.Context, name string) (store.Checkpoint, bool, error) {
	cp := store.Checkpoint{Name: name}
	err := s.db.QueryRowContext(ctx, `
SELECT last_index, scanned, filtered, ingested, definitions, relations, errors, updated_at
FROM ingestion_checkpoints WHERE name=?
`, name).Scan(&cp.LastIndex, &cp.Scanned, &cp.Filtered, &cp.Ingested,
		&cp.Definitions, &cp.Relations, &cp.Errors, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return store.Checkpoint{}, false, nil
	}
	if err != nil {
		return store.Checkpoint{}, false, fmt.Errorf("sqlite: load checkpoint %s: %w", name, err)
	}
	return cp, true, nil
}

func (s *sqliteStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ingestion_checkpoints (name, last_index, scanned, filtered, ingested, definitions, relations, errors, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
ON CONFLICT(name) DO UPDATE SET
	last_index=excluded.last_index,
	scanned=excluded.scanned,
	filtered=excluded.filtered,
	ingested=excluded.ingested,
	definitions=excluded.definitions,
	relations=excluded.relations,
	errors=excluded.errors,
	updated_at=excluded.updated_at;
`, cp.Name, cp.LastIndex, cp.Scanned, cp.Filtered, cp.Ingested, cp.Definitions, cp.Relations, cp.Errors)
	if err != nil {
		return fmt.Errorf("sqlite: save checkpoint %s: %w", cp.Name, err)
	}
	return nil
}

func (s *sqliteStore) LoadWatermark(ctx context.Context, name string) (string, error) {
	var watermark string
	err := s.db.QueryRowContext(ctx, `SELECT last_updated_at FROM reindex_state WHERE name=?`, name).Scan(&watermark)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: load watermark %s: %w", name, err)
	}
	return watermark, nil
}

func (s *sqliteStore) SaveWatermark(ctx context.Context, name, lastUpdatedAt string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reindex_state (name, last_updated_at) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET last_updated_at=excluded.last_updated_at;
`, name, lastUpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: save watermark %s: %w", name, err)
	}
	return nil
}

func (s *sqliteStore) AppendRunMetrics(ctx context.Context, m store.RunMetrics) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ingestion_runs (run_ulid, started_at, finished_at, scanned, filtered, ingested, definitions, relations, errors)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, m.RunID, m.StartedAt, m.FinishedAt, m.Scanned, m.Filtered, m.Ingested, m.Definitions, m.Relations, m.Errors)
	if err != nil {
		return fmt.Errorf("sqlite: append run metrics: %w", err)
	}
	return nil
}

func (s *sqliteStore) PagesUpdatedAfter(ctx context.Context, watermark string, limit int) ([]store.SearchRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
SELECT id, title, url, COALESCE(plain_text, ''), updated_at
FROM pages
`
	args := []any{}
	if watermark != "" {
		query += "WHERE updated_at > ?\n"
		args = append(args, watermark)
	}
	query += "ORDER BY updated_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: pages updated after %q: %w", watermark, err)
	}
	defer rows.Close()

	var out []store.SearchRow
	for rows.Next() {
		var row store.SearchRow
		if err := rows.Scan(&row.PageID, &row.Title, &row.URL, &row.PlainText, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReplaceSearchRow(ctx context.Context, row store.SearchRow) error {
	if !s.enableFTS {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM page_fts WHERE page_id=?`, row.PageID); err != nil {
		return fmt.Errorf("sqlite: clear fts row: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO page_fts (page_id, title, url, plain_text) VALUES (?, ?, ?, ?)
`, row.PageID, row.Title, row.URL, row.PlainText); err != nil {
		return fmt.Errorf("sqlite: insert fts row: %w", err)
	}
	return nil
}

func (s *sqliteStore) PageCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`).Scan(&count)
	return count, err
}

func (s *sqliteStore) PageBundles(ctx context.Context, offset, limit int64) ([]store.PageBundle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, url, title, namespace, mime_type, cluster_number, blob_number,
	redirect_url, content_hash, raw_html, plain_text, extraction_confidence, updated_at
FROM pages
ORDER BY id ASC
LIMIT ? OFFSET ?
`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: page bundles: %w", err)
	}
	defer rows.Close()

	var bundles []store.PageBundle
	for rows.Next() {
		var (
			p                              store.Page
			contentHash, rawHTML, plain    sql.NullString
			cluster, blob                  sql.NullInt64
			redirect                       sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.URL, &p.Title, &p.Namespace, &p.MimeType,
			&cluster, &blob, &redirect, &contentHash, &rawHTML, &plain,
			&p.Confidence, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if cluster.Valid {
			p.Cluster = &cluster.Int64
		}
		if blob.Valid {
			p.Blob = &blob.Int64
		}
		if redirect.Valid {
			p.RedirectURL = &redirect.String
		}
		p.ContentHash = contentHash.String
		p.RawHTML = rawHTML.String
		p.PlainText = plain.String
		bundles = append(bundles, store.PageBundle{Page: p})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range bundles {
		id := bundles[i].Page.ID
		if bundles[i].Definitions, err = s.loadDefinitions(ctx, id); err != nil {
			return nil, err
		}
		if bundles[i].Relations, err = s.loadRelations(ctx, id); err != nil {
			return nil, err
		}
		if bundles[i].Aliases, err = s.loadAliases(ctx, id); err != nil {
			return nil, err
		}
	}
	return bundles, nil
}

func (s *sqliteStore) loadDefinitions(ctx context.Context, pageID int64) ([]store.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT language, def_order, definition_text, normalized_text, confidence
FROM definitions WHERE page_id=? ORDER BY language ASC, def_order ASC
`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Definition
	for rows.Next() {
		var d store.Definition
		if err := rows.Scan(&d.Language, &d.Order, &d.Text, &d.Normalized, &d.Confidence); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) loadRelations(ctx context.Context, pageID int64) ([]store.Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT language, relation_type, rel_order, source_text, target_term, normalized_target, confidence
FROM relations WHERE page_id=? ORDER BY relation_type ASC, rel_order ASC
`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Relation
	for rows.Next() {
		var r store.Relation
		if err := rows.Scan(&r.Language, &r.Kind, &r.Order, &r.Source, &r.Target, &r.Normalized, &r.Confidence); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) loadAliases(ctx context.Context, pageID int64) ([]store.Alias, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT COALESCE(language, ''), alias, normalized_alias, source
FROM lemma_aliases WHERE page_id=? ORDER BY normalized_alias ASC
`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Alias
	for rows.Next() {
		var a store.Alias
		if err := rows.Scan(&a.Language, &a.Alias, &a.Normalized, &a.Source); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
