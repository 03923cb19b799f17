package store

import (
	"context"
	"time"
)

// TimeFormat is the canonical updated_at layout: UTC RFC3339 with
// millisecond precision, matching SQLite's strftime('%Y-%m-%dT%H:%M:%fZ').
// Lexicographic order equals chronological order, which the reindex
// watermark relies on.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical updated_at layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Store is the persistence interface for the lexicon database.
// The write path runs through Begin/Tx; everything else is a direct
// operation on the store's own connection.
type Store interface {
	Close() error

	// Migrate prepares the schema, applying forward-only versioned steps.
	// Safe to call on every open.
	Migrate(ctx context.Context) error

	// FTSEnabled reports whether the full-text index is maintained.
	FTSEnabled() bool

	// Begin opens a write transaction. The caller owns it exclusively.
	Begin(ctx context.Context) (Tx, error)

	// Checkpoints (named singletons)
	LoadCheckpoint(ctx context.Context, name string) (Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// Reindex watermark (named singleton). An absent watermark loads as "".
	LoadWatermark(ctx context.Context, name string) (string, error)
	SaveWatermark(ctx context.Context, name, lastUpdatedAt string) error

	// AppendRunMetrics inserts one immutable run log row.
	AppendRunMetrics(ctx context.Context, m RunMetrics) error

	// PagesUpdatedAfter returns up to limit search rows for pages whose
	// updated_at is strictly greater than watermark, ascending by
	// updated_at. An empty watermark means "from the beginning".
	PagesUpdatedAfter(ctx context.Context, watermark string, limit int) ([]SearchRow, error)

	// ReplaceSearchRow deletes and re-inserts one page's full-text row.
	// A no-op when FTS is disabled.
	ReplaceSearchRow(ctx context.Context, row SearchRow) error

	// PageBundles returns pages with their dependent rows, ordered by
	// page id ascending, for batched export.
	PageBundles(ctx context.Context, offset, limit int64) ([]PageBundle, error)

	// PageCount returns the number of stored pages.
	PageCount(ctx context.Context) (int64, error)
}

// Tx is one open write transaction.
type Tx interface {
	// ReplacePage upserts the page by URL and replaces all of its
	// dependent rows (definitions, relations, aliases, full-text) as a
	// set. Returns the page's stable id.
	ReplacePage(ctx context.Context, b PageBundle) (int64, error)
	Commit() error
	Rollback() error
}

// Page is one archive entry's stored record, keyed by URL.
type Page struct {
	ID          int64
	URL         string
	Title       string
	Namespace   string
	MimeType    string
	Cluster     *int64
	Blob        *int64
	RedirectURL *string
	ContentHash string
	RawHTML     string
	PlainText   string
	Confidence  float64
	UpdatedAt   string
}

// Definition is one extracted sense, ordered within (page, language).
type Definition struct {
	Language   string
	Order      int
	Text       string
	Normalized string
	Confidence float64
}

// Relation is one extracted term link, ordered within (page, language, kind).
type Relation struct {
	Language   string
	Kind       string
	Order      int
	Source     string
	Target     string
	Normalized string
	Confidence float64
}

// Alias is one alternate lookup form with its provenance tag.
type Alias struct {
	Language   string
	Alias      string
	Normalized string
	Source     string
}

// PageBundle is a page together with all of its dependent rows.
type PageBundle struct {
	Page        Page
	Definitions []Definition
	Relations   []Relation
	Aliases     []Alias
}

// Checkpoint is a named resume position with cumulative run counters.
type Checkpoint struct {
	Name        string
	LastIndex   int64
	Scanned     int64
	Filtered    int64
	Ingested    int64
	Definitions int64
	Relations   int64
	Errors      int64
	UpdatedAt   string
}

// RunMetrics is one append-only ingestion run log row.
type RunMetrics struct {
	RunID       string
	StartedAt   string
	FinishedAt  string
	Scanned     int64
	Filtered    int64
	Ingested    int64
	Definitions int64
	Relations   int64
	Errors      int64
}

// SearchRow is the page projection stored in the full-text index.
type SearchRow struct {
	PageID    int64
	Title     string
	URL       string
	PlainText string
	UpdatedAt string
}
