// Package maintenance holds post-ingestion upkeep jobs. The reindexer
// refreshes the full-text search rows for pages updated since the last
// recorded watermark.
package maintenance

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/openlexica/zimlex/pkg/zimlex/internalerr"
	"github.com/openlexica/zimlex/pkg/zimlex/store"
)

// Reindexer scans pages in updated_at order, replaces their search rows
// and advances a named watermark so the next run only touches pages
// changed since.
type Reindexer struct {
	Store     store.Store
	Watermark string
	ChunkSize int
	Logger    *slog.Logger
}

// Result reports what one reindex pass did.
type Result struct {
	UpdatedPages int64
	Watermark    string
}

// Run performs one incremental pass. An empty stored watermark means
// the pass covers every page. The watermark only advances when at
// least one page was processed, so an idle pass is a no-op.
func (r *Reindexer) Run(ctx context.Context) (Result, error) {
	if r.Store == nil {
		return Result{}, fmt.Errorf("maintenance: %w: nil store", internalerr.ErrInvalidInput)
	}
	chunk := r.ChunkSize
	if chunk <= 0 {
		chunk = 5000
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if !r.Store.FTSEnabled() {
		logger.Info("full-text search disabled, skipping reindex")
		return Result{}, nil
	}

	watermark, err := r.Store.LoadWatermark(ctx, r.Watermark)
	if err != nil {
		return Result{}, fmt.Errorf("maintenance: load watermark: %w", err)
	}

	res := Result{Watermark: watermark}
	for {
		rows, err := r.Store.PagesUpdatedAfter(ctx, res.Watermark, chunk)
		if err != nil {
			return res, fmt.Errorf("maintenance: scan updated pages: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := r.Store.ReplaceSearchRow(ctx, row); err != nil {
				return res, fmt.Errorf("maintenance: replace search row for page %d: %w", row.PageID, err)
			}
			res.UpdatedPages++
			res.Watermark = row.UpdatedAt
		}
		logger.Debug("reindex chunk complete", "updated", res.UpdatedPages, "watermark", res.Watermark)
		if len(rows) < chunk {
			break
		}
	}

	if res.UpdatedPages > 0 {
		if err := r.Store.SaveWatermark(ctx, r.Watermark, res.Watermark); err != nil {
			return res, fmt.Errorf("maintenance: save watermark: %w", err)
		}
	}

	logger.Info("reindex complete", "updated_pages", res.UpdatedPages, "watermark", res.Watermark)
	return res, nil
}
