// Package export writes the stored dictionary out as JSON, either one
// object per line or a single pretty-printable array.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/openlexica/zimlex/pkg/zimlex/internalerr"
	"github.com/openlexica/zimlex/pkg/zimlex/store"
)

// Options controls one export pass.
type Options struct {
	Store     store.Store
	BatchSize int64
	JSONLines bool
	Pretty    bool // ignored for JSON lines
	Limit     int64
	Logger    *slog.Logger
}

// Metrics reports what was written.
type Metrics struct {
	Pages        int64
	Definitions  int64
	Relations    int64
	Aliases      int64
	BytesWritten int64
}

// Record is the exported shape of one page with its dependents.
type Record struct {
	URL         string             `json:"url"`
	Title       string             `json:"title"`
	Namespace   string             `json:"namespace,omitempty"`
	MimeType    string             `json:"mime_type,omitempty"`
	RedirectURL *string            `json:"redirect_url,omitempty"`
	PlainText   string             `json:"plain_text,omitempty"`
	Confidence  float64            `json:"confidence"`
	UpdatedAt   string             `json:"updated_at"`
	Definitions []store.Definition `json:"definitions,omitempty"`
	Relations   []store.Relation   `json:"relations,omitempty"`
	Aliases     []store.Alias      `json:"aliases,omitempty"`
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Run streams pages from the store to w in batches.
func Run(ctx context.Context, w io.Writer, opts Options) (Metrics, error) {
	if opts.Store == nil {
		return Metrics{}, fmt.Errorf("export: %w: nil store", internalerr.ErrInvalidInput)
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 2000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	counter := &countingWriter{w: w}
	buf := bufio.NewWriter(counter)
	enc := json.NewEncoder(buf)

	var m Metrics
	var offset int64
	first := true

	if !opts.JSONLines {
		if _, err := buf.WriteString("["); err != nil {
			return m, fmt.Errorf("export: write: %w", err)
		}
	}

	for {
		limit := batch
		if opts.Limit > 0 && opts.Limit-m.Pages < limit {
			limit = opts.Limit - m.Pages
		}
		if limit <= 0 {
			break
		}

		bundles, err := opts.Store.PageBundles(ctx, offset, limit)
		if err != nil {
			return m, fmt.Errorf("export: read pages: %w", err)
		}
		if len(bundles) == 0 {
			break
		}

		for _, b := range bundles {
			rec := Record{
				URL:         b.Page.URL,
				Title:       b.Page.Title,
				Namespace:   b.Page.Namespace,
				MimeType:    b.Page.MimeType,
				RedirectURL: b.Page.RedirectURL,
				PlainText:   b.Page.PlainText,
				Confidence:  b.Page.Confidence,
				UpdatedAt:   b.Page.UpdatedAt,
				Definitions: b.Definitions,
				Relations:   b.Relations,
				Aliases:     b.Aliases,
			}
			if opts.JSONLines {
				if err := enc.Encode(rec); err != nil {
					return m, fmt.Errorf("export: encode %s: %w", rec.URL, err)
				}
			} else {
				if !first {
					if _, err := buf.WriteString(","); err != nil {
						return m, fmt.Errorf("export: write: %w", err)
					}
				}
				if opts.Pretty {
					if _, err := buf.WriteString("\n  "); err != nil {
						return m, fmt.Errorf("export: write: %w", err)
					}
				}
				raw, err := json.Marshal(rec)
				if err != nil {
					return m, fmt.Errorf("export: encode %s: %w", rec.URL, err)
				}
				if _, err := buf.Write(raw); err != nil {
					return m, fmt.Errorf("export: write: %w", err)
				}
				first = false
			}
			m.Pages++
			m.Definitions += int64(len(b.Definitions))
			m.Relations += int64(len(b.Relations))
			m.Aliases += int64(len(b.Aliases))
		}

		offset += int64(len(bundles))
		if int64(len(bundles)) < limit {
			break
		}
		logger.Debug("export batch complete", "pages", m.Pages)
	}

	if !opts.JSONLines {
		tail := "]"
		if opts.Pretty {
			tail = "\n]"
		}
		if _, err := buf.WriteString(tail + "\n"); err != nil {
			return m, fmt.Errorf("export: write: %w", err)
		}
	}
	if err := buf.Flush(); err != nil {
		return m, fmt.Errorf("export: flush: %w", err)
	}
	m.BytesWritten = counter.n

	logger.Info("export complete",
		"pages", m.Pages,
		"definitions", m.Definitions,
		"relations", m.Relations,
		"aliases", m.Aliases,
		"bytes", m.BytesWritten)
	return m, nil
}
