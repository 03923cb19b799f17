// Package pipeline drives ingestion: it scans archive entries, filters
// them, extracts content (inline or across a worker pool), persists
// results in batched transactions and maintains resume checkpoints.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/openlexica/zimlex/pkg/zimlex/archive"
	"github.com/openlexica/zimlex/pkg/zimlex/config"
	"github.com/openlexica/zimlex/pkg/zimlex/extract"
	"github.com/openlexica/zimlex/pkg/zimlex/internalerr"
	"github.com/openlexica/zimlex/pkg/zimlex/store"
)

// Options wires the pipeline's collaborators and tuning knobs.
type Options struct {
	Archive archive.Reader
	Store   store.Store
	Engine  *extract.Engine

	Selection        config.SelectionConfig
	Checkpoint       config.CheckpointConfig
	Workers          config.WorkersConfig
	StoreRawHTML     bool
	BatchSize        int
	ProgressInterval int64
	Logger           *slog.Logger
}

// Metrics summarizes one conversion run.
type Metrics struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	StartIndex uint32
	EndIndex   uint32

	Scanned         int64
	Filtered        int64
	Ingested        int64
	Definitions     int64
	Relations       int64
	Errors          int64
	CheckpointSaves int64
	Resumed         bool
}

// Elapsed returns the run's wall-clock duration.
func (m Metrics) Elapsed() time.Duration {
	return m.FinishedAt.Sub(m.StartedAt)
}

// Pipeline is the ingestion orchestrator. Construct with New; one
// Pipeline may execute multiple runs sequentially.
type Pipeline struct {
	archive archive.Reader
	store   store.Store
	engine  *extract.Engine
	opts    Options
	logger  *slog.Logger
}

// New validates the options and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Archive == nil {
		return nil, fmt.Errorf("pipeline: %w: nil archive", internalerr.ErrInvalidInput)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: %w: nil store", internalerr.ErrInvalidInput)
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("pipeline: %w: nil extraction engine", internalerr.ErrInvalidInput)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 250
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		archive: opts.Archive,
		store:   opts.Store,
		engine:  opts.Engine,
		opts:    opts,
		logger:  logger,
	}, nil
}

type pageMeta struct {
	url       string
	title     string
	namespace string
	mimeType  string
	cluster   uint32
	blob      uint32
}

type job struct {
	index uint32
	meta  pageMeta
	html  string
}

type result struct {
	index  uint32
	bundle store.PageBundle
}

// run holds the mutable state of one Run invocation.
type run struct {
	p   *Pipeline
	ctx context.Context
	m   *Metrics

	tx       store.Tx
	jobs     chan job
	results  chan result
	wg       sync.WaitGroup
	inflight int

	lastIndex int64
}

// Run executes one conversion over the configured scan window.
func (p *Pipeline) Run(ctx context.Context) (Metrics, error) {
	m := Metrics{
		RunID:     ulid.Make().String(),
		StartedAt: time.Now().UTC(),
	}

	header := p.archive.Header()
	total := header.EntryCount

	start := p.opts.Selection.StartIndex
	if start > total {
		start = total
	}

	if p.opts.Checkpoint.Enabled && p.opts.Checkpoint.Resume {
		cp, ok, err := p.store.LoadCheckpoint(ctx, p.opts.Checkpoint.Name)
		if err != nil {
			return m, fmt.Errorf("pipeline: load checkpoint: %w", err)
		}
		if ok {
			resumed := uint32(cp.LastIndex + 1)
			if resumed > start {
				start = resumed
				if start > total {
					start = total
				}
				m.Resumed = true
				p.logger.Info("resuming from checkpoint",
					"checkpoint", p.opts.Checkpoint.Name,
					"start_index", start)
			}
		}
	}

	end := total
	if p.opts.Selection.MaxEntries > 0 {
		if window := uint64(start) + uint64(p.opts.Selection.MaxEntries); window < uint64(total) {
			end = uint32(window)
		}
	}
	m.StartIndex = start
	m.EndIndex = end

	p.logger.Info("starting scan window",
		"start_index", start,
		"end_index", end,
		"entry_count", total,
		"cluster_count", header.ClusterCount,
		"run", m.RunID)

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return m, fmt.Errorf("pipeline: begin transaction: %w", err)
	}

	r := &run{
		p:         p,
		ctx:       ctx,
		m:         &m,
		tx:        tx,
		lastIndex: int64(start) - 1,
	}

	pooled := p.opts.Workers.Enabled && p.opts.Workers.WorkerCount() > 1
	if pooled {
		capacity := p.opts.Workers.QueueCapacity
		if capacity < 32 {
			capacity = 32
		}
		workers := p.opts.Workers.WorkerCount()
		r.jobs = make(chan job, capacity)
		r.results = make(chan result, capacity+workers)
		for i := 0; i < workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
	}

	runErr := r.scan(start, end)

	// Stop the pool: closing the job channel is the shutdown signal.
	if r.jobs != nil {
		close(r.jobs)
	}
	if runErr == nil {
		runErr = r.drainAll()
	}
	// On a fatal error, unblock any workers still sending results.
	for r.inflight > 0 {
		<-r.results
		r.inflight--
	}
	r.wg.Wait()

	if runErr != nil {
		r.tx.Rollback()
		return m, runErr
	}

	if err := r.tx.Commit(); err != nil {
		return m, fmt.Errorf("pipeline: final commit: %w", err)
	}

	if p.opts.Checkpoint.Enabled {
		if err := r.saveCheckpoint(); err != nil {
			return m, err
		}
	}

	m.FinishedAt = time.Now().UTC()

	if err := p.store.AppendRunMetrics(ctx, store.RunMetrics{
		RunID:       m.RunID,
		StartedAt:   store.FormatTime(m.StartedAt),
		FinishedAt:  store.FormatTime(m.FinishedAt),
		Scanned:     m.Scanned,
		Filtered:    m.Filtered,
		Ingested:    m.Ingested,
		Definitions: m.Definitions,
		Relations:   m.Relations,
		Errors:      m.Errors,
	}); err != nil {
		return m, fmt.Errorf("pipeline: append run metrics: %w", err)
	}

	if m.Ingested == 0 {
		p.logger.Warn("run completed without ingesting any pages",
			"scanned", m.Scanned, "filtered", m.Filtered, "errors", m.Errors)
	}

	p.logger.Info("conversion complete",
		"run", m.RunID,
		"elapsed_ms", m.Elapsed().Milliseconds(),
		"scanned", m.Scanned,
		"filtered", m.Filtered,
		"ingested", m.Ingested,
		"definitions", m.Definitions,
		"relations", m.Relations,
		"errors", m.Errors,
		"checkpoint_saves", m.CheckpointSaves,
		"resumed", m.Resumed)

	return m, nil
}

func (r *run) scan(start, end uint32) error {
	p := r.p
	every := int64(0)
	if p.opts.Checkpoint.Enabled {
		every = p.opts.Checkpoint.EveryNEntries
	}

	for idx := start; idx < end; idx++ {
		r.m.Scanned++
		r.lastIndex = int64(idx)

		if err := r.processEntry(idx); err != nil {
			return err
		}

		// Bound how far results can lag behind dispatch.
		if err := r.drainReady(); err != nil {
			return err
		}

		if every > 0 && r.m.Scanned%every == 0 {
			if err := r.checkpointCycle(); err != nil {
				return err
			}
		}

		if r.m.Scanned%p.opts.ProgressInterval == 0 {
			p.logger.Info("progress",
				"scanned", r.m.Scanned,
				"filtered", r.m.Filtered,
				"ingested", r.m.Ingested,
				"definitions", r.m.Definitions,
				"relations", r.m.Relations,
				"errors", r.m.Errors,
				"inflight", r.inflight)
		}
	}
	return nil
}

func (r *run) processEntry(idx uint32) error {
	p := r.p

	entry, err := p.archive.EntryAt(r.ctx, idx)
	if err != nil {
		r.m.Errors++
		p.logger.Warn("failed to decode directory entry", "entry_index", idx, "error", err)
		return nil
	}

	if !p.selectEntry(entry) {
		r.m.Filtered++
		return nil
	}

	switch entry.Target {
	case archive.TargetRedirect:
		if p.opts.Selection.SkipRedirects {
			r.m.Filtered++
			return nil
		}
		// Redirects carry no payload; persisting inline is cheaper
		// than a pool round trip.
		return r.persist(p.redirectBundle(r.ctx, entry))

	case archive.TargetCluster:
		data, err := p.archive.BlobData(r.ctx, entry.Cluster, entry.Blob)
		if err != nil {
			r.m.Errors++
			p.logger.Warn("failed to read blob", "entry_index", idx, "error", err)
			return nil
		}
		meta := pageMeta{
			url:       entry.URL,
			title:     entry.Title,
			namespace: entry.Namespace,
			mimeType:  entry.MimeType,
			cluster:   entry.Cluster,
			blob:      entry.Blob,
		}
		if meta.title == "" {
			meta.title = entry.URL
		}
		html := strings.ToValidUTF8(string(data), "�")
		if r.jobs != nil {
			r.inflight++
			r.jobs <- job{index: idx, meta: meta, html: html}
			return nil
		}
		return r.persist(p.contentBundle(meta, html))

	default:
		if entry.MimeType == archive.MimeDeleted || entry.MimeType == archive.MimeLinkTarget {
			r.m.Filtered++
			return nil
		}
		r.m.Errors++
		p.logger.Warn("entry had no target payload", "entry_index", idx, "url", entry.URL)
		return nil
	}
}

// worker runs the extraction engine over dispatched jobs. It exits when
// the job channel closes. Workers never touch the store; results flow
// back to the orchestrator for persistence.
func (r *run) worker() {
	defer r.wg.Done()
	for j := range r.jobs {
		r.results <- result{index: j.index, bundle: r.p.contentBundle(j.meta, j.html)}
	}
}

// drainReady persists any already-completed worker results without
// blocking the scan.
func (r *run) drainReady() error {
	for r.inflight > 0 {
		select {
		case res := <-r.results:
			r.inflight--
			if err := r.persist(res.bundle); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// drainAll blocks until every dispatched job has produced a result and
// persists each as it arrives.
func (r *run) drainAll() error {
	for r.inflight > 0 {
		res := <-r.results
		r.inflight--
		if err := r.persist(res.bundle); err != nil {
			return err
		}
	}
	return nil
}

// persist replaces the page's stored state inside the open transaction.
// A single-page write failure is a recoverable per-entry error; commit
// failures are fatal.
func (r *run) persist(b store.PageBundle) error {
	if _, err := r.tx.ReplacePage(r.ctx, b); err != nil {
		r.m.Errors++
		r.p.logger.Warn("page persist failed", "url", b.Page.URL, "error", err)
		return nil
	}

	r.m.Ingested++
	r.m.Definitions += int64(len(b.Definitions))
	r.m.Relations += int64(len(b.Relations))

	if r.m.Ingested%int64(r.p.opts.BatchSize) == 0 {
		if err := r.tx.Commit(); err != nil {
			return fmt.Errorf("pipeline: batch commit: %w", err)
		}
		tx, err := r.p.store.Begin(r.ctx)
		if err != nil {
			return fmt.Errorf("pipeline: begin transaction: %w", err)
		}
		r.tx = tx
	}
	return nil
}

// checkpointCycle drains all in-flight results, commits the open
// transaction, saves the checkpoint and opens a fresh transaction.
// Draining first means a saved checkpoint always covers durably staged
// work: resume after a crash never skips entries whose results were
// still in flight.
func (r *run) checkpointCycle() error {
	if err := r.drainAll(); err != nil {
		return err
	}
	if err := r.tx.Commit(); err != nil {
		return fmt.Errorf("pipeline: checkpoint commit: %w", err)
	}
	if err := r.saveCheckpoint(); err != nil {
		return err
	}
	tx, err := r.p.store.Begin(r.ctx)
	if err != nil {
		return fmt.Errorf("pipeline: begin transaction: %w", err)
	}
	r.tx = tx
	return nil
}

func (r *run) saveCheckpoint() error {
	err := r.p.store.SaveCheckpoint(r.ctx, store.Checkpoint{
		Name:        r.p.opts.Checkpoint.Name,
		LastIndex:   r.lastIndex,
		Scanned:     r.m.Scanned,
		Filtered:    r.m.Filtered,
		Ingested:    r.m.Ingested,
		Definitions: r.m.Definitions,
		Relations:   r.m.Relations,
		Errors:      r.m.Errors,
	})
	if err != nil {
		return fmt.Errorf("pipeline: save checkpoint: %w", err)
	}
	r.m.CheckpointSaves++
	return nil
}

// selectEntry applies the configured selection filter. The MIME-prefix
// allowlist only applies to content entries: redirect and marker labels
// are governed by their own handling.
func (p *Pipeline) selectEntry(e archive.Entry) bool {
	sel := p.opts.Selection

	if len(sel.Namespaces) > 0 && !containsString(sel.Namespaces, e.Namespace) {
		return false
	}
	if sel.RequireTitle && strings.TrimSpace(e.Title) == "" && e.Target != archive.TargetRedirect {
		return false
	}
	for _, prefix := range sel.URLExcludes {
		if strings.HasPrefix(e.URL, prefix) {
			return false
		}
	}
	for _, prefix := range sel.TitleExcludes {
		if strings.HasPrefix(e.Title, prefix) {
			return false
		}
	}
	switch e.MimeType {
	case archive.MimeRedirect, archive.MimeLinkTarget, archive.MimeDeleted:
		return true
	}
	if len(sel.MimePrefixes) > 0 {
		for _, prefix := range sel.MimePrefixes {
			if strings.HasPrefix(e.MimeType, prefix) {
				return true
			}
		}
		return false
	}
	return true
}

// redirectBundle builds the zero-content page for a redirect entry. The
// title falls back to the resolved target's title, then the target URL,
// then the entry's own URL.
func (p *Pipeline) redirectBundle(ctx context.Context, e archive.Entry) store.PageBundle {
	title := e.Title
	var redirectURL *string
	if target, err := p.archive.EntryAt(ctx, e.Redirect); err == nil {
		u := target.URL
		redirectURL = &u
		if title == "" {
			title = target.Title
			if title == "" {
				title = target.URL
			}
		}
	}
	if title == "" {
		title = e.URL
	}
	return store.PageBundle{Page: store.Page{
		URL:         e.URL,
		Title:       title,
		Namespace:   e.Namespace,
		MimeType:    e.MimeType,
		RedirectURL: redirectURL,
	}}
}

// contentBundle runs the extraction engine over one page's HTML. It is
// deterministic and total, so workers need no error path.
func (p *Pipeline) contentBundle(meta pageMeta, html string) store.PageBundle {
	sum := sha256.Sum256([]byte(html))
	res := p.engine.Extract(meta.title, html)

	cluster := int64(meta.cluster)
	blob := int64(meta.blob)
	page := store.Page{
		URL:         meta.url,
		Title:       meta.title,
		Namespace:   meta.namespace,
		MimeType:    meta.mimeType,
		Cluster:     &cluster,
		Blob:        &blob,
		ContentHash: hex.EncodeToString(sum[:]),
		PlainText:   res.PlainText,
		Confidence:  res.Confidence,
	}
	if p.opts.StoreRawHTML {
		page.RawHTML = html
	}

	b := store.PageBundle{Page: page}
	for _, d := range res.Definitions {
		b.Definitions = append(b.Definitions, store.Definition{
			Language:   d.Language,
			Order:      d.Order,
			Text:       d.Text,
			Normalized: d.Normalized,
			Confidence: d.Confidence,
		})
	}
	for _, rel := range res.Relations {
		b.Relations = append(b.Relations, store.Relation{
			Language:   rel.Language,
			Kind:       rel.Kind,
			Order:      rel.Order,
			Source:     rel.Source,
			Target:     rel.Target,
			Normalized: rel.Normalized,
			Confidence: rel.Confidence,
		})
	}
	for _, a := range res.Aliases {
		b.Aliases = append(b.Aliases, store.Alias{
			Language:   a.Language,
			Alias:      a.Alias,
			Normalized: a.Normalized,
			Source:     a.Source,
		})
	}
	return b
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
