package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openlexica/zimlex/pkg/zimlex/store"
)

// Store is an in-memory implementation of store.Store for tests.
// Transactions apply writes immediately; Commit and Rollback are
// bookkeeping only, so crash-consistency cannot be exercised here.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	pages       map[int64]store.PageBundle
	urlIndex    map[string]int64
	searchRows  map[int64]store.SearchRow
	checkpoints map[string]store.Checkpoint
	watermarks  map[string]string
	runs        []store.RunMetrics
	lastStamp   string
	enableFTS   bool
}

// New creates an in-memory store with the full-text surface enabled.
func New() *Store {
	return &Store{
		nextID:      1,
		pages:       make(map[int64]store.PageBundle),
		urlIndex:    make(map[string]int64),
		searchRows:  make(map[int64]store.SearchRow),
		checkpoints: make(map[string]store.Checkpoint),
		watermarks:  make(map[string]string),
		enableFTS:   true,
	}
}

func (s *Store) Close() error                    { return nil }
func (s *Store) Migrate(ctx context.Context) error { return nil }
func (s *Store) FTSEnabled() bool                { return s.enableFTS }

// Begin returns a transaction view over the store.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	return &memTx{s: s}, nil
}

type memTx struct{ s *Store }

func (t *memTx) Commit() error   { return nil }
func (t *memTx) Rollback() error { return nil }

func (t *memTx) ReplacePage(ctx context.Context, b store.PageBundle) (int64, error) {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.urlIndex[b.Page.URL]
	if !ok {
		id = s.nextID
		s.nextID++
		s.urlIndex[b.Page.URL] = id
	}
	b.Page.ID = id
	b.Page.UpdatedAt = s.nextStampLocked()
	s.pages[id] = copyBundle(b)

	if s.enableFTS {
		s.searchRows[id] = store.SearchRow{
			PageID:    id,
			Title:     b.Page.Title,
			URL:       b.Page.URL,
			PlainText: b.Page.PlainText,
			UpdatedAt: b.Page.UpdatedAt,
		}
	}
	return id, nil
}

// nextStampLocked returns a strictly increasing updated_at value even
// when writes land within the same millisecond.
func (s *Store) nextStampLocked() string {
	stamp := store.FormatTime(time.Now())
	for stamp <= s.lastStamp {
		next, err := time.Parse(store.TimeFormat, s.lastStamp)
		if err != nil {
			break
		}
		stamp = store.FormatTime(next.Add(time.Millisecond))
	}
	s.lastStamp = stamp
	return stamp
}

func (s *Store) LoadCheckpoint(ctx context.Context, name string) (store.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[name]
	return cp, ok, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = store.FormatTime(time.Now())
	s.checkpoints[cp.Name] = cp
	return nil
}

func (s *Store) LoadWatermark(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[name], nil
}

func (s *Store) SaveWatermark(ctx context.Context, name, lastUpdatedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[name] = lastUpdatedAt
	return nil
}

func (s *Store) AppendRunMetrics(ctx context.Context, m store.RunMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, m)
	return nil
}

func (s *Store) PagesUpdatedAfter(ctx context.Context, watermark string, limit int) ([]store.SearchRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.SearchRow
	for _, b := range s.pages {
		if watermark == "" || b.Page.UpdatedAt > watermark {
			out = append(out, store.SearchRow{
				PageID:    b.Page.ID,
				Title:     b.Page.Title,
				URL:       b.Page.URL,
				PlainText: b.Page.PlainText,
				UpdatedAt: b.Page.UpdatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt < out[j].UpdatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ReplaceSearchRow(ctx context.Context, row store.SearchRow) error {
	if !s.enableFTS {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchRows[row.PageID] = row
	return nil
}

func (s *Store) PageCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.pages)), nil
}

func (s *Store) PageBundles(ctx context.Context, offset, limit int64) ([]store.PageBundle, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.pages))
	for id := range s.pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []store.PageBundle
	for _, id := range ids {
		if offset > 0 {
			offset--
			continue
		}
		if int64(len(out)) >= limit {
			break
		}
		out = append(out, copyBundle(s.pages[id]))
	}
	return out, nil
}

// PageByURL is a test helper for inspecting stored state.
func (s *Store) PageByURL(url string) (store.PageBundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.urlIndex[url]
	if !ok {
		return store.PageBundle{}, false
	}
	return copyBundle(s.pages[id]), true
}

// Runs is a test helper returning the appended run metrics rows.
func (s *Store) Runs() []store.RunMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.RunMetrics, len(s.runs))
	copy(out, s.runs)
	return out
}

// SearchRows is a test helper returning the full-text rows by page id.
func (s *Store) SearchRows() map[int64]store.SearchRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]store.SearchRow, len(s.searchRows))
	for id, row := range s.searchRows {
		out[id] = row
	}
	return out
}

func copyBundle(b store.PageBundle) store.PageBundle {
	out := b
	out.Definitions = append([]store.Definition(nil), b.Definitions...)
	out.Relations = append([]store.Relation(nil), b.Relations...)
	out.Aliases = append([]store.Alias(nil), b.Aliases...)
	if b.Page.Cluster != nil {
		v := *b.Page.Cluster
		out.Page.Cluster = &v
	}
	if b.Page.Blob != nil {
		v := *b.Page.Blob
		out.Page.Blob = &v
	}
	if b.Page.RedirectURL != nil {
		v := *b.Page.RedirectURL
		out.Page.RedirectURL = &v
	}
	return out
}
