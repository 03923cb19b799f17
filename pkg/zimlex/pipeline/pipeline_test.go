package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/openlexica/zimlex/pkg/zimlex/archive"
	"github.com/openlexica/zimlex/pkg/zimlex/archive/memarchive"
	"github.com/openlexica/zimlex/pkg/zimlex/config"
	"github.com/openlexica/zimlex/pkg/zimlex/extract"
	"github.com/openlexica/zimlex/pkg/zimlex/normalize"
	"github.com/openlexica/zimlex/pkg/zimlex/store"
	"github.com/openlexica/zimlex/pkg/zimlex/store/memstore"
)

const sampleHTML = `<h2><span class="mw-headline">English</span></h2>
<ul>
<li>A first sample definition that is long enough.</li>
<li>A second sample definition, also long enough.</li>
</ul>`

func newTestEngine(t *testing.T) *extract.Engine {
	t.Helper()
	return extract.NewEngine(extract.Options{
		StorePlainText:            true,
		ParseLanguageSections:     true,
		ParseRelations:            true,
		MinDefinitionChars:        5,
		MaxDefinitionsPerLanguage: 32,
		RelationTypes:             []string{"synonyms", "antonyms", "translations"},
		MaxRelationsPerType:       48,
		NestedListDepthLimit:      4,
		ConfidenceThreshold:       0.15,
		TitleAsAlias:              true,
		AliasMinLength:            2,
	}, normalize.New("identity", map[string]string{"english": "english_basic"}))
}

func defaultSelection() config.SelectionConfig {
	return config.SelectionConfig{
		Namespaces:   []string{"A"},
		MimePrefixes: []string{"text/html"},
		RequireTitle: true,
	}
}

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Engine == nil {
		opts.Engine = newTestEngine(t)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 2
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestRunIngestsContentAndRedirects(t *testing.T) {
	arc := memarchive.New()
	arc.AddContent("A/Water", "Water", "A", "text/html", []byte(sampleHTML))
	arc.AddContent("A/Fire", "Fire", "A", "text/html", []byte(sampleHTML))
	arc.AddRedirect("A/H2O", "H2O", "A", 0)
	arc.AddMarker("A/Gone", "A", archive.MimeDeleted)

	st := memstore.New()
	p := newTestPipeline(t, Options{Archive: arc, Store: st, Selection: defaultSelection()})

	m, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Scanned != 4 {
		t.Errorf("Scanned = %d, want 4", m.Scanned)
	}
	if m.Ingested != 3 {
		t.Errorf("Ingested = %d, want 3 (two content pages and the redirect)", m.Ingested)
	}
	if m.Filtered != 1 {
		t.Errorf("Filtered = %d, want 1 (the deleted marker)", m.Filtered)
	}
	if m.Errors != 0 {
		t.Errorf("Errors = %d, want 0", m.Errors)
	}
	if m.Definitions != 4 {
		t.Errorf("Definitions = %d, want 4 (two per content page)", m.Definitions)
	}

	water, ok := st.PageByURL("A/Water")
	if !ok {
		t.Fatal("A/Water not persisted")
	}
	if water.Page.ContentHash == "" {
		t.Error("content hash not recorded")
	}
	if water.Page.PlainText == "" {
		t.Error("plain text not recorded")
	}
	if water.Page.Cluster == nil || water.Page.Blob == nil {
		t.Error("cluster/blob coordinates not recorded")
	}
	if len(water.Definitions) != 2 {
		t.Errorf("got %d definitions for A/Water, want 2", len(water.Definitions))
	}

	redirect, ok := st.PageByURL("A/H2O")
	if !ok {
		t.Fatal("redirect A/H2O not persisted")
	}
	if redirect.Page.RedirectURL == nil || *redirect.Page.RedirectURL != "A/Water" {
		t.Errorf("redirect target = %v, want A/Water", redirect.Page.RedirectURL)
	}
	if len(redirect.Definitions) != 0 {
		t.Errorf("redirect carries %d definitions, want 0", len(redirect.Definitions))
	}

	runs := st.Runs()
	if len(runs) != 1 {
		t.Fatalf("got %d run metrics rows, want 1", len(runs))
	}
	if runs[0].RunID == "" || runs[0].RunID != m.RunID {
		t.Errorf("run id = %q, want %q", runs[0].RunID, m.RunID)
	}
	if runs[0].Ingested != 3 {
		t.Errorf("recorded ingested = %d, want 3", runs[0].Ingested)
	}
}

func TestRunWithWorkerPool(t *testing.T) {
	arc := memarchive.New()
	const pages = 60
	for i := 0; i < pages; i++ {
		arc.AddContent(fmt.Sprintf("A/Page%03d", i), fmt.Sprintf("Page %d", i), "A", "text/html", []byte(sampleHTML))
	}

	st := memstore.New()
	p := newTestPipeline(t, Options{
		Archive:   arc,
		Store:     st,
		Selection: defaultSelection(),
		Workers:   config.WorkersConfig{Enabled: true, Count: 4, QueueCapacity: 64},
	})

	m, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Ingested != pages {
		t.Fatalf("Ingested = %d, want %d", m.Ingested, pages)
	}
	for i := 0; i < pages; i++ {
		url := fmt.Sprintf("A/Page%03d", i)
		b, ok := st.PageByURL(url)
		if !ok {
			t.Fatalf("%s not persisted", url)
		}
		if len(b.Definitions) != 2 {
			t.Errorf("%s has %d definitions, want 2", url, len(b.Definitions))
		}
	}
}

func TestRedirectTitleFallback(t *testing.T) {
	arc := memarchive.New()
	arc.AddContent("A/Water", "Water", "A", "text/html", []byte(sampleHTML))
	arc.AddContent("A/Untitled", "", "A", "text/html", []byte(sampleHTML))
	arc.AddRedirect("A/R1", "", "A", 0) // target has a title
	arc.AddRedirect("A/R2", "", "A", 1) // target title empty, fall back to its URL
	arc.AddRedirect("A/R3", "", "A", 99) // dangling target, fall back to own URL

	st := memstore.New()
	sel := defaultSelection()
	sel.RequireTitle = true // empty-title redirects are still eligible
	p := newTestPipeline(t, Options{Archive: arc, Store: st, Selection: sel})

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cases := []struct {
		url       string
		wantTitle string
	}{
		{"A/R1", "Water"},
		{"A/R2", "A/Untitled"},
		{"A/R3", "A/R3"},
	}
	for _, tc := range cases {
		b, ok := st.PageByURL(tc.url)
		if !ok {
			t.Errorf("%s not persisted", tc.url)
			continue
		}
		if b.Page.Title != tc.wantTitle {
			t.Errorf("%s title = %q, want %q", tc.url, b.Page.Title, tc.wantTitle)
		}
	}

	dangling, _ := st.PageByURL("A/R3")
	if dangling.Page.RedirectURL != nil {
		t.Errorf("dangling redirect target = %q, want unset", *dangling.Page.RedirectURL)
	}
}

func TestSkipRedirects(t *testing.T) {
	arc := memarchive.New()
	arc.AddContent("A/Water", "Water", "A", "text/html", []byte(sampleHTML))
	arc.AddRedirect("A/H2O", "H2O", "A", 0)

	st := memstore.New()
	sel := defaultSelection()
	sel.SkipRedirects = true
	p := newTestPipeline(t, Options{Archive: arc, Store: st, Selection: sel})

	m, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Ingested != 1 || m.Filtered != 1 {
		t.Errorf("ingested=%d filtered=%d, want 1 and 1", m.Ingested, m.Filtered)
	}
	if _, ok := st.PageByURL("A/H2O"); ok {
		t.Error("redirect persisted despite skip_redirects")
	}
}

func TestSelectionFilters(t *testing.T) {
	cases := []struct {
		name  string
		add   func(*memarchive.Reader)
		sel   func(*config.SelectionConfig)
		wantF int64
	}{
		{
			name:  "namespace mismatch",
			add:   func(a *memarchive.Reader) { a.AddContent("M/Meta", "Meta", "M", "text/html", []byte(sampleHTML)) },
			sel:   func(*config.SelectionConfig) {},
			wantF: 1,
		},
		{
			name:  "mime prefix mismatch",
			add:   func(a *memarchive.Reader) { a.AddContent("A/Img", "Img", "A", "image/png", []byte{1, 2}) },
			sel:   func(*config.SelectionConfig) {},
			wantF: 1,
		},
		{
			name: "url exclude prefix",
			add:  func(a *memarchive.Reader) { a.AddContent("A/Special:X", "X", "A", "text/html", []byte(sampleHTML)) },
			sel: func(s *config.SelectionConfig) {
				s.URLExcludes = []string{"A/Special:"}
			},
			wantF: 1,
		},
		{
			name: "title exclude prefix",
			add:  func(a *memarchive.Reader) { a.AddContent("A/X", "Index of terms", "A", "text/html", []byte(sampleHTML)) },
			sel: func(s *config.SelectionConfig) {
				s.TitleExcludes = []string{"Index of"}
			},
			wantF: 1,
		},
		{
			name:  "missing title on content entry",
			add:   func(a *memarchive.Reader) { a.AddContent("A/NoTitle", "", "A", "text/html", []byte(sampleHTML)) },
			sel:   func(*config.SelectionConfig) {},
			wantF: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			arc := memarchive.New()
			tc.add(arc)
			sel := defaultSelection()
			tc.sel(&sel)

			st := memstore.New()
			p := newTestPipeline(t, Options{Archive: arc, Store: st, Selection: sel})
			m, err := p.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if m.Filtered != tc.wantF {
				t.Errorf("Filtered = %d, want %d", m.Filtered, tc.wantF)
			}
			if m.Ingested != 0 {
				t.Errorf("Ingested = %d, want 0", m.Ingested)
			}
		})
	}
}

func TestBrokenEntryCountsErrorAndContinues(t *testing.T) {
	arc := memarchive.New()
	arc.AddContent("A/Good", "Good", "A", "text/html", []byte(sampleHTML))
	arc.AddBroken("A/Bad", "Bad", "A", "text/html")
	arc.AddContent("A/Also", "Also", "A", "text/html", []byte(sampleHTML))

	st := memstore.New()
	p := newTestPipeline(t, Options{Archive: arc, Store: st, Selection: defaultSelection()})

	m, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Errors != 1 {
		t.Errorf("Errors = %d, want 1", m.Errors)
	}
	if m.Ingested != 2 {
		t.Errorf("Ingested = %d, want 2", m.Ingested)
	}
	if _, ok := st.PageByURL("A/Also"); !ok {
		t.Error("entry after the broken one was not processed")
	}
}

func TestCheckpointSavedAtCadenceAndEnd(t *testing.T) {
	arc := memarchive.New()
	for i := 0; i < 5; i++ {
		arc.AddContent(fmt.Sprintf("A/P%d", i), fmt.Sprintf("P%d", i), "A", "text/html", []byte(sampleHTML))
	}

	st := memstore.New()
	p := newTestPipeline(t, Options{
		Archive:   arc,
		Store:     st,
		Selection: defaultSelection(),
		Checkpoint: config.CheckpointConfig{
			Enabled:       true,
			Resume:        true,
			Name:          "default",
			EveryNEntries: 2,
		},
	})

	m, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Cadence saves at scanned 2 and 4, plus the final save.
	if m.CheckpointSaves != 3 {
		t.Errorf("CheckpointSaves = %d, want 3", m.CheckpointSaves)
	}

	cp, ok, err := st.LoadCheckpoint(context.Background(), "default")
	if err != nil || !ok {
		t.Fatalf("LoadCheckpoint = ok=%v err=%v, want present", ok, err)
	}
	if cp.LastIndex != 4 {
		t.Errorf("LastIndex = %d, want 4", cp.LastIndex)
	}
	if cp.Ingested != 5 {
		t.Errorf("checkpoint ingested = %d, want 5", cp.Ingested)
	}
}

func TestResumeStartsAfterCheckpoint(t *testing.T) {
	arc := memarchive.New()
	for i := 0; i < 5; i++ {
		arc.AddContent(fmt.Sprintf("A/P%d", i), fmt.Sprintf("P%d", i), "A", "text/html", []byte(sampleHTML))
	}

	st := memstore.New()
	ctx := context.Background()
	if err := st.SaveCheckpoint(ctx, store.Checkpoint{Name: "default", LastIndex: 2}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	p := newTestPipeline(t, Options{
		Archive:   arc,
		Store:     st,
		Selection: defaultSelection(),
		Checkpoint: config.CheckpointConfig{
			Enabled: true,
			Resume:  true,
			Name:    "default",
		},
	})

	m, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !m.Resumed {
		t.Error("Resumed flag not set")
	}
	if m.StartIndex != 3 {
		t.Errorf("StartIndex = %d, want 3 (one past the checkpoint)", m.StartIndex)
	}
	if m.Scanned != 2 {
		t.Errorf("Scanned = %d, want 2", m.Scanned)
	}
	if _, ok := st.PageByURL("A/P2"); ok {
		t.Error("entry at the checkpoint index was rescanned")
	}
	if _, ok := st.PageByURL("A/P4"); !ok {
		t.Error("entry past the checkpoint was not ingested")
	}
}

// checkpointAuditStore fails the test if a checkpoint is saved while any
// page scanned up to its LastIndex is still missing from the store. This
// is the crash-exactness contract: every checkpoint must cover all work
// dispatched before it.
type checkpointAuditStore struct {
	*memstore.Store
	t    *testing.T
	urls []string
}

func (s *checkpointAuditStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	for i := int64(0); i <= cp.LastIndex && i < int64(len(s.urls)); i++ {
		if _, ok := s.Store.PageByURL(s.urls[i]); !ok {
			s.t.Errorf("checkpoint at index %d saved before %s was persisted", cp.LastIndex, s.urls[i])
		}
	}
	return s.Store.SaveCheckpoint(ctx, cp)
}

func TestCheckpointCoversInFlightWork(t *testing.T) {
	arc := memarchive.New()
	var urls []string
	for i := 0; i < 40; i++ {
		url := fmt.Sprintf("A/P%02d", i)
		urls = append(urls, url)
		arc.AddContent(url, fmt.Sprintf("P%d", i), "A", "text/html", []byte(sampleHTML))
	}

	st := &checkpointAuditStore{Store: memstore.New(), t: t, urls: urls}
	p := newTestPipeline(t, Options{
		Archive:   arc,
		Store:     st,
		Selection: defaultSelection(),
		Workers:   config.WorkersConfig{Enabled: true, Count: 4, QueueCapacity: 64},
		Checkpoint: config.CheckpointConfig{
			Enabled:       true,
			Resume:        true,
			Name:          "default",
			EveryNEntries: 5,
		},
	})

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	arc := memarchive.New()
	arc.AddContent("A/Water", "Water", "A", "text/html", []byte(sampleHTML))
	arc.AddContent("A/Fire", "Fire", "A", "text/html", []byte(sampleHTML))

	st := memstore.New()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p := newTestPipeline(t, Options{Archive: arc, Store: st, Selection: defaultSelection()})
		if _, err := p.Run(ctx); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}

	count, err := st.PageCount(ctx)
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if count != 2 {
		t.Errorf("got %d pages after two runs, want 2", count)
	}
}

func TestMaxEntriesAndStartIndexWindow(t *testing.T) {
	arc := memarchive.New()
	for i := 0; i < 10; i++ {
		arc.AddContent(fmt.Sprintf("A/P%d", i), fmt.Sprintf("P%d", i), "A", "text/html", []byte(sampleHTML))
	}

	st := memstore.New()
	sel := defaultSelection()
	sel.StartIndex = 2
	sel.MaxEntries = 3
	p := newTestPipeline(t, Options{Archive: arc, Store: st, Selection: sel})

	m, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Scanned != 3 {
		t.Errorf("Scanned = %d, want 3", m.Scanned)
	}
	if _, ok := st.PageByURL("A/P2"); !ok {
		t.Error("window start not ingested")
	}
	if _, ok := st.PageByURL("A/P5"); ok {
		t.Error("entry past the window was ingested")
	}
}

func TestZeroIngestedRunSucceeds(t *testing.T) {
	arc := memarchive.New()
	arc.AddContent("M/Meta", "Meta", "M", "text/html", []byte(sampleHTML))

	st := memstore.New()
	p := newTestPipeline(t, Options{Archive: arc, Store: st, Selection: defaultSelection()})

	m, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Ingested != 0 {
		t.Errorf("Ingested = %d, want 0", m.Ingested)
	}
	if len(st.Runs()) != 1 {
		t.Error("run metrics not appended for an empty run")
	}
}
