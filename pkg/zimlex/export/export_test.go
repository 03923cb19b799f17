package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/openlexica/zimlex/pkg/zimlex/store"
	"github.com/openlexica/zimlex/pkg/zimlex/store/memstore"
)

func seedStore(t *testing.T, n int) *memstore.Store {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for i := 0; i < n; i++ {
		_, err := tx.ReplacePage(ctx, store.PageBundle{
			Page: store.Page{
				URL:       fmt.Sprintf("A/P%d", i),
				Title:     fmt.Sprintf("Term %d", i),
				Namespace: "A",
				MimeType:  "text/html",
				PlainText: "body text",
			},
			Definitions: []store.Definition{
				{Language: "english", Order: 0, Text: "a sample sense", Normalized: "a sample sense", Confidence: 0.5},
			},
		})
		if err != nil {
			t.Fatalf("ReplacePage: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return st
}

func TestRunJSONLines(t *testing.T) {
	st := seedStore(t, 5)
	var buf bytes.Buffer

	m, err := Run(context.Background(), &buf, Options{Store: st, JSONLines: true, BatchSize: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Pages != 5 {
		t.Errorf("Pages = %d, want 5", m.Pages)
	}
	if m.Definitions != 5 {
		t.Errorf("Definitions = %d, want 5", m.Definitions)
	}
	if m.BytesWritten != int64(buf.Len()) {
		t.Errorf("BytesWritten = %d, buffer holds %d", m.BytesWritten, buf.Len())
	}

	sc := bufio.NewScanner(&buf)
	var lines int
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if rec.URL == "" || rec.Title == "" {
			t.Errorf("line %d missing url/title: %+v", lines, rec)
		}
		if len(rec.Definitions) != 1 {
			t.Errorf("line %d has %d definitions, want 1", lines, len(rec.Definitions))
		}
		lines++
	}
	if lines != 5 {
		t.Errorf("got %d lines, want 5", lines)
	}
}

func TestRunJSONArray(t *testing.T) {
	st := seedStore(t, 3)
	var buf bytes.Buffer

	m, err := Run(context.Background(), &buf, Options{Store: st, JSONLines: false})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Pages != 3 {
		t.Errorf("Pages = %d, want 3", m.Pages)
	}

	var recs []Record
	if err := json.Unmarshal(buf.Bytes(), &recs); err != nil {
		t.Fatalf("output is not a valid JSON array: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("got %d records, want 3", len(recs))
	}
}

func TestRunHonorsLimit(t *testing.T) {
	st := seedStore(t, 10)
	var buf bytes.Buffer

	m, err := Run(context.Background(), &buf, Options{Store: st, JSONLines: true, Limit: 4, BatchSize: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Pages != 4 {
		t.Errorf("Pages = %d, want limit of 4", m.Pages)
	}
}

func TestRunEmptyStore(t *testing.T) {
	st := memstore.New()
	var buf bytes.Buffer

	m, err := Run(context.Background(), &buf, Options{Store: st, JSONLines: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Pages != 0 {
		t.Errorf("Pages = %d, want 0", m.Pages)
	}
	if buf.Len() != 0 {
		t.Errorf("empty store wrote %d bytes in JSONL mode, want 0", buf.Len())
	}
}
