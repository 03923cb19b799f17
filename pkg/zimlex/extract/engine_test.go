package extract

import (
	"math"
	"strings"
	"testing"

	"github.com/openlexica/zimlex/pkg/zimlex/normalize"
)

func testOptions() Options {
	return Options{
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
	}
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	return NewEngine(opts, normalize.New("identity", map[string]string{"english": "english_basic"}))
}

func scoresClose(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestExtractSingleLanguageDefinitions(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<ul>
<li>A first sample definition that is long enough.</li>
<li>A second sample definition, also long enough.</li>
</ul>`
	res := newTestEngine(t, testOptions()).Extract("word", src)

	if len(res.Definitions) != 2 {
		t.Fatalf("got %d definitions, want 2", len(res.Definitions))
	}
	for i, d := range res.Definitions {
		if d.Language != "English" {
			t.Errorf("definition %d language = %q, want English", i, d.Language)
		}
		if d.Order != i {
			t.Errorf("definition %d order = %d, want %d", i, d.Order, i)
		}
	}
	if len(res.Relations) != 0 {
		t.Errorf("got %d relations, want 0", len(res.Relations))
	}
}

func TestExtractSynonymsSubHeading(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<h3><span class="mw-headline">Synonyms</span></h3>
<ul><li>alpha, beta; gamma</li></ul>`
	res := newTestEngine(t, testOptions()).Extract("word", src)

	if len(res.Relations) != 3 {
		t.Fatalf("got %d relations, want 3: %+v", len(res.Relations), res.Relations)
	}
	targets := make(map[string]int)
	for _, r := range res.Relations {
		if r.Kind != "synonyms" {
			t.Errorf("relation kind = %q, want synonyms", r.Kind)
		}
		if r.Language != "English" {
			t.Errorf("relation language = %q, want English", r.Language)
		}
		targets[r.Target]++
	}
	for _, want := range []string{"alpha", "beta", "gamma"} {
		if targets[want] != 1 {
			t.Errorf("target %q seen %d times, want exactly once", want, targets[want])
		}
	}
	if len(res.Definitions) != 0 {
		t.Errorf("got %d definitions, want 0", len(res.Definitions))
	}
}

func TestExtractSingularSubHeadingFolds(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<h4><span class="mw-headline">Antonym</span></h4>
<ul><li>small</li></ul>`
	res := newTestEngine(t, testOptions()).Extract("word", src)
	if len(res.Relations) != 1 || res.Relations[0].Kind != "antonyms" {
		t.Fatalf("got %+v, want one antonyms relation", res.Relations)
	}
}

func TestExtractDefinitionsAndRelationsSplitBySubHeading(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<ol><li>The first English sense, plenty long.</li></ol>
<h3><span class="mw-headline">Synonyms</span></h3>
<ul><li>alpha, beta</li></ul>
<h2><span class="mw-headline">French</span></h2>
<ol><li>Le premier sens principal, assez long.</li></ol>`
	res := newTestEngine(t, testOptions()).Extract("word", src)

	if len(res.Definitions) != 2 {
		t.Fatalf("got %d definitions, want 2: %+v", len(res.Definitions), res.Definitions)
	}
	if res.Definitions[0].Language != "English" || res.Definitions[1].Language != "French" {
		t.Errorf("definition languages = %q, %q", res.Definitions[0].Language, res.Definitions[1].Language)
	}
	if res.Definitions[0].Order != 0 || res.Definitions[1].Order != 0 {
		t.Errorf("per-language orders = %d, %d, want 0, 0", res.Definitions[0].Order, res.Definitions[1].Order)
	}
	if len(res.Relations) != 2 {
		t.Errorf("got %d relations, want 2", len(res.Relations))
	}
}

func TestExtractDepthLimitNeverPromotesNested(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<ul><li>the outer definition entry, long enough to pass</li>
<ul><li>the nested definition entry, long enough to pass</li></ul>
</ul>`
	for limit := 1; limit <= 1; limit++ {
		opts := testOptions()
		opts.NestedListDepthLimit = limit
		res := newTestEngine(t, opts).Extract("word", src)
		if len(res.Definitions) != 1 {
			t.Fatalf("limit %d: got %d definitions, want 1", limit, len(res.Definitions))
		}
		if !strings.Contains(res.Definitions[0].Text, "outer") {
			t.Errorf("limit %d: kept %q, want the outer entry", limit, res.Definitions[0].Text)
		}
	}

	// An item inside an outer item is part of that fragment at every limit.
	inner := `<h2><span class="mw-headline">English</span></h2>
<ul><li>outer text carries on <ul><li>inner text carries on</li></ul></li></ul>`
	for limit := 1; limit <= 4; limit++ {
		opts := testOptions()
		opts.NestedListDepthLimit = limit
		res := newTestEngine(t, opts).Extract("word", inner)
		if len(res.Definitions) != 1 {
			t.Fatalf("limit %d: got %d definitions, want 1", limit, len(res.Definitions))
		}
	}
}

func TestExtractDefinitionCap(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<h2><span class="mw-headline">English</span></h2><ul>`)
	for i := 0; i < 5; i++ {
		b.WriteString(`<li>a sufficiently long definition entry to pass every filter</li>`)
	}
	b.WriteString(`</ul>`)

	opts := testOptions()
	opts.MaxDefinitionsPerLanguage = 2
	res := newTestEngine(t, opts).Extract("word", b.String())
	if len(res.Definitions) != 2 {
		t.Fatalf("got %d definitions, want cap of 2", len(res.Definitions))
	}
}

func TestExtractRelationCap(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<h3><span class="mw-headline">Synonyms</span></h3>
<ul><li>one, two, three</li><li>four, five</li></ul>`
	opts := testOptions()
	opts.MaxRelationsPerType = 2
	res := newTestEngine(t, opts).Extract("word", src)
	if len(res.Relations) != 2 {
		t.Fatalf("got %d relations, want cap of 2", len(res.Relations))
	}
}

func TestExtractLanguageAllowlist(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<ul><li>an english definition long enough to pass</li></ul>
<h2><span class="mw-headline">French</span></h2>
<ul><li>une définition française assez longue pour passer</li></ul>`
	opts := testOptions()
	opts.Languages = []string{"english"}
	res := newTestEngine(t, opts).Extract("word", src)

	if len(res.Definitions) != 1 {
		t.Fatalf("got %d definitions, want 1", len(res.Definitions))
	}
	for _, d := range res.Definitions {
		if strings.ToLower(d.Language) != "english" {
			t.Errorf("definition for excluded language %q", d.Language)
		}
	}
}

func TestExtractThresholdGating(t *testing.T) {
	src := `<h2><span class="mw-headline">Latin</span></h2>
<ul><li>this text stays entirely unchanged here</li></ul>
<h3><span class="mw-headline">Synonyms</span></h3>
<ul><li>alpha, beta</li></ul>`
	opts := testOptions()
	opts.ConfidenceThreshold = 0.95
	res := newTestEngine(t, opts).Extract("word", src)
	if len(res.Definitions) != 0 {
		t.Errorf("definitions below threshold emitted: %+v", res.Definitions)
	}
	if len(res.Relations) != 0 {
		t.Errorf("relations below threshold emitted: %+v", res.Relations)
	}
}

func TestExtractRelationLabelGuard(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<ul><li>Synonyms: big, large, huge, vast and more</li></ul>`
	res := newTestEngine(t, testOptions()).Extract("word", src)
	if len(res.Definitions) != 0 {
		t.Errorf("relation-label fragment emitted as definition: %+v", res.Definitions)
	}
}

func TestExtractRelationsDisabled(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<h3><span class="mw-headline">Synonyms</span></h3>
<ul><li>alpha, beta; gamma</li></ul>`
	opts := testOptions()
	opts.ParseRelations = false
	res := newTestEngine(t, opts).Extract("word", src)
	if len(res.Relations) != 0 {
		t.Errorf("got %d relations with parsing disabled", len(res.Relations))
	}
	if len(res.Definitions) != 1 {
		t.Errorf("got %d definitions, want the list item as a definition", len(res.Definitions))
	}
}

func TestExtractNoSectionsStillEmitsTitleAlias(t *testing.T) {
	res := newTestEngine(t, testOptions()).Extract("Café", `<p>no headings at all</p>`)

	if len(res.Definitions) != 0 || len(res.Relations) != 0 {
		t.Fatalf("unexpected structured output: %+v", res)
	}
	if !scoresClose(res.Confidence, 0) {
		t.Errorf("confidence = %v, want 0", res.Confidence)
	}
	got := make([]string, 0, len(res.Aliases))
	for _, a := range res.Aliases {
		if a.Source != "title" {
			t.Errorf("alias source = %q, want title", a.Source)
		}
		if a.Language != "" {
			t.Errorf("alias language = %q, want empty", a.Language)
		}
		if a.Normalized != "cafe" {
			t.Errorf("alias normalized = %q, want cafe", a.Normalized)
		}
		got = append(got, a.Alias)
	}
	want := []string{"Café", "café", "Cafe"}
	if len(got) != len(want) {
		t.Fatalf("aliases = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("alias %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractTitleAliasUsesPrimaryLanguagePlugin(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<ul><li>a definition long enough to pass filters</li></ul>`
	res := newTestEngine(t, testOptions()).Extract("To Run", src)

	var aliases []string
	for _, a := range res.Aliases {
		if a.Language != "English" {
			t.Errorf("alias language = %q, want English", a.Language)
		}
		aliases = append(aliases, a.Alias)
	}
	want := []string{"To Run", "to run", "run"}
	if len(aliases) != len(want) {
		t.Fatalf("aliases = %v, want %v", aliases, want)
	}
	for i := range want {
		if aliases[i] != want[i] {
			t.Errorf("alias %d = %q, want %q", i, aliases[i], want[i])
		}
	}
}

func TestExtractAliasMinLength(t *testing.T) {
	res := newTestEngine(t, testOptions()).Extract("A", `<p>nothing</p>`)
	if len(res.Aliases) != 0 {
		t.Errorf("aliases below min length emitted: %+v", res.Aliases)
	}
}

func TestExtractAggregateConfidenceIsMean(t *testing.T) {
	src := `<h2><span class="mw-headline">English</span></h2>
<h3><span class="mw-headline">Synonyms</span></h3>
<ul><li>alpha, beta; gamma</li></ul>`
	res := newTestEngine(t, testOptions()).Extract("word", src)

	if len(res.Relations) != 3 {
		t.Fatalf("got %d relations, want 3", len(res.Relations))
	}
	sum := 0.0
	for _, r := range res.Relations {
		sum += r.Confidence
	}
	if !scoresClose(res.Confidence, sum/3) {
		t.Errorf("aggregate confidence = %v, want %v", res.Confidence, sum/3)
	}
}

func TestExtractEmptyInput(t *testing.T) {
	res := newTestEngine(t, testOptions()).Extract("", "")
	if len(res.Definitions) != 0 || len(res.Relations) != 0 || len(res.Aliases) != 0 {
		t.Errorf("empty input produced output: %+v", res)
	}
	if !scoresClose(res.Confidence, 0) {
		t.Errorf("confidence = %v, want 0", res.Confidence)
	}
}

func TestPlainTextStripsNoiseAndCitations(t *testing.T) {
	e := newTestEngine(t, testOptions())
	src := `<p>word<sup class="reference"><a href="#cite">[3]</a></sup> rest[4] &amp; tail</p>`
	if got, want := e.PlainText(src), "word rest & tail"; got != want {
		t.Errorf("PlainText = %q, want %q", got, want)
	}
}

func TestPlainTextStripsEditSections(t *testing.T) {
	e := newTestEngine(t, testOptions())
	src := `<h2>Head<span class="mw-editsection">[edit]</span></h2><p>body text</p>`
	if got, want := e.PlainText(src), "Head body text"; got != want {
		t.Errorf("PlainText = %q, want %q", got, want)
	}
}

func TestScoreDefinitionDeterministicAndBounded(t *testing.T) {
	e := newTestEngine(t, testOptions())
	inputs := []struct{ text, normalized string }{
		{"short", "short"},
		{"one two three four", "one two three four"},
		{"a plausible dictionary definition of reasonable length", "plausible dictionary definition of reasonable length"},
		{strings.Repeat("a ", 60), "a"},
		{"synonyms often listed here in sections", "synonyms often listed here in sections"},
		{"", ""},
	}
	for _, in := range inputs {
		first := e.scoreDefinition(in.text, in.normalized)
		second := e.scoreDefinition(in.text, in.normalized)
		if first != second {
			t.Errorf("scoreDefinition(%q) not deterministic: %v vs %v", in.text, first, second)
		}
		if first < 0 || first > 1 {
			t.Errorf("scoreDefinition(%q) = %v out of [0,1]", in.text, first)
		}
	}
}

func TestScoreDefinitionBands(t *testing.T) {
	e := newTestEngine(t, testOptions())
	tests := []struct {
		text       string
		normalized string
		want       float64
	}{
		// base only: 1 word, 5 chars, 5 letters, unchanged
		{"short", "short", 0.2},
		// word-count band and letters: 4 words, 18 chars
		{"one two three four", "one two three four", 0.65},
		// everything except the change bonus: 6 words, 38 chars
		{"this text stays entirely unchanged here", "this text stays entirely unchanged here", 0.9},
		// change bonus on top
		{"this text stays entirely unchanged here", "changed", 1.0},
		// relation-label penalty
		{"synonyms often listed here in sections", "synonyms often listed here in sections", 0.55},
	}
	for _, tt := range tests {
		if got := e.scoreDefinition(tt.text, tt.normalized); !scoresClose(got, tt.want) {
			t.Errorf("scoreDefinition(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestScoreRelationTermBands(t *testing.T) {
	e := newTestEngine(t, testOptions())
	tests := []struct {
		term       string
		normalized string
		want       float64
	}{
		{"alpha", "alpha", 0.8},
		{"Alpha", "alpha", 0.9},
		{"42", "42", 0.6},
		{strings.Repeat("x", 81), strings.Repeat("x", 81), 0.5},
	}
	for _, tt := range tests {
		if got := e.scoreRelationTerm(tt.term, tt.normalized); !scoresClose(got, tt.want) {
			t.Errorf("scoreRelationTerm(%q) = %v, want %v", tt.term, got, tt.want)
		}
	}
}

func TestSplitRelationTermsSeparators(t *testing.T) {
	got := splitRelationTerms("a, b; c | d / e → f • g -> h")
	var terms []string
	for _, c := range got {
		if t := strings.Trim(c, termEdgeCutset); t != "" {
			terms = append(terms, t)
		}
	}
	want := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	if len(terms) != len(want) {
		t.Fatalf("terms = %v, want %v", terms, want)
	}
	for i := range want {
		if terms[i] != want[i] {
			t.Errorf("term %d = %q, want %q", i, terms[i], want[i])
		}
	}
}
