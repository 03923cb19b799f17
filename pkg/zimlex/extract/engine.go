package extract

import (
	"html"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/openlexica/zimlex/pkg/zimlex/normalize"
)

// Options configures the extraction engine.
type Options struct {
	StorePlainText            bool
	ParseLanguageSections     bool
	ParseRelations            bool
	Languages                 []string
	MinDefinitionChars        int
	MaxDefinitionsPerLanguage int
	RelationTypes             []string
	MaxRelationsPerType       int
	NestedListDepthLimit      int
	ConfidenceThreshold       float64
	TitleAsAlias              bool
	AliasMinLength            int
}

// Definition is one sense extracted for a language on a page.
type Definition struct {
	Language   string
	Order      int
	Text       string
	Normalized string
	Confidence float64
}

// Relation links a page's lemma to a target term under a relation kind.
type Relation struct {
	Language   string
	Kind       string
	Order      int
	Source     string
	Target     string
	Normalized string
	Confidence float64
}

// Alias is an alternate lookup form for a page, tagged with its provenance.
type Alias struct {
	Language   string
	Alias      string
	Normalized string
	Source     string
}

// Result holds everything extracted from one page.
type Result struct {
	PlainText   string
	Confidence  float64
	Definitions []Definition
	Relations   []Relation
	Aliases     []Alias
}

// Engine turns page HTML into scored definitions, relations and aliases.
// All matchers are compiled once here and immutable afterwards, so a single
// Engine can be shared across workers.
type Engine struct {
	opts       Options
	norm       *normalize.Normalizer
	allowed    map[string]struct{}
	relKinds   map[string]string
	noiseRe    *regexp.Regexp
	tagRe      *regexp.Regexp
	citationRe *regexp.Regexp
	relLabelRe *regexp.Regexp
}

// NewEngine creates an Engine with the given options and normalizer.
func NewEngine(opts Options, norm *normalize.Normalizer) *Engine {
	e := &Engine{
		opts:       opts,
		norm:       norm,
		relKinds:   relationKinds(opts.RelationTypes),
		noiseRe:    regexp.MustCompile(`(?is)<(?:sup|span|div)\b[^>]*class="[^"]*(?:reference|mw-editsection|footnote)[^"]*"[^>]*>.*?</(?:sup|span|div)>`),
		tagRe:      regexp.MustCompile(`(?s)<[^>]*>`),
		citationRe: regexp.MustCompile(`\[\d+\]`),
		relLabelRe: relationLabelPattern(opts.RelationTypes),
	}
	if len(opts.Languages) > 0 {
		e.allowed = make(map[string]struct{}, len(opts.Languages))
		for _, language := range opts.Languages {
			e.allowed[strings.ToLower(language)] = struct{}{}
		}
	}
	return e
}

// Extract runs the full extraction over one page.
func (e *Engine) Extract(title, src string) Result {
	var res Result
	if e.opts.StorePlainText {
		res.PlainText = e.PlainText(src)
	}

	primaryLanguage := ""
	if e.opts.ParseLanguageSections {
		sections := ScanHeadings(src, 2, 2)
		defCounts := make(map[string]int)
		relCounts := make(map[string]int)
		for i, sec := range sections {
			language := sec.Title
			if language == "" {
				continue
			}
			if e.allowed != nil {
				if _, ok := e.allowed[strings.ToLower(language)]; !ok {
					continue
				}
			}
			start := sec.End
			end := len(src)
			if i+1 < len(sections) {
				end = sections[i+1].Start
			}
			if end < start || end > len(src) {
				continue
			}
			if primaryLanguage == "" {
				primaryLanguage = language
			}
			e.extractSection(language, src[start:end], defCounts, relCounts, &res)
		}
	}

	if e.opts.TitleAsAlias {
		res.Aliases = e.titleAliases(title, primaryLanguage)
	}

	if n := len(res.Definitions) + len(res.Relations); n > 0 {
		sum := 0.0
		for _, d := range res.Definitions {
			sum += d.Confidence
		}
		for _, r := range res.Relations {
			sum += r.Confidence
		}
		res.Confidence = sum / float64(n)
	}
	return res
}

// relationRange is the byte range owned by one matched relation sub-heading.
type relationRange struct {
	kind       string
	start, end int
}

func (e *Engine) extractSection(language, body string, defCounts, relCounts map[string]int, res *Result) {
	var ranges []relationRange
	if e.opts.ParseRelations && len(e.relKinds) > 0 {
		subs := ScanHeadings(body, 3, 5)
		for j, sub := range subs {
			kind, ok := e.relKinds[strings.ToLower(sub.Title)]
			if !ok {
				continue
			}
			start := sub.End
			end := len(body)
			if j+1 < len(subs) {
				end = subs[j+1].Start
			}
			if end < start || end > len(body) {
				continue
			}
			ranges = append(ranges, relationRange{kind: kind, start: start, end: end})
		}
	}

	langKey := strings.ToLower(language)
	for _, item := range ScanListItems(body, e.opts.NestedListDepthLimit) {
		kind := ""
		for _, r := range ranges {
			if item.Start >= r.start && item.Start < r.end {
				kind = r.kind
				break
			}
		}
		if kind == "" {
			e.emitDefinition(language, langKey, item, defCounts, res)
		} else {
			e.emitRelations(language, langKey, kind, item, relCounts, res)
		}
	}
}

func (e *Engine) emitDefinition(language, langKey string, item ListItem, defCounts map[string]int, res *Result) {
	if defCounts[langKey] >= e.opts.MaxDefinitionsPerLanguage {
		return
	}
	text := e.normalizeMarkup(item.HTML)
	if utf8.RuneCountInString(text) < e.opts.MinDefinitionChars {
		return
	}
	if e.matchesRelationLabel(text) {
		return
	}
	normalized := e.norm.Apply(language, text)
	confidence := e.scoreDefinition(text, normalized)
	if confidence < e.opts.ConfidenceThreshold {
		return
	}
	res.Definitions = append(res.Definitions, Definition{
		Language:   language,
		Order:      defCounts[langKey],
		Text:       text,
		Normalized: normalized,
		Confidence: confidence,
	})
	defCounts[langKey]++
}

func (e *Engine) emitRelations(language, langKey, kind string, item ListItem, relCounts map[string]int, res *Result) {
	countKey := langKey + "\x00" + kind
	if relCounts[countKey] >= e.opts.MaxRelationsPerType {
		return
	}
	sentence := e.normalizeMarkup(item.HTML)
	if sentence == "" {
		return
	}
	seen := make(map[string]struct{})
	for _, candidate := range splitRelationTerms(sentence) {
		if relCounts[countKey] >= e.opts.MaxRelationsPerType {
			return
		}
		term := strings.Trim(candidate, termEdgeCutset)
		if utf8.RuneCountInString(term) < 2 {
			continue
		}
		if e.matchesRelationLabel(term) {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		normalized := normalize.CanonicalizeLemma(term)
		confidence := e.scoreRelationTerm(term, normalized)
		if confidence < e.opts.ConfidenceThreshold {
			continue
		}
		res.Relations = append(res.Relations, Relation{
			Language:   language,
			Kind:       kind,
			Order:      relCounts[countKey],
			Source:     sentence,
			Target:     term,
			Normalized: normalized,
			Confidence: confidence,
		})
		relCounts[countKey]++
	}
}

func (e *Engine) titleAliases(title, primaryLanguage string) []Alias {
	base := normalize.CollapseWhitespace(title)
	if base == "" {
		return nil
	}
	candidates := []string{
		base,
		strings.ToLower(base),
		normalize.Transliterate(base),
		e.norm.Apply(primaryLanguage, base),
	}
	seen := make(map[string]struct{}, len(candidates))
	var aliases []Alias
	for _, candidate := range candidates {
		alias := strings.TrimSpace(candidate)
		if utf8.RuneCountInString(alias) < e.opts.AliasMinLength {
			continue
		}
		if _, dup := seen[alias]; dup {
			continue
		}
		seen[alias] = struct{}{}
		aliases = append(aliases, Alias{
			Language:   primaryLanguage,
			Alias:      alias,
			Normalized: normalize.CanonicalizeLemma(alias),
			Source:     "title",
		})
	}
	return aliases
}

// scoreDefinition rates how likely text is a genuine definition rather than
// extraction noise. Deterministic in its inputs, result always in [0,1].
func (e *Engine) scoreDefinition(text, normalized string) float64 {
	score := 0.2
	words := len(strings.Fields(text))
	if words >= 4 && words <= 42 {
		score += 0.30
	}
	if words > 42 {
		score -= 0.10
	}
	if chars := utf8.RuneCountInString(text); chars >= 24 && chars <= 350 {
		score += 0.25
	}
	if normalized != text {
		score += 0.10
	}
	if alphaCount(text) >= 8 {
		score += 0.15
	}
	if e.matchesRelationLabel(text) {
		score -= 0.35
	}
	return clamp01(score)
}

// scoreRelationTerm rates a candidate target term.
func (e *Engine) scoreRelationTerm(term, normalized string) float64 {
	score := 0.3
	if n := utf8.RuneCountInString(term); n >= 2 && n <= 80 {
		score += 0.30
	}
	if normalized != term {
		score += 0.10
	}
	if hasAlpha(term) {
		score += 0.20
	}
	return clamp01(score)
}

// PlainText renders a whole document to searchable text: noise elements
// stripped first, then tags, citation markers, entities, whitespace.
func (e *Engine) PlainText(src string) string {
	return e.normalizeMarkup(e.noiseRe.ReplaceAllString(src, " "))
}

// normalizeMarkup reduces an HTML fragment to comparable text.
func (e *Engine) normalizeMarkup(fragment string) string {
	s := e.tagRe.ReplaceAllString(fragment, " ")
	s = e.citationRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return normalize.CollapseWhitespace(s)
}

func (e *Engine) matchesRelationLabel(s string) bool {
	return e.relLabelRe != nil && e.relLabelRe.MatchString(s)
}

// relationKinds folds configured relation type names into a lookup of
// sub-heading label variants (singular and plural) to the canonical kind.
func relationKinds(types []string) map[string]string {
	kinds := make(map[string]string, len(types)*2)
	for _, t := range types {
		kind := strings.ToLower(strings.TrimSpace(t))
		if kind == "" {
			continue
		}
		base := strings.TrimSuffix(kind, "s")
		if base == "" {
			base = kind
		}
		kinds[base] = kind
		kinds[base+"s"] = kind
	}
	return kinds
}

func relationLabelPattern(types []string) *regexp.Regexp {
	var alts []string
	seen := make(map[string]struct{}, len(types))
	for _, t := range types {
		kind := strings.ToLower(strings.TrimSpace(t))
		if kind == "" {
			continue
		}
		base := strings.TrimSuffix(kind, "s")
		if base == "" {
			base = kind
		}
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		alts = append(alts, regexp.QuoteMeta(base)+"s?")
	}
	if len(alts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)^\s*(?:` + strings.Join(alts, "|") + `)\b`)
}

var relationSeparators = strings.NewReplacer(
	"->", ",", "=>", ",",
	"→", ",", "⇒", ",", "⇨", ",",
	"•", ",", "·", ",", "‣", ",",
)

const termEdgeCutset = " \t\r\n()[]{}<>\"'`.,;:!?*"

func splitRelationTerms(sentence string) []string {
	return strings.FieldsFunc(relationSeparators.Replace(sentence), func(r rune) bool {
		switch r {
		case ',', ';', '|', '/':
			return true
		}
		return false
	})
}

func alphaCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func hasAlpha(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
