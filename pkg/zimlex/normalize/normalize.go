package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Plugin identifies one of the built-in lemma normalization rules.
// The set is closed: configuration selects a plugin by name, it never
// loads new behavior.
type Plugin int

const (
	PluginIdentity Plugin = iota
	PluginEnglishBasic
	PluginRomanceBasic
	PluginCJKBasic
)

// PluginByName maps a configured plugin name to a Plugin.
// Unknown names behave as identity.
func PluginByName(name string) Plugin {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "english_basic":
		return PluginEnglishBasic
	case "romance_basic":
		return PluginRomanceBasic
	case "cjk_basic":
		return PluginCJKBasic
	default:
		return PluginIdentity
	}
}

// Normalizer dispatches per-language lemma normalization. It is built once
// from configuration and safe for concurrent use.
type Normalizer struct {
	plugins  map[string]Plugin
	fallback Plugin
}

// New creates a Normalizer. languagePlugins maps language names to plugin
// names; lookups are case-insensitive. defaultPlugin is used for languages
// without an entry.
func New(defaultPlugin string, languagePlugins map[string]string) *Normalizer {
	plugins := make(map[string]Plugin, len(languagePlugins))
	for language, name := range languagePlugins {
		plugins[strings.ToLower(strings.TrimSpace(language))] = PluginByName(name)
	}
	return &Normalizer{
		plugins:  plugins,
		fallback: PluginByName(defaultPlugin),
	}
}

// ForLanguage returns the plugin that Apply would use for a language.
func (n *Normalizer) ForLanguage(language string) Plugin {
	if p, ok := n.plugins[strings.ToLower(strings.TrimSpace(language))]; ok {
		return p
	}
	return n.fallback
}

// Apply normalizes text using the plugin configured for the language.
// It is total: every input produces an output.
func (n *Normalizer) Apply(language, text string) string {
	return ApplyPlugin(n.ForLanguage(language), text)
}

// ApplyPlugin runs a single plugin over text.
func ApplyPlugin(p Plugin, text string) string {
	switch p {
	case PluginEnglishBasic:
		return englishBasic(text)
	case PluginRomanceBasic:
		return romanceBasic(text)
	default:
		// identity and cjk_basic both reduce to whitespace collapsing
		return CollapseWhitespace(text)
	}
}

func englishBasic(text string) string {
	s := CollapseWhitespace(strings.ToLower(text))
	s = strings.TrimPrefix(s, "to ")
	for _, article := range []string{"a ", "an ", "the "} {
		if strings.HasPrefix(s, article) {
			s = s[len(article):]
			break
		}
	}
	return s
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "`", "'")

func romanceBasic(text string) string {
	return apostrophes.Replace(CollapseWhitespace(strings.ToLower(text)))
}

// CollapseWhitespace trims and collapses all whitespace runs to one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CanonicalizeLemma produces the canonical comparison form used for aliases
// and relation targets: ASCII transliteration, lower case, every run of
// non-alphanumeric characters replaced by a single space, collapsed.
func CanonicalizeLemma(s string) string {
	s = strings.ToLower(Transliterate(s))
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		} else {
			space = true
		}
	}
	return b.String()
}

var foldedLetters = strings.NewReplacer(
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ß", "ss", "ẞ", "SS",
	"ø", "o", "Ø", "O",
	"đ", "d", "Đ", "D",
	"ð", "d", "Ð", "D",
	"þ", "th", "Þ", "Th",
	"ł", "l", "Ł", "L",
)

// Transliterate reduces text to ASCII: combining marks are stripped after
// NFD decomposition, a few non-decomposable letters are folded, and any
// remaining non-ASCII runes are dropped.
func Transliterate(s string) string {
	chain := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(chain, s); err == nil {
		s = out
	}
	s = foldedLetters.Replace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}
