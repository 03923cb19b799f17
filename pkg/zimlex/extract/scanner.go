package extract

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/openlexica/zimlex/pkg/zimlex/normalize"
)

// Heading is one h2..h5 element found by ScanHeadings. Start and End are
// byte offsets into the scanned string covering the full element, from the
// opening tag through the matching closing tag.
type Heading struct {
	Level int
	Title string
	Start int
	End   int
}

// ListItem is the raw inner HTML of one outermost <li> element. Start and
// End are byte offsets into the scanned string, running from just after the
// opening tag to just before the closing tag.
type ListItem struct {
	HTML  string
	Start int
	End   int
}

// ScanHeadings walks src once and returns every heading whose level lies in
// [minLevel, maxLevel], in document order. The title is the collapsed inner
// text, preferring an inner mw-headline span when one is present. Headings
// left unclosed at end of input are not reported.
//
// All offsets are accumulated from the tokenizer's own raw token lengths,
// so slicing src at them can never split a UTF-8 sequence.
func ScanHeadings(src string, minLevel, maxLevel int) []Heading {
	z := html.NewTokenizer(strings.NewReader(src))
	var (
		heads         []Heading
		offset        int
		open          bool
		level         int
		start         int
		allText       strings.Builder
		headlineText  strings.Builder
		headlineDepth int
	)

	for {
		tt := z.Next()
		tokStart := offset
		offset += len(z.Raw())

		switch tt {
		case html.ErrorToken:
			return heads

		case html.StartTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if !open {
				if lv, ok := headingLevel(tag); ok && lv >= minLevel && lv <= maxLevel {
					open = true
					level = lv
					start = tokStart
					allText.Reset()
					headlineText.Reset()
					headlineDepth = 0
				}
				continue
			}
			if tag == "span" {
				if headlineDepth > 0 {
					headlineDepth++
				} else if hasAttr && tagHasClass(z, "mw-headline") {
					headlineDepth = 1
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if !open {
				continue
			}
			if tag == "span" && headlineDepth > 0 {
				headlineDepth--
				continue
			}
			if lv, ok := headingLevel(tag); ok && lv == level {
				title := headlineText.String()
				if strings.TrimSpace(title) == "" {
					title = allText.String()
				}
				heads = append(heads, Heading{
					Level: level,
					Title: normalize.CollapseWhitespace(title),
					Start: start,
					End:   offset,
				})
				open = false
			}

		case html.TextToken:
			if open {
				text := string(z.Text())
				allText.WriteString(text)
				if headlineDepth > 0 {
					headlineText.WriteString(text)
				}
			}
		}
	}
}

// ScanListItems walks src once and returns the outermost list items,
// honoring depthLimit: items whose enclosing list nesting is deeper than
// depthLimit are dropped while depth bookkeeping continues. Void and
// self-closing tags never open a nesting level; stray closing tags saturate
// the counters at zero instead of underflowing.
func ScanListItems(src string, depthLimit int) []ListItem {
	z := html.NewTokenizer(strings.NewReader(src))
	var (
		items     []ListItem
		offset    int
		listDepth int
		itemDepth int
		capturing bool
		capStart  int
	)

	for {
		tt := z.Next()
		tokStart := offset
		offset += len(z.Raw())

		switch tt {
		case html.ErrorToken:
			return items

		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "ol", "ul", "dl":
				listDepth++
			case "li":
				itemDepth++
				if itemDepth == 1 {
					capturing = listDepth <= depthLimit
					capStart = offset
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "ol", "ul", "dl":
				if listDepth > 0 {
					listDepth--
				}
			case "li":
				if itemDepth == 0 {
					continue
				}
				itemDepth--
				if itemDepth == 0 && capturing {
					items = append(items, ListItem{
						HTML:  src[capStart:tokStart],
						Start: capStart,
						End:   tokStart,
					})
					capturing = false
				}
			}
		}
	}
}

func headingLevel(tag string) (int, bool) {
	switch tag {
	case "h2":
		return 2, true
	case "h3":
		return 3, true
	case "h4":
		return 4, true
	case "h5":
		return 5, true
	}
	return 0, false
}

// tagHasClass reports whether the current start tag carries the given class
// token. It consumes the tokenizer's attribute iterator.
func tagHasClass(z *html.Tokenizer, class string) bool {
	found := false
	for {
		key, val, more := z.TagAttr()
		if string(key) == "class" && containsClass(string(val), class) {
			found = true
		}
		if !more {
			return found
		}
	}
}

func containsClass(attr, class string) bool {
	for _, field := range strings.Fields(attr) {
		if field == class {
			return true
		}
	}
	return false
}
