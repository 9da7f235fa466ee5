// Package content cleans note field HTML for the destination: legacy
// entity decoding and media reference rewriting.
package content

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Entities is the fixed table of named entities that Decode understands.
var Entities = map[string]rune{
	"amp":    '&',
	"lt":     '<',
	"gt":     '>',
	"quot":   '"',
	"apos":   '\'',
	"nbsp":   '\u00a0',
	"ndash":  '–',
	"mdash":  '—',
	"hellip": '…',
	"lsquo":  '‘',
	"rsquo":  '’',
	"ldquo":  '“',
	"rdquo":  '”',
	"copy":   '©',
	"reg":    '®',
	"deg":    '°',
	"times":  '×',
	"divide": '÷',
	"middot": '·',
	"laquo":  '«',
	"raquo":  '»',
	"euro":   '€',
}

var entityRe = regexp.MustCompile(`&(#[0-9]{1,7}|#[xX][0-9a-fA-F]{1,6}|[a-zA-Z]{2,8});`)

// Decode replaces entities from the fixed table and numeric character
// references. Unknown names and invalid code points are left untouched.
func Decode(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityRe.ReplaceAllStringFunc(s, func(m string) string {
		body := m[1 : len(m)-1]
		if body[0] != '#' {
			if r, ok := Entities[body]; ok {
				return string(r)
			}
			return m
		}
		var (
			n   int64
			err error
		)
		if body[1] == 'x' || body[1] == 'X' {
			n, err = strconv.ParseInt(body[2:], 16, 32)
		} else {
			n, err = strconv.ParseInt(body[1:], 10, 32)
		}
		if err != nil || n == 0 || !utf8.ValidRune(rune(n)) {
			return m
		}
		return string(rune(n))
	})
}

var reverseEntities = func() map[rune]string {
	out := make(map[rune]string, len(Entities))
	for name, r := range Entities {
		out[r] = name
	}
	return out
}()

// Encode escapes every character that has an entry in Entities.
func Encode(s string) string {
	var b strings.Builder
	for _, r := range s {
		if name, ok := reverseEntities[r]; ok {
			b.WriteString("&" + name + ";")
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var imgSrcRe = regexp.MustCompile(`(?i)(<img\b[^>]*?\bsrc\s*=\s*)(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)

// Rewriter swaps media references for uploaded public URLs.
type Rewriter struct {
	urls map[string]string
}

// NewRewriter returns a rewriter over a filename -> public URL table.
func NewRewriter(urls map[string]string) *Rewriter {
	return &Rewriter{urls: urls}
}

// Rewrite replaces the src of every <img> whose value is a key of the URL
// table. Unmatched sources are returned and left as they were.
func (r *Rewriter) Rewrite(html string) (string, []string) {
	var unmatched []string
	out := imgSrcRe.ReplaceAllStringFunc(html, func(m string) string {
		sub := imgSrcRe.FindStringSubmatch(m)
		prefix := sub[1]
		src, quote := sub[2], `"`
		switch {
		case sub[3] != "":
			src, quote = sub[3], `'`
		case sub[4] != "":
			src, quote = sub[4], ""
		}
		if isRemote(src) {
			return m
		}
		if u, ok := r.lookup(src); ok {
			if quote == "" {
				quote = `"`
			}
			return prefix + quote + u + quote
		}
		unmatched = append(unmatched, src)
		return m
	})
	return out, unmatched
}

// Process decodes entities and then rewrites media references.
func (r *Rewriter) Process(html string) (string, []string) {
	return r.Rewrite(Decode(html))
}

func (r *Rewriter) lookup(src string) (string, bool) {
	if u, ok := r.urls[src]; ok {
		return u, true
	}
	if unescaped, err := url.PathUnescape(src); err == nil && unescaped != src {
		if u, ok := r.urls[unescaped]; ok {
			return u, true
		}
	}
	return "", false
}

func isRemote(src string) bool {
	lower := strings.ToLower(src)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:") ||
		strings.HasPrefix(lower, "//")
}
