// Package locator turns a DOM element into a structural descriptor that can
// find the same logical element again in a later snapshot of the page.
//
// Both directions are pure functions over golang.org/x/net/html trees: the
// caller owns snapshotting the live page and calls Resolve again on every
// attempt instead of holding node handles across time.
package locator

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	maxAncestorDepth = 5
	maxClassNames    = 2
	maxTextLength    = 200
)

// Locator is the persisted descriptor of an element. Text and
// DataAttributes are diagnostics only and never used to re-find a node.
type Locator struct {
	Primary        string            `json:"primary" yaml:"primary"`
	Fallback       string            `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Text           string            `json:"text,omitempty" yaml:"text,omitempty"`
	DataAttributes map[string]string `json:"dataAttributes,omitempty" yaml:"dataAttributes,omitempty"`
}

// Describe returns the selector string reported in diagnostics.
func (l *Locator) Describe() string {
	if l == nil {
		return ""
	}
	if l.Primary != "" {
		return l.Primary
	}
	return l.Fallback
}

// Synthesize builds a Locator for el. Preference order: a document-unique
// id, a test identifier attribute, then a structural chain of at most five
// ancestor levels. A chain whose first match in the document is not el is
// replaced by one anchored at body with a child step per level; if even that
// finds another element first, the XPath becomes the primary. The positional
// XPath is always filled in as Fallback.
func Synthesize(el *html.Node) Locator {
	loc := Locator{
		Fallback:       XPath(el),
		Text:           textSnapshot(el),
		DataAttributes: dataAttributes(el),
	}

	doc := goquery.NewDocumentFromNode(root(el))
	if id, ok := attr(el, "id"); ok && strings.TrimSpace(id) != "" {
		if doc.Find(`[id="`+escapeAttrValue(id)+`"]`).Length() == 1 {
			loc.Primary = "#" + CSSEscape(id)
			return loc
		}
	}
	for _, name := range []string{"data-testid", "data-test"} {
		if v, ok := attr(el, name); ok && v != "" {
			if sel := "[" + name + `="` + escapeAttrValue(v) + `"]`; firstMatch(doc, sel) == el {
				loc.Primary = sel
				return loc
			}
		}
	}
	for _, sel := range []string{structuralPath(el), anchoredPath(el)} {
		if firstMatch(doc, sel) == el {
			loc.Primary = sel
			return loc
		}
	}
	loc.Primary = loc.Fallback
	return loc
}

func firstMatch(doc *goquery.Document, sel string) *html.Node {
	if m := doc.Find(sel); m.Length() > 0 {
		return m.Get(0)
	}
	return nil
}

// Resolve finds the element loc describes in doc. The primary selector is
// tried first; the XPath is consulted only when the primary matches nothing.
// A primary starting with "/" is itself a positional path.
func Resolve(loc Locator, doc *html.Node) *html.Node {
	if doc == nil {
		return nil
	}
	if strings.HasPrefix(loc.Primary, "/") {
		if el := EvalXPath(doc, loc.Primary); el != nil {
			return el
		}
	} else if loc.Primary != "" {
		// goquery compiles invalid selectors to a matcher that matches nothing.
		if sel := goquery.NewDocumentFromNode(doc).Find(loc.Primary); sel.Length() > 0 {
			return sel.Get(0)
		}
	}
	if loc.Fallback != "" {
		return EvalXPath(doc, loc.Fallback)
	}
	return nil
}

func structuralPath(el *html.Node) string {
	if el.DataAtom == atom.Body || el.DataAtom == atom.Html {
		return el.Data
	}
	var parts []string
	for n := el; n != nil && n.Type == html.ElementNode && len(parts) < maxAncestorDepth; n = n.Parent {
		if n.DataAtom == atom.Body || n.DataAtom == atom.Html {
			break
		}
		parts = append(parts, segment(n))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " ")
}

// anchoredPath spells out every level from body (or the topmost element when
// el is outside body) down to el, e.g. body > div:nth-of-type(1) > span:nth-of-type(2).
func anchoredPath(el *html.Node) string {
	var parts []string
	for n := el; n != nil && n.Type == html.ElementNode; n = n.Parent {
		if n.DataAtom == atom.Body || n.Parent == nil || n.Parent.Type != html.ElementNode {
			parts = append(parts, n.Data)
			break
		}
		idx, _ := sameTagIndex(n)
		parts = append(parts, n.Data+":nth-of-type("+strconv.Itoa(idx)+")")
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func segment(n *html.Node) string {
	var b strings.Builder
	b.WriteString(n.Data)
	if class, ok := attr(n, "class"); ok {
		for i, c := range strings.Fields(class) {
			if i == maxClassNames {
				break
			}
			b.WriteByte('.')
			b.WriteString(CSSEscape(c))
		}
	}
	if idx, same := sameTagIndex(n); same > 1 {
		b.WriteString(":nth-of-type(")
		b.WriteString(strconv.Itoa(idx))
		b.WriteByte(')')
	}
	return b.String()
}

// sameTagIndex returns n's 1-based position among element siblings with the
// same tag, and the total number of such siblings including n.
func sameTagIndex(n *html.Node) (idx, total int) {
	if n.Parent == nil {
		return 1, 1
	}
	for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
		if s.Type != html.ElementNode || s.Data != n.Data {
			continue
		}
		total++
		if s == n {
			idx = total
		}
	}
	return idx, total
}

func textSnapshot(el *html.Node) string {
	text := strings.Join(strings.Fields(goquery.NewDocumentFromNode(el).Text()), " ")
	if utf8.RuneCountInString(text) <= maxTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxTextLength])
}

func dataAttributes(el *html.Node) map[string]string {
	var out map[string]string
	for _, a := range el.Attr {
		if !strings.HasPrefix(a.Key, "data-") {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[a.Key] = a.Val
	}
	return out
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func root(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

func escapeAttrValue(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v)
}

