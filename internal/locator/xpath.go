package locator

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// XPath returns the positional path of el from the document root, e.g.
// /html[1]/body[1]/div[2]/button[1]. Indexes count same-tag siblings.
func XPath(el *html.Node) string {
	var parts []string
	for n := el; n != nil && n.Type == html.ElementNode; n = n.Parent {
		idx, _ := sameTagIndex(n)
		parts = append(parts, fmt.Sprintf("%s[%d]", n.Data, idx))
	}
	if len(parts) == 0 {
		return ""
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// EvalXPath evaluates a positional path produced by XPath against doc.
// Only the tag[index] form is understood; anything else resolves to nil.
func EvalXPath(doc *html.Node, path string) *html.Node {
	if doc == nil || !strings.HasPrefix(path, "/") {
		return nil
	}
	cur := doc
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		tag, idx, ok := parseSegment(seg)
		if !ok {
			return nil
		}
		cur = nthChild(cur, tag, idx)
		if cur == nil {
			return nil
		}
	}
	if cur == doc {
		return nil
	}
	return cur
}

func parseSegment(seg string) (string, int, bool) {
	open := strings.IndexByte(seg, '[')
	if open <= 0 || !strings.HasSuffix(seg, "]") {
		if seg == "" {
			return "", 0, false
		}
		return strings.ToLower(seg), 1, true
	}
	idx, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil || idx < 1 {
		return "", 0, false
	}
	return strings.ToLower(seg[:open]), idx, true
}

func nthChild(parent *html.Node, tag string, idx int) *html.Node {
	seen := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != tag {
			continue
		}
		seen++
		if seen == idx {
			return c
		}
	}
	return nil
}
