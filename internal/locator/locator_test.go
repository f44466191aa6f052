package locator

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const samplePage = `<html><head><title>t</title></head><body>
<div id="main" class="container wide extra">
  <button id="save">  Save
     changes </button>
  <button data-testid="cancel-btn">Cancel</button>
  <ul class="list">
    <li class="item">One</li>
    <li class="item">Two</li>
  </ul>
  <span id="dup">a</span><span id="dup">b</span>
  <input data-test="email" data-role="field" type="text">
  <p id="7up">digits</p>
</div>
</body></html>`

func parse(t *testing.T, src string) (*html.Node, *goquery.Document) {
	t.Helper()
	root, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return root, goquery.NewDocumentFromNode(root)
}

func find(t *testing.T, doc *goquery.Document, sel string, i int) *html.Node {
	t.Helper()
	s := doc.Find(sel)
	require.Greater(t, s.Length(), i, "selector %s", sel)
	return s.Get(i)
}

func TestSynthesizePrefersUniqueID(t *testing.T) {
	_, doc := parse(t, samplePage)
	loc := Synthesize(find(t, doc, "button", 0))

	assert.Equal(t, "#save", loc.Primary)
	assert.Equal(t, "/html[1]/body[1]/div[1]/button[1]", loc.Fallback)
	assert.Equal(t, "Save changes", loc.Text)
}

func TestSynthesizeTestIDAttributes(t *testing.T) {
	_, doc := parse(t, samplePage)

	cancel := Synthesize(find(t, doc, "button", 1))
	assert.Equal(t, `[data-testid="cancel-btn"]`, cancel.Primary)
	assert.Equal(t, map[string]string{"data-testid": "cancel-btn"}, cancel.DataAttributes)

	email := Synthesize(find(t, doc, "input", 0))
	assert.Equal(t, `[data-test="email"]`, email.Primary)
	assert.Equal(t, "field", email.DataAttributes["data-role"])
}

func TestSynthesizeStructuralFallback(t *testing.T) {
	_, doc := parse(t, samplePage)

	second := Synthesize(find(t, doc, "li", 1))
	assert.Equal(t, "div.container.wide ul.list li.item:nth-of-type(2)", second.Primary)
	assert.Equal(t, "/html[1]/body[1]/div[1]/ul[1]/li[2]", second.Fallback)

	// Duplicate ids are not document-unique and fall through.
	dup := Synthesize(find(t, doc, "span", 0))
	assert.Equal(t, "div.container.wide span:nth-of-type(1)", dup.Primary)
}

func TestSynthesizeEscapesLeadingDigitID(t *testing.T) {
	root, doc := parse(t, samplePage)
	p := find(t, doc, "p", 0)

	loc := Synthesize(p)
	assert.Equal(t, `#\37 up`, loc.Primary)
	assert.Same(t, p, Resolve(loc, root))
}

func TestSynthesizeTruncatesText(t *testing.T) {
	_, doc := parse(t, `<html><body><p>`+strings.Repeat("é", 300)+`</p></body></html>`)
	loc := Synthesize(find(t, doc, "p", 0))
	assert.Equal(t, 200, len([]rune(loc.Text)))
}

func TestStructuralDepthIsBounded(t *testing.T) {
	src := `<html><body><section><div><div><div><div><div><a>deep</a></div></div></div></div></div></section></body></html>`
	root, doc := parse(t, src)
	a := find(t, doc, "a", 0)

	loc := Synthesize(a)
	assert.Equal(t, "div div div div a", loc.Primary)
	assert.Same(t, a, Resolve(loc, root))
}

const nestedPage = `<html><head><title>n</title></head><body>
<div><div><span>A</span></div><span>B</span></div>
<div class="row"><p><a>x</a></p></div><div class="row"><a>y</a></div>
<section><div><div><div><div><div><a>deep</a></div></div></div></div></div><a>shallow</a></section>
<button data-testid="go">1</button><button data-testid="go">2</button>
</body></html>`

func TestResolveRoundTripsEveryElement(t *testing.T) {
	for _, page := range []string{samplePage, nestedPage} {
		root, doc := parse(t, page)
		doc.Find("*").Each(func(_ int, s *goquery.Selection) {
			el := s.Get(0)
			loc := Synthesize(el)
			assert.Same(t, el, Resolve(loc, root), "primary %q", loc.Primary)
		})
	}
}

func TestSynthesizeAnchorsAmbiguousChains(t *testing.T) {
	root, doc := parse(t, nestedPage)

	b := find(t, doc, "span", 1)
	loc := Synthesize(b)
	assert.Equal(t, "body > div:nth-of-type(1) > span:nth-of-type(1)", loc.Primary)
	assert.Same(t, b, Resolve(loc, root))

	// a repeated test id only wins for its first holder
	second := find(t, doc, "button", 1)
	loc = Synthesize(second)
	assert.NotContains(t, loc.Primary, "data-testid")
	assert.Same(t, second, Resolve(loc, root))
}

func TestResolveAcceptsXPathPrimary(t *testing.T) {
	root, doc := parse(t, samplePage)
	loc := Locator{Primary: "/html[1]/body[1]/div[1]/ul[1]/li[2]"}
	assert.Same(t, find(t, doc, "li", 1), Resolve(loc, root))
	assert.Nil(t, Resolve(Locator{Primary: "/html[1]/body[1]/table[1]"}, root))
}

func TestResolveFallsBackToXPath(t *testing.T) {
	root, doc := parse(t, samplePage)
	loc := Locator{Primary: "#gone", Fallback: "/html[1]/body[1]/div[1]/button[2]"}
	assert.Same(t, find(t, doc, "button", 1), Resolve(loc, root))

	assert.Nil(t, Resolve(Locator{Primary: "#gone", Fallback: "/html[1]/body[1]/form[1]"}, root))
	assert.Nil(t, Resolve(Locator{Primary: "div[[["}, root))
}

func TestEvalXPathRejectsMalformedPaths(t *testing.T) {
	root, _ := parse(t, samplePage)
	assert.Nil(t, EvalXPath(root, "html/body"))
	assert.Nil(t, EvalXPath(root, "/html[0]"))
	assert.Nil(t, EvalXPath(root, "/html[x]/body[1]"))
	assert.NotNil(t, EvalXPath(root, "/html/body"))
}

func TestCSSEscape(t *testing.T) {
	cases := map[string]string{
		"plain":  "plain",
		"a.b":    `a\.b`,
		"1abc":   `\31 abc`,
		"-2x":    `-\32 x`,
		"-":      `\-`,
		"a b":    `a\ b`,
		"naïve":  "naïve",
		"x:y[0]": `x\:y\[0\]`,
	}
	for in, want := range cases {
		assert.Equal(t, want, CSSEscape(in), in)
	}
}
