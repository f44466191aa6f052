package pagedom

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func parse(t *testing.T, src string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

func TestInspectCapsAndFilters(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<html><head><title> Shop </title></head><body>`)
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, `<button id="b%d">Buy %d</button>`, i, i)
	}
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, `<input name="f%d" placeholder="field %d">`, i, i)
	}
	b.WriteString(`<input type="hidden" name="csrf"><a href="/x" hidden>gone</a></body></html>`)

	info := Inspect(parse(t, b.String()), "https://shop.test/")

	assert.Equal(t, "Shop", info.Title)
	assert.Equal(t, "https://shop.test/", info.URL)
	assert.Len(t, info.Clickable, MaxClickable)
	assert.Len(t, info.Inputs, MaxInputs)
	assert.Equal(t, "#b0", info.Clickable[0].Selector)
	assert.Equal(t, "Buy 0", info.Clickable[0].Text)
	for _, in := range info.Inputs {
		assert.NotEqual(t, "csrf", in.Name)
	}
}

func TestInspectSelectorsUseLocatorRules(t *testing.T) {
	src := `<html><body><form>
		<input data-testid="email" type="email">
		<textarea class="notes"></textarea>
		<input type="submit" value="Send">
	</form></body></html>`

	info := Inspect(parse(t, src), "https://a.test/")

	require.Len(t, info.Inputs, 2)
	assert.Equal(t, `[data-testid="email"]`, info.Inputs[0].Selector)
	assert.Equal(t, "form textarea.notes", info.Inputs[1].Selector)
	require.Len(t, info.Clickable, 1)
	assert.Equal(t, "Send", info.Clickable[0].Text)
}

func TestContentStripsScriptsAndCaps(t *testing.T) {
	body := strings.Repeat("lorem ipsum dolor sit amet ", 600)
	src := `<html><head><title>Doc</title><script>var secret = 1;</script></head>
		<body><article><h1>Hello world</h1><p>` + body + `</p></article></body></html>`

	content, err := Content(src, "https://docs.test/page")
	require.NoError(t, err)

	assert.Equal(t, "https://docs.test/page", content.URL)
	assert.NotContains(t, content.Text, "secret")
	assert.Contains(t, content.Text, "lorem ipsum")
	assert.LessOrEqual(t, len([]rune(content.Text)), MaxContentText)
}

func TestContentKeepsPlainCharacters(t *testing.T) {
	filler := strings.Repeat("The cartoon has run for decades and is still shown today. ", 20)
	src := `<html><head><title>Cats &amp; mice</title></head><body><article>
		<p>Tom &amp; Jerry say "hi" 5 &lt; 6 <b onclick="steal()">bold</b></p><p>` + filler + `</p></article></body></html>`

	content, err := Content(src, "https://docs.test/toons")
	require.NoError(t, err)
	assert.Contains(t, content.Text, `Tom & Jerry say "hi" 5 < 6 bold`)
	assert.NotContains(t, content.Text, "&amp;")
	assert.NotContains(t, content.Text, "steal")
}
