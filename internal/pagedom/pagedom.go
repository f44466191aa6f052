// Package pagedom builds the bounded page summaries handed to the LLM:
// interactive elements with replayable selectors, and readable page text.
package pagedom

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rahul/stepwise/internal/locator"
	"golang.org/x/net/html"
)

const (
	MaxClickable   = 50
	MaxInputs      = 30
	MaxContentText = 10000
	maxElementText = 80
)

const (
	clickableQuery = `a[href], button, [role="button"], input[type="submit"], input[type="button"], [onclick]`
	inputQuery     = `input, textarea, select`
)

// Element is one interactive element as described to the LLM.
type Element struct {
	Tag         string `json:"tag"`
	Selector    string `json:"selector"`
	Text        string `json:"text,omitempty"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	AriaLabel   string `json:"ariaLabel,omitempty"`
	Href        string `json:"href,omitempty"`
}

// DomInfo is the snapshot answer to getPageDomInfo.
type DomInfo struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Clickable []Element `json:"clickableElements"`
	Inputs    []Element `json:"inputElements"`
}

// PageContent is the snapshot answer to getPageContent.
type PageContent struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Inspect lists at most MaxClickable clickable and MaxInputs input
// elements of doc. Each selector comes from locator.Synthesize, so the LLM
// sees the same selectors a recording would have produced.
func Inspect(doc *html.Node, pageURL string) DomInfo {
	d := goquery.NewDocumentFromNode(doc)
	info := DomInfo{
		URL:       pageURL,
		Title:     strings.TrimSpace(d.Find("title").First().Text()),
		Clickable: []Element{},
		Inputs:    []Element{},
	}

	d.Find(clickableQuery).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if hidden(s) {
			return true
		}
		info.Clickable = append(info.Clickable, describe(s))
		return len(info.Clickable) < MaxClickable
	})
	d.Find(inputQuery).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if hidden(s) {
			return true
		}
		switch strings.ToLower(s.AttrOr("type", "")) {
		case "hidden", "submit", "button", "image", "reset":
			return true
		}
		info.Inputs = append(info.Inputs, describe(s))
		return len(info.Inputs) < MaxInputs
	})
	return info
}

func describe(s *goquery.Selection) Element {
	node := s.Get(0)
	loc := locator.Synthesize(node)
	text := loc.Text
	if text == "" {
		text = s.AttrOr("value", "")
	}
	return Element{
		Tag:         node.Data,
		Selector:    loc.Primary,
		Text:        truncate(text, maxElementText),
		Type:        s.AttrOr("type", ""),
		Name:        s.AttrOr("name", ""),
		Placeholder: s.AttrOr("placeholder", ""),
		AriaLabel:   s.AttrOr("aria-label", ""),
		Href:        s.AttrOr("href", ""),
	}
}

// hidden catches the statically detectable cases; layout-driven
// visibility is not known from markup.
func hidden(s *goquery.Selection) bool {
	if _, ok := s.Attr("hidden"); ok {
		return true
	}
	if s.AttrOr("aria-hidden", "") == "true" {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

// Content extracts the readable text of a page. Readability is tried
// first; pages it cannot parse fall back to the body text. The markup is
// sanitised before extraction and the text capped at MaxContentText
// characters.
func Content(src, pageURL string) (PageContent, error) {
	out := PageContent{URL: pageURL}
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return out, err
	}

	clean := contentPolicy().Sanitize(src)
	article, err := readability.FromReader(strings.NewReader(clean), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		out.Title = article.Title
		out.Text = article.TextContent
	} else {
		doc, perr := goquery.NewDocumentFromReader(strings.NewReader(clean))
		if perr != nil {
			return out, perr
		}
		doc.Find("script, style, noscript").Remove()
		out.Title = strings.TrimSpace(doc.Find("title").First().Text())
		out.Text = doc.Find("body").Text()
	}

	out.Text = truncate(strings.Join(strings.Fields(out.Text), " "), MaxContentText)
	return out, nil
}

// contentPolicy keeps document structure and readable markup; scripts,
// styles and event handlers are dropped.
func contentPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("html", "head", "title", "body", "main", "article", "section", "header", "footer", "nav", "aside")
	return p
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
