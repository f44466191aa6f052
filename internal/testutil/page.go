// Package testutil holds in-memory stand-ins for the browser used across
// package tests.
package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// Action is one page mutation recorded by FakePage.
type Action struct {
	Kind  string
	XPath string
	Value string
}

// FakePage serves a fixed HTML document and records what was done to it.
// Callbacks run without the lock held so they may call SetHTML.
type FakePage struct {
	mu          sync.Mutex
	html        string
	url         string
	readyState  string
	actions     []Action
	snapshots   int
	SnapshotErr error
	ClickErr    error
	OnClick     func(xpath string)
	OnSnapshot  func(n int)
	EvalFunc    func(script string) (any, error)
}

func NewFakePage(url, src string) *FakePage {
	return &FakePage{url: url, html: src, readyState: "complete"}
}

func (p *FakePage) SetHTML(src string) {
	p.mu.Lock()
	p.html = src
	p.mu.Unlock()
}

func (p *FakePage) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

func (p *FakePage) SetReadyState(state string) {
	p.mu.Lock()
	p.readyState = state
	p.mu.Unlock()
}

func (p *FakePage) Actions() []Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Action(nil), p.actions...)
}

func (p *FakePage) Snapshots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots
}

func (p *FakePage) record(a Action) {
	p.mu.Lock()
	p.actions = append(p.actions, a)
	p.mu.Unlock()
}

func (p *FakePage) Snapshot(ctx context.Context) (*html.Node, error) {
	p.mu.Lock()
	p.snapshots++
	n, src, err, hook := p.snapshots, p.html, p.SnapshotErr, p.OnSnapshot
	p.mu.Unlock()

	if hook != nil {
		hook(n)
		p.mu.Lock()
		src = p.html
		p.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	return html.Parse(strings.NewReader(src))
}

func (p *FakePage) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *FakePage) Click(ctx context.Context, xpath string) error {
	if p.ClickErr != nil {
		return p.ClickErr
	}
	p.record(Action{Kind: "click", XPath: xpath})
	if p.OnClick != nil {
		p.OnClick(xpath)
	}
	return nil
}

func (p *FakePage) Input(ctx context.Context, xpath, value string) error {
	p.record(Action{Kind: "input", XPath: xpath, Value: value})
	return nil
}

func (p *FakePage) Submit(ctx context.Context, xpath string, isForm bool) error {
	kind := "dispatch-submit"
	if isForm {
		kind = "form-submit"
	}
	p.record(Action{Kind: kind, XPath: xpath})
	return nil
}

func (p *FakePage) Evaluate(ctx context.Context, script string) (any, error) {
	p.record(Action{Kind: "eval", Value: script})
	if p.EvalFunc != nil {
		return p.EvalFunc(script)
	}
	return nil, nil
}

func (p *FakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == "" {
		return "", errors.New("page has no url")
	}
	return p.url, nil
}

func (p *FakePage) ReadyState(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyState, nil
}
