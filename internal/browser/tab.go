package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rahul/stepwise/internal/fault"
	"golang.org/x/net/html"
)

const actionTimeout = 30 * time.Second

// Tab is one browser tab. Every call works on the live document; elements
// are located by XPath inside the page at call time.
type Tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	// root is the tab whose context owns the Chrome process. Closing it
	// closes only the page; cancelling its context would end the browser.
	root bool

	mu  sync.Mutex
	url string
}

func (t *Tab) ID() string { return t.id }

func (t *Tab) close() {
	if !t.root {
		t.cancel()
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
	defer cancel()
	_ = chromedp.Run(ctx, page.Close())
}

func (t *Tab) setURL(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()
}

func (t *Tab) lastURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// run executes actions on the tab, bounded by ctx and the action timeout.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, actionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func (t *Tab) HTML(ctx context.Context) (string, error) {
	var src string
	if err := t.run(ctx, chromedp.OuterHTML("html", &src, chromedp.ByQuery)); err != nil {
		return "", fault.Wrap(fault.ExecutionError, err, "read document of tab %s", t.id)
	}
	return src, nil
}

func (t *Tab) Snapshot(ctx context.Context) (*html.Node, error) {
	src, err := t.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return html.Parse(strings.NewReader(src))
}

func (t *Tab) Click(ctx context.Context, xpath string) error {
	return t.act(ctx, "click", clickScript(xpath))
}

func (t *Tab) Input(ctx context.Context, xpath, value string) error {
	return t.act(ctx, "input", inputScript(xpath, value))
}

func (t *Tab) Submit(ctx context.Context, xpath string, isForm bool) error {
	return t.act(ctx, "submit", submitScript(xpath, isForm))
}

// act runs an element script, which returns false when the XPath no
// longer matches anything.
func (t *Tab) act(ctx context.Context, what, script string) error {
	var found bool
	if err := t.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return fault.Wrap(fault.ExecutionError, err, "%s in tab %s", what, t.id)
	}
	if !found {
		return fault.New(fault.ElementNotFound, "%s target vanished before the action", what)
	}
	return nil
}

// Evaluate runs script in the page and returns its JSON value. Promises
// are awaited and an undefined result is nil.
func (t *Tab) Evaluate(ctx context.Context, script string) (any, error) {
	var (
		obj *runtime.RemoteObject
		exc *runtime.ExceptionDetails
	)
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		obj, exc, err = runtime.Evaluate(script).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			WithUserGesture(true).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fault.Wrap(fault.ExecutionError, err, "evaluate in tab %s", t.id)
	}
	return decodeEvaluation(obj, exc)
}

func decodeEvaluation(obj *runtime.RemoteObject, exc *runtime.ExceptionDetails) (any, error) {
	if exc != nil {
		msg := exc.Text
		if exc.Exception != nil && exc.Exception.Description != "" {
			msg = exc.Exception.Description
		}
		return nil, fault.New(fault.ExecutionError, "script threw: %s", msg)
	}
	if obj == nil || len(obj.Value) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(obj.Value, &v); err != nil {
		return nil, fault.Wrap(fault.ExecutionError, err, "decode script result")
	}
	return v, nil
}

func (t *Tab) URL(ctx context.Context) (string, error) {
	var u string
	if err := t.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fault.Wrap(fault.ExecutionError, err, "read url of tab %s", t.id)
	}
	t.setURL(u)
	return u, nil
}

func (t *Tab) ReadyState(ctx context.Context) (string, error) {
	var state string
	if err := t.run(ctx, chromedp.Evaluate("document.readyState", &state)); err != nil {
		return "", fault.Wrap(fault.ExecutionError, err, "read ready state of tab %s", t.id)
	}
	return state, nil
}

// Navigate loads url in the tab.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := t.run(ctx, chromedp.Navigate(url)); err != nil {
		return fault.Wrap(fault.ExecutionError, err, "navigate tab %s to %s", t.id, url)
	}
	return nil
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

const findNode = `const node = document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
  if (!node) return false;`

func clickScript(xpath string) string {
	return fmt.Sprintf(`(() => {
  `+findNode+`
  node.scrollIntoView({block: 'center'});
  node.click();
  return true;
})()`, jsString(xpath))
}

func inputScript(xpath, value string) string {
	return fmt.Sprintf(`(() => {
  `+findNode+`
  node.focus();
  node.value = %s;
  node.dispatchEvent(new Event('input', {bubbles: true}));
  node.dispatchEvent(new Event('change', {bubbles: true}));
  return true;
})()`, jsString(xpath), jsString(value))
}

func submitScript(xpath string, isForm bool) string {
	action := `node.dispatchEvent(new Event('submit', {bubbles: true, cancelable: true}));`
	if isForm {
		action = `node.submit();`
	}
	return fmt.Sprintf(`(() => {
  `+findNode+`
  %s
  return true;
})()`, jsString(xpath), action)
}
