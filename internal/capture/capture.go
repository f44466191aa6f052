// Package capture turns page interaction events into steps while a tab is
// recording.
//
// The page side is a small listener script installed by the browser layer.
// It registers capturing-phase listeners on the document, so it sees the
// event before any page handler can stop propagation, and forwards each
// event together with a synchronous HTML snapshot. Locator synthesis then
// happens here, against that snapshot.
package capture

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rahul/stepwise/internal/locator"
	"github.com/rahul/stepwise/internal/store"
	"golang.org/x/net/html"
)

// BindingName is the runtime binding the listener script reports through.
const BindingName = "__stepwiseCapture"

// Script installs the document listeners. It is idempotent per document.
const Script = `(() => {
  if (window.__stepwiseInstalled) return;
  window.__stepwiseInstalled = true;
  const xpath = (el) => {
    const parts = [];
    for (let n = el; n && n.nodeType === 1; n = n.parentNode) {
      let i = 1;
      for (let s = n.previousElementSibling; s; s = s.previousElementSibling) {
        if (s.tagName === n.tagName) i++;
      }
      parts.unshift(n.tagName.toLowerCase() + '[' + i + ']');
    }
    return '/' + parts.join('/');
  };
  const send = (type, ev) => {
    const el = ev.target;
    if (!el || el.nodeType !== 1 || typeof window.` + BindingName + ` !== 'function') return;
    const value = (type === 'input' || type === 'change') && 'value' in el ? String(el.value) : '';
    window.` + BindingName + `(JSON.stringify({
      type, xpath: xpath(el), value, url: location.href,
      html: document.documentElement.outerHTML,
    }));
  };
  for (const t of ['click', 'input', 'change', 'submit']) {
    document.addEventListener(t, (ev) => send(t, ev), true);
  }
})();`

type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// RawEvent is the payload the listener script sends.
type RawEvent struct {
	Type  string `json:"type"`
	XPath string `json:"xpath"`
	Value string `json:"value"`
	URL   string `json:"url"`
	HTML  string `json:"html"`
}

// ParseRawEvent decodes a binding payload.
func ParseRawEvent(payload string) (RawEvent, error) {
	var ev RawEvent
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}

// Sink receives captured steps.
type Sink interface {
	Append(tabID string, step store.Step) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(tabID string, step store.Step) error

func (f SinkFunc) Append(tabID string, step store.Step) error { return f(tabID, step) }

// Capturer is the per-tab Idle/Recording state machine.
type Capturer struct {
	tabID   string
	sink    Sink
	mu      sync.Mutex
	state   State
	dropped atomic.Int64
}

func New(tabID string, sink Sink) *Capturer {
	return &Capturer{tabID: tabID, sink: sink}
}

func (c *Capturer) TabID() string { return c.tabID }

// Start moves Idle to Recording. It reports whether the state changed.
func (c *Capturer) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Recording {
		return false
	}
	c.state = Recording
	return true
}

// Stop moves Recording to Idle. It reports whether the state changed.
func (c *Capturer) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		return false
	}
	c.state = Idle
	return true
}

func (c *Capturer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dropped counts events that arrived while Idle.
func (c *Capturer) Dropped() int64 {
	return c.dropped.Load()
}

// Handle converts ev into a step and hands it to the sink. Events seen
// while Idle are dropped. It reports whether a step was emitted.
func (c *Capturer) Handle(ev RawEvent) (bool, error) {
	if c.State() != Recording {
		c.dropped.Add(1)
		return false, nil
	}
	step, ok := BuildStep(ev)
	if !ok {
		return false, nil
	}
	if err := c.sink.Append(c.tabID, step); err != nil {
		return false, err
	}
	return true, nil
}

// BuildStep synthesizes a step from a raw event. It returns false for
// event types it does not record or when the target cannot be found in the
// snapshot.
func BuildStep(ev RawEvent) (store.Step, bool) {
	var typ store.StepType
	switch ev.Type {
	case "click":
		typ = store.StepClick
	case "input", "change":
		typ = store.StepInput
	case "submit":
		typ = store.StepSubmit
	default:
		return store.Step{}, false
	}

	doc, err := html.Parse(strings.NewReader(ev.HTML))
	if err != nil {
		return store.Step{}, false
	}
	target := locator.EvalXPath(doc, ev.XPath)
	if target == nil {
		return store.Step{}, false
	}

	loc := locator.Synthesize(target)
	step := store.Step{
		ID:      uuid.NewString(),
		Type:    typ,
		Locator: &loc,
		URLHint: ev.URL,
	}
	if typ == store.StepInput {
		step.Value = ev.Value
	}
	step.Annotate(store.MetaTagName, strings.ToUpper(target.Data))
	return step, true
}
