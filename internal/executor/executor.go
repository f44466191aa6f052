// Package executor replays a single Step against a live page.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/locator"
	"github.com/rahul/stepwise/internal/store"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page is the page-side collaborator. Elements are addressed by positional
// XPath computed from the most recent snapshot; no handle outlives a call.
type Page interface {
	Snapshot(ctx context.Context) (*html.Node, error)
	Click(ctx context.Context, xpath string) error
	// Input focuses the element, sets its value and dispatches both an
	// input and a change event.
	Input(ctx context.Context, xpath, value string) error
	// Submit calls the native form submit when isForm, otherwise dispatches
	// a cancelable submit event on the element.
	Submit(ctx context.Context, xpath string, isForm bool) error
	Evaluate(ctx context.Context, script string) (any, error)
	URL(ctx context.Context) (string, error)
	ReadyState(ctx context.Context) (string, error)
}

type Config struct {
	Attempts    int
	Interval    time.Duration
	DefaultWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Attempts:    5,
		Interval:    500 * time.Millisecond,
		DefaultWait: 500 * time.Millisecond,
	}
}

// Result is the structured outcome of one step. Execute never returns an
// error; callers decide whether a failure is fatal.
type Result struct {
	Success bool       `json:"success"`
	Error   string     `json:"errorMessage,omitempty"`
	Code    fault.Code `json:"code,omitempty"`
}

func failure(err error) Result {
	code := fault.CodeOf(err)
	if code == "" {
		code = fault.ExecutionError
	}
	return Result{Success: false, Error: err.Error(), Code: code}
}

type handlerFunc func(ctx context.Context, step store.Step, page Page) error

type Executor struct {
	cfg      Config
	policy   governance.PolicyEngine
	handlers map[store.StepType]handlerFunc
}

func New(cfg Config, policy governance.PolicyEngine) *Executor {
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = def.DefaultWait
	}
	if policy == nil {
		policy = governance.NewDefaultPolicyEngine()
	}
	e := &Executor{cfg: cfg, policy: policy}
	e.handlers = map[store.StepType]handlerFunc{
		store.StepWait:      func(context.Context, store.Step, Page) error { return nil },
		store.StepClick:     e.click,
		store.StepInput:     e.input,
		store.StepSubmit:    e.submit,
		store.StepRunScript: e.runScript,
	}
	return e
}

// Execute performs step on page. The pre-delay applies to every step type;
// for wait steps it is the wait itself, defaulting to DefaultWait.
func (e *Executor) Execute(ctx context.Context, step store.Step, page Page) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = failure(fault.New(fault.ExecutionError, "step %s panicked: %v", step.ID, r))
		}
	}()

	delay := time.Duration(step.WaitBeforeMs) * time.Millisecond
	if step.Type == store.StepWait && delay <= 0 {
		delay = e.cfg.DefaultWait
	}
	if err := sleep(ctx, delay); err != nil {
		return failure(fault.Wrap(fault.ExecutionError, err, "interrupted before step %s", step.ID))
	}

	h, ok := e.handlers[step.Type]
	if !ok {
		return failure(fault.New(fault.UnsupportedStepType, "unsupported step type %q", step.Type))
	}
	if err := h(ctx, step, page); err != nil {
		return failure(err)
	}
	return Result{Success: true}
}

func (e *Executor) click(ctx context.Context, step store.Step, page Page) error {
	xpath, _, err := e.resolve(ctx, step, page)
	if err != nil {
		return err
	}
	return wrapPage(page.Click(ctx, xpath), "click %s", step.Locator.Describe())
}

func (e *Executor) input(ctx context.Context, step store.Step, page Page) error {
	xpath, _, err := e.resolve(ctx, step, page)
	if err != nil {
		return err
	}
	return wrapPage(page.Input(ctx, xpath, step.Value), "input into %s", step.Locator.Describe())
}

func (e *Executor) submit(ctx context.Context, step store.Step, page Page) error {
	xpath, node, err := e.resolve(ctx, step, page)
	if err != nil {
		return err
	}
	isForm := node.DataAtom == atom.Form
	return wrapPage(page.Submit(ctx, xpath, isForm), "submit %s", step.Locator.Describe())
}

// resolve re-snapshots the page on every attempt and resolves the locator
// against the fresh tree.
func (e *Executor) resolve(ctx context.Context, step store.Step, page Page) (string, *html.Node, error) {
	loc := step.Locator
	if loc == nil || (loc.Primary == "" && loc.Fallback == "") {
		return "", nil, fault.New(fault.LocatorMissing, "%s step %s has no locator", step.Type, step.ID)
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.Attempts; attempt++ {
		doc, err := page.Snapshot(ctx)
		if err != nil {
			lastErr = err
		} else if node := locator.Resolve(*loc, doc); node != nil {
			return locator.XPath(node), node, nil
		} else {
			lastErr = nil
		}
		if attempt < e.cfg.Attempts {
			if err := sleep(ctx, e.cfg.Interval); err != nil {
				return "", nil, fault.Wrap(fault.ExecutionError, err, "waiting for %s", loc.Describe())
			}
		}
	}
	if lastErr != nil {
		return "", nil, fault.Wrap(fault.ExecutionError, lastErr, "snapshot page for %s", loc.Describe())
	}
	return "", nil, fault.New(fault.ElementNotFound, "element not found: %s", loc.Describe())
}

func wrapPage(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fault.Wrap(fault.ExecutionError, err, format, args...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sleep is the context-aware delay used by the executor, exported for the
// loops that pace themselves the same way.
func Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}

func scriptPayload(step store.Step) string {
	if s, ok := step.Metadata[store.MetaScript].(string); ok && s != "" {
		return s
	}
	return step.Value
}

// runScript is the unsafe escape hatch: the payload is policy-checked and
// then evaluated inside its own recover boundary.
func (e *Executor) runScript(ctx context.Context, step store.Step, page Page) (err error) {
	script := scriptPayload(step)
	if script == "" {
		return fault.New(fault.ExecutionError, "custom script step %s has no payload", step.ID)
	}

	pageURL, _ := page.URL(ctx)
	decision, err := e.policy.Evaluate(ctx, governance.Request{
		StepType: string(step.Type),
		Payload:  script,
		URL:      pageURL,
	})
	if err != nil {
		return fault.Wrap(fault.ExecutionError, err, "policy check")
	}
	if decision.Effect == governance.EffectDeny {
		return fault.New(fault.ScriptDenied, "custom script blocked: %s", decision.Reason)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.ExecutionError, "custom script panicked: %v", r)
		}
	}()
	if _, err := page.Evaluate(ctx, script); err != nil {
		return fault.Wrap(fault.ExecutionError, err, "custom script failed")
	}
	return nil
}

// String renders a result for chat replies and CLI output.
func (r Result) String() string {
	if r.Success {
		return "ok"
	}
	return fmt.Sprintf("failed (%s): %s", r.Code, r.Error)
}
