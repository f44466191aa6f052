// Package agent runs the LLM-driven side of the recorder: a conversation
// per chat that can turn a message into steps, execute them on the user's
// tab while recording them, and answer with a report of where it ended up.
package agent

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rahul/stepwise/internal/executor"
	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/pagedom"
	"github.com/rahul/stepwise/internal/recording"
	"github.com/rahul/stepwise/internal/store"
)

// Page is a tab as the loop sees it: the executor surface plus the raw
// document for content extraction.
type Page interface {
	executor.Page
	HTML(ctx context.Context) (string, error)
}

type Tabs interface {
	Page(ctx context.Context, tabID string) (Page, error)
}

type StepExecutor interface {
	Execute(ctx context.Context, step store.Step, page executor.Page) executor.Result
}

// Clients yields a client for the current settings, or the precondition
// failure that prevents one.
type Clients interface {
	Client(ctx context.Context) (*llm.Client, error)
}

type Config struct {
	NavPolls     int
	PollInterval time.Duration
	SettleDelay  time.Duration
	ReportCues   []string
}

func DefaultConfig() Config {
	return Config{
		NavPolls:     20,
		PollInterval: 500 * time.Millisecond,
		SettleDelay:  time.Second,
		ReportCues:   []string{"report", "summarize", "summarise", "summary", "extract", "tell me"},
	}
}

// StepOutcome is the result of one executed step.
type StepOutcome struct {
	Step   store.Step
	Result executor.Result
}

// ExecutionResult describes one pass over a step list.
type ExecutionResult struct {
	Outcomes  []StepOutcome
	Task      *store.Task
	Report    string
	Navigated bool
}

// Failed counts the steps that did not succeed.
func (r *ExecutionResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Result.Success {
			n++
		}
	}
	return n
}

// TurnResult is what a user sees for one message.
type TurnResult struct {
	ConversationID string
	Reply          string
	Action         llm.ActionKind
	Execution      *ExecutionResult
}

type Loop struct {
	cfg        Config
	repo       *store.Repository
	tabs       Tabs
	exec       StepExecutor
	clients    Clients
	recordings *recording.Manager
	convs      *ConversationCache
	logger     *observability.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLoop(cfg Config, repo *store.Repository, tabs Tabs, exec StepExecutor, clients Clients,
	recordings *recording.Manager, convs *ConversationCache, logger *observability.Logger) *Loop {
	def := DefaultConfig()
	if cfg.NavPolls <= 0 {
		cfg.NavPolls = def.NavPolls
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if len(cfg.ReportCues) == 0 {
		cfg.ReportCues = def.ReportCues
	}
	return &Loop{
		cfg:        cfg,
		repo:       repo,
		tabs:       tabs,
		exec:       exec,
		clients:    clients,
		recordings: recordings,
		convs:      convs,
		logger:     observability.OrNop(logger),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (l *Loop) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// observe gathers what the model is shown about a tab.
func (l *Loop) observe(ctx context.Context, tabID string) (Page, string, pagedom.DomInfo, error) {
	page, err := l.tabs.Page(ctx, tabID)
	if err != nil {
		return nil, "", pagedom.DomInfo{}, err
	}
	url, err := page.URL(ctx)
	if err != nil {
		return nil, "", pagedom.DomInfo{}, fault.Wrap(fault.ExecutionError, err, "read url of tab %s", tabID)
	}
	doc, err := page.Snapshot(ctx)
	if err != nil {
		return nil, "", pagedom.DomInfo{}, fault.Wrap(fault.ExecutionError, err, "snapshot tab %s", tabID)
	}
	return page, url, pagedom.Inspect(doc, url), nil
}

// HandleTurn processes one user message. Preconditions (LLM settings, a
// reachable tab) are checked before any state changes.
func (l *Loop) HandleTurn(ctx context.Context, conversationID, tabID, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fault.New(fault.ExecutionError, "empty message")
	}
	unlock := l.lock(conversationID)
	defer unlock()

	client, err := l.clients.Client(ctx)
	if err != nil {
		return nil, err
	}
	_, url, dom, err := l.observe(ctx, tabID)
	if err != nil {
		return nil, err
	}

	state, ok := l.convs.Get(conversationID)
	if !ok {
		state = store.ConversationState{ID: conversationID}
	}
	history := state.Messages
	state.TabID = tabID
	state.Messages = append(state.Messages, store.Message{Role: store.RoleUser, Content: text, At: l.repo.Now()})
	state.IsActive = true
	state.Phase = store.PhaseAwaitingTurn
	if err := l.convs.Save(ctx, state); err != nil {
		return nil, err
	}
	observability.SetStatus(observability.RoleConversing, conversationID)
	defer observability.SetStatus(observability.RoleIdle, "")
	l.logger.LogConversation(conversationID, string(state.Phase), "turn received")

	result := &TurnResult{ConversationID: conversationID}
	reply, err := client.Converse(ctx, conversationID, text, history, url, dom)
	if err != nil {
		l.finishTurn(ctx, &state, "")
		return nil, err
	}
	result.Reply = reply.Text

	if reply.Action != nil {
		result.Action = reply.Action.Kind
		switch reply.Action.Kind {
		case llm.ActionReport:
			result.Reply = joinReply(reply.Text, reply.Action.Content)
		case llm.ActionExecute:
			state.Phase = store.PhaseExecuting
			exec, err := l.execute(ctx, client, &state, tabID, text, reply.Action.Steps)
			if err != nil {
				l.finishTurn(ctx, &state, "")
				return nil, err
			}
			result.Execution = exec
			result.Reply = joinReply(reply.Text, summarize(exec))
			if exec.Report != "" {
				result.Reply = joinReply(result.Reply, exec.Report)
			}
		}
	}

	if err := l.finishTurn(ctx, &state, result.Reply); err != nil {
		return result, err
	}
	return result, nil
}

// finishTurn records the assistant reply and marks the conversation idle.
func (l *Loop) finishTurn(ctx context.Context, state *store.ConversationState, reply string) error {
	if reply != "" {
		state.Messages = append(state.Messages, store.Message{Role: store.RoleAssistant, Content: reply, At: l.repo.Now()})
	}
	state.IsActive = false
	state.Phase = store.PhaseAwaitingTurn
	if err := l.convs.Save(ctx, *state); err != nil {
		l.logger.Errorf("conversation %s: persist: %v", state.ID, err)
		return err
	}
	l.logger.LogConversation(state.ID, string(state.Phase), "turn finished")
	return nil
}

// ExecuteInstruction turns instruction into steps and runs them without a
// conversation.
func (l *Loop) ExecuteInstruction(ctx context.Context, tabID, instruction string) (*ExecutionResult, error) {
	client, err := l.clients.Client(ctx)
	if err != nil {
		return nil, err
	}
	_, url, dom, err := l.observe(ctx, tabID)
	if err != nil {
		return nil, err
	}
	raw, err := client.GenerateSteps(ctx, instruction, url, dom)
	if err != nil {
		return nil, err
	}
	steps, err := llm.ParseSteps(raw)
	if err != nil {
		return nil, err
	}
	return l.execute(ctx, client, nil, tabID, instruction, steps)
}

// GenerateTask synthesises steps for instruction and saves them as a task
// without running them.
func (l *Loop) GenerateTask(ctx context.Context, tabID, instruction, name string) (*store.Task, error) {
	client, err := l.clients.Client(ctx)
	if err != nil {
		return nil, err
	}
	_, url, dom, err := l.observe(ctx, tabID)
	if err != nil {
		return nil, err
	}
	raw, err := client.GenerateSteps(ctx, instruction, url, dom)
	if err != nil {
		return nil, err
	}
	steps, err := llm.ParseSteps(raw)
	if err != nil {
		return nil, err
	}
	prepare(steps, url)
	if strings.TrimSpace(name) == "" {
		name = taskName(instruction)
	}
	task := &store.Task{Name: name, Steps: steps}
	if err := l.repo.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Discard forgets a conversation.
func (l *Loop) Discard(ctx context.Context, conversationID string) error {
	unlock := l.lock(conversationID)
	defer unlock()
	return l.convs.Delete(ctx, conversationID)
}

// execute runs steps in order on tabID while recording them into a fresh
// agent buffer. A failed step is annotated and execution moves on. When
// state is non-nil the conversation is persisted around every step.
func (l *Loop) execute(ctx context.Context, client *llm.Client, state *store.ConversationState,
	tabID, instruction string, steps []store.Step) (*ExecutionResult, error) {
	if len(steps) == 0 {
		return nil, fault.New(fault.MalformedLlmOutput, "no steps to execute")
	}
	startURL := ""
	if page, err := l.tabs.Page(ctx, tabID); err == nil {
		startURL, _ = page.URL(ctx)
	}
	prepare(steps, startURL)

	if err := l.recordings.Open(ctx, tabID); err != nil {
		return nil, err
	}
	l.logger.LogRecording(tabID, "agent-execute", len(steps))

	res := &ExecutionResult{}
	runID := uuid.NewString()
	for i, step := range steps {
		l.persist(ctx, state)
		// buffered before it runs so an interrupted execution keeps it
		if err := l.recordings.Append(ctx, tabID, step); err != nil {
			l.logger.Warnf("agent buffer for tab %s: %v", tabID, err)
		}

		outcome := l.runStep(ctx, tabID, step)
		if !outcome.Result.Success {
			outcome.Step.Metadata = maps.Clone(outcome.Step.Metadata)
			outcome.Step.Annotate(store.MetaFailed, true)
			outcome.Step.Annotate(store.MetaError, outcome.Result.Error)
			if err := l.recordings.Replace(ctx, tabID, i, outcome.Step); err != nil {
				l.logger.Warnf("agent buffer for tab %s: %v", tabID, err)
			}
		}
		res.Outcomes = append(res.Outcomes, outcome.StepOutcome)
		l.logger.LogStep(runID, outcome.Step.ID, string(outcome.Step.Type), outcome.Result.Success, outcome.Result.Error)

		if outcome.Result.Success && step.Type == store.StepClick {
			if l.awaitNavigation(ctx, tabID, outcome.beforeURL) {
				res.Navigated = true
			}
		}
		l.persist(ctx, state)
	}

	if last := steps[len(steps)-1]; client != nil && (last.Type == store.StepClick || last.Type == store.StepWait) && l.wantsReport(instruction) {
		if state != nil {
			state.Phase = store.PhaseAwaitingReport
			l.persist(ctx, state)
		}
		report, err := l.report(ctx, client, state, tabID, instruction)
		if err != nil {
			l.logger.Warnf("report for tab %s: %v", tabID, err)
		}
		res.Report = report
	}

	task, err := l.recordings.Stop(ctx, tabID, taskName(instruction))
	if err != nil {
		return res, err
	}
	res.Task = task
	return res, nil
}

type stepRun struct {
	StepOutcome
	beforeURL string
}

func (l *Loop) runStep(ctx context.Context, tabID string, step store.Step) stepRun {
	page, err := l.tabs.Page(ctx, tabID)
	if err != nil {
		return stepRun{StepOutcome: StepOutcome{Step: step, Result: executor.Result{Error: err.Error(), Code: fault.CodeOf(err)}}}
	}
	before, _ := page.URL(ctx)
	return stepRun{
		StepOutcome: StepOutcome{Step: step, Result: l.exec.Execute(ctx, step, page)},
		beforeURL:   before,
	}
}

// awaitNavigation polls the tab's URL after a click. When the URL changes
// it waits for the document to finish loading, then for the settle delay,
// so the next step resolves against the new page.
func (l *Loop) awaitNavigation(ctx context.Context, tabID, before string) bool {
	for i := 0; i < l.cfg.NavPolls; i++ {
		if executor.Sleep(ctx, l.cfg.PollInterval) != nil {
			return false
		}
		page, err := l.tabs.Page(ctx, tabID)
		if err != nil {
			continue
		}
		url, err := page.URL(ctx)
		if err != nil || url == before {
			continue
		}
		for i := 0; i < l.cfg.NavPolls; i++ {
			if state, err := page.ReadyState(ctx); err == nil && state == "complete" {
				break
			}
			if executor.Sleep(ctx, l.cfg.PollInterval) != nil {
				return true
			}
		}
		_ = executor.Sleep(ctx, l.cfg.SettleDelay)
		return true
	}
	return false
}

func (l *Loop) wantsReport(instruction string) bool {
	lower := strings.ToLower(instruction)
	for _, cue := range l.cfg.ReportCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

func (l *Loop) report(ctx context.Context, client *llm.Client, state *store.ConversationState, tabID, instruction string) (string, error) {
	page, err := l.tabs.Page(ctx, tabID)
	if err != nil {
		return "", err
	}
	src, err := page.HTML(ctx)
	if err != nil {
		return "", err
	}
	url, _ := page.URL(ctx)
	content, err := pagedom.Content(src, url)
	if err != nil {
		return "", err
	}
	convID := ""
	if state != nil {
		convID = state.ID
	}
	return client.Report(ctx, convID, instruction, content)
}

func (l *Loop) persist(ctx context.Context, state *store.ConversationState) {
	if state == nil {
		return
	}
	if err := l.convs.Save(ctx, *state); err != nil {
		l.logger.Warnf("conversation %s: persist: %v", state.ID, err)
	}
}

// prepare assigns ids and a default url hint.
func prepare(steps []store.Step, url string) {
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.NewString()
		}
		if steps[i].URLHint == "" {
			steps[i].URLHint = url
		}
	}
}

func taskName(instruction string) string {
	name := strings.Join(strings.Fields(instruction), " ")
	if utf8.RuneCountInString(name) > 60 {
		name = string([]rune(name)[:57]) + "..."
	}
	return "Assistant: " + name
}

func summarize(res *ExecutionResult) string {
	total := len(res.Outcomes)
	failed := res.Failed()
	var b strings.Builder
	if failed == 0 {
		fmt.Fprintf(&b, "Ran %d step(s) successfully.", total)
	} else {
		fmt.Fprintf(&b, "Ran %d step(s), %d failed:", total, failed)
		for i, o := range res.Outcomes {
			if !o.Result.Success {
				fmt.Fprintf(&b, "\n- step %d (%s): %s", i+1, o.Step.Type, o.Result.Error)
			}
		}
	}
	if res.Task != nil {
		fmt.Fprintf(&b, "\nSaved as task %q.", res.Task.Name)
	}
	return b.String()
}

func joinReply(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
