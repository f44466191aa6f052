package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/browser"
	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
)

// Messenger defines the interface for chat gateways (Telegram, Discord).
type Messenger interface {
	// Name prefixes the conversation ids this gateway owns.
	Name() string
	// Start runs the receive loop until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	Stop() error
}

// Controller is the recorder as the chat commands see it. Operations
// without a tab argument work on the active tab.
type Controller interface {
	OpenTab(ctx context.Context, url string) (string, error)
	StartRecording(ctx context.Context) (string, error)
	StopRecording(ctx context.Context, name string) (*store.Task, error)
	DiscardRecording(ctx context.Context) error
	RunFlow(ctx context.Context, ref string) (*store.FlowRunLog, error)
	RunShortcut(ctx context.Context, name string) ([]string, error)
	Tasks(ctx context.Context) ([]store.Task, error)
	Flows(ctx context.Context) ([]store.Flow, error)
	Logs(ctx context.Context) ([]store.FlowRunLog, error)
	ClearLogs(ctx context.Context) error
	Converse(ctx context.Context, conversationID, text string) (*agent.TurnResult, error)
	DiscardConversation(ctx context.Context, conversationID string) error

	Tabs(ctx context.Context) ([]browser.TabInfo, error)
	SwitchTab(ctx context.Context, ref string) (string, error)
	Navigate(ctx context.Context, url string) (string, error)
	DeleteTask(ctx context.Context, ref string) (*store.Task, error)
	DeleteFlow(ctx context.Context, ref string) (*store.Flow, error)
	SetFlowEnabled(ctx context.Context, ref string, enabled bool) (*store.Flow, error)
	Triggers(ctx context.Context) ([]store.Trigger, error)
	AddTrigger(ctx context.Context, flowRef string, typ store.TriggerType, value string) (*store.Trigger, error)
	DeleteTrigger(ctx context.Context, ref string) (*store.Trigger, error)
	SetTriggerEnabled(ctx context.Context, ref string, enabled bool) (*store.Trigger, error)
	LLMSettings(ctx context.Context) (*store.LLMSettings, error)
	SetLLMSettings(ctx context.Context, settings store.LLMSettings) error
}

const helpText = `Commands:
/open <url> - open a tab
/tabs - list tabs; /switch <n> - make tab n active
/goto <url> - load url in the active tab
/record - start recording the active tab
/stop [name] - stop recording and save a task
/discard - drop the current recording
/run <flow> - run a flow on the active tab
/shortcut <name> - fire a keyboard shortcut trigger
/tasks, /flows, /triggers, /logs - list saved items
/deltask <task>, /delflow <flow> - delete (a flow takes its triggers along)
/enable <flow>, /disable <flow> - switch a flow's triggers on or off
/trigger <flow> url <pattern> | shortcut <name> - bind a flow
/deltrigger <n>, /enabletrigger <n>, /disabletrigger <n>
/llm [off | <provider> <model> [api key]] - show or change the assistant
/clearlogs - delete run logs
/clear - forget this conversation
/status - show what the recorder is doing
Anything else is sent to the assistant.`

// ConversationID is the id of the conversation held in chatID on the
// named gateway.
func ConversationID(gateway, chatID string) string {
	return gateway + ":" + chatID
}

// SplitConversationID reverses ConversationID.
func SplitConversationID(id string) (gateway, chatID string, ok bool) {
	return strings.Cut(id, ":")
}

// Dispatcher turns chat messages into controller calls and renders the
// replies. It is shared by every gateway.
type Dispatcher struct {
	ctrl   Controller
	logger *observability.Logger
}

func NewDispatcher(ctrl Controller, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{ctrl: ctrl, logger: observability.OrNop(logger)}
}

// Handle answers one message from chatID on gateway.
func (d *Dispatcher) Handle(ctx context.Context, gateway, chatID, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if !strings.HasPrefix(text, "/") {
		res, err := d.ctrl.Converse(ctx, ConversationID(gateway, chatID), text)
		if err != nil {
			return d.failure("assistant", err)
		}
		if res.Reply == "" {
			return "Done."
		}
		return res.Reply
	}

	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	// Telegram appends the bot name in groups: /run@stepwise_bot
	cmd, _, _ = strings.Cut(strings.ToLower(cmd), "@")

	switch cmd {
	case "/start", "/help":
		return helpText
	case "/open":
		tabID, err := d.ctrl.OpenTab(ctx, arg)
		if err != nil {
			return d.failure(cmd, err)
		}
		return fmt.Sprintf("Opened tab %s.", tabID)
	case "/record":
		tabID, err := d.ctrl.StartRecording(ctx)
		if err != nil {
			return d.failure(cmd, err)
		}
		return fmt.Sprintf("Recording tab %s. Send /stop <name> when done.", tabID)
	case "/stop":
		task, err := d.ctrl.StopRecording(ctx, arg)
		if err != nil {
			return d.failure(cmd, err)
		}
		return fmt.Sprintf("Saved task %q with %d step(s).", task.Name, len(task.Steps))
	case "/discard":
		if err := d.ctrl.DiscardRecording(ctx); err != nil {
			return d.failure(cmd, err)
		}
		return "Recording discarded."
	case "/run":
		if arg == "" {
			return "Usage: /run <flow name or id>"
		}
		log, err := d.ctrl.RunFlow(ctx, arg)
		if err != nil {
			return d.failure(cmd, err)
		}
		return formatRun(log)
	case "/shortcut":
		if arg == "" {
			return "Usage: /shortcut <name>"
		}
		started, err := d.ctrl.RunShortcut(ctx, arg)
		if err != nil {
			return d.failure(cmd, err)
		}
		if len(started) == 0 {
			return fmt.Sprintf("No flow is bound to %q.", arg)
		}
		return fmt.Sprintf("Started %d flow(s).", len(started))
	case "/tasks":
		tasks, err := d.ctrl.Tasks(ctx)
		if err != nil {
			return d.failure(cmd, err)
		}
		return formatTasks(tasks)
	case "/flows":
		flows, err := d.ctrl.Flows(ctx)
		if err != nil {
			return d.failure(cmd, err)
		}
		return formatFlows(flows)
	case "/logs":
		logs, err := d.ctrl.Logs(ctx)
		if err != nil {
			return d.failure(cmd, err)
		}
		return formatLogs(logs)
	case "/clearlogs":
		if err := d.ctrl.ClearLogs(ctx); err != nil {
			return d.failure(cmd, err)
		}
		return "Run logs cleared."
	case "/clear":
		if err := d.ctrl.DiscardConversation(ctx, ConversationID(gateway, chatID)); err != nil {
			return d.failure(cmd, err)
		}
		return "Conversation cleared."
	case "/status":
		return formatStatus(observability.GetStatus())
	}
	if reply, ok := d.manage(ctx, cmd, arg); ok {
		return reply
	}
	return fmt.Sprintf("Unknown command %s. Send /help for the list.", cmd)
}

// manage handles the tab, catalogue and settings commands.
func (d *Dispatcher) manage(ctx context.Context, cmd, arg string) (string, bool) {
	needArg := func(usage string) (string, bool) {
		return "Usage: " + usage, true
	}
	switch cmd {
	case "/tabs":
		tabs, err := d.ctrl.Tabs(ctx)
		if err != nil {
			return d.failure(cmd, err), true
		}
		return formatTabs(tabs), true
	case "/switch":
		if arg == "" {
			return needArg("/switch <tab number or id>")
		}
		tabID, err := d.ctrl.SwitchTab(ctx, arg)
		if err != nil {
			return d.failure(cmd, err), true
		}
		return fmt.Sprintf("Tab %s is active.", tabID), true
	case "/goto":
		if arg == "" {
			return needArg("/goto <url>")
		}
		tabID, err := d.ctrl.Navigate(ctx, arg)
		if err != nil {
			return d.failure(cmd, err), true
		}
		return fmt.Sprintf("Tab %s is loading %s.", tabID, arg), true
	case "/deltask":
		if arg == "" {
			return needArg("/deltask <task name, id or number>")
		}
		t, err := d.ctrl.DeleteTask(ctx, arg)
		if err != nil {
			return d.failure(cmd, err), true
		}
		return fmt.Sprintf("Deleted task %q.", t.Name), true
	case "/delflow":
		if arg == "" {
			return needArg("/delflow <flow name or id>")
		}
		f, err := d.ctrl.DeleteFlow(ctx, arg)
		if err != nil {
			return d.failure(cmd, err), true
		}
		return fmt.Sprintf("Deleted flow %q and its triggers.", f.Name), true
	case "/enable", "/disable":
		if arg == "" {
			return needArg(cmd + " <flow name or id>")
		}
		f, err := d.ctrl.SetFlowEnabled(ctx, arg, cmd == "/enable")
		if err != nil {
			return d.failure(cmd, err), true
		}
		return fmt.Sprintf("Flow %q is %s.", f.Name, enabledWord(f.Enabled)), true
	case "/triggers":
		triggers, err := d.ctrl.Triggers(ctx)
		if err != nil {
			return d.failure(cmd, err), true
		}
		flows, err := d.ctrl.Flows(ctx)
		if err != nil {
			return d.failure(cmd, err), true
		}
		return formatTriggers(triggers, flows), true
	case "/trigger":
		fields := strings.Fields(arg)
		if len(fields) < 3 {
			return needArg("/trigger <flow> url <pattern> | /trigger <flow> shortcut <name>")
		}
		n := len(fields)
		typ := store.TriggerType(strings.ToLower(fields[n-2]))
		if typ != store.TriggerURL && typ != store.TriggerShortcut {
			return needArg("/trigger <flow> url <pattern> | /trigger <flow> shortcut <name>")
		}
		t, err := d.ctrl.AddTrigger(ctx, strings.Join(fields[:n-2], " "), typ, fields[n-1])
		if err != nil {
			return d.failure(cmd, err), true
		}
		return fmt.Sprintf("Added %s trigger [%s].", t.Type, t.ID), true
	case "/deltrigger":
		if arg == "" {
			return needArg("/deltrigger <trigger number or id>")
		}
		t, err := d.ctrl.DeleteTrigger(ctx, arg)
		if err != nil {
			return d.failure(cmd, err), true
		}
		return fmt.Sprintf("Deleted %s trigger [%s].", t.Type, t.ID), true
	case "/enabletrigger", "/disabletrigger":
		if arg == "" {
			return needArg(cmd + " <trigger number or id>")
		}
		t, err := d.ctrl.SetTriggerEnabled(ctx, arg, cmd == "/enabletrigger")
		if err != nil {
			return d.failure(cmd, err), true
		}
		return fmt.Sprintf("Trigger [%s] is %s.", t.ID, enabledWord(t.Enabled)), true
	case "/llm":
		return d.llm(ctx, arg), true
	}
	return "", false
}

func (d *Dispatcher) llm(ctx context.Context, arg string) string {
	current, err := d.ctrl.LLMSettings(ctx)
	if err != nil {
		return d.failure("/llm", err)
	}
	fields := strings.Fields(arg)
	switch {
	case len(fields) == 0:
		if current == nil {
			return "The assistant is not configured."
		}
		return fmt.Sprintf("Assistant: %s %s (%s)", current.Provider, current.Model, enabledWord(current.Enabled))
	case len(fields) == 1 && strings.EqualFold(fields[0], "off"):
		next := store.LLMSettings{}
		if current != nil {
			next = *current
		}
		next.Enabled = false
		if err := d.ctrl.SetLLMSettings(ctx, next); err != nil {
			return d.failure("/llm", err)
		}
		return "Assistant disabled."
	case len(fields) >= 2:
		next := store.LLMSettings{Enabled: true, Provider: fields[0], Model: fields[1]}
		if len(fields) > 2 {
			next.APIKey = fields[2]
		} else if current != nil && strings.EqualFold(current.Provider, fields[0]) {
			next.APIKey, next.BaseURL = current.APIKey, current.BaseURL
		}
		if err := d.ctrl.SetLLMSettings(ctx, next); err != nil {
			return d.failure("/llm", err)
		}
		return fmt.Sprintf("Assistant set to %s %s.", strings.ToLower(next.Provider), next.Model)
	}
	return "Usage: /llm [off | <provider> <model> [api key]]"
}

func (d *Dispatcher) failure(what string, err error) string {
	d.logger.Warnf("%s: %v", what, err)
	switch fault.CodeOf(err) {
	case fault.NoActiveTab:
		return "No browser tab is open. Use /open <url> first."
	case fault.LlmDisabled:
		return "The assistant is disabled. Enable an LLM provider in the settings."
	case fault.LlmUnauthorized:
		return "The LLM provider rejected the API key."
	case fault.NotRecording:
		return "The active tab is not recording."
	case fault.RecordingActive:
		return "The active tab is already recording."
	case fault.NotFound:
		return "Not found: " + err.Error()
	}
	return "Error: " + err.Error()
}

func formatRun(log *store.FlowRunLog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Flow %q finished: %s (%d step(s))", log.FlowName, log.Status, len(log.Steps))
	for _, s := range log.Steps {
		if s.Status == store.StatusFailed {
			fmt.Fprintf(&b, "\nfailed %s step: %s", s.Type, s.Error)
		}
	}
	return b.String()
}

func formatTasks(tasks []store.Task) string {
	if len(tasks) == 0 {
		return "No tasks yet. Use /record to capture one."
	}
	var b strings.Builder
	b.WriteString("Tasks:")
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n- %s (%d step(s)) [%s]", t.Name, len(t.Steps), t.ID)
	}
	return b.String()
}

func formatFlows(flows []store.Flow) string {
	if len(flows) == 0 {
		return "No flows yet."
	}
	var b strings.Builder
	b.WriteString("Flows:")
	for _, f := range flows {
		fmt.Fprintf(&b, "\n- %s (%d task(s), %s) [%s]", f.Name, len(f.TaskIDs), enabledWord(f.Enabled), f.ID)
	}
	return b.String()
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func formatTabs(tabs []browser.TabInfo) string {
	if len(tabs) == 0 {
		return "No tabs open."
	}
	var b strings.Builder
	b.WriteString("Tabs:")
	for i, t := range tabs {
		mark := ""
		if t.Active {
			mark = " (active)"
		}
		fmt.Fprintf(&b, "\n%d. %s%s", i+1, t.URL, mark)
	}
	return b.String()
}

func formatTriggers(triggers []store.Trigger, flows []store.Flow) string {
	if len(triggers) == 0 {
		return "No triggers yet."
	}
	names := make(map[string]string, len(flows))
	for _, f := range flows {
		names[f.ID] = f.Name
	}
	var b strings.Builder
	b.WriteString("Triggers:")
	for i, t := range triggers {
		value := t.URLPattern
		if t.Type == store.TriggerShortcut {
			value = t.Shortcut
		}
		flow := names[t.FlowID]
		if flow == "" {
			flow = t.FlowID
		}
		fmt.Fprintf(&b, "\n%d. %s %q -> %s (%s)", i+1, t.Type, value, flow, enabledWord(t.Enabled))
	}
	return b.String()
}

func formatLogs(logs []store.FlowRunLog) string {
	if len(logs) == 0 {
		return "No runs logged."
	}
	var b strings.Builder
	b.WriteString("Recent runs:")
	start := max(0, len(logs)-10)
	for _, l := range logs[start:] {
		fmt.Fprintf(&b, "\n- %s %s via %s: %s", l.StartedAt.Format(time.DateTime), l.FlowName, l.TriggeredBy, l.Status)
	}
	return b.String()
}

func formatStatus(s observability.Snapshot) string {
	out := fmt.Sprintf("Role: %s\nActive runs: %d (ok %d, failed %d)", s.Role, s.ActiveRuns, s.RunsSucceeded, s.RunsFailed)
	if s.ActiveTask != "" {
		out += "\nWorking on: " + s.ActiveTask
	}
	return out
}

// Restorer routes conversation restores to the gateway that owns the
// conversation.
type Restorer struct {
	gateways map[string]Messenger
}

func NewRestorer(gateways ...Messenger) *Restorer {
	r := &Restorer{gateways: make(map[string]Messenger)}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Restore resends the tail of the conversation to its chat.
func (r *Restorer) Restore(ctx context.Context, state store.ConversationState) error {
	name, chatID, ok := SplitConversationID(state.ID)
	if !ok {
		return fmt.Errorf("conversation %s has no gateway prefix", state.ID)
	}
	g, ok := r.gateways[name]
	if !ok {
		return fmt.Errorf("gateway %s is not running", name)
	}
	return g.Send(chatID, Transcript(state, 4))
}

// Transcript renders the last n messages of a conversation.
func Transcript(state store.ConversationState, n int) string {
	msgs := state.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	var b strings.Builder
	b.WriteString("Page changed, resuming our conversation:")
	for _, m := range msgs {
		who := "you"
		if m.Role == store.RoleAssistant {
			who = "assistant"
		}
		fmt.Fprintf(&b, "\n[%s] %s", who, m.Content)
	}
	if state.IsActive {
		b.WriteString("\n(still working on it)")
	}
	return b.String()
}
