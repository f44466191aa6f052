// Package app wires the recorder together: storage, the browser, capture,
// replay, triggers and the assistant. Gateways and the CLI talk to it
// through Service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/browser"
	"github.com/rahul/stepwise/internal/capture"
	"github.com/rahul/stepwise/internal/executor"
	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/flow"
	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/recording"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/trigger"
	"github.com/rahul/stepwise/pkg/config"
	"github.com/tmc/langchaingo/llms"
)

// Browser is the tab host. *ChromeBrowser is the real one.
type Browser interface {
	OpenTab(ctx context.Context, url string) (string, error)
	ActiveTab(ctx context.Context) (string, error)
	Page(ctx context.Context, tabID string) (agent.Page, error)
	TabIDs() []string
	Activate(ctx context.Context, tabID string) error
	Navigate(ctx context.Context, tabID, url string) error
	SetHandlers(h browser.Handlers)
	Close()
}

// Options replaces collaborators that are built from config by default.
type Options struct {
	Browser      Browser
	KV           store.KV
	ModelFactory func(*store.LLMSettings) (llms.Model, error)
}

type Service struct {
	cfg    *config.Config
	logger *observability.Logger

	kv         store.KV
	repo       *store.Repository
	browser    Browser
	recordings *recording.Manager
	runner     *flow.Runner
	matcher    *trigger.Matcher
	convs      *agent.ConversationCache
	loop       *agent.Loop
	llm        *llm.Source

	mu        sync.Mutex
	capturers map[string]*capture.Capturer
	resumer   *agent.Resumer
}

func New(cfg *config.Config, opts Options, logger *observability.Logger) (*Service, error) {
	logger = observability.OrNop(logger)

	kv := opts.KV
	if kv == nil {
		var err error
		if kv, err = OpenKV(cfg.Memory); err != nil {
			return nil, err
		}
	}
	repo := store.NewRepository(kv, store.WithMaxLogs(cfg.Logs.MaxRunLogs))

	policy, err := NewPolicy(cfg.Governance)
	if err != nil {
		return nil, err
	}
	exec := executor.New(executor.Config{
		Attempts:    cfg.Executor.Attempts,
		Interval:    cfg.Executor.Interval,
		DefaultWait: cfg.Executor.DefaultWait,
	}, policy)

	b := opts.Browser
	if b == nil {
		b = NewChromeBrowser(browser.Config(cfg.Browser), logger)
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		kv:        kv,
		repo:      repo,
		browser:   b,
		capturers: make(map[string]*capture.Capturer),
	}
	s.recordings = recording.NewManager(repo, logger)
	s.runner = flow.NewRunner(repo, flowTabs{b}, exec, logger)
	s.matcher = trigger.NewMatcher(repo, s.runner, logger)
	s.convs = agent.NewConversationCache(repo)

	s.llm = llm.NewSource(repo, FallbackLLMSettings(cfg), llm.NewPromptManager(cfg.App.PromptsDir), logger)
	if opts.ModelFactory != nil {
		s.llm.WithModelFactory(opts.ModelFactory)
	}
	s.loop = agent.NewLoop(agent.Config{
		NavPolls:     cfg.Agent.NavPolls,
		PollInterval: cfg.Agent.PollInterval,
		SettleDelay:  cfg.Agent.SettleDelay,
	}, repo, agentTabs{b}, exec, s.llm, s.recordings, s.convs, logger)
	return s, nil
}

// OpenKV opens the configured store.
func OpenKV(cfg config.MemoryConfig) (store.KV, error) {
	switch cfg.Type {
	case "memory":
		return store.NewMemoryKV(), nil
	case "", "sqlite":
		return store.NewSQLiteKV(cfg.Path)
	}
	return nil, fmt.Errorf("unknown memory type %q", cfg.Type)
}

// NewPolicy builds the custom-script policy from config.
func NewPolicy(cfg config.GovernanceConfig) (*governance.DefaultPolicyEngine, error) {
	p := governance.NewDefaultPolicyEngine()
	if cfg.DisableScripts {
		p.DenyStepType(string(store.StepRunScript))
	}
	for _, pattern := range cfg.DenyScripts {
		if err := p.DenyPayload(pattern); err != nil {
			return nil, fmt.Errorf("governance.deny_scripts: %w", err)
		}
	}
	for _, pattern := range cfg.DenyURLs {
		if err := p.DenyURL(pattern); err != nil {
			return nil, fmt.Errorf("governance.deny_urls: %w", err)
		}
	}
	return p, nil
}

// FallbackLLMSettings turns the first enabled provider into the settings
// used until the user saves their own.
func FallbackLLMSettings(cfg *config.Config) *store.LLMSettings {
	name, p := cfg.GetDefaultProvider()
	if name == "" {
		return nil
	}
	return &store.LLMSettings{Enabled: true, Provider: name, APIKey: p.APIKey, Model: p.Model, BaseURL: p.BaseURL}
}

// Init loads persisted recordings and conversations and subscribes to tab
// events. ui receives restored conversations and may be nil.
func (s *Service) Init(ctx context.Context, ui agent.UI) error {
	if err := s.recordings.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate recordings: %w", err)
	}
	if err := s.convs.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate conversations: %w", err)
	}
	if ui != nil {
		s.mu.Lock()
		s.resumer = agent.NewResumer(s.convs, ui, s.logger).WithRetry(s.cfg.Agent.RestoreAttempts, s.cfg.Agent.RestoreInterval)
		s.mu.Unlock()
	}
	s.browser.SetHandlers(browser.Handlers{
		OnLoad:    func(tabID, url string) { s.onLoad(context.Background(), tabID, url) },
		OnCapture: s.onCapture,
	})
	return nil
}

func (s *Service) onLoad(ctx context.Context, tabID, url string) {
	if _, err := s.matcher.OnNavigationComplete(ctx, tabID, url); err != nil {
		s.logger.Warnf("triggers for %s: %v", url, err)
	}
	s.mu.Lock()
	r := s.resumer
	s.mu.Unlock()
	if r != nil {
		r.OnTabLoaded(ctx, tabID)
	}
}

func (s *Service) onCapture(tabID, payload string) {
	s.mu.Lock()
	c := s.capturers[tabID]
	s.mu.Unlock()
	if c == nil {
		return
	}
	ev, err := capture.ParseRawEvent(payload)
	if err != nil {
		s.logger.Warnf("tab %s: bad capture payload: %v", tabID, err)
		return
	}
	if _, err := c.Handle(ev); err != nil {
		s.logger.Errorf("tab %s: record %s: %v", tabID, ev.Type, err)
	}
}

func (s *Service) Repository() *store.Repository { return s.repo }

func (s *Service) Runner() *flow.Runner { return s.runner }

func (s *Service) Loop() *agent.Loop { return s.loop }

func (s *Service) OpenTab(ctx context.Context, url string) (string, error) {
	return s.browser.OpenTab(ctx, url)
}

func (s *Service) StartRecording(ctx context.Context) (string, error) {
	tabID, err := s.browser.ActiveTab(ctx)
	if err != nil {
		return "", err
	}
	if _, err := s.recordings.Start(ctx, tabID); err != nil {
		return "", err
	}
	s.mu.Lock()
	c, ok := s.capturers[tabID]
	if !ok {
		c = capture.New(tabID, capture.SinkFunc(func(tabID string, step store.Step) error {
			return s.recordings.Append(context.Background(), tabID, step)
		}))
		s.capturers[tabID] = c
	}
	s.mu.Unlock()
	c.Start()
	observability.SetStatus(observability.RoleRecording, tabID)
	return tabID, nil
}

// recordingTab picks the active tab when it is recording, otherwise the
// only tab with a live capturer.
func (s *Service) recordingTab(ctx context.Context) (string, error) {
	if tabID, err := s.browser.ActiveTab(ctx); err == nil && s.recordings.Active(tabID) {
		return tabID, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []string
	for id, c := range s.capturers {
		if c.State() == capture.Recording {
			live = append(live, id)
		}
	}
	if len(live) == 1 {
		return live[0], nil
	}
	return "", fault.New(fault.NotRecording, "no tab is recording")
}

func (s *Service) stopCapture(tabID string) {
	s.mu.Lock()
	c := s.capturers[tabID]
	delete(s.capturers, tabID)
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
	observability.SetStatus(observability.RoleIdle, "")
}

func (s *Service) StopRecording(ctx context.Context, name string) (*store.Task, error) {
	tabID, err := s.recordingTab(ctx)
	if err != nil {
		return nil, err
	}
	s.stopCapture(tabID)
	return s.recordings.Stop(ctx, tabID, name)
}

func (s *Service) DiscardRecording(ctx context.Context) error {
	tabID, err := s.recordingTab(ctx)
	if err != nil {
		return err
	}
	s.stopCapture(tabID)
	return s.recordings.Discard(ctx, tabID)
}

// RunFlow replays the flow named or identified by ref on the active tab
// and waits for it.
func (s *Service) RunFlow(ctx context.Context, ref string) (*store.FlowRunLog, error) {
	f, err := s.runner.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	observability.SetStatus(observability.RoleReplaying, f.Name)
	defer observability.SetStatus(observability.RoleIdle, "")
	return s.runner.Run(ctx, f.ID, "", store.CauseManual)
}

func (s *Service) RunShortcut(ctx context.Context, name string) ([]string, error) {
	return s.matcher.OnCommand(ctx, name)
}

func (s *Service) Tasks(ctx context.Context) ([]store.Task, error) { return s.repo.Tasks(ctx) }

func (s *Service) Flows(ctx context.Context) ([]store.Flow, error) { return s.repo.Flows(ctx) }

func (s *Service) Logs(ctx context.Context) ([]store.FlowRunLog, error) { return s.repo.Logs(ctx) }

func (s *Service) ClearLogs(ctx context.Context) error { return s.repo.ClearLogs(ctx) }

func (s *Service) Converse(ctx context.Context, conversationID, text string) (*agent.TurnResult, error) {
	tabID, err := s.browser.ActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	return s.loop.HandleTurn(ctx, conversationID, tabID, text)
}

func (s *Service) DiscardConversation(ctx context.Context, conversationID string) error {
	return s.loop.Discard(ctx, conversationID)
}

// CreateFlow saves a flow over the tasks named or identified by taskRefs.
func (s *Service) CreateFlow(ctx context.Context, name string, taskRefs, patterns []string) (*store.Flow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("flow name is required")
	}
	tasks, err := s.repo.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	f := &store.Flow{Name: name, AutoRunURLPatterns: patterns, Enabled: true}
	for _, ref := range taskRefs {
		id, err := resolveTask(tasks, ref)
		if err != nil {
			return nil, err
		}
		f.TaskIDs = append(f.TaskIDs, id)
	}
	if err := s.repo.SaveFlow(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func resolveTask(tasks []store.Task, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	for _, t := range tasks {
		if t.ID == ref {
			return t.ID, nil
		}
	}
	for _, t := range tasks {
		if strings.EqualFold(t.Name, ref) {
			return t.ID, nil
		}
	}
	// 1-based position as listed by /tasks
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(tasks) {
		return tasks[n-1].ID, nil
	}
	return "", fault.New(fault.NotFound, "no task %q", ref)
}

// AddTrigger binds the flow ref to a URL pattern or a shortcut name.
func (s *Service) AddTrigger(ctx context.Context, flowRef string, typ store.TriggerType, value string) (*store.Trigger, error) {
	f, err := s.runner.Resolve(ctx, flowRef)
	if err != nil {
		return nil, err
	}
	t := &store.Trigger{FlowID: f.ID, Type: typ, Enabled: true}
	switch typ {
	case store.TriggerURL:
		t.URLPattern = value
	case store.TriggerShortcut:
		t.Shortcut = value
	default:
		return nil, fmt.Errorf("unknown trigger type %q", typ)
	}
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("%s trigger needs a value", typ)
	}
	if err := s.repo.SaveTrigger(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Export writes tasks, flows and triggers to w.
func (s *Service) Export(ctx context.Context, w io.Writer, format string) error {
	p, err := s.repo.Export(ctx)
	if err != nil {
		return err
	}
	return store.EncodePayload(w, p, format)
}

func (s *Service) Import(ctx context.Context, r io.Reader, format string, mode store.ImportMode) error {
	p, err := store.DecodePayload(r, format)
	if err != nil {
		return err
	}
	return s.repo.Import(ctx, p, mode)
}

// Close waits for background flow runs, then releases the browser and the
// store.
func (s *Service) Close() error {
	s.runner.Wait()
	s.browser.Close()
	if c, ok := s.kv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
