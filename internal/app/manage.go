package app

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rahul/stepwise/internal/browser"
	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/store"
)

// DeleteTask removes a task. Flows keep their reference and skip it at run
// time.
func (s *Service) DeleteTask(ctx context.Context, ref string) (*store.Task, error) {
	tasks, err := s.repo.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	id, err := resolveTask(tasks, ref)
	if err != nil {
		return nil, err
	}
	task, err := s.repo.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.DeleteTask(ctx, id); err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteFlow removes a flow together with its triggers.
func (s *Service) DeleteFlow(ctx context.Context, ref string) (*store.Flow, error) {
	f, err := s.runner.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.repo.DeleteFlow(ctx, f.ID); err != nil {
		return nil, err
	}
	return f, nil
}

// SetFlowEnabled switches a flow on or off. A disabled flow is skipped by
// every trigger but can still be run by hand.
func (s *Service) SetFlowEnabled(ctx context.Context, ref string, enabled bool) (*store.Flow, error) {
	f, err := s.runner.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	f.Enabled = enabled
	if err := s.repo.SaveFlow(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) Triggers(ctx context.Context) ([]store.Trigger, error) {
	return s.repo.Triggers(ctx)
}

// resolveTrigger finds a trigger by id or by its 1-based position in the
// list.
func resolveTrigger(triggers []store.Trigger, ref string) (*store.Trigger, error) {
	ref = strings.TrimSpace(ref)
	for i := range triggers {
		if triggers[i].ID == ref {
			return &triggers[i], nil
		}
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(triggers) {
		return &triggers[n-1], nil
	}
	return nil, fault.New(fault.NotFound, "no trigger %q", ref)
}

func (s *Service) DeleteTrigger(ctx context.Context, ref string) (*store.Trigger, error) {
	triggers, err := s.repo.Triggers(ctx)
	if err != nil {
		return nil, err
	}
	t, err := resolveTrigger(triggers, ref)
	if err != nil {
		return nil, err
	}
	if err := s.repo.DeleteTrigger(ctx, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) SetTriggerEnabled(ctx context.Context, ref string, enabled bool) (*store.Trigger, error) {
	triggers, err := s.repo.Triggers(ctx)
	if err != nil {
		return nil, err
	}
	t, err := resolveTrigger(triggers, ref)
	if err != nil {
		return nil, err
	}
	t.Enabled = enabled
	if err := s.repo.SaveTrigger(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// LLMSettings returns the settings in effect, persisted or from config.
func (s *Service) LLMSettings(ctx context.Context) (*store.LLMSettings, error) {
	return s.llm.Settings(ctx)
}

// SetLLMSettings persists the assistant's provider settings. Enabled
// settings must name a supported provider and pass the key check.
func (s *Service) SetLLMSettings(ctx context.Context, settings store.LLMSettings) error {
	settings.Provider = strings.ToLower(strings.TrimSpace(settings.Provider))
	if settings.Enabled {
		if !llm.Supported(settings.Provider) {
			return fault.New(fault.LlmDisabled, "provider %q is not supported", settings.Provider)
		}
		if err := llm.Check(&settings); err != nil {
			return err
		}
	}
	return s.repo.SaveLLMSettings(ctx, settings)
}

func (s *Service) Tabs(ctx context.Context) ([]browser.TabInfo, error) {
	active, _ := s.browser.ActiveTab(ctx)
	var out []browser.TabInfo
	for _, id := range s.browser.TabIDs() {
		info := browser.TabInfo{ID: id, Active: id == active}
		if p, err := s.browser.Page(ctx, id); err == nil {
			info.URL, _ = p.URL(ctx)
		}
		out = append(out, info)
	}
	return out, nil
}

// SwitchTab makes the tab with id ref, or at 1-based position ref in Tabs,
// the active one.
func (s *Service) SwitchTab(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	ids := s.browser.TabIDs()
	target := ""
	for _, id := range ids {
		if id == ref {
			target = id
		}
	}
	if n, err := strconv.Atoi(ref); target == "" && err == nil && n >= 1 && n <= len(ids) {
		target = ids[n-1]
	}
	if target == "" {
		return "", fault.New(fault.NoActiveTab, "no tab %q", ref)
	}
	if err := s.browser.Activate(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}

// Navigate loads url in the active tab.
func (s *Service) Navigate(ctx context.Context, url string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", errors.New("url is required")
	}
	tabID, err := s.browser.ActiveTab(ctx)
	if err != nil {
		return "", err
	}
	return tabID, s.browser.Navigate(ctx, tabID, url)
}
