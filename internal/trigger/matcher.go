// Package trigger decides which flows auto-run on a navigation or a named
// keyboard command.
package trigger

import (
	"context"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
)

const defaultPatternCacheSize = 256

// Launcher starts a flow without waiting for it. *flow.Runner satisfies it.
type Launcher interface {
	RunAsync(ctx context.Context, flowID, tabID string, cause store.RunCause)
}

type Matcher struct {
	repo     *store.Repository
	launcher Launcher
	logger   *observability.Logger
	patterns *lru.Cache[string, *regexp.Regexp]
}

func NewMatcher(repo *store.Repository, launcher Launcher, logger *observability.Logger) *Matcher {
	cache, err := lru.New[string, *regexp.Regexp](defaultPatternCacheSize)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &Matcher{
		repo:     repo,
		launcher: launcher,
		logger:   observability.OrNop(logger),
		patterns: cache,
	}
}

// Matches tests url against pattern. The pattern is a regular expression;
// one that does not compile is treated as a plain substring.
func (m *Matcher) Matches(pattern, url string) bool {
	if pattern == "" {
		return false
	}
	re, ok := m.patterns.Get(pattern)
	if !ok {
		re, _ = regexp.Compile(pattern)
		m.patterns.Add(pattern, re)
	}
	if re == nil {
		return strings.Contains(url, pattern)
	}
	return re.MatchString(url)
}

// OnNavigationComplete fires every enabled flow matched by an enabled URL
// trigger or by the flow's own auto-run patterns. A flow fires at most once
// per call however many patterns match it. It returns the fired flow ids.
func (m *Matcher) OnNavigationComplete(ctx context.Context, tabID, url string) ([]string, error) {
	flows, err := m.repo.Flows(ctx)
	if err != nil {
		return nil, err
	}
	triggers, err := m.repo.Triggers(ctx)
	if err != nil {
		return nil, err
	}

	enabled := make(map[string]bool, len(flows))
	for _, f := range flows {
		enabled[f.ID] = f.Enabled
	}

	var fired []string
	seen := make(map[string]bool)
	fire := func(flowID, match string) {
		if seen[flowID] {
			return
		}
		seen[flowID] = true
		fired = append(fired, flowID)
		m.logger.LogTrigger(tabID, string(store.TriggerURL), match, flowID)
		m.launcher.RunAsync(ctx, flowID, tabID, store.CauseURL)
	}

	for _, t := range triggers {
		if !t.Enabled || t.Type != store.TriggerURL || !enabled[t.FlowID] {
			continue
		}
		if m.Matches(t.URLPattern, url) {
			fire(t.FlowID, t.URLPattern)
		}
	}
	for _, f := range flows {
		if !f.Enabled {
			continue
		}
		for _, p := range f.AutoRunURLPatterns {
			if m.Matches(p, url) {
				fire(f.ID, p)
				break
			}
		}
	}
	return fired, nil
}

// OnCommand fires every enabled shortcut trigger bound to name on the
// active tab. The bound flow must exist and be enabled.
func (m *Matcher) OnCommand(ctx context.Context, name string) ([]string, error) {
	flows, err := m.repo.Flows(ctx)
	if err != nil {
		return nil, err
	}
	triggers, err := m.repo.Triggers(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(flows))
	for _, f := range flows {
		enabled[f.ID] = f.Enabled
	}

	var fired []string
	seen := make(map[string]bool)
	for _, t := range triggers {
		if !t.Enabled || t.Type != store.TriggerShortcut || t.Shortcut != name {
			continue
		}
		if !enabled[t.FlowID] || seen[t.FlowID] {
			continue
		}
		seen[t.FlowID] = true
		fired = append(fired, t.FlowID)
		m.logger.LogTrigger("", string(store.TriggerShortcut), name, t.FlowID)
		m.launcher.RunAsync(ctx, t.FlowID, "", store.CauseShortcut)
	}
	return fired, nil
}
