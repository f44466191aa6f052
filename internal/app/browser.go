package app

import (
	"context"

	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/browser"
	"github.com/rahul/stepwise/internal/executor"
	"github.com/rahul/stepwise/internal/observability"
)

// ChromeBrowser adapts browser.Manager to Browser.
type ChromeBrowser struct {
	*browser.Manager
}

func NewChromeBrowser(cfg browser.Config, logger *observability.Logger) *ChromeBrowser {
	return &ChromeBrowser{Manager: browser.NewManager(cfg, logger)}
}

func (c *ChromeBrowser) OpenTab(ctx context.Context, url string) (string, error) {
	tab, err := c.Manager.Open(ctx, url)
	if err != nil {
		return "", err
	}
	return tab.ID(), nil
}

func (c *ChromeBrowser) Page(ctx context.Context, tabID string) (agent.Page, error) {
	tab, err := c.Manager.Tab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return tab, nil
}

func (c *ChromeBrowser) Navigate(ctx context.Context, tabID, url string) error {
	tab, err := c.Manager.Tab(ctx, tabID)
	if err != nil {
		return err
	}
	return tab.Navigate(ctx, url)
}

// flowTabs and agentTabs narrow Browser to what the runner and the loop
// ask for.
type flowTabs struct{ b Browser }

func (t flowTabs) ActiveTab(ctx context.Context) (string, error) { return t.b.ActiveTab(ctx) }

func (t flowTabs) Page(ctx context.Context, tabID string) (executor.Page, error) {
	p, err := t.b.Page(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type agentTabs struct{ b Browser }

func (t agentTabs) Page(ctx context.Context, tabID string) (agent.Page, error) {
	return t.b.Page(ctx, tabID)
}
