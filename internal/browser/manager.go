// Package browser drives Chrome over the DevTools protocol. It owns the
// tabs the recorder works on, installs the capture listener in every
// document, and reports page loads back to the caller.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rahul/stepwise/internal/capture"
	"github.com/rahul/stepwise/internal/fault"
	"github.com/rahul/stepwise/internal/observability"
)

type Config struct {
	Headless    bool   `json:"headless"`
	ChromePath  string `json:"chrome_path"`
	CDPURL      string `json:"cdp_url"`
	UserDataDir string `json:"user_data_dir"`
	StartURL    string `json:"start_url"`
}

// Handlers receive tab events. They are called on their own goroutine.
type Handlers struct {
	// OnLoad fires when a tab's main document finished loading.
	OnLoad func(tabID, url string)
	// OnCapture receives raw payloads from the capture listener.
	OnCapture func(tabID, payload string)
}

// TabInfo describes an open tab.
type TabInfo struct {
	ID     string
	URL    string
	Active bool
}

// Manager runs one Chrome process and keeps its tabs. The most recently
// opened or activated tab is the active one.
type Manager struct {
	cfg    Config
	logger *observability.Logger

	// openMu serialises Open so only one Chrome process is ever started.
	openMu sync.Mutex

	mu            sync.Mutex
	handlers      Handlers
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          map[string]*Tab
	active        string
}

func NewManager(cfg Config, logger *observability.Logger) *Manager {
	return &Manager{cfg: cfg, logger: observability.OrNop(logger), tabs: make(map[string]*Tab)}
}

// SetHandlers replaces the event handlers for tabs opened afterwards and
// for events still to come on existing tabs.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// ensureAllocator must be called with m.mu held.
func (m *Manager) ensureAllocator() error {
	if m.allocCtx != nil && m.allocCtx.Err() == nil {
		return nil
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.browserCtx, m.browserCancel = nil, nil

	base := context.Background()
	if cdp := strings.TrimSpace(m.cfg.CDPURL); cdp != "" {
		m.allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(base, cdp)
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", m.cfg.Headless),
		chromedp.Flag("disable-gpu", m.cfg.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if path := strings.TrimSpace(m.cfg.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	if dir := strings.TrimSpace(m.cfg.UserDataDir); dir != "" {
		profile := filepath.Join(dir, "profile")
		if err := os.MkdirAll(profile, 0o755); err != nil {
			return fmt.Errorf("create user data dir: %w", err)
		}
		opts = append(opts, chromedp.UserDataDir(profile))
	}
	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(base, opts...)
	return nil
}

// Open starts a new tab on url, installs the capture listener and makes
// the tab active.
func (m *Manager) Open(ctx context.Context, url string) (*Tab, error) {
	if strings.TrimSpace(url) == "" {
		url = m.cfg.StartURL
	}
	if url == "" {
		url = "about:blank"
	}

	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if err := m.ensureAllocator(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.browserCtx != nil && m.browserCtx.Err() != nil {
		m.browserCtx, m.browserCancel = nil, nil
	}
	parent, root := m.browserCtx, false
	if parent == nil {
		// The first context starts Chrome; later tabs open as new targets
		// in that same process.
		parent, root = m.allocCtx, true
	}
	m.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(parent)
	// The first Run attaches the target.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fault.Wrap(fault.ExecutionError, err, "open tab")
	}
	c := chromedp.FromContext(tabCtx)
	tab := &Tab{id: string(c.Target.TargetID), ctx: tabCtx, cancel: cancel, root: root}
	if root {
		m.mu.Lock()
		m.browserCtx, m.browserCancel = tabCtx, cancel
		m.mu.Unlock()
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame != nil && e.Frame.ParentID == "" {
				tab.setURL(e.Frame.URL)
			}
		case *page.EventLoadEventFired:
			go m.dispatchLoad(tab)
		case *runtime.EventBindingCalled:
			if e.Name == capture.BindingName {
				go m.dispatchCapture(tab.id, e.Payload)
			}
		}
	})

	// Registered before navigating so load handlers can reach the tab.
	m.mu.Lock()
	m.tabs[tab.id] = tab
	m.active = tab.id
	m.mu.Unlock()

	err := chromedp.Run(tabCtx,
		runtime.AddBinding(capture.BindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(capture.Script).Do(ctx)
			return err
		}),
		chromedp.Navigate(url),
	)
	if err != nil {
		m.CloseTab(tab.id)
		return nil, fault.Wrap(fault.ExecutionError, err, "navigate new tab to %s", url)
	}
	m.logger.Infof("opened tab %s on %s", tab.id, url)
	return tab, nil
}

func (m *Manager) dispatchLoad(tab *Tab) {
	m.mu.Lock()
	h := m.handlers.OnLoad
	m.mu.Unlock()
	if h == nil {
		return
	}
	url := tab.lastURL()
	if url == "" {
		var err error
		if url, err = tab.URL(tab.ctx); err != nil {
			m.logger.Warnf("tab %s: read url after load: %v", tab.id, err)
			return
		}
	}
	h(tab.id, url)
}

func (m *Manager) dispatchCapture(tabID, payload string) {
	m.mu.Lock()
	h := m.handlers.OnCapture
	m.mu.Unlock()
	if h != nil {
		h(tabID, payload)
	}
}

// tab returns a live tab, forgetting it when its target is gone.
func (m *Manager) tab(tabID string) (*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[tabID]
	if !ok {
		return nil, fault.New(fault.NoActiveTab, "unknown tab %s", tabID)
	}
	if t.ctx.Err() != nil {
		delete(m.tabs, tabID)
		if m.active == tabID {
			m.active = ""
		}
		return nil, fault.New(fault.NoActiveTab, "tab %s is closed", tabID)
	}
	return t, nil
}

// Tab returns the tab with tabID. An empty id means the active tab.
func (m *Manager) Tab(ctx context.Context, tabID string) (*Tab, error) {
	if tabID == "" {
		id, err := m.ActiveTab(ctx)
		if err != nil {
			return nil, err
		}
		tabID = id
	}
	return m.tab(tabID)
}

// ActiveTab returns the focused tab's id.
func (m *Manager) ActiveTab(ctx context.Context) (string, error) {
	m.mu.Lock()
	id := m.active
	m.mu.Unlock()
	if id == "" {
		return "", fault.New(fault.NoActiveTab, "no active tab")
	}
	if _, err := m.tab(id); err != nil {
		return "", err
	}
	return id, nil
}

// Activate makes tabID the active tab and brings it to the front.
func (m *Manager) Activate(ctx context.Context, tabID string) error {
	t, err := m.tab(tabID)
	if err != nil {
		return err
	}
	if err := chromedp.Run(t.ctx, page.BringToFront()); err != nil {
		return fault.Wrap(fault.ExecutionError, err, "activate tab %s", tabID)
	}
	m.mu.Lock()
	m.active = tabID
	m.mu.Unlock()
	return nil
}

// TabIDs lists the known tabs in a stable order.
func (m *Manager) TabIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tabs))
	for id, t := range m.tabs {
		if t.ctx.Err() == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CloseTab closes one tab.
func (m *Manager) CloseTab(tabID string) {
	m.mu.Lock()
	t, ok := m.tabs[tabID]
	delete(m.tabs, tabID)
	if m.active == tabID {
		m.active = ""
	}
	m.mu.Unlock()
	if ok {
		t.close()
	}
}

// Close shuts every tab and the browser process.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tabs {
		if !t.root {
			t.cancel()
		}
		delete(m.tabs, id)
	}
	m.active = ""
	if m.browserCancel != nil {
		m.browserCancel()
		m.browserCtx, m.browserCancel = nil, nil
	}
	if m.allocCancel != nil {
		m.allocCancel()
		m.allocCancel = nil
		m.allocCtx = nil
	}
}
