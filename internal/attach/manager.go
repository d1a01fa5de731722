// Package attach binds browser pages to capture controllers. Each attached
// page gets a tab id, a relay port for its controller, a controller hosting
// the top frame's agent, and agents for its child frames.
package attach

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/cdphost"
	"github.com/dgnsrekt/canvas_capture/internal/controller"
	"github.com/dgnsrekt/canvas_capture/internal/frame"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
	"github.com/dgnsrekt/canvas_capture/internal/surface"
)

// Tab is an attached page as the manager sees it.
type Tab interface {
	Document() surface.Document
	Recorder() surface.Recorder
	// Start hands the top frame's agent to the tab and begins following
	// child frames.
	Start(top *frame.Agent)
	Done() <-chan struct{}
	Close()
}

// Browser lists and attaches pages.
type Browser interface {
	Pages(ctx context.Context, filter string) ([]cdphost.Page, error)
	Attach(ctx context.Context, targetID string, tabID int) (Tab, error)
}

// Opener opens url in a new browser tab and returns its target id. closeTab
// closes the browser tab again.
type Opener func(ctx context.Context, url string) (targetID string, closeTab func(), err error)

// Options configures a Manager.
type Options struct {
	Browser Browser
	Hub     *relay.Hub
	Service *controller.Service

	// Controller is the template for every tab's controller. TabID, TabKey,
	// Port, Document and Recorder are filled in per tab.
	Controller controller.Options

	// URLFilter limits AttachMatching to pages whose URL contains it.
	URLFilter string
	// Open is required for Open.
	Open   Opener
	Logger *slog.Logger
}

// Manager owns the set of attached tabs.
type Manager struct {
	opts   Options
	logger *slog.Logger
	reg    *registry
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{opts: opts, logger: opts.Logger, reg: newRegistry()}
}

// PageInfo is a browser page and the tab it is attached as, if any.
type PageInfo struct {
	cdphost.Page
	TabID    int  `json:"tab_id,omitempty"`
	Attached bool `json:"attached"`
}

// Pages lists every page target of the browser.
func (m *Manager) Pages(ctx context.Context) ([]PageInfo, error) {
	pages, err := m.opts.Browser.Pages(ctx, "")
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUnavailable, "list browser pages", err)
	}
	out := make([]PageInfo, 0, len(pages))
	for _, p := range pages {
		id := m.reg.tabIDOf(p.TargetID)
		out = append(out, PageInfo{Page: p, TabID: id, Attached: id != 0})
	}
	return out, nil
}

// AttachMatching attaches every page matching the URL filter that is not
// attached yet and returns how many were attached.
func (m *Manager) AttachMatching(ctx context.Context) (int, error) {
	pages, err := m.opts.Browser.Pages(ctx, m.opts.URLFilter)
	if err != nil {
		return 0, fmt.Errorf("attach: list pages: %w", err)
	}
	m.logger.Info("found browser pages", "count", len(pages), "tab_url_filter", m.opts.URLFilter)
	n := 0
	for _, p := range pages {
		if m.reg.tabIDOf(p.TargetID) != 0 {
			continue
		}
		if _, err := m.attach(ctx, p, nil); err != nil {
			m.logger.Error("failed to attach to page", "target_id", p.TargetID, "url", truncateURL(p.URL), "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Attach attaches one page by target id.
func (m *Manager) Attach(ctx context.Context, targetID string) (TabInfo, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return TabInfo{}, protocol.NewError(protocol.CodeValidation, "target_id is required", nil)
	}
	pages, err := m.opts.Browser.Pages(ctx, "")
	if err != nil {
		return TabInfo{}, protocol.NewError(protocol.CodeUnavailable, "list browser pages", err)
	}
	for _, p := range pages {
		if p.TargetID == targetID {
			return m.attach(ctx, p, nil)
		}
	}
	return TabInfo{}, protocol.NewError(protocol.CodeNotFound, fmt.Sprintf("page %s not found", targetID), nil)
}

// Open loads rawURL in a new browser tab and attaches it.
func (m *Manager) Open(ctx context.Context, rawURL string) (TabInfo, error) {
	if m.opts.Open == nil {
		return TabInfo{}, protocol.NewError(protocol.CodeUnavailable, "opening pages is not configured", nil)
	}
	if err := validatePageURL(rawURL); err != nil {
		return TabInfo{}, err
	}
	targetID, closeTab, err := m.opts.Open(ctx, rawURL)
	if err != nil {
		return TabInfo{}, protocol.NewError(protocol.CodeUnavailable, "open page", err)
	}
	info, err := m.attach(ctx, cdphost.Page{TargetID: targetID, URL: rawURL}, closeTab)
	if err != nil {
		closeTab()
		return TabInfo{}, err
	}
	return info, nil
}

func validatePageURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return protocol.NewError(protocol.CodeValidation, "url is malformed", err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return protocol.NewError(protocol.CodeValidation, "url has no host", nil)
		}
	case "about", "file", "data":
	default:
		return protocol.NewError(protocol.CodeValidation, fmt.Sprintf("unsupported url scheme %q", u.Scheme), nil)
	}
	return nil
}

func (m *Manager) attach(ctx context.Context, p cdphost.Page, closeTab func()) (TabInfo, error) {
	e, ok := m.reg.reserve(p.TargetID)
	if !ok {
		return TabInfo{}, protocol.NewError(protocol.CodeBusy, fmt.Sprintf("page %s is already attached", p.TargetID), nil)
	}
	tabID := e.info.TabID

	tab, err := m.opts.Browser.Attach(ctx, p.TargetID, tabID)
	if err != nil {
		m.reg.remove(e)
		return TabInfo{}, protocol.NewError(protocol.CodeUnavailable, "attach page", err)
	}
	var port *relay.Port
	if m.opts.Hub != nil {
		if port, err = m.opts.Hub.Connect(tabID, protocol.Top); err != nil {
			tab.Close()
			m.reg.remove(e)
			return TabInfo{}, protocol.NewError(protocol.CodeInternal, "connect controller", err)
		}
	}

	copts := m.opts.Controller
	copts.TabID = tabID
	copts.TabKey = p.TargetID
	copts.Document = tab.Document()
	copts.Recorder = tab.Recorder()
	if port != nil {
		copts.Port = port
	}
	ctrl, err := controller.New(copts)
	if err != nil {
		if port != nil {
			_ = port.Close()
		}
		tab.Close()
		m.reg.remove(e)
		return TabInfo{}, protocol.NewError(protocol.CodeInternal, "start controller", err)
	}
	if m.opts.Service != nil {
		if err := m.opts.Service.Add(ctrl); err != nil {
			_ = ctrl.Close()
			tab.Close()
			m.reg.remove(e)
			return TabInfo{}, err
		}
	}
	tab.Start(ctrl.LocalAgent())

	info := TabInfo{
		TabID:      tabID,
		TargetID:   p.TargetID,
		URL:        p.URL,
		Title:      p.Title,
		Opened:     closeTab != nil,
		AttachedAt: time.Now().UTC(),
	}
	m.reg.publish(e, info, tab, ctrl, closeTab)
	go m.watch(e)

	m.logger.Info("attached to page", "tab", tabID, "target_id", p.TargetID, "url", truncateURL(p.URL))
	return info, nil
}

// watch tears the tab down once either the page or the controller goes.
func (m *Manager) watch(e *entry) {
	select {
	case <-e.tab.Done():
		m.logger.Info("page went away", "tab", e.info.TabID, "target_id", e.info.TargetID)
	case <-e.ctrl.Done():
	}
	m.teardown(e)
}

func (m *Manager) teardown(e *entry) {
	e.once.Do(func() {
		_ = e.ctrl.Close()
		e.tab.Close()
		if e.closeTab != nil {
			e.closeTab()
		}
		m.reg.remove(e)
		m.logger.Info("detached from page", "tab", e.info.TabID, "target_id", e.info.TargetID)
	})
}

// Tabs lists attached tabs ordered by tab id.
func (m *Manager) Tabs() []TabInfo {
	entries := m.reg.ready()
	out := make([]TabInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info)
	}
	return out
}

// Detach closes a tab's controller and frame agents. Tabs this manager
// opened are closed in the browser too.
func (m *Manager) Detach(tabID int) error {
	e, ok := m.reg.byTab(tabID)
	if !ok {
		return protocol.NewError(protocol.CodeNotFound, fmt.Sprintf("tab %d not found", tabID), nil)
	}
	m.teardown(e)
	return nil
}

// Count returns the number of attached or attaching pages.
func (m *Manager) Count() int { return m.reg.count() }

// Close detaches every tab.
func (m *Manager) Close() {
	for _, e := range m.reg.ready() {
		m.teardown(e)
	}
	m.logger.Info("attach manager closed")
}

func truncateURL(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
