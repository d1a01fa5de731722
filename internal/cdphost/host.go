// Package cdphost attaches to a running Chromium over the DevTools protocol
// and exposes each page frame as a surface.Document with a MediaRecorder
// backed surface.Recorder. Child frames get their own frame agents connected
// through the relay hub.
package cdphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/canvas_capture/internal/frame"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	attachTimeout       = 15 * time.Second
	tabEventBuf         = 256
)

// Options configures a Host.
type Options struct {
	// HTTPBase is the browser's remote debugging endpoint, e.g.
	// "http://127.0.0.1:9222".
	HTTPBase string
	Client   *http.Client
	// Hub connects child frame agents. Required for pages with iframes.
	Hub *relay.Hub
	// PollInterval is how often each frame is rescanned for canvases.
	PollInterval time.Duration
	// Debounce is handed to child frame agents.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Host owns the browser connection.
type Host struct {
	opts Options
	raw  *rawCDP
}

func New(opts Options) *Host {
	opts.defaults()
	return &Host{opts: opts, raw: newRawCDP(opts.HTTPBase, opts.Client, opts.Logger)}
}

// Connect dials the browser-level WebSocket.
func (h *Host) Connect(ctx context.Context) error {
	return h.raw.connect(ctx)
}

// Done is closed when the browser connection drops.
func (h *Host) Done() <-chan struct{} { return h.raw.done() }

func (h *Host) Close() { h.raw.close() }

// Page is an attachable browser tab.
type Page struct {
	TargetID string `json:"target_id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
}

// Pages lists page targets whose URL contains filter. An empty filter
// matches every page.
func (h *Host) Pages(ctx context.Context, filter string) ([]Page, error) {
	targets, err := h.raw.listTargets(ctx)
	if err != nil {
		return nil, err
	}
	var out []Page
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if filter != "" && !strings.Contains(t.URL, filter) {
			continue
		}
		out = append(out, Page{TargetID: string(t.TargetID), Title: t.Title, URL: t.URL})
	}
	return out, nil
}

// Attach opens a session on a page target and builds the top frame's
// document. Call Tab.Start once the tab's controller is running.
func (h *Host) Attach(ctx context.Context, targetID string, tabID int) (*Tab, error) {
	ctx, cancel := context.WithTimeout(ctx, attachTimeout)
	defer cancel()

	sessionID, err := h.raw.attachToTarget(ctx, target.ID(targetID))
	if err != nil {
		return nil, fmt.Errorf("cdphost: attach %s: %w", targetID, err)
	}
	t := &Tab{
		host:      h,
		tabID:     tabID,
		targetID:  targetID,
		sessionID: sessionID,
		logger:    h.opts.Logger.With("tab", tabID, "target", targetID),
		events:    make(chan func(), tabEventBuf),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		children:  make(map[cdp.FrameID]*child),
	}
	fail := func(err error) (*Tab, error) {
		_ = h.raw.detachFromTarget(context.Background(), sessionID)
		return nil, err
	}
	for _, method := range []string{"Page.enable", "DOM.enable"} {
		if err := h.raw.call(ctx, sessionID, method, nil, nil); err != nil {
			return fail(fmt.Errorf("cdphost: %s: %w", method, err))
		}
	}
	var tree page.GetFrameTreeReturns
	if err := h.raw.call(ctx, sessionID, "Page.getFrameTree", nil, &tree); err != nil {
		return fail(fmt.Errorf("cdphost: frame tree: %w", err))
	}
	if tree.FrameTree == nil || tree.FrameTree.Frame == nil {
		return fail(fmt.Errorf("cdphost: empty frame tree for %s", targetID))
	}
	t.tree = tree.FrameTree
	t.topFrame = tree.FrameTree.Frame.ID

	doc, err := newDocument(ctx, h.raw, sessionID, t.topFrame, h.opts.PollInterval, t.logger)
	if err != nil {
		return fail(err)
	}
	t.topDoc = doc
	t.recorder = newRecorder(doc)
	return t, nil
}

type child struct {
	parent cdp.FrameID
	doc    *Document
	agent  *frame.Agent
}

// Tab is one attached page. CDP frame events are applied on the tab's own
// goroutine.
type Tab struct {
	host      *Host
	tabID     int
	targetID  string
	sessionID string
	logger    *slog.Logger

	topFrame cdp.FrameID
	topDoc   *Document
	recorder *Recorder
	tree     *page.FrameTree

	events     chan func()
	unregister []func()
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	startOnce  sync.Once

	// Loop-owned.
	top      *frame.Agent
	children map[cdp.FrameID]*child
}

func (t *Tab) TabID() int { return t.tabID }

// TargetID is the browser's id for the page.
func (t *Tab) TargetID() string { return t.targetID }

// Document is the top frame's document.
func (t *Tab) Document() *Document { return t.topDoc }

// Recorder records canvases of the top frame.
func (t *Tab) Recorder() *Recorder { return t.recorder }

// Done is closed when the tab is closed or the page goes away.
func (t *Tab) Done() <-chan struct{} { return t.done }

// Start begins following frame events. top is the agent of the top frame;
// child frames present at attach time get agents right away.
func (t *Tab) Start(top *frame.Agent) {
	t.startOnce.Do(func() {
		raw := t.host.raw
		t.unregister = append(t.unregister,
			raw.registerEventHandler("Page.frameNavigated", t.onEvent(func(p json.RawMessage) {
				var ev page.EventFrameNavigated
				if err := json.Unmarshal(p, &ev); err != nil || ev.Frame == nil {
					return
				}
				t.frameNavigated(ev.Frame)
			})),
			raw.registerEventHandler("Page.frameDetached", t.onEvent(func(p json.RawMessage) {
				var ev page.EventFrameDetached
				if err := json.Unmarshal(p, &ev); err != nil {
					return
				}
				t.frameDetached(ev.FrameID)
			})),
			raw.registerEventHandler("Target.detachedFromTarget", func(_ string, p json.RawMessage) {
				var ev target.EventDetachedFromTarget
				if err := json.Unmarshal(p, &ev); err != nil || string(ev.SessionID) != t.sessionID {
					return
				}
				go t.Close()
			}),
		)
		go t.loop(top)
	})
}

// onEvent filters events to this tab's session and queues them onto the
// tab's goroutine.
func (t *Tab) onEvent(fn func(json.RawMessage)) func(string, json.RawMessage) {
	return func(sessionID string, params json.RawMessage) {
		if sessionID != t.sessionID {
			return
		}
		select {
		case t.events <- func() { fn(params) }:
		case <-t.quit:
		default:
			t.logger.Warn("cdphost: frame event dropped, tab queue full")
		}
	}
}

func (t *Tab) loop(top *frame.Agent) {
	defer close(t.done)
	t.top = top
	for _, c := range t.tree.ChildFrames {
		t.attachTree(c)
	}
	for {
		select {
		case fn := <-t.events:
			fn()
		case <-t.host.raw.done():
			t.shutdown()
			return
		case <-t.quit:
			t.shutdown()
			return
		}
	}
}

func (t *Tab) attachTree(tree *page.FrameTree) {
	if tree.Frame == nil {
		return
	}
	t.addFrame(tree.Frame)
	for _, c := range tree.ChildFrames {
		t.attachTree(c)
	}
}

func (t *Tab) parentAgent(id cdp.FrameID) frame.Parent {
	if id == t.topFrame {
		return t.top
	}
	if c := t.children[id]; c != nil {
		return c.agent
	}
	return nil
}

func (t *Tab) addFrame(f *cdp.Frame) {
	parent := t.parentAgent(f.ParentID)
	if parent == nil {
		t.logger.Debug("cdphost: frame without a known parent", "frame_id", f.ID, "parent_id", f.ParentID)
		return
	}
	if t.host.opts.Hub == nil {
		t.logger.Debug("cdphost: no relay hub, child frame ignored", "frame_id", f.ID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	doc, err := newDocument(ctx, t.host.raw, t.sessionID, f.ID, t.host.opts.PollInterval, t.logger)
	if err != nil {
		t.logger.Warn("cdphost: child frame document failed", "frame_id", f.ID, "error", err)
		return
	}
	id := protocol.NewContextID()
	port, err := t.host.opts.Hub.Connect(t.tabID, id)
	if err != nil {
		doc.Close()
		t.logger.Warn("cdphost: relay connect failed", "frame_id", f.ID, "error", err)
		return
	}
	agent, err := frame.New(frame.Options{
		TabID:    t.tabID,
		TabKey:   t.targetID,
		FrameKey: string(f.ID),
		Context:  id,
		Document: doc,
		Recorder: newRecorder(doc),
		Uplink:   port,
		Parent:   parent,
		Debounce: t.host.opts.Debounce,
		Logger:   t.host.opts.Logger,
	})
	if err != nil {
		_ = port.Close()
		doc.Close()
		t.logger.Warn("cdphost: frame agent failed", "frame_id", f.ID, "error", err)
		return
	}
	t.children[f.ID] = &child{parent: f.ParentID, doc: doc, agent: agent}
	if err := agent.Register(); err != nil {
		t.logger.Debug("cdphost: frame agent register failed", "frame_id", f.ID, "error", err)
	}
	t.logger.Info("cdphost: frame attached", "frame_id", f.ID, "context", id, "url", f.URL)
}

func (t *Tab) frameNavigated(f *cdp.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	switch c := t.children[f.ID]; {
	case f.ID == t.topFrame:
		if err := t.topDoc.Rebind(ctx); err != nil {
			t.logger.Warn("cdphost: top frame rebind failed", "error", err)
		}
		if t.top != nil {
			t.top.Navigated(f.URL)
		}
	case c != nil:
		if err := c.doc.Rebind(ctx); err != nil {
			t.logger.Warn("cdphost: frame rebind failed", "frame_id", f.ID, "error", err)
		}
		c.agent.Navigated(f.URL)
	default:
		t.addFrame(f)
	}
}

// frameDetached closes the frame's agent and every agent below it. Closing
// an agent closes its relay port, which tells the controller.
func (t *Tab) frameDetached(id cdp.FrameID) {
	c := t.children[id]
	if c == nil {
		return
	}
	for cid, cc := range t.children {
		if cc.parent == id {
			t.frameDetached(cid)
		}
	}
	delete(t.children, id)
	_ = c.agent.Close()
	c.doc.Close()
	t.logger.Info("cdphost: frame detached", "frame_id", id)
}

// Close stops frame tracking, closes every child agent and detaches from
// the page. The top frame agent belongs to the controller.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		close(t.quit)
		t.startOnce.Do(func() {
			t.shutdown()
			close(t.done)
		})
	})
	<-t.done
	t.topDoc.Close()
}

func (t *Tab) shutdown() {
	for _, fn := range t.unregister {
		fn()
	}
	for id := range t.children {
		t.frameDetached(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.host.raw.detachFromTarget(ctx, t.sessionID); err != nil {
		t.logger.Debug("cdphost: detach failed", "error", err)
	}
}
