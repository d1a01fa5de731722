// Package relay is the process-wide hub that routes protocol messages
// between a tab's controller and its frame agents. It knows tabs and context
// ids, nothing about frames, canvases or capture state.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

const portBufSize = 1024

var ErrClosed = errors.New("relay: port closed")

// BackgroundFunc receives messages addressed to the relay itself.
type BackgroundFunc func(protocol.Message)

// Options configures a Hub.
type Options struct {
	// Journal, when set, records every routed message.
	Journal *Journal
	// Background receives messages addressed to protocol.Background after
	// the hub has applied its own bookkeeping.
	Background BackgroundFunc
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type tabRoute struct {
	controller *Port
	agents     map[protocol.ContextID]*Port
	active     bool
}

// TabInfo summarises one tab's routing state.
type TabInfo struct {
	TabID      int  `json:"tab_id"`
	Controller bool `json:"controller"`
	Agents     int  `json:"agents"`
	Active     bool `json:"active"`
}

// Hub routes messages by tab and target context.
type Hub struct {
	opts Options

	mu   sync.RWMutex
	tabs map[int]*tabRoute
}

func NewHub(opts Options) *Hub {
	opts.defaults()
	return &Hub{opts: opts, tabs: make(map[int]*tabRoute)}
}

// Connect opens a channel for ctx in tabID. protocol.Top registers the tab's
// controller; any other non-reserved id registers a frame agent.
func (h *Hub) Connect(tabID int, ctx protocol.ContextID) (*Port, error) {
	if ctx == "" || ctx == protocol.Background || ctx == protocol.All {
		return nil, fmt.Errorf("relay: cannot connect reserved context %q", ctx)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	route := h.tabs[tabID]
	if route == nil {
		route = &tabRoute{agents: make(map[protocol.ContextID]*Port)}
		h.tabs[tabID] = route
	}
	p := newPort(h, tabID, ctx)
	if ctx == protocol.Top {
		if route.controller != nil {
			return nil, fmt.Errorf("relay: tab %d already has a controller", tabID)
		}
		route.controller = p
	} else {
		if _, dup := route.agents[ctx]; dup {
			return nil, fmt.Errorf("relay: context %s already connected in tab %d", ctx, tabID)
		}
		route.agents[ctx] = p
	}
	h.opts.Logger.Debug("relay: connect", "tab", tabID, "context", ctx)
	return p, nil
}

// Tabs lists every tab with at least one open port.
func (h *Hub) Tabs() []TabInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]TabInfo, 0, len(h.tabs))
	for id, r := range h.tabs {
		out = append(out, TabInfo{TabID: id, Controller: r.controller != nil, Agents: len(r.agents), Active: r.active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// ActiveTabs returns the tabs whose controller reported a running session.
func (h *Hub) ActiveTabs() []int {
	var out []int
	for _, t := range h.Tabs() {
		if t.Active {
			out = append(out, t.TabID)
		}
	}
	return out
}

func (h *Hub) route(from *Port, msg protocol.Message) {
	if h.opts.Journal != nil {
		h.opts.Journal.Record(msg)
	}

	h.mu.Lock()
	r := h.tabs[from.tabID]
	var targets []*Port
	if r != nil {
		switch msg.Target {
		case protocol.Top:
			if r.controller != nil {
				targets = append(targets, r.controller)
			}
		case protocol.All:
			for id, p := range r.agents {
				if id != from.ctx {
					targets = append(targets, p)
				}
			}
		case protocol.Background:
			if msg.Command == protocol.CmdDisplay {
				r.active = msg.Capturing
			}
		default:
			if p, ok := r.agents[msg.Target]; ok {
				targets = append(targets, p)
			}
		}
	}
	h.mu.Unlock()

	if msg.Target == protocol.Background {
		if h.opts.Background != nil {
			h.opts.Background(msg)
		}
		return
	}
	if len(targets) == 0 {
		h.opts.Logger.Debug("relay: dropped message", "tab", from.tabID, "command", msg.Command, "source", msg.Source, "target", msg.Target)
		return
	}
	for _, p := range targets {
		p.deliver(msg)
	}
}

func (h *Hub) disconnect(p *Port) {
	h.mu.Lock()
	r := h.tabs[p.tabID]
	if r == nil {
		h.mu.Unlock()
		return
	}
	var notify *Port
	if p.ctx == protocol.Top {
		if r.controller == p {
			r.controller = nil
			r.active = false
		}
	} else if r.agents[p.ctx] == p {
		delete(r.agents, p.ctx)
		notify = r.controller
	}
	if r.controller == nil && len(r.agents) == 0 {
		delete(h.tabs, p.tabID)
	}
	h.mu.Unlock()

	h.opts.Logger.Debug("relay: disconnect", "tab", p.tabID, "context", p.ctx)
	if notify == nil {
		return
	}
	msg := protocol.New(protocol.CmdDisconnect, protocol.Background, protocol.Top)
	msg.TabID = p.tabID
	msg.Context = p.ctx
	if h.opts.Journal != nil {
		h.opts.Journal.Record(msg)
	}
	notify.deliver(msg)
}

// Port is one context's channel to the hub.
type Port struct {
	hub   *Hub
	tabID int
	ctx   protocol.ContextID

	inbox  chan protocol.Message
	closed chan struct{}
	once   sync.Once
}

func newPort(h *Hub, tabID int, ctx protocol.ContextID) *Port {
	return &Port{
		hub:    h,
		tabID:  tabID,
		ctx:    ctx,
		inbox:  make(chan protocol.Message, portBufSize),
		closed: make(chan struct{}),
	}
}

func (p *Port) TabID() int                  { return p.tabID }
func (p *Port) Context() protocol.ContextID { return p.ctx }

// Send stamps msg with this port's tab and context and routes it.
func (p *Port) Send(msg protocol.Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	msg.TabID = p.tabID
	msg.Source = p.ctx
	p.hub.route(p, msg)
	return nil
}

// Receive yields inbound messages in send order per sender.
func (p *Port) Receive() <-chan protocol.Message { return p.inbox }

// Done is closed once the port is closed.
func (p *Port) Done() <-chan struct{} { return p.closed }

// Close removes the port; for frame agents the controller receives a
// synthesized disconnect.
func (p *Port) Close() error {
	p.once.Do(func() {
		close(p.closed)
		p.hub.disconnect(p)
	})
	return nil
}

func (p *Port) deliver(msg protocol.Message) {
	select {
	case p.inbox <- msg:
	case <-p.closed:
	}
}
