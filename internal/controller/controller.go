// Package controller is the per-tab authority: it assembles every frame's
// canvas registry, drives the single capture session and owns the finished
// capture records and their handles.
package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/blob"
	"github.com/dgnsrekt/canvas_capture/internal/frame"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
	"github.com/dgnsrekt/canvas_capture/internal/remux"
	"github.com/dgnsrekt/canvas_capture/internal/surface"
)

const (
	inboxSize        = 512
	maxNotifications = 50
	storeTimeout     = 5 * time.Second
)

// Publisher fans UI events out. *relay.Broker satisfies it.
type Publisher interface {
	PublishJSON(tabID int, feed string, v any)
}

// Notifier delivers user-visible text outside the UI.
type Notifier interface {
	Notify(ctx context.Context, tabID int, text string) error
}

// SettingsStore persists per-surface settings keyed by frame address and
// surface path.
type SettingsStore interface {
	Load(ctx context.Context, frameAddress string) (map[string]protocol.Settings, error)
	Save(ctx context.Context, frameAddress, surfacePath string, s protocol.Settings) error
}

// Exporter writes a record's payload somewhere durable and returns its id.
type Exporter interface {
	Export(ctx context.Context, tabID int, info protocol.RecordInfo, data []byte) (string, error)
}

// Options configures a Controller.
type Options struct {
	TabID  int
	TabKey string

	// Port is the controller's relay connection. Nil runs the controller
	// with its own frame only.
	Port frame.Uplink

	// Document and Recorder describe the controller's own frame. When both
	// are set the controller hosts a local frame agent.
	Document surface.Document
	Recorder surface.Recorder

	Defaults  protocol.Settings
	Settings  SettingsStore
	Publisher Publisher
	Notifier  Notifier
	Exporter  Exporter

	// Remux, when set, is the template for the lazily created re-encode
	// pipeline. Source, Sink and Logger are filled in by the controller.
	Remux *remux.Options

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Defaults == (protocol.Settings{}) {
		o.Defaults = protocol.DefaultSettings()
	}
	o.Defaults = o.Defaults.Normalize()
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Controller is a single-goroutine actor per tab.
type Controller struct {
	opts   Options
	logger *slog.Logger
	blobs  *blob.Store

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	local     *frame.Agent
	localLink *localLink

	// Loop-owned.
	frames        map[protocol.ContextID]*frameEntry
	rows          []Row
	selected      *marker
	session       *session
	gen           uint64
	last          *Outcome
	records       []*Record
	pipeline      *remux.Pipeline
	disabled      bool
	notifications []Notification
}

// New starts a controller and, when configured, its local frame agent.
func New(opts Options) (*Controller, error) {
	opts.defaults()
	c := &Controller{
		opts:   opts,
		logger: opts.Logger.With("tab", opts.TabID),
		blobs:  blob.NewStore(opts.Logger),
		inbox:  make(chan func(), inboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		frames: make(map[protocol.ContextID]*frameEntry),
	}
	go c.loop()
	if opts.Port != nil {
		go c.pump(opts.Port)
	}

	if opts.Document != nil && opts.Recorder != nil {
		c.localLink = newLocalLink(c)
		agent, err := frame.New(frame.Options{
			TabID:    opts.TabID,
			TabKey:   opts.TabKey,
			Context:  protocol.Top,
			Document: opts.Document,
			Recorder: opts.Recorder,
			Uplink:   c.localLink,
			Logger:   opts.Logger,
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		c.local = agent
		if err := agent.Register(); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// TabID returns the tab this controller governs.
func (c *Controller) TabID() int { return c.opts.TabID }

// Blobs exposes the handle store for leak checks.
func (c *Controller) Blobs() *blob.Store { return c.blobs }

// LocalAgent returns the agent of the controller's own frame, or nil.
func (c *Controller) LocalAgent() *frame.Agent { return c.local }

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

func (c *Controller) pump(p frame.Uplink) {
	for {
		select {
		case msg := <-p.Receive():
			c.post(func() { c.handle(msg) })
		case <-p.Done():
			return
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Controller) call(fn func()) error {
	ran := make(chan struct{})
	if !c.post(func() { fn(); close(ran) }) {
		return errClosed
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		return errClosed
	}
}

var errClosed = protocol.NewError(protocol.CodeUnavailable, "controller closed", nil)

// Close tears the tab down: timers, local agent, relay port, pipeline and
// every live handle.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

func (c *Controller) shutdown() {
	if s := c.session; s != nil {
		s.stopTimers()
		c.session = nil
	}
	if c.local != nil {
		go c.local.Close()
	}
	if c.opts.Port != nil {
		_ = c.opts.Port.Close()
	}
	if c.pipeline != nil {
		go c.pipeline.Close()
	}
	for _, r := range c.records {
		c.revoke(r.Handle)
	}
	c.records = nil
}

// Done is closed once the controller has shut down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// sendTo addresses one context. The local agent is called directly.
func (c *Controller) sendTo(target protocol.ContextID, msg protocol.Message) {
	msg.TabID = c.opts.TabID
	msg.Source = protocol.Top
	msg.Target = target
	if target == protocol.Top {
		if c.local != nil {
			c.local.Deliver(msg)
		}
		return
	}
	if c.opts.Port == nil {
		c.logger.Debug("controller: no relay port, dropping message", "command", msg.Command, "target", target)
		return
	}
	if err := c.opts.Port.Send(msg); err != nil {
		c.logger.Debug("controller: send failed", "command", msg.Command, "target", target, "error", err)
	}
}

// broadcast reaches every agent of the tab including the local one.
func (c *Controller) broadcast(msg protocol.Message) {
	c.sendTo(protocol.All, msg)
	if c.local != nil {
		c.sendTo(protocol.Top, msg)
	}
}

func (c *Controller) publish(feed string, v any) {
	if c.opts.Publisher != nil {
		c.opts.Publisher.PublishJSON(c.opts.TabID, feed, v)
	}
}

// Notification is one user-visible message.
type Notification struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// notify is the single place internal failures become user-visible text.
func (c *Controller) notify(text string) {
	n := Notification{Time: time.Now(), Text: text}
	c.notifications = append(c.notifications, n)
	if len(c.notifications) > maxNotifications {
		c.notifications = c.notifications[len(c.notifications)-maxNotifications:]
	}
	c.logger.Info("controller: notify", "text", text)
	c.publish(relay.FeedNotify, n)
	if c.opts.Notifier != nil {
		notifier, tab := c.opts.Notifier, c.opts.TabID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := notifier.Notify(ctx, tab, text); err != nil {
				c.logger.Warn("controller: external notify failed", "error", err)
			}
		}()
	}
}

// Notifications returns recent user-visible messages, oldest first.
func (c *Controller) Notifications() []Notification {
	var out []Notification
	_ = c.call(func() { out = append(out, c.notifications...) })
	return out
}

// Refresh asks every frame to report its registry again.
func (c *Controller) Refresh() error {
	return c.call(func() {
		c.broadcast(protocol.New(protocol.CmdUpdateCanvases, protocol.Top, protocol.All))
	})
}

// Disable stops any session and turns every agent off until Enable.
func (c *Controller) Disable() error {
	return c.call(func() {
		if s := c.session; s != nil {
			switch s.phase {
			case PhaseDelaying:
				c.cancelDelay("")
			case PhaseCapturing:
				c.requestStop()
			}
		}
		c.disabled = true
		c.broadcast(protocol.New(protocol.CmdDisable, protocol.Top, protocol.All))
	})
}

// Enable reverses Disable and asks frames to report again.
func (c *Controller) Enable() error {
	return c.call(func() {
		c.disabled = false
		c.broadcast(protocol.New(protocol.CmdUpdateCanvases, protocol.Top, protocol.All))
	})
}

// localLink is the uplink of the controller's own frame agent. Sends become
// direct calls on the controller loop.
type localLink struct {
	c      *Controller
	closed chan struct{}
	once   sync.Once
}

func newLocalLink(c *Controller) *localLink {
	return &localLink{c: c, closed: make(chan struct{})}
}

func (l *localLink) Send(msg protocol.Message) error {
	select {
	case <-l.closed:
		return frame.ErrClosed
	default:
	}
	msg.Source = protocol.Top
	msg.TabID = l.c.opts.TabID
	if !l.c.post(func() { l.c.handle(msg) }) {
		return frame.ErrClosed
	}
	return nil
}

func (l *localLink) Receive() <-chan protocol.Message { return nil }

func (l *localLink) Done() <-chan struct{} { return l.closed }

func (l *localLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
