// Package frame implements the per-frame agent: it owns the frame's canvas
// registry, runs the recording primitive on command, watches the document
// for surface changes and reports everything upward as data.
package frame

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/pathspec"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/surface"
)

const inboxSize = 256

var (
	ErrClosed        = errors.New("frame: agent closed")
	ErrSessionActive = errors.New("frame: capture already active")
	ErrNoSuchCanvas  = errors.New("frame: no canvas at index")
)

// Uplink carries messages between the agent and its controller. A relay
// port satisfies it, and so does the controller's in-process link.
type Uplink interface {
	Send(protocol.Message) error
	Receive() <-chan protocol.Message
	Done() <-chan struct{}
	Close() error
}

// Parent is the agent of the enclosing frame.
type Parent interface {
	Identify(msg protocol.Message)
}

// Options configures an Agent.
type Options struct {
	TabID   int
	FrameID int
	TabKey  string
	// FrameKey names this frame to its parent document. Empty for the top
	// frame.
	FrameKey string
	// Context defaults to a fresh protocol.NewContextID.
	Context protocol.ContextID

	Document surface.Document
	Recorder surface.Recorder
	Uplink   Uplink
	Parent   Parent

	// Debounce batches mutation-triggered refreshes. Zero refreshes on
	// every mutation.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Context == "" {
		o.Context = protocol.NewContextID()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// capture is the agent-local recording session.
type capture struct {
	surface       surface.Surface
	index         int
	recording     surface.Recording
	timer         *time.Timer
	startedAt     time.Time
	stopRequested bool
	canvasRemoved bool
}

// Agent is a single-goroutine actor. Every exported method posts work onto
// the loop; state below the inbox is touched only from the loop.
type Agent struct {
	opts   Options
	logger *slog.Logger

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	canvases     []surface.Surface
	session      *capture
	delayKey     string
	disabled     bool
	unsubscribe  func()
	refreshTimer *time.Timer
}

// New starts an agent. It does nothing visible until Register.
func New(opts Options) (*Agent, error) {
	opts.defaults()
	if opts.Document == nil || opts.Recorder == nil || opts.Uplink == nil {
		return nil, fmt.Errorf("frame: document, recorder and uplink are required")
	}
	a := &Agent{
		opts:   opts,
		logger: opts.Logger.With("context", opts.Context, "tab", opts.TabID),
		inbox:  make(chan func(), inboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.loop()
	go a.pump()
	return a, nil
}

func (a *Agent) Context() protocol.ContextID { return a.opts.Context }

func (a *Agent) loop() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.quit:
			a.shutdown()
			return
		}
	}
}

// pump moves inbound uplink traffic onto the loop.
func (a *Agent) pump() {
	for {
		select {
		case msg := <-a.opts.Uplink.Receive():
			a.Deliver(msg)
		case <-a.opts.Uplink.Done():
			a.Close()
			return
		case <-a.quit:
			return
		}
	}
}

func (a *Agent) post(fn func()) bool {
	select {
	case a.inbox <- fn:
		return true
	case <-a.quit:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (a *Agent) call(fn func()) error {
	ran := make(chan struct{})
	if !a.post(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-a.done:
		return ErrClosed
	}
}

// Close stops observation, abandons any recording and closes the uplink.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() { close(a.quit) })
	<-a.done
	return nil
}

func (a *Agent) shutdown() {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
	}
	if s := a.session; s != nil {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.recording.Stop()
		a.session = nil
	}
	_ = a.opts.Uplink.Close()
}

// Register announces the agent to the controller, starts observing the
// document, reports the registry and asks the parent for this frame's
// structural address.
func (a *Agent) Register() error {
	return a.call(func() {
		msg := protocol.New(protocol.CmdRegister, a.opts.Context, protocol.Top)
		msg.FrameID = a.opts.FrameID
		msg.TabKey = a.opts.TabKey
		msg.FrameKey = a.opts.FrameKey
		msg.URL = a.opts.Document.URL()
		a.send(msg)

		if a.unsubscribe == nil {
			a.unsubscribe = a.opts.Document.Subscribe(func(m surface.Mutation) {
				a.post(func() { a.onMutation(m) })
			})
		}
		a.refresh()

		if a.opts.Parent != nil {
			id := protocol.New(protocol.CmdIdentify, a.opts.Context, protocol.Top)
			id.FrameKey = a.opts.FrameKey
			id.Context = a.opts.Context
			a.opts.Parent.Identify(id)
		}
	})
}

// RefreshCanvases rescans the document and reports the registry.
func (a *Agent) RefreshCanvases() error {
	return a.call(a.refresh)
}

// Canvases returns the registry as last reported.
func (a *Agent) Canvases() []protocol.CanvasInfo {
	var out []protocol.CanvasInfo
	_ = a.call(func() { out = a.describe() })
	return out
}

// Capturing reports whether a recording is running in this frame.
func (a *Agent) Capturing() bool {
	var on bool
	_ = a.call(func() { on = a.session != nil })
	return on
}

// StartCapture records the canvas at index. It reports capture-started
// either way and returns the same outcome to local callers.
func (a *Agent) StartCapture(index, fps, bitsPerSecond, timerSeconds int) error {
	var err error
	if cerr := a.call(func() { err = a.startCapture(index, fps, bitsPerSecond, timerSeconds) }); cerr != nil {
		return cerr
	}
	return err
}

// StopCapture asks the primitive to finish. The capture-stopped report
// follows once the primitive completes.
func (a *Agent) StopCapture() error {
	return a.call(func() { a.stopCapture() })
}

// Navigated tells the controller this frame's document moved to url.
func (a *Agent) Navigated(url string) {
	a.post(func() {
		msg := protocol.New(protocol.CmdIframeNavigated, a.opts.Context, protocol.Top)
		msg.URL = url
		a.send(msg)
		a.refresh()
	})
}

// Identify receives a child frame's address request and passes it upward
// with this frame's component prepended.
func (a *Agent) Identify(msg protocol.Message) {
	a.post(func() { a.identify(msg) })
}

// Deliver hands a controller message to the agent.
func (a *Agent) Deliver(msg protocol.Message) {
	a.post(func() { a.handle(msg) })
}

func (a *Agent) handle(msg protocol.Message) {
	if err := msg.Validate(); err != nil {
		a.logger.Debug("frame: dropped invalid message", "command", msg.Command, "error", err)
		return
	}
	if a.disabled && msg.Command != protocol.CmdUpdateCanvases {
		return
	}
	switch msg.Command {
	case protocol.CmdCaptureStart:
		timer := 0
		if msg.HasTimer {
			timer = msg.TimerSeconds
		}
		_ = a.startCapture(msg.CanvasIndex, msg.FPS, msg.BitsPerSecond, timer)
	case protocol.CmdCaptureStop:
		a.stopCapture()
	case protocol.CmdDelay:
		a.delay(msg.CanvasIndex, msg.Delayed)
	case protocol.CmdHighlight:
		a.highlight(msg.CanvasIndex)
	case protocol.CmdUpdateCanvases:
		a.disabled = false
		a.refresh()
	case protocol.CmdDisable:
		a.disable()
	case protocol.CmdIdentify:
		a.identify(msg)
	default:
		a.logger.Debug("frame: ignored command", "command", msg.Command)
	}
}

func (a *Agent) send(msg protocol.Message) {
	msg.TabID = a.opts.TabID
	msg.Source = a.opts.Context
	if err := a.opts.Uplink.Send(msg); err != nil {
		a.logger.Debug("frame: uplink send failed", "command", msg.Command, "error", err)
	}
}

func (a *Agent) describe() []protocol.CanvasInfo {
	out := make([]protocol.CanvasInfo, len(a.canvases))
	for i, s := range a.canvases {
		out[i] = protocol.CanvasInfo{
			LocalID:  s.ID(),
			Width:    s.Width(),
			Height:   s.Height(),
			PathSpec: s.Path().String(),
			Frame:    a.opts.Context,
			Index:    i,
		}
	}
	return out
}

func (a *Agent) indexOf(key string) int {
	if key == "" {
		return -1
	}
	for i, s := range a.canvases {
		if s.Key() == key {
			return i
		}
	}
	return -1
}

// refresh replaces the registry with a fresh scan and reports it.
func (a *Agent) refresh() {
	a.canvases = a.opts.Document.Surfaces()
	msg := protocol.New(protocol.CmdUpdateCanvases, a.opts.Context, protocol.Top)
	msg.Canvases = a.describe()
	msg.URL = a.opts.Document.URL()
	if a.session != nil {
		msg.ActiveIndex = a.indexOf(a.session.surface.Key())
	}
	msg.DelayIndex = a.indexOf(a.delayKey)
	a.send(msg)
}

func (a *Agent) scheduleRefresh() {
	if a.opts.Debounce <= 0 {
		a.refresh()
		return
	}
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
	}
	a.refreshTimer = time.AfterFunc(a.opts.Debounce, func() {
		a.post(a.refresh)
	})
}

func (a *Agent) onMutation(m surface.Mutation) {
	if a.disabled {
		return
	}
	if m.Kind == surface.Removed && m.Surface != nil {
		key := m.Surface.Key()
		if s := a.session; s != nil && s.surface.Key() == key && !s.canvasRemoved {
			a.logger.Info("frame: capturing canvas removed", "index", s.index)
			s.canvasRemoved = true
			a.stopCapture()
		}
		if a.delayKey == key {
			a.delayKey = ""
		}
	}
	a.scheduleRefresh()
}

func (a *Agent) startCapture(index, fps, bitsPerSecond, timerSeconds int) error {
	reply := protocol.New(protocol.CmdCaptureStarted, a.opts.Context, protocol.Top)
	reply.CanvasIndex = index

	fail := func(err error) error {
		reply.Success = false
		reply.Error = err.Error()
		a.send(reply)
		return err
	}
	if a.session != nil {
		return fail(ErrSessionActive)
	}
	if index < 0 || index >= len(a.canvases) {
		return fail(ErrNoSuchCanvas)
	}
	if fps <= 0 {
		fps = protocol.DefaultFPS
	}
	if bitsPerSecond <= 0 {
		bitsPerSecond = protocol.DefaultBitsPerSecond
	}

	target := a.canvases[index]
	c := &capture{surface: target, index: index}
	rec, err := a.opts.Recorder.Start(target, surface.Options{FPS: fps, BitsPerSecond: bitsPerSecond}, func(res surface.Result) {
		a.post(func() { a.finish(c, res) })
	})
	if err != nil {
		a.logger.Warn("frame: recorder refused surface", "index", index, "error", err)
		return fail(err)
	}
	c.recording = rec
	c.startedAt = time.Now()
	a.session = c
	if a.delayKey == target.Key() {
		a.delayKey = ""
	}
	if timerSeconds > 0 {
		c.timer = time.AfterFunc(time.Duration(timerSeconds)*time.Second, func() {
			a.post(func() {
				if a.session == c {
					a.logger.Debug("frame: auto-stop timer fired", "index", c.index)
					a.stopCapture()
				}
			})
		})
		reply.HasTimer = true
		reply.TimerSeconds = timerSeconds
	}

	reply.Success = true
	reply.StartTimestamp = protocol.Millis(c.startedAt)
	a.send(reply)
	a.logger.Info("frame: capture started", "index", index, "fps", fps, "bits_per_second", bitsPerSecond)
	return nil
}

func (a *Agent) stopCapture() {
	c := a.session
	if c == nil {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopRequested {
		return
	}
	c.stopRequested = true
	c.recording.Stop()
}

// finish runs when the primitive reports completion, requested or not.
func (a *Agent) finish(c *capture, res surface.Result) {
	if a.session != c {
		return
	}
	a.session = nil
	if c.timer != nil {
		c.timer.Stop()
	}

	msg := protocol.New(protocol.CmdCaptureStopped, a.opts.Context, protocol.Top)
	msg.CanvasIndex = c.index
	msg.StartTimestamp = protocol.Millis(c.startedAt)
	msg.CanvasRemoved = c.canvasRemoved
	switch {
	case res.Err != nil:
		msg.Error = "Recording failed: " + res.Err.Error()
	case c.canvasRemoved:
		msg.Error = "The canvas was removed while it was being captured."
	case !c.stopRequested:
		msg.Error = "The recording stopped unexpectedly."
	default:
		msg.Success = true
		data := res.Bytes()
		end := time.Now()
		if n := len(res.Chunks); n > 0 && !res.Chunks[n-1].At.IsZero() {
			end = res.Chunks[n-1].At
		}
		msg.Payload = &protocol.Payload{Data: data, Start: protocol.Millis(c.startedAt), End: protocol.Millis(end)}
	}
	a.send(msg)
	a.logger.Info("frame: capture stopped", "index", c.index, "success", msg.Success, "canvas_removed", c.canvasRemoved)
	a.refresh()
}

func (a *Agent) delay(index int, delayed bool) {
	reply := protocol.New(protocol.CmdDelay, a.opts.Context, protocol.Top)
	reply.Delayed = delayed
	if !delayed {
		a.delayKey = ""
		a.send(reply)
		return
	}
	if index >= 0 && index < len(a.canvases) {
		a.delayKey = a.canvases[index].Key()
		reply.CanvasIndex = index
	} else {
		a.delayKey = ""
	}
	a.send(reply)
}

func (a *Agent) highlight(index int) {
	reply := protocol.New(protocol.CmdHighlight, a.opts.Context, protocol.Top)
	reply.CanvasIndex = index
	if index >= 0 && index < len(a.canvases) {
		r := a.canvases[index].Rect()
		reply.Rect = &r
	}
	a.send(reply)
}

func (a *Agent) disable() {
	a.disabled = true
	a.delayKey = ""
	if a.session != nil {
		a.stopCapture()
	}
}

func (a *Agent) identify(msg protocol.Message) {
	path, ok := a.opts.Document.FramePath(msg.FrameKey)
	if !ok {
		a.logger.Debug("frame: identify for unknown child frame", "frame_key", msg.FrameKey)
		return
	}
	addr, err := pathspec.AddressFromStrings(msg.Address)
	if err != nil {
		a.logger.Debug("frame: malformed child address", "error", err)
		return
	}
	addr = addr.Prepend(path)

	out := protocol.New(protocol.CmdIdentify, a.opts.Context, protocol.Top)
	out.Context = msg.Context
	out.Address = addr.Strings()
	if a.opts.Parent != nil {
		out.FrameKey = a.opts.FrameKey
		a.opts.Parent.Identify(out)
		return
	}
	out.FrameKey = msg.FrameKey
	a.send(out)
}
