package controller

import (
	"context"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/blob"
	"github.com/dgnsrekt/canvas_capture/internal/pathspec"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
)

// handle dispatches one message from a frame agent or the relay.
func (c *Controller) handle(msg protocol.Message) {
	if err := msg.Validate(); err != nil {
		c.logger.Debug("controller: dropped invalid message", "command", msg.Command, "source", msg.Source, "error", err)
		return
	}
	switch msg.Command {
	case protocol.CmdRegister:
		c.onRegister(msg)
	case protocol.CmdIdentify:
		c.onIdentify(msg)
	case protocol.CmdUpdateCanvases:
		c.onUpdateCanvases(msg)
	case protocol.CmdDelay:
		c.onDelayAck(msg)
	case protocol.CmdCaptureStarted:
		c.onCaptureStarted(msg)
	case protocol.CmdCaptureStopped:
		c.onCaptureStopped(msg)
	case protocol.CmdDisconnect:
		c.onDisconnect(msg.Context)
	case protocol.CmdIframeNavigated:
		if e := c.frames[msg.Source]; e != nil {
			e.url = msg.URL
			c.rebuild()
		}
	case protocol.CmdHighlight:
		c.onHighlight(msg)
	case protocol.CmdNotify:
		c.notify(msg.Text)
	case protocol.CmdDownload:
		go func() {
			if _, err := c.Download(context.Background(), msg.Handle, msg.Name); err != nil {
				c.logger.Warn("controller: download failed", "handle", msg.Handle, "error", err)
			}
		}()
	case protocol.CmdRemoveCapture:
		if err := c.removeRecord(blob.Handle(msg.Handle)); err != nil {
			c.logger.Debug("controller: remove-capture for unknown record", "handle", msg.Handle)
		}
	case protocol.CmdUpdateSettings:
		c.saveSettings(msg.Source, msg.PathSpec, *msg.Settings)
	default:
		c.logger.Debug("controller: ignored command", "command", msg.Command, "source", msg.Source)
	}
}

func (c *Controller) onRegister(msg protocol.Message) {
	e := c.entry(msg.Source)
	e.frameID = msg.FrameID
	e.frameKey = msg.FrameKey
	e.url = msg.URL
	c.logger.Debug("controller: frame registered", "frame", msg.Source, "url", msg.URL)
	if msg.Source == protocol.Top {
		c.loadSettings(e)
	}
	c.rebuild()
}

func (c *Controller) onIdentify(msg protocol.Message) {
	if msg.Context == "" {
		return
	}
	addr, err := pathspec.AddressFromStrings(msg.Address)
	if err != nil {
		c.logger.Debug("controller: malformed frame address", "frame", msg.Context, "error", err)
		return
	}
	e := c.frames[msg.Context]
	if e == nil {
		c.logger.Debug("controller: identify for unknown frame", "frame", msg.Context)
		return
	}
	e.address = addr
	e.addressKnown = true
	c.loadSettings(e)
	c.rebuild()
}

// onUpdateCanvases replaces a frame's registry and reconciles the session
// target against it.
func (c *Controller) onUpdateCanvases(msg protocol.Message) {
	e := c.entry(msg.Source)
	e.canvases = msg.Canvases
	e.activeIndex = msg.ActiveIndex
	e.delayIndex = msg.DelayIndex
	if msg.URL != "" {
		e.url = msg.URL
	}
	c.rebuild()

	s := c.session
	if s == nil || s.target != msg.Source {
		return
	}
	if s.target == protocol.Top {
		c.reconcileLocal(s)
	} else {
		c.reconcileRemote(s, msg)
	}
	c.rebuild()
	c.publishSession()
}

// reconcileRemote keeps the last known good index until the agent has
// acknowledged the outstanding command; a report produced before the agent
// saw the command says nothing about the target.
func (c *Controller) reconcileRemote(s *session, msg protocol.Message) {
	switch s.phase {
	case PhaseDelaying:
		switch {
		case msg.DelayIndex >= 0:
			c.retarget(s, msg.DelayIndex)
		case s.acked:
			c.cancelDelay("The selected canvas is no longer available.")
		}
	case PhaseCapturing, PhaseStopping:
		if s.acked && msg.ActiveIndex >= 0 {
			c.retarget(s, msg.ActiveIndex)
		}
	}
}

// reconcileLocal re-derives the index from the selection marker, since the
// row list may have been rebuilt since the command was issued.
func (c *Controller) reconcileLocal(s *session) {
	r, ok := c.selectedRow()
	if ok {
		s.index = r.Index
		return
	}
	if s.phase == PhaseDelaying && s.acked {
		c.cancelDelay("The selected canvas is no longer available.")
	}
}

func (c *Controller) retarget(s *session, index int) {
	s.index = index
	if e := c.frames[s.target]; e != nil && index < len(e.canvases) {
		s.pathSpec = e.canvases[index].PathSpec
		c.selected = &marker{frame: s.target, pathSpec: s.pathSpec}
	}
}

func (c *Controller) onDelayAck(msg protocol.Message) {
	s := c.session
	if s == nil || s.phase != PhaseDelaying || s.target != msg.Source || !msg.Delayed {
		return
	}
	s.acked = true
	if msg.CanvasIndex < 0 {
		c.cancelDelay("The selected canvas could not be found.")
		return
	}
	if s.target != protocol.Top {
		c.retarget(s, msg.CanvasIndex)
	}
	c.publishSession()
}

func (c *Controller) onCaptureStarted(msg protocol.Message) {
	s := c.session
	if s == nil || s.target != msg.Source || s.acked {
		c.logger.Debug("controller: stale capture-started", "source", msg.Source)
		return
	}
	if s.phase != PhaseCapturing && s.phase != PhaseStopping {
		return
	}
	s.acked = true
	if !msg.Success {
		text := msg.Error
		if text == "" {
			text = "The recording could not be started."
		}
		c.notify(text)
		c.endSession(&Outcome{Error: true, ErrorMessage: text, Ended: time.Now()})
		return
	}
	s.startTimestamp = protocol.FromMillis(msg.StartTimestamp)
	if s.startTimestamp.IsZero() {
		s.startTimestamp = time.Now()
	}
	c.publishSession()
}

func (c *Controller) onCaptureStopped(msg protocol.Message) {
	s := c.session
	if s == nil || s.target != msg.Source || (s.phase != PhaseCapturing && s.phase != PhaseStopping) {
		c.logger.Debug("controller: stale capture-stopped", "source", msg.Source, "success", msg.Success)
		return
	}
	c.finishCapture(msg)
}

// onDisconnect drops a frame's registry entry. A session targeting it ends
// as failed.
func (c *Controller) onDisconnect(ctx protocol.ContextID) {
	if _, ok := c.frames[ctx]; !ok {
		return
	}
	if s := c.session; s != nil && s.target == ctx {
		switch s.phase {
		case PhaseDelaying:
			s.stopTimers()
			text := "The frame hosting the selected canvas went away."
			c.notify(text)
			c.endSession(&Outcome{Error: true, ErrorMessage: text, Ended: time.Now()})
		case PhaseCapturing, PhaseStopping:
			stop := protocol.New(protocol.CmdCaptureStopped, ctx, protocol.Top)
			stop.Source = ctx
			stop.Error = "The frame hosting the canvas went away during the capture."
			c.finishCapture(stop)
		}
	}
	delete(c.frames, ctx)
	c.logger.Debug("controller: frame removed", "frame", ctx)
	c.rebuild()
}

func (c *Controller) onHighlight(msg protocol.Message) {
	evt := HighlightEvent{Row: -1, Frame: msg.Source, Index: msg.CanvasIndex, Rect: msg.Rect}
	for _, r := range c.rows {
		if r.Frame == msg.Source && r.Index == msg.CanvasIndex {
			evt.Row = r.Row
			break
		}
	}
	c.publish(relay.FeedHighlight, evt)
}
