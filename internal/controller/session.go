package controller

import (
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
)

// Phase is the capture session state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDelaying
	PhaseCapturing
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDelaying:
		return "delaying"
	case PhaseCapturing:
		return "capturing"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// session is the tab's one capture session.
type session struct {
	gen      uint64
	phase    Phase
	target   protocol.ContextID
	index    int
	pathSpec string
	settings protocol.Settings

	// acked is set once the target agent confirmed the outstanding
	// command (delay ack or capture-started). Until then a missing index
	// in a registry report is not evidence the canvas is gone.
	acked bool

	startTimestamp time.Time
	countdown      int
	canvasRemoved  bool
	stopped        bool

	delayTimer *time.Timer
	tickTimer  *time.Timer
}

func (s *session) stopTimers() {
	if s.delayTimer != nil {
		s.delayTimer.Stop()
		s.delayTimer = nil
	}
	if s.tickTimer != nil {
		s.tickTimer.Stop()
		s.tickTimer = nil
	}
}

// Outcome is how the most recent session ended.
type Outcome struct {
	Success       bool                 `json:"success"`
	CanvasRemoved bool                 `json:"canvas_removed"`
	Stopped       bool                 `json:"stopped"`
	Error         bool                 `json:"error"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	Record        *protocol.RecordInfo `json:"record,omitempty"`
	Ended         time.Time            `json:"ended"`
}

// SessionInfo is the externally visible session state.
type SessionInfo struct {
	Phase          string             `json:"phase"`
	Target         protocol.ContextID `json:"target,omitempty"`
	CanvasIndex    int                `json:"canvas_index"`
	Row            int                `json:"row"`
	PathSpec       string             `json:"path_spec,omitempty"`
	StartTimestamp time.Time          `json:"start_timestamp"`
	TimerSeconds   int                `json:"timer_seconds,omitempty"`
	Countdown      int                `json:"countdown,omitempty"`
	CanvasRemoved  bool               `json:"canvas_removed"`
	Stopped        bool               `json:"stopped"`
	Last           *Outcome           `json:"last,omitempty"`
}

func (c *Controller) sessionInfo() SessionInfo {
	info := SessionInfo{Phase: PhaseIdle.String(), CanvasIndex: -1, Row: -1, Last: c.last}
	s := c.session
	if s == nil {
		return info
	}
	info.Phase = s.phase.String()
	info.Target = s.target
	info.CanvasIndex = s.index
	info.PathSpec = s.pathSpec
	info.StartTimestamp = s.startTimestamp
	info.Countdown = s.countdown
	info.CanvasRemoved = s.canvasRemoved
	info.Stopped = s.stopped
	if s.settings.HasTimer {
		info.TimerSeconds = s.settings.TimerSeconds
	}
	if r, ok := c.selectedRow(); ok {
		info.Row = r.Row
	}
	return info
}

// Session returns the current session state.
func (c *Controller) Session() SessionInfo {
	var out SessionInfo
	_ = c.call(func() { out = c.sessionInfo() })
	return out
}

func (c *Controller) publishSession() {
	c.publish(relay.FeedSession, c.sessionInfo())
}

// Start opens a session on the canvas at row. settings overrides the row's
// stored settings when non-nil. A positive delay enters Delaying first.
func (c *Controller) Start(row int, settings *protocol.Settings) (SessionInfo, error) {
	var (
		out SessionInfo
		err error
	)
	if cerr := c.call(func() {
		err = c.start(row, settings)
		out = c.sessionInfo()
	}); cerr != nil {
		return SessionInfo{}, cerr
	}
	return out, err
}

func (c *Controller) start(row int, override *protocol.Settings) error {
	if c.disabled {
		return protocol.NewError(protocol.CodeUnavailable, "capture is disabled for this tab", nil)
	}
	if c.session != nil {
		return protocol.NewError(protocol.CodeBusy, "a capture session is already active", nil)
	}
	if row < 0 || row >= len(c.rows) {
		return protocol.NewError(protocol.CodeNotFound, "canvas row not found", nil)
	}
	r := c.rows[row]
	settings := r.Settings
	if override != nil {
		settings = override.Normalize()
	}

	c.gen++
	c.session = &session{
		gen:      c.gen,
		target:   r.Frame,
		index:    r.Index,
		pathSpec: r.PathSpec,
		settings: settings,
	}
	c.selected = &marker{frame: r.Frame, pathSpec: r.PathSpec}
	c.logger.Info("controller: session start", "target", r.Frame, "index", r.Index, "delay", settings.DelaySeconds)
	if settings.DelaySeconds > 0 {
		c.beginDelay()
	} else {
		c.beginCapture()
	}
	return nil
}

func (c *Controller) display(capturing bool) {
	msg := protocol.New(protocol.CmdDisplay, protocol.Top, protocol.Background)
	msg.Capturing = capturing
	if s := c.session; s != nil {
		msg.Countdown = s.countdown
	}
	c.sendTo(protocol.Background, msg)
}

func (c *Controller) beginDelay() {
	s := c.session
	s.phase = PhaseDelaying
	s.countdown = s.settings.DelaySeconds
	s.acked = false

	msg := protocol.New(protocol.CmdDelay, protocol.Top, s.target)
	msg.CanvasIndex = s.index
	msg.Delayed = true
	c.sendTo(s.target, msg)

	gen := s.gen
	s.delayTimer = time.AfterFunc(time.Duration(s.settings.DelaySeconds)*time.Second, func() {
		c.post(func() { c.onDelayElapsed(gen) })
	})
	c.armTick(gen)
	c.display(true)
	c.rebuild()
	c.publishSession()
}

func (c *Controller) armTick(gen uint64) {
	s := c.session
	s.tickTimer = time.AfterFunc(time.Second, func() {
		c.post(func() { c.onTick(gen) })
	})
}

func (c *Controller) current(gen uint64) *session {
	if s := c.session; s != nil && s.gen == gen {
		return s
	}
	return nil
}

func (c *Controller) onTick(gen uint64) {
	s := c.current(gen)
	if s == nil || s.phase != PhaseDelaying {
		return
	}
	if s.countdown > 1 {
		s.countdown--
		c.armTick(gen)
		c.display(true)
		c.publishSession()
	}
}

func (c *Controller) onDelayElapsed(gen uint64) {
	s := c.current(gen)
	if s == nil || s.phase != PhaseDelaying {
		return
	}
	c.beginCapture()
}

func (c *Controller) beginCapture() {
	s := c.session
	s.stopTimers()
	s.phase = PhaseCapturing
	s.countdown = 0
	s.acked = false

	msg := protocol.New(protocol.CmdCaptureStart, protocol.Top, s.target)
	msg.CanvasIndex = s.index
	msg.FPS = s.settings.FPS
	msg.BitsPerSecond = s.settings.BitsPerSecond
	msg.HasTimer = s.settings.HasTimer && s.settings.TimerSeconds > 0
	if msg.HasTimer {
		msg.TimerSeconds = s.settings.TimerSeconds
	}
	c.sendTo(s.target, msg)
	c.display(true)
	c.rebuild()
	c.publishSession()
}

// SkipDelay starts capturing now instead of waiting for the countdown.
func (c *Controller) SkipDelay() (SessionInfo, error) {
	var (
		out SessionInfo
		err error
	)
	if cerr := c.call(func() {
		if s := c.session; s == nil || s.phase != PhaseDelaying {
			err = protocol.NewError(protocol.CodeValidation, "no delay is pending", nil)
		} else {
			c.beginCapture()
		}
		out = c.sessionInfo()
	}); cerr != nil {
		return SessionInfo{}, cerr
	}
	return out, err
}

// Cancel lifts a pending delay, or stops a running capture.
func (c *Controller) Cancel() (SessionInfo, error) {
	return c.endRequest()
}

// Stop finishes a running capture, or lifts a pending delay. The session
// ends once the agent reports the recording stopped.
func (c *Controller) Stop() (SessionInfo, error) {
	return c.endRequest()
}

func (c *Controller) endRequest() (SessionInfo, error) {
	var (
		out SessionInfo
		err error
	)
	if cerr := c.call(func() {
		s := c.session
		switch {
		case s == nil:
			err = protocol.NewError(protocol.CodeValidation, "no capture session is active", nil)
		case s.phase == PhaseDelaying:
			c.cancelDelay("")
		case s.phase == PhaseCapturing:
			c.requestStop()
		}
		out = c.sessionInfo()
	}); cerr != nil {
		return SessionInfo{}, cerr
	}
	return out, err
}

// cancelDelay clears both timers, lifts the delay on the target, resets the
// session and releases the selection.
func (c *Controller) cancelDelay(reason string) {
	s := c.session
	s.stopTimers()
	lift := protocol.New(protocol.CmdDelay, protocol.Top, s.target)
	lift.Delayed = false
	c.sendTo(s.target, lift)
	out := &Outcome{Ended: time.Now()}
	if reason != "" {
		out.Error = true
		out.ErrorMessage = reason
		c.notify(reason)
	}
	c.endSession(out)
}

func (c *Controller) requestStop() {
	s := c.session
	s.phase = PhaseStopping
	s.stopped = true
	msg := protocol.New(protocol.CmdCaptureStop, protocol.Top, s.target)
	msg.CanvasIndex = s.index
	c.sendTo(s.target, msg)
	c.publishSession()
}

func (c *Controller) endSession(out *Outcome) {
	if s := c.session; s != nil {
		s.stopTimers()
		out.Stopped = out.Stopped || s.stopped
		out.CanvasRemoved = out.CanvasRemoved || s.canvasRemoved
		c.logger.Info("controller: session end", "target", s.target, "index", s.index, "success", out.Success, "error", out.ErrorMessage)
	}
	c.last = out
	c.session = nil
	c.selected = nil
	c.display(false)
	c.rebuild()
	c.publishSession()
}

// finishCapture closes a Capturing or Stopping session from a stop report,
// real or synthesized.
func (c *Controller) finishCapture(msg protocol.Message) {
	s := c.session
	s.canvasRemoved = s.canvasRemoved || msg.CanvasRemoved
	out := &Outcome{Ended: time.Now()}

	switch {
	case msg.Success && msg.Payload != nil && len(msg.Payload.Data) > 0:
		start := protocol.FromMillis(msg.Payload.Start)
		if start.IsZero() {
			start = s.startTimestamp
		}
		rec := c.addRecord(msg.Source, msg.Payload.Data, start, protocol.FromMillis(msg.Payload.End))
		info := rec.Info()
		out.Success = true
		out.Record = &info
		if s.settings.Remux {
			c.enqueueRemux(rec)
		}
	case msg.Success:
		out.Error = true
		out.ErrorMessage = "The recording was empty."
	default:
		out.Error = true
		out.ErrorMessage = msg.Error
		if out.ErrorMessage == "" {
			out.ErrorMessage = "The recording failed."
		}
	}
	if out.Error {
		c.notify(out.ErrorMessage)
	}
	c.endSession(out)
}
