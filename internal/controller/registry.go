package controller

import (
	"context"
	"sort"

	"github.com/dgnsrekt/canvas_capture/internal/pathspec"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
)

// frameEntry is everything the controller knows about one frame agent.
type frameEntry struct {
	ctx          protocol.ContextID
	frameID      int
	frameKey     string
	url          string
	address      pathspec.Address
	addressKnown bool
	canvases     []protocol.CanvasInfo
	activeIndex  int
	delayIndex   int
	saved        map[string]protocol.Settings
}

// Row is one canvas in the flattened, sorted list shown to the user. Row
// numbers change whenever any frame reports; Frame and PathSpec do not.
type Row struct {
	Row          int                `json:"row"`
	Frame        protocol.ContextID `json:"frame"`
	FrameURL     string             `json:"frame_url"`
	FrameAddress string             `json:"frame_address"`
	Index        int                `json:"index"`
	LocalID      string             `json:"local_id,omitempty"`
	PathSpec     string             `json:"path_spec"`
	Width        int                `json:"width"`
	Height       int                `json:"height"`
	Settings     protocol.Settings  `json:"settings"`
	Selected     bool               `json:"selected"`
	Capturing    bool               `json:"capturing"`
	Delaying     bool               `json:"delaying"`
}

// marker identifies the selected row across rebuilds.
type marker struct {
	frame    protocol.ContextID
	pathSpec string
}

func (c *Controller) entry(ctx protocol.ContextID) *frameEntry {
	e := c.frames[ctx]
	if e == nil {
		e = &frameEntry{ctx: ctx, activeIndex: -1, delayIndex: -1, saved: map[string]protocol.Settings{}}
		if ctx == protocol.Top {
			e.address = pathspec.Address{}
			e.addressKnown = true
		}
		c.frames[ctx] = e
	}
	return e
}

func (c *Controller) loadSettings(e *frameEntry) {
	if c.opts.Settings == nil || !e.addressKnown {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	saved, err := c.opts.Settings.Load(ctx, e.address.String())
	if err != nil {
		c.logger.Warn("controller: load settings failed", "frame", e.ctx, "error", err)
		return
	}
	for k, v := range saved {
		e.saved[k] = v.Normalize()
	}
}

func (c *Controller) settingsFor(e *frameEntry, pathSpec string) protocol.Settings {
	if s, ok := e.saved[pathSpec]; ok {
		return s
	}
	return c.opts.Defaults
}

// rebuild recomputes the flattened rows. Frames are ordered by structural
// address with the top frame first; frames whose address is still unknown
// sort last.
func (c *Controller) rebuild() {
	entries := make([]*frameEntry, 0, len(c.frames))
	for _, e := range c.frames {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.addressKnown != b.addressKnown {
			return a.addressKnown
		}
		if as, bs := a.address.String(), b.address.String(); as != bs {
			return as < bs
		}
		return a.ctx < b.ctx
	})

	rows := make([]Row, 0, len(c.rows))
	for _, e := range entries {
		addr := e.address.String()
		for _, cv := range e.canvases {
			r := Row{
				Row:          len(rows),
				Frame:        e.ctx,
				FrameURL:     e.url,
				FrameAddress: addr,
				Index:        cv.Index,
				LocalID:      cv.LocalID,
				PathSpec:     cv.PathSpec,
				Width:        cv.Width,
				Height:       cv.Height,
				Settings:     c.settingsFor(e, cv.PathSpec),
			}
			if m := c.selected; m != nil && m.frame == e.ctx && m.pathSpec == cv.PathSpec {
				r.Selected = true
			}
			if s := c.session; s != nil && s.target == e.ctx && s.index == cv.Index {
				r.Delaying = s.phase == PhaseDelaying
				r.Capturing = s.phase == PhaseCapturing || s.phase == PhaseStopping
			}
			rows = append(rows, r)
		}
	}
	c.rows = rows
	c.publish(relay.FeedCanvases, rows)
}

// selectedRow finds the row carrying the selection marker.
func (c *Controller) selectedRow() (Row, bool) {
	if c.selected == nil {
		return Row{}, false
	}
	for _, r := range c.rows {
		if r.Frame == c.selected.frame && r.PathSpec == c.selected.pathSpec {
			return r, true
		}
	}
	return Row{}, false
}

// Rows returns the flattened canvas list.
func (c *Controller) Rows() []Row {
	var out []Row
	_ = c.call(func() { out = append(out, c.rows...) })
	return out
}

// FrameInfo summarises one registry entry.
type FrameInfo struct {
	Context  protocol.ContextID `json:"context"`
	FrameID  int                `json:"frame_id"`
	URL      string             `json:"url"`
	Address  string             `json:"address"`
	Known    bool               `json:"address_known"`
	Canvases int                `json:"canvases"`
}

// Frames lists the registry.
func (c *Controller) Frames() []FrameInfo {
	var out []FrameInfo
	_ = c.call(func() {
		for _, e := range c.frames {
			out = append(out, FrameInfo{
				Context:  e.ctx,
				FrameID:  e.frameID,
				URL:      e.url,
				Address:  e.address.String(),
				Known:    e.addressKnown,
				Canvases: len(e.canvases),
			})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// UpdateSettings stores settings for the canvas at row and persists them
// under the frame's structural address.
func (c *Controller) UpdateSettings(row int, s protocol.Settings) (Row, error) {
	var (
		out Row
		err error
	)
	if cerr := c.call(func() {
		if row < 0 || row >= len(c.rows) {
			err = protocol.NewError(protocol.CodeNotFound, "canvas row not found", nil)
			return
		}
		r := c.rows[row]
		c.saveSettings(r.Frame, r.PathSpec, s)
		out = c.rows[row]
	}); cerr != nil {
		return Row{}, cerr
	}
	return out, err
}

func (c *Controller) saveSettings(ctx protocol.ContextID, pathSpec string, s protocol.Settings) {
	e := c.frames[ctx]
	if e == nil {
		return
	}
	s = s.Normalize()
	e.saved[pathSpec] = s
	if c.opts.Settings != nil && e.addressKnown {
		sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := c.opts.Settings.Save(sctx, e.address.String(), pathSpec, s)
		cancel()
		if err != nil {
			c.logger.Warn("controller: save settings failed", "frame", ctx, "path", pathSpec, "error", err)
		}
	}
	c.rebuild()
}

// Highlight asks the frame hosting row to report the canvas rectangle.
func (c *Controller) Highlight(row int) error {
	var err error
	if cerr := c.call(func() {
		if row < 0 || row >= len(c.rows) {
			err = protocol.NewError(protocol.CodeNotFound, "canvas row not found", nil)
			return
		}
		r := c.rows[row]
		msg := protocol.New(protocol.CmdHighlight, protocol.Top, r.Frame)
		msg.CanvasIndex = r.Index
		c.sendTo(r.Frame, msg)
	}); cerr != nil {
		return cerr
	}
	return err
}

// HighlightEvent is published when a frame reports a canvas rectangle.
type HighlightEvent struct {
	Row   int                `json:"row"`
	Frame protocol.ContextID `json:"frame"`
	Index int                `json:"index"`
	Rect  *protocol.Rect     `json:"rect,omitempty"`
}
