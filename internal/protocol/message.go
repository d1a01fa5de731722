// Package protocol defines the structured records exchanged between the relay,
// frame agents, the top controller and the re-encode worker.
package protocol

import (
	"fmt"
	"time"
)

// Command names a message type.
type Command string

const (
	CmdCaptureStart    Command = "capture-start"
	CmdCaptureStop     Command = "capture-stop"
	CmdCaptureStarted  Command = "capture-started"
	CmdCaptureStopped  Command = "capture-stopped"
	CmdDelay           Command = "delay"
	CmdDisable         Command = "disable"
	CmdDisconnect      Command = "disconnect"
	CmdDisplay         Command = "display"
	CmdDownload        Command = "download"
	CmdHighlight       Command = "highlight"
	CmdNotify          Command = "notify"
	CmdRegister        Command = "register"
	CmdRemoveCapture   Command = "remove-capture"
	CmdUpdateCanvases  Command = "update-canvases"
	CmdUpdateSettings  Command = "update-settings"
	CmdIframeNavigated Command = "iframe-navigated"
	CmdIdentify        Command = "identify"
	CmdRemux           Command = "remux"
)

var knownCommands = map[Command]bool{
	CmdCaptureStart: true, CmdCaptureStop: true, CmdCaptureStarted: true, CmdCaptureStopped: true,
	CmdDelay: true, CmdDisable: true, CmdDisconnect: true, CmdDisplay: true, CmdDownload: true,
	CmdHighlight: true, CmdNotify: true, CmdRegister: true, CmdRemoveCapture: true,
	CmdUpdateCanvases: true, CmdUpdateSettings: true, CmdIframeNavigated: true,
	CmdIdentify: true, CmdRemux: true,
}

// Rect is a surface's bounding box in its frame's viewport.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CanvasInfo describes one capturable surface. Values are recomputed on every
// registry refresh and never mutated in place.
type CanvasInfo struct {
	LocalID  string    `json:"local_id"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	PathSpec string    `json:"path_spec"`
	Frame    ContextID `json:"frame"`
	Index    int       `json:"index"`
}

// Payload carries recorded bytes between contexts. The sender must not touch
// Data after handing the message off.
type Payload struct {
	Data  []byte `json:"data"`
	Start int64  `json:"start_ms"`
	End   int64  `json:"end_ms"`
}

// RecordInfo is the externally visible form of a capture record.
type RecordInfo struct {
	Handle  string    `json:"handle"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Size    int       `json:"size"`
	Name    string    `json:"name"`
	Owner   ContextID `json:"owner"`
	Remuxed bool      `json:"remuxed"`
}

// Message is the envelope for every command. Only the fields relevant to
// Command are populated.
type Message struct {
	Command Command   `json:"command"`
	TabID   int       `json:"tab_id"`
	Source  ContextID `json:"source"`
	Target  ContextID `json:"target"`

	CanvasIndex   int  `json:"canvas_index"`
	FPS           int  `json:"fps,omitempty"`
	BitsPerSecond int  `json:"bits_per_second,omitempty"`
	HasTimer      bool `json:"has_timer,omitempty"`
	TimerSeconds  int  `json:"timer_seconds,omitempty"`
	Delayed       bool `json:"delayed,omitempty"`

	Context ContextID `json:"context,omitempty"`
	Handle  string    `json:"handle,omitempty"`
	Name    string    `json:"name,omitempty"`
	Rect    *Rect     `json:"rect,omitempty"`
	Text    string    `json:"text,omitempty"`

	FrameID       int                 `json:"frame_id,omitempty"`
	TabKey        string              `json:"tab_key,omitempty"`
	URL           string              `json:"url,omitempty"`
	SavedSettings map[string]Settings `json:"saved_settings,omitempty"`

	Canvases    []CanvasInfo `json:"canvases,omitempty"`
	ActiveIndex int          `json:"active_index"`
	DelayIndex  int          `json:"delay_index"`

	Settings *Settings `json:"settings,omitempty"`
	PathSpec string    `json:"path_spec,omitempty"`

	FrameKey string   `json:"frame_key,omitempty"`
	Address  []string `json:"address,omitempty"`

	Success        bool     `json:"success,omitempty"`
	StartTimestamp int64    `json:"start_timestamp,omitempty"`
	Payload        *Payload `json:"payload,omitempty"`
	CanvasRemoved  bool     `json:"canvas_removed,omitempty"`
	Error          string   `json:"error,omitempty"`

	Capturing bool `json:"capturing,omitempty"`
	Countdown int  `json:"countdown,omitempty"`
}

// New returns a message with the index fields set to their "none" value.
func New(cmd Command, source, target ContextID) Message {
	return Message{
		Command:     cmd,
		Source:      source,
		Target:      target,
		CanvasIndex: -1,
		ActiveIndex: -1,
		DelayIndex:  -1,
	}
}

// Validate checks the command-specific fields.
func (m Message) Validate() error {
	if m.Command == "" {
		return NewError(CodeValidation, "command is required", nil)
	}
	if !knownCommands[m.Command] {
		return NewError(CodeValidation, fmt.Sprintf("unknown command %q", m.Command), nil)
	}
	switch m.Command {
	case CmdCaptureStart:
		if m.CanvasIndex < 0 {
			return NewError(CodeValidation, "capture-start: canvas_index must be >= 0", nil)
		}
		if m.FPS <= 0 || m.BitsPerSecond <= 0 {
			return NewError(CodeValidation, "capture-start: fps and bits_per_second must be positive", nil)
		}
		if m.HasTimer && m.TimerSeconds <= 0 {
			return NewError(CodeValidation, "capture-start: timer_seconds must be positive when has_timer is set", nil)
		}
	case CmdDisconnect:
		if m.Context == "" {
			return NewError(CodeValidation, "disconnect: context is required", nil)
		}
	case CmdDownload, CmdRemoveCapture:
		if m.Handle == "" {
			return NewError(CodeValidation, string(m.Command)+": handle is required", nil)
		}
	case CmdNotify:
		if m.Text == "" {
			return NewError(CodeValidation, "notify: text is required", nil)
		}
	case CmdUpdateCanvases:
		n := len(m.Canvases)
		if m.ActiveIndex < -1 || m.ActiveIndex >= n || m.DelayIndex < -1 || m.DelayIndex >= n {
			return NewError(CodeValidation, "update-canvases: index out of range", nil)
		}
	case CmdUpdateSettings:
		if m.Settings == nil {
			return NewError(CodeValidation, "update-settings: settings are required", nil)
		}
	case CmdIdentify:
		if m.FrameKey == "" {
			return NewError(CodeValidation, "identify: frame_key is required", nil)
		}
	case CmdIframeNavigated:
		if m.URL == "" {
			return NewError(CodeValidation, "iframe-navigated: url is required", nil)
		}
	}
	return nil
}

// Reply builds a message addressed back to m's sender.
func (m Message) Reply(cmd Command) Message {
	r := New(cmd, m.Target, m.Source)
	r.TabID = m.TabID
	return r
}

// Millis converts a time to epoch milliseconds, the wire unit for timestamps.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
