package protocol

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	start := New(CmdCaptureStart, Top, "frame-1")
	start.CanvasIndex = 2
	start.FPS = 30
	start.BitsPerSecond = 2_000_000

	noTimer := start
	noTimer.HasTimer = true

	badIndex := New(CmdUpdateCanvases, "frame-1", Top)
	badIndex.Canvases = []CanvasInfo{{LocalID: "a"}}
	badIndex.ActiveIndex = 1

	goodIndex := badIndex
	goodIndex.ActiveIndex = 0

	// Agents ack an unresolvable delay target with canvas_index -1; the
	// top frame's agent sends that ack as top itself.
	notFoundAck := New(CmdDelay, "frame-1", Top)
	notFoundAck.Delayed = true
	topNotFoundAck := New(CmdDelay, Top, Top)
	topNotFoundAck.Delayed = true

	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"empty command", Message{}, true},
		{"unknown command", Message{Command: "bogus"}, true},
		{"valid start", start, false},
		{"timer without seconds", noTimer, true},
		{"start without canvas", New(CmdCaptureStart, Top, "f"), true},
		{"disconnect without context", New(CmdDisconnect, Background, Top), true},
		{"remove without handle", New(CmdRemoveCapture, Top, Top), true},
		{"canvases index out of range", badIndex, true},
		{"canvases index valid", goodIndex, false},
		{"delay lifted without index", New(CmdDelay, Top, "f"), false},
		{"delay ack for missing canvas", notFoundAck, false},
		{"top delay ack for missing canvas", topNotFoundAck, false},
		{"identify without key", New(CmdIdentify, "f", "p"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var coded *CodedError
				if !errors.As(err, &coded) || coded.Code != CodeValidation {
					t.Fatalf("Validate() error = %v; want VALIDATION CodedError", err)
				}
			}
		})
	}
}

func TestReplySwapsEndpoints(t *testing.T) {
	m := New(CmdDelay, Top, "frame-1")
	m.TabID = 7
	r := m.Reply(CmdDelay)
	if r.Source != "frame-1" || r.Target != Top {
		t.Fatalf("Reply() = %s -> %s; want frame-1 -> top", r.Source, r.Target)
	}
	if r.TabID != 7 {
		t.Fatalf("Reply().TabID = %d; want 7", r.TabID)
	}
	if r.ActiveIndex != -1 || r.DelayIndex != -1 || r.CanvasIndex != -1 {
		t.Fatalf("Reply() indexes = %d/%d/%d; want -1", r.CanvasIndex, r.ActiveIndex, r.DelayIndex)
	}
}

func TestNewContextIDUnique(t *testing.T) {
	seen := map[ContextID]bool{}
	for i := 0; i < 100; i++ {
		id := NewContextID()
		if id.Reserved() {
			t.Fatalf("NewContextID() returned reserved token %q", id)
		}
		if seen[id] {
			t.Fatalf("NewContextID() repeated %q", id)
		}
		seen[id] = true
	}
}

func TestSettingsNormalize(t *testing.T) {
	got := Settings{FPS: 500, BitsPerSecond: -1, DelaySeconds: -3, TimerSeconds: 0, HasTimer: true}.Normalize()
	if got.FPS != DefaultFPS || got.BitsPerSecond != DefaultBitsPerSecond {
		t.Fatalf("Normalize() = %+v; want defaults for fps/bps", got)
	}
	if got.DelaySeconds != 0 || got.HasTimer {
		t.Fatalf("Normalize() = %+v; want no delay and no timer", got)
	}
}
