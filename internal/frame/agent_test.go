package frame

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/dom"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/surface"
	"github.com/dgnsrekt/canvas_capture/internal/surface/surfacetest"
)

type fakeUplink struct {
	sent   chan protocol.Message
	in     chan protocol.Message
	closed chan struct{}
	once   sync.Once
}

func newFakeUplink() *fakeUplink {
	return &fakeUplink{
		sent:   make(chan protocol.Message, 64),
		in:     make(chan protocol.Message, 64),
		closed: make(chan struct{}),
	}
}

func (u *fakeUplink) Send(msg protocol.Message) error {
	select {
	case <-u.closed:
		return ErrClosed
	default:
	}
	u.sent <- msg
	return nil
}
func (u *fakeUplink) Receive() <-chan protocol.Message { return u.in }
func (u *fakeUplink) Done() <-chan struct{}            { return u.closed }
func (u *fakeUplink) Close() error {
	u.once.Do(func() { close(u.closed) })
	return nil
}

// next returns the next sent message with the given command, skipping
// others.
func (u *fakeUplink) next(t *testing.T, cmd protocol.Command) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-u.sent:
			if msg.Command == cmd {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", cmd)
			return protocol.Message{}
		}
	}
}

func (u *fakeUplink) none(t *testing.T, cmd protocol.Command, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case msg := <-u.sent:
			if msg.Command == cmd {
				t.Fatalf("unexpected %s: %+v", cmd, msg)
			}
		case <-deadline:
			return
		}
	}
}

type fixture struct {
	doc      *dom.Document
	canvases []*dom.Node
	rec      *surfacetest.Recorder
	up       *fakeUplink
	agent    *Agent
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{doc: dom.NewDocument("https://example.com/"), rec: surfacetest.NewRecorder(), up: newFakeUplink()}
	for i := 0; i < n; i++ {
		c := f.doc.CreateElement("canvas")
		if err := f.doc.Append(f.doc.Body(), c); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		f.canvases = append(f.canvases, c)
	}
	a, err := New(Options{TabID: 1, Context: "frame-1", Document: f.doc, Recorder: f.rec, Uplink: f.up})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	f.agent = a
	if err := a.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	f.up.next(t, protocol.CmdRegister)
	f.up.next(t, protocol.CmdUpdateCanvases)
	return f
}

func TestRegisterReportsRegistry(t *testing.T) {
	doc := dom.NewDocument("https://example.com/page")
	c := doc.CreateElement("canvas")
	doc.SetAttr(c, "id", "game")
	_ = doc.Append(doc.Body(), c)
	up := newFakeUplink()
	a, err := New(Options{TabID: 4, FrameID: 9, TabKey: "k", Context: "ctx", Document: doc, Recorder: surfacetest.NewRecorder(), Uplink: up})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Register(); err != nil {
		t.Fatal(err)
	}

	reg := up.next(t, protocol.CmdRegister)
	if reg.FrameID != 9 || reg.TabKey != "k" || reg.URL != "https://example.com/page" || reg.Target != protocol.Top {
		t.Fatalf("register = %+v", reg)
	}
	upd := up.next(t, protocol.CmdUpdateCanvases)
	if len(upd.Canvases) != 1 {
		t.Fatalf("canvases = %d; want 1", len(upd.Canvases))
	}
	got := upd.Canvases[0]
	if got.LocalID != "game" || got.PathSpec != "html:0>body:0>canvas:0" || got.Frame != "ctx" || got.Index != 0 {
		t.Fatalf("canvas info = %+v", got)
	}
	if upd.ActiveIndex != -1 || upd.DelayIndex != -1 {
		t.Fatalf("indices = %d/%d; want -1/-1", upd.ActiveIndex, upd.DelayIndex)
	}
}

func TestMutationsTriggerRefresh(t *testing.T) {
	f := newFixture(t, 1)
	c := f.doc.CreateElement("canvas")
	_ = f.doc.Append(f.doc.Body(), c)
	if got := f.up.next(t, protocol.CmdUpdateCanvases); len(got.Canvases) != 2 {
		t.Fatalf("after add canvases = %d; want 2", len(got.Canvases))
	}
	f.doc.SetAttr(c, "width", "640")
	if got := f.up.next(t, protocol.CmdUpdateCanvases); got.Canvases[1].Width != 640 {
		t.Fatalf("after resize width = %d; want 640", got.Canvases[1].Width)
	}
	_ = f.doc.Remove(f.canvases[0])
	if got := f.up.next(t, protocol.CmdUpdateCanvases); len(got.Canvases) != 1 {
		t.Fatalf("after remove canvases = %d; want 1", len(got.Canvases))
	}
}

func TestStartStopCapture(t *testing.T) {
	f := newFixture(t, 3)
	before := time.Now()
	if err := f.agent.StartCapture(2, 30, 2_000_000, 0); err != nil {
		t.Fatalf("StartCapture() error = %v", err)
	}
	started := f.up.next(t, protocol.CmdCaptureStarted)
	if !started.Success || started.CanvasIndex != 2 {
		t.Fatalf("capture-started = %+v", started)
	}
	if ts := protocol.FromMillis(started.StartTimestamp); ts.Before(before.Add(-time.Second)) || ts.After(time.Now().Add(time.Second)) {
		t.Fatalf("start timestamp %v not close to call time", ts)
	}
	rec, ok := f.rec.Active(f.canvases[2].Key())
	if !ok {
		t.Fatalf("recording not started on canvas 2")
	}
	if got, want := rec.Options(), (surface.Options{FPS: 30, BitsPerSecond: 2_000_000}); got != want {
		t.Fatalf("recorder options = %+v; want %+v", got, want)
	}

	if err := f.agent.StartCapture(0, 30, 1, 0); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second StartCapture() error = %v; want ErrSessionActive", err)
	}
	if rej := f.up.next(t, protocol.CmdCaptureStarted); rej.Success {
		t.Fatalf("second start reported success")
	}

	if err := f.agent.StopCapture(); err != nil {
		t.Fatal(err)
	}
	stopped := f.up.next(t, protocol.CmdCaptureStopped)
	if !stopped.Success || stopped.Payload == nil || string(stopped.Payload.Data) != "webm:"+f.canvases[2].Key() {
		t.Fatalf("capture-stopped = %+v", stopped)
	}
	if f.agent.Capturing() {
		t.Fatalf("agent still capturing after stop")
	}
}

func TestStartFailureArmsNothing(t *testing.T) {
	f := newFixture(t, 1)
	f.rec.FailNext(errors.New("boom"))
	if err := f.agent.StartCapture(0, 30, 1000, 1); err == nil {
		t.Fatalf("StartCapture() = nil; want error")
	}
	got := f.up.next(t, protocol.CmdCaptureStarted)
	if got.Success || !strings.Contains(got.Error, "boom") || got.HasTimer {
		t.Fatalf("capture-started = %+v", got)
	}
	if f.agent.Capturing() {
		t.Fatalf("failed start left a session")
	}
	f.up.none(t, protocol.CmdCaptureStopped, 1200*time.Millisecond)

	f.doc.SetAttr(f.canvases[0], "width", "0")
	f.up.next(t, protocol.CmdUpdateCanvases)
	if err := f.agent.StartCapture(0, 30, 1000, 0); !errors.Is(err, surface.ErrUnsupported) {
		t.Fatalf("zero-size StartCapture() error = %v; want ErrUnsupported", err)
	}
	if err := f.agent.StartCapture(5, 30, 1000, 0); !errors.Is(err, ErrNoSuchCanvas) {
		t.Fatalf("out-of-range StartCapture() error = %v; want ErrNoSuchCanvas", err)
	}
}

func TestAutoStopTimer(t *testing.T) {
	f := newFixture(t, 1)
	if err := f.agent.StartCapture(0, 30, 1000, 1); err != nil {
		t.Fatal(err)
	}
	if got := f.up.next(t, protocol.CmdCaptureStarted); !got.HasTimer || got.TimerSeconds != 1 {
		t.Fatalf("capture-started = %+v; want timer 1s", got)
	}
	stopped := f.up.next(t, protocol.CmdCaptureStopped)
	if !stopped.Success {
		t.Fatalf("timer stop reported failure: %+v", stopped)
	}
}

func TestCanvasRemovedWhileCapturing(t *testing.T) {
	f := newFixture(t, 2)
	if err := f.agent.StartCapture(1, 30, 1000, 1); err != nil {
		t.Fatal(err)
	}
	f.up.next(t, protocol.CmdCaptureStarted)

	_ = f.doc.Remove(f.canvases[1])
	stopped := f.up.next(t, protocol.CmdCaptureStopped)
	if stopped.Success || !stopped.CanvasRemoved || stopped.Payload != nil {
		t.Fatalf("capture-stopped = %+v; want failure with canvas removed", stopped)
	}
	// The auto-stop timer was cancelled with the session.
	f.up.none(t, protocol.CmdCaptureStopped, 1200*time.Millisecond)
	if got := len(f.rec.Started()); got != 1 {
		t.Fatalf("recordings started = %d; want 1", got)
	}
}

func TestUnrequestedStopAndCrash(t *testing.T) {
	f := newFixture(t, 1)
	key := f.canvases[0].Key()

	_ = f.agent.StartCapture(0, 30, 1000, 0)
	f.up.next(t, protocol.CmdCaptureStarted)
	rec, _ := f.rec.Active(key)
	rec.End()
	if got := f.up.next(t, protocol.CmdCaptureStopped); got.Success || got.CanvasRemoved || got.Error == "" {
		t.Fatalf("unrequested stop = %+v", got)
	}

	_ = f.agent.StartCapture(0, 30, 1000, 0)
	f.up.next(t, protocol.CmdCaptureStarted)
	rec, _ = f.rec.Active(key)
	rec.Crash("encoder died")
	if got := f.up.next(t, protocol.CmdCaptureStopped); got.Success || !strings.Contains(got.Error, "encoder died") {
		t.Fatalf("crash stop = %+v", got)
	}
}

func TestDelayAckAndRefreshIndices(t *testing.T) {
	f := newFixture(t, 3)
	d := protocol.New(protocol.CmdDelay, protocol.Top, "frame-1")
	d.CanvasIndex = 1
	d.Delayed = true
	f.agent.Deliver(d)

	ack := f.up.next(t, protocol.CmdDelay)
	if !ack.Delayed || ack.CanvasIndex != 1 {
		t.Fatalf("delay ack = %+v", ack)
	}
	_ = f.doc.Remove(f.canvases[0])
	if got := f.up.next(t, protocol.CmdUpdateCanvases); got.DelayIndex != 0 {
		t.Fatalf("delay index after removal of earlier canvas = %d; want 0", got.DelayIndex)
	}

	d.CanvasIndex = 9
	f.agent.Deliver(d)
	if ack := f.up.next(t, protocol.CmdDelay); ack.CanvasIndex != -1 {
		t.Fatalf("delay ack for missing canvas = %d; want -1", ack.CanvasIndex)
	}
}

func TestHighlightAndDisable(t *testing.T) {
	f := newFixture(t, 1)
	f.doc.SetRect(f.canvases[0], protocol.Rect{X: 1, Y: 2, Width: 3, Height: 4})
	h := protocol.New(protocol.CmdHighlight, protocol.Top, "frame-1")
	h.CanvasIndex = 0
	f.agent.Deliver(h)
	got := f.up.next(t, protocol.CmdHighlight)
	if got.Rect == nil || got.Rect.Width != 3 {
		t.Fatalf("highlight = %+v", got)
	}

	_ = f.agent.StartCapture(0, 30, 1000, 0)
	f.up.next(t, protocol.CmdCaptureStarted)
	f.agent.Deliver(protocol.New(protocol.CmdDisable, protocol.Top, protocol.All))
	if got := f.up.next(t, protocol.CmdCaptureStopped); !got.Success {
		t.Fatalf("disable stop = %+v", got)
	}
	start := protocol.New(protocol.CmdCaptureStart, protocol.Top, "frame-1")
	start.CanvasIndex, start.FPS, start.BitsPerSecond = 0, 30, 1000
	f.agent.Deliver(start)
	f.up.none(t, protocol.CmdCaptureStarted, 100*time.Millisecond)
}

func TestIdentifyBubblesAddress(t *testing.T) {
	topDoc := dom.NewDocument("https://top/")
	topUp := newFakeUplink()
	top, err := New(Options{TabID: 1, Context: protocol.Top, Document: topDoc, Recorder: surfacetest.NewRecorder(), Uplink: topUp})
	if err != nil {
		t.Fatal(err)
	}
	defer top.Close()
	outer := topDoc.CreateElement("iframe")
	topDoc.SetFrameKey(outer, "f-mid")
	_ = topDoc.Append(topDoc.Body(), topDoc.CreateElement("iframe"))
	_ = topDoc.Append(topDoc.Body(), outer)

	midDoc := dom.NewDocument("https://mid/")
	mid, err := New(Options{TabID: 1, Context: "mid", FrameKey: "f-mid", Document: midDoc, Recorder: surfacetest.NewRecorder(), Uplink: newFakeUplink(), Parent: top})
	if err != nil {
		t.Fatal(err)
	}
	defer mid.Close()
	inner := midDoc.CreateElement("iframe")
	midDoc.SetFrameKey(inner, "f-leaf")
	_ = midDoc.Append(midDoc.Body(), inner)

	leaf, err := New(Options{TabID: 1, Context: "leaf", FrameKey: "f-leaf", Document: dom.NewDocument("https://leaf/"), Recorder: surfacetest.NewRecorder(), Uplink: newFakeUplink(), Parent: mid})
	if err != nil {
		t.Fatal(err)
	}
	defer leaf.Close()
	if err := leaf.Register(); err != nil {
		t.Fatal(err)
	}

	got := topUp.next(t, protocol.CmdIdentify)
	want := []string{"html:0>body:0>iframe:1", "html:0>body:0>iframe:0"}
	if got.Context != "leaf" || strings.Join(got.Address, " / ") != strings.Join(want, " / ") {
		t.Fatalf("identify = context %q address %v; want leaf %v", got.Context, got.Address, want)
	}
}

func TestUplinkCloseStopsAgent(t *testing.T) {
	f := newFixture(t, 1)
	_ = f.up.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := f.agent.RefreshCanvases(); errors.Is(err, ErrClosed) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("agent still running after uplink closed")
}
