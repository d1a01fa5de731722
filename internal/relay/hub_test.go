package relay

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

func recv(t *testing.T, p interface {
	Receive() <-chan protocol.Message
}) protocol.Message {
	t.Helper()
	select {
	case msg := <-p.Receive():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
		return protocol.Message{}
	}
}

func expectNone(t *testing.T, p *Port) {
	t.Helper()
	select {
	case msg := <-p.Receive():
		t.Fatalf("unexpected message %s from %s", msg.Command, msg.Source)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustConnect(t *testing.T, h *Hub, tab int, ctx protocol.ContextID) *Port {
	t.Helper()
	p, err := h.Connect(tab, ctx)
	if err != nil {
		t.Fatalf("Connect(%d, %s) error = %v", tab, ctx, err)
	}
	return p
}

func TestRouteToTopStampsTabAndSource(t *testing.T) {
	h := NewHub(Options{})
	top := mustConnect(t, h, 7, protocol.Top)
	agent := mustConnect(t, h, 7, "frame-a")

	msg := protocol.New(protocol.CmdCaptureStarted, "", protocol.Top)
	msg.TabID = 99
	if err := agent.Send(msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := recv(t, top)
	if got.TabID != 7 || got.Source != "frame-a" {
		t.Fatalf("got tab=%d source=%q; want 7 frame-a", got.TabID, got.Source)
	}
}

func TestRouteAllExcludesSenderAndOtherTabs(t *testing.T) {
	h := NewHub(Options{})
	top := mustConnect(t, h, 1, protocol.Top)
	a := mustConnect(t, h, 1, "a")
	b := mustConnect(t, h, 1, "b")
	other := mustConnect(t, h, 2, "c")

	if err := a.Send(protocol.New(protocol.CmdIframeNavigated, "", protocol.All)); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, b); got.Command != protocol.CmdIframeNavigated {
		t.Fatalf("b got %s", got.Command)
	}
	expectNone(t, a)
	expectNone(t, top)
	expectNone(t, other)
}

func TestRouteUnknownTargetDropped(t *testing.T) {
	h := NewHub(Options{})
	top := mustConnect(t, h, 1, protocol.Top)
	if err := top.Send(protocol.New(protocol.CmdCaptureStart, "", "ghost")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	expectNone(t, top)
}

func TestConnectRejectsDuplicatesAndReserved(t *testing.T) {
	h := NewHub(Options{})
	mustConnect(t, h, 1, protocol.Top)
	if _, err := h.Connect(1, protocol.Top); err == nil {
		t.Fatalf("second controller accepted")
	}
	mustConnect(t, h, 1, "x")
	if _, err := h.Connect(1, "x"); err == nil {
		t.Fatalf("duplicate agent accepted")
	}
	for _, ctx := range []protocol.ContextID{"", protocol.Background, protocol.All} {
		if _, err := h.Connect(1, ctx); err == nil {
			t.Fatalf("Connect(%q) accepted", ctx)
		}
	}
}

func TestAgentCloseSynthesizesDisconnect(t *testing.T) {
	h := NewHub(Options{})
	top := mustConnect(t, h, 3, protocol.Top)
	agent := mustConnect(t, h, 3, "gone")
	agent.Close()
	agent.Close()

	got := recv(t, top)
	if got.Command != protocol.CmdDisconnect || got.Context != "gone" || got.Source != protocol.Background {
		t.Fatalf("got %+v; want disconnect for gone", got)
	}
	expectNone(t, top)
	if err := agent.Send(protocol.New(protocol.CmdRegister, "", protocol.Top)); err != ErrClosed {
		t.Fatalf("Send() after close = %v; want ErrClosed", err)
	}
	// The context id is free again.
	mustConnect(t, h, 3, "gone")
}

func TestDisplayTracksActiveTabs(t *testing.T) {
	var mu sync.Mutex
	var seen []protocol.Message
	h := NewHub(Options{Background: func(m protocol.Message) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	}})
	top := mustConnect(t, h, 4, protocol.Top)
	mustConnect(t, h, 5, protocol.Top)

	msg := protocol.New(protocol.CmdDisplay, "", protocol.Background)
	msg.Capturing = true
	if err := top.Send(msg); err != nil {
		t.Fatal(err)
	}
	if got := h.ActiveTabs(); len(got) != 1 || got[0] != 4 {
		t.Fatalf("ActiveTabs() = %v; want [4]", got)
	}
	mu.Lock()
	if len(seen) != 1 || seen[0].TabID != 4 {
		t.Fatalf("background saw %+v", seen)
	}
	mu.Unlock()

	top.Close()
	if got := h.ActiveTabs(); len(got) != 0 {
		t.Fatalf("ActiveTabs() after close = %v; want none", got)
	}
	tabs := h.Tabs()
	if len(tabs) != 1 || tabs[0].TabID != 5 {
		t.Fatalf("Tabs() = %+v; want only tab 5", tabs)
	}
}

func TestJournalRecordsRoutedMessages(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 16, 1, nil)
	if err != nil {
		t.Fatalf("NewJournal() error = %v", err)
	}
	h := NewHub(Options{Journal: j})
	top := mustConnect(t, h, 1, protocol.Top)
	agent := mustConnect(t, h, 1, "a")

	msg := protocol.New(protocol.CmdDownload, "", protocol.Top)
	msg.Payload = &protocol.Payload{Data: []byte("12345")}
	if err := agent.Send(msg); err != nil {
		t.Fatal(err)
	}
	recv(t, top)
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "relay.jsonl"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 1 {
		t.Fatalf("journal lines = %d; want 1", len(lines))
	}
	if !strings.Contains(lines[0], `"command":"download"`) || !strings.Contains(lines[0], `"payload_bytes":5`) {
		t.Fatalf("journal line = %s", lines[0])
	}
	if strings.Contains(lines[0], "12345") {
		t.Fatalf("journal leaked payload bytes: %s", lines[0])
	}
}

func TestSSEHandlerFiltersFeedsAndTabs(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?feeds=session&tab=2", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	deadline := time.Now().Add(time.Second)
	for b.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.PublishJSON(2, FeedCanvases, []int{1})
	b.PublishJSON(1, FeedSession, map[string]string{"state": "idle"})
	b.PublishJSON(2, FeedSession, map[string]string{"state": "capturing"})

	r := bufio.NewReader(resp.Body)
	var block []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if len(block) > 0 {
				break
			}
			continue
		}
		block = append(block, line)
	}
	if block[0] != "event: session" {
		t.Fatalf("event line = %q", block[0])
	}
	if want := `data: {"tab_id":2,"data":{"state":"capturing"}}`; block[1] != want {
		t.Fatalf("data line = %q; want %q", block[1], want)
	}
}

func TestSSEHandlerRejectsBadTab(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events?tab=x", nil)
	SSEHandler(NewBroker())(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", rec.Code)
	}
}

func TestWebSocketAgentRoundTrip(t *testing.T) {
	h := NewHub(Options{})
	top := mustConnect(t, h, 9, protocol.Top)
	srv := httptest.NewServer(ServeWS(h))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	agent, err := DialWS(ctx, url, 9, "remote")
	if err != nil {
		t.Fatalf("DialWS() error = %v", err)
	}

	if err := agent.Send(protocol.New(protocol.CmdCaptureStarted, "", protocol.Top)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := recv(t, top)
	if got.Command != protocol.CmdCaptureStarted || got.Source != "remote" || got.TabID != 9 {
		t.Fatalf("controller got %+v", got)
	}

	stop := protocol.New(protocol.CmdCaptureStop, "", "remote")
	if err := top.Send(stop); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, agent); got.Command != protocol.CmdCaptureStop {
		t.Fatalf("agent got %s", got.Command)
	}

	agent.Close()
	if got := recv(t, top); got.Command != protocol.CmdDisconnect || got.Context != "remote" {
		t.Fatalf("controller got %+v; want disconnect", got)
	}
}

func TestWebSocketRefusesTopContext(t *testing.T) {
	h := NewHub(Options{})
	srv := httptest.NewServer(ServeWS(h))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	impostor, err := DialWS(ctx, url, 5, protocol.Top)
	if err != nil {
		t.Fatalf("DialWS() error = %v", err)
	}
	select {
	case <-impostor.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("server kept a connection that registered as %s", protocol.Top)
	}

	for _, tab := range h.Tabs() {
		if tab.TabID == 5 && tab.Controller {
			t.Fatalf("tab 5 controller taken over by remote client: %+v", tab)
		}
	}
	top := mustConnect(t, h, 5, protocol.Top)
	defer top.Close()
}
