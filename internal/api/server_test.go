package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/artifact"
	"github.com/dgnsrekt/canvas_capture/internal/attach"
	"github.com/dgnsrekt/canvas_capture/internal/controller"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

// stubService serves tab 1 with a single canvas row. Other tabs are not
// found.
type stubService struct {
	startErr    error
	started     *protocol.Settings
	startedRow  int
	updated     protocol.Settings
	enabled     *bool
	downloadFor string
}

func (s *stubService) tab(tabID int) error {
	if tabID != 1 {
		return protocol.NewError(protocol.CodeNotFound, "tab not found", nil)
	}
	return nil
}

func (s *stubService) ListTabs(ctx context.Context) []controller.TabSummary {
	return []controller.TabSummary{{TabID: 1, Phase: "idle", Canvases: 1}}
}

func (s *stubService) Canvases(ctx context.Context, tabID int) ([]controller.Row, error) {
	if err := s.tab(tabID); err != nil {
		return nil, err
	}
	return []controller.Row{{Row: 0, PathSpec: "html:0>body:0>canvas:0", Width: 300, Height: 150, Settings: protocol.DefaultSettings()}}, nil
}

func (s *stubService) Frames(ctx context.Context, tabID int) ([]controller.FrameInfo, error) {
	return nil, s.tab(tabID)
}

func (s *stubService) Session(ctx context.Context, tabID int) (controller.SessionInfo, error) {
	return controller.SessionInfo{Phase: "idle"}, s.tab(tabID)
}

func (s *stubService) StartCapture(ctx context.Context, tabID, row int, settings *protocol.Settings) (controller.SessionInfo, error) {
	if err := s.tab(tabID); err != nil {
		return controller.SessionInfo{}, err
	}
	if s.startErr != nil {
		return controller.SessionInfo{}, s.startErr
	}
	s.started = settings
	s.startedRow = row
	return controller.SessionInfo{Phase: "capturing", Row: row}, nil
}

func (s *stubService) StopCapture(ctx context.Context, tabID int) (controller.SessionInfo, error) {
	return controller.SessionInfo{Phase: "stopping", Stopped: true}, s.tab(tabID)
}

func (s *stubService) CancelCapture(ctx context.Context, tabID int) (controller.SessionInfo, error) {
	return controller.SessionInfo{Phase: "idle"}, s.tab(tabID)
}

func (s *stubService) SkipDelay(ctx context.Context, tabID int) (controller.SessionInfo, error) {
	return controller.SessionInfo{Phase: "capturing"}, s.tab(tabID)
}

func (s *stubService) UpdateSettings(ctx context.Context, tabID, row int, settings protocol.Settings) (controller.Row, error) {
	s.updated = settings
	return controller.Row{Row: row, Settings: settings}, s.tab(tabID)
}

func (s *stubService) Highlight(ctx context.Context, tabID, row int) error { return s.tab(tabID) }
func (s *stubService) Refresh(ctx context.Context, tabID int) error       { return s.tab(tabID) }

func (s *stubService) SetEnabled(ctx context.Context, tabID int, enabled bool) error {
	s.enabled = &enabled
	return s.tab(tabID)
}

func (s *stubService) Records(ctx context.Context, tabID int) ([]protocol.RecordInfo, error) {
	return nil, s.tab(tabID)
}

func (s *stubService) RecordPayload(ctx context.Context, tabID int, handle string) (protocol.RecordInfo, []byte, error) {
	if err := s.tab(tabID); err != nil {
		return protocol.RecordInfo{}, nil, err
	}
	if handle != "h1" {
		return protocol.RecordInfo{}, nil, protocol.NewError(protocol.CodeNotFound, "record not found", nil)
	}
	return protocol.RecordInfo{Handle: handle, Name: "capture-1.webm", Size: 5}, []byte("webm!"), nil
}

func (s *stubService) DownloadRecord(ctx context.Context, tabID int, handle, name string) (string, error) {
	s.downloadFor = handle + ":" + name
	return "exp-1", s.tab(tabID)
}

func (s *stubService) RemoveRecord(ctx context.Context, tabID int, handle string) error {
	return s.tab(tabID)
}

func (s *stubService) Notifications(ctx context.Context, tabID int) ([]controller.Notification, error) {
	return []controller.Notification{{Time: time.Unix(0, 0), Text: "hello"}}, s.tab(tabID)
}

type stubExports struct{}

func (stubExports) List(tabID int) ([]artifact.Meta, error) {
	return []artifact.Meta{{ID: "exp-1", TabID: 1, Name: "clip.mp4"}}, nil
}

func (stubExports) Get(id string) (artifact.Meta, error) {
	if id != "exp-1" {
		return artifact.Meta{}, artifact.ErrNotFound
	}
	return artifact.Meta{ID: id, Name: "clip.mp4"}, nil
}

func (stubExports) ReadPayload(id string) ([]byte, artifact.Meta, error) {
	if strings.Contains(id, ".") {
		return nil, artifact.Meta{}, artifact.ErrInvalidID
	}
	return []byte("mp4"), artifact.Meta{ID: id, Name: "clip.mp4"}, nil
}

func (stubExports) Delete(id string) error { return nil }

type stubPages struct{ opened string }

func (p *stubPages) Pages(ctx context.Context) ([]attach.PageInfo, error) { return nil, nil }
func (p *stubPages) Tabs() []attach.TabInfo                              { return nil }

func (p *stubPages) Attach(ctx context.Context, targetID string) (attach.TabInfo, error) {
	return attach.TabInfo{}, protocol.NewError(protocol.CodeBusy, "already attached", nil)
}

func (p *stubPages) Open(ctx context.Context, url string) (attach.TabInfo, error) {
	p.opened = url
	return attach.TabInfo{TabID: 2, TargetID: "T2", URL: url, Opened: true}, nil
}

func (p *stubPages) Detach(tabID int) error { return nil }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestTabRoutes(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Options{})

	tests := []struct {
		method, path, body string
		status             int
		contains           string
	}{
		{http.MethodGet, "/health", "", http.StatusOK, `"status":"ok"`},
		{http.MethodGet, "/api/v1/tabs", "", http.StatusOK, `"tab_id":1`},
		{http.MethodGet, "/api/v1/tabs/1/canvases", "", http.StatusOK, `"width":300`},
		{http.MethodGet, "/api/v1/tabs/9/canvases", "", http.StatusNotFound, "tab not found"},
		{http.MethodGet, "/api/v1/tabs/1/frames", "", http.StatusOK, `"frames":[]`},
		{http.MethodGet, "/api/v1/tabs/1/session", "", http.StatusOK, `"phase":"idle"`},
		{http.MethodPost, "/api/v1/tabs/1/capture/stop", "", http.StatusOK, `"stopped":true`},
		{http.MethodPost, "/api/v1/tabs/1/capture/cancel", "", http.StatusOK, `"phase":"idle"`},
		{http.MethodPost, "/api/v1/tabs/1/delay/skip", "", http.StatusOK, `"phase":"capturing"`},
		{http.MethodPost, "/api/v1/tabs/1/canvases/0/highlight", "", http.StatusOK, "highlighted"},
		{http.MethodPost, "/api/v1/tabs/1/refresh", "", http.StatusOK, "refreshing"},
		{http.MethodGet, "/api/v1/tabs/1/records", "", http.StatusOK, `"records":[]`},
		{http.MethodGet, "/api/v1/tabs/1/notifications", "", http.StatusOK, "hello"},
		{http.MethodDelete, "/api/v1/tabs/1/records/h1", "", http.StatusOK, "removed"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d; want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.contains) {
				t.Fatalf("body = %s; want it to contain %q", w.Body.String(), tt.contains)
			}
		})
	}
}

func TestStartCaptureMergesOverrides(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Options{})

	w := do(t, h, http.MethodPost, "/api/v1/tabs/1/capture", `{"row":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	if svc.started != nil {
		t.Fatalf("settings = %+v; want nil without overrides", svc.started)
	}

	w = do(t, h, http.MethodPost, "/api/v1/tabs/1/capture", `{"row":0,"settings":{"fps":60,"has_timer":true}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	want := protocol.DefaultSettings()
	want.FPS = 60
	want.HasTimer = true
	if svc.started == nil || *svc.started != want {
		t.Fatalf("settings = %+v; want %+v", svc.started, want)
	}

	w = do(t, h, http.MethodPost, "/api/v1/tabs/1/capture", `{"row":4,"settings":{"fps":60}}`)
	if got, want := w.Code, http.StatusNotFound; got != want {
		t.Fatalf("unknown row status = %d; want %d", got, want)
	}
}

func TestStartCaptureErrorMapping(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{protocol.CodeBusy, http.StatusConflict},
		{protocol.CodeValidation, http.StatusBadRequest},
		{protocol.CodeUnavailable, http.StatusServiceUnavailable},
		{protocol.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &stubService{startErr: protocol.NewError(tt.code, "nope", nil)}
			w := do(t, NewServer(svc, Options{}), http.MethodPost, "/api/v1/tabs/1/capture", `{"row":0}`)
			if w.Code != tt.status {
				t.Fatalf("status = %d; want %d", w.Code, tt.status)
			}
		})
	}
}

func TestUpdateSettingsKeepsOmittedFields(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Options{})
	w := do(t, h, http.MethodPut, "/api/v1/tabs/1/canvases/0/settings", `{"delay_seconds":3,"remux":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	want := protocol.DefaultSettings()
	want.DelaySeconds = 3
	want.Remux = true
	if svc.updated != want {
		t.Fatalf("updated = %+v; want %+v", svc.updated, want)
	}
	var row controller.Row
	if err := json.Unmarshal(w.Body.Bytes(), &row); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if row.Settings != want {
		t.Fatalf("row settings = %+v; want %+v", row.Settings, want)
	}
}

func TestEnableDisable(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Options{})
	do(t, h, http.MethodPost, "/api/v1/tabs/1/disable", "")
	if svc.enabled == nil || *svc.enabled {
		t.Fatalf("disable did not reach the service")
	}
	do(t, h, http.MethodPost, "/api/v1/tabs/1/enable", "")
	if !*svc.enabled {
		t.Fatalf("enable did not reach the service")
	}
}

func TestRecordPayloadIsRawBytes(t *testing.T) {
	h := NewServer(&stubService{}, Options{})
	w := do(t, h, http.MethodGet, "/api/v1/tabs/1/records/h1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	if got, want := w.Header().Get("Content-Type"), "video/webm"; got != want {
		t.Fatalf("Content-Type = %q; want %q", got, want)
	}
	if got, want := w.Body.String(), "webm!"; got != want {
		t.Fatalf("body = %q; want %q", got, want)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "capture-1.webm") {
		t.Fatalf("Content-Disposition = %q", w.Header().Get("Content-Disposition"))
	}

	w = do(t, h, http.MethodGet, "/api/v1/tabs/1/records/gone", "")
	if got, want := w.Code, http.StatusNotFound; got != want {
		t.Fatalf("unknown handle status = %d; want %d", got, want)
	}
}

func TestDownloadRecord(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Options{})
	w := do(t, h, http.MethodPost, "/api/v1/tabs/1/records/h1/download", `{"name":"clip.webm"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	if got, want := svc.downloadFor, "h1:clip.webm"; got != want {
		t.Fatalf("download = %q; want %q", got, want)
	}
	if !strings.Contains(w.Body.String(), `"/api/v1/exports/exp-1/payload"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestExportRoutes(t *testing.T) {
	h := NewServer(&stubService{}, Options{Exports: stubExports{}})

	w := do(t, h, http.MethodGet, "/api/v1/exports", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "exp-1") {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/api/v1/exports/missing", "")
	if got, want := w.Code, http.StatusNotFound; got != want {
		t.Fatalf("missing export status = %d; want %d", got, want)
	}
	w = do(t, h, http.MethodGet, "/api/v1/exports/exp-1/payload", "")
	if got, want := w.Header().Get("Content-Type"), "video/mp4"; got != want {
		t.Fatalf("Content-Type = %q; want %q", got, want)
	}
	w = do(t, h, http.MethodGet, "/api/v1/exports/bad.id/payload", "")
	if got, want := w.Code, http.StatusBadRequest; got != want {
		t.Fatalf("invalid id status = %d; want %d", got, want)
	}
	w = do(t, h, http.MethodDelete, "/api/v1/exports/exp-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
}

func TestPageRoutes(t *testing.T) {
	pages := &stubPages{}
	h := NewServer(&stubService{}, Options{Pages: pages})

	w := do(t, h, http.MethodPost, "/api/v1/pages/open", `{"url":"https://example.com/"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("open status = %d; body %s", w.Code, w.Body.String())
	}
	if got, want := pages.opened, "https://example.com/"; got != want {
		t.Fatalf("opened = %q; want %q", got, want)
	}
	w = do(t, h, http.MethodPost, "/api/v1/pages/attach", `{"target_id":"T1"}`)
	if got, want := w.Code, http.StatusConflict; got != want {
		t.Fatalf("attach status = %d; want %d", got, want)
	}
	w = do(t, h, http.MethodGet, "/api/v1/pages", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"pages":[]`) {
		t.Fatalf("pages = %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodDelete, "/api/v1/tabs/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("detach status = %d", w.Code)
	}
}
