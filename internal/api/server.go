package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/canvas_capture/internal/artifact"
	"github.com/dgnsrekt/canvas_capture/internal/attach"
	"github.com/dgnsrekt/canvas_capture/internal/controller"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
)

// Service is the capture surface of every attached tab.
type Service interface {
	ListTabs(ctx context.Context) []controller.TabSummary
	Canvases(ctx context.Context, tabID int) ([]controller.Row, error)
	Frames(ctx context.Context, tabID int) ([]controller.FrameInfo, error)
	Session(ctx context.Context, tabID int) (controller.SessionInfo, error)
	StartCapture(ctx context.Context, tabID, row int, settings *protocol.Settings) (controller.SessionInfo, error)
	StopCapture(ctx context.Context, tabID int) (controller.SessionInfo, error)
	CancelCapture(ctx context.Context, tabID int) (controller.SessionInfo, error)
	SkipDelay(ctx context.Context, tabID int) (controller.SessionInfo, error)
	UpdateSettings(ctx context.Context, tabID, row int, settings protocol.Settings) (controller.Row, error)
	Highlight(ctx context.Context, tabID, row int) error
	Refresh(ctx context.Context, tabID int) error
	SetEnabled(ctx context.Context, tabID int, enabled bool) error
	Records(ctx context.Context, tabID int) ([]protocol.RecordInfo, error)
	RecordPayload(ctx context.Context, tabID int, handle string) (protocol.RecordInfo, []byte, error)
	DownloadRecord(ctx context.Context, tabID int, handle, name string) (string, error)
	RemoveRecord(ctx context.Context, tabID int, handle string) error
	Notifications(ctx context.Context, tabID int) ([]controller.Notification, error)
}

// Exports reads the durable export store.
type Exports interface {
	List(tabID int) ([]artifact.Meta, error)
	Get(id string) (artifact.Meta, error)
	ReadPayload(id string) ([]byte, artifact.Meta, error)
	Delete(id string) error
}

// Pages attaches browser pages as tabs.
type Pages interface {
	Pages(ctx context.Context) ([]attach.PageInfo, error)
	Tabs() []attach.TabInfo
	Attach(ctx context.Context, targetID string) (attach.TabInfo, error)
	Open(ctx context.Context, url string) (attach.TabInfo, error)
	Detach(tabID int) error
}

// Options wires the optional parts of the server. Nil members leave their
// routes unregistered.
type Options struct {
	Exports Exports
	Pages   Pages
	Broker  *relay.Broker
	Hub     *relay.Hub
	Logger  *slog.Logger
}

type tabInput struct {
	TabID int `path:"tab_id" minimum:"1" doc:"Tab id as listed by GET /api/v1/tabs"`
}

type rowInput struct {
	TabID int `path:"tab_id" minimum:"1"`
	Row   int `path:"row" minimum:"0" doc:"Canvas row as listed by GET /api/v1/tabs/{tab_id}/canvases"`
}

type handleInput struct {
	TabID  int    `path:"tab_id" minimum:"1"`
	Handle string `path:"handle" doc:"Record handle"`
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func status(s string) *statusOutput {
	out := &statusOutput{}
	out.Body.Status = s
	return out
}

type sessionOutput struct {
	Body controller.SessionInfo
}

const apiTitle = "Canvas Capture API"

func NewServer(svc Service, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig(apiTitle, "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	docs := renderDocs(opts)
	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(docs); err != nil {
			logger.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(relayDocsHTML)); err != nil {
			logger.Debug("relay docs response write failed", "error", err)
		}
	})
	if opts.Broker != nil {
		router.Get("/events", relay.SSEHandler(opts.Broker))
	}
	if opts.Hub != nil {
		router.Get("/relay/ws", relay.ServeWS(opts.Hub))
	}

	registerHealthHandlers(api, svc, opts)
	registerTabHandlers(api, svc)
	registerCaptureHandlers(api, svc)
	registerRecordHandlers(api, svc)
	if opts.Exports != nil {
		registerExportHandlers(api, opts.Exports)
	}
	if opts.Pages != nil {
		registerPageHandlers(api, opts.Pages)
	}

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, artifact.ErrInvalidID):
		return huma.Error400BadRequest(err.Error())
	}
	var coded *protocol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case protocol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case protocol.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case protocol.CodeBusy:
			return huma.Error409Conflict(coded.Message)
		case protocol.CodeUnavailable:
			return huma.Error503ServiceUnavailable(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
