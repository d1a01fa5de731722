package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/canvas_capture/internal/controller"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

func registerHealthHandlers(api huma.API, svc Service, opts Options) {
	type healthOutput struct {
		Body struct {
			Status       string `json:"status"`
			Tabs         int    `json:"tabs"`
			EventClients int    `json:"event_clients"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Tabs = len(svc.ListTabs(ctx))
			if opts.Broker != nil {
				out.Body.EventClients = opts.Broker.ClientCount()
			}
			return out, nil
		})
}

// settingsBody is a partial protocol.Settings. Omitted fields keep the
// canvas's current value.
type settingsBody struct {
	FPS           *int  `json:"fps,omitempty" minimum:"1" maximum:"120" doc:"Frames per second"`
	BitsPerSecond *int  `json:"bits_per_second,omitempty" minimum:"1" doc:"Encoder bitrate"`
	DelaySeconds  *int  `json:"delay_seconds,omitempty" minimum:"0" doc:"Countdown before capture starts"`
	TimerSeconds  *int  `json:"timer_seconds,omitempty" minimum:"0" doc:"Capture length when has_timer is set"`
	HasTimer      *bool `json:"has_timer,omitempty"`
	AutoReload    *bool `json:"auto_reload,omitempty" doc:"Retarget the session when its canvas is replaced"`
	Remux         *bool `json:"remux,omitempty" doc:"Re-encode the record before it is listed"`
}

func (b *settingsBody) apply(s protocol.Settings) protocol.Settings {
	if b == nil {
		return s
	}
	if b.FPS != nil {
		s.FPS = *b.FPS
	}
	if b.BitsPerSecond != nil {
		s.BitsPerSecond = *b.BitsPerSecond
	}
	if b.DelaySeconds != nil {
		s.DelaySeconds = *b.DelaySeconds
	}
	if b.TimerSeconds != nil {
		s.TimerSeconds = *b.TimerSeconds
	}
	if b.HasTimer != nil {
		s.HasTimer = *b.HasTimer
	}
	if b.AutoReload != nil {
		s.AutoReload = *b.AutoReload
	}
	if b.Remux != nil {
		s.Remux = *b.Remux
	}
	return s
}

// rowSettings returns the current settings of one canvas row.
func rowSettings(ctx context.Context, svc Service, tabID, row int) (protocol.Settings, error) {
	rows, err := svc.Canvases(ctx, tabID)
	if err != nil {
		return protocol.Settings{}, err
	}
	for _, r := range rows {
		if r.Row == row {
			return r.Settings, nil
		}
	}
	return protocol.Settings{}, protocol.NewError(protocol.CodeNotFound, "canvas row not found", nil)
}

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []controller.TabSummary `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List tabs with a running controller", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			out := &listTabsOutput{}
			out.Body.Tabs = svc.ListTabs(ctx)
			if out.Body.Tabs == nil {
				out.Body.Tabs = []controller.TabSummary{}
			}
			return out, nil
		})

	type canvasesOutput struct {
		Body struct {
			TabID    int              `json:"tab_id"`
			Canvases []controller.Row `json:"canvases"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-canvases", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/canvases", Summary: "List the canvases of every frame in a tab", Tags: []string{"Canvases"}},
		func(ctx context.Context, input *tabInput) (*canvasesOutput, error) {
			rows, err := svc.Canvases(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &canvasesOutput{}
			out.Body.TabID = input.TabID
			out.Body.Canvases = rows
			if out.Body.Canvases == nil {
				out.Body.Canvases = []controller.Row{}
			}
			return out, nil
		})

	type framesOutput struct {
		Body struct {
			TabID  int                    `json:"tab_id"`
			Frames []controller.FrameInfo `json:"frames"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-frames", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/frames", Summary: "List the frame registry of a tab", Tags: []string{"Canvases"}},
		func(ctx context.Context, input *tabInput) (*framesOutput, error) {
			frames, err := svc.Frames(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &framesOutput{}
			out.Body.TabID = input.TabID
			out.Body.Frames = frames
			if out.Body.Frames == nil {
				out.Body.Frames = []controller.FrameInfo{}
			}
			return out, nil
		})

	type updateSettingsInput struct {
		TabID int `path:"tab_id" minimum:"1"`
		Row   int `path:"row" minimum:"0"`
		Body  settingsBody
	}
	type rowOutput struct {
		Body controller.Row
	}
	huma.Register(api, huma.Operation{OperationID: "update-canvas-settings", Method: http.MethodPut, Path: "/api/v1/tabs/{tab_id}/canvases/{row}/settings", Summary: "Change a canvas's capture settings", Description: "Fields left out keep their current value. Settings are persisted per frame address and canvas path.", Tags: []string{"Canvases"}},
		func(ctx context.Context, input *updateSettingsInput) (*rowOutput, error) {
			current, err := rowSettings(ctx, svc, input.TabID, input.Row)
			if err != nil {
				return nil, mapErr(err)
			}
			row, err := svc.UpdateSettings(ctx, input.TabID, input.Row, input.Body.apply(current))
			if err != nil {
				return nil, mapErr(err)
			}
			return &rowOutput{Body: row}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "highlight-canvas", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/canvases/{row}/highlight", Summary: "Outline a canvas in the page", Tags: []string{"Canvases"}},
		func(ctx context.Context, input *rowInput) (*statusOutput, error) {
			if err := svc.Highlight(ctx, input.TabID, input.Row); err != nil {
				return nil, mapErr(err)
			}
			return status("highlighted"), nil
		})

	huma.Register(api, huma.Operation{OperationID: "refresh-canvases", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/refresh", Summary: "Ask every frame to report its canvases again", Tags: []string{"Canvases"}},
		func(ctx context.Context, input *tabInput) (*statusOutput, error) {
			if err := svc.Refresh(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			return status("refreshing"), nil
		})

	huma.Register(api, huma.Operation{OperationID: "enable-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/enable", Summary: "Resume canvas tracking in a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabInput) (*statusOutput, error) {
			if err := svc.SetEnabled(ctx, input.TabID, true); err != nil {
				return nil, mapErr(err)
			}
			return status("enabled"), nil
		})

	huma.Register(api, huma.Operation{OperationID: "disable-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/disable", Summary: "Stop any session and pause every frame agent", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabInput) (*statusOutput, error) {
			if err := svc.SetEnabled(ctx, input.TabID, false); err != nil {
				return nil, mapErr(err)
			}
			return status("disabled"), nil
		})

	type notificationsOutput struct {
		Body struct {
			Notifications []controller.Notification `json:"notifications"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-notifications", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/notifications", Summary: "Recent user-visible messages, oldest first", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabInput) (*notificationsOutput, error) {
			list, err := svc.Notifications(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &notificationsOutput{}
			out.Body.Notifications = list
			if out.Body.Notifications == nil {
				out.Body.Notifications = []controller.Notification{}
			}
			return out, nil
		})
}
