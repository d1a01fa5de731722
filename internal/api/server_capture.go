package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

func registerCaptureHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-session", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/session", Summary: "Get the capture session of a tab", Tags: []string{"Capture"}},
		func(ctx context.Context, input *tabInput) (*sessionOutput, error) {
			info, err := svc.Session(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: info}, nil
		})

	type startCaptureInput struct {
		TabID int `path:"tab_id" minimum:"1"`
		Body  struct {
			Row      int           `json:"row" minimum:"0" doc:"Canvas row to capture"`
			Settings *settingsBody `json:"settings,omitempty" doc:"Overrides applied to the canvas's stored settings for this session only"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "start-capture", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/capture", Summary: "Start capturing a canvas", Description: "Starts the countdown when the canvas has a delay, otherwise capture begins at once. Fails with 409 while another session is running.", Tags: []string{"Capture"}},
		func(ctx context.Context, input *startCaptureInput) (*sessionOutput, error) {
			var override *protocol.Settings
			if input.Body.Settings != nil {
				current, err := rowSettings(ctx, svc, input.TabID, input.Body.Row)
				if err != nil {
					return nil, mapErr(err)
				}
				s := input.Body.Settings.apply(current)
				override = &s
			}
			info, err := svc.StartCapture(ctx, input.TabID, input.Body.Row, override)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: info}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "stop-capture", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/capture/stop", Summary: "Stop the running capture and keep the record", Tags: []string{"Capture"}},
		func(ctx context.Context, input *tabInput) (*sessionOutput, error) {
			info, err := svc.StopCapture(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: info}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-capture", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/capture/cancel", Summary: "Cancel a pending countdown", Tags: []string{"Capture"}},
		func(ctx context.Context, input *tabInput) (*sessionOutput, error) {
			info, err := svc.CancelCapture(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: info}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "skip-delay", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/delay/skip", Summary: "End the countdown now and start capturing", Tags: []string{"Capture"}},
		func(ctx context.Context, input *tabInput) (*sessionOutput, error) {
			info, err := svc.SkipDelay(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &sessionOutput{Body: info}, nil
		})
}
