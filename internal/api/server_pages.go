package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/canvas_capture/internal/attach"
)

func registerPageHandlers(api huma.API, pages Pages) {
	type listPagesOutput struct {
		Body struct {
			Pages []attach.PageInfo `json:"pages"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-pages", Method: http.MethodGet, Path: "/api/v1/pages", Summary: "List browser pages and whether they are attached", Tags: []string{"Pages"}},
		func(ctx context.Context, input *struct{}) (*listPagesOutput, error) {
			list, err := pages.Pages(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listPagesOutput{}
			out.Body.Pages = list
			if out.Body.Pages == nil {
				out.Body.Pages = []attach.PageInfo{}
			}
			return out, nil
		})

	type attachedOutput struct {
		Body struct {
			Tabs []attach.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-attached", Method: http.MethodGet, Path: "/api/v1/pages/attached", Summary: "List attached pages with their tab ids", Tags: []string{"Pages"}},
		func(ctx context.Context, input *struct{}) (*attachedOutput, error) {
			out := &attachedOutput{}
			out.Body.Tabs = pages.Tabs()
			if out.Body.Tabs == nil {
				out.Body.Tabs = []attach.TabInfo{}
			}
			return out, nil
		})

	type tabInfoOutput struct {
		Body attach.TabInfo
	}
	type attachInput struct {
		Body struct {
			TargetID string `json:"target_id" minLength:"1" doc:"Browser target id from GET /api/v1/pages"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "attach-page", Method: http.MethodPost, Path: "/api/v1/pages/attach", Summary: "Attach an open browser page", Tags: []string{"Pages"}},
		func(ctx context.Context, input *attachInput) (*tabInfoOutput, error) {
			info, err := pages.Attach(ctx, input.Body.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabInfoOutput{Body: info}, nil
		})

	type openInput struct {
		Body struct {
			URL string `json:"url" minLength:"1" doc:"Page to open in a new browser tab" example:"https://example.com/"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "open-page", Method: http.MethodPost, Path: "/api/v1/pages/open", Summary: "Open a URL in a new tab and attach it", Tags: []string{"Pages"}},
		func(ctx context.Context, input *openInput) (*tabInfoOutput, error) {
			info, err := pages.Open(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabInfoOutput{Body: info}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "detach-tab", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}", Summary: "Detach a tab and stop its controller", Tags: []string{"Pages"}},
		func(ctx context.Context, input *tabInput) (*statusOutput, error) {
			if err := pages.Detach(input.TabID); err != nil {
				return nil, mapErr(err)
			}
			return status("detached"), nil
		})
}
