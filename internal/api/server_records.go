package api

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/canvas_capture/internal/artifact"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

// binaryOutput streams a payload with its own content type.
type binaryOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func binaryResponses() map[string]*huma.Response {
	raw := func() *huma.MediaType { return &huma.MediaType{Schema: &huma.Schema{Type: "string", Format: "binary"}} }
	return map[string]*huma.Response{
		"200": {
			Description: "Raw payload",
			Content: map[string]*huma.MediaType{
				"video/webm":               raw(),
				"video/mp4":                raw(),
				"application/octet-stream": raw(),
			},
		},
	}
}

func contentTypeOf(name string) string {
	switch filepath.Ext(name) {
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func binary(name string, data []byte) *binaryOutput {
	return &binaryOutput{
		ContentType:        contentTypeOf(name),
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", name),
		Body:               data,
	}
}

func registerRecordHandlers(api huma.API, svc Service) {
	type recordsOutput struct {
		Body struct {
			TabID   int                   `json:"tab_id"`
			Records []protocol.RecordInfo `json:"records"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-records", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/records", Summary: "List finished records of a tab", Tags: []string{"Records"}},
		func(ctx context.Context, input *tabInput) (*recordsOutput, error) {
			list, err := svc.Records(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &recordsOutput{}
			out.Body.TabID = input.TabID
			out.Body.Records = list
			if out.Body.Records == nil {
				out.Body.Records = []protocol.RecordInfo{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-record-payload", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/records/{handle}", Summary: "Download a record's raw bytes", Tags: []string{"Records"}, Responses: binaryResponses()},
		func(ctx context.Context, input *handleInput) (*binaryOutput, error) {
			info, data, err := svc.RecordPayload(ctx, input.TabID, input.Handle)
			if err != nil {
				return nil, mapErr(err)
			}
			return binary(info.Name, data), nil
		})

	type downloadInput struct {
		TabID  int    `path:"tab_id" minimum:"1"`
		Handle string `path:"handle"`
		Body   struct {
			Name string `json:"name,omitempty" maxLength:"200" doc:"File name for the export; the record's own name when empty"`
		}
	}
	type downloadOutput struct {
		Body struct {
			ExportID string `json:"export_id"`
			URL      string `json:"url"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "download-record", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/records/{handle}/download", Summary: "Export a record to the durable export store", Tags: []string{"Records"}},
		func(ctx context.Context, input *downloadInput) (*downloadOutput, error) {
			id, err := svc.DownloadRecord(ctx, input.TabID, input.Handle, input.Body.Name)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &downloadOutput{}
			out.Body.ExportID = id
			out.Body.URL = "/api/v1/exports/" + id + "/payload"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "remove-record", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}/records/{handle}", Summary: "Remove a record and revoke its handle", Tags: []string{"Records"}},
		func(ctx context.Context, input *handleInput) (*statusOutput, error) {
			if err := svc.RemoveRecord(ctx, input.TabID, input.Handle); err != nil {
				return nil, mapErr(err)
			}
			return status("removed"), nil
		})
}

func registerExportHandlers(api huma.API, exports Exports) {
	type listExportsInput struct {
		TabID int `query:"tab" default:"-1" doc:"Only exports of this tab. Omit for all tabs."`
	}
	type listExportsOutput struct {
		Body struct {
			Exports []artifact.Meta `json:"exports"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-exports", Method: http.MethodGet, Path: "/api/v1/exports", Summary: "List exported records, newest first", Tags: []string{"Exports"}},
		func(ctx context.Context, input *listExportsInput) (*listExportsOutput, error) {
			metas, err := exports.List(input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listExportsOutput{}
			out.Body.Exports = metas
			if out.Body.Exports == nil {
				out.Body.Exports = []artifact.Meta{}
			}
			return out, nil
		})

	type exportIDInput struct {
		ExportID string `path:"export_id"`
	}
	type exportOutput struct {
		Body artifact.Meta
	}
	huma.Register(api, huma.Operation{OperationID: "get-export", Method: http.MethodGet, Path: "/api/v1/exports/{export_id}", Summary: "Get export metadata", Tags: []string{"Exports"}},
		func(ctx context.Context, input *exportIDInput) (*exportOutput, error) {
			meta, err := exports.Get(input.ExportID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &exportOutput{Body: meta}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-export-payload", Method: http.MethodGet, Path: "/api/v1/exports/{export_id}/payload", Summary: "Download an exported file", Tags: []string{"Exports"}, Responses: binaryResponses()},
		func(ctx context.Context, input *exportIDInput) (*binaryOutput, error) {
			data, meta, err := exports.ReadPayload(input.ExportID)
			if err != nil {
				return nil, mapErr(err)
			}
			return binary(meta.Name, data), nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-export", Method: http.MethodDelete, Path: "/api/v1/exports/{export_id}", Summary: "Delete an export", Tags: []string{"Exports"}},
		func(ctx context.Context, input *exportIDInput) (*statusOutput, error) {
			if err := exports.Delete(input.ExportID); err != nil {
				return nil, mapErr(err)
			}
			return status("deleted"), nil
		})
}
