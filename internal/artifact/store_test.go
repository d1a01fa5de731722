package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "exports"), nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestExportAndReadBack(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	info := protocol.RecordInfo{
		Handle: "blob:0190d2b4-0000-7000-8000-000000000000",
		Start:  start,
		End:    start.Add(5 * time.Second),
		Name:   "clip.webm",
		Owner:  "frame-1",
	}
	id, err := s.Export(context.Background(), 3, info, []byte("payload"))
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	data, meta, err := s.ReadPayload(id)
	if err != nil {
		t.Fatalf("ReadPayload() error = %v", err)
	}
	if got, want := string(data), "payload"; got != want {
		t.Fatalf("payload = %q; want %q", got, want)
	}
	if meta.TabID != 3 || meta.Name != "clip.webm" || meta.Format != "webm" || meta.SizeBytes != 7 {
		t.Fatalf("meta = %+v", meta)
	}
	if !meta.RecordStart.Equal(start) || meta.Owner != "frame-1" {
		t.Fatalf("record fields not kept: %+v", meta)
	}
}

func TestExportNames(t *testing.T) {
	tests := []struct {
		name       string
		wantFormat string
		wantName   string
	}{
		{name: "movie.MP4", wantFormat: "mp4", wantName: "movie.MP4"},
		{name: "noext", wantFormat: "webm", wantName: "noext"},
		{name: "../../escape.webm", wantFormat: "webm", wantName: "escape.webm"},
		{name: "", wantFormat: "webm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			id, err := s.Export(context.Background(), 1, protocol.RecordInfo{Name: tt.name}, []byte("x"))
			if err != nil {
				t.Fatal(err)
			}
			meta, err := s.Get(id)
			if err != nil {
				t.Fatal(err)
			}
			want := tt.wantName
			if want == "" {
				want = id + ".webm"
			}
			if meta.Format != tt.wantFormat || meta.Name != want {
				t.Fatalf("meta = %+v; want format %q name %q", meta, tt.wantFormat, want)
			}
			if _, err := os.Stat(filepath.Join(s.dir, id+"."+tt.wantFormat)); err != nil {
				t.Fatalf("payload file missing: %v", err)
			}
		})
	}
}

func TestListNewestFirstAndByTab(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	ids := []string{
		"123e4567-e89b-12d3-a456-426614174001",
		"123e4567-e89b-12d3-a456-426614174002",
		"123e4567-e89b-12d3-a456-426614174003",
	}
	for i, id := range ids {
		meta := Meta{ID: id, TabID: i % 2, Format: "webm", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Save(meta, []byte(id)); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Fatalf("List(-1) order = %+v", all)
	}
	tab0, _ := s.List(0)
	if len(tab0) != 2 {
		t.Fatalf("List(0) = %d entries; want 2", len(tab0))
	}
}

func TestInvalidIDs(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../x", "123E4567-E89B-12D3-A456-426614174000"} {
		if _, err := s.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Get(%q) error = %v; want ErrInvalidID", id, err)
		}
		if err := s.Delete(id); err == nil {
			t.Fatalf("Delete(%q) succeeded", id)
		}
	}
	if _, err := s.Get("123e4567-e89b-12d3-a456-426614174000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() unknown id error = %v; want ErrNotFound", err)
	}
	if err := s.Save(Meta{ID: "123e4567-e89b-12d3-a456-426614174000", Format: "../sh"}, nil); err == nil {
		t.Fatalf("Save() with bad format succeeded")
	}
}

func TestDeleteLogsPayloadCleanupFailureWhenPayloadMissing(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	store := &Store{dir: dir, logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}
	id := "123e4567-e89b-12d3-a456-426614174000"

	metaBytes, err := json.Marshal(Meta{ID: id, Format: "webm"})
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+".json"), metaBytes, 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete() = %v; want nil", err)
	}
	if !strings.Contains(buf.String(), "artifact payload cleanup failed") {
		t.Fatalf("expected payload cleanup debug log, got %q", buf.String())
	}
	if _, err := store.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Delete() error = %v; want ErrNotFound", err)
	}
}

func TestExportHonorsCancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Export(ctx, 1, protocol.RecordInfo{}, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Export() error = %v; want context.Canceled", err)
	}
}
