package attach

import (
	"context"

	"github.com/dgnsrekt/canvas_capture/internal/cdphost"
	"github.com/dgnsrekt/canvas_capture/internal/surface"
)

// FromHost adapts a connected cdphost.Host.
func FromHost(h *cdphost.Host) Browser { return hostBrowser{h} }

type hostBrowser struct{ h *cdphost.Host }

func (b hostBrowser) Pages(ctx context.Context, filter string) ([]cdphost.Page, error) {
	return b.h.Pages(ctx, filter)
}

func (b hostBrowser) Attach(ctx context.Context, targetID string, tabID int) (Tab, error) {
	t, err := b.h.Attach(ctx, targetID, tabID)
	if err != nil {
		return nil, err
	}
	return hostTab{t}, nil
}

type hostTab struct{ *cdphost.Tab }

func (t hostTab) Document() surface.Document { return t.Tab.Document() }
func (t hostTab) Recorder() surface.Recorder { return t.Tab.Recorder() }
