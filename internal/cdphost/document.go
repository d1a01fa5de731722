package cdphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"

	"github.com/dgnsrekt/canvas_capture/internal/pathspec"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/surface"
)

const (
	worldName     = "canvas-capture"
	evalTimeout   = 10 * time.Second
	framePathWait = 5 * time.Second
)

// canvasDesc is one canvas as reported by a scan.
type canvasDesc struct {
	ElemKey     string        `json:"key"`
	ElemID      string        `json:"id"`
	PixelWidth  int           `json:"width"`
	PixelHeight int           `json:"height"`
	PathSpec    string        `json:"path"`
	Box         protocol.Rect `json:"rect"`

	path pathspec.Path
}

func (c *canvasDesc) Key() string         { return c.ElemKey }
func (c *canvasDesc) ID() string          { return c.ElemID }
func (c *canvasDesc) Width() int          { return c.PixelWidth }
func (c *canvasDesc) Height() int         { return c.PixelHeight }
func (c *canvasDesc) Path() pathspec.Path { return c.path }
func (c *canvasDesc) Rect() protocol.Rect { return c.Box }

type scan struct {
	URL      string        `json:"url"`
	Canvases []*canvasDesc `json:"canvases"`
	Frames   []string      `json:"frames"`
}

func parseScan(raw string) (scan, error) {
	var s scan
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return scan{}, fmt.Errorf("cdphost: decode scan: %w", err)
	}
	for _, c := range s.Canvases {
		p, err := pathspec.Parse(c.PathSpec)
		if err != nil {
			return scan{}, fmt.Errorf("cdphost: canvas %s path %q: %w", c.ElemKey, c.PathSpec, err)
		}
		c.path = p
	}
	return s, nil
}

// diffScans turns two consecutive scans into mutations: removals first,
// then additions, then attribute changes.
func diffScans(prev, next scan) []surface.Mutation {
	var removed, added, changed []surface.Mutation

	before := make(map[string]*canvasDesc, len(prev.Canvases))
	for _, c := range prev.Canvases {
		before[c.ElemKey] = c
	}
	after := make(map[string]bool, len(next.Canvases))
	for _, c := range next.Canvases {
		after[c.ElemKey] = true
		old, ok := before[c.ElemKey]
		switch {
		case !ok:
			added = append(added, surface.Mutation{Kind: surface.Added, Surface: c})
		case old.PixelWidth != c.PixelWidth || old.PixelHeight != c.PixelHeight || old.ElemID != c.ElemID || old.PathSpec != c.PathSpec:
			changed = append(changed, surface.Mutation{Kind: surface.AttributesChanged, Surface: c})
		}
	}
	for _, c := range prev.Canvases {
		if !after[c.ElemKey] {
			removed = append(removed, surface.Mutation{Kind: surface.Removed, Surface: c})
		}
	}

	framesBefore := make(map[string]bool, len(prev.Frames))
	for _, k := range prev.Frames {
		framesBefore[k] = true
	}
	framesAfter := make(map[string]bool, len(next.Frames))
	for _, k := range next.Frames {
		framesAfter[k] = true
		if !framesBefore[k] {
			added = append(added, surface.Mutation{Kind: surface.Added, Frame: true})
		}
	}
	for _, k := range prev.Frames {
		if !framesAfter[k] {
			removed = append(removed, surface.Mutation{Kind: surface.Removed, Frame: true})
		}
	}

	out := make([]surface.Mutation, 0, len(removed)+len(added)+len(changed))
	out = append(out, removed...)
	out = append(out, added...)
	return append(out, changed...)
}

// Document is a surface.Document for one browser frame. It lives in an
// isolated world and learns about DOM changes by polling.
type Document struct {
	raw       *rawCDP
	sessionID string
	frameID   cdp.FrameID
	interval  time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	contextID runtime.ExecutionContextID
	last      scan
	subs      map[int]func(surface.Mutation)
	nextSub   int

	quit chan struct{}
	once sync.Once
}

func newDocument(ctx context.Context, raw *rawCDP, sessionID string, frameID cdp.FrameID, interval time.Duration, logger *slog.Logger) (*Document, error) {
	d := &Document{
		raw:       raw,
		sessionID: sessionID,
		frameID:   frameID,
		interval:  interval,
		logger:    logger.With("frame_id", frameID),
		subs:      make(map[int]func(surface.Mutation)),
		quit:      make(chan struct{}),
	}
	if err := d.bind(ctx); err != nil {
		return nil, err
	}
	s, err := d.scanOnce(ctx)
	if err != nil {
		return nil, err
	}
	d.last = s
	go d.poll()
	return d, nil
}

// bind creates a fresh isolated world; the previous one dies with its
// document on navigation.
func (d *Document) bind(ctx context.Context) error {
	var res page.CreateIsolatedWorldReturns
	err := d.raw.call(ctx, d.sessionID, "Page.createIsolatedWorld", &page.CreateIsolatedWorldParams{
		FrameID:   d.frameID,
		WorldName: worldName,
	}, &res)
	if err != nil {
		return fmt.Errorf("cdphost: isolated world for %s: %w", d.frameID, err)
	}
	d.mu.Lock()
	d.contextID = res.ExecutionContextID
	d.mu.Unlock()
	return nil
}

func (d *Document) world() runtime.ExecutionContextID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contextID
}

type remoteValue struct {
	Result struct {
		Type     string          `json:"type"`
		Value    json.RawMessage `json:"value"`
		ObjectID string          `json:"objectId"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

func (v remoteValue) str() (string, error) {
	if e := v.ExceptionDetails; e != nil {
		if e.Exception != nil && e.Exception.Description != "" {
			return "", fmt.Errorf("cdphost: script exception: %s", e.Exception.Description)
		}
		return "", fmt.Errorf("cdphost: script exception: %s", e.Text)
	}
	var s string
	if err := json.Unmarshal(v.Result.Value, &s); err != nil {
		return "", fmt.Errorf("cdphost: script returned %s, want string", v.Result.Type)
	}
	return s, nil
}

// eval runs js in the document's isolated world and returns its string
// result.
func (d *Document) eval(ctx context.Context, js string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	var v remoteValue
	err := d.raw.call(ctx, d.sessionID, "Runtime.evaluate", &runtime.EvaluateParams{
		Expression:                  js,
		ContextID:                   d.world(),
		ReturnByValue:               true,
		AwaitPromise:                true,
		AllowUnsafeEvalBlockedByCSP: true,
	}, &v)
	if err != nil {
		return "", err
	}
	return v.str()
}

func (d *Document) scanOnce(ctx context.Context) (scan, error) {
	raw, err := d.eval(ctx, scanJS)
	if err != nil {
		return scan{}, err
	}
	return parseScan(raw)
}

func (d *Document) poll() {
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-t.C:
			if err := d.rescan(context.Background()); err != nil {
				d.logger.Debug("cdphost: scan failed", "error", err)
			}
		}
	}
}

func (d *Document) rescan(ctx context.Context) error {
	next, err := d.scanOnce(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	muts := diffScans(d.last, next)
	d.last = next
	subs := make([]func(surface.Mutation), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()
	for _, m := range muts {
		for _, fn := range subs {
			fn(m)
		}
	}
	return nil
}

// Rebind attaches to the frame's new document after a navigation and
// reports the difference.
func (d *Document) Rebind(ctx context.Context) error {
	if err := d.bind(ctx); err != nil {
		return err
	}
	return d.rescan(ctx)
}

func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last.URL
}

func (d *Document) Surfaces() []surface.Surface {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]surface.Surface, len(d.last.Canvases))
	for i, c := range d.last.Canvases {
		out[i] = c
	}
	return out
}

// FramePath resolves the iframe element hosting the child frame frameKey
// (a CDP frame id) and computes its path inside this document.
func (d *Document) FramePath(frameKey string) (pathspec.Path, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), framePathWait)
	defer cancel()
	p, err := d.framePath(ctx, cdp.FrameID(frameKey))
	if err != nil {
		d.logger.Debug("cdphost: frame path failed", "child", frameKey, "error", err)
		return nil, false
	}
	return p, true
}

func (d *Document) framePath(ctx context.Context, child cdp.FrameID) (pathspec.Path, error) {
	var owner dom.GetFrameOwnerReturns
	if err := d.raw.call(ctx, d.sessionID, "DOM.getFrameOwner", &dom.GetFrameOwnerParams{FrameID: child}, &owner); err != nil {
		return nil, err
	}
	var node struct {
		Object struct {
			ObjectID runtime.RemoteObjectID `json:"objectId"`
		} `json:"object"`
	}
	err := d.raw.call(ctx, d.sessionID, "DOM.resolveNode", &dom.ResolveNodeParams{
		BackendNodeID:      owner.BackendNodeID,
		ExecutionContextID: d.world(),
	}, &node)
	if err != nil {
		return nil, err
	}
	if node.Object.ObjectID == "" {
		return nil, errors.New("cdphost: frame owner did not resolve")
	}
	var v remoteValue
	err = d.raw.call(ctx, d.sessionID, "Runtime.callFunctionOn", &runtime.CallFunctionOnParams{
		FunctionDeclaration: framePathFn,
		ObjectID:            node.Object.ObjectID,
		ReturnByValue:       true,
	}, &v)
	if err != nil {
		return nil, err
	}
	s, err := v.str()
	if err != nil {
		return nil, err
	}
	return pathspec.Parse(s)
}

func (d *Document) Subscribe(fn func(surface.Mutation)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Close stops polling.
func (d *Document) Close() {
	d.once.Do(func() { close(d.quit) })
}
