// Package dom is an in-memory element tree that satisfies
// surface.Document. Embedders that draw their own surfaces use it directly;
// tests use it to drive frame agents through real mutation sequences.
package dom

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/dgnsrekt/canvas_capture/internal/pathspec"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/surface"
)

const (
	TagCanvas = "canvas"
	TagIframe = "iframe"

	defaultCanvasWidth  = 300
	defaultCanvasHeight = 150
)

var (
	ErrAttached    = errors.New("dom: node is already attached")
	ErrNotAttached = errors.New("dom: node is not attached")
	ErrForeignNode = errors.New("dom: node belongs to another document")
)

// watchedAttrs are the canvas attributes whose change refreshes the registry.
var watchedAttrs = map[string]bool{"id": true, "width": true, "height": true}

// Node is one element.
type Node struct {
	doc      *Document
	uid      uint64
	tag      string
	attrs    map[string]string
	parent   *Node
	children []*Node
	rect     protocol.Rect
	frameKey string
}

// Document owns a tree rooted at <html>.
type Document struct {
	mu      sync.Mutex
	url     string
	root    *Node
	body    *Node
	nextUID uint64

	subMu   sync.Mutex
	subs    map[int]func(surface.Mutation)
	nextSub int
}

// NewDocument returns a document with html, head and body elements.
func NewDocument(url string) *Document {
	d := &Document{url: url, subs: make(map[int]func(surface.Mutation))}
	d.root = d.newNode("html")
	head := d.newNode("head")
	d.body = d.newNode("body")
	d.link(d.root, head)
	d.link(d.root, d.body)
	return d
}

func (d *Document) newNode(tag string) *Node {
	d.nextUID++
	return &Node{doc: d, uid: d.nextUID, tag: strings.ToLower(tag), attrs: make(map[string]string)}
}

func (d *Document) link(parent, child *Node) {
	child.parent = parent
	parent.children = append(parent.children, child)
}

func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Navigate replaces the URL and empties the body, as a reload would.
func (d *Document) Navigate(url string) {
	d.mu.Lock()
	d.url = url
	removed := d.body.children
	d.body.children = nil
	var muts []surface.Mutation
	for _, c := range removed {
		c.parent = nil
		muts = append(muts, collect(c, surface.Removed)...)
	}
	d.mu.Unlock()
	d.emit(muts)
}

// Body returns the body element.
func (d *Document) Body() *Node { return d.body }

// CreateElement returns a detached element.
func (d *Document) CreateElement(tag string) *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newNode(tag)
}

// Append attaches a detached child (and its subtree) under parent.
func (d *Document) Append(parent, child *Node) error {
	d.mu.Lock()
	if parent.doc != d || child.doc != d {
		d.mu.Unlock()
		return ErrForeignNode
	}
	if child.parent != nil || child == d.root {
		d.mu.Unlock()
		return ErrAttached
	}
	d.link(parent, child)
	var muts []surface.Mutation
	if d.attachedLocked(child) {
		muts = collect(child, surface.Added)
	}
	d.mu.Unlock()
	d.emit(muts)
	return nil
}

// Remove detaches n and its subtree.
func (d *Document) Remove(n *Node) error {
	d.mu.Lock()
	if n.doc != d {
		d.mu.Unlock()
		return ErrForeignNode
	}
	if n.parent == nil {
		d.mu.Unlock()
		return ErrNotAttached
	}
	wasAttached := d.attachedLocked(n)
	siblings := n.parent.children
	for i, c := range siblings {
		if c == n {
			n.parent.children = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	n.parent = nil
	var muts []surface.Mutation
	if wasAttached {
		muts = collect(n, surface.Removed)
	}
	d.mu.Unlock()
	d.emit(muts)
	return nil
}

// SetAttr sets an attribute. id/width/height changes on an attached canvas
// are reported as AttributesChanged.
func (d *Document) SetAttr(n *Node, name, value string) {
	name = strings.ToLower(name)
	d.mu.Lock()
	n.attrs[name] = value
	var muts []surface.Mutation
	if n.tag == TagCanvas && watchedAttrs[name] && d.attachedLocked(n) {
		muts = []surface.Mutation{{Kind: surface.AttributesChanged, Surface: n}}
	}
	d.mu.Unlock()
	d.emit(muts)
}

// SetRect records the element's layout box.
func (d *Document) SetRect(n *Node, r protocol.Rect) {
	d.mu.Lock()
	n.rect = r
	d.mu.Unlock()
}

// SetFrameKey binds an iframe element to the key of the frame it hosts.
func (d *Document) SetFrameKey(n *Node, key string) {
	d.mu.Lock()
	n.frameKey = key
	d.mu.Unlock()
}

// Surfaces returns attached canvases in document order.
func (d *Document) Surfaces() []surface.Surface {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []surface.Surface
	walk(d.root, func(n *Node) {
		if n.tag == TagCanvas {
			out = append(out, n)
		}
	})
	return out
}

// FramePath returns the path of the attached iframe hosting frameKey.
func (d *Document) FramePath(frameKey string) (pathspec.Path, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found *Node
	walk(d.root, func(n *Node) {
		if found == nil && n.tag == TagIframe && n.frameKey == frameKey {
			found = n
		}
	})
	if found == nil {
		return nil, false
	}
	return pathspec.Of(pathNode{found}), true
}

// Subscribe registers fn for canvas and iframe mutations.
func (d *Document) Subscribe(fn func(surface.Mutation)) func() {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()
	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

func (d *Document) emit(muts []surface.Mutation) {
	if len(muts) == 0 {
		return
	}
	d.subMu.Lock()
	fns := make([]func(surface.Mutation), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()
	for _, m := range muts {
		for _, fn := range fns {
			fn(m)
		}
	}
}

func (d *Document) attachedLocked(n *Node) bool {
	for cur := n; cur != nil; cur = cur.parent {
		if cur == d.root {
			return true
		}
	}
	return false
}

func walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, c := range n.children {
		walk(c, fn)
	}
}

func collect(n *Node, kind surface.Kind) []surface.Mutation {
	var out []surface.Mutation
	walk(n, func(c *Node) {
		switch c.tag {
		case TagCanvas:
			out = append(out, surface.Mutation{Kind: kind, Surface: c})
		case TagIframe:
			out = append(out, surface.Mutation{Kind: kind, Frame: true})
		}
	})
	return out
}

func (n *Node) Key() string { return "n" + strconv.FormatUint(n.uid, 10) }

func (n *Node) Tag() string { return n.tag }

func (n *Node) ID() string {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return n.attrs["id"]
}

func (n *Node) Width() int { return n.dimension("width", defaultCanvasWidth) }

func (n *Node) Height() int { return n.dimension("height", defaultCanvasHeight) }

func (n *Node) dimension(attr string, def int) int {
	n.doc.mu.Lock()
	v, ok := n.attrs[attr]
	n.doc.mu.Unlock()
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || i < 0 {
		return def
	}
	return i
}

func (n *Node) Rect() protocol.Rect {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return n.rect
}

func (n *Node) Path() pathspec.Path {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return pathspec.Of(pathNode{n})
}

// pathNode adapts a Node for pathspec.Of while the document lock is held.
type pathNode struct{ n *Node }

func (p pathNode) PathStep() pathspec.Step {
	idx := 0
	if p.n.parent != nil {
		for _, sib := range p.n.parent.children {
			if sib == p.n {
				break
			}
			if sib.tag == p.n.tag {
				idx++
			}
		}
	}
	return pathspec.Step{Tag: p.n.tag, Index: idx}
}

func (p pathNode) ParentNode() (pathspec.Node, bool) {
	if p.n.parent == nil {
		return nil, false
	}
	return pathNode{p.n.parent}, true
}
