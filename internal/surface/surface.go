// Package surface defines the external collaborators of a frame agent: the
// document it scans and observes, and the opaque recording primitive.
package surface

import (
	"errors"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/pathspec"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
)

// ErrUnsupported is returned by a Recorder that cannot capture a surface.
var ErrUnsupported = errors.New("surface cannot be captured")

// Kind is the type of document mutation observed.
type Kind int

const (
	Added Kind = iota
	Removed
	AttributesChanged
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case AttributesChanged:
		return "attributes_changed"
	default:
		return "unknown"
	}
}

// Surface is one animated drawing surface in a document.
type Surface interface {
	// Key is unique for the lifetime of the element in its document.
	Key() string
	// ID is the element's id attribute, possibly empty.
	ID() string
	Width() int
	Height() int
	Path() pathspec.Path
	Rect() protocol.Rect
}

// Mutation is one discrete change to a document. Surface is nil when the
// change concerns a nested frame element.
type Mutation struct {
	Kind    Kind
	Surface Surface
	Frame   bool
}

// Document is a frame's view of its own DOM.
type Document interface {
	URL() string
	// Surfaces returns the current surfaces in document order.
	Surfaces() []Surface
	// FramePath returns the path of the iframe element hosting the child
	// frame identified by frameKey.
	FramePath(frameKey string) (pathspec.Path, bool)
	// Subscribe registers fn for mutations; the returned func cancels.
	Subscribe(fn func(Mutation)) (cancel func())
}

// Options configures one recording.
type Options struct {
	FPS           int
	BitsPerSecond int
}

// Chunk is one timestamped slice of encoded output.
type Chunk struct {
	Data []byte
	At   time.Time
}

// Result is delivered exactly once when a recording ends, whether or not
// it was asked to.
type Result struct {
	Chunks []Chunk
	Err    error
}

// Bytes concatenates all chunks.
func (r Result) Bytes() []byte {
	n := 0
	for _, c := range r.Chunks {
		n += len(c.Data)
	}
	out := make([]byte, 0, n)
	for _, c := range r.Chunks {
		out = append(out, c.Data...)
	}
	return out
}

// Recording is an in-progress capture.
type Recording interface {
	// Stop asks the primitive to finish; completion is reported through the
	// done callback given to Start, never synchronously.
	Stop()
}

// Recorder is the platform recording primitive.
type Recorder interface {
	Start(s Surface, opts Options, done func(Result)) (Recording, error)
}
