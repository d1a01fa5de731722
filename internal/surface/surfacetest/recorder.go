// Package surfacetest provides an in-memory recording primitive for tests.
package surfacetest

import (
	"errors"
	"sync"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/surface"
)

// Recorder fakes the recording primitive. Every started recording can be
// finished through Stop (requested) or Crash (unrequested).
type Recorder struct {
	mu      sync.Mutex
	fail    error
	active  map[string]*Recording
	started []string
}

func NewRecorder() *Recorder {
	return &Recorder{active: make(map[string]*Recording)}
}

// FailNext makes the next Start return err.
func (r *Recorder) FailNext(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Started returns the keys of every surface a recording was started on.
func (r *Recorder) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// Active returns the recording for a surface key, if any.
func (r *Recorder) Active(key string) (*Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[key]
	return rec, ok
}

func (r *Recorder) Start(s surface.Surface, opts surface.Options, done func(surface.Result)) (surface.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		err := r.fail
		r.fail = nil
		return nil, err
	}
	if s.Width() == 0 || s.Height() == 0 {
		return nil, surface.ErrUnsupported
	}
	rec := &Recording{owner: r, key: s.Key(), opts: opts, done: done, started: time.Now()}
	r.active[s.Key()] = rec
	r.started = append(r.started, s.Key())
	return rec, nil
}

// Recording is a fake in-progress capture.
type Recording struct {
	owner   *Recorder
	key     string
	opts    surface.Options
	done    func(surface.Result)
	started time.Time

	once sync.Once
}

// Options returns the options the recording was started with.
func (r *Recording) Options() surface.Options { return r.opts }

// Stop completes asynchronously with one chunk of fake data.
func (r *Recording) Stop() {
	go r.finish(nil)
}

// Crash completes the recording with an error, as if the primitive died.
func (r *Recording) Crash(msg string) {
	r.finish(errors.New(msg))
}

// End completes the recording without error and without a stop request.
func (r *Recording) End() {
	r.finish(nil)
}

func (r *Recording) finish(err error) {
	r.once.Do(func() {
		r.owner.mu.Lock()
		delete(r.owner.active, r.key)
		r.owner.mu.Unlock()
		res := surface.Result{Err: err}
		if err == nil {
			res.Chunks = []surface.Chunk{{Data: []byte("webm:" + r.key), At: time.Now()}}
		}
		r.done(res)
	})
}
