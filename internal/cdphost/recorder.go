package cdphost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/canvas_capture/internal/surface"
)

const recordPollInterval = 500 * time.Millisecond

// Recorder runs the page's MediaRecorder on a canvas of one Document.
type Recorder struct {
	doc      *Document
	interval time.Duration
}

func newRecorder(doc *Document) *Recorder {
	return &Recorder{doc: doc, interval: recordPollInterval}
}

type startReply struct {
	OK          bool   `json:"ok"`
	Unsupported bool   `json:"unsupported"`
	Error       string `json:"error"`
}

func (r *Recorder) Start(s surface.Surface, opts surface.Options, done func(surface.Result)) (surface.Recording, error) {
	id := uuid.NewString()
	raw, err := r.doc.eval(context.Background(), recordStartJS(s.Key(), id, opts.FPS, opts.BitsPerSecond))
	if err != nil {
		return nil, err
	}
	var reply startReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("cdphost: decode record start: %w", err)
	}
	switch {
	case reply.Unsupported:
		return nil, surface.ErrUnsupported
	case !reply.OK:
		return nil, fmt.Errorf("cdphost: record start: %s", reply.Error)
	}

	rec := &Recording{doc: r.doc, id: id, done: done}
	go rec.run(r.interval)
	return rec, nil
}

// Recording drains MediaRecorder chunks out of the page until the recorder
// reports it stopped.
type Recording struct {
	doc  *Document
	id   string
	done func(surface.Result)

	stopOnce sync.Once
	chunks   []surface.Chunk
}

func (r *Recording) Stop() {
	r.stopOnce.Do(func() {
		go func() {
			if _, err := r.doc.eval(context.Background(), recordStopJS(r.id)); err != nil {
				r.doc.logger.Debug("cdphost: record stop failed", "recording", r.id, "error", err)
			}
		}()
	})
}

type pollReply struct {
	Chunks []struct {
		Data string `json:"data"`
		At   int64  `json:"at"`
	} `json:"chunks"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (r *Recording) run(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for range t.C {
		done, recErr, err := r.drain()
		if err != nil {
			failures++
			if failures < 3 {
				continue
			}
			r.done(surface.Result{Chunks: r.chunks, Err: err})
			return
		}
		failures = 0
		if done {
			r.done(surface.Result{Chunks: r.chunks, Err: recErr})
			return
		}
	}
}

// drain fetches pending chunks. done is set once the page recorder has
// stopped; recErr carries the recorder's own failure.
func (r *Recording) drain() (done bool, recErr error, err error) {
	raw, err := r.doc.eval(context.Background(), recordPollJS(r.id))
	if err != nil {
		return false, nil, err
	}
	var reply pollReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return false, nil, fmt.Errorf("cdphost: decode record poll: %w", err)
	}
	for _, c := range reply.Chunks {
		data, err := base64.StdEncoding.DecodeString(c.Data)
		if err != nil {
			return false, nil, fmt.Errorf("cdphost: decode chunk: %w", err)
		}
		r.chunks = append(r.chunks, surface.Chunk{Data: data, At: time.UnixMilli(c.At)})
	}
	if !reply.Done {
		return false, nil, nil
	}
	if reply.Error != "" {
		return true, errors.New(reply.Error), nil
	}
	return true, nil, nil
}
