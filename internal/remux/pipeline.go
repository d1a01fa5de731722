// Package remux converts raw recordings into a seekable container, one job
// at a time, on a lazily bootstrapped worker.
package remux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/blob"
)

var ErrDisabled = errors.New("remux: pipeline disabled")

// Source reads a record's payload. *blob.Store satisfies it.
type Source interface {
	Copy(h blob.Handle) ([]byte, error)
}

// Sink receives successful results. It owns the swap of the old handle for
// the new payload, including revoking the old handle.
type Sink interface {
	Replace(old blob.Handle, data []byte)
}

// Assets names the four bootstrap assets, fetched in this order.
type Assets struct {
	Worker  string `yaml:"worker"`
	Codec   string `yaml:"codec"`
	Utility string `yaml:"utility"`
	Glue    string `yaml:"glue"`
}

// DefaultAssets are the asset names used when none are configured.
var DefaultAssets = Assets{
	Worker:  "worker.yaml",
	Codec:   "codec",
	Utility: "utility.sha256",
	Glue:    "glue.yaml",
}

// Options configures a Pipeline.
type Options struct {
	Fetcher Fetcher
	Assets  Assets
	Factory CodecFactory
	Source  Source
	Sink    Sink

	// FetchTimeout bounds each bootstrap fetch.
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.Assets == (Assets{}) {
		o.Assets = DefaultAssets
	}
	if o.Factory == nil {
		o.Factory = NewExecCodec
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type job struct {
	handle blob.Handle
	start  time.Time
}

// Stats is a snapshot of pipeline state.
type Stats struct {
	WorkerReady bool   `json:"worker_ready"`
	InFlight    bool   `json:"in_flight"`
	Disabled    bool   `json:"disabled"`
	Queued      int    `json:"queued"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Reason      string `json:"reason,omitempty"`
}

// Pipeline is a FIFO, single-concurrency job queue in front of a Worker.
type Pipeline struct {
	opts   Options
	logger *slog.Logger

	inbox     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// Loop-owned.
	worker        *Worker
	bootstrapping bool
	workerReady   bool
	inFlight      bool
	disabled      bool
	queue         []job
	current       job
	stats         Stats
}

// New returns an idle pipeline. The worker is spawned on first Enqueue.
func New(opts Options) *Pipeline {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		opts:   opts,
		logger: opts.Logger,
		inbox:  make(chan func(), 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go p.loop()
	return p
}

func (p *Pipeline) loop() {
	defer close(p.done)
	for {
		select {
		case fn := <-p.inbox:
			fn()
		case <-p.quit:
			if p.worker != nil {
				p.worker.Close()
			}
			return
		}
	}
}

func (p *Pipeline) post(fn func()) {
	select {
	case p.inbox <- fn:
	case <-p.quit:
	}
}

// Enqueue appends a job for h, recorded at start.
func (p *Pipeline) Enqueue(h blob.Handle, start time.Time) {
	p.post(func() {
		if p.disabled {
			p.logger.Debug("remux: pipeline disabled, dropping job", "handle", h)
			return
		}
		p.queue = append(p.queue, job{handle: h, start: start})
		if p.worker == nil && !p.bootstrapping {
			p.bootstrap()
		}
		p.handleQueue()
	})
}

// Stats returns the current state.
func (p *Pipeline) Stats() Stats {
	ch := make(chan Stats, 1)
	p.post(func() {
		s := p.stats
		s.WorkerReady = p.workerReady
		s.InFlight = p.inFlight
		s.Disabled = p.disabled
		s.Queued = len(p.queue)
		ch <- s
	})
	select {
	case s := <-ch:
		return s
	case <-p.done:
		return Stats{Disabled: true}
	}
}

// Close stops the worker. Queued jobs are dropped.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.quit)
	})
	<-p.done
}

// bootstrap fetches the four assets strictly in order. Any failure
// disables the pipeline for good.
func (p *Pipeline) bootstrap() {
	p.bootstrapping = true
	assets := p.opts.Assets
	go func() {
		var b Bundle
		steps := []struct {
			name string
			dst  *[]byte
		}{
			{assets.Worker, &b.Manifest},
			{assets.Codec, &b.Codec},
			{assets.Utility, &b.Utility},
			{assets.Glue, &b.Glue},
		}
		for _, s := range steps {
			data, err := p.fetch(s.name)
			if err != nil {
				p.post(func() { p.disable(fmt.Errorf("fetch %s: %w", s.name, err)) })
				return
			}
			*s.dst = data
		}
		p.post(func() { p.spawn(b) })
	}()
}

func (p *Pipeline) fetch(name string) ([]byte, error) {
	if p.opts.Fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.FetchTimeout)
	defer cancel()
	return p.opts.Fetcher.Fetch(ctx, name)
}

func (p *Pipeline) spawn(b Bundle) {
	w := NewWorker(p.opts.Factory, p.logger)
	p.worker = w
	go func() {
		for {
			select {
			case msg := <-w.Out():
				p.post(func() { p.onWorker(msg) })
			case <-w.quit:
				return
			}
		}
	}()
	w.Post(Message{Kind: KindRegister, Bundle: &b})
}

func (p *Pipeline) disable(err error) {
	p.bootstrapping = false
	p.disabled = true
	p.stats.Reason = fmt.Errorf("%w: %v", ErrDisabled, err).Error()
	p.stats.Skipped += len(p.queue)
	p.logger.Warn("remux: pipeline disabled", "error", err, "dropped_jobs", len(p.queue))
	p.queue = nil
	if p.worker != nil {
		w := p.worker
		p.worker = nil
		go w.Close()
	}
}

func (p *Pipeline) onWorker(msg Message) {
	switch msg.Kind {
	case KindRegistered:
		if !msg.Success {
			p.disable(fmt.Errorf("register: %w", msg.Err))
			return
		}
		p.bootstrapping = false
		p.workerReady = true
		p.logger.Info("remux: worker ready")
		p.handleQueue()
	case KindRemuxResult:
		if msg.Refused || !p.inFlight {
			return
		}
		done := p.current
		p.inFlight = false
		p.current = job{}
		if msg.Success {
			p.stats.Completed++
			p.logger.Info("remux: job finished", "handle", done.handle, "bytes", len(msg.Data))
			p.opts.Sink.Replace(done.handle, msg.Data)
		} else {
			p.stats.Failed++
			p.logger.Warn("remux: job failed, keeping original", "handle", done.handle, "error", msg.Err)
		}
		p.handleQueue()
	}
}

// handleQueue starts the next job when the worker is idle and ready.
func (p *Pipeline) handleQueue() {
	if p.disabled || !p.workerReady || p.inFlight || len(p.queue) == 0 {
		return
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	p.processJob(next)
}

func (p *Pipeline) processJob(j job) {
	data, err := p.opts.Source.Copy(j.handle)
	if err != nil {
		p.stats.Skipped++
		p.logger.Debug("remux: skipping job", "handle", j.handle, "error", err)
		go p.post(p.handleQueue)
		return
	}
	p.inFlight = true
	p.current = j
	p.worker.Post(Message{Kind: KindRemux, Source: data, Timestamp: j.start})
}
