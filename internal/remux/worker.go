package remux

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Worker message kinds.
const (
	KindRegister    = "register"
	KindRegistered  = "registered"
	KindRemux       = "remux"
	KindRemuxResult = "remux-result"
)

var ErrWorkerBusy = errors.New("remux: worker already has a job in flight")

// Bundle is everything the worker needs before it can re-encode.
type Bundle struct {
	Manifest []byte
	Codec    []byte
	Utility  []byte
	Glue     []byte
}

// Message is one worker protocol record. Source and Data are handed off:
// the sender must not touch them after sending.
type Message struct {
	Kind      string
	Bundle    *Bundle
	Source    []byte
	Timestamp time.Time
	Success   bool
	Data      []byte
	// Refused marks a remux rejected because another was in flight.
	Refused bool
	Err     error
}

// Codec re-encodes a recorded artifact into a seekable container.
type Codec interface {
	Remux(ctx context.Context, src []byte, start time.Time) ([]byte, error)
	Close() error
}

// CodecFactory builds a codec from a fetched bundle.
type CodecFactory func(Bundle) (Codec, error)

// Worker runs codec jobs off the caller's goroutine, one at a time.
type Worker struct {
	factory CodecFactory
	logger  *slog.Logger

	in   chan Message
	out  chan Message
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	busy  atomic.Bool
	codec Codec
}

// NewWorker spawns the worker goroutine.
func NewWorker(factory CodecFactory, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		factory: factory,
		logger:  logger,
		in:      make(chan Message, 4),
		out:     make(chan Message, 4),
		quit:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Post sends a message to the worker.
func (w *Worker) Post(msg Message) {
	select {
	case w.in <- msg:
	case <-w.quit:
	}
}

// Out yields worker replies.
func (w *Worker) Out() <-chan Message { return w.out }

func (w *Worker) reply(msg Message) {
	select {
	case w.out <- msg:
	case <-w.quit:
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		select {
		case <-w.quit:
			return
		case msg := <-w.in:
			switch msg.Kind {
			case KindRegister:
				w.register(msg)
			case KindRemux:
				if w.codec == nil {
					w.reply(Message{Kind: KindRemuxResult, Err: errors.New("remux: worker not registered")})
					continue
				}
				if !w.busy.CompareAndSwap(false, true) {
					w.reply(Message{Kind: KindRemuxResult, Refused: true, Err: ErrWorkerBusy})
					continue
				}
				w.wg.Add(1)
				go w.remux(ctx, msg)
			default:
				w.logger.Debug("remux worker: unknown message", "kind", msg.Kind)
			}
		}
	}
}

func (w *Worker) register(msg Message) {
	if msg.Bundle == nil {
		w.reply(Message{Kind: KindRegistered, Err: errors.New("remux: register without bundle")})
		return
	}
	codec, err := w.factory(*msg.Bundle)
	if err != nil {
		w.reply(Message{Kind: KindRegistered, Err: err})
		return
	}
	if w.codec != nil {
		_ = w.codec.Close()
	}
	w.codec = codec
	w.reply(Message{Kind: KindRegistered, Success: true})
}

func (w *Worker) remux(ctx context.Context, msg Message) {
	defer w.wg.Done()
	data, err := w.codec.Remux(ctx, msg.Source, msg.Timestamp)
	w.busy.Store(false)
	if err != nil {
		w.reply(Message{Kind: KindRemuxResult, Err: err})
		return
	}
	w.reply(Message{Kind: KindRemuxResult, Success: true, Data: data})
}

// Close stops the worker and releases the codec.
func (w *Worker) Close() {
	w.once.Do(func() {
		close(w.quit)
		w.wg.Wait()
		if w.codec != nil {
			_ = w.codec.Close()
		}
	})
}
