package relay

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"gopkg.in/natefinch/lumberjack.v2"
)

// JournalEntry is one routed message with payload bytes elided.
type JournalEntry struct {
	Time         time.Time          `json:"time"`
	TabID        int                `json:"tab_id"`
	Command      protocol.Command   `json:"command"`
	Source       protocol.ContextID `json:"source"`
	Target       protocol.ContextID `json:"target"`
	CanvasIndex  int                `json:"canvas_index"`
	Success      bool               `json:"success,omitempty"`
	PayloadBytes int                `json:"payload_bytes,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Journal appends routed messages to a rotated JSONL file from a
// background goroutine. Record never blocks the hub.
type Journal struct {
	writeCh chan JournalEntry
	done    chan struct{}
	wg      sync.WaitGroup
	out     *lumberjack.Logger
	logger  *slog.Logger
}

// NewJournal opens dir/relay.jsonl. maxSizeMB bounds each file before
// rotation.
func NewJournal(dir string, bufferSize, maxSizeMB int, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	j := &Journal{
		writeCh: make(chan JournalEntry, bufferSize),
		done:    make(chan struct{}),
		out: &lumberjack.Logger{
			Filename:   filepath.Join(dir, "relay.jsonl"),
			MaxSize:    maxSizeMB,
			MaxBackups: 10,
			MaxAge:     14,
		},
		logger: logger,
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j, nil
}

// Record queues msg. Entries are dropped when the buffer is full.
func (j *Journal) Record(msg protocol.Message) {
	e := JournalEntry{
		Time:        time.Now().UTC(),
		TabID:       msg.TabID,
		Command:     msg.Command,
		Source:      msg.Source,
		Target:      msg.Target,
		CanvasIndex: msg.CanvasIndex,
		Success:     msg.Success,
		Error:       msg.Error,
	}
	if msg.Payload != nil {
		e.PayloadBytes = len(msg.Payload.Data)
	}
	select {
	case <-j.done:
	case j.writeCh <- e:
	default:
		j.logger.Warn("relay journal buffer full, dropping entry", "command", msg.Command)
	}
}

// Close drains queued entries and closes the file.
func (j *Journal) Close() error {
	close(j.done)
	j.wg.Wait()
	for {
		select {
		case e := <-j.writeCh:
			j.write(e)
		default:
			return j.out.Close()
		}
	}
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case e := <-j.writeCh:
			j.write(e)
		case <-j.done:
			return
		}
	}
}

func (j *Journal) write(e JournalEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		j.logger.Error("relay journal marshal failed", "error", err)
		return
	}
	if _, err := j.out.Write(append(data, '\n')); err != nil {
		j.logger.Error("relay journal write failed", "error", err)
	}
}
