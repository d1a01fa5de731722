package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/dgnsrekt/canvas_capture/internal/blob"
	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/dgnsrekt/canvas_capture/internal/relay"
	"github.com/dgnsrekt/canvas_capture/internal/remux"
)

// Record is a finished capture. Its handle is owned by the record list and
// revoked exactly once: on removal, on supersession by a re-encoded
// payload, or at controller shutdown.
type Record struct {
	Handle  blob.Handle
	Start   time.Time
	End     time.Time
	Size    int
	Name    string
	Owner   protocol.ContextID
	Remuxed bool
}

func (r *Record) Info() protocol.RecordInfo {
	return protocol.RecordInfo{
		Handle:  string(r.Handle),
		Start:   r.Start,
		End:     r.End,
		Size:    r.Size,
		Name:    r.Name,
		Owner:   r.Owner,
		Remuxed: r.Remuxed,
	}
}

func defaultName(start time.Time) string {
	return fmt.Sprintf("capture-%s.webm", start.UTC().Format("20060102-150405"))
}

func (c *Controller) addRecord(owner protocol.ContextID, data []byte, start, end time.Time) *Record {
	if start.IsZero() {
		start = time.Now()
	}
	if end.IsZero() || end.Before(start) {
		end = time.Now()
	}
	r := &Record{
		Handle: c.blobs.Put(data),
		Start:  start,
		End:    end,
		Size:   len(data),
		Name:   defaultName(start),
		Owner:  owner,
	}
	c.records = append(c.records, r)
	c.logger.Info("controller: record added", "handle", r.Handle, "bytes", r.Size)
	c.publishRecords()
	return r
}

func (c *Controller) findRecord(h blob.Handle) (int, *Record) {
	for i, r := range c.records {
		if r.Handle == h {
			return i, r
		}
	}
	return -1, nil
}

func (c *Controller) revoke(h blob.Handle) {
	if err := c.blobs.Revoke(h); err != nil {
		c.logger.Error("controller: revoke failed", "handle", h, "error", err)
	}
}

func (c *Controller) publishRecords() {
	infos := make([]protocol.RecordInfo, len(c.records))
	for i, r := range c.records {
		infos[i] = r.Info()
	}
	c.publish(relay.FeedRecords, infos)
}

// Records lists finished captures, oldest first.
func (c *Controller) Records() []protocol.RecordInfo {
	var out []protocol.RecordInfo
	_ = c.call(func() {
		for _, r := range c.records {
			out = append(out, r.Info())
		}
	})
	return out
}

// Payload returns a copy of the record's bytes.
func (c *Controller) Payload(handle string) (protocol.RecordInfo, []byte, error) {
	var (
		info protocol.RecordInfo
		data []byte
		err  error
	)
	if cerr := c.call(func() {
		_, r := c.findRecord(blob.Handle(handle))
		if r == nil {
			err = protocol.NewError(protocol.CodeNotFound, "record not found", nil)
			return
		}
		info = r.Info()
		data, err = c.blobs.Copy(r.Handle)
		if err != nil {
			err = protocol.NewError(protocol.CodeInternal, "record payload unavailable", err)
		}
	}); cerr != nil {
		return protocol.RecordInfo{}, nil, cerr
	}
	return info, data, err
}

// RemoveRecord deletes a record and revokes its handle.
func (c *Controller) RemoveRecord(handle string) error {
	var err error
	if cerr := c.call(func() { err = c.removeRecord(blob.Handle(handle)) }); cerr != nil {
		return cerr
	}
	return err
}

func (c *Controller) removeRecord(h blob.Handle) error {
	i, r := c.findRecord(h)
	if r == nil {
		return protocol.NewError(protocol.CodeNotFound, "record not found", nil)
	}
	c.records = append(c.records[:i:i], c.records[i+1:]...)
	c.revoke(r.Handle)
	c.publishRecords()
	return nil
}

// Download exports the record under name.
func (c *Controller) Download(ctx context.Context, handle, name string) (string, error) {
	var (
		info protocol.RecordInfo
		data []byte
		err  error
	)
	if cerr := c.call(func() {
		info, data, err = c.prepareDownload(blob.Handle(handle), name)
	}); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", err
	}
	id, err := c.opts.Exporter.Export(ctx, c.opts.TabID, info, data)
	if err != nil {
		return "", protocol.NewError(protocol.CodeInternal, "export failed", err)
	}
	c.logger.Info("controller: record exported", "handle", handle, "export_id", id)
	return id, nil
}

func (c *Controller) prepareDownload(h blob.Handle, name string) (protocol.RecordInfo, []byte, error) {
	if c.opts.Exporter == nil {
		return protocol.RecordInfo{}, nil, protocol.NewError(protocol.CodeUnavailable, "no export store configured", nil)
	}
	_, r := c.findRecord(h)
	if r == nil {
		return protocol.RecordInfo{}, nil, protocol.NewError(protocol.CodeNotFound, "record not found", nil)
	}
	if name != "" {
		r.Name = name
		c.publishRecords()
	}
	data, err := c.blobs.Copy(r.Handle)
	if err != nil {
		return protocol.RecordInfo{}, nil, protocol.NewError(protocol.CodeInternal, "record payload unavailable", err)
	}
	return r.Info(), data, nil
}

func (c *Controller) enqueueRemux(r *Record) {
	if c.opts.Remux == nil {
		return
	}
	if c.pipeline == nil {
		opts := *c.opts.Remux
		opts.Source = c.blobs
		opts.Sink = sink{c}
		opts.Logger = c.logger
		c.pipeline = remux.New(opts)
	}
	c.pipeline.Enqueue(r.Handle, r.Start)
}

// RemuxStats reports the re-encode pipeline state; ok is false until the
// first job created it.
func (c *Controller) RemuxStats() (remux.Stats, bool) {
	var p *remux.Pipeline
	_ = c.call(func() { p = c.pipeline })
	if p == nil {
		return remux.Stats{}, false
	}
	return p.Stats(), true
}

// sink receives re-encoded payloads from the pipeline goroutine.
type sink struct{ c *Controller }

func (s sink) Replace(old blob.Handle, data []byte) {
	s.c.post(func() { s.c.replacePayload(old, data) })
}

// replacePayload swaps a record's payload for its re-encoded form. A
// record removed meanwhile keeps nothing: the new bytes are dropped before
// any handle is created.
func (c *Controller) replacePayload(old blob.Handle, data []byte) {
	_, r := c.findRecord(old)
	if r == nil {
		c.logger.Debug("controller: remuxed record gone, dropping result", "handle", old)
		return
	}
	r.Handle = c.blobs.Put(data)
	r.Size = len(data)
	r.Remuxed = true
	c.revoke(old)
	c.logger.Info("controller: record remuxed", "old", old, "new", r.Handle, "bytes", r.Size)
	c.publishRecords()
}
