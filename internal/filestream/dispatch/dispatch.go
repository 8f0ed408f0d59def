package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	ferr "github.com/alxayo/streamfile/internal/errors"
	"github.com/alxayo/streamfile/internal/filestream/bytesbuf"
	"github.com/alxayo/streamfile/internal/filestream/format"
	"github.com/alxayo/streamfile/internal/filestream/sink"
	"github.com/alxayo/streamfile/internal/logger"
)

// Options configures a writer task spawned for a FileId.
type Options struct {
	// Quota caps the file's total size; 0 means unlimited (sink.Options.Quota).
	Quota int64
	// BeaconInterval, if non-zero, is the byte spacing at which a resync
	// beacon frame is interleaved.
	BeaconInterval uint32
	// CloseOnIdle controls what happens when the last handle for a FileId
	// is dropped: true (the default) flushes, syncs, and closes the file;
	// false leaves the writer task and its open file alive so a later
	// NewProducer for the same FileId reuses it instead of reopening.
	CloseOnIdle bool
}

// DefaultOptions returns Options with CloseOnIdle true and no quota/beacon.
func DefaultOptions() Options {
	return Options{CloseOnIdle: true}
}

type reqKind int

const (
	reqSend reqKind = iota
	reqFlush
	reqEnd
	reqDrop
)

type sendResult struct {
	header format.MessageHeader
	err    error
}

type request struct {
	kind      reqKind
	streamKey format.StreamKey
	shardID   uint64
	payload   []byte
	sendReply chan sendResult
	ackReply  chan error
}

// entry is the registry's per-FileId bookkeeping: the queue feeding the
// writer task and a live handle count.
type entry struct {
	queue   *unboundedQueue
	handles int
}

// Dispatcher is the process-wide registry mapping FileId to exactly one
// writer task. The zero value is not usable; construct with New.
type Dispatcher struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *slog.Logger
}

// New creates an empty Dispatcher.
func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{entries: make(map[string]*entry), log: log}
}

var (
	defaultOnce       sync.Once
	defaultDispatcher *Dispatcher
)

// Default returns the package-level Dispatcher. Most callers never need
// more than one instance per process, but tests construct their own via New
// to stay isolated.
func Default() *Dispatcher {
	defaultOnce.Do(func() {
		defaultDispatcher = New(logger.Logger())
	})
	return defaultDispatcher
}

// NewProducer returns a Handle bound to id's writer task, spawning it if
// this is the first handle for id. The registry entry is inserted before
// the backing file is opened so a concurrent NewProducer for the same id
// joins the same writer instead of racing to open the file twice (only the
// map mutation needs the lock; the open itself runs outside it).
func (d *Dispatcher) NewProducer(ctx context.Context, id FileId, opts Options) (*Handle, error) {
	d.mu.Lock()
	e, ok := d.entries[id.path]
	if ok {
		e.handles++
		d.mu.Unlock()
		return &Handle{id: id, d: d, entry: e}, nil
	}
	e = &entry{queue: newUnboundedQueue(), handles: 1}
	d.entries[id.path] = e
	d.mu.Unlock()

	w := &writer{id: id, opts: opts, d: d, log: logger.WithFile(d.log, id.String(), id.Path()), queue: e.queue}
	if err := w.open(ctx); err != nil {
		d.mu.Lock()
		delete(d.entries, id.path)
		d.mu.Unlock()
		e.queue.close()
		w.haltCause = err
		w.failAll()
		return nil, err
	}
	go w.run()
	return &Handle{id: id, d: d, entry: e}, nil
}

// decrementHandles lowers the handle count for id by one. Once the count
// reaches zero and closeOnIdle is true, it removes the registry entry and
// reports that the writer should exit; otherwise the entry stays. A missing
// entry also reports that the writer should exit.
func (d *Dispatcher) decrementHandles(id FileId, closeOnIdle bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id.path]
	if !ok {
		return true
	}
	e.handles--
	if e.handles > 0 {
		return false
	}
	if closeOnIdle {
		delete(d.entries, id.path)
		return true
	}
	return false
}

// forget removes id's registry entry unconditionally, used once a writer
// task has decided to exit for any reason (End, fatal error, or an idle
// CloseOnIdle drop).
func (d *Dispatcher) forget(id FileId) {
	d.mu.Lock()
	delete(d.entries, id.path)
	d.mu.Unlock()
}

// Handle is a cheap, cloneable façade addressed to one FileId's writer
// task. The zero value is not usable.
type Handle struct {
	id       FileId
	d        *Dispatcher
	entry    *entry
	dropOnce sync.Once
}

// FileId returns the identity this handle addresses.
func (h *Handle) FileId() FileId { return h.id }

// SendFuture resolves to the MessageHeader the writer task assigned once the
// record has been handed to the sink (buffered, not necessarily flushed).
type SendFuture struct{ ch <-chan sendResult }

// Wait blocks until the writer task acknowledges the send or ctx is done.
func (f *SendFuture) Wait(ctx context.Context) (format.MessageHeader, error) {
	select {
	case r := <-f.ch:
		return r.header, r.err
	case <-ctx.Done():
		return format.MessageHeader{}, ctx.Err()
	}
}

// AckFuture resolves to a plain error, used by Flush and End.
type AckFuture struct{ ch <-chan error }

// Wait blocks until the writer task acknowledges or ctx is done.
func (f *AckFuture) Wait(ctx context.Context) error {
	select {
	case err := <-f.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTo enqueues a record for stream/shard and returns a future resolving
// to its assigned MessageHeader. Never blocks.
func (h *Handle) SendTo(streamKey format.StreamKey, shardID uint64, payload []byte) (*SendFuture, error) {
	if err := format.ValidateStreamKey(string(streamKey)); err != nil {
		return nil, err
	}
	reply := make(chan sendResult, 1)
	req := request{kind: reqSend, streamKey: streamKey, shardID: shardID, payload: payload, sendReply: reply}
	if !h.entry.queue.push(req) {
		return nil, ferr.NewProducerEnded("dispatch.sendTo")
	}
	return &SendFuture{ch: reply}, nil
}

// Flush enqueues a request that resolves once every record sent so far
// through this FileId's writer task has been pushed to the OS.
func (h *Handle) Flush() (*AckFuture, error) {
	reply := make(chan error, 1)
	req := request{kind: reqFlush, ackReply: reply}
	if !h.entry.queue.push(req) {
		return nil, ferr.NewProducerEnded("dispatch.flush")
	}
	return &AckFuture{ch: reply}, nil
}

// End enqueues a terminal flush+sync+close request and consumes the handle.
// The writer task's registry entry is removed once it exits, regardless of
// outcome.
func (h *Handle) End() (*AckFuture, error) {
	reply := make(chan error, 1)
	req := request{kind: reqEnd, ackReply: reply}
	if !h.entry.queue.push(req) {
		return nil, ferr.NewProducerEnded("dispatch.end")
	}
	return &AckFuture{ch: reply}, nil
}

// Drop sends a best-effort Drop request, decrementing the writer task's
// handle count. Safe to call more than once; only the first call has any
// effect.
func (h *Handle) Drop() {
	h.dropOnce.Do(func() {
		h.entry.queue.push(request{kind: reqDrop})
	})
}

// Clone returns a new Handle sharing the same writer task, incrementing the
// handle count so its eventual Drop is accounted for independently.
func (h *Handle) Clone() *Handle {
	h.d.mu.Lock()
	h.entry.handles++
	h.d.mu.Unlock()
	return &Handle{id: h.id, d: h.d, entry: h.entry}
}

// seqKey identifies one ordering domain: a (stream, shard) pair within a
// file.
type seqKey struct {
	stream format.StreamKey
	shard  uint64
}

// writer is the per-FileId background task: the only thing ever allowed to
// append to this file's sink, process-wide, at any instant.
type writer struct {
	id    FileId
	opts  Options
	d     *Dispatcher
	log   *slog.Logger
	queue *unboundedQueue

	sink *sink.FileSink

	seqNo            map[seqKey]uint64
	offset           int64
	nextBeaconOffset int64
	lastMarker       uint32

	// haltCause is whatever every request still queued at shutdown should be
	// failed with: the error that ended the task, or ProducerEnded for a
	// clean End/idle-Drop exit.
	haltCause error
}

// open opens (or creates) the backing file, writing a FileHeader if it was
// empty, and primes beacon bookkeeping.
func (w *writer) open(ctx context.Context) error {
	s, err := sink.Open(ctx, w.id.String(), w.id.Path(), sink.Options{Quota: w.opts.Quota}, w.log)
	if err != nil {
		return err
	}
	w.sink = s
	w.seqNo = make(map[seqKey]uint64)
	w.offset = s.Written()

	if s.Written() == 0 {
		hdr := format.NewFileHeader(w.opts.BeaconInterval, time.Now().UTC())
		buf := format.EncodeFileHeader(hdr)
		marker, err := s.Write(ctx, bytesbuf.Owned(buf))
		if err != nil {
			_ = s.Close()
			return err
		}
		w.lastMarker = marker
		w.offset += int64(len(buf))
		w.log.Debug("writer: wrote new file header", "beacon_interval", w.opts.BeaconInterval)
	}

	if w.opts.BeaconInterval > 0 {
		boundary := int64(format.HeaderSize)
		for boundary <= w.offset {
			boundary += int64(w.opts.BeaconInterval)
		}
		w.nextBeaconOffset = boundary
	}
	w.log.Info("writer: open", "size", w.offset, "quota", w.opts.Quota, "beacon_interval", w.opts.BeaconInterval)
	return nil
}

func (w *writer) run() {
	defer w.shutdown()
	for {
		req, ok := w.queue.pop()
		if !ok {
			return
		}
		switch req.kind {
		case reqSend:
			if err := w.handleSend(req); err != nil {
				w.haltCause = err
				return
			}
		case reqFlush:
			if err := w.handleFlush(req); err != nil {
				w.haltCause = err
				return
			}
		case reqEnd:
			w.handleEnd(req)
			w.haltCause = ferr.NewProducerEnded("dispatch.writer")
			return
		case reqDrop:
			if w.handleDrop() {
				w.haltCause = ferr.NewProducerEnded("dispatch.writer")
				return
			}
		}
	}
}

func (w *writer) handleSend(req request) error {
	key := seqKey{stream: req.streamKey, shard: req.shardID}
	seq := w.seqNo[key]
	w.seqNo[key] = seq + 1

	now := time.Now().UTC()
	header := format.MessageHeader{
		StreamKey: req.streamKey,
		ShardID:   req.shardID,
		SeqNo:     seq,
		TSMillis:  now.UnixMilli(),
		TSNanoRem: uint32(now.Nanosecond() % 1_000_000),
	}

	frame, err := format.EncodeRecord(header, req.payload)
	if err != nil {
		logger.WithStream(w.log, string(req.streamKey)).Debug("writer: rejected record", "error", err)
		req.sendReply <- sendResult{err: err}
		return nil // a bad payload/stream key is the caller's fault, not fatal
	}

	marker, err := w.sink.Write(context.Background(), bytesbuf.Owned(frame))
	if err != nil {
		req.sendReply <- sendResult{err: err}
		return err
	}
	w.lastMarker = marker
	w.offset += int64(len(frame))
	req.sendReply <- sendResult{header: header}
	logger.WithRecord(w.log, string(header.StreamKey), header.ShardID, header.SeqNo, header.TSMillis).
		Debug("writer: record appended", "bytes", len(frame))

	if w.opts.BeaconInterval > 0 && w.offset >= w.nextBeaconOffset {
		return w.emitBeacon()
	}
	return nil
}

func (w *writer) emitBeacon() error {
	entries := make([]format.BeaconEntry, 0, len(w.seqNo))
	for k, next := range w.seqNo {
		if next == 0 {
			continue
		}
		entries = append(entries, format.BeaconEntry{StreamKey: k.stream, LastSeqNo: next - 1})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StreamKey < entries[j].StreamKey })

	buf, err := format.EncodeBeacon(entries)
	if err != nil {
		w.log.Warn("writer: failed to encode beacon, skipping", "error", err)
		return nil
	}
	marker, err := w.sink.Write(context.Background(), bytesbuf.Owned(buf))
	if err != nil {
		return err
	}
	w.lastMarker = marker
	w.offset += int64(len(buf))
	w.nextBeaconOffset += int64(w.opts.BeaconInterval)
	return nil
}

func (w *writer) handleFlush(req request) error {
	err := w.sink.Flush(context.Background(), w.lastMarker)
	req.ackReply <- err
	return err
}

func (w *writer) handleEnd(req request) {
	err := w.sink.Flush(context.Background(), w.lastMarker)
	if err == nil {
		err = w.sink.SyncAll(context.Background())
	}
	// The file must be closed before the caller's future resolves, so a
	// successful End means the bytes are durable and the descriptor released.
	if cerr := w.sink.Close(); cerr != nil && err == nil {
		err = cerr
	}
	w.sink = nil
	req.ackReply <- err
}

func (w *writer) handleDrop() bool {
	if !w.d.decrementHandles(w.id, w.opts.CloseOnIdle) {
		return false
	}
	// The last handle is gone: flush and sync before shutdown closes the
	// sink, so writes still queued inside it are not discarded.
	err := w.sink.Flush(context.Background(), w.lastMarker)
	if err == nil {
		err = w.sink.SyncAll(context.Background())
	}
	if err != nil {
		w.log.Warn("writer: flush on last drop failed", "error", err)
	}
	return true
}

// failAll drains every request still queued once the writer has decided to
// halt, failing each with w.haltCause (or TaskDead if that isn't a
// *FileErr), so no caller blocks on a writer task that is no longer going to
// run. Must only be called after the queue has been closed, so nothing can
// be pushed to it concurrently and left stranded.
func (w *writer) failAll() {
	fe, ok := w.haltCause.(*ferr.FileErr)
	if !ok || fe == nil {
		fe = ferr.NewTaskDead("dispatch.writer", w.id.String())
	}
	for {
		req, ok := w.queue.popNonBlocking()
		if !ok {
			return
		}
		switch req.kind {
		case reqSend:
			req.sendReply <- sendResult{err: fe}
		case reqFlush, reqEnd:
			req.ackReply <- fe
		case reqDrop:
		}
	}
}

// shutdown runs once run() returns for any reason: the registry entry is
// forgotten, the queue closed (so late pushes fail fast instead of landing
// in a queue nobody drains), any request still queued is failed, and the
// sink (and its file handle and watcher) released. Closing the queue before
// draining it matters: a push racing shutdown either lands before close (and
// failAll below still finds and fails it) or after close (and push itself
// reports ProducerEnded to the caller) — there is no window where a push
// both succeeds and is never answered.
func (w *writer) shutdown() {
	w.d.forget(w.id)
	w.queue.close()
	w.failAll()
	if w.sink != nil {
		if err := w.sink.Close(); err != nil {
			w.log.Debug("writer: error closing sink during shutdown", "error", err)
		}
	}
	w.log.Info("writer: task exit", "cause", w.haltCause, "bytes_written", w.offset)
}
