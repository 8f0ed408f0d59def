// Package sink implements FileSink, the single-writer actor that owns one
// open file: it enforces a byte quota, serializes writes through an
// internal queue, and halts permanently on the first I/O error or external
// removal of the file.
package sink

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/alxayo/streamfile/internal/bufpool"
	"github.com/alxayo/streamfile/internal/filestream/bytesbuf"
	"github.com/alxayo/streamfile/internal/filestream/filehandle"
	"github.com/alxayo/streamfile/internal/filestream/watch"

	ferr "github.com/alxayo/streamfile/internal/errors"
)

type reqKind int

const (
	reqWrite reqKind = iota
	reqFlush
	reqSyncAll
)

type request struct {
	kind    reqKind
	data    bytesbuf.Bytes
	marker  uint32
	reply   chan error
}

// Options configures a FileSink.
type Options struct {
	// Quota caps the file's total size, counting the bytes it already held
	// at Open; 0 means unlimited. Once reached, the sink writes as much of the offending
	// payload as fits and then halts with FileLimitExceeded: it neither
	// silently drops the overflow nor keeps accepting writes past the cap,
	// so readers tailing the file see the partial frame's bytes land rather
	// than a gap.
	Quota int64
}

// FileSink owns one append-mode file and the single background goroutine
// that writes to it.
type FileSink struct {
	id   string
	path string
	opts Options

	handle  *filehandle.Handle
	watcher *watch.Watcher
	log     *slog.Logger

	written    int64
	nextMarker uint32

	queue *unboundedQueue
	latch ferr.Latch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open creates or appends to the file at path, identified by id, and starts
// its writer goroutine.
func Open(ctx context.Context, id, path string, opts Options, log *slog.Logger) (*FileSink, error) {
	handle, err := filehandle.OpenAppend(id, path)
	if err != nil {
		return nil, err
	}
	size, err := handle.Size()
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	w, err := watch.New(ctx, path, log)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}

	sCtx, cancel := context.WithCancel(ctx)
	s := &FileSink{
		id:         id,
		path:       path,
		opts:       opts,
		handle:     handle,
		watcher:    w,
		log:        log,
		written:    size,
		nextMarker: 1, // 0 means "nothing written yet"; Flush(0) is trivially satisfied
		queue:      newUnboundedQueue(),
		ctx:        sCtx,
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.loop()
	log.Info("sink: open", "file_id", id, "size", size)
	return s, nil
}

// ID returns the identity this sink was opened under.
func (s *FileSink) ID() string { return s.id }

// Written reports the number of bytes appended so far (including whatever
// the file already held when Open ran).
func (s *FileSink) Written() int64 { return s.written }

// Write enqueues data for append and returns the flush marker this write
// was assigned. It never blocks the caller (the request queue is unbounded)
// and does not wait for the write to land on disk; call Flush with the
// returned marker for that. If the sink has already halted, Write returns
// the latched terminal error immediately without enqueueing.
func (s *FileSink) Write(ctx context.Context, data bytesbuf.Bytes) (uint32, error) {
	if err := s.latch.Take(); err != nil {
		return 0, err
	}
	marker := s.nextMarker
	// Markers wrap back to 1 rather than overflowing: 0 means "nothing
	// written yet" and MaxUint32 is reserved for sync-all.
	if s.nextMarker == math.MaxUint32-1 {
		s.nextMarker = 1
	} else {
		s.nextMarker++
	}

	req := request{kind: reqWrite, data: data, marker: marker}
	if !s.queue.push(req) {
		if err := s.latch.Take(); err != nil {
			return 0, err
		}
		return 0, ferr.NewTaskDead("sink.write", s.id)
	}
	return marker, nil
}

// Flush blocks until every write assigned a marker <= marker has been
// appended to the file (not necessarily fsynced). Because Write calls for a
// given sink are always issued by the one caller that owns it (its
// dispatch writer task) and the internal queue is strictly FIFO, a
// reqFlush enqueued after a reqWrite is guaranteed to be processed after
// it — no separate bookkeeping of "which markers are done" is needed.
func (s *FileSink) Flush(ctx context.Context, marker uint32) error {
	if err := s.latch.Take(); err != nil {
		return err
	}
	if marker == 0 {
		return nil // nothing has ever been written
	}
	reply := make(chan error, 1)
	req := request{kind: reqFlush, marker: marker, reply: reply}
	if !s.queue.push(req) {
		if err := s.latch.Take(); err != nil {
			return err
		}
		return ferr.NewTaskDead("sink.flush", s.id)
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		if err := s.latch.Take(); err != nil {
			return err
		}
		return ferr.NewTaskDead("sink.flush", s.id)
	}
}

// SyncAll blocks until an fsync has completed over everything written so
// far.
func (s *FileSink) SyncAll(ctx context.Context) error {
	if err := s.latch.Take(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	req := request{kind: reqSyncAll, reply: reply}
	if !s.queue.push(req) {
		if err := s.latch.Take(); err != nil {
			return err
		}
		return ferr.NewTaskDead("sink.syncAll", s.id)
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		if err := s.latch.Take(); err != nil {
			return err
		}
		return ferr.NewTaskDead("sink.syncAll", s.id)
	}
}

// Close stops the writer loop and releases the file handle and watcher.
// Safe to call after the sink has already halted on an error.
func (s *FileSink) Close() error {
	s.cancel()
	s.wg.Wait()
	werr := s.watcher.Close()
	herr := s.handle.Close()
	s.log.Info("sink: task exit", "file_id", s.id, "written", s.written)
	if herr != nil {
		return herr
	}
	return werr
}

func (s *FileSink) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.drainOnShutdown()
			return
		case <-s.queue.Ready():
			for {
				req, ok := s.queue.popNonBlocking()
				if !ok {
					break
				}
				if !s.handleRequest(req) {
					s.drainOnShutdown()
					return
				}
			}
		case ev, ok := <-s.watcher.Events():
			if ok {
				s.handleWatchEvent(ev)
			}
		}
	}
}

// handleRequest processes one queued request and returns false if the sink
// must halt (first I/O error or external removal).
func (s *FileSink) handleRequest(req request) bool {
	switch req.kind {
	case reqWrite:
		return s.handleWrite(req.data)
	case reqFlush:
		if fe := s.latch.Take(); fe != nil {
			req.reply <- fe
			return false
		}
		req.reply <- nil
		return true
	case reqSyncAll:
		err := s.handle.SyncAll()
		if err != nil {
			s.halt(err.(*ferr.FileErr))
			req.reply <- err
			return false
		}
		req.reply <- nil
		return true
	}
	return true
}

func (s *FileSink) handleWrite(data bytesbuf.Bytes) bool {
	payload := data
	truncated := false
	if s.opts.Quota > 0 {
		remaining := s.opts.Quota - s.written
		if remaining <= 0 {
			s.log.Warn("sink: quota exceeded", "file_id", s.id, "quota", s.opts.Quota, "written", s.written)
			s.halt(ferr.NewFileLimitExceeded("sink.write"))
			return false
		}
		if int64(data.Len()) > remaining {
			head, _ := data.Pop(int(remaining))
			payload = head
			truncated = true
		}
	}

	buf := payload.IntoVec()
	if len(buf) > 0 {
		if err := s.handle.WriteAll(buf); err != nil {
			s.halt(err.(*ferr.FileErr))
			return false
		}
		s.written += int64(len(buf))
		// buf is always a frame this module's own format package built via
		// bufpool.Get (writer.handleSend/emitBeacon/open never hand the
		// sink caller-owned bytes), so it's safe to return to the pool the
		// instant the append completes.
		bufpool.Put(buf)
	}

	if truncated {
		// Quota truncated this write: everything that fit has been appended,
		// but the caller must see FileLimitExceeded so it stops producing.
		s.log.Warn("sink: quota exceeded", "file_id", s.id, "quota", s.opts.Quota, "written", s.written)
		s.halt(ferr.NewFileLimitExceeded("sink.write"))
		return false
	}

	return true
}

func (s *FileSink) handleWatchEvent(ev watch.Event) {
	switch ev.Kind {
	case watch.Remove:
		s.halt(ferr.NewFileRemoved("sink.watch"))
	case watch.Rewatch:
		// A sink should never lose its own watch: if the directory watch
		// had to be re-established, the state of the file is uncertain, so
		// this is fatal here. Readers may resync from the last beacon
		// instead; this sink cannot.
		s.halt(ferr.NewWatchError("sink.watch", "rewatch observed on own file"))
	case watch.Error:
		s.log.Warn("sink: watcher reported error", "file_id", s.id, "error", ev.Err)
	case watch.Modify:
		// Informational only: this sink is the one doing the writing, so its
		// own appends already account for size growth. Readers use these
		// events themselves via their own Watcher.
	}
}

func (s *FileSink) halt(err *ferr.FileErr) {
	s.latch.Store(err)
	s.cancel()
}

// drainOnShutdown closes the queue (so a push racing shutdown fails fast
// with TaskDead instead of landing in a queue nobody drains — the same
// ordering dispatch.writer.shutdown relies on) and releases every request
// already queued, so no caller blocks forever on a dead sink.
func (s *FileSink) drainOnShutdown() {
	fe := s.latch.Take()
	if fe == nil {
		fe = ferr.NewTaskDead("sink.loop", s.id)
	}
	s.queue.close()
	for {
		req, ok := s.queue.popNonBlocking()
		if !ok {
			return
		}
		if req.reply != nil {
			req.reply <- fe
		}
	}
}
