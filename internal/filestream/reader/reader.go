// Package reader implements the streaming read side of the file backend:
// it consumes a file sequentially from a given offset, cooperates with a
// Watcher to resume after reaching EOF, and tells a partial trailing record
// apart from a file that actually shrank out from under it.
package reader

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	ferr "github.com/alxayo/streamfile/internal/errors"
	"github.com/alxayo/streamfile/internal/filestream/format"
	"github.com/alxayo/streamfile/internal/filestream/watch"
)

// Frame is one decoded unit read off the file: either a Record or a Beacon.
// Exactly one of Record/Beacon is non-nil.
type Frame struct {
	Record *format.Record
	Beacon []format.BeaconEntry
}

// Reader consumes one file head-to-tail, optionally blocking for live
// tailing once it catches up to the current end of file.
type Reader struct {
	f       *os.File
	path    string
	watcher *watch.Watcher
	log     *slog.Logger

	pos    int64 // absolute file offset of the next unread byte
	header format.FileHeader
}

// Open opens path for reading and validates its FileHeader. The reader
// starts positioned immediately after the header; use Seek to start
// elsewhere (e.g. resuming from a previously recorded offset).
func Open(path string, log *slog.Logger) (*Reader, error) {
	const op = "reader.open"
	f, err := os.Open(path)
	if err != nil {
		return nil, ferr.NewIoError(op, err)
	}
	r := &Reader{f: f, path: path, log: log}
	hdrBuf := make([]byte, format.HeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		_ = f.Close()
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ferr.NewHeaderErr(op, ferr.HeaderTruncated, 0)
		}
		return nil, ferr.NewIoError(op, err)
	}
	hdr, err := format.DecodeFileHeader(hdrBuf)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.header = hdr
	r.pos = format.HeaderSize
	return r, nil
}

// Header returns the file's validated FileHeader.
func (r *Reader) Header() format.FileHeader { return r.header }

// Offset reports the absolute byte position of the next unread frame.
func (r *Reader) Offset() int64 { return r.pos }

// Seek positions the reader at an absolute byte offset, typically one
// previously recorded via Offset. The offset must be at or past the file
// header and on a frame boundary for subsequent decodes to succeed.
func (r *Reader) Seek(offset int64) error {
	if offset < format.HeaderSize {
		return ferr.NewFormatErr("reader.seek", ferr.FormatTruncated, offset)
	}
	r.pos = offset
	return nil
}

// SeekTimestamp advances the reader to the first record whose assigned
// timestamp is not before t, skipping beacon frames along the way. On
// success the next call to Next returns that record. Reaching the end of
// the available bytes before finding one returns NotEnoughBytes, with the
// reader left at the end-of-scan frame boundary.
func (r *Reader) SeekTimestamp(t time.Time) error {
	for {
		before := r.pos
		frame, err := r.Next()
		if err != nil {
			return err
		}
		if frame.Record != nil && !frame.Record.Header.Timestamp().Before(t) {
			r.pos = before
			return nil
		}
	}
}

// Close releases the reader's file handle and, if tailing was started, its
// watcher.
func (r *Reader) Close() error {
	var err error
	if r.watcher != nil {
		err = r.watcher.Close()
	}
	if cerr := r.f.Close(); cerr != nil && err == nil {
		err = ferr.NewIoError("reader.close", cerr)
	}
	return err
}

// Next reads and decodes the next frame without blocking: if fewer bytes
// are available than a complete frame, it returns NotEnoughBytes. Use
// NextOrWait to block for live tailing instead.
func (r *Reader) Next() (*Frame, error) {
	const op = "reader.next"
	chunk, err := r.fillFrom(r.pos)
	if err != nil {
		return nil, err
	}
	if len(chunk) == 0 {
		return nil, ferr.NewNotEnoughBytes(op, r.pos)
	}

	if format.PeekMagic(chunk) {
		entries, n, err := format.DecodeBeacon(chunk, r.pos)
		if err != nil {
			return nil, err
		}
		r.pos += int64(n)
		return &Frame{Beacon: entries}, nil
	}

	rec, n, err := format.DecodeRecord(chunk, r.pos)
	if err != nil {
		return nil, err
	}
	r.pos += int64(n)
	return &Frame{Record: rec}, nil
}

// fillFrom reads whatever bytes are currently available starting at pos. A
// file size below pos means the file shrank beneath us, which is terminal
// corruption rather than a partial tail.
func (r *Reader) fillFrom(pos int64) ([]byte, error) {
	const op = "reader.fillFrom"
	info, err := r.f.Stat()
	if err != nil {
		return nil, ferr.NewIoError(op, err)
	}
	if info.Size() < pos {
		return nil, ferr.NewFormatErr(op, ferr.FormatTruncated, pos)
	}
	avail := info.Size() - pos
	if avail == 0 {
		return nil, nil
	}
	buf := make([]byte, avail)
	if _, err := r.f.ReadAt(buf, pos); err != nil && err != io.EOF {
		return nil, ferr.NewIoError(op, err)
	}
	return buf, nil
}

// NextOrWait behaves like Next, but when there are not yet enough bytes for
// a complete frame it subscribes to the file's Watcher (starting one on
// first use) and blocks until Modify fires, ctx is cancelled, or the file is
// removed.
func (r *Reader) NextOrWait(ctx context.Context) (*Frame, error) {
	for {
		frame, err := r.Next()
		if err == nil {
			return frame, nil
		}
		var fe *ferr.FileErr
		isFE := asFileErr(err, &fe)
		if !isFE || fe.Kind != ferr.KindNotEnoughBytes {
			return nil, err
		}
		if err := r.awaitModify(ctx); err != nil {
			return nil, err
		}
	}
}

func (r *Reader) awaitModify(ctx context.Context) error {
	if r.watcher == nil {
		w, err := watch.New(ctx, r.path, r.log)
		if err != nil {
			return err
		}
		r.watcher = w
		// Bytes appended between the failed decode and the watch being
		// established produce no Modify event; recheck the file once before
		// blocking.
		return nil
	}
	for {
		select {
		case ev, ok := <-r.watcher.Events():
			if !ok {
				return ferr.NewWatchError("reader.awaitModify", "watcher closed")
			}
			switch ev.Kind {
			case watch.Modify:
				return nil
			case watch.Remove:
				return ferr.NewFileRemoved("reader.awaitModify")
			case watch.Rewatch:
				// A reader may legitimately resync after the directory watch
				// was lost and re-established; unlike the writer's sink, this
				// is not fatal here — just keep waiting for the next Modify.
			case watch.Error:
				r.log.Debug("reader: watcher reported error", "error", ev.Err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func asFileErr(err error, out **ferr.FileErr) bool {
	fe, ok := err.(*ferr.FileErr)
	if !ok {
		return false
	}
	*out = fe
	return true
}
