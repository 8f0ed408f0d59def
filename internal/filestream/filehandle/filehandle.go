// Package filehandle wraps an append-mode *os.File with the narrow surface
// a FileSink needs, translating every OS failure into *errors.FileErr so
// callers never have to special-case *os.PathError themselves.
package filehandle

import (
	"os"

	ferr "github.com/alxayo/streamfile/internal/errors"
)

// Handle is an open, append-mode file plus the identity used in logs and
// FileId comparisons.
type Handle struct {
	id   string
	path string
	f    *os.File
}

// OpenAppend opens (creating if necessary) path for append-only writes.
func OpenAppend(id, path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, ferr.NewIoError("filehandle.openAppend", err)
	}
	return &Handle{id: id, path: path, f: f}, nil
}

// ID returns the FileId string this handle was opened under.
func (h *Handle) ID() string { return h.id }

// Path returns the filesystem path backing this handle.
func (h *Handle) Path() string { return h.path }

// Size reports the handle's current size on disk.
func (h *Handle) Size() (int64, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, ferr.NewIoError("filehandle.size", err)
	}
	return info.Size(), nil
}

// WriteAll writes the entirety of buf, looping until done or an error
// occurs; a single Write call is never trusted to consume the whole buffer.
func (h *Handle) WriteAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := h.f.Write(buf)
		if err != nil {
			return ferr.NewIoError("filehandle.writeAll", err)
		}
		buf = buf[n:]
	}
	return nil
}

// Flush asks the OS to hand buffered writes to the storage layer. Go's
// *os.File has no userspace buffer of its own, so this is a no-op placeholder
// kept for parity with the Sync distinction the format draws between
// "flush" (cheap) and "sync_all" (durable) — SyncAll below is the
// expensive one.
func (h *Handle) Flush() error { return nil }

// SyncAll calls fsync, the durable counterpart to Flush.
func (h *Handle) SyncAll() error {
	if err := h.f.Sync(); err != nil {
		return ferr.NewIoError("filehandle.syncAll", err)
	}
	return nil
}

// Close releases the underlying OS file descriptor.
func (h *Handle) Close() error {
	if err := h.f.Close(); err != nil {
		return ferr.NewIoError("filehandle.close", err)
	}
	return nil
}
