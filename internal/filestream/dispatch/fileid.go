// Package dispatch implements the per-FileId producer registry: a
// process-wide map from FileId to exactly one writer goroutine, reached
// through an unbounded request queue so a producer handle's Send never
// blocks on the writer catching up.
package dispatch

import (
	"path/filepath"
	"strings"

	ferr "github.com/alxayo/streamfile/internal/errors"
)

const fileScheme = "file://"

// FileId is the stable identity of a log file: a filesystem path,
// normalized for equality, convertible to/from a file:// URI.
type FileId struct {
	path string
}

// NewFileId normalizes path into a FileId.
func NewFileId(path string) FileId {
	return FileId{path: filepath.Clean(path)}
}

// ParseFileURI parses a `file://<path>` streamer URI into a FileId.
// Query parameters are accepted and ignored.
func ParseFileURI(uri string) (FileId, error) {
	const op = "dispatch.parseFileURI"
	if !strings.HasPrefix(uri, fileScheme) {
		return FileId{}, ferr.NewFormatErr(op, ferr.FormatInvalidStreamKey, -1)
	}
	rest := uri[len(fileScheme):]
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return FileId{}, ferr.NewFormatErr(op, ferr.FormatInvalidStreamKey, -1)
	}
	return NewFileId(rest), nil
}

// String renders the FileId back as a file:// URI.
func (id FileId) String() string { return fileScheme + id.path }

// Path returns the underlying filesystem path.
func (id FileId) Path() string { return id.path }

// Equal compares two FileIds by normalized path.
func (id FileId) Equal(other FileId) bool { return id.path == other.path }

// IsZero reports whether id is the zero value (no path set).
func (id FileId) IsZero() bool { return id.path == "" }
