package format

import (
	"regexp"

	ferr "github.com/alxayo/streamfile/internal/errors"
)

// MaxStreamKeyLen is the longest a StreamKey may be.
const MaxStreamKeyLen = 249

var streamKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,249}$`)

// StreamKey is a validated short ASCII identifier naming a logical stream.
type StreamKey string

// ValidateStreamKey checks k against the grammar [A-Za-z0-9_.-]{1,249}.
func ValidateStreamKey(k string) error {
	if len(k) == 0 || len(k) > MaxStreamKeyLen {
		return ferr.NewFormatErr("format.validateStreamKey", ferr.FormatInvalidStreamKey, -1)
	}
	if !streamKeyPattern.MatchString(k) {
		return ferr.NewFormatErr("format.validateStreamKey", ferr.FormatInvalidStreamKey, -1)
	}
	return nil
}
