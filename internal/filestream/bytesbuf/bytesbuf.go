// Package bytesbuf implements Bytes, a small discriminated union over an
// owned buffer, a borrowed slice, or a list of fragments, so a writer task
// can hand the sink a mix of freshly encoded frames and pre-existing
// buffers without per-record concatenation.
package bytesbuf

import "github.com/alxayo/streamfile/internal/bufpool"

type kind int

const (
	kindOwned kind = iota
	kindBorrowed
	kindFragmented
)

// Bytes is an immutable-from-the-outside byte payload. The zero value is an
// empty Bytes.
type Bytes struct {
	kind kind
	buf  []byte  // kindOwned / kindBorrowed
	frag []Bytes // kindFragmented
}

// Owned wraps b as an exclusively-owned buffer (safe for the holder to pool
// back via bufpool once consumed).
func Owned(b []byte) Bytes {
	return Bytes{kind: kindOwned, buf: b}
}

// Borrowed wraps b without taking ownership; Pop never mutates b itself,
// only the returned Bytes' view into it.
func Borrowed(b []byte) Bytes {
	return Bytes{kind: kindBorrowed, buf: b}
}

// Fragmented concatenates several Bytes values into one logical payload
// without copying their contents up front.
func Fragmented(parts ...Bytes) Bytes {
	flat := make([]Bytes, 0, len(parts))
	for _, p := range parts {
		if p.Len() == 0 {
			continue
		}
		if p.kind == kindFragmented {
			flat = append(flat, p.frag...)
		} else {
			flat = append(flat, p)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return Bytes{kind: kindFragmented, frag: flat}
}

// Len returns the total payload length in O(1) for owned/borrowed and
// O(fragment count) for fragmented Bytes.
func (b Bytes) Len() int {
	switch b.kind {
	case kindFragmented:
		n := 0
		for _, f := range b.frag {
			n += f.Len()
		}
		return n
	default:
		return len(b.buf)
	}
}

// IntoVec collapses b into one contiguous buffer, copying only when b is
// fragmented; owned and borrowed Bytes return their underlying slice.
func (b Bytes) IntoVec() []byte {
	switch b.kind {
	case kindFragmented:
		out := bufpool.Get(b.Len())
		pos := 0
		for _, f := range b.frag {
			pos += copy(out[pos:], f.IntoVec())
		}
		return out
	default:
		return b.buf
	}
}

// Pop splits off the first n bytes, retaining the remainder in the
// receiver's place. Nothing is copied: for an owned or borrowed receiver
// both halves are views of the same kind into the original slice, and a
// fragmented receiver yields fragmented (or single-fragment) halves. An n
// <= 0 returns an empty head; an n >= b.Len() returns all of b as the head
// and an empty rest.
func (b Bytes) Pop(n int) (head Bytes, rest Bytes) {
	if n <= 0 {
		return Bytes{}, b
	}
	if n >= b.Len() {
		return b, Bytes{}
	}
	switch b.kind {
	case kindFragmented:
		var headParts []Bytes
		remaining := n
		i := 0
		for ; i < len(b.frag); i++ {
			f := b.frag[i]
			if remaining >= f.Len() {
				headParts = append(headParts, f)
				remaining -= f.Len()
				if remaining == 0 {
					i++
					break
				}
				continue
			}
			h, r := f.Pop(remaining)
			headParts = append(headParts, h)
			restParts := append([]Bytes{r}, b.frag[i+1:]...)
			return Fragmented(headParts...), Fragmented(restParts...)
		}
		return Fragmented(headParts...), Fragmented(b.frag[i:]...)
	default:
		head = Bytes{kind: b.kind, buf: b.buf[:n]}
		rest = Bytes{kind: b.kind, buf: b.buf[n:]}
		return head, rest
	}
}
