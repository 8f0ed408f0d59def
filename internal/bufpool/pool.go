// Package bufpool recycles the byte buffers the framing codec encodes into
// and the sink releases after appending, so the per-record hot path does
// not allocate a fresh slice for every frame.
package bufpool

import "sync"

// Buffers come in three classes sized to the frames this module actually
// produces: headerClass holds a FileHeader exactly, recordClass covers
// typical record and beacon frames, and bulkClass covers large payloads.
// Requests past bulkClass allocate fresh and are never pooled.
const (
	headerClass = 128
	recordClass = 4096
	bulkClass   = 65536
)

var (
	headerPool = sync.Pool{New: func() any { return make([]byte, headerClass) }}
	recordPool = sync.Pool{New: func() any { return make([]byte, recordClass) }}
	bulkPool   = sync.Pool{New: func() any { return make([]byte, bulkClass) }}
)

// Get returns a slice of exactly size bytes whose capacity is the smallest
// class that can hold it.
func Get(size int) []byte {
	switch {
	case size <= 0:
		return nil
	case size <= headerClass:
		return headerPool.Get().([]byte)[:size]
	case size <= recordClass:
		return recordPool.Get().([]byte)[:size]
	case size <= bulkClass:
		return bulkPool.Get().([]byte)[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns buf to its class pool, zeroed first so stale frame bytes
// never surface in a later caller's buffer. Buffers whose capacity is not
// exactly one class (including oversize allocations from Get) are dropped.
func Put(buf []byte) {
	var p *sync.Pool
	switch cap(buf) {
	case headerClass:
		p = &headerPool
	case recordClass:
		p = &recordPool
	case bulkClass:
		p = &bulkPool
	default:
		return
	}
	full := buf[:cap(buf)]
	clear(full)
	p.Put(full)
}
