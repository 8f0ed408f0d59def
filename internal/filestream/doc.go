// Package filestream is the file-backed streaming backend's public surface:
// it binds the format, sink, and dispatch subpackages together into the
// ProducerHandle API a caller actually uses, without exposing their
// internals.
//
// The binary on-disk layout, concurrency model, and error taxonomy are
// implemented in the format, sink, watch, and dispatch subpackages; this
// package only adds the thin anchored-stream-key convenience on top.
package filestream
