package filestream

import (
	"context"
	"errors"
	"sync"

	"github.com/alxayo/streamfile/internal/filestream/dispatch"
	"github.com/alxayo/streamfile/internal/filestream/format"
)

// FileId identifies a log file.
type FileId = dispatch.FileId

// Options configures a producer's writer task.
type Options = dispatch.Options

// SendFuture resolves to the MessageHeader a Send call was assigned.
type SendFuture = dispatch.SendFuture

// AckFuture resolves once a Flush or End has been acknowledged.
type AckFuture = dispatch.AckFuture

// NewFileId normalizes path into a FileId.
func NewFileId(path string) FileId { return dispatch.NewFileId(path) }

// ParseFileURI parses a `file://<path>` streamer URI into a FileId.
func ParseFileURI(uri string) (FileId, error) { return dispatch.ParseFileURI(uri) }

// DefaultOptions returns Options with no quota, no beacons, and
// close-on-idle enabled.
func DefaultOptions() Options { return dispatch.DefaultOptions() }

// ErrAlreadyAnchored is returned by Anchor when a ProducerHandle already
// has a default stream key.
var ErrAlreadyAnchored = errors.New("filestream: producer handle is already anchored to a stream")

// ErrNotAnchored is returned by Anchored (and Send, which relies on it)
// before Anchor has been called.
var ErrNotAnchored = errors.New("filestream: producer handle has not been anchored to a stream")

// ProducerHandle is the cheap, cloneable façade addressed to one file's
// writer task. The zero value is not usable; create one with NewProducer.
type ProducerHandle struct {
	h *dispatch.Handle

	mu     sync.Mutex
	anchor *format.StreamKey
}

// NewProducer creates or joins the writer task for id on the process-wide
// dispatcher.
func NewProducer(ctx context.Context, id FileId, opts Options) (*ProducerHandle, error) {
	h, err := dispatch.Default().NewProducer(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return &ProducerHandle{h: h}, nil
}

// NewProducerOn creates or joins the writer task for id on an explicit
// Dispatcher, primarily so tests can avoid sharing the process-wide
// registry with other tests.
func NewProducerOn(ctx context.Context, d *dispatch.Dispatcher, id FileId, opts Options) (*ProducerHandle, error) {
	h, err := d.NewProducer(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return &ProducerHandle{h: h}, nil
}

// FileId returns the identity this handle addresses.
func (p *ProducerHandle) FileId() FileId { return p.h.FileId() }

// Anchor attaches a default stream key for subsequent Send calls. It may
// only be called once per handle; re-anchoring fails with
// ErrAlreadyAnchored.
func (p *ProducerHandle) Anchor(streamKey format.StreamKey) error {
	if err := format.ValidateStreamKey(string(streamKey)); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.anchor != nil {
		return ErrAlreadyAnchored
	}
	k := streamKey
	p.anchor = &k
	return nil
}

// Anchored returns the handle's default stream key, or ErrNotAnchored if
// Anchor has not been called.
func (p *ProducerHandle) Anchored() (format.StreamKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.anchor == nil {
		return "", ErrNotAnchored
	}
	return *p.anchor, nil
}

// SendTo enqueues payload on streamKey, shard 0, and returns a future
// resolving to its assigned MessageHeader. Never blocks.
func (p *ProducerHandle) SendTo(streamKey format.StreamKey, payload []byte) (*SendFuture, error) {
	return p.h.SendTo(streamKey, 0, payload)
}

// SendToShard is SendTo with an explicit ShardId, so independent ordering
// domains can share one stream key.
func (p *ProducerHandle) SendToShard(streamKey format.StreamKey, shardID uint64, payload []byte) (*SendFuture, error) {
	return p.h.SendTo(streamKey, shardID, payload)
}

// Send uses the anchored stream key (see Anchor), failing with
// ErrNotAnchored if none has been set.
func (p *ProducerHandle) Send(payload []byte) (*SendFuture, error) {
	key, err := p.Anchored()
	if err != nil {
		return nil, err
	}
	return p.h.SendTo(key, 0, payload)
}

// Flush returns a future resolving once every record sent so far through
// this file's writer task has been pushed to the OS.
func (p *ProducerHandle) Flush() (*AckFuture, error) { return p.h.Flush() }

// End returns a future resolving once the writer task has flushed, synced,
// and closed the file; it consumes the handle.
func (p *ProducerHandle) End() (*AckFuture, error) { return p.h.End() }

// Clone returns a new handle addressed to the same writer task, copying the
// current anchor (if any) at the moment of cloning; afterward each handle's
// anchor is independent.
func (p *ProducerHandle) Clone() *ProducerHandle {
	p.mu.Lock()
	var anchor *format.StreamKey
	if p.anchor != nil {
		k := *p.anchor
		anchor = &k
	}
	p.mu.Unlock()
	return &ProducerHandle{h: p.h.Clone(), anchor: anchor}
}

// Drop sends a best-effort Drop request; safe to call more than once.
func (p *ProducerHandle) Drop() { p.h.Drop() }
