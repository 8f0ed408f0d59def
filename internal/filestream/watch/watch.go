// Package watch wraps fsnotify to tell a FileSink or streaming reader when
// the file it cares about changed on disk, without the caller managing an
// fsnotify.Watcher or a raw event loop directly.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	ferr "github.com/alxayo/streamfile/internal/errors"
)

// EventKind classifies what happened to the watched file.
type EventKind int

const (
	// Modify means the file grew or its content otherwise changed.
	Modify EventKind = iota
	// Remove means the file was deleted or renamed away from under us.
	Remove
	// Rewatch means the containing directory's watch was re-added after the
	// watched file was removed or renamed away; it follows such a Remove.
	Rewatch
	// Error carries an underlying fsnotify error that did not itself imply
	// Modify/Remove/Rewatch.
	Error
)

func (k EventKind) String() string {
	switch k {
	case Modify:
		return "modify"
	case Remove:
		return "remove"
	case Rewatch:
		return "rewatch"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one notification delivered on a Watcher's channel.
type Event struct {
	Kind EventKind
	Err  error // non-nil only when Kind == Error
}

// Watcher monitors a single file path by watching its containing directory
// (so creation, rename, and deletion are all observable, not just writes to
// an already-open inode) and republishes events scoped to that one path.
type Watcher struct {
	path string
	base string
	fsw  *fsnotify.Watcher
	log  *slog.Logger

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts watching path's containing directory. The returned Watcher
// must be closed with Close to release the underlying fsnotify.Watcher.
func New(ctx context.Context, path string, log *slog.Logger) (*Watcher, error) {
	const op = "watch.new"
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferr.NewWatchError(op, err.Error())
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, ferr.NewWatchError(op, err.Error())
	}

	wCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		path:   path,
		base:   filepath.Base(path),
		fsw:    fsw,
		log:    log,
		events: make(chan Event, 32),
		ctx:    wCtx,
		cancel: cancel,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Events returns the channel Modify/Remove/Rewatch/Error notifications are
// delivered on. The channel is closed once the Watcher has fully stopped.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close stops the watch loop and releases the fsnotify handle.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()
	if err != nil {
		return ferr.NewWatchError("watch.close", err.Error())
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	defer close(w.events)

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.emit(Event{Kind: Error, Err: err})
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != w.base {
		return
	}
	switch {
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		w.emit(Event{Kind: Modify})
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.emit(Event{Kind: Remove})
		w.tryRewatch()
	}
}

// tryRewatch re-adds the containing directory after the watched file was
// removed or renamed away, so a sink that recreates the same path keeps
// receiving events without the caller building a new Watcher.
func (w *Watcher) tryRewatch() {
	dir := filepath.Dir(w.path)
	if err := w.fsw.Add(dir); err != nil {
		w.log.Debug("watch: rewatch failed", "dir", dir, "error", err)
		w.emit(Event{Kind: Error, Err: err})
		return
	}
	w.emit(Event{Kind: Rewatch})
}

// emit delivers ev without blocking the fsnotify dispatch loop indefinitely:
// if the subscriber's buffer is full the loop still exits promptly on ctx
// cancellation rather than wedging on a slow consumer.
func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}
