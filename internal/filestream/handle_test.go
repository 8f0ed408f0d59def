package filestream

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alxayo/streamfile/internal/filestream/dispatch"
	"github.com/alxayo/streamfile/internal/logger"
)

func TestAnchorThenSend(t *testing.T) {
	dir := t.TempDir()
	id := NewFileId(filepath.Join(dir, "h1.seas"))
	ctx := context.Background()
	d := dispatch.New(logger.Logger())

	p, err := NewProducerOn(ctx, d, id, DefaultOptions())
	if err != nil {
		t.Fatalf("NewProducerOn: %v", err)
	}
	if _, err := p.Anchored(); err != ErrNotAnchored {
		t.Fatalf("expected ErrNotAnchored before Anchor, got %v", err)
	}
	if err := p.Anchor("mystream"); err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if err := p.Anchor("other"); err != ErrAlreadyAnchored {
		t.Fatalf("expected ErrAlreadyAnchored on re-anchor, got %v", err)
	}

	fut, err := p.Send([]byte("payload"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	hdr, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if hdr.StreamKey != "mystream" || hdr.SeqNo != 0 {
		t.Fatalf("unexpected header %+v", hdr)
	}

	endFut, err := p.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := endFut.Wait(ctx); err != nil {
		t.Fatalf("End wait: %v", err)
	}
}

func TestCloneCopiesAnchorIndependently(t *testing.T) {
	dir := t.TempDir()
	id := NewFileId(filepath.Join(dir, "h2.seas"))
	ctx := context.Background()
	d := dispatch.New(logger.Logger())

	p, err := NewProducerOn(ctx, d, id, DefaultOptions())
	if err != nil {
		t.Fatalf("NewProducerOn: %v", err)
	}
	if err := p.Anchor("base"); err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	clone := p.Clone()
	key, err := clone.Anchored()
	if err != nil || key != "base" {
		t.Fatalf("expected clone to inherit anchor 'base', got %q, err %v", key, err)
	}

	endFut, _ := p.End()
	_ = endFut.Wait(ctx)
	clone.Drop()
}
