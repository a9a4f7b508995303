package mpool

import (
	"container/list"

	"github.com/kvengine/core/internal/page"
)

// Buffer is an in-memory image of a page plus the metadata the pool needs
// to manage it: fid+pgno identity, pin count, dirty flag, and its
// position in the pool's LRU list.
type Buffer struct {
	Fid    page.Fid
	Pgno   page.No
	Page   *page.Page
	pin    int32
	dirty  bool
	elem   *list.Element // position in the pool's recency list; nil if untracked
}

func (b *Buffer) Pin()          { b.pin++ }
func (b *Buffer) Unpin()        { b.pin-- }
func (b *Buffer) PinCount() int32 { return b.pin }
func (b *Buffer) IsPinned() bool { return b.pin > 0 }
func (b *Buffer) IsDirty() bool  { return b.dirty }
func (b *Buffer) MarkDirty()    { b.dirty = true }
func (b *Buffer) ClearDirty()   { b.dirty = false }

// LSN returns the buffer's page's current LSN, the value the WAL
// invariant compares against the log's durable watermark.
func (b *Buffer) LSN() page.LSN { return b.Page.LSN() }
