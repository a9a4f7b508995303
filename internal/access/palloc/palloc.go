// Package palloc implements the page allocator shared by every access
// method: new pages come from the meta page's free list before the file
// is ever extended, and freed pages are threaded back onto that list
// instead of being returned to the filesystem, exactly as the on-disk
// format's FreeListHead field implies.
package palloc

import (
	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
)

// Allocator owns the meta page (page 0) of one open database file and
// hands out/reclaims data pages from its free list.
type Allocator struct {
	pool     *mpool.Pool
	log      *logmgr.Manager
	fid      page.Fid
	pageSize int
}

// Open wraps an already-registered (fid, store) pair with an allocator.
// The caller is responsible for having called pool.AddStore first.
func Open(pool *mpool.Pool, log *logmgr.Manager, fid page.Fid, pageSize int) *Allocator {
	return &Allocator{pool: pool, log: log, fid: fid, pageSize: pageSize}
}

// Init writes a fresh meta page for a newly created file.
func (a *Allocator) Init(flags uint32) error {
	const op = "palloc.Init"
	buf, err := a.pool.Get(a.fid, 0, mpool.GetCreate|mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	m := page.Meta{
		Magic:     page.MetaMagic,
		Version:   page.MetaVersion,
		PageSize:  uint32(a.pageSize),
		PType:     page.MetaPage,
		MetaFlags: flags,
		UID:       a.fid,
	}
	page.EncodeMeta(buf.Page.Raw, m)
	return a.pool.Put(buf, mpool.PutDirty)
}

// GetMeta returns the current meta page contents.
func (a *Allocator) GetMeta() (page.Meta, error) {
	const op = "palloc.GetMeta"
	buf, err := a.pool.Get(a.fid, 0, mpool.GetPlain)
	if err != nil {
		return page.Meta{}, errs.Wrap(op, errs.IO, err)
	}
	defer a.pool.Put(buf, mpool.PutPlain)
	return page.DecodeMeta(buf.Page.Raw), nil
}

// putMeta rewrites the meta page and stamps the given LSN on it.
func (a *Allocator) putMeta(m page.Meta, lsn page.LSN) error {
	const op = "palloc.putMeta"
	buf, err := a.pool.Get(a.fid, 0, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	page.EncodeMeta(buf.Page.Raw, m)
	buf.Page.SetLSN(lsn)
	return a.pool.Put(buf, mpool.PutDirty)
}

// allocRecord is the RecGeneric payload logged for New/Free, letting
// recovery redo or undo an allocation without understanding any access
// method's page contents: it only ever touches the free-list head and
// the target page's header. The record carries its own Fid so a
// recovery dispatcher can recognize and route it correctly even when
// several files' records are interleaved in one shared log.
type allocRecord struct {
	op       byte // 'A' alloc, 'F' free
	fid      page.Fid
	pgno     page.No
	prevHead page.No
	prevNext page.No
}

const (
	allocOp = 'A'
	freeOp  = 'F'
)

func encodeAllocRecord(r allocRecord) []byte {
	buf := make([]byte, 1+len(r.fid)+12)
	buf[0] = r.op
	off := 1
	copy(buf[off:], r.fid[:])
	off += len(r.fid)
	putNo(buf[off:], r.pgno)
	putNo(buf[off+4:], r.prevHead)
	putNo(buf[off+8:], r.prevNext)
	return buf
}

func decodeAllocRecord(buf []byte) allocRecord {
	var r allocRecord
	r.op = buf[0]
	off := 1
	copy(r.fid[:], buf[off:off+len(r.fid)])
	off += len(r.fid)
	r.pgno = getNo(buf[off:])
	r.prevHead = getNo(buf[off+4:])
	r.prevNext = getNo(buf[off+8:])
	return r
}

func putNo(b []byte, n page.No) {
	b[0] = byte(n)
	b[1] = byte(n >> 8)
	b[2] = byte(n >> 16)
	b[3] = byte(n >> 24)
}

func getNo(b []byte) page.No {
	return page.No(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

// New allocates a page for t: either the free list's head, or a fresh
// page past the file's current end if the free list is empty. The new
// page's Raw buffer is zeroed except for its header's PageNo/Type.
func (a *Allocator) New(t *txn.Transaction, ptype page.Type) (*mpool.Buffer, error) {
	const op = "palloc.New"
	m, err := a.GetMeta()
	if err != nil {
		return nil, err
	}

	if m.FreeListHead != 0 {
		pgno := m.FreeListHead
		buf, err := a.pool.Get(a.fid, pgno, mpool.GetDirty)
		if err != nil {
			return nil, errs.Wrap(op, errs.IO, err)
		}
		next := buf.Page.Header().Next

		rec := allocRecord{op: allocOp, fid: a.fid, pgno: pgno, prevHead: m.FreeListHead, prevNext: next}
		lsn, err := a.logAndStamp(t, buf, rec)
		if err != nil {
			return nil, err
		}

		h := buf.Page.Header()
		h.Next = 0
		h.Prev = 0
		h.Entries = 0
		h.PType = ptype
		buf.Page.SetHeader(h)
		zeroPayload(buf.Page)

		m.FreeListHead = next
		if err := a.putMeta(m, lsn); err != nil {
			return nil, err
		}
		return buf, nil
	}

	buf, err := a.pool.Get(a.fid, 0, mpool.GetNew|mpool.GetDirty)
	if err != nil {
		return nil, errs.Wrap(op, errs.IO, err)
	}
	h := buf.Page.Header()
	h.PType = ptype
	buf.Page.SetHeader(h)

	if t != nil {
		prev := t.LastRecordedLSN()
		lsn, err := a.log.Put(logmgr.RecGeneric, txn.EncodeWithTxnID(t.ID, prev, encodeAllocRecord(allocRecord{op: allocOp, fid: a.fid, pgno: buf.Pgno})))
		if err != nil {
			return nil, errs.Wrap(op, errs.IO, err)
		}
		buf.Page.SetLSN(lsn)
		t.RecordLSN(lsn)
	}

	if buf.Pgno > m.LastPgno {
		m.LastPgno = buf.Pgno
		if err := a.putMeta(m, buf.Page.LSN()); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Free threads pgno onto the front of the free list. The caller must own
// buf and have exclusive access to it (no other pins).
func (a *Allocator) Free(t *txn.Transaction, buf *mpool.Buffer) error {
	const op = "palloc.Free"
	m, err := a.GetMeta()
	if err != nil {
		return err
	}

	rec := allocRecord{op: freeOp, fid: a.fid, pgno: buf.Pgno, prevHead: m.FreeListHead}
	lsn, err := a.logAndStamp(t, buf, rec)
	if err != nil {
		return err
	}

	h := buf.Page.Header()
	h.PType = page.Invalid
	h.Next = m.FreeListHead
	h.Prev = 0
	h.Entries = 0
	buf.Page.SetHeader(h)
	zeroPayload(buf.Page)

	m.FreeListHead = buf.Pgno
	if err := a.putMeta(m, lsn); err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	return a.pool.Put(buf, mpool.PutDirty)
}

func (a *Allocator) logAndStamp(t *txn.Transaction, buf *mpool.Buffer, rec allocRecord) (page.LSN, error) {
	const op = "palloc.logAndStamp"
	if t == nil || a.log == nil {
		return page.ZeroLSN, nil
	}
	payload := txn.EncodeWithTxnID(t.ID, t.LastRecordedLSN(), encodeAllocRecord(rec))
	lsn, err := a.log.Put(logmgr.RecGeneric, payload)
	if err != nil {
		return page.LSN{}, errs.Wrap(op, errs.IO, err)
	}
	buf.Page.SetLSN(lsn)
	t.RecordLSN(lsn)
	return lsn, nil
}

func zeroPayload(p *page.Page) {
	payload := p.Payload()
	for i := range payload {
		payload[i] = 0
	}
}

// Redo reapplies an allocation/free record during recovery.
func (a *Allocator) Redo(rec allocRecord) error {
	const op = "palloc.Redo"
	buf, err := a.pool.Get(a.fid, rec.pgno, mpool.GetCreate|mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	h := buf.Page.Header()
	switch rec.op {
	case allocOp:
		h.Next = 0
	case freeOp:
		h.PType = page.Invalid
		h.Next = rec.prevHead
	}
	buf.Page.SetHeader(h)
	return a.pool.Put(buf, mpool.PutDirty)
}

// Undo reverses an allocation/free record during recovery.
func (a *Allocator) Undo(rec allocRecord) error {
	const op = "palloc.Undo"
	buf, err := a.pool.Get(a.fid, rec.pgno, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	h := buf.Page.Header()
	switch rec.op {
	case allocOp:
		h.PType = page.Invalid
		h.Next = rec.prevNext
	case freeOp:
		h.Next = rec.prevNext
	}
	buf.Page.SetHeader(h)
	return a.pool.Put(buf, mpool.PutDirty)
}

// allocRecordSize is the fixed wire size of an encoded allocRecord: op(1)
// + fid(20) + pgno/prevHead/prevNext (4 each).
const allocRecordSize = 1 + 20 + 12

// DecodeAllocRecord exposes allocRecord decoding to the recovery
// dispatcher so it can recognize a palloc-owned record (tagged 'A' or
// 'F') mixed into the same shared log as every access method's own
// records, and route it to the allocator for the matching fid.
func DecodeAllocRecord(payload []byte) (fid page.Fid, pgno page.No, isAlloc bool, ok bool) {
	if len(payload) < allocRecordSize || (payload[0] != allocOp && payload[0] != freeOp) {
		return page.Fid{}, 0, false, false
	}
	r := decodeAllocRecord(payload)
	return r.fid, r.pgno, r.op == allocOp, true
}

// RedoPayload/UndoPayload let a recovery dispatcher that has already
// peeked the tag byte via DecodeAllocRecord apply the record without
// redoing that decode.
func (a *Allocator) RedoPayload(payload []byte) error { return a.Redo(decodeAllocRecord(payload)) }
func (a *Allocator) UndoPayload(payload []byte) error { return a.Undo(decodeAllocRecord(payload)) }
