package queue

import (
	"context"

	"github.com/kvengine/core/internal/access/amrec"
	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
	"github.com/pingcap/errors"
	"github.com/shopspring/decimal"
)

// globalObj is the lock object every Append/Consume/Del serializes
// through: a queue's head and tail are global state, not per-page, so
// crabbing individual data pages buys nothing.
func (q *Queue) globalObj() lockmgr.ObjectID { return q.objID(0) }

func (q *Queue) lockGlobal(tx *txn.Transaction, mode lockmgr.Mode) (*lockmgr.Lock, error) {
	if q.locks == nil {
		return nil, nil
	}
	return q.locks.Get(context.Background(), q.lockerOf(tx), q.globalObj(), mode)
}

func (q *Queue) unlockGlobal(lock *lockmgr.Lock) {
	if q.locks == nil || lock == nil {
		return
	}
	q.locks.Put(lock)
}

// getPage fetches (creating on first touch) the data page holding recno,
// initializing a fresh page's header the first time it's written.
func (q *Queue) getPage(pgno page.No) (*mpool.Buffer, error) {
	const op = "queue.getPage"
	buf, err := q.pool.Get(q.fid, pgno, mpool.GetCreate|mpool.GetDirty)
	if err != nil {
		return nil, errs.Wrap(op, errs.IO, err)
	}
	h := buf.Page.Header()
	if h.PType != page.QueueData {
		h.PType = page.QueueData
		h.PageNo = pgno
		buf.Page.SetHeader(h)
	}
	return buf, nil
}

func (q *Queue) putMetaLogged(tx *txn.Transaction, m page.Meta) error {
	const op = "queue.putMetaLogged"
	buf, err := q.pool.Get(q.fid, 0, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	before := append([]byte{}, buf.Page.Raw...)
	page.EncodeMeta(buf.Page.Raw, m)
	if _, err := amrec.Log(q.log, tx, q.fid, amrec.KindQueue, buf, before); err != nil {
		q.pool.Put(buf, mpool.PutPlain)
		return errors.Annotate(err, op)
	}
	return q.pool.Put(buf, mpool.PutDirty)
}

// Append assigns the next tail record number to value (padded or
// rejected against the queue's fixed record length) and returns it.
func (q *Queue) Append(tx *txn.Transaction, value []byte) (page.No, error) {
	const op = "queue.Append"
	if uint32(len(value)) > q.reclen {
		return 0, errs.New(op, errs.INVAL)
	}
	lock, err := q.lockGlobal(tx, lockmgr.Write)
	if err != nil {
		return 0, errors.Annotate(err, op)
	}
	defer q.unlockGlobal(lock)

	m, err := q.alloc.GetMeta()
	if err != nil {
		return 0, errors.Annotate(err, op)
	}
	recno := m.RecordCount
	pgno, slot := q.locate(recno)

	buf, err := q.getPage(pgno)
	if err != nil {
		return 0, errors.Annotate(err, op)
	}
	before := append([]byte{}, buf.Page.Raw...)
	h := buf.Page.Header()
	payload := buf.Page.Payload()
	bitmap := payload[:q.bitmapSize]

	off := q.bitmapSize + int(slot)*int(q.reclen)
	rec := payload[off : off+int(q.reclen)]
	for i := range rec {
		rec[i] = 0
	}
	copy(rec, value)
	bitmapSetBit(bitmap, slot, true)
	h.Entries++
	buf.Page.SetHeader(h)

	if _, err := amrec.Log(q.log, tx, q.fid, amrec.KindQueue, buf, before); err != nil {
		q.pool.Put(buf, mpool.PutPlain)
		return 0, errors.Annotate(err, op)
	}
	if err := q.pool.Put(buf, mpool.PutDirty); err != nil {
		return 0, errors.Annotate(err, op)
	}

	m.RecordCount = page.No(uint32(recno) + 1)
	if err := q.putMetaLogged(tx, m); err != nil {
		return 0, errors.Annotate(err, op)
	}
	return recno, nil
}

// Get peeks the value at recno without removing it.
func (q *Queue) Get(tx *txn.Transaction, recno page.No) ([]byte, error) {
	const op = "queue.Get"
	lock, err := q.lockGlobal(tx, lockmgr.Read)
	if err != nil {
		return nil, errors.Annotate(err, op)
	}
	defer q.unlockGlobal(lock)
	return q.readSlot(recno)
}

func (q *Queue) readSlot(recno page.No) ([]byte, error) {
	const op = "queue.readSlot"
	pgno, slot := q.locate(recno)
	buf, err := q.pool.Get(q.fid, pgno, mpool.GetPlain)
	if err != nil {
		return nil, errs.Wrap(op, errs.IO, err)
	}
	defer q.pool.Put(buf, mpool.PutPlain)
	payload := buf.Page.Payload()
	if !bitSet(payload[:q.bitmapSize], slot) {
		return nil, errs.New(op, errs.NOTFOUND)
	}
	off := q.bitmapSize + int(slot)*int(q.reclen)
	return append([]byte{}, payload[off:off+int(q.reclen)]...), nil
}

// Consume removes and returns the oldest present record at or after the
// queue's head, skipping over any earlier gaps left by Del, and reports
// NOTFOUND once nothing remains between head and tail.
func (q *Queue) Consume(tx *txn.Transaction) (page.No, []byte, error) {
	const op = "queue.Consume"
	lock, err := q.lockGlobal(tx, lockmgr.Write)
	if err != nil {
		return 0, nil, errors.Annotate(err, op)
	}
	defer q.unlockGlobal(lock)

	m, err := q.alloc.GetMeta()
	if err != nil {
		return 0, nil, errors.Annotate(err, op)
	}

	for r := uint32(m.Head); r < uint32(m.RecordCount); r++ {
		recno := page.No(r)
		pgno, slot := q.locate(recno)
		buf, err := q.pool.Get(q.fid, pgno, mpool.GetDirty)
		if err != nil {
			return 0, nil, errs.Wrap(op, errs.IO, err)
		}
		payload := buf.Page.Payload()
		bitmap := payload[:q.bitmapSize]
		if !bitSet(bitmap, slot) {
			q.pool.Put(buf, mpool.PutPlain)
			continue
		}

		before := append([]byte{}, buf.Page.Raw...)
		off := q.bitmapSize + int(slot)*int(q.reclen)
		value := append([]byte{}, payload[off:off+int(q.reclen)]...)
		bitmapSetBit(bitmap, slot, false)
		h := buf.Page.Header()
		h.Entries--
		buf.Page.SetHeader(h)

		if _, err := amrec.Log(q.log, tx, q.fid, amrec.KindQueue, buf, before); err != nil {
			q.pool.Put(buf, mpool.PutPlain)
			return 0, nil, errors.Annotate(err, op)
		}
		if err := q.pool.Put(buf, mpool.PutDirty); err != nil {
			return 0, nil, errors.Annotate(err, op)
		}

		m.Head = page.No(r + 1)
		if err := q.putMetaLogged(tx, m); err != nil {
			return 0, nil, errors.Annotate(err, op)
		}
		return recno, value, nil
	}

	m.Head = m.RecordCount
	if err := q.putMetaLogged(tx, m); err != nil {
		return 0, nil, errors.Annotate(err, op)
	}
	return 0, nil, errs.New(op, errs.NOTFOUND)
}

// Del removes a specific record out of order (e.g. to cancel a queued
// item before it's consumed), leaving a gap Consume will skip over.
func (q *Queue) Del(tx *txn.Transaction, recno page.No) error {
	const op = "queue.Del"
	lock, err := q.lockGlobal(tx, lockmgr.Write)
	if err != nil {
		return errors.Annotate(err, op)
	}
	defer q.unlockGlobal(lock)

	pgno, slot := q.locate(recno)
	buf, err := q.pool.Get(q.fid, pgno, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	payload := buf.Page.Payload()
	bitmap := payload[:q.bitmapSize]
	if !bitSet(bitmap, slot) {
		q.pool.Put(buf, mpool.PutPlain)
		return errs.New(op, errs.NOTFOUND)
	}

	before := append([]byte{}, buf.Page.Raw...)
	bitmapSetBit(bitmap, slot, false)
	h := buf.Page.Header()
	h.Entries--
	buf.Page.SetHeader(h)
	if _, err := amrec.Log(q.log, tx, q.fid, amrec.KindQueue, buf, before); err != nil {
		q.pool.Put(buf, mpool.PutPlain)
		return errors.Annotate(err, op)
	}
	return q.pool.Put(buf, mpool.PutDirty)
}

// Stats reports the queue's head/tail cursors and a decimal fill ratio
// over [head,tail), a bounded scan cheap enough to call for monitoring.
func (q *Queue) Stats() (Stats, error) {
	const op = "queue.Stats"
	m, err := q.alloc.GetMeta()
	if err != nil {
		return Stats{}, errors.Annotate(err, op)
	}
	var count uint32
	span := uint32(m.RecordCount) - uint32(m.Head)
	for r := uint32(m.Head); r < uint32(m.RecordCount); r++ {
		if _, err := q.readSlot(page.No(r)); err == nil {
			count++
		}
	}
	fill := decimal.Zero
	if span > 0 {
		fill = decimal.NewFromInt(int64(count)).Div(decimal.NewFromInt(int64(span)))
	}
	return Stats{Head: m.Head, Tail: m.RecordCount, Count: count, Fill: fill}, nil
}
