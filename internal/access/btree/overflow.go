package btree

import (
	"encoding/binary"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
)

// writeOverflow chains data across as many Overflow pages as needed,
// each holding a 2-byte length prefix followed by as much of data as
// fits, and returns the head page number.
func (t *Tree) writeOverflow(tx *txn.Transaction, data []byte) (page.No, error) {
	const op = "btree.writeOverflow"
	chunkCap := t.pageSize - page.HeaderSize - 2

	var head page.No
	var prevBuf *mpool.Buffer
	for len(data) > 0 || head == 0 {
		n := len(data)
		if n > chunkCap {
			n = chunkCap
		}
		buf, err := t.alloc.New(tx, page.Overflow)
		if err != nil {
			return 0, err
		}
		payload := buf.Page.Payload()
		binary.LittleEndian.PutUint16(payload[:2], uint16(n))
		copy(payload[2:2+n], data[:n])
		if err := t.pool.Put(buf, mpool.PutDirty); err != nil {
			return 0, errs.Wrap(op, errs.IO, err)
		}

		if head == 0 {
			head = buf.Pgno
		}
		if prevBuf != nil {
			if err := t.linkOverflow(prevBuf, buf.Pgno); err != nil {
				return 0, err
			}
		}
		prevBuf = buf
		data = data[n:]
		if n == 0 {
			break
		}
	}
	return head, nil
}

func (t *Tree) linkOverflow(prev *mpool.Buffer, next page.No) error {
	const op = "btree.linkOverflow"
	buf, err := t.pool.Get(t.fid, prev.Pgno, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	h := buf.Page.Header()
	h.Next = next
	buf.Page.SetHeader(h)
	return t.pool.Put(buf, mpool.PutDirty)
}

// readOverflow concatenates the bytes chained from head.
func (t *Tree) readOverflow(head page.No) ([]byte, error) {
	const op = "btree.readOverflow"
	var out []byte
	pgno := head
	for pgno != 0 {
		buf, err := t.pool.Get(t.fid, pgno, mpool.GetPlain)
		if err != nil {
			return nil, errs.Wrap(op, errs.IO, err)
		}
		payload := buf.Page.Payload()
		n := binary.LittleEndian.Uint16(payload[:2])
		out = append(out, payload[2:2+n]...)
		next := buf.Page.Header().Next
		t.pool.Put(buf, mpool.PutPlain)
		pgno = next
	}
	return out, nil
}

// freeOverflow releases every page in the chain back to the free list.
func (t *Tree) freeOverflow(tx *txn.Transaction, head page.No) error {
	pgno := head
	for pgno != 0 {
		buf, err := t.pool.Get(t.fid, pgno, mpool.GetDirty)
		if err != nil {
			return err
		}
		next := buf.Page.Header().Next
		if err := t.alloc.Free(tx, buf); err != nil {
			return err
		}
		pgno = next
	}
	return nil
}
