package hash

import (
	"encoding/binary"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
)

// writeOverflow chains data across HashOverflow pages, mirroring the
// btree access method's overflow chain format.
func (tb *Table) writeOverflow(tx *txn.Transaction, data []byte) (page.No, error) {
	const op = "hash.writeOverflow"
	chunkCap := tb.pageSize - page.HeaderSize - 2

	var head page.No
	var prevBuf *mpool.Buffer
	for len(data) > 0 || head == 0 {
		n := len(data)
		if n > chunkCap {
			n = chunkCap
		}
		buf, err := tb.alloc.New(tx, page.HashOverflow)
		if err != nil {
			return 0, err
		}
		payload := buf.Page.Payload()
		binary.LittleEndian.PutUint16(payload[:2], uint16(n))
		copy(payload[2:2+n], data[:n])
		if err := tb.pool.Put(buf, mpool.PutDirty); err != nil {
			return 0, errs.Wrap(op, errs.IO, err)
		}

		if head == 0 {
			head = buf.Pgno
		}
		if prevBuf != nil {
			if err := tb.linkOverflow(prevBuf, buf.Pgno); err != nil {
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

func (tb *Table) linkOverflow(prev *mpool.Buffer, next page.No) error {
	const op = "hash.linkOverflow"
	buf, err := tb.pool.Get(tb.fid, prev.Pgno, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	h := buf.Page.Header()
	h.Next = next
	buf.Page.SetHeader(h)
	return tb.pool.Put(buf, mpool.PutDirty)
}

func (tb *Table) readOverflow(head page.No) ([]byte, error) {
	const op = "hash.readOverflow"
	var out []byte
	pgno := head
	for pgno != 0 {
		buf, err := tb.pool.Get(tb.fid, pgno, mpool.GetPlain)
		if err != nil {
			return nil, errs.Wrap(op, errs.IO, err)
		}
		payload := buf.Page.Payload()
		n := binary.LittleEndian.Uint16(payload[:2])
		out = append(out, payload[2:2+n]...)
		next := buf.Page.Header().Next
		tb.pool.Put(buf, mpool.PutPlain)
		pgno = next
	}
	return out, nil
}

func (tb *Table) freeOverflow(tx *txn.Transaction, head page.No) error {
	pgno := head
	for pgno != 0 {
		buf, err := tb.pool.Get(tb.fid, pgno, mpool.GetDirty)
		if err != nil {
			return err
		}
		next := buf.Page.Header().Next
		if err := tb.alloc.Free(tx, buf); err != nil {
			return err
		}
		pgno = next
	}
	return nil
}
