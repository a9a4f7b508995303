package btree

import (
	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
	"github.com/pingcap/errors"
)

// Cursor walks a Tree's leaves in key order, holding a Read lock on the
// page it currently straddles so a concurrent writer can't split or
// empty it out from under the cursor between calls.
type Cursor struct {
	t      *Tree
	tx     *txn.Transaction
	pgno   page.No
	idx    int
	lock   *lockmgr.Lock
	closed bool
}

// NewCursor opens a cursor positioned before the first entry; call Next
// (or Seek) to establish a position.
func (t *Tree) NewCursor(tx *txn.Transaction) *Cursor {
	return &Cursor{t: t, tx: tx, idx: -1}
}

// Seek positions the cursor at the first entry >= key.
func (c *Cursor) Seek(key []byte) (bool, error) {
	const op = "btree.Cursor.Seek"
	c.releasePage()

	pgno := rootPgno
	locker := lockerOf(c.tx)
	for {
		lock, err := c.t.lockPage(locker, pgno, lockmgr.Read)
		if err != nil {
			return false, errors.Annotate(err, op)
		}
		buf, err := c.t.pool.Get(c.t.fid, pgno, mpool.GetPlain)
		if err != nil {
			c.t.unlockPage(lock)
			return false, errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()

		if h.PType == page.BTreeLeaf || h.PType == page.RecnoLeaf {
			entries := decodeLeaf(buf.Page.Raw, h)
			c.t.pool.Put(buf, mpool.PutPlain)
			idx, _ := searchLeaf(entries, key)
			c.pgno, c.idx, c.lock = pgno, idx, lock
			return idx < len(entries), nil
		}

		entries := decodeInternal(buf.Page.Raw, h)
		child := searchInternal(entries, key)
		c.t.pool.Put(buf, mpool.PutPlain)
		c.t.unlockPage(lock)
		pgno = child
	}
}

// Next advances to the following entry, following sibling chains across
// leaf-page boundaries, and returns ok=false once entries are exhausted.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	const op = "btree.Cursor.Next"
	if c.pgno == 0 {
		if ferr := c.toFirstLeaf(); ferr != nil {
			return nil, nil, false, errors.Annotate(ferr, op)
		}
	} else {
		c.idx++
	}

	for {
		buf, gerr := c.t.pool.Get(c.t.fid, c.pgno, mpool.GetPlain)
		if gerr != nil {
			return nil, nil, false, errs.Wrap(op, errs.IO, gerr)
		}
		h := buf.Page.Header()
		entries := decodeLeaf(buf.Page.Raw, h)
		if c.idx < len(entries) {
			e := entries[c.idx]
			c.t.pool.Put(buf, mpool.PutPlain)
			v := e.Value
			if e.Overflow {
				v, err = c.t.readOverflow(e.OvflHead)
				if err != nil {
					return nil, nil, false, errors.Annotate(err, op)
				}
			}
			return e.Key, v, true, nil
		}

		next := h.Next
		c.t.pool.Put(buf, mpool.PutPlain)
		if next == 0 {
			c.releasePage()
			return nil, nil, false, nil
		}
		nextLock, lerr := c.t.lockPage(lockerOf(c.tx), next, lockmgr.Read)
		if lerr != nil {
			return nil, nil, false, errors.Annotate(lerr, op)
		}
		c.t.unlockPage(c.lock)
		c.lock = nextLock
		c.pgno = next
		c.idx = 0
	}
}

func (c *Cursor) toFirstLeaf() error {
	pgno, err := c.t.leftmostLeaf()
	if err != nil {
		return err
	}
	lock, err := c.t.lockPage(lockerOf(c.tx), pgno, lockmgr.Read)
	if err != nil {
		return err
	}
	c.pgno, c.idx, c.lock = pgno, 0, lock
	return nil
}

func (c *Cursor) releasePage() {
	c.t.unlockPage(c.lock)
	c.lock = nil
	c.pgno = 0
	c.idx = -1
}

// Close releases whatever page lock the cursor currently holds.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.releasePage()
	return nil
}
