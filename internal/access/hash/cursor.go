package hash

import (
	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
	"github.com/pingcap/errors"
)

// Cursor walks every entry of a Table in bucket order; unlike the btree
// cursor this carries no ordering guarantee across keys, only a stable
// enumeration of everything currently stored.
type Cursor struct {
	tb      *Table
	tx      *txn.Transaction
	bucket  uint32
	pgno    page.No
	idx     int
	entries []entry
	lock    *lockmgr.Lock
}

// NewCursor opens a cursor positioned before the first entry.
func (tb *Table) NewCursor(tx *txn.Transaction) *Cursor {
	return &Cursor{tb: tb, tx: tx, idx: -1}
}

// Next advances to the following entry, crossing bucket and overflow
// boundaries as needed, and returns ok=false once every bucket is drained.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	const op = "hash.Cursor.Next"
	for {
		if c.idx+1 < len(c.entries) {
			c.idx++
			e := c.entries[c.idx]
			v := e.Value
			if e.Overflow {
				v, err = c.tb.readOverflow(e.OvflHead)
				if err != nil {
					return nil, nil, false, errors.Annotate(err, op)
				}
			}
			return e.Key, v, true, nil
		}
		if err := c.advancePage(); err != nil {
			return nil, nil, false, errors.Annotate(err, op)
		}
		if c.bucket > c.tb.nbuckets {
			return nil, nil, false, nil
		}
	}
}

// advancePage loads the next page in the current bucket's chain (or the
// first page of the next bucket, crossing into a fresh lock) into
// c.entries.
func (c *Cursor) advancePage() error {
	if c.pgno == 0 {
		c.bucket++
		if c.bucket > c.tb.nbuckets {
			return nil
		}
		c.releaseLock()
		lock, err := c.tb.lockBucket(lockerOf(c.tx), page.No(c.bucket), lockmgr.Read)
		if err != nil {
			return err
		}
		c.lock = lock
		c.pgno = page.No(c.bucket)
	}

	buf, err := c.tb.pool.Get(c.tb.fid, c.pgno, mpool.GetPlain)
	if err != nil {
		return err
	}
	h := buf.Page.Header()
	c.entries = decodeBucket(buf.Page.Raw, h)
	c.idx = -1
	next := h.Next
	c.tb.pool.Put(buf, mpool.PutPlain)
	c.pgno = next
	return nil
}

func (c *Cursor) releaseLock() {
	c.tb.unlockBucket(c.lock)
	c.lock = nil
}

// Close releases whatever bucket lock the cursor currently holds.
func (c *Cursor) Close() error {
	c.releaseLock()
	return nil
}
