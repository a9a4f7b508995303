package queue

import (
	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
)

// Cursor scans a queue's present records in recno order starting from
// the current head, independent of Consume's destructive advance.
type Cursor struct {
	q      *Queue
	tx     *txn.Transaction
	next   uint32
	last   uint32
	lock   *lockmgr.Lock
	closed bool
}

// NewCursor opens a cursor over [head,tail) as of the moment it's
// created; records appended after that remain invisible to it, matching
// a snapshot-style scan rather than a live tail follow.
func (q *Queue) NewCursor(tx *txn.Transaction) (*Cursor, error) {
	lock, err := q.lockGlobal(tx, lockmgr.Read)
	if err != nil {
		return nil, err
	}
	m, err := q.alloc.GetMeta()
	if err != nil {
		q.unlockGlobal(lock)
		return nil, err
	}
	return &Cursor{q: q, tx: tx, next: uint32(m.Head), last: uint32(m.RecordCount), lock: lock}, nil
}

// Next returns the following present record, skipping any gap left by
// an out-of-order Del, and ok=false once the snapshot is exhausted.
func (c *Cursor) Next() (recno uint32, value []byte, ok bool, err error) {
	if c.closed {
		return 0, nil, false, nil
	}
	for c.next < c.last {
		r := c.next
		c.next++
		v, err := c.q.readSlot(page.No(r))
		if err != nil {
			continue
		}
		return r, v, true, nil
	}
	return 0, nil, false, nil
}

// Close releases the cursor's hold on the queue's global lock.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.q.unlockGlobal(c.lock)
	return nil
}
