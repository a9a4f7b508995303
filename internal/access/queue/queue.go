// Package queue implements the queue access method: a FIFO of
// fixed-length records addressed by a monotonically increasing record
// number, stored packed into data pages with a per-slot present bitmap
// instead of a slotted directory, per spec §4.6.
//
// Append assigns the next tail recno and Consume (Get with Remove) takes
// the oldest still-present record at or after the head recno, scanning
// forward over any gap left by an out-of-order Del the way a real queue
// consumer must tolerate. Head/tail bookkeeping lives in the shared meta
// page's Head/RecordCount fields; Stats computes a shopspring/decimal
// fill ratio from the queue's contents when called, and no ratio is
// stored.
package queue

import (
	"fmt"

	"github.com/kvengine/core/internal/access/palloc"
	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
	"github.com/pingcap/errors"
	"github.com/shopspring/decimal"
)

// Config configures a Queue.
type Config struct {
	Pool     *mpool.Pool
	Log      *logmgr.Manager
	Locks    *lockmgr.Manager
	Fid      page.Fid
	PageSize int
	RecLen   uint32 // fixed record length in bytes, required
}

// Queue is one open fixed-length record queue.
type Queue struct {
	pool       *mpool.Pool
	log        *logmgr.Manager
	locks      *lockmgr.Manager
	alloc      *palloc.Allocator
	fid        page.Fid
	pageSize   int
	reclen     uint32
	perPage    uint32
	bitmapSize int // bytes of present-bitmap at the start of each data page's payload
}

// Stats summarizes a queue's current occupancy.
type Stats struct {
	Head, Tail page.No
	Count      uint32
	Fill       decimal.Decimal // present records / (tail - head), 0 when empty
}

// Create initializes a fresh queue file: a meta page with head=tail=1
// (the first record number ever assigned is 1, recno 0 is reserved to
// mean "none").
func Create(cfg Config) (*Queue, error) {
	const op = "queue.Create"
	if cfg.RecLen == 0 {
		return nil, errs.New(op, errs.INVAL)
	}
	q := newQueue(cfg)

	if err := q.alloc.Init(page.FeatFixedLen); err != nil {
		return nil, errors.Annotate(err, op)
	}
	m, err := q.alloc.GetMeta()
	if err != nil {
		return nil, errors.Annotate(err, op)
	}
	m.NParts = cfg.RecLen
	m.Head = 1
	m.RecordCount = 1 // next recno to assign (the tail)
	if err := q.putMeta(m); err != nil {
		return nil, errors.Annotate(err, op)
	}
	return q, nil
}

// Open wraps an already-created queue file, reading its record length
// back from the meta page.
func Open(cfg Config) (*Queue, error) {
	const op = "queue.Open"
	q := newQueue(cfg)
	m, err := q.alloc.GetMeta()
	if err != nil {
		return nil, errors.Annotate(err, op)
	}
	q.reclen = m.NParts
	q.perPage, q.bitmapSize = layout(cfg.PageSize, q.reclen)
	return q, nil
}

func newQueue(cfg Config) *Queue {
	perPage, bitmapSize := layout(cfg.PageSize, cfg.RecLen)
	return &Queue{
		pool:       cfg.Pool,
		log:        cfg.Log,
		locks:      cfg.Locks,
		alloc:      palloc.Open(cfg.Pool, cfg.Log, cfg.Fid, cfg.PageSize),
		fid:        cfg.Fid,
		pageSize:   cfg.PageSize,
		reclen:     cfg.RecLen,
		perPage:    perPage,
		bitmapSize: bitmapSize,
	}
}

// layout computes how many fixed-length records fit on a page once a
// present-bitmap (one bit per slot, rounded up to a byte) is carved out
// of the payload ahead of them.
func layout(pageSize int, reclen uint32) (perPage uint32, bitmapSize int) {
	if reclen == 0 {
		return 0, 0
	}
	payload := pageSize - page.HeaderSize
	n := uint32(payload*8) / (8*reclen + 1)
	bm := int((n + 7) / 8)
	return n, bm
}

// recordsPerExtent and pgno/slot addressing: recno 1 lives in extent
// page 1, slot 0; recno N lives in page 1+((N-1)/perPage), slot (N-1)%perPage.
func (q *Queue) locate(recno page.No) (pgno page.No, slot uint32) {
	n := uint32(recno) - 1
	return page.No(1 + n/q.perPage), n % q.perPage
}

func (q *Queue) putMeta(m page.Meta) error {
	const op = "queue.putMeta"
	buf, err := q.pool.Get(q.fid, 0, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	page.EncodeMeta(buf.Page.Raw, m)
	return q.pool.Put(buf, mpool.PutDirty)
}

func bitSet(bitmap []byte, slot uint32) bool {
	return bitmap[slot/8]&(1<<(slot%8)) != 0
}

func bitmapSetBit(bitmap []byte, slot uint32, v bool) {
	if v {
		bitmap[slot/8] |= 1 << (slot % 8)
	} else {
		bitmap[slot/8] &^= 1 << (slot % 8)
	}
}

func (q *Queue) objID(pgno page.No) lockmgr.ObjectID {
	return lockmgr.ObjectID(fmt.Sprintf("%x:%d", q.fid, pgno))
}

func (q *Queue) lockerOf(tx *txn.Transaction) lockmgr.LockerID {
	if tx == nil {
		return 0
	}
	return tx.Locker
}

func zeroPage(size int) []byte { return make([]byte, size) }
