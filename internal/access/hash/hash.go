// Package hash implements the hash access method: unordered key/value
// storage over a fixed number of buckets chosen at creation time, with
// overflow pages absorbing any bucket that outgrows a single page, per
// spec §4.6.
//
// Bucket count is fixed at Create and never rehashed: the caller sizes
// NumBuckets for the expected key population (as BDB's DB->set_h_nelem
// hint does), and any bucket that overflows its page chains additional
// HashOverflow pages instead of triggering a table-wide split. Trading
// away live resizing keeps bucket addressing a pure function of the key
// (no directory page, no indirection layer to keep consistent with
// concurrent readers) at the cost of requiring a reasonable size hint
// up front.
package hash

import (
	"context"
	"fmt"

	"github.com/kvengine/core/internal/access/amrec"
	"github.com/kvengine/core/internal/access/palloc"
	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
	"github.com/pingcap/errors"
)

// DefaultNumBuckets is used when Config.NumBuckets is zero.
const DefaultNumBuckets = 16

// Config configures a Table.
type Config struct {
	Pool       *mpool.Pool
	Log        *logmgr.Manager
	Locks      *lockmgr.Manager
	Fid        page.Fid
	PageSize   int
	NumBuckets uint32 // fixed for the table's lifetime; 0 means DefaultNumBuckets
	Dup        bool
}

// Table is one open hash database.
type Table struct {
	pool     *mpool.Pool
	log      *logmgr.Manager
	locks    *lockmgr.Manager
	alloc    *palloc.Allocator
	fid      page.Fid
	pageSize int
	nbuckets uint32
	dup      bool
}

// Create allocates nbuckets bucket pages (pgnos 1..nbuckets, following
// the btree access method's convention of fixed, predictable page
// numbers for a database's top-level structure) and writes the meta
// page recording that count.
func Create(cfg Config) (*Table, error) {
	const op = "hash.Create"
	n := cfg.NumBuckets
	if n == 0 {
		n = DefaultNumBuckets
	}
	tb := newTable(cfg, n)

	flags := uint32(0)
	if cfg.Dup {
		flags |= page.FeatDup
	}
	if err := tb.alloc.Init(flags); err != nil {
		return nil, errors.Annotate(err, op)
	}

	m, err := tb.alloc.GetMeta()
	if err != nil {
		return nil, errors.Annotate(err, op)
	}
	m.NParts = n
	if err := tb.putMeta(m); err != nil {
		return nil, errors.Annotate(err, op)
	}

	for i := uint32(0); i < n; i++ {
		b, err := tb.alloc.New(nil, page.HashBucket)
		if err != nil {
			return nil, errors.Annotate(err, op)
		}
		if b.Pgno != page.No(i+1) {
			return nil, errs.New(op, errs.INVAL)
		}
		encodeBucket(b.Page.Raw, page.Header{PageNo: b.Pgno, PType: page.HashBucket}, nil)
		if err := tb.pool.Put(b, mpool.PutDirty); err != nil {
			return nil, errors.Annotate(err, op)
		}
	}
	return tb, nil
}

// Open wraps an already-created database file, reading NumBuckets back
// from its meta page.
func Open(cfg Config) (*Table, error) {
	const op = "hash.Open"
	tb := newTable(cfg, 0)
	m, err := tb.alloc.GetMeta()
	if err != nil {
		return nil, errors.Annotate(err, op)
	}
	tb.nbuckets = m.NParts
	return tb, nil
}

func newTable(cfg Config, n uint32) *Table {
	return &Table{
		pool:     cfg.Pool,
		log:      cfg.Log,
		locks:    cfg.Locks,
		alloc:    palloc.Open(cfg.Pool, cfg.Log, cfg.Fid, cfg.PageSize),
		fid:      cfg.Fid,
		pageSize: cfg.PageSize,
		nbuckets: n,
		dup:      cfg.Dup,
	}
}

func (tb *Table) putMeta(m page.Meta) error {
	const op = "hash.putMeta"
	buf, err := tb.pool.Get(tb.fid, 0, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	page.EncodeMeta(buf.Page.Raw, m)
	return tb.pool.Put(buf, mpool.PutDirty)
}

func (tb *Table) bucketPgno(key []byte) page.No {
	return page.No(page.Checksum32(key)%tb.nbuckets) + 1
}

func (tb *Table) objID(pgno page.No) lockmgr.ObjectID {
	return lockmgr.ObjectID(fmt.Sprintf("%x:%d", tb.fid, pgno))
}

func (tb *Table) lockBucket(locker lockmgr.LockerID, pgno page.No, mode lockmgr.Mode) (*lockmgr.Lock, error) {
	if tb.locks == nil {
		return nil, nil
	}
	return tb.locks.Get(context.Background(), locker, tb.objID(pgno), mode)
}

func (tb *Table) unlockBucket(lock *lockmgr.Lock) {
	if tb.locks == nil || lock == nil {
		return
	}
	tb.locks.Put(lock)
}

func lockerOf(tx *txn.Transaction) lockmgr.LockerID {
	if tx == nil {
		return 0
	}
	return tx.Locker
}

// Get returns the value stored for key.
func (tb *Table) Get(tx *txn.Transaction, key []byte) ([]byte, error) {
	const op = "hash.Get"
	bucket := tb.bucketPgno(key)
	lock, err := tb.lockBucket(lockerOf(tx), bucket, lockmgr.Read)
	if err != nil {
		return nil, errors.Annotate(err, op)
	}
	defer tb.unlockBucket(lock)

	pgno := bucket
	for pgno != 0 {
		buf, err := tb.pool.Get(tb.fid, pgno, mpool.GetPlain)
		if err != nil {
			return nil, errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()
		entries := decodeBucket(buf.Page.Raw, h)
		next := h.Next
		tb.pool.Put(buf, mpool.PutPlain)

		if idx, found := find(entries, key); found {
			e := entries[idx]
			if !e.Overflow {
				return e.Value, nil
			}
			return tb.readOverflow(e.OvflHead)
		}
		pgno = next
	}
	return nil, errs.New(op, errs.NOTFOUND)
}

// Put inserts or replaces key's value, chaining a fresh HashOverflow
// page onto the bucket if it has no room.
func (tb *Table) Put(tx *txn.Transaction, key, value []byte) error {
	const op = "hash.Put"
	bucket := tb.bucketPgno(key)
	lock, err := tb.lockBucket(lockerOf(tx), bucket, lockmgr.Write)
	if err != nil {
		return errors.Annotate(err, op)
	}
	defer tb.unlockBucket(lock)

	newEntry, err := tb.makeEntry(tx, key, value)
	if err != nil {
		return errors.Annotate(err, op)
	}

	// A replaced key is removed first (freeing any overflow chain it
	// owned) so the common update case never needs two copies of a
	// large value live at once; the insert below then always appends.
	if !tb.dup {
		if err := tb.removeIfPresent(tx, key); err != nil {
			return errors.Annotate(err, op)
		}
	}

	pgno := bucket
	for {
		buf, err := tb.pool.Get(tb.fid, pgno, mpool.GetDirty)
		if err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()
		before := append([]byte{}, buf.Page.Raw...)
		entries := decodeBucket(buf.Page.Raw, h)

		if h.Next == 0 {
			appended := append(entries, newEntry)
			if encodeBucket(buf.Page.Raw, h, appended) {
				if _, err := amrec.Log(tb.log, tx, tb.fid, amrec.KindHash, buf, before); err != nil {
					tb.pool.Put(buf, mpool.PutPlain)
					return errors.Annotate(err, op)
				}
				return tb.pool.Put(buf, mpool.PutDirty)
			}
			tb.pool.Put(buf, mpool.PutPlain)
			return tb.chainOverflow(tx, pgno, newEntry)
		}

		next := h.Next
		tb.pool.Put(buf, mpool.PutPlain)
		pgno = next
	}
}

// removeIfPresent deletes key's entry from bucket's chain if present,
// freeing any overflow chain it owned. It is a no-op, not an error, if
// key isn't found.
func (tb *Table) removeIfPresent(tx *txn.Transaction, key []byte) error {
	const op = "hash.removeIfPresent"
	bucket := tb.bucketPgno(key)
	pgno := bucket
	for pgno != 0 {
		buf, err := tb.pool.Get(tb.fid, pgno, mpool.GetDirty)
		if err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()
		entries := decodeBucket(buf.Page.Raw, h)

		idx, found := find(entries, key)
		if !found {
			next := h.Next
			tb.pool.Put(buf, mpool.PutPlain)
			pgno = next
			continue
		}

		before := append([]byte{}, buf.Page.Raw...)
		if entries[idx].Overflow {
			if err := tb.freeOverflow(tx, entries[idx].OvflHead); err != nil {
				tb.pool.Put(buf, mpool.PutPlain)
				return errors.Annotate(err, op)
			}
		}
		entries = append(entries[:idx], entries[idx+1:]...)
		encodeBucket(buf.Page.Raw, h, entries)
		if _, err := amrec.Log(tb.log, tx, tb.fid, amrec.KindHash, buf, before); err != nil {
			tb.pool.Put(buf, mpool.PutPlain)
			return errors.Annotate(err, op)
		}
		return tb.pool.Put(buf, mpool.PutDirty)
	}
	return nil
}

func (tb *Table) makeEntry(tx *txn.Transaction, key, value []byte) (entry, error) {
	if len(value) > overflowThreshold(tb.pageSize) {
		head, err := tb.writeOverflow(tx, value)
		if err != nil {
			return entry{}, err
		}
		return entry{Key: key, Overflow: true, OvflHead: head}, nil
	}
	return entry{Key: key, Value: value}, nil
}

// chainOverflow allocates a new HashOverflow page holding just newEntry
// and links it onto the tail page named by tailPgno.
func (tb *Table) chainOverflow(tx *txn.Transaction, tailPgno page.No, newEntry entry) error {
	const op = "hash.chainOverflow"
	ovflBuf, err := tb.alloc.New(tx, page.HashOverflow)
	if err != nil {
		return errors.Annotate(err, op)
	}
	h := page.Header{PageNo: ovflBuf.Pgno, PType: page.HashOverflow}
	if !encodeBucket(ovflBuf.Page.Raw, h, []entry{newEntry}) {
		return errs.New(op, errs.NOSPACE)
	}
	if _, err := amrec.Log(tb.log, tx, tb.fid, amrec.KindHash, ovflBuf, zeroPage(tb.pageSize)); err != nil {
		return errors.Annotate(err, op)
	}
	if err := tb.pool.Put(ovflBuf, mpool.PutDirty); err != nil {
		return errors.Annotate(err, op)
	}

	tailBuf, err := tb.pool.Get(tb.fid, tailPgno, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	before := append([]byte{}, tailBuf.Page.Raw...)
	th := tailBuf.Page.Header()
	th.Next = ovflBuf.Pgno
	tailBuf.Page.SetHeader(th)
	if _, err := amrec.Log(tb.log, tx, tb.fid, amrec.KindHash, tailBuf, before); err != nil {
		tb.pool.Put(tailBuf, mpool.PutPlain)
		return errors.Annotate(err, op)
	}
	return tb.pool.Put(tailBuf, mpool.PutDirty)
}

// Del removes key's entry from its bucket chain. It does not free or
// unlink an overflow page left empty by the deletion; the empty page
// stays in the chain. It reports NOTFOUND rather than silently
// succeeding when key never existed.
func (tb *Table) Del(tx *txn.Transaction, key []byte) error {
	const op = "hash.Del"
	bucket := tb.bucketPgno(key)
	lock, err := tb.lockBucket(lockerOf(tx), bucket, lockmgr.Write)
	if err != nil {
		return errors.Annotate(err, op)
	}
	defer tb.unlockBucket(lock)

	found, err := tb.keyExists(key)
	if err != nil {
		return errors.Annotate(err, op)
	}
	if !found {
		return errs.New(op, errs.NOTFOUND)
	}
	return tb.removeIfPresent(tx, key)
}

func (tb *Table) keyExists(key []byte) (bool, error) {
	const op = "hash.keyExists"
	pgno := tb.bucketPgno(key)
	for pgno != 0 {
		buf, err := tb.pool.Get(tb.fid, pgno, mpool.GetPlain)
		if err != nil {
			return false, errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()
		entries := decodeBucket(buf.Page.Raw, h)
		_, found := find(entries, key)
		next := h.Next
		tb.pool.Put(buf, mpool.PutPlain)
		if found {
			return true, nil
		}
		pgno = next
	}
	return false, nil
}

// Count walks every bucket chain and sums its entries.
func (tb *Table) Count() (int, error) {
	const op = "hash.Count"
	n := 0
	for i := uint32(0); i < tb.nbuckets; i++ {
		pgno := page.No(i + 1)
		for pgno != 0 {
			buf, err := tb.pool.Get(tb.fid, pgno, mpool.GetPlain)
			if err != nil {
				return 0, errs.Wrap(op, errs.IO, err)
			}
			h := buf.Page.Header()
			n += int(h.Entries)
			next := h.Next
			tb.pool.Put(buf, mpool.PutPlain)
			pgno = next
		}
	}
	return n, nil
}

func zeroPage(size int) []byte { return make([]byte, size) }
