// Package btree implements the B-tree / recno access method: an ordered
// key/value store over variable-length keys, with overflow pages for
// large values and cursor crabbing during descent, per spec §4.6.
package btree

import (
	"bytes"
	"context"
	"fmt"

	"github.com/kvengine/core/internal/access/amrec"
	"github.com/kvengine/core/internal/access/palloc"
	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/logging"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
	"github.com/pingcap/errors"
)

// rootPgno is fixed: a B-tree's root page number never changes across
// its lifetime. A "root split" rewrites page 1's own contents into a new
// internal page rather than relocating the root, exactly as BDB's
// __bam_root does, so every cursor and every other tree's separator
// entries that might reference the root by number stay valid.
const rootPgno page.No = 1

// Config configures a Tree.
type Config struct {
	Pool     *mpool.Pool
	Log      *logmgr.Manager
	Locks    *lockmgr.Manager // nil disables crabbing locks (single-threaded / CDS caller already serializes)
	Fid      page.Fid
	PageSize int
	Dup      bool // duplicate keys coexist in a leaf instead of replacing the existing value
	Recno    bool // sets the record-number feature flag in the meta page; keys are stored as given and Put assigns none
}

// Tree is one open B-tree (or recno) database.
type Tree struct {
	pool     *mpool.Pool
	log      *logmgr.Manager
	locks    *lockmgr.Manager
	alloc    *palloc.Allocator
	fid      page.Fid
	pageSize int
	dup      bool
	recno    bool
}

// Create initializes a brand-new database file: a meta page plus an
// empty leaf root at rootPgno.
func Create(cfg Config) (*Tree, error) {
	const op = "btree.Create"
	t := newTree(cfg)

	flags := uint32(0)
	if cfg.Dup {
		flags |= page.FeatDup
	}
	if cfg.Recno {
		flags |= page.FeatRecNum
	}
	if err := t.alloc.Init(flags); err != nil {
		return nil, errors.Annotate(err, op)
	}

	buf, err := t.alloc.New(nil, page.BTreeLeaf)
	if err != nil {
		return nil, errors.Annotate(err, op)
	}
	if buf.Pgno != rootPgno {
		return nil, errs.New(op, errs.INVAL)
	}
	encodeLeaf(buf.Page.Raw, page.Header{PageNo: rootPgno, PType: page.BTreeLeaf}, nil)
	if err := t.pool.Put(buf, mpool.PutDirty); err != nil {
		return nil, errors.Annotate(err, op)
	}
	return t, nil
}

// Open wraps an already-created database file.
func Open(cfg Config) *Tree {
	return newTree(cfg)
}

func newTree(cfg Config) *Tree {
	return &Tree{
		pool:     cfg.Pool,
		log:      cfg.Log,
		locks:    cfg.Locks,
		alloc:    palloc.Open(cfg.Pool, cfg.Log, cfg.Fid, cfg.PageSize),
		fid:      cfg.Fid,
		pageSize: cfg.PageSize,
		dup:      cfg.Dup,
		recno:    cfg.Recno,
	}
}

func (t *Tree) objID(pgno page.No) lockmgr.ObjectID {
	return lockmgr.ObjectID(fmt.Sprintf("%x:%d", t.fid, pgno))
}

// lockPage acquires mode on pgno for locker, a no-op if the tree was
// opened without a lock manager (single-threaded callers).
func (t *Tree) lockPage(locker lockmgr.LockerID, pgno page.No, mode lockmgr.Mode) (*lockmgr.Lock, error) {
	if t.locks == nil {
		return nil, nil
	}
	return t.locks.Get(context.Background(), locker, t.objID(pgno), mode)
}

func (t *Tree) unlockPage(lock *lockmgr.Lock) {
	if t.locks == nil || lock == nil {
		return
	}
	t.locks.Put(lock)
}

func lockerOf(tx *txn.Transaction) lockmgr.LockerID {
	if tx == nil {
		return 0
	}
	return tx.Locker
}

// Get returns the value stored for key, crabbing a Read lock down the
// tree and releasing each ancestor once its child is latched.
func (t *Tree) Get(tx *txn.Transaction, key []byte) ([]byte, error) {
	const op = "btree.Get"
	locker := lockerOf(tx)

	pgno := rootPgno
	lock, err := t.lockPage(locker, pgno, lockmgr.Read)
	if err != nil {
		return nil, errors.Annotate(err, op)
	}

	for {
		buf, err := t.pool.Get(t.fid, pgno, mpool.GetPlain)
		if err != nil {
			t.unlockPage(lock)
			return nil, errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()

		if h.PType == page.BTreeLeaf || h.PType == page.RecnoLeaf {
			entries := decodeLeaf(buf.Page.Raw, h)
			t.pool.Put(buf, mpool.PutPlain)
			t.unlockPage(lock)
			idx, found := searchLeaf(entries, key)
			if !found {
				return nil, errs.New(op, errs.NOTFOUND)
			}
			e := entries[idx]
			if !e.Overflow {
				return e.Value, nil
			}
			v, err := t.readOverflow(e.OvflHead)
			if err != nil {
				return nil, errors.Annotate(err, op)
			}
			return v, nil
		}

		entries := decodeInternal(buf.Page.Raw, h)
		child := searchInternal(entries, key)
		t.pool.Put(buf, mpool.PutPlain)

		childLock, err := t.lockPage(locker, child, lockmgr.Read)
		if err != nil {
			t.unlockPage(lock)
			return nil, errors.Annotate(err, op)
		}
		t.unlockPage(lock)
		lock = childLock
		pgno = child
	}
}

// Put inserts or replaces key's value (or, when the tree allows
// duplicates, adds another value under the same key). Ancestors are
// latched write and released once a child proves it has room, matching
// spec §4.6's crabbing rule: a page is only kept locked past its child's
// latch if that child might need to propagate a split back up to it.
func (t *Tree) Put(tx *txn.Transaction, key, value []byte) error {
	const op = "btree.Put"
	locker := lockerOf(tx)

	path := []page.No{rootPgno}
	lock, err := t.lockPage(locker, rootPgno, lockmgr.Write)
	if err != nil {
		return errors.Annotate(err, op)
	}
	defer func() {
		if lock != nil {
			t.unlockPage(lock)
		}
	}()

	pgno := rootPgno
	for {
		buf, err := t.pool.Get(t.fid, pgno, mpool.GetPlain)
		if err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()
		if h.PType == page.BTreeLeaf || h.PType == page.RecnoLeaf {
			t.pool.Put(buf, mpool.PutPlain)
			break
		}
		entries := decodeInternal(buf.Page.Raw, h)
		child := searchInternal(entries, key)
		t.pool.Put(buf, mpool.PutPlain)

		childLock, err := t.lockPage(locker, child, lockmgr.Write)
		if err != nil {
			return errors.Annotate(err, op)
		}
		t.unlockPage(lock)
		lock = childLock
		path = append(path, child)
		pgno = child
	}

	return t.insertLeaf(tx, path, key, value)
}

func (t *Tree) insertLeaf(tx *txn.Transaction, path []page.No, key, value []byte) error {
	const op = "btree.insertLeaf"
	leafPgno := path[len(path)-1]

	buf, err := t.pool.Get(t.fid, leafPgno, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	h := buf.Page.Header()
	before := append([]byte{}, buf.Page.Raw...)
	entries := decodeLeaf(buf.Page.Raw, h)

	idx, found := searchLeaf(entries, key)
	newEntry, err := t.makeLeafEntry(tx, key, value)
	if err != nil {
		t.pool.Put(buf, mpool.PutPlain)
		return errors.Annotate(err, op)
	}

	switch {
	case found && !t.dup:
		entries[idx] = newEntry
	case found && t.dup:
		entries = append(entries, leafEntry{})
		copy(entries[idx+1:], entries[idx:])
		entries[idx] = newEntry
	default:
		entries = append(entries, leafEntry{})
		copy(entries[idx+1:], entries[idx:])
		entries[idx] = newEntry
	}

	if encodeLeaf(buf.Page.Raw, h, entries) {
		lsn, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, buf, before)
		if err != nil {
			t.pool.Put(buf, mpool.PutPlain)
			return errors.Annotate(err, op)
		}
		_ = lsn
		return t.pool.Put(buf, mpool.PutDirty)
	}

	// Doesn't fit: split the leaf and propagate the new separator upward.
	return t.splitLeaf(tx, path, buf, entries)
}

func (t *Tree) makeLeafEntry(tx *txn.Transaction, key, value []byte) (leafEntry, error) {
	if len(value) > overflowThreshold(t.pageSize) {
		head, err := t.writeOverflow(tx, value)
		if err != nil {
			return leafEntry{}, err
		}
		return leafEntry{Key: key, Overflow: true, OvflHead: head}, nil
	}
	return leafEntry{Key: key, Value: value}, nil
}

// splitLeaf divides entries across the existing page and a freshly
// allocated sibling, then inserts the sibling's separator into the
// parent (or performs a root split if leafBuf is the tree's root).
func (t *Tree) splitLeaf(tx *txn.Transaction, path []page.No, leafBuf *mpool.Buffer, entries []leafEntry) error {
	const op = "btree.splitLeaf"
	mid := len(entries) / 2
	left, right := entries[:mid], entries[mid:]
	if len(right) == 0 {
		return errs.New(op, errs.NOSPACE)
	}

	h := leafBuf.Page.Header()

	if leafBuf.Pgno == rootPgno {
		return t.rootSplitLeaf(tx, leafBuf, h, left, right)
	}

	rightBuf, err := t.alloc.New(tx, h.PType)
	if err != nil {
		return errors.Annotate(err, op)
	}
	rh := page.Header{PageNo: rightBuf.Pgno, PType: h.PType, Next: h.Next, Level: h.Level}
	if !encodeLeaf(rightBuf.Page.Raw, rh, right) {
		return errs.New(op, errs.NOSPACE)
	}
	if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, rightBuf, zeroPage(t.pageSize)); err != nil {
		return errors.Annotate(err, op)
	}
	if err := t.pool.Put(rightBuf, mpool.PutDirty); err != nil {
		return errors.Annotate(err, op)
	}

	before := append([]byte{}, leafBuf.Page.Raw...)
	lh := page.Header{PageNo: leafBuf.Pgno, PType: h.PType, Prev: h.Prev, Next: rightBuf.Pgno, Level: h.Level}
	if !encodeLeaf(leafBuf.Page.Raw, lh, left) {
		return errs.New(op, errs.NOSPACE)
	}
	if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, leafBuf, before); err != nil {
		return errors.Annotate(err, op)
	}
	if err := t.pool.Put(leafBuf, mpool.PutDirty); err != nil {
		return errors.Annotate(err, op)
	}

	logging.Debugf("btree: split leaf %x/%d -> %d,%d", t.fid, leafBuf.Pgno, leafBuf.Pgno, rightBuf.Pgno)
	return t.insertSeparator(tx, path[:len(path)-1], right[0].Key, rightBuf.Pgno)
}

// rootSplitLeaf handles the case where the root itself is a leaf that
// overflowed: two fresh leaves take the split halves, and the root page
// is rewritten in place as a new internal page over them.
func (t *Tree) rootSplitLeaf(tx *txn.Transaction, rootBuf *mpool.Buffer, h page.Header, left, right []leafEntry) error {
	const op = "btree.rootSplitLeaf"
	leftBuf, err := t.alloc.New(tx, h.PType)
	if err != nil {
		return errors.Annotate(err, op)
	}
	rightBuf, err := t.alloc.New(tx, h.PType)
	if err != nil {
		return errors.Annotate(err, op)
	}

	if !encodeLeaf(leftBuf.Page.Raw, page.Header{PageNo: leftBuf.Pgno, PType: h.PType, Next: rightBuf.Pgno}, left) {
		return errs.New(op, errs.NOSPACE)
	}
	if !encodeLeaf(rightBuf.Page.Raw, page.Header{PageNo: rightBuf.Pgno, PType: h.PType, Prev: leftBuf.Pgno}, right) {
		return errs.New(op, errs.NOSPACE)
	}
	for _, b := range []*mpool.Buffer{leftBuf, rightBuf} {
		if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, b, zeroPage(t.pageSize)); err != nil {
			return errors.Annotate(err, op)
		}
		if err := t.pool.Put(b, mpool.PutDirty); err != nil {
			return errors.Annotate(err, op)
		}
	}

	before := append([]byte{}, rootBuf.Page.Raw...)
	newEntries := []internalEntry{
		{Key: nil, Child: leftBuf.Pgno},
		{Key: right[0].Key, Child: rightBuf.Pgno},
	}
	rootType := page.BTreeInternal
	if h.PType == page.RecnoLeaf {
		rootType = page.RecnoInternal
	}
	rh := page.Header{PageNo: rootPgno, PType: rootType, Level: h.Level + 1}
	if !encodeInternal(rootBuf.Page.Raw, rh, newEntries) {
		return errs.New(op, errs.NOSPACE)
	}
	if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, rootBuf, before); err != nil {
		return errors.Annotate(err, op)
	}
	logging.Debugf("btree: root split at %x, new level %d", t.fid, rh.Level)
	return t.pool.Put(rootBuf, mpool.PutDirty)
}

// insertSeparator inserts (key,child) into the internal page named by
// the tail of path, splitting it (recursively, up to a root split) if it
// doesn't fit.
func (t *Tree) insertSeparator(tx *txn.Transaction, path []page.No, key []byte, child page.No) error {
	const op = "btree.insertSeparator"
	if len(path) == 0 {
		return errs.New(op, errs.INVAL)
	}
	pgno := path[len(path)-1]

	buf, err := t.pool.Get(t.fid, pgno, mpool.GetDirty)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	h := buf.Page.Header()
	before := append([]byte{}, buf.Page.Raw...)
	entries := decodeInternal(buf.Page.Raw, h)

	idx := 0
	for idx < len(entries) && bytes.Compare(entries[idx].Key, key) < 0 {
		idx++
	}
	entries = append(entries, internalEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = internalEntry{Key: key, Child: child}

	if encodeInternal(buf.Page.Raw, h, entries) {
		if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, buf, before); err != nil {
			t.pool.Put(buf, mpool.PutPlain)
			return errors.Annotate(err, op)
		}
		return t.pool.Put(buf, mpool.PutDirty)
	}

	return t.splitInternal(tx, path, buf, h, entries)
}

func (t *Tree) splitInternal(tx *txn.Transaction, path []page.No, buf *mpool.Buffer, h page.Header, entries []internalEntry) error {
	const op = "btree.splitInternal"
	mid := len(entries) / 2
	left, right := entries[:mid], entries[mid:]
	if len(right) == 0 {
		return errs.New(op, errs.NOSPACE)
	}
	sepKey := right[0].Key
	right[0].Key = nil // leftmost child of the new right page has no lower bound

	if buf.Pgno == rootPgno {
		return t.rootSplitInternal(tx, buf, h, left, right, sepKey)
	}

	rightBuf, err := t.alloc.New(tx, h.PType)
	if err != nil {
		return errors.Annotate(err, op)
	}
	if !encodeInternal(rightBuf.Page.Raw, page.Header{PageNo: rightBuf.Pgno, PType: h.PType, Level: h.Level}, right) {
		return errs.New(op, errs.NOSPACE)
	}
	if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, rightBuf, zeroPage(t.pageSize)); err != nil {
		return errors.Annotate(err, op)
	}
	if err := t.pool.Put(rightBuf, mpool.PutDirty); err != nil {
		return errors.Annotate(err, op)
	}

	before := append([]byte{}, buf.Page.Raw...)
	if !encodeInternal(buf.Page.Raw, h, left) {
		return errs.New(op, errs.NOSPACE)
	}
	if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, buf, before); err != nil {
		return errors.Annotate(err, op)
	}
	if err := t.pool.Put(buf, mpool.PutDirty); err != nil {
		return errors.Annotate(err, op)
	}

	return t.insertSeparator(tx, path[:len(path)-1], sepKey, rightBuf.Pgno)
}

func (t *Tree) rootSplitInternal(tx *txn.Transaction, rootBuf *mpool.Buffer, h page.Header, left, right []internalEntry, sepKey []byte) error {
	const op = "btree.rootSplitInternal"
	leftBuf, err := t.alloc.New(tx, h.PType)
	if err != nil {
		return errors.Annotate(err, op)
	}
	rightBuf, err := t.alloc.New(tx, h.PType)
	if err != nil {
		return errors.Annotate(err, op)
	}
	if !encodeInternal(leftBuf.Page.Raw, page.Header{PageNo: leftBuf.Pgno, PType: h.PType, Level: h.Level}, left) {
		return errs.New(op, errs.NOSPACE)
	}
	if !encodeInternal(rightBuf.Page.Raw, page.Header{PageNo: rightBuf.Pgno, PType: h.PType, Level: h.Level}, right) {
		return errs.New(op, errs.NOSPACE)
	}
	for _, b := range []*mpool.Buffer{leftBuf, rightBuf} {
		if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, b, zeroPage(t.pageSize)); err != nil {
			return errors.Annotate(err, op)
		}
		if err := t.pool.Put(b, mpool.PutDirty); err != nil {
			return errors.Annotate(err, op)
		}
	}

	before := append([]byte{}, rootBuf.Page.Raw...)
	newEntries := []internalEntry{
		{Key: nil, Child: leftBuf.Pgno},
		{Key: sepKey, Child: rightBuf.Pgno},
	}
	rh := page.Header{PageNo: rootPgno, PType: h.PType, Level: h.Level + 1}
	if !encodeInternal(rootBuf.Page.Raw, rh, newEntries) {
		return errs.New(op, errs.NOSPACE)
	}
	if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, rootBuf, before); err != nil {
		return errors.Annotate(err, op)
	}
	logging.Debugf("btree: root split (internal) at %x, new level %d", t.fid, rh.Level)
	return t.pool.Put(rootBuf, mpool.PutDirty)
}

// Del removes key's entry, returning any overflow chain its value used
// to the free list. It does not rebalance or merge underfull pages, and
// a leaf left empty stays in the tree.
func (t *Tree) Del(tx *txn.Transaction, key []byte) error {
	const op = "btree.Del"
	locker := lockerOf(tx)

	pgno := rootPgno
	lock, err := t.lockPage(locker, pgno, lockmgr.Write)
	if err != nil {
		return errors.Annotate(err, op)
	}
	defer t.unlockPage(lock)

	for {
		buf, err := t.pool.Get(t.fid, pgno, mpool.GetDirty)
		if err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()

		if h.PType == page.BTreeLeaf || h.PType == page.RecnoLeaf {
			before := append([]byte{}, buf.Page.Raw...)
			entries := decodeLeaf(buf.Page.Raw, h)
			idx, found := searchLeaf(entries, key)
			if !found {
				t.pool.Put(buf, mpool.PutPlain)
				return errs.New(op, errs.NOTFOUND)
			}
			if entries[idx].Overflow {
				if err := t.freeOverflow(tx, entries[idx].OvflHead); err != nil {
					t.pool.Put(buf, mpool.PutPlain)
					return errors.Annotate(err, op)
				}
			}
			entries = append(entries[:idx], entries[idx+1:]...)
			encodeLeaf(buf.Page.Raw, h, entries)
			if _, err := amrec.Log(t.log, tx, t.fid, amrec.KindBTree, buf, before); err != nil {
				t.pool.Put(buf, mpool.PutPlain)
				return errors.Annotate(err, op)
			}
			return t.pool.Put(buf, mpool.PutDirty)
		}

		entries := decodeInternal(buf.Page.Raw, h)
		child := searchInternal(entries, key)
		t.pool.Put(buf, mpool.PutDirty)

		childLock, err := t.lockPage(locker, child, lockmgr.Write)
		if err != nil {
			return errors.Annotate(err, op)
		}
		t.unlockPage(lock)
		lock = childLock
		pgno = child
	}
}

// Count returns the number of entries currently stored, by a full
// left-to-right leaf scan; no running total is maintained, in recno
// mode or otherwise.
func (t *Tree) Count() (int, error) {
	const op = "btree.Count"
	n := 0
	pgno, err := t.leftmostLeaf()
	if err != nil {
		return 0, errors.Annotate(err, op)
	}
	for pgno != 0 {
		buf, err := t.pool.Get(t.fid, pgno, mpool.GetPlain)
		if err != nil {
			return 0, errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()
		n += int(h.Entries)
		next := h.Next
		t.pool.Put(buf, mpool.PutPlain)
		pgno = next
	}
	return n, nil
}

func (t *Tree) leftmostLeaf() (page.No, error) {
	const op = "btree.leftmostLeaf"
	pgno := rootPgno
	for {
		buf, err := t.pool.Get(t.fid, pgno, mpool.GetPlain)
		if err != nil {
			return 0, errs.Wrap(op, errs.IO, err)
		}
		h := buf.Page.Header()
		if h.PType == page.BTreeLeaf || h.PType == page.RecnoLeaf {
			t.pool.Put(buf, mpool.PutPlain)
			return pgno, nil
		}
		entries := decodeInternal(buf.Page.Raw, h)
		t.pool.Put(buf, mpool.PutPlain)
		if len(entries) == 0 {
			return 0, errs.New(op, errs.VERIFY_BAD)
		}
		pgno = entries[0].Child
	}
}

func zeroPage(size int) []byte { return make([]byte, size) }
