package kvengine

import (
	"github.com/pkg/errors"

	"github.com/kvengine/core/internal/access/btree"
	"github.com/kvengine/core/internal/access/hash"
	"github.com/kvengine/core/internal/access/palloc"
	"github.com/kvengine/core/internal/access/queue"
	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
)

// Kind names which access method backs a Database.
type Kind int

const (
	KindBTree Kind = iota
	KindHash
	KindQueue
)

// Database is one open file under an Environment, backed by exactly one
// access method.
type Database struct {
	env  *Environment
	kind Kind
	fid  page.Fid
	name string

	btree *btree.Tree
	hash  *hash.Table
	queue *queue.Queue
}

// Cursor enumerates a Database's entries in whatever order its access
// method naturally produces them; btree.Cursor and hash.Cursor both
// satisfy it without modification.
type Cursor interface {
	Next() (key, value []byte, ok bool, err error)
	Close() error
}

func (e *Environment) openStore(name string, fid page.Fid) error {
	const op = "kvengine.openStore"
	store, err := mpool.OpenFileStore(e.cfg.DataDir, fid, e.cfg.PageSize)
	if err != nil {
		return errs.Wrap(op, errs.IO, err)
	}
	e.pool.AddStore(fid, store)
	e.log.Register(fid, name)
	return nil
}

// OpenBTree opens (creating if requested) a B-tree/recno Database.
func (e *Environment) OpenBTree(name string, fid page.Fid, create, dup, recno bool) (*Database, error) {
	const op = "kvengine.OpenBTree"
	if err := e.openStore(name, fid); err != nil {
		return nil, errors.Wrap(err, op)
	}
	cfg := btree.Config{Pool: e.pool, Log: e.log, Locks: e.locks, Fid: fid, PageSize: e.cfg.PageSize, Dup: dup, Recno: recno}
	var tr *btree.Tree
	var err error
	if create {
		tr, err = btree.Create(cfg)
	} else {
		tr = btree.Open(cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	db := &Database{env: e, kind: KindBTree, fid: fid, name: name, btree: tr}
	e.dbs[fid] = db
	return db, nil
}

// OpenHash opens (creating if requested) a hash Database.
func (e *Environment) OpenHash(name string, fid page.Fid, create, dup bool, numBuckets uint32) (*Database, error) {
	const op = "kvengine.OpenHash"
	if err := e.openStore(name, fid); err != nil {
		return nil, errors.Wrap(err, op)
	}
	cfg := hash.Config{Pool: e.pool, Log: e.log, Locks: e.locks, Fid: fid, PageSize: e.cfg.PageSize, NumBuckets: numBuckets, Dup: dup}
	var tb *hash.Table
	var err error
	if create {
		tb, err = hash.Create(cfg)
	} else {
		tb, err = hash.Open(cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	db := &Database{env: e, kind: KindHash, fid: fid, name: name, hash: tb}
	e.dbs[fid] = db
	return db, nil
}

// OpenQueue opens (creating if requested) a fixed-record queue Database.
func (e *Environment) OpenQueue(name string, fid page.Fid, create bool, recLen uint32) (*Database, error) {
	const op = "kvengine.OpenQueue"
	if err := e.openStore(name, fid); err != nil {
		return nil, errors.Wrap(err, op)
	}
	cfg := queue.Config{Pool: e.pool, Log: e.log, Locks: e.locks, Fid: fid, PageSize: e.cfg.PageSize, RecLen: recLen}
	var q *queue.Queue
	var err error
	if create {
		q, err = queue.Create(cfg)
	} else {
		q, err = queue.Open(cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	db := &Database{env: e, kind: KindQueue, fid: fid, name: name, queue: q}
	e.dbs[fid] = db
	return db, nil
}

// Kind reports which access method backs this Database.
func (d *Database) Kind() Kind { return d.kind }

// Queue returns the underlying queue handle; only valid when Kind() ==
// KindQueue, since Append/Consume have no key/value equivalent.
func (d *Database) Queue() *queue.Queue { return d.queue }

// Get looks up key, dispatching to whichever access method this
// Database was opened under.
func (d *Database) Get(tx *txn.Transaction, key []byte) ([]byte, error) {
	const op = "kvengine.Database.Get"
	switch d.kind {
	case KindBTree:
		return d.btree.Get(tx, key)
	case KindHash:
		return d.hash.Get(tx, key)
	default:
		return nil, errs.New(op, errs.INVAL)
	}
}

// Put stores key/value, dispatching to whichever access method this
// Database was opened under.
func (d *Database) Put(tx *txn.Transaction, key, value []byte) error {
	const op = "kvengine.Database.Put"
	switch d.kind {
	case KindBTree:
		return d.btree.Put(tx, key, value)
	case KindHash:
		return d.hash.Put(tx, key, value)
	default:
		return errs.New(op, errs.INVAL)
	}
}

// Del removes key.
func (d *Database) Del(tx *txn.Transaction, key []byte) error {
	const op = "kvengine.Database.Del"
	switch d.kind {
	case KindBTree:
		return d.btree.Del(tx, key)
	case KindHash:
		return d.hash.Del(tx, key)
	default:
		return errs.New(op, errs.INVAL)
	}
}

// Count returns the number of entries currently stored.
func (d *Database) Count() (int, error) {
	const op = "kvengine.Database.Count"
	switch d.kind {
	case KindBTree:
		return d.btree.Count()
	case KindHash:
		return d.hash.Count()
	default:
		return 0, errs.New(op, errs.INVAL)
	}
}

// NewCursor opens an iteration cursor; only valid for KindBTree/KindHash.
func (d *Database) NewCursor(tx *txn.Transaction) (Cursor, error) {
	const op = "kvengine.Database.NewCursor"
	switch d.kind {
	case KindBTree:
		return d.btree.NewCursor(tx), nil
	case KindHash:
		return d.hash.NewCursor(tx), nil
	default:
		return nil, errs.New(op, errs.INVAL)
	}
}

// compositeRedoer tries the page allocator and every access method in
// turn against each log record, since none of them understand another's
// payload format; the first one that recognizes a record (via its own
// Kind tag) handles it.
type compositeRedoer struct {
	env *Environment
}

func (r *compositeRedoer) Redo(rec logmgr.Record) error {
	for fid := range r.env.dbs {
		if handled, err := palloc.Redo(r.env.pool, fid, rec); handled {
			return err
		}
		if handled, err := btree.Redo(r.env.pool, fid, rec); handled {
			return err
		}
		if handled, err := hash.Redo(r.env.pool, fid, rec); handled {
			return err
		}
		if handled, err := queue.Redo(r.env.pool, fid, rec); handled {
			return err
		}
	}
	return nil
}

func (r *compositeRedoer) Undo(rec logmgr.Record) error {
	for fid := range r.env.dbs {
		if handled, err := palloc.Undo(r.env.pool, fid, rec); handled {
			return err
		}
		if handled, err := btree.Undo(r.env.pool, fid, rec); handled {
			return err
		}
		if handled, err := hash.Undo(r.env.pool, fid, rec); handled {
			return err
		}
		if handled, err := queue.Undo(r.env.pool, fid, rec); handled {
			return err
		}
	}
	return nil
}
