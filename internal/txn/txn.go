// Package txn implements transactions over the lock manager, log manager
// and buffer pool: begin/commit/abort/prepare with nested parent/child
// trees, checkpointing, and crash recovery.
package txn

import (
	"sync"
	"time"

	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/page"
)

// Flag configures a transaction at Begin time.
type Flag uint8

const (
	FlagNone Flag = 0
	FlagNoSync Flag = 1 << iota
	FlagSnapshot
	FlagReadCommitted
	FlagReadUncommitted
	FlagCDSGroup
)

// Status is a transaction's lifecycle state.
type Status uint8

const (
	StatusActive Status = iota
	StatusPrepared
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPrepared:
		return "prepared"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transaction is one unit of work. Nested transactions share their
// parent's locker id (locks acquired by a child are indistinguishable
// from the parent's to other transactions, and a child and its parent
// never block each other on a lock).
type Transaction struct {
	mu sync.Mutex

	ID     uint64
	Flags  Flag
	Status Status

	Parent   *Transaction
	children []*Transaction

	Locker lockmgr.LockerID

	FirstLSN page.LSN
	LastLSN  page.LSN

	StartTime time.Time

	// openFids records which database files this transaction has touched,
	// needed so a checkpoint can list open fids and recovery knows which
	// files to replay against.
	openFids map[page.Fid]bool
}

func (t *Transaction) markFid(fid page.Fid) {
	t.mu.Lock()
	if t.openFids == nil {
		t.openFids = make(map[page.Fid]bool)
	}
	t.openFids[fid] = true
	t.mu.Unlock()
}

func (t *Transaction) recordLSN(lsn page.LSN) {
	t.mu.Lock()
	if t.FirstLSN.IsZero() {
		t.FirstLSN = lsn
	}
	t.LastLSN = lsn
	t.mu.Unlock()
}

// RecordLSN lets an access method extend a transaction's logged LSN
// range when it writes its own records directly through the log
// manager, without going through Manager.
func (t *Transaction) RecordLSN(lsn page.LSN) { t.recordLSN(lsn) }

// LastRecordedLSN returns the LSN of the last record this transaction
// has logged so far (the zero LSN if none yet), the prev-LSN link the
// next record it logs must carry.
func (t *Transaction) LastRecordedLSN() page.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.LastLSN
}

// MarkFid lets an access method record that a transaction has touched
// fid, so a checkpoint lists it among the transaction's open files.
func (t *Transaction) MarkFid(fid page.Fid) { t.markFid(fid) }

// IsReadOnly reports whether the transaction has written any log records.
func (t *Transaction) IsReadOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.FirstLSN.IsZero()
}
