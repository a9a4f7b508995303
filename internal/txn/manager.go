package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/logging"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
)

// Config configures a Manager.
type Config struct {
	Locks *lockmgr.Manager
	Log   *logmgr.Manager
	Pool  *mpool.Pool

	// Undoer reverses a transaction's own logged page mutations when it
	// aborts live, walking the same prev-LSN chain crash recovery walks
	// for a transaction that never reached Commit. It is the same Redoer
	// the access-method layer registers for Recover.
	Undoer Redoer

	TxnTimeout time.Duration
}

// Manager tracks every active transaction in one environment and drives
// begin/commit/abort, checkpoint and recovery.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	active map[uint64]*Transaction
	nextID uint64

	lastCheckpoint page.LSN
	checkpointMu   sync.Mutex
}

// New creates a transaction manager bound to the given lock manager, log
// manager and buffer pool.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		active: make(map[uint64]*Transaction),
	}
}

// Begin starts a new transaction. If parent is non-nil the new
// transaction is a nested child: it shares the parent's locker id (its
// locks are indistinguishable from the parent's to the rest of the
// system) and its commit/abort is deferred to the parent's.
func (m *Manager) Begin(parent *Transaction, flags Flag) *Transaction {
	id := atomic.AddUint64(&m.nextID, 1)

	txn := &Transaction{
		ID:        id,
		Flags:     flags,
		Status:    StatusActive,
		Parent:    parent,
		StartTime: time.Now(),
	}
	if parent != nil {
		txn.Locker = parent.Locker
		parent.mu.Lock()
		parent.children = append(parent.children, txn)
		parent.mu.Unlock()
	} else if m.cfg.Locks != nil {
		txn.Locker = m.cfg.Locks.ID()
	}

	m.mu.Lock()
	m.active[id] = txn
	m.mu.Unlock()
	return txn
}

// logTerminal appends the transaction's terminal record and returns
// its LSN, or ZeroLSN for a read-only transaction (nothing to log).
func (m *Manager) logTerminal(txn *Transaction, recType logmgr.RecordType) (page.LSN, error) {
	if m.cfg.Log == nil || txn.IsReadOnly() {
		return page.ZeroLSN, nil
	}
	payload := encodeTerminal(txn)
	lsn, err := m.cfg.Log.Put(recType, payload)
	if err != nil {
		return page.LSN{}, errs.Wrap("txn.logTerminal", errs.IO, err)
	}
	txn.recordLSN(lsn)
	return lsn, nil
}

// Commit finalizes txn. A child transaction's locks and log records are
// folded into its parent rather than released or made durable on their
// own; only a top-level commit syncs the log and releases locks.
func (m *Manager) Commit(txn *Transaction) error {
	const op = "txn.Commit"
	txn.mu.Lock()
	if txn.Status != StatusActive && txn.Status != StatusPrepared {
		txn.mu.Unlock()
		return errs.New(op, errs.INVAL)
	}
	txn.Status = StatusCommitted
	txn.mu.Unlock()

	if txn.Parent != nil {
		parent := txn.Parent
		parent.mu.Lock()
		if parent.FirstLSN.IsZero() {
			parent.FirstLSN = txn.FirstLSN
		}
		if !txn.LastLSN.IsZero() && parent.LastLSN.Less(txn.LastLSN) {
			parent.LastLSN = txn.LastLSN
		}
		parent.mu.Unlock()
		m.forget(txn)
		return nil
	}

	lsn, err := m.logTerminal(txn, logmgr.RecCommit)
	if err != nil {
		return err
	}
	if m.cfg.Log != nil && txn.Flags&FlagNoSync == 0 && !lsn.IsZero() {
		if err := m.cfg.Log.Flush(lsn); err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
	}
	m.releaseLocks(txn)
	m.forget(txn)
	logging.Debugf("txn %d committed at %v", txn.ID, lsn)
	return nil
}

// Abort rolls back txn: it walks txn's own prev-LSN chain backward,
// undoing each logged page mutation through the access-method Redoer
// registered as Undoer, before logging the abort record (for a
// top-level transaction) and releasing locks.
func (m *Manager) Abort(txn *Transaction) error {
	const op = "txn.Abort"
	txn.mu.Lock()
	if txn.Status != StatusActive && txn.Status != StatusPrepared {
		txn.mu.Unlock()
		return errs.New(op, errs.INVAL)
	}
	txn.Status = StatusAborted
	txn.mu.Unlock()

	if err := m.undoChain(m.cfg.Undoer, txn.LastRecordedLSN()); err != nil {
		return errs.Wrap(op, errs.IO, err)
	}

	if txn.Parent != nil {
		m.forget(txn)
		return nil
	}

	if _, err := m.logTerminal(txn, logmgr.RecAbort); err != nil {
		return err
	}
	m.releaseLocks(txn)
	m.forget(txn)
	logging.Debugf("txn %d aborted", txn.ID)
	return nil
}

// Prepare marks txn ready to commit in a two-phase protocol, durably
// logging its prepare record so recovery can resolve it one way or the
// other after a crash between Prepare and Commit.
func (m *Manager) Prepare(txn *Transaction) error {
	const op = "txn.Prepare"
	txn.mu.Lock()
	if txn.Status != StatusActive {
		txn.mu.Unlock()
		return errs.New(op, errs.INVAL)
	}
	txn.Status = StatusPrepared
	txn.mu.Unlock()

	lsn, err := m.logTerminal(txn, logmgr.RecPrepare)
	if err != nil {
		return err
	}
	if m.cfg.Log != nil && !lsn.IsZero() {
		if err := m.cfg.Log.Flush(lsn); err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
	}
	return nil
}

func (m *Manager) releaseLocks(txn *Transaction) {
	if m.cfg.Locks != nil && txn.Locker != 0 {
		m.cfg.Locks.IDFree(txn.Locker)
	}
}

func (m *Manager) forget(txn *Transaction) {
	m.mu.Lock()
	delete(m.active, txn.ID)
	m.mu.Unlock()
}

// Active returns a snapshot of every currently active top-level
// transaction (used by Checkpoint).
func (m *Manager) Active() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Transaction, 0, len(m.active))
	for _, t := range m.active {
		if t.Parent == nil {
			out = append(out, t)
		}
	}
	return out
}

// Get returns the active transaction with the given id, or nil.
func (m *Manager) Get(id uint64) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// BeginCtx is a convenience wrapper for callers that want Begin to
// respect cancellation of an outer context before it even starts
// (Begin itself never blocks, but callers composing it with a lock Get
// benefit from a uniform signature).
func (m *Manager) BeginCtx(ctx context.Context, parent *Transaction, flags Flag) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap("txn.BeginCtx", errs.INVAL, err)
	}
	return m.Begin(parent, flags), nil
}
