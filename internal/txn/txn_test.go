package txn

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvengine/core/internal/lockmgr"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/page"
)

func testCtx() context.Context { return context.Background() }

func newTestDeps(t *testing.T) (*lockmgr.Manager, *logmgr.Manager) {
	t.Helper()
	dir, err := os.MkdirTemp("", "txn-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	lm := lockmgr.New(lockmgr.Config{})
	logm, err := logmgr.Open(logmgr.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { logm.Close() })
	return lm, logm
}

func TestBeginCommitReleasesLocks(t *testing.T) {
	lm, logm := newTestDeps(t)
	mgr := New(Config{Locks: lm, Log: logm})

	txn := mgr.Begin(nil, FlagNone)
	require.Equal(t, StatusActive, txn.Status)

	_, err := lm.Get(testCtx(), txn.Locker, "page.1", lockmgr.Write)
	require.NoError(t, err)

	_, err = logm.Put(logmgr.RecGeneric, EncodeWithTxnID(txn.ID, page.LSN{}, []byte("change")))
	require.NoError(t, err)
	txn.recordLSN(logm.DurableLSN())

	require.NoError(t, mgr.Commit(txn))
	require.Equal(t, StatusCommitted, txn.Status)

	other := lm.ID()
	_, err = lm.Get(testCtx(), other, "page.1", lockmgr.Write)
	require.NoError(t, err, "committed transaction's locks must be released")
}

func TestNestedCommitFoldsIntoParent(t *testing.T) {
	lm, logm := newTestDeps(t)
	mgr := New(Config{Locks: lm, Log: logm})

	parent := mgr.Begin(nil, FlagNone)
	child := mgr.Begin(parent, FlagNone)
	require.Equal(t, parent.Locker, child.Locker)

	_, err := logm.Put(logmgr.RecGeneric, EncodeWithTxnID(child.ID, page.LSN{}, []byte("x")))
	require.NoError(t, err)
	child.recordLSN(logm.DurableLSN())

	require.NoError(t, mgr.Commit(child))
	require.False(t, parent.FirstLSN.IsZero(), "child's LSN range should fold into parent")

	require.NoError(t, mgr.Commit(parent))
}

func TestCheckpointRecordsActiveTxns(t *testing.T) {
	lm, logm := newTestDeps(t)
	mgr := New(Config{Locks: lm, Log: logm})

	txn := mgr.Begin(nil, FlagNone)
	lsn, err := logm.Put(logmgr.RecGeneric, EncodeWithTxnID(txn.ID, page.LSN{}, []byte("x")))
	require.NoError(t, err)
	txn.recordLSN(lsn)

	ckLSN, err := mgr.Checkpoint()
	require.NoError(t, err)
	require.False(t, ckLSN.IsZero())
	require.Equal(t, ckLSN, mgr.LastCheckpoint())
}

type fakeRedoer struct {
	redone []logmgr.Record
	undone []logmgr.Record
}

func (f *fakeRedoer) Redo(rec logmgr.Record) error {
	f.redone = append(f.redone, rec)
	return nil
}
func (f *fakeRedoer) Undo(rec logmgr.Record) error {
	f.undone = append(f.undone, rec)
	return nil
}

func TestRecoverRedoesAllUndoesUncommitted(t *testing.T) {
	lm, logm := newTestDeps(t)
	mgr := New(Config{Locks: lm, Log: logm})

	committed := mgr.Begin(nil, FlagNone)
	lsn1, err := logm.Put(logmgr.RecGeneric, EncodeWithTxnID(committed.ID, page.LSN{}, []byte("committed-change")))
	require.NoError(t, err)
	committed.recordLSN(lsn1)
	require.NoError(t, mgr.Commit(committed))

	uncommitted := mgr.Begin(nil, FlagNone)
	lsn2, err := logm.Put(logmgr.RecGeneric, EncodeWithTxnID(uncommitted.ID, page.LSN{}, []byte("uncommitted-change")))
	require.NoError(t, err)
	uncommitted.recordLSN(lsn2)
	require.NoError(t, logm.Flush(lsn2))
	// simulate a crash: uncommitted never reaches Commit/Abort.

	redoer := &fakeRedoer{}
	require.NoError(t, mgr.Recover(redoer))

	require.Len(t, redoer.redone, 2)
	require.Len(t, redoer.undone, 1)
	id, _, _, ok := PeekTxnID(redoer.undone[0].Payload)
	require.True(t, ok)
	require.Equal(t, uncommitted.ID, id)
}

// TestRecoverWalksMultiRecordChain exercises an uncommitted transaction
// that logged more than one record, confirming Recover's undo walks the
// prev-LSN chain back through every one of them rather than only the
// last.
func TestRecoverWalksMultiRecordChain(t *testing.T) {
	lm, logm := newTestDeps(t)
	mgr := New(Config{Locks: lm, Log: logm})

	uncommitted := mgr.Begin(nil, FlagNone)
	lsn1, err := logm.Put(logmgr.RecGeneric, EncodeWithTxnID(uncommitted.ID, page.LSN{}, []byte("first")))
	require.NoError(t, err)
	uncommitted.recordLSN(lsn1)
	lsn2, err := logm.Put(logmgr.RecGeneric, EncodeWithTxnID(uncommitted.ID, uncommitted.LastRecordedLSN(), []byte("second")))
	require.NoError(t, err)
	uncommitted.recordLSN(lsn2)
	require.NoError(t, logm.Flush(lsn2))
	// simulate a crash: uncommitted never reaches Commit/Abort.

	redoer := &fakeRedoer{}
	require.NoError(t, mgr.Recover(redoer))

	require.Len(t, redoer.undone, 2, "both of the uncommitted transaction's records must be undone")
	require.Equal(t, lsn2, redoer.undone[0].LSN, "undo walks newest-to-oldest")
	require.Equal(t, lsn1, redoer.undone[1].LSN)
}

// TestAbortUndoesOwnChain exercises a live (non-crash) Abort: every
// record the transaction logged must be undone through its Undoer
// before the abort record is written.
func TestAbortUndoesOwnChain(t *testing.T) {
	lm, logm := newTestDeps(t)
	redoer := &fakeRedoer{}
	mgr := New(Config{Locks: lm, Log: logm, Undoer: redoer})

	txn := mgr.Begin(nil, FlagNone)
	_, err := lm.Get(testCtx(), txn.Locker, "page.1", lockmgr.Write)
	require.NoError(t, err)

	lsn1, err := logm.Put(logmgr.RecGeneric, EncodeWithTxnID(txn.ID, page.LSN{}, []byte("first")))
	require.NoError(t, err)
	txn.recordLSN(lsn1)
	lsn2, err := logm.Put(logmgr.RecGeneric, EncodeWithTxnID(txn.ID, txn.LastRecordedLSN(), []byte("second")))
	require.NoError(t, err)
	txn.recordLSN(lsn2)

	require.NoError(t, mgr.Abort(txn))
	require.Equal(t, StatusAborted, txn.Status)

	require.Len(t, redoer.undone, 2, "Abort must undo every record the transaction logged")
	require.Equal(t, lsn2, redoer.undone[0].LSN, "undo walks newest-to-oldest")
	require.Equal(t, lsn1, redoer.undone[1].LSN)

	other := lm.ID()
	_, err = lm.Get(testCtx(), other, "page.1", lockmgr.Write)
	require.NoError(t, err, "aborted transaction's locks must be released")
}
