package txn

import (
	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/logging"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/page"
)

// Redoer lets the access-method layer participate in recovery without
// the txn package needing to understand page formats: Redo reapplies a
// logged change unconditionally (ARIES-style repeat history), Undo
// reverses a change belonging to a transaction that never committed.
type Redoer interface {
	Redo(rec logmgr.Record) error
	Undo(rec logmgr.Record) error
}

// undoChain walks backward from lastLSN along each record's own prev-LSN
// link, calling redoer.Undo on every page-mutation record it passes
// through, until the chain reaches its root (a zero prev-LSN). Both a
// live Abort and crash recovery's undo pass share this walk, since the
// chain format doesn't distinguish why the transaction never committed.
func (m *Manager) undoChain(redoer Redoer, lastLSN page.LSN) error {
	const op = "txn.undoChain"
	if redoer == nil || lastLSN.IsZero() || m.cfg.Log == nil {
		return nil
	}

	cur := m.cfg.Log.NewCursor()
	at := lastLSN
	for !at.IsZero() {
		rec, err := cur.Get(logmgr.CursorSet, at)
		if err != nil {
			return errs.Wrap(op, errs.IO, err)
		}
		switch rec.Type {
		case logmgr.RecCommit, logmgr.RecAbort, logmgr.RecPrepare:
			_, prev, ok := decodeTerminal(rec.Payload)
			if !ok {
				return errs.New(op, errs.VERIFY_BAD)
			}
			at = prev
		default:
			_, prev, _, ok := PeekTxnID(rec.Payload)
			if !ok {
				return errs.New(op, errs.VERIFY_BAD)
			}
			if err := redoer.Undo(rec); err != nil {
				return errs.Wrap(op, errs.IO, err)
			}
			at = prev
		}
	}
	return nil
}

// Recover scans the log backward to find the most recent usable
// checkpoint, redoes forward from there, then undoes backward — along
// each transaction's own prev-LSN chain — any transaction that was
// neither committed nor aborted by the end of the log. It is a no-op on
// an empty log.
func (m *Manager) Recover(redoer Redoer) error {
	const op = "txn.Recover"
	if m.cfg.Log == nil {
		return nil
	}

	startLSN, err := m.findRedoStart()
	if err != nil {
		if errs.KindOf(err) == errs.NOTFOUND {
			logging.Infof("txn: recovery found an empty log, nothing to do")
			return nil
		}
		return err
	}

	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)
	lastSeen := make(map[uint64]page.LSN)
	var nGeneric int

	cur := m.cfg.Log.NewCursor()
	rec, err := cur.Get(logmgr.CursorSet, startLSN)
	for err == nil {
		switch rec.Type {
		case logmgr.RecCommit:
			if id, ok := decodeTerminalTxnID(rec.Payload); ok {
				committed[id] = true
			}
		case logmgr.RecAbort:
			if id, ok := decodeTerminalTxnID(rec.Payload); ok {
				aborted[id] = true
			}
		case logmgr.RecCheckpoint, logmgr.RecPrepare:
			// no redo action; a prepared-but-unresolved transaction is
			// treated as uncommitted below, a conservative choice 2PC
			// coordinators can override by resolving it before Recover runs.
		default:
			if redoer != nil {
				if err := redoer.Redo(rec); err != nil {
					return errs.Wrap(op, errs.IO, err)
				}
			}
			if id, _, _, ok := PeekTxnID(rec.Payload); ok {
				lastSeen[id] = rec.LSN
			}
			nGeneric++
		}
		rec, err = cur.Get(logmgr.CursorNext, page.LSN{})
	}

	nUndone := 0
	if redoer != nil {
		for id, lastLSN := range lastSeen {
			if committed[id] || aborted[id] {
				continue
			}
			if err := m.undoChain(redoer, lastLSN); err != nil {
				return errs.Wrap(op, errs.IO, err)
			}
			nUndone++
		}
	}

	logging.Infof("txn: recovery complete from %v (%d generic records, %d committed, %d transactions undone)",
		startLSN, nGeneric, len(committed), nUndone)
	return nil
}

// findRedoStart locates the earliest LSN redo must start from: the
// oldest FirstLSN among transactions still active at the last checkpoint,
// or the checkpoint's own LSN if none were active, or the very first
// record in the log if no checkpoint exists yet.
func (m *Manager) findRedoStart() (page.LSN, error) {
	const op = "txn.findRedoStart"
	cur := m.cfg.Log.NewCursor()

	rec, err := cur.Get(logmgr.CursorLast, page.LSN{})
	if err != nil {
		return page.LSN{}, err
	}

	for {
		if rec.Type == logmgr.RecCheckpoint {
			info, err := decodeCheckpoint(rec.Payload)
			if err != nil {
				return page.LSN{}, errs.Wrap(op, errs.VERIFY_BAD, err)
			}
			start := rec.LSN
			for _, t := range info.ActiveTxns {
				if t.FirstLSN.Less(start) {
					start = t.FirstLSN
				}
			}
			return start, nil
		}
		rec, err = cur.Get(logmgr.CursorPrev, page.LSN{})
		if err != nil {
			break
		}
	}

	first, err := cur.Get(logmgr.CursorFirst, page.LSN{})
	if err != nil {
		return page.LSN{}, err
	}
	return first.LSN, nil
}
