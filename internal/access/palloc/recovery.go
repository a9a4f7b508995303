package palloc

import (
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
)

// Redo applies rec if it is an ALLOC/FREE record belonging to fid,
// matching the (handled bool, err error) shape of every access
// method's own Redo so a composite dispatcher can try each in turn.
func Redo(pool *mpool.Pool, fid page.Fid, rec logmgr.Record) (handled bool, err error) {
	if rec.Type != logmgr.RecGeneric {
		return false, nil
	}
	_, _, payload, ok := txn.PeekTxnID(rec.Payload)
	if !ok {
		return false, nil
	}
	recFid, _, _, ok := DecodeAllocRecord(payload)
	if !ok || recFid != fid {
		return false, nil
	}
	a := Open(pool, nil, fid, 0)
	return true, a.RedoPayload(payload)
}

// Undo reverses rec the same way Redo recognizes it.
func Undo(pool *mpool.Pool, fid page.Fid, rec logmgr.Record) (handled bool, err error) {
	if rec.Type != logmgr.RecGeneric {
		return false, nil
	}
	_, _, payload, ok := txn.PeekTxnID(rec.Payload)
	if !ok {
		return false, nil
	}
	recFid, _, _, ok := DecodeAllocRecord(payload)
	if !ok || recFid != fid {
		return false, nil
	}
	a := Open(pool, nil, fid, 0)
	return true, a.UndoPayload(payload)
}
