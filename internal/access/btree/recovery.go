package btree

import (
	"github.com/kvengine/core/internal/access/amrec"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/txn"
)

// Redo applies rec if it is a btree page-image record belonging to fid,
// reporting handled=false so a composite dispatcher serving several
// access methods can try the next candidate decoder instead.
func Redo(pool *mpool.Pool, fid page.Fid, rec logmgr.Record) (handled bool, err error) {
	if rec.Type != logmgr.RecGeneric {
		return false, nil
	}
	_, _, payload, ok := txn.PeekTxnID(rec.Payload)
	if !ok {
		return false, nil
	}
	img, ok := amrec.Decode(payload)
	if !ok || img.Kind != amrec.KindBTree || img.Fid != fid {
		return false, nil
	}
	return true, amrec.Redo(pool, fid, img, rec.LSN)
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
	img, ok := amrec.Decode(payload)
	if !ok || img.Kind != amrec.KindBTree || img.Fid != fid {
		return false, nil
	}
	return true, amrec.Undo(pool, fid, img)
}
