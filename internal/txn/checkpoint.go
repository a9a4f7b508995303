package txn

import (
	"encoding/binary"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/logging"
	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/page"
)

// CheckpointInfo is a decoded CHECKPOINT record: recovery's starting
// point for redo, and the exact set of transactions still active (and
// files still open) when the checkpoint was taken.
type CheckpointInfo struct {
	ActiveTxns []ActiveTxnInfo
	OpenFids   []page.Fid
}

// ActiveTxnInfo is one transaction's state as captured in a checkpoint:
// redo must not skip anything at or after FirstLSN for a transaction
// still active when the checkpoint was written.
type ActiveTxnInfo struct {
	ID       uint64
	FirstLSN page.LSN
}

func encodeLSN(buf []byte, lsn page.LSN) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[0:4], lsn.File)
	binary.LittleEndian.PutUint32(tmp[4:8], lsn.Offset)
	return append(buf, tmp[:]...)
}

func decodeLSN(buf []byte) (page.LSN, []byte) {
	lsn := page.LSN{
		File:   binary.LittleEndian.Uint32(buf[0:4]),
		Offset: binary.LittleEndian.Uint32(buf[4:8]),
	}
	return lsn, buf[8:]
}

func encodeCheckpoint(info CheckpointInfo) []byte {
	buf := make([]byte, 0, 64)
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(len(info.ActiveTxns)))
	buf = append(buf, tmp[:n]...)
	for _, t := range info.ActiveTxns {
		n := binary.PutUvarint(tmp[:], t.ID)
		buf = append(buf, tmp[:n]...)
		buf = encodeLSN(buf, t.FirstLSN)
	}

	n = binary.PutUvarint(tmp[:], uint64(len(info.OpenFids)))
	buf = append(buf, tmp[:n]...)
	for _, fid := range info.OpenFids {
		buf = append(buf, fid[:]...)
	}
	return buf
}

func decodeCheckpoint(buf []byte) (CheckpointInfo, error) {
	const op = "txn.decodeCheckpoint"
	var info CheckpointInfo

	numTxns, n := binary.Uvarint(buf)
	if n <= 0 {
		return info, errs.New(op, errs.VERIFY_BAD)
	}
	buf = buf[n:]
	for i := uint64(0); i < numTxns; i++ {
		id, n := binary.Uvarint(buf)
		if n <= 0 {
			return info, errs.New(op, errs.VERIFY_BAD)
		}
		buf = buf[n:]
		if len(buf) < 8 {
			return info, errs.New(op, errs.VERIFY_BAD)
		}
		var lsn page.LSN
		lsn, buf = decodeLSN(buf)
		info.ActiveTxns = append(info.ActiveTxns, ActiveTxnInfo{ID: id, FirstLSN: lsn})
	}

	numFids, n := binary.Uvarint(buf)
	if n <= 0 {
		return info, errs.New(op, errs.VERIFY_BAD)
	}
	buf = buf[n:]
	for i := uint64(0); i < numFids; i++ {
		if len(buf) < len(page.Fid{}) {
			return info, errs.New(op, errs.VERIFY_BAD)
		}
		var fid page.Fid
		copy(fid[:], buf[:len(fid)])
		buf = buf[len(fid):]
		info.OpenFids = append(info.OpenFids, fid)
	}
	return info, nil
}

// Checkpoint syncs every dirty buffer through the log's current tail
// (honoring WAL, handled inside Pool.Sync), then writes a CHECKPOINT
// record naming every still-active transaction and open file so recovery
// knows where it may safely start redo.
func (m *Manager) Checkpoint() (page.LSN, error) {
	const op = "txn.Checkpoint"
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()

	if m.cfg.Pool != nil {
		if err := m.cfg.Pool.Sync(nil); err != nil {
			return page.LSN{}, errs.Wrap(op, errs.IO, err)
		}
	}

	info := CheckpointInfo{}
	fidSet := make(map[page.Fid]bool)
	for _, t := range m.Active() {
		t.mu.Lock()
		if !t.FirstLSN.IsZero() {
			info.ActiveTxns = append(info.ActiveTxns, ActiveTxnInfo{ID: t.ID, FirstLSN: t.FirstLSN})
		}
		for fid := range t.openFids {
			fidSet[fid] = true
		}
		t.mu.Unlock()
	}
	for fid := range fidSet {
		info.OpenFids = append(info.OpenFids, fid)
	}

	if m.cfg.Log == nil {
		return page.LSN{}, nil
	}
	lsn, err := m.cfg.Log.Put(logmgr.RecCheckpoint, encodeCheckpoint(info))
	if err != nil {
		return page.LSN{}, errs.Wrap(op, errs.IO, err)
	}
	if err := m.cfg.Log.Flush(lsn); err != nil {
		return page.LSN{}, errs.Wrap(op, errs.IO, err)
	}

	m.lastCheckpoint = lsn
	logging.Infof("txn: checkpoint at %v (%d active txns, %d open fids)", lsn, len(info.ActiveTxns), len(info.OpenFids))
	return lsn, nil
}

// LastCheckpoint returns the LSN of the most recent checkpoint this
// manager has written, or ZeroLSN if none yet.
func (m *Manager) LastCheckpoint() page.LSN {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()
	return m.lastCheckpoint
}
