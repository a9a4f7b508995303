package txn

import (
	"encoding/binary"

	"github.com/kvengine/core/internal/page"
)

// lsnFieldSize is the on-disk width of a prev-LSN link: a file number and
// a byte offset, each a plain uint32 (no varint needed, since the field
// is fixed-width and must be easy to skip over without fully decoding it).
const lsnFieldSize = 8

func putLSN(buf []byte, lsn page.LSN) []byte {
	var tmp [lsnFieldSize]byte
	binary.LittleEndian.PutUint32(tmp[0:4], lsn.File)
	binary.LittleEndian.PutUint32(tmp[4:8], lsn.Offset)
	return append(buf, tmp[:]...)
}

func getLSN(buf []byte) (lsn page.LSN, rest []byte, ok bool) {
	if len(buf) < lsnFieldSize {
		return page.LSN{}, nil, false
	}
	lsn = page.LSN{
		File:   binary.LittleEndian.Uint32(buf[0:4]),
		Offset: binary.LittleEndian.Uint32(buf[4:8]),
	}
	return lsn, buf[lsnFieldSize:], true
}

// encodeTerminal builds the payload for a commit/abort/prepare record: the
// transaction id and the prev-LSN link back to the last record this
// transaction logged before reaching its terminal state, enough for
// recovery and live Abort to walk the chain backward without needing to
// understand any access-method-specific data.
func encodeTerminal(txn *Transaction) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+lsnFieldSize)
	var idBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(idBuf[:], txn.ID)
	buf = append(buf, idBuf[:n]...)
	return putLSN(buf, txn.LastRecordedLSN())
}

// decodeTerminal reads back the transaction id and prev-LSN written by
// encodeTerminal.
func decodeTerminal(payload []byte) (txnID uint64, prevLSN page.LSN, ok bool) {
	id, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, page.LSN{}, false
	}
	prevLSN, _, ok = getLSN(payload[n:])
	if !ok {
		return 0, page.LSN{}, false
	}
	return id, prevLSN, true
}

// decodeTerminalTxnID is a convenience accessor for callers that only
// need the id, not the chain link.
func decodeTerminalTxnID(payload []byte) (uint64, bool) {
	id, _, ok := decodeTerminal(payload)
	return id, ok
}

// EncodeWithTxnID prefixes an access-method page-update payload with its
// owning transaction's id and the prev-LSN link to that transaction's
// previously logged record, the convention every RecGeneric record must
// follow so recovery and a live Abort can walk a transaction's chain
// backward without understanding the rest of the payload.
func EncodeWithTxnID(txnID uint64, prevLSN page.LSN, rest []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+lsnFieldSize+len(rest))
	var idBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(idBuf[:], txnID)
	buf = append(buf, idBuf[:n]...)
	buf = putLSN(buf, prevLSN)
	return append(buf, rest...)
}

// PeekTxnID extracts the leading transaction id and prev-LSN link an
// access method wrote with EncodeWithTxnID, returning the remaining
// payload bytes.
func PeekTxnID(payload []byte) (txnID uint64, prevLSN page.LSN, rest []byte, ok bool) {
	id, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, page.LSN{}, nil, false
	}
	prevLSN, rest, ok = getLSN(payload[n:])
	if !ok {
		return 0, page.LSN{}, nil, false
	}
	return id, prevLSN, rest, true
}
