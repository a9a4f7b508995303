package logmgr

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/page"
)

// RecordType tags the kind of log record, distinguishing the records
// transaction/recovery logic must recognize by name from opaque
// access-method payloads.
type RecordType uint8

const (
	RecGeneric RecordType = iota
	RecCommit
	RecAbort
	RecCheckpoint
	RecPrepare
)

// recordHeaderSize is length(4) + type(1) + flags(1) preceding the
// payload; a trailing 4-byte checksum follows the payload.
const recordHeaderSize = 4 + 1 + 1
const recordTrailerSize = 4

// flagCompressed marks a payload lz4-compressed on disk, carrying its
// own 4-byte original length ahead of the compressed block.
const flagCompressed byte = 1 << 0

// compressThreshold is the largest payload encodeRecord stores without
// trying to compress it; at or below it lz4's block overhead isn't worth
// paying.
const compressThreshold = 256

// Record is one decoded log record.
type Record struct {
	LSN     page.LSN
	Type    RecordType
	Payload []byte
}

// encodeRecord returns the on-disk bytes for one record: length-prefixed,
// checksummed, so a torn write at the tail of a file is detectable.
// Payloads past compressThreshold are lz4-compressed when that actually
// shrinks them; large access-method page images are the common case.
func encodeRecord(recType RecordType, payload []byte) []byte {
	stored := payload
	flags := byte(0)
	if len(payload) > compressThreshold {
		if compressed, ok := compressPayload(payload); ok {
			stored = compressed
			flags |= flagCompressed
		}
	}

	total := recordHeaderSize + len(stored) + recordTrailerSize
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(stored)))
	buf[4] = byte(recType)
	buf[5] = flags
	copy(buf[recordHeaderSize:], stored)
	sum := page.Checksum32(buf[:recordHeaderSize+len(stored)])
	binary.LittleEndian.PutUint32(buf[recordHeaderSize+len(stored):], sum)
	return buf
}

// compressPayload lz4-block-compresses payload, prefixing the result
// with its original length so decodeRecord can size the output buffer.
// It reports ok=false when compression doesn't beat storing raw.
func compressPayload(payload []byte) (out []byte, ok bool) {
	bound := lz4.CompressBlockBound(len(payload))
	dst := make([]byte, 4+bound)
	binary.LittleEndian.PutUint32(dst[:4], uint32(len(payload)))

	var c lz4.Compressor
	n, err := c.CompressBlock(payload, dst[4:])
	if err != nil || n == 0 || 4+n >= len(payload) {
		return nil, false
	}
	return dst[:4+n], true
}

// decodeRecord reads one record starting at buf[0], returning it and the
// number of bytes it occupied.
func decodeRecord(buf []byte) (Record, int, error) {
	const op = "logmgr.decodeRecord"
	if len(buf) < recordHeaderSize {
		return Record{}, 0, errs.New(op, errs.IO)
	}
	length := binary.LittleEndian.Uint32(buf[0:4])
	recType := RecordType(buf[4])
	flags := buf[5]
	total := recordHeaderSize + int(length) + recordTrailerSize
	if len(buf) < total {
		return Record{}, 0, errs.New(op, errs.IO)
	}
	stored := buf[recordHeaderSize : recordHeaderSize+int(length)]
	wantSum := binary.LittleEndian.Uint32(buf[recordHeaderSize+int(length):])
	gotSum := page.Checksum32(buf[:recordHeaderSize+int(length)])
	if wantSum != gotSum {
		return Record{}, 0, errs.New(op, errs.VERIFY_BAD)
	}

	payload := stored
	if flags&flagCompressed != 0 {
		decoded, err := decompressPayload(stored)
		if err != nil {
			return Record{}, 0, errs.Wrap(op, errs.VERIFY_BAD, err)
		}
		payload = decoded
	}
	return Record{Type: recType, Payload: payload}, total, nil
}

func decompressPayload(stored []byte) ([]byte, error) {
	const op = "logmgr.decompressPayload"
	if len(stored) < 4 {
		return nil, errs.New(op, errs.IO)
	}
	origLen := binary.LittleEndian.Uint32(stored[:4])
	dst := make([]byte, origLen)
	n, err := lz4.UncompressBlock(stored[4:], dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
