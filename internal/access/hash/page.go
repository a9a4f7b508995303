package hash

import (
	"bytes"
	"encoding/binary"

	"github.com/kvengine/core/internal/page"
)

// entry is one key/value pair living on a bucket or overflow page. Large
// values spill to an overflow chain exactly as in the btree access
// method, tagged the same way (length prefix or OvflHead).
type entry struct {
	Key      []byte
	Value    []byte
	Overflow bool
	OvflHead page.No
}

func overflowThreshold(pageSize int) int {
	return (pageSize - page.HeaderSize) / 4
}

// encodeBucket writes entries into raw's payload using the same
// directory-plus-cells layout the btree leaf page uses, returning false
// if they don't fit.
func encodeBucket(raw []byte, h page.Header, entries []entry) bool {
	cap := len(raw) - page.HeaderSize
	cells := make([][]byte, len(entries))
	total := 0
	for i, e := range entries {
		cell := encodeCell(e)
		cells[i] = cell
		total += len(cell)
	}
	if total+2*len(entries) > cap {
		return false
	}

	payload := raw[page.HeaderSize:]
	off := 2 * len(entries)
	for i, cell := range cells {
		binary.LittleEndian.PutUint16(payload[i*2:i*2+2], uint16(off))
		copy(payload[off:off+len(cell)], cell)
		off += len(cell)
	}
	for i := off; i < len(payload); i++ {
		payload[i] = 0
	}

	h.Entries = uint16(len(entries))
	h.HighFreeOffst = uint16(off)
	page.EncodeHeader(raw, h)
	return true
}

func encodeCell(e entry) []byte {
	buf := make([]byte, 0, 2+len(e.Key)+5+len(e.Value))
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(e.Key)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, e.Key...)
	if e.Overflow {
		buf = append(buf, 1)
		binary.LittleEndian.PutUint32(tmp[:], uint32(e.OvflHead))
		buf = append(buf, tmp[:]...)
	} else {
		buf = append(buf, 0)
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(e.Value)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, e.Value...)
	}
	return buf
}

func decodeBucket(raw []byte, h page.Header) []entry {
	payload := raw[page.HeaderSize:]
	entries := make([]entry, 0, h.Entries)
	for i := 0; i < int(h.Entries); i++ {
		off := binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
		cell := payload[off:]
		keyLen := binary.LittleEndian.Uint16(cell[:2])
		cell = cell[2:]
		key := append([]byte{}, cell[:keyLen]...)
		cell = cell[keyLen:]
		flag := cell[0]
		cell = cell[1:]
		e := entry{Key: key}
		if flag == 1 {
			e.Overflow = true
			e.OvflHead = page.No(binary.LittleEndian.Uint32(cell[:4]))
		} else {
			valLen := binary.LittleEndian.Uint32(cell[:4])
			cell = cell[4:]
			e.Value = append([]byte{}, cell[:valLen]...)
		}
		entries = append(entries, e)
	}
	return entries
}

func find(entries []entry, key []byte) (idx int, found bool) {
	for i, e := range entries {
		if bytes.Equal(e.Key, key) {
			return i, true
		}
	}
	return -1, false
}
