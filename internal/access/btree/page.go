package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/kvengine/core/internal/page"
)

// leafEntry is one key/value pair on a B-tree leaf page. Large values
// spill to an overflow chain instead of living inline, per spec §4.6.
type leafEntry struct {
	Key      []byte
	Value    []byte
	Overflow bool
	OvflHead page.No
}

// internalEntry is one separator key and the child subtree it routes to.
// Every key >= Key (and < the next entry's Key) lives under Child.
type internalEntry struct {
	Key   []byte
	Child page.No
}

func overflowThreshold(pageSize int) int {
	return (pageSize - page.HeaderSize) / 4
}

// encodeLeaf writes entries (already sorted by Key) into a page-sized
// buffer, returning false if they don't fit so the caller can split
// before committing any change to the on-disk page.
func encodeLeaf(raw []byte, h page.Header, entries []leafEntry) bool {
	cap := len(raw) - page.HeaderSize
	cells := make([][]byte, len(entries))
	total := 0
	for i, e := range entries {
		cell := encodeLeafCell(e)
		cells[i] = cell
		total += len(cell)
	}
	if total+2*len(entries) > cap {
		return false
	}

	payload := raw[page.HeaderSize:]
	dirBytes := 2 * len(entries)
	off := dirBytes
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

func encodeLeafCell(e leafEntry) []byte {
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

// decodeLeaf reads every entry off a leaf page in slot (key-sorted) order.
func decodeLeaf(raw []byte, h page.Header) []leafEntry {
	payload := raw[page.HeaderSize:]
	entries := make([]leafEntry, 0, h.Entries)
	for i := 0; i < int(h.Entries); i++ {
		off := binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
		cell := payload[off:]
		keyLen := binary.LittleEndian.Uint16(cell[:2])
		cell = cell[2:]
		key := append([]byte{}, cell[:keyLen]...)
		cell = cell[keyLen:]
		flag := cell[0]
		cell = cell[1:]
		e := leafEntry{Key: key}
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

func encodeInternal(raw []byte, h page.Header, entries []internalEntry) bool {
	cap := len(raw) - page.HeaderSize
	cells := make([][]byte, len(entries))
	total := 0
	for i, e := range entries {
		cell := encodeInternalCell(e)
		cells[i] = cell
		total += len(cell)
	}
	if total+2*len(entries) > cap {
		return false
	}

	payload := raw[page.HeaderSize:]
	dirBytes := 2 * len(entries)
	off := dirBytes
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

func encodeInternalCell(e internalEntry) []byte {
	buf := make([]byte, 0, 2+len(e.Key)+4)
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(e.Key)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, e.Key...)
	binary.LittleEndian.PutUint32(tmp[:], uint32(e.Child))
	buf = append(buf, tmp[:]...)
	return buf
}

func decodeInternal(raw []byte, h page.Header) []internalEntry {
	payload := raw[page.HeaderSize:]
	entries := make([]internalEntry, 0, h.Entries)
	for i := 0; i < int(h.Entries); i++ {
		off := binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
		cell := payload[off:]
		keyLen := binary.LittleEndian.Uint16(cell[:2])
		cell = cell[2:]
		key := append([]byte{}, cell[:keyLen]...)
		cell = cell[keyLen:]
		child := page.No(binary.LittleEndian.Uint32(cell[:4]))
		entries = append(entries, internalEntry{Key: key, Child: child})
	}
	return entries
}

// searchLeaf returns the index of key in entries, or the index it would
// be inserted at (found=false).
func searchLeaf(entries []leafEntry, key []byte) (idx int, found bool) {
	idx = sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) >= 0 })
	if idx < len(entries) && bytes.Equal(entries[idx].Key, key) {
		return idx, true
	}
	return idx, false
}

// searchInternal returns the child pointer whose range holds key: the
// rightmost separator <= key, or entries[0].Child if key precedes every
// separator.
func searchInternal(entries []internalEntry, key []byte) page.No {
	idx := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Key, key) > 0 })
	if idx == 0 {
		return entries[0].Child
	}
	return entries[idx-1].Child
}
