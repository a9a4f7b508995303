// Package page defines the on-disk page format shared by every access
// method: the fixed page header, the meta page, and the file identifier
// used to key pages in the buffer pool and lock manager independent of
// file-system path.
package page

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// Type tags the kind of page a Header describes.
type Type uint8

const (
	Invalid Type = iota
	MetaPage
	BTreeInternal
	BTreeLeaf
	RecnoInternal
	RecnoLeaf
	Duplicate
	Overflow
	HashBucket
	HashOverflow
	QueueMeta
	QueueData
)

func (t Type) String() string {
	switch t {
	case Invalid:
		return "invalid"
	case MetaPage:
		return "meta"
	case BTreeInternal:
		return "btree-internal"
	case BTreeLeaf:
		return "btree-leaf"
	case RecnoInternal:
		return "recno-internal"
	case RecnoLeaf:
		return "recno-leaf"
	case Duplicate:
		return "duplicate"
	case Overflow:
		return "overflow"
	case HashBucket:
		return "hash-bucket"
	case HashOverflow:
		return "hash-overflow"
	case QueueMeta:
		return "queue-meta"
	case QueueData:
		return "queue-data"
	default:
		return "unknown"
	}
}

// Fid is the stable 20-byte identity of an open database file, distinct
// from its file-system path, so renames never invalidate lock objects,
// log records or page-cache keys that reference it.
type Fid [20]byte

// No is a page number within one database file. Page 0 is always the
// meta page.
type No uint32

// LSN totally orders log records as the pair (file number, byte offset).
type LSN struct {
	File   uint32
	Offset uint32
}

// ZeroLSN is the sentinel LSN no real record ever has.
var ZeroLSN = LSN{}

// Compare orders LSNs lexicographically on (File, Offset).
func (l LSN) Compare(o LSN) int {
	if l.File != o.File {
		if l.File < o.File {
			return -1
		}
		return 1
	}
	if l.Offset != o.Offset {
		if l.Offset < o.Offset {
			return -1
		}
		return 1
	}
	return 0
}

func (l LSN) Less(o LSN) bool      { return l.Compare(o) < 0 }
func (l LSN) LessEqual(o LSN) bool { return l.Compare(o) <= 0 }
func (l LSN) IsZero() bool         { return l == ZeroLSN }

const HeaderSize = 8 + 4 + 4 + 4 + 2 + 2 + 1 + 1 // lsn,pgno,prev,next,entries,hifree,level,type

// Header is the fixed prefix of every non-meta page.
type Header struct {
	LSN           LSN
	PageNo        No
	Prev          No
	Next          No
	Entries       uint16
	HighFreeOffst uint16
	Level         uint8
	PType         Type
}

// EncodeHeader writes h to the start of buf, which must be at least
// HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.LSN.File)
	binary.LittleEndian.PutUint32(buf[4:8], h.LSN.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.PageNo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Prev))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Next))
	binary.LittleEndian.PutUint16(buf[20:22], h.Entries)
	binary.LittleEndian.PutUint16(buf[22:24], h.HighFreeOffst)
	buf[24] = h.Level
	buf[25] = byte(h.PType)
}

// DecodeHeader reads a Header from the start of buf.
func DecodeHeader(buf []byte) Header {
	return Header{
		LSN: LSN{
			File:   binary.LittleEndian.Uint32(buf[0:4]),
			Offset: binary.LittleEndian.Uint32(buf[4:8]),
		},
		PageNo:        No(binary.LittleEndian.Uint32(buf[8:12])),
		Prev:          No(binary.LittleEndian.Uint32(buf[12:16])),
		Next:          No(binary.LittleEndian.Uint32(buf[16:20])),
		Entries:       binary.LittleEndian.Uint16(buf[20:22]),
		HighFreeOffst: binary.LittleEndian.Uint16(buf[22:24]),
		Level:         buf[24],
		PType:         Type(buf[25]),
	}
}

// Page is one fixed-size buffer: header plus the raw bytes backing both
// the header and the type-specific payload that follows it.
type Page struct {
	Fid  Fid
	Raw  []byte // full page-sized buffer; Raw[:HeaderSize] is the header
}

// NewPage allocates a zeroed page of the given size with an Invalid header.
func NewPage(fid Fid, pgno No, size int) *Page {
	p := &Page{Fid: fid, Raw: make([]byte, size)}
	EncodeHeader(p.Raw, Header{PageNo: pgno, PType: Invalid})
	return p
}

func (p *Page) Header() Header       { return DecodeHeader(p.Raw) }
func (p *Page) SetHeader(h Header)   { EncodeHeader(p.Raw, h) }
func (p *Page) Payload() []byte      { return p.Raw[HeaderSize:] }
func (p *Page) PageNo() No           { return p.Header().PageNo }
func (p *Page) Type() Type           { return p.Header().PType }
func (p *Page) LSN() LSN             { return p.Header().LSN }

// SetLSN updates only the LSN field of the page header. Every logged
// mutation calls this to stamp its new record's LSN before the buffer
// is released back to the pool.
func (p *Page) SetLSN(lsn LSN) {
	h := p.Header()
	h.LSN = lsn
	p.SetHeader(h)
}

// Checksum32 returns a fast non-cryptographic checksum of the page
// contents, used for the meta-page checksum field and for detecting
// torn writes.
func Checksum32(data []byte) uint32 {
	h := xxhash.New32()
	h.Write(data)
	return h.Sum32()
}
