package page

import "encoding/binary"

// MetaMagic identifies a valid meta page; Version is the on-disk format
// version this package writes and the oldest it will read without
// returning OLD_VERSION.
const (
	MetaMagic   uint32 = 0x4b564d30 // "KVM0"
	MetaVersion uint32 = 1
)

// Feature flags carried in MetaFlags.
const (
	FeatDup        uint32 = 1 << 0
	FeatRecNum     uint32 = 1 << 1
	FeatRenumber   uint32 = 1 << 2
	FeatFixedLen   uint32 = 1 << 3
	FeatSubDBs     uint32 = 1 << 4
	FeatChecksum   uint32 = 1 << 5
	FeatEncryption uint32 = 1 << 6
)

// MetaSize is the fixed size of the encoded meta-page fields; the
// remainder of the page up to PageSize is reserved padding.
const MetaSize = 4 + 4 + 4 + 1 + 1 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 20 + 4 + 20 + 4

// Meta is page 0 of every database file. NParts/KeyCount/RecordCount/Head
// are generic counters each access method repurposes for its own
// bookkeeping (e.g. hash uses NParts as its fixed bucket count; queue
// uses RecordCount/Head as its append/consume cursors).
type Meta struct {
	Magic        uint32
	Version      uint32
	PageSize     uint32
	EncryptAlg   uint8
	PType        Type // always MetaPage
	MetaFlags    uint32
	FreeListHead No
	LastPgno     No
	NParts       uint32
	KeyCount     uint32
	RecordCount  uint32
	Flags        uint32
	UID          Fid
	CryptoMagic  uint32
	Checksum     [20]byte
	Head         No
}

// EncodeMeta writes a Meta page into buf, which must be at least
// len(buf) == pageSize. The checksum is computed over every field
// preceding it once FeatChecksum is set in MetaFlags.
func EncodeMeta(buf []byte, m Meta) {
	binary.LittleEndian.PutUint32(buf[0:4], m.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], m.Version)
	binary.LittleEndian.PutUint32(buf[8:12], m.PageSize)
	buf[12] = m.EncryptAlg
	buf[13] = byte(m.PType)
	binary.LittleEndian.PutUint32(buf[14:18], m.MetaFlags)
	binary.LittleEndian.PutUint32(buf[18:22], uint32(m.FreeListHead))
	binary.LittleEndian.PutUint32(buf[22:26], uint32(m.LastPgno))
	binary.LittleEndian.PutUint32(buf[26:30], m.NParts)
	binary.LittleEndian.PutUint32(buf[30:34], m.KeyCount)
	binary.LittleEndian.PutUint32(buf[34:38], m.RecordCount)
	binary.LittleEndian.PutUint32(buf[38:42], m.Flags)
	copy(buf[42:62], m.UID[:])
	binary.LittleEndian.PutUint32(buf[62:66], m.CryptoMagic)

	if m.MetaFlags&FeatChecksum != 0 {
		sum := Checksum32(buf[:66])
		var cksum [20]byte
		binary.LittleEndian.PutUint32(cksum[:4], sum)
		copy(buf[66:86], cksum[:])
	} else {
		copy(buf[66:86], m.Checksum[:])
	}
	binary.LittleEndian.PutUint32(buf[86:90], uint32(m.Head))

	for i := 90; i < len(buf); i++ {
		buf[i] = 0
	}
}

// DecodeMeta reads a Meta page from buf.
func DecodeMeta(buf []byte) Meta {
	m := Meta{
		Magic:        binary.LittleEndian.Uint32(buf[0:4]),
		Version:      binary.LittleEndian.Uint32(buf[4:8]),
		PageSize:     binary.LittleEndian.Uint32(buf[8:12]),
		EncryptAlg:   buf[12],
		PType:        Type(buf[13]),
		MetaFlags:    binary.LittleEndian.Uint32(buf[14:18]),
		FreeListHead: No(binary.LittleEndian.Uint32(buf[18:22])),
		LastPgno:     No(binary.LittleEndian.Uint32(buf[22:26])),
		NParts:       binary.LittleEndian.Uint32(buf[26:30]),
		KeyCount:     binary.LittleEndian.Uint32(buf[30:34]),
		RecordCount:  binary.LittleEndian.Uint32(buf[34:38]),
		Flags:        binary.LittleEndian.Uint32(buf[38:42]),
		CryptoMagic:  binary.LittleEndian.Uint32(buf[62:66]),
		Head:         No(binary.LittleEndian.Uint32(buf[86:90])),
	}
	copy(m.UID[:], buf[42:62])
	copy(m.Checksum[:], buf[66:86])
	return m
}

// VerifyChecksum reports whether buf's stored checksum matches its
// computed checksum, when checksumming is enabled for this database.
func VerifyChecksum(buf []byte) bool {
	m := DecodeMeta(buf)
	if m.MetaFlags&FeatChecksum == 0 {
		return true
	}
	want := binary.LittleEndian.Uint32(m.Checksum[:4])
	got := Checksum32(buf[:66])
	return want == got
}
