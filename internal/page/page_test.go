package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	h := Header{
		LSN:           LSN{File: 3, Offset: 128},
		PageNo:        42,
		Prev:          41,
		Next:          43,
		Entries:       7,
		HighFreeOffst: 200,
		Level:         1,
		PType:         BTreeLeaf,
	}
	EncodeHeader(buf, h)
	got := DecodeHeader(buf)
	require.Equal(t, h, got)
}

func TestLSNCompare(t *testing.T) {
	a := LSN{File: 1, Offset: 10}
	b := LSN{File: 1, Offset: 20}
	c := LSN{File: 2, Offset: 5}

	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.True(t, ZeroLSN.Less(a))
	require.True(t, a.LessEqual(a))
}

func TestMetaRoundTripWithChecksum(t *testing.T) {
	buf := make([]byte, 256)
	m := Meta{
		Magic:        MetaMagic,
		Version:      MetaVersion,
		PageSize:     256,
		PType:        MetaPage,
		MetaFlags:    FeatChecksum | FeatDup,
		FreeListHead: 0,
		LastPgno:     5,
	}
	EncodeMeta(buf, m)
	require.True(t, VerifyChecksum(buf))

	buf[200] ^= 0xFF // corrupt padding, checksum covers only first 66 bytes
	require.True(t, VerifyChecksum(buf), "padding is not covered by the checksum")

	buf[0] ^= 0xFF // corrupt magic, which is covered
	require.False(t, VerifyChecksum(buf))
}

func TestSetLSNPreservesOtherFields(t *testing.T) {
	p := NewPage(Fid{1}, 7, 128)
	p.SetHeader(Header{PageNo: 7, PType: BTreeLeaf, Entries: 3})
	p.SetLSN(LSN{File: 1, Offset: 99})

	h := p.Header()
	require.Equal(t, No(7), h.PageNo)
	require.Equal(t, BTreeLeaf, h.PType)
	require.Equal(t, uint16(3), h.Entries)
	require.Equal(t, LSN{File: 1, Offset: 99}, h.LSN)
}
