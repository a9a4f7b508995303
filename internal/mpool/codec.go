package mpool

import (
	"github.com/golang/snappy"

	"github.com/kvengine/core/internal/errs"
)

// SnappyCodec returns pgin/pgout functions that compress a page's payload
// with snappy on write and decompress it on read. Nothing in the module
// registers it; FileStore reads and writes fixed PageSize-sized units
// addressed by pgno and records no per-page stored length.
func SnappyCodec() (pgin, pgout func([]byte) ([]byte, error)) {
	pgout = func(raw []byte) ([]byte, error) {
		return snappy.Encode(nil, raw), nil
	}
	pgin = func(compressed []byte) ([]byte, error) {
		out, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, errs.Wrap("mpool.SnappyCodec.pgin", errs.IO, err)
		}
		return out, nil
	}
	return pgin, pgout
}
