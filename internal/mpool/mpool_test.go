package mpool

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/region"
)

type fakeWatermark struct {
	durable page.LSN
}

func (f *fakeWatermark) DurableLSN() page.LSN { return f.durable }
func (f *fakeWatermark) Flush(through page.LSN) error {
	f.durable = through
	return nil
}

func newTestPool(t *testing.T) (*Pool, page.Fid, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "mpool-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	env, err := region.Open(dir, region.CREATE)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })

	wm := &fakeWatermark{durable: page.LSN{File: 1, Offset: 1000}}
	pool := New(env, Config{PageSize: 256, Watermark: wm})

	var fid page.Fid
	fid[0] = 7
	store, err := OpenFileStore(dir, fid, 256)
	require.NoError(t, err)
	pool.AddStore(fid, store)
	return pool, fid, dir
}

func TestGetNewAndPutDirty(t *testing.T) {
	pool, fid, _ := newTestPool(t)

	buf, err := pool.Get(fid, 0, GetNew)
	require.NoError(t, err)
	require.True(t, buf.IsPinned())

	h := buf.Page.Header()
	h.PType = page.BTreeLeaf
	buf.Page.SetHeader(h)

	require.NoError(t, pool.Put(buf, PutDirty))
	require.False(t, buf.IsPinned())
	require.True(t, buf.IsDirty())
	require.Equal(t, int64(1), pool.Stats().DirtyPages)
}

func TestGetHitsCache(t *testing.T) {
	pool, fid, _ := newTestPool(t)

	b1, err := pool.Get(fid, 0, GetNew)
	require.NoError(t, err)
	require.NoError(t, pool.Put(b1, PutPlain))

	b2, err := pool.Get(fid, b1.Pgno, GetPlain)
	require.NoError(t, err)
	require.Same(t, b1, b2)
	require.NoError(t, pool.Put(b2, PutPlain))

	require.Equal(t, uint64(1), pool.Stats().HitCount)
}

func TestSyncHonorsWAL(t *testing.T) {
	pool, fid, _ := newTestPool(t)
	wm := pool.watermark.(*fakeWatermark)

	buf, err := pool.Get(fid, 0, GetNew)
	require.NoError(t, err)
	buf.Page.SetLSN(page.LSN{File: 5, Offset: 5000})
	require.NoError(t, pool.Put(buf, PutDirty))

	require.NoError(t, pool.Sync(&fid))
	require.Equal(t, page.LSN{File: 5, Offset: 5000}, wm.durable)
	require.Equal(t, int64(0), pool.Stats().DirtyPages)
}

func TestPutDiscardRemovesFromCache(t *testing.T) {
	pool, fid, _ := newTestPool(t)

	buf, err := pool.Get(fid, 0, GetNew)
	require.NoError(t, err)
	require.NoError(t, pool.Put(buf, PutDiscard))

	require.Equal(t, 0, pool.lru.Len())
}
