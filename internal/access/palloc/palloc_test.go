package palloc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/region"
)

func newTestAllocator(t *testing.T) (*Allocator, *mpool.Pool, page.Fid) {
	t.Helper()
	dir, err := os.MkdirTemp("", "palloc-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	env, err := region.Open(dir, region.CREATE)
	require.NoError(t, err)

	logm, err := logmgr.Open(logmgr.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { logm.Close() })

	pool := mpool.New(env, mpool.Config{PageSize: 256, Watermark: logm})
	fid := page.Fid{9}
	store, err := mpool.OpenFileStore(dir, fid, 256)
	require.NoError(t, err)
	pool.AddStore(fid, store)

	a := Open(pool, logm, fid, 256)
	require.NoError(t, a.Init(0))
	return a, pool, fid
}

func TestNewExtendsFileWhenFreeListEmpty(t *testing.T) {
	a, pool, _ := newTestAllocator(t)

	buf, err := a.New(nil, page.BTreeLeaf)
	require.NoError(t, err)
	require.EqualValues(t, 1, buf.Pgno)
	require.Equal(t, page.BTreeLeaf, buf.Page.Type())
	require.NoError(t, pool.Put(buf, mpool.PutDirty))

	m, err := a.GetMeta()
	require.NoError(t, err)
	require.EqualValues(t, 1, m.LastPgno)
}

func TestFreeThenNewReusesPage(t *testing.T) {
	a, pool, _ := newTestAllocator(t)

	buf, err := a.New(nil, page.BTreeLeaf)
	require.NoError(t, err)
	freed := buf.Pgno
	require.NoError(t, a.Free(nil, buf))

	m, err := a.GetMeta()
	require.NoError(t, err)
	require.Equal(t, freed, m.FreeListHead)

	buf2, err := a.New(nil, page.HashBucket)
	require.NoError(t, err)
	require.Equal(t, freed, buf2.Pgno)
	require.Equal(t, page.HashBucket, buf2.Page.Type())
	require.NoError(t, pool.Put(buf2, mpool.PutDirty))
}
