package btree

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvengine/core/internal/logmgr"
	"github.com/kvengine/core/internal/mpool"
	"github.com/kvengine/core/internal/page"
	"github.com/kvengine/core/internal/region"
)

func newTestTree(t *testing.T, pageSize int) *Tree {
	t.Helper()
	dir, err := os.MkdirTemp("", "btree-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	env, err := region.Open(dir, region.CREATE)
	require.NoError(t, err)

	logm, err := logmgr.Open(logmgr.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { logm.Close() })

	pool := mpool.New(env, mpool.Config{PageSize: pageSize, Watermark: logm})
	fid := page.Fid{7}
	store, err := mpool.OpenFileStore(dir, fid, pageSize)
	require.NoError(t, err)
	pool.AddStore(fid, store)

	tr, err := Create(Config{Pool: pool, Log: logm, Fid: fid, PageSize: pageSize})
	require.NoError(t, err)
	return tr
}

func TestPutGetRoundTrip(t *testing.T) {
	tr := newTestTree(t, 256)

	require.NoError(t, tr.Put(nil, []byte("apple"), []byte("red")))
	require.NoError(t, tr.Put(nil, []byte("banana"), []byte("yellow")))
	require.NoError(t, tr.Put(nil, []byte("cherry"), []byte("dark red")))

	v, err := tr.Get(nil, []byte("banana"))
	require.NoError(t, err)
	require.Equal(t, []byte("yellow"), v)

	_, err = tr.Get(nil, []byte("durian"))
	require.Error(t, err)
}

func TestPutOverwritesExistingKey(t *testing.T) {
	tr := newTestTree(t, 256)
	require.NoError(t, tr.Put(nil, []byte("k"), []byte("v1")))
	require.NoError(t, tr.Put(nil, []byte("k"), []byte("v2")))

	v, err := tr.Get(nil, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	n, err := tr.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLeafSplitsAcrossManyKeys(t *testing.T) {
	tr := newTestTree(t, 256)

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		require.NoErrorf(t, tr.Put(nil, key, val), "put %d", i)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("value-%04d", i))
		got, err := tr.Get(nil, key)
		require.NoErrorf(t, err, "get %d", i)
		require.Equal(t, want, got)
	}

	count, err := tr.Count()
	require.NoError(t, err)
	require.Equal(t, n, count)
}

func TestOverflowValueRoundTrip(t *testing.T) {
	tr := newTestTree(t, 256)
	big := make([]byte, 2000)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, tr.Put(nil, []byte("blob"), big))

	got, err := tr.Get(nil, []byte("blob"))
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestDelRemovesKey(t *testing.T) {
	tr := newTestTree(t, 256)
	require.NoError(t, tr.Put(nil, []byte("a"), []byte("1")))
	require.NoError(t, tr.Put(nil, []byte("b"), []byte("2")))

	require.NoError(t, tr.Del(nil, []byte("a")))
	_, err := tr.Get(nil, []byte("a"))
	require.Error(t, err)

	v, err := tr.Get(nil, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	require.Error(t, tr.Del(nil, []byte("a")))
}

func TestCursorScansInOrder(t *testing.T) {
	tr := newTestTree(t, 256)
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for _, k := range keys {
		require.NoError(t, tr.Put(nil, []byte(k), []byte(k)))
	}

	cur := tr.NewCursor(nil)
	defer cur.Close()

	var seen []string
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, string(k))
	}
	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, seen)
}
