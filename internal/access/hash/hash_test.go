package hash

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

func newTestTable(t *testing.T, pageSize int, nbuckets uint32) *Table {
	t.Helper()
	dir, err := os.MkdirTemp("", "hash-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	env, err := region.Open(dir, region.CREATE)
	require.NoError(t, err)

	logm, err := logmgr.Open(logmgr.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { logm.Close() })

	pool := mpool.New(env, mpool.Config{PageSize: pageSize, Watermark: logm})
	fid := page.Fid{11}
	store, err := mpool.OpenFileStore(dir, fid, pageSize)
	require.NoError(t, err)
	pool.AddStore(fid, store)

	tb, err := Create(Config{Pool: pool, Log: logm, Fid: fid, PageSize: pageSize, NumBuckets: nbuckets})
	require.NoError(t, err)
	return tb
}

func TestHashPutGetRoundTrip(t *testing.T) {
	tb := newTestTable(t, 256, 4)

	require.NoError(t, tb.Put(nil, []byte("apple"), []byte("red")))
	require.NoError(t, tb.Put(nil, []byte("banana"), []byte("yellow")))

	v, err := tb.Get(nil, []byte("apple"))
	require.NoError(t, err)
	require.Equal(t, []byte("red"), v)

	_, err = tb.Get(nil, []byte("missing"))
	require.Error(t, err)
}

func TestHashPutOverwrites(t *testing.T) {
	tb := newTestTable(t, 256, 4)
	require.NoError(t, tb.Put(nil, []byte("k"), []byte("v1")))
	require.NoError(t, tb.Put(nil, []byte("k"), []byte("v2")))

	v, err := tb.Get(nil, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	n, err := tb.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHashOverflowChaining(t *testing.T) {
	tb := newTestTable(t, 256, 2)

	const n = 100
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		require.NoErrorf(t, tb.Put(nil, key, val), "put %d", i)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := []byte(fmt.Sprintf("value-%04d", i))
		got, err := tb.Get(nil, key)
		require.NoErrorf(t, err, "get %d", i)
		require.Equal(t, want, got)
	}
	count, err := tb.Count()
	require.NoError(t, err)
	require.Equal(t, n, count)
}

func TestHashOverflowValue(t *testing.T) {
	tb := newTestTable(t, 256, 4)
	big := make([]byte, 1500)
	for i := range big {
		big[i] = byte(i * 7)
	}
	require.NoError(t, tb.Put(nil, []byte("blob"), big))
	got, err := tb.Get(nil, []byte("blob"))
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestHashDel(t *testing.T) {
	tb := newTestTable(t, 256, 4)
	require.NoError(t, tb.Put(nil, []byte("a"), []byte("1")))
	require.NoError(t, tb.Del(nil, []byte("a")))
	_, err := tb.Get(nil, []byte("a"))
	require.Error(t, err)
	require.Error(t, tb.Del(nil, []byte("a")))
}

func TestHashCursorVisitsEverything(t *testing.T) {
	tb := newTestTable(t, 256, 4)
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		require.NoError(t, tb.Put(nil, []byte(k), []byte(v)))
	}

	cur := tb.NewCursor(nil)
	defer cur.Close()
	got := map[string]string{}
	for {
		k, v, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got[string(k)] = string(v)
	}
	require.Equal(t, want, got)
}
