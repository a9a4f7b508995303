package queue

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

func newTestQueue(t *testing.T, pageSize int, reclen uint32) *Queue {
	t.Helper()
	dir, err := os.MkdirTemp("", "queue-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	env, err := region.Open(dir, region.CREATE)
	require.NoError(t, err)

	logm, err := logmgr.Open(logmgr.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { logm.Close() })

	pool := mpool.New(env, mpool.Config{PageSize: pageSize, Watermark: logm})
	fid := page.Fid{12}
	store, err := mpool.OpenFileStore(dir, fid, pageSize)
	require.NoError(t, err)
	pool.AddStore(fid, store)

	q, err := Create(Config{Pool: pool, Log: logm, Fid: fid, PageSize: pageSize, RecLen: reclen})
	require.NoError(t, err)
	return q
}

func TestQueueAppendConsumeFIFO(t *testing.T) {
	q := newTestQueue(t, 256, 8)

	r1, err := q.Append(nil, []byte("first"))
	require.NoError(t, err)
	r2, err := q.Append(nil, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, r1+1, r2)

	recno, v, err := q.Consume(nil)
	require.NoError(t, err)
	require.Equal(t, r1, recno)
	require.Equal(t, []byte("first"), v[:len("first")])

	recno, v, err = q.Consume(nil)
	require.NoError(t, err)
	require.Equal(t, r2, recno)
	require.Equal(t, []byte("second"), v[:len("second")])

	_, _, err = q.Consume(nil)
	require.Error(t, err)
}

func TestQueueRejectsOversizeRecord(t *testing.T) {
	q := newTestQueue(t, 256, 4)
	_, err := q.Append(nil, []byte("toolong"))
	require.Error(t, err)
}

func TestQueueManyRecordsAcrossPages(t *testing.T) {
	q := newTestQueue(t, 128, 8)

	const n = 60
	first := page.No(0)
	for i := 0; i < n; i++ {
		recno, err := q.Append(nil, []byte(fmt.Sprintf("v%06d", i)))
		require.NoErrorf(t, err, "append %d", i)
		if i == 0 {
			first = recno
		}
	}
	for i := 0; i < n; i++ {
		recno, v, err := q.Consume(nil)
		require.NoErrorf(t, err, "consume %d", i)
		require.Equal(t, first+page.No(i), recno)
		require.Equal(t, fmt.Sprintf("v%06d", i), string(v[:len(fmt.Sprintf("v%06d", i))]))
	}
}

func TestQueueDelLeavesGapConsumeSkipsIt(t *testing.T) {
	q := newTestQueue(t, 256, 8)
	r1, err := q.Append(nil, []byte("one"))
	require.NoError(t, err)
	r2, err := q.Append(nil, []byte("two"))
	require.NoError(t, err)

	require.NoError(t, q.Del(nil, r1))

	recno, v, err := q.Consume(nil)
	require.NoError(t, err)
	require.Equal(t, r2, recno)
	require.Equal(t, []byte("two"), v[:len("two")])
}

func TestQueueGetPeekDoesNotRemove(t *testing.T) {
	q := newTestQueue(t, 256, 8)
	r1, err := q.Append(nil, []byte("peek"))
	require.NoError(t, err)

	v, err := q.Get(nil, r1)
	require.NoError(t, err)
	require.Equal(t, []byte("peek"), v[:len("peek")])

	recno, v2, err := q.Consume(nil)
	require.NoError(t, err)
	require.Equal(t, r1, recno)
	require.Equal(t, []byte("peek"), v2[:len("peek")])
}

func TestQueueStatsFillRatio(t *testing.T) {
	q := newTestQueue(t, 256, 8)
	for i := 0; i < 4; i++ {
		_, err := q.Append(nil, []byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}
	_, _, err := q.Consume(nil)
	require.NoError(t, err)

	stats, err := q.Stats()
	require.NoError(t, err)
	require.Equal(t, uint32(3), stats.Count)
	require.True(t, stats.Fill.GreaterThan(stats.Fill.Sub(stats.Fill)))
}

func TestQueueCursorSnapshotsCurrentRange(t *testing.T) {
	q := newTestQueue(t, 256, 8)
	for i := 0; i < 5; i++ {
		_, err := q.Append(nil, []byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	cur, err := q.NewCursor(nil)
	require.NoError(t, err)
	defer cur.Close()

	count := 0
	for {
		_, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 5, count)
}
