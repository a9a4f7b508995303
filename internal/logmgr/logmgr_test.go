package logmgr

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvengine/core/internal/page"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir, err := os.MkdirTemp("", "logmgr-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	m, err := Open(Config{Dir: dir, MaxFileSize: 512, BufferSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPutAssignsIncreasingLSNs(t *testing.T) {
	m := newTestManager(t)

	lsn1, err := m.Put(RecGeneric, []byte("hello"))
	require.NoError(t, err)
	lsn2, err := m.Put(RecGeneric, []byte("world"))
	require.NoError(t, err)

	require.True(t, lsn1.Less(lsn2))
}

func TestFlushAdvancesDurableLSN(t *testing.T) {
	m := newTestManager(t)
	require.Equal(t, page.LSN{File: 1, Offset: 0}, m.DurableLSN())

	lsn, err := m.Put(RecGeneric, []byte("abc"))
	require.NoError(t, err)
	require.True(t, m.DurableLSN().Less(lsn) || m.DurableLSN() == lsn)

	require.NoError(t, m.Flush(lsn))
	require.True(t, lsn.LessEqual(m.DurableLSN()))
}

func TestCursorForwardAndBackward(t *testing.T) {
	m := newTestManager(t)

	var lsns []page.LSN
	for i := 0; i < 5; i++ {
		lsn, err := m.Put(RecGeneric, []byte{byte(i)})
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, m.Flush(lsns[len(lsns)-1]))

	c := m.NewCursor()
	rec, err := c.Get(CursorFirst, page.LSN{})
	require.NoError(t, err)
	require.Equal(t, []byte{0}, rec.Payload)

	for i := 1; i < 5; i++ {
		rec, err := c.Get(CursorNext, page.LSN{})
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, rec.Payload)
	}

	rec, err = c.Get(CursorLast, page.LSN{})
	require.NoError(t, err)
	require.Equal(t, []byte{4}, rec.Payload)

	for i := 3; i >= 0; i-- {
		rec, err := c.Get(CursorPrev, page.LSN{})
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, rec.Payload)
	}
}

func TestRolloverCrossesSegments(t *testing.T) {
	m := newTestManager(t)

	var last page.LSN
	for i := 0; i < 60; i++ {
		lsn, err := m.Put(RecGeneric, []byte("01234567890123456789"))
		require.NoError(t, err)
		last = lsn
	}
	require.NoError(t, m.Flush(last))
	require.True(t, m.curNum > 1, "expected at least one rollover past segment 1")

	c := m.NewCursor()
	rec, err := c.Get(CursorFirst, page.LSN{})
	require.NoError(t, err)
	require.Equal(t, []byte("01234567890123456789"), rec.Payload)

	count := 1
	for {
		_, err := c.Get(CursorNext, page.LSN{})
		if err != nil {
			break
		}
		count++
	}
	require.Equal(t, 60, count)
}
