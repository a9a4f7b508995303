package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvengine/core/internal/errs"
)

func TestGetCompatibleReadsDoNotBlock(t *testing.T) {
	m := New(Config{})
	a, b := m.ID(), m.ID()

	l1, err := m.Get(context.Background(), a, "page.1", Read)
	require.NoError(t, err)
	l2, err := m.Get(context.Background(), b, "page.1", Read)
	require.NoError(t, err)

	require.NoError(t, m.Put(l1))
	require.NoError(t, m.Put(l2))
}

func TestGetConflictingWriteBlocksThenGrantsOnRelease(t *testing.T) {
	m := New(Config{})
	a, b := m.ID(), m.ID()

	l1, err := m.Get(context.Background(), a, "page.1", Write)
	require.NoError(t, err)

	grantedCh := make(chan struct{})
	go func() {
		lk, err := m.Get(context.Background(), b, "page.1", Write)
		require.NoError(t, err)
		require.NotNil(t, lk)
		close(grantedCh)
	}()

	select {
	case <-grantedCh:
		t.Fatal("second writer granted before first released")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, m.Put(l1))

	select {
	case <-grantedCh:
	case <-time.After(time.Second):
		t.Fatal("second writer never granted after release")
	}
}

func TestGetTimesOut(t *testing.T) {
	m := New(Config{LockTimeout: 20 * time.Millisecond})
	a, b := m.ID(), m.ID()

	l1, err := m.Get(context.Background(), a, "page.1", Write)
	require.NoError(t, err)
	defer m.Put(l1)

	_, err = m.Get(context.Background(), b, "page.1", Write)
	require.Error(t, err)
	require.Equal(t, errs.LOCK_TIMEOUT, errs.KindOf(err))
}

func TestIDFreeReleasesAllLocks(t *testing.T) {
	m := New(Config{})
	a := m.ID()

	_, err := m.Get(context.Background(), a, "page.1", Write)
	require.NoError(t, err)
	_, err = m.Get(context.Background(), a, "page.2", Write)
	require.NoError(t, err)

	m.IDFree(a)

	b := m.ID()
	_, err = m.Get(context.Background(), b, "page.1", Write)
	require.NoError(t, err)
	_, err = m.Get(context.Background(), b, "page.2", Write)
	require.NoError(t, err)
}

func TestDetectOnceBreaksDeadlock(t *testing.T) {
	m := New(Config{LockTimeout: time.Second})
	a, b := m.ID(), m.ID()

	la, err := m.Get(context.Background(), a, "page.1", Write)
	require.NoError(t, err)
	lb, err := m.Get(context.Background(), b, "page.2", Write)
	require.NoError(t, err)
	_ = la
	_ = lb

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() {
		_, err := m.Get(context.Background(), a, "page.2", Write)
		errA <- err
	}()
	go func() {
		_, err := m.Get(context.Background(), b, "page.1", Write)
		errB <- err
	}()

	// give both goroutines time to queue, forming a cycle a->b->a
	time.Sleep(30 * time.Millisecond)
	victims := m.DetectOnce()
	require.Len(t, victims, 1)
	m.IDFree(victims[0])

	var gotDeadlock bool
	select {
	case err := <-errA:
		if err != nil {
			gotDeadlock = true
		}
	case <-time.After(time.Second):
		t.Fatal("goroutine A never resolved")
	}
	select {
	case err := <-errB:
		if err != nil {
			require.False(t, gotDeadlock, "only one side of the cycle should be aborted")
			gotDeadlock = true
		}
	case <-time.After(time.Second):
		t.Fatal("goroutine B never resolved")
	}
	require.True(t, gotDeadlock)
}

func TestDowngradeAdmitsWaitingReader(t *testing.T) {
	m := New(Config{})
	a, b := m.ID(), m.ID()

	lw, err := m.Get(context.Background(), a, "page.1", Write)
	require.NoError(t, err)

	readerCh := make(chan struct{})
	go func() {
		_, err := m.Get(context.Background(), b, "page.1", Read)
		require.NoError(t, err)
		close(readerCh)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Downgrade(lw, Read))

	select {
	case <-readerCh:
	case <-time.After(time.Second):
		t.Fatal("reader never admitted after downgrade")
	}
}
