package region

import (
	"testing"

	"github.com/kvengine/core/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreateAndClose(t *testing.T) {
	dir := t.TempDir()
	env, err := Open(dir, CREATE|INIT_MPOOL|INIT_LOCK)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.NoError(t, env.Close())
}

func TestOpen_MissingHomeWithoutCreate(t *testing.T) {
	_, err := Open("/nonexistent/path/for/test", 0)
	require.Error(t, err)
	require.Equal(t, errs.NOENT, errs.KindOf(err))
}

func TestPanicIsSticky(t *testing.T) {
	dir := t.TempDir()
	env, err := Open(dir, CREATE)
	require.NoError(t, err)

	require.NoError(t, env.CheckPanic("op"))
	env.Panic(errs.New("op", errs.IO))
	require.True(t, env.IsPanicked())
	err = env.CheckPanic("op2")
	require.Error(t, err)
	require.Equal(t, errs.PANIC, errs.KindOf(err))
}

func TestRegister_SecondOpenerWithoutRecoverFails(t *testing.T) {
	dir := t.TempDir()
	env1, err := Open(dir, CREATE|REGISTER)
	require.NoError(t, err)
	require.True(t, env1.RanRecovery())

	_, err = Open(dir, REGISTER)
	require.Error(t, err)
	require.Equal(t, errs.RUNRECOVERY, errs.KindOf(err))

	require.NoError(t, env1.FinishRegister())
	env2, err := Open(dir, REGISTER)
	require.NoError(t, err)
	require.True(t, env2.RanRecovery())
	require.NoError(t, env2.FinishRegister())
}

func TestArenaAllocAndFree(t *testing.T) {
	a := NewArena(64)
	o1 := a.Alloc(16, 8)
	o2 := a.Alloc(16, 8)
	require.NotEqual(t, o1, o2)

	a.Free(o1, 16)
	o3 := a.Alloc(16, 8)
	require.Equal(t, o1, o3, "freed span should be reused by first-fit")
}

func TestMutexServiceCounters(t *testing.T) {
	svc := NewMutexService()
	m := svc.Alloc("bucket.0")
	m.Lock()
	m.Unlock()
	noWait, withWait := svc.Stats()
	require.Equal(t, uint64(1), noWait)
	require.Equal(t, uint64(0), withWait)
}
