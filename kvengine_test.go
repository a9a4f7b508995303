package kvengine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvengine/core/internal/config"
	"github.com/kvengine/core/internal/page"
)

func newTestEnv(t *testing.T) *Environment {
	t.Helper()
	dir, err := os.MkdirTemp("", "kvengine-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Home = dir
	cfg.DataDir = dir
	cfg.LogDir = dir
	cfg.PageSize = 4096

	env, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return env
}

func TestBTreeDatabasePutGetThroughEnvironment(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenBTree("orders", page.Fid{1}, true, false, false)
	require.NoError(t, err)

	require.NoError(t, db.Put(nil, []byte("k1"), []byte("v1")))
	v, err := db.Get(nil, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestHashDatabaseRoundTripThroughEnvironment(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenHash("sessions", page.Fid{2}, true, false, 8)
	require.NoError(t, err)

	require.NoError(t, db.Put(nil, []byte("sid"), []byte("token")))
	v, err := db.Get(nil, []byte("sid"))
	require.NoError(t, err)
	require.Equal(t, []byte("token"), v)

	n, err := db.Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestQueueDatabaseAppendConsumeThroughEnvironment(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenQueue("events", page.Fid{3}, true, 16)
	require.NoError(t, err)
	require.Equal(t, KindQueue, db.Kind())

	_, err = db.Queue().Append(nil, []byte("event-1"))
	require.NoError(t, err)

	_, v, err := db.Queue().Consume(nil)
	require.NoError(t, err)
	require.Equal(t, []byte("event-1"), v[:len("event-1")])
}

func TestTransactionCommitAcrossDatabases(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenBTree("txntest", page.Fid{4}, true, false, false)
	require.NoError(t, err)

	tx := env.Begin(nil, 0)
	require.NoError(t, db.Put(tx, []byte("a"), []byte("1")))
	require.NoError(t, env.Commit(tx))

	v, err := db.Get(nil, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestTransactionAbortUndoesPutAcrossDatabases(t *testing.T) {
	env := newTestEnv(t)
	db, err := env.OpenBTree("aborttest", page.Fid{6}, true, false, false)
	require.NoError(t, err)

	tx := env.Begin(nil, 0)
	require.NoError(t, db.Put(tx, []byte("k"), []byte("v")))
	require.NoError(t, env.Abort(tx))

	_, err = db.Get(nil, []byte("k"))
	require.Error(t, err, "an aborted transaction's writes must not be visible")
}

func TestCheckpointSucceedsWithOpenDatabases(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.OpenBTree("cp", page.Fid{5}, true, false, false)
	require.NoError(t, err)

	_, err = env.Checkpoint()
	require.NoError(t, err)
}
