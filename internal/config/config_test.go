package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvengine/core/internal/lockmgr"
)

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvengine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
page_size = 8192
cache_size = 1048576
lk_detect_policy = "youngest"
data_dir = "/var/lib/kvengine"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8192, cfg.PageSize)
	require.EqualValues(t, 1048576, cfg.CacheSize)
	require.Equal(t, lockmgr.PolicyYoungest, cfg.DeadlockPolicy)
	require.Equal(t, "/var/lib/kvengine", cfg.DataDir)
}

func TestLoadTOMLRejectsUnknownPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvengine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`lk_detect_policy = "bogus"`), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDBConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "DB_CONFIG")
	require.NoError(t, os.WriteFile(path, []byte(`
set_data_dir /data/kv
set_lg_dir /data/kv/log
set_pagesize 4096
set_lk_max_locks 5000
set_lk_detect oldest
`), 0644))

	cfg, err := LoadDBConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/data/kv", cfg.DataDir)
	require.Equal(t, "/data/kv/log", cfg.LogDir)
	require.Equal(t, 4096, cfg.PageSize)
	require.EqualValues(t, 5000, cfg.MaxLocks)
	require.Equal(t, lockmgr.PolicyOldest, cfg.DeadlockPolicy)
}

func TestApplyEnvOverridesFileValue(t *testing.T) {
	cfg := Default()
	cfg.PageSize = 4096

	t.Setenv("KVENGINE_PAGE_SIZE", "2048")
	require.NoError(t, ApplyEnv(&cfg))
	require.Equal(t, 2048, cfg.PageSize)
}

func TestValidateRejectsNonPowerOfTwoPageSize(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/x"
	cfg.PageSize = 1000
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresHomeOrDataDir(t *testing.T) {
	cfg := Default()
	cfg.PageSize = 4096
	require.Error(t, cfg.Validate())
}
