package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_OpenCheckpointRecoverDumpStats(t *testing.T) {
	dir := t.TempDir()

	require.Equal(t, exitOK, run([]string{"-home", dir, "open"}))
	require.Equal(t, exitOK, run([]string{"-home", dir, "checkpoint"}))
	require.Equal(t, exitOK, run([]string{"-home", dir, "recover"}))
	require.Equal(t, exitOK, run([]string{"-home", dir, "dump-stats"}))
}

func TestRun_UnknownCommandIsUsageError(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, exitUsage, run([]string{"-home", dir, "bogus"}))
}

func TestRun_NoCommandIsUsageError(t *testing.T) {
	require.Equal(t, exitUsage, run(nil))
}
