package names

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadPadsShortFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ttl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- shutter\n- mot_x\n"), 0o644))

	tbl, err := LoadTTL(path)
	require.NoError(t, err)
	require.Len(t, tbl, NTTL)
	require.Equal(t, "shutter", tbl.Get(0))
	require.Equal(t, "mot_x", tbl.Get(1))
	require.Equal(t, "", tbl.Get(2))
}

func TestLoadMissingFileReturnsEmptyTable(t *testing.T) {
	tbl, err := LoadDDS(filepath.Join(t.TempDir(), "dds.yaml"))
	require.NoError(t, err)
	require.Len(t, tbl, 22)
}

func TestLoadRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ttl.yaml")
	names := make([]byte, 0)
	for i := 0; i < NTTL+1; i++ {
		names = append(names, []byte("- c\n")...)
	}
	require.NoError(t, os.WriteFile(path, names, 0o644))

	_, err := LoadTTL(path)
	require.Error(t, err)
}

func TestSetGrowsTableAndRoundTrips(t *testing.T) {
	var tbl Table
	require.NoError(t, tbl.Set(5, "probe"))
	require.Len(t, tbl, 6)
	require.Equal(t, "probe", tbl.Get(5))

	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")
	require.NoError(t, Save(path, tbl))

	reread, err := Load(path, 6)
	require.NoError(t, err)
	require.Equal(t, "probe", reread.Get(5))
}
