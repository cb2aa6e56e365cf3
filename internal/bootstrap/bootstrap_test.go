package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const samplePeersJSON = `[
  {"uuid": "00000000-0000-0000-0000-000000000001", "host": "10.0.0.1", "port": 9001, "name": "n1"},
  {"uuid": "00000000-0000-0000-0000-000000000002", "host": "10.0.0.2", "port": 9002, "name": "n2"},
  {"uuid": "00000000-0000-0000-0000-000000000003", "host": "10.0.0.3", "port": 9003, "name": "n3"}
]`

func writePeersFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSourceFetchParsesPeers(t *testing.T) {
	path := writePeersFile(t, samplePeersJSON)
	src := NewFileSource(path)

	ps, err := src.Fetch()
	require.NoError(t, err)
	require.Len(t, ps, 3)
	require.Equal(t, "10.0.0.1", ps[0].Host)
}

func TestFileSourceFetchRejectsEmptyList(t *testing.T) {
	path := writePeersFile(t, `[]`)
	src := NewFileSource(path)

	_, err := src.Fetch()
	require.Error(t, err)
}

func TestFileSourceFetchRejectsMissingFile(t *testing.T) {
	src := NewFileSource("/nonexistent/path/peers.json")
	_, err := src.Fetch()
	require.Error(t, err)
}

func TestBeaconForceRefreshPopulatesCurrent(t *testing.T) {
	path := writePeersFile(t, samplePeersJSON)
	b := NewBeacon(NewFileSource(path), time.Hour, nil)

	require.NoError(t, b.ForceRefresh())
	require.Equal(t, 3, b.Current().Len())
}

func TestBeaconKeepsOldListOnFetchFailure(t *testing.T) {
	path := writePeersFile(t, samplePeersJSON)
	fs := NewFileSource(path)
	b := NewBeacon(fs, time.Hour, nil)
	require.NoError(t, b.ForceRefresh())
	require.Equal(t, 3, b.Current().Len())

	// Corrupt the file; a subsequent refresh must keep the old list rather
	// than clearing it.
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	require.NoError(t, b.ForceRefresh())
	require.Equal(t, 3, b.Current().Len())
}

func TestBeaconInitialFetchFailurePropagatesWhenNoPriorList(t *testing.T) {
	b := NewBeacon(NewFileSource("/nonexistent/peers.json"), time.Hour, nil)
	require.Error(t, b.ForceRefresh())
}
