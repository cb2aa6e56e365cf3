package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/store"
)

func samplePeers(n int) []peers.Peer {
	out := make([]peers.Peer, n)
	for i := range out {
		out[i] = peers.Peer{UUID: uuid.New(), Host: "127.0.0.1", Port: 9000 + i, Name: "n"}
	}
	return out
}

func TestAcceptIsIdempotentByContentHash(t *testing.T) {
	s := store.NewMem()
	st, err := New(s)
	require.NoError(t, err)

	cfg := Configuration{Peers: samplePeers(3)}
	h1, err := st.Accept(cfg)
	require.NoError(t, err)
	h2, err := st.Accept(cfg)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestStateLifecycleTransitions(t *testing.T) {
	s := store.NewMem()
	st, err := New(s)
	require.NoError(t, err)

	cfg := Configuration{Peers: samplePeers(4)}
	hash, err := st.Accept(cfg)
	require.NoError(t, err)

	_, state, ok, err := st.Get(hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateAccepted, state)

	require.ErrorIs(t, st.MarkCommitted(hash), ErrBadTransition)

	require.NoError(t, st.MarkPrepared(hash))
	_, state, _, err = st.Get(hash)
	require.NoError(t, err)
	require.Equal(t, StatePrepared, state)

	require.NoError(t, st.MarkCommitted(hash))
	require.NoError(t, st.ActivateCurrent(hash, 7))

	_, state, _, err = st.Get(hash)
	require.NoError(t, err)
	require.Equal(t, StateCurrent, state)

	current, view, ok, err := st.Current()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), view)
	require.Len(t, current.Peers, 4)
}

func TestCurrentViewReflectsActiveConfiguration(t *testing.T) {
	s := store.NewMem()
	st, err := New(s)
	require.NoError(t, err)

	empty, err := st.CurrentView()
	require.NoError(t, err)
	require.Equal(t, 0, empty.Len())

	cfg := Configuration{Peers: samplePeers(7)}
	hash, err := st.Accept(cfg)
	require.NoError(t, err)
	require.NoError(t, st.MarkPrepared(hash))
	require.NoError(t, st.MarkCommitted(hash))
	require.NoError(t, st.ActivateCurrent(hash, 1))

	v, err := st.CurrentView()
	require.NoError(t, err)
	require.Equal(t, 7, v.Len())
	require.Equal(t, 5, v.Quorum())
}

func TestLoadNodeConfigAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	content := `
listener_address: 0.0.0.0
listener_port: 8080
bootstrap:
  file: peers.json
state_directory: /var/lib/swarmd
crypto:
  verify_incoming: true
  sign_outgoing: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	nc, err := LoadNodeConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultCheckpointInterval, nc.CheckpointInterval)
	require.Equal(t, DefaultWebsocketIdleTimeout, nc.WebsocketIdleTimeout)
	require.True(t, nc.Crypto.VerifyIncoming)
	require.Equal(t, "peers.json", nc.Bootstrap.File)
}

func TestLoadNodeConfigRejectsMissingBootstrap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	content := `
listener_address: 0.0.0.0
listener_port: 8080
state_directory: /var/lib/swarmd
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadNodeConfig(path)
	require.Error(t, err)
}
