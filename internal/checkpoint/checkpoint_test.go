package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmdb/core/internal/cryptofacade"
	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/wire"
)

func envelopeFor(seq uint64, hash []byte) (*wire.Envelope, wire.Checkpoint) {
	ckpt := wire.Checkpoint{Sequence: seq, StateHash: hash}
	return &wire.Envelope{
		Payload: wire.Payload{CheckpointMsg: &ckpt},
	}, ckpt
}

func allPeers(string) bool { return true }
func noPeers(string) bool  { return false }

func TestHandleIncomingPromotesOnQuorum(t *testing.T) {
	s := store.NewMem()
	m, err := New(s)
	require.NoError(t, err)

	hash := []byte("state-at-100")
	env, ckpt := envelopeFor(100, hash)

	promoted, err := m.HandleIncoming("n1", ckpt, env, allPeers, 3)
	require.NoError(t, err)
	require.False(t, promoted)

	promoted, err = m.HandleIncoming("n2", ckpt, env, allPeers, 3)
	require.NoError(t, err)
	require.False(t, promoted)

	promoted, err = m.HandleIncoming("n3", ckpt, env, allPeers, 3)
	require.NoError(t, err)
	require.True(t, promoted)

	stable, err := m.LatestStable()
	require.NoError(t, err)
	require.Equal(t, uint64(100), stable.Sequence)
	require.Equal(t, hash, stable.StateHash)

	senders, err := m.StableProofSenders()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1", "n2", "n3"}, senders)
}

func TestHandleIncomingDropsBelowStable(t *testing.T) {
	s := store.NewMem()
	m, err := New(s)
	require.NoError(t, err)

	env, ckpt := envelopeFor(200, []byte("h200"))
	for _, n := range []string{"n1", "n2", "n3"} {
		_, err := m.HandleIncoming(n, ckpt, env, allPeers, 3)
		require.NoError(t, err)
	}

	staleEnv, staleCkpt := envelopeFor(50, []byte("h50"))
	promoted, err := m.HandleIncoming("n4", staleCkpt, staleEnv, allPeers, 3)
	require.NoError(t, err)
	require.False(t, promoted)
}

func TestHandleIncomingIgnoresNonCurrentPeers(t *testing.T) {
	s := store.NewMem()
	m, err := New(s)
	require.NoError(t, err)

	env, ckpt := envelopeFor(100, []byte("h100"))
	promoted, err := m.HandleIncoming("outsider", ckpt, env, noPeers, 1)
	require.NoError(t, err)
	require.False(t, promoted, "non-current-peer attestations never count toward quorum")
}

func TestRecordLocalOnlyAdvances(t *testing.T) {
	s := store.NewMem()
	m, err := New(s)
	require.NoError(t, err)

	require.NoError(t, m.RecordLocal(10, []byte("h10")))
	require.NoError(t, m.RecordLocal(5, []byte("h5")))

	local, err := m.LatestLocal()
	require.NoError(t, err)
	require.Equal(t, uint64(10), local.Sequence)
}

func TestNeedsStateTransfer(t *testing.T) {
	s := store.NewMem()
	m, err := New(s)
	require.NoError(t, err)

	need, _, err := m.NeedsStateTransfer()
	require.NoError(t, err)
	require.False(t, need)

	env, ckpt := envelopeFor(100, []byte("h100"))
	_, err = m.HandleIncoming("n1", ckpt, env, allPeers, 1)
	require.NoError(t, err)

	need, stable, err := m.NeedsStateTransfer()
	require.NoError(t, err)
	require.True(t, need)
	require.Equal(t, uint64(100), stable.Sequence)
}

func TestValidateSnapshotHash(t *testing.T) {
	snap := []byte("snapshot-bytes")
	good := cryptofacade.Hash(snap)
	require.NoError(t, ValidateSnapshot(snap, good))
	require.ErrorIs(t, ValidateSnapshot(snap, []byte("wrong")), ErrSnapshotHashMismatch)
}

func TestDetectDivergenceIsSafetyViolation(t *testing.T) {
	s := store.NewMem()
	m, err := New(s)
	require.NoError(t, err)

	require.NoError(t, m.RecordLocal(100, []byte("honest-hash")))
	env, ckpt := envelopeFor(100, []byte("different-hash"))
	_, err = m.HandleIncoming("n1", ckpt, env, allPeers, 1)
	require.NoError(t, err)

	require.ErrorIs(t, m.DetectDivergence(), ErrDivergentCheckpoint)
}
