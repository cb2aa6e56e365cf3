package operation

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/wire"
)

func testKey() Key {
	return Key{View: 0, Sequence: 1, RequestHash: "aabbcc"}
}

func quorumOf(n int) func() int {
	return func() int { return n }
}

func preprepareEnvelope() *wire.Envelope {
	return &wire.Envelope{
		Payload: wire.Payload{
			PBFT: &wire.PBFTMessage{
				Type:     wire.MsgPreprepare,
				Sequence: 1,
			},
		},
	}
}

func requestEnvelope() *wire.Envelope {
	return &wire.Envelope{
		Payload: wire.Payload{
			PBFT: &wire.PBFTMessage{
				Type:    wire.MsgRequest,
				Request: &wire.Request{ClientID: "c1", Nonce: 1},
			},
		},
	}
}

func TestStageStartsAtPrepare(t *testing.T) {
	s := store.NewMem()
	op, err := New(s, testKey(), quorumOf(3))
	require.NoError(t, err)

	stage, err := op.Stage()
	require.NoError(t, err)
	require.Equal(t, StagePrepare, stage)
}

func TestIsPreparedRequiresPreprepareRequestAndQuorum(t *testing.T) {
	s := store.NewMem()
	op, err := New(s, testKey(), quorumOf(3))
	require.NoError(t, err)

	prepared, err := op.IsPrepared()
	require.NoError(t, err)
	require.False(t, prepared)

	require.NoError(t, op.RecordPreprepare(preprepareEnvelope()))
	require.NoError(t, op.RecordRequest(requestEnvelope()))

	prepared, err = op.IsPrepared()
	require.NoError(t, err)
	require.False(t, prepared, "quorum of prepares not yet met")

	require.NoError(t, op.RecordPrepare("n1", preprepareEnvelope()))
	require.NoError(t, op.RecordPrepare("n2", preprepareEnvelope()))
	require.NoError(t, op.RecordPrepare("n3", preprepareEnvelope()))

	prepared, err = op.IsPrepared()
	require.NoError(t, err)
	require.True(t, prepared)
}

func TestDuplicateSenderDoesNotInflateQuorum(t *testing.T) {
	s := store.NewMem()
	op, err := New(s, testKey(), quorumOf(3))
	require.NoError(t, err)
	require.NoError(t, op.RecordPreprepare(preprepareEnvelope()))
	require.NoError(t, op.RecordRequest(requestEnvelope()))

	require.NoError(t, op.RecordPrepare("n1", preprepareEnvelope()))
	require.NoError(t, op.RecordPrepare("n1", preprepareEnvelope()))
	require.NoError(t, op.RecordPrepare("n2", preprepareEnvelope()))

	prepared, err := op.IsPrepared()
	require.NoError(t, err)
	require.False(t, prepared, "two distinct senders is below a quorum of 3")
}

func TestAdvanceToCommitAndExecute(t *testing.T) {
	s := store.NewMem()
	op, err := New(s, testKey(), quorumOf(1))
	require.NoError(t, err)

	require.ErrorIs(t, op.AdvanceToCommit(), ErrBadTransition)

	require.NoError(t, op.RecordPreprepare(preprepareEnvelope()))
	require.NoError(t, op.RecordRequest(requestEnvelope()))
	require.NoError(t, op.RecordPrepare("n1", preprepareEnvelope()))

	require.NoError(t, op.AdvanceToCommit())
	stage, err := op.Stage()
	require.NoError(t, err)
	require.Equal(t, StageCommit, stage)

	require.ErrorIs(t, op.AdvanceToExecute(), ErrBadTransition, "no commit evidence recorded yet")

	require.NoError(t, op.RecordCommit("n1", preprepareEnvelope()))
	require.NoError(t, op.AdvanceToExecute())

	stage, err = op.Stage()
	require.NoError(t, err)
	require.Equal(t, StageExecute, stage)
}

func TestManagerFindOrCreateRehydrates(t *testing.T) {
	s := store.NewMem()
	m := NewManager(s, quorumOf(1))

	op1, err := m.FindOrCreate(testKey())
	require.NoError(t, err)
	require.NoError(t, op1.RecordPreprepare(preprepareEnvelope()))

	op2, err := m.FindOrCreate(testKey())
	require.NoError(t, err)
	require.Same(t, op1, op2, "manager caches Operation instances by key")
}

func TestDeleteOperationsUntilRemovesOlderSequences(t *testing.T) {
	s := store.NewMem()
	m := NewManager(s, quorumOf(1))

	low := Key{View: 0, Sequence: 1, RequestHash: "aaaa"}
	high := Key{View: 0, Sequence: 5, RequestHash: "bbbb"}

	opLow, err := m.FindOrCreate(low)
	require.NoError(t, err)
	require.NoError(t, opLow.RecordPreprepare(preprepareEnvelope()))

	opHigh, err := m.FindOrCreate(high)
	require.NoError(t, err)
	require.NoError(t, opHigh.RecordPreprepare(preprepareEnvelope()))

	require.NoError(t, m.DeleteOperationsUntil(1))

	_, stillCached := m.Find(low)
	require.False(t, stillCached)
	_, stillCachedHigh := m.Find(high)
	require.True(t, stillCachedHigh)

	pp, err := opHigh.IsPreprepared()
	require.NoError(t, err)
	require.True(t, pp, "sequence above the GC watermark survives")

	// Re-creating the low operation should rehydrate to a fresh (empty) state,
	// since storage was actually purged.
	opLowAgain, err := m.FindOrCreate(low)
	require.NoError(t, err)
	pp, err = opLowAgain.IsPreprepared()
	require.NoError(t, err)
	require.False(t, pp)
}

func TestPreparedSinceReturnsOnlyPreparedOpsAboveWatermark(t *testing.T) {
	s := store.NewMem()
	m := NewManager(s, quorumOf(1))

	prepped := Key{View: 0, Sequence: 3, RequestHash: "cccc"}
	op, err := m.FindOrCreate(prepped)
	require.NoError(t, err)
	require.NoError(t, op.RecordPreprepare(preprepareEnvelope()))
	require.NoError(t, op.RecordRequest(requestEnvelope()))
	require.NoError(t, op.RecordPrepare("n1", preprepareEnvelope()))

	unprepped := Key{View: 0, Sequence: 4, RequestHash: "dddd"}
	op2, err := m.FindOrCreate(unprepped)
	require.NoError(t, err)
	require.NoError(t, op2.RecordPreprepare(preprepareEnvelope()))

	below := Key{View: 0, Sequence: 1, RequestHash: "eeee"}
	op3, err := m.FindOrCreate(below)
	require.NoError(t, err)
	require.NoError(t, op3.RecordPreprepare(preprepareEnvelope()))
	require.NoError(t, op3.RecordRequest(requestEnvelope()))
	require.NoError(t, op3.RecordPrepare("n1", preprepareEnvelope()))

	keys, err := m.PreparedSince(2)
	require.NoError(t, err)
	require.Equal(t, []Key{prepped}, keys)
}
