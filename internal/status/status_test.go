package status

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/swarmdb/core/internal/checkpoint"
	"github.com/swarmdb/core/internal/config"
	"github.com/swarmdb/core/internal/failuredetector"
	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/store"
)

func TestCollectAggregatesAllComponents(t *testing.T) {
	s := store.NewMem()

	ckpt, err := checkpoint.New(s)
	require.NoError(t, err)
	require.NoError(t, ckpt.RecordLocal(10, []byte("h10")))

	cfgStore, err := config.New(s)
	require.NoError(t, err)
	cfg := config.Configuration{Peers: []peers.Peer{{UUID: uuid.New(), Host: "h1", Port: 1, Name: "n1"}}}
	hash, err := cfgStore.Accept(cfg)
	require.NoError(t, err)
	require.NoError(t, cfgStore.MarkPrepared(hash))
	require.NoError(t, cfgStore.MarkCommitted(hash))
	require.NoError(t, cfgStore.ActivateCurrent(hash, 3))

	fd := failuredetector.New(0, func() {})
	fd.Seen("pending-hash")

	agg := New(func() EngineWatermarks {
		return EngineWatermarks{View: 3, LowWater: 0, HighWater: 200, NextSequence: 11}
	}, ckpt, cfgStore, fd)

	snap, err := agg.Collect()
	require.NoError(t, err)

	require.Equal(t, uint64(3), snap.View)
	require.Equal(t, uint64(10), snap.LatestLocal.Sequence)
	require.Equal(t, hash, snap.Configuration.Hash)
	require.Len(t, snap.Configuration.Peers, 1)
	require.Contains(t, snap.PendingRequests, "pending-hash")
}

func TestCollectWithNoCurrentConfiguration(t *testing.T) {
	s := store.NewMem()
	ckpt, err := checkpoint.New(s)
	require.NoError(t, err)
	cfgStore, err := config.New(s)
	require.NoError(t, err)

	agg := New(func() EngineWatermarks { return EngineWatermarks{} }, ckpt, cfgStore, nil)
	snap, err := agg.Collect()
	require.NoError(t, err)
	require.Empty(t, snap.Configuration.Hash)
}
