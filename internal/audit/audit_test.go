package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap"
)

func newTestAuditor(capacity int) (*Auditor, *observer.ObservedLogs) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core)
	return New(capacity, logger, nil), logs
}

func TestNoAlarmOnAgreeingObservations(t *testing.T) {
	a, logs := newTestAuditor(16)
	a.ObservePrimary(1, "node-a")
	a.ObservePrimary(1, "node-a")
	a.ObserveCommit(10, "hash-x")
	a.ObserveCommit(10, "hash-x")

	require.Equal(t, 0, logs.Len())
}

func TestAlarmOnConflictingPrimary(t *testing.T) {
	a, logs := newTestAuditor(16)
	a.ObservePrimary(1, "node-a")
	a.ObservePrimary(1, "node-b")

	require.Equal(t, 1, logs.Len())
	require.Contains(t, logs.All()[0].Message, "conflicting primary")
}

func TestAlarmOnConflictingCommit(t *testing.T) {
	a, logs := newTestAuditor(16)
	a.ObserveCommit(100, "hash-x")
	a.ObserveCommit(100, "hash-y")

	require.Equal(t, 1, logs.Len())
	require.Contains(t, logs.All()[0].Message, "conflicting hash committed")
}

func TestFIFOEvictionBoundsMemory(t *testing.T) {
	a, _ := newTestAuditor(2)
	a.ObserveCommit(1, "h1")
	a.ObserveCommit(2, "h2")
	a.ObserveCommit(3, "h3") // evicts seq 1

	_, ok := a.commit.get(1)
	require.False(t, ok)
	_, ok = a.commit.get(3)
	require.True(t, ok)
}
