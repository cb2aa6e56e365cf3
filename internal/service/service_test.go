package service

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/swarmdb/core/internal/store"
)

func newService(t *testing.T) *KVService {
	t.Helper()
	s := store.NewMem()
	svc, err := New(s, s)
	require.NoError(t, err)
	return svc
}

func TestApplyOperationCreateReadUpdateDelete(t *testing.T) {
	svc := newService(t)

	res, err := svc.ApplyOperation(ExecutedRecord{
		Sequence: 1, ClientID: "c1", Nonce: 1,
		Command: Command{Type: Create, Key: "k", Value: []byte("v1")},
	})
	require.NoError(t, err)
	require.Equal(t, CodeOK, res.Code)

	res, err = svc.ApplyOperation(ExecutedRecord{
		Sequence: 2, ClientID: "c1", Nonce: 2,
		Command: Command{Type: Read, Key: "k"},
	})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), res.Value)

	res, err = svc.ApplyOperation(ExecutedRecord{
		Sequence: 3, ClientID: "c1", Nonce: 3,
		Command: Command{Type: Update, Key: "k", Value: []byte("v2")},
	})
	require.NoError(t, err)
	require.Equal(t, CodeOK, res.Code)

	res, err = svc.ApplyOperation(ExecutedRecord{
		Sequence: 4, ClientID: "c1", Nonce: 4,
		Command: Command{Type: Delete, Key: "k"},
	})
	require.NoError(t, err)
	require.Equal(t, CodeOK, res.Code)

	res, err = svc.ApplyOperation(ExecutedRecord{
		Sequence: 5, ClientID: "c1", Nonce: 5,
		Command: Command{Type: Read, Key: "k"},
	})
	require.NoError(t, err)
	require.Equal(t, CodeUnknownKey, res.Code)
}

func TestApplyOperationRejectsOutOfOrder(t *testing.T) {
	svc := newService(t)
	_, err := svc.ApplyOperation(ExecutedRecord{
		Sequence: 2, ClientID: "c1", Nonce: 1,
		Command: Command{Type: Create, Key: "k", Value: []byte("v")},
	})
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestApplyOperationIsIdempotentByClientNonce(t *testing.T) {
	svc := newService(t)
	rec := ExecutedRecord{Sequence: 1, ClientID: "c1", Nonce: 1, Command: Command{Type: Create, Key: "k", Value: []byte("v1")}}

	res1, err := svc.ApplyOperation(rec)
	require.NoError(t, err)

	// Replay after a crash: same (client, nonce), even though the engine
	// hands back the exact same sequence again.
	res2, err := svc.ApplyOperation(rec)
	require.NoError(t, err)
	require.Equal(t, res1, res2)

	v, err := svc.Query(Command{Type: Read, Key: "k"}, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v.Value)
}

func TestExecuteHandlerInvokedOnce(t *testing.T) {
	svc := newService(t)
	var calls []uint64
	svc.RegisterExecuteHandler(func(rec ExecutedRecord, _ Result) {
		calls = append(calls, rec.Sequence)
	})

	rec := ExecutedRecord{Sequence: 1, ClientID: "c1", Nonce: 1, Command: Command{Type: Create, Key: "k", Value: []byte("v")}}
	_, err := svc.ApplyOperation(rec)
	require.NoError(t, err)
	_, err = svc.ApplyOperation(rec)
	require.NoError(t, err)

	require.Equal(t, []uint64{1}, calls, "replay must not re-invoke the execute handler")
}

func TestQueryRequiresCaughtUpState(t *testing.T) {
	svc := newService(t)
	_, err := svc.Query(Command{Type: Read, Key: "k"}, 5)
	require.Error(t, err)
}

func TestServiceStateHashDeterministic(t *testing.T) {
	svcA := newService(t)
	svcB := newService(t)

	for _, svc := range []*KVService{svcA, svcB} {
		_, err := svc.ApplyOperation(ExecutedRecord{Sequence: 1, ClientID: "c1", Nonce: 1, Command: Command{Type: Create, Key: "a", Value: []byte("1")}})
		require.NoError(t, err)
		_, err = svc.ApplyOperation(ExecutedRecord{Sequence: 2, ClientID: "c1", Nonce: 2, Command: Command{Type: Create, Key: "b", Value: []byte("2")}})
		require.NoError(t, err)
	}

	hashA, err := svcA.ServiceStateHash(2)
	require.NoError(t, err)
	hashB, err := svcB.ServiceStateHash(2)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
}

func TestConsolidateLogRemovesOldEntries(t *testing.T) {
	svc := newService(t)
	for i := uint64(1); i <= 5; i++ {
		_, err := svc.ApplyOperation(ExecutedRecord{Sequence: i, ClientID: "c1", Nonce: i, Command: Command{Type: Create, Key: string(rune('a' + i)), Value: []byte("v")}})
		require.NoError(t, err)
	}
	require.NoError(t, svc.ConsolidateLog(4))

	_, err := svc.meta.Read(executedLogKey(1))
	require.Error(t, err)
	_, err = svc.meta.Read(executedLogKey(4))
	require.NoError(t, err)
}
