package pbft

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swarmdb/core/internal/audit"
	"github.com/swarmdb/core/internal/checkpoint"
	"github.com/swarmdb/core/internal/config"
	"github.com/swarmdb/core/internal/cryptofacade"
	"github.com/swarmdb/core/internal/metrics"
	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/service"
	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/transport"
	"github.com/swarmdb/core/internal/wire"
)

// registry is a process-local switchboard routing a fakeTransport's Send
// calls directly to the target replica's registered handler, standing in
// for a real network for deterministic cluster simulation.
type registry struct {
	mu   sync.Mutex
	byID map[string]*fakeTransport
}

func newRegistry() *registry { return &registry{byID: make(map[string]*fakeTransport)} }

type fakeTransport struct {
	reg     *registry
	addr    string
	handler transport.Handler
}

func (r *registry) newTransport(addr string) *fakeTransport {
	t := &fakeTransport{reg: r, addr: addr}
	r.mu.Lock()
	r.byID[addr] = t
	r.mu.Unlock()
	return t
}

func (f *fakeTransport) SetHandler(h transport.Handler) { f.handler = h }
func (f *fakeTransport) Listen(string) error            { return nil }
func (f *fakeTransport) Close() error                   { return nil }

var _ transport.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Send(_ context.Context, addr string, msg []byte) error {
	f.reg.mu.Lock()
	target := f.reg.byID[addr]
	f.reg.mu.Unlock()
	if target == nil || target.handler == nil {
		return nil
	}
	target.handler(f.addr, msg)
	return nil
}

// replica bundles one in-process cluster member.
type replica struct {
	uuid   uuid.UUID
	crypto *cryptofacade.Facade
	svc    *service.KVService
	engine *Engine
	cancel context.CancelFunc
}

// recordingSession captures the reply an Engine delivers for a submitted
// client request.
type recordingSession struct {
	ch chan sessionReply
}
type sessionReply struct {
	res service.Result
	err *wire.SwarmError
}

func newRecordingSession() *recordingSession {
	return &recordingSession{ch: make(chan sessionReply, 1)}
}
func (s *recordingSession) Reply(res service.Result, swarmErr *wire.SwarmError) {
	s.ch <- sessionReply{res: res, err: swarmErr}
}

const testSwarmID = "test-swarm"

// newCluster builds n in-process replicas sharing one fakeTransport
// registry and an identical bootstrapped configuration, each driven by its
// own Run goroutine against ctx.
func newCluster(t *testing.T, ctx context.Context, n int, checkpointInterval, watermarkWindow uint64) []*replica {
	t.Helper()
	reg := newRegistry()

	replicas := make([]*replica, n)
	peerList := make([]peers.Peer, n)
	for i := 0; i < n; i++ {
		crypto, err := cryptofacade.Generate()
		require.NoError(t, err)
		id := uuid.New()
		replicas[i] = &replica{uuid: id, crypto: crypto}
		peerList[i] = peers.Peer{UUID: id, Host: "mem", Port: i, Name: id.String(), PublicKey: crypto.PublicKey()}
	}

	addrBook := func() map[string]string {
		out := make(map[string]string, n)
		for _, r := range replicas {
			out[r.uuid.String()] = r.uuid.String()
		}
		return out
	}

	for i := 0; i < n; i++ {
		r := replicas[i]
		s := store.NewMem()

		cfgStore, err := config.New(s)
		require.NoError(t, err)
		hash, err := cfgStore.Accept(config.Configuration{Peers: peerList})
		require.NoError(t, err)
		require.NoError(t, cfgStore.MarkPrepared(hash))
		require.NoError(t, cfgStore.MarkCommitted(hash))
		require.NoError(t, cfgStore.ActivateCurrent(hash, 0))

		ckptMgr, err := checkpoint.New(s)
		require.NoError(t, err)

		svc, err := service.New(s, s)
		require.NoError(t, err)
		r.svc = svc

		auditor := audit.New(64, zap.NewNop(), metrics.Nop())
		xport := reg.newTransport(r.uuid.String())

		engine, err := NewEngine(
			s, r.crypto, []byte(testSwarmID), cfgStore, ckptMgr, svc, auditor, metrics.Nop(),
			zap.NewNop(), xport, addrBook, checkpointInterval, watermarkWindow, 30*time.Second,
		)
		require.NoError(t, err)
		r.engine = engine

		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		go engine.Run(runCtx)
	}

	return replicas
}

func stopCluster(replicas []*replica) {
	for _, r := range replicas {
		r.cancel()
	}
}

func primaryOf(replicas []*replica, view uint64) *replica {
	ordered := append([]*replica(nil), replicas...)
	// Ordered() in peers.View sorts by UUID string; mirror that here so the
	// chosen replica actually matches what Engine.isPrimary computes.
	for i := range ordered {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].uuid.String() < ordered[i].uuid.String() {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	return ordered[view%uint64(len(ordered))]
}

func submitCreate(t *testing.T, r *replica, clientID string, nonce uint64, key, value string) *recordingSession {
	t.Helper()
	cmd := service.Command{Type: service.Create, Key: key, Value: []byte(value)}
	op, err := service.EncodeCommand(cmd)
	require.NoError(t, err)

	req := &wire.Request{ClientID: clientID, Nonce: nonce, Operation: op, Timestamp: time.Now().UnixMicro()}
	env := &wire.Envelope{SwarmID: []byte(testSwarmID), Payload: wire.Payload{DatabaseMsg: req}}

	sess := newRecordingSession()
	r.engine.SubmitClientRequest(env, sess)
	return sess
}

func waitReplicated(t *testing.T, replicas []*replica, key string, seq uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for _, r := range replicas {
		for {
			res, err := r.svc.Query(service.Command{Type: service.Read, Key: key}, seq)
			if err == nil {
				require.Equal(t, service.CodeOK, res.Code)
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("replica %s never replicated sequence %d: %v", r.uuid, seq, err)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestGoldenPathReplicatesAcrossQuorum(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replicas := newCluster(t, ctx, 4, 100, 200)
	defer stopCluster(replicas)

	primary := primaryOf(replicas, 0)
	sess := submitCreate(t, primary, "client-1", 1, "alpha", "one")

	select {
	case reply := <-sess.ch:
		require.Nil(t, reply.err)
		require.Equal(t, service.CodeOK, reply.res.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client reply")
	}

	waitReplicated(t, replicas, "alpha", 1)
}

func TestDuplicateRequestIsRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replicas := newCluster(t, ctx, 4, 100, 200)
	defer stopCluster(replicas)

	primary := primaryOf(replicas, 0)

	first := submitCreate(t, primary, "client-2", 1, "beta", "one")
	select {
	case reply := <-first.ch:
		require.Nil(t, reply.err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first reply")
	}
	waitReplicated(t, replicas, "beta", 1)

	cmd := service.Command{Type: service.Create, Key: "beta", Value: []byte("one")}
	op, err := service.EncodeCommand(cmd)
	require.NoError(t, err)
	req := &wire.Request{ClientID: "client-2", Nonce: 1, Operation: op, Timestamp: time.Now().UnixMicro()}
	env := &wire.Envelope{SwarmID: []byte(testSwarmID), Payload: wire.Payload{DatabaseMsg: req}}
	sess := newRecordingSession()
	primary.engine.SubmitClientRequest(env, sess)

	select {
	case reply := <-sess.ch:
		require.NotNil(t, reply.err)
		require.Equal(t, wire.ErrDuplicateRequest, reply.err.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for duplicate rejection")
	}
}

func TestNonPrimaryForwardsToPrimary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replicas := newCluster(t, ctx, 4, 100, 200)
	defer stopCluster(replicas)

	backup := primaryOf(replicas, 1)
	if backup == primaryOf(replicas, 0) {
		t.Fatal("test fixture expected a distinct backup replica")
	}

	sess := submitCreate(t, backup, "client-3", 1, "gamma", "one")
	select {
	case reply := <-sess.ch:
		require.Nil(t, reply.err)
		require.Equal(t, service.CodeOK, reply.res.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client reply after forwarding")
	}

	waitReplicated(t, replicas, "gamma", 1)
}

func TestCheckpointPromotesAndAdvancesWatermarks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const interval = 3
	replicas := newCluster(t, ctx, 4, interval, 10)
	defer stopCluster(replicas)

	primary := primaryOf(replicas, 0)
	for i := uint64(1); i <= interval; i++ {
		sess := submitCreate(t, primary, "client-4", i, "k", "v")
		select {
		case reply := <-sess.ch:
			require.Nil(t, reply.err)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for reply at nonce %d", i)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, r := range replicas {
		for {
			stable, err := r.engine.ckpt.LatestStable()
			require.NoError(t, err)
			if stable.Sequence == interval {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("replica %s never reached a stable checkpoint at %d (got %d)", r.uuid, interval, stable.Sequence)
			}
			time.Sleep(5 * time.Millisecond)
		}

		low, err := r.engine.lowWater.Get()
		require.NoError(t, err)
		require.Equal(t, uint64(interval), low)
	}
}
