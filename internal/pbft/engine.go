// Package pbft implements the PBFT engine of SPEC_FULL.md §4.4: the
// three-phase protocol, client-request intake, primary logic, checkpoint
// triggering, view-change, and reconfiguration, wiring together every other
// package in this module (peers, cryptofacade, wire, store, typedvalue,
// operation, checkpoint, config, failuredetector, service, audit, metrics,
// transport).
//
// Grounded on original_source/pbft/pbft.cpp's step()/handle_*() dispatch
// and the teacher's single-goroutine actor discipline (client_processor.go,
// state_machine.go): every protocol mutation happens on the single engine
// goroutine run by Run, fed by a channel of inbound events per SPEC_FULL.md
// §5's "Go realization of the actor model".
package pbft

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/swarmdb/core/internal/audit"
	"github.com/swarmdb/core/internal/checkpoint"
	"github.com/swarmdb/core/internal/config"
	"github.com/swarmdb/core/internal/cryptofacade"
	"github.com/swarmdb/core/internal/failuredetector"
	"github.com/swarmdb/core/internal/metrics"
	"github.com/swarmdb/core/internal/operation"
	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/service"
	"github.com/swarmdb/core/internal/status"
	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/transport"
	"github.com/swarmdb/core/internal/typedvalue"
	"github.com/swarmdb/core/internal/wire"
)

// Session is the transient, never-persisted handle an Engine uses to reply
// to the client that originated a request, when this replica happens to be
// the one holding the session (SPEC_FULL.md §3, §4.8).
type Session interface {
	Reply(res service.Result, swarmErr *wire.SwarmError)
}

// event is one unit of work funneled through the engine's single serializing
// channel (SPEC_FULL.md §5).
type event struct {
	env     *wire.Envelope
	failure bool
}

// Engine is one replica's PBFT protocol instance.
type Engine struct {
	crypto  *cryptofacade.Facade
	swarmID []byte

	s       store.Store
	cfg     *config.Store
	ops     *operation.Manager
	ckpt    *checkpoint.Manager
	fd      *failuredetector.Detector
	svc     *service.KVService
	auditor *audit.Auditor
	metrics *metrics.Collector
	logger  *zap.Logger
	xport   transport.Transport
	dedup   *requestDedup

	checkpointInterval uint64
	watermarkWindow    uint64
	requestDeadline    time.Duration

	nextSeq     *typedvalue.TypedValue[uint64]
	view        *typedvalue.TypedValue[uint64]
	lowWater    *typedvalue.TypedValue[uint64]
	highWater   *typedvalue.TypedValue[uint64]
	nextExecute *typedvalue.TypedValue[uint64]

	events chan event

	sessionsMu sync.Mutex
	sessions   map[string]Session // keyed by hex request hash

	vcMu                 sync.Mutex
	viewChangeInProgress bool
	viewChanges          map[uint64]map[string]*wire.Envelope // view -> sender nodeID -> envelope
	advertisedView       map[string]uint64                    // sender nodeID -> highest view ever advertised, for strict-increase validation

	addrBook func() map[string]string // peer UUID string -> transport address, supplied by cmd/swarmd wiring
}

// NewEngine constructs an Engine. addrBook resolves a peer's transport
// address (e.g. a websocket URL) from its UUID string; it is called fresh
// on every broadcast so it can reflect bootstrap.Beacon refreshes.
func NewEngine(
	s store.Store,
	crypto *cryptofacade.Facade,
	swarmID []byte,
	cfg *config.Store,
	ckpt *checkpoint.Manager,
	svc *service.KVService,
	auditor *audit.Auditor,
	collector *metrics.Collector,
	logger *zap.Logger,
	xport transport.Transport,
	addrBook func() map[string]string,
	checkpointInterval, watermarkWindow uint64,
	requestDeadline time.Duration,
) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.Nop()
	}

	e := &Engine{
		crypto:             crypto,
		swarmID:            swarmID,
		s:                  s,
		cfg:                cfg,
		ckpt:               ckpt,
		svc:                svc,
		auditor:            auditor,
		metrics:            collector,
		logger:             logger,
		xport:              xport,
		dedup:              newRequestDedup(s),
		checkpointInterval: checkpointInterval,
		watermarkWindow:    watermarkWindow,
		requestDeadline:    requestDeadline,
		events:             make(chan event, 4096),
		sessions:           make(map[string]Session),
		viewChanges:        make(map[uint64]map[string]*wire.Envelope),
		advertisedView:     make(map[string]uint64),
		addrBook:           addrBook,
	}

	nextSeq, err := typedvalue.New[uint64](s, "next_request_sequence", typedvalue.Uint64Codec{}, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "pbft: init next_request_sequence")
	}
	view, err := typedvalue.New[uint64](s, "current_view", typedvalue.Uint64Codec{}, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "pbft: init current_view")
	}
	low, err := typedvalue.New[uint64](s, "low_water", typedvalue.Uint64Codec{}, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "pbft: init low_water")
	}
	high, err := typedvalue.New[uint64](s, "high_water", typedvalue.Uint64Codec{}, watermarkWindow)
	if err != nil {
		return nil, errors.WithMessage(err, "pbft: init high_water")
	}
	nextExec, err := typedvalue.New[uint64](s, "next_execute", typedvalue.Uint64Codec{}, 1)
	if err != nil {
		return nil, errors.WithMessage(err, "pbft: init next_execute")
	}
	e.nextSeq, e.view, e.lowWater, e.highWater, e.nextExecute = nextSeq, view, low, high, nextExec

	e.ops = operation.NewManager(s, e.currentQuorum)
	e.fd = failuredetector.New(requestDeadline, e.onFailureDetectorExpiry)

	svc.RegisterExecuteHandler(e.onExecuted)
	xport.SetHandler(e.onTransportMessage)

	return e, nil
}

// currentQuorum answers the honest-majority size of the current
// configuration only (1 if it cannot be read or is empty). During a
// reconfiguration it does not count evidence against both the old and the
// new configuration; no joint quorum is computed. It is passed into
// operation.NewManager as the quorum func every Operation evaluates its
// predicates against.
func (e *Engine) currentQuorum() int {
	v, err := e.cfg.CurrentView()
	if err != nil || v.Len() == 0 {
		return 1
	}
	return v.Quorum()
}

// currentView returns the peers.View of the current configuration.
func (e *Engine) currentView() (*peers.View, error) {
	return e.cfg.CurrentView()
}

// selfUUID resolves this replica's own peer UUID in the current
// configuration by matching its public key, the reconciliation described
// in internal/peers.View.ByPublicKey's doc comment.
func (e *Engine) selfUUID() (peers.Peer, bool, error) {
	v, err := e.currentView()
	if err != nil {
		return peers.Peer{}, false, err
	}
	p, ok := v.ByPublicKey(e.crypto.PublicKey())
	return p, ok, nil
}

// isPrimary reports whether this replica is primary(view) in the current
// configuration.
func (e *Engine) isPrimary(view uint64) (bool, error) {
	v, err := e.currentView()
	if err != nil {
		return false, err
	}
	if v.Len() == 0 {
		return false, nil
	}
	primary := v.Primary(view)
	self, ok, err := e.selfUUID()
	if err != nil || !ok {
		return false, err
	}
	return self.UUID == primary.UUID, nil
}

// Events exposes the inbound event channel so Run can be driven by a
// caller-owned goroutine, and so tests can inject synthetic events.
func (e *Engine) Events() chan<- event { return e.events }

// Run drives the engine's single-goroutine event loop until ctx is
// cancelled (SPEC_FULL.md §5).
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev event) {
	if ev.failure {
		e.handleFailure()
		return
	}
	if err := e.step(ev.env); err != nil {
		if errors.Is(err, store.ErrNotSaved) {
			e.logger.Fatal("pbft: storage write not saved, halting replica", zap.Error(err))
		}
		e.logger.Debug("pbft: step error", zap.Error(err))
	}
}

// onTransportMessage is the transport.Handler registered with the
// configured Transport; it decodes and enqueues, never touching protocol
// state directly (SPEC_FULL.md §5: completions dispatch back onto the
// engine actor through a serializing handle).
func (e *Engine) onTransportMessage(_ string, raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		e.logger.Debug("pbft: dropping malformed envelope", zap.Error(err))
		return
	}
	select {
	case e.events <- event{env: env}:
	default:
		e.logger.Warn("pbft: inbound event queue full, dropping envelope")
	}
}

// Deliver enqueues a pre-decoded envelope, used for in-process loopback (a
// replica's own broadcast addressed to itself) and by tests.
func (e *Engine) Deliver(env *wire.Envelope) {
	select {
	case e.events <- event{env: env}:
	default:
		e.logger.Warn("pbft: inbound event queue full, dropping envelope")
	}
}

// onFailureDetectorExpiry is invoked on the failure detector's timer
// goroutine; it must be cheap and non-blocking (SPEC_FULL.md §4.4), so it
// only posts a synthetic event back onto the engine's serializing channel.
func (e *Engine) onFailureDetectorExpiry() {
	select {
	case e.events <- event{failure: true}:
	default:
	}
}

// step dispatches one decoded envelope by payload variant, mirroring the
// teacher's step() type switch over message wrapper types.
func (e *Engine) step(env *wire.Envelope) error {
	if !bytes.Equal(env.SwarmID, e.swarmID) {
		return nil // dropped: mismatching swarm identifier (SPEC_FULL.md §3)
	}

	switch {
	case env.Payload.DatabaseMsg != nil:
		return e.handleClientRequest(env)
	case env.Payload.PBFT != nil:
		return e.handlePBFTMessage(env)
	case env.Payload.CheckpointMsg != nil:
		return e.handleCheckpointMessage(env)
	case env.Payload.PBFTMembership != nil:
		return e.handleMembershipMessage(env)
	case env.Payload.PBFTInternalRequest != nil:
		return e.handleReconfigRequest(env)
	case env.Payload.StatusRequest != nil:
		return nil // status is served out-of-band by internal/status, not the protocol loop
	default:
		e.logger.Debug("pbft: dispatcher dead letter, no handler for payload variant")
		return nil
	}
}

// verifySender validates env's signature against senderPeer's recorded
// public key and returns the peer; an empty env.Sender is only valid for
// gateway-origin client requests, handled by the caller.
func (e *Engine) verifySender(env *wire.Envelope) (peers.Peer, bool, error) {
	if len(env.Sender) == 0 {
		return peers.Peer{}, false, nil
	}
	v, err := e.currentView()
	if err != nil {
		return peers.Peer{}, false, err
	}
	p, ok := v.ByPublicKey(env.Sender)
	if !ok {
		return peers.Peer{}, false, nil
	}
	canonical, err := wire.Canonicalize(env)
	if err != nil {
		return peers.Peer{}, false, err
	}
	if err := e.crypto.Verify(env.Sender, canonical, env.Signature); err != nil {
		if errors.Is(err, cryptofacade.ErrVerifyFailed) {
			return peers.Peer{}, false, nil
		}
		return peers.Peer{}, false, err
	}
	return p, true, nil
}

// sign canonicalizes and signs env in place.
func (e *Engine) sign(env *wire.Envelope) error {
	canonical, err := wire.Canonicalize(env)
	if err != nil {
		return err
	}
	sig, err := e.crypto.Sign(canonical)
	if err != nil {
		return err
	}
	env.Signature = sig
	return nil
}

// broadcast signs env, then sends it to every peer in the current
// configuration (including self, looped back directly rather than round-
// tripping through the transport).
func (e *Engine) broadcast(env *wire.Envelope) error {
	env.Sender = e.crypto.PublicKey()
	env.SwarmID = e.swarmID
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMicro()
	}
	if err := e.sign(env); err != nil {
		return errors.WithMessage(err, "pbft: sign broadcast envelope")
	}

	raw, err := wire.Encode(env)
	if err != nil {
		return errors.WithMessage(err, "pbft: encode broadcast envelope")
	}

	v, err := e.currentView()
	if err != nil {
		return err
	}
	self, _, err := e.selfUUID()
	if err != nil {
		return err
	}

	addrs := map[string]string{}
	if e.addrBook != nil {
		addrs = e.addrBook()
	}

	for _, p := range v.Ordered() {
		if p.UUID == self.UUID {
			e.Deliver(env)
			continue
		}
		addr, ok := addrs[p.UUID.String()]
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sendErr := e.xport.Send(ctx, addr, raw)
		cancel()
		if sendErr != nil {
			e.logger.Debug("pbft: broadcast send failed", zap.String("peer", p.UUID.String()), zap.Error(sendErr))
		}
	}
	return nil
}

// sendTo signs env and sends it to a single destination peer.
func (e *Engine) sendTo(dest peers.Peer, env *wire.Envelope) error {
	env.Sender = e.crypto.PublicKey()
	env.SwarmID = e.swarmID
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMicro()
	}
	if err := e.sign(env); err != nil {
		return err
	}
	raw, err := wire.Encode(env)
	if err != nil {
		return err
	}

	self, _, err := e.selfUUID()
	if err != nil {
		return err
	}
	if dest.UUID == self.UUID {
		e.Deliver(env)
		return nil
	}
	addrs := map[string]string{}
	if e.addrBook != nil {
		addrs = e.addrBook()
	}
	addr, ok := addrs[dest.UUID.String()]
	if !ok {
		return errors.Errorf("pbft: no known address for peer %s", dest.UUID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.xport.Send(ctx, addr, raw)
}

func hashHex(b []byte) string { return hex.EncodeToString(b) }

// Watermarks reads this replica's current view/sequence bookkeeping for
// status aggregation (SPEC_FULL.md §6/§12), safe to call from outside the
// engine goroutine since every field it reads is a typedvalue.TypedValue
// backed directly by the store.
func (e *Engine) Watermarks() (status.EngineWatermarks, error) {
	view, err := e.view.Get()
	if err != nil {
		return status.EngineWatermarks{}, err
	}
	low, err := e.lowWater.Get()
	if err != nil {
		return status.EngineWatermarks{}, err
	}
	high, err := e.highWater.Get()
	if err != nil {
		return status.EngineWatermarks{}, err
	}
	next, err := e.nextSeq.Get()
	if err != nil {
		return status.EngineWatermarks{}, err
	}
	return status.EngineWatermarks{View: view, LowWater: low, HighWater: high, NextSequence: next}, nil
}

// FailureDetector exposes the engine's failure detector for status
// aggregation's "pending_requests" field.
func (e *Engine) FailureDetector() *failuredetector.Detector { return e.fd }
