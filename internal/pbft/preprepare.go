package pbft

import (
	"bytes"
	"time"

	"github.com/swarmdb/core/internal/cryptofacade"
	"github.com/swarmdb/core/internal/operation"
	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/wire"
)

// handlePBFTMessage dispatches a decoded PBFT-phase envelope by its inner
// message type, mirroring the teacher's step() type switch.
func (e *Engine) handlePBFTMessage(env *wire.Envelope) error {
	msg := env.Payload.PBFT

	sender, ok, err := e.verifySender(env)
	if err != nil {
		return err
	}
	if !ok {
		return nil // drop: unverifiable or unknown sender
	}

	switch msg.Type {
	case wire.MsgPreprepare:
		return e.handlePreprepare(sender, env, msg)
	case wire.MsgPrepare:
		return e.handlePrepare(sender, env, msg)
	case wire.MsgCommit:
		return e.handleCommit(sender, env, msg)
	case wire.MsgViewChange:
		return e.handleViewChange(sender, env, msg)
	case wire.MsgNewView:
		return e.handleNewView(sender, env, msg)
	default:
		return nil
	}
}

// inWatermarks reports low < seq <= high (SPEC_FULL.md §4.4's watermark
// window check, applied identically to pre-prepare/prepare/commit intake).
func (e *Engine) inWatermarks(seq uint64) (bool, error) {
	low, err := e.lowWater.Get()
	if err != nil {
		return false, err
	}
	high, err := e.highWater.Get()
	if err != nil {
		return false, err
	}
	return seq > low && seq <= high, nil
}

// hasConflictingPreprepare enforces (I-op-1): at most one request hash may
// ever be accepted into pre-prepare for a given (view, sequence).
func (e *Engine) hasConflictingPreprepare(view, seq uint64, hashHex string) (bool, error) {
	keys, err := e.ops.KeysAt(seq)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k.View != view || k.RequestHash == hashHex {
			continue
		}
		op, err := e.ops.FindOrCreate(k)
		if err != nil {
			return false, err
		}
		preprepared, err := op.IsPreprepared()
		if err != nil {
			return false, err
		}
		if preprepared {
			return true, nil
		}
	}
	return false, nil
}

// handlePreprepare implements SPEC_FULL.md §4.4's pre-prepare acceptance
// rule: from the primary of msg.View, within the watermark window, with a
// request whose hash matches, and no conflicting hash already accepted for
// (view, sequence).
func (e *Engine) handlePreprepare(sender peers.Peer, env *wire.Envelope, msg *wire.PBFTMessage) error {
	view, err := e.view.Get()
	if err != nil {
		return err
	}
	if msg.View != view {
		return nil // stale or future view: ignored outside view-change handling
	}

	v, err := e.currentView()
	if err != nil {
		return err
	}
	if v.Len() == 0 {
		return nil
	}
	primary := v.Primary(msg.View)
	if sender.UUID != primary.UUID {
		return nil // drop: only the primary of this view may pre-prepare
	}
	e.auditor.ObservePrimary(msg.View, primary.UUID.String())

	ok, err := e.inWatermarks(msg.Sequence)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if msg.Request == nil {
		return nil // malformed: a real pre-prepare always carries its request
	}
	if !bytes.Equal(cryptofacade.Hash(msg.Request.Operation), msg.RequestHash) {
		return nil // malformed: declared hash does not match the embedded request
	}

	reqHashHex := hashHex(msg.RequestHash)
	conflict, err := e.hasConflictingPreprepare(msg.View, msg.Sequence, reqHashHex)
	if err != nil {
		return err
	}
	if conflict {
		return nil // (I-op-1): a different hash was already pre-prepared for (v,s)
	}

	key := operation.Key{View: msg.View, Sequence: msg.Sequence, RequestHash: reqHashHex}
	op, err := e.ops.FindOrCreate(key)
	if err != nil {
		return err
	}
	if err := op.RecordPreprepare(env); err != nil {
		return err
	}
	reqEnv := &wire.Envelope{
		Timestamp: env.Timestamp,
		Payload:   wire.Payload{DatabaseMsg: msg.Request},
	}
	if err := op.RecordRequest(reqEnv); err != nil {
		return err
	}

	e.fd.Seen(reqHashHex)

	prepare := &wire.Envelope{
		Timestamp: time.Now().UnixMicro(),
		Payload: wire.Payload{
			PBFT: &wire.PBFTMessage{
				Type:        wire.MsgPrepare,
				View:        msg.View,
				Sequence:    msg.Sequence,
				RequestHash: msg.RequestHash,
			},
		},
	}
	if err := e.broadcast(prepare); err != nil {
		return err
	}

	return e.reevaluate(key)
}
