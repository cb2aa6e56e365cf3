package pbft

import (
	"encoding/hex"
	"math/rand"
	"time"

	"github.com/swarmdb/core/internal/wire"
)

// triggerCheckpoint is called once execution reaches a checkpoint_interval
// boundary (SPEC_FULL.md §4.4, §4.5): hash the service state, record it
// locally, and broadcast a CHECKPOINT attestation.
func (e *Engine) triggerCheckpoint(seq uint64) error {
	hash, err := e.svc.ServiceStateHash(seq)
	if err != nil {
		return err
	}
	if err := e.ckpt.RecordLocal(seq, hash); err != nil {
		return err
	}
	if err := e.checkCheckpointDivergence(); err != nil {
		return err
	}

	env := &wire.Envelope{
		Timestamp: time.Now().UnixMicro(),
		Payload: wire.Payload{
			CheckpointMsg: &wire.Checkpoint{Sequence: seq, StateHash: hash},
		},
	}
	return e.broadcast(env)
}

// handleCheckpointMessage feeds an incoming CHECKPOINT attestation to the
// checkpoint manager and, on promotion to stable, advances watermarks and
// garbage-collects (SPEC_FULL.md §4.5).
func (e *Engine) handleCheckpointMessage(env *wire.Envelope) error {
	ckpt := *env.Payload.CheckpointMsg

	v, err := e.currentView()
	if err != nil {
		return err
	}
	isCurrentPeer := func(sender string) bool {
		_, ok := v.ByPublicKey(mustHexDecode(sender))
		return ok
	}

	promoted, err := e.ckpt.HandleIncoming(hashHex(env.Sender), ckpt, env, isCurrentPeer, v.Quorum())
	if err != nil {
		return err
	}
	if promoted {
		return e.onCheckpointPromoted(ckpt.Sequence)
	}
	return nil
}

// onCheckpointPromoted advances the watermark window, discards garbage
// below the new stable checkpoint, and checks whether this replica needs
// state transfer (SPEC_FULL.md §4.5's "Promotion side-effects").
func (e *Engine) onCheckpointPromoted(seq uint64) error {
	if err := e.lowWater.Set(seq); err != nil {
		return err
	}
	if err := e.highWater.Set(seq + e.watermarkWindow); err != nil {
		return err
	}
	if err := e.ops.DeleteOperationsUntil(seq); err != nil {
		return err
	}
	if err := e.svc.ConsolidateLog(seq); err != nil {
		return err
	}

	needs, stable, err := e.ckpt.NeedsStateTransfer()
	if err != nil {
		return err
	}
	if needs {
		return e.requestStateTransfer(stable.Sequence, stable.StateHash)
	}
	return nil
}

// checkCheckpointDivergence raises the safety alarm via metrics/logging if
// this replica's local and stable checkpoints disagree at the same
// sequence, and requests state transfer from a different attestant to
// recover (SPEC_FULL.md §4.5, §4.9: "emit an audit signal and request state
// from a different peer").
func (e *Engine) checkCheckpointDivergence() error {
	if err := e.ckpt.DetectDivergence(); err != nil {
		e.metrics.IncrCounter("checkpoint.safety_alarm", 1)
		e.logger.Sugar().Errorw("checkpoint safety alarm", "error", err)

		stable, stableErr := e.ckpt.LatestStable()
		if stableErr != nil {
			return stableErr
		}
		return e.requestStateTransfer(stable.Sequence, stable.StateHash)
	}
	return nil
}

// requestStateTransfer picks a random attestant from the current stable
// checkpoint's proof set and asks it for a snapshot (SPEC_FULL.md §4.5).
func (e *Engine) requestStateTransfer(stableSeq uint64, stableHash []byte) error {
	senders, err := e.ckpt.StableProofSenders()
	if err != nil {
		return err
	}
	if len(senders) == 0 {
		return nil
	}

	v, err := e.currentView()
	if err != nil {
		return err
	}
	self, _, err := e.selfUUID()
	if err != nil {
		return err
	}

	candidates := make([]string, 0, len(senders))
	for _, s := range senders {
		if s == hashHex(e.crypto.PublicKey()) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil
	}
	pick := candidates[rand.Intn(len(candidates))]

	peer, ok := v.ByPublicKey(mustHexDecode(pick))
	if !ok || peer.UUID == self.UUID {
		return nil
	}

	req := &wire.Envelope{
		Timestamp: time.Now().UnixMicro(),
		Payload: wire.Payload{
			PBFTMembership: &wire.MembershipMessage{
				Type:      wire.MsgGetState,
				Sequence:  stableSeq,
				StateHash: stableHash,
			},
		},
	}
	return e.sendTo(peer, req)
}

// mustHexDecode decodes a hex sender identifier, returning nil (a lookup
// that can never match) on malformed input rather than propagating an error
// through callback signatures that don't expect one.
func mustHexDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
