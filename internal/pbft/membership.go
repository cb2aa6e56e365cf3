package pbft

import (
	"bytes"
	"time"

	"github.com/swarmdb/core/internal/checkpoint"
	"github.com/swarmdb/core/internal/wire"
)

// handleMembershipMessage dispatches GET_STATE/SET_STATE state-transfer
// traffic (SPEC_FULL.md §4.5).
func (e *Engine) handleMembershipMessage(env *wire.Envelope) error {
	msg := env.Payload.PBFTMembership

	sender, ok, err := e.verifySender(env)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	switch msg.Type {
	case wire.MsgGetState:
		return e.handleGetState(sender.PublicKey, msg)
	case wire.MsgSetState:
		return e.handleSetState(msg)
	default:
		return nil
	}
}

// handleGetState replies with a snapshot only if this replica's own local
// checkpoint matches the requester's declared (sequence, hash) (SPEC_FULL.md
// §4.5).
func (e *Engine) handleGetState(requesterPub []byte, msg *wire.MembershipMessage) error {
	local, err := e.ckpt.LatestLocal()
	if err != nil {
		return err
	}
	if local.Sequence != msg.Sequence || !bytes.Equal(local.StateHash, msg.StateHash) {
		return nil
	}

	snap, err := e.svc.Snapshot()
	if err != nil {
		return err
	}

	v, err := e.currentView()
	if err != nil {
		return err
	}
	peer, ok := v.ByPublicKey(requesterPub)
	if !ok {
		return nil
	}

	resp := &wire.Envelope{
		Timestamp: time.Now().UnixMicro(),
		Payload: wire.Payload{
			PBFTMembership: &wire.MembershipMessage{
				Type:      wire.MsgSetState,
				Sequence:  msg.Sequence,
				StateHash: msg.StateHash,
				StateData: snap,
			},
		},
	}
	return e.sendTo(peer, resp)
}

// handleSetState validates and installs a received snapshot, then records
// it as this replica's new local checkpoint (SPEC_FULL.md §4.5).
func (e *Engine) handleSetState(msg *wire.MembershipMessage) error {
	if err := checkpoint.ValidateSnapshot(msg.StateData, msg.StateHash); err != nil {
		return err
	}
	if err := e.svc.Restore(msg.StateData); err != nil {
		return err
	}
	if err := e.ckpt.RecordLocal(msg.Sequence, msg.StateHash); err != nil {
		return err
	}
	if err := e.checkCheckpointDivergence(); err != nil {
		return err
	}
	return e.nextExecute.Set(msg.Sequence + 1)
}
