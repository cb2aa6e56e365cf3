package pbft

import (
	"encoding/hex"
	"time"

	"github.com/swarmdb/core/internal/operation"
	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/wire"
)

// handlePrepare records a PREPARE vote and re-evaluates the operation's
// stage (SPEC_FULL.md §4.4).
func (e *Engine) handlePrepare(sender peers.Peer, env *wire.Envelope, msg *wire.PBFTMessage) error {
	ok, err := e.inWatermarks(msg.Sequence)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	key := operation.Key{View: msg.View, Sequence: msg.Sequence, RequestHash: hashHex(msg.RequestHash)}
	op, err := e.ops.FindOrCreate(key)
	if err != nil {
		return err
	}
	if err := op.RecordPrepare(hashHex(env.Sender), env); err != nil {
		return err
	}
	return e.reevaluate(key)
}

// handleCommit records a COMMIT vote, feeds the safety auditor, and
// re-evaluates the operation's stage (SPEC_FULL.md §4.4, §4.9).
func (e *Engine) handleCommit(sender peers.Peer, env *wire.Envelope, msg *wire.PBFTMessage) error {
	ok, err := e.inWatermarks(msg.Sequence)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	reqHashHex := hashHex(msg.RequestHash)
	key := operation.Key{View: msg.View, Sequence: msg.Sequence, RequestHash: reqHashHex}
	op, err := e.ops.FindOrCreate(key)
	if err != nil {
		return err
	}
	if err := op.RecordCommit(hashHex(env.Sender), env); err != nil {
		return err
	}
	e.auditor.ObserveCommit(msg.Sequence, reqHashHex)
	return e.reevaluate(key)
}

// reevaluate advances an operation's stage as far as its recorded evidence
// allows, broadcasting a COMMIT once it becomes prepared, then attempts
// execution (SPEC_FULL.md §4.3's prepare -> commit -> execute ladder).
func (e *Engine) reevaluate(key operation.Key) error {
	op, ok := e.ops.Find(key)
	if !ok {
		return nil
	}

	stage, err := op.Stage()
	if err != nil {
		return err
	}

	if stage == operation.StagePrepare {
		prepared, err := op.IsPrepared()
		if err != nil {
			return err
		}
		if !prepared {
			return nil
		}
		if err := op.AdvanceToCommit(); err != nil {
			return err
		}

		reqHash, err := hex.DecodeString(key.RequestHash)
		if err != nil {
			return err
		}
		commit := &wire.Envelope{
			Timestamp: time.Now().UnixMicro(),
			Payload: wire.Payload{
				PBFT: &wire.PBFTMessage{
					Type:        wire.MsgCommit,
					View:        key.View,
					Sequence:    key.Sequence,
					RequestHash: reqHash,
				},
			},
		}
		if err := e.broadcast(commit); err != nil {
			return err
		}
		stage = operation.StageCommit
	}

	if stage == operation.StageCommit {
		committed, err := op.IsCommitted()
		if err != nil {
			return err
		}
		if committed {
			if err := op.AdvanceToExecute(); err != nil {
				return err
			}
		}
	}

	return e.tryExecute()
}
