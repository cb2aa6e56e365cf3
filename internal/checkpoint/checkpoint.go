// Package checkpoint implements the checkpoint manager and state-transfer
// protocol of SPEC_FULL.md §4.5: tracking latest_local/latest_stable,
// accumulating partial proofs into a stable-checkpoint attestation set, and
// validating GET_STATE/SET_STATE snapshot exchange.
//
// Grounded on original_source/pbft/pbft_checkpoint_manager.cpp (the
// partial/stable proof bookkeeping and promotion side effects) and the
// teacher's checkpointTracker references in state_machine.go/outstanding.go.
package checkpoint

import (
	"bytes"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/swarmdb/core/internal/cryptofacade"
	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/typedvalue"
	"github.com/swarmdb/core/internal/wire"
)

// Checkpoint is the (sequence, state-hash) pair of SPEC_FULL.md §3.
type Checkpoint struct {
	Sequence  uint64
	StateHash []byte
}

var checkpointCodec = typedvalue.MsgpackCodec[Checkpoint]{}

// Manager tracks latest_local and latest_stable and accumulates checkpoint
// attestations, backed by s.
type Manager struct {
	s store.Store

	latestLocal  *typedvalue.TypedValue[Checkpoint]
	latestStable *typedvalue.TypedValue[Checkpoint]
}

// New constructs (or rehydrates) a checkpoint Manager over s.
func New(s store.Store) (*Manager, error) {
	local, err := typedvalue.New[Checkpoint](s, "latest_local", checkpointCodec, Checkpoint{})
	if err != nil {
		return nil, errors.WithMessage(err, "checkpoint: init latest_local")
	}
	stable, err := typedvalue.New[Checkpoint](s, "latest_stable", checkpointCodec, Checkpoint{})
	if err != nil {
		return nil, errors.WithMessage(err, "checkpoint: init latest_stable")
	}
	return &Manager{s: s, latestLocal: local, latestStable: stable}, nil
}

// LatestLocal returns the highest (s, σ) this replica has executed through
// and hashed.
func (m *Manager) LatestLocal() (Checkpoint, error) { return m.latestLocal.Get() }

// LatestStable returns the highest (s, σ) with honest-majority attestation.
func (m *Manager) LatestStable() (Checkpoint, error) { return m.latestStable.Get() }

// RecordLocal records that this replica has executed through and hashed
// (seq, hash), called by the engine after every checkpoint-interval
// execution (SPEC_FULL.md §4.4, "Checkpoint triggering").
func (m *Manager) RecordLocal(seq uint64, hash []byte) error {
	cur, err := m.latestLocal.Get()
	if err != nil {
		return err
	}
	if seq <= cur.Sequence && cur.StateHash != nil {
		return nil
	}
	return m.latestLocal.Set(Checkpoint{Sequence: seq, StateHash: hash})
}

func partialKey(seq uint64, hashHex string, sender string) string {
	return typedvalue.Join("ckpt/partial/"+typedvalue.FormatUint(seq)+"_"+hashHex, typedvalue.EscapeComponent(sender))
}

func partialPrefix(seq uint64, hashHex string) string {
	return "ckpt/partial/" + typedvalue.FormatUint(seq) + "_" + hashHex + "/"
}

func stableProofKey(sender string) string {
	return "ckpt/stable_proof/" + typedvalue.EscapeComponent(sender)
}

// IsCurrentPeer reports whether sender is eligible to contribute an
// attestation, evaluated against the configuration current at the
// checkpoint's sequence (SPEC_FULL.md §4.5, "current-configuration peers").
type IsCurrentPeer func(sender string) bool

// HandleIncoming processes one incoming checkpoint envelope from sender,
// returning whether it caused a promotion to stable. quorum is the
// honest-majority size of the configuration current at ckpt.Sequence.
func (m *Manager) HandleIncoming(sender string, ckpt wire.Checkpoint, env *wire.Envelope, isCurrentPeer IsCurrentPeer, quorum int) (promoted bool, err error) {
	stable, err := m.latestStable.Get()
	if err != nil {
		return false, err
	}

	if ckpt.Sequence < stable.Sequence {
		return false, nil // below latest stable: drop
	}

	hashHex := hex.EncodeToString(ckpt.StateHash)

	if ckpt.Sequence == stable.Sequence {
		// Matches latest stable: accumulate as additional proof, which
		// matters across reconfiguration when new-configuration peers
		// attest to an already-stable checkpoint.
		if isCurrentPeer(sender) {
			if err := m.putEnvelope(stableProofKey(sender), env); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if isCurrentPeer(sender) {
		if err := m.putEnvelope(partialKey(ckpt.Sequence, hashHex, sender), env); err != nil {
			return false, err
		}
	}

	lo, hi := typedvalue.RangeBounds(partialPrefix(ckpt.Sequence, hashHex))
	kvs, err := m.s.ReadRange(lo, hi)
	if err != nil {
		return false, err
	}
	if len(kvs) < quorum {
		return false, nil
	}

	if err := m.promote(ckpt.Sequence, ckpt.StateHash, hashHex, kvs); err != nil {
		return false, err
	}
	return true, nil
}

// promote replaces the stable-proof set with the contributing envelopes,
// deletes all partial entries at or below the new stable sequence, and
// advances latest_stable (SPEC_FULL.md §4.5, "Promotion side-effects").
func (m *Manager) promote(seq uint64, hash []byte, hashHex string, partialProofs []store.KV) error {
	existingLo, existingHi := typedvalue.RangeBounds("ckpt/stable_proof/")
	if err := m.s.RemoveRange(existingLo, existingHi); err != nil {
		return err
	}

	prefixLen := len(partialPrefix(seq, hashHex))
	for _, kv := range partialProofs {
		sender := kv.Key[prefixLen:]
		if err := m.s.Update(stableProofKey(sender), kv.Value); err != nil {
			return err
		}
	}

	if err := m.s.RemoveRange("ckpt/partial/", "ckpt/partial/"+typedvalue.FormatUint(seq+1)); err != nil {
		return err
	}

	return m.latestStable.Set(Checkpoint{Sequence: seq, StateHash: hash})
}

func (m *Manager) putEnvelope(key string, env *wire.Envelope) error {
	raw, err := wire.Encode(env)
	if err != nil {
		return errors.WithMessagef(err, "checkpoint: encode envelope at %s", key)
	}
	return m.s.Update(key, raw)
}

// StableProofSenders returns the escaped sender identifiers backing the
// current stable checkpoint's attestation set, used to pick a random
// state-transfer attestant.
func (m *Manager) StableProofSenders() ([]string, error) {
	lo, hi := typedvalue.RangeBounds("ckpt/stable_proof/")
	kvs, err := m.s.ReadRange(lo, hi)
	if err != nil {
		return nil, err
	}
	const prefix = "ckpt/stable_proof/"
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Key[len(prefix):])
	}
	return out, nil
}

// StableProofEnvelopes returns the raw attestation envelopes backing the
// current stable checkpoint, bundled into a VIEW-CHANGE message's checkpoint
// proof (SPEC_FULL.md §4.6).
func (m *Manager) StableProofEnvelopes() ([]*wire.Envelope, error) {
	lo, hi := typedvalue.RangeBounds("ckpt/stable_proof/")
	kvs, err := m.s.ReadRange(lo, hi)
	if err != nil {
		return nil, err
	}
	out := make([]*wire.Envelope, 0, len(kvs))
	for _, kv := range kvs {
		env, err := wire.Decode(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// NeedsStateTransfer reports whether this replica's latest_local trails the
// latest stable checkpoint, per the state-transfer protocol's trigger
// condition.
func (m *Manager) NeedsStateTransfer() (bool, Checkpoint, error) {
	local, err := m.latestLocal.Get()
	if err != nil {
		return false, Checkpoint{}, err
	}
	stable, err := m.latestStable.Get()
	if err != nil {
		return false, Checkpoint{}, err
	}
	return local.Sequence < stable.Sequence, stable, nil
}

// ErrSnapshotHashMismatch is returned by ValidateSnapshot when a received
// SET_STATE snapshot does not hash to the declared state-hash.
var ErrSnapshotHashMismatch = errors.New("checkpoint: snapshot does not match declared state hash")

// ValidateSnapshot checks a received snapshot against its declared hash
// (SPEC_FULL.md §4.5: "The recipient validates σ against its own hash of
// the snapshot").
func ValidateSnapshot(snapshot []byte, wantHash []byte) error {
	got := cryptofacade.Hash(snapshot)
	if !bytes.Equal(got, wantHash) {
		return ErrSnapshotHashMismatch
	}
	return nil
}

// ErrDivergentCheckpoint is a SAFETY violation (SPEC_FULL.md §4.5): the
// local and stable checkpoints share a sequence but disagree on hash.
var ErrDivergentCheckpoint = errors.New("checkpoint: local and stable checkpoints diverge at the same sequence")

// DetectDivergence compares latest_local against latest_stable and returns
// ErrDivergentCheckpoint if they share a sequence with differing hashes.
func (m *Manager) DetectDivergence() error {
	local, err := m.latestLocal.Get()
	if err != nil {
		return err
	}
	stable, err := m.latestStable.Get()
	if err != nil {
		return err
	}
	if local.Sequence == stable.Sequence && local.StateHash != nil && !bytes.Equal(local.StateHash, stable.StateHash) {
		return ErrDivergentCheckpoint
	}
	return nil
}
