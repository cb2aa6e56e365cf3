// Package operation implements the Operation and operation manager of
// SPEC_FULL.md §4.3: the per-(view, sequence, request-hash) protocol record
// that tracks pre-prepare/prepare/commit evidence and advances through
// stages prepare -> commit -> execute.
//
// Grounded on original_source/pbft/pbft_operation.hpp and
// pbft_memory_operation.cpp (stage enum, evidence sets, is_preprepared/
// is_prepared/is_committed predicates) and the teacher's assert*-guarded
// invariant style (state_machine.go).
package operation

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/typedvalue"
	"github.com/swarmdb/core/internal/wire"
)

// Stage is the Operation's current phase (SPEC_FULL.md §3).
type Stage int

const (
	StagePrepare Stage = iota
	StageCommit
	StageExecute
)

func (s Stage) String() string {
	switch s {
	case StagePrepare:
		return "prepare"
	case StageCommit:
		return "commit"
	case StageExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// ErrBadTransition is returned when a stage transition's guarding predicate
// does not hold (SPEC_FULL.md §4.3: "Any other transition fails").
var ErrBadTransition = errors.New("operation: stage transition predicate not satisfied")

// Key identifies an Operation: (view, sequence, request-hash).
type Key struct {
	View        uint64
	Sequence    uint64
	RequestHash string // hex-encoded, so it is safe as a "_"-joined key component
}

func baseKey(k Key) string {
	return "op/" + typedvalue.FormatUint(k.Sequence) + "_" + k.RequestHash + "_" + typedvalue.FormatUint(k.View)
}

// stageCodec persists the Stage enum as a single byte.
type stageCodec struct{}

func (stageCodec) Marshal(s Stage) ([]byte, error) { return []byte{byte(s)}, nil }
func (stageCodec) Unmarshal(b []byte) (Stage, error) {
	if len(b) != 1 {
		return 0, errors.New("operation: malformed stage encoding")
	}
	return Stage(b[0]), nil
}

// Operation is one (view, sequence, request-hash) protocol record.
//
// It is a plain struct keyed by (v,s,h) (SPEC_FULL.md §9: "Model operations
// as value-typed records keyed by (v,s,h)"), never passed by pointer across
// goroutine boundaries except within the single engine actor.
type Operation struct {
	key   Key
	s     store.Store
	quora func() int // quorum size at evaluation time; a func so joint-consensus (SPEC_FULL.md §4.7) can answer with two-configuration logic

	stage *typedvalue.TypedValue[Stage]

	// session is transient and never persisted (SPEC_FULL.md §3): used only
	// to reply to the originating client when this replica holds the
	// session. The engine sets/reads it directly.
	Session interface{}
}

// New constructs (or rehydrates) the Operation for key, bound to store s.
// quorum is invoked fresh on every predicate evaluation so it can reflect a
// joint-consensus quorum during reconfiguration (SPEC_FULL.md §4.7).
func New(s store.Store, key Key, quorum func() int) (*Operation, error) {
	stage, err := typedvalue.New[Stage](s, baseKey(key)+"_stage", stageCodec{}, StagePrepare)
	if err != nil {
		return nil, errors.WithMessagef(err, "operation: init stage for %+v", key)
	}
	return &Operation{key: key, s: s, quora: quorum, stage: stage}, nil
}

// Key returns this operation's (view, sequence, request-hash).
func (o *Operation) Key() Key { return o.key }

// Stage returns the current stage.
func (o *Operation) Stage() (Stage, error) { return o.stage.Get() }

// RecordPreprepare persists the pre-prepare envelope. Per (I-op-1), callers
// must have already checked that no other hash was previously accepted for
// (view, sequence) before calling this — the operation itself does not
// arbitrate between competing hashes since a Key already fixes the hash.
func (o *Operation) RecordPreprepare(env *wire.Envelope) error {
	return o.putEnvelope(baseKey(o.key)+"_preprepare/self", env)
}

// RecordRequest saves the client request envelope, so it can be replayed
// after a crash (SPEC_FULL.md §3).
func (o *Operation) RecordRequest(env *wire.Envelope) error {
	return o.putEnvelope(baseKey(o.key)+"_request", env)
}

// RecordPrepare persists a PREPARE envelope from sender (at most one per
// distinct sender, last writer wins on retransmission).
func (o *Operation) RecordPrepare(sender string, env *wire.Envelope) error {
	return o.putEnvelope(baseKey(o.key)+"_prepare/"+typedvalue.EscapeComponent(sender), env)
}

// RecordCommit persists a COMMIT envelope from sender.
func (o *Operation) RecordCommit(sender string, env *wire.Envelope) error {
	return o.putEnvelope(baseKey(o.key)+"_commit/"+typedvalue.EscapeComponent(sender), env)
}

func (o *Operation) putEnvelope(key string, env *wire.Envelope) error {
	raw, err := wire.Encode(env)
	if err != nil {
		return errors.WithMessagef(err, "operation: encode envelope at %s", key)
	}
	if err := o.s.Update(key, raw); err != nil {
		return errors.WithMessagef(err, "operation: persist envelope at %s", key)
	}
	return nil
}

// Preprepare returns the saved pre-prepare envelope, if any.
func (o *Operation) Preprepare() (*wire.Envelope, error) {
	raw, err := o.s.Read(baseKey(o.key) + "_preprepare/self")
	if err != nil {
		return nil, err
	}
	return wire.Decode(raw)
}

// Prepares returns the saved prepare envelopes, one per distinct sender,
// used to build a view-change message's prepared-proof bundle.
func (o *Operation) Prepares() ([]*wire.Envelope, error) {
	lo, hi := typedvalue.RangeBounds(baseKey(o.key) + "_prepare/")
	kvs, err := o.s.ReadRange(lo, hi)
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

// HasRequest reports whether a request envelope has been saved.
func (o *Operation) HasRequest() (bool, error) {
	_, err := o.s.Read(baseKey(o.key) + "_request")
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Request returns the saved request envelope, if any.
func (o *Operation) Request() (*wire.Envelope, error) {
	raw, err := o.s.Read(baseKey(o.key) + "_request")
	if err != nil {
		return nil, err
	}
	return wire.Decode(raw)
}

func (o *Operation) countDistinctSenders(field string) (int, error) {
	lo, hi := typedvalue.RangeBounds(baseKey(o.key) + "_" + field + "/")
	kvs, err := o.s.ReadRange(lo, hi)
	if err != nil {
		return 0, err
	}
	return len(kvs), nil
}

// IsPreprepared is true once at least one pre-prepare record exists
// (SPEC_FULL.md §4.3).
func (o *Operation) IsPreprepared() (bool, error) {
	n, err := o.countDistinctSenders("preprepare")
	if err != nil {
		return false, err
	}
	return n >= 1, nil
}

// IsPrepared is is_preprepared ∧ request saved ∧ |prepare senders| ≥
// honest-majority (SPEC_FULL.md §4.3). Predicates are always derived by
// range-counting stored keys, never in-memory counters, so they can never
// diverge from storage after a crash-restart (SPEC_FULL.md §4.3).
func (o *Operation) IsPrepared() (bool, error) {
	pp, err := o.IsPreprepared()
	if err != nil || !pp {
		return false, err
	}
	hasReq, err := o.HasRequest()
	if err != nil || !hasReq {
		return false, err
	}
	n, err := o.countDistinctSenders("prepare")
	if err != nil {
		return false, err
	}
	return n >= o.quora(), nil
}

// IsCommitted is is_prepared ∧ |commit senders| ≥ honest-majority.
func (o *Operation) IsCommitted() (bool, error) {
	prepared, err := o.IsPrepared()
	if err != nil || !prepared {
		return false, err
	}
	n, err := o.countDistinctSenders("commit")
	if err != nil {
		return false, err
	}
	return n >= o.quora(), nil
}

// AdvanceToCommit transitions prepare -> commit, guarded by IsPrepared.
func (o *Operation) AdvanceToCommit() error {
	return o.advance(StagePrepare, StageCommit, o.IsPrepared)
}

// AdvanceToExecute transitions commit -> execute, guarded by IsCommitted.
func (o *Operation) AdvanceToExecute() error {
	return o.advance(StageCommit, StageExecute, o.IsCommitted)
}

func (o *Operation) advance(from, to Stage, guard func() (bool, error)) error {
	cur, err := o.stage.Get()
	if err != nil {
		return err
	}
	if cur != from {
		return errors.WithMessagef(ErrBadTransition, "operation %+v: expected stage %s, got %s", o.key, from, cur)
	}
	ok, err := guard()
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithMessagef(ErrBadTransition, "operation %+v: guard for %s->%s not satisfied", o.key, from, to)
	}
	return o.stage.Set(to)
}

// HashHex is a convenience to build a Key.RequestHash from raw hash bytes.
func HashHex(hash []byte) string {
	return hex.EncodeToString(hash)
}

