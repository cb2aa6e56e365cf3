// Package service implements the service adapter contract of SPEC_FULL.md
// §4.8 plus a reference in-memory key-value implementation: apply_operation,
// query, service_state_hash, consolidate_log, and register_execute_handler.
//
// Grounded on original_source/crud/ (the create/read/update/delete command
// shape applied against the replicated store) with the idempotent-replay and
// state-hash discipline pinned the way SPEC_FULL.md §12 resolves the
// source's open question on canonical hash encoding: sorted-key msgpack,
// blake2b-256.
package service

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/swarmdb/core/internal/cryptofacade"
	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/typedvalue"
)

// CommandType enumerates the database operations a client request may carry.
type CommandType int

const (
	Create CommandType = iota
	Read
	Update
	Delete
)

// Command is the decoded form of a Request.Operation payload.
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
}

// EncodeCommand serializes cmd for embedding as a Request.Operation payload,
// kept opaque at the protocol layer (SPEC_FULL.md §4.4: the pbft engine
// never interprets Operation, only hashes it).
func EncodeCommand(cmd Command) ([]byte, error) {
	b, err := msgpack.Marshal(&cmd)
	if err != nil {
		return nil, errors.WithMessage(err, "service: encode command")
	}
	return b, nil
}

// DecodeCommand inverts EncodeCommand, used by the engine at execution time.
func DecodeCommand(b []byte) (Command, error) {
	var cmd Command
	if err := msgpack.Unmarshal(b, &cmd); err != nil {
		return Command{}, errors.WithMessage(err, "service: decode command")
	}
	return cmd, nil
}

// Result is what a Command produces: a value (for Read) and/or an error
// code surfaced to the client as a wire.SwarmError.
type Result struct {
	Value []byte
	Code  ErrorCode
}

// ErrorCode mirrors the subset of wire.SwarmErrorCode this package can
// itself determine (unknown-key); the rest are produced at the engine layer.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeUnknownKey
	CodeAlreadyExists
)

// ExecutedRecord identifies one applied operation for idempotency,
// consolidation, and the execute-handler callback.
type ExecutedRecord struct {
	Sequence uint64
	ClientID string
	Nonce    uint64
	Command  Command
}

// ErrOutOfOrder is returned by ApplyOperation if asked to execute a
// sequence that is not exactly one past the last executed sequence
// (SPEC_FULL.md §4.8: "executions ... happen in strictly ascending
// sequence, contiguous, exactly once").
var ErrOutOfOrder = errors.New("service: apply_operation called out of sequence order")

// ExecuteHandler is invoked once per executed operation (SPEC_FULL.md §4.8).
type ExecuteHandler func(rec ExecutedRecord, res Result)

// KVService is the reference in-memory (store-backed) service adapter: a
// flat key-value database.
type KVService struct {
	data store.Store // backing database state, under "kv/" keys
	meta store.Store // dedup + executed-log + watermark bookkeeping, under "svc/" keys

	lastExecuted *typedvalue.TypedValue[uint64]
	handlers     []ExecuteHandler
}

var recordCodec = typedvalue.MsgpackCodec[executedEnvelope]{}

type executedEnvelope struct {
	Rec ExecutedRecord
	Res Result
}

// New constructs a KVService. data and meta may be the same Store (they use
// disjoint key prefixes) or separate ones.
func New(data, meta store.Store) (*KVService, error) {
	last, err := typedvalue.New[uint64](meta, "svc/last_executed", typedvalue.Uint64Codec{}, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "service: init last_executed watermark")
	}
	return &KVService{data: data, meta: meta, lastExecuted: last}, nil
}

// RegisterExecuteHandler registers fn to be invoked after every successful
// ApplyOperation.
func (k *KVService) RegisterExecuteHandler(fn ExecuteHandler) {
	k.handlers = append(k.handlers, fn)
}

func dedupKey(clientID string, nonce uint64) string {
	return typedvalue.Join("svc/dedup/"+typedvalue.EscapeComponent(clientID), typedvalue.FormatUint(nonce))
}

func executedLogKey(seq uint64) string {
	return "svc/executed/" + typedvalue.FormatUint(seq)
}

// ApplyOperation applies rec's command in sequence order, replaying
// idempotently by (client, nonce) (SPEC_FULL.md §4.8).
func (k *KVService) ApplyOperation(rec ExecutedRecord) (Result, error) {
	if cached, ok, err := k.dedupLookup(rec.ClientID, rec.Nonce); err != nil {
		return Result{}, err
	} else if ok {
		return cached, nil
	}

	last, err := k.lastExecuted.Get()
	if err != nil {
		return Result{}, err
	}
	if rec.Sequence != last+1 {
		return Result{}, errors.WithMessagef(ErrOutOfOrder, "got sequence %d, expected %d", rec.Sequence, last+1)
	}

	res, err := k.apply(rec.Command)
	if err != nil {
		return Result{}, err
	}

	if err := k.persistExecution(rec, res); err != nil {
		return Result{}, err
	}
	if err := k.lastExecuted.Set(rec.Sequence); err != nil {
		return Result{}, err
	}

	for _, h := range k.handlers {
		h(rec, res)
	}
	return res, nil
}

func (k *KVService) dedupLookup(clientID string, nonce uint64) (Result, bool, error) {
	raw, err := k.meta.Read(dedupKey(clientID, nonce))
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	env, err := recordCodec.Unmarshal(raw)
	if err != nil {
		return Result{}, false, err
	}
	return env.Res, true, nil
}

func (k *KVService) persistExecution(rec ExecutedRecord, res Result) error {
	raw, err := recordCodec.Marshal(executedEnvelope{Rec: rec, Res: res})
	if err != nil {
		return err
	}
	if err := k.meta.Update(dedupKey(rec.ClientID, rec.Nonce), raw); err != nil {
		return err
	}
	return k.meta.Update(executedLogKey(rec.Sequence), raw)
}

func (k *KVService) apply(cmd Command) (Result, error) {
	switch cmd.Type {
	case Create:
		if err := k.data.Create("kv/"+cmd.Key, cmd.Value); err != nil {
			if errors.Is(err, store.ErrExists) {
				return Result{Code: CodeAlreadyExists}, nil
			}
			return Result{}, err
		}
		return Result{Code: CodeOK}, nil
	case Read:
		v, err := k.data.Read("kv/" + cmd.Key)
		if errors.Is(err, store.ErrNotFound) {
			return Result{Code: CodeUnknownKey}, nil
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Value: v, Code: CodeOK}, nil
	case Update:
		if err := k.data.Update("kv/"+cmd.Key, cmd.Value); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeOK}, nil
	case Delete:
		if err := k.data.Remove("kv/" + cmd.Key); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeOK}, nil
	default:
		return Result{}, errors.Errorf("service: unknown command type %d", cmd.Type)
	}
}

// Query performs read-only access to the state at or after sequence
// (SPEC_FULL.md §4.8). The reference implementation keeps only current
// state, so it simply requires that execution has reached at least
// sequence before answering.
func (k *KVService) Query(cmd Command, sequence uint64) (Result, error) {
	last, err := k.lastExecuted.Get()
	if err != nil {
		return Result{}, err
	}
	if last < sequence {
		return Result{}, errors.Errorf("service: state not yet advanced to sequence %d (at %d)", sequence, last)
	}
	return k.apply(cmd)
}

// ServiceStateHash returns a deterministic fingerprint of the service state
// as of executing through sequence (SPEC_FULL.md §4.8). Callers must ensure
// execution has reached exactly sequence before relying on the result for
// checkpointing (SPEC_FULL.md §12's canonical-hash pin: sorted-key msgpack,
// blake2b-256).
func (k *KVService) ServiceStateHash(sequence uint64) ([]byte, error) {
	raw, err := k.kvStateBytes()
	if err != nil {
		return nil, err
	}
	return cryptofacade.Hash(raw), nil
}

// kvStateBytes returns the exact byte representation ServiceStateHash hashes
// and Snapshot/Restore exchange: the "kv/" keyspace, sorted by key and
// msgpack-marshaled. Keeping one encoding shared between the hash and the
// snapshot means ValidateSnapshot's hash of a received snapshot always
// agrees with the sender's declared ServiceStateHash.
func (k *KVService) kvStateBytes() ([]byte, error) {
	lo, hi := typedvalue.RangeBounds("kv/")
	kvs, err := k.data.ReadRange(lo, hi)
	if err != nil {
		return nil, err
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	raw, err := msgpack.Marshal(kvs)
	if err != nil {
		return nil, errors.WithMessage(err, "service: marshal state for hashing")
	}
	return raw, nil
}

// ConsolidateLog discards retained execution history strictly below
// sequence (SPEC_FULL.md §4.8), called after a checkpoint at sequence
// becomes stable.
func (k *KVService) ConsolidateLog(sequence uint64) error {
	return k.meta.RemoveRange("svc/executed/", "svc/executed/"+typedvalue.FormatUint(sequence))
}

// Snapshot exports just the "kv/" keyspace for state transfer, in the same
// sorted-key msgpack encoding ServiceStateHash hashes, so the bytes a
// recipient validates against the declared state-hash are the very bytes
// that hash was computed over (SPEC_FULL.md §4.5). It deliberately does not
// touch "svc/" bookkeeping or any of the engine's own protocol state, which
// share the same underlying store.Store but are outside the service's
// replicated state.
func (k *KVService) Snapshot() ([]byte, error) { return k.kvStateBytes() }

// Restore installs a snapshot produced by Snapshot, for the state-transfer
// recipient side of SPEC_FULL.md §4.5. It replaces only the "kv/" keyspace,
// leaving "svc/" and every other keyspace sharing this store.Store (the
// engine's view, watermarks, operation log, and configuration store) alone.
func (k *KVService) Restore(blob []byte) error {
	var kvs []store.KV
	if err := msgpack.Unmarshal(blob, &kvs); err != nil {
		return errors.WithMessage(err, "service: decode snapshot")
	}

	lo, hi := typedvalue.RangeBounds("kv/")
	if err := k.data.RemoveRange(lo, hi); err != nil {
		return errors.WithMessage(err, "service: clear existing state before restore")
	}
	for _, kv := range kvs {
		if err := k.data.Update(kv.Key, kv.Value); err != nil {
			return errors.WithMessagef(err, "service: restore key %s", kv.Key)
		}
	}
	return nil
}
