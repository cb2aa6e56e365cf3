package operation

import (
	"sort"
	"sync"

	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/typedvalue"
)

// Manager is the in-memory index of live Operations, backed by s for all
// durable state. The map itself holds no protocol evidence — it is purely a
// lookup cache over what is already on disk (SPEC_FULL.md §4.3).
//
// The mutex guards only map access, never I/O: SPEC_FULL.md §5 runs the
// whole engine from a single goroutine, so this lock exists for the rare
// case a status/audit reader (internal/status) inspects the manager from
// outside the engine goroutine.
type Manager struct {
	mu sync.Mutex
	s  store.Store

	quorum func() int
	ops    map[Key]*Operation
}

// NewManager constructs a Manager over s. quorum is forwarded to every
// Operation constructed through FindOrCreate.
func NewManager(s store.Store, quorum func() int) *Manager {
	return &Manager{s: s, quorum: quorum, ops: make(map[Key]*Operation)}
}

// FindOrCreate returns the Operation for key, constructing and caching it
// (rehydrating any persisted evidence) on first access.
func (m *Manager) FindOrCreate(key Key) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if op, ok := m.ops[key]; ok {
		return op, nil
	}
	op, err := New(m.s, key, m.quorum)
	if err != nil {
		return nil, err
	}
	m.ops[key] = op
	return op, nil
}

// Find returns the cached Operation for key without constructing one.
func (m *Manager) Find(key Key) (*Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[key]
	return op, ok
}

// DeleteOperationsUntil discards all evidence for operations with sequence
// <= seq, both from the in-memory index and from storage (SPEC_FULL.md
// §4.5: invoked once a checkpoint at seq becomes stable).
func (m *Manager) DeleteOperationsUntil(seq uint64) error {
	m.mu.Lock()
	for k, op := range m.ops {
		if k.Sequence <= seq {
			delete(m.ops, k)
			_ = op // the Operation value itself is simply dropped; storage cleanup below is authoritative
		}
	}
	m.mu.Unlock()

	lo, hiExclusive := "op/", "op/"+opSeqUpperBound(seq)
	return m.s.RemoveRange(lo, hiExclusive)
}

// opSeqUpperBound returns the key-encoded sequence number one past seq, the
// exclusive upper range bound for "every operation with sequence <= seq".
func opSeqUpperBound(seq uint64) string {
	return typedvalue.FormatUint(seq + 1)
}

// operationRecord is a decoded (v,s,h) + stage pair surfaced by
// PreparedSince.
type operationRecord struct {
	Key   Key
	Stage Stage
}

// PreparedSince returns every operation with sequence > seq that is
// currently prepared or further along, one per sequence number (preferring
// the highest view when more than one hash was ever prepared for a given
// sequence — SPEC_FULL.md §4.6's view-change evidence collection). Used to
// build the prepared-set evidence a replica attaches to a VIEW-CHANGE
// message.
func (m *Manager) PreparedSince(seq uint64) ([]Key, error) {
	lo, hi := "op/"+opSeqUpperBound(seq), "op/\xff"
	kvs, err := m.s.ReadIf(lo, hi, func(key string, _ []byte) bool {
		return hasStageSuffix(key)
	})
	if err != nil {
		return nil, err
	}

	bySeq := make(map[uint64]Key)
	for _, kv := range kvs {
		k, ok := parseStageKey(kv.Key)
		if !ok {
			continue
		}
		op, err := m.FindOrCreate(k)
		if err != nil {
			return nil, err
		}
		prepared, err := op.IsPrepared()
		if err != nil {
			return nil, err
		}
		if !prepared {
			continue
		}
		existing, have := bySeq[k.Sequence]
		if !have || k.View > existing.View {
			bySeq[k.Sequence] = k
		}
	}

	out := make([]Key, 0, len(bySeq))
	for _, k := range bySeq {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// FindExecutable returns the operation at sequence seq whose stage is
// StageExecute, if any (SPEC_FULL.md §4.4: "whenever the operation at
// next_execute is in stage execute, hand its request to the service
// adapter"). At most one operation per sequence ever reaches execute at an
// honest replica (I-op-1 plus the commit quorum predicate), so the first
// match found is authoritative.
func (m *Manager) FindExecutable(seq uint64) (Key, *Operation, bool, error) {
	lo, hi := typedvalue.RangeBounds("op/" + typedvalue.FormatUint(seq) + "_")
	kvs, err := m.s.ReadIf(lo, hi, func(key string, _ []byte) bool { return hasStageSuffix(key) })
	if err != nil {
		return Key{}, nil, false, err
	}
	for _, kv := range kvs {
		k, ok := parseStageKey(kv.Key)
		if !ok || k.Sequence != seq {
			continue
		}
		op, err := m.FindOrCreate(k)
		if err != nil {
			return Key{}, nil, false, err
		}
		stage, err := op.Stage()
		if err != nil {
			return Key{}, nil, false, err
		}
		if stage == StageExecute {
			return k, op, true, nil
		}
	}
	return Key{}, nil, false, nil
}

// KeysAt returns every operation Key known at sequence seq, regardless of
// stage or view, used by the engine's (I-op-1) conflicting-pre-prepare check
// (SPEC_FULL.md §4.4).
func (m *Manager) KeysAt(seq uint64) ([]Key, error) {
	lo, hi := typedvalue.RangeBounds("op/" + typedvalue.FormatUint(seq) + "_")
	kvs, err := m.s.ReadIf(lo, hi, func(key string, _ []byte) bool { return hasStageSuffix(key) })
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, len(kvs))
	for _, kv := range kvs {
		k, ok := parseStageKey(kv.Key)
		if !ok || k.Sequence != seq {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// AllKeys returns every operation Key the log currently knows about, across
// every sequence, in store key order: by sequence, then request hash, then
// view. Used by
// the operation-log inspector (cmd/swarmcat), which has no single sequence
// to scope a scan to.
func (m *Manager) AllKeys() ([]Key, error) {
	lo, hi := typedvalue.RangeBounds("op/")
	kvs, err := m.s.ReadIf(lo, hi, func(key string, _ []byte) bool { return hasStageSuffix(key) })
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, len(kvs))
	for _, kv := range kvs {
		k, ok := parseStageKey(kv.Key)
		if !ok {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

const stageSuffix = "_stage"

func hasStageSuffix(key string) bool {
	return len(key) > len(stageSuffix) && key[len(key)-len(stageSuffix):] == stageSuffix
}

// parseStageKey inverts baseKey(k)+"_stage" back into a Key. The base key
// layout is "op/{seq:020}_{hash-hex}_{view:020}", and since hash is always
// hex (no underscores), splitting the trimmed base on "_" is unambiguous.
func parseStageKey(key string) (Key, bool) {
	if !hasStageSuffix(key) {
		return Key{}, false
	}
	base := key[:len(key)-len(stageSuffix)]
	const prefix = "op/"
	if len(base) <= len(prefix) {
		return Key{}, false
	}
	base = base[len(prefix):]

	firstUnderscore := indexByte(base, '_')
	lastUnderscore := lastIndexByte(base, '_')
	if firstUnderscore < 0 || lastUnderscore <= firstUnderscore {
		return Key{}, false
	}
	seqStr := base[:firstUnderscore]
	hashStr := base[firstUnderscore+1 : lastUnderscore]
	viewStr := base[lastUnderscore+1:]

	seq, ok := parseUint20(seqStr)
	if !ok {
		return Key{}, false
	}
	view, ok := parseUint20(viewStr)
	if !ok {
		return Key{}, false
	}
	return Key{View: view, Sequence: seq, RequestHash: hashStr}, true
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func parseUint20(s string) (uint64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, true
}
