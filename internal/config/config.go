// Package config implements the configuration store of SPEC_FULL.md §3/§4.7:
// a history of membership configurations, each keyed by its content hash,
// whose state evolves accepted -> prepared -> committed -> current. Exactly
// one configuration is current at a time, and the store additionally
// remembers the view at which it became so.
//
// Grounded on original_source/pbft/pbft_configuration.cpp (the peer-set,
// hashing, add/remove-peer contract) generalized from a single mutable
// object into a keyed history of states, the way internal/checkpoint turns
// pbft_checkpoint_manager.cpp's tracking fields into a store-backed type.
package config

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/swarmdb/core/internal/cryptofacade"
	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/store"
	"github.com/swarmdb/core/internal/typedvalue"
)

// State is a configuration's position in the accepted -> prepared ->
// committed -> current lifecycle (SPEC_FULL.md §3).
type State int

const (
	StateAccepted State = iota
	StatePrepared
	StateCommitted
	StateCurrent
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateCurrent:
		return "current"
	default:
		return "unknown"
	}
}

// ErrUnknownConfiguration is returned when a hash has no accepted
// configuration.
var ErrUnknownConfiguration = errors.New("config: unknown configuration hash")

// ErrBadTransition mirrors operation.ErrBadTransition: a state transition
// was attempted out of order.
var ErrBadTransition = errors.New("config: state transition out of order")

// Configuration is a peer set (SPEC_FULL.md §3, "Configuration").
type Configuration struct {
	Peers []peers.Peer
}

// Hash returns the content hash of cfg: blake2b-256 over the msgpack
// encoding of its peers sorted by UUID, so two configurations built from the
// same peer set in different orders hash identically (SPEC_FULL.md §3,
// "Each configuration has a content hash").
func Hash(cfg Configuration) (string, error) {
	view := peers.NewView(cfg.Peers)
	b, err := msgpack.Marshal(view.Ordered())
	if err != nil {
		return "", errors.WithMessage(err, "config: marshal configuration for hashing")
	}
	return hex.EncodeToString(cryptofacade.Hash(b)), nil
}

type stateCodec struct{}

func (stateCodec) Marshal(s State) ([]byte, error) { return []byte{byte(s)}, nil }
func (stateCodec) Unmarshal(b []byte) (State, error) {
	if len(b) != 1 {
		return 0, errors.New("config: malformed state encoding")
	}
	return State(b[0]), nil
}

// currentPointer is the payload behind "cfg/current": which hash is
// current, and the view at which it became so.
type currentPointer struct {
	Hash string
	View uint64
}

var currentPointerCodec = typedvalue.MsgpackCodec[currentPointer]{}

// Store is the durable configuration history, backed by s.
type Store struct {
	s store.Store

	current *typedvalue.TypedValue[currentPointer]
}

// New constructs (or rehydrates) a configuration Store over s.
func New(s store.Store) (*Store, error) {
	cur, err := typedvalue.New[currentPointer](s, "cfg/current", currentPointerCodec, currentPointer{})
	if err != nil {
		return nil, errors.WithMessage(err, "config: init current pointer")
	}
	return &Store{s: s, current: cur}, nil
}

// Key layout follows SPEC_FULL.md §6's reserved prefixes: "cfg/{hash}/
// {state|payload}", plus a "cfg/current" pointer this package adds for O(1)
// lookup of the active configuration without a full range scan.
func configKey(hash string) string      { return "cfg/" + hash + "/payload" }
func configStateKey(hash string) string { return "cfg/" + hash + "/state" }

// Accept records a newly seen configuration in state accepted, a no-op if
// the hash is already known (SPEC_FULL.md §3: "Configurations live forever
// in the store but transition through states").
func (st *Store) Accept(cfg Configuration) (hash string, err error) {
	hash, err = Hash(cfg)
	if err != nil {
		return "", err
	}
	if _, _, ok, err := st.Get(hash); err != nil {
		return "", err
	} else if ok {
		return hash, nil
	}

	raw, err := msgpack.Marshal(&cfg)
	if err != nil {
		return "", errors.WithMessage(err, "config: marshal configuration")
	}
	if err := st.s.Create(configKey(hash), raw); err != nil {
		return "", errors.WithMessagef(err, "config: store configuration %s", hash)
	}
	stateRaw, _ := stateCodec{}.Marshal(StateAccepted)
	if err := st.s.Create(configStateKey(hash), stateRaw); err != nil {
		return "", errors.WithMessagef(err, "config: store state for %s", hash)
	}
	return hash, nil
}

// Get returns the configuration and state for hash.
func (st *Store) Get(hash string) (Configuration, State, bool, error) {
	raw, err := st.s.Read(configKey(hash))
	if errors.Is(err, store.ErrNotFound) {
		return Configuration{}, 0, false, nil
	}
	if err != nil {
		return Configuration{}, 0, false, err
	}
	var cfg Configuration
	if err := msgpack.Unmarshal(raw, &cfg); err != nil {
		return Configuration{}, 0, false, errors.WithMessage(err, "config: unmarshal configuration")
	}

	stateRaw, err := st.s.Read(configStateKey(hash))
	if err != nil {
		return Configuration{}, 0, false, errors.WithMessagef(err, "config: read state for %s", hash)
	}
	state, err := stateCodec{}.Unmarshal(stateRaw)
	if err != nil {
		return Configuration{}, 0, false, err
	}
	return cfg, state, true, nil
}

func (st *Store) setState(hash string, want, next State) error {
	_, cur, ok, err := st.Get(hash)
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithMessagef(ErrUnknownConfiguration, "hash %s", hash)
	}
	if cur != want {
		return errors.WithMessagef(ErrBadTransition, "configuration %s: expected %s, got %s", hash, want, cur)
	}
	raw, _ := stateCodec{}.Marshal(next)
	return st.s.Update(configStateKey(hash), raw)
}

// MarkPrepared transitions accepted -> prepared. The engine calls it, then
// MarkCommitted and ActivateCurrent, only after the PBFT operation carrying
// the configuration has committed and executed (executeReconfig in
// internal/pbft/execute.go), so a prepared configuration has already been
// agreed (SPEC_FULL.md §3).
func (st *Store) MarkPrepared(hash string) error {
	return st.setState(hash, StateAccepted, StatePrepared)
}

// MarkCommitted transitions prepared -> committed, once the carrying PBFT
// operation itself commits.
func (st *Store) MarkCommitted(hash string) error {
	return st.setState(hash, StatePrepared, StateCommitted)
}

// ActivateCurrent transitions committed -> current and records atView as
// the view at which this configuration first became current. Any
// previously current configuration's own state entry is left untouched
// (SPEC_FULL.md §3 tracks state per configuration, not a demotion); the
// "exactly one configuration is current" invariant is enforced by the
// current pointer this method overwrites, not by downgrading the old one.
func (st *Store) ActivateCurrent(hash string, atView uint64) error {
	if err := st.setState(hash, StateCommitted, StateCurrent); err != nil {
		return err
	}
	return st.current.Set(currentPointer{Hash: hash, View: atView})
}

// Current returns the current configuration, the view at which it became
// so, and whether a current configuration has ever been set.
func (st *Store) Current() (Configuration, uint64, bool, error) {
	ptr, err := st.current.Get()
	if err != nil {
		return Configuration{}, 0, false, err
	}
	if ptr.Hash == "" {
		return Configuration{}, 0, false, nil
	}
	cfg, _, ok, err := st.Get(ptr.Hash)
	if err != nil {
		return Configuration{}, 0, false, err
	}
	if !ok {
		return Configuration{}, 0, false, errors.WithMessagef(ErrUnknownConfiguration, "current hash %s", ptr.Hash)
	}
	return cfg, ptr.View, true, nil
}

// CurrentView returns the peers.View for the current configuration. It is a
// convenience for callers (internal/pbft) that only need quorum sizes and
// primary selection, not the raw Configuration.
func (st *Store) CurrentView() (*peers.View, error) {
	cfg, _, ok, err := st.Current()
	if err != nil {
		return nil, err
	}
	if !ok {
		return peers.NewView(nil), nil
	}
	return peers.NewView(cfg.Peers), nil
}
