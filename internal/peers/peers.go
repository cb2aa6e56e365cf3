// Package peers is the peers view of SPEC_FULL.md §2/§4.4: a snapshot of
// current membership providing quorum sizes and the ordered peer list used
// for primary selection.
//
// Grounded on original_source/pbft/pbft_configuration.cpp (ordered peer
// list, quorum size) with peer identity backed by github.com/google/uuid,
// the same way Jeeves-Cluster-Organization-jeeves-core and cuemby-warren
// identify cluster members.
package peers

import (
	"encoding/hex"
	"sort"

	"github.com/google/uuid"
)

// Peer is one swarm member (SPEC_FULL.md §3, Configuration). PublicKey is
// the peer's ed25519 public key, used to reconcile the operator-assigned
// UUID identity with the crypto-derived sender identity an incoming
// envelope actually carries (internal/cryptofacade.Facade.NodeID).
type Peer struct {
	UUID      uuid.UUID
	Host      string
	Port      int
	Name      string
	PublicKey []byte `msgpack:",omitempty"`
}

// View is an immutable snapshot of the current membership, shared by value
// across every component that needs quorum sizes or primary selection. It
// carries no version number.
type View struct {
	peers     []Peer // sorted by UUID, ascending
	byUUID    map[uuid.UUID]Peer
	byPubHex  map[string]Peer
}

// NewView builds an immutable View from an unordered peer set, sorting by
// UUID so primary selection (SPEC_FULL.md §4.4) is deterministic across
// every replica that constructs a View from the same peer set.
func NewView(peerSet []Peer) *View {
	sorted := append([]Peer(nil), peerSet...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].UUID.String() < sorted[j].UUID.String()
	})

	byUUID := make(map[uuid.UUID]Peer, len(sorted))
	byPubHex := make(map[string]Peer, len(sorted))
	for _, p := range sorted {
		byUUID[p.UUID] = p
		if len(p.PublicKey) > 0 {
			byPubHex[hex.EncodeToString(p.PublicKey)] = p
		}
	}

	return &View{peers: sorted, byUUID: byUUID, byPubHex: byPubHex}
}

// Ordered returns the UUID-sorted peer list used for primary selection.
func (v *View) Ordered() []Peer {
	return append([]Peer(nil), v.peers...)
}

// Len is the configuration's peer count, n.
func (v *View) Len() int { return len(v.peers) }

// Contains reports whether id is a member of this view.
func (v *View) Contains(id uuid.UUID) bool {
	_, ok := v.byUUID[id]
	return ok
}

// Get returns the peer with the given UUID, if present.
func (v *View) Get(id uuid.UUID) (Peer, bool) {
	p, ok := v.byUUID[id]
	return p, ok
}

// ByPublicKey resolves an incoming envelope's raw sender public key to a
// member Peer, the reverse direction of Get (SPEC_FULL.md §4.4: a replica
// must map a verified pbft sender identity back to its configuration
// membership to check "sender equals primary(view)").
func (v *View) ByPublicKey(pub []byte) (Peer, bool) {
	p, ok := v.byPubHex[hex.EncodeToString(pub)]
	return p, ok
}

// Primary returns the peer selected as primary for view, per SPEC_FULL.md
// §4.4: primary(view) = peers_ordered[view mod |peers|].
func (v *View) Primary(pbftView uint64) Peer {
	n := uint64(len(v.peers))
	return v.peers[pbftView%n]
}

// HonestMajority is the pbft quorum of 2f+1, honest-majority(n) =
// 2*floor((n-1)/3)+1 (SPEC_FULL.md §4.3/§GLOSSARY).
func HonestMajority(n int) int {
	if n <= 0 {
		return 0
	}
	return 2*((n-1)/3) + 1
}

// Quorum is the honest-majority threshold for this view's peer count.
func (v *View) Quorum() int {
	return HonestMajority(len(v.peers))
}
