// Package wire defines the envelope framing and message variants of
// SPEC_FULL.md §6. Unlike the teacher's github.com/IBM/mirbft/mirbftpb
// (protobuf-generated, Mir-BFT's bucketed/epoch wire format), these are
// plain Go structs encoding this spec's single-primary PBFT wire format;
// see DESIGN.md for why the teacher's generated types were not reused.
package wire

import (
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgType enumerates the pbft_msg.type values of SPEC_FULL.md §6.
type MsgType int

const (
	MsgRequest MsgType = iota
	MsgPreprepare
	MsgPrepare
	MsgCommit
	MsgCheckpoint
	MsgViewChange
	MsgNewView
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "REQUEST"
	case MsgPreprepare:
		return "PREPREPARE"
	case MsgPrepare:
		return "PREPARE"
	case MsgCommit:
		return "COMMIT"
	case MsgCheckpoint:
		return "CHECKPOINT"
	case MsgViewChange:
		return "VIEWCHANGE"
	case MsgNewView:
		return "NEWVIEW"
	default:
		return "UNKNOWN"
	}
}

// MembershipMsgType enumerates pbft_membership.type values.
type MembershipMsgType int

const (
	MsgGetState MembershipMsgType = iota
	MsgSetState
)

// Request is a client operation carried by an Envelope (SPEC_FULL.md §3).
type Request struct {
	ClientID  string
	Nonce     uint64
	Operation []byte
	Timestamp int64 // microseconds since epoch, client clock
}

// PBFTMessage is the inner payload of an Envelope carrying pbft protocol
// traffic (pre-prepare/prepare/commit/checkpoint/view-change/new-view).
type PBFTMessage struct {
	Type         MsgType
	View         uint64
	Sequence     uint64
	RequestHash  []byte
	StateHash    []byte
	Request      *Request     `msgpack:",omitempty"`
	ViewChange   *ViewChange  `msgpack:",omitempty"`
	NewView      *NewView     `msgpack:",omitempty"`
}

// Checkpoint is the (sequence, state-hash) pair of SPEC_FULL.md §3.
type Checkpoint struct {
	Sequence  uint64
	StateHash []byte
}

// PreparedProof bundles a pre-prepare with its collected prepares, carried
// inside a view-change message for every sequence this replica considers
// prepared (SPEC_FULL.md §4.6).
type PreparedProof struct {
	Preprepare *Envelope // the original PREPREPARE envelope
	Prepares   []*Envelope
}

// ViewChange is the payload of a VIEWCHANGE message (SPEC_FULL.md §4.6).
type ViewChange struct {
	NewView          uint64
	BaseSequence     uint64 // n, the latest stable checkpoint's sequence
	CheckpointProof  []*Envelope
	PreparedProofs   map[uint64]*PreparedProof // keyed by sequence
}

// NewView is the payload of a NEWVIEW message (SPEC_FULL.md §4.6).
type NewView struct {
	View         uint64
	ViewChanges  []*Envelope
	Preprepares  []*PBFTMessage
}

// MembershipMessage carries GET_STATE / SET_STATE state-transfer traffic
// (SPEC_FULL.md §4.5).
type MembershipMessage struct {
	Type      MembershipMsgType
	Sequence  uint64
	StateHash []byte
	StateData []byte `msgpack:",omitempty"`
}

// ConfigMessage carries a reconfiguration proposal (SPEC_FULL.md §4.7),
// embedded in a PBFT_INTERNAL_REQUEST envelope.
type ConfigMessage struct {
	ConfigHash []byte
	Peers      []PeerDescriptor
}

// PeerDescriptor is the wire form of a swarm peer.
type PeerDescriptor struct {
	UUID      string
	Host      string
	Port      int
	Name      string
	PublicKey string `msgpack:",omitempty"` // hex-encoded, carries a reconfiguration's proposed peers' public keys
}

// SwarmErrorCode enumerates the swarm_error codes of SPEC_FULL.md §6/§12.
type SwarmErrorCode int

const (
	ErrNone SwarmErrorCode = iota
	ErrDuplicateRequest
	ErrStaleTimestamp
	ErrUnknownKey
	ErrInvalidUUID
	ErrElectionInProgress
	ErrNotTheLeader
	ErrConfigurationInTransition
)

// SwarmError is the client-facing error payload.
type SwarmError struct {
	Code      SwarmErrorCode
	Message   string
	LeaderHint string `msgpack:",omitempty"`
}

func (e *SwarmError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Payload is the tagged union carried by an Envelope. Exactly one field is
// ever non-nil.
type Payload struct {
	DatabaseMsg        *Request
	PBFT               *PBFTMessage
	PBFTMembership     *MembershipMessage
	CheckpointMsg      *Checkpoint
	StatusRequest      *StatusRequest
	StatusResponse     *StatusResponse
	Audit              *AuditMsg
	PBFTInternalRequest *ConfigMessage
	SwarmError         *SwarmError
}

// StatusRequest asks a replica to describe itself (SPEC_FULL.md §6, §12).
type StatusRequest struct{}

// StatusResponse carries a serialized component snapshot. The concrete
// shape is produced by internal/status; it travels as opaque bytes on the
// wire so internal/wire does not need to import internal/status.
type StatusResponse struct {
	JSON []byte
}

// AuditMsg carries counters/timers to the metrics collector (SPEC_FULL.md §6).
type AuditMsg struct {
	Counters map[string]int64
	Timers   map[string]time.Duration
}

// Envelope is the signed wire message of SPEC_FULL.md §3/§6.
type Envelope struct {
	Sender    []byte // public key bytes; empty permitted only for gateway-origin client requests
	SwarmID   []byte
	Timestamp int64 // microseconds since epoch, client clock, per-client monotonic
	Signature []byte
	Payload   Payload
}

// canonicalForm is what gets msgpack-encoded and signed: everything in the
// envelope except the signature itself.
type canonicalForm struct {
	Sender    []byte
	SwarmID   []byte
	Timestamp int64
	Payload   Payload
}

// Canonicalize produces the deterministic byte representation of env that
// is signed and verified. msgpack's encoder, driven from ordered struct
// fields rather than map iteration, gives byte-for-byte stability across
// replicas (SPEC_FULL.md §8 P6, round-trip law).
func Canonicalize(env *Envelope) ([]byte, error) {
	cf := canonicalForm{
		Sender:    env.Sender,
		SwarmID:   env.SwarmID,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}
	b, err := msgpack.Marshal(&cf)
	if err != nil {
		return nil, errors.WithMessage(err, "wire: canonicalize envelope")
	}
	return b, nil
}

// Encode serializes an envelope (including its signature) for wire
// transmission.
func Encode(env *Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(env)
	if err != nil {
		return nil, errors.WithMessage(err, "wire: encode envelope")
	}
	return b, nil
}

// Decode parses a wire-format envelope.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, errors.WithMessage(err, "wire: decode envelope")
	}
	return &env, nil
}
