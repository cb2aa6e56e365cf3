package pbft

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/swarmdb/core/internal/config"
	"github.com/swarmdb/core/internal/cryptofacade"
	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/wire"
)

// reconfigPayload is the msgpack-encoded body of a reconfiguration request's
// Request.Operation, opaque to the PBFT engine everywhere except
// handleReconfigRequest/executeReconfig (SPEC_FULL.md §4.7).
type reconfigPayload struct {
	Peers []wire.PeerDescriptor
}

func encodeReconfigPayload(p reconfigPayload) ([]byte, error) {
	b, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, errors.WithMessage(err, "pbft: encode reconfig payload")
	}
	return b, nil
}

func decodeReconfigPayload(b []byte) (reconfigPayload, error) {
	var p reconfigPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return reconfigPayload{}, errors.WithMessage(err, "pbft: decode reconfig payload")
	}
	return p, nil
}

// toConfiguration converts a reconfig payload's wire peer descriptors into
// the peer set a config.Configuration carries.
func toConfiguration(p reconfigPayload) config.Configuration {
	out := make([]peers.Peer, 0, len(p.Peers))
	for _, d := range p.Peers {
		id, err := uuid.Parse(d.UUID)
		if err != nil {
			continue // malformed descriptor: dropped rather than failing the whole reconfiguration
		}
		var pub []byte
		if d.PublicKey != "" {
			if decoded, err := hex.DecodeString(d.PublicKey); err == nil {
				pub = decoded
			}
		}
		out = append(out, peers.Peer{UUID: id, Host: d.Host, Port: d.Port, Name: d.Name, PublicKey: pub})
	}
	return config.Configuration{Peers: out}
}

// handleReconfigRequest implements SPEC_FULL.md §4.7's reconfiguration
// intake: if this replica is primary, it wraps the proposed peer list in a
// normal client request tagged with reconfigClientID and pushes it through
// the ordinary pre-prepare path, exactly as if a client had submitted it.
func (e *Engine) handleReconfigRequest(env *wire.Envelope) error {
	msg := env.Payload.PBFTInternalRequest

	view, err := e.view.Get()
	if err != nil {
		return err
	}
	primary, err := e.isPrimary(view)
	if err != nil {
		return err
	}
	if !primary {
		return nil // only the primary originates the wrapped request; followers receive it via pre-prepare like any other operation
	}

	body, err := encodeReconfigPayload(reconfigPayload{Peers: msg.Peers})
	if err != nil {
		return err
	}

	seq, err := e.nextSeq.Get()
	if err != nil {
		return err
	}
	seq++
	if err := e.nextSeq.Set(seq); err != nil {
		return err
	}

	req := &wire.Request{
		ClientID:  reconfigClientID,
		Nonce:     seq,
		Operation: body,
		Timestamp: time.Now().UnixMicro(),
	}
	reqHash := cryptofacade.Hash(req.Operation)

	pp := &wire.Envelope{
		Timestamp: time.Now().UnixMicro(),
		Payload: wire.Payload{
			PBFT: &wire.PBFTMessage{
				Type:        wire.MsgPreprepare,
				View:        view,
				Sequence:    seq,
				RequestHash: reqHash,
				Request:     req,
			},
		},
	}
	e.fd.Seen(hashHex(reqHash))
	return e.broadcast(pp)
}
