package pbft

import (
	"time"

	"github.com/swarmdb/core/internal/cryptofacade"
	"github.com/swarmdb/core/internal/service"
	"github.com/swarmdb/core/internal/wire"
)

// SubmitClientRequest is the entrypoint a gateway/session layer calls with
// a freshly received client request envelope. sess, if non-nil, is kept in
// memory only (SPEC_FULL.md §3) and used to deliver the reply once this
// replica executes the request.
func (e *Engine) SubmitClientRequest(env *wire.Envelope, sess Session) {
	if sess != nil && env.Payload.DatabaseMsg != nil {
		h := hashHex(cryptofacade.Hash(env.Payload.DatabaseMsg.Operation))
		e.registerSession(h, sess)
	}
	e.Deliver(env)
}

func (e *Engine) registerSession(requestHashHex string, sess Session) {
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	e.sessions[requestHashHex] = sess
}

func (e *Engine) takeSession(requestHashHex string) (Session, bool) {
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	s, ok := e.sessions[requestHashHex]
	if ok {
		delete(e.sessions, requestHashHex)
	}
	return s, ok
}

// handleClientRequest implements SPEC_FULL.md §4.4's "Client request
// intake": verify, dedup/staleness, forward-if-not-primary, else assign
// sequence and broadcast pre-prepare.
func (e *Engine) handleClientRequest(env *wire.Envelope) error {
	req := env.Payload.DatabaseMsg

	if len(env.Sender) > 0 {
		if _, ok, err := e.verifySender(env); err != nil {
			return err
		} else if !ok {
			return nil // drop: signature does not verify, or unknown sender
		}
	}

	view, err := e.view.Get()
	if err != nil {
		return err
	}

	reqHash := cryptofacade.Hash(req.Operation)
	reqHashHex := hashHex(reqHash)

	duplicate, stale, err := e.dedup.CheckAndRecord(req.ClientID, reqHashHex, req.Timestamp)
	if err != nil {
		return err
	}
	if duplicate {
		e.replyError(reqHashHex, wire.ErrDuplicateRequest, "duplicate request")
		return nil
	}
	if stale {
		e.replyError(reqHashHex, wire.ErrStaleTimestamp, "stale request timestamp")
		return nil
	}

	primary, err := e.isPrimary(view)
	if err != nil {
		return err
	}
	if !primary {
		return e.forwardToPrimary(view, env)
	}

	return e.assignSequenceAndBroadcast(view, reqHash, req, env)
}

// forwardToPrimary relays env to primary(view) unmodified.
func (e *Engine) forwardToPrimary(view uint64, env *wire.Envelope) error {
	v, err := e.currentView()
	if err != nil {
		return err
	}
	if v.Len() == 0 {
		return nil
	}
	return e.sendTo(v.Primary(view), env)
}

// assignSequenceAndBroadcast is the primary's path: assign the next
// sequence, build and broadcast a pre-prepare, and arm the failure
// detector for this request hash.
func (e *Engine) assignSequenceAndBroadcast(view uint64, reqHash []byte, req *wire.Request, reqEnv *wire.Envelope) error {
	seq, err := e.nextSeq.Get()
	if err != nil {
		return err
	}
	seq++
	if err := e.nextSeq.Set(seq); err != nil {
		return err
	}

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
	_ = reqEnv // the originating envelope's own signature is not re-forwarded; the request is embedded fresh in the pre-prepare

	e.fd.Seen(hashHex(reqHash))
	return e.broadcast(pp)
}

// replyError delivers a SwarmError reply over a held session, if any, and
// is a no-op otherwise (SPEC_FULL.md §7: "respond to the originating
// client with a swarm_error").
func (e *Engine) replyError(reqHashHex string, code wire.SwarmErrorCode, msg string) {
	sess, ok := e.takeSession(reqHashHex)
	if !ok {
		return
	}
	sess.Reply(service.Result{}, &wire.SwarmError{Code: code, Message: msg})
}
