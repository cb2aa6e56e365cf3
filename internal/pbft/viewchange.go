package pbft

import (
	"bytes"
	"time"

	"github.com/swarmdb/core/internal/operation"
	"github.com/swarmdb/core/internal/peers"
	"github.com/swarmdb/core/internal/wire"
)

// startViewChange builds and broadcasts this replica's VIEWCHANGE message
// for the next view, bundling the latest stable checkpoint's proof and a
// prepared-proof for every operation prepared since it (SPEC_FULL.md §4.6).
func (e *Engine) startViewChange() error {
	e.vcMu.Lock()
	e.viewChangeInProgress = true
	e.vcMu.Unlock()

	curView, err := e.view.Get()
	if err != nil {
		return err
	}
	newView := curView + 1

	stable, err := e.ckpt.LatestStable()
	if err != nil {
		return err
	}
	checkpointProof, err := e.ckpt.StableProofEnvelopes()
	if err != nil {
		return err
	}

	keys, err := e.ops.PreparedSince(stable.Sequence)
	if err != nil {
		return err
	}

	preparedProofs := make(map[uint64]*wire.PreparedProof, len(keys))
	for _, k := range keys {
		op, err := e.ops.FindOrCreate(k)
		if err != nil {
			return err
		}
		pp, err := op.Preprepare()
		if err != nil {
			return err
		}
		prepares, err := op.Prepares()
		if err != nil {
			return err
		}
		preparedProofs[k.Sequence] = &wire.PreparedProof{Preprepare: pp, Prepares: prepares}
	}

	vc := &wire.Envelope{
		Timestamp: time.Now().UnixMicro(),
		Payload: wire.Payload{
			PBFT: &wire.PBFTMessage{
				Type: wire.MsgViewChange,
				View: newView,
				ViewChange: &wire.ViewChange{
					NewView:         newView,
					BaseSequence:    stable.Sequence,
					CheckpointProof: checkpointProof,
					PreparedProofs:  preparedProofs,
				},
			},
		},
	}
	return e.broadcast(vc)
}

// handleViewChange tracks one sender's VIEWCHANGE vote for the target view.
// A sender's advertised view must strictly increase, mirroring the
// teacher's monotonicity discipline for untrusted progress claims.
func (e *Engine) handleViewChange(sender peers.Peer, env *wire.Envelope, msg *wire.PBFTMessage) error {
	vc := msg.ViewChange
	if vc == nil {
		return nil
	}
	senderID := hashHex(env.Sender)

	e.vcMu.Lock()
	if vc.NewView <= e.advertisedView[senderID] {
		e.vcMu.Unlock()
		return nil
	}
	e.advertisedView[senderID] = vc.NewView
	e.vcMu.Unlock()

	v, err := e.currentView()
	if err != nil {
		return err
	}
	ok, err := e.validViewChange(vc, v)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	e.vcMu.Lock()
	if e.viewChanges[vc.NewView] == nil {
		e.viewChanges[vc.NewView] = make(map[string]*wire.Envelope)
	}
	e.viewChanges[vc.NewView][senderID] = env
	count := len(e.viewChanges[vc.NewView])
	e.vcMu.Unlock()

	if count < v.Quorum() {
		return nil
	}

	isPrimary, err := e.isPrimary(vc.NewView)
	if err != nil {
		return err
	}
	if !isPrimary {
		return nil
	}
	return e.constructAndBroadcastNewView(vc.NewView)
}

// validViewChange implements the receiver-side validation of SPEC_FULL.md
// §4.6: the checkpoint proof must carry a quorum of attestations agreeing
// on (n, sigma), and every bundled prepared-proof must itself be internally
// consistent.
func (e *Engine) validViewChange(vc *wire.ViewChange, v *peers.View) (bool, error) {
	if vc.BaseSequence > 0 {
		if len(vc.CheckpointProof) < v.Quorum() {
			return false, nil
		}
		var hash []byte
		for _, ce := range vc.CheckpointProof {
			if ce == nil || ce.Payload.CheckpointMsg == nil || ce.Payload.CheckpointMsg.Sequence != vc.BaseSequence {
				return false, nil
			}
			if hash == nil {
				hash = ce.Payload.CheckpointMsg.StateHash
			} else if !bytes.Equal(hash, ce.Payload.CheckpointMsg.StateHash) {
				return false, nil
			}
		}
	}

	for seq, proof := range vc.PreparedProofs {
		ok, err := e.validPreparedProof(seq, proof, v)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// validPreparedProof checks that a bundled prepared-proof's pre-prepare was
// sent by the primary of its own embedded view, and that at least a quorum
// of distinct senders prepared on the same (view, sequence, hash).
func (e *Engine) validPreparedProof(seq uint64, proof *wire.PreparedProof, v *peers.View) (bool, error) {
	if proof == nil || proof.Preprepare == nil || proof.Preprepare.Payload.PBFT == nil {
		return false, nil
	}
	ppMsg := proof.Preprepare.Payload.PBFT
	if ppMsg.Type != wire.MsgPreprepare || ppMsg.Sequence != seq {
		return false, nil
	}
	primary := v.Primary(ppMsg.View)
	ppSender, ok := v.ByPublicKey(proof.Preprepare.Sender)
	if !ok || ppSender.UUID != primary.UUID {
		return false, nil
	}

	distinct := make(map[string]bool)
	for _, pe := range proof.Prepares {
		if pe == nil || pe.Payload.PBFT == nil {
			continue
		}
		pm := pe.Payload.PBFT
		if pm.Type != wire.MsgPrepare || pm.Sequence != seq || pm.View != ppMsg.View {
			continue
		}
		if !bytes.Equal(pm.RequestHash, ppMsg.RequestHash) {
			continue
		}
		distinct[hashHex(pe.Sender)] = true
	}
	return len(distinct) >= v.Quorum(), nil
}

// constructAndBroadcastNewView builds the deterministic NEWVIEW message
// once a quorum of valid view-changes for newView has been collected
// (SPEC_FULL.md §4.6).
func (e *Engine) constructAndBroadcastNewView(newView uint64) error {
	e.vcMu.Lock()
	envs := make([]*wire.Envelope, 0, len(e.viewChanges[newView]))
	for _, env := range e.viewChanges[newView] {
		envs = append(envs, env)
	}
	e.vcMu.Unlock()

	preprepares, err := e.computeNewViewPreprepares(newView, envs)
	if err != nil {
		return err
	}

	nv := &wire.Envelope{
		Timestamp: time.Now().UnixMicro(),
		Payload: wire.Payload{
			PBFT: &wire.PBFTMessage{
				Type: wire.MsgNewView,
				View: newView,
				NewView: &wire.NewView{
					View:        newView,
					ViewChanges: envs,
					Preprepares: preprepares,
				},
			},
		},
	}
	return e.broadcast(nv)
}

// computeNewViewPreprepares implements the deterministic new-view
// construction algorithm of SPEC_FULL.md §4.6: min_s is the lowest base
// sequence among the collected view-changes, max_s the highest sequence
// named by any prepared proof; every sequence in between adopts the
// highest-originating-view prepared proof seen, or a no-op sentinel
// pre-prepare (nil request hash/request) if none was ever prepared there.
func (e *Engine) computeNewViewPreprepares(newView uint64, envs []*wire.Envelope) ([]*wire.PBFTMessage, error) {
	const noMinSeq = ^uint64(0)
	minSeq := noMinSeq
	var maxSeq uint64

	type candidate struct {
		view uint64
		msg  *wire.PBFTMessage
	}
	bySeq := make(map[uint64]candidate)

	for _, env := range envs {
		if env == nil || env.Payload.PBFT == nil || env.Payload.PBFT.ViewChange == nil {
			continue
		}
		vc := env.Payload.PBFT.ViewChange
		if vc.BaseSequence < minSeq {
			minSeq = vc.BaseSequence
		}
		for seq, proof := range vc.PreparedProofs {
			if seq > maxSeq {
				maxSeq = seq
			}
			if proof == nil || proof.Preprepare == nil || proof.Preprepare.Payload.PBFT == nil {
				continue
			}
			ppMsg := proof.Preprepare.Payload.PBFT
			if existing, ok := bySeq[seq]; !ok || ppMsg.View > existing.view {
				bySeq[seq] = candidate{view: ppMsg.View, msg: ppMsg}
			}
		}
	}
	if minSeq == noMinSeq {
		minSeq = 0
	}
	if maxSeq < minSeq {
		maxSeq = minSeq
	}

	out := make([]*wire.PBFTMessage, 0, maxSeq-minSeq)
	for seq := minSeq + 1; seq <= maxSeq; seq++ {
		if c, ok := bySeq[seq]; ok {
			out = append(out, &wire.PBFTMessage{
				Type:        wire.MsgPreprepare,
				View:        newView,
				Sequence:    seq,
				RequestHash: c.msg.RequestHash,
				Request:     c.msg.Request,
			})
			continue
		}
		out = append(out, &wire.PBFTMessage{
			Type:     wire.MsgPreprepare,
			View:     newView,
			Sequence: seq,
		})
	}
	return out, nil
}

// preprepareSetsEqual compares two new-view pre-prepare sets for exact
// agreement (SPEC_FULL.md §4.6: a receiver must recompute and match before
// installing).
func preprepareSetsEqual(a, b []*wire.PBFTMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Sequence != b[i].Sequence || a[i].View != b[i].View {
			return false
		}
		if !bytes.Equal(a[i].RequestHash, b[i].RequestHash) {
			return false
		}
	}
	return true
}

// handleNewView validates an incoming NEWVIEW from the claimed primary of
// its view, re-derives the pre-prepare set, and on exact agreement installs
// every non-sentinel pre-prepare (SPEC_FULL.md §4.6). Discarding conflicting
// lower-view operations at the same sequences is deliberately left to
// natural garbage collection at the next stable checkpoint rather than
// handled eagerly here.
func (e *Engine) handleNewView(sender peers.Peer, env *wire.Envelope, msg *wire.PBFTMessage) error {
	nv := msg.NewView
	if nv == nil {
		return nil
	}

	v, err := e.currentView()
	if err != nil {
		return err
	}
	if sender.UUID != v.Primary(nv.View).UUID {
		return nil
	}

	for _, vcEnv := range nv.ViewChanges {
		if vcEnv == nil || vcEnv.Payload.PBFT == nil || vcEnv.Payload.PBFT.ViewChange == nil {
			return nil
		}
		ok, err := e.validViewChange(vcEnv.Payload.PBFT.ViewChange, v)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	if len(nv.ViewChanges) < v.Quorum() {
		return nil
	}

	recomputed, err := e.computeNewViewPreprepares(nv.View, nv.ViewChanges)
	if err != nil {
		return err
	}
	if !preprepareSetsEqual(recomputed, nv.Preprepares) {
		return nil
	}

	if err := e.view.Set(nv.View); err != nil {
		return err
	}

	for _, pp := range nv.Preprepares {
		if pp.Request == nil {
			continue
		}
		key := operation.Key{View: nv.View, Sequence: pp.Sequence, RequestHash: hashHex(pp.RequestHash)}
		op, err := e.ops.FindOrCreate(key)
		if err != nil {
			return err
		}
		ppEnv := &wire.Envelope{Timestamp: env.Timestamp, Payload: wire.Payload{PBFT: pp}}
		if err := op.RecordPreprepare(ppEnv); err != nil {
			return err
		}
		reqEnv := &wire.Envelope{Timestamp: env.Timestamp, Payload: wire.Payload{DatabaseMsg: pp.Request}}
		if err := op.RecordRequest(reqEnv); err != nil {
			return err
		}
		if err := e.reevaluate(key); err != nil {
			return err
		}
	}

	e.vcMu.Lock()
	e.viewChangeInProgress = false
	e.vcMu.Unlock()
	return nil
}
