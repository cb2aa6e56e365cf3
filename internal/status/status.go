// Package status implements the read-only status aggregation of
// SPEC_FULL.md §12: a JSON-serializable snapshot of the engine's view and
// watermark counters, checkpoint manager, configuration store, and failure
// detector (the operation manager's per-operation state is not included),
// mirroring
// the status_request/status_response wire exchange of SPEC_FULL.md §6.
//
// Grounded on original_source/status/ (the read-only aggregation role,
// distinct from the audit's alarm-raising one).
package status

import (
	"github.com/pkg/errors"

	"github.com/swarmdb/core/internal/checkpoint"
	"github.com/swarmdb/core/internal/config"
	"github.com/swarmdb/core/internal/failuredetector"
	"github.com/swarmdb/core/internal/peers"
)

// Snapshot is the full aggregated, JSON-serializable status report.
type Snapshot struct {
	View            uint64          `json:"view"`
	LowWater        uint64          `json:"low_water"`
	HighWater       uint64          `json:"high_water"`
	NextSequence    uint64          `json:"next_request_sequence"`
	LatestLocal     checkpoint.Checkpoint  `json:"latest_local_checkpoint"`
	LatestStable    checkpoint.Checkpoint  `json:"latest_stable_checkpoint"`
	Configuration   ConfigurationSnapshot  `json:"configuration"`
	PendingRequests []string        `json:"pending_requests"`
}

// ConfigurationSnapshot describes the currently active configuration.
type ConfigurationSnapshot struct {
	Hash         string      `json:"hash"`
	CurrentSince uint64      `json:"current_since_view"`
	Peers        []PeerInfo  `json:"peers"`
}

// PeerInfo is the JSON-friendly form of a peers.Peer.
type PeerInfo struct {
	UUID string `json:"uuid"`
	Host string `json:"host"`
	Port int    `json:"port"`
	Name string `json:"name"`
}

// EngineWatermarks are the view/sequence bookkeeping values the engine
// exposes to the status aggregator (SPEC_FULL.md §6's "next_request_sequence,
// current_view, low_water, high_water").
type EngineWatermarks struct {
	View         uint64
	LowWater     uint64
	HighWater    uint64
	NextSequence uint64
}

// Aggregator builds Snapshots from the live component state.
type Aggregator struct {
	watermarks func() EngineWatermarks
	ckpt       *checkpoint.Manager
	cfg        *config.Store
	fd         *failuredetector.Detector
}

// New constructs an Aggregator. watermarks is called fresh on every
// Collect, so it should be a cheap read of the engine's current view/
// sequence bookkeeping.
func New(watermarks func() EngineWatermarks, ckpt *checkpoint.Manager, cfg *config.Store, fd *failuredetector.Detector) *Aggregator {
	return &Aggregator{watermarks: watermarks, ckpt: ckpt, cfg: cfg, fd: fd}
}

// Collect builds a fresh Snapshot of every aggregated component.
func (a *Aggregator) Collect() (Snapshot, error) {
	wm := a.watermarks()

	local, err := a.ckpt.LatestLocal()
	if err != nil {
		return Snapshot{}, errors.WithMessage(err, "status: collect latest local checkpoint")
	}
	stable, err := a.ckpt.LatestStable()
	if err != nil {
		return Snapshot{}, errors.WithMessage(err, "status: collect latest stable checkpoint")
	}

	cfgSnapshot, err := a.collectConfiguration()
	if err != nil {
		return Snapshot{}, err
	}

	var pending []string
	if a.fd != nil {
		pending = a.fd.Pending()
	}

	return Snapshot{
		View:            wm.View,
		LowWater:        wm.LowWater,
		HighWater:       wm.HighWater,
		NextSequence:    wm.NextSequence,
		LatestLocal:     local,
		LatestStable:    stable,
		Configuration:   cfgSnapshot,
		PendingRequests: pending,
	}, nil
}

func (a *Aggregator) collectConfiguration() (ConfigurationSnapshot, error) {
	cfg, view, ok, err := a.cfg.Current()
	if err != nil {
		return ConfigurationSnapshot{}, errors.WithMessage(err, "status: collect current configuration")
	}
	if !ok {
		return ConfigurationSnapshot{}, nil
	}
	hash, err := config.Hash(cfg)
	if err != nil {
		return ConfigurationSnapshot{}, err
	}

	peerInfos := make([]PeerInfo, 0, len(cfg.Peers))
	for _, p := range peers.NewView(cfg.Peers).Ordered() {
		peerInfos = append(peerInfos, PeerInfo{
			UUID: p.UUID.String(), Host: p.Host, Port: p.Port, Name: p.Name,
		})
	}

	return ConfigurationSnapshot{Hash: hash, CurrentSince: view, Peers: peerInfos}, nil
}
