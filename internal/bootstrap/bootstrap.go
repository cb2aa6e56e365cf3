// Package bootstrap implements the peers beacon of SPEC_FULL.md §12: an
// external collaborator that yields the current membership list, refreshed
// on the node's peer_refresh_interval.
//
// Grounded on original_source/peers_beacon/peers_beacon.cpp's
// parse-and-keep-old-list-on-failure contract. Only the file-based variant
// is implemented here; URL and registry-contract sources are documented
// extension points on the Source interface (DESIGN.md, Open Questions).
package bootstrap

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/swarmdb/core/internal/peers"
)

// Source yields the swarm's current membership list from some external
// collaborator. FileSource is the only implementation carried here; a URL
// or registry-contract backed Source is a natural extension of this
// interface, not implemented since no named SPEC_FULL.md component needs
// live network access to exercise one (see DESIGN.md).
type Source interface {
	// Fetch reads and parses the current peer list.
	Fetch() ([]peers.Peer, error)
}

// peerRecord is the on-disk JSON shape of one peer, matching
// original_source/peers_beacon.cpp's build_peers_list_from_json fields.
type peerRecord struct {
	UUID      string `json:"uuid"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Name      string `json:"name"`
	PublicKey string `json:"public_key,omitempty"`
}

// FileSource reads the peers list from a JSON file on disk.
type FileSource struct {
	path string
}

// NewFileSource constructs a FileSource reading from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch reads and parses the peers file. Grounded on
// parse_and_save_peers/build_peers_list_from_json: an empty-but-valid file
// is treated as a fetch failure (SPEC_FULL.md §12, "keeping old peer list"
// semantics live in Beacon, not here).
func (f *FileSource) Fetch() ([]peers.Peer, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, errors.WithMessagef(err, "bootstrap: read peers file %s", f.path)
	}

	var records []peerRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, errors.WithMessagef(err, "bootstrap: parse peers file %s", f.path)
	}
	if len(records) == 0 {
		return nil, errors.Errorf("bootstrap: peers file %s contains no peers", f.path)
	}

	out := make([]peers.Peer, 0, len(records))
	for _, r := range records {
		id, err := uuid.Parse(r.UUID)
		if err != nil {
			return nil, errors.WithMessagef(err, "bootstrap: invalid peer uuid %q", r.UUID)
		}
		var pub []byte
		if r.PublicKey != "" {
			pub, err = hex.DecodeString(r.PublicKey)
			if err != nil {
				return nil, errors.WithMessagef(err, "bootstrap: invalid peer public key %q", r.UUID)
			}
		}
		out = append(out, peers.Peer{UUID: id, Host: r.Host, Port: r.Port, Name: r.Name, PublicKey: pub})
	}
	return out, nil
}

// Beacon periodically refreshes the membership list from a Source,
// keeping the previous list on any fetch failure (original_source's
// "Failed to read any peers ... Keeping old peer list" behavior).
type Beacon struct {
	source   Source
	interval time.Duration
	logger   *zap.Logger

	current atomic.Pointer[peers.View]

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewBeacon constructs a Beacon over source, refreshing every interval.
func NewBeacon(source Source, interval time.Duration, logger *zap.Logger) *Beacon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Beacon{source: source, interval: interval, logger: logger}
}

// ForceRefresh fetches immediately, used once at startup
// (original_source's peers_beacon::start calling force_refresh()).
func (b *Beacon) ForceRefresh() error {
	fetched, err := b.source.Fetch()
	if err != nil {
		if b.current.Load() == nil {
			return errors.WithMessage(err, "bootstrap: initial peers fetch failed and no prior list exists")
		}
		b.logger.Error("bootstrap: peers fetch failed, keeping old peer list", zap.Error(err))
		return nil
	}
	b.current.Store(peers.NewView(fetched))
	return nil
}

// Current returns the most recently successfully fetched membership view.
func (b *Beacon) Current() *peers.View {
	v := b.current.Load()
	if v == nil {
		return peers.NewView(nil)
	}
	return v
}

// Start begins the periodic refresh loop on its own goroutine; it returns
// immediately. Stop ends the loop.
func (b *Beacon) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopCh != nil {
		return
	}
	b.stopCh = make(chan struct{})
	go b.loop(b.stopCh)
}

func (b *Beacon) loop(stop chan struct{}) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.ForceRefresh(); err != nil {
				b.logger.Error("bootstrap: periodic refresh failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

// Stop ends the periodic refresh loop.
func (b *Beacon) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopCh == nil || b.stopped {
		return
	}
	close(b.stopCh)
	b.stopped = true
}
