// Package audit implements the passive safety audit of SPEC_FULL.md §4.9: a
// bounded-memory observer of primary-status reports and commit decisions
// that raises an alarm the instant two conflicting facts are ever observed.
//
// Grounded on original_source/audit/ (the passive-observer role, fed
// externally rather than participating in the protocol) with the bounded
// FIFO eviction discipline spelled out in SPEC_FULL.md §4.9.
package audit

import (
	"sync"

	"go.uber.org/zap"

	"github.com/swarmdb/core/internal/metrics"
)

// Auditor observes (view -> primary) and (sequence -> hash) facts and
// raises an alarm on the first disagreement within its memory window.
type Auditor struct {
	mu sync.Mutex

	capacity int
	primary  *fifoMap // view -> primary uuid
	commit   *fifoMap // sequence -> operation hash

	logger  *zap.Logger
	metrics *metrics.Collector
}

// New constructs an Auditor with FIFOs sized to capacity entries
// (SPEC_FULL.md §4.9's audit_mem_size).
func New(capacity int, logger *zap.Logger, collector *metrics.Collector) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.Nop()
	}
	return &Auditor{
		capacity: capacity,
		primary:  newFIFOMap(capacity),
		commit:   newFIFOMap(capacity),
		logger:   logger,
		metrics:  collector,
	}
}

// ObservePrimary records that primaryUUID was the accepted primary of view.
// If a different primary was ever previously observed for the same view
// (within the memory window), this is a safety violation.
func (a *Auditor) ObservePrimary(view uint64, primaryUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prior, ok := a.primary.get(view); ok && prior != primaryUUID {
		a.alarm("pbft_primary_conflict", "conflicting primary observed for view",
			zap.Uint64("view", view), zap.String("prior_primary", prior), zap.String("new_primary", primaryUUID))
		return
	}
	a.primary.put(view, primaryUUID)
}

// ObserveCommit records that hash was committed at sequence. If a different
// hash was ever previously observed committed at the same sequence, this is
// a safety violation.
func (a *Auditor) ObserveCommit(sequence uint64, hash string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prior, ok := a.commit.get(sequence); ok && prior != hash {
		a.alarm("pbft_commit_conflict", "conflicting hash committed at sequence",
			zap.Uint64("sequence", sequence), zap.String("prior_hash", prior), zap.String("new_hash", hash))
		return
	}
	a.commit.put(sequence, hash)
}

// alarm must be called with a.mu held.
func (a *Auditor) alarm(counter, msg string, fields ...zap.Field) {
	a.metrics.IncrCounter(counter, 1)
	a.logger.Error("safety alarm: "+msg, fields...)
}

// fifoMap is a fixed-capacity map[uint64]string with FIFO eviction,
// used for both the view->primary and sequence->hash windows.
type fifoMap struct {
	capacity int
	values   map[uint64]string
	order    []uint64
}

func newFIFOMap(capacity int) *fifoMap {
	return &fifoMap{capacity: capacity, values: make(map[uint64]string)}
}

func (f *fifoMap) get(key uint64) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

func (f *fifoMap) put(key uint64, value string) {
	if _, exists := f.values[key]; !exists {
		f.order = append(f.order, key)
	}
	f.values[key] = value

	for f.capacity > 0 && len(f.order) > f.capacity {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.values, oldest)
	}
}
