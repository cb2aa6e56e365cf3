// Package failuredetector implements the per-request deadline timer of
// SPEC_FULL.md §4.4: a single outstanding timer armed by the oldest
// unexecuted request, whose expiry drives the engine into view change.
//
// Grounded on original_source/pbft/pbft_failure_detector.hpp/.cpp (ported
// from its single std::steady_timer to Go's time.AfterFunc) and its test
// suite's documented contract: the first request_seen arms the timer, later
// ones while it is pending do not restart it, and the timer is re-armed on
// request_executed only if requests remain outstanding.
package failuredetector

import (
	"sync"
	"time"
)

// Detector tracks outstanding request hashes and invokes onFailure if the
// oldest one is not executed before deadline elapses.
//
// Safe for concurrent use: the timer callback fires on its own goroutine,
// while Seen/Executed are normally called from the single engine goroutine
// (SPEC_FULL.md §5) — the mutex exists for that boundary.
type Detector struct {
	mu       sync.Mutex
	deadline time.Duration
	onFailure func()

	pending []string // FIFO, oldest first
	timer   *time.Timer
}

// New constructs a Detector with the given per-request deadline. onFailure
// is invoked (on the timer's own goroutine) when the oldest pending request
// is not executed in time; it should be cheap and non-blocking, typically
// posting an event back onto the engine's event channel.
func New(deadline time.Duration, onFailure func()) *Detector {
	return &Detector{deadline: deadline, onFailure: onFailure}
}

// Seen records that hash is now outstanding. If no timer is currently
// armed, starts one; if hash is already pending, this is a no-op.
func (d *Detector) Seen(hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range d.pending {
		if h == hash {
			return
		}
	}

	wasEmpty := len(d.pending) == 0
	d.pending = append(d.pending, hash)
	if wasEmpty {
		d.arm()
	}
}

// Executed removes hash from the pending set. If it was the request the
// current timer is tracking, the timer is stopped and, if other requests
// remain outstanding, re-armed for the new oldest one.
func (d *Detector) Executed(hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := -1
	for i, h := range d.pending {
		if h == hash {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	wasOldest := idx == 0
	d.pending = append(d.pending[:idx], d.pending[idx+1:]...)

	if !wasOldest {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if len(d.pending) > 0 {
		d.arm()
	}
}

// arm must be called with d.mu held.
func (d *Detector) arm() {
	d.timer = time.AfterFunc(d.deadline, d.fire)
}

func (d *Detector) fire() {
	d.mu.Lock()
	onFailure := d.onFailure
	d.mu.Unlock()
	if onFailure != nil {
		onFailure()
	}
}

// Pending returns a snapshot of the currently outstanding request hashes,
// oldest first.
func (d *Detector) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.pending...)
}

// Stop cancels any armed timer, releasing its resources. Safe to call
// repeatedly.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
