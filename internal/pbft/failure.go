package pbft

// handleFailure reacts to the failure detector's expiry: the oldest
// outstanding request missed its deadline, so this replica starts (or is
// already running) a view change (SPEC_FULL.md §4.4, §4.6).
func (e *Engine) handleFailure() {
	e.vcMu.Lock()
	alreadyInProgress := e.viewChangeInProgress
	e.vcMu.Unlock()
	if alreadyInProgress {
		return
	}

	if err := e.startViewChange(); err != nil {
		e.logger.Sugar().Errorw("pbft: start view change", "error", err)
	}
}
