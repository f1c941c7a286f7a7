package service

import (
	"context"
	"sync"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// ProgressFunc receives a snapshot after every completed send.
type ProgressFunc func(model.ProgressSnapshot)

// progressAggregator folds per-recipient outcomes into running totals.
// record is called exactly once per unit of work; snapshots are emitted while
// holding the lock so the callback observes a monotonic sequence even when
// sends complete out of order.
type progressAggregator struct {
	mu         sync.Mutex
	total      int
	sent       int
	failed     int
	onProgress ProgressFunc
}

func newProgressAggregator(total int, onProgress ProgressFunc) *progressAggregator {
	return &progressAggregator{total: total, onProgress: onProgress}
}

func (a *progressAggregator) record(success bool) model.ProgressSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	if success {
		a.sent++
	} else {
		a.failed++
	}

	snap := model.NewProgressSnapshot(a.total, a.sent, a.failed)
	if a.onProgress != nil {
		a.onProgress(snap)
	}
	return snap
}

func (a *progressAggregator) snapshot() model.ProgressSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return model.NewProgressSnapshot(a.total, a.sent, a.failed)
}

// ProgressTracker keeps the latest snapshot of every dispatch run by this
// process. It is registered on the engine as a ProgressListener.
type ProgressTracker struct {
	mu     sync.RWMutex
	latest map[string]model.ProgressSnapshot
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{latest: make(map[string]model.ProgressSnapshot)}
}

func (t *ProgressTracker) OnProgress(campaignID string, snap model.ProgressSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest[campaignID] = snap
}

func (t *ProgressTracker) OnComplete(campaignID string, summary *model.SendSummary, _ error) {
	if summary == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest[campaignID] = model.NewProgressSnapshot(summary.Total, summary.Sent, summary.Failed)
}

func (t *ProgressTracker) Latest(_ context.Context, campaignID string) (model.ProgressSnapshot, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.latest[campaignID]
	return s, ok, nil
}
