package reconcile

import (
	"context"
	"sync"

	"roomsync/internal/models"
)

// Status builds the current sync snapshot.
func (e *Engine) Status(ctx context.Context) (models.SyncStatus, error) {
	return e.snapshot(ctx, e.running.Load())
}

// LastReport returns the summary of the most recent completed pass.
func (e *Engine) LastReport() Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// SubscribeStatus receives a snapshot when a pass starts and when it ends.
// Unread snapshots are replaced by newer ones.
func (e *Engine) SubscribeStatus() (<-chan models.SyncStatus, func()) {
	ch := make(chan models.SyncStatus, 1)

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) snapshot(ctx context.Context, syncing bool) (models.SyncStatus, error) {
	pending, err := e.store.Count(ctx, models.IntentPending, models.IntentError)
	if err != nil {
		return models.SyncStatus{}, err
	}
	last, err := e.store.LastSync(ctx)
	if err != nil {
		return models.SyncStatus{}, err
	}

	report := e.LastReport()
	return models.SyncStatus{
		IsSyncing:    syncing,
		TotalPending: pending,
		SyncedCount:  report.Synced,
		FailedCount:  report.Failed,
		LastSync:     last,
	}, nil
}

func (e *Engine) publishStatus(ctx context.Context, syncing bool) models.SyncStatus {
	st, err := e.snapshot(ctx, syncing)
	if err != nil {
		e.logger.Error().Err(err).Msg("Build sync status failed")
		st = models.SyncStatus{IsSyncing: syncing}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		deliver(ch, st)
	}
	return st
}

func deliver(ch chan models.SyncStatus, st models.SyncStatus) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
