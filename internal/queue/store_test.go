package queue

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := zerolog.New(io.Discard)
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRequest(room int64) models.ReservationRequest {
	return models.ReservationRequest{
		RoomID:    room,
		Date:      "2024-12-06",
		StartTime: "07:30:00",
		EndTime:   "08:30:00",
		Reason:    "Clase",
		UserID:    7,
	}
}

func TestEnqueueAndList_CreationOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fixed := time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed } // identical timestamps

	var ids []string
	for _, room := range []int64{3, 1, 2} {
		id, err := s.Enqueue(ctx, sampleRequest(room), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, it := range list {
		assert.Equal(t, ids[i], it.ID)
		assert.Equal(t, models.IntentPending, it.Status)
		assert.Equal(t, fixed, it.CreatedAt)
	}
	assert.Equal(t, int64(3), list[0].RoomID)
}

func TestEnqueue_UniqueIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Enqueue(ctx, sampleRequest(1), "")
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, sampleRequest(1), "")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, sampleRequest(3), "Aula 3")
	require.NoError(t, err)

	it, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Aula 3", it.RoomName)
	assert.Equal(t, "07:30:00", it.StartTime)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_Transitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, sampleRequest(1), "")
	require.NoError(t, err)

	// pending -> synced skips syncing
	err = s.UpdateStatus(ctx, id, models.IntentSynced, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	it, _ := s.Get(ctx, id)
	assert.Equal(t, models.IntentPending, it.Status)

	require.NoError(t, s.UpdateStatus(ctx, id, models.IntentSyncing, nil))
	require.NoError(t, s.UpdateStatus(ctx, id, models.IntentError, &StatusError{
		Kind: models.ErrorConflict, Message: "slot already taken",
	}))

	it, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.IntentError, it.Status)
	assert.Equal(t, models.ErrorConflict, it.ErrorKind)
	assert.Equal(t, "slot already taken", it.LastError)
	assert.Equal(t, 1, it.Attempts)

	// error -> syncing clears the previous error
	require.NoError(t, s.UpdateStatus(ctx, id, models.IntentSyncing, nil))
	it, _ = s.Get(ctx, id)
	assert.Empty(t, it.LastError)
	assert.Empty(t, it.ErrorKind)
	assert.Equal(t, 2, it.Attempts)

	require.NoError(t, s.UpdateStatus(ctx, id, models.IntentSynced, nil))
	err = s.UpdateStatus(ctx, id, models.IntentSyncing, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition, "synced intents are never retried")

	err = s.UpdateStatus(ctx, "missing", models.IntentSyncing, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_ConcurrentClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, sampleRequest(1), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.UpdateStatus(ctx, id, models.IntentSyncing, nil)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, illegal int
	for err := range errs {
		if err == nil {
			ok++
		} else if assert.ErrorIs(t, err, ErrIllegalTransition) {
			illegal++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, illegal)
}

func TestCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, sampleRequest(1), "")
	_, _ = s.Enqueue(ctx, sampleRequest(2), "")
	require.NoError(t, s.UpdateStatus(ctx, a, models.IntentSyncing, nil))
	require.NoError(t, s.UpdateStatus(ctx, a, models.IntentError, &StatusError{Kind: models.ErrorTransport, Message: "timeout"}))

	all, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, all)

	n, err := s.Count(ctx, models.IntentPending, models.IntentError)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Count(ctx, models.IntentSynced)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRemoveAndClearSynced_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, sampleRequest(1), "")
	b, _ := s.Enqueue(ctx, sampleRequest(2), "")
	require.NoError(t, s.UpdateStatus(ctx, b, models.IntentSyncing, nil))
	require.NoError(t, s.UpdateStatus(ctx, b, models.IntentSynced, nil))

	require.NoError(t, s.Remove(ctx, a))
	require.NoError(t, s.Remove(ctx, a))

	n, err := s.ClearSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.ClearSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRequestCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idle, _ := s.Enqueue(ctx, sampleRequest(1), "")
	busy, _ := s.Enqueue(ctx, sampleRequest(2), "")
	require.NoError(t, s.UpdateStatus(ctx, busy, models.IntentSyncing, nil))

	deferred, err := s.RequestCancel(ctx, idle)
	require.NoError(t, err)
	assert.False(t, deferred)
	_, err = s.Get(ctx, idle)
	assert.ErrorIs(t, err, ErrNotFound)

	deferred, err = s.RequestCancel(ctx, busy)
	require.NoError(t, err)
	assert.True(t, deferred)
	it, err := s.Get(ctx, busy)
	require.NoError(t, err)
	assert.True(t, it.CancelRequested)
	assert.Equal(t, models.IntentSyncing, it.Status)

	_, err = s.RequestCancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	old, _ := s.Enqueue(ctx, sampleRequest(1), "")
	oldBusy, _ := s.Enqueue(ctx, sampleRequest(2), "")
	require.NoError(t, s.UpdateStatus(ctx, oldBusy, models.IntentSyncing, nil))

	s.now = func() time.Time { return base.AddDate(0, 0, 10) }
	fresh, _ := s.Enqueue(ctx, sampleRequest(3), "")

	n, err := s.Purge(ctx, base.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, oldBusy)
	assert.NoError(t, err)
	_, err = s.Get(ctx, fresh)
	assert.NoError(t, err)
}

func TestRecoverInterrupted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	s, err := Open(path, &logger)
	require.NoError(t, err)
	crashed, _ := s.Enqueue(ctx, sampleRequest(1), "")
	cancelled, _ := s.Enqueue(ctx, sampleRequest(2), "")
	waiting, _ := s.Enqueue(ctx, sampleRequest(3), "")
	require.NoError(t, s.UpdateStatus(ctx, crashed, models.IntentSyncing, nil))
	require.NoError(t, s.UpdateStatus(ctx, cancelled, models.IntentSyncing, nil))
	_, err = s.RequestCancel(ctx, cancelled)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, &logger)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	it, err := s.Get(ctx, crashed)
	require.NoError(t, err)
	assert.Equal(t, models.IntentError, it.Status)
	assert.Equal(t, models.ErrorTransport, it.ErrorKind)
	assert.Equal(t, InterruptedMessage, it.LastError)
	assert.True(t, it.AutoRetryable(false))

	_, err = s.Get(ctx, cancelled)
	assert.ErrorIs(t, err, ErrNotFound)

	it, _ = s.Get(ctx, waiting)
	assert.Equal(t, models.IntentPending, it.Status)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	s, err := Open(path, &logger)
	require.NoError(t, err)
	id, err := s.Enqueue(ctx, sampleRequest(3), "Aula 3")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, &logger)
	require.NoError(t, err)
	defer s.Close()

	it, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), it.RoomID)
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, sampleRequest(1), "")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, s.Snapshot(ctx, dest))

	logger := zerolog.New(io.Discard)
	cp, err := Open(dest, &logger)
	require.NoError(t, err)
	defer cp.Close()
	n, err := cp.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.IntentStatus
		allowed  bool
	}{
		{models.IntentPending, models.IntentSyncing, true},
		{models.IntentSyncing, models.IntentSynced, true},
		{models.IntentSyncing, models.IntentError, true},
		{models.IntentError, models.IntentSyncing, true},
		{models.IntentPending, models.IntentSynced, false},
		{models.IntentPending, models.IntentError, false},
		{models.IntentSynced, models.IntentSyncing, false},
		{models.IntentError, models.IntentSynced, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestUpdateStatus_ErrorAlwaysHasMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, se := range []*StatusError{nil, {Kind: models.ErrorConflict}} {
		id, err := s.Enqueue(ctx, sampleRequest(1), "")
		require.NoError(t, err)
		require.NoError(t, s.UpdateStatus(ctx, id, models.IntentSyncing, nil))
		require.NoError(t, s.UpdateStatus(ctx, id, models.IntentError, se))

		it, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "sync failed", it.LastError)
		if se == nil {
			assert.Equal(t, models.ErrorTransport, it.ErrorKind)
		} else {
			assert.Equal(t, models.ErrorConflict, it.ErrorKind)
		}
	}
}

func TestLease_SharedAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	a, err := Open(path, &logger)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path, &logger)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.AcquireLease(ctx, "serve", time.Minute))
	require.NoError(t, a.AcquireLease(ctx, "serve", time.Minute), "owner renews its own lease")
	assert.ErrorIs(t, b.AcquireLease(ctx, "cli", time.Minute), ErrLeaseHeld)

	// releasing someone else's lease is a no-op
	require.NoError(t, b.ReleaseLease(ctx, "cli"))
	assert.ErrorIs(t, b.AcquireLease(ctx, "cli", time.Minute), ErrLeaseHeld)

	require.NoError(t, a.ReleaseLease(ctx, "serve"))
	require.NoError(t, b.AcquireLease(ctx, "cli", time.Minute))
	assert.ErrorIs(t, a.AcquireLease(ctx, "serve", time.Minute), ErrLeaseHeld)
}

func TestLease_ExpiredLeaseIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	a, err := Open(path, &logger)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path, &logger)
	require.NoError(t, err)
	defer b.Close()

	now := time.Date(2024, 12, 6, 7, 30, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	b.now = func() time.Time { return now.Add(29 * time.Second) }

	require.NoError(t, a.AcquireLease(ctx, "dead", 30*time.Second))
	assert.ErrorIs(t, b.AcquireLease(ctx, "alive", 30*time.Second), ErrLeaseHeld)

	b.now = func() time.Time { return now.Add(30 * time.Second) }
	require.NoError(t, b.AcquireLease(ctx, "alive", 30*time.Second))
	assert.ErrorIs(t, a.AcquireLease(ctx, "dead", 30*time.Second), ErrLeaseHeld)
}
