// Package reconcile replays queued reservation intents against the booking
// service once connectivity returns.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomsync/internal/events"
	"roomsync/internal/metrics"
	"roomsync/internal/models"
	"roomsync/internal/queue"
	"roomsync/internal/remote"
)

var (
	ErrOffline        = errors.New("no connection")
	ErrPassInProgress = errors.New("sync already in progress")
	ErrNotRetryable   = errors.New("intent cannot be retried")
)

// ConflictPrefix starts the message recorded for intents whose slot was taken.
const ConflictPrefix = "slot already taken: "

// Store is the subset of the queue store the engine drives.
type Store interface {
	List(ctx context.Context) ([]models.ReservationIntent, error)
	Get(ctx context.Context, id string) (models.ReservationIntent, error)
	Count(ctx context.Context, statuses ...models.IntentStatus) (int, error)
	UpdateStatus(ctx context.Context, id string, to models.IntentStatus, se *queue.StatusError) error
	Remove(ctx context.Context, id string) error
	ClearSynced(ctx context.Context) (int64, error)
	RecordLastSync(ctx context.Context, t time.Time) error
	LastSync(ctx context.Context) (*time.Time, error)
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, owner string) error
	RecoverInterrupted(ctx context.Context) (int64, error)
}

// Creator submits one reservation to the booking service.
type Creator interface {
	CreateReservation(ctx context.Context, req models.ReservationRequest) (models.Reservation, error)
}

// Refresher updates the signed-in user's counters. Failures are its own concern.
type Refresher interface {
	RefreshBestEffort(ctx context.Context)
}

type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Config holds engine options.
type Config struct {
	// RetryConflicts makes automatic passes pick up conflict and validation
	// errors too. Transport errors are always retried.
	RetryConflicts bool

	// PassTimeout bounds a single pass. Zero means no bound.
	PassTimeout time.Duration

	// SyncOnStartup runs a pass when Watch starts while already online.
	SyncOnStartup bool

	// LeaseTTL is how long the store lease survives without a heartbeat.
	// Defaults to 30s.
	LeaseTTL time.Duration
}

// Report summarizes one pass.
type Report struct {
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Orphaned  int           `json:"orphaned"`
	Duration  time.Duration `json:"duration_ns"`
}

// IntentEvent is the payload of intent.* events.
type IntentEvent struct {
	IntentID      string           `json:"intent_id"`
	Status        string           `json:"status"`
	ErrorKind     models.ErrorKind `json:"error_kind,omitempty"`
	Message       string           `json:"message,omitempty"`
	ReservationID int64            `json:"reservation_id,omitempty"`
}

// Engine runs reconciliation passes. At most one pass runs at a time.
type Engine struct {
	store   Store
	remote  Creator
	account Refresher
	conn    Connectivity
	bus     *events.EventBus
	metrics *metrics.Metrics
	config  Config
	logger  zerolog.Logger
	now     func() time.Time
	owner   string

	running atomic.Bool
	idle    chan struct{} // signalled after every pass

	mu     sync.RWMutex
	last   Report
	subs   map[int]chan models.SyncStatus
	nextID int
}

func NewEngine(
	store Store,
	creator Creator,
	account Refresher,
	conn Connectivity,
	bus *events.EventBus,
	m *metrics.Metrics,
	cfg Config,
	logger zerolog.Logger,
) *Engine {
	if m == nil {
		m = metrics.Nop()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Engine{
		store:   store,
		remote:  creator,
		account: account,
		conn:    conn,
		bus:     bus,
		metrics: m,
		config:  cfg,
		logger:  logger.With().Str("component", "reconcile").Logger(),
		now:     time.Now,
		owner:   uuid.NewString(),
		idle:    make(chan struct{}, 1),
		subs:    make(map[int]chan models.SyncStatus),
	}
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run performs one pass over every automatically retryable intent. It fails
// with ErrPassInProgress while a pass runs here or in another process sharing
// the store.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	if !e.conn.Online() {
		e.metrics.IncPass("offline")
		return Report{}, ErrOffline
	}
	ctx, done, err := e.lock(ctx)
	if err != nil {
		return Report{}, err
	}
	defer done()

	return e.pass(ctx, func(it models.ReservationIntent) bool {
		return it.AutoRetryable(e.config.RetryConflicts)
	})
}

// RetryIntent replays a single pending or failed intent regardless of its
// error kind.
func (e *Engine) RetryIntent(ctx context.Context, id string) (Report, error) {
	it, err := e.store.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	if it.Status != models.IntentPending && it.Status != models.IntentError {
		return Report{}, ErrNotRetryable
	}

	if !e.conn.Online() {
		e.metrics.IncPass("offline")
		return Report{}, ErrOffline
	}
	ctx, done, err := e.lock(ctx)
	if err != nil {
		return Report{}, err
	}
	defer done()

	return e.pass(ctx, func(cand models.ReservationIntent) bool {
		return cand.ID == id
	})
}

// Recover resolves intents a crashed process left in syncing. It fails with
// ErrPassInProgress while any pass owns the store.
func (e *Engine) Recover(ctx context.Context) error {
	_, done, err := e.lock(ctx)
	if err != nil {
		return err
	}
	done()
	return nil
}

// Watch runs a pass on every offline to online transition until ctx is done.
// A trigger that lands while another pass runs is replayed once that pass
// ends, or after one lease period when the other pass lives in another process.
func (e *Engine) Watch(ctx context.Context) {
	ch, cancel := e.conn.Subscribe()
	defer cancel()

	var (
		pending bool
		retry   <-chan time.Time
	)
	trigger := func(name string) {
		pending = errors.Is(e.runLogged(ctx, name), ErrPassInProgress)
		retry = nil
		if pending {
			retry = time.After(e.config.LeaseTTL)
		}
	}

	if e.config.SyncOnStartup && e.conn.Online() {
		trigger("startup")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			if online {
				trigger("reconnect")
			} else {
				pending, retry = false, nil
			}
		case <-e.idle:
			if pending {
				trigger("coalesced")
			}
		case <-retry:
			trigger("coalesced")
		}
	}
}

func (e *Engine) runLogged(ctx context.Context, trigger string) error {
	report, err := e.Run(ctx)
	switch {
	case err == nil:
		e.logger.Info().
			Str("trigger", trigger).
			Int("synced", report.Synced).
			Int("failed", report.Failed).
			Msg("Sync pass finished")
	case errors.Is(err, ErrOffline), errors.Is(err, ErrPassInProgress):
		e.logger.Debug().Err(err).Str("trigger", trigger).Msg("Sync pass skipped")
	default:
		e.logger.Error().Err(err).Str("trigger", trigger).Msg("Sync pass failed")
	}
	return err
}

// lock makes this engine the only one driving intents through syncing, in
// this process and in any other sharing the store, then resolves rows a dead
// owner left in flight. The returned context is cancelled if the lease is
// lost; done releases everything.
func (e *Engine) lock(ctx context.Context) (context.Context, func(), error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.IncPass("coalesced")
		return nil, nil, ErrPassInProgress
	}
	if err := e.store.AcquireLease(ctx, e.owner, e.config.LeaseTTL); err != nil {
		e.running.Store(false)
		if errors.Is(err, queue.ErrLeaseHeld) {
			e.metrics.IncPass("coalesced")
			return nil, nil, fmt.Errorf("%w: store owned by another process", ErrPassInProgress)
		}
		return nil, nil, err
	}

	releaseCtx := context.WithoutCancel(ctx)
	if _, err := e.store.RecoverInterrupted(ctx); err != nil {
		e.release(releaseCtx)
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	beat := make(chan struct{})
	go e.heartbeat(ctx, cancel, beat)

	return ctx, func() {
		cancel()
		<-beat
		e.release(releaseCtx)
	}, nil
}

// heartbeat renews the lease until ctx ends, cancelling it if renewal fails.
func (e *Engine) heartbeat(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(e.config.LeaseTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.AcquireLease(ctx, e.owner, e.config.LeaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Error().Err(err).Msg("Sync lease lost, stopping pass")
				cancel()
				return
			}
		}
	}
}

func (e *Engine) release(ctx context.Context) {
	if err := e.store.ReleaseLease(ctx, e.owner); err != nil {
		e.logger.Error().Err(err).Msg("Release sync lease failed")
	}
	e.running.Store(false)
	select {
	case e.idle <- struct{}{}:
	default:
	}
}

func (e *Engine) pass(ctx context.Context, selectFn func(models.ReservationIntent) bool) (Report, error) {
	start := e.now()
	var report Report

	// bookkeeping after the loop outlives the pass deadline
	finishCtx := context.WithoutCancel(ctx)
	if e.config.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.PassTimeout)
		defer cancel()
	}

	intents, err := e.store.List(ctx)
	if err != nil {
		e.publishStatus(finishCtx, false)
		return report, err
	}

	var selected []models.ReservationIntent
	for _, it := range intents {
		if it.CancelRequested || !selectFn(it) {
			continue
		}
		selected = append(selected, it)
	}

	e.publishStatus(finishCtx, true)
	e.publish(events.TypeSyncStarted, map[string]int{"intents": len(selected)})

	var passErr error
	for _, it := range selected {
		if ctx.Err() != nil {
			e.logger.Warn().Int("remaining", len(selected)-report.Attempted).Msg("Sync pass deadline reached")
			break
		}
		if err := e.syncOne(ctx, finishCtx, it, &report); err != nil {
			passErr = err
			break
		}
	}

	if _, err := e.store.ClearSynced(finishCtx); err != nil && passErr == nil {
		passErr = err
	}
	if err := e.store.RecordLastSync(finishCtx, e.now()); err != nil && passErr == nil {
		passErr = err
	}
	if report.Synced+report.Orphaned > 0 && e.account != nil {
		e.account.RefreshBestEffort(finishCtx)
	}

	report.Duration = e.now().Sub(start)
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()

	status := e.publishStatus(finishCtx, false)
	e.publish(events.TypeSyncFinished, status)

	e.metrics.IncPass("completed")
	e.metrics.ObservePass(report.Duration.Seconds())
	if n, err := e.store.Count(finishCtx); err == nil {
		e.metrics.SetQueueSize(n)
	}

	if passErr != nil {
		e.logger.Error().Err(passErr).Msg("Sync pass aborted")
	}
	return report, passErr
}

// syncOne drives one intent through syncing to its outcome. Only storage
// failures are returned; remote failures are recorded on the intent.
func (e *Engine) syncOne(ctx, finishCtx context.Context, it models.ReservationIntent, report *Report) error {
	log := e.logger.With().Str("intent_id", it.ID).Int64("room_id", it.RoomID).Logger()

	if err := e.store.UpdateStatus(ctx, it.ID, models.IntentSyncing, nil); err != nil {
		if errors.Is(err, queue.ErrIllegalTransition) || errors.Is(err, queue.ErrNotFound) {
			log.Debug().Err(err).Msg("Intent changed before sync, skipping")
			return nil
		}
		return err
	}
	report.Attempted++

	res, callErr := e.remote.CreateReservation(ctx, it.ReservationRequest)

	var (
		ev  IntentEvent
		se  *queue.StatusError
		to  = models.IntentSynced
		out = "synced"
	)
	ev.IntentID = it.ID
	if callErr == nil {
		ev.ReservationID = res.ID
	} else {
		kind := remote.KindOf(callErr)
		msg := remote.MessageOf(callErr)
		if kind == models.ErrorConflict {
			msg = ConflictPrefix + msg
		}
		to, out = models.IntentError, string(kind)
		se = &queue.StatusError{Kind: kind, Message: msg}
		ev.ErrorKind, ev.Message = kind, msg
	}
	ev.Status = string(to)

	if err := e.store.UpdateStatus(finishCtx, it.ID, to, se); err != nil {
		return err
	}

	cur, err := e.store.Get(finishCtx, it.ID)
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return err
	}
	if err == nil && cur.CancelRequested {
		if err := e.store.Remove(finishCtx, it.ID); err != nil {
			return err
		}
		report.Cancelled++
		e.metrics.IncOutcome("cancelled")
		if callErr == nil {
			report.Orphaned++
			e.metrics.IncOrphaned()
			log.Warn().Int64("reservation_id", res.ID).Msg("Remote reservation created for an intent cancelled in flight")
		}
		ev.Status = "cancelled"
		e.publish(events.TypeIntentCancelled, ev)
		return nil
	}

	e.metrics.IncOutcome(out)
	if callErr == nil {
		report.Synced++
		log.Info().Int64("reservation_id", res.ID).Msg("Intent synced")
		e.publish(events.TypeIntentSynced, ev)
		return nil
	}

	report.Failed++
	log.Warn().Str("kind", string(se.Kind)).Str("error", se.Message).Msg("Intent sync failed")
	e.publish(events.TypeIntentFailed, ev)
	return nil
}

func (e *Engine) publish(evType string, payload interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.PublishJSON(evType, payload); err != nil {
		e.logger.Error().Err(err).Str("type", evType).Msg("Publish event failed")
	}
}
