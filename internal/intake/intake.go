// Package intake is the single entry point for new reservations: it writes
// through to the booking service when it can and queues the intent when it
// cannot.
package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"roomsync/internal/events"
	"roomsync/internal/metrics"
	"roomsync/internal/models"
	"roomsync/internal/remote"
)

// Kind tags the outcome of a submission.
type Kind string

const (
	Confirmed Kind = "confirmed"
	Queued    Kind = "queued"
	Rejected  Kind = "rejected"
)

// Result is what the user sees after submitting. Exactly one of Reservation
// (confirmed), IntentID (queued) or Reason (rejected) is meaningful.
type Result struct {
	Kind        Kind                `json:"result"`
	Reservation *models.Reservation `json:"reservation,omitempty"`
	IntentID    string              `json:"intent_id,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	ErrorKind   models.ErrorKind    `json:"error_kind,omitempty"`
}

// CancelResult reports whether a cancel took effect immediately.
type CancelResult struct {
	IntentID string `json:"intent_id"`
	Deferred bool   `json:"deferred"`
}

type Queue interface {
	Enqueue(ctx context.Context, req models.ReservationRequest, roomName string) (string, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, statuses ...models.IntentStatus) (int, error)
}

type Creator interface {
	CreateReservation(ctx context.Context, req models.ReservationRequest) (models.Reservation, error)
}

type Connectivity interface {
	Online() bool
}

// RoomNamer resolves a room label from the local cache.
type RoomNamer interface {
	RoomName(ctx context.Context, roomID int64) string
}

type Refresher interface {
	RefreshBestEffort(ctx context.Context)
}

type Service struct {
	queue   Queue
	remote  Creator
	conn    Connectivity
	rooms   RoomNamer
	account Refresher
	bus     *events.EventBus
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewService(
	queue Queue,
	creator Creator,
	conn Connectivity,
	rooms RoomNamer,
	account Refresher,
	bus *events.EventBus,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		queue:   queue,
		remote:  creator,
		conn:    conn,
		rooms:   rooms,
		account: account,
		bus:     bus,
		metrics: m,
		logger:  logger.With().Str("component", "intake").Logger(),
	}
}

// Submit decides between a direct write and a queued intent. The returned
// error is non-nil only when the intent could not be persisted.
func (s *Service) Submit(ctx context.Context, req models.ReservationRequest) (Result, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		s.metrics.IncIntake(string(Rejected))
		return Result{Kind: Rejected, Reason: reasonOf(err), ErrorKind: models.ErrorValidation}, nil
	}

	log := s.logger.With().Int64("room_id", req.RoomID).Str("date", req.Date).Str("start", req.StartTime).Logger()

	if !s.conn.Online() {
		log.Info().Msg("Offline, queueing reservation")
		return s.enqueue(ctx, req)
	}

	res, err := s.remote.CreateReservation(ctx, req)
	if err == nil {
		s.metrics.IncIntake(string(Confirmed))
		log.Info().Int64("reservation_id", res.ID).Msg("Reservation confirmed")
		if s.account != nil {
			s.account.RefreshBestEffort(ctx)
		}
		return Result{Kind: Confirmed, Reservation: &res}, nil
	}

	switch kind := remote.KindOf(err); kind {
	case models.ErrorConflict, models.ErrorValidation:
		s.metrics.IncIntake(string(Rejected))
		log.Info().Str("kind", string(kind)).Str("reason", remote.MessageOf(err)).Msg("Reservation rejected")
		return Result{Kind: Rejected, Reason: remote.MessageOf(err), ErrorKind: kind}, nil
	default:
		log.Warn().Err(err).Msg("Remote write failed, queueing reservation")
		return s.enqueue(ctx, req)
	}
}

func (s *Service) enqueue(ctx context.Context, req models.ReservationRequest) (Result, error) {
	name := ""
	if s.rooms != nil {
		name = s.rooms.RoomName(ctx, req.RoomID)
	}

	id, err := s.queue.Enqueue(ctx, req, name)
	if err != nil {
		s.metrics.IncIntake("failed")
		return Result{}, fmt.Errorf("queue reservation: %w", err)
	}
	s.metrics.IncIntake(string(Queued))
	if n, err := s.queue.Count(ctx); err == nil {
		s.metrics.SetQueueSize(n)
	}

	if s.bus != nil {
		payload := map[string]interface{}{"intent_id": id, "room_id": req.RoomID, "date": req.Date}
		if err := s.bus.PublishJSON(events.TypeIntentQueued, payload); err != nil {
			s.logger.Error().Err(err).Msg("Publish queued event failed")
		}
	}
	return Result{Kind: Queued, IntentID: id}, nil
}

// Cancel removes a queued intent, or flags it when its remote call is in flight.
func (s *Service) Cancel(ctx context.Context, id string) (CancelResult, error) {
	deferred, err := s.queue.RequestCancel(ctx, id)
	if err != nil {
		return CancelResult{}, err
	}

	s.logger.Info().Str("intent_id", id).Bool("deferred", deferred).Msg("Intent cancelled")
	if !deferred && s.bus != nil {
		payload := map[string]string{"intent_id": id, "status": "cancelled"}
		if err := s.bus.PublishJSON(events.TypeIntentCancelled, payload); err != nil {
			s.logger.Error().Err(err).Msg("Publish cancelled event failed")
		}
	}
	if n, err := s.queue.Count(ctx); err == nil {
		s.metrics.SetQueueSize(n)
	}
	return CancelResult{IntentID: id, Deferred: deferred}, nil
}

func reasonOf(err error) string {
	msg := err.Error()
	prefix := models.ErrInvalidRequest.Error() + ": "
	if errors.Is(err, models.ErrInvalidRequest) && len(msg) > len(prefix) {
		return msg[len(prefix):]
	}
	return msg
}
