package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"roomsync/internal/models"
)

// InterruptedMessage is recorded on intents found mid-sync when the store is reopened.
const InterruptedMessage = "sync interrupted; outcome unknown"

// unknownErrorMessage fills last_error when a failure carries no message.
const unknownErrorMessage = "sync failed"

// StatusError describes why an intent moved to the error status.
type StatusError struct {
	Kind    models.ErrorKind
	Message string
}

const intentColumns = `seq, id, room_id, room_name, date, start_time, end_time, reason, user_id,
	status, last_error, error_kind, attempts, cancel_requested, created_at, updated_at`

// Enqueue persists a new pending intent and returns its id.
func (s *Store) Enqueue(ctx context.Context, req models.ReservationRequest, roomName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := toUnix(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intents (id, room_id, room_name, date, start_time, end_time, reason, user_id,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.RoomID, roomName, req.Date, req.StartTime, req.EndTime, req.Reason, req.UserID,
		string(models.IntentPending), now, now)
	if err != nil {
		return "", storageErr("enqueue", err)
	}

	s.logger.Debug().Str("intent_id", id).Int64("room_id", req.RoomID).Msg("Intent enqueued")
	return id, nil
}

// List returns all intents in creation order.
func (s *Store) List(ctx context.Context) ([]models.ReservationIntent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+intentColumns+` FROM intents ORDER BY seq`)
	if err != nil {
		return nil, storageErr("list intents", err)
	}
	defer rows.Close()

	var out []models.ReservationIntent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, storageErr("scan intent", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list intents", err)
	}
	return out, nil
}

// Get returns one intent by id.
func (s *Store) Get(ctx context.Context, id string) (models.ReservationIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?`, id)
	it, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReservationIntent{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.ReservationIntent{}, storageErr("get intent", err)
	}
	return it, nil
}

// Count returns the number of intents in any of the given statuses, or all
// intents when none are given.
func (s *Store) Count(ctx context.Context, statuses ...models.IntentStatus) (int, error) {
	q := `SELECT COUNT(*) FROM intents`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		q += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}

	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, storageErr("count intents", err)
	}
	return n, nil
}

// UpdateStatus moves an intent to a new status. Only legal transitions are
// applied; anything else fails with ErrIllegalTransition and leaves the row as is.
// Entering syncing counts an attempt and clears the previous error. An error
// status always records a message, a retryable transport one if se has none.
func (s *Store) UpdateStatus(ctx context.Context, id string, to models.IntentStatus, se *StatusError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin update", err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return storageErr("read status", err)
	}
	if !CanTransition(models.IntentStatus(from), to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	var lastError, kind string
	if to == models.IntentError {
		lastError, kind = unknownErrorMessage, string(models.ErrorTransport)
		if se != nil && se.Message != "" {
			lastError = se.Message
		}
		if se != nil && se.Kind != "" {
			kind = string(se.Kind)
		}
	}
	attemptInc := 0
	if to == models.IntentSyncing {
		attemptInc = 1
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE intents
		SET status = ?, last_error = ?, error_kind = ?, attempts = attempts + ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), lastError, kind, attemptInc, toUnix(s.now()), id, from)
	if err != nil {
		return storageErr("update status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrIllegalTransition, id)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit update", err)
	}
	return nil
}

// Remove deletes an intent. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM intents WHERE id = ?`, id); err != nil {
		return storageErr("remove intent", err)
	}
	return nil
}

// RequestCancel deletes the intent unless a remote call for it is in flight,
// in which case it is flagged and deferred is true.
func (s *Store) RequestCancel(ctx context.Context, id string) (deferred bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("begin cancel", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM intents WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return false, storageErr("read status", err)
	}

	if models.IntentStatus(status) == models.IntentSyncing {
		_, err = tx.ExecContext(ctx, `UPDATE intents SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
			toUnix(s.now()), id)
		deferred = true
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM intents WHERE id = ?`, id)
	}
	if err != nil {
		return false, storageErr("cancel intent", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr("commit cancel", err)
	}
	return deferred, nil
}

// ClearSynced removes every synced intent.
func (s *Store) ClearSynced(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM intents WHERE status = ?`, string(models.IntentSynced))
	if err != nil {
		return 0, storageErr("clear synced", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Purge removes intents created before olderThan. In-flight intents are kept.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM intents WHERE status != ? AND created_at < ?`,
		string(models.IntentSyncing), toUnix(olderThan))
	if err != nil {
		return 0, storageErr("purge intents", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("removed", n).Time("older_than", olderThan).Msg("Purged old intents")
	}
	return n, nil
}

// RecoverInterrupted resolves intents left in syncing by a previous process.
// Cancelled ones are dropped, the rest become retryable transport errors.
// Callers must hold the sync lease.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin recovery", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM intents WHERE status = ? AND cancel_requested = 1`,
		string(models.IntentSyncing)); err != nil {
		return 0, storageErr("drop cancelled", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE intents SET status = ?, error_kind = ?, last_error = ?, updated_at = ?
		WHERE status = ?`,
		string(models.IntentError), string(models.ErrorTransport), InterruptedMessage,
		toUnix(s.now()), string(models.IntentSyncing))
	if err != nil {
		return 0, storageErr("recover interrupted", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit recovery", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn().Int64("count", n).Msg("Recovered intents interrupted mid-sync")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(sc scanner) (models.ReservationIntent, error) {
	var (
		it                   models.ReservationIntent
		status, kind         string
		createdAt, updatedAt int64
	)
	err := sc.Scan(&it.Seq, &it.ID, &it.RoomID, &it.RoomName, &it.Date, &it.StartTime, &it.EndTime,
		&it.Reason, &it.UserID, &status, &it.LastError, &kind, &it.Attempts, &it.CancelRequested,
		&createdAt, &updatedAt)
	if err != nil {
		return it, err
	}
	it.Status = models.IntentStatus(status)
	it.ErrorKind = models.ErrorKind(kind)
	it.CreatedAt = fromUnix(createdAt)
	it.UpdatedAt = fromUnix(updatedAt)
	return it, nil
}
