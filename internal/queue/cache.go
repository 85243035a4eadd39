package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"roomsync/internal/models"
)

// CacheRooms replaces the cached room list.
func (s *Store) CacheRooms(ctx context.Context, rooms []models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin cache rooms", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms_cache`); err != nil {
		return storageErr("clear rooms cache", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rooms_cache (position, id, name, description, capacity, is_active, room_type_id, building_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return storageErr("prepare cache rooms", err)
	}
	defer stmt.Close()

	for i, r := range rooms {
		if _, err := stmt.ExecContext(ctx, i, r.ID, r.Name, r.Description, r.Capacity, r.Active,
			r.RoomTypeID, r.BuildingID); err != nil {
			return storageErr("cache room", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit cache rooms", err)
	}
	return nil
}

// CachedRooms returns the last cached room list in its original order.
func (s *Store) CachedRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, capacity, is_active, room_type_id, building_id
		FROM rooms_cache ORDER BY position`)
	if err != nil {
		return nil, storageErr("read rooms cache", err)
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var r models.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Capacity, &r.Active,
			&r.RoomTypeID, &r.BuildingID); err != nil {
			return nil, storageErr("scan room", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read rooms cache", err)
	}
	return rooms, nil
}

// CacheAvailability stores the slots of a room on a date.
func (s *Store) CacheAvailability(ctx context.Context, roomID int64, date string, slots []models.Slot) error {
	payload, err := json.Marshal(slots)
	if err != nil {
		return storageErr("encode slots", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO availability_cache (room_id, date, slots, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, date) DO UPDATE SET
			slots = excluded.slots,
			cached_at = excluded.cached_at`,
		roomID, date, string(payload), toUnix(s.now()))
	if err != nil {
		return storageErr("cache availability", err)
	}
	return nil
}

// CachedAvailability returns the cached slots for a room and date. ok is false
// when nothing has been cached yet.
func (s *Store) CachedAvailability(ctx context.Context, roomID int64, date string) (snap models.AvailabilitySnapshot, ok bool, err error) {
	var (
		payload  string
		cachedAt int64
	)
	err = s.db.QueryRowContext(ctx, `SELECT slots, cached_at FROM availability_cache WHERE room_id = ? AND date = ?`,
		roomID, date).Scan(&payload, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, storageErr("read availability cache", err)
	}

	snap = models.AvailabilitySnapshot{RoomID: roomID, Date: date, CachedAt: fromUnix(cachedAt)}
	if err := json.Unmarshal([]byte(payload), &snap.Slots); err != nil {
		return snap, false, storageErr("decode slots", err)
	}
	return snap, true, nil
}

// PruneAvailability drops cached availability for dates before the given day.
func (s *Store) PruneAvailability(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM availability_cache WHERE date < ?`, before.Format(models.DateLayout))
	if err != nil {
		return 0, storageErr("prune availability", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
