// Package catalog serves rooms and availability, falling back to the local
// cache when the booking service cannot be reached.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"roomsync/internal/models"
)

// ErrNoData is returned when the remote read failed and nothing is cached.
var ErrNoData = errors.New("no cached data available")

// Source is the remote side of the catalog.
type Source interface {
	ListRooms(ctx context.Context) ([]models.Room, error)
	Availability(ctx context.Context, roomID int64, date string) ([]models.Slot, error)
}

// Cache is the local side of the catalog.
type Cache interface {
	CacheRooms(ctx context.Context, rooms []models.Room) error
	CachedRooms(ctx context.Context) ([]models.Room, error)
	CacheAvailability(ctx context.Context, roomID int64, date string, slots []models.Slot) error
	CachedAvailability(ctx context.Context, roomID int64, date string) (models.AvailabilitySnapshot, bool, error)
}

type Connectivity interface {
	Online() bool
}

// Rooms is a room list and whether it came from the cache.
type Rooms struct {
	Rooms []models.Room `json:"rooms"`
	Stale bool          `json:"stale"`
}

// Availability is a room's day and whether it came from the cache.
type Availability struct {
	RoomID   int64         `json:"room_id"`
	Date     string        `json:"date"`
	Slots    []models.Slot `json:"slots"`
	Stale    bool          `json:"stale"`
	CachedAt *time.Time    `json:"cached_at,omitempty"`
}

type Service struct {
	source Source
	cache  Cache
	conn   Connectivity
	logger zerolog.Logger
}

func NewService(source Source, cache Cache, conn Connectivity, logger zerolog.Logger) *Service {
	return &Service{
		source: source,
		cache:  cache,
		conn:   conn,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

// Rooms returns the live room list when online and the cached one otherwise.
func (s *Service) Rooms(ctx context.Context) (Rooms, error) {
	if s.conn.Online() {
		rooms, err := s.source.ListRooms(ctx)
		if err == nil {
			if err := s.cache.CacheRooms(ctx, rooms); err != nil {
				s.logger.Error().Err(err).Msg("Cache rooms failed")
			}
			return Rooms{Rooms: rooms}, nil
		}
		s.logger.Warn().Err(err).Msg("Room list fetch failed, using cache")
	}

	rooms, err := s.cache.CachedRooms(ctx)
	if err != nil {
		return Rooms{}, fmt.Errorf("cached rooms: %w", err)
	}
	if len(rooms) == 0 {
		return Rooms{}, ErrNoData
	}
	return Rooms{Rooms: rooms, Stale: true}, nil
}

// RoomName looks a room up in the cache, for labelling queued intents.
func (s *Service) RoomName(ctx context.Context, roomID int64) string {
	rooms, err := s.cache.CachedRooms(ctx)
	if err != nil {
		return ""
	}
	if r, ok := models.FindRoom(rooms, roomID); ok {
		return r.Name
	}
	return ""
}

// Availability returns a room's slots for date, from the cache when the
// remote read is not possible.
func (s *Service) Availability(ctx context.Context, roomID int64, date string) (Availability, error) {
	out := Availability{RoomID: roomID, Date: date}

	if s.conn.Online() {
		slots, err := s.source.Availability(ctx, roomID, date)
		if err == nil {
			if err := s.cache.CacheAvailability(ctx, roomID, date, slots); err != nil {
				s.logger.Error().Err(err).Msg("Cache availability failed")
			}
			out.Slots = slots
			return out, nil
		}
		s.logger.Warn().Err(err).Int64("room_id", roomID).Str("date", date).Msg("Availability fetch failed, using cache")
	}

	snap, ok, err := s.cache.CachedAvailability(ctx, roomID, date)
	if err != nil {
		return out, fmt.Errorf("cached availability: %w", err)
	}
	if !ok {
		return out, ErrNoData
	}
	out.Slots = snap.Slots
	out.Stale = true
	out.CachedAt = &snap.CachedAt
	return out, nil
}
