// Package account holds the signed-in user and keeps their counters fresh.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"roomsync/internal/events"
	"roomsync/internal/models"
)

var ErrSignedOut = errors.New("no user signed in")

// ProfileStore persists the signed-in user between runs.
type ProfileStore interface {
	SaveProfile(ctx context.Context, p *models.Profile) error
	LoadProfile(ctx context.Context) (*models.Profile, error)
}

// Directory is the remote side of authentication.
type Directory interface {
	Login(ctx context.Context, email, password string) (models.Profile, error)
	UserInfo(ctx context.Context, userID int64) (models.Profile, error)
}

// Session is the current-user cell.
type Session struct {
	mu      sync.RWMutex
	profile *models.Profile

	store  ProfileStore
	remote Directory
	bus    *events.EventBus
	logger zerolog.Logger
}

// NewSession restores the persisted user, if any. A configured fallbackUserID
// is used when nobody has signed in yet.
func NewSession(ctx context.Context, store ProfileStore, remote Directory, bus *events.EventBus, fallbackUserID int64, logger zerolog.Logger) (*Session, error) {
	s := &Session{
		store:  store,
		remote: remote,
		bus:    bus,
		logger: logger.With().Str("component", "account").Logger(),
	}

	p, err := store.LoadProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if p == nil && fallbackUserID > 0 {
		p = &models.Profile{UserID: fallbackUserID}
	}
	s.profile = p
	return s, nil
}

// Profile returns a copy of the current user, or nil when signed out.
func (s *Session) Profile() *models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	cp := *s.profile
	cp.Upcoming = append([]models.ReservationSummary(nil), s.profile.Upcoming...)
	return &cp
}

// UserID returns the signed-in user id, or 0.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return 0
	}
	return s.profile.UserID
}

// Login authenticates against the remote service and stores the result.
func (s *Session) Login(ctx context.Context, email, password string) (*models.Profile, error) {
	p, err := s.remote.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if err := s.set(ctx, &p); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("user_id", p.UserID).Msg("User signed in")
	return s.Profile(), nil
}

// Logout forgets the current user.
func (s *Session) Logout(ctx context.Context) error {
	return s.set(ctx, nil)
}

// Refresh pulls fresh counters for the current user.
func (s *Session) Refresh(ctx context.Context) error {
	id := s.UserID()
	if id == 0 {
		return ErrSignedOut
	}
	p, err := s.remote.UserInfo(ctx, id)
	if err != nil {
		return fmt.Errorf("refresh user %d: %w", id, err)
	}
	if p.UserID == 0 {
		p.UserID = id
	}
	if err := s.set(ctx, &p); err != nil {
		return err
	}
	s.logger.Debug().Int64("user_id", id).Int("total", p.TotalReservations).Msg("Profile refreshed")
	return nil
}

// RefreshBestEffort refreshes and logs failures instead of returning them.
func (s *Session) RefreshBestEffort(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrSignedOut) {
		s.logger.Warn().Err(err).Msg("Profile refresh failed")
	}
}

func (s *Session) set(ctx context.Context, p *models.Profile) error {
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()

	if s.bus != nil {
		if err := s.bus.PublishJSON(events.TypeProfileUpdated, p); err != nil {
			s.logger.Error().Err(err).Msg("Publish profile event failed")
		}
	}
	return nil
}
