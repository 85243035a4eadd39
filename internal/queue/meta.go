package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"roomsync/internal/models"
)

const (
	metaLastSync = "last_sync"
	metaProfile  = "profile"
)

// RecordLastSync stores the completion time of the last reconciliation pass.
func (s *Store) RecordLastSync(ctx context.Context, t time.Time) error {
	return s.putMeta(ctx, metaLastSync, t.UTC().Format(time.RFC3339Nano))
}

// LastSync returns the last recorded pass time, or nil if none ran yet.
func (s *Store) LastSync(ctx context.Context) (*time.Time, error) {
	v, ok, err := s.getMeta(ctx, metaLastSync)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, storageErr("parse last sync", err)
	}
	return &t, nil
}

// SaveProfile persists the signed-in user. A nil profile signs out.
func (s *Store) SaveProfile(ctx context.Context, p *models.Profile) error {
	if p == nil {
		return s.deleteMeta(ctx, metaProfile)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return storageErr("encode profile", err)
	}
	return s.putMeta(ctx, metaProfile, string(data))
}

// LoadProfile returns the persisted user, or nil when signed out.
func (s *Store) LoadProfile(ctx context.Context) (*models.Profile, error) {
	v, ok, err := s.getMeta(ctx, metaProfile)
	if err != nil || !ok {
		return nil, err
	}
	var p models.Profile
	if err := json.Unmarshal([]byte(v), &p); err != nil {
		return nil, storageErr("decode profile", err)
	}
	return &p, nil
}

func (s *Store) putMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toUnix(s.now()))
	if err != nil {
		return storageErr("write "+key, err)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("read "+key, err)
	}
	return v, true, nil
}

func (s *Store) deleteMeta(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, key); err != nil {
		return storageErr("delete "+key, err)
	}
	return nil
}
