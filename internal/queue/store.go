// Package queue is the durable local store: the intent queue, the reference
// cache used while offline, and the small amount of sync metadata.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var (
	// ErrStorage wraps every persistence failure.
	ErrStorage           = errors.New("local storage failure")
	ErrNotFound          = errors.New("intent not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrLeaseHeld         = errors.New("sync lease held by another owner")
)

// Store owns all persisted client state.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex // serializes writers
	now    func() time.Time
	logger *zerolog.Logger
}

// Open opens (or creates) the store at path and runs migrations.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create database directory: %v", ErrStorage, err)
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorage, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect to database: %v", ErrStorage, err)
	}

	s := &Store{
		db:     db,
		path:   path,
		now:    time.Now,
		logger: logger,
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("Queue store opened")
	return s, nil
}

func (s *Store) createTables() error {
	queries := []string{
		// Reservation intents awaiting remote confirmation
		`CREATE TABLE IF NOT EXISTS intents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			room_id INTEGER NOT NULL,
			room_name TEXT NOT NULL DEFAULT '',
			date TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			user_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			cancel_requested BOOLEAN NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_created ON intents(created_at)`,

		// Last-known-good room list, replaced wholesale
		`CREATE TABLE IF NOT EXISTS rooms_cache (
			position INTEGER PRIMARY KEY,
			id INTEGER UNIQUE NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			capacity INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			room_type_id INTEGER NOT NULL DEFAULT 0,
			building_id INTEGER NOT NULL DEFAULT 0
		)`,

		// Last-known-good availability per room and date
		`CREATE TABLE IF NOT EXISTS availability_cache (
			room_id INTEGER NOT NULL,
			date TEXT NOT NULL,
			slots TEXT NOT NULL,
			cached_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, date)
		)`,

		`CREATE TABLE IF NOT EXISTS sync_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// Single row naming the process allowed to drive intents through syncing
		`CREATE TABLE IF NOT EXISTS sync_lease (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("%w: exec migration %s: %v", ErrStorage, trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 60 {
		return q[:60] + "..."
	}
	return q
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to dest.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return storageErr("snapshot", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
