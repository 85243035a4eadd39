package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"roomsync/internal/config"
)

const backupPrefix = "roomsync_"

// Snapshotter writes a consistent copy of a live database.
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// BackupService takes periodic snapshots of the local queue database and
// prunes old ones.
type BackupService struct {
	db       Snapshotter
	config   config.BackupConfig
	interval time.Duration
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewBackupService(db Snapshotter, cfg config.BackupConfig, interval time.Duration, logger *zerolog.Logger) *BackupService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &BackupService{
		db:       db,
		config:   cfg,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Start runs a backup immediately and then on every interval until ctx is done.
func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("Backup service is disabled")
		return
	}

	s.logger.Info().Dur("interval", s.interval).Str("path", s.config.StoragePath).Msg("Backup service started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx, "initial")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, "scheduled")
		}
	}
}

func (s *BackupService) runOnce(ctx context.Context, kind string) {
	if _, err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("Backup failed")
	}
	s.CleanupOldBackups()
}

// PerformBackup writes one snapshot and returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	name := fmt.Sprintf("%s%s.db", backupPrefix, s.now().Format("20060102_150405"))
	path := filepath.Join(s.config.StoragePath, name)
	// VACUUM INTO refuses to overwrite
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := s.db.Snapshot(ctx, path); err != nil {
		return "", fmt.Errorf("snapshot to %s: %w", path, err)
	}
	s.logger.Info().Str("path", path).Msg("Backup completed")
	return path, nil
}

// CleanupOldBackups deletes snapshots older than the retention period.
func (s *BackupService) CleanupOldBackups() int {
	if s.config.RetentionDays <= 0 {
		return 0
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read backup directory for cleanup")
		return 0
	}

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)
	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), backupPrefix) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.config.StoragePath, file.Name())); err != nil {
				s.logger.Warn().Err(err).Str("file", file.Name()).Msg("Failed to delete old backup")
				continue
			}
			s.logger.Info().Str("file", file.Name()).Msg("Deleted old backup")
			removed++
		}
	}
	return removed
}
