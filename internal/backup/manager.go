// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package backup archives Minecraft server directories into tar.gz files,
// restores them, and applies per-schedule retention. Archive metadata lives
// in the database; archive files live under the backups root, one
// subdirectory per server.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/events"
	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/models"
)

// ErrArchiveMissing is returned when a backup's archive file is gone from
// disk while its metadata survives.
var ErrArchiveMissing = errors.New("backup archive file missing")

// Manager creates, restores, and prunes backups.
type Manager struct {
	db   *database.DB
	bus  *events.Bus
	root string
}

// NewManager creates a Manager writing archives under root.
func NewManager(db *database.DB, bus *events.Bus, root string) *Manager {
	return &Manager{db: db, bus: bus, root: root}
}

// Create archives the server directory and records the result. The metadata
// row is inserted as in_progress before the archive is written and finalized
// to completed or failed; a failed backup keeps its row (with the error) but
// not a partial archive file.
func (m *Manager) Create(ctx context.Context, srv *models.Server, backupType models.BackupType) (*models.Backup, error) {
	now := time.Now().UTC()
	b := &models.Backup{
		ID:        uuid.NewString(),
		ServerID:  srv.ID,
		Type:      backupType,
		Status:    models.BackupStatusInProgress,
		CreatedAt: now,
	}
	b.Name = fmt.Sprintf("backup-%s-%s-%s.tar.gz", backupType, now.Format("20060102-150405"), b.ID[:8])
	b.FilePath = filepath.Join(m.root, srv.ID, b.Name)

	if err := os.MkdirAll(filepath.Dir(b.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	if err := m.db.InsertBackup(ctx, b); err != nil {
		return nil, err
	}

	size, err := createArchive(ctx, srv.DirectoryPath, b.FilePath)
	if err != nil {
		os.Remove(b.FilePath) //nolint:errcheck // partial archive
		b.Status = models.BackupStatusFailed
		b.Error = err.Error()
		if uerr := m.db.UpdateBackupResult(ctx, b.ID, b.Status, 0, b.Error); uerr != nil {
			logging.Error().Err(uerr).Str("backup_id", b.ID).Msg("failed to record backup failure")
		}
		m.finish(b)
		return b, fmt.Errorf("archive %s: %w", srv.ID, err)
	}

	b.Status = models.BackupStatusCompleted
	b.SizeBytes = size
	if err := m.db.UpdateBackupResult(ctx, b.ID, b.Status, size, ""); err != nil {
		return nil, err
	}
	metrics.BackupSizeBytes.Observe(float64(size))
	m.finish(b)

	logging.Info().Str("server_id", srv.ID).Str("backup_id", b.ID).
		Int64("size_bytes", size).Str("type", string(backupType)).
		Msg("backup completed")
	return b, nil
}

// finish emits the completion metric and event for a finalized backup.
func (m *Manager) finish(b *models.Backup) {
	outcome := "ok"
	if b.Status != models.BackupStatusCompleted {
		outcome = "error"
	}
	metrics.BackupsExecuted.WithLabelValues(string(b.Type), outcome).Inc()
	if m.bus != nil {
		m.bus.PublishBackupCompleted(models.BackupCompleted{
			ServerID:  b.ServerID,
			BackupID:  b.ID,
			Status:    b.Status,
			SizeBytes: b.SizeBytes,
			Error:     b.Error,
			At:        time.Now().UTC(),
		})
	}
}

// Delete removes a backup's archive file and metadata.
func (m *Manager) Delete(ctx context.Context, backupID string) error {
	b, err := m.db.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if err := os.Remove(b.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove archive: %w", err)
	}
	return m.db.DeleteBackup(ctx, backupID)
}

// Prune enforces retention for one server: completed scheduled backups
// beyond maxBackups are deleted, oldest first. Manual backups are exempt.
func (m *Manager) Prune(ctx context.Context, serverID string, maxBackups int) (int, error) {
	if maxBackups <= 0 {
		return 0, nil
	}
	scheduled, err := m.db.ListScheduledBackupsOldestFirst(ctx, serverID)
	if err != nil {
		return 0, err
	}
	excess := len(scheduled) - maxBackups
	if excess <= 0 {
		return 0, nil
	}

	removed := 0
	for _, b := range scheduled[:excess] {
		if err := m.Delete(ctx, b.ID); err != nil {
			logging.Warn().Err(err).Str("backup_id", b.ID).Msg("retention prune failed for backup")
			continue
		}
		removed++
		logging.Debug().Str("server_id", serverID).Str("backup_id", b.ID).
			Msg("pruned scheduled backup beyond retention")
	}
	return removed, nil
}
