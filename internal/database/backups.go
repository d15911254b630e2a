// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/minefleet/minefleet/internal/models"
)

const backupColumns = `id, server_id, name, file_path, size_bytes, type, status, error, created_at`

// InsertBackup records new backup metadata, typically in status pending or
// in_progress before the archive is written.
func (db *DB) InsertBackup(ctx context.Context, b *models.Backup) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	return db.withRetry(ctx, "insert_backup", func() error {
		_, err := db.conn.ExecContext(ctx, `INSERT INTO backups (`+backupColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.ServerID, b.Name, b.FilePath, b.SizeBytes,
			string(b.Type), string(b.Status), b.Error, b.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert backup: %w", err)
		}
		return nil
	})
}

// UpdateBackupResult finalizes a backup's status, size, and error text.
func (db *DB) UpdateBackupResult(ctx context.Context, id string, status models.BackupStatus, sizeBytes int64, errText string) error {
	return db.withRetry(ctx, "update_backup_result", func() error {
		res, err := db.conn.ExecContext(ctx,
			`UPDATE backups SET status = ?, size_bytes = ?, error = ? WHERE id = ?`,
			string(status), sizeBytes, errText, id)
		if err != nil {
			return fmt.Errorf("failed to update backup: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetBackup retrieves backup metadata by ID.
func (db *DB) GetBackup(ctx context.Context, id string) (*models.Backup, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE id = ?`, id)
	return scanBackup(row)
}

// ListBackups returns all backups for a server, newest first.
func (db *DB) ListBackups(ctx context.Context, serverID string) ([]models.Backup, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+backupColumns+` FROM backups WHERE server_id = ? ORDER BY created_at DESC`,
		serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor
	return collectBackups(rows)
}

// ListScheduledBackupsOldestFirst returns completed scheduled backups for a
// server, oldest first. Retention pruning deletes from the head of this list.
func (db *DB) ListScheduledBackupsOldestFirst(ctx context.Context, serverID string) ([]models.Backup, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+backupColumns+` FROM backups
		 WHERE server_id = ? AND type = 'scheduled' AND status = 'completed'
		 ORDER BY created_at ASC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled backups: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor
	return collectBackups(rows)
}

// DeleteBackup removes backup metadata. The caller removes the archive file.
func (db *DB) DeleteBackup(ctx context.Context, id string) error {
	return db.withRetry(ctx, "delete_backup", func() error {
		res, err := db.conn.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete backup: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanBackup(row *sql.Row) (*models.Backup, error) {
	var b models.Backup
	var typ, status string
	var errText sql.NullString
	err := row.Scan(&b.ID, &b.ServerID, &b.Name, &b.FilePath, &b.SizeBytes,
		&typ, &status, &errText, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan backup: %w", err)
	}
	b.Type = models.BackupType(typ)
	b.Status = models.BackupStatus(status)
	b.Error = errText.String
	return &b, nil
}

func collectBackups(rows *sql.Rows) ([]models.Backup, error) {
	var backups []models.Backup
	for rows.Next() {
		var b models.Backup
		var typ, status string
		var errText sql.NullString
		if err := rows.Scan(&b.ID, &b.ServerID, &b.Name, &b.FilePath, &b.SizeBytes,
			&typ, &status, &errText, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup row: %w", err)
		}
		b.Type = models.BackupType(typ)
		b.Status = models.BackupStatus(status)
		b.Error = errText.String
		backups = append(backups, b)
	}
	return backups, rows.Err()
}
