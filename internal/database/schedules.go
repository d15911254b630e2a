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

const scheduleColumns = `server_id, interval_hours, max_backups, enabled,
	only_when_running, last_backup_at, next_backup_at, created_at, updated_at`

// UpsertSchedule creates or replaces a server's backup schedule and appends
// the matching 'created' or 'updated' audit entry in the same transaction.
// NextBackupAt is initialized to now+interval on create when unset.
func (db *DB) UpsertSchedule(ctx context.Context, s *models.BackupSchedule, actor string) error {
	now := time.Now().UTC()
	return db.withRetry(ctx, "upsert_schedule", func() error {
		return db.withTx(ctx, func(tx *sql.Tx) error {
			var exists int
			row := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM backup_schedules WHERE server_id = ?`, s.ServerID)
			if err := row.Scan(&exists); err != nil {
				return fmt.Errorf("schedule existence check failed: %w", err)
			}

			action := models.ScheduleCreated
			if exists > 0 {
				action = models.ScheduleUpdated
			} else {
				s.CreatedAt = now
				if s.NextBackupAt == nil {
					next := now.Add(s.Interval())
					s.NextBackupAt = &next
				}
			}
			s.UpdatedAt = now

			if exists > 0 {
				_, err := tx.ExecContext(ctx, `UPDATE backup_schedules SET
					interval_hours = ?, max_backups = ?, enabled = ?, only_when_running = ?,
					updated_at = ? WHERE server_id = ?`,
					s.IntervalHours, s.MaxBackups, s.Enabled, s.OnlyWhenRunning,
					s.UpdatedAt, s.ServerID)
				if err != nil {
					return fmt.Errorf("failed to update schedule: %w", err)
				}
			} else {
				_, err := tx.ExecContext(ctx, `INSERT INTO backup_schedules (`+scheduleColumns+`)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					s.ServerID, s.IntervalHours, s.MaxBackups, s.Enabled, s.OnlyWhenRunning,
					nullTime(s.LastBackupAt), nullTime(s.NextBackupAt), s.CreatedAt, s.UpdatedAt)
				if err != nil {
					return fmt.Errorf("failed to insert schedule: %w", err)
				}
			}

			return appendScheduleLogTx(ctx, tx, s.ServerID, action, "", actor)
		})
	})
}

// GetSchedule retrieves the schedule for a server.
func (db *DB) GetSchedule(ctx context.Context, serverID string) (*models.BackupSchedule, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM backup_schedules WHERE server_id = ?`, serverID)

	var s models.BackupSchedule
	var last, next sql.NullTime
	err := row.Scan(&s.ServerID, &s.IntervalHours, &s.MaxBackups, &s.Enabled,
		&s.OnlyWhenRunning, &last, &next, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrScheduleMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	s.LastBackupAt = scanNullTime(last)
	s.NextBackupAt = scanNullTime(next)
	return &s, nil
}

// ListSchedules returns all schedules. The scheduler loads these into its
// cache at startup.
func (db *DB) ListSchedules(ctx context.Context) ([]models.BackupSchedule, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM backup_schedules ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var schedules []models.BackupSchedule
	for rows.Next() {
		var s models.BackupSchedule
		var last, next sql.NullTime
		if err := rows.Scan(&s.ServerID, &s.IntervalHours, &s.MaxBackups, &s.Enabled,
			&s.OnlyWhenRunning, &last, &next, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		s.LastBackupAt = scanNullTime(last)
		s.NextBackupAt = scanNullTime(next)
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// DeleteSchedule removes a schedule and appends the 'deleted' audit entry.
func (db *DB) DeleteSchedule(ctx context.Context, serverID, actor string) error {
	return db.withRetry(ctx, "delete_schedule", func() error {
		return db.withTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM backup_schedules WHERE server_id = ?`, serverID)
			if err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return ErrScheduleMissing
			}
			return appendScheduleLogTx(ctx, tx, serverID, models.ScheduleDeleted, "", actor)
		})
	})
}

// MarkScheduleExecuted advances the schedule after a run and appends the
// 'executed' audit entry, in one transaction. reason carries the error text
// on failed executions.
func (db *DB) MarkScheduleExecuted(ctx context.Context, serverID string, lastBackupAt *time.Time, nextBackupAt time.Time, reason string) error {
	return db.withRetry(ctx, "mark_schedule_executed", func() error {
		return db.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			if lastBackupAt != nil {
				_, err = tx.ExecContext(ctx, `UPDATE backup_schedules SET
					last_backup_at = ?, next_backup_at = ?, updated_at = ? WHERE server_id = ?`,
					*lastBackupAt, nextBackupAt, time.Now().UTC(), serverID)
			} else {
				_, err = tx.ExecContext(ctx, `UPDATE backup_schedules SET
					next_backup_at = ?, updated_at = ? WHERE server_id = ?`,
					nextBackupAt, time.Now().UTC(), serverID)
			}
			if err != nil {
				return fmt.Errorf("failed to advance schedule: %w", err)
			}
			return appendScheduleLogTx(ctx, tx, serverID, models.ScheduleExecuted, reason, "")
		})
	})
}

// MarkScheduleSkipped advances the schedule window without a backup and
// appends the 'skipped' audit entry.
func (db *DB) MarkScheduleSkipped(ctx context.Context, serverID string, nextBackupAt time.Time, reason string) error {
	return db.withRetry(ctx, "mark_schedule_skipped", func() error {
		return db.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `UPDATE backup_schedules SET
				next_backup_at = ?, updated_at = ? WHERE server_id = ?`,
				nextBackupAt, time.Now().UTC(), serverID)
			if err != nil {
				return fmt.Errorf("failed to advance skipped schedule: %w", err)
			}
			return appendScheduleLogTx(ctx, tx, serverID, models.ScheduleSkipped, reason, "")
		})
	})
}

// ListScheduleLogs returns the most recent audit entries for a server,
// newest first.
func (db *DB) ListScheduleLogs(ctx context.Context, serverID string, limit int) ([]models.BackupScheduleLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, server_id, action, reason, actor, created_at
		 FROM backup_schedule_logs WHERE server_id = ?
		 ORDER BY id DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var logs []models.BackupScheduleLog
	for rows.Next() {
		var l models.BackupScheduleLog
		var action string
		var reason, actor sql.NullString
		if err := rows.Scan(&l.ID, &l.ServerID, &action, &reason, &actor, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule log: %w", err)
		}
		l.Action = models.ScheduleAction(action)
		l.Reason = reason.String
		l.Actor = actor.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// appendScheduleLogTx appends one audit entry inside an existing transaction.
func appendScheduleLogTx(ctx context.Context, tx *sql.Tx, serverID string, action models.ScheduleAction, reason, actor string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO backup_schedule_logs (server_id, action, reason, actor, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		serverID, string(action), reason, actor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append schedule log: %w", err)
	}
	return nil
}
