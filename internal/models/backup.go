// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package models

import "time"

// BackupType indicates what initiated a backup.
type BackupType string

const (
	BackupManual    BackupType = "manual"
	BackupScheduled BackupType = "scheduled"
)

// BackupStatus represents the current state of a backup archive.
type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "pending"
	BackupStatusInProgress BackupStatus = "in_progress"
	BackupStatusCompleted  BackupStatus = "completed"
	BackupStatusFailed     BackupStatus = "failed"
)

// Backup is the durable metadata of a server directory archive.
type Backup struct {
	ID        string       `json:"id"`
	ServerID  string       `json:"server_id"`
	Name      string       `json:"name"`
	FilePath  string       `json:"file_path"`
	SizeBytes int64        `json:"size_bytes"`
	Type      BackupType   `json:"type"`
	Status    BackupStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// BackupSchedule configures periodic backups for one server (1:1).
// Cascade-deletes with the server row.
type BackupSchedule struct {
	ServerID        string     `json:"server_id"`
	IntervalHours   int        `json:"interval_hours" validate:"min=1,max=168"`
	MaxBackups      int        `json:"max_backups" validate:"min=1,max=30"`
	Enabled         bool       `json:"enabled"`
	OnlyWhenRunning bool       `json:"only_when_running"`
	LastBackupAt    *time.Time `json:"last_backup_at,omitempty"`
	NextBackupAt    *time.Time `json:"next_backup_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Interval returns the schedule interval as a duration.
func (s *BackupSchedule) Interval() time.Duration {
	return time.Duration(s.IntervalHours) * time.Hour
}

// Due reports whether the schedule should fire at now.
func (s *BackupSchedule) Due(now time.Time) bool {
	return s.Enabled && s.NextBackupAt != nil && !s.NextBackupAt.After(now)
}

// ScheduleAction is the kind of a backup schedule audit entry.
type ScheduleAction string

const (
	ScheduleCreated  ScheduleAction = "created"
	ScheduleUpdated  ScheduleAction = "updated"
	ScheduleDeleted  ScheduleAction = "deleted"
	ScheduleExecuted ScheduleAction = "executed"
	ScheduleSkipped  ScheduleAction = "skipped"
)

// BackupScheduleLog is one append-only audit entry for a schedule.
type BackupScheduleLog struct {
	ID        int64          `json:"id"`
	ServerID  string         `json:"server_id"`
	Action    ScheduleAction `json:"action"`
	Reason    string         `json:"reason,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
