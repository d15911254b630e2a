// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package models

import "time"

// Event topic names used on the event bus.
const (
	TopicServerStatus    = "server.status"
	TopicServerLogs      = "server.logs"
	TopicBackupCompleted = "backup.completed"
)

// ServerStatusChanged is published on every legal status transition.
// Events for a given server are totally ordered.
type ServerStatusChanged struct {
	ServerID string    `json:"server_id"`
	Old      Status    `json:"old"`
	New      Status    `json:"new"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// LogLine is one line observed by the log pump.
type LogLine struct {
	ServerID  string    `json:"server_id"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// BackupCompleted is published when a backup finishes, successfully or not.
type BackupCompleted struct {
	ServerID  string       `json:"server_id"`
	BackupID  string       `json:"backup_id"`
	Status    BackupStatus `json:"status"`
	SizeBytes int64        `json:"size_bytes"`
	Error     string       `json:"error,omitempty"`
	At        time.Time    `json:"at"`
}
