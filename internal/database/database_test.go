// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "minefleet.duckdb"),
		MaxMemory: "256MB",
	}
	db, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return db
}

func testServer(port int) *models.Server {
	return &models.Server{
		ID:            uuid.New().String(),
		Name:          "survival",
		OwnerID:       "owner-1",
		Version:       "1.20.1",
		Type:          models.TypeVanilla,
		DirectoryPath: "/data/servers/" + uuid.New().String(),
		Port:          port,
		MemoryMinMB:   1024,
		MemoryMaxMB:   2048,
		MaxPlayers:    20,
	}
}

func TestServerRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testServer(25565)
	if err := db.CreateServer(ctx, s); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}

	got, err := db.GetServer(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if got.Name != s.Name || got.Port != s.Port || got.Version != s.Version ||
		got.Type != s.Type || got.DirectoryPath != s.DirectoryPath ||
		got.MemoryMinMB != s.MemoryMinMB || got.MemoryMaxMB != s.MemoryMaxMB ||
		got.MaxPlayers != s.MaxPlayers || got.OwnerID != s.OwnerID {
		t.Errorf("reloaded server differs: got %+v, want %+v", got, s)
	}
	if got.Status != models.StatusStopped {
		t.Errorf("new server status = %s, want stopped", got.Status)
	}
}

func TestCreateServerPortConflict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateServer(ctx, testServer(25565)); err != nil {
		t.Fatalf("first create: %v", err)
	}

	dup := testServer(25565)
	dup.Name = "other"
	err := db.CreateServer(ctx, dup)
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}

	// Atomicity: the failed create must not leave a row behind.
	if _, err := db.GetServer(ctx, dup.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("conflicting create left a row behind: %v", err)
	}
}

func TestCreateServerNameConflictPerOwner(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.CreateServer(ctx, testServer(25565)); err != nil {
		t.Fatalf("first create: %v", err)
	}

	sameName := testServer(25566)
	if err := db.CreateServer(ctx, sameName); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}

	otherOwner := testServer(25567)
	otherOwner.OwnerID = "owner-2"
	if err := db.CreateServer(ctx, otherOwner); err != nil {
		t.Fatalf("same name under different owner must be allowed: %v", err)
	}
}

func TestSoftDeleteFreesPort(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testServer(25565)
	if err := db.CreateServer(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.SoftDeleteServer(ctx, s.ID, "tester"); err != nil {
		t.Fatalf("SoftDeleteServer: %v", err)
	}

	taken, err := db.PortTaken(ctx, 25565)
	if err != nil {
		t.Fatalf("PortTaken: %v", err)
	}
	if taken {
		t.Error("port of soft-deleted server must be free")
	}

	reuse := testServer(25565)
	if err := db.CreateServer(ctx, reuse); err != nil {
		t.Errorf("port reuse after soft delete must succeed: %v", err)
	}
}

func TestSoftDeleteCascadesSchedule(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testServer(25565)
	if err := db.CreateServer(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	sched := &models.BackupSchedule{
		ServerID:      s.ID,
		IntervalHours: 6,
		MaxBackups:    5,
		Enabled:       true,
	}
	if err := db.UpsertSchedule(ctx, sched, "tester"); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	if err := db.SoftDeleteServer(ctx, s.ID, "tester"); err != nil {
		t.Fatalf("SoftDeleteServer: %v", err)
	}
	if _, err := db.GetSchedule(ctx, s.ID); !errors.Is(err, ErrScheduleMissing) {
		t.Errorf("schedule must cascade-delete with server, got %v", err)
	}

	logs, err := db.ListScheduleLogs(ctx, s.ID, 10)
	if err != nil {
		t.Fatalf("ListScheduleLogs: %v", err)
	}
	var sawDeleted bool
	for _, l := range logs {
		if l.Action == models.ScheduleDeleted {
			sawDeleted = true
		}
	}
	if !sawDeleted {
		t.Error("expected a 'deleted' audit entry after cascade")
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testServer(25565)
	if err := db.CreateServer(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	before := time.Now().UTC()
	sched := &models.BackupSchedule{
		ServerID:        s.ID,
		IntervalHours:   6,
		MaxBackups:      5,
		Enabled:         true,
		OnlyWhenRunning: true,
	}
	if err := db.UpsertSchedule(ctx, sched, "tester"); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	got, err := db.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.IntervalHours != 6 || got.MaxBackups != 5 || !got.Enabled || !got.OnlyWhenRunning {
		t.Errorf("reloaded schedule differs: %+v", got)
	}
	if got.NextBackupAt == nil {
		t.Fatal("next_backup_at must be initialized on create")
	}
	window := before.Add(6*time.Hour + time.Minute)
	if got.NextBackupAt.Before(before) || got.NextBackupAt.After(window) {
		t.Errorf("next_backup_at = %s, want within [now, now+interval]", got.NextBackupAt)
	}
}

func TestMarkScheduleExecutedAndSkipped(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testServer(25565)
	if err := db.CreateServer(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	sched := &models.BackupSchedule{ServerID: s.ID, IntervalHours: 1, MaxBackups: 3, Enabled: true}
	if err := db.UpsertSchedule(ctx, sched, ""); err != nil {
		t.Fatalf("UpsertSchedule: %v", err)
	}

	now := time.Now().UTC()
	next := now.Add(time.Hour)
	if err := db.MarkScheduleExecuted(ctx, s.ID, &now, next, ""); err != nil {
		t.Fatalf("MarkScheduleExecuted: %v", err)
	}
	got, err := db.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.LastBackupAt == nil {
		t.Fatal("last_backup_at must be set after execution")
	}

	next2 := next.Add(time.Hour)
	if err := db.MarkScheduleSkipped(ctx, s.ID, next2, "not running"); err != nil {
		t.Fatalf("MarkScheduleSkipped: %v", err)
	}

	logs, err := db.ListScheduleLogs(ctx, s.ID, 10)
	if err != nil {
		t.Fatalf("ListScheduleLogs: %v", err)
	}
	// Newest first: skipped, executed, created.
	if len(logs) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(logs))
	}
	if logs[0].Action != models.ScheduleSkipped || logs[0].Reason != "not running" {
		t.Errorf("newest entry = %+v, want skipped/not running", logs[0])
	}
	if logs[1].Action != models.ScheduleExecuted {
		t.Errorf("second entry = %+v, want executed", logs[1])
	}
}

func TestBackupCRUDAndRetentionOrdering(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := testServer(25565)
	if err := db.CreateServer(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		b := &models.Backup{
			ID:        uuid.New().String(),
			ServerID:  s.ID,
			Name:      "scheduled",
			FilePath:  "/data/backups/" + uuid.New().String() + ".tar.gz",
			Type:      models.BackupScheduled,
			Status:    models.BackupStatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.InsertBackup(ctx, b); err != nil {
			t.Fatalf("InsertBackup: %v", err)
		}
	}
	manual := &models.Backup{
		ID:       uuid.New().String(),
		ServerID: s.ID,
		Name:     "manual",
		FilePath: "/data/backups/manual.tar.gz",
		Type:     models.BackupManual,
		Status:   models.BackupStatusCompleted,
	}
	if err := db.InsertBackup(ctx, manual); err != nil {
		t.Fatalf("InsertBackup manual: %v", err)
	}

	scheduled, err := db.ListScheduledBackupsOldestFirst(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListScheduledBackupsOldestFirst: %v", err)
	}
	if len(scheduled) != 3 {
		t.Fatalf("expected 3 scheduled backups, got %d", len(scheduled))
	}
	for i := 1; i < len(scheduled); i++ {
		if scheduled[i].CreatedAt.Before(scheduled[i-1].CreatedAt) {
			t.Error("scheduled backups must be ordered oldest first")
		}
	}

	if err := db.DeleteBackup(ctx, scheduled[0].ID); err != nil {
		t.Fatalf("DeleteBackup: %v", err)
	}
	all, err := db.ListBackups(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 backups after pruning one, got %d", len(all))
	}
}

func TestUpdateServerStatusNotFound(t *testing.T) {
	db := testDB(t)
	err := db.UpdateServerStatus(context.Background(), "missing", models.StatusRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
