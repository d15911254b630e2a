// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/models"
)

type fakeStatus struct {
	statuses map[string]models.Status
}

func (f *fakeStatus) Status(serverID string) (models.StatusSnapshot, error) {
	st, ok := f.statuses[serverID]
	if !ok {
		return models.StatusSnapshot{}, errors.New("unknown server")
	}
	return models.StatusSnapshot{ServerID: serverID, Status: st}, nil
}

type fakeBackups struct {
	created []string
	pruned  []string
	fail    bool
}

func (f *fakeBackups) Create(_ context.Context, srv *models.Server, _ models.BackupType) (*models.Backup, error) {
	if f.fail {
		return nil, errors.New("disk full")
	}
	f.created = append(f.created, srv.ID)
	return &models.Backup{ID: uuid.NewString(), ServerID: srv.ID, Status: models.BackupStatusCompleted}, nil
}

func (f *fakeBackups) Prune(_ context.Context, serverID string, _ int) (int, error) {
	f.pruned = append(f.pruned, serverID)
	return 0, nil
}

func testDB(t *testing.T) *database.DB {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "minefleet.duckdb"),
		MaxMemory: "256MB",
	}
	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return db
}

func seedServer(t *testing.T, db *database.DB, status models.Status) *models.Server {
	t.Helper()
	srv := &models.Server{
		ID:            uuid.NewString(),
		Name:          "scheduled-" + uuid.NewString()[:8],
		OwnerID:       "owner-1",
		Version:       "1.20.1",
		Type:          models.TypeVanilla,
		DirectoryPath: filepath.Join(t.TempDir(), "srv"),
		Port:          25565,
		Status:        models.StatusStopped,
	}
	if err := db.CreateServer(context.Background(), srv); err != nil {
		t.Fatalf("seed server: %v", err)
	}
	for _, st := range statusPath(status) {
		if err := db.UpdateServerStatus(context.Background(), srv.ID, st); err != nil {
			t.Fatalf("set status: %v", err)
		}
	}
	srv.Status = status
	return srv
}

func statusPath(target models.Status) []models.Status {
	switch target {
	case models.StatusRunning:
		return []models.Status{models.StatusStarting, models.StatusRunning}
	case models.StatusStopped:
		return nil
	default:
		return []models.Status{target}
	}
}

func seedDueSchedule(t *testing.T, db *database.DB, serverID string, onlyWhenRunning bool) {
	t.Helper()
	sched := &models.BackupSchedule{
		ServerID:        serverID,
		IntervalHours:   6,
		MaxBackups:      3,
		Enabled:         true,
		OnlyWhenRunning: onlyWhenRunning,
	}
	if err := db.UpsertSchedule(context.Background(), sched, "tester"); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}
	// Upsert initializes next_backup_at in the future; pull it into the past
	// so the schedule is due now.
	past := time.Now().UTC().Add(-time.Minute)
	if err := db.MarkScheduleSkipped(context.Background(), serverID, past, "test rewind"); err != nil {
		t.Fatalf("rewind schedule: %v", err)
	}
}

func newScheduler(t *testing.T, db *database.DB, status statusSource, backups backupRunner) *Scheduler {
	t.Helper()
	s := New(db, status, backups, 30*time.Second)
	if err := s.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return s
}

func TestPassExecutesDueSchedule(t *testing.T) {
	db := testDB(t)
	srv := seedServer(t, db, models.StatusRunning)
	seedDueSchedule(t, db, srv.ID, true)

	backups := &fakeBackups{}
	s := newScheduler(t, db, &fakeStatus{statuses: map[string]models.Status{srv.ID: models.StatusRunning}}, backups)

	s.Pass(context.Background())

	if len(backups.created) != 1 || backups.created[0] != srv.ID {
		t.Errorf("created = %v, want [%s]", backups.created, srv.ID)
	}
	if len(backups.pruned) != 1 {
		t.Errorf("pruned = %v, want one entry", backups.pruned)
	}

	// The window advanced and the run was audited.
	sched, err := db.GetSchedule(context.Background(), srv.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sched.LastBackupAt == nil {
		t.Error("last_backup_at not set")
	}
	if sched.NextBackupAt == nil || !sched.NextBackupAt.After(time.Now()) {
		t.Errorf("next_backup_at = %v, want future", sched.NextBackupAt)
	}
	logs, err := db.ListScheduleLogs(context.Background(), srv.ID, 10)
	if err != nil {
		t.Fatalf("ListScheduleLogs: %v", err)
	}
	if len(logs) == 0 || logs[0].Action != models.ScheduleExecuted {
		t.Errorf("latest audit = %+v, want executed", logs)
	}

	// Second pass within the window: nothing new.
	s.Pass(context.Background())
	if len(backups.created) != 1 {
		t.Errorf("second pass created %d backups", len(backups.created)-1)
	}
}

func TestPassSkipsStoppedServerWhenGated(t *testing.T) {
	db := testDB(t)
	srv := seedServer(t, db, models.StatusStopped)
	seedDueSchedule(t, db, srv.ID, true)

	backups := &fakeBackups{}
	s := newScheduler(t, db, &fakeStatus{statuses: map[string]models.Status{srv.ID: models.StatusStopped}}, backups)

	s.Pass(context.Background())

	if len(backups.created) != 0 {
		t.Errorf("created = %v, want none", backups.created)
	}
	sched, err := db.GetSchedule(context.Background(), srv.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sched.NextBackupAt == nil || !sched.NextBackupAt.After(time.Now()) {
		t.Error("skip must advance the window")
	}
	logs, _ := db.ListScheduleLogs(context.Background(), srv.ID, 10)
	if len(logs) == 0 || logs[0].Action != models.ScheduleSkipped {
		t.Errorf("latest audit = %+v, want skipped", logs)
	}
}

func TestPassBacksUpStoppedServerWhenUngated(t *testing.T) {
	db := testDB(t)
	srv := seedServer(t, db, models.StatusStopped)
	seedDueSchedule(t, db, srv.ID, false)

	backups := &fakeBackups{}
	s := newScheduler(t, db, &fakeStatus{statuses: map[string]models.Status{srv.ID: models.StatusStopped}}, backups)

	s.Pass(context.Background())
	if len(backups.created) != 1 {
		t.Errorf("created = %v, want one", backups.created)
	}
}

func TestPassAdvancesWindowOnFailure(t *testing.T) {
	db := testDB(t)
	srv := seedServer(t, db, models.StatusRunning)
	seedDueSchedule(t, db, srv.ID, false)

	backups := &fakeBackups{fail: true}
	s := newScheduler(t, db, &fakeStatus{statuses: map[string]models.Status{srv.ID: models.StatusRunning}}, backups)

	s.Pass(context.Background())
	s.Pass(context.Background())

	// Despite two passes, only one attempt: the failure advanced the window.
	sched, err := db.GetSchedule(context.Background(), srv.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sched.NextBackupAt == nil || !sched.NextBackupAt.After(time.Now()) {
		t.Error("failure must advance the window")
	}
	if sched.LastBackupAt != nil {
		t.Error("a failed attempt must not count as a successful backup")
	}

	// The attempt ran, so the audit says executed, carrying the error.
	logs, _ := db.ListScheduleLogs(context.Background(), srv.ID, 10)
	if len(logs) == 0 {
		t.Fatal("no audit entries")
	}
	if logs[0].Action != models.ScheduleExecuted {
		t.Errorf("latest audit action = %s, want %s", logs[0].Action, models.ScheduleExecuted)
	}
	if !strings.Contains(logs[0].Reason, "backup failed") {
		t.Errorf("audit reason = %q, want the backup error", logs[0].Reason)
	}
}

func TestDisabledScheduleNeverFires(t *testing.T) {
	db := testDB(t)
	srv := seedServer(t, db, models.StatusRunning)
	seedDueSchedule(t, db, srv.ID, false)

	sched, err := db.GetSchedule(context.Background(), srv.ID)
	if err != nil {
		t.Fatal(err)
	}
	sched.Enabled = false
	if err := db.UpsertSchedule(context.Background(), sched, "tester"); err != nil {
		t.Fatal(err)
	}

	backups := &fakeBackups{}
	s := newScheduler(t, db, &fakeStatus{statuses: map[string]models.Status{srv.ID: models.StatusRunning}}, backups)
	s.Pass(context.Background())
	if len(backups.created) != 0 {
		t.Errorf("disabled schedule created backups: %v", backups.created)
	}
}

func TestInvalidateRefreshesCache(t *testing.T) {
	db := testDB(t)
	srv := seedServer(t, db, models.StatusRunning)

	backups := &fakeBackups{}
	s := newScheduler(t, db, &fakeStatus{statuses: map[string]models.Status{srv.ID: models.StatusRunning}}, backups)

	// No schedule yet: a pass does nothing.
	s.Pass(context.Background())
	if len(backups.created) != 0 {
		t.Fatal("no schedule should mean no backups")
	}

	// Schedule created after the cache was loaded; Invalidate picks it up.
	seedDueSchedule(t, db, srv.ID, false)
	s.Invalidate(context.Background(), srv.ID)
	s.Pass(context.Background())
	if len(backups.created) != 1 {
		t.Errorf("created = %v after invalidate", backups.created)
	}

	// Deleting the schedule and invalidating evicts it.
	if err := db.DeleteSchedule(context.Background(), srv.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	s.Invalidate(context.Background(), srv.ID)
	s.Pass(context.Background())
	if len(backups.created) != 1 {
		t.Errorf("evicted schedule still fired: %v", backups.created)
	}
}
