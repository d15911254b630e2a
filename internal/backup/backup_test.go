// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/models"
)

func testManager(t *testing.T) (*Manager, *database.DB) {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "minefleet.duckdb"),
		MaxMemory: "256MB",
	}
	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	return NewManager(db, nil, t.TempDir()), db
}

func seedServer(t *testing.T, db *database.DB, dir string) *models.Server {
	t.Helper()
	srv := &models.Server{
		ID:            uuid.NewString(),
		Name:          "survival",
		OwnerID:       "owner-1",
		Version:       "1.20.1",
		Type:          models.TypeVanilla,
		DirectoryPath: dir,
		Port:          25565,
		Status:        models.StatusStopped,
	}
	if err := db.CreateServer(context.Background(), srv); err != nil {
		t.Fatalf("seed server: %v", err)
	}
	return srv
}

// seedServerDir builds a realistic server directory: world data, properties,
// a pid file and temp junk that must not be archived.
func seedServerDir(t *testing.T, dir string) {
	t.Helper()
	for path, content := range map[string]string{
		"server.properties":      "server-port=25565\n",
		"server.jar":             "PK fake jar",
		"world/level.dat":        "level data",
		"world/region/r.0.0.mca": "region data",
		"logs/latest.log":        "[10:00:00] [Server thread/INFO]: Done (3.2s)!\n",
		"server.pid":             "12345\n",
		"server.pid.tmp":         "999\n",
		"launch-abc123.json":     "{}",
	} {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	m, db := testManager(t)
	dir := filepath.Join(t.TempDir(), "srv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedServerDir(t, dir)
	srv := seedServer(t, db, dir)

	b, err := m.Create(context.Background(), srv, models.BackupManual)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Status != models.BackupStatusCompleted {
		t.Fatalf("status = %s, want completed", b.Status)
	}
	if b.SizeBytes <= 0 {
		t.Errorf("size = %d, want > 0", b.SizeBytes)
	}
	if _, err := os.Stat(b.FilePath); err != nil {
		t.Fatalf("archive file missing: %v", err)
	}

	// Mutate the directory, then restore and verify the old content is back
	// and the mutation is gone.
	if err := os.WriteFile(filepath.Join(dir, "world", "level.dat"), []byte("corrupted"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "griefed.txt"), []byte("oops"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Restore(context.Background(), b.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "world", "level.dat"))
	if err != nil || string(data) != "level data" {
		t.Errorf("level.dat = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "griefed.txt")); !os.IsNotExist(err) {
		t.Error("restored directory must not contain post-backup files")
	}
	// Live process state never round-trips through a backup.
	if _, err := os.Stat(filepath.Join(dir, "server.pid")); !os.IsNotExist(err) {
		t.Error("pid file must not be restored")
	}
	// The pre-restore copy is cleaned up on success.
	entries, err := os.ReadDir(filepath.Dir(dir))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "srv" {
			t.Errorf("unexpected leftover %q next to server directory", e.Name())
		}
	}
}

func TestCreateFailureRecordsError(t *testing.T) {
	m, db := testManager(t)
	srv := seedServer(t, db, filepath.Join(t.TempDir(), "does-not-exist"))

	b, err := m.Create(context.Background(), srv, models.BackupScheduled)
	if err == nil {
		t.Fatal("expected error for missing server directory")
	}
	if b == nil || b.Status != models.BackupStatusFailed {
		t.Fatalf("backup = %+v, want failed status", b)
	}

	stored, err := db.GetBackup(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	if stored.Status != models.BackupStatusFailed || stored.Error == "" {
		t.Errorf("stored = %+v, want failed with error text", stored)
	}
	if _, err := os.Stat(b.FilePath); !os.IsNotExist(err) {
		t.Error("failed backup must not leave a partial archive")
	}
}

func TestRestoreRejectsIncompleteBackup(t *testing.T) {
	m, db := testManager(t)
	srv := seedServer(t, db, filepath.Join(t.TempDir(), "srv"))

	b := &models.Backup{
		ID:       uuid.NewString(),
		ServerID: srv.ID,
		Name:     "pending.tar.gz",
		FilePath: filepath.Join(t.TempDir(), "pending.tar.gz"),
		Type:     models.BackupManual,
		Status:   models.BackupStatusInProgress,
	}
	if err := db.InsertBackup(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := m.Restore(context.Background(), b.ID); err == nil {
		t.Error("expected error restoring an in-progress backup")
	}
}

func TestPruneKeepsNewestAndManual(t *testing.T) {
	m, db := testManager(t)
	dir := filepath.Join(t.TempDir(), "srv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	seedServerDir(t, dir)
	srv := seedServer(t, db, dir)

	var scheduled []*models.Backup
	for i := 0; i < 4; i++ {
		b, err := m.Create(context.Background(), srv, models.BackupScheduled)
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		scheduled = append(scheduled, b)
		// Distinct creation timestamps so retention order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}
	manual, err := m.Create(context.Background(), srv, models.BackupManual)
	if err != nil {
		t.Fatal(err)
	}

	removed, err := m.Prune(context.Background(), srv.ID, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	// The two oldest scheduled archives are gone, metadata included.
	for _, b := range scheduled[:2] {
		if _, err := db.GetBackup(context.Background(), b.ID); !errors.Is(err, database.ErrNotFound) {
			t.Errorf("backup %s should be pruned, got %v", b.ID, err)
		}
		if _, err := os.Stat(b.FilePath); !os.IsNotExist(err) {
			t.Errorf("archive %s should be deleted", b.FilePath)
		}
	}
	for _, b := range append(scheduled[2:], manual) {
		if _, err := db.GetBackup(context.Background(), b.ID); err != nil {
			t.Errorf("backup %s should survive: %v", b.ID, err)
		}
	}

	// Under the limit: nothing to do.
	removed, err = m.Prune(context.Background(), srv.ID, 10)
	if err != nil || removed != 0 {
		t.Errorf("Prune below limit = %d, %v", removed, err)
	}
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		wantErr bool
	}{
		{"plain", "world/level.dat", false},
		{"dot segment", "./server.properties", false},
		{"parent escape", "../outside.txt", true},
		{"nested escape", "world/../../outside.txt", true},
		{"absolute", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := safeJoin("/backups/dest", tt.entry)
			if (err != nil) != tt.wantErr {
				t.Errorf("safeJoin(%q) err = %v, wantErr %v", tt.entry, err, tt.wantErr)
			}
		})
	}
}
