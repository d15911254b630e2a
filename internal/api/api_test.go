// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/minefleet/minefleet/internal/backup"
	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/events"
	"github.com/minefleet/minefleet/internal/models"
	"github.com/minefleet/minefleet/internal/scheduler"
	"github.com/minefleet/minefleet/internal/supervisor"
)

type fakeJars struct{}

func (fakeJars) Provide(_ context.Context, _ models.ServerType, _, serverDir string) (string, error) {
	dest := filepath.Join(serverDir, "server.jar")
	return dest, os.WriteFile(dest, []byte("fake jar"), 0o644)
}

// envelope mirrors APIResponse with a raw Data payload for re-decoding.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

type fixture struct {
	ts  *httptest.Server
	bus *events.Bus
	sup *supervisor.Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			ServersRoot: filepath.Join(base, "servers"),
			BackupsRoot: filepath.Join(base, "backups"),
		},
		Supervisor: config.SupervisorConfig{
			StartupTimeout:      10 * time.Second,
			GracefulStopTimeout: 3 * time.Second,
			ReconcileInterval:   15 * time.Second,
			LogRingSize:         100,
			SubscriberQueue:     16,
		},
		Ports:     config.PortsConfig{RangeStart: 30500, RangeEnd: 30700},
		Minecraft: config.MinecraftConfig{RconConnectTimeout: time.Second, RconCallTimeout: time.Second},
		Scheduler: config.SchedulerConfig{Tick: time.Minute},
		Database:  config.DatabaseConfig{Path: filepath.Join(base, "minefleet.duckdb"), MaxMemory: "256MB"},
		HTTP:      config.HTTPConfig{Host: "127.0.0.1", Port: 0},
	}
	db, err := database.New(&cfg.Database)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	bus := events.NewBus(64)
	t.Cleanup(func() { bus.Close() }) //nolint:errcheck // test cleanup

	sup, err := supervisor.New(cfg, db, bus, fakeJars{})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Shutdown(ctx) //nolint:errcheck // test cleanup
	})

	backups := backup.NewManager(db, bus, cfg.Paths.BackupsRoot)
	sched := scheduler.New(db, sup, backups, cfg.Scheduler.Tick)

	hub := NewHub(bus)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	t.Cleanup(hubCancel)
	go hub.Serve(hubCtx) //nolint:errcheck // stopped via cancel

	h := NewHandler(sup, backups, sched, db, hub)
	ts := httptest.NewServer(h.Routes())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, bus: bus, sup: sup}
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}) (*http.Response, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return resp, env
}

func (f *fixture) createServer(t *testing.T, name string) models.Server {
	t.Helper()
	resp, env := f.request(t, http.MethodPost, "/api/v1/servers", models.ServerSpec{
		Name:    name,
		OwnerID: "owner-1",
		Version: "1.20.1",
		Type:    models.TypeVanilla,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, error = %+v", resp.StatusCode, env.Error)
	}
	var srv models.Server
	if err := json.Unmarshal(env.Data, &srv); err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestServerCRUD(t *testing.T) {
	f := newFixture(t)

	srv := f.createServer(t, "survival")
	if srv.ID == "" || srv.Port == 0 || srv.Status != models.StatusStopped {
		t.Errorf("created server incomplete: %+v", srv)
	}

	resp, env := f.request(t, http.MethodGet, "/api/v1/servers", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var servers []models.Server
	if err := json.Unmarshal(env.Data, &servers); err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].ID != srv.ID {
		t.Errorf("list = %+v", servers)
	}

	resp, env = f.request(t, http.MethodGet, "/api/v1/servers/"+srv.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got models.Server
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "survival" {
		t.Errorf("get name = %s", got.Name)
	}

	resp, env = f.request(t, http.MethodGet, "/api/v1/servers/"+srv.ID+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status status = %d", resp.StatusCode)
	}
	var snap models.StatusSnapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != models.StatusStopped {
		t.Errorf("snapshot = %+v", snap)
	}

	resp, _ = f.request(t, http.MethodDelete, "/api/v1/servers/"+srv.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodGet, "/api/v1/servers/"+srv.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	srv := f.createServer(t, "mapped")

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
		code   string
	}{
		{"unknown server", http.MethodGet, "/api/v1/servers/nope", nil, http.StatusNotFound, "not_found"},
		{"invalid create body", http.MethodPost, "/api/v1/servers", map[string]int{"name": 3}, http.StatusBadRequest, "invalid_body"},
		{"validation failure", http.MethodPost, "/api/v1/servers",
			models.ServerSpec{Name: "x", OwnerID: "o", Version: "1.20.1", Type: "bukkit"},
			http.StatusBadRequest, "validation"},
		{"duplicate name", http.MethodPost, "/api/v1/servers",
			models.ServerSpec{Name: "mapped", OwnerID: "owner-1", Version: "1.20.1", Type: models.TypeVanilla},
			http.StatusConflict, "conflict"},
		{"command while stopped", http.MethodPost, "/api/v1/servers/" + srv.ID + "/command",
			commandRequest{Command: "list"}, http.StatusConflict, "illegal_transition"},
		{"blocked command", http.MethodPost, "/api/v1/servers/" + srv.ID + "/command",
			commandRequest{Command: "stop"}, http.StatusBadRequest, "validation"},
		{"restore missing backup", http.MethodPost, "/api/v1/servers/" + srv.ID + "/backups/nope/restore",
			nil, http.StatusNotFound, "not_found"},
		{"bad tail parameter", http.MethodGet, "/api/v1/servers/" + srv.ID + "/logs?tail=abc",
			nil, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := f.request(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (error %+v)", resp.StatusCode, tt.want, env.Error)
			}
			if env.Success {
				t.Error("error responses must not claim success")
			}
			if env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %s", env.Error, tt.code)
			}
		})
	}
}

func TestBackupEndpoints(t *testing.T) {
	f := newFixture(t)
	srv := f.createServer(t, "backed-up")

	resp, env := f.request(t, http.MethodPost, "/api/v1/servers/"+srv.ID+"/backups", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create backup status = %d, error %+v", resp.StatusCode, env.Error)
	}
	var b models.Backup
	if err := json.Unmarshal(env.Data, &b); err != nil {
		t.Fatal(err)
	}
	if b.Status != models.BackupStatusCompleted || b.Type != models.BackupManual {
		t.Errorf("backup = %+v", b)
	}

	resp, env = f.request(t, http.MethodGet, "/api/v1/servers/"+srv.ID+"/backups", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list backups status = %d", resp.StatusCode)
	}
	var backups []models.Backup
	if err := json.Unmarshal(env.Data, &backups); err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 || backups[0].ID != b.ID {
		t.Errorf("backups = %+v", backups)
	}

	// Restore the archive into the stopped server.
	resp, env = f.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/servers/%s/backups/%s/restore", srv.ID, b.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status = %d, error %+v", resp.StatusCode, env.Error)
	}
	if _, err := os.Stat(filepath.Join(srv.DirectoryPath, "server.jar")); err != nil {
		t.Errorf("restored directory missing server.jar: %v", err)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	f := newFixture(t)
	srv := f.createServer(t, "scheduled")

	resp, env := f.request(t, http.MethodPut, "/api/v1/servers/"+srv.ID+"/schedule", scheduleRequest{
		IntervalHours:   6,
		MaxBackups:      5,
		Enabled:         true,
		OnlyWhenRunning: true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put schedule status = %d, error %+v", resp.StatusCode, env.Error)
	}

	resp, env = f.request(t, http.MethodGet, "/api/v1/servers/"+srv.ID+"/schedule", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get schedule status = %d", resp.StatusCode)
	}
	var sched models.BackupSchedule
	if err := json.Unmarshal(env.Data, &sched); err != nil {
		t.Fatal(err)
	}
	if sched.IntervalHours != 6 || sched.MaxBackups != 5 || !sched.Enabled {
		t.Errorf("schedule = %+v", sched)
	}

	// Out-of-range interval is rejected before touching the database.
	resp, env = f.request(t, http.MethodPut, "/api/v1/servers/"+srv.ID+"/schedule", scheduleRequest{
		IntervalHours: 9000, MaxBackups: 5, Enabled: true,
	})
	if resp.StatusCode != http.StatusBadRequest || env.Error == nil || env.Error.Code != "validation" {
		t.Errorf("bad interval: status %d, error %+v", resp.StatusCode, env.Error)
	}

	// The write was audited.
	resp, env = f.request(t, http.MethodGet, "/api/v1/servers/"+srv.ID+"/schedule/logs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("schedule logs status = %d", resp.StatusCode)
	}
	var logs []models.BackupScheduleLog
	if err := json.Unmarshal(env.Data, &logs); err != nil {
		t.Fatal(err)
	}
	if len(logs) == 0 || logs[0].Action != models.ScheduleCreated {
		t.Errorf("audit logs = %+v", logs)
	}

	resp, _ = f.request(t, http.MethodDelete, "/api/v1/servers/"+srv.ID+"/schedule", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete schedule status = %d", resp.StatusCode)
	}
	resp, _ = f.request(t, http.MethodGet, "/api/v1/servers/"+srv.ID+"/schedule", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted schedule status = %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, env := f.request(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Errorf("healthz = %d, %+v", resp.StatusCode, env)
	}
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)
	resp, err := f.ts.Client().Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("metrics content type = %s", ct)
	}
}
