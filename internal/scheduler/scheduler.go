// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package scheduler drives periodic backups. Schedules are stored in the
// database; the scheduler keeps an in-memory cache of them, wakes on a
// fixed tick, executes due schedules, and appends an audit entry for every
// decision, executed or skipped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/models"
)

// statusSource reports live server status. Satisfied by
// *supervisor.Supervisor.
type statusSource interface {
	Status(serverID string) (models.StatusSnapshot, error)
}

// backupRunner executes and prunes backups. Satisfied by *backup.Manager.
type backupRunner interface {
	Create(ctx context.Context, srv *models.Server, backupType models.BackupType) (*models.Backup, error)
	Prune(ctx context.Context, serverID string, maxBackups int) (int, error)
}

// Scheduler is a suture.Service executing due backup schedules.
type Scheduler struct {
	db      *database.DB
	status  statusSource
	backups backupRunner
	tick    time.Duration

	mu    sync.Mutex
	cache map[string]*models.BackupSchedule

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Scheduler waking every tick.
func New(db *database.DB, status statusSource, backups backupRunner, tick time.Duration) *Scheduler {
	return &Scheduler{
		db:      db,
		status:  status,
		backups: backups,
		tick:    tick,
		cache:   make(map[string]*models.BackupSchedule),
		now:     time.Now,
	}
}

func (s *Scheduler) String() string { return "backup-scheduler" }

// Serve loads the schedule cache and runs the tick loop until the context is
// canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("load backup schedules: %w", err)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// reload replaces the whole cache from the database.
func (s *Scheduler) reload(ctx context.Context) error {
	schedules, err := s.db.ListSchedules(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cache = make(map[string]*models.BackupSchedule, len(schedules))
	for i := range schedules {
		s.cache[schedules[i].ServerID] = &schedules[i]
	}
	s.mu.Unlock()
	logging.Debug().Int("schedules", len(schedules)).Msg("backup schedule cache loaded")
	return nil
}

// Invalidate refreshes one server's cached schedule after an API write. A
// missing row evicts the entry.
func (s *Scheduler) Invalidate(ctx context.Context, serverID string) {
	sched, err := s.db.GetSchedule(ctx, serverID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		delete(s.cache, serverID)
		return
	}
	s.cache[serverID] = sched
}

// Pass executes every due schedule once. Exported for the API's
// trigger-now path and for tests; Serve calls it on each tick.
func (s *Scheduler) Pass(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	due := make([]*models.BackupSchedule, 0)
	for _, sched := range s.cache {
		if sched.Due(now) {
			copied := *sched
			due = append(due, &copied)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		s.execute(ctx, sched, now)
	}
}

// execute runs one due schedule: the only_when_running gate, the backup
// itself, retention pruning, and the window advance. Failures advance the
// window too; a broken server must not be retried every tick.
func (s *Scheduler) execute(ctx context.Context, sched *models.BackupSchedule, now time.Time) {
	next := now.Add(sched.Interval())

	srv, err := s.db.GetServer(ctx, sched.ServerID)
	if err != nil {
		// Row gone mid-flight (deletion cascades remove the schedule);
		// just drop the cache entry.
		logging.Debug().Err(err).Str("server_id", sched.ServerID).Msg("schedule without server")
		s.mu.Lock()
		delete(s.cache, sched.ServerID)
		s.mu.Unlock()
		return
	}

	if sched.OnlyWhenRunning {
		snap, serr := s.status.Status(sched.ServerID)
		if serr != nil || snap.Status != models.StatusRunning {
			s.skip(ctx, sched, next, "server not running")
			metrics.BackupsSkipped.WithLabelValues("not_running").Inc()
			return
		}
	}

	if _, err := s.backups.Create(ctx, srv, models.BackupScheduled); err != nil {
		// The attempt ran; it is an execution with an error, not a skip.
		// The window still advances so a broken server is not retried
		// every tick.
		logging.Error().Err(err).Str("server_id", sched.ServerID).Msg("scheduled backup failed")
		reason := fmt.Sprintf("backup failed: %v", err)
		if merr := s.db.MarkScheduleExecuted(ctx, sched.ServerID, nil, next, reason); merr != nil {
			logging.Error().Err(merr).Str("server_id", sched.ServerID).Msg("cannot mark schedule executed")
		}
		s.advanceCache(sched.ServerID, nil, next)
		return
	}

	last := now
	if err := s.db.MarkScheduleExecuted(ctx, sched.ServerID, &last, next, ""); err != nil {
		logging.Error().Err(err).Str("server_id", sched.ServerID).Msg("cannot mark schedule executed")
	}
	s.advanceCache(sched.ServerID, &last, next)

	if removed, err := s.backups.Prune(ctx, sched.ServerID, sched.MaxBackups); err != nil {
		logging.Warn().Err(err).Str("server_id", sched.ServerID).Msg("retention prune failed")
	} else if removed > 0 {
		logging.Debug().Str("server_id", sched.ServerID).Int("removed", removed).Msg("retention pruned")
	}
}

func (s *Scheduler) skip(ctx context.Context, sched *models.BackupSchedule, next time.Time, reason string) {
	if err := s.db.MarkScheduleSkipped(ctx, sched.ServerID, next, reason); err != nil {
		logging.Error().Err(err).Str("server_id", sched.ServerID).Msg("cannot mark schedule skipped")
	}
	s.advanceCache(sched.ServerID, nil, next)
	logging.Info().Str("server_id", sched.ServerID).Str("reason", reason).
		Time("next", next).Msg("scheduled backup skipped")
}

// advanceCache updates the cached window after an execute or skip.
func (s *Scheduler) advanceCache(serverID string, last *time.Time, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.cache[serverID]; ok {
		if last != nil {
			sched.LastBackupAt = last
		}
		sched.NextBackupAt = &next
	}
}
