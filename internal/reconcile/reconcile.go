// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package reconcile aligns recorded server state with the observed process
// table. At boot it re-adopts server processes that survived a supervisor
// restart; afterwards a periodic scan catches drift the per-process watchers
// missed.
package reconcile

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/launcher"
	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/models"
	"github.com/minefleet/minefleet/internal/supervisor"
)

// Reconciler runs boot adoption and the periodic drift scan. It implements
// suture.Service.
type Reconciler struct {
	db       *database.DB
	sup      *supervisor.Supervisor
	interval time.Duration
}

// New creates a Reconciler scanning every interval.
func New(db *database.DB, sup *supervisor.Supervisor, interval time.Duration) *Reconciler {
	return &Reconciler{db: db, sup: sup, interval: interval}
}

func (r *Reconciler) String() string { return "reconciler" }

// Boot reconciles every non-stopped server record against the process
// table once, before the API starts serving. Surviving processes are
// adopted; records with no live process are parked Stopped.
func (r *Reconciler) Boot(ctx context.Context) error {
	servers, err := r.db.ListNonStoppedServers(ctx)
	if err != nil {
		return err
	}
	for i := range servers {
		r.reconcileBootRecord(ctx, &servers[i])
	}
	logging.Info().Int("candidates", len(servers)).Msg("boot reconciliation complete")
	return nil
}

func (r *Reconciler) reconcileBootRecord(ctx context.Context, srv *models.Server) {
	pidPath := launcher.PIDFilePath(srv.DirectoryPath)

	pid, err := launcher.ReadPIDFile(pidPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			// Malformed pid file: unusable either way.
			if rerr := launcher.RemovePIDFile(pidPath); rerr != nil {
				logging.Warn().Err(rerr).Str("server_id", srv.ID).Msg("cannot remove malformed pid file")
			}
		}
		r.park(ctx, srv, "no-pidfile")
		return
	}

	if launcher.Alive(pid) && processMatchesServer(pid, srv) {
		if aerr := r.sup.Adopt(ctx, srv, pid); aerr != nil {
			logging.Error().Err(aerr).Str("server_id", srv.ID).Int("pid", pid).
				Msg("adoption failed")
			return
		}
		metrics.ReconcileDrift.WithLabelValues("adopted").Inc()
		return
	}

	// Dead pid, or a recycled pid now owned by an unrelated process.
	if rerr := launcher.RemovePIDFile(pidPath); rerr != nil {
		logging.Warn().Err(rerr).Str("server_id", srv.ID).Msg("cannot remove stale pid file")
	}
	r.park(ctx, srv, "stale-pidfile")
}

func (r *Reconciler) park(ctx context.Context, srv *models.Server, reason string) {
	metrics.ReconcileDrift.WithLabelValues(reason).Inc()
	if err := r.sup.ForceStatus(ctx, srv.ID, models.StatusStopped, reason); err != nil {
		logging.Error().Err(err).Str("server_id", srv.ID).Msg("cannot park server stopped")
	}
}

// processMatchesServer guards against pid recycling: the process must be
// anchored in the server's directory, by working directory or by command
// line, before it is adopted.
func processMatchesServer(pid int, srv *models.Server) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if cwd, err := p.Cwd(); err == nil && cwd == srv.DirectoryPath {
		return true
	}
	if cmdline, err := p.Cmdline(); err == nil && strings.Contains(cmdline, srv.DirectoryPath) {
		return true
	}
	return false
}

// Serve runs the periodic drift scan until the context is canceled.
func (r *Reconciler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

// scan walks every server record and fixes drift in both directions:
// non-stopped records whose process is gone, and resting records behind
// which a live process reappeared (a pid file written by a manual or
// external start). The per-process exit watchers normally catch the first
// case; the scan is the safety net for watcher loss.
func (r *Reconciler) scan(ctx context.Context) {
	metrics.ReconcilePasses.Inc()

	servers, err := r.db.ListServers(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("drift scan cannot list servers")
		return
	}
	for i := range servers {
		srv := &servers[i]
		snap, serr := r.sup.Status(srv.ID)
		if serr != nil {
			continue
		}
		if snap.Status == models.StatusStopped || snap.Status == models.StatusCrashed {
			// Resting record: adopt a live process if a pid file points at one.
			pid, perr := launcher.ReadPIDFile(launcher.PIDFilePath(srv.DirectoryPath))
			if perr == nil && launcher.Alive(pid) && processMatchesServer(pid, srv) {
				if aerr := r.sup.Adopt(ctx, srv, pid); aerr != nil {
					logging.Error().Err(aerr).Str("server_id", srv.ID).Int("pid", pid).
						Msg("adoption failed")
					continue
				}
				metrics.ReconcileDrift.WithLabelValues("adopted").Inc()
			}
			continue
		}
		if snap.PID != 0 && launcher.Alive(snap.PID) {
			continue
		}

		// No live attached process. Maybe one is reachable via the pid file
		// (e.g. adoption never happened); otherwise the server died unseen.
		pid, perr := launcher.ReadPIDFile(launcher.PIDFilePath(srv.DirectoryPath))
		if perr == nil && launcher.Alive(pid) && processMatchesServer(pid, srv) {
			if aerr := r.sup.Adopt(ctx, srv, pid); aerr == nil {
				metrics.ReconcileDrift.WithLabelValues("adopted").Inc()
				continue
			}
		}

		metrics.ReconcileDrift.WithLabelValues("external-exit").Inc()
		if err := r.sup.ForceStatus(ctx, srv.ID, models.StatusCrashed, "external-exit"); err != nil {
			logging.Error().Err(err).Str("server_id", srv.ID).Msg("cannot record external exit")
		}
	}
}
