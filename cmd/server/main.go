// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package main is the entry point for the Minefleet supervisor.
//
// Minefleet manages a fleet of Minecraft Java Edition server processes on a
// single host: it launches JVMs fully detached from its own lifetime, tracks
// their status through log observation and process polling, proxies console
// commands over RCON, and runs scheduled backups. Because server processes
// survive supervisor restarts, boot begins with a reconciliation pass that
// re-adopts live JVMs from their pid files.
//
// # Startup order
//
//  1. Launch-helper dispatch: when invoked as the detachment intermediate
//     the process never initializes the application.
//  2. Configuration (koanf: defaults, optional config.yaml, environment).
//  3. Logging (zerolog).
//  4. Database (DuckDB) and event bus.
//  5. Supervisor core and boot reconciliation.
//  6. Supervision tree: reconciler scan loop, backup scheduler, websocket
//     hub, HTTP API.
//
// # Signal handling
//
// SIGINT/SIGTERM stop the tree and detach from the fleet: pumps and RCON
// sessions close, but the server processes keep running and are re-adopted
// on the next boot.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minefleet/minefleet/internal/api"
	"github.com/minefleet/minefleet/internal/backup"
	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/events"
	"github.com/minefleet/minefleet/internal/launcher"
	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/minecraft"
	"github.com/minefleet/minefleet/internal/reconcile"
	"github.com/minefleet/minefleet/internal/scheduler"
	"github.com/minefleet/minefleet/internal/supervisor"
)

func main() {
	// The detachment intermediate re-executes this binary; it must not fall
	// into application startup.
	if len(os.Args) > 1 && os.Args[1] == launcher.HelperArg {
		os.Exit(launcher.HelperMain(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("servers_root", cfg.Paths.ServersRoot).
		Str("db_path", cfg.Database.Path).
		Int("http_port", cfg.HTTP.Port).
		Msg("starting minefleet")

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("minefleet exited with error")
	}
	logging.Info().Msg("minefleet stopped, server processes left running")
}

func run(cfg *config.Config) error {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logging.Error().Err(cerr).Msg("error closing database")
		}
	}()

	bus := events.NewBus(cfg.Supervisor.SubscriberQueue)
	defer bus.Close() //nolint:errcheck // process exit path

	jars := minecraft.NewCacheJarProvider(cfg.Paths.JarCacheDir)
	sup, err := supervisor.New(cfg, db, bus, jars)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Re-adopt surviving processes before anything else observes statuses.
	rec := reconcile.New(db, sup, cfg.Supervisor.ReconcileInterval)
	if err := rec.Boot(ctx); err != nil {
		return err
	}

	backups := backup.NewManager(db, bus, cfg.Paths.BackupsRoot)
	sched := scheduler.New(db, sup, backups, cfg.Scheduler.Tick)

	hub := api.NewHub(bus)
	handler := api.NewHandler(sup, backups, sched, db, hub)
	httpServer := api.NewServer(&cfg.HTTP, handler.Routes())

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{})
	tree.AddWorker(rec)
	tree.AddWorker(sched)
	tree.AddAPIService(hub)
	tree.AddAPIService(httpServer)

	err = tree.Serve(ctx)

	// Detach: close pumps, RCON sessions, and subscribers. JVMs stay up.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := sup.Shutdown(shutdownCtx); serr != nil {
		logging.Error().Err(serr).Msg("supervisor shutdown incomplete")
	}
	return err
}
