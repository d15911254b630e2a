// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package supervisor owns the lifecycle of every managed Minecraft server:
// creation, detached start, monitored running state, orderly and forced
// stop, and the status machine persisted through the database.
//
// Server processes are not children the Go runtime can wait on; they are
// detached so they survive supervisor restarts. Liveness therefore comes
// from process-table polling, and reconciliation (internal/reconcile)
// re-attaches to them after a restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/minefleet/minefleet/internal/config"
	"github.com/minefleet/minefleet/internal/database"
	"github.com/minefleet/minefleet/internal/events"
	"github.com/minefleet/minefleet/internal/launcher"
	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/minecraft"
	"github.com/minefleet/minefleet/internal/models"
)

// javaResolver resolves a Java binary for a Minecraft version.
// *minecraft.JavaResolver in production; swappable in tests.
type javaResolver interface {
	Resolve(ctx context.Context, mcVersion string) (string, error)
}

// Supervisor manages the full fleet. All operations are safe for concurrent
// use; per-server serialization happens on the server's record.
type Supervisor struct {
	cfg      *config.Config
	db       *database.DB
	bus      *events.Bus
	launcher *launcher.Launcher
	java     javaResolver
	ports    *minecraft.PortAllocator
	jars     minecraft.JarProvider
	validate *validator.Validate

	mu      sync.RWMutex
	records map[string]*record

	// baseCtx parents every per-server watcher and pump; canceled on
	// Shutdown.
	baseCtx   context.Context
	baseStop  context.CancelFunc
	watchers  sync.WaitGroup
	shutdown  bool
	shutdownM sync.Mutex
}

// New creates a Supervisor and loads records for every non-deleted server.
func New(cfg *config.Config, db *database.DB, bus *events.Bus, jars minecraft.JarProvider) (*Supervisor, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		db:       db,
		bus:      bus,
		launcher: launcher.New(),
		java:     minecraft.NewJavaResolver(cfg.Java),
		ports:    minecraft.NewPortAllocator(cfg.Ports, db),
		jars:     jars,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		records:  make(map[string]*record),
		baseCtx:  ctx,
		baseStop: cancel,
	}

	servers, err := db.ListServers(context.Background())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load server records: %w", err)
	}
	for i := range servers {
		rec := newRecord(servers[i].ID, cfg.Supervisor.LogRingSize)
		rec.status = servers[i].Status
		s.records[servers[i].ID] = rec
	}
	metricsByStatus(servers)
	return s, nil
}

func metricsByStatus(servers []models.Server) {
	counts := map[models.Status]int{}
	for i := range servers {
		counts[servers[i].Status]++
	}
	for _, st := range []models.Status{models.StatusStopped, models.StatusStarting,
		models.StatusRunning, models.StatusStopping, models.StatusCrashed} {
		metrics.ServersByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// record returns the live record for a server, or a KindNotFound error.
func (s *Supervisor) record(op, serverID string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[serverID]
	s.mu.RUnlock()
	if !ok {
		return nil, opErr(KindNotFound, op, serverID, nil)
	}
	return rec, nil
}

// Create provisions a new server: a database row, a directory, the JAR, an
// accepted EULA, and server.properties. The server starts out Stopped.
func (s *Supervisor) Create(ctx context.Context, spec models.ServerSpec) (*models.Server, error) {
	const op = "create"
	if err := s.validate.Struct(spec); err != nil {
		return nil, opErr(KindValidation, op, "", err)
	}
	if !spec.Type.Valid() {
		return nil, opErr(KindValidation, op, "", fmt.Errorf("unknown server type %q", spec.Type))
	}
	if spec.MemoryMaxMB != 0 && spec.MemoryMaxMB < spec.MemoryMinMB {
		return nil, opErr(KindValidation, op, "", fmt.Errorf("memory_max_mb below memory_min_mb"))
	}

	port, err := s.ports.Allocate(ctx, spec.Port)
	if err != nil {
		if errors.Is(err, minecraft.ErrPortUnavailable) || errors.Is(err, minecraft.ErrNoFreePort) {
			return nil, opErr(KindPortInUse, op, "", err)
		}
		return nil, opErr(KindInternal, op, "", err)
	}

	id := uuid.NewString()
	srv := &models.Server{
		ID:            id,
		Name:          spec.Name,
		OwnerID:       spec.OwnerID,
		Version:       spec.Version,
		Type:          spec.Type,
		DirectoryPath: filepath.Join(s.cfg.Paths.ServersRoot, id),
		Port:          port,
		MemoryMinMB:   spec.MemoryMinMB,
		MemoryMaxMB:   spec.MemoryMaxMB,
		MaxPlayers:    spec.MaxPlayers,
		Status:        models.StatusStopped,
	}

	if err := os.MkdirAll(srv.DirectoryPath, 0o755); err != nil {
		return nil, opErr(KindInternal, op, id, fmt.Errorf("create server directory: %w", err))
	}
	cleanup := func() { os.RemoveAll(srv.DirectoryPath) } //nolint:errcheck // rollback

	if _, err := s.jars.Provide(ctx, srv.Type, srv.Version, srv.DirectoryPath); err != nil {
		cleanup()
		return nil, opErr(KindValidation, op, id, err)
	}
	if err := minecraft.WriteEULA(srv.DirectoryPath); err != nil {
		cleanup()
		return nil, opErr(KindInternal, op, id, err)
	}
	if _, err := minecraft.WriteServerProperties(srv, s.cfg.Minecraft.RconAutoEnable); err != nil {
		cleanup()
		return nil, opErr(KindInternal, op, id, err)
	}

	if err := s.db.CreateServer(ctx, srv); err != nil {
		cleanup()
		switch {
		case errors.Is(err, database.ErrPortInUse):
			return nil, opErr(KindPortInUse, op, id, err)
		case errors.Is(err, database.ErrNameInUse), errors.Is(err, database.ErrDirectoryInUse):
			return nil, opErr(KindConflict, op, id, err)
		default:
			return nil, opErr(KindInternal, op, id, err)
		}
	}

	s.mu.Lock()
	s.records[id] = newRecord(id, s.cfg.Supervisor.LogRingSize)
	s.mu.Unlock()

	logging.Info().Str("server_id", id).Str("name", srv.Name).
		Str("type", string(srv.Type)).Str("version", srv.Version).Int("port", port).
		Msg("server created")
	return srv, nil
}

// Get returns the durable record of a server. Soft-deleted servers are
// invisible here, the row only remains readable for internal bookkeeping.
func (s *Supervisor) Get(ctx context.Context, serverID string) (*models.Server, error) {
	srv, err := s.db.GetServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, opErr(KindNotFound, "get", serverID, err)
		}
		return nil, opErr(KindInternal, "get", serverID, err)
	}
	if srv.Deleted {
		return nil, opErr(KindNotFound, "get", serverID, database.ErrNotFound)
	}
	return srv, nil
}

// List returns all non-deleted servers.
func (s *Supervisor) List(ctx context.Context) ([]models.Server, error) {
	servers, err := s.db.ListServers(ctx)
	if err != nil {
		return nil, opErr(KindInternal, "list", "", err)
	}
	return servers, nil
}

// Delete soft-deletes a stopped server. The directory and backups are kept;
// the port and name become reusable.
func (s *Supervisor) Delete(ctx context.Context, serverID, actor string) error {
	const op = "delete"
	rec, err := s.record(op, serverID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	status := rec.status
	rec.mu.Unlock()
	if status != models.StatusStopped && status != models.StatusCrashed {
		return opErr(KindIllegalTransition, op, serverID,
			fmt.Errorf("server is %s, stop it first", status))
	}

	if err := s.db.SoftDeleteServer(ctx, serverID, actor); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return opErr(KindNotFound, op, serverID, err)
		}
		return opErr(KindInternal, op, serverID, err)
	}

	rec.closeSubscribers()
	rec.stopRuntime()
	s.mu.Lock()
	delete(s.records, serverID)
	s.mu.Unlock()

	logging.Info().Str("server_id", serverID).Str("actor", actor).Msg("server deleted")
	return nil
}

// Status returns the live snapshot for a server.
func (s *Supervisor) Status(serverID string) (models.StatusSnapshot, error) {
	rec, err := s.record("status", serverID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	return rec.snapshot(), nil
}

// Tail returns up to n recent log lines for a server, oldest first.
func (s *Supervisor) Tail(serverID string, n int) ([]models.LogLine, error) {
	rec, err := s.record("tail", serverID)
	if err != nil {
		return nil, err
	}
	return rec.ring.Tail(n), nil
}

// SubscribeLogs attaches a bounded live log subscriber. The returned cancel
// must be called; it closes the channel.
func (s *Supervisor) SubscribeLogs(serverID string) (<-chan models.LogLine, func(), error) {
	rec, err := s.record("subscribe_logs", serverID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := rec.subscribe(s.cfg.Supervisor.SubscriberQueue)
	return ch, cancel, nil
}

// SubscribeStatus subscribes to fleet-wide status change events.
func (s *Supervisor) SubscribeStatus(ctx context.Context) (<-chan models.ServerStatusChanged, error) {
	msgs, err := s.bus.Subscribe(ctx, models.TopicServerStatus)
	if err != nil {
		return nil, opErr(KindInternal, "subscribe_status", "", err)
	}
	out := make(chan models.ServerStatusChanged)
	go func() {
		defer close(out)
		for msg := range msgs {
			ev, derr := events.DecodeStatus(msg)
			msg.Ack()
			if derr != nil {
				logging.Warn().Err(derr).Msg("undecodable status event")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// transition flips a server's in-memory status and returns a commit closure
// that persists and publishes the change. The caller must hold rec.mu and
// must run the commit after releasing it; the database write and the bus
// publish never happen under the record lock. Illegal transitions return an
// error and leave state untouched.
func (s *Supervisor) transition(ctx context.Context, rec *record, to models.Status, reason string) (func(), error) {
	from := rec.status
	if from == to {
		return func() {}, nil
	}
	if !from.CanTransition(to) {
		return nil, opErr(KindIllegalTransition, "transition", rec.serverID,
			fmt.Errorf("%s -> %s", from, to))
	}
	return s.stageTransition(ctx, rec, from, to, reason), nil
}

// forceTransition is transition without the legality check. Reconciliation
// and operator overrides use it when the observed world contradicts the
// recorded status.
func (s *Supervisor) forceTransition(ctx context.Context, rec *record, to models.Status, reason string) func() {
	from := rec.status
	if from == to {
		return func() {}
	}
	return s.stageTransition(ctx, rec, from, to, reason)
}

// stageTransition records the new status in memory and hands back the commit.
// rec.commitMu is taken while rec.mu is still held, so commits run in the
// order the transitions were decided even though they execute unlocked.
// Memory is authoritative: a failed persist is logged and the row catches up
// on the next successful write.
func (s *Supervisor) stageTransition(ctx context.Context, rec *record, from, to models.Status, reason string) func() {
	rec.status = to
	rec.commitMu.Lock()
	return func() {
		defer rec.commitMu.Unlock()

		if err := s.db.UpdateServerStatus(ctx, rec.serverID, to); err != nil {
			logging.Error().Err(err).Str("server_id", rec.serverID).
				Str("status", string(to)).Msg("status persist failed")
		}

		metrics.StatusTransitions.WithLabelValues(string(from), string(to)).Inc()
		metrics.ServersByStatus.WithLabelValues(string(from)).Dec()
		metrics.ServersByStatus.WithLabelValues(string(to)).Inc()

		s.bus.PublishStatus(models.ServerStatusChanged{
			ServerID: rec.serverID,
			Old:      from,
			New:      to,
			Reason:   reason,
			At:       time.Now().UTC(),
		})
		logging.Info().Str("server_id", rec.serverID).
			Str("from", string(from)).Str("to", string(to)).Str("reason", reason).
			Msg("status transition")
	}
}

// Shutdown detaches from all servers without killing them: pumps and RCON
// sessions close, subscribers are dropped, statuses stay persisted so the
// next boot's reconciler re-adopts running processes.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownM.Lock()
	if s.shutdown {
		s.shutdownM.Unlock()
		return nil
	}
	s.shutdown = true
	s.shutdownM.Unlock()

	s.baseStop()

	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			rec.stopRuntime()
			rec.closeSubscribers()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn().Msg("shutdown deadline reached before watchers drained")
	}
	logging.Info().Msg("supervisor detached, server processes left running")
	return nil
}

// blockedConsoleCommands are lifecycle commands that must go through the
// supervisor's own operations so state stays consistent.
var blockedConsoleCommands = map[string]bool{
	"stop":     true,
	"restart":  true,
	"shutdown": true,
}

func consoleCommandBlocked(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	return blockedConsoleCommands[strings.ToLower(strings.TrimPrefix(fields[0], "/"))]
}
