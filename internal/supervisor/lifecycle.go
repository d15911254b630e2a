// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/minefleet/minefleet/internal/launcher"
	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/logpump"
	"github.com/minefleet/minefleet/internal/metrics"
	"github.com/minefleet/minefleet/internal/minecraft"
	"github.com/minefleet/minefleet/internal/models"
	"github.com/minefleet/minefleet/internal/rcon"
)

// Start launches a stopped (or crashed) server detached from the supervisor
// and begins startup detection. It returns as soon as the process is
// confirmed live; the Starting -> Running transition follows asynchronously
// when the log reports readiness.
func (s *Supervisor) Start(ctx context.Context, serverID string) (models.StatusSnapshot, error) {
	const op = "start"
	rec, err := s.record(op, serverID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	srv, err := s.Get(ctx, serverID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}

	pidPath := launcher.PIDFilePath(srv.DirectoryPath)

	rec.mu.Lock()
	if !rec.status.CanTransition(models.StatusStarting) {
		status := rec.status
		rec.mu.Unlock()
		return models.StatusSnapshot{}, opErr(KindIllegalTransition, op, serverID,
			fmt.Errorf("cannot start a %s server", status))
	}
	// A live pid file means some process generation is still attached to
	// this directory. Starting a second JVM over the same world corrupts it.
	if pid, perr := launcher.ReadPIDFile(pidPath); perr == nil && launcher.Alive(pid) {
		rec.mu.Unlock()
		return models.StatusSnapshot{}, opErr(KindPidFileConflict, op, serverID,
			fmt.Errorf("pid file reports live process %d", pid))
	}
	if err := launcher.RemovePIDFile(pidPath); err != nil {
		rec.mu.Unlock()
		return models.StatusSnapshot{}, opErr(KindInternal, op, serverID, err)
	}
	commit, err := s.transition(ctx, rec, models.StatusStarting, "operator-start")
	if err != nil {
		rec.mu.Unlock()
		return models.StatusSnapshot{}, err
	}
	rec.stopRequested = false
	rec.warning = ""
	rec.adopted = false
	rec.mu.Unlock()
	commit()

	snap, err := s.launchAndAttach(ctx, rec, srv)
	if err != nil {
		rec.mu.Lock()
		commit, terr := s.transition(ctx, rec, models.StatusCrashed, "launch-failed")
		rec.mu.Unlock()
		if terr != nil {
			logging.Error().Err(terr).Str("server_id", serverID).Msg("failed to record launch failure")
		} else {
			commit()
		}
		return models.StatusSnapshot{}, err
	}
	return snap, nil
}

// launchAndAttach does the slow part of Start: resolves Java, spawns the
// detached process, and wires the pump, detector, and watchers.
func (s *Supervisor) launchAndAttach(ctx context.Context, rec *record, srv *models.Server) (models.StatusSnapshot, error) {
	const op = "start"

	javaBin, err := s.java.Resolve(ctx, srv.Version)
	if err != nil {
		return models.StatusSnapshot{}, opErr(KindLaunchFailed, op, srv.ID, err)
	}
	rconSettings, err := minecraft.ReadRconSettings(srv.DirectoryPath)
	if err != nil {
		logging.Warn().Err(err).Str("server_id", srv.ID).Msg("cannot read rcon settings")
	}
	if err := minecraft.RotateStaleLog(srv.DirectoryPath); err != nil {
		logging.Warn().Err(err).Str("server_id", srv.ID).Msg("stale log rotation failed")
	}

	res, err := s.launcher.Launch(ctx, launcher.Spec{
		Command: javaBin,
		Args:    minecraft.BuildArgs(srv),
		Dir:     srv.DirectoryPath,
		LogPath: minecraft.OutPath(srv.DirectoryPath),
		ErrPath: minecraft.ErrPath(srv.DirectoryPath),
		PIDFile: launcher.PIDFilePath(srv.DirectoryPath),
	})
	if err != nil {
		return models.StatusSnapshot{}, opErr(KindLaunchFailed, op, srv.ID, err)
	}

	now := time.Now().UTC()
	rec.mu.Lock()
	rec.pid = res.PID
	rec.startedAt = &now
	rec.strategy = string(res.Strategy)
	rec.mu.Unlock()

	s.attachRuntime(rec, srv, res.PID, rconSettings, false)

	logging.Info().Str("server_id", srv.ID).Int("pid", res.PID).
		Str("strategy", string(res.Strategy)).Msg("server process launched")
	return rec.snapshot(), nil
}

// attachRuntime wires the log pump, startup detector, RCON session, and exit
// watcher for one process generation. Used by both Start and adoption.
func (s *Supervisor) attachRuntime(rec *record, srv *models.Server, pid int, rconSettings minecraft.RconSettings, adopted bool) {
	pumpCtx, pumpCancel := context.WithCancel(s.baseCtx)
	detector := logpump.NewDetector()

	sink := func(line string, at time.Time) {
		ev := models.LogLine{ServerID: srv.ID, Line: line, Timestamp: at}
		rec.deliver(ev)
		s.bus.PublishLogLine(ev)
	}
	// Fresh launches read the (rotated-away, so new) log from the start;
	// adoption seeks to end so a long-running server's history is not
	// replayed into the ring.
	pump := logpump.New(srv.ID, minecraft.LogPath(srv.DirectoryPath), sink,
		logpump.Options{SeekEnd: adopted})

	var sess *rcon.Session
	if rconSettings.Enabled && rconSettings.Password != "" {
		sess = rcon.NewSession(rcon.Config{
			Addr:           net.JoinHostPort("127.0.0.1", strconv.Itoa(rconSettings.Port)),
			Password:       rconSettings.Password,
			ConnectTimeout: s.cfg.Minecraft.RconConnectTimeout,
			CallTimeout:    s.cfg.Minecraft.RconCallTimeout,
		})
	}

	rec.mu.Lock()
	rec.pump = pump
	rec.pumpCancel = pumpCancel
	rec.detector = detector
	rec.rconSess = sess
	rec.adopted = adopted
	rec.mu.Unlock()

	s.watchers.Add(2)
	go func() {
		defer s.watchers.Done()
		pump.Run(pumpCtx) //nolint:errcheck // exits on cancel
	}()
	go s.watchExit(rec, srv, pid)

	if !adopted {
		s.watchers.Add(1)
		go s.watchStartup(rec, pump, detector, pid)
	}
}

// watchExit polls the process table and finalizes the status when the
// process disappears.
func (s *Supervisor) watchExit(rec *record, srv *models.Server, pid int) {
	defer s.watchers.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
		}
		if launcher.Alive(pid) {
			continue
		}
		s.finalizeExit(context.Background(), rec, srv, pid)
		return
	}
}

// finalizeExit records the end of a process generation: orderly stops land
// in Stopped, anything else in Crashed with the exit details and a stderr
// tail in the logs. It is idempotent per generation; a stale pid is ignored.
func (s *Supervisor) finalizeExit(ctx context.Context, rec *record, srv *models.Server, pid int) {
	rec.mu.Lock()
	if rec.pid != pid {
		rec.mu.Unlock()
		return
	}
	rec.pid = 0
	rec.startedAt = nil
	orderly := rec.stopRequested

	var commit func()
	var terr error
	if orderly {
		commit, terr = s.transition(ctx, rec, models.StatusStopped, "operator-stop")
	} else {
		commit, terr = s.transition(ctx, rec, models.StatusCrashed, "external-exit")
	}
	rec.mu.Unlock()
	if terr != nil {
		logging.Error().Err(terr).Str("server_id", srv.ID).Msg("failed to record exit transition")
	} else {
		commit()
	}

	rec.stopRuntime()
	if err := launcher.RemovePIDFile(launcher.PIDFilePath(srv.DirectoryPath)); err != nil {
		logging.Warn().Err(err).Str("server_id", srv.ID).Msg("could not remove pid file")
	}

	// Exit code is only observable for session-strategy children; -1 means
	// the process was reaped by init and the code is unknown.
	exit := models.ProcessExitEvent{
		ServerID: srv.ID,
		PID:      pid,
		ExitCode: launcher.TakeExitCode(pid),
		ExitedAt: time.Now().UTC(),
	}
	if !orderly {
		metrics.Crashes.Inc()
		exit.Tail = logpump.TailFile(minecraft.ErrPath(srv.DirectoryPath), 10)
		logging.Error().Str("server_id", exit.ServerID).Int("pid", exit.PID).
			Int("exit_code", exit.ExitCode).
			Str("stderr_tail", strings.Join(exit.Tail, " | ")).
			Msg("server process exited unexpectedly")
	} else {
		logging.Info().Str("server_id", exit.ServerID).Int("pid", exit.PID).
			Int("exit_code", exit.ExitCode).Msg("server stopped")
	}
}

// watchStartup waits for the startup marker within the configured window.
// Two silent-log checkpoints emit diagnostics; a timeout promotes the server
// to Running with a warning rather than killing a slow-booting world.
func (s *Supervisor) watchStartup(rec *record, pump *logpump.Pump, detector *logpump.Detector, pid int) {
	defer s.watchers.Done()

	srvDir := ""
	if srv, err := s.db.GetServer(s.baseCtx, rec.serverID); err == nil {
		srvDir = srv.DirectoryPath
	}

	timeout := time.NewTimer(s.cfg.Supervisor.StartupTimeout)
	defer timeout.Stop()
	shortCheck := time.NewTimer(5 * time.Second)
	defer shortCheck.Stop()
	longCheck := time.NewTimer(30 * time.Second)
	defer longCheck.Stop()

	started := time.Now()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-detector.Done():
			s.promoteToRunning(rec, pid, "startup-detected", "")
			return
		case <-shortCheck.C:
			if pump.BytesRead() == 0 && srvDir != "" {
				logpump.LogStallDiagnostics(rec.serverID, minecraft.LogPath(srvDir),
					minecraft.ErrPath(srvDir), time.Since(started))
			}
		case <-longCheck.C:
			if pump.BytesRead() == 0 && srvDir != "" {
				logpump.LogStallDiagnostics(rec.serverID, minecraft.LogPath(srvDir),
					minecraft.ErrPath(srvDir), time.Since(started))
			}
		case <-timeout.C:
			warning := fmt.Sprintf("startup marker not seen within %s", s.cfg.Supervisor.StartupTimeout)
			s.promoteToRunning(rec, pid, "startup-timeout", warning)
			return
		}
	}
}

// promoteToRunning performs Starting -> Running if the generation is still
// current and still starting.
func (s *Supervisor) promoteToRunning(rec *record, pid int, reason, warning string) {
	rec.mu.Lock()
	if rec.pid != pid || rec.status != models.StatusStarting {
		rec.mu.Unlock()
		return
	}
	commit, err := s.transition(context.Background(), rec, models.StatusRunning, reason)
	if err != nil {
		rec.mu.Unlock()
		logging.Error().Err(err).Str("server_id", rec.serverID).Msg("failed to record running transition")
		return
	}
	rec.warning = warning
	rec.mu.Unlock()
	commit()

	if warning != "" {
		logging.Warn().Str("server_id", rec.serverID).Msg(warning)
	}
}

// Stop brings a server down. The graceful path asks the server to save and
// exit over RCON, then escalates to SIGTERM and finally SIGKILL; force skips
// straight to SIGKILL. Stopping an already stopped server is a no-op that
// returns the current snapshot.
func (s *Supervisor) Stop(ctx context.Context, serverID string, force bool) (models.StatusSnapshot, error) {
	const op = "stop"
	rec, err := s.record(op, serverID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	srv, err := s.Get(ctx, serverID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}

	rec.mu.Lock()
	var commit func()
	switch rec.status {
	case models.StatusStopped:
		rec.mu.Unlock()
		return rec.snapshot(), nil
	case models.StatusCrashed:
		// Crashed has no process; acknowledging the crash parks it Stopped.
		c, terr := s.transition(ctx, rec, models.StatusStopped, "crash-acknowledged")
		rec.mu.Unlock()
		if terr != nil {
			return models.StatusSnapshot{}, terr
		}
		c()
		return rec.snapshot(), nil
	case models.StatusStopping:
		// Another stop is in flight; fall through to wait on the pid below.
	default:
		c, terr := s.transition(ctx, rec, models.StatusStopping, "operator-stop")
		if terr != nil {
			rec.mu.Unlock()
			return models.StatusSnapshot{}, terr
		}
		commit = c
	}
	rec.stopRequested = true
	pid := rec.pid
	sess := rec.rconSess
	rec.mu.Unlock()
	if commit != nil {
		commit()
	}

	if pid == 0 {
		// No live process generation; finalize directly.
		rec.mu.Lock()
		c, terr := s.transition(ctx, rec, models.StatusStopped, "no-process")
		rec.mu.Unlock()
		if terr != nil {
			return models.StatusSnapshot{}, terr
		}
		c()
		return rec.snapshot(), nil
	}

	graceful := s.cfg.Supervisor.GracefulStopTimeout
	if !force {
		if sess != nil {
			if _, rerr := sess.Exec(ctx, "stop"); rerr != nil {
				logging.Debug().Err(rerr).Str("server_id", serverID).
					Msg("rcon stop unavailable, escalating to SIGTERM")
			}
			if launcher.WaitNotAlive(ctx, pid, graceful) {
				s.finalizeExit(ctx, rec, srv, pid)
				return rec.snapshot(), nil
			}
		}
		// Detached processes have no usable stdin; SIGTERM is the next rung.
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			logging.Warn().Err(err).Int("pid", pid).Msg("sigterm failed")
		}
		if launcher.WaitNotAlive(ctx, pid, graceful) {
			s.finalizeExit(ctx, rec, srv, pid)
			return rec.snapshot(), nil
		}
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		logging.Warn().Err(err).Int("pid", pid).Msg("sigkill failed")
	}
	if !launcher.WaitNotAlive(ctx, pid, 10*time.Second) {
		return models.StatusSnapshot{}, opErr(KindTimeout, op, serverID,
			fmt.Errorf("pid %d survived SIGKILL", pid))
	}
	s.finalizeExit(ctx, rec, srv, pid)
	return rec.snapshot(), nil
}

// Restart is a graceful stop followed by a start.
func (s *Supervisor) Restart(ctx context.Context, serverID string) (models.StatusSnapshot, error) {
	if _, err := s.Stop(ctx, serverID, false); err != nil {
		return models.StatusSnapshot{}, err
	}
	return s.Start(ctx, serverID)
}

// Command runs a console command on a running server over RCON. Lifecycle
// commands are rejected; they must go through Stop/Restart so the status
// machine tracks them.
func (s *Supervisor) Command(ctx context.Context, serverID, command string) (string, error) {
	const op = "command"
	if strings.TrimSpace(command) == "" {
		return "", opErr(KindValidation, op, serverID, fmt.Errorf("empty command"))
	}
	if consoleCommandBlocked(command) {
		return "", opErr(KindValidation, op, serverID,
			fmt.Errorf("lifecycle command %q must use the stop/restart operations", strings.Fields(command)[0]))
	}

	rec, err := s.record(op, serverID)
	if err != nil {
		return "", err
	}
	rec.mu.Lock()
	status := rec.status
	sess := rec.rconSess
	rec.mu.Unlock()

	if status != models.StatusRunning {
		return "", opErr(KindIllegalTransition, op, serverID,
			fmt.Errorf("server is %s, commands need a running server", status))
	}
	if sess == nil {
		return "", opErr(KindRconUnavailable, op, serverID,
			fmt.Errorf("rcon not enabled for this server"))
	}

	out, err := sess.Exec(ctx, command)
	if err != nil {
		if errors.Is(err, rcon.ErrUnavailable) || errors.Is(err, rcon.ErrAuthFailed) {
			return "", opErr(KindRconUnavailable, op, serverID, err)
		}
		return "", opErr(KindInternal, op, serverID, err)
	}
	return out, nil
}

// Adopt re-attaches the supervisor to an already-running process found
// during reconciliation. The pump starts at end of file, RCON is wired when
// configured, and the status lands in Running.
func (s *Supervisor) Adopt(ctx context.Context, srv *models.Server, pid int) error {
	rec, err := s.record("adopt", srv.ID)
	if err != nil {
		return err
	}

	rconSettings, rerr := minecraft.ReadRconSettings(srv.DirectoryPath)
	if rerr != nil {
		logging.Warn().Err(rerr).Str("server_id", srv.ID).Msg("cannot read rcon settings for adoption")
	}

	now := time.Now().UTC()
	rec.mu.Lock()
	rec.pid = pid
	rec.startedAt = &now
	rec.stopRequested = false
	rec.strategy = ""
	// Adoption trusts the process table over the recorded status: a live JVM
	// found behind a stopping or crashed row still becomes Running.
	commit := s.forceTransition(ctx, rec, models.StatusRunning, "adopted")
	rec.mu.Unlock()
	commit()

	s.attachRuntime(rec, srv, pid, rconSettings, true)

	if rconSettings.Enabled {
		go func() {
			pingCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.Minecraft.RconConnectTimeout+s.cfg.Minecraft.RconCallTimeout)
			defer cancel()
			rec.mu.Lock()
			sess := rec.rconSess
			rec.mu.Unlock()
			if sess == nil {
				return
			}
			if err := sess.Ping(pingCtx); err != nil {
				logging.Debug().Err(err).Str("server_id", srv.ID).Msg("adopted server not yet reachable over rcon")
			}
		}()
	}

	logging.Info().Str("server_id", srv.ID).Int("pid", pid).Msg("adopted running server process")
	return nil
}

// ForceStatus persists a status outside the transition rules. Reserved for
// reconciliation, where the observed world overrides the recorded one.
func (s *Supervisor) ForceStatus(ctx context.Context, serverID string, status models.Status, reason string) error {
	rec, err := s.record("force_status", serverID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	commit := s.forceTransition(ctx, rec, status, reason)
	if status == models.StatusStopped || status == models.StatusCrashed {
		rec.pid = 0
		rec.startedAt = nil
	}
	rec.mu.Unlock()
	commit()
	return nil
}
