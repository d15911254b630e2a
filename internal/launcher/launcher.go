// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package launcher starts JVM server processes detached from the supervisor
// so they survive a supervisor restart.
//
// The primary strategy is a double-spawn: the supervisor re-executes its own
// binary as a short-lived intermediate (`minefleet __launch <specfile>`).
// The intermediate opens the log files, spawns the JVM in a new session with
// stdio redirected, writes the JVM pid atomically to server.pid, and exits.
// The JVM is then a child of init, not of the supervisor.
//
// If re-execution is unavailable the launcher falls back to a direct
// new-session spawn; the process still survives the supervisor, but remains
// a child of it until the supervisor exits. The chosen strategy is reported
// in the launch result for diagnostics.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/minefleet/minefleet/internal/logging"
	"github.com/minefleet/minefleet/internal/metrics"
)

// Strategy identifies how a process was detached.
type Strategy string

const (
	// StrategyHelper is the double-spawn through the __launch intermediate.
	StrategyHelper Strategy = "helper"
	// StrategySession is the direct new-session fallback.
	StrategySession Strategy = "session"
)

// HelperArg is the argv[1] sentinel that switches the binary into
// intermediate mode. cmd/server dispatches on it before anything else.
const HelperArg = "__launch"

// ErrLaunch wraps any failure prior to a confirmed, live child.
var ErrLaunch = errors.New("launch failed")

// Spec describes one launch. It is serialized to the intermediate as JSON.
type Spec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	// Env entries are appended to the inherited environment.
	Env     []string `json:"env,omitempty"`
	LogPath string   `json:"log_path"`
	ErrPath string   `json:"err_path"`
	PIDFile string   `json:"pid_file"`
}

// Result reports a successful launch.
type Result struct {
	PID      int
	Strategy Strategy
}

// Launcher spawns detached processes.
type Launcher struct {
	// execPath is the supervisor binary used for the intermediate spawn.
	// Resolved lazily so tests can override it.
	execPath string
}

// New creates a Launcher.
func New() *Launcher {
	exe, err := os.Executable()
	if err != nil {
		logging.Warn().Err(err).Msg("cannot resolve own executable, helper launch disabled")
		exe = ""
	}
	return &Launcher{execPath: exe}
}

// Launch starts the process described by spec, detached. On success the pid
// file exists and the pid is alive; on failure neither holds.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrLaunch)
	}
	if spec.PIDFile == "" {
		spec.PIDFile = PIDFilePath(spec.Dir)
	}

	if l.execPath != "" {
		res, err := l.launchViaHelper(ctx, spec)
		if err == nil {
			metrics.ProcessLaunches.WithLabelValues(string(StrategyHelper), "ok").Inc()
			return res, nil
		}
		metrics.ProcessLaunches.WithLabelValues(string(StrategyHelper), "error").Inc()
		logging.Warn().Err(err).Str("command", spec.Command).
			Msg("helper launch failed, falling back to session spawn")
	}

	res, err := l.launchInSession(spec)
	if err != nil {
		metrics.ProcessLaunches.WithLabelValues(string(StrategySession), "error").Inc()
		return nil, err
	}
	metrics.ProcessLaunches.WithLabelValues(string(StrategySession), "ok").Inc()
	return res, nil
}

// launchViaHelper runs the double-spawn intermediate and waits for it to
// exit, then confirms the grandchild through the pid file.
func (l *Launcher) launchViaHelper(ctx context.Context, spec Spec) (*Result, error) {
	specFile, err := writeSpecFile(spec)
	if err != nil {
		return nil, err
	}
	defer os.Remove(specFile) //nolint:errcheck // temp file

	helper := exec.CommandContext(ctx, l.execPath, HelperArg, specFile)
	helper.Stdout = nil
	helper.Stderr = nil
	if err := helper.Run(); err != nil {
		return nil, fmt.Errorf("%w: intermediate failed: %v", ErrLaunch, err)
	}

	pid, err := confirmLive(spec.PIDFile)
	if err != nil {
		return nil, err
	}
	return &Result{PID: pid, Strategy: StrategyHelper}, nil
}

// launchInSession spawns the target directly in a new session and writes
// the pid file itself.
func (l *Launcher) launchInSession(spec Spec) (*Result, error) {
	cmd, closeFiles, err := buildCommand(spec)
	if err != nil {
		return nil, err
	}
	defer closeFiles()

	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	pid := cmd.Process.Pid

	// The fallback child stays our child until we exit; reap it so it never
	// lingers as a zombie the process-table watchers would count as alive.
	go func() {
		werr := cmd.Wait()
		code := 0
		if werr != nil {
			code = -1
			var ee *exec.ExitError
			if errors.As(werr, &ee) {
				code = ee.ExitCode()
			}
		}
		recordExitCode(pid, code)
	}()

	if err := WritePIDFile(spec.PIDFile, pid); err != nil {
		killPid(pid)
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	return &Result{PID: pid, Strategy: StrategySession}, nil
}

// buildCommand prepares the target command with stdio redirection: stdin
// from the null device, stdout/stderr appended to the log files. Redirection
// is established at spawn time, before any descriptor cleanup, so the JVM
// always inherits the correct streams.
func buildCommand(spec Spec) (*exec.Cmd, func(), error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: cannot open null device: %v", ErrLaunch, err)
	}
	closeAll := func() { devNull.Close() } //nolint:errcheck // fd cleanup

	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("%w: cannot create log directory: %v", ErrLaunch, err)
	}
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("%w: cannot open log file: %v", ErrLaunch, err)
	}
	errFile, err := os.OpenFile(spec.ErrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logFile.Close() //nolint:errcheck // fd cleanup
		closeAll()
		return nil, nil, fmt.Errorf("%w: cannot open error file: %v", ErrLaunch, err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = errFile

	return cmd, func() {
		devNull.Close() //nolint:errcheck // fd cleanup
		logFile.Close() //nolint:errcheck // fd cleanup
		errFile.Close() //nolint:errcheck // fd cleanup
	}, nil
}

// confirmLive enforces the launch invariant: pid file present and process
// alive. On violation the stale pid file is removed and ErrLaunch returned.
func confirmLive(pidFile string) (int, error) {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return 0, fmt.Errorf("%w: no pid after intermediate exit: %v", ErrLaunch, err)
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil || !alive {
		RemovePIDFile(pidFile) //nolint:errcheck // stale file cleanup
		return 0, fmt.Errorf("%w: pid %d exited immediately", ErrLaunch, pid)
	}
	return pid, nil
}

// writeSpecFile serializes the spec next to the pid file so the intermediate
// can read it even under a restrictive temp dir policy.
func writeSpecFile(spec Spec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("%w: cannot marshal launch spec: %v", ErrLaunch, err)
	}
	f, err := os.CreateTemp(spec.Dir, "launch-*.json")
	if err != nil {
		return "", fmt.Errorf("%w: cannot create spec file: %v", ErrLaunch, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()           //nolint:errcheck // error path
		os.Remove(f.Name()) //nolint:errcheck // error path
		return "", fmt.Errorf("%w: cannot write spec file: %v", ErrLaunch, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name()) //nolint:errcheck // error path
		return "", fmt.Errorf("%w: cannot close spec file: %v", ErrLaunch, err)
	}
	return f.Name(), nil
}

// killPid best-effort kills a process after a partial launch.
func killPid(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		p.Kill() //nolint:errcheck // rollback path
	}
}

// exitCodes remembers exit codes observed for session-strategy children, the
// only processes whose exit status is directly waitable. Helper-strategy
// grandchildren are reaped by init; their codes stay unknown.
var (
	exitMu    sync.Mutex
	exitCodes = map[int]int{}
)

func recordExitCode(pid, code int) {
	exitMu.Lock()
	defer exitMu.Unlock()
	exitCodes[pid] = code
}

// TakeExitCode returns and forgets the observed exit code for a pid, or -1
// when the exit status was never observable.
func TakeExitCode(pid int) int {
	exitMu.Lock()
	defer exitMu.Unlock()
	if c, ok := exitCodes[pid]; ok {
		delete(exitCodes, pid)
		return c
	}
	return -1
}

// Alive reports whether pid refers to a live process. A zombie counts as
// dead: an exited child that has not been reaped yet must not keep its
// server in stopping forever.
func Alive(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		ok, perr := process.PidExists(int32(pid))
		return perr == nil && ok
	}
	for _, st := range statuses {
		if st == process.Zombie {
			return false
		}
	}
	return true
}

// WaitNotAlive polls until the pid is gone or the timeout elapses.
// Used by stop paths for processes that are not our direct children.
func WaitNotAlive(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-ticker.C:
		}
	}
}
