// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package launcher

import (
	"fmt"
	"os"
	"syscall"

	"github.com/goccy/go-json"
)

// HelperMain is the entry point of the __launch intermediate. It spawns the
// target in a new session with stdio redirected, writes the target's pid
// atomically, and returns. The caller (cmd/server) exits with the returned
// code; a zero exit tells the supervisor the grandchild was started.
//
// Ordering matters: the log files are opened and bound to the child's stdio
// at spawn time, before the intermediate exits and drops everything it
// holds. os/exec passes only stdio to the child, so none of the
// supervisor's other descriptors leak through.
func HelperMain(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: __launch <specfile>")
		return 2
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "__launch: cannot read spec: %v\n", err)
		return 1
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		fmt.Fprintf(os.Stderr, "__launch: malformed spec: %v\n", err)
		return 1
	}
	if spec.PIDFile == "" {
		spec.PIDFile = PIDFilePath(spec.Dir)
	}

	cmd, closeFiles, err := buildCommand(spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "__launch: %v\n", err)
		return 1
	}
	defer closeFiles()

	// New session: the grandchild becomes a session leader with no
	// controlling terminal and is orphaned to init when we exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "__launch: start failed: %v\n", err)
		return 1
	}
	pid := cmd.Process.Pid

	if err := WritePIDFile(spec.PIDFile, pid); err != nil {
		cmd.Process.Kill() //nolint:errcheck // rollback path
		fmt.Fprintf(os.Stderr, "__launch: %v\n", err)
		return 1
	}

	// Do not wait: exiting immediately is what orphans the grandchild.
	if err := cmd.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "__launch: release failed: %v\n", err)
	}
	return 0
}
