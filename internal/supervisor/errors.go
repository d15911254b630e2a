// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package supervisor

import (
	"errors"
	"fmt"
)

// FailureKind classifies an operation failure so the API layer can map it to
// a transport status without string matching.
type FailureKind string

const (
	KindNotFound          FailureKind = "not_found"
	KindValidation        FailureKind = "validation"
	KindConflict          FailureKind = "conflict"
	KindIllegalTransition FailureKind = "illegal_transition"
	KindLaunchFailed      FailureKind = "launch_failed"
	KindPidFileConflict   FailureKind = "pid_file_conflict"
	KindPortInUse         FailureKind = "port_in_use"
	KindRconUnavailable   FailureKind = "rcon_unavailable"
	KindTimeout           FailureKind = "timeout"
	KindInternal          FailureKind = "internal"
)

// OpError is the error type returned by supervisor operations.
type OpError struct {
	Kind     FailureKind
	Op       string
	ServerID string
	Err      error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.ServerID, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.ServerID, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// opErr builds an OpError.
func opErr(kind FailureKind, op, serverID string, err error) *OpError {
	return &OpError{Kind: kind, Op: op, ServerID: serverID, Err: err}
}

// KindOf extracts the FailureKind from an error chain, defaulting to
// KindInternal.
func KindOf(err error) FailureKind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindInternal
}
