// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package models defines the durable and wire-level types shared across
// Minefleet: server rows, backup schedules, the server status machine, and
// the events published to subscribers.
package models

import "fmt"

// Status is the lifecycle state of a supervised server process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusCrashed  Status = "crashed"
)

// legalTransitions enumerates every edge of the status machine. Any change
// not listed here is rejected with ErrIllegalTransition by the supervisor.
var legalTransitions = map[Status][]Status{
	StatusStopped:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusCrashed, StatusStopping},
	StatusRunning:  {StatusStopping, StatusCrashed},
	StatusStopping: {StatusStopped, StatusCrashed},
	StatusCrashed:  {StatusStopped, StatusStarting},
}

// CanTransition reports whether the edge from → to is legal.
//
// Crashed → Starting is permitted as the operator "re-issue start" shortcut:
// it is equivalent to the Crashed → Stopped acknowledgement immediately
// followed by Stopped → Starting.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether the edge from s to to is legal.
func (s Status) CanTransition(to Status) bool {
	return CanTransition(s, to)
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusStarting, StatusRunning, StatusStopping, StatusCrashed:
		return true
	}
	return false
}

// Terminal reports whether s is a resting state with no live process.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed
}

// ParseStatus converts a persisted string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		// "error" is the legacy persisted spelling of crashed
		if s == "error" {
			return StatusCrashed, nil
		}
		return "", fmt.Errorf("unknown server status %q", s)
	}
	return st, nil
}
