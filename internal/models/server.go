// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package models

import "time"

// ServerType identifies the Minecraft server distribution.
type ServerType string

const (
	TypeVanilla ServerType = "vanilla"
	TypePaper   ServerType = "paper"
	TypeSpigot  ServerType = "spigot"
	TypeForge   ServerType = "forge"
	TypeFabric  ServerType = "fabric"
)

// Valid reports whether t is a known server type.
func (t ServerType) Valid() bool {
	switch t {
	case TypeVanilla, TypePaper, TypeSpigot, TypeForge, TypeFabric:
		return true
	}
	return false
}

// Server is the durable record of a managed Minecraft server.
//
// Invariants enforced by the database layer: Port is unique among non-deleted
// rows; DirectoryPath is unique.
type Server struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	OwnerID       string     `json:"owner_id"`
	Version       string     `json:"version"`
	Type          ServerType `json:"type"`
	DirectoryPath string     `json:"directory_path"`
	Port          int        `json:"port"`
	MemoryMinMB   int        `json:"memory_min_mb"`
	MemoryMaxMB   int        `json:"memory_max_mb"`
	MaxPlayers    int        `json:"max_players"`
	Status        Status     `json:"status"`
	Deleted       bool       `json:"deleted"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ServerSpec carries the caller-supplied fields of a Create request.
// Zero values request allocation: Port 0 means "allocate for me".
type ServerSpec struct {
	Name        string     `json:"name" validate:"required,min=1,max=64"`
	OwnerID     string     `json:"owner_id" validate:"required"`
	Version     string     `json:"version" validate:"required"`
	Type        ServerType `json:"type" validate:"required"`
	Port        int        `json:"port" validate:"omitempty,min=1024,max=65535"`
	MemoryMinMB int        `json:"memory_min_mb" validate:"omitempty,min=128"`
	MemoryMaxMB int        `json:"memory_max_mb" validate:"omitempty,min=128"`
	MaxPlayers  int        `json:"max_players" validate:"omitempty,min=1,max=1000"`
}

// StatusSnapshot is the lock-free view of a server's live state returned by
// Supervisor.Status and the start/stop operations.
type StatusSnapshot struct {
	ServerID  string     `json:"server_id"`
	Status    Status     `json:"status"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Adopted   bool       `json:"adopted,omitempty"`
	// LaunchStrategy records how the process was detached (helper or session),
	// for diagnostics.
	LaunchStrategy string `json:"launch_strategy,omitempty"`
	// Warning carries non-fatal conditions such as a startup detector timeout.
	Warning string `json:"warning,omitempty"`
}

// ProcessExitEvent describes an observed child exit. The supervisor uses it
// to decide between an orderly Stopped and a Crashed transition.
type ProcessExitEvent struct {
	ServerID string    `json:"server_id"`
	PID      int       `json:"pid"`
	ExitCode int       `json:"exit_code"`
	ExitedAt time.Time `json:"exited_at"`
	// Tail holds the last captured stderr/stdout lines, when available.
	Tail []string `json:"tail,omitempty"`
}
