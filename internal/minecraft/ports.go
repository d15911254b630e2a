// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package minecraft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/minefleet/minefleet/internal/config"
)

// DefaultGamePort is Minecraft's conventional port, tried first when it falls
// inside the allocator's range.
const DefaultGamePort = 25565

// ErrNoFreePort is returned when the configured range is exhausted.
var ErrNoFreePort = errors.New("no free port in configured range")

// ErrPortUnavailable is returned when a caller-requested port is taken.
var ErrPortUnavailable = errors.New("requested port unavailable")

// portRegistry answers whether a port is already assigned to a live server
// record. Satisfied by *database.DB.
type portRegistry interface {
	PortTaken(ctx context.Context, port int) (bool, error)
}

// PortAllocator assigns game ports. A port is free when no non-deleted server
// row claims it and a TCP bind probe on the wildcard address succeeds, which
// catches ports held by processes outside our bookkeeping.
type PortAllocator struct {
	cfg config.PortsConfig
	db  portRegistry

	// bindProbe is swappable for tests.
	bindProbe func(port int) bool
}

// NewPortAllocator creates an allocator over the configured range.
func NewPortAllocator(cfg config.PortsConfig, db portRegistry) *PortAllocator {
	return &PortAllocator{cfg: cfg, db: db, bindProbe: probeBind}
}

// Allocate returns a free port. When requested is non-zero only that port is
// considered, and ErrPortUnavailable is returned if it is taken; otherwise
// the allocator scans its range, preferring the conventional game port.
func (a *PortAllocator) Allocate(ctx context.Context, requested int) (int, error) {
	if requested != 0 {
		free, err := a.free(ctx, requested)
		if err != nil {
			return 0, err
		}
		if !free {
			return 0, fmt.Errorf("%w: %d", ErrPortUnavailable, requested)
		}
		return requested, nil
	}

	if DefaultGamePort >= a.cfg.RangeStart && DefaultGamePort <= a.cfg.RangeEnd {
		if free, err := a.free(ctx, DefaultGamePort); err != nil {
			return 0, err
		} else if free {
			return DefaultGamePort, nil
		}
	}
	for port := a.cfg.RangeStart; port <= a.cfg.RangeEnd; port++ {
		if port == DefaultGamePort {
			continue
		}
		free, err := a.free(ctx, port)
		if err != nil {
			return 0, err
		}
		if free {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: [%d, %d]", ErrNoFreePort, a.cfg.RangeStart, a.cfg.RangeEnd)
}

func (a *PortAllocator) free(ctx context.Context, port int) (bool, error) {
	taken, err := a.db.PortTaken(ctx, port)
	if err != nil {
		return false, fmt.Errorf("port registry lookup: %w", err)
	}
	if taken {
		return false, nil
	}
	return a.bindProbe(port), nil
}

// probeBind checks OS-level availability by binding and immediately
// releasing the port.
func probeBind(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close() //nolint:errcheck // probe socket
	return true
}
