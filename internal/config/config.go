// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

// Package config holds all Minefleet configuration, loaded with Koanf v2 in
// three layers: built-in defaults, an optional YAML config file, and
// environment variables (highest priority).
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration object.
type Config struct {
	Paths      PathsConfig      `koanf:"paths"`
	Java       JavaConfig       `koanf:"java"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Ports      PortsConfig      `koanf:"ports"`
	Minecraft  MinecraftConfig  `koanf:"minecraft"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Database   DatabaseConfig   `koanf:"database"`
	HTTP       HTTPConfig       `koanf:"http"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// PathsConfig locates the on-disk roots the supervisor owns.
type PathsConfig struct {
	// ServersRoot is the base directory for per-server directories.
	ServersRoot string `koanf:"servers_root"`

	// BackupsRoot is the base directory for backup archives.
	BackupsRoot string `koanf:"backups_root"`

	// JarCacheDir holds downloaded server JARs, keyed by type and version.
	JarCacheDir string `koanf:"jar_cache_dir"`
}

// JavaConfig controls Java binary resolution.
type JavaConfig struct {
	// Explicit per-major-version paths. Checked before discovery.
	Java8Path  string `koanf:"java_8_path"`
	Java16Path string `koanf:"java_16_path"`
	Java17Path string `koanf:"java_17_path"`
	Java21Path string `koanf:"java_21_path"`

	// DiscoveryPaths are directories searched for java binaries when no
	// explicit path matches. Comma-separated in the environment.
	DiscoveryPaths []string `koanf:"discovery_paths"`
}

// SupervisorConfig tunes the server lifecycle supervisor.
type SupervisorConfig struct {
	// StartupTimeout bounds the wait for the "Done" startup marker.
	StartupTimeout time.Duration `koanf:"startup_timeout"`

	// GracefulStopTimeout bounds the wait for orderly exit before SIGTERM.
	GracefulStopTimeout time.Duration `koanf:"graceful_stop_timeout"`

	// ReconcileInterval is the periodic reconciler scan interval.
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`

	// LogRingSize is the per-server ring buffer capacity in lines.
	LogRingSize int `koanf:"log_ring_size"`

	// SubscriberQueue is the per-subscriber bounded queue capacity.
	SubscriberQueue int `koanf:"subscriber_queue"`
}

// PortsConfig bounds the port allocator's search range.
type PortsConfig struct {
	RangeStart int `koanf:"range_start"`
	RangeEnd   int `koanf:"range_end"`
}

// MinecraftConfig tunes per-server Minecraft behavior.
type MinecraftConfig struct {
	// RconAutoEnable writes enable-rcon=true with a generated password into
	// server.properties at create time. Default off.
	RconAutoEnable bool `koanf:"rcon_auto_enable"`

	// RconConnectTimeout bounds the TCP connect + login handshake.
	RconConnectTimeout time.Duration `koanf:"rcon_connect_timeout"`

	// RconCallTimeout bounds a single command round-trip.
	RconCallTimeout time.Duration `koanf:"rcon_call_timeout"`
}

// SchedulerConfig tunes the backup scheduler.
type SchedulerConfig struct {
	// Tick is the scheduler wake-up interval.
	Tick time.Duration `koanf:"tick"`
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	// Threads is the DuckDB thread count; 0 means runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// HTTPConfig configures the API collaborator.
type HTTPConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig configures the zerolog global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Paths.ServersRoot == "" {
		return fmt.Errorf("paths.servers_root (SERVERS_ROOT) is required")
	}
	if c.Paths.BackupsRoot == "" {
		return fmt.Errorf("paths.backups_root (BACKUPS_ROOT) is required")
	}
	if c.Supervisor.StartupTimeout <= 0 {
		return fmt.Errorf("supervisor.startup_timeout must be positive, got %s", c.Supervisor.StartupTimeout)
	}
	if c.Supervisor.GracefulStopTimeout <= 0 {
		return fmt.Errorf("supervisor.graceful_stop_timeout must be positive, got %s", c.Supervisor.GracefulStopTimeout)
	}
	if c.Supervisor.ReconcileInterval <= 0 {
		return fmt.Errorf("supervisor.reconcile_interval must be positive, got %s", c.Supervisor.ReconcileInterval)
	}
	if c.Supervisor.LogRingSize <= 0 {
		return fmt.Errorf("supervisor.log_ring_size must be positive, got %d", c.Supervisor.LogRingSize)
	}
	if c.Supervisor.SubscriberQueue <= 0 {
		return fmt.Errorf("supervisor.subscriber_queue must be positive, got %d", c.Supervisor.SubscriberQueue)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive, got %s", c.Scheduler.Tick)
	}
	if c.Ports.RangeStart < 1024 || c.Ports.RangeStart > 65535 {
		return fmt.Errorf("ports.range_start out of range: %d", c.Ports.RangeStart)
	}
	if c.Ports.RangeEnd < c.Ports.RangeStart || c.Ports.RangeEnd > 65535 {
		return fmt.Errorf("ports.range_end must be in [%d, 65535], got %d", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}
