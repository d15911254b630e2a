// Minefleet - Minecraft Server Fleet Supervisor
// Copyright 2026 Minefleet Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/minefleet/minefleet

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/minefleet/config.yaml",
	"/etc/minefleet/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with every default applied. Defaults are
// loaded first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			ServersRoot: "/data/servers",
			BackupsRoot: "/data/backups",
			JarCacheDir: "/data/jars",
		},
		Java: JavaConfig{
			DiscoveryPaths: []string{"/usr/lib/jvm", "/opt/java"},
		},
		Supervisor: SupervisorConfig{
			StartupTimeout:      180 * time.Second,
			GracefulStopTimeout: 30 * time.Second,
			ReconcileInterval:   15 * time.Second,
			LogRingSize:         500,
			SubscriberQueue:     128,
		},
		Ports: PortsConfig{
			RangeStart: 25565,
			RangeEnd:   25700,
		},
		Minecraft: MinecraftConfig{
			RconAutoEnable:     false,
			RconConnectTimeout: 5 * time.Second,
			RconCallTimeout:    10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Tick: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/minefleet.duckdb",
			MaxMemory: "512MB",
			Threads:   0,
		},
		HTTP: HTTPConfig{
			Host:    "0.0.0.0",
			Port:    8350,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	if err := applySecondsOverrides(k); err != nil {
		return nil, fmt.Errorf("failed to apply timeout overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file found, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated strings when they arrive
// via environment variables.
var sliceConfigPaths = []string{
	"java.discovery_paths",
}

// processSliceFields converts comma-separated strings to slices for known
// slice-typed paths. YAML-sourced values are already slices and are skipped.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envKeyMap maps the documented environment variables onto koanf paths.
// Seconds-granularity variables are translated into duration strings by
// envTransformValue below via the *_SECONDS convention.
var envKeyMap = map[string]string{
	"SERVERS_ROOT":                  "paths.servers_root",
	"BACKUPS_ROOT":                  "paths.backups_root",
	"JAR_CACHE_DIR":                 "paths.jar_cache_dir",
	"JAVA_8_PATH":                   "java.java_8_path",
	"JAVA_16_PATH":                  "java.java_16_path",
	"JAVA_17_PATH":                  "java.java_17_path",
	"JAVA_21_PATH":                  "java.java_21_path",
	"JAVA_DISCOVERY_PATHS":          "java.discovery_paths",
	"STARTUP_TIMEOUT_SECONDS":       "supervisor.startup_timeout",
	"GRACEFUL_STOP_TIMEOUT_SECONDS": "supervisor.graceful_stop_timeout",
	"RECONCILE_INTERVAL_SECONDS":    "supervisor.reconcile_interval",
	"SCHEDULER_TICK_SECONDS":        "scheduler.tick",
	"LOG_RING_SIZE":                 "supervisor.log_ring_size",
	"SUBSCRIBER_QUEUE":              "supervisor.subscriber_queue",
	"PORT_RANGE_START":              "ports.range_start",
	"PORT_RANGE_END":                "ports.range_end",
	"RCON_AUTO_ENABLE":              "minecraft.rcon_auto_enable",
	"DUCKDB_PATH":                   "database.path",
	"DUCKDB_MAX_MEMORY":             "database.max_memory",
	"HTTP_HOST":                     "http.host",
	"HTTP_PORT":                     "http.port",
	"LOG_LEVEL":                     "logging.level",
	"LOG_FORMAT":                    "logging.format",
}

// secondsEnvVars carry bare integers that map onto duration fields.
var secondsEnvVars = map[string]bool{
	"STARTUP_TIMEOUT_SECONDS":       true,
	"GRACEFUL_STOP_TIMEOUT_SECONDS": true,
	"RECONCILE_INTERVAL_SECONDS":    true,
	"SCHEDULER_TICK_SECONDS":        true,
}

// envTransformFunc maps an environment variable name to its koanf path.
// Unknown variables are dropped so unrelated environment noise cannot
// perturb the configuration.
func envTransformFunc(key string) string {
	if secondsEnvVars[key] {
		// Handled by applySecondsOverrides; dropping the raw value here
		// avoids writing a bare integer into a duration field.
		return ""
	}
	if path, ok := envKeyMap[key]; ok {
		return path
	}
	return ""
}

// applySecondsOverrides resolves the *_SECONDS environment variables into
// duration fields before unmarshaling.
func applySecondsOverrides(k *koanf.Koanf) error {
	for name := range secondsEnvVars {
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw + "s")
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", name, raw, err)
		}
		if err := k.Set(envKeyMap[name], d.String()); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKeyMap[name], err)
		}
	}
	return nil
}
