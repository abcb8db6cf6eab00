// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"path/filepath"
	"time"
)

// LabConfig is the full labctl configuration file.
type LabConfig struct {
	// StateDir holds migrations.json, status.json, validation/ and backups/.
	StateDir string `yaml:"state_dir" validate:"required"`

	Log        LogConfig        `yaml:"log"`
	Process    ProcessConfig    `yaml:"process"`
	Probe      ProbeConfig      `yaml:"probe"`
	Migration  MigrationConfig  `yaml:"migration"`
	Conflict   ConflictConfig   `yaml:"conflict"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Validation ValidationConfig `yaml:"validation"`
	Status     StatusConfig     `yaml:"status"`
	Backup     BackupConfig     `yaml:"backup"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Daemon     DaemonConfig     `yaml:"daemon"`

	Services     []ServiceConfig    `yaml:"services" validate:"dive"`
	Dependencies []DependencyConfig `yaml:"dependencies" validate:"dive"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type ProcessConfig struct {
	// Backend is "dbus" (systemd bus) or "systemctl" (command).
	Backend      string        `yaml:"backend" validate:"oneof=dbus systemctl"`
	StartTimeout time.Duration `yaml:"start_timeout" validate:"gte=0"`
	// LockDir holds the transition lock file. Defaults to StateDir.
	LockDir string `yaml:"lock_dir"`
}

type ProbeConfig struct {
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
}

type MigrationConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	PollAttempts int           `yaml:"poll_attempts" validate:"gte=1"`
	StepTimeout  time.Duration `yaml:"step_timeout" validate:"gte=0"`
}

type ConflictConfig struct {
	Interval         time.Duration `yaml:"interval" validate:"gt=0"`
	AutoRollback     bool          `yaml:"auto_rollback"`
	ConfirmTicks     int           `yaml:"confirm_ticks" validate:"gte=1"`
	RollbackCooldown time.Duration `yaml:"rollback_cooldown" validate:"gte=0"`
}

// MonitorConfig tunes every dependency monitor.
type MonitorConfig struct {
	Interval             time.Duration `yaml:"interval" validate:"gt=0"`
	MaxFailures          int           `yaml:"max_failures" validate:"gte=1"`
	MaxRecoveryAttempts  int           `yaml:"max_recovery_attempts" validate:"gte=1"`
	WriteTimeout         time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ReachabilityAttempts int           `yaml:"reachability_attempts" validate:"gte=1"`
	ReachabilityInterval time.Duration `yaml:"reachability_interval" validate:"gte=0"`
}

type ValidationConfig struct {
	Interval         time.Duration       `yaml:"interval" validate:"gt=0"`
	HistorySize      int                 `yaml:"history_size" validate:"gte=1"`
	Performance      bool                `yaml:"performance"`
	LatencyThreshold time.Duration       `yaml:"latency_threshold" validate:"gte=0"`
	TestTimeout      time.Duration       `yaml:"test_timeout" validate:"gte=0"`
	Integration      []IntegrationConfig `yaml:"integration" validate:"unique=Name,dive"`
}

// IntegrationConfig is one cross-service check: GET Path on Service,
// skipped while Requires is inactive.
type IntegrationConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Service  string `yaml:"service" validate:"required"`
	Requires string `yaml:"requires"`
	Path     string `yaml:"path" validate:"required"`
}

type StatusConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

type BackupConfig struct {
	// Root defaults to <state_dir>/backups.
	Root   string       `yaml:"root"`
	Restic ResticConfig `yaml:"restic"`
}

type ResticConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Binary     string `yaml:"binary"`
	Repository string `yaml:"repository" validate:"required_if=Enabled true"`
	// PasswordSecret names a file in the secrets directory.
	PasswordSecret string `yaml:"password_secret" validate:"required_if=Enabled true"`
}

type SecretsConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

type TelemetryConfig struct {
	// Exporter is "none", "stdout", or "otlp".
	Exporter    string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	ServiceName string `yaml:"service_name"`
}

type DaemonConfig struct {
	// ListenAddr serves /metrics and /healthz. Empty disables the listener.
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`
}

// ServiceConfig declares one migratable service.
type ServiceConfig struct {
	Name             string        `yaml:"name" validate:"required,hostname_rfc1123"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port" validate:"gte=1,lte=65535"`
	HealthPath       string        `yaml:"health_path"`
	DataPath         string        `yaml:"data_path" validate:"omitempty,startswith=/"`
	DependsOn        []string      `yaml:"depends_on"`
	Critical         bool          `yaml:"critical"`
	LegacyUnit       string        `yaml:"legacy_unit"`
	ManagedUnit      string        `yaml:"managed_unit"`
	LegacyPort       int           `yaml:"legacy_port" validate:"gte=0,lte=65535"`
	LegacyHealthPath string        `yaml:"legacy_health_path"`
	StopGracePeriod  time.Duration `yaml:"stop_grace_period" validate:"gte=0"`
}

// DependencyConfig declares one external dependency such as an NFS mount.
type DependencyConfig struct {
	Name         string `yaml:"name" validate:"required"`
	MountPoint   string `yaml:"mount_point" validate:"required,startswith=/"`
	RemoteHost   string `yaml:"remote_host"`
	RemotePort   int    `yaml:"remote_port" validate:"gte=0,lte=65535"`
	MountUnit    string `yaml:"mount_unit"`
	TestFileName string `yaml:"test_file_name"`
}

// MigrationsPath is the migration record document.
func (c LabConfig) MigrationsPath() string {
	return filepath.Join(c.StateDir, "migrations.json")
}

// StatusPath is the live status document.
func (c LabConfig) StatusPath() string {
	return filepath.Join(c.StateDir, "status.json")
}

// ValidationDir holds latest.json and history/.
func (c LabConfig) ValidationDir() string {
	return filepath.Join(c.StateDir, "validation")
}

// BackupRoot is the snapshot root.
func (c LabConfig) BackupRoot() string {
	if c.Backup.Root != "" {
		return c.Backup.Root
	}
	return filepath.Join(c.StateDir, "backups")
}

// LockDir is where the transition lock lives.
func (c LabConfig) LockDir() string {
	if c.Process.LockDir != "" {
		return c.Process.LockDir
	}
	return c.StateDir
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() LabConfig {
	return LabConfig{
		StateDir: "/var/lib/labctl",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Process: ProcessConfig{
			Backend:      "dbus",
			StartTimeout: 2 * time.Minute,
		},
		Probe: ProbeConfig{
			Timeout:     5 * time.Second,
			DialTimeout: 3 * time.Second,
		},
		Migration: MigrationConfig{
			PollInterval: 10 * time.Second,
			PollAttempts: 30,
			StepTimeout:  10 * time.Minute,
		},
		Conflict: ConflictConfig{
			Interval:         time.Minute,
			AutoRollback:     false,
			ConfirmTicks:     2,
			RollbackCooldown: 30 * time.Minute,
		},
		Monitor: MonitorConfig{
			Interval:             30 * time.Second,
			MaxFailures:          3,
			MaxRecoveryAttempts:  3,
			WriteTimeout:         5 * time.Second,
			ReachabilityAttempts: 5,
			ReachabilityInterval: 2 * time.Second,
		},
		Validation: ValidationConfig{
			Interval:         5 * time.Minute,
			HistorySize:      10,
			LatencyThreshold: 2 * time.Second,
			TestTimeout:      10 * time.Second,
		},
		Status: StatusConfig{
			Interval: 30 * time.Second,
		},
		Backup: BackupConfig{
			Restic: ResticConfig{Binary: "restic"},
		},
		Secrets: SecretsConfig{
			Dir: "/run/secrets",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "labctl",
		},
		Daemon: DaemonConfig{
			ListenAddr: "127.0.0.1:9464",
		},
	}
}
