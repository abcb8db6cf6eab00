// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orther/doomlab-sub000/cmd/labctl/config"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/backup"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/conflict"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/depmon"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/migration"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/probe"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/registry"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/secrets"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/status"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/validation"
)

// =============================================================================
// Wiring
// =============================================================================

// app holds every component built from one configuration. Commands build
// one app each; the daemon builds one for its whole lifetime.
type app struct {
	cfg    config.LabConfig
	logger *slog.Logger
	rec    metrics.Recorder

	services *registry.Registry
	runner   process.Runner
	procs    process.Controller
	prober   probe.Prober
	records  *migration.FileStore
	backups  *backup.DirCoordinator
	archiver backup.Archiver
	lock     *process.Lock
	status   *status.Registry
	journal  *process.Journal

	controller *migration.Controller
	monitors   []*depmon.Monitor
	harness    *validation.Harness
	reports    *validation.Store
}

// appOptions overrides collaborators; zero values select production ones.
type appOptions struct {
	Metrics   metrics.Recorder
	Runner    process.Runner
	Processes process.Controller
	Prober    probe.Prober
	Mounts    depmon.MountTable
	Unmount   depmon.UnmountFunc
}

// newApp validates the registry and builds every component.
//
// # Outputs
//
//   - *app: Ready to use; nothing has been started
//   - error: Registry or secrets errors; structural problems stop labctl
//     before any loop runs
func newApp(cfg config.LabConfig, logger *slog.Logger, opts appOptions) (*app, error) {
	services, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("load service registry: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		rec:      metrics.OrNoOp(opts.Metrics),
		services: services,
		runner:   opts.Runner,
		procs:    opts.Processes,
		prober:   opts.Prober,
	}
	if a.runner == nil {
		a.runner = process.NewExecRunner()
	}
	if a.procs == nil {
		a.procs = newProcessController(cfg.Process, a.runner, logger)
	}
	if a.prober == nil {
		a.prober = probe.New(probe.Config{
			Timeout:     cfg.Probe.Timeout,
			DialTimeout: cfg.Probe.DialTimeout,
			Metrics:     a.rec,
			Logger:      logger,
		}, nil)
	}

	if cfg.Backup.Restic.Enabled {
		passwordFile, err := secrets.NewDir(cfg.Secrets.Dir, logger).Path(cfg.Backup.Restic.PasswordSecret)
		if err != nil {
			return nil, fmt.Errorf("restic password: %w", err)
		}
		a.archiver = backup.NewRestic(backup.ResticConfig{
			Binary:       cfg.Backup.Restic.Binary,
			Repository:   cfg.Backup.Restic.Repository,
			PasswordFile: passwordFile,
		}, a.runner)
	}

	a.records = migration.NewFileStore(cfg.MigrationsPath())
	a.backups = backup.NewDirCoordinator(backup.Config{
		Root:     cfg.BackupRoot(),
		Archiver: a.archiver,
		Logger:   logger,
	})
	a.lock = process.NewLock(process.LockConfig{Dir: cfg.LockDir()})
	a.status = status.NewRegistry(cfg.StatusPath(), logger)
	a.journal = process.NewJournal(a.runner)

	a.controller = migration.NewController(migration.Config{
		PollInterval: cfg.Migration.PollInterval,
		PollAttempts: cfg.Migration.PollAttempts,
		ProbeTimeout: cfg.Probe.Timeout,
		StepTimeout:  cfg.Migration.StepTimeout,
		Logger:       logger,
		Metrics:      a.rec,
	}, migration.Deps{
		Registry:  services,
		Processes: a.procs,
		Prober:    a.prober,
		Backups:   a.backups,
		Store:     a.records,
		Lock:      a.lock,
	})

	mounts := opts.Mounts
	if mounts == nil {
		mounts = depmon.ProcMountTable{}
	}
	for _, dep := range services.Dependencies() {
		a.monitors = append(a.monitors, depmon.NewMonitor(depmon.Config{
			Interval:             cfg.Monitor.Interval,
			MaxFailures:          cfg.Monitor.MaxFailures,
			MaxRecoveryAttempts:  cfg.Monitor.MaxRecoveryAttempts,
			WriteTimeout:         cfg.Monitor.WriteTimeout,
			ReachabilityAttempts: cfg.Monitor.ReachabilityAttempts,
			ReachabilityInterval: cfg.Monitor.ReachabilityInterval,
			Logger:               logger,
			Metrics:              a.rec,
		}, depmon.Deps{
			Registry:  services,
			Prober:    a.prober,
			Processes: a.procs,
			Runner:    a.runner,
			Mounts:    mounts,
			Records:   a.records,
			Status:    a.status,
			Unmount:   opts.Unmount,
		}, dep))
	}

	checkers := make([]validation.DependencyChecker, 0, len(a.monitors))
	for _, m := range a.monitors {
		checkers = append(checkers, m)
	}
	integration := make([]validation.IntegrationCheck, 0, len(cfg.Validation.Integration))
	for _, c := range cfg.Validation.Integration {
		integration = append(integration, validation.IntegrationCheck{
			Name:     c.Name,
			Service:  c.Service,
			Requires: c.Requires,
			Path:     c.Path,
		})
	}
	a.harness = validation.New(validation.Config{
		Integration:      integration,
		Performance:      cfg.Validation.Performance,
		LatencyThreshold: cfg.Validation.LatencyThreshold,
		TestTimeout:      cfg.Validation.TestTimeout,
		Logger:           logger,
		Metrics:          a.rec,
	}, validation.Deps{
		Registry:     services,
		Prober:       a.prober,
		Processes:    a.procs,
		Records:      a.records,
		Dependencies: checkers,
	})
	a.reports = validation.NewStore(cfg.ValidationDir(), cfg.Validation.HistorySize, logger)

	return a, nil
}

func newProcessController(cfg config.ProcessConfig, runner process.Runner, logger *slog.Logger) process.Controller {
	if cfg.Backend == "systemctl" {
		return process.NewSystemctlController(runner, cfg.StartTimeout, logger)
	}
	return process.NewDBusController(process.DialSystemBus, cfg.StartTimeout, logger)
}

// detector builds the conflict detector; only the daemon runs it.
func (a *app) detector() *conflict.Detector {
	return conflict.NewDetector(conflict.Config{
		Interval:         a.cfg.Conflict.Interval,
		AutoRollback:     a.cfg.Conflict.AutoRollback,
		ConfirmTicks:     a.cfg.Conflict.ConfirmTicks,
		RollbackCooldown: a.cfg.Conflict.RollbackCooldown,
		Logger:           a.logger,
		Metrics:          a.rec,
	}, a.services, a.procs, a.records, a.controller, a.status)
}

// statusWriter builds the services-section writer; only the daemon runs it.
func (a *app) statusWriter() *status.Writer {
	return status.NewWriter(status.WriterConfig{
		Interval: a.cfg.Status.Interval,
		Logger:   a.logger,
	}, a.status, a.services, a.prober, a.records)
}

// scheduler builds the periodic validation runner.
func (a *app) scheduler() *validation.Scheduler {
	return validation.NewScheduler(a.harness, a.reports, a.cfg.Validation.Interval, a.logger)
}

// activeRef returns the unit of the form a service currently runs in.
func (a *app) activeRef(svc registry.ServiceDescriptor) (process.Ref, string) {
	form, err := migration.FormOf(a.records, svc.Name)
	if err != nil {
		a.logger.Warn("could not read migration record", "service", svc.Name, "error", err)
	}
	if form == "managed" {
		return svc.ManagedRef(), form
	}
	return svc.LegacyRef(), form
}

// targets resolves a service argument; "all" selects every service in
// dependency order.
func (a *app) targets(arg string) ([]registry.ServiceDescriptor, error) {
	if arg == "all" {
		return a.services.Services(), nil
	}
	svc, err := a.services.Service(arg)
	if err != nil {
		return nil, err
	}
	return []registry.ServiceDescriptor{svc}, nil
}

// =============================================================================
// Process-wide setup
// =============================================================================

// newLogger builds the stderr logger for level and format.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadApp reads the configuration named by the global flags and builds an app.
func loadApp(ctx context.Context, opts appOptions) (*app, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger := newLogger(level, cfg.Log.Format)
	slog.SetDefault(logger)

	shutdown, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(cfg, logger, opts)
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	cleanup := func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	return a, cleanup, nil
}

// exit is replaced in tests.
var exit = os.Exit

// withApp loads the configuration, runs fn, and exits with its code.
func withApp(cmd *cobra.Command, name string, fn func(ctx context.Context, a *app, out OutputConfig) int) {
	out := stdOutput()
	ctx := cmd.Context()
	a, cleanup, err := loadApp(ctx, appOptions{})
	if err != nil {
		OutputError(out, name, "could not load configuration", err)
		exit(CLIExitError)
		return
	}
	code := fn(ctx, a, out)
	cleanup()
	exit(code)
}
