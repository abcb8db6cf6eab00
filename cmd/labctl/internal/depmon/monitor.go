// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package depmon supervises external dependencies such as a shared network
// mount.
//
// One Monitor runs per dependency. Each tick it checks that the mount point
// is mounted, the remote host is reachable, and a test file can be written
// and removed. After MaxFailures consecutive failed checks it attempts
// recovery; after MaxRecoveryAttempts failed recoveries it stops trying and
// keeps reporting the dependency unhealthy until a check passes again.
package depmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/migration"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/probe"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/registry"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/status"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// ErrRecoveryFailed wraps the reason a recovery attempt did not restore health.
var ErrRecoveryFailed = errors.New("dependency recovery failed")

// Config configures a Monitor.
type Config struct {
	// Interval between checks. Default 30s.
	Interval time.Duration

	// MaxFailures is the consecutive failures that trigger recovery. Default 3.
	MaxFailures int

	// MaxRecoveryAttempts bounds recoveries between healthy checks. Default 3.
	MaxRecoveryAttempts int

	// WriteTimeout bounds the write test. Default 5s.
	WriteTimeout time.Duration

	// ReachabilityAttempts and ReachabilityInterval bound the wait for the
	// remote host during recovery. The interval doubles, capped at 30s.
	ReachabilityAttempts int
	ReachabilityInterval time.Duration

	Logger  *slog.Logger
	Metrics metrics.Recorder
	Clock   clock.Clock
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		MaxFailures:          3,
		MaxRecoveryAttempts:  3,
		WriteTimeout:         util.DefaultWriteTestTimeout,
		ReachabilityAttempts: 5,
		ReachabilityInterval: 2 * time.Second,
	}
}

// Deps are the collaborators a Monitor uses.
type Deps struct {
	Registry  *registry.Registry
	Prober    probe.Prober
	Processes process.Controller
	Runner    process.Runner
	Mounts    MountTable

	// Records decides which form of a dependent service to restart.
	// When nil, or a service has no record, the legacy form is restarted.
	Records migration.Store

	// Status receives the dependency entry after every tick. Optional.
	Status *status.Registry

	// Unmount defaults to ForceUnmount.
	Unmount UnmountFunc
}

// Monitor supervises one dependency.
//
// # Thread Safety
//
// The DependencyState is owned by the monitor loop. Tick must not be called
// concurrently; State may be read from any goroutine.
type Monitor struct {
	config Config
	deps   Deps
	dep    registry.DependencyDescriptor
	logger *slog.Logger
	rec    metrics.Recorder

	stateMu         sync.Mutex
	state           status.DependencyState
	exhaustedLogged bool
}

// NewMonitor creates a Monitor for dep.
func NewMonitor(config Config, deps Deps, dep registry.DependencyDescriptor) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.MaxRecoveryAttempts <= 0 {
		config.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}
	config.WriteTimeout = util.EnforceDefaultTimeout(config.WriteTimeout, def.WriteTimeout)
	if config.ReachabilityAttempts <= 0 {
		config.ReachabilityAttempts = def.ReachabilityAttempts
	}
	if config.ReachabilityInterval <= 0 {
		config.ReachabilityInterval = def.ReachabilityInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if deps.Mounts == nil {
		deps.Mounts = ProcMountTable{}
	}
	if deps.Unmount == nil {
		deps.Unmount = ForceUnmount
	}

	m := &Monitor{
		config: config,
		deps:   deps,
		dep:    dep,
		logger: config.Logger.With("component", "depmon", "dependency", dep.Name),
		rec:    metrics.OrNoOp(config.Metrics),
	}
	// Resume counters from the last flushed document so a daemon restart
	// does not grant a fresh recovery budget.
	if deps.Status != nil {
		if prev, ok := deps.Status.Dependency(dep.Name); ok {
			m.state.ConsecutiveFailures = prev.ConsecutiveFailures
			m.state.RecoveryAttempts = prev.RecoveryAttempts
			m.state.RecoveryExhausted = prev.RecoveryExhausted
		}
	}
	return m
}

// Name returns the dependency name.
func (m *Monitor) Name() string {
	return m.dep.Name
}

// State returns the last computed DependencyState.
func (m *Monitor) State() status.DependencyState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Monitor) setState(s status.DependencyState) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	loop := &util.Loop{Name: "depmon " + m.dep.Name, Interval: m.config.Interval, Tick: m.Tick, Logger: m.logger}
	return loop.Run(ctx)
}

// =============================================================================
// Tick
// =============================================================================

// Tick runs one check, recovering when the failure threshold is reached,
// and publishes the resulting state.
func (m *Monitor) Tick(ctx context.Context) {
	state := m.State()
	checked := m.Check(ctx)
	// A check cut short by shutdown says nothing about the dependency.
	if ctx.Err() != nil {
		m.logger.Debug("check interrupted; state left unchanged", "error", ctx.Err())
		return
	}
	state.Mounted, state.Reachable, state.Writable = checked.Mounted, checked.Reachable, checked.Writable
	state.LastCheckedAt, state.LastError = checked.LastCheckedAt, checked.LastError

	if state.Healthy() {
		if state.ConsecutiveFailures > 0 || state.RecoveryAttempts > 0 {
			m.logger.Info("dependency healthy again",
				"previous_failures", state.ConsecutiveFailures,
				"previous_recovery_attempts", state.RecoveryAttempts)
		}
		state.ConsecutiveFailures = 0
		state.RecoveryAttempts = 0
		state.RecoveryExhausted = false
		m.exhaustedLogged = false
		m.publish(state)
		return
	}

	state.ConsecutiveFailures++
	m.logger.Warn("dependency check failed",
		"consecutive_failures", state.ConsecutiveFailures,
		"mounted", state.Mounted,
		"reachable", state.Reachable,
		"writable", state.Writable,
		"error", state.LastError)

	if state.ConsecutiveFailures >= m.config.MaxFailures {
		state = m.maybeRecover(ctx, state)
	}
	m.publish(state)
}

func (m *Monitor) maybeRecover(ctx context.Context, state status.DependencyState) status.DependencyState {
	if state.RecoveryAttempts >= m.config.MaxRecoveryAttempts {
		state.RecoveryExhausted = true
		if !m.exhaustedLogged {
			m.logger.Error("recovery attempts exhausted; manual intervention required",
				"recovery_attempts", state.RecoveryAttempts)
			m.exhaustedLogged = true
		}
		return state
	}

	m.logger.Warn("attempting dependency recovery", "attempt", state.RecoveryAttempts+1)
	verified, err := m.Recover(ctx, state)
	if ctx.Err() != nil {
		m.logger.Info("recovery interrupted by shutdown; attempt not counted")
		return state
	}
	m.rec.RecordRecoveryAttempt(m.dep.Name, err == nil)
	if err != nil {
		state.RecoveryAttempts++
		state.LastError = err.Error()
		m.logger.Error("dependency recovery failed",
			"recovery_attempts", state.RecoveryAttempts,
			"error", err)
		if state.RecoveryAttempts >= m.config.MaxRecoveryAttempts {
			state.RecoveryExhausted = true
			m.logger.Error("recovery attempts exhausted; manual intervention required",
				"recovery_attempts", state.RecoveryAttempts)
			m.exhaustedLogged = true
		}
		return state
	}

	m.logger.Info("dependency recovered")
	verified.ConsecutiveFailures = 0
	verified.RecoveryAttempts = 0
	verified.RecoveryExhausted = false
	m.restartDependents(ctx)
	return verified
}

func (m *Monitor) publish(state status.DependencyState) {
	m.setState(state)
	m.rec.SetDependencyHealthy(m.dep.Name, state.Healthy())
	if m.deps.Status != nil {
		m.deps.Status.SetDependency(m.dep.Name, state)
		if err := m.deps.Status.Flush(); err != nil {
			m.logger.Error("status flush failed", "error", err)
		}
	}
}

// =============================================================================
// Check and Recover
// =============================================================================

// Check runs the three health checks. It does not touch the counters.
//
// Reachability and the write test are attempted even when an earlier check
// fails so the state always reports all three.
func (m *Monitor) Check(ctx context.Context) status.DependencyState {
	s := status.DependencyState{LastCheckedAt: time.Now().UTC()}
	var errs []string

	mounted, err := m.deps.Mounts.IsMounted(m.dep.MountPoint)
	switch {
	case err != nil:
		errs = append(errs, err.Error())
	case !mounted:
		errs = append(errs, m.dep.MountPoint+" not mounted")
	default:
		s.Mounted = true
	}

	if m.dep.RemoteHost == "" {
		s.Reachable = true
	} else if err := m.deps.Prober.Dial(ctx, m.dep.RemoteAddress()); err != nil {
		errs = append(errs, "remote unreachable: "+err.Error())
	} else {
		s.Reachable = true
	}

	// Writing to an unmounted mount point would write to the root
	// filesystem and pass.
	if s.Mounted {
		if err := writeTest(ctx, m.dep.MountPoint, m.dep.TestFileName, m.config.WriteTimeout); err != nil {
			errs = append(errs, "write test: "+err.Error())
		} else {
			s.Writable = true
		}
	}

	s.LastError = strings.Join(errs, "; ")
	return s
}

// Recover runs one recovery attempt.
//
// # Description
//
//  1. Force-unmount when the mount is present but unusable (stale).
//  2. Wait for the remote host to accept connections, with doubling backoff.
//  3. Remount through the mount unit, or `mount <mountpoint>` without one.
//  4. Re-run the full check.
//
// # Outputs
//
//   - status.DependencyState: The verifying check's state on success
//   - error: Wraps ErrRecoveryFailed on any failed step, or ctx's error when
//     ctx is already done; nothing is unmounted then
func (m *Monitor) Recover(ctx context.Context, last status.DependencyState) (status.DependencyState, error) {
	if err := ctx.Err(); err != nil {
		return status.DependencyState{}, err
	}
	if last.Mounted {
		m.logger.Info("force unmounting stale mount", "mount_point", m.dep.MountPoint)
		if err := m.deps.Unmount(m.dep.MountPoint); err != nil {
			m.logger.Warn("force unmount failed; continuing", "error", err)
		}
	}

	if m.dep.RemoteHost != "" {
		policy := util.RetryPolicy{
			Name:        "reachability " + m.dep.Name,
			MaxAttempts: m.config.ReachabilityAttempts,
			Interval:    m.config.ReachabilityInterval,
			Backoff:     true,
			MaxInterval: 30 * time.Second,
			Clock:       m.config.Clock,
			Logger:      m.logger,
		}
		addr := m.dep.RemoteAddress()
		if err := policy.Do(ctx, func(ctx context.Context) error {
			return m.deps.Prober.Dial(ctx, addr)
		}); err != nil {
			return status.DependencyState{}, fmt.Errorf("%w: remote %s: %w", ErrRecoveryFailed, addr, err)
		}
	}

	if err := m.remount(ctx); err != nil {
		return status.DependencyState{}, fmt.Errorf("%w: remount: %w", ErrRecoveryFailed, err)
	}

	verified := m.Check(ctx)
	if !verified.Healthy() {
		return verified, fmt.Errorf("%w: verification: %s", ErrRecoveryFailed, verified.LastError)
	}
	return verified, nil
}

func (m *Monitor) remount(ctx context.Context) error {
	if m.dep.MountUnit != "" {
		ref := process.Ref{Service: m.dep.Name, Unit: m.dep.MountUnit}
		m.logger.Info("starting mount unit", "unit", ref.Unit)
		return m.deps.Processes.Start(ctx, ref)
	}
	if m.deps.Runner == nil {
		return errors.New("no mount unit and no command runner")
	}
	m.logger.Info("mounting", "mount_point", m.dep.MountPoint)
	_, err := m.deps.Runner.Run(ctx, "mount", m.dep.MountPoint)
	return err
}

// restartDependents restarts, one at a time, every service that depends on
// this dependency, in the form the migration store records as active.
func (m *Monitor) restartDependents(ctx context.Context) {
	for _, svc := range m.deps.Registry.DependentsOf(m.dep.Name) {
		form, err := migration.FormOf(m.deps.Records, svc.Name)
		if err != nil {
			m.logger.Warn("could not read migration record", "service", svc.Name, "error", err)
		}
		ref := svc.LegacyRef()
		if form == "managed" {
			ref = svc.ManagedRef()
		}
		m.logger.Info("restarting dependent service", "service", svc.Name, "form", form, "unit", ref.Unit)
		if err := process.Restart(ctx, m.deps.Processes, ref, svc.StopGracePeriod); err != nil {
			m.logger.Error("dependent restart failed", "service", svc.Name, "unit", ref.Unit, "error", err)
			continue
		}
		m.logger.Info("dependent service restarted", "service", svc.Name, "unit", ref.Unit)
	}
}
