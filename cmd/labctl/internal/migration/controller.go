// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migration moves services between their legacy and managed forms.
//
// The Controller runs each transition as a strictly sequential saga and
// appends a Record for every state it enters, so a crash at any point
// leaves a durable trace of how far the transition got. Records found in a
// transient state are never resumed automatically; an operator resolves
// them.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/backup"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/probe"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/registry"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/resilience"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTransitionFailed wraps every operational failure of Migrate or Rollback.
	ErrTransitionFailed = errors.New("transition failed")

	// ErrNeedsManualResolution is returned when the current record is transient.
	ErrNeedsManualResolution = errors.New("needs manual resolution")

	// ErrRollbackFailed is returned by Migrate when the last rollback failed.
	ErrRollbackFailed = errors.New("previous rollback failed")

	// ErrNoMigration is returned by Rollback for a service never migrated.
	ErrNoMigration = errors.New("no migration to roll back")

	// ErrInvalidResolution is returned by Resolve for unsupported targets.
	ErrInvalidResolution = errors.New("invalid resolution")
)

// Step names, shared by logs, errors, and record messages.
const (
	stepStopLegacy    = "stop-legacy"
	stepSnapshot      = "snapshot"
	stepStartManaged  = "start-managed"
	stepAwaitManaged  = "await-managed"
	stepStopManaged   = "stop-managed"
	stepQuiesceLegacy = "quiesce-legacy"
	stepRestore       = "restore"
	stepEnableLegacy  = "enable-legacy"
	stepStartLegacy   = "start-legacy"
	stepAwaitLegacy   = "await-legacy"
	resolutionMessage = "manual resolution"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Controller.
type Config struct {
	// PollInterval is the delay between readiness probes. Default 10s.
	PollInterval time.Duration

	// PollAttempts bounds readiness probes. Default 30.
	PollAttempts int

	// ProbeTimeout is the per-probe bound, used to size step timeouts.
	ProbeTimeout time.Duration

	// StepTimeout bounds stop, start, snapshot, and restore steps. Default 10m.
	StepTimeout time.Duration

	Logger  *slog.Logger
	Metrics metrics.Recorder

	// Clock drives readiness polling. Default wall clock.
	Clock clock.Clock

	// Now stamps records. Default time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production polling budget: 30 probes, 10s apart.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		PollAttempts: 30,
		ProbeTimeout: util.DefaultProbeTimeout,
		StepTimeout:  10 * time.Minute,
	}
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Registry  *registry.Registry
	Processes process.Controller
	Prober    probe.Prober
	Backups   backup.Coordinator
	Store     Store

	// Lock serializes transitions across processes. Default NopLocker.
	Lock process.Locker
}

// =============================================================================
// Controller
// =============================================================================

// Controller is the per-service migration state machine.
//
// # Description
//
// Migrate and Rollback are single-shot. A process-local mutex and the
// cross-process Lock ensure that at most one transition runs on the host at
// a time, whether started by the CLI, MigrateAll, or conflict auto-rollback.
//
// # Thread Safety
//
// Safe for concurrent use; transitions are serialized.
type Controller struct {
	config Config
	deps   Deps
	logger *slog.Logger
	rec    metrics.Recorder

	mu sync.Mutex
}

// NewController creates a Controller.
func NewController(config Config, deps Deps) *Controller {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.PollAttempts <= 0 {
		config.PollAttempts = def.PollAttempts
	}
	config.ProbeTimeout = util.EnforceDefaultTimeout(config.ProbeTimeout, def.ProbeTimeout)
	config.StepTimeout = util.EnforceDefaultTimeout(config.StepTimeout, def.StepTimeout)
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if deps.Lock == nil {
		deps.Lock = process.NopLocker{}
	}
	return &Controller{
		config: config,
		deps:   deps,
		logger: config.Logger.With("component", "migration"),
		rec:    metrics.OrNoOp(config.Metrics),
	}
}

// run holds the mutable state of one Migrate or Rollback call.
type run struct {
	service  registry.ServiceDescriptor
	attempt  int
	snapshot string
	last     Record
	span     trace.Span
}

// append writes a new record for the run and makes it current.
func (c *Controller) append(r *run, state State, message string) error {
	rec := Record{
		ID:           uuid.NewString(),
		Service:      r.service.Name,
		State:        state,
		Timestamp:    c.config.Now().UTC(),
		Attempt:      r.attempt,
		SnapshotPath: r.snapshot,
		Message:      message,
	}
	if err := c.deps.Store.Append(rec); err != nil {
		return err
	}
	r.last = rec
	c.rec.RecordTransition(rec.Service, string(rec.State))
	recordStateEvent(r.span, rec)
	c.logger.Info("migration state",
		"service", rec.Service,
		"state", rec.State,
		"attempt", rec.Attempt,
		"message", rec.Message)
	return nil
}

// appendFailure writes the terminal Failed record.
func (c *Controller) appendFailure(r *run, message string, rollbackFailed bool) Record {
	rec := Record{
		ID:             uuid.NewString(),
		Service:        r.service.Name,
		State:          StateFailed,
		Timestamp:      c.config.Now().UTC(),
		Attempt:        r.attempt,
		SnapshotPath:   r.snapshot,
		Message:        message,
		RollbackFailed: rollbackFailed,
	}
	if err := c.deps.Store.Append(rec); err != nil {
		c.logger.Error("could not persist failure record",
			"service", rec.Service, "error", err, "message", message)
	}
	c.rec.RecordTransition(rec.Service, string(rec.State))
	recordStateEvent(r.span, rec)
	c.logger.Error("migration failed",
		"service", rec.Service,
		"attempt", rec.Attempt,
		"rollback_failed", rollbackFailed,
		"message", message)
	return rec
}

// lock takes both the process mutex and the cross-process lock.
func (c *Controller) lock(ctx context.Context) (func(), error) {
	c.mu.Lock()
	if err := c.deps.Lock.Acquire(ctx); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	return func() {
		if err := c.deps.Lock.Release(); err != nil {
			c.logger.Warn("release migration lock", "error", err)
		}
		c.mu.Unlock()
	}, nil
}

func (c *Controller) readinessPolicy(name string) util.RetryPolicy {
	return util.RetryPolicy{
		Name:        name,
		MaxAttempts: c.config.PollAttempts,
		Interval:    c.config.PollInterval,
		Clock:       c.config.Clock,
		Logger:      c.logger,
	}
}

func (c *Controller) awaitTimeout(policy util.RetryPolicy) time.Duration {
	return policy.Budget() + time.Duration(policy.MaxAttempts)*c.config.ProbeTimeout + time.Minute
}

// awaitReady polls url, or the unit's active state when the service has no
// health endpoint.
func (c *Controller) awaitReady(ctx context.Context, svc registry.ServiceDescriptor, url string, ref process.Ref, policy util.RetryPolicy) error {
	if !svc.HasHealthPath() {
		return policy.Do(ctx, func(ctx context.Context) error {
			active, err := c.deps.Processes.IsActive(ctx, ref)
			if err != nil {
				return err
			}
			if !active {
				return fmt.Errorf("%s not active", ref)
			}
			return nil
		})
	}
	attempts, err := probe.AwaitHealthy(ctx, c.deps.Prober, url, policy)
	if err == nil {
		c.logger.Info("service ready", "service", svc.Name, "url", url, "probes", attempts)
	}
	return err
}

func (c *Controller) newSaga() *resilience.Saga {
	return resilience.New(resilience.Config{
		StepTimeout:         c.config.StepTimeout,
		CompensationTimeout: util.DefaultStartTimeout,
		Logger:              c.logger,
	})
}

// =============================================================================
// Migrate
// =============================================================================

// Migrate moves a service from its legacy form to its managed form.
//
// # Description
//
// Steps, each confirmed before the next begins:
//
//  1. If the legacy unit is active: record BackingUp, stop it within the
//     grace period, and snapshot the data path. A snapshot failure restarts
//     the legacy unit and records Failed. A successful snapshot is the
//     commit point; nothing before it is undone afterwards.
//  2. Record Switching and start the managed unit.
//  3. Record AwaitingReady and probe the managed endpoint every
//     PollInterval, at most PollAttempts times.
//  4. On the first healthy probe, disable the legacy unit and record
//     Managed. On exhaustion record Failed and leave legacy stopped.
//
// # Outputs
//
//   - Record: The current record after the call
//   - error: nil on success or when already Managed; wraps
//     ErrTransitionFailed, ErrNeedsManualResolution, ErrRollbackFailed, or
//     registry.ErrUnknownService otherwise
//
// # Idempotence
//
// Calling Migrate on a service whose current record is Managed returns
// that record unchanged without touching processes, backups, or probes.
func (c *Controller) Migrate(ctx context.Context, name string) (Record, error) {
	svc, err := c.deps.Registry.Service(name)
	if err != nil {
		return Record{}, err
	}

	unlock, err := c.lock(ctx)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	cur, ok, err := c.deps.Store.Current(name)
	if err != nil {
		return Record{}, err
	}
	attempt := 1
	if ok {
		switch {
		case cur.State == StateManaged:
			c.logger.Info("already managed", "service", name, "record", cur.ID)
			return cur, nil
		case cur.State.IsTransient():
			return cur, fmt.Errorf("%w: %s is in %s", ErrNeedsManualResolution, name, cur.State)
		case cur.State == StateFailed && cur.RollbackFailed:
			return cur, fmt.Errorf("%w: resolve %s before migrating again", ErrRollbackFailed, name)
		}
		attempt = cur.Attempt + 1
	}

	ctx, span := startOperationSpan(ctx, "Migrate", name, attempt)
	r := &run{service: svc, attempt: attempt, span: span}

	rec, err := c.migrate(ctx, r)
	finishSpan(span, rec, err)
	return rec, err
}

func (c *Controller) migrate(ctx context.Context, r *run) (Record, error) {
	svc := r.service
	legacy := svc.LegacyRef()
	managed := svc.ManagedRef()

	legacyActive, err := c.deps.Processes.IsActive(ctx, legacy)
	if err != nil {
		return c.appendFailure(r, "query legacy unit: "+err.Error(), false),
			fmt.Errorf("%w: %s: %w", ErrTransitionFailed, svc.Name, err)
	}

	saga := c.newSaga()

	if legacyActive {
		saga.AddStep(resilience.Step{
			Name: stepStopLegacy,
			Execute: func(ctx context.Context) error {
				if err := c.append(r, StateBackingUp, ""); err != nil {
					return err
				}
				return c.deps.Processes.Stop(ctx, legacy, svc.StopGracePeriod)
			},
			Compensate: func(ctx context.Context) error {
				c.logger.Warn("restarting legacy unit after failed snapshot", "service", svc.Name)
				return c.deps.Processes.Start(ctx, legacy)
			},
		})
		saga.AddStep(resilience.Step{
			Name:   stepSnapshot,
			Commit: true,
			Execute: func(ctx context.Context) error {
				if svc.DataPath == "" {
					return nil
				}
				snap, err := c.deps.Backups.Snapshot(ctx, svc.Name, svc.DataPath)
				if err != nil {
					return err
				}
				r.snapshot = snap.SnapshotPath
				return nil
			},
		})
	}

	saga.AddStep(resilience.Step{
		Name: stepStartManaged,
		Execute: func(ctx context.Context) error {
			if err := c.append(r, StateSwitching, ""); err != nil {
				return err
			}
			return c.deps.Processes.Start(ctx, managed)
		},
	})

	policy := c.readinessPolicy("await-ready " + svc.Name)
	saga.AddStep(resilience.Step{
		Name:    stepAwaitManaged,
		Timeout: c.awaitTimeout(policy),
		Execute: func(ctx context.Context) error {
			if err := c.append(r, StateAwaitingReady, ""); err != nil {
				return err
			}
			return c.awaitReady(ctx, svc, svc.HealthURL(), managed, policy)
		},
	})

	if err := saga.Execute(ctx); err != nil {
		msg := failureMessage(err)
		return c.appendFailure(r, msg, false), fmt.Errorf("%w: %s: %w", ErrTransitionFailed, svc.Name, err)
	}

	message := ""
	if err := c.deps.Processes.Disable(ctx, legacy); err != nil {
		message = "legacy unit not disabled: " + err.Error()
		c.logger.Error("could not disable legacy unit", "service", svc.Name, "error", err)
	}
	if err := c.append(r, StateManaged, message); err != nil {
		return r.last, fmt.Errorf("%w: %s: %w", ErrTransitionFailed, svc.Name, err)
	}
	return r.last, nil
}

// attemptSnapshot finds the snapshot recorded at path. Only the attempt's
// own snapshot is restored: a newer one may not exist and an older one
// would discard writes made since.
func (c *Controller) attemptSnapshot(service, path string) (backup.Snapshot, error) {
	snaps, err := c.deps.Backups.List(service)
	if err != nil {
		return backup.Snapshot{}, err
	}
	for _, snap := range snaps {
		if snap.SnapshotPath == path {
			return snap, nil
		}
	}
	return backup.Snapshot{}, fmt.Errorf("%w for %s at %s", backup.ErrNoSnapshot, service, path)
}

// failureMessage renders a saga failure for the record.
func failureMessage(err error) string {
	var stepErr *resilience.StepError
	if !errors.As(err, &stepErr) {
		return err.Error()
	}
	var b strings.Builder
	switch stepErr.Step {
	case stepSnapshot:
		b.WriteString("backup failed: ")
	case stepAwaitManaged, stepAwaitLegacy:
		b.WriteString("readiness budget exhausted: ")
	default:
		b.WriteString(stepErr.Step + " failed: ")
	}
	b.WriteString(stepErr.Err.Error())
	for _, name := range stepErr.Compensated {
		b.WriteString("; compensated " + name)
	}
	for name, cerr := range stepErr.CompensationErrors {
		b.WriteString("; compensation " + name + " failed: " + cerr.Error())
	}
	return b.String()
}

// =============================================================================
// Rollback
// =============================================================================

// Rollback returns a service to its legacy form.
//
// # Description
//
// Records RollingBack, stops the managed unit, stops the legacy unit if
// something restarted it, replaces the data path with the snapshot taken
// by the same attempt, unmasks and starts the legacy unit, and probes
// the legacy endpoint with the same budget as Migrate. Success records
// RolledBack. Any failure records Failed with RollbackFailed set, which
// blocks Migrate until an operator resolves it.
//
// An attempt with no snapshot (legacy was not running, the snapshot failed,
// or there is no data path) is rolled back without a restore; the record
// message says so. A recorded snapshot that has gone missing fails the
// rollback rather than restoring some other snapshot.
//
// # Idempotence
//
// Calling Rollback on a service whose current record is RolledBack or
// Legacy returns that record unchanged.
func (c *Controller) Rollback(ctx context.Context, name string) (Record, error) {
	svc, err := c.deps.Registry.Service(name)
	if err != nil {
		return Record{}, err
	}

	unlock, err := c.lock(ctx)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	cur, ok, err := c.deps.Store.Current(name)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNoMigration, name)
	}
	switch {
	case cur.State == StateRolledBack || cur.State == StateLegacy:
		c.logger.Info("already on legacy form", "service", name, "record", cur.ID)
		return cur, nil
	case cur.State.IsTransient():
		return cur, fmt.Errorf("%w: %s is in %s", ErrNeedsManualResolution, name, cur.State)
	}

	ctx, span := startOperationSpan(ctx, "Rollback", name, cur.Attempt)
	r := &run{service: svc, attempt: cur.Attempt, snapshot: cur.SnapshotPath, span: span}

	rec, err := c.rollback(ctx, r)
	finishSpan(span, rec, err)
	return rec, err
}

func (c *Controller) rollback(ctx context.Context, r *run) (Record, error) {
	svc := r.service
	legacy := svc.LegacyRef()
	managed := svc.ManagedRef()

	if err := c.append(r, StateRollingBack, ""); err != nil {
		return r.last, fmt.Errorf("%w: %s: %w", ErrTransitionFailed, svc.Name, err)
	}

	note := ""
	saga := c.newSaga()
	saga.AddStep(resilience.Step{
		Name: stepStopManaged,
		Execute: func(ctx context.Context) error {
			return c.deps.Processes.Stop(ctx, managed, svc.StopGracePeriod)
		},
	})
	saga.AddStep(resilience.Step{
		Name: stepQuiesceLegacy,
		Execute: func(ctx context.Context) error {
			if svc.DataPath == "" || r.snapshot == "" {
				return nil
			}
			// A failed snapshot restarts legacy; it must not write during the restore.
			active, err := c.deps.Processes.IsActive(ctx, legacy)
			if err != nil {
				return err
			}
			if !active {
				return nil
			}
			c.logger.Info("stopping legacy unit before restore", "service", svc.Name)
			return c.deps.Processes.Stop(ctx, legacy, svc.StopGracePeriod)
		},
	})
	saga.AddStep(resilience.Step{
		Name: stepRestore,
		Execute: func(ctx context.Context) error {
			switch {
			case svc.DataPath == "":
				note = "no data path; nothing restored"
				return nil
			case r.snapshot == "":
				note = "no snapshot for this attempt; data path left in place"
				c.logger.Warn("rollback without snapshot", "service", svc.Name, "attempt", r.attempt)
				return nil
			}
			snap, err := c.attemptSnapshot(svc.Name, r.snapshot)
			if err != nil {
				return err
			}
			return c.deps.Backups.Restore(ctx, snap, svc.DataPath)
		},
	})
	saga.AddStep(resilience.Step{
		Name: stepEnableLegacy,
		Execute: func(ctx context.Context) error {
			return c.deps.Processes.Enable(ctx, legacy)
		},
	})
	saga.AddStep(resilience.Step{
		Name: stepStartLegacy,
		Execute: func(ctx context.Context) error {
			return c.deps.Processes.Start(ctx, legacy)
		},
	})
	policy := c.readinessPolicy("await-legacy " + svc.Name)
	saga.AddStep(resilience.Step{
		Name:    stepAwaitLegacy,
		Timeout: c.awaitTimeout(policy),
		Execute: func(ctx context.Context) error {
			return c.awaitReady(ctx, svc, svc.LegacyHealthURL(), legacy, policy)
		},
	})

	if err := saga.Execute(ctx); err != nil {
		msg := "rollback failed: " + failureMessage(err)
		return c.appendFailure(r, msg, true), fmt.Errorf("%w: rollback %s: %w", ErrTransitionFailed, svc.Name, err)
	}

	if err := c.append(r, StateRolledBack, note); err != nil {
		return r.last, fmt.Errorf("%w: %s: %w", ErrTransitionFailed, svc.Name, err)
	}
	return r.last, nil
}

// =============================================================================
// Batch operations and inspection
// =============================================================================

// MigrateAll migrates every service sequentially, dependencies first.
//
// A failure does not stop the batch; every error is joined into the result.
// Cancellation stops before the next service.
func (c *Controller) MigrateAll(ctx context.Context) ([]Record, error) {
	var (
		records []Record
		errs    []error
	)
	for _, svc := range c.deps.Registry.Services() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := c.Migrate(ctx, svc.Name)
		if rec.Service != "" {
			records = append(records, rec)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", svc.Name, err))
		}
	}
	return records, errors.Join(errs...)
}

// RollbackAll rolls back every migrated service in reverse dependency order.
// Services that were never migrated are skipped.
func (c *Controller) RollbackAll(ctx context.Context) ([]Record, error) {
	services := c.deps.Registry.Services()
	var (
		records []Record
		errs    []error
	)
	for i := len(services) - 1; i >= 0; i-- {
		name := services[i].Name
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rec, err := c.Rollback(ctx, name)
		if errors.Is(err, ErrNoMigration) {
			continue
		}
		if rec.Service != "" {
			records = append(records, rec)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return records, errors.Join(errs...)
}

// Status returns the current record of every service that has one.
func (c *Controller) Status() (map[string]Record, error) {
	return c.deps.Store.All()
}

// Current returns the current record for one service.
func (c *Controller) Current(name string) (Record, bool, error) {
	return c.deps.Store.Current(name)
}

// Unresolved returns current records stuck in a transient state or in a
// failed rollback. The daemon reports these at startup.
func (c *Controller) Unresolved() ([]Record, error) {
	all, err := c.deps.Store.All()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, name := range SortedNames(all) {
		rec := all[name]
		if rec.State.IsTransient() || (rec.State == StateFailed && rec.RollbackFailed) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Resolve records an operator's decision about which form is in effect.
//
// # Description
//
// Appends a record in state Legacy or Managed with message "manual
// resolution". It does not start or stop anything; the operator asserts
// the host already matches. This is the only way out of a transient record
// or a failed rollback.
func (c *Controller) Resolve(ctx context.Context, name string, to State) (Record, error) {
	if to != StateLegacy && to != StateManaged {
		return Record{}, fmt.Errorf("%w: %q (want %s or %s)", ErrInvalidResolution, to, StateLegacy, StateManaged)
	}
	svc, err := c.deps.Registry.Service(name)
	if err != nil {
		return Record{}, err
	}

	unlock, err := c.lock(ctx)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	cur, ok, err := c.deps.Store.Current(name)
	if err != nil {
		return Record{}, err
	}
	attempt := 0
	if ok {
		attempt = cur.Attempt
	}

	_, span := startOperationSpan(ctx, "Resolve", name, attempt)
	r := &run{service: svc, attempt: attempt, snapshot: cur.SnapshotPath, span: span}
	err = c.append(r, to, resolutionMessage)
	finishSpan(span, r.last, err)
	return r.last, err
}
