// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conflict detects services whose legacy and managed forms are
// active at the same time.
package conflict

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/migration"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/registry"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/status"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// Config configures a Detector.
type Config struct {
	// Interval between checks. Default 60s.
	Interval time.Duration

	// AutoRollback rolls back a service whose hazard persists. Off by default.
	AutoRollback bool

	// ConfirmTicks is how many consecutive observations confirm a hazard
	// before auto-rollback. Default 2.
	ConfirmTicks int

	// RollbackCooldown is the minimum time between auto-rollbacks of one
	// service. Default 30m.
	RollbackCooldown time.Duration

	Logger  *slog.Logger
	Metrics metrics.Recorder

	// Now is overridable for tests.
	Now func() time.Time
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Minute,
		ConfirmTicks:     2,
		RollbackCooldown: 30 * time.Minute,
	}
}

// Rollbacker is the subset of the migration controller the detector drives.
type Rollbacker interface {
	Rollback(ctx context.Context, name string) (migration.Record, error)
}

// Detector checks every service each tick.
//
// # Description
//
// A hazard is recorded when both forms of a service report active. While
// the service's current migration record is transient, both forms being
// active is an expected part of the switch and is only logged at debug.
// Hazards are cleared as soon as one form stops.
//
// # Thread Safety
//
// Check and Tick must not be called concurrently; the daemon runs one loop.
// Hazards may be called from any goroutine.
type Detector struct {
	config   Config
	services *registry.Registry
	procs    process.Controller
	records  migration.Store
	rollback Rollbacker
	status   *status.Registry
	logger   *slog.Logger
	metrics  metrics.Recorder

	mu       sync.Mutex
	hazards  map[string]status.Hazard
	limiters map[string]*rate.Limiter
}

// NewDetector creates a Detector. rollback may be nil when AutoRollback is off.
func NewDetector(config Config, services *registry.Registry, procs process.Controller, records migration.Store, rollback Rollbacker, st *status.Registry) *Detector {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.ConfirmTicks <= 0 {
		config.ConfirmTicks = def.ConfirmTicks
	}
	if config.RollbackCooldown <= 0 {
		config.RollbackCooldown = def.RollbackCooldown
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Detector{
		config:   config,
		services: services,
		procs:    procs,
		records:  records,
		rollback: rollback,
		status:   st,
		logger:   config.Logger.With("component", "conflict"),
		metrics:  metrics.OrNoOp(config.Metrics),
		hazards:  make(map[string]status.Hazard),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run ticks until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	loop := &util.Loop{Name: "conflict", Interval: d.config.Interval, Tick: d.Tick, Logger: d.logger}
	return loop.Run(ctx)
}

// Tick runs one check and flushes the status document.
func (d *Detector) Tick(ctx context.Context) {
	d.Check(ctx)
	if d.status == nil {
		return
	}
	if err := d.status.Flush(); err != nil {
		d.logger.Error("status flush failed", "error", err)
	}
}

// Check evaluates every service and returns the current hazards, ordered
// as the registry orders services.
//
// Auto-rollbacks run after the hazard map is updated and without holding
// the lock, so Hazards never waits on a rollback's readiness budget.
func (d *Detector) Check(ctx context.Context) []status.Hazard {
	now := d.config.Now().UTC()
	pending := d.observe(ctx, now)

	var ran []string
	for _, name := range pending {
		if d.triggerRollback(ctx, name) {
			ran = append(ran, name)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range ran {
		if h, ok := d.hazards[name]; ok {
			h.AutoRollback = true
			d.hazards[name] = h
		}
	}

	var out []status.Hazard
	for _, svc := range d.services.Services() {
		if h, ok := d.hazards[svc.Name]; ok {
			out = append(out, h)
		}
	}
	d.metrics.SetHazards(len(d.hazards))
	if d.status != nil {
		d.status.SetHazards(d.hazards)
	}
	return out
}

// observe updates the hazard map and returns the services due for an
// auto-rollback.
func (d *Detector) observe(ctx context.Context, now time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var pending []string
	for _, svc := range d.services.Services() {
		if ctx.Err() != nil {
			break
		}
		both, ok := d.bothActive(ctx, svc)
		if !ok {
			// Unknown this tick; keep whatever was recorded.
			continue
		}
		if !both {
			if _, exists := d.hazards[svc.Name]; exists {
				d.logger.Info("hazard cleared", "service", svc.Name)
				delete(d.hazards, svc.Name)
			}
			continue
		}
		if d.inTransition(svc.Name) {
			d.logger.Debug("both forms active during transition", "service", svc.Name)
			continue
		}

		h, exists := d.hazards[svc.Name]
		if !exists {
			h = status.Hazard{Service: svc.Name, DetectedAt: now}
		}
		h.ConsecutiveTicks++
		d.logger.Warn("hazard: legacy and managed both active",
			"service", svc.Name,
			"detected_at", h.DetectedAt,
			"consecutive_ticks", h.ConsecutiveTicks)

		if d.shouldRollback(svc.Name, h, now) {
			pending = append(pending, svc.Name)
		}
		d.hazards[svc.Name] = h
	}
	return pending
}

// Hazards returns a copy of the current hazards.
func (d *Detector) Hazards() map[string]status.Hazard {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]status.Hazard, len(d.hazards))
	for k, v := range d.hazards {
		out[k] = v
	}
	return out
}

func (d *Detector) bothActive(ctx context.Context, svc registry.ServiceDescriptor) (bool, bool) {
	legacy, err := d.procs.IsActive(ctx, svc.LegacyRef())
	if err != nil {
		d.logger.Warn("could not query legacy unit", "service", svc.Name, "error", err)
		return false, false
	}
	if !legacy {
		return false, true
	}
	managed, err := d.procs.IsActive(ctx, svc.ManagedRef())
	if err != nil {
		d.logger.Warn("could not query managed unit", "service", svc.Name, "error", err)
		return false, false
	}
	return managed, true
}

func (d *Detector) inTransition(name string) bool {
	if d.records == nil {
		return false
	}
	rec, ok, err := d.records.Current(name)
	if err != nil {
		d.logger.Warn("could not read migration record", "service", name, "error", err)
		return false
	}
	return ok && rec.State.IsTransient()
}

func (d *Detector) shouldRollback(name string, h status.Hazard, now time.Time) bool {
	if !d.config.AutoRollback || d.rollback == nil || h.AutoRollback {
		return false
	}
	if h.ConsecutiveTicks < d.config.ConfirmTicks {
		return false
	}
	if !d.hasMigration(name) {
		d.logger.Warn("hazard on a service with no migration to roll back", "service", name)
		return false
	}
	lim, ok := d.limiters[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(d.config.RollbackCooldown), 1)
		d.limiters[name] = lim
	}
	if !lim.AllowN(now, 1) {
		d.logger.Warn("auto-rollback suppressed by cooldown", "service", name, "cooldown", d.config.RollbackCooldown)
		return false
	}
	return true
}

// hasMigration reports whether the service's current record is one Rollback
// would act on. Without a store every service qualifies.
func (d *Detector) hasMigration(name string) bool {
	if d.records == nil {
		return true
	}
	rec, ok, err := d.records.Current(name)
	if err != nil {
		d.logger.Warn("could not read migration record", "service", name, "error", err)
		return false
	}
	return ok && rec.State != migration.StateLegacy && rec.State != migration.StateRolledBack
}

// triggerRollback reports whether a rollback was attempted.
func (d *Detector) triggerRollback(ctx context.Context, name string) bool {
	if ctx.Err() != nil {
		return false
	}
	d.logger.Warn("auto-rollback triggered by persistent hazard", "service", name)
	rec, err := d.rollback.Rollback(ctx, name)
	if err != nil {
		d.logger.Error("auto-rollback failed", "service", name, "state", rec.State, "error", err)
		return true
	}
	d.logger.Info("auto-rollback complete", "service", name, "state", rec.State)
	return true
}
