// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation runs the scheduled validation suite.
//
// A run executes every category in order (dependencies, services,
// integration, then optionally performance) without stopping at the first
// failure, times each test, and produces a Report. Reports are persisted by
// a Store as a bounded history plus a latest pointer.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/migration"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/probe"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/registry"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/status"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

var tracer = otel.Tracer("labctl.validation")

// IntegrationCheck probes Path on Service, provided Requires is active.
type IntegrationCheck struct {
	Name     string
	Service  string
	Requires string
	Path     string
}

// DependencyChecker is satisfied by *depmon.Monitor.
type DependencyChecker interface {
	Name() string
	Check(ctx context.Context) status.DependencyState
}

// Config configures a Harness.
type Config struct {
	// Integration lists cross-service checks.
	Integration []IntegrationCheck

	// Performance enables the performance category. Off by default.
	Performance bool

	// LatencyThreshold is the maximum healthy probe latency. Default 2s.
	LatencyThreshold time.Duration

	// TestTimeout bounds one test. Default 10s.
	TestTimeout time.Duration

	Logger  *slog.Logger
	Metrics metrics.Recorder

	// Now is overridable for tests.
	Now func() time.Time
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		LatencyThreshold: 2 * time.Second,
		TestTimeout:      10 * time.Second,
	}
}

// Deps are the collaborators a Harness reads.
type Deps struct {
	Registry     *registry.Registry
	Prober       probe.Prober
	Processes    process.Controller
	Records      migration.Store
	Dependencies []DependencyChecker
}

// Harness runs validation suites.
//
// # Thread Safety
//
// Run may be called concurrently; each call builds its own Report.
type Harness struct {
	config Config
	deps   Deps
	logger *slog.Logger
	rec    metrics.Recorder
}

// New creates a Harness.
func New(config Config, deps Deps) *Harness {
	def := DefaultConfig()
	config.LatencyThreshold = util.EnforceDefaultTimeout(config.LatencyThreshold, def.LatencyThreshold)
	config.TestTimeout = util.EnforceDefaultTimeout(config.TestTimeout, def.TestTimeout)
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Harness{
		config: config,
		deps:   deps,
		logger: config.Logger.With("component", "validation"),
		rec:    metrics.OrNoOp(config.Metrics),
	}
}

// RunOptions adjusts a single run.
type RunOptions struct {
	// Performance forces the performance category on for this run.
	Performance bool
}

// test is one named check; it returns the status and a message.
type test func(ctx context.Context) (Status, string)

// Run executes one full validation suite.
//
// # Outputs
//
//   - Report: Every test's result; never partial even when tests fail
func (h *Harness) Run(ctx context.Context, opts RunOptions) Report {
	report := newReport(uuid.NewString(), h.config.Now().UTC())
	ctx, span := tracer.Start(ctx, "validation.Run",
		trace.WithAttributes(attribute.String("validation.test_id", report.TestID)))
	defer span.End()

	h.logger.Info("validation run started", "test_id", report.TestID)

	h.runDependencies(ctx, report)
	serviceOK := h.runServices(ctx, report)
	h.runIntegration(ctx, report)
	if opts.Performance || h.config.Performance {
		h.runPerformance(ctx, report, serviceOK)
	}

	report.EndedAt = h.config.Now().UTC()
	h.rec.SetValidationLastRun(report.EndedAt)

	span.SetAttributes(
		attribute.Int("validation.total", report.Summary.Total),
		attribute.Int("validation.failed", report.Summary.Failed),
	)
	if !report.OK() {
		span.SetStatus(codes.Error, fmt.Sprintf("%d failed", report.Summary.Failed))
	}

	level := slog.LevelInfo
	if !report.OK() {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "validation run finished",
		"test_id", report.TestID,
		"total", report.Summary.Total,
		"passed", report.Summary.Passed,
		"failed", report.Summary.Failed,
		"skipped", report.Summary.Skipped,
		"critical_failures", report.CriticalFailures,
		"duration", report.Duration())
	return *report
}

// exec runs one test with a timeout and panic recovery, and records it.
func (h *Harness) exec(ctx context.Context, report *Report, category, name string, fn test) TestResult {
	ctx, span := tracer.Start(ctx, "validation."+category,
		trace.WithAttributes(attribute.String("validation.test", name)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, h.config.TestTimeout)
	defer cancel()

	start := time.Now()
	var (
		st  Status
		msg string
	)
	err := util.CallSafely(func() error {
		st, msg = fn(ctx)
		return nil
	})
	if err != nil {
		st, msg = StatusFail, err.Error()
	}
	if st == StatusPass && ctx.Err() != nil {
		st, msg = StatusFail, "timed out"
	}

	res := TestResult{Status: st, Message: msg, DurationMs: time.Since(start).Milliseconds()}
	report.add(category, name, res)
	h.rec.RecordValidation(category, string(st))
	span.SetAttributes(attribute.String("validation.status", string(st)))
	if st == StatusFail {
		span.SetStatus(codes.Error, msg)
		h.logger.Warn("validation test failed", "category", category, "test", name, "message", msg)
	}
	return res
}

// =============================================================================
// Categories
// =============================================================================

func (h *Harness) runDependencies(ctx context.Context, report *Report) {
	for _, dep := range h.deps.Dependencies {
		h.exec(ctx, report, CategoryDependencies, dep.Name(), func(ctx context.Context) (Status, string) {
			s := dep.Check(ctx)
			if s.Healthy() {
				return StatusPass, ""
			}
			return StatusFail, s.LastError
		})
	}
}

// runServices returns which services passed.
func (h *Harness) runServices(ctx context.Context, report *Report) map[string]bool {
	ok := make(map[string]bool)
	for _, svc := range h.deps.Registry.Services() {
		res := h.exec(ctx, report, CategoryServices, svc.Name, func(ctx context.Context) (Status, string) {
			return h.checkService(ctx, svc)
		})
		if res.Status == StatusPass {
			ok[svc.Name] = true
		} else if svc.IsCritical() {
			report.CriticalFailures = append(report.CriticalFailures, svc.Name)
		}
	}
	return ok
}

func (h *Harness) checkService(ctx context.Context, svc registry.ServiceDescriptor) (Status, string) {
	form := h.activeForm(svc.Name)
	ref := svc.ManagedRef()
	if form == "legacy" {
		ref = svc.LegacyRef()
	}
	active, err := h.deps.Processes.IsActive(ctx, ref)
	if err != nil {
		return StatusFail, err.Error()
	}
	if !active {
		return StatusFail, ref.Unit + " not active"
	}
	if !svc.HasHealthPath() {
		return StatusPass, ref.Unit + " active"
	}

	url := svc.HealthURL()
	if form == "legacy" {
		url = svc.LegacyHealthURL()
	}
	res := h.deps.Prober.Probe(ctx, url)
	if !res.Healthy {
		return StatusFail, fmt.Sprintf("%s: %s", url, res.Error())
	}
	return StatusPass, fmt.Sprintf("%s %d in %s", url, res.StatusCode, res.Latency.Round(time.Millisecond))
}

func (h *Harness) runIntegration(ctx context.Context, report *Report) {
	for _, check := range h.config.Integration {
		h.exec(ctx, report, CategoryIntegration, check.Name, func(ctx context.Context) (Status, string) {
			svc, err := h.deps.Registry.Service(check.Service)
			if err != nil {
				return StatusFail, err.Error()
			}
			if check.Requires != "" {
				active, reason := h.serviceActive(ctx, check.Requires)
				if !active {
					return StatusSkip, "requires " + check.Requires + ": " + reason
				}
			}
			url := svc.URL(h.activeForm(svc.Name), check.Path)
			res := h.deps.Prober.Probe(ctx, url)
			if !res.Healthy {
				return StatusFail, fmt.Sprintf("%s: %s", url, res.Error())
			}
			return StatusPass, url
		})
	}
}

func (h *Harness) runPerformance(ctx context.Context, report *Report, serviceOK map[string]bool) {
	threshold := h.config.LatencyThreshold
	for _, svc := range h.deps.Registry.Services() {
		h.exec(ctx, report, CategoryPerformance, svc.Name, func(ctx context.Context) (Status, string) {
			if !serviceOK[svc.Name] {
				return StatusSkip, "service test did not pass"
			}
			if !svc.HasHealthPath() {
				return StatusSkip, "no health endpoint"
			}
			url := svc.HealthURL()
			if h.activeForm(svc.Name) == "legacy" {
				url = svc.LegacyHealthURL()
			}
			res := h.deps.Prober.Probe(ctx, url)
			if !res.Healthy {
				return StatusFail, res.Error()
			}
			if res.Latency > threshold {
				return StatusFail, fmt.Sprintf("latency %s exceeds %s", res.Latency.Round(time.Millisecond), threshold)
			}
			return StatusPass, fmt.Sprintf("latency %s", res.Latency.Round(time.Millisecond))
		})
	}
}

func (h *Harness) activeForm(name string) string {
	form, err := migration.FormOf(h.deps.Records, name)
	if err != nil {
		h.logger.Warn("could not read migration record", "service", name, "error", err)
	}
	return form
}

// serviceActive reports whether the named service's active form is running.
func (h *Harness) serviceActive(ctx context.Context, name string) (bool, string) {
	svc, err := h.deps.Registry.Service(name)
	if err != nil {
		return false, err.Error()
	}
	ref := svc.LegacyRef()
	if h.activeForm(name) == "managed" {
		ref = svc.ManagedRef()
	}
	active, err := h.deps.Processes.IsActive(ctx, ref)
	if err != nil {
		return false, err.Error()
	}
	if !active {
		return false, ref.Unit + " inactive"
	}
	return true, ""
}
