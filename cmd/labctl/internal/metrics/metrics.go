// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package metrics provides Prometheus metrics for labctl.

Two implementations share the Recorder interface:

  - NoOpRecorder keeps counters in memory and exports nothing. It is the
    default for one-shot CLI commands and for tests.
  - PrometheusRecorder exports everything under the labctl namespace and is
    served by `labctl daemon` on /metrics.

# Metrics Exported

  - labctl_migration_transitions_total: Counter by service and state
  - labctl_probe_duration_seconds: Histogram by result
  - labctl_dependency_healthy: Gauge (1/0) by dependency
  - labctl_dependency_recovery_attempts_total: Counter by dependency and result
  - labctl_hazards_active: Gauge of services with both forms active
  - labctl_validation_tests_total: Counter by category and status
  - labctl_validation_last_run_timestamp_seconds: Gauge
*/
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "labctl"

// Recorder is the metrics sink every component writes to.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Recorder interface {
	// RecordTransition counts one migration record appended in state.
	RecordTransition(service, state string)

	// RecordProbe observes one health probe.
	RecordProbe(healthy bool, d time.Duration)

	// SetDependencyHealthy publishes the latest check result.
	SetDependencyHealthy(dependency string, healthy bool)

	// RecordRecoveryAttempt counts one recovery attempt.
	RecordRecoveryAttempt(dependency string, success bool)

	// SetHazards publishes the number of active hazards.
	SetHazards(n int)

	// RecordValidation counts one validation test result.
	RecordValidation(category, status string)

	// SetValidationLastRun publishes when the last validation run ended.
	SetValidationLastRun(t time.Time)
}

// =============================================================================
// NoOp Implementation
// =============================================================================

// NoOpRecorder counts in memory only.
type NoOpRecorder struct {
	transitions atomic.Int64
	probes      atomic.Int64
	recoveries  atomic.Int64
	validations atomic.Int64
	hazards     atomic.Int64

	mu          sync.Mutex
	byState     map[string]int64
	depHealthy  map[string]bool
	lastRunUnix int64
}

// NewNoOpRecorder creates an in-memory recorder.
func NewNoOpRecorder() *NoOpRecorder {
	return &NoOpRecorder{
		byState:    make(map[string]int64),
		depHealthy: make(map[string]bool),
	}
}

func (m *NoOpRecorder) RecordTransition(service, state string) {
	m.transitions.Add(1)
	m.mu.Lock()
	m.byState[state]++
	m.mu.Unlock()
}

func (m *NoOpRecorder) RecordProbe(bool, time.Duration) { m.probes.Add(1) }

func (m *NoOpRecorder) SetDependencyHealthy(dependency string, healthy bool) {
	m.mu.Lock()
	m.depHealthy[dependency] = healthy
	m.mu.Unlock()
}

func (m *NoOpRecorder) RecordRecoveryAttempt(string, bool) { m.recoveries.Add(1) }

func (m *NoOpRecorder) SetHazards(n int) { m.hazards.Store(int64(n)) }

func (m *NoOpRecorder) RecordValidation(string, string) { m.validations.Add(1) }

func (m *NoOpRecorder) SetValidationLastRun(t time.Time) {
	m.mu.Lock()
	m.lastRunUnix = t.Unix()
	m.mu.Unlock()
}

// Transitions returns the total transitions recorded.
func (m *NoOpRecorder) Transitions() int64 { return m.transitions.Load() }

// TransitionsInState returns transitions recorded for one state.
func (m *NoOpRecorder) TransitionsInState(state string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byState[state]
}

// Probes returns the number of probes recorded.
func (m *NoOpRecorder) Probes() int64 { return m.probes.Load() }

// RecoveryAttempts returns the number of recovery attempts recorded.
func (m *NoOpRecorder) RecoveryAttempts() int64 { return m.recoveries.Load() }

// Hazards returns the last published hazard count.
func (m *NoOpRecorder) Hazards() int64 { return m.hazards.Load() }

// Validations returns the number of validation results recorded.
func (m *NoOpRecorder) Validations() int64 { return m.validations.Load() }

// DependencyHealthy returns the last published state and whether one exists.
func (m *NoOpRecorder) DependencyHealthy(dependency string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.depHealthy[dependency]
	return v, ok
}

// =============================================================================
// Prometheus Implementation
// =============================================================================

// PrometheusRecorder exports labctl metrics to Prometheus.
type PrometheusRecorder struct {
	transitions      *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	dependency       *prometheus.GaugeVec
	recoveryAttempts *prometheus.CounterVec
	hazards          prometheus.Gauge
	validationTests  *prometheus.CounterVec
	validationLast   prometheus.Gauge

	registered bool
	mu         sync.Mutex
}

// NewPrometheusRecorder creates unregistered collectors.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "migration",
				Name:      "transitions_total",
				Help:      "Migration records appended, by service and state",
			},
			[]string{"service", "state"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "duration_seconds",
				Help:      "Health probe latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"result"},
		),
		dependency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dependency",
				Name:      "healthy",
				Help:      "1 when the last dependency check passed",
			},
			[]string{"dependency"},
		),
		recoveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dependency",
				Name:      "recovery_attempts_total",
				Help:      "Dependency recovery attempts by result",
			},
			[]string{"dependency", "result"},
		),
		hazards: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hazards_active",
				Help:      "Services with legacy and managed forms active at once",
			},
		),
		validationTests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "validation",
				Name:      "tests_total",
				Help:      "Validation test results by category and status",
			},
			[]string{"category", "status"},
		),
		validationLast: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "validation",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last validation run finished",
			},
		),
	}
}

func (m *PrometheusRecorder) RecordTransition(service, state string) {
	m.transitions.WithLabelValues(service, state).Inc()
}

func (m *PrometheusRecorder) RecordProbe(healthy bool, d time.Duration) {
	m.probeDuration.WithLabelValues(resultLabel(healthy)).Observe(d.Seconds())
}

func (m *PrometheusRecorder) SetDependencyHealthy(dependency string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.dependency.WithLabelValues(dependency).Set(v)
}

func (m *PrometheusRecorder) RecordRecoveryAttempt(dependency string, success bool) {
	m.recoveryAttempts.WithLabelValues(dependency, resultLabel(success)).Inc()
}

func (m *PrometheusRecorder) SetHazards(n int) {
	m.hazards.Set(float64(n))
}

func (m *PrometheusRecorder) RecordValidation(category, status string) {
	m.validationTests.WithLabelValues(category, status).Inc()
}

func (m *PrometheusRecorder) SetValidationLastRun(t time.Time) {
	m.validationLast.Set(float64(t.Unix()))
}

// Register adds every collector to reg. Calling it twice is a no-op.
func (m *PrometheusRecorder) Register(reg prometheus.Registerer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.transitions,
		m.probeDuration,
		m.dependency,
		m.recoveryAttempts,
		m.hazards,
		m.validationTests,
		m.validationLast,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// OrNoOp returns r, or a fresh NoOpRecorder when r is nil.
func OrNoOp(r Recorder) Recorder {
	if r == nil {
		return NewNoOpRecorder()
	}
	return r
}

var (
	_ Recorder = (*NoOpRecorder)(nil)
	_ Recorder = (*PrometheusRecorder)(nil)
)
