// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpRecorder_Counts(t *testing.T) {
	m := NewNoOpRecorder()
	m.RecordTransition("alpha", "Managed")
	m.RecordTransition("alpha", "Managed")
	m.RecordTransition("beta", "Failed")
	m.RecordProbe(true, time.Millisecond)
	m.RecordRecoveryAttempt("storage", false)
	m.SetHazards(2)
	m.SetDependencyHealthy("storage", false)
	m.RecordValidation("services", "pass")

	assert.Equal(t, int64(3), m.Transitions())
	assert.Equal(t, int64(2), m.TransitionsInState("Managed"))
	assert.Equal(t, int64(1), m.Probes())
	assert.Equal(t, int64(1), m.RecoveryAttempts())
	assert.Equal(t, int64(2), m.Hazards())
	assert.Equal(t, int64(1), m.Validations())

	healthy, ok := m.DependencyHealthy("storage")
	assert.True(t, ok)
	assert.False(t, healthy)
}

func TestPrometheusRecorder_RegisterAndExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusRecorder()
	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg), "second Register is a no-op")

	m.RecordTransition("alpha", "Managed")
	m.SetDependencyHealthy("storage", true)
	m.SetHazards(1)
	m.RecordValidation("services", "fail")
	m.RecordValidation("services", "fail")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("alpha", "Managed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dependency.WithLabelValues("storage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hazards))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.validationTests.WithLabelValues("services", "fail")))
}

func TestOrNoOp(t *testing.T) {
	assert.NotNil(t, OrNoOp(nil))
	p := NewPrometheusRecorder()
	assert.Same(t, p, OrNoOp(p))
}
