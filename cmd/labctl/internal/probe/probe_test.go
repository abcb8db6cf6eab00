// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

func TestHTTPProber_Probe_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := metrics.NewNoOpRecorder()
	p := New(Config{Metrics: rec}, nil)

	res := p.Probe(context.Background(), srv.URL+"/health")
	assert.True(t, res.Healthy)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(1), rec.Probes())
}

func TestHTTPProber_Probe_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := New(DefaultConfig(), nil).Probe(context.Background(), srv.URL)
	assert.False(t, res.Healthy)
	assert.ErrorIs(t, res.Err, ErrUnhealthy)
	assert.Contains(t, res.Error(), "503")
}

// TestHTTPProber_Probe_TimeoutIsUnhealthy verifies a hung endpoint is a failure.
func TestHTTPProber_Probe_TimeoutIsUnhealthy(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := New(Config{Timeout: time.Millisecond}, nil)
	start := time.Now()
	res := p.Probe(context.Background(), srv.URL)

	assert.False(t, res.Healthy)
	assert.Contains(t, res.Error(), "timed out")
	assert.GreaterOrEqual(t, time.Since(start), util.MinProbeTimeout)
}

func TestHTTPProber_Probe_Blocked(t *testing.T) {
	p := New(DefaultConfig(), nil)
	for _, u := range []string{
		"http://169.254.169.254/latest/meta-data",
		"file:///etc/passwd",
		"http:///nohost",
	} {
		res := p.Probe(context.Background(), u)
		assert.False(t, res.Healthy, u)
		assert.ErrorIs(t, res.Err, ErrBlockedURL, u)
	}
}

func TestHTTPProber_Dial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	p := New(DefaultConfig(), nil)
	assert.NoError(t, p.Dial(context.Background(), addr))

	require.NoError(t, ln.Close())
	assert.Error(t, p.Dial(context.Background(), addr))
}

func TestAwaitHealthy_SucceedsOnThirdAttempt(t *testing.T) {
	m := &MockProber{ProbeFunc: HealthyAfter(3)}
	attempts, err := AwaitHealthy(context.Background(), m, "http://127.0.0.1:8080/health",
		util.RetryPolicy{MaxAttempts: 30, Interval: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, m.ProbeCount("http://127.0.0.1:8080/health"))
}

func TestAwaitHealthy_Exhausted(t *testing.T) {
	m := &MockProber{ProbeFunc: NeverHealthy}
	attempts, err := AwaitHealthy(context.Background(), m, "http://127.0.0.1:8080/health",
		util.RetryPolicy{MaxAttempts: 5, Interval: time.Millisecond})

	assert.ErrorIs(t, err, util.ErrRetryExhausted)
	assert.Equal(t, 5, attempts)
}

func TestAwaitHealthy_BlockedStopsImmediately(t *testing.T) {
	p := New(DefaultConfig(), nil)
	attempts, err := AwaitHealthy(context.Background(), p, "http://169.254.169.254/",
		util.RetryPolicy{MaxAttempts: 5, Interval: time.Millisecond})

	assert.ErrorIs(t, err, ErrBlockedURL)
	assert.Equal(t, 1, attempts)
}
