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
Package probe performs bounded-timeout health checks.

A probe is one HTTP GET against a service's health endpoint: any 2xx status
within the timeout is healthy, everything else (non-2xx, connection error,
timeout) is unhealthy. Dial is the TCP reachability check used for remote
dependencies. Neither keeps state between calls.
*/
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnhealthy is returned when the endpoint answered with a non-2xx status.
	ErrUnhealthy = errors.New("endpoint unhealthy")

	// ErrBlockedURL is returned for endpoints the prober refuses to contact.
	ErrBlockedURL = errors.New("probe URL blocked")
)

// =============================================================================
// Types
// =============================================================================

// Result is the outcome of one probe.
type Result struct {
	URL        string
	Healthy    bool
	StatusCode int
	Latency    time.Duration
	CheckedAt  time.Time

	// Err explains an unhealthy result; nil when healthy.
	Err error
}

// Error returns the failure text, or "" when healthy.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Prober checks endpoints.
type Prober interface {
	// Probe performs one GET against rawURL.
	Probe(ctx context.Context, rawURL string) Result

	// Dial opens and closes a TCP connection to addr.
	Dial(ctx context.Context, addr string) error
}

// HTTPClient is the subset of *http.Client used by HTTPProber.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures an HTTPProber.
type Config struct {
	// Timeout bounds each probe. Raised to util.MinProbeTimeout.
	Timeout time.Duration

	// DialTimeout bounds each reachability dial. Raised to util.MinDialTimeout.
	DialTimeout time.Duration

	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// DefaultConfig returns the production probe settings.
func DefaultConfig() Config {
	return Config{
		Timeout:     util.DefaultProbeTimeout,
		DialTimeout: util.DefaultDialTimeout,
	}
}

// =============================================================================
// Implementation
// =============================================================================

// HTTPProber is the production Prober.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPProber struct {
	client      HTTPClient
	timeout     time.Duration
	dialTimeout time.Duration
	metrics     metrics.Recorder
	logger      *slog.Logger
	dialer      net.Dialer
}

// New creates an HTTPProber. A nil client selects a fresh *http.Client
// without redirects to non-local hosts.
func New(config Config, client HTTPClient) *HTTPProber {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return http.ErrUseLastResponse
				}
				return checkURL(req.URL)
			},
		}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &HTTPProber{
		client:      client,
		timeout:     util.EnforceMinTimeout(util.EnforceDefaultTimeout(config.Timeout, util.DefaultProbeTimeout), util.MinProbeTimeout),
		dialTimeout: util.EnforceMinTimeout(util.EnforceDefaultTimeout(config.DialTimeout, util.DefaultDialTimeout), util.MinDialTimeout),
		metrics:     metrics.OrNoOp(config.Metrics),
		logger:      config.Logger.With("component", "probe"),
	}
}

// Probe performs one GET bounded by the configured timeout.
//
// # Description
//
// The body is drained (up to 64 KiB) and discarded so keep-alive
// connections are reused across the readiness poll. A timeout is reported
// as unhealthy with the context error.
func (p *HTTPProber) Probe(ctx context.Context, rawURL string) (res Result) {
	start := time.Now()
	res = Result{URL: rawURL, CheckedAt: start}
	defer func() {
		res.Latency = time.Since(start)
		p.metrics.RecordProbe(res.Healthy, res.Latency)
	}()

	parsed, err := url.Parse(rawURL)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrBlockedURL, err)
		return res
	}
	if err := checkURL(parsed); err != nil {
		res.Err = err
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		res.Err = err
		return res
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("probe timed out after %s: %w", p.timeout, ctx.Err())
		}
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	res.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
		return res
	}
	res.Healthy = true
	return res
}

// Dial checks TCP reachability of addr within the dial timeout.
func (p *HTTPProber) Dial(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn.Close()
}

// checkURL rejects schemes other than http(s) and link-local targets
// such as cloud metadata endpoints.
func checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlockedURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: no host", ErrBlockedURL)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("%w: link-local or unspecified address %s", ErrBlockedURL, host)
	}
	return nil
}

// =============================================================================
// Readiness Polling
// =============================================================================

// AwaitHealthy probes rawURL until it is healthy or the policy is used up.
//
// # Outputs
//
//   - int: Number of probes performed
//   - error: nil on the first healthy probe; wraps util.ErrRetryExhausted
//     and the last probe's failure otherwise
func AwaitHealthy(ctx context.Context, p Prober, rawURL string, policy util.RetryPolicy) (int, error) {
	attempts := 0
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		res := p.Probe(ctx, rawURL)
		if errors.Is(res.Err, ErrBlockedURL) {
			return util.Permanent(res.Err)
		}
		if !res.Healthy {
			if res.Err == nil {
				return ErrUnhealthy
			}
			return res.Err
		}
		return nil
	})
	return attempts, err
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockProber answers from ProbeFunc and DialFunc and counts calls per target.
//
// A nil ProbeFunc reports every URL healthy; a nil DialFunc succeeds.
type MockProber struct {
	ProbeFunc func(ctx context.Context, rawURL string) Result
	DialFunc  func(ctx context.Context, addr string) error

	mu     sync.Mutex
	probes map[string]int
	dials  map[string]int
}

func (m *MockProber) Probe(ctx context.Context, rawURL string) Result {
	m.mu.Lock()
	if m.probes == nil {
		m.probes = make(map[string]int)
	}
	m.probes[rawURL]++
	fn := m.ProbeFunc
	m.mu.Unlock()

	if fn == nil {
		return Result{URL: rawURL, Healthy: true, StatusCode: http.StatusOK, CheckedAt: time.Now()}
	}
	return fn(ctx, rawURL)
}

func (m *MockProber) Dial(ctx context.Context, addr string) error {
	m.mu.Lock()
	if m.dials == nil {
		m.dials = make(map[string]int)
	}
	m.dials[addr]++
	fn := m.DialFunc
	m.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, addr)
}

// ProbeCount returns how many times rawURL was probed.
func (m *MockProber) ProbeCount(rawURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes[rawURL]
}

// TotalProbes returns the number of probes across all URLs.
func (m *MockProber) TotalProbes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.probes {
		n += c
	}
	return n
}

// DialCount returns how many times addr was dialed.
func (m *MockProber) DialCount(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials[addr]
}

// HealthyAfter returns a ProbeFunc that fails n-1 times per URL and then succeeds.
func HealthyAfter(n int) func(ctx context.Context, rawURL string) Result {
	var mu sync.Mutex
	seen := make(map[string]int)
	return func(ctx context.Context, rawURL string) Result {
		mu.Lock()
		seen[rawURL]++
		count := seen[rawURL]
		mu.Unlock()
		if count >= n {
			return Result{URL: rawURL, Healthy: true, StatusCode: http.StatusOK}
		}
		return Result{URL: rawURL, StatusCode: http.StatusServiceUnavailable, Err: fmt.Errorf("%w: status 503", ErrUnhealthy)}
	}
}

// NeverHealthy is a ProbeFunc that always fails.
func NeverHealthy(ctx context.Context, rawURL string) Result {
	return Result{URL: rawURL, Err: errors.New("connection refused")}
}

var (
	_ Prober = (*HTTPProber)(nil)
	_ Prober = (*MockProber)(nil)
)
