// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnitFailed is returned when systemd reports a start or stop job
	// did not complete.
	ErrUnitFailed = errors.New("unit job failed")

	// ErrTimeout is returned when a start or stop exceeds its bound.
	ErrTimeout = errors.New("unit operation timed out")
)

// =============================================================================
// Types
// =============================================================================

// Ref identifies one unit form of one service.
type Ref struct {
	// Service is the registry name of the service.
	Service string

	// Unit is the systemd unit name, e.g. "alpha.service".
	Unit string
}

// String returns the unit name.
func (r Ref) String() string {
	return r.Unit
}

// Controller starts, stops, and inspects service units.
//
// # Description
//
// Any error from a Controller method is an immediate step failure for the
// caller. Start and Stop block until systemd reports the job finished or the
// bound expires; an expired bound is ErrTimeout, never success.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the conflict detector
// queries IsActive while a migration may be starting units.
type Controller interface {
	// IsActive reports whether the unit is loaded and active.
	IsActive(ctx context.Context, ref Ref) (bool, error)

	// Start starts the unit and waits for the job to complete.
	Start(ctx context.Context, ref Ref) error

	// Stop stops the unit, waiting at most grace.
	Stop(ctx context.Context, ref Ref, grace time.Duration) error

	// Enable unmasks and enables the unit.
	Enable(ctx context.Context, ref Ref) error

	// Disable disables and masks the unit so nothing else can start it.
	Disable(ctx context.Context, ref Ref) error
}

// Restart stops then starts ref.
//
// Used by the dependency monitor after a storage recovery. A unit that is
// not active is simply started.
func Restart(ctx context.Context, c Controller, ref Ref, grace time.Duration) error {
	active, err := c.IsActive(ctx, ref)
	if err != nil {
		return fmt.Errorf("query %s: %w", ref, err)
	}
	if active {
		if err := c.Stop(ctx, ref, grace); err != nil {
			return fmt.Errorf("stop %s: %w", ref, err)
		}
	}
	if err := c.Start(ctx, ref); err != nil {
		return fmt.Errorf("start %s: %w", ref, err)
	}
	return nil
}

// boundedContext returns ctx limited to d, mapping a zero d to fallback.
func boundedContext(ctx context.Context, d, fallback time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = fallback
	}
	return context.WithTimeout(ctx, d)
}

// timeoutError converts a context deadline into ErrTimeout for ref.
func timeoutError(op string, ref Ref, bound time.Duration) error {
	return fmt.Errorf("%w: %s %s after %s", ErrTimeout, op, ref, bound)
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockController is an in-memory Controller for tests.
//
// # Description
//
// Active holds the simulated active state per unit. Start and Stop flip it
// unless the matching Func returns an error. Every call is recorded.
type MockController struct {
	IsActiveFunc func(ctx context.Context, ref Ref) (bool, error)
	StartFunc    func(ctx context.Context, ref Ref) error
	StopFunc     func(ctx context.Context, ref Ref, grace time.Duration) error
	EnableFunc   func(ctx context.Context, ref Ref) error
	DisableFunc  func(ctx context.Context, ref Ref) error

	// Active is the simulated state, keyed by unit name.
	Active map[string]bool

	// Disabled records units currently disabled/masked.
	Disabled map[string]bool

	// Calls records "Method unit" strings in order.
	Calls []string

	mu sync.Mutex
}

// NewMockController creates a MockController with the given units active.
func NewMockController(activeUnits ...string) *MockController {
	m := &MockController{
		Active:   make(map[string]bool),
		Disabled: make(map[string]bool),
	}
	for _, u := range activeUnits {
		m.Active[u] = true
	}
	return m
}

func (m *MockController) record(method string, ref Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, method+" "+ref.Unit)
}

// IsActive returns IsActiveFunc's answer or the simulated state.
func (m *MockController) IsActive(ctx context.Context, ref Ref) (bool, error) {
	m.record("IsActive", ref)
	if m.IsActiveFunc != nil {
		return m.IsActiveFunc(ctx, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Active[ref.Unit], nil
}

// Start marks the unit active unless StartFunc fails.
func (m *MockController) Start(ctx context.Context, ref Ref) error {
	m.record("Start", ref)
	if m.StartFunc != nil {
		if err := m.StartFunc(ctx, ref); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Active == nil {
		m.Active = make(map[string]bool)
	}
	m.Active[ref.Unit] = true
	return nil
}

// Stop marks the unit inactive unless StopFunc fails.
func (m *MockController) Stop(ctx context.Context, ref Ref, grace time.Duration) error {
	m.record("Stop", ref)
	if m.StopFunc != nil {
		if err := m.StopFunc(ctx, ref, grace); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Active != nil {
		m.Active[ref.Unit] = false
	}
	return nil
}

// Enable clears the disabled flag unless EnableFunc fails.
func (m *MockController) Enable(ctx context.Context, ref Ref) error {
	m.record("Enable", ref)
	if m.EnableFunc != nil {
		if err := m.EnableFunc(ctx, ref); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Disabled != nil {
		delete(m.Disabled, ref.Unit)
	}
	return nil
}

// Disable sets the disabled flag unless DisableFunc fails.
func (m *MockController) Disable(ctx context.Context, ref Ref) error {
	m.record("Disable", ref)
	if m.DisableFunc != nil {
		if err := m.DisableFunc(ctx, ref); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Disabled == nil {
		m.Disabled = make(map[string]bool)
	}
	m.Disabled[ref.Unit] = true
	return nil
}

// IsUnitActive reads the simulated state.
func (m *MockController) IsUnitActive(unit string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Active[unit]
}

// SetActive sets the simulated state.
func (m *MockController) SetActive(unit string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Active == nil {
		m.Active = make(map[string]bool)
	}
	m.Active[unit] = active
}

// GetCalls returns a copy of the recorded calls.
func (m *MockController) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// CountCalls returns how many recorded calls equal "method unit".
func (m *MockController) CountCalls(method, unit string) int {
	want := method + " " + unit
	n := 0
	for _, c := range m.GetCalls() {
		if c == want {
			n++
		}
	}
	return n
}

var _ Controller = (*MockController)(nil)
