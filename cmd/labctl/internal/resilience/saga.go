// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience runs multi-step transitions with compensation.
//
// A Saga executes steps in order. When a step fails, completed steps are
// compensated in reverse order, except for steps before the most recent
// commit point: once a step marked Commit has succeeded, everything up to
// and including it is permanent and is never undone automatically.
//
// Migrations use this to guarantee that a legacy service is restarted if
// its snapshot fails, while a failure after the snapshot leaves the host as
// it is for the operator to roll back explicitly.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// ErrStepTimeout is returned when a step exceeds its timeout.
var ErrStepTimeout = errors.New("step timed out")

// Executor runs a sequence of steps.
type Executor interface {
	AddStep(step Step)
	Execute(ctx context.Context) error
	CompletedSteps() []string
}

// Step is one unit of work in a Saga.
type Step struct {
	// Name identifies the step in logs and errors.
	Name string

	// Execute performs the step.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. Nil means nothing to undo.
	Compensate func(ctx context.Context) error

	// Timeout bounds Execute. Zero uses Config.StepTimeout.
	Timeout time.Duration

	// Commit makes this and every earlier step permanent once it succeeds.
	Commit bool
}

// Config configures a Saga.
type Config struct {
	StepTimeout         time.Duration
	CompensationTimeout time.Duration
	Logger              *slog.Logger

	OnStepStart    func(step Step)
	OnStepComplete func(step Step, duration time.Duration)
	OnStepFail     func(step Step, err error)
	OnCompensate   func(step Step, err error)
}

// DefaultConfig returns the default step and compensation timeouts.
func DefaultConfig() Config {
	return Config{
		StepTimeout:         60 * time.Second,
		CompensationTimeout: 30 * time.Second,
		Logger:              slog.Default(),
	}
}

// StepError describes a failed Saga run.
type StepError struct {
	// Step is the name of the step that failed.
	Step string

	// Err is the step's error.
	Err error

	// Compensated lists the steps that were undone, in undo order.
	Compensated []string

	// CompensationErrors holds undo failures by step name.
	CompensationErrors map[string]error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	if len(e.CompensationErrors) > 0 {
		msg += fmt.Sprintf(" (%d compensation errors)", len(e.CompensationErrors))
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Saga is the default Executor.
//
// # Thread Safety
//
// Execute holds the Saga's lock for the whole run; a Saga is meant to be
// built, executed once, and discarded.
type Saga struct {
	config    Config
	steps     []Step
	completed []Step
	mu        sync.Mutex
}

// New creates an empty Saga.
func New(config Config) *Saga {
	if config.StepTimeout <= 0 {
		config.StepTimeout = 60 * time.Second
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Saga{config: config}
}

// AddStep appends a step.
func (s *Saga) AddStep(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Execute runs every step in order.
//
// # Outputs
//
//   - error: nil when all steps succeed; *StepError otherwise
func (s *Saga) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = s.completed[:0]
	var pending []Step

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return s.fail(step, fmt.Errorf("cancelled: %w", err), pending)
		}

		timeout := step.Timeout
		if timeout <= 0 {
			timeout = s.config.StepTimeout
		}
		if err := s.executeStep(ctx, step, timeout); err != nil {
			if s.config.OnStepFail != nil {
				s.config.OnStepFail(step, err)
			}
			return s.fail(step, err, pending)
		}

		s.completed = append(s.completed, step)
		if step.Commit {
			s.config.Logger.Debug("saga commit point reached", "step", step.Name)
			pending = pending[:0]
		} else {
			pending = append(pending, step)
		}
	}
	return nil
}

func (s *Saga) executeStep(ctx context.Context, step Step, timeout time.Duration) error {
	if s.config.OnStepStart != nil {
		s.config.OnStepStart(step)
	}
	s.config.Logger.Info("executing step", "step", step.Name)
	start := time.Now()

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- util.CallSafely(func() error { return step.Execute(stepCtx) })
	}()

	select {
	case err := <-done:
		duration := time.Since(start)
		if err != nil {
			s.config.Logger.Error("step failed", "step", step.Name, "duration", duration, "error", err)
			return err
		}
		s.config.Logger.Info("step completed", "step", step.Name, "duration", duration)
		if s.config.OnStepComplete != nil {
			s.config.OnStepComplete(step, duration)
		}
		return nil
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v", ErrStepTimeout, timeout)
	}
}

// fail compensates pending steps in reverse and builds the StepError.
func (s *Saga) fail(step Step, err error, pending []Step) error {
	stepErr := &StepError{Step: step.Name, Err: err}
	if len(pending) == 0 {
		return stepErr
	}

	s.config.Logger.Info("compensating completed steps", "count", len(pending))
	compensateCtx, cancel := context.WithTimeout(context.Background(),
		s.config.CompensationTimeout*time.Duration(len(pending)))
	defer cancel()

	for i := len(pending) - 1; i >= 0; i-- {
		p := pending[i]
		if p.Compensate == nil {
			continue
		}
		stepCtx, stepCancel := context.WithTimeout(compensateCtx, s.config.CompensationTimeout)
		cerr := util.CallSafely(func() error { return p.Compensate(stepCtx) })
		stepCancel()

		if cerr != nil {
			s.config.Logger.Warn("compensation failed", "step", p.Name, "error", cerr)
			if stepErr.CompensationErrors == nil {
				stepErr.CompensationErrors = make(map[string]error)
			}
			stepErr.CompensationErrors[p.Name] = cerr
		} else {
			s.config.Logger.Info("compensated step", "step", p.Name)
			stepErr.Compensated = append(stepErr.Compensated, p.Name)
		}
		if s.config.OnCompensate != nil {
			s.config.OnCompensate(p, cerr)
		}
	}
	return stepErr
}

// CompletedSteps returns the names of steps that succeeded in the last run.
func (s *Saga) CompletedSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.completed))
	for i, step := range s.completed {
		names[i] = step.Name
	}
	return names
}

var (
	_ Executor = (*Saga)(nil)
	_ error    = (*StepError)(nil)
)
