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
	"log/slog"
	"time"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// SystemctlController drives units with the systemctl command.
//
// Used when the D-Bus socket is not reachable (containers, CI) or when the
// operator selects process.backend: systemctl.
type SystemctlController struct {
	runner       Runner
	startTimeout time.Duration
	logger       *slog.Logger
}

// NewSystemctlController creates a systemctl-backed Controller.
//
// # Inputs
//
//   - runner: Command runner; NewExecRunner() in production
//   - startTimeout: Bound for a start job; zero selects util.DefaultStartTimeout
//   - logger: Structured logger; nil selects slog.Default()
func NewSystemctlController(runner Runner, startTimeout time.Duration, logger *slog.Logger) *SystemctlController {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemctlController{
		runner:       runner,
		startTimeout: util.EnforceMinTimeout(util.EnforceDefaultTimeout(startTimeout, util.DefaultStartTimeout), util.MinProcessTimeout),
		logger:       logger.With("component", "systemctl"),
	}
}

// IsActive runs `systemctl is-active --quiet <unit>`.
//
// Exit 0 means active. Any other exit code from a process that ran means
// inactive. A process that could not run at all (exit -1) is an error.
func (s *SystemctlController) IsActive(ctx context.Context, ref Ref) (bool, error) {
	_, err := s.runner.Run(ctx, "systemctl", "is-active", "--quiet", ref.Unit)
	if err == nil {
		return true, nil
	}
	var cmdErr *util.CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return false, nil
	}
	return false, fmt.Errorf("is-active %s: %w", ref, err)
}

// Start runs `systemctl start <unit>` bounded by the start timeout.
func (s *SystemctlController) Start(ctx context.Context, ref Ref) error {
	ctx, cancel := boundedContext(ctx, s.startTimeout, util.DefaultStartTimeout)
	defer cancel()

	s.logger.Debug("starting unit", "unit", ref.Unit)
	if _, err := s.runner.Run(ctx, "systemctl", "start", ref.Unit); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timeoutError("start", ref, s.startTimeout)
		}
		return fmt.Errorf("%w: start %s: %w", ErrUnitFailed, ref, err)
	}
	return nil
}

// Stop runs `systemctl stop <unit>` bounded by grace.
func (s *SystemctlController) Stop(ctx context.Context, ref Ref, grace time.Duration) error {
	grace = util.EnforceMinTimeout(util.EnforceDefaultTimeout(grace, util.DefaultStopGracePeriod), util.MinProcessTimeout)
	ctx, cancel := boundedContext(ctx, grace, util.DefaultStopGracePeriod)
	defer cancel()

	s.logger.Debug("stopping unit", "unit", ref.Unit, "grace", grace)
	if _, err := s.runner.Run(ctx, "systemctl", "stop", ref.Unit); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timeoutError("stop", ref, grace)
		}
		return fmt.Errorf("%w: stop %s: %w", ErrUnitFailed, ref, err)
	}
	return nil
}

// Enable unmasks and enables the unit.
func (s *SystemctlController) Enable(ctx context.Context, ref Ref) error {
	if _, err := s.runner.Run(ctx, "systemctl", "unmask", ref.Unit); err != nil {
		return fmt.Errorf("unmask %s: %w", ref, err)
	}
	if _, err := s.runner.Run(ctx, "systemctl", "enable", ref.Unit); err != nil {
		return fmt.Errorf("enable %s: %w", ref, err)
	}
	return nil
}

// Disable disables and masks the unit.
func (s *SystemctlController) Disable(ctx context.Context, ref Ref) error {
	if _, err := s.runner.Run(ctx, "systemctl", "disable", ref.Unit); err != nil {
		return fmt.Errorf("disable %s: %w", ref, err)
	}
	if _, err := s.runner.Run(ctx, "systemctl", "mask", ref.Unit); err != nil {
		return fmt.Errorf("mask %s: %w", ref, err)
	}
	return nil
}

var _ Controller = (*SystemctlController)(nil)
