// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Command Error Type
// =============================================================================

// CommandError wraps a failed external command with its stderr context.
//
// # Description
//
// Every collaborator that labctl drives through command invocation
// (systemctl, journalctl, mount, restic) reports failures as a CommandError
// so callers can log the exact command, its exit code, and what it printed.
//
// # Thread Safety
//
// CommandError is immutable after creation and safe for concurrent reads.
//
// # Example
//
//	err := NewCommandError("systemctl stop alpha.service", 1, "Unit not loaded", runErr)
//	fmt.Println(err) // "systemctl stop alpha.service (exit 1): Unit not loaded"
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the trimmed standard error output.
	Stderr string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error returns "<command> (exit N): <stderr or wrapped error>".
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap enables errors.Is and errors.As through the wrapped error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr reports whether the command printed anything on stderr.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

var _ error = (*CommandError)(nil)

// NewCommandError creates a CommandError, trimming stderr.
//
// # Inputs
//
//   - cmd: The command line that failed
//   - exitCode: Process exit code, -1 when the process never ran
//   - stderr: Raw stderr output
//   - wrapped: Underlying error from os/exec, may be nil
//
// # Outputs
//
//   - *CommandError: Never nil
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// CommandLine joins a program and its arguments for error messages and logs.
func CommandLine(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// ExtractStderr returns the stderr of the first CommandError in err's chain.
//
// Returns "" if err is nil or carries no CommandError.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}
