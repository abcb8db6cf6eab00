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
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Runner executes external commands.
//
// # Description
//
// All command invocation in labctl (systemctl, journalctl, mount, umount,
// restic) goes through a Runner so tests can substitute MockRunner and never
// start real processes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Runner interface {
	// Run executes name with args and returns stdout.
	// A non-zero exit is returned as *util.CommandError.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunWithEnv is Run with extra environment variables (KEY=VALUE).
	RunWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// =============================================================================
// Default Implementation
// =============================================================================

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command and returns its stdout.
//
// # Outputs
//
//   - []byte: Captured stdout (also returned alongside a CommandError)
//   - error: *util.CommandError carrying exit code and stderr on failure
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.RunWithEnv(ctx, nil, name, args...)
}

// RunWithEnv executes the command with env appended to the inherited environment.
func (r *ExecRunner) RunWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return stdout.Bytes(), util.NewCommandError(util.CommandLine(name, args...), exitCode, stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockRunner records invocations and delegates to RunFunc.
type MockRunner struct {
	RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

	// Calls records every invocation in order.
	Calls []RunnerCall

	mu sync.Mutex
}

// RunnerCall is one recorded MockRunner invocation.
type RunnerCall struct {
	Name string
	Args []string
	Env  []string
}

// Line returns the call as a single command line.
func (c RunnerCall) Line() string {
	return util.CommandLine(c.Name, c.Args...)
}

// Run records the call and invokes RunFunc. A nil RunFunc succeeds with no output.
func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return m.RunWithEnv(ctx, nil, name, args...)
}

// RunWithEnv records the call, including env, and invokes RunFunc.
func (m *MockRunner) RunWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, RunnerCall{Name: name, Args: args, Env: env})
	fn := m.RunFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, name, args...)
}

// GetCalls returns a copy of the recorded calls.
func (m *MockRunner) GetCalls() []RunnerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]RunnerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Lines returns every recorded call as a command line.
func (m *MockRunner) Lines() []string {
	calls := m.GetCalls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.Line()
	}
	return lines
}

var (
	_ Runner = (*ExecRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)
