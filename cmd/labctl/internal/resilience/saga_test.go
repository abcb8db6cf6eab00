// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trace struct{ events []string }

func (tr *trace) step(name string, err error) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context) error {
			tr.events = append(tr.events, "do "+name)
			return err
		},
		Compensate: func(ctx context.Context) error {
			tr.events = append(tr.events, "undo "+name)
			return nil
		},
	}
}

func TestSaga_AllSucceed(t *testing.T) {
	tr := &trace{}
	s := New(DefaultConfig())
	s.AddStep(tr.step("a", nil))
	s.AddStep(tr.step("b", nil))

	require.NoError(t, s.Execute(context.Background()))
	assert.Equal(t, []string{"do a", "do b"}, tr.events)
	assert.Equal(t, []string{"a", "b"}, s.CompletedSteps())
}

func TestSaga_FailureCompensatesInReverse(t *testing.T) {
	tr := &trace{}
	boom := errors.New("boom")
	s := New(DefaultConfig())
	s.AddStep(tr.step("stop-legacy", nil))
	s.AddStep(tr.step("mark", nil))
	s.AddStep(tr.step("snapshot", boom))

	err := s.Execute(context.Background())

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "snapshot", stepErr.Step)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"mark", "stop-legacy"}, stepErr.Compensated)
	assert.Equal(t, []string{"do stop-legacy", "do mark", "do snapshot", "undo mark", "undo stop-legacy"}, tr.events)
}

// TestSaga_CommitPointStopsCompensation verifies steps before a commit are never undone.
func TestSaga_CommitPointStopsCompensation(t *testing.T) {
	tr := &trace{}
	s := New(DefaultConfig())
	s.AddStep(tr.step("stop-legacy", nil))
	snapshot := tr.step("snapshot", nil)
	snapshot.Commit = true
	s.AddStep(snapshot)
	s.AddStep(tr.step("start-managed", nil))
	s.AddStep(tr.step("await-ready", errors.New("never healthy")))

	err := s.Execute(context.Background())

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, []string{"start-managed"}, stepErr.Compensated)
	assert.NotContains(t, tr.events, "undo stop-legacy")
	assert.NotContains(t, tr.events, "undo snapshot")
}

func TestSaga_StepTimeout(t *testing.T) {
	s := New(Config{StepTimeout: 20 * time.Millisecond})
	s.AddStep(Step{Name: "hang", Execute: func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil
	}})

	err := s.Execute(context.Background())
	assert.ErrorIs(t, err, ErrStepTimeout)
}

func TestSaga_PanicBecomesFailure(t *testing.T) {
	tr := &trace{}
	s := New(DefaultConfig())
	s.AddStep(tr.step("first", nil))
	s.AddStep(Step{Name: "explode", Execute: func(ctx context.Context) error { panic("bad step") }})

	err := s.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, tr.events, "undo first")
}

func TestSaga_CompensationErrorsRecorded(t *testing.T) {
	s := New(DefaultConfig())
	s.AddStep(Step{
		Name:       "stop",
		Execute:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error { return errors.New("restart failed") },
	})
	s.AddStep(Step{Name: "fail", Execute: func(ctx context.Context) error { return errors.New("x") }})

	err := s.Execute(context.Background())
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	require.Contains(t, stepErr.CompensationErrors, "stop")
	assert.Contains(t, err.Error(), "1 compensation errors")
}

func TestSaga_Hooks(t *testing.T) {
	var started, completed, failed []string
	s := New(Config{
		OnStepStart:    func(step Step) { started = append(started, step.Name) },
		OnStepComplete: func(step Step, d time.Duration) { completed = append(completed, step.Name) },
		OnStepFail:     func(step Step, err error) { failed = append(failed, step.Name) },
	})
	s.AddStep(Step{Name: "ok", Execute: func(ctx context.Context) error { return nil }})
	s.AddStep(Step{Name: "bad", Execute: func(ctx context.Context) error { return errors.New("x") }})

	_ = s.Execute(context.Background())
	assert.Equal(t, []string{"ok", "bad"}, started)
	assert.Equal(t, []string{"ok"}, completed)
	assert.Equal(t, []string{"bad"}, failed)
}
