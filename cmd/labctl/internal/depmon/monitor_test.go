// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package depmon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/migration"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/probe"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/registry"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/status"
)

const mountUnit = "mnt-nas.mount"

type env struct {
	mountPoint string
	mounts     *MockMountTable
	procs      *process.MockController
	prober     *probe.MockProber
	runner     *process.MockRunner
	store      *migration.FileStore
	status     *status.Registry
	metrics    *metrics.NoOpRecorder
	unmounts   []string
	deps       Deps
	dep        registry.DependencyDescriptor
}

func newEnv(t *testing.T, unit string) *env {
	t.Helper()
	dir := t.TempDir()
	mp := filepath.Join(dir, "nas")
	require.NoError(t, os.MkdirAll(mp, 0o755))

	reg, err := registry.New([]registry.ServiceDescriptor{
		{Name: "alpha", Port: 8080, DependsOn: []string{"storage"}},
		{Name: "beta", Port: 9000, DependsOn: []string{"storage", "alpha"}},
		{Name: "gamma", Port: 9100},
	}, []registry.DependencyDescriptor{
		{Name: "storage", MountPoint: mp, RemoteHost: "10.0.0.5", MountUnit: unit},
	})
	require.NoError(t, err)
	dep, ok := reg.Dependency("storage")
	require.True(t, ok)

	e := &env{
		mountPoint: mp,
		mounts:     &MockMountTable{},
		procs:      process.NewMockController("alpha.service", "beta.service", "gamma.service"),
		prober:     &probe.MockProber{},
		runner:     &process.MockRunner{},
		store:      migration.NewFileStore(filepath.Join(dir, "migrations.json")),
		status:     status.NewRegistry(filepath.Join(dir, "status.json"), nil),
		metrics:    metrics.NewNoOpRecorder(),
		dep:        dep,
	}
	e.deps = Deps{
		Registry:  reg,
		Prober:    e.prober,
		Processes: e.procs,
		Runner:    e.runner,
		Mounts:    e.mounts,
		Records:   e.store,
		Status:    e.status,
		Unmount: func(mountPoint string) error {
			e.unmounts = append(e.unmounts, mountPoint)
			return nil
		},
	}
	return e
}

func (e *env) monitor() *Monitor {
	return NewMonitor(Config{
		ReachabilityAttempts: 3,
		ReachabilityInterval: time.Millisecond,
		Metrics:              e.metrics,
	}, e.deps, e.dep)
}

func TestCheck_Healthy(t *testing.T) {
	e := newEnv(t, mountUnit)
	e.mounts.Set(e.mountPoint, true)

	s := e.monitor().Check(context.Background())
	assert.True(t, s.Healthy(), s.LastError)
	assert.Equal(t, 1, e.prober.DialCount("10.0.0.5:2049"))

	entries, err := os.ReadDir(e.mountPoint)
	require.NoError(t, err)
	assert.Empty(t, entries, "test file must be removed")
}

func TestCheck_UnmountedSkipsWriteTest(t *testing.T) {
	e := newEnv(t, mountUnit)

	s := e.monitor().Check(context.Background())
	assert.False(t, s.Mounted)
	assert.True(t, s.Reachable)
	assert.False(t, s.Writable)
	assert.Contains(t, s.LastError, "not mounted")
}

func TestCheck_Unreachable(t *testing.T) {
	e := newEnv(t, mountUnit)
	e.mounts.Set(e.mountPoint, true)
	e.prober.DialFunc = func(ctx context.Context, addr string) error {
		return errors.New("no route to host")
	}

	s := e.monitor().Check(context.Background())
	assert.True(t, s.Mounted)
	assert.False(t, s.Reachable)
	assert.True(t, s.Writable)
	assert.False(t, s.Healthy())
}

// TestTick_RecoveryRestartsDependents: three consecutive failures trigger
// one recovery that succeeds; counters reset and each dependent restarts once.
func TestTick_RecoveryRestartsDependents(t *testing.T) {
	e := newEnv(t, mountUnit)
	e.procs.StartFunc = func(ctx context.Context, ref process.Ref) error {
		if ref.Unit == mountUnit {
			e.mounts.Set(e.mountPoint, true)
		}
		return nil
	}
	m := e.monitor()

	m.Tick(context.Background())
	m.Tick(context.Background())
	assert.Equal(t, 2, m.State().ConsecutiveFailures)
	assert.Zero(t, e.procs.CountCalls("Start", mountUnit))

	m.Tick(context.Background())

	s := m.State()
	assert.True(t, s.Healthy(), s.LastError)
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Equal(t, 0, s.RecoveryAttempts)
	assert.Equal(t, 1, e.procs.CountCalls("Start", mountUnit))

	assert.Equal(t, 1, e.procs.CountCalls("Start", "alpha.service"))
	assert.Equal(t, 1, e.procs.CountCalls("Start", "beta.service"))
	assert.Zero(t, e.procs.CountCalls("Start", "gamma.service"))
	assert.Equal(t, int64(1), e.metrics.RecoveryAttempts())

	doc, err := status.Read(e.status.Path())
	require.NoError(t, err)
	assert.True(t, doc.Dependencies["storage"].Healthy())
}

// TestTick_RecoveryBounded never lets recovery run more than
// MaxRecoveryAttempts times between healthy checks.
func TestTick_RecoveryBounded(t *testing.T) {
	e := newEnv(t, mountUnit)
	e.procs.StartFunc = func(ctx context.Context, ref process.Ref) error {
		if ref.Unit == mountUnit {
			return process.ErrUnitFailed
		}
		return nil
	}
	m := e.monitor()

	for i := 0; i < 10; i++ {
		m.Tick(context.Background())
	}

	s := m.State()
	assert.Equal(t, 3, e.procs.CountCalls("Start", mountUnit))
	assert.Equal(t, 3, s.RecoveryAttempts)
	assert.True(t, s.RecoveryExhausted)
	assert.Equal(t, 10, s.ConsecutiveFailures)
	assert.Zero(t, e.procs.CountCalls("Start", "alpha.service"))

	// A healthy check resets the budget.
	e.mounts.Set(e.mountPoint, true)
	m.Tick(context.Background())
	s = m.State()
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Equal(t, 0, s.RecoveryAttempts)
	assert.False(t, s.RecoveryExhausted)
}

func TestTick_StaleMountIsForceUnmounted(t *testing.T) {
	e := newEnv(t, "")
	e.mounts.Set(e.mountPoint, true)
	e.prober.DialFunc = func(ctx context.Context, addr string) error {
		return errors.New("timeout")
	}
	m := NewMonitor(Config{MaxFailures: 1, ReachabilityAttempts: 2, ReachabilityInterval: time.Millisecond}, e.deps, e.dep)

	m.Tick(context.Background())

	assert.Equal(t, []string{e.mountPoint}, e.unmounts)
	assert.Equal(t, 1, m.State().RecoveryAttempts)
	assert.Contains(t, m.State().LastError, "dependency recovery failed")
	// 1 check + 2 reachability attempts.
	assert.Equal(t, 3, e.prober.DialCount("10.0.0.5:2049"))
	assert.Empty(t, e.runner.GetCalls())
}

func TestTick_RemountWithoutUnitUsesMountCommand(t *testing.T) {
	e := newEnv(t, "")
	e.runner.RunFunc = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name == "mount" {
			e.mounts.Set(e.mountPoint, true)
		}
		return nil, nil
	}
	m := NewMonitor(Config{MaxFailures: 1, ReachabilityInterval: time.Millisecond}, e.deps, e.dep)

	m.Tick(context.Background())

	assert.True(t, m.State().Healthy())
	require.Len(t, e.runner.GetCalls(), 1)
	assert.Equal(t, "mount "+e.mountPoint, e.runner.GetCalls()[0].Line())
}

func TestTick_RestartsManagedFormWhenMigrated(t *testing.T) {
	e := newEnv(t, mountUnit)
	require.NoError(t, e.store.Append(migration.Record{ID: "1", Service: "alpha", State: migration.StateManaged, Attempt: 1}))
	e.procs.SetActive("podman-alpha.service", true)
	e.procs.StartFunc = func(ctx context.Context, ref process.Ref) error {
		if ref.Unit == mountUnit {
			e.mounts.Set(e.mountPoint, true)
		}
		return nil
	}
	m := NewMonitor(Config{MaxFailures: 1, ReachabilityInterval: time.Millisecond}, e.deps, e.dep)

	m.Tick(context.Background())

	assert.Equal(t, 1, e.procs.CountCalls("Start", "podman-alpha.service"))
	assert.Zero(t, e.procs.CountCalls("Start", "alpha.service"))
	assert.Equal(t, 1, e.procs.CountCalls("Start", "beta.service"))
}

func TestNewMonitor_ResumesCounters(t *testing.T) {
	e := newEnv(t, mountUnit)
	e.status.SetDependency("storage", status.DependencyState{ConsecutiveFailures: 7, RecoveryAttempts: 3, RecoveryExhausted: true})

	m := e.monitor()
	m.Tick(context.Background())

	assert.Zero(t, e.procs.CountCalls("Start", mountUnit))
	assert.Equal(t, 8, m.State().ConsecutiveFailures)
}

func TestWriteTest_Errors(t *testing.T) {
	err := writeTest(context.Background(), filepath.Join(t.TempDir(), "missing"), "check", time.Second)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = writeTest(ctx, t.TempDir(), "check", time.Second)
	if err != nil {
		assert.ErrorIs(t, err, ErrWriteTimeout)
	}
}

// TestTick_CancelledContextDoesNotCount: a tick interrupted by shutdown must
// leave counters, the mount, and the status document untouched.
func TestTick_CancelledContextDoesNotCount(t *testing.T) {
	e := newEnv(t, mountUnit)
	e.mounts.Set(e.mountPoint, true)
	e.prober.DialFunc = func(ctx context.Context, addr string) error {
		return ctx.Err()
	}
	e.status.SetDependency("storage", status.DependencyState{Mounted: true, Reachable: true, Writable: true, ConsecutiveFailures: 2})
	require.NoError(t, e.status.Flush())
	m := e.monitor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Tick(ctx)

	s := m.State()
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.Zero(t, s.RecoveryAttempts)
	assert.Empty(t, e.unmounts)
	assert.Zero(t, e.procs.CountCalls("Start", mountUnit))
	assert.Zero(t, e.metrics.RecoveryAttempts())

	doc, err := status.Read(e.status.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Dependencies["storage"].ConsecutiveFailures)
	assert.Zero(t, doc.Dependencies["storage"].RecoveryAttempts)
}

// TestTick_ShutdownDuringRecoveryNotCounted: cancellation while recovery
// waits for the remote host does not use up a recovery attempt.
func TestTick_ShutdownDuringRecoveryNotCounted(t *testing.T) {
	e := newEnv(t, mountUnit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.prober.DialFunc = func(dctx context.Context, addr string) error {
		if e.prober.DialCount(addr) > 1 {
			cancel()
		}
		return errors.New("no route to host")
	}
	m := NewMonitor(Config{MaxFailures: 1, ReachabilityAttempts: 5, ReachabilityInterval: time.Millisecond}, e.deps, e.dep)

	m.Tick(ctx)

	assert.Equal(t, 1, m.State().ConsecutiveFailures)
	assert.Zero(t, m.State().RecoveryAttempts)
	assert.Zero(t, e.procs.CountCalls("Start", mountUnit))
}

func TestRecover_CancelledContextDoesNotUnmount(t *testing.T) {
	e := newEnv(t, mountUnit)
	e.mounts.Set(e.mountPoint, true)
	m := e.monitor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Recover(ctx, status.DependencyState{Mounted: true})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, e.unmounts)
}

func TestCheck_ConcurrentWriteTests(t *testing.T) {
	e := newEnv(t, mountUnit)
	e.mounts.Set(e.mountPoint, true)
	m := e.monitor()

	var wg sync.WaitGroup
	results := make([]status.DependencyState, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.Check(context.Background())
		}()
	}
	wg.Wait()

	for _, s := range results {
		assert.True(t, s.Writable, s.LastError)
	}
	entries, err := os.ReadDir(e.mountPoint)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
