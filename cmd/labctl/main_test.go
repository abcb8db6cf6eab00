// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orther/doomlab-sub000/cmd/labctl/config"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/depmon"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/migration"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/probe"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/status"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/validation"
)

// =============================================================================
// Test harness
// =============================================================================

const testConfig = `
process: {backend: systemctl}
migration: {poll_interval: 1ms, poll_attempts: 3}
daemon: {listen_addr: ""}
services:
  - name: alpha
    port: 8080
    health_path: /health
    data_path: %[1]s/data/alpha
    critical: true
  - name: beta
    port: 9000
    health_path: /health
    depends_on: [alpha]
dependencies:
  - name: storage
    mount_point: %[1]s/mnt
validation:
  integration:
    - {name: beta-reads-alpha, service: beta, requires: alpha, path: /api/alpha}
`

type testApp struct {
	*app
	dir    string
	procs  *process.MockController
	prober *probe.MockProber
	runner *process.MockRunner
	mounts *depmon.MockMountTable
}

func newTestApp(t *testing.T, activeUnits ...string) *testApp {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data", "alpha"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "alpha", "db.sqlite"), []byte("rows"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mnt"), 0o755))

	cfg, err := config.Parse([]byte(fmt.Sprintf(testConfig, dir)))
	require.NoError(t, err)
	cfg.StateDir = filepath.Join(dir, "state")

	ta := &testApp{
		dir:    dir,
		procs:  process.NewMockController(activeUnits...),
		prober: &probe.MockProber{},
		runner: &process.MockRunner{},
		mounts: &depmon.MockMountTable{},
	}
	ta.mounts.Set(filepath.Join(dir, "mnt"), true)

	ta.app, err = newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), appOptions{
		Metrics:   metrics.NewNoOpRecorder(),
		Runner:    ta.runner,
		Processes: ta.procs,
		Prober:    ta.prober,
		Mounts:    ta.mounts,
		Unmount:   func(string) error { return nil },
	})
	require.NoError(t, err)
	return ta
}

func textOutput() (OutputConfig, *bytes.Buffer) {
	var buf bytes.Buffer
	return OutputConfig{Out: &buf, Err: &buf}, &buf
}

func jsonOutputTo() (OutputConfig, *bytes.Buffer) {
	var buf bytes.Buffer
	return OutputConfig{JSON: true, Out: &buf, Err: &buf}, &buf
}

// decodeResult parses the JSON envelope and decodes Data into v.
func decodeResult(t *testing.T, buf *bytes.Buffer, v any) CommandResult {
	t.Helper()
	var env struct {
		CommandResult
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env), buf.String())
	if v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return env.CommandResult
}

func unhealthy(urls ...string) func(ctx context.Context, rawURL string) probe.Result {
	down := make(map[string]bool)
	for _, u := range urls {
		down[u] = true
	}
	return func(ctx context.Context, rawURL string) probe.Result {
		if down[rawURL] {
			return probe.NeverHealthy(ctx, rawURL)
		}
		return probe.Result{URL: rawURL, Healthy: true, StatusCode: 200, CheckedAt: time.Now()}
	}
}

// =============================================================================
// Output
// =============================================================================

func TestOutputResult_ExitCodes(t *testing.T) {
	out, buf := jsonOutputTo()
	assert.Equal(t, CLIExitSuccess, OutputResult(out, "x", time.Now(), 1, nil, false, nil))
	res := decodeResult(t, buf, nil)
	assert.True(t, res.Success)
	assert.Equal(t, "x", res.Command)

	buf.Reset()
	assert.Equal(t, CLIExitFindings, OutputResult(out, "x", time.Now(), 1, nil, true, nil))
	assert.False(t, decodeResult(t, buf, nil).Success)

	buf.Reset()
	assert.Equal(t, CLIExitError, OutputResult(out, "x", time.Now(), nil, nil, false, errors.New("boom")))
	assert.Contains(t, decodeResult(t, buf, nil).Error, "boom")

	text, tbuf := textOutput()
	assert.Equal(t, CLIExitError, OutputResult(text, "x", time.Now(), nil, nil, false, errors.New("boom")))
	assert.Contains(t, tbuf.String(), "Error: command failed: boom")
}

// =============================================================================
// migrate / rollback / resolve
// =============================================================================

func TestMigrate_Service(t *testing.T) {
	ta := newTestApp(t, "alpha.service")
	out, buf := jsonOutputTo()

	code := migrateServices(context.Background(), ta.app, out, "alpha")
	require.Equal(t, CLIExitSuccess, code, buf.String())

	var res TransitionResult
	decodeResult(t, buf, &res)
	require.Len(t, res.Records, 1)
	assert.Equal(t, migration.StateManaged, res.Records[0].State)
	assert.NotEmpty(t, res.Records[0].Snapshot)
	assert.True(t, ta.procs.IsUnitActive("podman-alpha.service"))
	assert.False(t, ta.procs.IsUnitActive("alpha.service"))
}

func TestMigrate_FailureIsFinding(t *testing.T) {
	ta := newTestApp(t, "alpha.service")
	ta.prober.ProbeFunc = unhealthy("http://127.0.0.1:8080/health")
	out, buf := textOutput()

	code := migrateServices(context.Background(), ta.app, out, "alpha")
	assert.Equal(t, CLIExitFindings, code)
	assert.Contains(t, buf.String(), "migrating alpha")
	assert.Contains(t, buf.String(), "Failed")
	assert.Contains(t, buf.String(), "migrated failed for 1 of 1 services")
}

func TestMigrate_UnknownService(t *testing.T) {
	ta := newTestApp(t)
	out, buf := textOutput()
	assert.Equal(t, CLIExitError, migrateServices(context.Background(), ta.app, out, "ghost"))
	assert.Contains(t, buf.String(), "ghost")
}

func TestMigrate_AllInDependencyOrder(t *testing.T) {
	ta := newTestApp(t, "alpha.service", "beta.service")
	out, buf := jsonOutputTo()

	require.Equal(t, CLIExitSuccess, migrateServices(context.Background(), ta.app, out, "all"))
	var res TransitionResult
	decodeResult(t, buf, &res)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "alpha", res.Records[0].Service)
	assert.Equal(t, "beta", res.Records[1].Service)
}

func TestMigrationStatus(t *testing.T) {
	ta := newTestApp(t, "alpha.service")
	ta.prober.ProbeFunc = unhealthy("http://127.0.0.1:8080/health")
	migrateServices(context.Background(), ta.app, OutputConfig{Out: io.Discard, Err: io.Discard}, "alpha")

	out, buf := jsonOutputTo()
	assert.Equal(t, CLIExitFindings, migrationStatus(ta.app, out))
	var rows []MigrationStatusRow
	decodeResult(t, buf, &rows)
	require.Len(t, rows, 2)
	assert.Equal(t, migration.StateFailed, rows[0].State)
	assert.Equal(t, "managed", rows[0].Form)
	assert.Equal(t, 1, rows[0].Attempt)
	assert.Equal(t, "beta", rows[1].Service)
	assert.Equal(t, "legacy", rows[1].Form)
	assert.Empty(t, rows[1].State)

	text, tbuf := textOutput()
	migrationStatus(ta.app, text)
	assert.Contains(t, tbuf.String(), "SERVICE")
	assert.Contains(t, tbuf.String(), "readiness budget exhausted")
}

func TestRollback_RestoresLegacy(t *testing.T) {
	ta := newTestApp(t, "alpha.service")
	ta.prober.ProbeFunc = unhealthy("http://127.0.0.1:8080/health")
	discard := OutputConfig{Out: io.Discard, Err: io.Discard}
	migrateServices(context.Background(), ta.app, discard, "alpha")
	ta.prober.ProbeFunc = nil

	out, buf := jsonOutputTo()
	require.Equal(t, CLIExitSuccess, rollbackServices(context.Background(), ta.app, out, "all"))
	var res TransitionResult
	decodeResult(t, buf, &res)
	require.Len(t, res.Records, 1)
	assert.Equal(t, migration.StateRolledBack, res.Records[0].State)
	assert.True(t, ta.procs.IsUnitActive("alpha.service"))

	data, err := os.ReadFile(filepath.Join(ta.dir, "data", "alpha", "db.sqlite"))
	require.NoError(t, err)
	assert.Equal(t, "rows", string(data))
}

func TestRollback_NeverMigrated(t *testing.T) {
	ta := newTestApp(t)
	out, _ := textOutput()
	assert.Equal(t, CLIExitError, rollbackServices(context.Background(), ta.app, out, "beta"))
}

func TestResolve(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, ta.records.Append(migration.Record{ID: "x", Service: "alpha", State: migration.StateSwitching, Attempt: 2}))

	out, buf := jsonOutputTo()
	require.Equal(t, CLIExitSuccess, resolveService(context.Background(), ta.app, out, "alpha", "Legacy"))
	var res TransitionResult
	decodeResult(t, buf, &res)
	assert.Equal(t, migration.StateLegacy, res.Records[0].State)
	assert.Equal(t, 2, res.Records[0].Attempt)

	out, _ = textOutput()
	assert.Equal(t, CLIExitError, resolveService(context.Background(), ta.app, out, "alpha", "sideways"))
}

// =============================================================================
// health / backup / validate / logs
// =============================================================================

func TestHealth(t *testing.T) {
	ta := newTestApp(t, "alpha.service", "beta.service")
	out, buf := jsonOutputTo()
	require.Equal(t, CLIExitSuccess, checkHealth(context.Background(), ta.app, out), buf.String())

	var res HealthResult
	decodeResult(t, buf, &res)
	assert.True(t, res.Healthy)
	require.Len(t, res.Dependencies, 1)
	assert.True(t, res.Dependencies[0].Writable)

	ta.procs.SetActive("beta.service", false)
	text, tbuf := textOutput()
	assert.Equal(t, CLIExitFindings, checkHealth(context.Background(), ta.app, text))
	assert.Contains(t, tbuf.String(), "beta.service not active")
	assert.Contains(t, tbuf.String(), "unhealthy services or dependencies found")
}

func TestHealth_ProbesActiveForm(t *testing.T) {
	ta := newTestApp(t, "podman-alpha.service", "beta.service")
	require.NoError(t, ta.records.Append(migration.Record{ID: "m", Service: "alpha", State: migration.StateManaged, Attempt: 1}))

	out, buf := jsonOutputTo()
	require.Equal(t, CLIExitSuccess, checkHealth(context.Background(), ta.app, out), buf.String())
	var res HealthResult
	decodeResult(t, buf, &res)
	assert.Equal(t, "managed", res.Services[0].Form)
	assert.Equal(t, "podman-alpha.service", res.Services[0].Unit)
}

func TestBackup_AllAndList(t *testing.T) {
	ta := newTestApp(t)
	out, buf := jsonOutputTo()
	require.Equal(t, CLIExitSuccess, backupServices(context.Background(), ta.app, out, "all"), buf.String())

	var rows []BackupRow
	decodeResult(t, buf, &rows)
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].Snapshot)
	assert.Equal(t, "alpha", rows[0].Snapshot.Service)
	assert.Equal(t, "no data path", rows[1].Skipped)

	buf.Reset()
	require.Equal(t, CLIExitSuccess, listBackups(context.Background(), ta.app, out, "alpha"))
	var list BackupList
	decodeResult(t, buf, &list)
	assert.Len(t, list.Snapshots, 1)
	assert.Empty(t, list.Archives)
}

func TestBackup_MissingSourceIsFinding(t *testing.T) {
	ta := newTestApp(t)
	require.NoError(t, os.RemoveAll(filepath.Join(ta.dir, "data", "alpha")))
	out, _ := textOutput()
	assert.Equal(t, CLIExitFindings, backupServices(context.Background(), ta.app, out, "alpha"))
}

func TestValidate_CriticalFailureExitsNonZero(t *testing.T) {
	ta := newTestApp(t, "alpha.service", "beta.service")
	ta.prober.ProbeFunc = unhealthy("http://127.0.0.1:8080/health")
	out, buf := textOutput()

	assert.Equal(t, CLIExitFindings, runValidation(context.Background(), ta.app, out, false))
	assert.Contains(t, buf.String(), "critical services failing: [alpha]")

	latest, err := ta.reports.Latest()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, latest.CriticalFailures)
	res, ok := latest.Result(validation.CategoryDependencies, "storage")
	require.True(t, ok)
	assert.Equal(t, validation.StatusPass, res.Status)
}

func TestValidate_AllPass(t *testing.T) {
	ta := newTestApp(t, "alpha.service", "beta.service")
	out, buf := jsonOutputTo()
	require.Equal(t, CLIExitSuccess, runValidation(context.Background(), ta.app, out, true), buf.String())

	var report validation.Report
	decodeResult(t, buf, &report)
	assert.Len(t, report.Results[validation.CategoryPerformance], 2)
	assert.Equal(t, 0, report.Summary.Failed)
}

func TestLogs_UsesActiveForm(t *testing.T) {
	ta := newTestApp(t)
	ta.runner.RunFunc = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("line one\nline two\n"), nil
	}
	out, buf := textOutput()
	require.Equal(t, CLIExitSuccess, showLogs(context.Background(), ta.app, out, "alpha", false, 5))
	assert.Equal(t, "line one\nline two\n", buf.String())
	assert.Equal(t, []string{"journalctl -u alpha.service -n 5 --no-pager -o short-iso"}, ta.runner.Lines())

	require.Equal(t, CLIExitSuccess, showLogs(context.Background(), ta.app, out, "alpha", true, 0))
	assert.Contains(t, ta.runner.Lines()[1], "-u podman-alpha.service -n 100")
}

// =============================================================================
// status / daemon
// =============================================================================

func TestPrintStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	out, buf := textOutput()
	assert.Equal(t, CLIExitError, printStatus(path, out))
	assert.Contains(t, buf.String(), "is labctl daemon running?")

	reg := status.NewRegistry(path, nil)
	reg.SetServices(map[string]status.ServiceStatus{
		"alpha": {Status: status.Healthy, Form: "managed", LatencyMs: 12},
	})
	require.NoError(t, reg.Flush())
	buf.Reset()
	assert.Equal(t, CLIExitSuccess, printStatus(path, out))
	assert.Contains(t, buf.String(), "alpha")

	reg.SetHazards(map[string]status.Hazard{"alpha": {Service: "alpha", ConsecutiveTicks: 3}})
	require.NoError(t, reg.Flush())
	buf.Reset()
	assert.Equal(t, CLIExitFindings, printStatus(path, out))
	assert.Contains(t, buf.String(), "hazard: alpha has both forms active")
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchStatus_ReprintsOnReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	reg := status.NewRegistry(path, nil)
	reg.SetServices(map[string]status.ServiceStatus{"alpha": {Status: status.Healthy}})
	require.NoError(t, reg.Flush())

	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchStatus(ctx, path, OutputConfig{Out: buf, Err: buf}) }()

	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "alpha") }, 5*time.Second, 10*time.Millisecond)

	reg.SetServices(map[string]status.ServiceStatus{"beta": {Status: status.Unhealthy}})
	require.NoError(t, reg.Flush())
	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "beta") }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunDaemon_WritesStatusAndStops(t *testing.T) {
	ta := newTestApp(t, "alpha.service", "beta.service")
	ta.cfg.Daemon.ListenAddr = "127.0.0.1:0"
	ta.cfg.Status.Interval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, ta.app, prometheus.NewRegistry()) }()

	require.Eventually(t, func() bool {
		doc, err := status.Read(ta.cfg.StatusPath())
		return err == nil && len(doc.Services) == 2 && len(doc.Dependencies) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := ta.reports.Latest()
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonHandler(t *testing.T) {
	ta := newTestApp(t)
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder()
	require.NoError(t, rec.Register(reg))
	rec.SetHazards(1)
	ta.status.SetHazards(map[string]status.Hazard{"alpha": {Service: "alpha"}})

	srv := httptest.NewServer(ta.daemonHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "labctl_hazards_active 1")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var doc status.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Contains(t, doc.Hazards, "alpha")
}

func TestNewApp_RejectsCycle(t *testing.T) {
	cfg, err := config.Parse([]byte(`
services:
  - {name: a, port: 1, depends_on: [b]}
  - {name: b, port: 2, depends_on: [a]}
`))
	require.NoError(t, err)
	_, err = newApp(cfg, slog.Default(), appOptions{Processes: process.NewMockController()})
	assert.Error(t, err)
}

func TestRootCommand_ExitCodes(t *testing.T) {
	var codes []int
	exit = func(code int) { codes = append(codes, code) }
	t.Cleanup(func() {
		exit = os.Exit
		configPath, jsonOutput = "", false
		rootCmd.SetArgs(nil)
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "labctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
state_dir: %s/state
process: {backend: systemctl}
services:
  - {name: alpha, port: 8080}
`, dir)), 0o644))

	rootCmd.SetArgs([]string{"--config", path, "--json", "backup", "list", "alpha"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	rootCmd.SetArgs([]string{"--config", filepath.Join(dir, "missing.yaml"), "backup", "list", "alpha"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	assert.Equal(t, []int{CLIExitSuccess, CLIExitError}, codes)
}
