// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// ErrNoReport is returned when no validation run has been saved.
var ErrNoReport = errors.New("no validation report")

const (
	latestName    = "latest.json"
	historyDir    = "history"
	historyLayout = "20060102T150405Z"
)

// Store persists reports under Dir.
//
// Layout:
//
//	<dir>/latest.json
//	<dir>/history/<timestamp>-<test id>.json
//
// Both files are written with write-temp-then-rename. History beyond
// HistorySize is pruned oldest first.
type Store struct {
	dir         string
	historySize int
	logger      *slog.Logger
}

// NewStore creates a Store. historySize <= 0 selects 10.
func NewStore(dir string, historySize int, logger *slog.Logger) *Store {
	if historySize <= 0 {
		historySize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, historySize: historySize, logger: logger.With("component", "validation-store")}
}

// Save writes the report to history, replaces latest, and prunes.
func (s *Store) Save(r Report) error {
	name := fmt.Sprintf("%s-%s.json", r.StartedAt.UTC().Format(historyLayout), r.TestID)
	if err := util.WriteJSONAtomic(filepath.Join(s.dir, historyDir, name), r, 0o644); err != nil {
		return fmt.Errorf("save validation history: %w", err)
	}
	if err := util.WriteJSONAtomic(filepath.Join(s.dir, latestName), r, 0o644); err != nil {
		return fmt.Errorf("save latest validation report: %w", err)
	}
	return s.prune()
}

// Latest returns the most recently saved report.
func (s *Store) Latest() (Report, error) {
	var r Report
	err := util.ReadJSON(filepath.Join(s.dir, latestName), &r)
	if errors.Is(err, fs.ErrNotExist) {
		return Report{}, ErrNoReport
	}
	if err != nil {
		return Report{}, err
	}
	return r, nil
}

// History returns saved history file names, newest first.
func (s *Store) History() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, historyDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// The timestamp prefix sorts chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (s *Store) prune() error {
	names, err := s.History()
	if err != nil {
		return err
	}
	for _, name := range names[min(len(names), s.historySize):] {
		path := filepath.Join(s.dir, historyDir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("prune validation history: %w", err)
		}
		s.logger.Debug("pruned validation report", "file", name)
	}
	return nil
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs the harness on an interval and saves each report.
type Scheduler struct {
	harness  *Harness
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. interval <= 0 selects 5 minutes.
func NewScheduler(h *Harness, store *Store, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{harness: h, store: store, interval: interval, logger: logger.With("component", "validation-scheduler")}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	loop := &util.Loop{Name: "validation", Interval: s.interval, Tick: s.Tick, Logger: s.logger}
	return loop.Run(ctx)
}

// Tick runs one suite and saves it. A run cut short by ctx is discarded.
func (s *Scheduler) Tick(ctx context.Context) {
	report := s.harness.Run(ctx, RunOptions{})
	if ctx.Err() != nil {
		s.logger.Info("validation run interrupted; report discarded", "test_id", report.TestID)
		return
	}
	if err := s.store.Save(report); err != nil {
		s.logger.Error("could not save validation report", "test_id", report.TestID, "error", err)
	}
}
