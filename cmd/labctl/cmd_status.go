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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/status"
)

func runStatusCommand(cmd *cobra.Command, args []string) {
	withApp(cmd, "status", func(ctx context.Context, a *app, out OutputConfig) int {
		if statusWatch {
			if err := watchStatus(ctx, a.cfg.StatusPath(), out); err != nil {
				OutputError(out, "status", "watch failed", err)
				return CLIExitError
			}
			return CLIExitSuccess
		}
		return printStatus(a.cfg.StatusPath(), out)
	})
}

// printStatus prints the status document once. Unhealthy services or
// dependencies and active hazards are findings.
func printStatus(path string, out OutputConfig) int {
	start := time.Now()
	doc, err := status.Read(path)
	if errors.Is(err, status.ErrNoDocument) {
		err = fmt.Errorf("%w at %s; is labctl daemon running?", err, path)
	}
	if err != nil {
		return OutputResult(out, "status", start, nil, nil, false, err)
	}
	return OutputResult(out, "status", start, doc, func(w io.Writer) { renderStatus(w, doc) }, hasFindings(doc), nil)
}

func hasFindings(doc status.Document) bool {
	if len(doc.Hazards) > 0 {
		return true
	}
	for _, s := range doc.Services {
		if s.Status == status.Unhealthy {
			return true
		}
	}
	for _, d := range doc.Dependencies {
		if !d.Healthy() {
			return true
		}
	}
	return false
}

func renderStatus(w io.Writer, doc status.Document) {
	st := newStyles(w)
	fmt.Fprintf(w, "status as of %s\n", doc.Timestamp.Local().Format(time.DateTime))

	rows := make([][]string, 0, len(doc.Services))
	for _, name := range doc.ServiceNames() {
		s := doc.Services[name]
		rows = append(rows, []string{name, s.Form, st.word(s.Status), strconv.FormatInt(s.LatencyMs, 10) + "ms",
			s.LastCheck.Local().Format(time.TimeOnly), s.Error})
	}
	renderTable(w, []string{"SERVICE", "FORM", "STATUS", "LATENCY", "CHECKED", "ERROR"}, rows)

	if names := doc.DependencyNames(); len(names) > 0 {
		rows = rows[:0]
		for _, name := range names {
			d := doc.Dependencies[name]
			note := d.LastError
			if d.RecoveryExhausted {
				note = st.bad.Render("recovery exhausted") + " " + note
			}
			rows = append(rows, []string{st.mark(d.Healthy()), name, strconv.Itoa(d.ConsecutiveFailures),
				strconv.Itoa(d.RecoveryAttempts), note})
		}
		renderTable(w, []string{"", "DEPENDENCY", "FAILURES", "RECOVERIES", "ERROR"}, rows)
	}

	for _, name := range sortedHazards(doc.Hazards) {
		h := doc.Hazards[name]
		fmt.Fprintln(w, st.warn.Render(fmt.Sprintf("hazard: %s has both forms active since %s (%d checks)",
			name, h.DetectedAt.Local().Format(time.DateTime), h.ConsecutiveTicks)))
	}
}

func sortedHazards(m map[string]status.Hazard) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// watchStatus prints the document now and again after every replacement
// until ctx is done.
//
// # Description
//
// The daemon replaces the document by rename, so the directory is watched
// rather than the file. On a terminal the screen is cleared before each
// print; otherwise prints are separated by a blank line.
func watchStatus(ctx context.Context, path string, out OutputConfig) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	redraw := isTerminal(out.Out)
	show := func() {
		if redraw {
			fmt.Fprint(out.Out, "\033[H\033[2J")
		}
		printStatus(path, out)
		if !redraw {
			fmt.Fprintln(out.Out)
		}
	}
	show()

	base := filepath.Base(path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base || !event.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				continue
			}
			show()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(out.Err, "watch error: %v\n", err)
		case <-ctx.Done():
			return nil
		}
	}
}
