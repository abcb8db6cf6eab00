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
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/migration"
)

// TransitionRow is one service's outcome in migrate/rollback output.
type TransitionRow struct {
	Service   string          `json:"service"`
	State     migration.State `json:"state"`
	Attempt   int             `json:"attempt"`
	Timestamp time.Time       `json:"timestamp"`
	Snapshot  string          `json:"snapshot_path,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// TransitionResult is the data of migrate, rollback, and resolve.
type TransitionResult struct {
	Records []TransitionRow `json:"records"`
	Errors  []string        `json:"errors,omitempty"`
}

func newTransitionRow(rec migration.Record) TransitionRow {
	return TransitionRow{
		Service:   rec.Service,
		State:     rec.State,
		Attempt:   rec.Attempt,
		Timestamp: rec.Timestamp,
		Snapshot:  rec.SnapshotPath,
		Message:   rec.Message,
	}
}

// splitErrors flattens an errors.Join result into one line per error.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func (r TransitionResult) render(verb string) func(io.Writer) {
	return func(w io.Writer) {
		st := newStyles(w)
		ok := 0
		for _, row := range r.Records {
			good := row.State == migration.StateManaged || row.State == migration.StateRolledBack ||
				row.State == migration.StateLegacy
			if good {
				ok++
			}
			line := fmt.Sprintf("%s %-16s %s (attempt %d)", st.mark(good), row.Service, st.word(string(row.State)), row.Attempt)
			if row.Message != "" {
				line += ": " + row.Message
			}
			fmt.Fprintln(w, line)
		}
		for _, e := range r.Errors {
			fmt.Fprintln(w, st.bad.Render("error: "+e))
		}
		if len(r.Errors) == 0 {
			fmt.Fprintf(w, "%s %d/%d services\n", verb, ok, len(r.Records))
		} else {
			fmt.Fprintf(w, "%s failed for %d of %d services\n", verb, len(r.Errors), max(len(r.Records), len(r.Errors)))
		}
	}
}

// =============================================================================
// migrate <service|all>
// =============================================================================

func runMigrateCommand(cmd *cobra.Command, args []string) {
	withApp(cmd, "migrate", func(ctx context.Context, a *app, out OutputConfig) int {
		return migrateServices(ctx, a, out, args[0])
	})
}

// migrateServices migrates one service or, for "all", every service in
// dependency order.
func migrateServices(ctx context.Context, a *app, out OutputConfig, target string) int {
	start := time.Now()
	if target == "all" {
		out.Progress("migrating %d services in dependency order", a.services.Len())
		records, err := a.controller.MigrateAll(ctx)
		res := TransitionResult{Errors: splitErrors(err)}
		for _, rec := range records {
			res.Records = append(res.Records, newTransitionRow(rec))
		}
		return OutputResult(out, "migrate", start, res, res.render("migrated"), err != nil, nil)
	}

	out.Progress("migrating %s", target)
	rec, err := a.controller.Migrate(ctx, target)
	if rec.Service == "" && err != nil {
		return OutputResult(out, "migrate", start, nil, nil, false, err)
	}
	res := TransitionResult{Records: []TransitionRow{newTransitionRow(rec)}, Errors: splitErrors(err)}
	return OutputResult(out, "migrate", start, res, res.render("migrated"), err != nil, nil)
}

// =============================================================================
// migrate status
// =============================================================================

// MigrationStatusRow is one service in migrate status output.
type MigrationStatusRow struct {
	Service   string          `json:"service"`
	State     migration.State `json:"state,omitempty"`
	Form      string          `json:"form"`
	Attempt   int             `json:"attempt"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
	NeedsFix  bool            `json:"needs_resolution,omitempty"`
}

func runMigrateStatusCommand(cmd *cobra.Command, args []string) {
	withApp(cmd, "migrate status", func(ctx context.Context, a *app, out OutputConfig) int {
		return migrationStatus(a, out)
	})
}

// migrationStatus lists every registered service with its current record.
// Failed and unresolved records are findings.
func migrationStatus(a *app, out OutputConfig) int {
	start := time.Now()
	all, err := a.controller.Status()
	if err != nil {
		return OutputResult(out, "migrate status", start, nil, nil, false, err)
	}

	var (
		rows     []MigrationStatusRow
		findings bool
	)
	for _, svc := range a.services.Services() {
		row := MigrationStatusRow{Service: svc.Name, Form: "legacy"}
		if rec, ok := all[svc.Name]; ok {
			ts := rec.Timestamp
			row.State = rec.State
			row.Attempt = rec.Attempt
			row.Timestamp = &ts
			row.Message = rec.Message
			row.Form, _ = migration.FormOf(a.records, svc.Name)
			row.NeedsFix = rec.State.IsTransient() || (rec.State == migration.StateFailed && rec.RollbackFailed)
			if rec.State == migration.StateFailed || row.NeedsFix {
				findings = true
			}
		}
		rows = append(rows, row)
	}

	text := func(w io.Writer) {
		st := newStyles(w)
		table := make([][]string, 0, len(rows))
		for _, r := range rows {
			state := "-"
			if r.State != "" {
				state = st.word(string(r.State))
			}
			updated := "-"
			if r.Timestamp != nil {
				updated = r.Timestamp.Local().Format(time.DateTime)
			}
			msg := r.Message
			if r.NeedsFix {
				msg = st.warn.Render("needs `labctl migrate resolve`") + " " + msg
			}
			table = append(table, []string{r.Service, state, r.Form, strconv.Itoa(r.Attempt), updated, msg})
		}
		renderTable(w, []string{"SERVICE", "STATE", "FORM", "ATTEMPT", "UPDATED", "MESSAGE"}, table)
	}
	return OutputResult(out, "migrate status", start, rows, text, findings, nil)
}

// =============================================================================
// migrate resolve <service> --to legacy|managed
// =============================================================================

func runMigrateResolveCommand(cmd *cobra.Command, args []string) {
	withApp(cmd, "migrate resolve", func(ctx context.Context, a *app, out OutputConfig) int {
		return resolveService(ctx, a, out, args[0], resolveTo)
	})
}

// parseForm maps a --to value onto a resolution state.
func parseForm(s string) migration.State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy":
		return migration.StateLegacy
	case "managed":
		return migration.StateManaged
	}
	return migration.State(s)
}

func resolveService(ctx context.Context, a *app, out OutputConfig, name, to string) int {
	start := time.Now()
	rec, err := a.controller.Resolve(ctx, name, parseForm(to))
	if err != nil {
		return OutputResult(out, "migrate resolve", start, nil, nil, false, err)
	}
	res := TransitionResult{Records: []TransitionRow{newTransitionRow(rec)}}
	return OutputResult(out, "migrate resolve", start, res, res.render("resolved"), false, nil)
}
