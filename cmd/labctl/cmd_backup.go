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
	"time"

	"github.com/spf13/cobra"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/backup"
)

// BackupRow is one service in backup output.
type BackupRow struct {
	Service  string           `json:"service"`
	Snapshot *backup.Snapshot `json:"snapshot,omitempty"`
	Skipped  string           `json:"skipped,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func runBackupCommand(cmd *cobra.Command, args []string) {
	target := "all"
	if len(args) == 1 {
		target = args[0]
	}
	withApp(cmd, "backup", func(ctx context.Context, a *app, out OutputConfig) int {
		return backupServices(ctx, a, out, target)
	})
}

// backupServices snapshots the data path of each target. Services without
// a data path are skipped; a failure does not stop the others.
func backupServices(ctx context.Context, a *app, out OutputConfig, target string) int {
	start := time.Now()
	targets, err := a.targets(target)
	if err != nil {
		return OutputResult(out, "backup", start, nil, nil, false, err)
	}

	var (
		rows   []BackupRow
		failed bool
	)
	for _, svc := range targets {
		row := BackupRow{Service: svc.Name}
		if svc.DataPath == "" {
			row.Skipped = "no data path"
			rows = append(rows, row)
			continue
		}
		out.Progress("snapshotting %s (%s)", svc.Name, svc.DataPath)
		snap, err := a.backups.Snapshot(ctx, svc.Name, svc.DataPath)
		if err != nil {
			row.Error = err.Error()
			failed = true
		} else {
			row.Snapshot = &snap
		}
		rows = append(rows, row)
	}

	text := func(w io.Writer) {
		st := newStyles(w)
		for _, r := range rows {
			switch {
			case r.Skipped != "":
				fmt.Fprintf(w, "%s %-16s %s\n", st.muted.Render("-"), r.Service, st.muted.Render("skipped: "+r.Skipped))
			case r.Error != "":
				fmt.Fprintf(w, "%s %-16s %s\n", st.mark(false), r.Service, r.Error)
			default:
				line := fmt.Sprintf("%s %-16s %s (%d bytes)", st.mark(true), r.Service, r.Snapshot.SnapshotPath, r.Snapshot.SizeBytes)
				if r.Snapshot.ArchiveID != "" {
					line += " archive " + r.Snapshot.ArchiveID
				}
				fmt.Fprintln(w, line)
			}
		}
	}
	return OutputResult(out, "backup", start, rows, text, failed, nil)
}

// =============================================================================
// backup list <service>
// =============================================================================

// BackupList is the data of backup list.
type BackupList struct {
	Service   string            `json:"service"`
	Snapshots []backup.Snapshot `json:"snapshots"`
	Archives  []string          `json:"archives,omitempty"`
}

func runBackupListCommand(cmd *cobra.Command, args []string) {
	withApp(cmd, "backup list", func(ctx context.Context, a *app, out OutputConfig) int {
		return listBackups(ctx, a, out, args[0])
	})
}

// listBackups shows local snapshots newest first and, when an archiver is
// configured, the archive ids tagged for the service.
func listBackups(ctx context.Context, a *app, out OutputConfig, name string) int {
	start := time.Now()
	if _, err := a.services.Service(name); err != nil {
		return OutputResult(out, "backup list", start, nil, nil, false, err)
	}
	snaps, err := a.backups.List(name)
	if err != nil {
		return OutputResult(out, "backup list", start, nil, nil, false, err)
	}
	res := BackupList{Service: name, Snapshots: snaps}
	if a.archiver != nil {
		res.Archives, err = a.archiver.ListArchives(ctx, []string{"labctl", "service=" + name})
		if err != nil {
			return OutputResult(out, "backup list", start, nil, nil, false, fmt.Errorf("list archives: %w", err))
		}
	}

	text := func(w io.Writer) {
		if len(res.Snapshots) == 0 {
			fmt.Fprintf(w, "no snapshots for %s\n", name)
		} else {
			rows := make([][]string, 0, len(res.Snapshots))
			for _, s := range res.Snapshots {
				rows = append(rows, []string{s.ID, s.CreatedAt.Local().Format(time.DateTime),
					fmt.Sprint(s.SizeBytes), s.ArchiveID, s.SnapshotPath})
			}
			renderTable(w, []string{"ID", "CREATED", "BYTES", "ARCHIVE", "PATH"}, rows)
		}
		for _, id := range res.Archives {
			fmt.Fprintf(w, "archive %s\n", id)
		}
	}
	return OutputResult(out, "backup list", start, res, text, false, nil)
}
