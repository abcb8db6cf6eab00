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
	"io"
	"time"

	"github.com/spf13/cobra"
)

// LogsResult is the data of the logs command.
type LogsResult struct {
	Service string `json:"service"`
	Unit    string `json:"unit"`
	Lines   string `json:"lines"`
}

func runLogsCommand(cmd *cobra.Command, args []string) {
	withApp(cmd, "logs", func(ctx context.Context, a *app, out OutputConfig) int {
		return showLogs(ctx, a, out, args[0], logsManaged, logsLines)
	})
}

// showLogs tails the journal of the active form, or of the managed unit
// when managed is set.
func showLogs(ctx context.Context, a *app, out OutputConfig, name string, managed bool, lines int) int {
	start := time.Now()
	svc, err := a.services.Service(name)
	if err != nil {
		return OutputResult(out, "logs", start, nil, nil, false, err)
	}
	ref, _ := a.activeRef(svc)
	if managed {
		ref = svc.ManagedRef()
	}
	data, err := a.journal.Tail(ctx, ref, lines)
	if err != nil {
		return OutputResult(out, "logs", start, nil, nil, false, err)
	}
	res := LogsResult{Service: name, Unit: ref.Unit, Lines: string(data)}
	return OutputResult(out, "logs", start, res, func(w io.Writer) { _, _ = w.Write(data) }, false, nil)
}
