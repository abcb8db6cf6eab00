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
	"time"

	"github.com/spf13/cobra"
)

func runRollbackCommand(cmd *cobra.Command, args []string) {
	withApp(cmd, "rollback", func(ctx context.Context, a *app, out OutputConfig) int {
		return rollbackServices(ctx, a, out, args[0])
	})
}

// rollbackServices rolls back one service or, for "all", every migrated
// service in reverse dependency order.
func rollbackServices(ctx context.Context, a *app, out OutputConfig, target string) int {
	start := time.Now()
	if target == "all" {
		out.Progress("rolling back migrated services in reverse dependency order")
		records, err := a.controller.RollbackAll(ctx)
		res := TransitionResult{Errors: splitErrors(err)}
		for _, rec := range records {
			res.Records = append(res.Records, newTransitionRow(rec))
		}
		return OutputResult(out, "rollback", start, res, res.render("rolled back"), err != nil, nil)
	}

	out.Progress("rolling back %s", target)
	rec, err := a.controller.Rollback(ctx, target)
	if rec.Service == "" && err != nil {
		return OutputResult(out, "rollback", start, nil, nil, false, err)
	}
	res := TransitionResult{Records: []TransitionRow{newTransitionRow(rec)}, Errors: splitErrors(err)}
	return OutputResult(out, "rollback", start, res, res.render("rolled back"), err != nil, nil)
}
