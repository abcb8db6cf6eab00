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

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/validation"
)

func runValidateCommand(cmd *cobra.Command, args []string) {
	withApp(cmd, "validate", func(ctx context.Context, a *app, out OutputConfig) int {
		return runValidation(ctx, a, out, performanceRun)
	})
}

// runValidation runs the suite once, saves the report, and exits non-zero
// when any test failed or a critical service failed.
func runValidation(ctx context.Context, a *app, out OutputConfig, performance bool) int {
	start := time.Now()
	out.Progress("running validation suite")
	report := a.harness.Run(ctx, validation.RunOptions{Performance: performance})
	if err := a.reports.Save(report); err != nil {
		a.logger.Error("could not save validation report", "test_id", report.TestID, "error", err)
	}

	text := func(w io.Writer) {
		st := newStyles(w)
		for _, category := range validation.Categories {
			names := report.TestNames(category)
			if len(names) == 0 {
				continue
			}
			fmt.Fprintln(w, st.header.Render(category))
			for _, name := range names {
				res, _ := report.Result(category, name)
				line := fmt.Sprintf("  %-8s %-24s %4dms", st.word(string(res.Status)), name, res.DurationMs)
				if res.Message != "" {
					line += "  " + res.Message
				}
				fmt.Fprintln(w, line)
			}
		}
		s := report.Summary
		fmt.Fprintf(w, "%d tests: %d passed, %d failed, %d skipped (%s)\n",
			s.Total, s.Passed, s.Failed, s.Skipped, report.Duration().Round(time.Millisecond))
		if len(report.CriticalFailures) > 0 {
			fmt.Fprintln(w, st.bad.Render(fmt.Sprintf("critical services failing: %v", report.CriticalFailures)))
		}
	}
	return OutputResult(out, "validate", start, report, text, !report.OK(), nil)
}
