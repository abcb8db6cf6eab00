// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"fmt"
	"strconv"
)

// Journal reads unit logs through journalctl.
type Journal struct {
	runner Runner
}

// NewJournal creates a Journal that runs journalctl through runner.
func NewJournal(runner Runner) *Journal {
	return &Journal{runner: runner}
}

// Tail returns the last lines of the unit's journal, oldest first.
//
// # Inputs
//
//   - ctx: Bounds the journalctl invocation
//   - ref: Unit to read
//   - lines: Number of lines; values below 1 select 100
func (j *Journal) Tail(ctx context.Context, ref Ref, lines int) ([]byte, error) {
	if lines < 1 {
		lines = 100
	}
	out, err := j.runner.Run(ctx, "journalctl",
		"-u", ref.Unit,
		"-n", strconv.Itoa(lines),
		"--no-pager",
		"-o", "short-iso")
	if err != nil {
		return nil, fmt.Errorf("read journal for %s: %w", ref, err)
	}
	return out, nil
}
