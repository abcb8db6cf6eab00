// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util provides shared low-level utilities for labctl.
//
// This package contains leaf utilities used by every controller component.
// It depends on no other internal package.
//
// # Overview
//
//   - Timeout Management: minimum and default timeouts so no probe, stop, or
//     start can hang forever
//   - Command Errors: rich error wrapping for external command failures
//   - Atomic Files: write-temp-then-rename for every shared document
//   - Retry Policy: named, bounded retry budgets shared by the migration
//     controller, dependency monitor, and validation harness
//   - Goroutine Safety: panic recovery for background loops
//
// # Thread Safety
//
// All functions are safe for concurrent use. [RetryPolicy] and
// [CommandError] are immutable values.
//
// # Key Types
//
//	err := util.NewCommandError("systemctl start podman-alpha.service", 1, stderr, runErr)
//
//	policy := util.RetryPolicy{Name: "remount", MaxAttempts: 5, Interval: 2 * time.Second}
//	err := policy.Do(ctx, func(ctx context.Context) error { return dial(ctx) })
//
//	err := util.WriteJSONAtomic("/var/lib/labctl/status.json", doc, 0o644)
package util
