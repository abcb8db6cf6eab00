// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import "time"

// =============================================================================
// Constants
// =============================================================================

// Timeout constants for every blocking operation labctl performs.
//
// A zero or negative timeout from configuration is never honored as
// "wait forever": EnforceMinTimeout raises it to the minimum.
const (
	// MinProbeTimeout is the absolute minimum for a single health probe.
	MinProbeTimeout = 500 * time.Millisecond

	// MinDialTimeout is the absolute minimum for a TCP reachability check.
	MinDialTimeout = 250 * time.Millisecond

	// MinProcessTimeout is the absolute minimum for a unit start or stop.
	MinProcessTimeout = 1 * time.Second

	// DefaultProbeTimeout is the per-attempt timeout for health probes.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultDialTimeout is the timeout for remote reachability checks.
	DefaultDialTimeout = 3 * time.Second

	// DefaultStopGracePeriod bounds a graceful unit stop.
	DefaultStopGracePeriod = 30 * time.Second

	// DefaultStartTimeout bounds a unit start request.
	DefaultStartTimeout = 2 * time.Minute

	// DefaultWriteTestTimeout bounds the write/remove test on a mount.
	DefaultWriteTestTimeout = 5 * time.Second

	// DefaultCommandTimeout bounds generic external commands.
	DefaultCommandTimeout = 2 * time.Minute
)

// =============================================================================
// Utility Functions
// =============================================================================

// EnforceMinTimeout returns at least the minimum timeout.
//
// # Description
//
// Ensures a timeout is never below the specified minimum. Zero, negative,
// and too-small values all become the minimum.
//
// # Inputs
//
//   - requested: The timeout value requested by the caller
//   - minimum: The absolute minimum acceptable timeout
//
// # Outputs
//
//   - time.Duration: The requested timeout if valid, otherwise the minimum
//
// # Example
//
//	timeout := util.EnforceMinTimeout(cfg.ProbeTimeout, util.MinProbeTimeout)
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns the default if requested is zero or negative.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
