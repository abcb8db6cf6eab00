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

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// ErrRetryExhausted is returned when a RetryPolicy used its whole budget.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// RetryPolicy is a named, bounded retry budget.
//
// # Description
//
// Readiness polling after a unit start, network reachability waits during
// mount recovery, and similar "try N times, sleep between" loops all share
// this one type so their budgets are explicit and logged consistently.
// A policy never retries forever: MaxAttempts below 1 is treated as 1.
//
// # Thread Safety
//
// RetryPolicy is a value type; Do may be called concurrently.
//
// # Example
//
//	policy := util.RetryPolicy{
//	    Name:           "await-ready alpha",
//	    MaxAttempts:    30,
//	    Interval:       10 * time.Second,
//	    AttemptTimeout: 5 * time.Second,
//	}
//	err := policy.Do(ctx, func(ctx context.Context) error {
//	    return prober.Probe(ctx, endpoint).Err()
//	})
//	if errors.Is(err, util.ErrRetryExhausted) {
//	    // terminal: budget used up
//	}
type RetryPolicy struct {
	// Name identifies the policy in logs and errors.
	Name string

	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int

	// Interval is the delay between attempts.
	Interval time.Duration

	// Backoff doubles the delay after each failed attempt.
	Backoff bool

	// MaxInterval caps the delay when Backoff is set. Zero means no cap.
	MaxInterval time.Duration

	// AttemptTimeout bounds each individual attempt. Zero means the
	// attempt only inherits the caller's context deadline.
	AttemptTimeout time.Duration

	// Clock is used for sleeping between attempts. Defaults to the wall clock.
	Clock clock.Clock

	// Logger receives one debug entry per failed attempt.
	Logger *slog.Logger
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so RetryPolicy.Do returns it immediately.
//
// Use it for failures that another attempt cannot fix, such as an unknown
// unit or an invalid endpoint.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Interval <= 0 {
		p.Interval = time.Millisecond
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Name == "" {
		p.Name = "retry"
	}
	return p
}

// Do calls fn until it succeeds, the budget is used, or ctx is done.
//
// # Description
//
// Each attempt gets its own context bounded by AttemptTimeout. A timed-out
// attempt counts as a failure, never as success. Errors wrapped with
// Permanent stop the loop at once and are returned unwrapped.
//
// # Inputs
//
//   - ctx: Cancels waiting between attempts and the attempt in flight
//   - fn: The operation to try
//
// # Outputs
//
//   - error: nil on success; wraps ErrRetryExhausted and the last attempt's
//     error when the budget is used; ctx.Err() when cancelled
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	attempts := 0
	var backoff func(time.Duration, int) time.Duration
	if p.Backoff {
		backoff = retry.DoubleDelay
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			attemptCtx, cancel := p.attemptContext(ctx)
			defer cancel()
			return fn(attemptCtx)
		},
		IsFatalError: func(err error) bool {
			var perm *permanentError
			return errors.As(err, &perm) || ctx.Err() != nil
		},
		NotifyFunc: func(lastErr error, attempt int) {
			p.Logger.Debug("attempt failed",
				"policy", p.Name,
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"error", lastErr)
		},
		Attempts:    p.MaxAttempts,
		Delay:       p.Interval,
		MaxDelay:    p.MaxInterval,
		BackoffFunc: backoff,
		Clock:       p.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", p.Name, ctx.Err())
	}
	if retry.IsAttemptsExceeded(err) {
		return fmt.Errorf("%w: %s failed after %d attempts: %w",
			ErrRetryExhausted, p.Name, attempts, retry.LastError(err))
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

func (p RetryPolicy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, p.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}

// Budget returns the worst-case wall time the policy can spend sleeping.
//
// Used in log lines such as "waiting up to 5m0s for alpha".
func (p RetryPolicy) Budget() time.Duration {
	p = p.withDefaults()
	total := time.Duration(0)
	delay := p.Interval
	for i := 1; i < p.MaxAttempts; i++ {
		total += delay
		if p.Backoff {
			delay *= 2
			if p.MaxInterval > 0 && delay > p.MaxInterval {
				delay = p.MaxInterval
			}
		}
	}
	return total
}
