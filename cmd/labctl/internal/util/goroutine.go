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
	"fmt"
	"log/slog"
	"runtime/debug"
)

// SafeGoResult contains information about a recovered panic.
type SafeGoResult struct {
	// PanicValue is the value passed to panic().
	PanicValue interface{}

	// Stack is the stack trace captured at recovery time.
	Stack string
}

// Error formats the panic value for logs and returned errors.
func (r SafeGoResult) Error() string {
	return fmt.Sprintf("panic: %v", r.PanicValue)
}

// SafeGo runs fn in a new goroutine and recovers any panic.
//
// # Description
//
// Monitor loops run for the whole life of the daemon. A panic in one
// iteration must not take down the other monitors, so every background
// goroutine is started through SafeGo.
//
// # Inputs
//
//   - fn: Function to run
//   - onPanic: Called with the recovered value and stack; may be nil
//
// # Example
//
//	util.SafeGo(func() { detector.Run(ctx) }, util.LogPanic(logger, "conflict"))
func SafeGo(fn func(), onPanic func(SafeGoResult)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// RecoverPanic returns a deferred function that recovers a panic.
//
// Use it at the top of a goroutine that cannot go through SafeGo:
//
//	defer util.RecoverPanic(onPanic)()
func RecoverPanic(onPanic func(SafeGoResult)) func() {
	return func() {
		if r := recover(); r != nil {
			result := SafeGoResult{
				PanicValue: r,
				Stack:      string(debug.Stack()),
			}
			if onPanic != nil {
				onPanic(result)
			}
		}
	}
}

// CallSafely runs fn and converts a panic into an error.
//
// The validation harness uses this so one misbehaving check is recorded as
// a failed test instead of aborting the run.
func CallSafely(fn func() error) (err error) {
	defer RecoverPanic(func(r SafeGoResult) {
		err = r
	})()
	return fn()
}

// LogPanic returns an onPanic handler that logs through logger.
func LogPanic(logger *slog.Logger, component string) func(SafeGoResult) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(r SafeGoResult) {
		logger.Error("recovered panic in background goroutine",
			"component", component,
			"panic", r.PanicValue,
			"stack", r.Stack)
	}
}
