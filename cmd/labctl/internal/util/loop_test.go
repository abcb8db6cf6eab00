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
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLoop_RunTicksUntilCancelled(t *testing.T) {
	var n atomic.Int64
	l := &Loop{Name: "test", Interval: 5 * time.Millisecond, Tick: func(context.Context) { n.Add(1) }}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, func() bool { return n.Load() >= 3 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if l.IsRunning() {
		t.Error("IsRunning() = true after Run returned")
	}
}

func TestLoop_StartStop(t *testing.T) {
	var n atomic.Int64
	l := &Loop{Name: "test", Interval: time.Hour, Tick: func(context.Context) { n.Add(1) }}

	l.Start(context.Background())
	if !l.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}
	waitFor(t, func() bool { return n.Load() == 1 })

	l.Stop()
	if l.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	l.Stop()
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	var n atomic.Int64
	l := &Loop{Name: "test", Interval: 5 * time.Millisecond, Tick: func(context.Context) {
		if n.Add(1) == 1 {
			panic("first tick")
		}
	}}

	l.Start(context.Background())
	defer l.Stop()
	waitFor(t, func() bool { return n.Load() >= 2 })
	if l.Ticks() < 2 {
		t.Errorf("Ticks() = %d", l.Ticks())
	}
}
