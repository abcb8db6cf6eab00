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
	"log/slog"
	"sync"
	"time"
)

// Loop runs a function on a fixed interval until stopped.
//
// # Description
//
// Every monitor in the daemon (status writer, conflict detector, dependency
// monitors, validation scheduler) is a Loop. The first tick runs as soon as
// the loop starts. A tick always finishes before the loop observes
// cancellation, so shutdown never interrupts a half-written check. A panic in
// a tick is logged and the loop continues with the next tick.
//
// # Example
//
//	loop := &util.Loop{Name: "conflict", Interval: time.Minute, Tick: detector.Tick}
//	g.Go(func() error { return loop.Run(ctx) })
//
// # Thread Safety
//
// Run, Start, Stop, and IsRunning are safe for concurrent use. Tick is
// never called concurrently with itself.
type Loop struct {
	// Name identifies the loop in logs.
	Name string

	// Interval is the delay between ticks.
	Interval time.Duration

	// Tick is the work done each interval.
	Tick func(ctx context.Context)

	Logger *slog.Logger

	stopChan  chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
	ticks     int64
}

// Run blocks, ticking until ctx is done or Stop is called. It returns nil.
func (l *Loop) Run(ctx context.Context) error {
	stop, ok := l.begin()
	if !ok {
		return nil
	}
	l.loop(ctx, stop)
	return nil
}

// begin marks the loop running and returns its stop channel.
func (l *Loop) begin() (chan struct{}, bool) {
	l.runningMu.Lock()
	defer l.runningMu.Unlock()
	if l.running {
		return nil, false
	}
	l.running = true
	l.stopChan = make(chan struct{})
	l.wg.Add(1)
	return l.stopChan, true
}

func (l *Loop) loop(ctx context.Context, stop chan struct{}) {
	defer func() {
		l.runningMu.Lock()
		l.running = false
		l.runningMu.Unlock()
		l.wg.Done()
	}()

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := l.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	logger.Info("loop started", "loop", l.Name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.tick(ctx, logger)
	for {
		select {
		case <-ticker.C:
			l.tick(ctx, logger)
		case <-stop:
			logger.Info("loop stopped", "loop", l.Name)
			return
		case <-ctx.Done():
			logger.Info("loop stopped", "loop", l.Name, "reason", ctx.Err())
			return
		}
	}
}

func (l *Loop) tick(ctx context.Context, logger *slog.Logger) {
	if ctx.Err() != nil || l.Tick == nil {
		return
	}
	defer RecoverPanic(LogPanic(logger, l.Name))()
	l.runningMu.Lock()
	l.ticks++
	l.runningMu.Unlock()
	l.Tick(ctx)
}

// Start runs the loop in a background goroutine.
func (l *Loop) Start(ctx context.Context) {
	stop, ok := l.begin()
	if !ok {
		return
	}
	SafeGo(func() { l.loop(ctx, stop) }, LogPanic(l.Logger, l.Name))
}

// Stop halts the loop and waits for the current tick to finish.
func (l *Loop) Stop() {
	l.runningMu.Lock()
	if !l.running || l.stopChan == nil {
		l.runningMu.Unlock()
		return
	}
	close(l.stopChan)
	l.stopChan = nil
	l.runningMu.Unlock()

	l.wg.Wait()
}

// IsRunning reports whether the loop is active.
func (l *Loop) IsRunning() bool {
	l.runningMu.Lock()
	defer l.runningMu.Unlock()
	return l.running
}

// Ticks returns how many ticks have started.
func (l *Loop) Ticks() int64 {
	l.runningMu.Lock()
	defer l.runningMu.Unlock()
	return l.ticks
}
