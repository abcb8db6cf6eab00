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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Locker serializes migration transitions across processes.
//
// # Description
//
// The CLI and the daemon (through conflict auto-rollback) can both try to
// transition the same host. A Locker holds an exclusive advisory lock for
// the duration of one transition so the two never interleave.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context) error

	// TryAcquire takes the lock without waiting; returns *LockHeldError if
	// another process holds it.
	TryAcquire() error

	// Release drops the lock. Safe to call when not held.
	Release() error

	// HolderPID returns the PID recorded by the current holder, or 0.
	HolderPID() int
}

// LockHeldError reports that another process owns the lock.
type LockHeldError struct {
	HolderPID int
	LockPath  string
}

func (e *LockHeldError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another labctl transition is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another labctl transition is running (check: lsof %s)", e.LockPath)
}

// =============================================================================
// Implementation
// =============================================================================

// LockConfig configures a Lock.
type LockConfig struct {
	// Dir holds the lock and pid files. Default: os.TempDir().
	Dir string

	// Name is the file base name. Default: "labctl-migrate".
	Name string

	// PollInterval is how often Acquire retries. Default: 200ms.
	PollInterval time.Duration
}

// Lock is a flock(2)-based Locker.
//
// # Thread Safety
//
// Safe for concurrent use within one process; goroutines in the same
// process must still be serialized by the caller's own mutex because flock
// is per open file description.
type Lock struct {
	config   LockConfig
	lockPath string
	pidPath  string

	mu       sync.Mutex
	lockFile *os.File
}

// NewLock creates a Lock; it does not touch the filesystem.
func NewLock(config LockConfig) *Lock {
	if config.Dir == "" {
		config.Dir = os.TempDir()
	}
	if config.Name == "" {
		config.Name = "labctl-migrate"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 200 * time.Millisecond
	}
	return &Lock{
		config:   config,
		lockPath: filepath.Join(config.Dir, config.Name+".lock"),
		pidPath:  filepath.Join(config.Dir, config.Name+".pid"),
	}
}

// TryAcquire takes the lock without blocking.
func (l *Lock) TryAcquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lockFile != nil {
		return nil
	}

	if err := os.MkdirAll(l.config.Dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir %s: %w", l.config.Dir, err)
	}
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &LockHeldError{HolderPID: l.readHolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("flock %s: %w", l.lockPath, err)
	}

	l.lockFile = f
	// PID file is informational only.
	_ = os.WriteFile(l.pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
	return nil
}

// Acquire polls TryAcquire until it succeeds or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		err := l.TryAcquire()
		var held *LockHeldError
		if err == nil || !errors.As(err, &held) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", held, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release unlocks and closes the lock file. The lock file itself is kept.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lockFile == nil {
		return nil
	}
	_ = os.Remove(l.pidPath)
	err := unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
	_ = l.lockFile.Close()
	l.lockFile = nil
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this instance holds the lock.
func (l *Lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockFile != nil
}

// HolderPID reads the pid file.
func (l *Lock) HolderPID() int {
	return l.readHolderPID()
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.lockPath
}

func (l *Lock) readHolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// NopLocker never blocks. Used by tests and single-shot tooling.
type NopLocker struct{}

func (NopLocker) Acquire(context.Context) error { return nil }
func (NopLocker) TryAcquire() error             { return nil }
func (NopLocker) Release() error                { return nil }
func (NopLocker) HolderPID() int                { return 0 }

var (
	_ Locker = (*Lock)(nil)
	_ Locker = NopLocker{}
	_ error  = (*LockHeldError)(nil)
)
