// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package depmon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// ErrWriteTimeout is returned when the write test does not finish in time,
// typically because the remote filesystem is hung.
var ErrWriteTimeout = errors.New("write test timed out")

// MountTable reports whether a path is a mount point.
type MountTable interface {
	IsMounted(mountPoint string) (bool, error)
}

// ProcMountTable reads the kernel mount table. It never touches the mount
// point itself, so a stale network mount cannot block it.
type ProcMountTable struct{}

func (ProcMountTable) IsMounted(mountPoint string) (bool, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(filepath.Clean(mountPoint)))
	if err != nil {
		return false, fmt.Errorf("read mount table: %w", err)
	}
	return len(mounts) > 0, nil
}

// MockMountTable answers from a map.
type MockMountTable struct {
	IsMountedFunc func(mountPoint string) (bool, error)

	mu      sync.Mutex
	Mounted map[string]bool
}

func (m *MockMountTable) IsMounted(mountPoint string) (bool, error) {
	if m.IsMountedFunc != nil {
		return m.IsMountedFunc(mountPoint)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Mounted[mountPoint], nil
}

// Set changes the simulated state.
func (m *MockMountTable) Set(mountPoint string, mounted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Mounted == nil {
		m.Mounted = make(map[string]bool)
	}
	m.Mounted[mountPoint] = mounted
}

// UnmountFunc detaches a mount point.
type UnmountFunc func(mountPoint string) error

// ForceUnmount lazily force-unmounts mountPoint, which succeeds even when
// the remote end is gone.
func ForceUnmount(mountPoint string) error {
	if err := unix.Unmount(mountPoint, unix.MNT_FORCE|unix.MNT_DETACH); err != nil {
		return fmt.Errorf("force unmount %s: %w", mountPoint, err)
	}
	return nil
}

// writeTest writes and removes a file under dir within timeout. Each call
// uses its own file name so concurrent checks never remove each other's file.
//
// The file operations run in their own goroutine: a hung NFS write blocks
// that goroutine, not the caller, which gets ErrWriteTimeout.
func writeTest(ctx context.Context, dir, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := filepath.Join(dir, name+"."+uuid.NewString())
	done := make(chan error, 1)
	go func() {
		payload := []byte(time.Now().UTC().Format(time.RFC3339Nano))
		if err := os.WriteFile(path, payload, 0o600); err != nil {
			done <- err
			return
		}
		done <- os.Remove(path)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s: %s", ErrWriteTimeout, timeout, path)
	}
}

var (
	_ MountTable = ProcMountTable{}
	_ MountTable = (*MockMountTable)(nil)
)
