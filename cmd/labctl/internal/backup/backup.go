// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package backup snapshots service data directories before risky transitions.

A snapshot is a full copy of a service's data path taken immediately before
its legacy process is stopped for good. Snapshots are immutable and never
deleted by labctl; rollback only ever reads the most recent one.

# Layout

	<root>/<service>/<timestamp>/data/           copied tree
	<root>/<service>/<timestamp>/snapshot.json   metadata

A snapshot is built under "<timestamp>.partial" and renamed into place, so a
crash mid-copy never leaves a directory that List would return.

When an Archiver is configured, the copied tree is also pushed to the
external archive and the archive id is stored in the metadata. Any archive
error fails the snapshot.
*/
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoSnapshot is returned when a service has no snapshot to restore.
	ErrNoSnapshot = errors.New("no snapshot")

	// ErrSourceMissing is returned when the data path does not exist.
	ErrSourceMissing = errors.New("snapshot source missing")
)

const (
	metadataFile = "snapshot.json"
	dataDir      = "data"
	partialExt   = ".partial"

	// timeFormat sorts lexically in creation order.
	timeFormat = "20060102T150405.000000000Z"
)

// =============================================================================
// Types
// =============================================================================

// Snapshot describes one immutable copy of a service's data path.
type Snapshot struct {
	ID           string    `json:"id"`
	Service      string    `json:"service"`
	SourcePath   string    `json:"source_path"`
	SnapshotPath string    `json:"snapshot_path"`
	CreatedAt    time.Time `json:"created_at"`
	SizeBytes    int64     `json:"size_bytes"`
	ArchiveID    string    `json:"archive_id,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

// Coordinator takes and restores snapshots.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Coordinator interface {
	// Snapshot copies sourcePath and records it under service.
	Snapshot(ctx context.Context, service, sourcePath string) (Snapshot, error)

	// Latest returns the newest snapshot for service or ErrNoSnapshot.
	Latest(service string) (Snapshot, error)

	// List returns every snapshot for service, newest first.
	List(service string) ([]Snapshot, error)

	// Restore replaces dest with the snapshot's tree.
	Restore(ctx context.Context, snap Snapshot, dest string) error
}

// Archiver pushes snapshots to an external backup service.
type Archiver interface {
	// Archive stores path under tags and returns the archive's snapshot id.
	Archive(ctx context.Context, path string, tags []string) (string, error)

	// ListArchives returns archive snapshot ids carrying all tags.
	ListArchives(ctx context.Context, tags []string) ([]string, error)
}

// Config configures a DirCoordinator.
type Config struct {
	// Root is the snapshot root directory.
	Root string

	// Archiver is optional.
	Archiver Archiver

	Logger *slog.Logger

	// Now is overridable for tests.
	Now func() time.Time
}

// =============================================================================
// Implementation
// =============================================================================

// DirCoordinator stores snapshots as directory copies under Root.
type DirCoordinator struct {
	root     string
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewDirCoordinator creates a coordinator rooted at config.Root.
func NewDirCoordinator(config Config) *DirCoordinator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &DirCoordinator{
		root:     config.Root,
		archiver: config.Archiver,
		logger:   config.Logger.With("component", "backup"),
		now:      config.Now,
	}
}

// Snapshot copies sourcePath into a new timestamped snapshot.
//
// # Description
//
// Copies the tree (modes, mtimes, symlinks, and ownership when running as
// root) into a partial directory, archives it when an Archiver is set,
// writes metadata, and renames the partial directory into place. On any
// error the partial directory is removed and no snapshot exists.
//
// # Outputs
//
//   - Snapshot: The recorded snapshot
//   - error: Wraps ErrSourceMissing when sourcePath does not exist
func (c *DirCoordinator) Snapshot(ctx context.Context, service, sourcePath string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(sourcePath)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSourceMissing, sourcePath)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("stat %s: %w", sourcePath, err)
	}
	if !info.IsDir() {
		return Snapshot{}, fmt.Errorf("snapshot source %s is not a directory", sourcePath)
	}

	created := c.now().UTC()
	serviceDir := filepath.Join(c.root, service)
	final := filepath.Join(serviceDir, created.Format(timeFormat))
	if _, err := os.Stat(final); err == nil {
		return Snapshot{}, fmt.Errorf("snapshot %s already exists", final)
	}
	partial := final + partialExt
	if err := os.MkdirAll(partial, 0o700); err != nil {
		return Snapshot{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(partial)
		}
	}()

	size, err := copyTree(ctx, sourcePath, filepath.Join(partial, dataDir))
	if err != nil {
		return Snapshot{}, fmt.Errorf("copy %s: %w", sourcePath, err)
	}

	snap := Snapshot{
		ID:           uuid.NewString(),
		Service:      service,
		SourcePath:   sourcePath,
		SnapshotPath: filepath.Join(final, dataDir),
		CreatedAt:    created,
		SizeBytes:    size,
		Tags:         []string{"labctl", "service=" + service},
	}

	if c.archiver != nil {
		id, err := c.archiver.Archive(ctx, filepath.Join(partial, dataDir), snap.Tags)
		if err != nil {
			return Snapshot{}, fmt.Errorf("archive %s: %w", service, err)
		}
		snap.ArchiveID = id
	}

	if err := util.WriteJSONAtomic(filepath.Join(partial, metadataFile), snap, 0o600); err != nil {
		return Snapshot{}, err
	}
	if err := os.Rename(partial, final); err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot: %w", err)
	}
	committed = true

	c.logger.Info("snapshot created",
		"service", service,
		"path", snap.SnapshotPath,
		"size_bytes", size,
		"archive_id", snap.ArchiveID)
	return snap, nil
}

// List returns completed snapshots for service, newest first.
//
// Partial directories and entries without readable metadata are skipped.
func (c *DirCoordinator) List(service string) ([]Snapshot, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, service))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", service, err)
	}

	var snaps []Snapshot
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), partialExt) {
			continue
		}
		var snap Snapshot
		path := filepath.Join(c.root, service, e.Name(), metadataFile)
		if err := util.ReadJSON(path, &snap); err != nil {
			c.logger.Warn("skipping unreadable snapshot", "path", path, "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// Latest returns the newest snapshot for service.
func (c *DirCoordinator) Latest(service string) (Snapshot, error) {
	snaps, err := c.List(service)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, fmt.Errorf("%w for %s", ErrNoSnapshot, service)
	}
	return snaps[0], nil
}

// Restore replaces dest with the snapshot's tree.
//
// # Description
//
// The tree is copied into a sibling of dest first; only when the copy is
// complete is the current dest moved aside and the copy renamed into
// place. Content present in dest but absent from the snapshot is gone
// afterwards (replace, not merge). The snapshot itself is untouched.
func (c *DirCoordinator) Restore(ctx context.Context, snap Snapshot, dest string) error {
	if _, err := os.Stat(snap.SnapshotPath); err != nil {
		return fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+".restore-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	tree := filepath.Join(staging, "tree")
	if _, err := copyTree(ctx, snap.SnapshotPath, tree); err != nil {
		return fmt.Errorf("stage restore: %w", err)
	}

	old := filepath.Join(staging, "previous")
	hadDest := true
	if err := os.Rename(dest, old); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("move aside %s: %w", dest, err)
		}
		hadDest = false
	}
	if err := os.Rename(tree, dest); err != nil {
		if hadDest {
			_ = os.Rename(old, dest)
		}
		return fmt.Errorf("swap in restored tree: %w", err)
	}

	c.logger.Info("snapshot restored", "service", snap.Service, "snapshot", snap.ID, "dest", dest)
	return nil
}

var _ Coordinator = (*DirCoordinator)(nil)
