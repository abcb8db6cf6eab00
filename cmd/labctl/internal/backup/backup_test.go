// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
)

// writeTree creates a small data directory with nested files and a symlink.
func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "db", "wal"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.yaml"), []byte("port: 8080\n"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "db", "data.bin"), []byte{0, 1, 2, 3, 255}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "db", "wal", "0001"), []byte("wal"), 0o600))
	require.NoError(t, os.Symlink("db/data.bin", filepath.Join(root, "current")))
}

// readTree maps relative path to content (or "-> target" for symlinks).
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(root, path)
		info, err := d.Info()
		require.NoError(t, err)
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			require.NoError(t, err)
			out[rel] = "-> " + link
		case d.IsDir():
			out[rel+"/"] = info.Mode().Perm().String()
		default:
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			out[rel] = info.Mode().Perm().String() + " " + string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func newCoordinator(t *testing.T, archiver Archiver) (*DirCoordinator, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewDirCoordinator(Config{
		Root:     filepath.Join(t.TempDir(), "backups"),
		Archiver: archiver,
		Now:      func() time.Time { return now },
	})
	return c, &now
}

// TestSnapshotRestore_RoundTrip verifies restore(snapshot(X)) == X.
func TestSnapshotRestore_RoundTrip(t *testing.T) {
	data := filepath.Join(t.TempDir(), "alpha")
	writeTree(t, data)
	before := readTree(t, data)

	c, _ := newCoordinator(t, nil)
	snap, err := c.Snapshot(context.Background(), "alpha", data)
	require.NoError(t, err)
	assert.Equal(t, int64(len("port: 8080\n")+5+3), snap.SizeBytes)
	assert.NotEmpty(t, snap.ID)

	// Mutate the live data: change, add, delete.
	require.NoError(t, os.WriteFile(filepath.Join(data, "config.yaml"), []byte("port: 9090\n"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(data, "new-file"), []byte("x"), 0o644))
	require.NoError(t, os.RemoveAll(filepath.Join(data, "db", "wal")))

	require.NoError(t, c.Restore(context.Background(), snap, data))
	assert.Equal(t, before, readTree(t, data))

	// Snapshot is untouched by restore.
	assert.Equal(t, before, readTree(t, snap.SnapshotPath))
}

func TestRestore_MissingDest(t *testing.T) {
	data := filepath.Join(t.TempDir(), "alpha")
	writeTree(t, data)
	c, _ := newCoordinator(t, nil)
	snap, err := c.Snapshot(context.Background(), "alpha", data)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(data))
	require.NoError(t, c.Restore(context.Background(), snap, data))
	assert.FileExists(t, filepath.Join(data, "db", "data.bin"))
}

func TestListAndLatest_NewestFirst(t *testing.T) {
	data := filepath.Join(t.TempDir(), "alpha")
	writeTree(t, data)
	c, now := newCoordinator(t, nil)

	first, err := c.Snapshot(context.Background(), "alpha", data)
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	second, err := c.Snapshot(context.Background(), "alpha", data)
	require.NoError(t, err)

	snaps, err := c.List("alpha")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, second.ID, snaps[0].ID)
	assert.Equal(t, first.ID, snaps[1].ID)

	latest, err := c.Latest("alpha")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestLatest_None(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	_, err := c.Latest("ghost")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshot_SourceMissing(t *testing.T) {
	c, _ := newCoordinator(t, nil)
	_, err := c.Snapshot(context.Background(), "alpha", filepath.Join(t.TempDir(), "absent"))
	assert.ErrorIs(t, err, ErrSourceMissing)
}

func TestSnapshot_SkipsPartialDirectories(t *testing.T) {
	data := filepath.Join(t.TempDir(), "alpha")
	writeTree(t, data)
	c, _ := newCoordinator(t, nil)

	require.NoError(t, os.MkdirAll(filepath.Join(c.root, "alpha", "20260101T000000.000000000Z"+partialExt), 0o700))
	snaps, err := c.List("alpha")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

type fakeArchiver struct {
	err   error
	paths []string
}

func (f *fakeArchiver) Archive(ctx context.Context, path string, tags []string) (string, error) {
	f.paths = append(f.paths, path)
	if f.err != nil {
		return "", f.err
	}
	return "abc123", nil
}

func (f *fakeArchiver) ListArchives(ctx context.Context, tags []string) ([]string, error) {
	return []string{"abc123"}, nil
}

func TestSnapshot_WithArchiver(t *testing.T) {
	data := filepath.Join(t.TempDir(), "alpha")
	writeTree(t, data)
	arch := &fakeArchiver{}
	c, _ := newCoordinator(t, arch)

	snap, err := c.Snapshot(context.Background(), "alpha", data)
	require.NoError(t, err)
	assert.Equal(t, "abc123", snap.ArchiveID)
	assert.Contains(t, snap.Tags, "service=alpha")
	require.Len(t, arch.paths, 1)
}

// TestSnapshot_ArchiveFailureLeavesNothing verifies a failed archive aborts the snapshot.
func TestSnapshot_ArchiveFailureLeavesNothing(t *testing.T) {
	data := filepath.Join(t.TempDir(), "alpha")
	writeTree(t, data)
	c, _ := newCoordinator(t, &fakeArchiver{err: errors.New("repository locked")})

	_, err := c.Snapshot(context.Background(), "alpha", data)
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(c.root, "alpha"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// Restic Tests
// =============================================================================

func TestRestic_Archive(t *testing.T) {
	runner := &process.MockRunner{RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(strings.Join([]string{
			`{"message_type":"status","percent_done":0.5}`,
			`{"message_type":"summary","files_new":3,"snapshot_id":"f00dfeed"}`,
		}, "\n")), nil
	}}
	r := NewRestic(ResticConfig{Repository: "/srv/restic", PasswordFile: "/run/secrets/restic-password"}, runner)

	id, err := r.Archive(context.Background(), "/var/lib/labctl/backups/alpha/x/data", []string{"labctl", "service=alpha"})
	require.NoError(t, err)
	assert.Equal(t, "f00dfeed", id)

	calls := runner.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "restic backup --json --tag labctl --tag service=alpha /var/lib/labctl/backups/alpha/x/data", calls[0].Line())
	assert.Contains(t, calls[0].Env, "RESTIC_REPOSITORY=/srv/restic")
	assert.Contains(t, calls[0].Env, "RESTIC_PASSWORD_FILE=/run/secrets/restic-password")
}

func TestRestic_Archive_NoSummary(t *testing.T) {
	runner := &process.MockRunner{RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(`{"message_type":"status"}`), nil
	}}
	_, err := NewRestic(ResticConfig{}, runner).Archive(context.Background(), "/x", nil)
	assert.ErrorIs(t, err, ErrNoArchiveID)
}

func TestRestic_ListArchives(t *testing.T) {
	runner := &process.MockRunner{RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(`[{"id":"aaa","tags":["labctl"]},{"id":"bbb"}]`), nil
	}}
	r := NewRestic(ResticConfig{Repository: "/srv/restic"}, runner)

	ids, err := r.ListArchives(context.Background(), []string{"labctl", "service=alpha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb"}, ids)
	assert.Equal(t, []string{"restic snapshots --json --tag labctl,service=alpha"}, runner.Lines())
}
