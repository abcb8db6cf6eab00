// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDir_ReadAndPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "restic-password"), []byte("hunter2\n"), 0o400))

	d := NewDir(root, nil)
	value, err := d.Read("restic-password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)

	path, err := d.Path("restic-password")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "restic-password"), path)
}

func TestDir_Errors(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "subdir"), 0o700))
	d := NewDir(root, nil)

	_, err := d.Read("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, name := range []string{"", "..", "../etc/passwd", "a/b"} {
		_, err := d.Path(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}

	_, err = d.Path("subdir")
	assert.ErrorContains(t, err, "not a regular file")
}

func TestNewDir_Default(t *testing.T) {
	assert.Equal(t, DefaultDir, NewDir("", nil).Root())
}
