// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets reads credential files materialized before startup.
//
// An external service decrypts secrets into a runtime-only directory
// (default /run/secrets). labctl reads the files there and never touches
// the encrypted sources.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDir is where secrets are materialized.
const DefaultDir = "/run/secrets"

var (
	// ErrNotFound is returned when the named secret file does not exist.
	ErrNotFound = errors.New("secret not found")

	// ErrInvalidName is returned for names that would escape the directory.
	ErrInvalidName = errors.New("invalid secret name")
)

// Dir is a read-only view of a secrets directory.
type Dir struct {
	root   string
	logger *slog.Logger
}

// NewDir creates a Dir rooted at root; empty selects DefaultDir.
func NewDir(root string, logger *slog.Logger) *Dir {
	if root == "" {
		root = DefaultDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{root: root, logger: logger.With("component", "secrets")}
}

// Path returns the absolute path of the named secret after checking it
// exists and is a regular file. Collaborators that accept a file (such as
// RESTIC_PASSWORD_FILE) get the path, not the content.
func (d *Dir) Path(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(d.root, name)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("stat secret %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret %s is not a regular file", name)
	}
	if info.Mode().Perm()&0o004 != 0 {
		d.logger.Warn("secret file is world-readable", "name", name, "mode", info.Mode().Perm().String())
	}
	return path, nil
}

// Read returns the named secret with surrounding whitespace trimmed.
func (d *Dir) Read(name string) (string, error) {
	path, err := d.Path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Root returns the directory being read.
func (d *Dir) Root() string {
	return d.root
}
