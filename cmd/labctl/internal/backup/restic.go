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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
)

// ErrNoArchiveID is returned when restic finished without reporting a snapshot id.
var ErrNoArchiveID = errors.New("restic reported no snapshot id")

// ResticConfig locates the restic repository.
type ResticConfig struct {
	// Binary is the restic executable. Default "restic".
	Binary string

	// Repository is passed as RESTIC_REPOSITORY.
	Repository string

	// PasswordFile is passed as RESTIC_PASSWORD_FILE. It points into the
	// runtime secrets directory; labctl never reads the password itself.
	PasswordFile string
}

// Restic archives snapshots with the restic command.
type Restic struct {
	config ResticConfig
	runner process.Runner
}

// NewRestic creates a restic Archiver.
func NewRestic(config ResticConfig, runner process.Runner) *Restic {
	if config.Binary == "" {
		config.Binary = "restic"
	}
	return &Restic{config: config, runner: runner}
}

func (r *Restic) env() []string {
	env := []string{"RESTIC_REPOSITORY=" + r.config.Repository}
	if r.config.PasswordFile != "" {
		env = append(env, "RESTIC_PASSWORD_FILE="+r.config.PasswordFile)
	}
	return env
}

// resticMessage is one line of `restic backup --json` output.
type resticMessage struct {
	MessageType string `json:"message_type"`
	SnapshotID  string `json:"snapshot_id"`
}

// Archive runs `restic backup --json --tag <t>... <path>` and returns the
// snapshot id from the summary message.
func (r *Restic) Archive(ctx context.Context, path string, tags []string) (string, error) {
	args := []string{"backup", "--json"}
	for _, t := range tags {
		args = append(args, "--tag", t)
	}
	args = append(args, path)

	out, err := r.runner.RunWithEnv(ctx, r.env(), r.config.Binary, args...)
	if err != nil {
		return "", fmt.Errorf("restic backup: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		var msg resticMessage
		if json.Unmarshal(scanner.Bytes(), &msg) != nil {
			continue
		}
		if msg.MessageType == "summary" && msg.SnapshotID != "" {
			return msg.SnapshotID, nil
		}
	}
	return "", ErrNoArchiveID
}

// ListArchives runs `restic snapshots --json --tag a,b` and returns ids.
func (r *Restic) ListArchives(ctx context.Context, tags []string) ([]string, error) {
	args := []string{"snapshots", "--json"}
	if len(tags) > 0 {
		args = append(args, "--tag", strings.Join(tags, ","))
	}

	out, err := r.runner.RunWithEnv(ctx, r.env(), r.config.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("restic snapshots: %w", err)
	}

	var snaps []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &snaps); err != nil {
		return nil, fmt.Errorf("decode restic snapshots: %w", err)
	}
	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

var _ Archiver = (*Restic)(nil)
