// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import "time"

// State is a migration state.
type State string

const (
	StateLegacy        State = "Legacy"
	StateBackingUp     State = "BackingUp"
	StateSwitching     State = "Switching"
	StateAwaitingReady State = "AwaitingReady"
	StateManaged       State = "Managed"
	StateRollingBack   State = "RollingBack"
	StateFailed        State = "Failed"
	StateRolledBack    State = "RolledBack"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateLegacy,
	StateBackingUp,
	StateSwitching,
	StateAwaitingReady,
	StateManaged,
	StateRollingBack,
	StateFailed,
	StateRolledBack,
}

// IsTransient reports whether a record in this state means a transition
// was in flight. A transient current record found outside a running
// transition needs manual resolution.
func (s State) IsTransient() bool {
	switch s {
	case StateBackingUp, StateSwitching, StateAwaitingReady, StateRollingBack:
		return true
	}
	return false
}

// IsTerminal reports whether the state ends a transition.
func (s State) IsTerminal() bool {
	switch s {
	case StateManaged, StateRolledBack, StateFailed:
		return true
	}
	return false
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Record is one entry in a service's append-only migration history.
type Record struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`

	// Attempt numbers migrations per service; every record written by one
	// Migrate call and the Rollback that follows it shares the number.
	Attempt int `json:"attempt"`

	// SnapshotPath is the snapshot taken for this attempt, if any.
	SnapshotPath string `json:"snapshot_path,omitempty"`

	// Message is a human-readable note: failure reason, resolution, etc.
	Message string `json:"message,omitempty"`

	// RollbackFailed marks a Failed record produced by Rollback. It is
	// terminal until an operator resolves it.
	RollbackFailed bool `json:"rollback_failed,omitempty"`
}

// ActiveForm returns which unit form the record implies should be running:
// "managed", "legacy", or "" when unknown.
func (r Record) ActiveForm() string {
	switch r.State {
	case StateManaged:
		return "managed"
	case StateLegacy, StateRolledBack:
		return "legacy"
	}
	return ""
}

// FormOf returns the form a service should be checked or restarted in:
// the record's ActiveForm, "legacy" when the service has no record, and
// "managed" for a failed or in-flight transition, since by then the legacy
// unit has been stopped.
func FormOf(s Store, service string) (string, error) {
	if s == nil {
		return "legacy", nil
	}
	rec, ok, err := s.Current(service)
	if err != nil {
		return "legacy", err
	}
	if !ok {
		return "legacy", nil
	}
	if form := rec.ActiveForm(); form != "" {
		return form, nil
	}
	return "managed", nil
}
