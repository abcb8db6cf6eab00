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

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_AppendAndCurrent(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state", "migrations.json"))

	_, ok, err := s.Current("alpha")
	require.NoError(t, err)
	assert.False(t, ok)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(Record{ID: "1", Service: "alpha", State: StateBackingUp, Timestamp: ts, Attempt: 1}))
	require.NoError(t, s.Append(Record{ID: "2", Service: "alpha", State: StateManaged, Timestamp: ts, Attempt: 1}))
	require.NoError(t, s.Append(Record{ID: "3", Service: "beta", State: StateFailed, Timestamp: ts, Attempt: 1, Message: "backup failed"}))

	cur, ok, err := s.Current("alpha")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", cur.ID)
	assert.True(t, cur.Timestamp.Equal(ts))

	history, err := s.History("alpha")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	all, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, SortedNames(all))
	assert.Equal(t, "backup failed", all["beta"].Message)
}

// TestFileStore_SharedAcrossInstances checks a second store on the same
// file sees appends made by the first.
func TestFileStore_SharedAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrations.json")
	a := NewFileStore(path)
	b := NewFileStore(path)

	require.NoError(t, a.Append(Record{ID: "1", Service: "alpha", State: StateSwitching, Attempt: 1}))
	cur, ok, err := b.Current("alpha")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateSwitching, cur.State)
}

func TestFileStore_RejectsInvalidRecord(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "m.json"))
	assert.Error(t, s.Append(Record{Service: "alpha", State: "Sideways"}))
	assert.Error(t, s.Append(Record{State: StateManaged}))
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, _, err := NewFileStore(path).Current("alpha")
	assert.ErrorIs(t, err, ErrCorruptStore)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"services":{"alpha":{"current":3,"history":[]}}}`), 0o644))
	_, err = NewFileStore(path).All()
	assert.ErrorIs(t, err, ErrCorruptStore)
}

func TestState_Classification(t *testing.T) {
	for _, s := range AllStates {
		assert.True(t, s.IsValid(), s)
		assert.False(t, s.IsTransient() && s.IsTerminal(), s)
	}
	assert.True(t, StateAwaitingReady.IsTransient())
	assert.True(t, StateRolledBack.IsTerminal())
	assert.False(t, State("Unknown").IsValid())

	assert.Equal(t, "managed", Record{State: StateManaged}.ActiveForm())
	assert.Equal(t, "legacy", Record{State: StateRolledBack}.ActiveForm())
	assert.Equal(t, "", Record{State: StateFailed}.ActiveForm())
}
