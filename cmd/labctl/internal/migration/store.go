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
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// ErrCorruptStore is returned when the record document cannot be decoded.
var ErrCorruptStore = errors.New("migration store corrupt")

// Store persists migration records.
//
// # Description
//
// Records are append-only: nothing is ever removed or rewritten. Current
// returns the most recently appended record for a service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds rec to its service's history and makes it current.
	Append(rec Record) error

	// Current returns the current record and whether one exists.
	Current(service string) (Record, bool, error)

	// History returns every record for service, oldest first.
	History(service string) ([]Record, error)

	// All returns the current record of every service that has one.
	All() (map[string]Record, error)
}

// document is the on-disk format, keyed by service name.
type document struct {
	Version  int                       `json:"version"`
	Services map[string]*serviceRecord `json:"services"`
}

type serviceRecord struct {
	// Current indexes into History.
	Current int      `json:"current"`
	History []Record `json:"history"`
}

const documentVersion = 1

// FileStore keeps every record in one JSON document.
//
// # Description
//
// The document is re-read on every call so a CLI process and the daemon
// observe each other's appends, and written with write-temp-then-rename so
// a reader never sees a partial document. Cross-process writers are
// serialized by the migration lock, not by FileStore.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at path. The file is created on first Append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the document path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() (*document, error) {
	doc := &document{Version: documentVersion, Services: make(map[string]*serviceRecord)}
	err := util.ReadJSON(s.path, doc)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptStore, err)
	}
	if doc.Services == nil {
		doc.Services = make(map[string]*serviceRecord)
	}
	for name, sr := range doc.Services {
		if sr == nil || len(sr.History) == 0 || sr.Current < 0 || sr.Current >= len(sr.History) {
			return nil, fmt.Errorf("%w: service %q has an invalid current pointer", ErrCorruptStore, name)
		}
	}
	return doc, nil
}

// Append adds rec and persists the document atomically.
func (s *FileStore) Append(rec Record) error {
	if rec.Service == "" || !rec.State.IsValid() {
		return fmt.Errorf("append record: invalid service %q or state %q", rec.Service, rec.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	sr, ok := doc.Services[rec.Service]
	if !ok {
		sr = &serviceRecord{}
		doc.Services[rec.Service] = sr
	}
	sr.History = append(sr.History, rec)
	sr.Current = len(sr.History) - 1

	if err := util.WriteJSONAtomic(s.path, doc, 0o644); err != nil {
		return fmt.Errorf("persist migration record: %w", err)
	}
	return nil
}

// Current returns the current record for service.
func (s *FileStore) Current(service string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	sr, ok := doc.Services[service]
	if !ok {
		return Record{}, false, nil
	}
	return sr.History[sr.Current], true, nil
}

// History returns a copy of the service's records, oldest first.
func (s *FileStore) History(service string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	sr, ok := doc.Services[service]
	if !ok {
		return nil, nil
	}
	return append([]Record(nil), sr.History...), nil
}

// All returns every service's current record.
func (s *FileStore) All() (map[string]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(doc.Services))
	for name, sr := range doc.Services {
		out[name] = sr.History[sr.Current]
	}
	return out, nil
}

// SortedNames returns the keys of m in order.
func SortedNames(m map[string]Record) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ Store = (*FileStore)(nil)
