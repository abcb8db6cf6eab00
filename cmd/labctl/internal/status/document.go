// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package status maintains the shared live-status document.
//
// The document has one section per owner: the status writer owns services,
// the conflict detector owns hazards, and each dependency monitor owns its
// entry under dependencies. Owners update their section in memory through
// the Registry and flush the whole document with write-temp-then-rename, so
// a reader such as `labctl status` never observes a partial document.
package status

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// ErrNoDocument is returned by Read when no document has been written yet.
var ErrNoDocument = errors.New("status document not found")

// Service health values.
const (
	Healthy   = "healthy"
	Unhealthy = "unhealthy"
	Unknown   = "unknown"
)

// ServiceStatus is one entry of the services section.
type ServiceStatus struct {
	Endpoint  string    `json:"endpoint"`
	Status    string    `json:"status"`
	LastCheck time.Time `json:"last_check"`

	// Form is "legacy" or "managed": which form was probed.
	Form string `json:"form,omitempty"`

	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Hazard records both forms of a service active at once.
type Hazard struct {
	Service          string    `json:"service"`
	DetectedAt       time.Time `json:"detected_at"`
	ConsecutiveTicks int       `json:"consecutive_ticks"`

	// AutoRollback is set once the detector has triggered a rollback.
	AutoRollback bool `json:"auto_rollback,omitempty"`
}

// DependencyState is the health of one external dependency as last seen
// by its monitor.
type DependencyState struct {
	Mounted             bool      `json:"mounted"`
	Reachable           bool      `json:"reachable"`
	Writable            bool      `json:"writable"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RecoveryAttempts    int       `json:"recovery_attempts"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	LastError           string    `json:"last_error,omitempty"`
	RecoveryExhausted   bool      `json:"recovery_exhausted,omitempty"`
}

// Healthy reports whether every check passed.
func (d DependencyState) Healthy() bool {
	return d.Mounted && d.Reachable && d.Writable
}

// Document is the serialized status document.
type Document struct {
	Timestamp    time.Time                  `json:"timestamp"`
	Services     map[string]ServiceStatus   `json:"services"`
	Hazards      map[string]Hazard          `json:"hazards"`
	Dependencies map[string]DependencyState `json:"dependencies"`
}

// ServiceNames returns the service names in order.
func (d Document) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for name := range d.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DependencyNames returns the dependency names in order.
func (d Document) DependencyNames() []string {
	names := make([]string, 0, len(d.Dependencies))
	for name := range d.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newDocument() Document {
	return Document{
		Services:     make(map[string]ServiceStatus),
		Hazards:      make(map[string]Hazard),
		Dependencies: make(map[string]DependencyState),
	}
}

// clone deep-copies the maps so callers never share them with the Registry.
func (d Document) clone() Document {
	out := newDocument()
	out.Timestamp = d.Timestamp
	for k, v := range d.Services {
		out.Services[k] = v
	}
	for k, v := range d.Hazards {
		out.Hazards[k] = v
	}
	for k, v := range d.Dependencies {
		out.Dependencies[k] = v
	}
	return out
}

// =============================================================================
// Registry
// =============================================================================

// Registry holds the in-memory document and flushes it to Path.
//
// # Thread Safety
//
// Safe for concurrent use. Setters replace one section or entry; Flush
// writes a consistent copy of the whole document.
type Registry struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu  sync.Mutex
	doc Document

	// flushMu orders writers so an older copy never replaces a newer one.
	flushMu sync.Mutex
}

// NewRegistry creates a Registry writing to path.
//
// An existing document at path seeds the in-memory copy, so a restarted
// daemon keeps dependency counters and hazards until their owners report.
func NewRegistry(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:   path,
		now:    time.Now,
		logger: logger.With("component", "status"),
		doc:    newDocument(),
	}
	if doc, err := Read(path); err == nil {
		r.doc = doc
	} else if !errors.Is(err, ErrNoDocument) {
		r.logger.Warn("ignoring unreadable status document", "path", path, "error", err)
	}
	return r
}

// Path returns the document path.
func (r *Registry) Path() string {
	return r.path
}

// SetServices replaces the services section.
func (r *Registry) SetServices(services map[string]ServiceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Services = make(map[string]ServiceStatus, len(services))
	for k, v := range services {
		r.doc.Services[k] = v
	}
}

// SetHazards replaces the hazards section.
func (r *Registry) SetHazards(hazards map[string]Hazard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Hazards = make(map[string]Hazard, len(hazards))
	for k, v := range hazards {
		r.doc.Hazards[k] = v
	}
}

// SetDependency replaces one dependency entry.
func (r *Registry) SetDependency(name string, state DependencyState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Dependencies[name] = state
}

// Dependency returns the stored entry for name.
func (r *Registry) Dependency(name string) (DependencyState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.doc.Dependencies[name]
	return s, ok
}

// Snapshot returns a copy of the current document.
func (r *Registry) Snapshot() Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.clone()
}

// Flush stamps the document and atomically replaces the file.
func (r *Registry) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	r.doc.Timestamp = r.now().UTC()
	doc := r.doc.clone()
	r.mu.Unlock()

	if err := util.WriteJSONAtomic(r.path, doc, 0o644); err != nil {
		return fmt.Errorf("flush status document: %w", err)
	}
	return nil
}

// Read loads the document at path.
func Read(path string) (Document, error) {
	doc := newDocument()
	err := util.ReadJSON(path, &doc)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, fmt.Errorf("%w: %s", ErrNoDocument, path)
	}
	if err != nil {
		return Document{}, err
	}
	if doc.Services == nil {
		doc.Services = make(map[string]ServiceStatus)
	}
	if doc.Hazards == nil {
		doc.Hazards = make(map[string]Hazard)
	}
	if doc.Dependencies == nil {
		doc.Dependencies = make(map[string]DependencyState)
	}
	return doc, nil
}
