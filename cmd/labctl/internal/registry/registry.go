// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry is the static catalog of services and dependencies.
//
// The registry is built once at startup from configuration, validated, and
// then shared read-only by every other component. Structural problems
// (duplicate names, unknown references, dependency cycles) are rejected
// here so no monitor or migration ever starts against a broken catalog.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/process"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrDuplicateName is returned when two entries share a name.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrUnknownDependency is returned when DependsOn names nothing known.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyCycle is returned when services depend on each other in a loop.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrUnknownService is returned by lookups for names not in the registry.
	ErrUnknownService = errors.New("unknown service")

	// ErrInvalidDescriptor is returned for descriptors missing required fields.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// =============================================================================
// Types
// =============================================================================

// Criticality ranks how much a service failure matters.
type Criticality string

const (
	// CriticalityCritical failures make validation exit non-zero.
	CriticalityCritical Criticality = "critical"

	// CriticalityNormal failures are reported but not escalated.
	CriticalityNormal Criticality = "normal"
)

// ServiceDescriptor describes one service and both of its unit forms.
type ServiceDescriptor struct {
	Name        string
	Host        string
	Port        int
	HealthPath  string
	DataPath    string
	DependsOn   []string
	Criticality Criticality

	// LegacyUnit is the pre-migration systemd unit. Default "<name>.service".
	LegacyUnit string

	// ManagedUnit is the container unit. Default "podman-<name>.service".
	ManagedUnit string

	// LegacyPort and LegacyHealthPath locate the legacy health endpoint
	// when it differs from the managed one.
	LegacyPort       int
	LegacyHealthPath string

	// StopGracePeriod bounds a graceful stop of either form.
	StopGracePeriod time.Duration
}

// IsCritical reports whether failures of this service are escalated.
func (s ServiceDescriptor) IsCritical() bool {
	return s.Criticality == CriticalityCritical
}

// HasHealthPath reports whether the service exposes an HTTP health endpoint.
func (s ServiceDescriptor) HasHealthPath() bool {
	return s.HealthPath != ""
}

// LegacyRef is the process reference for the legacy form.
func (s ServiceDescriptor) LegacyRef() process.Ref {
	return process.Ref{Service: s.Name, Unit: s.LegacyUnit}
}

// ManagedRef is the process reference for the managed form.
func (s ServiceDescriptor) ManagedRef() process.Ref {
	return process.Ref{Service: s.Name, Unit: s.ManagedUnit}
}

// HealthURL is the managed form's health endpoint.
func (s ServiceDescriptor) HealthURL() string {
	return buildURL(s.Host, s.Port, s.HealthPath)
}

// LegacyHealthURL is the legacy form's health endpoint.
func (s ServiceDescriptor) LegacyHealthURL() string {
	return buildURL(s.Host, s.LegacyPort, s.LegacyHealthPath)
}

// URL returns path on the port of the given form ("legacy" or "managed").
func (s ServiceDescriptor) URL(form, path string) string {
	if form == "legacy" {
		return buildURL(s.Host, s.LegacyPort, path)
	}
	return buildURL(s.Host, s.Port, path)
}

func buildURL(host string, port int, path string) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}

// DependencyDescriptor describes one shared external dependency, typically
// a network filesystem mount.
type DependencyDescriptor struct {
	Name       string
	MountPoint string
	RemoteHost string
	RemotePort int

	// MountUnit is the systemd mount unit used to remount, if any.
	MountUnit string

	// TestFileName is written and removed under MountPoint by the write check.
	TestFileName string
}

// RemoteAddress returns host:port for the reachability check.
func (d DependencyDescriptor) RemoteAddress() string {
	return net.JoinHostPort(d.RemoteHost, strconv.Itoa(d.RemotePort))
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the validated, immutable catalog.
//
// # Thread Safety
//
// Immutable after New; safe for concurrent reads. Accessors return copies.
type Registry struct {
	services     map[string]ServiceDescriptor
	dependencies map[string]DependencyDescriptor
	order        []string
	depOrder     []string
}

// New validates the descriptors and builds a Registry.
//
// # Description
//
// Applies defaults, then checks in order: required fields, unique names
// across services and dependencies, every DependsOn entry is known, and the
// service graph is acyclic. Services are ordered dependencies-first with
// ties broken by name so MigrateAll is deterministic.
//
// # Outputs
//
//   - *Registry: The catalog
//   - error: Wraps ErrInvalidDescriptor, ErrDuplicateName,
//     ErrUnknownDependency, or ErrDependencyCycle
func New(services []ServiceDescriptor, dependencies []DependencyDescriptor) (*Registry, error) {
	r := &Registry{
		services:     make(map[string]ServiceDescriptor, len(services)),
		dependencies: make(map[string]DependencyDescriptor, len(dependencies)),
	}

	for _, d := range dependencies {
		d = applyDependencyDefaults(d)
		if d.Name == "" || d.MountPoint == "" {
			return nil, fmt.Errorf("%w: dependency %q needs name and mount point", ErrInvalidDescriptor, d.Name)
		}
		if _, dup := r.dependencies[d.Name]; dup {
			return nil, fmt.Errorf("%w: dependency %q", ErrDuplicateName, d.Name)
		}
		r.dependencies[d.Name] = d
		r.depOrder = append(r.depOrder, d.Name)
	}
	sort.Strings(r.depOrder)

	for _, s := range services {
		s = applyServiceDefaults(s)
		if s.Name == "" || s.Port <= 0 {
			return nil, fmt.Errorf("%w: service %q needs name and port", ErrInvalidDescriptor, s.Name)
		}
		if _, dup := r.services[s.Name]; dup {
			return nil, fmt.Errorf("%w: service %q", ErrDuplicateName, s.Name)
		}
		if _, dup := r.dependencies[s.Name]; dup {
			return nil, fmt.Errorf("%w: %q is both a service and a dependency", ErrDuplicateName, s.Name)
		}
		r.services[s.Name] = s
	}

	for _, s := range r.services {
		for _, dep := range s.DependsOn {
			_, isSvc := r.services[dep]
			_, isDep := r.dependencies[dep]
			if !isSvc && !isDep {
				return nil, fmt.Errorf("%w: service %q depends on %q", ErrUnknownDependency, s.Name, dep)
			}
			if dep == s.Name {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, s.Name)
			}
		}
	}

	order, err := r.topologicalOrder()
	if err != nil {
		return nil, err
	}
	r.order = order
	return r, nil
}

func applyServiceDefaults(s ServiceDescriptor) ServiceDescriptor {
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.LegacyUnit == "" {
		s.LegacyUnit = s.Name + ".service"
	}
	if s.ManagedUnit == "" {
		s.ManagedUnit = "podman-" + s.Name + ".service"
	}
	if s.LegacyPort == 0 {
		s.LegacyPort = s.Port
	}
	if s.LegacyHealthPath == "" {
		s.LegacyHealthPath = s.HealthPath
	}
	if s.Criticality == "" {
		s.Criticality = CriticalityNormal
	}
	s.DependsOn = append([]string(nil), s.DependsOn...)
	return s
}

func applyDependencyDefaults(d DependencyDescriptor) DependencyDescriptor {
	if d.RemotePort == 0 {
		d.RemotePort = 2049
	}
	if d.TestFileName == "" {
		d.TestFileName = ".labctl-write-test"
	}
	return d
}

// topologicalOrder runs Kahn's algorithm over service-to-service edges.
func (r *Registry) topologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(r.services))
	dependents := make(map[string][]string, len(r.services))
	for name, s := range r.services {
		indegree[name] += 0
		for _, dep := range s.DependsOn {
			if _, isSvc := r.services[dep]; !isSvc {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(r.services))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := dependents[name]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(r.services) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w among %s", ErrDependencyCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}

// =============================================================================
// Accessors
// =============================================================================

// Service returns the named descriptor.
func (r *Registry) Service(name string) (ServiceDescriptor, error) {
	s, ok := r.services[name]
	if !ok {
		return ServiceDescriptor{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return s, nil
}

// Services returns every service, dependencies first.
func (r *Registry) Services() []ServiceDescriptor {
	out := make([]ServiceDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.services[name])
	}
	return out
}

// Names returns service names in Services order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Dependency returns the named dependency descriptor.
func (r *Registry) Dependency(name string) (DependencyDescriptor, bool) {
	d, ok := r.dependencies[name]
	return d, ok
}

// Dependencies returns every dependency, sorted by name.
func (r *Registry) Dependencies() []DependencyDescriptor {
	out := make([]DependencyDescriptor, 0, len(r.depOrder))
	for _, name := range r.depOrder {
		out = append(out, r.dependencies[name])
	}
	return out
}

// DependentsOf returns services whose DependsOn names dep directly, in
// Services order.
func (r *Registry) DependentsOf(dep string) []ServiceDescriptor {
	var out []ServiceDescriptor
	for _, name := range r.order {
		s := r.services[name]
		for _, d := range s.DependsOn {
			if d == dep {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Len returns the number of services.
func (r *Registry) Len() int {
	return len(r.services)
}
