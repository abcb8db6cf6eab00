// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/registry"
)

// DefaultPath is used when --config is not given.
const DefaultPath = "/etc/labctl/labctl.yaml"

// StateDirEnv overrides state_dir.
const StateDirEnv = "LABCTL_STATE_DIR"

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// Load reads path over DefaultConfig, applies environment overrides, and
// validates the result. A missing file at DefaultPath yields the defaults;
// a missing file anywhere else is an error.
func Load(path string) (LabConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	case err != nil:
		return LabConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return LabConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if dir := strings.TrimSpace(os.Getenv(StateDirEnv)); dir != "" {
		cfg.StateDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return LabConfig{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without touching the environment.
func Parse(data []byte) (LabConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return LabConfig{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return LabConfig{}, err
	}
	return cfg, nil
}

// Validate checks struct tags and that every integration check names a
// declared service.
func (c LabConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	known := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		known[s.Name] = true
	}
	for _, check := range c.Validation.Integration {
		if !known[check.Service] {
			return fmt.Errorf("invalid config: integration check %q: unknown service %q", check.Name, check.Service)
		}
		if check.Requires != "" && !known[check.Requires] {
			return fmt.Errorf("invalid config: integration check %q: unknown service %q", check.Name, check.Requires)
		}
	}
	return nil
}

// Registry builds the service registry. Reference and cycle errors from
// registry.New are returned unchanged.
func (c LabConfig) Registry() (*registry.Registry, error) {
	services := make([]registry.ServiceDescriptor, 0, len(c.Services))
	for _, s := range c.Services {
		crit := registry.CriticalityNormal
		if s.Critical {
			crit = registry.CriticalityCritical
		}
		services = append(services, registry.ServiceDescriptor{
			Name:             s.Name,
			Host:             s.Host,
			Port:             s.Port,
			HealthPath:       s.HealthPath,
			DataPath:         s.DataPath,
			DependsOn:        s.DependsOn,
			Criticality:      crit,
			LegacyUnit:       s.LegacyUnit,
			ManagedUnit:      s.ManagedUnit,
			LegacyPort:       s.LegacyPort,
			LegacyHealthPath: s.LegacyHealthPath,
			StopGracePeriod:  s.StopGracePeriod,
		})
	}
	deps := make([]registry.DependencyDescriptor, 0, len(c.Dependencies))
	for _, d := range c.Dependencies {
		deps = append(deps, registry.DependencyDescriptor{
			Name:         d.Name,
			MountPoint:   d.MountPoint,
			RemoteHost:   d.RemoteHost,
			RemotePort:   d.RemotePort,
			MountUnit:    d.MountUnit,
			TestFileName: d.TestFileName,
		})
	}
	return registry.New(services, deps)
}
