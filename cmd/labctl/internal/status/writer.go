// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/migration"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/probe"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/registry"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Interval between probes of every service. Default 30s.
	Interval time.Duration

	Logger *slog.Logger
}

// DefaultWriterConfig returns the production settings.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{Interval: 30 * time.Second}
}

// Writer owns the services section: each tick it probes every service at
// the endpoint of its active form and flushes the document.
type Writer struct {
	config   WriterConfig
	status   *Registry
	services *registry.Registry
	prober   probe.Prober
	records  migration.Store
	logger   *slog.Logger
}

// NewWriter creates a Writer. records may be nil, in which case every
// service is probed at its legacy endpoint.
func NewWriter(config WriterConfig, status *Registry, services *registry.Registry, prober probe.Prober, records migration.Store) *Writer {
	if config.Interval <= 0 {
		config.Interval = DefaultWriterConfig().Interval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Writer{
		config:   config,
		status:   status,
		services: services,
		prober:   prober,
		records:  records,
		logger:   config.Logger.With("component", "status-writer"),
	}
}

// Run ticks until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	loop := &util.Loop{Name: "status-writer", Interval: w.config.Interval, Tick: w.Tick, Logger: w.logger}
	return loop.Run(ctx)
}

// Tick probes every service once and flushes.
func (w *Writer) Tick(ctx context.Context) {
	services := make(map[string]ServiceStatus, w.services.Len())
	for _, svc := range w.services.Services() {
		services[svc.Name] = w.check(ctx, svc)
	}
	w.status.SetServices(services)
	if err := w.status.Flush(); err != nil {
		w.logger.Error("status flush failed", "error", err)
	}
}

func (w *Writer) form(name string) string {
	form, err := migration.FormOf(w.records, name)
	if err != nil {
		w.logger.Warn("could not read migration record", "service", name, "error", err)
	}
	return form
}

func (w *Writer) check(ctx context.Context, svc registry.ServiceDescriptor) ServiceStatus {
	form := w.form(svc.Name)
	endpoint := svc.HealthURL()
	if form == "legacy" {
		endpoint = svc.LegacyHealthURL()
	}
	st := ServiceStatus{Endpoint: endpoint, Form: form, LastCheck: time.Now().UTC()}
	if !svc.HasHealthPath() {
		st.Status = Unknown
		return st
	}

	res := w.prober.Probe(ctx, endpoint)
	st.LastCheck = res.CheckedAt.UTC()
	if res.CheckedAt.IsZero() {
		st.LastCheck = time.Now().UTC()
	}
	st.LatencyMs = res.Latency.Milliseconds()
	if res.Healthy {
		st.Status = Healthy
	} else {
		st.Status = Unhealthy
		st.Error = res.Error()
		w.logger.Debug("service unhealthy", "service", svc.Name, "endpoint", endpoint, "error", res.Err)
	}
	return st
}
