// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/registry"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/status"
)

// ServiceHealth is one service in health output.
type ServiceHealth struct {
	Service   string `json:"service"`
	Form      string `json:"form"`
	Unit      string `json:"unit"`
	Active    bool   `json:"active"`
	Endpoint  string `json:"endpoint,omitempty"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Critical  bool   `json:"critical,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DependencyHealth is one dependency in health output.
type DependencyHealth struct {
	Name string `json:"name"`
	status.DependencyState
}

// HealthResult is the data of the health command.
type HealthResult struct {
	Services     []ServiceHealth    `json:"services"`
	Dependencies []DependencyHealth `json:"dependencies,omitempty"`
	Healthy      bool               `json:"healthy"`
}

func runHealthCommand(cmd *cobra.Command, args []string) {
	withApp(cmd, "health", func(ctx context.Context, a *app, out OutputConfig) int {
		return checkHealth(ctx, a, out)
	})
}

// checkHealth checks every service and dependency concurrently, once. It
// never attempts recovery.
func checkHealth(ctx context.Context, a *app, out OutputConfig) int {
	start := time.Now()
	services := a.services.Services()
	res := HealthResult{
		Services:     make([]ServiceHealth, len(services)),
		Dependencies: make([]DependencyHealth, len(a.monitors)),
		Healthy:      true,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, svc := range services {
		g.Go(func() error {
			res.Services[i] = a.serviceHealth(gctx, svc)
			return nil
		})
	}
	for i, m := range a.monitors {
		g.Go(func() error {
			res.Dependencies[i] = DependencyHealth{Name: m.Name(), DependencyState: m.Check(gctx)}
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range res.Services {
		if s.Status != status.Healthy {
			res.Healthy = false
		}
	}
	for _, d := range res.Dependencies {
		if !d.Healthy() {
			res.Healthy = false
		}
	}

	text := func(w io.Writer) {
		st := newStyles(w)
		rows := make([][]string, 0, len(res.Services))
		for _, s := range res.Services {
			detail := s.Endpoint
			if s.Error != "" {
				detail = s.Error
			} else if s.LatencyMs > 0 {
				detail = fmt.Sprintf("%s (%dms)", s.Endpoint, s.LatencyMs)
			}
			name := s.Service
			if s.Critical {
				name += "*"
			}
			rows = append(rows, []string{st.mark(s.Status == status.Healthy), name, s.Form, s.Unit, st.word(s.Status), detail})
		}
		renderTable(w, []string{"", "SERVICE", "FORM", "UNIT", "STATUS", "DETAIL"}, rows)
		if len(res.Dependencies) > 0 {
			rows = rows[:0]
			for _, d := range res.Dependencies {
				rows = append(rows, []string{st.mark(d.Healthy()), d.Name,
					yesNo(d.Mounted), yesNo(d.Reachable), yesNo(d.Writable), d.LastError})
			}
			renderTable(w, []string{"", "DEPENDENCY", "MOUNTED", "REACHABLE", "WRITABLE", "ERROR"}, rows)
		}
		if res.Healthy {
			fmt.Fprintln(w, st.ok.Render("all services and dependencies healthy"))
		} else {
			fmt.Fprintln(w, st.bad.Render("unhealthy services or dependencies found"))
		}
	}
	return OutputResult(out, "health", start, res, text, !res.Healthy, nil)
}

// serviceHealth requires the active form's unit to be running and, when the
// service has a health path, a healthy probe of that form's endpoint.
func (a *app) serviceHealth(ctx context.Context, svc registry.ServiceDescriptor) ServiceHealth {
	ref, form := a.activeRef(svc)
	h := ServiceHealth{Service: svc.Name, Form: form, Unit: ref.Unit, Critical: svc.IsCritical(), Status: status.Unhealthy}

	active, err := a.procs.IsActive(ctx, ref)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Active = active
	if !active {
		h.Error = ref.Unit + " not active"
		return h
	}
	if !svc.HasHealthPath() {
		h.Status = status.Healthy
		return h
	}

	h.Endpoint = svc.HealthURL()
	if form == "legacy" {
		h.Endpoint = svc.LegacyHealthURL()
	}
	pr := a.prober.Probe(ctx, h.Endpoint)
	h.LatencyMs = pr.Latency.Milliseconds()
	if !pr.Healthy {
		h.Error = pr.Error()
		return h
	}
	h.Status = status.Healthy
	return h
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "NO"
}
