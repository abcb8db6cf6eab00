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
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/metrics"
)

const daemonShutdownTimeout = 5 * time.Second

func runDaemonCommand(cmd *cobra.Command, args []string) {
	out := stdOutput()
	ctx := cmd.Context()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewPrometheusRecorder()
	if err := rec.Register(reg); err != nil {
		OutputError(out, "daemon", "could not register metrics", err)
		exit(CLIExitError)
		return
	}

	a, cleanup, err := loadApp(ctx, appOptions{Metrics: rec})
	if err != nil {
		OutputError(out, "daemon", "could not load configuration", err)
		exit(CLIExitError)
		return
	}
	err = runDaemon(ctx, a, reg)
	cleanup()
	if err != nil {
		OutputError(out, "daemon", "daemon stopped", err)
		exit(CLIExitError)
		return
	}
	exit(CLIExitSuccess)
}

// runDaemon runs every supervision loop until ctx is done.
//
// # Description
//
// Reports unresolved migration records first, then starts the status
// writer, the conflict detector, one monitor per dependency, the validation
// scheduler, and, when daemon.listen_addr is set, the /metrics and /healthz
// listener. A loop that returns an error stops the others.
//
// # Outputs
//
//   - error: nil after a clean shutdown
func runDaemon(ctx context.Context, a *app, gatherer prometheus.Gatherer) error {
	a.reportUnresolved()

	var ln net.Listener
	if addr := a.cfg.Daemon.ListenAddr; addr != "" {
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	writer := a.statusWriter()
	g.Go(func() error { return writer.Run(ctx) })

	detector := a.detector()
	g.Go(func() error { return detector.Run(ctx) })

	for _, m := range a.monitors {
		g.Go(func() error { return m.Run(ctx) })
	}

	scheduler := a.scheduler()
	g.Go(func() error { return scheduler.Run(ctx) })

	if ln != nil {
		srv := &http.Server{
			Handler:           a.daemonHandler(gatherer),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), daemonShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		a.logger.Info("serving metrics", "addr", ln.Addr().String())
	}

	a.logger.Info("daemon started",
		"services", a.services.Len(),
		"dependencies", len(a.monitors),
		"auto_rollback", a.cfg.Conflict.AutoRollback)
	err := g.Wait()
	a.logger.Info("daemon stopped")
	return err
}

// reportUnresolved logs every record left in a transient state or a failed
// rollback. The daemon never resolves these itself.
func (a *app) reportUnresolved() {
	unresolved, err := a.controller.Unresolved()
	if err != nil {
		a.logger.Warn("could not read migration records", "error", err)
		return
	}
	for _, rec := range unresolved {
		a.logger.Error("migration needs manual resolution",
			"service", rec.Service,
			"state", rec.State,
			"attempt", rec.Attempt,
			"since", rec.Timestamp,
			"hint", "labctl migrate resolve "+rec.Service+" --to legacy|managed")
	}
}

// daemonHandler serves /metrics from gatherer and /healthz from the status
// registry.
func (a *app) daemonHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := OutputJSON(w, a.status.Snapshot()); err != nil {
			a.logger.Warn("could not write healthz response", "error", err)
		}
	})
	return mux
}
