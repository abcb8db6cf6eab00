// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command labctl migrates homelab services from legacy systemd units to
// managed container units and supervises their health.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/orther/doomlab-sub000/cmd/labctl/config"
	"github.com/orther/doomlab-sub000/cmd/labctl/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(CLIExitError)
	}
}

func initTelemetry(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	tc := telemetry.DefaultConfig()
	tc.Exporter = cfg.Exporter
	tc.ServiceVersion = version
	if cfg.ServiceName != "" {
		tc.ServiceName = cfg.ServiceName
	}
	if cfg.Endpoint != "" {
		tc.OTLPEndpoint = cfg.Endpoint
	}
	return telemetry.Init(ctx, tc)
}
