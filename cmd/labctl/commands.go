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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	jsonOutput bool
	logLevel   string

	performanceRun bool   // validate --performance
	resolveTo      string // migrate resolve --to
	logsManaged    bool   // logs --managed
	logsLines      int    // logs -n
	statusWatch    bool   // status --watch

	rootCmd = &cobra.Command{
		Use:   "labctl",
		Short: "Migrate homelab services between unit forms and supervise their health",
		Long: `labctl moves services from their legacy systemd unit to a managed
container unit and back, backs up their data before every switch, and
supervises the host: health probes, conflicting forms, storage mounts,
and scheduled validation.`,
		SilenceUsage: true,
	}

	// --- Migration ---
	migrateCmd = &cobra.Command{
		Use:   "migrate <service|all>",
		Short: "Migrate a service (or all, in dependency order) to its managed form",
		Args:  cobra.ExactArgs(1),
		Run:   runMigrateCommand, // Defined in cmd_migrate.go
	}
	migrateStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the current migration record of every service",
		Args:  cobra.NoArgs,
		Run:   runMigrateStatusCommand, // Defined in cmd_migrate.go
	}
	migrateResolveCmd = &cobra.Command{
		Use:   "resolve <service>",
		Short: "Record the operator-verified form of a stuck or rollback-failed service",
		Args:  cobra.ExactArgs(1),
		Run:   runMigrateResolveCommand, // Defined in cmd_migrate.go
	}
	rollbackCmd = &cobra.Command{
		Use:   "rollback <service|all>",
		Short: "Return a service (or all, in reverse dependency order) to its legacy form",
		Args:  cobra.ExactArgs(1),
		Run:   runRollbackCommand, // Defined in cmd_rollback.go
	}

	// --- Health ---
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check every service and dependency once",
		Args:  cobra.NoArgs,
		Run:   runHealthCommand, // Defined in cmd_health.go
	}
	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Run the validation suite and save the report",
		Args:  cobra.NoArgs,
		Run:   runValidateCommand, // Defined in cmd_validate.go
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the status document written by the daemon",
		Args:  cobra.NoArgs,
		Run:   runStatusCommand, // Defined in cmd_status.go
	}

	// --- Data ---
	backupCmd = &cobra.Command{
		Use:   "backup [service|all]",
		Short: "Snapshot the data path of a service (default all)",
		Args:  cobra.MaximumNArgs(1),
		Run:   runBackupCommand, // Defined in cmd_backup.go
	}
	backupListCmd = &cobra.Command{
		Use:   "list <service>",
		Short: "List snapshots and archive ids for a service",
		Args:  cobra.ExactArgs(1),
		Run:   runBackupListCommand, // Defined in cmd_backup.go
	}

	// --- Utilities ---
	logsCmd = &cobra.Command{
		Use:   "logs <service>",
		Short: "Show journal lines for the active form of a service",
		Args:  cobra.ExactArgs(1),
		Run:   runLogsCommand, // Defined in cmd_logs.go
	}
	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the status writer, conflict detector, dependency monitors and validation scheduler",
		Args:  cobra.NoArgs,
		Run:   runDaemonCommand, // Defined in cmd_daemon.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to labctl.yaml (default /etc/labctl/labctl.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print results as a JSON envelope")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (overrides log.level)")

	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateResolveCmd)
	migrateResolveCmd.Flags().StringVar(&resolveTo, "to", "",
		"Form the service is verified to be running in: legacy or managed")
	_ = migrateResolveCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(healthCmd)

	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&performanceRun, "performance", false,
		"Also run the latency tests")

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false,
		"Reprint whenever the status document changes")

	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupListCmd)

	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVar(&logsManaged, "managed", false,
		"Read the managed unit even when the legacy form is active")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of journal lines")

	rootCmd.AddCommand(daemonCmd)
}
