// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/orther/doomlab-sub000/cmd/labctl/internal/util"
)

// DBusConn is the subset of *dbus.Conn the controller uses.
type DBusConn interface {
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	MaskUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) ([]dbus.MaskUnitFileChange, error)
	UnmaskUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.UnmaskUnitFileChange, error)
	ReloadContext(ctx context.Context) error
	Close()
}

// DialFunc opens a D-Bus connection to systemd.
type DialFunc func(ctx context.Context) (DBusConn, error)

// DialSystemBus connects to the system bus.
func DialSystemBus(ctx context.Context) (DBusConn, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DBusController drives units through the systemd D-Bus API.
//
// # Description
//
// A connection is opened per operation and closed afterwards, so a
// restarted systemd or a dropped bus never leaves the daemon with a stale
// connection. Start and Stop use job mode "replace" and wait on the job
// result channel; any result other than "done" is ErrUnitFailed.
//
// # Thread Safety
//
// Safe for concurrent use; no state is shared between operations.
type DBusController struct {
	dial         DialFunc
	startTimeout time.Duration
	logger       *slog.Logger
}

// NewDBusController creates a D-Bus backed Controller.
//
// # Inputs
//
//   - dial: Connection factory; DialSystemBus in production
//   - startTimeout: Bound for a start job; zero selects util.DefaultStartTimeout
//   - logger: Structured logger; nil selects slog.Default()
func NewDBusController(dial DialFunc, startTimeout time.Duration, logger *slog.Logger) *DBusController {
	if dial == nil {
		dial = DialSystemBus
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DBusController{
		dial:         dial,
		startTimeout: util.EnforceMinTimeout(util.EnforceDefaultTimeout(startTimeout, util.DefaultStartTimeout), util.MinProcessTimeout),
		logger:       logger.With("component", "dbus"),
	}
}

func (d *DBusController) withConn(ctx context.Context, fn func(DBusConn) error) error {
	conn, err := d.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// IsActive reports LoadState "loaded" and ActiveState "active".
func (d *DBusController) IsActive(ctx context.Context, ref Ref) (bool, error) {
	var active bool
	err := d.withConn(ctx, func(conn DBusConn) error {
		units, err := conn.ListUnitsByNamesContext(ctx, []string{ref.Unit})
		if err != nil {
			return fmt.Errorf("query %s: %w", ref, err)
		}
		for _, u := range units {
			if u.Name == ref.Unit {
				active = u.LoadState == "loaded" && u.ActiveState == "active"
			}
		}
		return nil
	})
	return active, err
}

// Start queues a start job and waits for its result.
func (d *DBusController) Start(ctx context.Context, ref Ref) error {
	ctx, cancel := boundedContext(ctx, d.startTimeout, util.DefaultStartTimeout)
	defer cancel()

	d.logger.Debug("starting unit", "unit", ref.Unit)
	return d.withConn(ctx, func(conn DBusConn) error {
		ch := make(chan string, 1)
		if _, err := conn.StartUnitContext(ctx, ref.Unit, "replace", ch); err != nil {
			return fmt.Errorf("%w: start request %s: %w", ErrUnitFailed, ref, err)
		}
		return d.wait(ctx, "start", ref, d.startTimeout, ch)
	})
}

// Stop queues a stop job and waits at most grace for its result.
func (d *DBusController) Stop(ctx context.Context, ref Ref, grace time.Duration) error {
	grace = util.EnforceMinTimeout(util.EnforceDefaultTimeout(grace, util.DefaultStopGracePeriod), util.MinProcessTimeout)
	ctx, cancel := boundedContext(ctx, grace, util.DefaultStopGracePeriod)
	defer cancel()

	d.logger.Debug("stopping unit", "unit", ref.Unit, "grace", grace)
	return d.withConn(ctx, func(conn DBusConn) error {
		ch := make(chan string, 1)
		if _, err := conn.StopUnitContext(ctx, ref.Unit, "replace", ch); err != nil {
			return fmt.Errorf("%w: stop request %s: %w", ErrUnitFailed, ref, err)
		}
		return d.wait(ctx, "stop", ref, grace, ch)
	})
}

func (d *DBusController) wait(ctx context.Context, op string, ref Ref, bound time.Duration, ch <-chan string) error {
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%w: %s %s: job result %q", ErrUnitFailed, op, ref, result)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timeoutError(op, ref, bound)
		}
		return ctx.Err()
	}
}

// Enable unmasks and enables the unit file, then reloads systemd.
func (d *DBusController) Enable(ctx context.Context, ref Ref) error {
	return d.withConn(ctx, func(conn DBusConn) error {
		units := []string{ref.Unit}
		if _, err := conn.UnmaskUnitFilesContext(ctx, units, false); err != nil {
			return fmt.Errorf("unmask %s: %w", ref, err)
		}
		if _, _, err := conn.EnableUnitFilesContext(ctx, units, false, true); err != nil {
			return fmt.Errorf("enable %s: %w", ref, err)
		}
		if err := conn.ReloadContext(ctx); err != nil {
			return fmt.Errorf("daemon reload after enable %s: %w", ref, err)
		}
		return nil
	})
}

// Disable disables and masks the unit file, then reloads systemd.
func (d *DBusController) Disable(ctx context.Context, ref Ref) error {
	return d.withConn(ctx, func(conn DBusConn) error {
		units := []string{ref.Unit}
		if _, err := conn.DisableUnitFilesContext(ctx, units, false); err != nil {
			return fmt.Errorf("disable %s: %w", ref, err)
		}
		if _, err := conn.MaskUnitFilesContext(ctx, units, false, true); err != nil {
			return fmt.Errorf("mask %s: %w", ref, err)
		}
		if err := conn.ReloadContext(ctx); err != nil {
			return fmt.Errorf("daemon reload after disable %s: %w", ref, err)
		}
		return nil
	})
}

var _ Controller = (*DBusController)(nil)
