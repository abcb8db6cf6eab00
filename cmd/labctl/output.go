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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Operation completed with failed checks or transitions
	CLIExitError    = 2 // Operation could not run
)

// OutputConfig controls output behavior.
type OutputConfig struct {
	JSON bool      // Output as JSON
	Out  io.Writer // Results and progress
	Err  io.Writer // Errors in text mode
}

// CommandResult wraps command output with metadata.
type CommandResult struct {
	APIVersion string    `json:"api_version"`
	Command    string    `json:"command"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// stdOutput is the OutputConfig for the global flags.
func stdOutput() OutputConfig {
	return OutputConfig{JSON: jsonOutput, Out: os.Stdout, Err: os.Stderr}
}

// Progress prints one step line in text mode.
func (o OutputConfig) Progress(format string, args ...any) {
	if o.JSON {
		return
	}
	fmt.Fprintf(o.Out, format+"\n", args...)
}

// OutputJSON writes data as indented JSON.
func OutputJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// OutputError writes an error in the appropriate format.
func OutputError(cfg OutputConfig, cmd, msg string, err error) {
	if cfg.JSON {
		_ = OutputJSON(cfg.Out, CommandResult{
			APIVersion: "1.0",
			Command:    cmd,
			Timestamp:  time.Now(),
			Success:    false,
			Error:      fmt.Sprintf("%s: %v", msg, err),
		})
		return
	}
	fmt.Fprintf(cfg.Err, "Error: %s: %v\n", msg, err)
}

// OutputResult handles all output scenarios with proper formatting.
//
// # Inputs
//
//   - cfg: Output configuration
//   - cmd: Command name for metadata
//   - start: Start time for duration calculation
//   - data: The JSON payload
//   - text: Renders data in text mode; may be nil
//   - hasFindings: Whether any check or transition failed
//   - err: An error that stopped the command
//
// # Outputs
//
//   - int: The exit code to use
func OutputResult(cfg OutputConfig, cmd string, start time.Time, data any, text func(io.Writer), hasFindings bool, err error) int {
	if err != nil {
		OutputError(cfg, cmd, "command failed", err)
		return CLIExitError
	}

	if cfg.JSON {
		result := CommandResult{
			APIVersion: "1.0",
			Command:    cmd,
			Timestamp:  time.Now(),
			DurationMs: time.Since(start).Milliseconds(),
			Success:    !hasFindings,
			Data:       data,
		}
		if encErr := OutputJSON(cfg.Out, result); encErr != nil {
			fmt.Fprintf(cfg.Err, "Failed to encode JSON: %v\n", encErr)
			return CLIExitError
		}
	} else if text != nil {
		text(cfg.Out)
	}

	if hasFindings {
		return CLIExitFindings
	}
	return CLIExitSuccess
}

// =============================================================================
// Text rendering
// =============================================================================

// styles renders for one writer; colors are dropped when w is not a terminal.
type styles struct {
	ok, warn, bad, muted, header lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		ok:     r.NewStyle().Foreground(lipgloss.Color("#2CD7C7")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("#F4D03F")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("#E74C3C")),
		muted:  r.NewStyle().Foreground(lipgloss.Color("#2C4A54")),
		header: r.NewStyle().Bold(true),
	}
}

// mark renders a pass/fail icon.
func (s styles) mark(ok bool) string {
	if ok {
		return s.ok.Render("✓")
	}
	return s.bad.Render("✗")
}

// word colors a status word: healthy/pass green, skip/unknown muted,
// anything else red.
func (s styles) word(v string) string {
	switch v {
	case "healthy", "pass", "Managed", "RolledBack", "Legacy":
		return s.ok.Render(v)
	case "skip", "unknown", "":
		return s.muted.Render(v)
	case "BackingUp", "Switching", "AwaitingReady", "RollingBack":
		return s.warn.Render(v)
	}
	return s.bad.Render(v)
}

// renderTable writes a borderless table.
func renderTable(w io.Writer, headers []string, rows [][]string) {
	st := newStyles(w)
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return st.header.PaddingRight(1)
			}
			return lipgloss.NewStyle().PaddingRight(1)
		})
	fmt.Fprintln(w, t.Render())
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
