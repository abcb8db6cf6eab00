// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"sort"
	"time"
)

// Status is the outcome of one test.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Category names, in the order a run executes them.
const (
	CategoryDependencies = "dependencies"
	CategoryServices     = "services"
	CategoryIntegration  = "integration"
	CategoryPerformance  = "performance"
)

// Categories lists every category in run order.
var Categories = []string{CategoryDependencies, CategoryServices, CategoryIntegration, CategoryPerformance}

// TestResult is the outcome of one named test.
type TestResult struct {
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Summary counts results across all categories.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Report is the result of one validation run.
type Report struct {
	TestID    string                           `json:"test_id"`
	StartedAt time.Time                        `json:"started_at"`
	EndedAt   time.Time                        `json:"ended_at"`
	Results   map[string]map[string]TestResult `json:"results"`
	Summary   Summary                          `json:"summary"`

	// CriticalFailures names critical services whose service test failed.
	CriticalFailures []string `json:"critical_failures,omitempty"`
}

func newReport(id string, started time.Time) *Report {
	return &Report{
		TestID:    id,
		StartedAt: started,
		Results:   make(map[string]map[string]TestResult),
	}
}

func (r *Report) add(category, name string, res TestResult) {
	tests, ok := r.Results[category]
	if !ok {
		tests = make(map[string]TestResult)
		r.Results[category] = tests
	}
	tests[name] = res

	r.Summary.Total++
	switch res.Status {
	case StatusPass:
		r.Summary.Passed++
	case StatusFail:
		r.Summary.Failed++
	case StatusSkip:
		r.Summary.Skipped++
	}
}

// Result returns one test's result.
func (r Report) Result(category, name string) (TestResult, bool) {
	res, ok := r.Results[category][name]
	return res, ok
}

// TestNames returns the tests recorded under category, sorted.
func (r Report) TestNames(category string) []string {
	names := make([]string, 0, len(r.Results[category]))
	for name := range r.Results[category] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OK reports whether no test failed.
func (r Report) OK() bool {
	return r.Summary.Failed == 0 && len(r.CriticalFailures) == 0
}

// Duration is the wall time of the run.
func (r Report) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
