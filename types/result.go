package types

import (
	"time"
)

// RunStatus is the overall status of a conformance run
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
	RunStatusAborted RunStatus = "aborted"
)

// RunMode selects what a CI run does
type RunMode string

const (
	RunModeUnit        RunMode = "unit"
	RunModeConformance RunMode = "conformance"
)

// IsValid checks if the run mode is one of the supported modes
func (m RunMode) IsValid() bool {
	return m == RunModeUnit || m == RunModeConformance
}

// RunResult is the ordered set of cases observed during one suite run.
//
// The status is only meaningful after Finalize. Once finalized it is
// RunStatusFailure iff at least one case failed, unless the run was aborted,
// in which case it is RunStatusAborted regardless of the recorded cases.
type RunResult struct {
	RunID       string
	Cases       []ConformanceCase
	Status      RunStatus
	AbortReason string
	StartTime   time.Time
	EndTime     time.Time

	aborted   bool
	finalized bool
}

// RunStats holds case counts for a run
type RunStats struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

// NewRunResult creates an empty result for the given run
func NewRunResult(runID string) *RunResult {
	return &RunResult{
		RunID:     runID,
		Cases:     make([]ConformanceCase, 0),
		StartTime: time.Now(),
	}
}

// Record appends a case to the result. Cases recorded after Finalize are ignored.
func (r *RunResult) Record(c ConformanceCase) {
	if r.finalized {
		return
	}
	c.Seq = len(r.Cases) + 1
	r.Cases = append(r.Cases, c)
}

// Abort marks the run as aborted. The first reason wins.
func (r *RunResult) Abort(reason string) {
	if r.finalized {
		return
	}
	if !r.aborted {
		r.AbortReason = reason
	}
	r.aborted = true
}

// Aborted reports whether the run was aborted before completion
func (r *RunResult) Aborted() bool {
	return r.aborted
}

// Finalize computes the overall status and freezes the result.
// Calling it more than once has no effect.
func (r *RunResult) Finalize() RunStatus {
	if r.finalized {
		return r.Status
	}
	r.finalized = true
	r.EndTime = time.Now()

	switch {
	case r.aborted:
		r.Status = RunStatusAborted
	case r.Stats().Failed > 0:
		r.Status = RunStatusFailure
	default:
		r.Status = RunStatusSuccess
	}
	return r.Status
}

// Stats counts the cases by status
func (r *RunResult) Stats() RunStats {
	var stats RunStats
	for _, c := range r.Cases {
		stats.Total++
		switch c.Status {
		case CaseStatusPass:
			stats.Passed++
		case CaseStatusFail:
			stats.Failed++
		case CaseStatusSkip:
			stats.Skipped++
		}
	}
	return stats
}

// FailedCases returns the cases with a fail status, in stream order
func (r *RunResult) FailedCases() []ConformanceCase {
	var failed []ConformanceCase
	for _, c := range r.Cases {
		if c.Status == CaseStatusFail {
			failed = append(failed, c)
		}
	}
	return failed
}

// Duration returns the wall clock time of the run
func (r *RunResult) Duration() time.Duration {
	if r.EndTime.IsZero() || r.StartTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
