// Package reporting turns the outcome of a run into an exit code and a
// human readable summary that tells infrastructure problems apart from
// conformance failures.
package reporting

import (
	"errors"
	"time"

	"github.com/ethereum-optimism/infra/op-conform/exitcodes"
	"github.com/ethereum-optimism/infra/op-conform/types"
)

// ExitStatus is the binary outcome reported to CI
type ExitStatus string

const (
	ExitSuccess ExitStatus = "success"
	ExitFailure ExitStatus = "failure"
)

// Kind classifies what went wrong in a failed run
type Kind string

const (
	KindNone           Kind = "none"
	KindInfrastructure Kind = "infrastructure" // the harness could not produce a trustworthy result
	KindConformance    Kind = "conformance"    // the server under test failed cases
	KindTest           Kind = "test"           // a unit-mode command failed
)

// Output is the tail of a captured output stream
type Output struct {
	Name string `json:"name"`
	Tail string `json:"tail"`
}

// Report is the final outcome of a run
type Report struct {
	RunID       string                  `json:"run_id"`
	Mode        types.RunMode           `json:"mode"`
	ExitStatus  ExitStatus              `json:"exit_status"`
	ExitCode    int                     `json:"exit_code"`
	Kind        Kind                    `json:"kind"`
	Stage       string                  `json:"stage,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Status      types.RunStatus         `json:"status,omitempty"`
	AbortReason string                  `json:"abort_reason,omitempty"`
	Stats       types.RunStats          `json:"stats"`
	Duration    time.Duration           `json:"duration"`
	Cases       []types.ConformanceCase `json:"cases,omitempty"`
	FailedCases []types.ConformanceCase `json:"failed_cases,omitempty"`
	Captures    []string                `json:"captures,omitempty"`
	Outputs     []Output                `json:"outputs,omitempty"`

	Err error `json:"-"`
}

// Summarize builds the report of a conformance run. result may be nil when
// the run failed before the suite produced anything; stageErr is the first
// fatal error of the run, if any.
//
// Any stage error or an aborted result is an infrastructure failure, even
// when conformance cases also failed: a partial result cannot be trusted.
// Otherwise the run fails iff at least one case failed.
func Summarize(runID string, result *types.RunResult, stageErr error) *Report {
	r := &Report{
		RunID:      runID,
		Mode:       types.RunModeConformance,
		ExitStatus: ExitSuccess,
		ExitCode:   exitcodes.Success,
		Kind:       KindNone,
	}

	if result != nil {
		result.Finalize()
		r.Status = result.Status
		r.AbortReason = result.AbortReason
		r.Stats = result.Stats()
		r.Duration = result.Duration()
		r.Cases = result.Cases
		r.FailedCases = result.FailedCases()
	}

	switch {
	case stageErr != nil:
		r.fail(KindInfrastructure, exitcodes.InfrastructureErr)
		r.Err = stageErr
		r.Error = stageErr.Error()
		r.Stage = types.StageOf(stageErr)
	case result == nil:
		r.fail(KindInfrastructure, exitcodes.InfrastructureErr)
		r.Err = errors.New("no conformance result was produced")
		r.Error = r.Err.Error()
	case result.Status == types.RunStatusAborted:
		r.fail(KindInfrastructure, exitcodes.InfrastructureErr)
		r.Stage = types.StageSuite
		r.Error = "conformance run aborted: " + result.AbortReason
	case result.Status == types.RunStatusFailure:
		r.fail(KindConformance, exitcodes.ConformanceFailure)
	}
	return r
}

// SummarizeUnit builds the report of a unit-test run. exitCode is the first
// non-zero exit code of the configured commands and is passed through
// unchanged.
func SummarizeUnit(runID string, exitCode int, duration time.Duration, stageErr error) *Report {
	r := &Report{
		RunID:      runID,
		Mode:       types.RunModeUnit,
		ExitStatus: ExitSuccess,
		ExitCode:   exitcodes.Success,
		Kind:       KindNone,
		Duration:   duration,
	}
	switch {
	case stageErr != nil:
		r.fail(KindInfrastructure, exitcodes.InfrastructureErr)
		r.Err = stageErr
		r.Error = stageErr.Error()
		r.Stage = types.StageOf(stageErr)
	case exitCode != 0:
		r.fail(KindTest, exitCode)
	}
	return r
}

func (r *Report) fail(kind Kind, code int) {
	r.ExitStatus = ExitFailure
	r.Kind = kind
	r.ExitCode = code
}

// Failed reports whether the run should fail the CI job
func (r *Report) Failed() bool {
	return r.ExitStatus == ExitFailure
}

// AddCaptures records the paths of captured output files
func (r *Report) AddCaptures(paths ...string) {
	r.Captures = append(r.Captures, paths...)
}

// AddOutput attaches the tail of a captured stream. Empty tails are dropped.
func (r *Report) AddOutput(name, tail string) {
	if tail == "" {
		return
	}
	r.Outputs = append(r.Outputs, Output{Name: name, Tail: tail})
}
