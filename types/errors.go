package types

import (
	"errors"
	"fmt"
	"time"
)

// Stage names used when attributing errors to a step of a run
const (
	StagePlatform = "platform"
	StageInstall  = "install"
	StageStart    = "start"
	StageSuite    = "suite"
	StageStop     = "stop"
	StageUnit     = "unit"
)

// Install failure reasons that a repeated attempt cannot fix
const (
	ReasonChecksumMismatch    = "checksum mismatch"
	ReasonUnsupportedPlatform = "unsupported platform"
)

// InstallError is returned when the conformance suite cannot be installed:
// unreachable source, checksum mismatch, unsupported platform, bad version.
type InstallError struct {
	Reason string
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("install failed: %s", e.Reason)
	}
	return fmt.Sprintf("install failed: %s: %v", e.Reason, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Permanent reports whether retrying the install cannot succeed
func (e *InstallError) Permanent() bool {
	return e.Reason == ReasonChecksumMismatch || e.Reason == ReasonUnsupportedPlatform
}

// ProcessStartError is returned when the system under test cannot be spawned
type ProcessStartError struct {
	Command string
	Err     error
}

func (e *ProcessStartError) Error() string {
	return fmt.Sprintf("failed to start %q: %v", e.Command, e.Err)
}

func (e *ProcessStartError) Unwrap() error { return e.Err }

// ReadinessTimeoutError is returned when the server does not accept
// connections on its address within the readiness timeout.
type ReadinessTimeoutError struct {
	Address string
	Timeout time.Duration
	LastErr error
}

func (e *ReadinessTimeoutError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("server not ready on %s after %s", e.Address, e.Timeout)
	}
	return fmt.Sprintf("server not ready on %s after %s: %v", e.Address, e.Timeout, e.LastErr)
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.LastErr }

// ProcessExitedError is returned when the server exits before it became
// ready or while the suite was running against it.
type ProcessExitedError struct {
	Name     string
	ExitCode int
	Err      error
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("process %s exited unexpectedly with code %d", e.Name, e.ExitCode)
}

func (e *ProcessExitedError) Unwrap() error { return e.Err }

// SuiteInvocationError is returned when the suite binary is missing or cannot be run
type SuiteInvocationError struct {
	Path string
	Err  error
}

func (e *SuiteInvocationError) Error() string {
	return fmt.Sprintf("cannot invoke conformance suite %q: %v", e.Path, e.Err)
}

func (e *SuiteInvocationError) Unwrap() error { return e.Err }

// AggregationError is returned when the suite's result stream contained no
// usable signal at all: no parseable case and no completion marker.
type AggregationError struct {
	Lines  int // total lines read from the stream
	Reason string
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("unusable result stream (%d lines): %s", e.Lines, e.Reason)
}

// TeardownError is returned when the server could not be stopped cleanly
type TeardownError struct {
	Name string
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed to stop %s: %v", e.Name, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// StageError attributes a fatal error to the stage of the run that produced it
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with its stage. A nil err stays nil.
func NewStageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage a fatal error was attributed to, or "" if none
func StageOf(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
