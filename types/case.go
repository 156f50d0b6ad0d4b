package types

import (
	"fmt"
	"strings"
	"time"
)

// CaseStatus represents the outcome of a single conformance case
type CaseStatus string

const (
	CaseStatusPass CaseStatus = "pass"
	CaseStatusFail CaseStatus = "fail"
	CaseStatusSkip CaseStatus = "skip"
)

// IsValid reports whether s is one of the known case statuses
func (s CaseStatus) IsValid() bool {
	switch s {
	case CaseStatusPass, CaseStatusFail, CaseStatusSkip:
		return true
	}
	return false
}

// ConformanceCase captures the outcome of one case reported by the suite.
// Cases are immutable once recorded in a RunResult.
type ConformanceCase struct {
	ID          string        // Suite-assigned identifier (e.g. "http2/6.5.3/1" or a TAP test number)
	Description string        // Human readable description
	Status      CaseStatus    // Pass, Fail or Skip
	Diagnostic  string        // Optional diagnostic text (failure output, skip reason)
	Duration    time.Duration // Time between the case opening and closing, if reported
	Seq         int           // Position in the stream, assigned when recorded
}

// DisplayName returns the description when present, falling back to the ID
func (c ConformanceCase) DisplayName() string {
	if c.Description == "" {
		return c.ID
	}
	if c.ID == "" {
		return c.Description
	}
	return fmt.Sprintf("%s %s", c.ID, c.Description)
}

// FirstDiagnosticLine returns the first non-empty line of the diagnostic,
// which is what summary tables show.
func (c ConformanceCase) FirstDiagnosticLine() string {
	for _, line := range strings.Split(c.Diagnostic, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
