// Package exitcodes defines the standard exit codes used by op-conform.
package exitcodes

// Exit code constants used by op-conform
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when every stage succeeded and no conformance case failed
// * ConformanceFailure (1): Used when the suite reported at least one failing case
// * InfrastructureErr (2): Used for harness failures such as install errors,
// readiness timeouts, crashed servers, or truncated result streams
//
// In unit mode the exit code of the first failing command is passed through unchanged.
const (
	Success            = 0 // All cases pass
	ConformanceFailure = 1 // Conformance failures
	InfrastructureErr  = 2 // Harness or environment errors
)
