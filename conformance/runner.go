// Package conformance invokes the installed conformance suite against a
// running server and folds its result stream into a RunResult.
package conformance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc"

	"github.com/ethereum-optimism/infra/op-conform/logging"
	"github.com/ethereum-optimism/infra/op-conform/types"
)

const (
	// StreamLogFilename holds the raw result stream in the run directory
	StreamLogFilename = "suite.stream.log"

	// How long to wait for the suite's pipes to close once it is killed
	suiteWaitDelay = 5 * time.Second
)

// Placeholders expanded in suite arguments
const (
	PlaceholderAddress = "{address}"
	PlaceholderHost    = "{host}"
	PlaceholderPort    = "{port}"
)

// Config holds configuration for creating a new Runner
type Config struct {
	Args    []string // Argument template passed to the suite binary
	Format  Format
	Timeout time.Duration // Zero means the suite may run until the context is done
	Env     []string      // Environment for the suite; nil inherits the parent's
	LogDir  string        // Run directory for the raw stream and stderr; empty disables files
	Log     log.Logger

	// OnCase is called for every case as soon as it is decoded
	OnCase func(types.ConformanceCase)
}

// Runner runs the conformance suite
type Runner struct {
	cfg Config
	log log.Logger
}

// New creates a runner
func New(cfg Config) (*Runner, error) {
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if _, err := ParseFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("suite timeout cannot be negative")
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	return &Runner{
		cfg: cfg,
		log: cfg.Log.New("component", "conformance"),
	}, nil
}

// ExpandArgs substitutes the server address into the argument template
func ExpandArgs(args []string, address string) ([]string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	replacer := strings.NewReplacer(
		PlaceholderAddress, address,
		PlaceholderHost, host,
		PlaceholderPort, port,
	)
	expanded := make([]string, len(args))
	for i, arg := range args {
		expanded[i] = replacer.Replace(arg)
	}
	return expanded, nil
}

// Run invokes the suite against address and returns the finalized result.
//
// An error is returned only when the suite could not be run at all
// (SuiteInvocationError) or produced nothing usable (AggregationError).
// Everything else, including truncated output, a timeout, or a suite that
// crashes midway, yields an aborted result holding every case seen so far.
func (r *Runner) Run(ctx context.Context, runID, address string, artifact types.InstallArtifact) (*types.RunResult, error) {
	if err := checkSuiteBinary(artifact.Path); err != nil {
		return nil, &types.SuiteInvocationError{Path: artifact.Path, Err: err}
	}
	args, err := ExpandArgs(r.cfg.Args, address)
	if err != nil {
		return nil, &types.SuiteInvocationError{Path: artifact.Path, Err: err}
	}

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, artifact.Path, args...)
	cmd.Env = r.cfg.Env
	cmd.WaitDelay = suiteWaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &types.SuiteInvocationError{Path: artifact.Path, Err: err}
	}
	stderrCapture, err := logging.NewOutputCapture(r.cfg.LogDir, "suite.stderr", r.log)
	if err != nil {
		return nil, &types.SuiteInvocationError{Path: artifact.Path, Err: err}
	}
	defer stderrCapture.Close()
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &types.SuiteInvocationError{Path: artifact.Path, Err: err}
	}

	var source io.Reader = stdout
	if r.cfg.LogDir != "" {
		raw, err := logging.NewAsyncFile(filepath.Join(r.cfg.LogDir, StreamLogFilename))
		if err != nil {
			return nil, &types.SuiteInvocationError{Path: artifact.Path, Err: err}
		}
		defer raw.Close()
		source = io.TeeReader(stdout, raw)
	}

	stream, err := NewStream(source, r.cfg.Format)
	if err != nil {
		return nil, &types.SuiteInvocationError{Path: artifact.Path, Err: err}
	}

	r.log.Info("Running conformance suite", "suite", artifact.Name, "version", artifact.Version,
		"address", address, "format", r.cfg.Format)
	if err := cmd.Start(); err != nil {
		return nil, &types.SuiteInvocationError{Path: artifact.Path, Err: err}
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := stderrCapture.Pump(stderr); err != nil {
			r.log.Warn("Suite stderr capture failed", "err", err)
		}
	})

	result := types.NewRunResult(runID)
	for c, ok := stream.Next(); ok; c, ok = stream.Next() {
		result.Record(c)
		if r.cfg.OnCase != nil {
			r.cfg.OnCase(result.Cases[len(result.Cases)-1])
		}
	}
	// Drain anything left after a read error so the suite never blocks on a full pipe
	_, _ = io.Copy(io.Discard, source)
	wg.Wait()
	waitErr := cmd.Wait()

	term := stream.Termination()
	stats := result.Stats()
	logger := r.log.New("lines", term.Lines, "records", term.Records, "cases", stats.Total)

	switch {
	case ctx.Err() != nil:
		result.Abort(fmt.Sprintf("suite interrupted: %v", ctx.Err()))
	case runCtx.Err() != nil:
		result.Abort(fmt.Sprintf("suite timed out after %s", r.cfg.Timeout))
	case !term.Complete && term.Records == 0:
		result.Abort("no usable output")
		result.Finalize()
		logger.Error("Suite produced no usable output", "stderr", stderrCapture.Tail())
		return result, &types.AggregationError{Lines: term.Lines, Reason: term.Reason}
	case !term.Complete:
		result.Abort(term.Reason)
	}

	if code, ok := exitCode(waitErr); !ok {
		result.Abort(fmt.Sprintf("waiting for suite: %v", waitErr))
	} else if code != 0 && stats.Failed == 0 {
		result.Abort(fmt.Sprintf("suite exited with status %d but reported no failing case", code))
	}

	status := result.Finalize()
	if status == types.RunStatusAborted {
		logger.Warn("Conformance run aborted", "reason", result.AbortReason, "stderr", stderrCapture.Tail())
	} else {
		logger.Info("Conformance suite finished", "status", status,
			"passed", stats.Passed, "failed", stats.Failed, "skipped", stats.Skipped)
	}
	return result, nil
}

// exitCode extracts the exit status from cmd.Wait. It reports false when the
// error is not an exit status at all.
func exitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

func checkSuiteBinary(path string) error {
	if path == "" {
		return errors.New("no suite binary configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
