package conform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-conform/conformance"
	"github.com/ethereum-optimism/infra/op-conform/installer"
	"github.com/ethereum-optimism/infra/op-conform/logging"
	"github.com/ethereum-optimism/infra/op-conform/metrics"
	"github.com/ethereum-optimism/infra/op-conform/reporting"
	"github.com/ethereum-optimism/infra/op-conform/supervisor"
	"github.com/ethereum-optimism/infra/op-conform/types"
)

// serverName names the supervised process in logs and capture files
const serverName = "server"

// Installer provides the conformance suite binary
type Installer interface {
	Ensure(ctx context.Context) (*types.InstallArtifact, error)
}

// Supervisor owns the lifecycle of the server under test
type Supervisor interface {
	Start(ctx context.Context, spec supervisor.Spec) (*supervisor.ServerProcess, error)
	Stop(ctx context.Context, proc *supervisor.ServerProcess) error
	Check(proc *supervisor.ServerProcess) error
}

// Runner runs the conformance suite against a ready server
type Runner interface {
	Run(ctx context.Context, runID, address string, artifact types.InstallArtifact) (*types.RunResult, error)
}

// Orchestrator sequences the stages of one run. Stages run strictly in
// order, the first fatal error ends the run, and a started server is
// always stopped exactly once.
type Orchestrator struct {
	cfg    *Config
	runID  string
	runDir string

	installer  Installer
	supervisor Supervisor
	runner     Runner
	commands   CommandRunner

	retryStrategy retry.Strategy
	tracer        trace.Tracer
	log           log.Logger
}

// NewOrchestrator wires the real stage implementations for cfg. runDir
// receives captured output and the final report.
func NewOrchestrator(cfg *Config, runID, runDir string) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := cfg.logger().New("run_id", runID)

	o := &Orchestrator{
		cfg:           cfg,
		runID:         runID,
		runDir:        runDir,
		retryStrategy: retry.Exponential(),
		tracer:        otel.Tracer("conform orchestrator"),
		log:           logger,
		commands:      &ShellRunner{Env: cfg.ChildEnv(), Log: logger},
	}
	if cfg.Mode != types.RunModeConformance {
		return o, nil
	}

	inst, err := installer.New(installer.Config{
		Name:      cfg.Installer.Name,
		Version:   cfg.Installer.Version,
		URL:       cfg.Installer.URL,
		Checksum:  cfg.Installer.Checksum,
		CacheDir:  cfg.Installer.CacheDir,
		Platforms: cfg.Installer.Platforms,
		LocalPath: cfg.Installer.LocalPath,
		Retries:   cfg.Installer.Retries,
		Log:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create installer: %w", err)
	}
	o.installer = inst

	o.supervisor = supervisor.New(supervisor.Config{
		ReadinessTimeout: cfg.Server.ReadyTimeout,
		PollInterval:     cfg.Server.PollInterval,
		GracePeriod:      cfg.Server.GracePeriod,
		LogDir:           runDir,
		Log:              logger,
	})

	runner, err := conformance.New(conformance.Config{
		Args:    cfg.Suite.Args,
		Format:  cfg.Suite.Format,
		Timeout: cfg.Suite.Timeout,
		Env:     cfg.ChildEnv(),
		LogDir:  runDir,
		Log:     logger,
		OnCase:  o.onCase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conformance runner: %w", err)
	}
	o.runner = runner
	return o, nil
}

func (o *Orchestrator) onCase(c types.ConformanceCase) {
	metrics.RecordCase(c.Status)
	switch c.Status {
	case types.CaseStatusFail:
		o.log.Warn("Case failed", "seq", c.Seq, "case", c.DisplayName(), "diagnostic", c.FirstDiagnosticLine())
	case types.CaseStatusSkip:
		o.log.Debug("Case skipped", "seq", c.Seq, "case", c.DisplayName(), "reason", c.FirstDiagnosticLine())
	default:
		o.log.Debug("Case passed", "seq", c.Seq, "case", c.DisplayName())
	}
}

// Run executes the configured mode and returns its report. It never
// returns without having stopped every process it started.
func (o *Orchestrator) Run(ctx context.Context) *reporting.Report {
	ctx, span := o.tracer.Start(ctx, fmt.Sprintf("run %s", o.cfg.Mode),
		trace.WithAttributes(attribute.String("run_id", o.runID)))
	defer span.End()

	o.log.Info("Starting run", "mode", o.cfg.Mode, "run_dir", o.runDir)

	var report *reporting.Report
	switch o.cfg.Mode {
	case types.RunModeUnit:
		report = o.runUnit(ctx)
	default:
		report = o.runConformance(ctx)
	}

	span.SetAttributes(
		attribute.String("exit_status", string(report.ExitStatus)),
		attribute.String("kind", string(report.Kind)),
	)
	if report.Failed() {
		span.SetStatus(codes.Error, string(report.Kind))
	}
	metrics.RecordRun(o.cfg.Mode, string(report.ExitStatus), string(report.Kind))
	o.log.Info("Run finished", "exit_status", report.ExitStatus, "kind", report.Kind,
		"exit_code", report.ExitCode, "stage", report.Stage)
	return report
}

// stage runs fn as a traced, timed step of the run
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, fmt.Sprintf("stage %s", name))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.RecordStage(name, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordErrorDetails(name, err)
		o.log.Error("Stage failed", "stage", name, "duration", time.Since(start), "err", err)
		return types.NewStageError(name, err)
	}
	o.log.Debug("Stage finished", "stage", name, "duration", time.Since(start))
	return nil
}

// withRetries re-attempts fn for the configured number of stage retries.
// It returns the error of the last attempt so callers can match on it.
// Permanent install failures end the loop on the first attempt.
func withRetries[T any](ctx context.Context, o *Orchestrator, name string, fn func() (T, error)) (T, error) {
	var (
		attempt   int
		lastErr   error
		permanent error
	)
	v, err := retry.Do(ctx, o.cfg.StageRetries+1, o.retryStrategy, func() (T, error) {
		attempt++
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			permanent = err
			return v, nil
		}
		lastErr = err
		if attempt <= o.cfg.StageRetries {
			o.log.Warn("Stage attempt failed, retrying", "stage", name, "attempt", attempt, "err", err)
		}
		return v, err
	})
	if permanent != nil {
		return v, permanent
	}
	if err != nil && lastErr != nil {
		return v, lastErr
	}
	return v, err
}

func retryable(err error) bool {
	var installErr *types.InstallError
	return !errors.As(err, &installErr) || !installErr.Permanent()
}

// platformStep runs the native install command on constrained platforms
func (o *Orchestrator) platformStep(ctx context.Context) error {
	if !o.cfg.ConstrainedPlatform || strings.TrimSpace(o.cfg.NativeInstallCmd) == "" {
		return nil
	}
	return o.stage(ctx, types.StagePlatform, func(ctx context.Context) error {
		code, err := o.commands.Run(ctx, o.cfg.NativeInstallCmd)
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("native install command exited with status %d", code)
		}
		return nil
	})
}

// runUnit runs the unit commands in order and passes the first non-zero
// exit code through unchanged.
func (o *Orchestrator) runUnit(ctx context.Context) *reporting.Report {
	start := time.Now()
	if err := o.platformStep(ctx); err != nil {
		return reporting.SummarizeUnit(o.runID, 0, time.Since(start), err)
	}

	exitCode := 0
	err := o.stage(ctx, types.StageUnit, func(ctx context.Context) error {
		for _, command := range o.cfg.UnitCmds {
			code, err := o.commands.Run(ctx, command)
			if err != nil {
				return err
			}
			if code != 0 {
				o.log.Warn("Unit command failed", "command", command, "code", code)
				exitCode = code
				return nil
			}
		}
		return nil
	})
	return reporting.SummarizeUnit(o.runID, exitCode, time.Since(start), err)
}

func (o *Orchestrator) serverSpec(ctx context.Context) supervisor.Spec {
	return supervisor.Spec{
		Name:    serverName,
		Command: o.cfg.Server.Command,
		Args:    o.cfg.Server.Args,
		Env:     telemetry.InstrumentEnvironment(ctx, o.cfg.ChildEnv(o.cfg.Server.Env...)),
		Dir:     o.cfg.Server.Dir,
		Address: o.cfg.Server.Address,
	}
}

// runConformance installs the suite, starts the server, runs the suite
// against it, and stops the server.
func (o *Orchestrator) runConformance(ctx context.Context) *reporting.Report {
	if err := o.platformStep(ctx); err != nil {
		return o.summarize(nil, nil, err)
	}

	var artifact *types.InstallArtifact
	err := o.stage(ctx, types.StageInstall, func(ctx context.Context) error {
		var err error
		artifact, err = withRetries(ctx, o, types.StageInstall, func() (*types.InstallArtifact, error) {
			return o.installer.Ensure(ctx)
		})
		return err
	})
	if err != nil {
		return o.summarize(nil, nil, err)
	}
	o.log.Info("Conformance suite ready", "path", artifact.Path, "version", artifact.Version, "source", artifact.Source)

	var proc *supervisor.ServerProcess
	err = o.stage(ctx, types.StageStart, func(ctx context.Context) error {
		var err error
		proc, err = withRetries(ctx, o, types.StageStart, func() (*supervisor.ServerProcess, error) {
			return o.supervisor.Start(ctx, o.serverSpec(ctx))
		})
		return err
	})
	if err != nil {
		return o.summarize(nil, nil, err)
	}

	result, err := o.runAgainst(ctx, proc, *artifact)
	return o.summarize(result, proc, err)
}

// runAgainst runs the suite against a started server and stops it on every
// exit path. The first fatal error wins; a teardown error is only reported
// when nothing failed before it.
func (o *Orchestrator) runAgainst(ctx context.Context, proc *supervisor.ServerProcess, artifact types.InstallArtifact) (result *types.RunResult, err error) {
	defer func() {
		stopErr := o.stage(context.WithoutCancel(ctx), types.StageStop, func(ctx context.Context) error {
			return o.supervisor.Stop(ctx, proc)
		})
		if err == nil {
			err = stopErr
		}
	}()

	err = o.stage(ctx, types.StageSuite, func(ctx context.Context) error {
		var err error
		result, err = o.runner.Run(ctx, o.runID, proc.Address, artifact)
		if err != nil {
			return err
		}
		// A server that died mid-run invalidates whatever the suite reported
		return o.supervisor.Check(proc)
	})
	return result, err
}

func (o *Orchestrator) summarize(result *types.RunResult, proc *supervisor.ServerProcess, err error) *reporting.Report {
	report := reporting.Summarize(o.runID, result, err)
	if o.runDir != "" {
		if captures, globErr := filepath.Glob(filepath.Join(o.runDir, "*.log")); globErr == nil {
			report.AddCaptures(captures...)
		}
	}
	if report.Kind != reporting.KindInfrastructure {
		return report
	}
	if proc != nil {
		report.AddOutput("server stdout", proc.StdoutTail())
		report.AddOutput("server stderr", proc.StderrTail())
	} else if o.runDir != "" {
		// The supervisor discards processes that never became ready
		report.AddOutput("server stderr", readTail(filepath.Join(o.runDir, serverName+".stderr.log")))
	}
	return report
}

// readTail returns the last bytes of a capture file, or "" if it cannot be read
func readTail(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if offset := info.Size() - logging.DefaultTailBytes; offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return stripansi.Strip(string(data))
}
