// Package conform drives a CI run: either the unit-test commands of a
// project, or a protocol conformance suite against its server.
package conform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-conform/logging"
	"github.com/ethereum-optimism/infra/op-conform/reporting"
	"github.com/ethereum-optimism/infra/op-conform/service"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// harness implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &harness{}

// harness performs exactly one run and then asks the app to shut down
type harness struct {
	config  *Config
	version string
	runID   string
	report  *reporting.Report

	// newOrchestrator is replaced in tests
	newOrchestrator func(cfg *Config, runID, runDir string) (*Orchestrator, error)

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(config *Config, version string, shutdownCallback func(error)) (*harness, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}
	h := &harness{
		config:           config,
		version:          version,
		runID:            uuid.New().String(),
		newOrchestrator:  NewOrchestrator,
		shutdownCallback: shutdownCallback,
	}
	config.logger().Debug("Creating harness", "run_id", h.runID, "mode", config.Mode, "version", version)
	return h, nil
}

// Start performs the run. The returned error carries the exit code: nil for
// success, a TestFailureError for conformance failures, a RuntimeError for
// infrastructure failures, and a cli.ExitCoder with the command's own exit
// code for failing unit commands.
// Start implements the cliapp.Lifecycle interface.
func (h *harness) Start(ctx context.Context) (err error) {
	log := h.config.logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Runtime error occurred", "error", r)
			err = NewRuntimeError(fmt.Errorf("panic during run: %v", r))
		}
	}()
	h.running.Store(true)

	if h.config.Metrics.Enabled {
		svc := service.New(service.Config{
			HealthzAddr: service.DefaultHealthzAddr(),
			MetricsAddr: net.JoinHostPort(h.config.Metrics.ListenAddr, strconv.Itoa(h.config.Metrics.ListenPort)),
		})
		svc.Start(ctx)
		defer svc.Shutdown(context.WithoutCancel(ctx))
	}

	runDir, err := logging.NewRunDir(h.config.LogDir, h.runID)
	if err != nil {
		return NewRuntimeError(err)
	}
	orch, err := h.newOrchestrator(h.config, h.runID, runDir)
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to create orchestrator: %w", err))
	}

	report := orch.Run(ctx)
	h.report = report
	report.Print()
	if err := report.WriteFiles(runDir); err != nil {
		log.Warn("Failed to write report files", "dir", runDir, "err", err)
	}

	switch report.Kind {
	case reporting.KindNone:
		log.Info("Run completed successfully, exiting", "run_id", h.runID)
		go h.shutdownCallback(nil)
		return nil
	case reporting.KindConformance:
		return NewTestFailureError(fmt.Sprintf("%d of %d conformance cases failed", report.Stats.Failed, report.Stats.Total))
	case reporting.KindTest:
		return cli.Exit(fmt.Sprintf("unit command failed with exit code %d", report.ExitCode), report.ExitCode)
	default:
		if report.Err != nil {
			return NewRuntimeError(report.Err)
		}
		return NewRuntimeError(errors.New(report.Error))
	}
}

// Stop implements the cliapp.Lifecycle interface. Every process started
// during the run has already been stopped by the time Start returns.
func (h *harness) Stop(ctx context.Context) error {
	if !h.running.Load() {
		return nil
	}
	h.running.Store(false)
	h.config.logger().Info("Stopping op-conform")
	return nil
}

// Stopped implements the cliapp.Lifecycle interface.
func (h *harness) Stopped() bool {
	return !h.running.Load()
}

// Report returns the report of the completed run, if any
func (h *harness) Report() *reporting.Report {
	return h.report
}
