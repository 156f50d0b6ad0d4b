package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	conform "github.com/ethereum-optimism/infra/op-conform"
	"github.com/ethereum-optimism/infra/op-conform/exitcodes"
	"github.com/ethereum-optimism/infra/op-conform/flags"
	"github.com/ethereum-optimism/infra/op-conform/metrics"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	os.Exit(runMain(context.Background(), os.Args))
}

func runMain(ctx context.Context, args []string) int {
	app := newApp()

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		ctx,
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Error("Failed to setup open telemetry", "message", err)
		return exitcodes.InfrastructureErr
	}
	defer shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	return runApp(ctx, app, args)
}

// runApp covers the errors urfave/cli returns without calling
// ExitErrHandler: missing required flags, parse errors and flag actions.
func runApp(ctx context.Context, app *cli.App, args []string) int {
	if err := app.RunContext(ctx, args); err != nil {
		log.Error("Application failed", "message", err)
		return exitCode(err)
	}
	return exitcodes.Success
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-conform"
	app.Usage = "CI driver for unit tests and protocol conformance suites"
	app.Description = "op-conform installs a conformance suite, runs it against a server it supervises, and reports infrastructure failures separately from conformance failures"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(run)
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
			return
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
	}
	return app
}

// exitCode maps a run error to the process exit code
func exitCode(err error) int {
	var exitErr cli.ExitCoder
	switch {
	case err == nil:
		return exitcodes.Success
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	case conform.IsTestFailureError(err):
		return exitcodes.ConformanceFailure
	default:
		// Runtime errors, bad flags and anything unclassified: the run
		// produced no trustworthy conformance verdict.
		return exitcodes.InfrastructureErr
	}
}

func run(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	if ctx.Bool(flags.Diagnostics.Name) {
		logCfg.Level = log.LevelDebug
	}
	log := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(log.Handler())
	oplog.SetupDefaults()
	metrics.Debug = ctx.Bool(flags.Diagnostics.Name)

	cfg, err := conform.NewConfig(ctx, log)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, conform.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	cfg.Log.Debug("Config", "mode", cfg.Mode, "logdir", cfg.LogDir, "server", cfg.Server.Command,
		"suite", cfg.Installer.Name, "format", cfg.Suite.Format)

	h, err := conform.New(cfg, Version, closeApp)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, conform.NewRuntimeError(fmt.Errorf("failed to create harness: %w", err))
	}

	return h, nil
}
