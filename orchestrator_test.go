package conform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/retry"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/ethereum-optimism/infra/op-conform/exitcodes"
	"github.com/ethereum-optimism/infra/op-conform/reporting"
	"github.com/ethereum-optimism/infra/op-conform/supervisor"
	"github.com/ethereum-optimism/infra/op-conform/types"
)

type mockInstaller struct {
	mock.Mock
}

func (m *mockInstaller) Ensure(ctx context.Context) (*types.InstallArtifact, error) {
	args := m.Called(ctx)
	artifact, _ := args.Get(0).(*types.InstallArtifact)
	return artifact, args.Error(1)
}

type mockSupervisor struct {
	mock.Mock
}

func (m *mockSupervisor) Start(ctx context.Context, spec supervisor.Spec) (*supervisor.ServerProcess, error) {
	args := m.Called(ctx, spec)
	proc, _ := args.Get(0).(*supervisor.ServerProcess)
	return proc, args.Error(1)
}

func (m *mockSupervisor) Stop(ctx context.Context, proc *supervisor.ServerProcess) error {
	return m.Called(ctx, proc).Error(0)
}

func (m *mockSupervisor) Check(proc *supervisor.ServerProcess) error {
	return m.Called(proc).Error(0)
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, runID, address string, artifact types.InstallArtifact) (*types.RunResult, error) {
	args := m.Called(ctx, runID, address, artifact)
	result, _ := args.Get(0).(*types.RunResult)
	return result, args.Error(1)
}

// fakeCommands returns scripted exit codes and records what was run
type fakeCommands struct {
	mu    sync.Mutex
	codes map[string]int
	errs  map[string]error
	ran   []string
}

func (f *fakeCommands) Run(_ context.Context, command string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
	return f.codes[command], f.errs[command]
}

type testOrchestrator struct {
	*Orchestrator
	installer  *mockInstaller
	supervisor *mockSupervisor
	runner     *mockRunner
	commands   *fakeCommands
}

func newTestOrchestrator(t *testing.T, cfg *Config) *testOrchestrator {
	t.Helper()
	if cfg.Log == nil {
		cfg.Log = log.NewLogger(log.DiscardHandler())
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "127.0.0.1:8443"
	}
	to := &testOrchestrator{
		installer:  &mockInstaller{},
		supervisor: &mockSupervisor{},
		runner:     &mockRunner{},
		commands:   &fakeCommands{codes: map[string]int{}, errs: map[string]error{}},
	}
	to.Orchestrator = &Orchestrator{
		cfg:           cfg,
		runID:         "test-run",
		installer:     to.installer,
		supervisor:    to.supervisor,
		runner:        to.runner,
		commands:      to.commands,
		retryStrategy: retry.Fixed(time.Millisecond),
		tracer:        otel.Tracer("test"),
		log:           cfg.Log,
	}
	return to
}

var testArtifact = &types.InstallArtifact{Name: "h2spec", Path: "/cache/h2spec", Version: "v2.6.0"}

func conformanceConfig() *Config {
	return &Config{Mode: types.RunModeConformance, Server: ServerConfig{Command: "server"}}
}

func resultOf(statuses ...types.CaseStatus) *types.RunResult {
	r := types.NewRunResult("test-run")
	for i, s := range statuses {
		r.Record(types.ConformanceCase{ID: string(rune('1' + i)), Status: s})
	}
	r.Finalize()
	return r
}

func (to *testOrchestrator) expectHappyPath(result *types.RunResult, runErr error) *supervisor.ServerProcess {
	proc := &supervisor.ServerProcess{Name: "server", Address: "127.0.0.1:8443"}
	to.installer.On("Ensure", mock.Anything).Return(testArtifact, nil)
	to.supervisor.On("Start", mock.Anything, mock.Anything).Return(proc, nil)
	to.runner.On("Run", mock.Anything, "test-run", "127.0.0.1:8443", *testArtifact).Return(result, runErr)
	to.supervisor.On("Stop", mock.Anything, proc).Return(nil)
	return proc
}

func TestRunConformancePassPassFail(t *testing.T) {
	to := newTestOrchestrator(t, conformanceConfig())
	proc := to.expectHappyPath(resultOf(types.CaseStatusPass, types.CaseStatusPass, types.CaseStatusFail), nil)
	to.supervisor.On("Check", proc).Return(nil)

	report := to.Run(context.Background())

	assert.Equal(t, reporting.KindConformance, report.Kind)
	assert.Equal(t, exitcodes.ConformanceFailure, report.ExitCode)
	assert.Equal(t, reporting.ExitFailure, report.ExitStatus)
	assert.Equal(t, types.RunStats{Total: 3, Passed: 2, Failed: 1}, report.Stats)
	require.Len(t, report.FailedCases, 1)
	assert.Equal(t, "3", report.FailedCases[0].ID)
	to.supervisor.AssertNumberOfCalls(t, "Stop", 1)
	mock.AssertExpectationsForObjects(t, to.installer, to.supervisor, to.runner)
}

func TestRunConformanceSuccess(t *testing.T) {
	to := newTestOrchestrator(t, conformanceConfig())
	proc := to.expectHappyPath(resultOf(types.CaseStatusPass, types.CaseStatusSkip), nil)
	to.supervisor.On("Check", proc).Return(nil)

	report := to.Run(context.Background())
	assert.Equal(t, reporting.KindNone, report.Kind)
	assert.Equal(t, exitcodes.Success, report.ExitCode)
	to.supervisor.AssertNumberOfCalls(t, "Stop", 1)
}

func TestRunConformanceInstallFailure(t *testing.T) {
	to := newTestOrchestrator(t, conformanceConfig())
	installErr := &types.InstallError{Reason: "download", Err: errors.New("dial tcp: connection refused")}
	to.installer.On("Ensure", mock.Anything).Return(nil, installErr)

	report := to.Run(context.Background())

	assert.Equal(t, reporting.KindInfrastructure, report.Kind)
	assert.Equal(t, exitcodes.InfrastructureErr, report.ExitCode)
	assert.Equal(t, types.StageInstall, report.Stage)
	var target *types.InstallError
	assert.ErrorAs(t, report.Err, &target)
	to.supervisor.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
	to.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunConformanceStartFailure(t *testing.T) {
	to := newTestOrchestrator(t, conformanceConfig())
	to.installer.On("Ensure", mock.Anything).Return(testArtifact, nil)
	to.supervisor.On("Start", mock.Anything, mock.Anything).
		Return(nil, &types.ReadinessTimeoutError{Address: "127.0.0.1:8443", Timeout: time.Second})

	report := to.Run(context.Background())

	assert.Equal(t, reporting.KindInfrastructure, report.Kind)
	assert.Equal(t, types.StageStart, report.Stage)
	var target *types.ReadinessTimeoutError
	assert.ErrorAs(t, report.Err, &target)
	to.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	to.supervisor.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)
}

func TestRunConformanceServerSpec(t *testing.T) {
	cfg := conformanceConfig()
	cfg.Server.Args = []string{"--port", "8443"}
	cfg.Server.Env = []string{"TLS=off"}
	cfg.Server.Dir = "/srv"
	cfg.Diagnostics = true
	cfg.Env = []string{"PATH=/bin"}
	to := newTestOrchestrator(t, cfg)
	proc := to.expectHappyPath(resultOf(types.CaseStatusPass), nil)
	to.supervisor.On("Check", proc).Return(nil)

	to.Run(context.Background())

	spec := to.supervisor.Calls[0].Arguments.Get(1).(supervisor.Spec)
	assert.Equal(t, serverName, spec.Name)
	assert.Equal(t, "server", spec.Command)
	assert.Equal(t, []string{"--port", "8443"}, spec.Args)
	assert.Equal(t, "/srv", spec.Dir)
	assert.Equal(t, "127.0.0.1:8443", spec.Address)
	assert.Subset(t, spec.Env, []string{"PATH=/bin", "GOTRACEBACK=all", "RUST_BACKTRACE=1", "TLS=off"})
}

func TestRunConformanceSuiteErrorStillStops(t *testing.T) {
	to := newTestOrchestrator(t, conformanceConfig())
	to.expectHappyPath(nil, &types.SuiteInvocationError{Path: "/cache/h2spec", Err: errors.New("exec format error")})

	report := to.Run(context.Background())

	assert.Equal(t, reporting.KindInfrastructure, report.Kind)
	assert.Equal(t, types.StageSuite, report.Stage)
	to.supervisor.AssertNumberOfCalls(t, "Stop", 1)
	to.supervisor.AssertNotCalled(t, "Check", mock.Anything)
}

func TestRunConformanceAbortedResult(t *testing.T) {
	result := types.NewRunResult("test-run")
	result.Record(types.ConformanceCase{ID: "1", Status: types.CaseStatusPass})
	result.Abort("suite timed out after 1m0s")
	result.Finalize()

	to := newTestOrchestrator(t, conformanceConfig())
	proc := to.expectHappyPath(result, nil)
	to.supervisor.On("Check", proc).Return(nil)

	report := to.Run(context.Background())
	assert.Equal(t, reporting.KindInfrastructure, report.Kind)
	assert.Equal(t, exitcodes.InfrastructureErr, report.ExitCode)
	assert.Contains(t, report.Error, "timed out")
	to.supervisor.AssertNumberOfCalls(t, "Stop", 1)
}

func TestRunConformanceServerDiedDuringSuite(t *testing.T) {
	to := newTestOrchestrator(t, conformanceConfig())
	proc := to.expectHappyPath(resultOf(types.CaseStatusPass, types.CaseStatusFail), nil)
	to.supervisor.On("Check", proc).Return(&types.ProcessExitedError{Name: "server", ExitCode: 139})

	report := to.Run(context.Background())

	assert.Equal(t, reporting.KindInfrastructure, report.Kind)
	assert.Equal(t, types.StageSuite, report.Stage)
	var target *types.ProcessExitedError
	assert.ErrorAs(t, report.Err, &target)
	to.supervisor.AssertNumberOfCalls(t, "Stop", 1)
}

func TestRunConformanceTeardownFailure(t *testing.T) {
	proc := &supervisor.ServerProcess{Name: "server", Address: "127.0.0.1:8443"}
	teardownErr := &types.TeardownError{Name: "server", Err: errors.New("not reaped")}

	t.Run("reported when nothing else failed", func(t *testing.T) {
		to := newTestOrchestrator(t, conformanceConfig())
		to.installer.On("Ensure", mock.Anything).Return(testArtifact, nil)
		to.supervisor.On("Start", mock.Anything, mock.Anything).Return(proc, nil)
		to.runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(resultOf(types.CaseStatusPass), nil)
		to.supervisor.On("Check", proc).Return(nil)
		to.supervisor.On("Stop", mock.Anything, proc).Return(teardownErr)

		report := to.Run(context.Background())
		assert.Equal(t, reporting.KindInfrastructure, report.Kind)
		assert.Equal(t, types.StageStop, report.Stage)
	})

	t.Run("first fatal error wins", func(t *testing.T) {
		to := newTestOrchestrator(t, conformanceConfig())
		to.installer.On("Ensure", mock.Anything).Return(testArtifact, nil)
		to.supervisor.On("Start", mock.Anything, mock.Anything).Return(proc, nil)
		to.runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, &types.AggregationError{Lines: 0, Reason: "empty"})
		to.supervisor.On("Stop", mock.Anything, proc).Return(teardownErr)

		report := to.Run(context.Background())
		assert.Equal(t, types.StageSuite, report.Stage)
		var target *types.AggregationError
		assert.ErrorAs(t, report.Err, &target)
	})
}

func TestRunConformanceRunnerPanicStillStops(t *testing.T) {
	to := newTestOrchestrator(t, conformanceConfig())
	proc := &supervisor.ServerProcess{Name: "server", Address: "127.0.0.1:8443"}
	to.installer.On("Ensure", mock.Anything).Return(testArtifact, nil)
	to.supervisor.On("Start", mock.Anything, mock.Anything).Return(proc, nil)
	to.runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("decoder bug") })
	to.supervisor.On("Stop", mock.Anything, proc).Return(nil)

	require.Panics(t, func() { to.Run(context.Background()) })
	to.supervisor.AssertNumberOfCalls(t, "Stop", 1)
}

func TestRunConformanceStopSurvivesCancellation(t *testing.T) {
	to := newTestOrchestrator(t, conformanceConfig())
	ctx, cancel := context.WithCancel(context.Background())
	proc := &supervisor.ServerProcess{Name: "server", Address: "127.0.0.1:8443"}
	to.installer.On("Ensure", mock.Anything).Return(testArtifact, nil)
	to.supervisor.On("Start", mock.Anything, mock.Anything).Return(proc, nil)
	to.runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(resultOf(types.CaseStatusPass), nil)
	to.supervisor.On("Check", proc).Return(nil)
	to.supervisor.On("Stop", mock.Anything, proc).Return(nil)

	to.Run(ctx)

	stopCtx := to.supervisor.Calls[len(to.supervisor.Calls)-1].Arguments.Get(0).(context.Context)
	assert.NoError(t, stopCtx.Err())
}

func TestRunConformanceStageRetries(t *testing.T) {
	cfg := conformanceConfig()
	cfg.StageRetries = 1
	to := newTestOrchestrator(t, cfg)
	proc := &supervisor.ServerProcess{Name: "server", Address: "127.0.0.1:8443"}

	to.installer.On("Ensure", mock.Anything).Return(nil, &types.InstallError{Reason: "download"}).Once()
	to.installer.On("Ensure", mock.Anything).Return(testArtifact, nil).Once()
	to.supervisor.On("Start", mock.Anything, mock.Anything).Return(proc, nil)
	to.runner.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(resultOf(types.CaseStatusPass), nil)
	to.supervisor.On("Check", proc).Return(nil)
	to.supervisor.On("Stop", mock.Anything, proc).Return(nil)

	report := to.Run(context.Background())
	assert.Equal(t, reporting.KindNone, report.Kind)
	to.installer.AssertNumberOfCalls(t, "Ensure", 2)
}

func TestRunConformanceRetriesExhausted(t *testing.T) {
	cfg := conformanceConfig()
	cfg.StageRetries = 2
	to := newTestOrchestrator(t, cfg)
	to.installer.On("Ensure", mock.Anything).Return(testArtifact, nil)
	to.supervisor.On("Start", mock.Anything, mock.Anything).Return(nil, &types.ProcessStartError{Command: "server", Err: errors.New("no such file")})

	report := to.Run(context.Background())
	assert.Equal(t, types.StageStart, report.Stage)
	var target *types.ProcessStartError
	assert.ErrorAs(t, report.Err, &target)
	to.supervisor.AssertNumberOfCalls(t, "Start", 3)
}

func TestRunConformancePermanentInstallFailureNotRetried(t *testing.T) {
	for _, reason := range []string{types.ReasonChecksumMismatch, types.ReasonUnsupportedPlatform} {
		t.Run(reason, func(t *testing.T) {
			cfg := conformanceConfig()
			cfg.StageRetries = 3
			to := newTestOrchestrator(t, cfg)
			to.installer.On("Ensure", mock.Anything).Return(nil, &types.InstallError{Reason: reason})

			report := to.Run(context.Background())

			assert.Equal(t, reporting.KindInfrastructure, report.Kind)
			assert.Equal(t, types.StageInstall, report.Stage)
			var installErr *types.InstallError
			require.ErrorAs(t, report.Err, &installErr)
			assert.Equal(t, reason, installErr.Reason)
			to.installer.AssertNumberOfCalls(t, "Ensure", 1)
			to.supervisor.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
		})
	}
}

func TestRunConformancePlatformStep(t *testing.T) {
	t.Run("runs first", func(t *testing.T) {
		cfg := conformanceConfig()
		cfg.ConstrainedPlatform = true
		cfg.NativeInstallCmd = "apk add openssl"
		to := newTestOrchestrator(t, cfg)
		proc := to.expectHappyPath(resultOf(types.CaseStatusPass), nil)
		to.supervisor.On("Check", proc).Return(nil)

		report := to.Run(context.Background())
		assert.Equal(t, reporting.KindNone, report.Kind)
		assert.Equal(t, []string{"apk add openssl"}, to.commands.ran)
	})

	t.Run("failure stops the run", func(t *testing.T) {
		cfg := conformanceConfig()
		cfg.ConstrainedPlatform = true
		cfg.NativeInstallCmd = "apk add openssl"
		to := newTestOrchestrator(t, cfg)
		to.commands.codes["apk add openssl"] = 1

		report := to.Run(context.Background())
		assert.Equal(t, reporting.KindInfrastructure, report.Kind)
		assert.Equal(t, types.StagePlatform, report.Stage)
		to.installer.AssertNotCalled(t, "Ensure", mock.Anything)
	})

	t.Run("skipped on regular platforms", func(t *testing.T) {
		cfg := conformanceConfig()
		cfg.NativeInstallCmd = "apk add openssl"
		to := newTestOrchestrator(t, cfg)
		proc := to.expectHappyPath(resultOf(types.CaseStatusPass), nil)
		to.supervisor.On("Check", proc).Return(nil)

		to.Run(context.Background())
		assert.Empty(t, to.commands.ran)
	})
}

func TestRunUnit(t *testing.T) {
	unitConfig := func() *Config {
		return &Config{Mode: types.RunModeUnit, UnitCmds: []string{"go test ./a", "go test ./b", "go test ./c"}}
	}

	t.Run("all pass", func(t *testing.T) {
		to := newTestOrchestrator(t, unitConfig())
		report := to.Run(context.Background())
		assert.Equal(t, reporting.KindNone, report.Kind)
		assert.Equal(t, 0, report.ExitCode)
		assert.Len(t, to.commands.ran, 3)
	})

	t.Run("exit code passes through", func(t *testing.T) {
		to := newTestOrchestrator(t, unitConfig())
		to.commands.codes["go test ./b"] = 3

		report := to.Run(context.Background())
		assert.Equal(t, reporting.KindTest, report.Kind)
		assert.Equal(t, 3, report.ExitCode)
		assert.Equal(t, []string{"go test ./a", "go test ./b"}, to.commands.ran)
	})

	t.Run("command cannot run", func(t *testing.T) {
		to := newTestOrchestrator(t, unitConfig())
		to.commands.errs["go test ./a"] = errors.New("exec: sh: not found")

		report := to.Run(context.Background())
		assert.Equal(t, reporting.KindInfrastructure, report.Kind)
		assert.Equal(t, types.StageUnit, report.Stage)
	})

	t.Run("platform step first", func(t *testing.T) {
		cfg := unitConfig()
		cfg.ConstrainedPlatform = true
		cfg.NativeInstallCmd = "pkg install rust"
		to := newTestOrchestrator(t, cfg)

		to.Run(context.Background())
		require.NotEmpty(t, to.commands.ran)
		assert.Equal(t, "pkg install rust", to.commands.ran[0])
	})

	t.Run("never touches conformance stages", func(t *testing.T) {
		to := newTestOrchestrator(t, unitConfig())
		to.Run(context.Background())
		to.installer.AssertNotCalled(t, "Ensure", mock.Anything)
		to.supervisor.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
	})
}

func TestSummarizeAddsCaptures(t *testing.T) {
	dir := t.TempDir()
	to := newTestOrchestrator(t, conformanceConfig())
	to.runDir = dir
	require.NoError(t, writeFile(dir, "server.stderr.log", "bind: address already in use\n"))
	require.NoError(t, writeFile(dir, "suite.stream.log", ""))

	report := to.summarize(nil, nil, types.NewStageError(types.StageStart, &types.ProcessExitedError{Name: "server", ExitCode: 1}))
	assert.Len(t, report.Captures, 2)
	require.Len(t, report.Outputs, 1)
	assert.Contains(t, report.Outputs[0].Tail, "address already in use")
}
