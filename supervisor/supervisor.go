// Package supervisor runs the system under test as a child process. It waits
// for the process to accept connections, captures its output, and guarantees
// it is torn down exactly once.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc"

	"github.com/ethereum-optimism/infra/op-conform/logging"
	"github.com/ethereum-optimism/infra/op-conform/metrics"
	"github.com/ethereum-optimism/infra/op-conform/types"
)

const (
	DefaultReadinessTimeout = 30 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
	DefaultDialTimeout      = time.Second
	DefaultGracePeriod      = 10 * time.Second

	// How long to wait for the kernel to reap a process after SIGKILL
	killWaitTimeout = 5 * time.Second
)

// Spec describes the process to supervise
type Spec struct {
	Name    string   // Name used in logs and capture file names
	Command string   // Executable to run
	Args    []string // Arguments
	Env     []string // Full environment; nil inherits the parent's
	Dir     string   // Working directory
	Address string   // host:port the process listens on once ready
}

// Config holds configuration for creating a new supervisor
type Config struct {
	ReadinessTimeout time.Duration
	PollInterval     time.Duration
	DialTimeout      time.Duration
	GracePeriod      time.Duration
	LogDir           string // Directory for output capture files; empty disables files
	Log              log.Logger
}

// Supervisor starts and stops server processes
type Supervisor struct {
	cfg Config
	log log.Logger
}

// New creates a supervisor, applying defaults to unset durations
func New(cfg Config) *Supervisor {
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = DefaultReadinessTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	return &Supervisor{
		cfg: cfg,
		log: cfg.Log.New("component", "supervisor"),
	}
}

func (s *Supervisor) validate(spec Spec) error {
	if spec.Name == "" {
		return errors.New("process name cannot be empty")
	}
	if spec.Command == "" {
		return errors.New("process command cannot be empty")
	}
	if _, _, err := net.SplitHostPort(spec.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", spec.Address, err)
	}
	return nil
}

// Start spawns the process and blocks until it accepts connections on its
// address. If the process does not become ready, it is killed and reaped
// before Start returns, and the caller must not call Stop.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*ServerProcess, error) {
	if err := s.validate(spec); err != nil {
		return nil, &types.ProcessStartError{Command: spec.Command, Err: err}
	}

	// A listener already on the address would make readiness meaningless,
	// usually a server leaked by an earlier run.
	if s.dial(ctx, spec.Address) == nil {
		return nil, &types.ProcessStartError{
			Command: spec.Command,
			Err:     fmt.Errorf("address %s is already accepting connections", spec.Address),
		}
	}

	stdout, err := logging.NewOutputCapture(s.cfg.LogDir, spec.Name+".stdout", s.log)
	if err != nil {
		return nil, &types.ProcessStartError{Command: spec.Command, Err: err}
	}
	stderr, err := logging.NewOutputCapture(s.cfg.LogDir, spec.Name+".stderr", s.log)
	if err != nil {
		_ = stdout.Close()
		return nil, &types.ProcessStartError{Command: spec.Command, Err: err}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = sysProcAttr()

	proc := newServerProcess(spec, cmd, stdout, stderr)
	startErr := func() error {
		outPipe, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		errPipe, err := cmd.StderrPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return err
		}
		go s.reap(proc, outPipe, errPipe)
		return nil
	}()
	if startErr != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		_ = proc.transition(StateFailed)
		return nil, &types.ProcessStartError{Command: spec.Command, Err: startErr}
	}

	proc.ID = fmt.Sprintf("%s-%d", spec.Name, proc.Pid())
	s.log.Info("Spawned process", "name", spec.Name, "pid", proc.Pid(),
		"command", strings.Join(append([]string{spec.Command}, spec.Args...), " "))

	_ = proc.transition(StateWaitingReady)
	if err := s.waitReady(ctx, proc); err != nil {
		s.log.Error("Process failed to become ready", "name", spec.Name, "address", spec.Address, "err", err)
		s.abandon(proc)
		return nil, err
	}

	_ = proc.transition(StateReady)
	_ = proc.transition(StateRunning)
	s.log.Info("Process ready", "name", spec.Name, "pid", proc.Pid(), "address", spec.Address)
	return proc, nil
}

// reap pumps the output pipes to EOF, then waits for the process
func (s *Supervisor) reap(proc *ServerProcess, stdout, stderr io.Reader) {
	var wg conc.WaitGroup
	wg.Go(func() {
		if err := proc.stdout.Pump(stdout); err != nil {
			s.log.Warn("Output capture failed", "name", proc.Name, "err", err)
		}
	})
	wg.Go(func() {
		if err := proc.stderr.Pump(stderr); err != nil {
			s.log.Warn("Output capture failed", "name", proc.Name, "err", err)
		}
	})
	wg.Wait()

	proc.waitErr = proc.cmd.Wait()
	if proc.cmd.ProcessState != nil {
		proc.exitCode = proc.cmd.ProcessState.ExitCode()
	}
	_ = proc.stdout.Close()
	_ = proc.stderr.Close()
	s.log.Debug("Process exited", "name", proc.Name, "pid", proc.Pid(), "code", proc.exitCode)
	close(proc.done)
}

func (s *Supervisor) dial(ctx context.Context, address string) error {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// waitReady polls the address until it accepts a connection, the process
// exits, the readiness timeout elapses, or ctx is done.
func (s *Supervisor) waitReady(ctx context.Context, proc *ServerProcess) error {
	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadinessTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if proc.Exited() {
			return proc.exitedError()
		}
		err := s.dial(readyCtx, proc.Address)
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("Address not ready yet", "address", proc.Address, "err", err)

		select {
		case <-proc.done:
			return proc.exitedError()
		case <-readyCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("waiting for %s to become ready: %w", proc.Address, ctx.Err())
			}
			return &types.ReadinessTimeoutError{
				Address: proc.Address,
				Timeout: s.cfg.ReadinessTimeout,
				LastErr: lastErr,
			}
		case <-ticker.C:
		}
	}
}

// abandon kills a process that never became ready and waits for it to be reaped
func (s *Supervisor) abandon(proc *ServerProcess) {
	defer func() { _ = proc.transition(StateFailed) }()
	if proc.Exited() {
		return
	}
	if err := kill(proc.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("Failed to kill process", "name", proc.Name, "pid", proc.Pid(), "err", err)
	}
	select {
	case <-proc.done:
		metrics.RecordTermination("abandoned")
	case <-time.After(killWaitTimeout):
		s.log.Error("Process not reaped after kill", "name", proc.Name, "pid", proc.Pid())
	}
}

// Stop terminates the process: a graceful termination request first, then a
// forced kill once the grace period has elapsed or ctx is done. Stop is
// idempotent; stopping a terminated or failed process is a no-op.
func (s *Supervisor) Stop(ctx context.Context, proc *ServerProcess) error {
	if proc == nil {
		return nil
	}
	proc.stopMu.Lock()
	defer proc.stopMu.Unlock()

	if proc.State().Final() {
		return nil
	}
	if err := proc.transition(StateTerminating); err != nil {
		return &types.TeardownError{Name: proc.Name, Err: err}
	}

	method, err := s.terminate(ctx, proc)
	metrics.RecordTermination(method)
	if err != nil {
		_ = proc.transition(StateFailed)
		return &types.TeardownError{Name: proc.Name, Err: err}
	}

	_ = proc.transition(StateTerminated)
	code, _ := proc.ExitCode()
	s.log.Info("Process stopped", "name", proc.Name, "pid", proc.Pid(), "method", method, "code", code)
	return nil
}

func (s *Supervisor) terminate(ctx context.Context, proc *ServerProcess) (string, error) {
	if proc.Exited() {
		return "exited", nil
	}

	if err := terminate(proc.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Debug("Graceful termination request failed", "name", proc.Name, "err", err)
	}

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-proc.done:
		return "graceful", nil
	case <-grace.C:
		s.log.Warn("Grace period elapsed, forcing termination", "name", proc.Name, "grace", s.cfg.GracePeriod)
	case <-ctx.Done():
		s.log.Warn("Stop cancelled, forcing termination", "name", proc.Name)
	}

	if err := kill(proc.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return "forced", fmt.Errorf("kill pid %d: %w", proc.Pid(), err)
	}
	select {
	case <-proc.done:
		return "forced", nil
	case <-time.After(killWaitTimeout):
		return "forced", fmt.Errorf("pid %d not reaped %s after kill", proc.Pid(), killWaitTimeout)
	}
}

// Check returns a ProcessExitedError if the process is no longer running
func (s *Supervisor) Check(proc *ServerProcess) error {
	if proc.Exited() && !proc.State().Final() {
		return proc.exitedError()
	}
	return nil
}
