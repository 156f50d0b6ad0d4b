package supervisor

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/ethereum-optimism/infra/op-conform/logging"
	"github.com/ethereum-optimism/infra/op-conform/types"
)

// ServerProcess is a handle to a process owned by a Supervisor.
// Only the supervisor signals or waits on the underlying process.
type ServerProcess struct {
	ID      string
	Name    string
	Address string

	cmd    *exec.Cmd
	stdout *logging.OutputCapture
	stderr *logging.OutputCapture

	// done is closed once the process has been reaped and its output flushed
	done     chan struct{}
	waitErr  error
	exitCode int

	mu     sync.Mutex
	state  State
	stopMu sync.Mutex
}

func newServerProcess(spec Spec, cmd *exec.Cmd, stdout, stderr *logging.OutputCapture) *ServerProcess {
	return &ServerProcess{
		Name:     spec.Name,
		Address:  spec.Address,
		cmd:      cmd,
		stdout:   stdout,
		stderr:   stderr,
		done:     make(chan struct{}),
		exitCode: -1,
		state:    StateSpawned,
	}
}

// State returns the current lifecycle state
func (p *ServerProcess) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *ServerProcess) transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := checkTransition(p.state, to); err != nil {
		return err
	}
	p.state = to
	return nil
}

// Pid returns the operating system process id, or 0 if never spawned
func (p *ServerProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited reports whether the process has exited and been reaped
func (p *ServerProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code once the process has exited.
// A process killed by a signal reports -1.
func (p *ServerProcess) ExitCode() (int, bool) {
	if !p.Exited() {
		return 0, false
	}
	return p.exitCode, true
}

// StdoutTail returns the most recent stdout lines
func (p *ServerProcess) StdoutTail() string {
	if p.stdout == nil {
		return ""
	}
	return p.stdout.Tail()
}

// StderrTail returns the most recent stderr lines
func (p *ServerProcess) StderrTail() string {
	if p.stderr == nil {
		return ""
	}
	return p.stderr.Tail()
}

// Captures returns the paths of the files holding the process output
func (p *ServerProcess) Captures() []string {
	var paths []string
	for _, c := range []*logging.OutputCapture{p.stdout, p.stderr} {
		if c == nil {
			continue
		}
		if path := c.Path(); path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

func (p *ServerProcess) exitedError() error {
	return &types.ProcessExitedError{Name: p.Name, ExitCode: p.exitCode, Err: p.waitErr}
}

func (p *ServerProcess) String() string {
	return fmt.Sprintf("%s (pid %d, %s)", p.Name, p.Pid(), p.Address)
}
