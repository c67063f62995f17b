package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/procrelay/internal/logging"
)

// State is the lifecycle state of a managed process.
type State uint32

const (
	StatePending State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Config describes a process to launch.
type Config struct {
	// Name identifies the process in logs and in the manager registry.
	Name    string
	Command string
	Args    []string
	Dir     string
	// Env replaces the inherited environment when non-empty.
	Env []string
}

// ManagedProcess is one launched OS process.
type ManagedProcess struct {
	Name    string
	Command string
	Args    []string

	cmd *exec.Cmd

	state     atomic.Uint32
	pid       atomic.Int32
	exitCode  atomic.Int32
	startTime atomic.Pointer[time.Time]
	endTime   atomic.Pointer[time.Time]

	done chan struct{}
}

func newManagedProcess(cfg Config) *ManagedProcess {
	name := cfg.Name
	if name == "" {
		name = cfg.Command
	}
	p := &ManagedProcess{
		Name:    name,
		Command: cfg.Command,
		Args:    cfg.Args,
		done:    make(chan struct{}),
	}
	p.exitCode.Store(-1)

	p.cmd = exec.Command(cfg.Command, cfg.Args...)
	p.cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		p.cmd.Env = cfg.Env
	} else {
		p.cmd.Env = os.Environ()
	}
	setProcAttr(p.cmd)
	return p
}

// State returns the current state.
func (p *ManagedProcess) State() State { return State(p.state.Load()) }

// SetState stores s unconditionally.
func (p *ManagedProcess) SetState(s State) { p.state.Store(uint32(s)) }

// CompareAndSwapState atomically moves from one state to another.
func (p *ManagedProcess) CompareAndSwapState(from, to State) bool {
	return p.state.CompareAndSwap(uint32(from), uint32(to))
}

// IsRunning reports whether the process has been started and not yet reaped.
func (p *ManagedProcess) IsRunning() bool {
	s := p.State()
	return s == StateRunning || s == StateStopping
}

// PID returns the OS process id, or 0 before start.
func (p *ManagedProcess) PID() int { return int(p.pid.Load()) }

// ExitCode returns the exit code, or -1 while running or when killed by a signal.
func (p *ManagedProcess) ExitCode() int { return int(p.exitCode.Load()) }

// Done is closed once the process has exited and been reaped.
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// Runtime returns how long the process ran, or has been running.
func (p *ManagedProcess) Runtime() time.Duration {
	start := p.startTime.Load()
	if start == nil {
		return 0
	}
	if end := p.endTime.Load(); end != nil {
		return end.Sub(*start)
	}
	return time.Since(*start)
}

func (m *Manager) start(ctx context.Context, proc *ManagedProcess) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !proc.CompareAndSwapState(StatePending, StateStarting) {
		return fmt.Errorf("%w: cannot start %s (state: %s)", ErrInvalidState, proc.Name, proc.State())
	}

	// The parent keeps only the read ends, so Wait never blocks on output.
	stdout, outW, err := os.Pipe()
	if err != nil {
		proc.SetState(StateFailed)
		return fmt.Errorf("stdout pipe for %s: %w", proc.Name, err)
	}
	stderr, errW, err := os.Pipe()
	if err != nil {
		stdout.Close()
		outW.Close()
		proc.SetState(StateFailed)
		return fmt.Errorf("stderr pipe for %s: %w", proc.Name, err)
	}
	proc.cmd.Stdout = outW
	proc.cmd.Stderr = errW

	err = proc.cmd.Start()
	outW.Close()
	errW.Close()
	if err != nil {
		stdout.Close()
		stderr.Close()
		proc.SetState(StateFailed)
		close(proc.done)
		return fmt.Errorf("failed to start process %s: %w", proc.Name, err)
	}

	now := time.Now()
	proc.startTime.Store(&now)
	proc.pid.Store(int32(proc.cmd.Process.Pid))
	proc.SetState(StateRunning)

	log := m.log.WithValues("name", proc.Name, "pid", proc.PID())
	log.Info("process started", "command", proc.Command, "args", proc.Args)

	var streams sync.WaitGroup
	streams.Add(2)
	go m.pipeLines(&streams, proc, "stdout", stdout)
	go m.pipeLines(&streams, proc, "stderr", stderr)

	m.wg.Add(1)
	go m.waitForProcess(proc, &streams, stdout, stderr)
	return nil
}

// pipeLines forwards one output stream of proc into the logger line by line.
func (m *Manager) pipeLines(wg *sync.WaitGroup, proc *ManagedProcess, stream string, r io.Reader) {
	defer wg.Done()
	log := m.log.WithValues("name", proc.Name, "stream", stream)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.V(logging.VERBOSE).Info(scanner.Text())
	}
}

// waitForProcess reaps proc, then gives its output readers DrainTimeout to
// reach EOF before closing them.
func (m *Manager) waitForProcess(proc *ManagedProcess, streams *sync.WaitGroup, outputs ...*os.File) {
	defer m.wg.Done()

	err := proc.cmd.Wait()

	// A grandchild that inherited the pipes keeps them open past the exit.
	drained := make(chan struct{})
	go func() {
		streams.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(m.config.DrainTimeout):
		m.log.V(logging.VERBOSE).Info("output still open after exit, closing", "name", proc.Name, "pid", proc.PID())
	}
	for _, f := range outputs {
		f.Close()
	}
	<-drained

	now := time.Now()
	proc.endTime.Store(&now)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			proc.exitCode.Store(int32(exitErr.ExitCode()))
		}
		proc.SetState(StateFailed)
		m.totalFailed.Add(1)
	} else {
		proc.exitCode.Store(0)
		proc.SetState(StateStopped)
	}

	m.processes.CompareAndDelete(proc.Name, proc)
	m.log.V(logging.VERBOSE).Info("process exited", "name", proc.Name, "pid", proc.PID(),
		"exitCode", proc.ExitCode(), "runtime", proc.Runtime())
	close(proc.done)
}
