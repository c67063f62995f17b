package supervisor

import (
	"context"
	"fmt"

	"github.com/standardbeagle/procrelay/internal/process"
)

// ProcessHandle is a launched process as seen by the supervisor.
type ProcessHandle interface {
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed.
	ExitCode() int
	PID() int
}

// ProcessRunner starts and kills the supervised process.
type ProcessRunner interface {
	Start(ctx context.Context, cfg process.Config) (ProcessHandle, error)
	// Kill terminates h. An already exited process is not an error.
	Kill(ctx context.Context, h ProcessHandle) error
}

// ManagerRunner runs processes through a process.Manager.
type ManagerRunner struct {
	Manager *process.Manager
}

var _ ProcessRunner = ManagerRunner{}

func (r ManagerRunner) Start(ctx context.Context, cfg process.Config) (ProcessHandle, error) {
	if r.Manager == nil {
		return nil, fmt.Errorf("%w: process manager", ErrNilCollaborator)
	}
	proc, err := r.Manager.StartProcess(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func (r ManagerRunner) Kill(ctx context.Context, h ProcessHandle) error {
	proc, ok := h.(*process.ManagedProcess)
	if !ok {
		return fmt.Errorf("kill: foreign process handle %T", h)
	}
	return r.Manager.KillProcess(ctx, proc)
}
