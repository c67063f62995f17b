// Package process starts, watches and kills the external worker processes a
// supervisor manages.
package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/standardbeagle/procrelay/internal/logging"
)

var (
	// ErrProcessExists is returned when a process with the same name is still registered.
	ErrProcessExists = errors.New("process already exists")
	// ErrInvalidState is returned when an operation is invalid for the current state.
	ErrInvalidState = errors.New("invalid process state for operation")
	// ErrShuttingDown is returned when the manager is shutting down.
	ErrShuttingDown = errors.New("process manager is shutting down")
	// ErrKillFailed is returned when a process survives SIGKILL.
	ErrKillFailed = errors.New("process could not be killed")
)

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
	// KillTimeout is how long to wait for the process to disappear after SIGKILL.
	KillTimeout time.Duration
	// DrainTimeout bounds how long output is read after the process exits.
	DrainTimeout time.Duration
}

// DefaultManagerConfig returns a ManagerConfig with sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		GracefulTimeout: 5 * time.Second,
		KillTimeout:     2 * time.Second,
		DrainTimeout:    time.Second,
	}
}

// Manager owns the OS processes started on behalf of supervisors.
type Manager struct {
	log    logr.Logger
	config ManagerConfig

	processes sync.Map // map[string]*ManagedProcess

	totalStarted atomic.Int64
	totalFailed  atomic.Int64

	shutdownOnce sync.Once
	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// NewManager creates a new Manager.
func NewManager(config ManagerConfig, logger logr.Logger) *Manager {
	if config.GracefulTimeout <= 0 {
		config.GracefulTimeout = DefaultManagerConfig().GracefulTimeout
	}
	if config.KillTimeout <= 0 {
		config.KillTimeout = DefaultManagerConfig().KillTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultManagerConfig().DrainTimeout
	}
	return &Manager{
		log:    logger.WithName("process"),
		config: config,
	}
}

// StartProcess launches cfg and registers it under cfg.Name. The exit of the
// process is reported through ManagedProcess.Done.
func (m *Manager) StartProcess(ctx context.Context, cfg Config) (*ManagedProcess, error) {
	if m.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("start %s: empty command", cfg.Name)
	}

	proc := newManagedProcess(cfg)
	if _, loaded := m.processes.LoadOrStore(proc.Name, proc); loaded {
		return nil, fmt.Errorf("%w: %s", ErrProcessExists, proc.Name)
	}

	if err := m.start(ctx, proc); err != nil {
		m.processes.Delete(proc.Name)
		m.totalFailed.Add(1)
		return nil, err
	}
	m.totalStarted.Add(1)
	return proc, nil
}

// KillProcess terminates proc: SIGTERM to its process group, then SIGKILL
// once the graceful timeout elapses or ctx is cancelled. A process that has
// already exited is not an error.
func (m *Manager) KillProcess(ctx context.Context, proc *ManagedProcess) error {
	if proc == nil {
		return nil
	}
	state := proc.State()
	if state == StateStopped || state == StateFailed {
		return nil
	}

	if !proc.CompareAndSwapState(StateRunning, StateStopping) {
		if proc.State() == StateStopping {
			select {
			case <-proc.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return fmt.Errorf("%w: cannot kill %s (state: %s)", ErrInvalidState, proc.Name, proc.State())
	}

	log := m.log.WithValues("name", proc.Name, "pid", proc.PID())
	log.V(logging.VERBOSE).Info("terminating process")

	select {
	case <-ctx.Done():
		return m.forceKill(proc)
	default:
	}

	if err := terminate(proc.cmd); err != nil && !isNoSuchProcess(err) {
		log.V(logging.DEBUG).Info("SIGTERM failed", "err", err)
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(m.config.GracefulTimeout):
		log.Info("graceful timeout elapsed, killing process")
		return m.forceKill(proc)
	case <-ctx.Done():
		return m.forceKill(proc)
	}
}

func (m *Manager) forceKill(proc *ManagedProcess) error {
	if err := kill(proc.cmd); err != nil && !isNoSuchProcess(err) {
		return fmt.Errorf("%w: %s: %v", ErrKillFailed, proc.Name, err)
	}
	select {
	case <-proc.Done():
		return nil
	case <-time.After(m.config.KillTimeout):
		return fmt.Errorf("%w: %s still running after SIGKILL", ErrKillFailed, proc.Name)
	}
}

// List returns all registered processes.
func (m *Manager) List() []*ManagedProcess {
	var result []*ManagedProcess
	m.processes.Range(func(_, value any) bool {
		result = append(result, value.(*ManagedProcess))
		return true
	})
	return result
}

// TotalStarted returns the number of successful launches.
func (m *Manager) TotalStarted() int64 { return m.totalStarted.Load() }

// TotalFailed returns the number of failed launches and non-zero exits.
func (m *Manager) TotalFailed() int64 { return m.totalFailed.Load() }

// Shutdown kills every running process and waits for the watcher goroutines.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	m.shutdownOnce.Do(func() {
		m.shuttingDown.Store(true)

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, proc := range m.List() {
			if !proc.IsRunning() {
				continue
			}
			wg.Add(1)
			go func(p *ManagedProcess) {
				defer wg.Done()
				if err := m.KillProcess(ctx, p); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(proc)
		}
		wg.Wait()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	})
	return errors.Join(errs...)
}
