//go:build !windows

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/procrelay/internal/process"
)

func TestManagerRunner_StartAndKill(t *testing.T) {
	mgr := process.NewManager(process.ManagerConfig{
		GracefulTimeout: time.Second,
		KillTimeout:     time.Second,
	}, testr.New(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	r := ManagerRunner{Manager: mgr}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := r.Start(ctx, process.Config{Name: "export", Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	assert.NotZero(t, h.PID())

	require.NoError(t, r.Kill(ctx, h))
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after kill")
	}

	// The name is free again once the process is gone.
	h, err = r.Start(ctx, process.Config{Name: "export", Command: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 3, h.ExitCode())
	assert.NoError(t, r.Kill(ctx, h), "killing an exited process is not an error")
}

func TestManagerRunner_Errors(t *testing.T) {
	_, err := ManagerRunner{}.Start(context.Background(), process.Config{Name: "x", Command: "true"})
	assert.ErrorIs(t, err, ErrNilCollaborator)

	r := ManagerRunner{Manager: process.NewManager(process.DefaultManagerConfig(), testr.New(t))}
	assert.Error(t, r.Kill(context.Background(), &fakeProc{}))
}
