package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/procrelay/internal/authority"
	"github.com/standardbeagle/procrelay/internal/config"
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/supervisor"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procrelay.kdl")

	out, err := execute(t, "config", "init", path, "--force=false")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "init", path, "--force=false")
	assert.Error(t, err, "existing file is not overwritten")

	out, err = execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 process(es) OK")

	out, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	shown, err := config.ParseYAML([]byte(out))
	require.NoError(t, err)
	want, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, shown)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "procrelay v"+appVersion+"\n", out)
}

func TestCompletionCommand(t *testing.T) {
	out, err := execute(t, "completion", "bash")
	require.NoError(t, err)
	assert.Contains(t, out, "procrelay")

	_, err = execute(t, "completion", "tcsh")
	assert.Error(t, err)
}

func TestAuthorityHandlers(t *testing.T) {
	log := testr.New(t)
	router := authority.NewRouter(log)
	require.NoError(t, registerAuthorityHandlers(router, log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()

	submit := func(cmd protocol.Command) protocol.Acknowledge {
		got := make(chan protocol.Acknowledge, 1)
		router.Submit(7, cmd, func(a protocol.Acknowledge) { got <- a })
		select {
		case a := <-got:
			return a
		case <-time.After(5 * time.Second):
			t.Fatal("no acknowledge")
			return protocol.Acknowledge{}
		}
	}

	payload, err := json.Marshal(supervisor.StateChange{Process: "export", From: "Initial", To: "StartRetry"})
	require.NoError(t, err)
	ack := submit(protocol.Command{TypeName: supervisor.TypeProcessStateChanged, Payload: payload})
	assert.True(t, ack.Status)

	ack = submit(protocol.Command{TypeName: supervisor.TypeProcessStateChanged, Payload: []byte("{")})
	assert.False(t, ack.Status)
	assert.Equal(t, protocol.AckError, ack.Kind)

	ack = submit(protocol.Command{TypeName: "ExportProgress", Payload: []byte(`{"percent":40}`)})
	assert.True(t, ack.Status, "unknown forwarded types are accepted")
}
