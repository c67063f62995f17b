package authority

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
)

func startRouter(t *testing.T) (*Router, context.CancelFunc) {
	t.Helper()
	r := NewRouter(testr.New(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, cancel
}

func submit(t *testing.T, r *Router, ref reference.Ref, typeName string) protocol.Acknowledge {
	t.Helper()
	got := make(chan protocol.Acknowledge, 1)
	r.Submit(ref, protocol.Command{TypeName: typeName}, func(ack protocol.Acknowledge) { got <- ack })
	select {
	case ack := <-got:
		return ack
	case <-time.After(time.Second):
		t.Fatal("no acknowledge")
		return protocol.Acknowledge{}
	}
}

func TestRouter_Dispatch(t *testing.T) {
	r, _ := startRouter(t)

	require.NoError(t, r.Handle("ExportFinished", func(_ context.Context, ref reference.Ref, cmd protocol.Command) protocol.Acknowledge {
		return protocol.OK("ref " + ref.String())
	}))

	ack := submit(t, r, 7, "ExportFinished")
	assert.True(t, ack.Status)
	assert.Equal(t, "ref 7", ack.Message)
}

func TestRouter_UnknownType(t *testing.T) {
	r, _ := startRouter(t)

	ack := submit(t, r, 1, "Nope")
	assert.False(t, ack.Status)
	assert.Equal(t, protocol.AckError, ack.Kind)
}

func TestRouter_Fallback(t *testing.T) {
	r, _ := startRouter(t)
	r.HandleDefault(func(context.Context, reference.Ref, protocol.Command) protocol.Acknowledge {
		return protocol.Failed(protocol.AckWarning, "ignored")
	})

	ack := submit(t, r, 1, "Anything")
	assert.Equal(t, protocol.AckWarning, ack.Kind)
}

func TestRouter_DuplicateHandler(t *testing.T) {
	r := NewRouter(testr.New(t))
	h := func(context.Context, reference.Ref, protocol.Command) protocol.Acknowledge { return protocol.OK("") }

	require.NoError(t, r.Handle("Telemetry", h))
	assert.ErrorIs(t, r.Handle("Telemetry", h), protocol.ErrDuplicateHandler)
}

func TestRouter_SubmitAfterStop(t *testing.T) {
	r, cancel := startRouter(t)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case <-r.stopped:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	ack := submit(t, r, 1, "Export")
	assert.Equal(t, protocol.AckPeerUnavailable, ack.Kind)
}
