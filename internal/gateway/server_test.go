package gateway

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
	"github.com/standardbeagle/procrelay/internal/relay"
)

func startServer(t *testing.T, addr string, cfg ServerConfig) *Server {
	t.Helper()
	l, err := Listen(addr)
	require.NoError(t, err)
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = testr.New(t)
	}
	srv := NewServer(l, cfg)
	require.NoError(t, srv.Connect(context.Background()))
	t.Cleanup(func() { srv.Close() })
	return srv
}

func nextEvent(t *testing.T, srv *Server) Event {
	t.Helper()
	select {
	case ev := <-srv.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no gateway event")
		return Event{}
	}
}

func dialClient(t *testing.T, srv *Server, cfg ClientConfig) *Client {
	t.Helper()
	cfg.Address = srv.Addr()
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = testr.New(t)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_LoginAndConnected(t *testing.T) {
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{PeerName: "Export", LoginTimeout: 5 * time.Second})

	c := dialClient(t, srv, ClientConfig{Peer: "Export", Version: "1.0"})

	ev := nextEvent(t, srv)
	require.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, "Export", ev.Peer)
	assert.Equal(t, c.Session(), ev.Session)
	assert.NotEmpty(t, ev.Session)

	name, session, ok := srv.Peer()
	assert.True(t, ok)
	assert.Equal(t, "Export", name)
	assert.Equal(t, ev.Session, session)
}

func TestServer_RejectsWrongPeer(t *testing.T) {
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{PeerName: "Export"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, ClientConfig{Address: srv.Addr(), Peer: "Gui", Logger: testr.New(t)})
	assert.ErrorIs(t, err, ErrLoginRejected)

	select {
	case ev := <-srv.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServer_RejectsSecondPeer(t *testing.T) {
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{})

	dialClient(t, srv, ClientConfig{Peer: "Export"})
	require.Equal(t, EventConnected, nextEvent(t, srv).Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, ClientConfig{Address: srv.Addr(), Peer: "Export", Logger: testr.New(t)})
	assert.ErrorIs(t, err, ErrLoginRejected)
}

func TestServer_LoginTimeout(t *testing.T) {
	fc := testclock.NewFakeClock(time.Unix(1700000000, 0))
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{LoginTimeout: 30 * time.Second, Clock: fc})

	conn, err := DialConn(context.Background(), srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, fc.HasWaiters, 5*time.Second, 5*time.Millisecond)
	fc.Step(30 * time.Second)

	assert.Equal(t, EventLoginTimeout, nextEvent(t, srv).Kind)

	_, err = conn.ReadEnvelope()
	assert.Error(t, err, "server closes the connection")
}

func TestServer_RoundTrip(t *testing.T) {
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{PeerName: "Export"})
	c := dialClient(t, srv, ClientConfig{Peer: "Export"})
	require.Equal(t, EventConnected, nextEvent(t, srv).Kind)

	outcome := make(chan relay.Outcome, 1)
	c.SendCommand(protocol.Command{TypeName: "ExportProgress", Payload: []byte(`{"percent":10}`), Timeout: 5 * time.Second},
		func(o relay.Outcome) { outcome <- o })

	ev := nextEvent(t, srv)
	require.Equal(t, EventIncomingMessage, ev.Kind)
	assert.Equal(t, protocol.KindCommand, ev.Envelope.Kind)
	assert.Equal(t, "ExportProgress", ev.Envelope.TypeName)
	assert.JSONEq(t, `{"percent":10}`, string(ev.Envelope.Payload))

	require.NoError(t, srv.Send(protocol.KindAck, protocol.TypeAcknowledge, ev.Envelope.Ref, protocol.OK("stored").Marshal()))

	select {
	case o := <-outcome:
		assert.True(t, o.OK())
		assert.Equal(t, "stored", o.Ack.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("client never saw the acknowledge")
	}
}

type echoAuthority struct{}

func (echoAuthority) Submit(ref reference.Ref, cmd protocol.Command, reply func(protocol.Acknowledge)) {
	reply(protocol.OK("handled " + cmd.TypeName))
}

func TestServer_CommandToWorker(t *testing.T) {
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{})
	dialClient(t, srv, ClientConfig{Peer: "Export", Authority: echoAuthority{}, Handle: []string{"StartExport"}})
	require.Equal(t, EventConnected, nextEvent(t, srv).Kind)

	require.NoError(t, srv.Send(protocol.KindCommand, "StartExport", 42, nil))

	ev := nextEvent(t, srv)
	require.Equal(t, EventIncomingMessage, ev.Kind)
	assert.Equal(t, protocol.KindAck, ev.Envelope.Kind)
	assert.Equal(t, reference.Ref(42), ev.Envelope.Ref, "worker answers with the supervisor's reference")
	ack, err := protocol.DecodeAcknowledge(ev.Envelope.Payload)
	require.NoError(t, err)
	assert.Equal(t, "handled StartExport", ack.Message)
}

func TestClient_LocalHandler(t *testing.T) {
	type setDateTime struct {
		Unix int64 `json:"unix"`
	}
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{})
	got := make(chan int64, 1)
	dialClient(t, srv, ClientConfig{
		Peer: "Export",
		Register: func(r *protocol.Registry, c *Client) error {
			return r.Register("SetDateTime", protocol.Bind(func(ref reference.Ref, msg setDateTime) {
				got <- msg.Unix
				c.Acknowledge(ref, protocol.OK("clock set"))
			}))
		},
	})
	require.Equal(t, EventConnected, nextEvent(t, srv).Kind)

	require.NoError(t, srv.Send(protocol.KindCommand, "SetDateTime", 7, []byte(`{"unix":1700000000}`)))

	ev := nextEvent(t, srv)
	require.Equal(t, EventIncomingMessage, ev.Kind)
	assert.Equal(t, protocol.KindAck, ev.Envelope.Kind)
	assert.Equal(t, reference.Ref(7), ev.Envelope.Ref)
	ack, err := protocol.DecodeAcknowledge(ev.Envelope.Payload)
	require.NoError(t, err)
	assert.Equal(t, "clock set", ack.Message)
	assert.Equal(t, int64(1700000000), <-got)
}

func TestClient_RegisterFailure(t *testing.T) {
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, ClientConfig{
		Address: srv.Addr(),
		Peer:    "Export",
		Handle:  []string{"StartExport"},
		Logger:  testr.New(t),
		Register: func(r *protocol.Registry, _ *Client) error {
			return r.Register("StartExport", protocol.Raw(func(reference.Ref, []byte) {}))
		},
	})
	assert.ErrorIs(t, err, protocol.ErrDuplicateHandler)
}

func TestServer_DisconnectEvent(t *testing.T) {
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{})
	c := dialClient(t, srv, ClientConfig{Peer: "Export"})
	require.Equal(t, EventConnected, nextEvent(t, srv).Kind)

	require.NoError(t, c.Close())

	ev := nextEvent(t, srv)
	assert.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, "Export", ev.Peer)
	assert.ErrorIs(t, srv.Send(protocol.KindCommand, "Export", 1, nil), ErrNotConnected)
}

func TestServer_ClientSeesServerDisconnect(t *testing.T) {
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{})
	c := dialClient(t, srv, ClientConfig{Peer: "Export"})
	require.Equal(t, EventConnected, nextEvent(t, srv).Kind)

	outcome := make(chan relay.Outcome, 1)
	c.SendCommand(protocol.Command{TypeName: "Slow", Timeout: time.Hour}, func(o relay.Outcome) { outcome <- o })
	require.Equal(t, EventIncomingMessage, nextEvent(t, srv).Kind)

	require.NoError(t, srv.Disconnect())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the disconnect")
	}
	select {
	case o := <-outcome:
		assert.Equal(t, relay.OutcomePeerUnavailable, o.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not resolved")
	}
}

func TestServer_MalformedFrameDropped(t *testing.T) {
	srv := startServer(t, "tcp://127.0.0.1:0", ServerConfig{})

	conn, err := DialConn(context.Background(), srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	payload, err := protocol.NewCommand(protocol.TypeLogin, protocol.Login{Peer: "Export"}, 0)
	require.NoError(t, err)
	require.NoError(t, conn.WriteEnvelope(protocol.Envelope{Kind: protocol.KindCommand, TypeName: protocol.TypeLogin, Ref: 1, Payload: payload.Payload}))
	reply, err := conn.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeLoginAck, reply.TypeName)
	require.Equal(t, EventConnected, nextEvent(t, srv).Kind)

	sc := conn.(*streamConn)
	_, err = sc.c.Write([]byte("this is not an envelope;;"))
	require.NoError(t, err)
	require.NoError(t, conn.WriteEnvelope(protocol.Envelope{Kind: protocol.KindCommand, TypeName: "Heartbeat", Ref: 2}))

	ev := nextEvent(t, srv)
	require.Equal(t, EventIncomingMessage, ev.Kind)
	assert.Equal(t, "Heartbeat", ev.Envelope.TypeName)
}

func TestStreamConn_OversizedFrameDropped(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	conn := NewStreamConn(a)

	go func() {
		w := protocol.NewWriter(b)
		_ = w.WriteCommand("Export", 1, bytes.Repeat([]byte("x"), protocol.MaxFrameSize))
		_ = w.WriteCommand("Heartbeat", 2, nil)
	}()

	_, err := conn.ReadEnvelope()
	require.Error(t, err)
	assert.True(t, isDecodeError(err), "oversized frame is a decode error, got %v", err)
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)

	env, err := conn.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "Heartbeat", env.TypeName)
}

func TestServer_ConnectAfterClose(t *testing.T) {
	l, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(l, ServerConfig{Logger: testr.New(t)})
	require.NoError(t, srv.Close())
	assert.True(t, errors.Is(srv.Connect(context.Background()), ErrListenerClosed))
}

func TestServer_UnixSocket(t *testing.T) {
	dir := t.TempDir()
	srv := startServer(t, "unix://"+dir+"/export.sock", ServerConfig{PeerName: "Export"})
	dialClient(t, srv, ClientConfig{Peer: "Export"})
	assert.Equal(t, EventConnected, nextEvent(t, srv).Kind)
}

func TestServer_WebSocket(t *testing.T) {
	srv := startServer(t, "ws://127.0.0.1:0/relay", ServerConfig{PeerName: "Agent"})
	c := dialClient(t, srv, ClientConfig{Peer: "Agent", Authority: echoAuthority{}, Handle: []string{"PostTelemetry"}})
	require.Equal(t, EventConnected, nextEvent(t, srv).Kind)

	require.NoError(t, srv.Send(protocol.KindCommand, "PostTelemetry", 9, []byte(`{"temp":61.5}`)))
	ev := nextEvent(t, srv)
	require.Equal(t, EventIncomingMessage, ev.Kind)
	assert.Equal(t, reference.Ref(9), ev.Envelope.Ref)

	require.NoError(t, c.Close())
	assert.Equal(t, EventDisconnected, nextEvent(t, srv).Kind)
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "unix:///run/procrelay/export.sock", want: Address{Scheme: SchemeUnix, Path: "/run/procrelay/export.sock"}},
		{in: "tcp://127.0.0.1:7070", want: Address{Scheme: SchemeTCP, Host: "127.0.0.1:7070"}},
		{in: "ws://localhost:7071/relay", want: Address{Scheme: SchemeWebSocket, Host: "localhost:7071", Path: "/relay"}},
		{in: "ws://localhost:7071", want: Address{Scheme: SchemeWebSocket, Host: "localhost:7071", Path: "/"}},
		{in: "udp://127.0.0.1:1", wantErr: true},
		{in: "tcp://", wantErr: true},
		{in: "unix://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}
