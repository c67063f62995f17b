package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/standardbeagle/procrelay/internal/logging"
	"github.com/standardbeagle/procrelay/internal/loop"
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
	"github.com/standardbeagle/procrelay/internal/relay"
)

// ClientConfig configures the worker side of a connection.
type ClientConfig struct {
	Address string
	// Peer is the name presented at login.
	Peer    string
	Version string
	// LoginTimeout bounds the wait for LoginAck. Defaults to 10s.
	LoginTimeout time.Duration
	// Authority answers commands received from the supervisor whose type is
	// listed in Handle.
	Authority relay.Authority
	Handle    []string
	// Register installs commands the client answers itself, through
	// Client.Acknowledge. It runs before the first envelope is read.
	Register func(r *protocol.Registry, c *Client) error

	Clock  clock.WithDelayedExecution
	Logger logr.Logger
}

// Client is a logged-in worker connection. Commands it sends and receives
// run through its own relay on its own event loop, mirroring the
// supervisor side.
type Client struct {
	log     logr.Logger
	conn    Conn
	session string

	loop   *loop.Loop
	relay  *relay.Relay
	cancel context.CancelFunc

	closing atomic.Bool
	mu      sync.Mutex
	err     error
	done    chan struct{}
}

type connSender struct {
	conn Conn
}

func (s connSender) Send(kind protocol.Kind, typeName string, ref reference.Ref, payload []byte) error {
	return s.conn.WriteEnvelope(protocol.Envelope{Kind: kind, TypeName: typeName, Ref: ref, Payload: payload})
}

type nullAuthority struct{}

func (nullAuthority) Submit(_ reference.Ref, cmd protocol.Command, reply func(protocol.Acknowledge)) {
	reply(protocol.Failed(protocol.AckError, "no handler for "+cmd.TypeName))
}

// Dial connects to cfg.Address, logs in, and starts serving.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Authority == nil {
		cfg.Authority = nullAuthority{}
	}
	log := cfg.Logger.WithName("client").WithValues("peer", cfg.Peer, "address", cfg.Address)

	conn, err := DialConn(ctx, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
	}

	alloc := reference.NewAllocator()
	session, err := clientLogin(ctx, conn, alloc, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log = log.WithValues("session", session)
	log.Info("logged in")

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:     log,
		conn:    conn,
		session: session,
		loop:    loop.New(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r, err := relay.New(relay.Config{
		Name:      cfg.Peer,
		Sender:    connSender{conn: conn},
		Authority: cfg.Authority,
		Post:      func(fn func()) { c.loop.Post(fn) },
		OnFatal:   func(err error) { c.fail(err) },
		Clock:     cfg.Clock,
		Allocator: alloc,
		Logger:    log,
	})
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	c.relay = r
	for _, typeName := range cfg.Handle {
		if err := r.RegisterForwarded(typeName); err != nil {
			cancel()
			conn.Close()
			return nil, err
		}
	}
	if cfg.Register != nil {
		if err := cfg.Register(r.Commands(), c); err != nil {
			cancel()
			conn.Close()
			return nil, fmt.Errorf("register handlers: %w", err)
		}
	}
	r.Activate()

	go c.loop.Run(runCtx)
	go c.readLoop(runCtx)
	return c, nil
}

func clientLogin(ctx context.Context, conn Conn, alloc *reference.Allocator, cfg ClientConfig) (string, error) {
	ref, err := alloc.Allocate()
	if err != nil {
		return "", err
	}
	defer alloc.Release(ref)

	payload, err := protocol.NewCommand(protocol.TypeLogin, protocol.Login{Peer: cfg.Peer, Version: cfg.Version}, 0)
	if err != nil {
		return "", err
	}
	if err := conn.WriteEnvelope(protocol.Envelope{
		Kind:     protocol.KindCommand,
		TypeName: protocol.TypeLogin,
		Ref:      ref,
		Payload:  payload.Payload,
	}); err != nil {
		return "", fmt.Errorf("send login: %w", err)
	}

	type result struct {
		env protocol.Envelope
		err error
	}
	replies := make(chan result, 1)
	go func() {
		env, err := conn.ReadEnvelope()
		replies <- result{env, err}
	}()

	timer := cfg.Clock.NewTimer(cfg.LoginTimeout)
	defer timer.Stop()

	var r result
	select {
	case r = <-replies:
	case <-timer.C():
		conn.Close()
		return "", ErrLoginTimeout
	case <-ctx.Done():
		conn.Close()
		return "", ctx.Err()
	}
	if r.err != nil {
		return "", fmt.Errorf("read login reply: %w", r.err)
	}
	if r.env.Kind != protocol.KindAck || r.env.TypeName != protocol.TypeLoginAck || r.env.Ref != ref {
		return "", fmt.Errorf("%w: unexpected reply %s", ErrLoginRejected, r.env)
	}
	ack, err := protocol.DecodeAcknowledge(r.env.Payload)
	if err != nil {
		return "", err
	}
	if !ack.Status {
		return "", fmt.Errorf("%w: %s", ErrLoginRejected, ack.Message)
	}
	return ack.Message, nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer c.cancel()
	for {
		env, err := c.conn.ReadEnvelope()
		if err != nil {
			if isDecodeError(err) {
				c.log.Info("dropping malformed envelope", "err", err)
				continue
			}
			if ctx.Err() == nil && !c.closing.Load() {
				c.log.V(logging.VERBOSE).Info("connection closed", "err", err)
				c.fail(err)
			}
			// Resolve whatever is still pending before the loop stops.
			c.loop.Call(context.Background(), func() { c.relay.Suspend("connection closed") })
			return
		}
		c.loop.Post(func() { c.relay.HandleIncoming(env) })
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// Session returns the session id assigned at login.
func (c *Client) Session() string { return c.session }

// SendCommand issues cmd to the supervisor. onAck runs on the client's
// event loop.
func (c *Client) SendCommand(cmd protocol.Command, onAck relay.AckFunc) {
	if !c.loop.Post(func() { c.relay.SendCommand(cmd, onAck) }) && onAck != nil {
		onAck(relay.Outcome{Kind: relay.OutcomePeerUnavailable, TypeName: cmd.TypeName})
	}
}

// Request sends cmd and waits for its outcome.
func (c *Client) Request(ctx context.Context, cmd protocol.Command) (relay.Outcome, error) {
	got := make(chan relay.Outcome, 1)
	c.SendCommand(cmd, func(o relay.Outcome) { got <- o })
	select {
	case o := <-got:
		return o, nil
	case <-ctx.Done():
		return relay.Outcome{}, ctx.Err()
	}
}

// Acknowledge answers a command installed by ClientConfig.Register.
func (c *Client) Acknowledge(ref reference.Ref, ack protocol.Acknowledge) {
	c.loop.Post(func() {
		if err := c.relay.Acknowledge(ref, ack); err != nil {
			c.log.V(logging.VERBOSE).Info("acknowledge failed", "ref", ref, "err", err)
		}
	})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection and waits for the reader to stop.
func (c *Client) Close() error {
	c.closing.Store(true)
	err := c.conn.Close()
	<-c.done
	return err
}
