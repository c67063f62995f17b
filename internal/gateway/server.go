package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/standardbeagle/procrelay/internal/logging"
	"github.com/standardbeagle/procrelay/internal/metrics"
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
)

const eventBuffer = 64

// ServerConfig configures a Server.
type ServerConfig struct {
	// Name labels logs and metrics.
	Name string
	// PeerName is the name the peer must present at login. Empty accepts any.
	PeerName string
	// LoginTimeout bounds the time between accept and a valid Login.
	// Zero disables the bound.
	LoginTimeout time.Duration

	Clock  clock.WithDelayedExecution
	Logger logr.Logger
}

type peerConn struct {
	conn    Conn
	name    string
	session string
}

// Server is a Gateway that accepts exactly one logged-in peer at a time.
type Server struct {
	cfg      ServerConfig
	log      logr.Logger
	listener Listener
	events   chan Event

	mu           sync.Mutex
	accepting    bool
	cancelAccept context.CancelFunc
	peer         *peerConn
	conns        map[Conn]struct{}

	stopOnce sync.Once
	closed   chan struct{}
	wg       sync.WaitGroup
}

var _ Gateway = (*Server)(nil)

// NewServer wraps l. The server owns l and closes it in Close.
func NewServer(l Listener, cfg ServerConfig) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.WithName("gateway").WithValues("listen", l.Addr()),
		listener: l,
		events:   make(chan Event, eventBuffer),
		conns:    make(map[Conn]struct{}),
		closed:   make(chan struct{}),
	}
}

// Addr returns the listener address.
func (s *Server) Addr() string { return s.listener.Addr() }

// Events returns the event stream. It is never closed.
func (s *Server) Events() <-chan Event { return s.events }

// Connect starts accepting. Calling it while already accepting is a no-op.
func (s *Server) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return ErrListenerClosed
	default:
	}
	if s.accepting {
		return nil
	}

	acceptCtx, cancel := context.WithCancel(context.Background())
	s.accepting = true
	s.cancelAccept = cancel
	s.wg.Add(1)
	go s.acceptLoop(acceptCtx)
	s.log.V(logging.VERBOSE).Info("accepting peer connections")
	return nil
}

// Disconnect stops accepting and closes every open connection.
func (s *Server) Disconnect() error {
	s.mu.Lock()
	if s.cancelAccept != nil {
		s.cancelAccept()
		s.cancelAccept = nil
	}
	s.accepting = false
	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close disconnects, closes the listener, and waits for connection
// goroutines to finish.
func (s *Server) Close() error {
	err := s.Disconnect()
	s.stopOnce.Do(func() {
		close(s.closed)
		err = errors.Join(err, s.listener.Close())
	})
	s.wg.Wait()
	return err
}

// Send writes an envelope to the logged-in peer.
func (s *Server) Send(kind protocol.Kind, typeName string, ref reference.Ref, payload []byte) error {
	s.mu.Lock()
	pc := s.peer
	s.mu.Unlock()
	if pc == nil {
		return ErrNotConnected
	}
	return pc.conn.WriteEnvelope(protocol.Envelope{Kind: kind, TypeName: typeName, Ref: ref, Payload: payload})
}

// Peer returns the logged-in peer name and session, if any.
func (s *Server) Peer() (name, session string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return "", "", false
	}
	return s.peer.name, s.peer.session, true
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrListenerClosed) {
				return
			}
			s.log.Error(err, "accept failed")
			s.emit(Event{Kind: EventFatalTransportError, Err: fmt.Errorf("%w: %v", ErrFatalTransport, err)})
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) forget(conn Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) serve(conn Conn) {
	defer s.wg.Done()
	log := s.log.WithValues("remote", conn.RemoteAddr())

	pc, ok := s.login(conn, log)
	if !ok {
		s.forget(conn)
		return
	}
	log = log.WithValues("peer", pc.name, "session", pc.session)
	log.Info("peer connected")
	s.emit(Event{Kind: EventConnected, Peer: pc.name, Session: pc.session})

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if isDecodeError(err) {
				metrics.RecordDropped(s.cfg.Name, metrics.DropMalformed)
				log.Info("dropping malformed envelope", "err", err)
				continue
			}
			log.V(logging.VERBOSE).Info("connection closed", "err", err)
			break
		}
		if env.TypeName == protocol.TypeLogin {
			log.V(logging.VERBOSE).Info("ignoring repeated login", "ref", env.Ref)
			continue
		}
		log.V(logging.TRACE).Info("received", "envelope", env.String())
		s.emit(Event{Kind: EventIncomingMessage, Peer: pc.name, Envelope: env})
	}

	s.mu.Lock()
	if s.peer == pc {
		s.peer = nil
	}
	s.mu.Unlock()
	s.forget(conn)

	log.Info("peer disconnected")
	s.emit(Event{Kind: EventDisconnected, Peer: pc.name, Session: pc.session})
}

// login runs the handshake on a fresh connection. On success the peer is
// installed as the active one.
func (s *Server) login(conn Conn, log logr.Logger) (*peerConn, bool) {
	var timedOut atomic.Bool
	var timer clock.Timer
	if s.cfg.LoginTimeout > 0 {
		timer = s.cfg.Clock.AfterFunc(s.cfg.LoginTimeout, func() {
			timedOut.Store(true)
			conn.Close()
		})
	}

	env, err := conn.ReadEnvelope()
	if timer != nil {
		timer.Stop()
	}
	if timedOut.Load() {
		log.Info("login timed out", "timeout", s.cfg.LoginTimeout)
		s.emit(Event{Kind: EventLoginTimeout})
		return nil, false
	}
	if err != nil {
		log.V(logging.VERBOSE).Info("connection closed before login", "err", err)
		return nil, false
	}

	if env.Kind != protocol.KindCommand || env.TypeName != protocol.TypeLogin {
		s.reject(conn, env.Ref, "expected Login, got "+env.TypeName, log)
		return nil, false
	}

	login, err := protocol.DecodeLogin(env.Payload)
	if err != nil {
		s.reject(conn, env.Ref, err.Error(), log)
		return nil, false
	}

	if s.cfg.PeerName != "" && login.Peer != s.cfg.PeerName {
		s.reject(conn, env.Ref, fmt.Sprintf("unexpected peer %q", login.Peer), log)
		return nil, false
	}

	pc := &peerConn{conn: conn, name: login.Peer, session: uuid.NewString()}

	s.mu.Lock()
	if s.peer != nil {
		s.mu.Unlock()
		s.reject(conn, env.Ref, "a peer is already connected", log)
		return nil, false
	}
	s.peer = pc
	s.mu.Unlock()

	if err := conn.WriteEnvelope(protocol.Envelope{
		Kind:     protocol.KindAck,
		TypeName: protocol.TypeLoginAck,
		Ref:      env.Ref,
		Payload:  protocol.OK(pc.session).Marshal(),
	}); err != nil {
		s.mu.Lock()
		s.peer = nil
		s.mu.Unlock()
		log.V(logging.VERBOSE).Info("login reply failed", "err", err)
		return nil, false
	}
	return pc, true
}

func (s *Server) reject(conn Conn, ref reference.Ref, reason string, log logr.Logger) {
	log.Info("login rejected", "reason", reason)
	_ = conn.WriteEnvelope(protocol.Envelope{
		Kind:     protocol.KindAck,
		TypeName: protocol.TypeLoginAck,
		Ref:      ref,
		Payload:  protocol.Failed(protocol.AckError, reason).Marshal(),
	})
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}
