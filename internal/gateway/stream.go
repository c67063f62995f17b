package gateway

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/standardbeagle/procrelay/internal/protocol"
)

type streamConn struct {
	c      net.Conn
	parser *protocol.Parser
	writer *protocol.Writer
}

// NewStreamConn frames envelopes over a byte stream.
func NewStreamConn(c net.Conn) Conn {
	return &streamConn{
		c:      c,
		parser: protocol.NewParser(c),
		writer: protocol.NewWriter(c),
	}
}

func (s *streamConn) ReadEnvelope() (protocol.Envelope, error) {
	frame, err := s.parser.ReadFrame()
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		return protocol.Envelope{}, &DecodeError{Err: err}
	}
	if err != nil {
		return protocol.Envelope{}, err
	}
	env, err := protocol.ParseEnvelopeString(frame)
	if err != nil {
		return protocol.Envelope{}, &DecodeError{Err: err}
	}
	return env, nil
}

func (s *streamConn) WriteEnvelope(env protocol.Envelope) error {
	return s.writer.WriteEnvelope(env)
}

func (s *streamConn) Close() error { return s.c.Close() }

func (s *streamConn) RemoteAddr() string {
	if addr := s.c.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return s.c.LocalAddr().Network()
}

type acceptResult struct {
	conn Conn
	err  error
}

type streamListener struct {
	ln   net.Listener
	addr Address

	start    sync.Once
	conns    chan acceptResult
	stopOnce sync.Once
	closed   chan struct{}
}

func newStreamListener(ln net.Listener, addr Address) *streamListener {
	return &streamListener{
		ln:     ln,
		addr:   addr,
		conns:  make(chan acceptResult),
		closed: make(chan struct{}),
	}
}

// pump turns the blocking net.Listener into a channel so Accept can honour
// context cancellation.
func (l *streamListener) pump() {
	defer close(l.conns)
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
			case l.conns <- acceptResult{err: err}:
			}
			return
		}
		select {
		case l.conns <- acceptResult{conn: NewStreamConn(c)}:
		case <-l.closed:
			c.Close()
			return
		}
	}
}

func (l *streamListener) Accept(ctx context.Context) (Conn, error) {
	l.start.Do(func() { go l.pump() })
	select {
	case r, ok := <-l.conns:
		if !ok {
			return nil, ErrListenerClosed
		}
		return r.conn, r.err
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *streamListener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
	})
	return err
}

func (l *streamListener) Addr() string { return l.addr.String() }
