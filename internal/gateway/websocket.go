package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/procrelay/internal/protocol"
)

const wsCloseGrace = time.Second

// wsConn carries one envelope per text frame, without the terminator.
type wsConn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(protocol.MaxFrameSize + int64(len(protocol.Terminator)))
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadEnvelope() (protocol.Envelope, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return protocol.Envelope{}, io.EOF
		}
		return protocol.Envelope{}, err
	}
	if mt != websocket.TextMessage {
		return protocol.Envelope{}, &DecodeError{Err: fmt.Errorf("unexpected frame type %d", mt)}
	}
	env, err := protocol.ParseEnvelopeString(string(data))
	if err != nil {
		return protocol.Envelope{}, &DecodeError{Err: err}
	}
	return env, nil
}

func (c *wsConn) WriteEnvelope(env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	frame := protocol.FormatEnvelope(env)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseGrace))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

type wsListener struct {
	addr     Address
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	conns    chan Conn
	errs     chan error
	stopOnce sync.Once
	closed   chan struct{}
}

func newWebSocketListener(a Address) (*wsListener, error) {
	ln, err := net.Listen("tcp", a.Host)
	if err != nil {
		return nil, err
	}
	a.Host = ln.Addr().String()

	l := &wsListener{
		addr: a,
		ln:   ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns:  make(chan Conn),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.Path, l.handleUpgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.errs <- err
		}
	}()
	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	c := newWSConn(ws)
	select {
	case l.conns <- c:
	case <-l.closed:
		c.Close()
	case <-r.Context().Done():
		c.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.errs:
		return nil, err
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() string { return l.addr.String() }

func dialWebSocket(ctx context.Context, a Address) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.String(), nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}
