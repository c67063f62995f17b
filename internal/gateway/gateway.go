// Package gateway owns the transport connection between a supervisor and the
// process it supervises: listening, the login handshake, and framing
// envelopes on stream or WebSocket transports.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
)

var (
	// ErrNotConnected is returned by Send when no peer is logged in.
	ErrNotConnected = errors.New("peer not connected")
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("listener closed")
	// ErrLoginTimeout is returned by Dial when the login is not answered in time.
	ErrLoginTimeout = errors.New("login timed out")
	// ErrLoginRejected is returned by Dial when the server refuses the login.
	ErrLoginRejected = errors.New("login rejected")
	// ErrFatalTransport wraps listener failures that reconnecting cannot fix.
	ErrFatalTransport = errors.New("fatal transport error")
)

// EventKind identifies a gateway event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventLoginTimeout
	// EventPeerExited is raised by gateways that also own the peer process.
	EventPeerExited
	EventFatalTransportError
	EventIncomingMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventLoginTimeout:
		return "LoginTimeout"
	case EventPeerExited:
		return "PeerExited"
	case EventFatalTransportError:
		return "FatalTransportError"
	case EventIncomingMessage:
		return "IncomingMessage"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one notification from a gateway. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind     EventKind
	Peer     string
	Session  string
	ExitCode int
	Err      error
	Envelope protocol.Envelope
}

// Gateway is the transport as seen by a supervisor. A gateway emits at most
// one EventConnected per successful login and never emits
// EventIncomingMessage for a connection before its EventConnected.
type Gateway interface {
	// Connect starts accepting the peer.
	Connect(ctx context.Context) error
	// Disconnect drops the peer and stops accepting.
	Disconnect() error
	Send(kind protocol.Kind, typeName string, ref reference.Ref, payload []byte) error
	Events() <-chan Event
}

// Conn is one framed, bidirectional envelope connection.
type Conn interface {
	// ReadEnvelope returns the next envelope. A *DecodeError means the frame
	// was unreadable but the connection is still usable.
	ReadEnvelope() (protocol.Envelope, error)
	// WriteEnvelope is safe for concurrent use.
	WriteEnvelope(env protocol.Envelope) error
	Close() error
	RemoteAddr() string
}

// Listener accepts Conns.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}

// DecodeError is a frame that arrived intact but did not parse.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode envelope: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

func isDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
