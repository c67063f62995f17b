package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
)

// Transport schemes accepted in addresses.
const (
	SchemeUnix      = "unix"
	SchemeTCP       = "tcp"
	SchemeWebSocket = "ws"
)

// Address is a parsed listen or dial address such as
// unix:///run/procrelay/export.sock, tcp://127.0.0.1:7070 or
// ws://127.0.0.1:7071/relay.
type Address struct {
	Scheme string
	// Host is host:port for tcp and ws.
	Host string
	// Path is the socket path for unix and the HTTP path for ws.
	Path string
}

// ParseAddress parses s into an Address.
func ParseAddress(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	switch u.Scheme {
	case SchemeUnix:
		path := u.Host + u.Path
		if path == "" {
			return Address{}, fmt.Errorf("address %q: missing socket path", s)
		}
		return Address{Scheme: SchemeUnix, Path: path}, nil
	case SchemeTCP:
		if u.Host == "" {
			return Address{}, fmt.Errorf("address %q: missing host:port", s)
		}
		return Address{Scheme: SchemeTCP, Host: u.Host}, nil
	case SchemeWebSocket:
		if u.Host == "" {
			return Address{}, fmt.Errorf("address %q: missing host:port", s)
		}
		path := u.Path
		if path == "" {
			path = "/"
		}
		return Address{Scheme: SchemeWebSocket, Host: u.Host, Path: path}, nil
	default:
		return Address{}, fmt.Errorf("address %q: unsupported scheme %q", s, u.Scheme)
	}
}

func (a Address) String() string {
	switch a.Scheme {
	case SchemeUnix:
		return "unix://" + a.Path
	case SchemeWebSocket:
		return "ws://" + a.Host + a.Path
	default:
		return a.Scheme + "://" + a.Host
	}
}

// Listen opens a listener for addr.
func Listen(addr string) (Listener, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	switch a.Scheme {
	case SchemeUnix:
		if err := os.MkdirAll(filepath.Dir(a.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}
		// A socket file left by a crashed run would make Listen fail.
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", a.Path)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(a.Path, 0o600); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		return newStreamListener(ln, a), nil
	case SchemeTCP:
		ln, err := net.Listen("tcp", a.Host)
		if err != nil {
			return nil, err
		}
		a.Host = ln.Addr().String()
		return newStreamListener(ln, a), nil
	default:
		return newWebSocketListener(a)
	}
}

// DialConn connects to addr without logging in.
func DialConn(ctx context.Context, addr string) (Conn, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	switch a.Scheme {
	case SchemeUnix, SchemeTCP:
		target := a.Host
		if a.Scheme == SchemeUnix {
			target = a.Path
		}
		var d net.Dialer
		c, err := d.DialContext(ctx, a.Scheme, target)
		if err != nil {
			return nil, err
		}
		return NewStreamConn(c), nil
	default:
		return dialWebSocket(ctx, a)
	}
}
