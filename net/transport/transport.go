// Package transport provides persistent, bidirectional, framed connections.
//
// Two transports are available: TLS over TCP and QUIC (one bidirectional stream per connection).
// Both carry the same length-prefixed frames, one encoded envelope per frame.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
)

var (
	ErrClosed           = errors.New("connection closed")
	ErrUnknownTransport = errors.New("unknown transport")
)

const (
	NameTLS  = "tls"
	NameQUIC = "quic"

	// ALPN protocol identifier negotiated by both transports.
	ALPN = "ensock/1"
)

// ConnID identifies a connection for the lifetime of the process. Zero is never assigned.
type ConnID uint64

// NoConn is used where a connection may be given but none is, e.g. a broadcast without exclusion.
const NoConn ConnID = 0

var lastConnID atomic.Uint64

func nextConnID() ConnID {
	return ConnID(lastConnID.Add(1))
}

// Conn is one open connection. Send and Close may be called concurrently with Recv.
type Conn interface {
	ID() ConnID
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
	RemoteAddr() net.Addr

	// Done is closed once the connection is closed by either side.
	Done() <-chan struct{}
}

// Listener accepts connections. Accept blocks until a connection is ready or ctx ends.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens a connection to a fixed remote endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Listen opens a listener for the named transport.
func Listen(name, addr string, tlsConf *tls.Config) (Listener, error) {
	switch strings.ToLower(name) {
	case "", NameTLS:
		return ListenTLS(addr, tlsConf)
	case NameQUIC:
		return ListenQUIC(addr, tlsConf)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
}

// NewDialer returns a dialer for the named transport.
func NewDialer(name, addr string, tlsConf *tls.Config) (Dialer, error) {
	switch strings.ToLower(name) {
	case "", NameTLS:
		return &TLSDialer{Addr: addr, Config: tlsConf}, nil
	case NameQUIC:
		return &QUICDialer{Addr: addr, Config: tlsConf}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
}

// IsClosed reports whether err means the connection went away.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
