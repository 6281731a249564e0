package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"
)

const dialTimeout = 10 * time.Second

type tlsListener struct {
	l net.Listener
}

// ListenTLS listens for TLS over TCP. A nil config listens in plain TCP, which is only meant for tests.
func ListenTLS(addr string, conf *tls.Config) (Listener, error) {
	var (
		l   net.Listener
		err error
	)
	if conf != nil {
		conf = withALPN(conf)
		l, err = tls.Listen("tcp", addr, conf)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	return &tlsListener{l: l}, nil
}

func (l *tlsListener) Accept(ctx context.Context) (Conn, error) {
	// Unblock Accept when the context ends.
	stop := context.AfterFunc(ctx, func() {
		l.l.Close()
	})
	defer stop()

	nc, err := l.l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	// The TLS handshake runs on the first read so a slow client cannot stall the accept loop.
	return newStreamConn(nc, nc.RemoteAddr(), nil), nil
}

func (l *tlsListener) Close() error {
	err := l.l.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *tlsListener) Addr() net.Addr {
	return l.l.Addr()
}

// TLSDialer dials Addr over TLS. A nil Config dials plain TCP.
type TLSDialer struct {
	Addr   string
	Config *tls.Config
}

func (d *TLSDialer) Dial(ctx context.Context) (Conn, error) {
	nd := &net.Dialer{Timeout: dialTimeout}
	if d.Config == nil {
		nc, err := nd.DialContext(ctx, "tcp", d.Addr)
		if err != nil {
			return nil, err
		}
		return newStreamConn(nc, nc.RemoteAddr(), nil), nil
	}

	td := &tls.Dialer{NetDialer: nd, Config: withALPN(d.Config)}
	nc, err := td.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	return newStreamConn(nc, nc.RemoteAddr(), nil), nil
}

func withALPN(conf *tls.Config) *tls.Config {
	for _, p := range conf.NextProtos {
		if p == ALPN {
			return conf
		}
	}
	c := conf.Clone()
	c.NextProtos = append(c.NextProtos, ALPN)
	return c
}
