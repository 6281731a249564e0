package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	log "github.com/sirupsen/logrus"
)

const (
	quicKeepAlive   = 15 * time.Second
	quicIdleTimeout = 45 * time.Second
	quicBacklog     = 64
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicIdleTimeout,
	}
}

type quicListener struct {
	l      *quic.Listener
	ready  chan Conn
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// ListenQUIC listens for QUIC connections. Each connection carries exactly one bidirectional stream,
// opened by the dialing side.
func ListenQUIC(addr string, conf *tls.Config) (Listener, error) {
	if conf == nil {
		return nil, errors.New("quic transport requires a TLS configuration")
	}
	l, err := quic.ListenAddr(addr, withALPN(conf), quicConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ql := &quicListener{
		l:      l,
		ready:  make(chan Conn, quicBacklog),
		ctx:    ctx,
		cancel: cancel,
	}
	go ql.acceptLoop()
	return ql, nil
}

// acceptLoop waits for the stream of every new connection off the caller's Accept path,
// so a client that connects but never opens its stream does not block others.
func (ql *quicListener) acceptLoop() {
	for {
		qc, err := ql.l.Accept(ql.ctx)
		if err != nil {
			if ql.ctx.Err() == nil {
				log.Warnf("transport.quic: accept error on %s: %v", ql.l.Addr(), err)
			}
			ql.Close()
			return
		}
		go ql.acceptStream(qc)
	}
}

func (ql *quicListener) acceptStream(qc quic.Connection) {
	sctx, cancel := context.WithTimeout(ql.ctx, dialTimeout)
	defer cancel()

	s, err := qc.AcceptStream(sctx)
	if err != nil {
		log.Debugf("transport.quic: no stream from %s: %v", qc.RemoteAddr(), err)
		qc.CloseWithError(0, "no stream")
		return
	}

	c := newStreamConn(s, qc.RemoteAddr(), func() {
		qc.CloseWithError(0, "")
	})
	select {
	case ql.ready <- c:
	case <-ql.ctx.Done():
		c.Close()
	}
}

func (ql *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-ql.ready:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ql.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (ql *quicListener) Close() error {
	var err error
	ql.once.Do(func() {
		ql.cancel()
		err = ql.l.Close()
	})
	return err
}

func (ql *quicListener) Addr() net.Addr {
	return ql.l.Addr()
}

// QUICDialer dials Addr over QUIC and opens the connection's single stream.
type QUICDialer struct {
	Addr   string
	Config *tls.Config
}

func (d *QUICDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Config == nil {
		return nil, errors.New("quic transport requires a TLS configuration")
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	qc, err := quic.DialAddr(dctx, d.Addr, withALPN(d.Config), quicConfig())
	if err != nil {
		return nil, err
	}
	s, err := qc.OpenStreamSync(dctx)
	if err != nil {
		qc.CloseWithError(0, "")
		return nil, err
	}
	return newStreamConn(s, qc.RemoteAddr(), func() {
		qc.CloseWithError(0, "")
	}), nil
}
