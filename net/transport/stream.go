package transport

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// streamConn frames messages over any reliable byte stream: a TLS connection, a QUIC stream or a pipe.
type streamConn struct {
	id     ConnID
	rwc    io.ReadWriteCloser
	r      *bufio.Reader
	remote net.Addr

	// onClose runs once after rwc is closed, e.g. to tear down the QUIC connection owning the stream.
	onClose func()

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newStreamConn(rwc io.ReadWriteCloser, remote net.Addr, onClose func()) *streamConn {
	return &streamConn{
		id:      nextConnID(),
		rwc:     rwc,
		r:       bufio.NewReader(rwc),
		remote:  remote,
		onClose: onClose,
		done:    make(chan struct{}),
	}
}

func (c *streamConn) ID() ConnID {
	return c.id
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *streamConn) Done() <-chan struct{} {
	return c.done
}

func (c *streamConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *streamConn) Send(frame []byte) error {
	if c.closed() {
		return ErrClosed
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := WriteFrame(c.rwc, frame); err != nil {
		if IsClosed(err) {
			c.Close()
			return ErrClosed
		}
		return err
	}
	return nil
}

// Recv must only be called from a single goroutine.
func (c *streamConn) Recv() ([]byte, error) {
	frame, err := ReadFrame(c.r)
	if err != nil {
		// The stream cannot be resynchronised after a bad frame, so any read error ends the connection.
		wasClosed := c.closed()
		c.Close()
		if err == io.EOF || wasClosed || IsClosed(err) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return frame, nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.rwc.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return c.closeErr
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// Pipe returns two connected in-memory connections. Used by tests and in-process wiring.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return newStreamConn(a, pipeAddr("pipe-b"), nil), newStreamConn(b, pipeAddr("pipe-a"), nil)
}
