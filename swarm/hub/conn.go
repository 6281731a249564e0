package hub

import (
	"ensock/net/transport"
	"ensock/oid"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrQueueFull = errors.New("outbound queue full")

// peerConn is an open connection with its bounded outbound queue. The queue is drained by writeLoop,
// so a slow connection never blocks a broadcast to the others.
type peerConn struct {
	transport.Conn
	queue chan []byte

	mu   sync.Mutex
	peer oid.Oid // last peer id announced on this connection
}

func newPeerConn(c transport.Conn, size int) *peerConn {
	return &peerConn{
		Conn:  c,
		queue: make(chan []byte, size),
	}
}

func (pc *peerConn) setPeer(id oid.Oid) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.peer = id
}

func (pc *peerConn) Peer() oid.Oid {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.peer
}

func (pc *peerConn) logger() *log.Entry {
	fields := log.Fields{"conn": pc.ID()}
	if p := pc.Peer(); !p.IsZero() {
		fields["peer"] = p.Short()
	}
	return log.WithFields(fields)
}

// enqueue never blocks. The queue channel is never closed, the writer stops on Done instead.
func (pc *peerConn) enqueue(payload []byte) error {
	select {
	case <-pc.Done():
		return transport.ErrClosed
	default:
	}

	select {
	case pc.queue <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeLoop sends queued payloads until the connection closes. A send error closes the connection.
func (pc *peerConn) writeLoop() {
	for {
		select {
		case <-pc.Done():
			return
		case payload := <-pc.queue:
			if err := pc.Send(payload); err != nil {
				if !transport.IsClosed(err) {
					pc.logger().Warnf("hub: send failed: %v", err)
				}
				pc.Close()
				return
			}
		}
	}
}
