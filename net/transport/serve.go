package transport

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Serve accepts connections on l until ctx is cancelled and runs handle for each one in its own goroutine.
// The listener is closed when Serve returns.
func Serve(ctx context.Context, l Listener, handle func(ctx context.Context, c Conn)) error {
	defer l.Close()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Infof("transport.Serve: shutting down listener %s due to context cancellation.", l.Addr())
				return ctx.Err()
			default:
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Warnf("transport.Serve: accept error on %s: %v; retrying in %v", l.Addr(), err, tempDelay)
				select {
				case <-time.After(tempDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}

			log.Errorf("transport.Serve: critical accept error on %s: %v. Server stopping.", l.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("transport.Serve: accepted connection %d from %s on %s", c.ID(), c.RemoteAddr(), l.Addr())
		go handle(ctx, c)
	}
}
