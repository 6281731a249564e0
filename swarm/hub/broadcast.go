package hub

import (
	"ensock/net/transport"
	"errors"
	"fmt"
)

var ErrUnknownConn = errors.New("unknown connection")

// Broadcast encodes the message once and queues it on every open connection except exclude.
// Delivery failures are per connection and only counted; the return value is the number of queued copies.
func (h *Hub) Broadcast(method string, params any, exclude transport.ConnID) (int, error) {
	payload, err := h.codec.Encode(method, params)
	if err != nil {
		return 0, err
	}
	return h.fanOut(payload, exclude), nil
}

// Send queues a message on a single connection.
func (h *Hub) Send(to transport.ConnID, method string, params any) error {
	pc, ok := h.conn(to)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConn, to)
	}

	payload, err := h.codec.Encode(method, params)
	if err != nil {
		return err
	}

	if err := pc.enqueue(payload); err != nil {
		h.dropped(err)
		return err
	}
	h.metrics.FramesOut.Inc()
	return nil
}

// relayFrame forwards an inbound frame untouched, whether or not it was understood locally.
func (h *Hub) relayFrame(frame []byte, from transport.ConnID) {
	n := h.fanOut(frame, from)
	h.metrics.FramesRelayed.Add(float64(n))
}

func (h *Hub) fanOut(payload []byte, exclude transport.ConnID) int {
	sent := 0
	for _, pc := range h.snapshot(exclude) {
		if err := pc.enqueue(payload); err != nil {
			pc.logger().Debugf("hub: dropping frame: %v", err)
			h.dropped(err)
			continue
		}
		sent++
	}
	h.metrics.FramesOut.Add(float64(sent))
	return sent
}

func (h *Hub) dropped(err error) {
	reason := "closed"
	if errors.Is(err, ErrQueueFull) {
		reason = "queue_full"
	}
	h.metrics.FramesDropped.WithLabelValues(reason).Inc()
}
