// Package hub implements the hub side of the protocol: it admits peers, tracks their liveness with a
// periodic probe, and fans messages out to every open connection.
package hub

import (
	"context"
	"ensock/config"
	"ensock/datamodel/peer"
	"ensock/helper/timer"
	"ensock/metrics"
	"ensock/net/codec"
	"ensock/net/dispatch"
	"ensock/net/transport"
	"ensock/oid"
	"ensock/swarm/protocol"
	"ensock/swarm/registry"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const DefaultQueueSize = 256

type Hub struct {
	codec    codec.Codec
	table    *dispatch.Table
	registry *registry.Registry
	index    peer.PeerIndex
	metrics  *metrics.Metrics

	queueSize     int
	metricsListen string

	mu    sync.RWMutex
	conns map[transport.ConnID]*peerConn

	relay    atomic.Bool
	listMode atomic.Bool

	probeMu      sync.Mutex
	probeEnabled bool
	probeEvery   timer.Interval
	probeReset   chan struct{}

	// Epoch last written to the peer index per peer, so confirmations hit the disk once per epoch
	histMu      sync.Mutex
	histWritten map[oid.Oid]oid.Oid
}

type Option func(*Hub)

// WithPeerIndex records admissions, confirmations and evictions in idx.
func WithPeerIndex(idx peer.PeerIndex) Option {
	return func(h *Hub) {
		h.index = idx
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithRegistry replaces the registry built from the config, mostly for tests.
func WithRegistry(r *registry.Registry) Option {
	return func(h *Hub) {
		h.registry = r
	}
}

// New creates a hub announcing port to its peers.
func New(cfg *config.HubConfig, port int, c codec.Codec, opts ...Option) (*Hub, error) {
	h := &Hub{
		codec:         c,
		table:         dispatch.NewTable("hub", c),
		queueSize:     cfg.QueueSize,
		metricsListen: cfg.MetricsListen,
		conns:         make(map[transport.ConnID]*peerConn),
		probeEnabled:  cfg.Probe.Enabled,
		probeEvery: timer.Interval{
			Duration: cfg.Probe.Interval.Std(),
			Jitter:   cfg.Probe.Jitter.Std(),
		},
		probeReset:  make(chan struct{}, 1),
		histWritten: make(map[oid.Oid]oid.Oid),
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.queueSize < 1 {
		h.queueSize = DefaultQueueSize
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	if h.registry == nil {
		r, err := registry.New(port, registry.WithMaxMissed(cfg.Probe.MaxMissed))
		if err != nil {
			return nil, err
		}
		h.registry = r
	}

	h.relay.Store(cfg.Relay)
	h.listMode.Store(cfg.List)
	if cfg.Debug {
		h.SetDebugMode(true)
	}

	h.table.HandleProtocol(protocol.MethodRequestConnect, h.onRequestConnect)
	h.table.HandleProtocol(protocol.MethodConfirmEpoch, h.onConfirmEpoch)

	hub := h.registry.Hub()
	log.Infof("I am hub %s, announcing port %d", hub.ID.String(), hub.Port)

	return h, nil
}

// Handle registers a user handler. It takes precedence over the protocol handler of the same name.
func (h *Hub) Handle(method string, fn dispatch.HandlerFunc) {
	h.table.Handle(method, fn)
}

// Hub returns the hub identity, including the current connected count.
func (h *Hub) Hub() protocol.HubIdentity {
	return h.registry.Hub()
}

func (h *Hub) Epoch() oid.Oid {
	return h.registry.Epoch()
}

// Peers lists the registered peers ordered by admission time.
func (h *Hub) Peers() []registry.Record {
	return h.registry.Snapshot()
}

func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

func (h *Hub) Metrics() *metrics.Metrics {
	return h.metrics
}

// Connections returns the number of open connections, admitted or not.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SetDebugMode switches the process log level between debug and info.
func (h *Hub) SetDebugMode(on bool) {
	if on {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// SetListMode logs the peer table whenever admission or eviction changes it.
func (h *Hub) SetListMode(on bool) {
	h.listMode.Store(on)
}

// SetRelay makes every inbound frame go out verbatim to all other open connections.
func (h *Hub) SetRelay(on bool) {
	h.relay.Store(on)
}

// SetProbeMode enables or disables the liveness probe. A positive interval replaces the current one.
// A running probe loop picks the change up immediately.
func (h *Hub) SetProbeMode(enabled bool, interval time.Duration) {
	h.probeMu.Lock()
	h.probeEnabled = enabled
	if interval > 0 {
		h.probeEvery.Duration = interval
		if h.probeEvery.Jitter >= interval {
			h.probeEvery.Jitter = 0
		}
	}
	h.probeMu.Unlock()

	select {
	case h.probeReset <- struct{}{}:
	default:
	}
}

func (h *Hub) probeSettings() (bool, timer.Interval) {
	h.probeMu.Lock()
	defer h.probeMu.Unlock()
	return h.probeEnabled, h.probeEvery
}

// Run serves l, runs the probe loop and, if configured, the metrics endpoint until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, l transport.Listener) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		log.Infof("Hub listening on %s", l.Addr())
		return transport.Serve(cctx, l, h.ServeConn)
	})

	wg.Go(func() error {
		return h.runProbe(cctx)
	})

	if h.metricsListen != "" {
		wg.Go(func() error {
			return h.metrics.Serve(cctx, h.metricsListen)
		})
	}

	err := wg.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}

// ServeConn owns c until it closes: it registers the connection, starts its writer and dispatches every
// inbound frame in arrival order.
func (h *Hub) ServeConn(ctx context.Context, c transport.Conn) {
	pc := newPeerConn(c, h.queueSize)
	h.addConn(pc)
	defer h.removeConn(pc)

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	go pc.writeLoop()

	pc.logger().Debugf("hub: connection opened from %s", c.RemoteAddr())

	for {
		frame, err := c.Recv()
		if err != nil {
			if !transport.IsClosed(err) {
				pc.logger().Warnf("hub: read failed: %v", err)
			}
			return
		}

		tier, _ := h.table.Dispatch(frame, c.ID())
		h.metrics.MessagesIn.WithLabelValues(tier.String()).Inc()

		if h.relay.Load() {
			h.relayFrame(frame, c.ID())
		}
	}
}

func (h *Hub) addConn(pc *peerConn) {
	h.mu.Lock()
	h.conns[pc.ID()] = pc
	h.mu.Unlock()

	h.metrics.OpenConnections.Inc()
}

func (h *Hub) removeConn(pc *peerConn) {
	pc.Close()

	h.mu.Lock()
	delete(h.conns, pc.ID())
	h.mu.Unlock()

	h.metrics.OpenConnections.Dec()
	pc.logger().Debugf("hub: connection closed")
}

func (h *Hub) conn(id transport.ConnID) (*peerConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pc, ok := h.conns[id]
	return pc, ok
}

// snapshot copies the open connections so fan-out runs without holding the lock.
func (h *Hub) snapshot(exclude transport.ConnID) []*peerConn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*peerConn, 0, len(h.conns))
	for id, pc := range h.conns {
		if id != exclude {
			out = append(out, pc)
		}
	}
	return out
}

func (h *Hub) logTable() {
	recs := h.registry.Snapshot()
	hub := h.registry.Hub()

	log.Infof("Peer table: %d connected, epoch %s", hub.ConnectedCount, h.registry.Epoch().Short())
	for _, rec := range recs {
		log.Infof("  %s %s:%d admitted %s missed %d confirmed %s",
			rec.Identity.ID.Short(), rec.Identity.Host, rec.Identity.Port,
			rec.AdmittedAt.Format(time.RFC3339), rec.MissedConfirmations, rec.LastConfirmedEpoch.Short())
	}
}
