package commands

import (
	"context"
	"ensock/config"
	"ensock/datastore/leveldb"
	"ensock/metrics"
	"ensock/net/codec"
	"ensock/net/transport"
	"ensock/swarm/hub"
	"net"
)

func RunHub(ctx context.Context, cfg *config.Config) {
	tlsConf, err := cfg.TLS.ServerTLS()
	if err != nil {
		log.Fatalf("Failed to load TLS material: %v", err)
	}

	c, err := codec.New(cfg.Hub.Codec)
	if err != nil {
		log.Fatalf("Failed to create codec: %v", err)
	}

	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		log.Fatalf("Failed to open peer index: %v", err)
	}
	defer pidx.Close()

	l, err := transport.Listen(cfg.Hub.Transport, cfg.Hub.Listen, tlsConf)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Hub.Listen, err)
	}

	port, err := cfg.HubPort()
	if err != nil {
		log.Fatalf("Invalid hub port: %v", err)
	}
	if port == 0 {
		// Listening on an ephemeral port: announce the one we got
		switch addr := l.Addr().(type) {
		case *net.TCPAddr:
			port = addr.Port
		case *net.UDPAddr:
			port = addr.Port
		}
	}

	h, err := hub.New(&cfg.Hub, port, c, hub.WithPeerIndex(pidx), hub.WithMetrics(metrics.New()))
	if err != nil {
		log.Fatalf("Failed to create hub: %v", err)
	}

	log.Infof("Hub %s on %s (%s, %s codec), probe %v every %v, relay %v",
		h.Hub().ID.String(), l.Addr(), cfg.Hub.Transport, c.Name(), cfg.Hub.Probe.Enabled, cfg.Hub.Probe.Interval.Std(), cfg.Hub.Relay)

	if err := h.Run(ctx, l); err != nil {
		log.Fatalf("Hub failed: %v", err)
	}

	log.Info("Hub stopped")
}
