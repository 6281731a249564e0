package commands

import (
	"context"
	"ensock/config"
	"ensock/net/codec"
	"ensock/net/dispatch"
	"ensock/net/transport"
	"ensock/swarm/peer"
)

// SayParams is the payload of the demo "say" method.
type SayParams struct {
	Text string `json:"text" cbor:"1,keyasint"`
}

const MethodSay = "say"

func newPeer(cfg *config.Config) *peer.Peer {
	tlsConf, err := cfg.TLS.ClientTLS(cfg.PeerHubHost())
	if err != nil {
		log.Fatalf("Failed to load TLS material: %v", err)
	}

	c, err := codec.New(cfg.Peer.Codec)
	if err != nil {
		log.Fatalf("Failed to create codec: %v", err)
	}

	d, err := transport.NewDialer(cfg.Peer.Transport, cfg.Peer.Hub, tlsConf)
	if err != nil {
		log.Fatalf("Failed to create dialer: %v", err)
	}

	p, err := peer.New(&cfg.Peer, d, c)
	if err != nil {
		log.Fatalf("Failed to create peer: %v", err)
	}
	return p
}

// RunPeer connects to the hub and logs every "say" message relayed to it.
func RunPeer(ctx context.Context, cfg *config.Config) {
	p := newPeer(cfg)

	p.Handle(MethodSay, func(msg *dispatch.Message) {
		var params SayParams
		if err := msg.Bind(&params); err != nil {
			log.Warnf("Malformed %s: %v", MethodSay, err)
			return
		}
		log.Infof("say: %s", params.Text)
	})

	if err := p.Run(ctx); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}

	log.Info("Peer stopped")
}
