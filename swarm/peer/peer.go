// Package peer implements the peer side of the protocol: it keeps a connection to one hub open,
// announces itself on every (re)connect and answers the hub's liveness probes.
package peer

import (
	"context"
	"ensock/config"
	"ensock/helper/timer"
	"ensock/net/codec"
	"ensock/net/dispatch"
	"ensock/net/transport"
	"ensock/oid"
	"ensock/swarm/protocol"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("not connected to hub")

const (
	DefaultReconnectDelay  = 2 * time.Second
	DefaultReconnectJitter = 500 * time.Millisecond
)

type Peer struct {
	identity protocol.PeerIdentity
	dialer   transport.Dialer
	codec    codec.Codec
	table    *dispatch.Table

	reconnectDelay  time.Duration
	reconnectJitter time.Duration

	listMode atomic.Bool

	mu    sync.RWMutex
	conn  transport.Conn
	epoch oid.Oid
	hub   protocol.HubIdentity

	// Closed and replaced on every accepted-connect addressed to us
	accepted chan struct{}
}

// New creates a peer for the hub endpoint in cfg. The peer id is generated here and kept for the
// lifetime of the process.
func New(cfg *config.PeerConfig, dial transport.Dialer, c codec.Codec) (*Peer, error) {
	host, p, err := net.SplitHostPort(cfg.Hub)
	if err != nil {
		return nil, fmt.Errorf("hub address %q: %w", cfg.Hub, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return nil, fmt.Errorf("hub address %q: bad port", cfg.Hub)
	}

	id, err := oid.Random(oid.OidTypePeer)
	if err != nil {
		return nil, err
	}

	pr := &Peer{
		identity:        protocol.PeerIdentity{ID: id, Host: host, Port: port},
		dialer:          dial,
		codec:           c,
		table:           dispatch.NewTable("peer", c),
		reconnectDelay:  cfg.ReconnectDelay.Std(),
		reconnectJitter: cfg.ReconnectJitter.Std(),
		accepted:        make(chan struct{}),
	}
	if pr.reconnectDelay <= 0 {
		pr.reconnectDelay = DefaultReconnectDelay
	}
	if pr.reconnectJitter < 0 {
		pr.reconnectJitter = 0
	}

	pr.listMode.Store(cfg.List)
	if cfg.Debug {
		pr.SetDebugMode(true)
	}

	pr.table.HandleProtocol(protocol.MethodAcceptedConnect, pr.onAcceptedConnect)
	pr.table.HandleProtocol(protocol.MethodProbe, pr.onProbe)

	log.Infof("I am peer %s, hub %s:%d", id.String(), host, port)

	return pr, nil
}

func (p *Peer) Identity() protocol.PeerIdentity {
	return p.identity
}

// Epoch returns the last epoch announced by the hub, zero before the first accepted-connect.
func (p *Peer) Epoch() oid.Oid {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.epoch
}

// Hub returns the hub identity from the last accepted-connect.
func (p *Peer) Hub() protocol.HubIdentity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hub
}

// Accepted returns a channel closed by the next accepted-connect addressed to this peer.
func (p *Peer) Accepted() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.accepted
}

func (p *Peer) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn != nil
}

// Handle registers a user handler. It takes precedence over the protocol handler of the same name.
func (p *Peer) Handle(method string, fn dispatch.HandlerFunc) {
	p.table.Handle(method, fn)
}

func (p *Peer) SetDebugMode(on bool) {
	if on {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// SetListMode logs the hub identity on every accepted-connect.
func (p *Peer) SetListMode(on bool) {
	p.listMode.Store(on)
}

// SendMessage sends one message to the hub. It fails with ErrNotConnected while reconnecting.
func (p *Peer) SendMessage(method string, params any) error {
	payload, err := p.codec.Encode(method, params)
	if err != nil {
		return err
	}

	p.mu.RLock()
	c := p.conn
	p.mu.RUnlock()

	if c == nil {
		return ErrNotConnected
	}
	if err := c.Send(payload); err != nil {
		if transport.IsClosed(err) {
			return ErrNotConnected
		}
		return err
	}

	log.Debugf("peer: sent %s", method)
	return nil
}

// Run keeps a connection to the hub open until ctx is cancelled, reconnecting after a jittered delay
// whenever the connection fails.
func (p *Peer) Run(ctx context.Context) error {
	for {
		err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := timer.Jittered(p.reconnectDelay, p.reconnectJitter)
		if err != nil && !transport.IsClosed(err) {
			log.Warnf("peer: connection to hub failed: %v, reconnecting in %v", err, delay)
		} else {
			log.Infof("peer: connection closed, reconnecting in %v", delay)
		}

		if err := timer.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session dials once and reads until the connection closes.
func (p *Peer) session(ctx context.Context) error {
	c, err := p.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	p.setConn(c)
	defer p.setConn(nil)

	log.Infof("peer: connection to hub opened (%s)", c.RemoteAddr())

	if err := p.SendMessage(protocol.RequestConnect, &p.identity); err != nil {
		return err
	}

	for {
		frame, err := c.Recv()
		if err != nil {
			return err
		}
		p.table.Dispatch(frame, c.ID())
	}
}

func (p *Peer) setConn(c transport.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = c
}

// accepted-connect is broadcast to every connection; only the one addressed to us is acted on.
func (p *Peer) onAcceptedConnect(msg *dispatch.Message) {
	var params protocol.AcceptedConnectParams
	if err := msg.Bind(&params); err != nil {
		log.Debugf("peer: malformed %s: %v", msg.Method, err)
		return
	}
	if params.SendTo != p.identity.ID {
		return
	}

	p.mu.Lock()
	p.epoch = params.Epoch
	p.hub = params.Hub()
	close(p.accepted)
	p.accepted = make(chan struct{})
	p.mu.Unlock()

	log.Debugf("peer: admitted by hub %s, epoch %s", params.ID.Short(), params.Epoch.Short())
	if p.listMode.Load() {
		log.Infof("Hub %s port %d, %d connected, epoch %s", params.ID.String(), params.Port, params.ConnectedCount, params.Epoch.String())
	}

	p.confirm(params.Epoch, params.ID)
}

// probe: answer only probes from the hub we dialed.
func (p *Peer) onProbe(msg *dispatch.Message) {
	var params protocol.ProbeParams
	if err := msg.Bind(&params); err != nil {
		log.Debugf("peer: malformed %s: %v", msg.Method, err)
		return
	}
	if params.Port != p.identity.Port {
		log.Debugf("peer: ignoring probe for port %d", params.Port)
		return
	}

	p.mu.Lock()
	p.epoch = params.Epoch
	p.mu.Unlock()

	p.confirm(params.Epoch, params.ID)
}

func (p *Peer) confirm(epoch, hubID oid.Oid) {
	err := p.SendMessage(protocol.ConfirmEpoch, &protocol.ConfirmEpochParams{
		Epoch: epoch,
		ID:    p.identity.ID,
		HubID: hubID,
	})
	if err != nil {
		log.Warnf("peer: failed to confirm epoch %s: %v", epoch.Short(), err)
	}
}
