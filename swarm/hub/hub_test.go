package hub

import (
	"context"
	"ensock/config"
	"ensock/datastore/leveldb"
	"ensock/net/codec"
	"ensock/net/dispatch"
	"ensock/net/transport"
	"ensock/oid"
	"ensock/swarm/protocol"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// testPeer is the far end of a pipe served by the hub. It speaks the wire protocol by hand.
type testPeer struct {
	t     *testing.T
	conn  transport.Conn
	codec codec.Codec
	id    protocol.PeerIdentity
	inbox chan *codec.Envelope
}

func newHub(t *testing.T, opts ...Option) (*Hub, context.Context) {
	cfg := config.NewEmptyConfig("").Hub
	h, err := New(&cfg, 3000, codec.JSON{}, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return h, ctx
}

func connect(t *testing.T, ctx context.Context, h *Hub) *testPeer {
	local, remote := transport.Pipe()
	go h.ServeConn(ctx, remote)

	id, err := oid.Random(oid.OidTypePeer)
	require.NoError(t, err)

	p := &testPeer{
		t:     t,
		conn:  local,
		codec: codec.JSON{},
		id:    protocol.PeerIdentity{ID: id, Host: "localhost", Port: 3000},
		inbox: make(chan *codec.Envelope, 64),
	}
	t.Cleanup(func() { local.Close() })

	go func() {
		for {
			frame, err := local.Recv()
			if err != nil {
				close(p.inbox)
				return
			}
			env, err := p.codec.Decode(frame)
			if err != nil {
				continue
			}
			p.inbox <- env
		}
	}()

	require.Eventually(t, func() bool {
		_, ok := h.conn(remote.ID())
		return ok
	}, waitFor, time.Millisecond)
	return p
}

func (p *testPeer) send(method string, params any) {
	data, err := p.codec.Encode(method, params)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.Send(data))
}

func (p *testPeer) sendRaw(frame []byte) {
	require.NoError(p.t, p.conn.Send(frame))
}

// next returns the next message with the given method, skipping others.
func (p *testPeer) next(method string) *codec.Envelope {
	timeout := time.After(waitFor)
	for {
		select {
		case env, ok := <-p.inbox:
			require.True(p.t, ok, "connection closed while waiting for %s", method)
			if env.Method == method {
				return env
			}
		case <-timeout:
			p.t.Fatalf("timed out waiting for %s", method)
			return nil
		}
	}
}

// nothing asserts that no message with the given method arrives for a short while.
func (p *testPeer) nothing(method string) {
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case env, ok := <-p.inbox:
			if !ok {
				return
			}
			require.NotEqual(p.t, method, env.Method, "unexpected %s", method)
		case <-timeout:
			return
		}
	}
}

// accepted waits for the accepted-connect addressed to sendTo.
func (p *testPeer) accepted(sendTo oid.Oid) *protocol.AcceptedConnectParams {
	for {
		env := p.next(protocol.AcceptedConnect)
		var params protocol.AcceptedConnectParams
		require.NoError(p.t, p.codec.Unmarshal(env.Params, &params))
		if params.SendTo == sendTo {
			return &params
		}
	}
}

// join performs request-connect and returns the hub's answer.
func (p *testPeer) join() *protocol.AcceptedConnectParams {
	p.send(protocol.RequestConnect, p.id)
	return p.accepted(p.id.ID)
}

func (p *testPeer) confirm(h *Hub, epoch oid.Oid) {
	p.send(protocol.ConfirmEpoch, &protocol.ConfirmEpochParams{Epoch: epoch, ID: p.id.ID})
	require.Eventually(p.t, func() bool {
		rec, ok := h.Registry().Get(p.id.ID)
		return ok && rec.LastConfirmedEpoch == epoch
	}, waitFor, time.Millisecond)
}

func (p *testPeer) probe() *protocol.ProbeParams {
	env := p.next(protocol.Probe)
	var params protocol.ProbeParams
	require.NoError(p.t, p.codec.Unmarshal(env.Params, &params))
	return &params
}

func TestAdmission(t *testing.T) {
	h, ctx := newHub(t)
	p := connect(t, ctx, h)

	acc := p.join()
	require.Equal(t, h.Hub().ID, acc.ID)
	require.Equal(t, 3000, acc.Port)
	require.Equal(t, 1, acc.ConnectedCount)
	require.Equal(t, h.Epoch(), acc.Epoch)

	peers := h.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, p.id, peers[0].Identity)
	require.Equal(t, acc.Epoch, peers[0].AdmittedEpoch)
	require.Equal(t, 0, peers[0].MissedConfirmations)
}

func TestReadmissionDoesNotDuplicate(t *testing.T) {
	h, ctx := newHub(t)
	p := connect(t, ctx, h)

	p.join()
	acc := p.join()
	require.Equal(t, 1, acc.ConnectedCount)
	require.Len(t, h.Peers(), 1)
}

func TestAcceptedConnectReachesEveryConnection(t *testing.T) {
	h, ctx := newHub(t)
	a := connect(t, ctx, h)
	b := connect(t, ctx, h)

	a.join()
	b.send(protocol.RequestConnect, b.id)

	// Both connections see the admission of b, only b is meant to act on it
	require.Equal(t, 2, b.accepted(b.id.ID).ConnectedCount)
	require.Equal(t, 2, a.accepted(b.id.ID).ConnectedCount)
}

func TestMalformedRequestConnectIsIgnored(t *testing.T) {
	h, ctx := newHub(t)
	p := connect(t, ctx, h)

	p.send(protocol.RequestConnect, map[string]any{"host": "localhost"})
	p.sendRaw([]byte("not json"))
	p.nothing(protocol.AcceptedConnect)
	require.Equal(t, 0, h.Hub().ConnectedCount)

	// The connection survives
	p.join()
}

func TestProbeScenario(t *testing.T) {
	h, ctx := newHub(t)
	a := connect(t, ctx, h)
	b := connect(t, ctx, h)

	e0 := a.join().Epoch
	a.confirm(h, e0)

	require.NoError(t, h.ProbeCycle())
	probe := a.probe()
	require.NotEqual(t, e0, probe.Epoch)
	require.Equal(t, 3000, probe.Port)
	require.Equal(t, h.Hub().ID, probe.ID)
	e1 := probe.Epoch
	a.confirm(h, e1)

	// b joins during E1 and never confirms
	require.Equal(t, 2, b.join().ConnectedCount)

	require.NoError(t, h.ProbeCycle())
	e2 := a.probe().Epoch
	require.NotEqual(t, e1, e2)

	require.Equal(t, 1, h.Hub().ConnectedCount)
	peers := h.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, a.id.ID, peers[0].Identity.ID)
	require.Equal(t, e1, peers[0].LastConfirmedEpoch)

	// The evicted peer is still connected and still receives broadcasts
	require.Equal(t, e2, b.probe().Epoch)
	require.Equal(t, 2, h.Connections())
}

func TestConfirmationsForStaleEpochOrUnknownPeerAreIgnored(t *testing.T) {
	h, ctx := newHub(t)
	p := connect(t, ctx, h)

	e0 := p.join().Epoch
	p.confirm(h, e0)
	require.NoError(t, h.ProbeCycle())
	p.probe()

	stranger, err := oid.Random(oid.OidTypePeer)
	require.NoError(t, err)
	p.send(protocol.ConfirmEpoch, &protocol.ConfirmEpochParams{Epoch: h.Epoch(), ID: stranger})
	p.send(protocol.ConfirmEpoch, &protocol.ConfirmEpochParams{Epoch: e0, ID: p.id.ID})

	// Ordering on one connection is preserved, so once this one lands the others were handled
	p.confirm(h, h.Epoch())
	require.Len(t, h.Peers(), 1)
}

func TestUserHandlerOverridesProtocol(t *testing.T) {
	h, ctx := newHub(t)

	calls := make(chan *dispatch.Message, 1)
	h.Handle(protocol.RequestConnect, func(msg *dispatch.Message) { calls <- msg })

	p := connect(t, ctx, h)
	p.send(protocol.RequestConnect, p.id)

	select {
	case msg := <-calls:
		var id protocol.PeerIdentity
		require.NoError(t, msg.Bind(&id))
		require.Equal(t, p.id.ID, id.ID)
	case <-time.After(waitFor):
		t.Fatal("user handler did not run")
	}

	p.nothing(protocol.AcceptedConnect)
	require.Equal(t, 0, h.Hub().ConnectedCount)
}

func TestUnknownMethodIsIgnored(t *testing.T) {
	h, ctx := newHub(t)
	p := connect(t, ctx, h)

	p.send("set-background-color", map[string]string{"color": "red"})
	require.Equal(t, 1, p.join().ConnectedCount)
}

func TestBroadcastExcludesSender(t *testing.T) {
	h, ctx := newHub(t)
	h.Handle("say", func(msg *dispatch.Message) {
		var text string
		if err := msg.Bind(&text); err != nil {
			return
		}
		h.Broadcast("said", text, msg.From)
	})

	a := connect(t, ctx, h)
	b := connect(t, ctx, h)
	c := connect(t, ctx, h)

	a.send("say", "hello")

	for _, p := range []*testPeer{b, c} {
		var text string
		require.NoError(t, p.codec.Unmarshal(p.next("said").Params, &text))
		require.Equal(t, "hello", text)
	}
	a.nothing("said")
}

func TestRelay(t *testing.T) {
	h, ctx := newHub(t)
	h.SetRelay(true)

	a := connect(t, ctx, h)
	b := connect(t, ctx, h)

	a.send("chat", map[string]string{"text": "hi"})
	env := b.next("chat")
	require.JSONEq(t, `{"text":"hi"}`, string(env.Params))
	a.nothing("chat")

	h.SetRelay(false)
	a.send("chat", nil)
	b.nothing("chat")
}

func TestSendToSingleConnection(t *testing.T) {
	h, ctx := newHub(t)
	h.Handle("ping", func(msg *dispatch.Message) {
		h.Send(msg.From, "pong", nil)
	})

	a := connect(t, ctx, h)
	b := connect(t, ctx, h)

	a.send("ping", nil)
	a.next("pong")
	b.nothing("pong")

	require.ErrorIs(t, h.Send(transport.ConnID(1<<62), "pong", nil), ErrUnknownConn)
}

func TestClosedConnectionIsForgotten(t *testing.T) {
	h, ctx := newHub(t)
	a := connect(t, ctx, h)
	connect(t, ctx, h)
	require.Equal(t, 2, h.Connections())

	a.join()
	a.conn.Close()
	require.Eventually(t, func() bool { return h.Connections() == 1 }, waitFor, time.Millisecond)

	// The record stays until the probe notices
	require.Equal(t, 1, h.Hub().ConnectedCount)
	require.NoError(t, h.ProbeCycle())
	require.Equal(t, 0, h.Hub().ConnectedCount)
}

func TestPeerHistory(t *testing.T) {
	idx, err := leveldb.NewPeerIndex(t.TempDir())
	require.NoError(t, err)
	defer idx.Close()

	h, ctx := newHub(t, WithPeerIndex(idx))
	p := connect(t, ctx, h)

	e0 := p.join().Epoch
	p.confirm(h, e0)
	p.confirm(h, e0)

	require.Eventually(t, func() bool {
		md, err := idx.Get(p.id.ID)
		return err == nil && md.LastEpoch == e0
	}, waitFor, time.Millisecond)

	md, err := idx.Get(p.id.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), md.Admissions)
	require.Equal(t, 3000, md.Port)
	require.True(t, md.Live)

	require.NoError(t, h.ProbeCycle())
	require.NoError(t, h.ProbeCycle())

	md, err = idx.Get(p.id.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), md.Evictions)
	require.False(t, md.Live)
}

func TestProbeLoop(t *testing.T) {
	l, err := transport.ListenTLS("127.0.0.1:0", nil)
	require.NoError(t, err)

	h, ctx := newHub(t)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.Run(runCtx, l) }()

	p := connect(t, ctx, h)
	p.join()

	// Disabled by default: nothing is evicted
	p.nothing(protocol.Probe)
	require.Equal(t, 1, h.Hub().ConnectedCount)

	h.SetProbeMode(true, 20*time.Millisecond)
	p.probe()
	require.Eventually(t, func() bool { return h.Hub().ConnectedCount == 0 }, waitFor, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancellation")
	}
}
