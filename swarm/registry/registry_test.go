package registry

import (
	"ensock/oid"
	"ensock/swarm/protocol"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sequentialGenerator hands out predictable tokens so epochs can be compared by value.
type sequentialGenerator struct {
	mu sync.Mutex
	n  byte
}

func (g *sequentialGenerator) New(t oid.OidType) (oid.Oid, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	var b [32]byte
	b[0] = g.n
	return oid.Encode(t, b), nil
}

func newPeerIdentity(t *testing.T) protocol.PeerIdentity {
	id, err := oid.Random(oid.OidTypePeer)
	require.NoError(t, err)
	return protocol.PeerIdentity{ID: id, Host: "localhost", Port: 3000}
}

func TestAdmission(t *testing.T) {
	r, err := New(3000)
	require.NoError(t, err)

	p := newPeerIdentity(t)
	admitted, hub, epoch := r.Admit(p)
	require.True(t, admitted)
	require.Equal(t, 1, hub.ConnectedCount)
	require.Equal(t, 3000, hub.Port)
	require.Equal(t, r.Epoch(), epoch)

	rec, ok := r.Get(p.ID)
	require.True(t, ok)
	require.Equal(t, p, rec.Identity)
	require.Equal(t, epoch, rec.AdmittedEpoch)
	require.Equal(t, 0, rec.MissedConfirmations)
	require.False(t, rec.Confirmed())
}

func TestReadmissionIsIdempotent(t *testing.T) {
	r, err := New(3000)
	require.NoError(t, err)

	p := newPeerIdentity(t)
	r.Admit(p)
	_, err = r.Confirm(p.ID, r.Epoch())
	require.NoError(t, err)

	admitted, hub, _ := r.Admit(p)
	require.False(t, admitted)
	require.Equal(t, 1, hub.ConnectedCount)
	require.Equal(t, 1, r.Len())

	rec, _ := r.Get(p.ID)
	require.True(t, rec.Confirmed(), "re-admission must not reset liveness state")
}

func TestConfirm(t *testing.T) {
	r, err := New(3000)
	require.NoError(t, err)

	p := newPeerIdentity(t)
	r.Admit(p)

	_, err = r.Confirm(p.ID, r.Epoch())
	require.NoError(t, err)

	stranger := newPeerIdentity(t)
	_, err = r.Confirm(stranger.ID, r.Epoch())
	require.ErrorIs(t, err, ErrUnknownPeer)

	old := r.Epoch()
	_, err = r.Sweep()
	require.NoError(t, err)
	_, err = r.Confirm(p.ID, old)
	require.ErrorIs(t, err, ErrStaleEpoch)

	rec, _ := r.Get(p.ID)
	require.Equal(t, old, rec.LastConfirmedEpoch, "a stale confirmation must not overwrite the record")
}

func TestProbeEviction(t *testing.T) {
	r, err := New(3000, WithGenerator(&sequentialGenerator{}))
	require.NoError(t, err)

	p := newPeerIdentity(t)
	r.Admit(p)
	e0 := r.Epoch()
	_, err = r.Confirm(p.ID, e0)
	require.NoError(t, err)

	// Cycle 1: the peer confirmed E0 and survives; E1 is announced.
	res, err := r.Sweep()
	require.NoError(t, err)
	require.Empty(t, res.Evicted)
	require.Equal(t, e0, res.PreviousEpoch)
	require.NotEqual(t, e0, res.Epoch)
	require.Equal(t, 1, res.Hub.ConnectedCount)

	// Cycle 2: the peer never answered the E1 probe.
	res, err = r.Sweep()
	require.NoError(t, err)
	require.Len(t, res.Evicted, 1)
	require.Equal(t, p.ID, res.Evicted[0].Identity.ID)
	require.Equal(t, 1, res.Evicted[0].MissedConfirmations)
	require.Equal(t, 0, res.Hub.ConnectedCount)
	require.Equal(t, 0, r.Len())
}

func TestProbeSurvival(t *testing.T) {
	r, err := New(3000)
	require.NoError(t, err)

	p := newPeerIdentity(t)
	r.Admit(p)
	_, err = r.Confirm(p.ID, r.Epoch())
	require.NoError(t, err)

	res, err := r.Sweep()
	require.NoError(t, err)

	_, err = r.Confirm(p.ID, res.Epoch)
	require.NoError(t, err)

	res2, err := r.Sweep()
	require.NoError(t, err)
	require.Empty(t, res2.Evicted)

	rec, ok := r.Get(p.ID)
	require.True(t, ok)
	require.Equal(t, res.Epoch, rec.LastConfirmedEpoch)
}

func TestUnconfirmedPeerIsEvictedOnNextCycle(t *testing.T) {
	r, err := New(3000)
	require.NoError(t, err)

	p := newPeerIdentity(t)
	r.Admit(p)

	res, err := r.Sweep()
	require.NoError(t, err)
	require.Len(t, res.Evicted, 1)
	require.Equal(t, 0, r.Hub().ConnectedCount)
}

func TestMaxMissedGrace(t *testing.T) {
	r, err := New(3000, WithMaxMissed(3))
	require.NoError(t, err)
	require.Equal(t, 3, r.MaxMissed())

	p := newPeerIdentity(t)
	r.Admit(p)

	for i := 1; i <= 2; i++ {
		res, err := r.Sweep()
		require.NoError(t, err)
		require.Empty(t, res.Evicted, "cycle %d", i)
		require.Len(t, res.Missed, 1)
		require.Equal(t, i, res.Missed[0].MissedConfirmations)
	}

	// A confirmation resets the counter.
	_, err = r.Confirm(p.ID, r.Epoch())
	require.NoError(t, err)
	rec, _ := r.Get(p.ID)
	require.Equal(t, 0, rec.MissedConfirmations)

	// The epoch just confirmed closes without a miss.
	res, err := r.Sweep()
	require.NoError(t, err)
	require.Empty(t, res.Missed)
	require.Empty(t, res.Evicted)
	rec, _ = r.Get(p.ID)
	require.Equal(t, 0, rec.MissedConfirmations)

	for i := 1; i <= 2; i++ {
		res, err := r.Sweep()
		require.NoError(t, err)
		require.Empty(t, res.Evicted, "miss %d", i)
		require.Len(t, res.Missed, 1)
		require.Equal(t, i, res.Missed[0].MissedConfirmations)
	}

	res, err = r.Sweep()
	require.NoError(t, err)
	require.Len(t, res.Evicted, 1)
	require.Equal(t, p.ID, res.Evicted[0].Identity.ID)
	require.Equal(t, 3, res.Evicted[0].MissedConfirmations)
	require.Equal(t, 0, r.Len())
	require.Equal(t, 0, r.Hub().ConnectedCount)
}

func TestEndToEndScenario(t *testing.T) {
	r, err := New(3000)
	require.NoError(t, err)
	require.Equal(t, 0, r.Hub().ConnectedCount)

	a := newPeerIdentity(t)
	_, _, e0 := r.Admit(a)
	_, err = r.Confirm(a.ID, e0)
	require.NoError(t, err)
	require.Equal(t, 1, r.Hub().ConnectedCount)

	res, err := r.Sweep()
	require.NoError(t, err)
	e1 := res.Epoch
	_, err = r.Confirm(a.ID, e1)
	require.NoError(t, err)

	b := newPeerIdentity(t)
	r.Admit(b)
	require.Equal(t, 2, r.Hub().ConnectedCount)

	res, err = r.Sweep()
	require.NoError(t, err)
	require.NotEqual(t, e1, res.Epoch)
	require.Len(t, res.Evicted, 1)
	require.Equal(t, b.ID, res.Evicted[0].Identity.ID)
	require.Equal(t, 1, r.Hub().ConnectedCount)

	rec, ok := r.Get(a.ID)
	require.True(t, ok)
	require.Equal(t, e1, rec.LastConfirmedEpoch)
}

func TestConcurrentMutationsKeepCountConsistent(t *testing.T) {
	r, err := New(3000)
	require.NoError(t, err)

	peers := make([]protocol.PeerIdentity, 50)
	for i := range peers {
		peers[i] = newPeerIdentity(t)
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Admit(p)
			r.Confirm(p.ID, r.Epoch())
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Sweep()
		}()
	}
	wg.Wait()

	require.Equal(t, r.Len(), r.Hub().ConnectedCount)
}

func TestSnapshotOrder(t *testing.T) {
	base := time.Unix(1700000000, 0)
	tick := 0
	r, err := New(3000, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	require.NoError(t, err)

	peers := make([]protocol.PeerIdentity, 3)
	for i := range peers {
		peers[i] = newPeerIdentity(t)
		r.Admit(peers[i])
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, 3, r.Hub().ConnectedCount)
	for i := range peers {
		require.Equal(t, peers[i].ID, snap[i].Identity.ID)
	}
}
