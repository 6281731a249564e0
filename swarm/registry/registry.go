// Package registry holds the hub's authoritative set of admitted peers together with the hub identity
// and the current liveness epoch.
//
// All state sits behind one mutex: admission, confirmation and the probe sweep are serialised
// against each other, and HubIdentity.ConnectedCount is always len(records).
package registry

import (
	"ensock/oid"
	"ensock/swarm/protocol"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrStaleEpoch  = errors.New("confirmation for a stale epoch")
)

// DefaultMaxMissed evicts a peer on the first probe cycle it fails to confirm.
const DefaultMaxMissed = 1

// Record is the hub-side state of one admitted peer. Identity never changes after admission.
type Record struct {
	Identity protocol.PeerIdentity

	// AdmittedEpoch is the epoch announced to the peer in its accepted-connect.
	AdmittedEpoch oid.Oid

	// LastConfirmedEpoch is written only by the peer's own confirm-epoch. Zero until the first one.
	LastConfirmedEpoch oid.Oid

	// MissedConfirmations counts consecutive sweeps the peer did not confirm. Reset on confirmation.
	MissedConfirmations int

	AdmittedAt  time.Time
	ConfirmedAt time.Time
}

// Confirmed reports whether the peer has confirmed at least one epoch.
func (r *Record) Confirmed() bool {
	return !r.LastConfirmedEpoch.IsZero()
}

// SweepResult describes one probe cycle.
type SweepResult struct {
	// PreviousEpoch is the epoch the records were checked against.
	PreviousEpoch oid.Oid

	// Epoch is the freshly generated epoch to announce.
	Epoch oid.Oid

	Evicted []Record

	// Missed lists records that failed this cycle but stay registered (only when maxMissed > 1).
	Missed []Record

	Hub protocol.HubIdentity
}

type Registry struct {
	gen       oid.Generator
	maxMissed int
	now       func() time.Time

	mu      sync.Mutex
	hub     protocol.HubIdentity
	epoch   oid.Oid
	records map[oid.Oid]*Record
}

type Option func(*Registry)

// WithMaxMissed sets how many consecutive unconfirmed cycles evict a peer. Values below 1 mean 1.
func WithMaxMissed(n int) Option {
	return func(r *Registry) {
		if n < 1 {
			n = 1
		}
		r.maxMissed = n
	}
}

// WithGenerator replaces the token source, mostly for tests that need predictable epochs.
func WithGenerator(g oid.Generator) Option {
	return func(r *Registry) {
		r.gen = g
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry for a hub listening on port. The hub id and the first epoch are generated here.
func New(port int, opts ...Option) (*Registry, error) {
	r := &Registry{
		gen:       oid.RandomGenerator,
		maxMissed: DefaultMaxMissed,
		now:       time.Now,
		records:   make(map[oid.Oid]*Record),
	}
	for _, opt := range opts {
		opt(r)
	}

	hubID, err := r.gen.New(oid.OidTypeHub)
	if err != nil {
		return nil, err
	}
	epoch, err := r.gen.New(oid.OidTypeEpoch)
	if err != nil {
		return nil, err
	}

	r.hub = protocol.HubIdentity{ID: hubID, Port: port}
	r.epoch = epoch
	return r, nil
}

func (r *Registry) MaxMissed() int {
	return r.maxMissed
}

// Hub returns a copy of the hub identity.
func (r *Registry) Hub() protocol.HubIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hub
}

// Epoch returns the current liveness epoch.
func (r *Registry) Epoch() oid.Oid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Admit registers a peer. A peer already registered under the same id is left untouched and
// admitted is false. The returned hub identity and epoch are those to announce in accepted-connect.
func (r *Registry) Admit(id protocol.PeerIdentity) (admitted bool, hub protocol.HubIdentity, epoch oid.Oid) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id.ID]; !ok {
		r.records[id.ID] = &Record{
			Identity:      id,
			AdmittedEpoch: r.epoch,
			AdmittedAt:    r.now(),
		}
		r.hub.ConnectedCount++
		admitted = true
	}
	return admitted, r.hub, r.epoch
}

// Confirm records that peer id is alive in epoch. Only the current epoch is accepted.
func (r *Registry) Confirm(id oid.Oid, epoch oid.Oid) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrUnknownPeer
	}
	if epoch != r.epoch {
		return *rec, ErrStaleEpoch
	}

	rec.LastConfirmedEpoch = epoch
	rec.MissedConfirmations = 0
	rec.ConfirmedAt = r.now()
	return *rec, nil
}

// Sweep runs the registry half of a probe cycle: every record that did not confirm the current epoch
// takes a miss and is evicted once it reaches maxMissed; then a new epoch replaces the current one.
func (r *Registry) Sweep() (SweepResult, error) {
	next, err := r.gen.New(oid.OidTypeEpoch)
	if err != nil {
		return SweepResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res := SweepResult{PreviousEpoch: r.epoch, Epoch: next}
	for id, rec := range r.records {
		if rec.LastConfirmedEpoch == r.epoch {
			continue
		}
		rec.MissedConfirmations++
		if rec.MissedConfirmations >= r.maxMissed {
			res.Evicted = append(res.Evicted, *rec)
			delete(r.records, id)
			continue
		}
		res.Missed = append(res.Missed, *rec)
	}

	r.hub.ConnectedCount -= len(res.Evicted)
	r.epoch = next
	res.Hub = r.hub

	sortRecords(res.Evicted)
	sortRecords(res.Missed)
	return res, nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id oid.Oid) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records ordered by admission time.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].AdmittedAt.Equal(recs[j].AdmittedAt) {
			return recs[i].AdmittedAt.Before(recs[j].AdmittedAt)
		}
		return recs[i].Identity.ID.String() < recs[j].Identity.ID.String()
	})
}
