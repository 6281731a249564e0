package peer

import (
	"ensock/oid"
	"time"
)

// Metadata is the hub's operational history of one peer id. It outlives eviction so an operator can
// see who connected, how often, and whether the peer is registered right now.
type Metadata struct {
	PeerID     oid.Oid   `cbor:"1,keyasint"`           // Peer identifier
	Host       string    `cbor:"2,keyasint,omitempty"` // Hub host the peer dialed
	Port       int       `cbor:"3,keyasint,omitempty"` // Hub port the peer dialed
	FirstSeen  time.Time `cbor:"4,keyasint"`           // First admission
	LastSeen   time.Time `cbor:"5,keyasint"`           // Last admission or confirmation
	Admissions uint64    `cbor:"6,keyasint,omitempty"` // Number of times the peer was admitted
	Evictions  uint64    `cbor:"7,keyasint,omitempty"` // Number of times the peer was evicted
	LastEpoch  oid.Oid   `cbor:"8,keyasint"`           // Last epoch the peer confirmed
	Live       bool      `cbor:"9,keyasint,omitempty"` // Registered at the time of the last write
}

// PeerIndex stores Metadata keyed by peer id.
type PeerIndex interface {
	// Get returns the metadata for a peer, or an error if the peer is unknown.
	Get(oid.Oid) (*Metadata, error)

	// Put stores or replaces a peer's metadata.
	Put(*Metadata) (*Metadata, error)

	// Update applies fn to the stored metadata (a fresh value if the peer is unknown) and stores the result.
	Update(id oid.Oid, fn func(*Metadata)) (*Metadata, error)

	// Enumerate returns metadata for every known peer.
	Enumerate() ([]*Metadata, error)

	Close() error
}
