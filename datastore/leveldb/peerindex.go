package leveldb

import (
	"ensock/datamodel/peer"
	"ensock/oid"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PEER" // Peer metadata indexed by OID. Followed by textual OID representation
)

// ErrNotFound is returned by Get for a peer that was never stored.
var ErrNotFound = errors.ErrNotFound

var _ peer.PeerIndex = (*PeerIndex)(nil)

type PeerIndex struct {
	LevelDB
}

func NewPeerIndex(path string) (*PeerIndex, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func (l *PeerIndex) Get(id oid.Oid) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(id)
}

func (l *PeerIndex) get(id oid.Oid) (*peer.Metadata, error) {
	raw, err := l.db.Get(keyFromOid(keyPrefixPeer, id), nil)
	if err != nil {
		return nil, err
	}

	md := &peer.Metadata{}
	if err := cbor.Unmarshal(raw, md); err != nil {
		return nil, err
	}

	// Compare the OID just in case
	if md.PeerID != id {
		log.Errorf("Get: PeerID mismatch: %s != %s", id.String(), md.PeerID.String())
		return nil, ErrCorrupted
	}

	return md, nil
}

func (l *PeerIndex) Put(metadata *peer.Metadata) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.put(metadata)
}

func (l *PeerIndex) put(metadata *peer.Metadata) (*peer.Metadata, error) {
	if metadata.PeerID.IsZero() {
		return nil, ErrCorrupted
	}

	raw, err := cbor.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	if err := l.db.Put(keyFromOid(keyPrefixPeer, metadata.PeerID), raw, nil); err != nil {
		return nil, err
	}

	return metadata, nil
}

// Update reads, modifies and writes a peer's metadata under the index lock.
func (l *PeerIndex) Update(id oid.Oid, fn func(*peer.Metadata)) (*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	md, err := l.get(id)
	if err == errors.ErrNotFound {
		md = &peer.Metadata{PeerID: id}
	} else if err != nil {
		return nil, err
	}

	fn(md)
	md.PeerID = id

	return l.put(md)
}

func (l *PeerIndex) Enumerate() ([]*peer.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*peer.Metadata

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		id, err := oidFromKey(keyPrefixPeer, iter.Key())
		if err != nil {
			return nil, err
		}

		md := &peer.Metadata{}
		if err := cbor.Unmarshal(iter.Value(), md); err != nil {
			return nil, err
		}
		if md.PeerID != id {
			return nil, ErrCorrupted
		}

		results = append(results, md)
	}

	return results, iter.Error()
}
