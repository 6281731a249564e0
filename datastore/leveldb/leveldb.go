// Package leveldb implements the peer.PeerIndex interface on top of goleveldb
package leveldb

import (
	"ensock/oid"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"
)

var ErrCorrupted = fmt.Errorf("corrupted")

type LevelDB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func keyFromOid(prefix string, id oid.Oid) []byte {
	return append([]byte(prefix), []byte(id.String())...)
}

func oidFromKey(prefix string, key []byte) (oid.Oid, error) {
	if len(key) <= len(prefix) || string(key[:len(prefix)]) != prefix {
		return oid.Oid{}, fmt.Errorf("oidFromKey: invalid key: %q", key)
	}
	return oid.FromString(string(key[len(prefix):]))
}

func initLevelDb(path string) (*leveldb.DB, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, recovering", path)
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return db, nil
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.Close(); err != nil {
		return err
	}
	log.Debugf("Closed LevelDB at %s", l.path)
	return nil
}
