package commands

import (
	"context"
	"ensock/config"
	"ensock/datastore/leveldb"
	"sort"
	"time"
)

// RunInfo prints the hub's peer history.
func RunInfo(ctx context.Context, cfg *config.Config) {
	pidx, err := leveldb.NewPeerIndex(cfg.DataStore.PeerIndexPath)
	if err != nil {
		log.Fatalf("Failed to open peer index: %v", err)
	}
	defer pidx.Close()

	peers, err := pidx.Enumerate()
	if err != nil {
		log.Fatalf("Failed to enumerate peer index: %v", err)
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].LastSeen.After(peers[j].LastSeen)
	})

	log.Infof("Peer index: %d peers known", len(peers))
	for _, p := range peers {
		log.Infof("Peer: %s, hub %s:%d, live: %t, admissions: %d, evictions: %d, first seen: %s, last seen: %v ago, last epoch: %s",
			p.PeerID.String(), p.Host, p.Port, p.Live, p.Admissions, p.Evictions,
			p.FirstSeen.Format(time.RFC3339), time.Since(p.LastSeen).Round(time.Second), p.LastEpoch.Short())
	}
}
