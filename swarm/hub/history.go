package hub

import (
	"ensock/datamodel/peer"
	"ensock/swarm/protocol"
	"ensock/swarm/registry"
	"time"

	log "github.com/sirupsen/logrus"
)

func (h *Hub) recordAdmission(id protocol.PeerIdentity, admitted bool) {
	if h.index == nil {
		return
	}

	now := time.Now()
	_, err := h.index.Update(id.ID, func(md *peer.Metadata) {
		if md.FirstSeen.IsZero() {
			md.FirstSeen = now
		}
		md.LastSeen = now
		md.Host = id.Host
		md.Port = id.Port
		md.Live = true
		if admitted {
			md.Admissions++
		}
	})
	if err != nil {
		log.Errorf("hub: failed to record admission of %s: %v", id.ID.String(), err)
	}
}

// recordConfirmation writes at most once per peer and epoch.
func (h *Hub) recordConfirmation(rec registry.Record) {
	if h.index == nil {
		return
	}

	id, epoch := rec.Identity.ID, rec.LastConfirmedEpoch

	h.histMu.Lock()
	if h.histWritten[id] == epoch {
		h.histMu.Unlock()
		return
	}
	h.histWritten[id] = epoch
	h.histMu.Unlock()

	_, err := h.index.Update(id, func(md *peer.Metadata) {
		md.LastSeen = rec.ConfirmedAt
		md.LastEpoch = epoch
		md.Live = true
	})
	if err != nil {
		log.Errorf("hub: failed to record confirmation of %s: %v", id.String(), err)
	}
}

func (h *Hub) recordEviction(rec registry.Record) {
	if h.index == nil {
		return
	}

	id := rec.Identity.ID

	h.histMu.Lock()
	delete(h.histWritten, id)
	h.histMu.Unlock()

	_, err := h.index.Update(id, func(md *peer.Metadata) {
		md.Evictions++
		md.Live = false
	})
	if err != nil {
		log.Errorf("hub: failed to record eviction of %s: %v", id.String(), err)
	}
}
