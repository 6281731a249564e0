package hub

import (
	"context"
	"ensock/helper/timer"
	"ensock/net/transport"
	"ensock/swarm/protocol"
	"time"

	log "github.com/sirupsen/logrus"
)

// runProbe runs one probe loop for the whole hub. SetProbeMode restarts it with the new settings.
func (h *Hub) runProbe(ctx context.Context) error {
	for {
		enabled, interval := h.probeSettings()

		loopCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		if enabled {
			go func() {
				done <- timer.RunWithTicker(loopCtx, "probe", &interval, func(context.Context) error {
					return h.ProbeCycle()
				})
			}()
		}

		select {
		case <-ctx.Done():
			cancel()
			if enabled {
				<-done
			}
			return ctx.Err()
		case <-h.probeReset:
			cancel()
			if enabled {
				<-done
			}
		case err := <-done:
			cancel()
			return err
		}
	}
}

// ProbeCycle evicts every peer that has not confirmed the current epoch (subject to the missed
// confirmation allowance), starts a new epoch and broadcasts it.
func (h *Hub) ProbeCycle() error {
	start := time.Now()

	res, err := h.registry.Sweep()
	if err != nil {
		return err
	}

	for _, rec := range res.Evicted {
		log.WithField("peer", rec.Identity.ID.Short()).Infof("Evicted peer %s: no confirmation for epoch %s", rec.Identity.ID.String(), res.PreviousEpoch.Short())
		h.recordEviction(rec)
	}
	for _, rec := range res.Missed {
		log.WithField("peer", rec.Identity.ID.Short()).Debugf("Peer missed %d/%d confirmations", rec.MissedConfirmations, h.registry.MaxMissed())
	}

	if len(res.Evicted) > 0 && h.listMode.Load() {
		h.logTable()
	}

	probe := &protocol.ProbeParams{
		Epoch: res.Epoch,
		ID:    res.Hub.ID,
		Port:  res.Hub.Port,
	}
	if _, err := h.Broadcast(protocol.Probe, probe, transport.NoConn); err != nil {
		log.Errorf("hub: probe broadcast failed: %v", err)
	}

	h.metrics.RecordProbe(len(res.Evicted), res.Hub.ConnectedCount, time.Since(start))
	log.Debugf("Probe cycle: epoch %s -> %s, %d evicted, %d connected", res.PreviousEpoch.Short(), res.Epoch.Short(), len(res.Evicted), res.Hub.ConnectedCount)

	return nil
}
