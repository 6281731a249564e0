package hub

import (
	"ensock/net/dispatch"
	"ensock/net/transport"
	"ensock/swarm/protocol"
	"ensock/swarm/registry"
	"errors"

	log "github.com/sirupsen/logrus"
)

// request-connect: admit the peer and announce the admission to every connection.
func (h *Hub) onRequestConnect(msg *dispatch.Message) {
	var params protocol.RequestConnectParams
	if err := msg.Bind(&params); err != nil {
		log.Debugf("hub: malformed %s from connection %d: %v", msg.Method, msg.From, err)
		return
	}
	if params.ID.IsZero() {
		log.Debugf("hub: %s without a peer id from connection %d", msg.Method, msg.From)
		return
	}

	if pc, ok := h.conn(msg.From); ok {
		pc.setPeer(params.ID)
	}

	admitted, hub, epoch := h.registry.Admit(params)
	logger := log.WithFields(log.Fields{"peer": params.ID.Short(), "conn": msg.From})
	if admitted {
		logger.Infof("Admitted peer %s (%d connected)", params.ID.String(), hub.ConnectedCount)
		h.metrics.Admissions.Inc()
		h.metrics.ConnectedPeers.Set(float64(hub.ConnectedCount))
	} else {
		logger.Debugf("Peer %s is already registered", params.ID.String())
		h.metrics.Readmissions.Inc()
	}
	h.recordAdmission(params, admitted)

	if admitted && h.listMode.Load() {
		h.logTable()
	}

	accepted := &protocol.AcceptedConnectParams{
		ID:             hub.ID,
		Port:           hub.Port,
		ConnectedCount: hub.ConnectedCount,
		SendTo:         params.ID,
		Epoch:          epoch,
	}
	if _, err := h.Broadcast(protocol.AcceptedConnect, accepted, transport.NoConn); err != nil {
		logger.Errorf("hub: failed to announce admission: %v", err)
	}
}

// confirm-epoch: a peer reports it is alive in the current epoch.
func (h *Hub) onConfirmEpoch(msg *dispatch.Message) {
	var params protocol.ConfirmEpochParams
	if err := msg.Bind(&params); err != nil {
		log.Debugf("hub: malformed %s from connection %d: %v", msg.Method, msg.From, err)
		return
	}

	logger := log.WithFields(log.Fields{"peer": params.ID.Short(), "conn": msg.From})

	rec, err := h.registry.Confirm(params.ID, params.Epoch)
	switch {
	case err == nil:
		h.metrics.Confirmations.WithLabelValues("ok").Inc()
		logger.Debugf("Peer confirmed epoch %s", params.Epoch.Short())
		h.recordConfirmation(rec)
	case errors.Is(err, registry.ErrUnknownPeer):
		h.metrics.Confirmations.WithLabelValues("unknown").Inc()
		logger.Debugf("hub: ignoring confirmation from unregistered peer")
	case errors.Is(err, registry.ErrStaleEpoch):
		h.metrics.Confirmations.WithLabelValues("stale").Inc()
		logger.Debugf("hub: ignoring confirmation for stale epoch %s", params.Epoch.Short())
	default:
		logger.Errorf("hub: confirmation failed: %v", err)
	}
}
