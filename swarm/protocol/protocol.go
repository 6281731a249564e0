// Package protocol defines the wire-visible method names and parameter payloads of the hub/peer protocol.
package protocol

import (
	"ensock/oid"
)

// Method enumerates the protocol methods. User methods are plain strings and never need a Method value.
type Method int

const (
	MethodUnknown Method = iota
	MethodRequestConnect
	MethodAcceptedConnect
	MethodConfirmEpoch
	MethodProbe

	numMethods
)

// Wire names. These must match exactly for interop between hubs and peers.
const (
	RequestConnect  = "request-connect"
	AcceptedConnect = "accepted-connect"
	ConfirmEpoch    = "confirm-epoch"
	Probe           = "probe"
)

var methodNames = [numMethods]string{
	MethodUnknown:         "",
	MethodRequestConnect:  RequestConnect,
	MethodAcceptedConnect: AcceptedConnect,
	MethodConfirmEpoch:    ConfirmEpoch,
	MethodProbe:           Probe,
}

func (m Method) String() string {
	if m <= MethodUnknown || m >= numMethods {
		return "unknown"
	}
	return methodNames[m]
}

// Valid reports whether m is one of the protocol methods.
func (m Method) Valid() bool {
	return m > MethodUnknown && m < numMethods
}

// ParseMethod maps a wire name to its protocol method.
func ParseMethod(name string) (Method, bool) {
	switch name {
	case RequestConnect:
		return MethodRequestConnect, true
	case AcceptedConnect:
		return MethodAcceptedConnect, true
	case ConfirmEpoch:
		return MethodConfirmEpoch, true
	case Probe:
		return MethodProbe, true
	}
	return MethodUnknown, false
}

// Methods lists every protocol method.
func Methods() []Method {
	return []Method{MethodRequestConnect, MethodAcceptedConnect, MethodConfirmEpoch, MethodProbe}
}

// PeerIdentity is created once per peer process. Host and Port are the hub endpoint the peer dialed.
type PeerIdentity struct {
	ID   oid.Oid `json:"id" cbor:"1,keyasint"`
	Host string  `json:"host" cbor:"2,keyasint,omitempty"`
	Port int     `json:"port" cbor:"3,keyasint,omitempty"`
}

// HubIdentity describes the hub. ConnectedCount always equals the number of registered peers.
type HubIdentity struct {
	ID             oid.Oid `json:"id" cbor:"1,keyasint"`
	Port           int     `json:"port" cbor:"2,keyasint,omitempty"`
	ConnectedCount int     `json:"connectedCount" cbor:"3,keyasint"`
}

// RequestConnectParams is sent by a peer whenever its connection to the hub opens.
type RequestConnectParams = PeerIdentity

// AcceptedConnectParams is broadcast by the hub after admission. Peers must ignore it unless SendTo is their own id.
type AcceptedConnectParams struct {
	ID             oid.Oid `json:"id" cbor:"1,keyasint"`
	Port           int     `json:"port" cbor:"2,keyasint,omitempty"`
	ConnectedCount int     `json:"connectedCount" cbor:"3,keyasint"`
	SendTo         oid.Oid `json:"sendTo" cbor:"4,keyasint"`
	Epoch          oid.Oid `json:"epoch" cbor:"5,keyasint"`
}

// Hub extracts the hub identity carried by the message.
func (p *AcceptedConnectParams) Hub() HubIdentity {
	return HubIdentity{ID: p.ID, Port: p.Port, ConnectedCount: p.ConnectedCount}
}

// ConfirmEpochParams is sent by a peer to confirm that it is alive in Epoch.
type ConfirmEpochParams struct {
	Epoch oid.Oid `json:"epoch" cbor:"1,keyasint"`
	ID    oid.Oid `json:"id" cbor:"2,keyasint"`
	HubID oid.Oid `json:"hubId" cbor:"3,keyasint"`
}

// ProbeParams announces a new epoch. Only peers connected to Port answer.
type ProbeParams struct {
	Epoch oid.Oid `json:"epoch" cbor:"1,keyasint"`
	ID    oid.Oid `json:"id" cbor:"2,keyasint"`
	Port  int     `json:"port" cbor:"3,keyasint,omitempty"`
}
