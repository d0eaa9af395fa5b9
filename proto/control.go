package proto

import (
	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/wire"
)

// ConnectPayload is the CONNECT control payload (spec §4.6).
type ConnectPayload struct {
	SenderNodeID     iac.NodeID
	OtherTrID        iac.TrID
	TheirHeartbeatMs uint16
	TheirDeadAfterMs uint16
}

// BuildConnect serializes a ConnectPayload.
func BuildConnect(p ConnectPayload) []byte {
	w := wire.NewWriter()
	w.Uint8(uint8(p.SenderNodeID))
	w.Uint16(uint16(p.OtherTrID))
	w.Uint16(p.TheirHeartbeatMs)
	w.Uint16(p.TheirDeadAfterMs)
	return w.Bytes()
}

// ParseConnect decodes a CONNECT payload.
func ParseConnect(buf []byte) (ConnectPayload, error) {
	r := wire.NewReader(buf)
	var p ConnectPayload
	sender, err := r.Uint8()
	if err != nil {
		return p, err
	}
	otherTr, err := r.Uint16()
	if err != nil {
		return p, err
	}
	hb, err := r.Uint16()
	if err != nil {
		return p, err
	}
	dead, err := r.Uint16()
	if err != nil {
		return p, err
	}
	p.SenderNodeID = iac.NodeID(sender)
	p.OtherTrID = iac.TrID(otherTr)
	p.TheirHeartbeatMs = hb
	p.TheirDeadAfterMs = dead
	return p, nil
}

// EndpointDescriptor is one entry of a NETWORK_UPDATE endpoint list.
type EndpointDescriptor struct {
	EpID   iac.EpID
	Name   string
	NodeID iac.NodeID
}

// RouteDescriptor is one entry of a NETWORK_UPDATE route list.
type RouteDescriptor struct {
	TrID  iac.TrID
	Node1 iac.NodeID
	Node2 iac.NodeID
}

// NodeHopDescriptor is one entry of a NETWORK_UPDATE reachable-node list.
type NodeHopDescriptor struct {
	NodeID iac.NodeID
	Hops   uint8
}

// NetworkUpdatePayload is the NETWORK_UPDATE digest payload (spec §4.6).
type NetworkUpdatePayload struct {
	Endpoints []EndpointDescriptor
	Routes    []RouteDescriptor
	Nodes     []NodeHopDescriptor
}

// BuildNetworkUpdate serializes a NetworkUpdatePayload. Callers are
// responsible for the count invariants (at most 255 of each); this
// function truncates silently past that, matching the u8 count fields.
func BuildNetworkUpdate(p NetworkUpdatePayload) []byte {
	w := wire.NewWriter()

	if len(p.Endpoints) > 255 {
		p.Endpoints = p.Endpoints[:255]
	}
	if len(p.Routes) > 255 {
		p.Routes = p.Routes[:255]
	}
	if len(p.Nodes) > 255 {
		p.Nodes = p.Nodes[:255]
	}

	w.Uint8(uint8(len(p.Endpoints)))
	for _, e := range p.Endpoints {
		w.Uint8(uint8(e.EpID))
		w.Str(e.Name)
		w.Uint8(uint8(e.NodeID))
	}

	w.Uint8(uint8(len(p.Routes)))
	for _, r := range p.Routes {
		w.Uint16(uint16(r.TrID))
		w.Uint8(uint8(r.Node1))
		w.Uint8(uint8(r.Node2))
	}

	w.Uint8(uint8(len(p.Nodes)))
	for _, n := range p.Nodes {
		w.Uint8(uint8(n.NodeID))
		w.Uint8(n.Hops)
	}

	return w.Bytes()
}

// ParseNetworkUpdate decodes a NETWORK_UPDATE payload.
func ParseNetworkUpdate(buf []byte) (NetworkUpdatePayload, error) {
	r := wire.NewReader(buf)
	var p NetworkUpdatePayload

	nEps, err := r.Uint8()
	if err != nil {
		return p, err
	}
	p.Endpoints = make([]EndpointDescriptor, 0, nEps)
	for i := 0; i < int(nEps); i++ {
		id, err := r.Uint8()
		if err != nil {
			return p, err
		}
		name, err := r.Str()
		if err != nil {
			return p, err
		}
		node, err := r.Uint8()
		if err != nil {
			return p, err
		}
		p.Endpoints = append(p.Endpoints, EndpointDescriptor{
			EpID: iac.EpID(id), Name: name, NodeID: iac.NodeID(node),
		})
	}

	nTrs, err := r.Uint8()
	if err != nil {
		return p, err
	}
	p.Routes = make([]RouteDescriptor, 0, nTrs)
	for i := 0; i < int(nTrs); i++ {
		tr, err := r.Uint16()
		if err != nil {
			return p, err
		}
		n1, err := r.Uint8()
		if err != nil {
			return p, err
		}
		n2, err := r.Uint8()
		if err != nil {
			return p, err
		}
		p.Routes = append(p.Routes, RouteDescriptor{
			TrID: iac.TrID(tr), Node1: iac.NodeID(n1), Node2: iac.NodeID(n2),
		})
	}

	nNodes, err := r.Uint8()
	if err != nil {
		return p, err
	}
	p.Nodes = make([]NodeHopDescriptor, 0, nNodes)
	for i := 0; i < int(nNodes); i++ {
		id, err := r.Uint8()
		if err != nil {
			return p, err
		}
		hops, err := r.Uint8()
		if err != nil {
			return p, err
		}
		p.Nodes = append(p.Nodes, NodeHopDescriptor{NodeID: iac.NodeID(id), Hops: hops})
	}

	return p, nil
}
