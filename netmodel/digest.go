package netmodel

import (
	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/proto"
)

// BuildDigest assembles the send-side NETWORK_UPDATE payload (spec §4.6):
// all endpoints, all routes except excludeRoute, and all nodes except self
// with each node's best reachable hop count. A known node with no
// local_routes is a model inconsistency and returns iac.ErrNonExisting.
func (m *Model) BuildDigest(excludeRoute iac.TrID) (proto.NetworkUpdatePayload, error) {
	var p proto.NetworkUpdatePayload

	for _, id := range m.EndpointIDs() {
		e, _ := m.Endpoint(id)
		p.Endpoints = append(p.Endpoints, proto.EndpointDescriptor{
			EpID: e.ID, Name: e.Name, NodeID: e.NodeID,
		})
	}

	for _, id := range m.RouteIDs() {
		if id == excludeRoute {
			continue
		}
		r, _ := m.Route(id)
		p.Routes = append(p.Routes, proto.RouteDescriptor{
			TrID: r.ID, Node1: r.Node1, Node2: r.Node2,
		})
	}

	for _, id := range m.NodeIDs() {
		if id == m.selfID {
			continue
		}
		n, _ := m.Node(id)
		hops, ok := n.BestHop()
		if !ok {
			return proto.NetworkUpdatePayload{}, iac.ErrNonExisting
		}
		p.Nodes = append(p.Nodes, proto.NodeHopDescriptor{NodeID: id, Hops: hops})
	}

	return p, nil
}

// ApplyDigest implements handle_network_update (spec §4.6): adopts any
// endpoint/route descriptor not already known, then folds each
// reachable-node descriptor's hop count (+1 for the hop just taken) into
// the corresponding Node's local_routes entry for viaRoute, keeping the
// smaller value.
func (m *Model) ApplyDigest(p proto.NetworkUpdatePayload, viaRoute iac.TrID) {
	for _, ed := range p.Endpoints {
		if _, ok := m.Endpoint(ed.EpID); ok {
			continue
		}
		_ = m.AddEndpoint(Endpoint{ID: ed.EpID, Name: ed.Name, NodeID: ed.NodeID})
	}

	for _, rd := range p.Routes {
		if _, ok := m.Route(rd.TrID); ok {
			continue
		}
		if rd.Node1 == iac.Unset && rd.Node2 == iac.Unset {
			continue
		}
		_ = m.AddRoute(TransportRoute{ID: rd.TrID, Node1: rd.Node1, Node2: rd.Node2})
	}

	for _, nd := range p.Nodes {
		m.ensureNode(nd.NodeID)
		m.SetLocalRouteHop(nd.NodeID, viaRoute, nd.Hops+1)
	}
}
