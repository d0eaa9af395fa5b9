package netmodel

import (
	"testing"

	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/proto"
)

func newNetworkUpdateForTest() (proto.NetworkUpdatePayload, error) {
	return proto.NetworkUpdatePayload{
		Endpoints: []proto.EndpointDescriptor{{EpID: 9, Name: "ep9", NodeID: 3}},
		Routes:    []proto.RouteDescriptor{{TrID: iac.MakeTrID(2, 0), Node1: 2, Node2: 3}},
		Nodes:     []proto.NodeHopDescriptor{{NodeID: 2, Hops: 1}},
	}, nil
}

func TestBindSelfAndAddEndpoint(t *testing.T) {
	m := New()
	if m.SelfID() != iac.Unset {
		t.Fatal("expected unset self id before binding")
	}
	m.BindSelf(1)
	if err := m.AddEndpoint(Endpoint{ID: 1, Name: "ep1"}); err != nil {
		t.Fatal(err)
	}
	e, ok := m.Endpoint(1)
	if !ok || e.NodeID != 1 {
		t.Fatalf("endpoint not linked to self node: %+v", e)
	}
	n, ok := m.Node(1)
	if !ok {
		t.Fatal("self node missing")
	}
	if _, has := n.Endpoints[1]; !has {
		t.Fatal("I1: node does not list its endpoint")
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestAddRouteAdoptsBareNodes(t *testing.T) {
	m := New()
	m.BindSelf(1)
	if err := m.AddRoute(TransportRoute{ID: iac.MakeTrID(1, 0), Node1: 1, Node2: 2}); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Node(2); !ok {
		t.Fatal("expected node 2 to be adopted")
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestAddRouteDuplicateRejected(t *testing.T) {
	m := New()
	m.BindSelf(1)
	id := iac.MakeTrID(1, 0)
	m.AddRoute(TransportRoute{ID: id, Node1: 1, Node2: 2})
	if err := m.AddRoute(TransportRoute{ID: id, Node1: 1, Node2: 2}); err != iac.ErrAddDuplicate {
		t.Fatalf("err = %v, want ErrAddDuplicate", err)
	}
}

func TestRemoveRouteCascadesNodeRemoval(t *testing.T) {
	m := New()
	m.BindSelf(1)
	id := iac.MakeTrID(1, 0)
	m.AddRoute(TransportRoute{ID: id, Node1: 1, Node2: 2})
	if err := m.RemoveRoute(id); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Node(2); ok {
		t.Fatal("expected node 2 to be removed once its last route is gone")
	}
	if _, ok := m.Node(1); !ok {
		t.Fatal("self node must survive (local)")
	}
}

func TestRenameLocalRouteRelinksBothEnds(t *testing.T) {
	m := New()
	m.BindSelf(2)
	old := iac.MakeTrID(2, 0)
	m.AddRoute(TransportRoute{ID: old, Node1: 2, Node2: 1})
	n2, _ := m.Node(2)
	n2.LocalRoutes[old] = 1

	newID := iac.MakeTrID(1, 0)
	if err := m.RenameLocalRoute(old, newID); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Route(old); ok {
		t.Fatal("old route id should no longer exist")
	}
	r, ok := m.Route(newID)
	if !ok {
		t.Fatal("new route id missing")
	}
	if r.Node1 != 2 || r.Node2 != 1 {
		t.Fatalf("route ends changed: %+v", r)
	}
	n2, _ = m.Node(2)
	if _, has := n2.Routes[old]; has {
		t.Fatal("old id still linked")
	}
	if _, has := n2.Routes[newID]; !has {
		t.Fatal("new id not linked")
	}
	if hops, has := n2.LocalRoutes[newID]; !has || hops != 1 {
		t.Fatalf("local_routes not relinked: %+v", n2.LocalRoutes)
	}
}

func TestSetLocalRouteHopKeepsSmaller(t *testing.T) {
	m := New()
	m.BindSelf(1)
	m.AddRoute(TransportRoute{ID: iac.MakeTrID(1, 0), Node1: 1, Node2: 2})
	m.SetLocalRouteHop(2, iac.MakeTrID(1, 0), 3)
	m.SetLocalRouteHop(2, iac.MakeTrID(1, 0), 1)
	m.SetLocalRouteHop(2, iac.MakeTrID(1, 0), 5)
	n, _ := m.Node(2)
	if n.LocalRoutes[iac.MakeTrID(1, 0)] != 1 {
		t.Fatalf("hop = %d, want 1 (smallest wins)", n.LocalRoutes[iac.MakeTrID(1, 0)])
	}
}

func TestBuildDigestExcludesSelfAndCarryingRoute(t *testing.T) {
	m := New()
	m.BindSelf(1)
	m.AddEndpoint(Endpoint{ID: 1, Name: "ep1"})
	trA := iac.MakeTrID(1, 0)
	trB := iac.MakeTrID(1, 1)
	m.AddRoute(TransportRoute{ID: trA, Node1: 1, Node2: 2})
	m.AddRoute(TransportRoute{ID: trB, Node1: 1, Node2: 3})
	m.SetLocalRouteHop(2, trA, 1)
	m.SetLocalRouteHop(3, trB, 1)

	digest, err := m.BuildDigest(trA)
	if err != nil {
		t.Fatal(err)
	}
	for _, rd := range digest.Routes {
		if rd.TrID == trA {
			t.Fatal("carrying route must be excluded")
		}
	}
	for _, nd := range digest.Nodes {
		if nd.NodeID == 1 {
			t.Fatal("self must be excluded from node list")
		}
	}
}

func TestBuildDigestFailsOnUnreachableNode(t *testing.T) {
	m := New()
	m.BindSelf(1)
	m.AddNode(Node{ID: 2})
	if _, err := m.BuildDigest(0); err != iac.ErrNonExisting {
		t.Fatalf("err = %v, want ErrNonExisting", err)
	}
}

func TestApplyDigestAdoptsAndFoldsHops(t *testing.T) {
	m := New()
	m.BindSelf(1)
	via := iac.MakeTrID(1, 0)
	m.AddRoute(TransportRoute{ID: via, Node1: 1, Node2: 2})

	payload, err := newNetworkUpdateForTest()
	if err != nil {
		t.Fatal(err)
	}
	m.ApplyDigest(payload, via)

	if _, ok := m.Endpoint(9); !ok {
		t.Fatal("endpoint 9 should have been adopted")
	}
	n3, ok := m.Node(3)
	if !ok {
		t.Fatal("node 3 should have been adopted via route descriptor")
	}
	_ = n3
	n2, _ := m.Node(2)
	if hops := n2.LocalRoutes[via]; hops != 2 {
		t.Fatalf("hops via %v = %d, want 2 (reported 1 + 1)", via, hops)
	}
}
